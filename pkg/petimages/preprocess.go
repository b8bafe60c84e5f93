package petimages

import (
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// LoadImage decodes the image file at imagePath.
func LoadImage(imagePath string) (image.Image, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %q", imagePath)
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", imagePath)
	}
	if img.Bounds().Empty() {
		return nil, errors.Errorf("image %q is empty", imagePath)
	}
	return img, nil
}

// Preprocess stretches img to size x size (bilinear), converts it to grayscale and returns the
// size*size gray pixels in row-major order.
//
// The aspect ratio is not preserved.
func Preprocess(img image.Image, size int) []byte {
	resized := imaging.Resize(img, size, size, imaging.Linear)
	gray := imaging.Grayscale(resized)
	pixels := make([]byte, size*size)
	for y := range size {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+4*size]
		for x := range size {
			pixels[y*size+x] = row[4*x] // R == G == B after Grayscale.
		}
	}
	return pixels
}

// PreprocessFile loads and preprocesses the image file at imagePath. See Preprocess.
func PreprocessFile(imagePath string, size int) ([]byte, error) {
	img, err := LoadImage(imagePath)
	if err != nil {
		return nil, err
	}
	return Preprocess(img, size), nil
}

// PixelsToTensor converts a batch of preprocessed images (each with size*size gray pixels) into
// a float32 tensor shaped [batch, size, size, 1] with values normalized to [0, 1].
func PixelsToTensor(batch [][]byte, size int) (*tensors.Tensor, error) {
	numPixels := size * size
	flat := make([]float32, len(batch)*numPixels)
	for i, pixels := range batch {
		if len(pixels) != numPixels {
			return nil, errors.Errorf("image #%d in batch has %d pixels, expected %d (%dx%d)",
				i, len(pixels), numPixels, size, size)
		}
		dst := flat[i*numPixels : (i+1)*numPixels]
		for j, p := range pixels {
			dst[j] = float32(p) / 255.0
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, len(batch), size, size, 1), nil
}

// LabelsToTensor converts labels to a float32 tensor shaped [batch, 1], with Dog=1 and Cat=0.
func LabelsToTensor(labels []Label) *tensors.Tensor {
	flat := make([]float32, len(labels))
	for i, l := range labels {
		flat[i] = float32(l)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(labels), 1)
}

// PixelsToImage converts size*size gray pixels back to an image, for display.
func PixelsToImage(pixels []byte, size int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, size, size))
	copy(img.Pix, pixels)
	return img
}
