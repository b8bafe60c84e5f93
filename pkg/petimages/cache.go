package petimages

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/gomlx/catsvsdogs/internal/workerspool"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// cacheMagic identifies the preprocessed examples file format.
var cacheMagic = [8]byte{'P', 'E', 'T', 'G', 'R', 'A', 'Y', '1'}

// cacheHeaderSize is the magic followed by 3 uint32: image size, number of records and seed.
const cacheHeaderSize = 8 + 3*4

// cacheChunkSize is the number of images preprocessed in parallel before being written.
const cacheChunkSize = 512

// Cache gives random access to a file of preprocessed examples, see BuildCache.
//
// Each record holds 1 byte with the label followed by size*size bytes of grayscale pixels.
// Cache is safe for concurrent use.
type Cache struct {
	filePath   string
	file       *os.File
	size       int
	numRecords int
	seed       int32
}

// Source of preprocessed examples consumed by Dataset.
type Source interface {
	// Len returns the number of examples.
	Len() int

	// ImageSize is the width and height of the preprocessed images.
	ImageSize() int

	// Read returns the label and the ImageSize()^2 gray pixels of the i-th example.
	// It must be safe for concurrent use.
	Read(i int) (Label, []byte, error)
}

// BuildCache preprocesses the examples and writes them to filePath, in order.
// Examples whose images fail to decode are skipped with a warning.
//
// The file is written to a temporary file first and renamed when complete, so an interrupted build
// doesn't leave a truncated cache behind.
func BuildCache(examples []Example, size int, seed int32, filePath string, parallelism int, verbose bool) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0777); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory for cache %q", filePath)
	}
	tmpPath := filePath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create cache file %q", tmpPath)
	}
	// No-op once renamed.
	defer func() { _ = os.Remove(tmpPath) }()
	w := bufio.NewWriterSize(f, 1<<20)
	// Header is rewritten at the end, once the number of records is known.
	if _, err = w.Write(make([]byte, cacheHeaderSize)); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "failed to write to cache file %q", tmpPath)
	}

	var bar *progressbar.ProgressBar
	if verbose {
		bar = progressbar.NewOptions(len(examples),
			progressbar.OptionSetDescription("Preprocessing"),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
	}
	pool := workerspool.NewWithParallelism(parallelism)
	numRecords := 0
	labelAndPixels := make([][]byte, cacheChunkSize)
	for start := 0; start < len(examples); start += cacheChunkSize {
		chunk := examples[start:min(start+cacheChunkSize, len(examples))]
		_ = pool.ForEach(len(chunk), func(i int) error {
			pixels, err := PreprocessFile(chunk[i].Path, size)
			if err != nil {
				klog.Warningf("Skipping %s: %v", chunk[i], err)
				labelAndPixels[i] = nil
				return nil
			}
			labelAndPixels[i] = append([]byte{byte(chunk[i].Label)}, pixels...)
			return nil
		})
		for i := range chunk {
			if labelAndPixels[i] == nil {
				continue
			}
			if _, err = w.Write(labelAndPixels[i]); err != nil {
				_ = f.Close()
				return nil, errors.Wrapf(err, "failed to write to cache file %q", tmpPath)
			}
			numRecords++
		}
		if bar != nil {
			_ = bar.Add(len(chunk))
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	if err = w.Flush(); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "failed to write to cache file %q", tmpPath)
	}
	if _, err = f.WriteAt(encodeCacheHeader(size, numRecords, seed), 0); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "failed to write header of cache file %q", tmpPath)
	}
	if err = f.Close(); err != nil {
		return nil, errors.Wrapf(err, "failed to close cache file %q", tmpPath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return nil, errors.Wrapf(err, "failed to move cache file into %q", filePath)
	}
	klog.V(1).Infof("Cache %q: %d examples of %dx%d", filePath, numRecords, size, size)
	return OpenCache(filePath)
}

func encodeCacheHeader(size, numRecords int, seed int32) []byte {
	header := make([]byte, cacheHeaderSize)
	copy(header, cacheMagic[:])
	binary.LittleEndian.PutUint32(header[8:], uint32(size))
	binary.LittleEndian.PutUint32(header[12:], uint32(numRecords))
	binary.LittleEndian.PutUint32(header[16:], uint32(seed))
	return header
}

// OpenCache opens a cache file created with BuildCache.
func OpenCache(filePath string) (*Cache, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open cache %q", filePath)
	}
	header := make([]byte, cacheHeaderSize)
	if _, err = io.ReadFull(f, header); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "failed to read header of cache %q", filePath)
	}
	if [8]byte(header[:8]) != cacheMagic {
		_ = f.Close()
		return nil, errors.Errorf("file %q is not an images cache", filePath)
	}
	c := &Cache{
		filePath:   filePath,
		file:       f,
		size:       int(binary.LittleEndian.Uint32(header[8:])),
		numRecords: int(binary.LittleEndian.Uint32(header[12:])),
		seed:       int32(binary.LittleEndian.Uint32(header[16:])),
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "failed to stat cache %q", filePath)
	}
	if want := int64(cacheHeaderSize) + int64(c.numRecords)*int64(c.recordSize()); info.Size() != want {
		_ = f.Close()
		return nil, errors.Errorf("cache %q has %d bytes, expected %d for %d records of %dx%d images",
			filePath, info.Size(), want, c.numRecords, c.size, c.size)
	}
	return c, nil
}

// OpenOrBuildCache opens the cache at filePath if it exists and matches size and seed, otherwise
// it (re-)builds it from examples.
func OpenOrBuildCache(examples []Example, size int, seed int32, filePath string, parallelism int, verbose bool) (*Cache, error) {
	if _, err := os.Stat(filePath); err == nil {
		c, err := OpenCache(filePath)
		if err == nil && c.size == size && c.seed == seed {
			return c, nil
		}
		if err == nil {
			_ = c.Close()
			klog.Infof("Cache %q was built with image size %d and seed %d, rebuilding", filePath, c.size, c.seed)
		} else {
			klog.Warningf("Rebuilding invalid cache: %v", err)
		}
	}
	return BuildCache(examples, size, seed, filePath, parallelism, verbose)
}

func (c *Cache) recordSize() int { return 1 + c.size*c.size }

// Len implements Source.
func (c *Cache) Len() int { return c.numRecords }

// ImageSize implements Source.
func (c *Cache) ImageSize() int { return c.size }

// Seed used to order the examples when the cache was built.
func (c *Cache) Seed() int32 { return c.seed }

// Path of the cache file.
func (c *Cache) Path() string { return c.filePath }

// Read implements Source.
func (c *Cache) Read(i int) (Label, []byte, error) {
	if i < 0 || i >= c.numRecords {
		return 0, nil, errors.Errorf("record %d out of range for cache %q with %d records", i, c.filePath, c.numRecords)
	}
	record := make([]byte, c.recordSize())
	offset := int64(cacheHeaderSize) + int64(i)*int64(c.recordSize())
	if _, err := c.file.ReadAt(record, offset); err != nil {
		return 0, nil, errors.Wrapf(err, "failed to read record %d of cache %q", i, c.filePath)
	}
	label := Label(record[0])
	if label != Cat && label != Dog {
		return 0, nil, errors.Errorf("record %d of cache %q has invalid label %d", i, c.filePath, record[0])
	}
	return label, record[1:], nil
}

// Close the underlying file.
func (c *Cache) Close() error {
	return c.file.Close()
}

// Slice returns a Source with the records [start, end) of the cache.
func (c *Cache) Slice(start, end int) Source {
	return &sliceSource{Source: c, start: start, end: end}
}

// SplitCache splits the cache records like Split splits examples.
func SplitCache(c *Cache, ratio float64) (trainSource, validationSource Source, err error) {
	if ratio <= 0 || ratio >= 1 {
		return nil, nil, errors.Errorf("train split ratio must be in the open interval (0, 1), got %g", ratio)
	}
	numTrain := int(ratio * float64(c.Len()))
	if numTrain == 0 || numTrain == c.Len() {
		return nil, nil, errors.Errorf("train split ratio %g over %d examples leaves one of the splits empty",
			ratio, c.Len())
	}
	return c.Slice(0, numTrain), c.Slice(numTrain, c.Len()), nil
}

type sliceSource struct {
	Source
	start, end int
}

func (s *sliceSource) Len() int { return s.end - s.start }

func (s *sliceSource) Read(i int) (Label, []byte, error) {
	if i < 0 || i >= s.Len() {
		return 0, nil, errors.Errorf("example %d out of range for source with %d examples", i, s.Len())
	}
	return s.Source.Read(s.start + i)
}

// FileSource reads and preprocesses the image files of the examples on every Read.
type FileSource struct {
	examples []Example
	size     int
}

// NewFileSource creates a Source that preprocesses images to size x size on the fly.
func NewFileSource(examples []Example, size int) *FileSource {
	return &FileSource{examples: examples, size: size}
}

// Len implements Source.
func (s *FileSource) Len() int { return len(s.examples) }

// ImageSize implements Source.
func (s *FileSource) ImageSize() int { return s.size }

// Read implements Source.
func (s *FileSource) Read(i int) (Label, []byte, error) {
	ex := s.examples[i]
	pixels, err := PreprocessFile(ex.Path, s.size)
	if err != nil {
		return 0, nil, errors.WithMessagef(err, "while reading %s", ex)
	}
	return ex.Label, pixels, nil
}
