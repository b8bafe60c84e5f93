package petimages

import (
	"io"
	"math/rand"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

// Dataset implements train.Dataset over a Source of preprocessed examples.
//
// Each Yield returns one batch:
//
//   - inputs: one float32 tensor with the images, shaped [batch_size, size, size, 1], values in [0, 1].
//   - labels: one float32 tensor shaped [batch_size, 1], with 1 for Dog and 0 for Cat.
//
// Each epoch visits every example once, and the last batch of the epoch may be smaller than batch_size.
// Yield is safe for concurrent use, so the dataset can be wrapped with datasets.CustomParallel.
type Dataset struct {
	name, shortName string
	source          Source
	batchSize       int

	// shuffleBuffer is the size of the buffer used to shuffle; 0 means no shuffling.
	shuffleBuffer int

	// mu protects rng, order and next.
	mu    sync.Mutex
	rng   *rand.Rand
	order []int
	next  int
}

var _ train.Dataset = (*Dataset)(nil)

// NewDataset creates a Dataset that yields batches of batchSize examples from source, in order.
// Configure shuffling with Dataset.Shuffle.
func NewDataset(name string, source Source, batchSize int) (*Dataset, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("dataset %q: batch size must be > 0, got %d", name, batchSize)
	}
	if source.Len() == 0 {
		return nil, errors.Errorf("dataset %q has no examples", name)
	}
	ds := &Dataset{
		name:      name,
		shortName: name,
		source:    source,
		batchSize: batchSize,
	}
	ds.Reset()
	return ds, nil
}

// Shuffle configures the dataset to shuffle the examples at every epoch, using a buffer of bufferSize
// elements: the buffer is filled with the first bufferSize examples, and each yielded example is drawn at
// random from the buffer and replaced by the next example in the stream.
// A bufferSize at least as large as the dataset gives a uniform shuffle.
//
// It returns the Dataset, so calls can be cascaded.
func (ds *Dataset) Shuffle(bufferSize int, seed int64) *Dataset {
	ds.mu.Lock()
	ds.shuffleBuffer = bufferSize
	ds.rng = rand.New(rand.NewSource(seed))
	ds.mu.Unlock()
	ds.Reset()
	return ds
}

// WithShortName sets the short name used in metric names (e.g.: "Train", "Val").
func (ds *Dataset) WithShortName(shortName string) *Dataset {
	ds.shortName = shortName
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// ShortName implements train.HasShortName.
func (ds *Dataset) ShortName() string { return ds.shortName }

// Len returns the number of examples.
func (ds *Dataset) Len() int { return ds.source.Len() }

// BatchSize returns the configured batch size.
func (ds *Dataset) BatchSize() int { return ds.batchSize }

// NumBatches per epoch, counting the last partial one.
func (ds *Dataset) NumBatches() int {
	return (ds.source.Len() + ds.batchSize - 1) / ds.batchSize
}

// ImageSize of the yielded images.
func (ds *Dataset) ImageSize() int { return ds.source.ImageSize() }

// Reset implements train.Dataset. It restarts the epoch, reshuffling if configured.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.next = 0
	if ds.shuffleBuffer > 0 && ds.rng != nil {
		ds.order = bufferShuffle(ds.source.Len(), ds.shuffleBuffer, ds.rng)
		return
	}
	if len(ds.order) != ds.source.Len() {
		ds.order = make([]int, ds.source.Len())
	}
	for i := range ds.order {
		ds.order[i] = i
	}
}

// bufferShuffle returns the order in which n sequential elements are emitted by a shuffle buffer of bufferSize.
func bufferShuffle(n, bufferSize int, rng *rand.Rand) []int {
	order := make([]int, 0, n)
	buffer := make([]int, 0, min(bufferSize, n))
	nextIn := 0
	for ; nextIn < n && len(buffer) < bufferSize; nextIn++ {
		buffer = append(buffer, nextIn)
	}
	for len(buffer) > 0 {
		pos := rng.Intn(len(buffer))
		order = append(order, buffer[pos])
		if nextIn < n {
			buffer[pos] = nextIn
			nextIn++
		} else {
			last := len(buffer) - 1
			buffer[pos] = buffer[last]
			buffer = buffer[:last]
		}
	}
	return order
}

// nextBatchIndices selects the indices of the next batch, or returns io.EOF at the end of the epoch.
func (ds *Dataset) nextBatchIndices() ([]int, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.next >= len(ds.order) {
		return nil, io.EOF
	}
	end := min(ds.next+ds.batchSize, len(ds.order))
	indices := make([]int, end-ds.next)
	copy(indices, ds.order[ds.next:end])
	ds.next = end
	return indices, nil
}

// YieldPixels returns the raw preprocessed images and labels of the next batch.
// It shares the epoch position with Yield.
func (ds *Dataset) YieldPixels() (pixels [][]byte, labels []Label, err error) {
	indices, err := ds.nextBatchIndices()
	if err != nil {
		return nil, nil, err
	}
	pixels = make([][]byte, len(indices))
	labels = make([]Label, len(indices))
	for i, idx := range indices {
		labels[i], pixels[i], err = ds.source.Read(idx)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "dataset %q", ds.name)
		}
	}
	return pixels, labels, nil
}

// Yield implements train.Dataset.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	pixels, batchLabels, err := ds.YieldPixels()
	if err != nil {
		return nil, nil, nil, err
	}
	images, err := PixelsToTensor(pixels, ds.source.ImageSize())
	if err != nil {
		return nil, nil, nil, errors.WithMessagef(err, "dataset %q", ds.name)
	}
	return nil, []*tensors.Tensor{images}, []*tensors.Tensor{LabelsToTensor(batchLabels)}, nil
}
