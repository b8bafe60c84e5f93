package fit

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/catsvsdogs/pkg/models"
	"github.com/gomlx/catsvsdogs/pkg/petimages"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/plots"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEarlyStopping(t *testing.T) {
	es := NewEarlyStopping(3, 0, MinMode)
	values := []float64{1.0, 0.9, 0.95, 0.92, 0.91}
	var stoppedAt = -1
	for epoch, v := range values {
		_, stop := es.Update(epoch, v)
		if stop {
			stoppedAt = epoch
			break
		}
	}
	assert.Equal(t, 4, stoppedAt)
	assert.True(t, es.Stopped())
	best, bestEpoch := es.Best()
	assert.Equal(t, 0.9, best)
	assert.Equal(t, 1, bestEpoch)

	// An improvement resets the patience count.
	es = NewEarlyStopping(2, 0, MinMode)
	for epoch, v := range []float64{1.0, 1.1, 0.5, 0.6} {
		_, stop := es.Update(epoch, v)
		assert.False(t, stop, "epoch %d", epoch)
	}
	_, stop := es.Update(4, 0.7)
	assert.True(t, stop)
}

func TestEarlyStoppingNoPatience(t *testing.T) {
	es := NewEarlyStopping(0, 0, MinMode)
	for epoch := range 10 {
		_, stop := es.Update(epoch, float64(epoch))
		assert.False(t, stop)
	}
	assert.False(t, es.Stopped())
}

func TestMonitor(t *testing.T) {
	m := newMonitor(MaxMode, 0.1)
	assert.True(t, m.update(0, 0.5))
	assert.False(t, m.update(1, 0.55), "improvement smaller than minDelta")
	assert.True(t, m.update(2, 0.7))
	assert.False(t, m.update(3, math.NaN()))
	assert.Equal(t, 0.7, m.best)
	assert.Equal(t, 2, m.bestEpoch)

	m = newMonitor(MinMode, 0)
	assert.False(t, m.update(0, math.NaN()))
	assert.Equal(t, -1, m.bestEpoch)
	assert.True(t, m.update(1, 3))
	assert.False(t, m.update(2, 3), "equal values don't improve")
}

func TestHistory(t *testing.T) {
	h := &History{
		Model: "cnn",
		Epochs: []EpochMetrics{
			{Epoch: 1, TrainLoss: 0.7, ValLoss: 0.69, ValAccuracy: 0.55},
			{Epoch: 2, TrainLoss: 0.6, ValLoss: 0.61, ValAccuracy: 0.68},
		},
		BestEpoch:     2,
		NumParameters: 1234,
	}
	best, ok := h.Best()
	require.True(t, ok)
	assert.Equal(t, 0.68, best.ValAccuracy)
	assert.Equal(t, []float64{0.55, 0.68}, h.ValAccuracies())
	assert.Equal(t, []float64{0.69, 0.61}, h.ValLosses())
	assert.Contains(t, h.Summary(), "best epoch 2")

	filePath := filepath.Join(t.TempDir(), "sub", HistoryFileName)
	require.NoError(t, h.Save(filePath))
	loaded, err := LoadHistory(filePath)
	require.NoError(t, err)
	assert.Equal(t, h, loaded)

	_, ok = (&History{}).Best()
	assert.False(t, ok)

	// Non-finite values are saved as null.
	diverged := &History{Model: "dense", Epochs: []EpochMetrics{{Epoch: 1, TrainLoss: math.Inf(1), TrainAccuracy: math.NaN(), ValLoss: 0.5}}}
	require.NoError(t, diverged.Save(filePath))
	contents, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Contains(t, string(contents), `"train_loss": null`)
	loaded, err = LoadHistory(filePath)
	require.NoError(t, err)
	require.Len(t, loaded.Epochs, 1)
	assert.True(t, math.IsNaN(loaded.Epochs[0].TrainAccuracy))
	assert.True(t, math.IsNaN(loaded.Epochs[0].TrainLoss))
	assert.Equal(t, 0.5, loaded.Epochs[0].ValLoss)

	df := h.DataFrame()
	require.NoError(t, df.Err)
	assert.Equal(t, 2, df.Nrow())
	assert.Equal(t, []float64{0.69, 0.61}, df.Col("val_loss").Float())
	csvPath := filepath.Join(t.TempDir(), HistoryCSVFileName)
	require.NoError(t, h.SaveCSV(csvPath))
	contents, err = os.ReadFile(csvPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(contents), "epoch,loss,accuracy,val_loss,val_accuracy,seconds\n"))
}

func TestWeightsSnapshot(t *testing.T) {
	ctx := context.New()
	modelCtx := ctx.In(ModelScope)
	w := modelCtx.VariableWithValue("w", []float32{1, 2, 3})
	frozen := modelCtx.VariableWithValue("frozen", []float32{7}).SetTrainable(false)
	other := ctx.In("other").VariableWithValue("x", []float32{5})

	snapshot, err := CaptureWeights(modelCtx)
	require.NoError(t, err)
	defer snapshot.Finalize()
	assert.Equal(t, 1, snapshot.Len())
	assert.Equal(t, 3, NumTrainableParameters(modelCtx))

	require.NoError(t, w.SetValue(tensors.FromValue([]float32{0, 0, 0})))
	require.NoError(t, frozen.SetValue(tensors.FromValue([]float32{8})))
	require.NoError(t, other.SetValue(tensors.FromValue([]float32{6})))

	// Restore works from any scope of the context, and can be repeated.
	for range 2 {
		require.NoError(t, snapshot.Restore(ctx))
		value, err := w.Value()
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 2, 3}, tensors.MustCopyFlatData[float32](value))
		require.NoError(t, w.SetValue(tensors.FromValue([]float32{0, 0, 0})))
	}
	value, err := frozen.Value()
	require.NoError(t, err)
	assert.Equal(t, []float32{8}, tensors.MustCopyFlatData[float32](value))
	value, err = other.Value()
	require.NoError(t, err)
	assert.Equal(t, []float32{6}, tensors.MustCopyFlatData[float32](value))
}

// contrastSource generates dark cats and bright dogs, with some noise.
// If inverted, dogs are dark and cats are bright.
type contrastSource struct {
	n, size  int
	inverted bool
}

func (s contrastSource) Len() int       { return s.n }
func (s contrastSource) ImageSize() int { return s.size }
func (s contrastSource) Read(i int) (petimages.Label, []byte, error) {
	label := petimages.Label(i % 2)
	bright := (label == petimages.Dog) != s.inverted
	pixels := make([]byte, s.size*s.size)
	for j := range pixels {
		noise := byte((i*31 + j*17) % 40)
		if bright {
			pixels[j] = 200 + noise/2
		} else {
			pixels[j] = 20 + noise
		}
	}
	return label, pixels, nil
}

func newTestDatasets(t *testing.T, n, size, batchSize int) (trainDS, valDS *petimages.Dataset) {
	var err error
	trainDS, err = petimages.NewDataset("Train", contrastSource{n: n, size: size}, batchSize)
	require.NoError(t, err)
	trainDS.Shuffle(n, 42)
	valDS, err = petimages.NewDataset("Validation", contrastSource{n: n / 4, size: size}, batchSize)
	require.NoError(t, err)
	return trainDS.WithShortName("Train"), valDS.WithShortName("Val")
}

func TestFit(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping training test in short mode.")
	}
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-3,
		models.ParamDenseHiddenNodes: []int{8},
	})
	trainDS, valDS := newTestDatasets(t, 64, 8, 16)
	dir := t.TempDir()
	cfg := Config{
		Model:             "dense",
		Epochs:            3,
		EarlyStopPatience: 2,
		BestCheckpointDir: filepath.Join(dir, "best"),
		OutputDir:         filepath.Join(dir, "model"),
		LogDir:            filepath.Join(dir, "logs"),
	}
	history, err := Fit(backend, ctx, cfg, trainDS, valDS)
	require.NoError(t, err)
	require.NotEmpty(t, history.Epochs)
	assert.LessOrEqual(t, len(history.Epochs), 3)
	for i, e := range history.Epochs {
		assert.Equal(t, i+1, e.Epoch)
		assert.False(t, math.IsNaN(e.TrainLoss))
		assert.False(t, math.IsNaN(e.ValLoss))
		assert.GreaterOrEqual(t, e.ValAccuracy, 0.0)
		assert.LessOrEqual(t, e.ValAccuracy, 1.0)
	}
	assert.GreaterOrEqual(t, history.BestEpoch, 1)
	assert.Equal(t, 8*8*8+8+8+1, history.NumParameters)
	assert.Equal(t, cfg.OutputDir, history.Dir)
	assert.Equal(t, cfg.BestCheckpointDir, history.BestCheckpointDir)

	// Saved model and history.
	loadedHistory, err := LoadHistory(filepath.Join(cfg.OutputDir, HistoryFileName))
	require.NoError(t, err)
	assert.Equal(t, len(history.Epochs), len(loadedHistory.Epochs))
	assert.NotEmpty(t, loadedHistory.RunID)
	assert.FileExists(t, filepath.Join(cfg.OutputDir, HistoryCSVFileName))
	loadedCtx := context.New()
	require.NoError(t, LoadModel(loadedCtx, cfg.OutputDir))
	var numLoaded int
	for range loadedCtx.In(ModelScope).IterVariablesInScope() {
		numLoaded++
	}
	assert.Equal(t, 4, numLoaded, "2 dense layers with weights and biases")
	loss, accuracy, err := Evaluate(backend, loadedCtx, "dense", valDS)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(loss))
	assert.GreaterOrEqual(t, accuracy, 0.0)
	assert.LessOrEqual(t, accuracy, 1.0)
	_, _, err = Evaluate(backend, context.New(), "dense", valDS)
	require.Error(t, err, "evaluating a model without variables")
	require.NoError(t, LoadModel(context.New(), cfg.BestCheckpointDir))

	// Metrics log.
	points, err := plots.LoadPoints(filepath.Join(cfg.LogDir, plots.TrainingPlotFileName))
	require.NoError(t, err)
	assert.NotEmpty(t, points)

	require.Error(t, LoadModel(context.New(), filepath.Join(dir, "missing")))
}

func TestBestCheckpoint(t *testing.T) {
	ctx := context.New()
	w := ctx.In(ModelScope).VariableWithValue("w", []float32{0})
	dir := filepath.Join(t.TempDir(), "best")
	bc, err := NewBestCheckpoint(ctx, dir, "val_accuracy", MaxMode)
	require.NoError(t, err)
	assert.Equal(t, dir, bc.Dir())

	checkpointValue := func() float32 {
		loaded := context.New()
		require.NoError(t, LoadModel(loaded, dir))
		v := loaded.In(ModelScope).GetVariable("w")
		require.NotNil(t, v)
		value, err := v.Value()
		require.NoError(t, err)
		return tensors.MustCopyFlatData[float32](value)[0]
	}

	// w holds the accuracy of the epoch, so the checkpoint tells which epoch was saved.
	// The first value improves over -inf.
	accuracies := []float64{0.5, 0.7, 0.6, 0.8}
	wantSaved := []bool{true, true, false, true}
	wantCheckpoint := []float32{0.5, 0.7, 0.7, 0.8}
	for epoch, accuracy := range accuracies {
		require.NoError(t, w.SetValue(tensors.FromValue([]float32{float32(accuracy)})))
		saved, err := bc.Update(epoch, accuracy)
		require.NoError(t, err)
		assert.Equal(t, wantSaved[epoch], saved, "epoch %d", epoch)
		assert.Equal(t, wantCheckpoint[epoch], checkpointValue(), "epoch %d", epoch)
	}
	best, bestEpoch := bc.Best()
	assert.Equal(t, 0.8, best)
	assert.Equal(t, 3, bestEpoch)

	saved, err := bc.Update(4, math.NaN())
	require.NoError(t, err)
	assert.False(t, saved)
}

func newFitContext(learningRate float64) *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: learningRate,
		models.ParamDenseHiddenNodes: []int{8},
	})
	return ctx
}

func TestFitRestoresBestWeights(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping training test in short mode.")
	}
	backend := graphtest.BuildTestBackend()

	t.Run("constant validation loss", func(t *testing.T) {
		// Nothing is learned, so the validation loss doesn't improve after the first epoch.
		ctx := newFitContext(0)
		trainDS, valDS := newTestDatasets(t, 32, 8, 16)
		history, err := Fit(backend, ctx, Config{Model: "dense", Epochs: 5, EarlyStopPatience: 1}, trainDS, valDS)
		require.NoError(t, err)
		require.Len(t, history.Epochs, 2)
		assert.True(t, history.StoppedEarly)
		assert.True(t, history.RestoredBest)
		assert.Equal(t, 1, history.BestEpoch)
		assert.InDelta(t, history.Epochs[0].ValLoss, history.Epochs[1].ValLoss, 1e-6)
		loss, _, err := Evaluate(backend, ctx, "dense", valDS)
		require.NoError(t, err)
		assert.InDelta(t, history.Epochs[0].ValLoss, loss, 1e-5)
	})

	// Validation labels are the opposite of the training ones: the more it trains, the worse the
	// validation loss, and the first epoch is the best.
	newInvertedDatasets := func(t *testing.T) (trainDS, valDS *petimages.Dataset) {
		var err error
		trainDS, err = petimages.NewDataset("Train", contrastSource{n: 64, size: 8}, 16)
		require.NoError(t, err)
		valDS, err = petimages.NewDataset("Validation", contrastSource{n: 16, size: 8, inverted: true}, 16)
		require.NoError(t, err)
		return
	}

	t.Run("stops early", func(t *testing.T) {
		ctx := newFitContext(1e-2)
		trainDS, valDS := newInvertedDatasets(t)
		history, err := Fit(backend, ctx, Config{Model: "dense", Epochs: 5, EarlyStopPatience: 1}, trainDS, valDS)
		require.NoError(t, err)
		require.True(t, history.StoppedEarly)
		assert.True(t, history.RestoredBest)
		require.Len(t, history.Epochs, history.BestEpoch+1, "stops one epoch after the best with patience 1")
		best, ok := history.Best()
		require.True(t, ok)
		last := history.Epochs[len(history.Epochs)-1]
		require.Greater(t, last.ValLoss, best.ValLoss)

		// The model now has the weights of the best epoch, not of the last one.
		loss, _, err := Evaluate(backend, ctx, "dense", valDS)
		require.NoError(t, err)
		assert.InDelta(t, best.ValLoss, loss, 1e-4)
	})

	t.Run("keeps final weights", func(t *testing.T) {
		ctx := newFitContext(1e-2)
		trainDS, valDS := newInvertedDatasets(t)
		history, err := Fit(backend, ctx, Config{Model: "dense", Epochs: 3, EarlyStopPatience: 10}, trainDS, valDS)
		require.NoError(t, err)
		require.Len(t, history.Epochs, 3)
		assert.False(t, history.StoppedEarly)
		assert.False(t, history.RestoredBest)
		best, ok := history.Best()
		require.True(t, ok)
		last := history.Epochs[2]
		require.Greater(t, last.ValLoss, best.ValLoss)

		loss, _, err := Evaluate(backend, ctx, "dense", valDS)
		require.NoError(t, err)
		assert.InDelta(t, last.ValLoss, loss, 1e-4)
	})
}

func TestFitErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	trainDS, valDS := newTestDatasets(t, 16, 8, 8)
	_, err := Fit(backend, context.New(), Config{Model: "unknown", Epochs: 1}, trainDS, valDS)
	require.Error(t, err)
	_, err = Fit(backend, context.New(), Config{Model: "dense", Epochs: 0}, trainDS, valDS)
	require.Error(t, err)
}
