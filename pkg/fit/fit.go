// Package fit trains the cats vs dogs models with the GoMLX train.Loop, adding per-epoch
// validation, early stopping with restoration of the best weights, best-model checkpoints
// and a training history.
package fit

import (
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/gomlx/catsvsdogs/pkg/models"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ModelScope is the context scope where the models create their variables.
const ModelScope = "model"

// Dataset is a train.Dataset that knows how many batches it yields per epoch.
type Dataset interface {
	train.Dataset
	NumBatches() int
}

// Config of one training run.
type Config struct {
	// Model is the key of the model in models.ModelsFns.
	Model string

	// Epochs is the maximum number of epochs to train.
	Epochs int

	// EarlyStopPatience is the number of epochs without improvement of the validation loss
	// after which training stops. When it stops, the weights of the best epoch are restored.
	// If <= 0 training always runs for Epochs.
	EarlyStopPatience int

	// EarlyStopMinDelta is the minimum decrease of the validation loss counted as an improvement.
	EarlyStopMinDelta float64

	// BestCheckpointDir, if set, is where the model with the best validation accuracy is saved.
	BestCheckpointDir string

	// OutputDir, if set, is where the final model and its history are saved.
	OutputDir string

	// LogDir, if set, is where the metrics of each epoch are logged, as plots.Point.
	LogDir string

	// ExcludeParams are hyperparameters not saved in the checkpoints.
	ExcludeParams []string

	// ProgressBar attaches a commandline progress bar to the training loop.
	ProgressBar bool
}

// Fit trains cfg.Model in ctx with trainDS, evaluating it on valDS at the end of each epoch.
//
// ctx should be a fresh context per model: its variables and the optimizer state are created on the
// first training step.
func Fit(backend backends.Backend, ctx *context.Context, cfg Config, trainDS, valDS Dataset) (history *History, err error) {
	if cfg.Epochs <= 0 {
		return nil, errors.Errorf("number of epochs must be > 0, got %d", cfg.Epochs)
	}
	modelFn, err := models.Get(cfg.Model)
	if err != nil {
		return nil, err
	}
	numTrainBatches := trainDS.NumBatches()
	if numTrainBatches <= 0 || valDS.NumBatches() <= 0 {
		return nil, errors.Errorf("empty dataset for model %q: %d train batches, %d validation batches",
			cfg.Model, numTrainBatches, valDS.NumBatches())
	}
	err = exceptions.TryCatch[error](func() {
		history = fit(backend, ctx, &cfg, modelFn, trainDS, valDS)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "while training model %q", cfg.Model)
	}
	return history, nil
}

// newTrainer with the binary cross-entropy loss, the optimizer configured in ctx and accuracy metrics.
func newTrainer(backend backends.Backend, ctx *context.Context, modelFn train.ModelFn) *train.Trainer {
	meanAccuracyMetric := metrics.NewMeanBinaryLogitsAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageBinaryLogitsAccuracy("Moving Average Accuracy", "~acc", 0.01)
	return train.NewTrainer(backend, ctx, modelFn,
		losses.BinaryCrossentropyLogits,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics
}

// Evaluate the model in ctx (usually loaded with LoadModel) on ds, returning the mean loss and accuracy.
// The model variables must already exist in ctx.
func Evaluate(backend backends.Backend, ctx *context.Context, model string, ds train.Dataset) (loss, accuracy float64, err error) {
	modelFn, err := models.Get(model)
	if err != nil {
		return 0, 0, err
	}
	err = exceptions.TryCatch[error](func() {
		trainer := newTrainer(backend, ctx.Reuse(), modelFn)
		ds.Reset()
		values := must.M1(trainer.Eval(ds))
		loss = shapes.ConvertTo[float64](values[metricIndex(trainer.EvalMetrics(), "loss", 0)].Value())
		accuracy = math.NaN()
		if idx := metricIndex(trainer.EvalMetrics(), "accuracy", -1); idx >= 0 {
			accuracy = shapes.ConvertTo[float64](values[idx].Value())
		}
	})
	if err != nil {
		return 0, 0, errors.WithMessagef(err, "while evaluating model %q on %q", model, ds.Name())
	}
	return loss, accuracy, nil
}

// fit panics on errors, see Fit.
func fit(backend backends.Backend, ctx *context.Context, cfg *Config, modelFn train.ModelFn, trainDS, valDS Dataset) *History {
	trainer := newTrainer(backend, ctx, modelFn)
	loop := train.NewLoop(trainer)
	if cfg.ProgressBar {
		commandline.AttachProgressBar(loop)
	}

	// Accumulate the batch loss over the epoch: train metric 0 is always the batch loss.
	var lossSum float64
	var lossCount int
	var lastTrainMetrics []float64
	loop.OnStep("fit: epoch train metrics", 0, func(_ *train.Loop, metrics []*tensors.Tensor) error {
		lossSum += shapes.ConvertTo[float64](metrics[0].Value())
		lossCount++
		lastTrainMetrics = lastTrainMetrics[:0]
		for _, m := range metrics {
			lastTrainMetrics = append(lastTrainMetrics, shapes.ConvertTo[float64](m.Value()))
		}
		return nil
	})
	trainAccIdx := metricIndex(trainer.TrainMetrics(), "accuracy", -1)
	valLossIdx := metricIndex(trainer.EvalMetrics(), "loss", 0)
	valAccIdx := metricIndex(trainer.EvalMetrics(), "accuracy", -1)

	earlyStop := NewEarlyStopping(cfg.EarlyStopPatience, cfg.EarlyStopMinDelta, MinMode)
	var bestCheckpoint *BestCheckpoint
	if cfg.BestCheckpointDir != "" {
		bestCheckpoint = must.M1(NewBestCheckpoint(ctx, cfg.BestCheckpointDir, "val_accuracy", MaxMode, cfg.ExcludeParams...))
	}
	var metricsLog *MetricsLog
	if cfg.LogDir != "" {
		metricsLog = must.M1(NewMetricsLog(cfg.LogDir))
		defer func() {
			if err := metricsLog.Close(); err != nil {
				klog.Errorf("Failed to write metrics log %q: %+v", metricsLog.Path(), err)
			}
		}()
	}
	var best *WeightsSnapshot
	defer func() {
		if best != nil {
			best.Finalize()
		}
	}()

	history := &History{Model: cfg.Model, RunID: uuid.NewString()}
	klog.V(1).Infof("Training %s, run %s", models.DisplayName(cfg.Model), history.RunID)
	for epoch := range cfg.Epochs {
		start := time.Now()
		lossSum, lossCount = 0, 0
		trainDS.Reset()
		must.M1(loop.RunSteps(trainDS, trainDS.NumBatches()))
		valDS.Reset()
		evalValues := must.M1(trainer.Eval(valDS))
		m := EpochMetrics{
			Epoch:         epoch + 1,
			TrainLoss:     lossSum / math.Max(float64(lossCount), 1),
			TrainAccuracy: math.NaN(),
			ValLoss:       shapes.ConvertTo[float64](evalValues[valLossIdx].Value()),
			ValAccuracy:   math.NaN(),
			Duration:      time.Since(start),
		}
		if trainAccIdx >= 0 && trainAccIdx < len(lastTrainMetrics) {
			m.TrainAccuracy = lastTrainMetrics[trainAccIdx]
		}
		if valAccIdx >= 0 {
			m.ValAccuracy = shapes.ConvertTo[float64](evalValues[valAccIdx].Value())
		}
		history.Epochs = append(history.Epochs, m)
		klog.Infof("%s epoch %d/%d (%s): loss=%.4f accuracy=%.4f val_loss=%.4f val_accuracy=%.4f",
			models.DisplayName(cfg.Model), m.Epoch, cfg.Epochs, m.Duration.Round(time.Millisecond),
			m.TrainLoss, m.TrainAccuracy, m.ValLoss, m.ValAccuracy)
		if metricsLog != nil {
			metricsLog.Add(int64(loop.LoopStep), m)
		}
		if bestCheckpoint != nil {
			must.M1(bestCheckpoint.Update(epoch, m.ValAccuracy))
		}

		improved, stop := earlyStop.Update(epoch, m.ValLoss)
		if improved && earlyStop.Patience() > 0 {
			if best != nil {
				best.Finalize()
			}
			best = must.M1(CaptureWeights(ctx.In(ModelScope)))
		}
		if stop {
			history.StoppedEarly = true
			klog.Infof("Epoch %d: early stopping, val_loss did not improve for %d epochs", m.Epoch, earlyStop.Patience())
			break
		}
	}

	_, bestEpoch := earlyStop.Best()
	history.BestEpoch = bestEpoch + 1
	if history.StoppedEarly && best != nil {
		klog.Infof("Restoring model weights from the end of the best epoch: %d", history.BestEpoch)
		must.M(best.Restore(ctx))
		history.RestoredBest = true
	}
	history.NumParameters = NumTrainableParameters(ctx.In(ModelScope))
	if bestCheckpoint != nil {
		history.BestCheckpointDir = bestCheckpoint.Dir()
	}

	if cfg.OutputDir != "" {
		must.M(SaveModel(ctx, cfg.OutputDir, cfg.ExcludeParams...))
		history.Dir = cfg.OutputDir
		saveHistory(history, cfg.OutputDir)
		klog.Infof("Model %q saved to %q", cfg.Model, cfg.OutputDir)
	} else if cfg.LogDir != "" {
		saveHistory(history, cfg.LogDir)
	}
	return history
}

// saveHistory as JSON and CSV in dir.
func saveHistory(history *History, dir string) {
	must.M(history.Save(filepath.Join(dir, HistoryFileName)))
	must.M(history.SaveCSV(filepath.Join(dir, HistoryCSVFileName)))
}

// metricIndex returns the index of the last metric of metricType, or defaultIdx if there is none.
func metricIndex(ms []metrics.Interface, metricType string, defaultIdx int) int {
	idx := defaultIdx
	for ii, m := range ms {
		if m.MetricType() == metricType {
			idx = ii
		}
	}
	return idx
}

// Summary returns a one-line description of the history.
func (h *History) Summary() string {
	best, ok := h.Best()
	if !ok {
		return fmt.Sprintf("%s: no epochs trained", models.DisplayName(h.Model))
	}
	return fmt.Sprintf("%s: %d epochs, best epoch %d with val_loss=%.4f val_accuracy=%.4f",
		models.DisplayName(h.Model), len(h.Epochs), h.BestEpoch, best.ValLoss, best.ValAccuracy)
}
