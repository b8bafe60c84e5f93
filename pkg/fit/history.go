package fit

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
)

const (
	// HistoryFileName is the name of the file with the training history, saved in the model directory.
	HistoryFileName = "history.json"

	// HistoryCSVFileName is the name of the file with the per-epoch metrics as a table.
	HistoryCSVFileName = "history.csv"
)

// EpochMetrics holds the metrics measured at the end of one epoch.
type EpochMetrics struct {
	// Epoch number, starting from 1.
	Epoch int

	// TrainLoss is the mean batch loss over the epoch.
	TrainLoss float64

	// TrainAccuracy is the moving average accuracy at the end of the epoch.
	TrainAccuracy float64

	ValLoss, ValAccuracy float64

	Duration time.Duration
}

// epochMetricsJSON stores non-finite values (a diverged loss, a missing accuracy) as null.
type epochMetricsJSON struct {
	Epoch         int      `json:"epoch"`
	TrainLoss     *float64 `json:"train_loss"`
	TrainAccuracy *float64 `json:"train_accuracy"`
	ValLoss       *float64 `json:"val_loss"`
	ValAccuracy   *float64 `json:"val_accuracy"`
	Duration      int64    `json:"duration_ns"`
}

func finiteOrNil(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func valueOrNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

// MarshalJSON implements json.Marshaler.
func (m EpochMetrics) MarshalJSON() ([]byte, error) {
	return json.Marshal(epochMetricsJSON{
		Epoch:         m.Epoch,
		TrainLoss:     finiteOrNil(m.TrainLoss),
		TrainAccuracy: finiteOrNil(m.TrainAccuracy),
		ValLoss:       finiteOrNil(m.ValLoss),
		ValAccuracy:   finiteOrNil(m.ValAccuracy),
		Duration:      int64(m.Duration),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *EpochMetrics) UnmarshalJSON(data []byte) error {
	var j epochMetricsJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*m = EpochMetrics{
		Epoch:         j.Epoch,
		TrainLoss:     valueOrNaN(j.TrainLoss),
		TrainAccuracy: valueOrNaN(j.TrainAccuracy),
		ValLoss:       valueOrNaN(j.ValLoss),
		ValAccuracy:   valueOrNaN(j.ValAccuracy),
		Duration:      time.Duration(j.Duration),
	}
	return nil
}

// History of the training of one model.
type History struct {
	// Model is the key of the model in models.ModelsFns.
	Model string `json:"model"`

	// RunID identifies the training run that generated the history.
	RunID string `json:"run_id,omitempty"`

	Epochs []EpochMetrics `json:"epochs"`

	// BestEpoch is the epoch (starting from 1) with the lowest validation loss.
	BestEpoch int `json:"best_epoch"`

	// StoppedEarly is set if training stopped before the configured number of epochs.
	StoppedEarly bool `json:"stopped_early"`

	// RestoredBest is set if the weights of BestEpoch were restored at the end of the training.
	RestoredBest bool `json:"restored_best"`

	// NumParameters of the model.
	NumParameters int `json:"num_parameters"`

	// Dir where the final model was saved, if any.
	Dir string `json:"dir,omitempty"`

	// BestCheckpointDir where the model with best validation accuracy was saved, if any.
	BestCheckpointDir string `json:"best_checkpoint_dir,omitempty"`
}

// Best returns the metrics of the BestEpoch. It returns false if there are no epochs.
func (h *History) Best() (EpochMetrics, bool) {
	for _, e := range h.Epochs {
		if e.Epoch == h.BestEpoch {
			return e, true
		}
	}
	return EpochMetrics{}, false
}

// ValAccuracies returns the validation accuracy of each epoch.
func (h *History) ValAccuracies() []float64 {
	values := make([]float64, len(h.Epochs))
	for i, e := range h.Epochs {
		values[i] = e.ValAccuracy
	}
	return values
}

// ValLosses returns the validation loss of each epoch.
func (h *History) ValLosses() []float64 {
	values := make([]float64, len(h.Epochs))
	for i, e := range h.Epochs {
		values[i] = e.ValLoss
	}
	return values
}

// Save history as JSON in filePath.
func (h *History) Save(filePath string) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0777); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", filePath)
	}
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to encode history of model %q", h.Model)
	}
	return errors.Wrapf(os.WriteFile(filePath, data, 0666), "failed to write history to %q", filePath)
}

// LoadHistory reads a history saved with History.Save.
func LoadHistory(filePath string) (*History, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read history %q", filePath)
	}
	h := &History{}
	if err = json.Unmarshal(data, h); err != nil {
		return nil, errors.Wrapf(err, "failed to decode history %q", filePath)
	}
	return h, nil
}

// DataFrame returns the per-epoch metrics as a table, one row per epoch.
func (h *History) DataFrame() dataframe.DataFrame {
	n := len(h.Epochs)
	epochs := make([]int, n)
	trainLoss, trainAcc := make([]float64, n), make([]float64, n)
	seconds := make([]float64, n)
	for i, e := range h.Epochs {
		epochs[i] = e.Epoch
		trainLoss[i] = e.TrainLoss
		trainAcc[i] = e.TrainAccuracy
		seconds[i] = e.Duration.Seconds()
	}
	return dataframe.New(
		series.New(epochs, series.Int, "epoch"),
		series.New(trainLoss, series.Float, "loss"),
		series.New(trainAcc, series.Float, "accuracy"),
		series.New(h.ValLosses(), series.Float, "val_loss"),
		series.New(h.ValAccuracies(), series.Float, "val_accuracy"),
		series.New(seconds, series.Float, "seconds"),
	)
}

// SaveCSV saves the DataFrame of the history as CSV in filePath.
func (h *History) SaveCSV(filePath string) error {
	df := h.DataFrame()
	if df.Err != nil {
		return errors.Wrapf(df.Err, "failed to build table of history of model %q", h.Model)
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	if err = df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write history to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}
