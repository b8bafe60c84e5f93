package fit

import (
	"math"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
)

// MetricsLog writes the metrics of each epoch as plots.Point to logDir/plots.TrainingPlotFileName.
// The file can be read with plots.LoadPoints or the gomlx_checkpoints tool.
type MetricsLog struct {
	filePath string
	points   chan<- plots.Point
	errs     <-chan error
}

// NewMetricsLog creates logDir if needed and truncates any previous log in it.
func NewMetricsLog(logDir string) (*MetricsLog, error) {
	if err := os.MkdirAll(logDir, 0777); err != nil {
		return nil, errors.Wrapf(err, "failed to create log directory %q", logDir)
	}
	filePath := filepath.Join(logDir, plots.TrainingPlotFileName)
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "failed to remove previous log %q", filePath)
	}
	ml := &MetricsLog{filePath: filePath}
	ml.points, ml.errs = plots.CreatePointsWriter(filePath)
	return ml, nil
}

// Add the metrics of one epoch, using the global step as the x-axis.
func (ml *MetricsLog) Add(globalStep int64, m EpochMetrics) {
	step := float64(globalStep)
	for _, p := range []plots.Point{
		{MetricName: "Train: Mean Batch Loss", Short: "T/loss", MetricType: "loss", Value: m.TrainLoss},
		{MetricName: "Train: Moving Average Accuracy", Short: "T/~acc", MetricType: "accuracy", Value: m.TrainAccuracy},
		{MetricName: "Mean Loss on Validation", Short: "#loss(Val)", MetricType: "loss", Value: m.ValLoss},
		{MetricName: "Mean Accuracy on Validation", Short: "#acc(Val)", MetricType: "accuracy", Value: m.ValAccuracy},
		{MetricName: "Epoch", Short: "epoch", MetricType: "epoch", Value: float64(m.Epoch)},
	} {
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			continue
		}
		p.Step = step
		ml.points <- p
	}
}

// Close flushes the points and returns any error that happened while writing.
func (ml *MetricsLog) Close() error {
	close(ml.points)
	return <-ml.errs
}

// Path of the log file.
func (ml *MetricsLog) Path() string { return ml.filePath }
