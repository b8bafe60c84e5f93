package fit

import (
	"os"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// NewCheckpoint creates a checkpoints.Handler in dir that keeps only the latest checkpoint.
//
// Any previous contents of dir are removed first, so the model in ctx is not overwritten by
// an older checkpoint and the directory ends up holding only this model.
func NewCheckpoint(ctx *context.Context, dir string, excludeParams ...string) (*checkpoints.Handler, error) {
	if err := os.RemoveAll(dir); err != nil {
		return nil, errors.Wrapf(err, "failed to remove previous checkpoint in %q", dir)
	}
	handler, err := checkpoints.Build(ctx).
		Dir(dir).
		Keep(1).
		ExcludeParams(excludeParams...).
		Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create checkpoint in %q", dir)
	}
	return handler, nil
}

// SaveModel saves the model in ctx into dir. See NewCheckpoint.
func SaveModel(ctx *context.Context, dir string, excludeParams ...string) error {
	handler, err := NewCheckpoint(ctx, dir, excludeParams...)
	if err != nil {
		return err
	}
	return errors.WithMessagef(handler.Save(), "failed to save model to %q", dir)
}

// LoadModel loads the checkpoint in dir into ctx. It fails if there is no checkpoint there.
func LoadModel(ctx *context.Context, dir string) error {
	_, err := checkpoints.Load(ctx).Dir(dir).Immediate().Done()
	return errors.WithMessagef(err, "failed to load model from %q", dir)
}

// BestCheckpoint saves a checkpoint whenever a monitored metric improves over its best value so far.
type BestCheckpoint struct {
	monitor
	name    string
	handler *checkpoints.Handler
}

// NewBestCheckpoint creates a BestCheckpoint saving to dir. name is the metric name, used in logs.
func NewBestCheckpoint(ctx *context.Context, dir, name string, mode Mode, excludeParams ...string) (*BestCheckpoint, error) {
	handler, err := NewCheckpoint(ctx, dir, excludeParams...)
	if err != nil {
		return nil, err
	}
	return &BestCheckpoint{
		monitor: newMonitor(mode, 0),
		name:    name,
		handler: handler,
	}, nil
}

// Update with the monitored value at the end of epoch: saves a checkpoint if it improved.
func (bc *BestCheckpoint) Update(epoch int, value float64) (saved bool, err error) {
	previous := bc.best
	if !bc.monitor.update(epoch, value) {
		klog.Infof("Epoch %d: %s did not improve from %.5f", epoch+1, bc.name, previous)
		return false, nil
	}
	klog.Infof("Epoch %d: %s improved from %.5f to %.5f, saving model to %q",
		epoch+1, bc.name, previous, value, bc.handler.Dir())
	if err = bc.handler.Save(); err != nil {
		return false, errors.WithMessagef(err, "failed to save best checkpoint to %q", bc.handler.Dir())
	}
	return true, nil
}

// Best returns the best value seen and the epoch it happened. The epoch is -1 if no value was seen.
func (bc *BestCheckpoint) Best() (value float64, epoch int) {
	return bc.best, bc.bestEpoch
}

// Dir where the checkpoint is saved.
func (bc *BestCheckpoint) Dir() string { return bc.handler.Dir() }
