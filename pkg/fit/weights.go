package fit

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// WeightsSnapshot holds a local copy of the trainable variables under a context scope.
type WeightsSnapshot struct {
	scope  string
	values map[string]*tensors.Tensor
}

// CaptureWeights copies the values of all trainable variables under the current scope of ctx.
func CaptureWeights(ctx *context.Context) (*WeightsSnapshot, error) {
	s := &WeightsSnapshot{scope: ctx.Scope(), values: make(map[string]*tensors.Tensor)}
	for v := range ctx.IterVariablesInScope() {
		if !v.Trainable {
			continue
		}
		value, err := v.Value()
		if err != nil {
			s.Finalize()
			return nil, errors.WithMessagef(err, "snapshot of variable %q", v.ScopeAndName())
		}
		clone, err := value.LocalClone()
		if err != nil {
			s.Finalize()
			return nil, errors.WithMessagef(err, "snapshot of variable %q", v.ScopeAndName())
		}
		s.values[v.ScopeAndName()] = clone
	}
	return s, nil
}

// Len returns the number of variables in the snapshot.
func (s *WeightsSnapshot) Len() int { return len(s.values) }

// Restore sets the variables in ctx to the values in the snapshot.
// The snapshot remains valid and can be restored again.
func (s *WeightsSnapshot) Restore(ctx *context.Context) error {
	ctx = ctx.InAbsPath(s.scope)
	restored := 0
	for v := range ctx.IterVariablesInScope() {
		value, found := s.values[v.ScopeAndName()]
		if !found {
			continue
		}
		clone, err := value.LocalClone()
		if err != nil {
			return errors.WithMessagef(err, "restoring variable %q", v.ScopeAndName())
		}
		if err = v.SetValue(clone); err != nil {
			return errors.WithMessagef(err, "restoring variable %q", v.ScopeAndName())
		}
		restored++
	}
	if restored != len(s.values) {
		return errors.Errorf("restored %d variables, but snapshot of scope %q has %d", restored, s.scope, len(s.values))
	}
	return nil
}

// Finalize frees the snapshot values. The snapshot can no longer be used.
func (s *WeightsSnapshot) Finalize() {
	for _, value := range s.values {
		value.MustFinalizeAll()
	}
	s.values = nil
}

// NumTrainableParameters returns the number of scalar values in the trainable variables under the
// current scope of ctx.
func NumTrainableParameters(ctx *context.Context) int {
	total := 0
	for v := range ctx.IterVariablesInScope() {
		if v.Trainable {
			total += v.Shape().Size()
		}
	}
	return total
}
