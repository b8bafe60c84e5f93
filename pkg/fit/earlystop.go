package fit

import (
	"math"
)

// Mode tells whether lower or higher values of a monitored metric are better.
type Mode int

const (
	// MinMode is used for metrics like losses, where lower is better.
	MinMode Mode = iota

	// MaxMode is used for metrics like accuracy, where higher is better.
	MaxMode
)

// monitor tracks the best value of a metric.
type monitor struct {
	mode      Mode
	minDelta  float64
	best      float64
	bestEpoch int
}

func newMonitor(mode Mode, minDelta float64) monitor {
	m := monitor{mode: mode, minDelta: math.Abs(minDelta), bestEpoch: -1}
	if mode == MinMode {
		m.best = math.Inf(1)
	} else {
		m.best = math.Inf(-1)
	}
	return m
}

// isImprovement returns whether value improves over the best seen by more than minDelta.
// NaN values never improve.
func (m *monitor) isImprovement(value float64) bool {
	if math.IsNaN(value) {
		return false
	}
	if m.mode == MinMode {
		return value < m.best-m.minDelta
	}
	return value > m.best+m.minDelta
}

// update records value for epoch and returns whether it was an improvement.
func (m *monitor) update(epoch int, value float64) bool {
	if !m.isImprovement(value) {
		return false
	}
	m.best = value
	m.bestEpoch = epoch
	return true
}

// EarlyStopping stops training once a monitored metric stops improving for Patience epochs.
type EarlyStopping struct {
	monitor
	patience int
	wait     int
	stopped  bool
}

// NewEarlyStopping creates an EarlyStopping that allows up to patience epochs without an improvement
// larger than minDelta. If patience <= 0 it never stops.
func NewEarlyStopping(patience int, minDelta float64, mode Mode) *EarlyStopping {
	return &EarlyStopping{
		monitor:  newMonitor(mode, minDelta),
		patience: patience,
	}
}

// Update with the value of the monitored metric at the end of epoch.
// It returns whether the value improved over the best so far, and whether training should stop.
func (es *EarlyStopping) Update(epoch int, value float64) (improved, stop bool) {
	if es.monitor.update(epoch, value) {
		es.wait = 0
		return true, false
	}
	es.wait++
	if es.patience > 0 && es.wait >= es.patience {
		es.stopped = true
		return false, true
	}
	return false, false
}

// Best returns the best value seen and the epoch it happened. The epoch is -1 if no value was seen.
func (es *EarlyStopping) Best() (value float64, epoch int) {
	return es.best, es.bestEpoch
}

// Stopped returns whether Update ever asked training to stop.
func (es *EarlyStopping) Stopped() bool { return es.stopped }

// Patience returns the configured patience.
func (es *EarlyStopping) Patience() int { return es.patience }
