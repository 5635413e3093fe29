package mem

import (
	"fmt"
	"sync/atomic"
)

// UsageConfig configures a UsageTracker. A zero MaxTotalBytes means no
// limit.
type UsageConfig struct {
	MaxTotalBytes int64
}

// UsageTracker accounts bytes for one scope and contributes to its parent.
// Reservations run bottom-up and roll back completely when any level would
// exceed its maximum, so a failed Reserve leaves every level unchanged.
// Current and peak updates are atomic; a tracker must not outlive its
// parent.
type UsageTracker struct {
	parent   *UsageTracker
	maxTotal int64
	current  atomic.Int64
	peak     atomic.Int64
}

// NewUsageTracker returns a root tracker.
func NewUsageTracker(cfg UsageConfig) *UsageTracker {
	return &UsageTracker{maxTotal: cfg.MaxTotalBytes}
}

// Child returns a tracker whose usage counts toward t.
func (t *UsageTracker) Child(cfg UsageConfig) *UsageTracker {
	return &UsageTracker{parent: t, maxTotal: cfg.MaxTotalBytes}
}

// Reserve adds bytes to this tracker and every ancestor. If any level would
// exceed its maximum, all updates are undone and ErrUsageLimit returned.
func (t *UsageTracker) Reserve(bytes int64) error {
	if bytes < 0 {
		panic(fmt.Sprintf("mem: negative reservation %d", bytes))
	}
	if bytes == 0 {
		return nil
	}
	for node := t; node != nil; node = node.parent {
		next := node.current.Add(bytes)
		if node.maxTotal > 0 && next > node.maxTotal {
			for undo := t; undo != node; undo = undo.parent {
				undo.current.Add(-bytes)
			}
			node.current.Add(-bytes)
			return fmt.Errorf("%w: %d over maximum %d", ErrUsageLimit, next, node.maxTotal)
		}
		node.raisePeak(next)
	}
	return nil
}

// Release subtracts bytes from this tracker and every ancestor.
func (t *UsageTracker) Release(bytes int64) {
	if bytes < 0 {
		panic(fmt.Sprintf("mem: negative release %d", bytes))
	}
	if bytes == 0 {
		return
	}
	for node := t; node != nil; node = node.parent {
		if next := node.current.Add(-bytes); next < 0 {
			debugLogf("tracker released below zero: %d", next)
		}
	}
}

func (t *UsageTracker) raisePeak(candidate int64) {
	for {
		peak := t.peak.Load()
		if candidate <= peak || t.peak.CompareAndSwap(peak, candidate) {
			return
		}
	}
}

// CurrentBytes returns the bytes currently reserved in this scope.
func (t *UsageTracker) CurrentBytes() int64 { return t.current.Load() }

// PeakBytes returns the highest value CurrentBytes has reached.
func (t *UsageTracker) PeakBytes() int64 { return t.peak.Load() }

// MaxTotalBytes returns the configured maximum, 0 when unlimited.
func (t *UsageTracker) MaxTotalBytes() int64 { return t.maxTotal }
