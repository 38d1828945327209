package worker

import (
	"context"
	"log/slog"
	"time"
)

// SuspendWatcher notices host suspends. Go timers run on the monotonic clock, which stops
// while the machine sleeps, so a reminder armed before a suspend fires late by the length of
// the sleep. Comparing wall-clock and monotonic elapsed time across ticks reveals the gap.
// Ticks without a gap call onTick, if set.
type SuspendWatcher struct {
	interval  time.Duration
	threshold time.Duration
	onResume  func()
	onTick    func()
	logger    *slog.Logger
}

func NewSuspendWatcher(interval, threshold time.Duration, onResume, onTick func(), logger *slog.Logger) *SuspendWatcher {
	return &SuspendWatcher{
		interval:  interval,
		threshold: threshold,
		onResume:  onResume,
		onTick:    onTick,
		logger:    logger.With("component", "suspend-watcher"),
	}
}

func (w *SuspendWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			// Round(0) strips the monotonic reading, leaving wall time
			wall := now.Round(0).Sub(last.Round(0))
			mono := now.Sub(last)
			if suspended(wall, mono, w.threshold) {
				w.logger.Info("Host resumed from suspend", "wall", wall, "monotonic", mono)
				w.onResume()
			} else if w.onTick != nil {
				w.onTick()
			}
			last = now
		}
	}
}

func suspended(wall, mono, threshold time.Duration) bool {
	return wall-mono > threshold
}
