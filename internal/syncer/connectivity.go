package syncer

import (
	"context"
	"log"
	"time"
)

// HealthChecker answers whether the central server is reachable.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// Watcher polls connectivity and fires a callback on every
// offline-to-online transition. The callback is the orchestrator's
// TriggerSync, which collapses overlapping triggers on its own.
type Watcher struct {
	check    HealthChecker
	interval time.Duration
	onOnline func()
}

// NewWatcher creates a connectivity watcher.
func NewWatcher(check HealthChecker, interval time.Duration, onOnline func()) *Watcher {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Watcher{check: check, interval: interval, onOnline: onOnline}
}

// Run polls until the context is cancelled. The first successful probe
// counts as a transition so a freshly started agent with queued work
// syncs immediately.
func (w *Watcher) Run(ctx context.Context) {
	online := false
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		probeCtx, cancel := context.WithTimeout(ctx, w.interval)
		now := w.check.Healthy(probeCtx)
		cancel()
		if now && !online {
			log.Println("connectivity: online, triggering sync")
			w.onOnline()
		}
		online = now

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
