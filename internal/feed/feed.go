// Package feed detects expense store changes by polling a revision probe.
package feed

import (
	"context"
	"time"
)

// DefaultInterval is the polling interval used by the notification endpoint.
const DefaultInterval = 3 * time.Second

// Probe reads the store's current revision. It must be cheap; it is called
// once per polling cycle.
type Probe func() (int64, error)

// Watcher polls a revision probe and reports when the observed value changes.
type Watcher struct {
	probe    Probe
	interval time.Duration
}

// New creates a Watcher that polls probe every interval.
func New(probe Probe, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Watcher{probe: probe, interval: interval}
}

// Run polls until ctx is cancelled, calling signal once per detected change.
// The first successful probe only establishes a baseline and never signals.
// Probe errors are treated as transient: the cycle is skipped and polling
// continues.
func (w *Watcher) Run(ctx context.Context, signal func()) {
	var last int64
	established := false

	check := func() {
		value, err := w.probe()
		if err != nil {
			return
		}
		if !established {
			last = value
			established = true
			return
		}
		if value != last {
			last = value
			signal()
		}
	}

	check()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
