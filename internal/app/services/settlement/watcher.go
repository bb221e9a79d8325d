package settlement

import (
	"context"
	"time"

	"github.com/atelier-network/atelier/pkg/logger"
)

// DefaultWatchInterval is how often the watcher scans for stuck payouts.
const DefaultWatchInterval = time.Minute

// Gauge is the metric sink for the pending-payout count. Satisfied by
// prometheus.Gauge.
type Gauge interface {
	Set(float64)
}

// Watcher periodically reports payouts stuck in pending. It observes and
// never retries: a pending row means the chain outcome is unknown, and
// resubmitting could double-pay. Rows younger than one interval are
// ignored so an in-flight payout is not flagged mid-confirmation.
type Watcher struct {
	svc      *Service
	interval time.Duration
	minAge   time.Duration
	gauge    Gauge
	log      *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a watcher over the settlement service. gauge may be nil.
func NewWatcher(svc *Service, interval time.Duration, gauge Gauge, log *logger.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	if log == nil {
		log = logger.NewDefault("settlement-watcher")
	}
	return &Watcher{svc: svc, interval: interval, minAge: interval, gauge: gauge, log: log}
}

// Name implements system.Service.
func (w *Watcher) Name() string { return "settlement-watcher" }

// Start implements system.Service. The scan loop outlives the start
// context; it runs until Stop.
func (w *Watcher) Start(_ context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.run(ctx)
	return nil
}

// Stop implements system.Service.
func (w *Watcher) Stop(_ context.Context) error {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scan(ctx)
		}
	}
}

func (w *Watcher) scan(ctx context.Context) {
	pending, err := w.svc.PendingPayouts(ctx)
	if err != nil {
		w.log.WithError(err).Error("pending payout scan failed")
		return
	}

	cutoff := time.Now().UTC().Add(-w.minAge)
	stuck := 0
	for _, p := range pending {
		if p.CreatedAt.Before(cutoff) {
			stuck++
		}
	}

	if w.gauge != nil {
		w.gauge.Set(float64(stuck))
	}
	if stuck > 0 {
		w.log.WithField("count", stuck).Warn("payouts stuck pending; manual reconciliation required")
	}
}
