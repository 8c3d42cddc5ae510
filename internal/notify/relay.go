package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"civicflow/internal/logging"
	"civicflow/internal/metrics"
)

const (
	DefaultInterval = 2 * time.Second
	defaultBatch    = 100
)

// Relay drains the outbox into a Publisher on a ticker.
type Relay struct {
	Outbox    Outbox
	Publisher Publisher
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Interval  time.Duration
	Batch     int
}

// Run drains until ctx is cancelled.
func (r Relay) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	log := logging.OrNop(r.Logger)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
			log.Warn("notify: drain failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Drain publishes one batch of pending notifications and returns how many
// were delivered. It stops at the first publish failure so the rest are
// retried on the next pass.
func (r Relay) Drain(ctx context.Context) (int, error) {
	pending, err := r.Outbox.Pending(ctx, r.Batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, n := range pending {
		if err := r.Publisher.Publish(ctx, n); err != nil {
			r.Metrics.ObserveNotification(n.Kind, "error")
			return sent, err
		}
		r.Metrics.ObserveNotification(n.Kind, "ok")
		if err := r.Outbox.MarkDispatched(ctx, n.ID); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}
