package audit

import (
	"context"
	"log/slog"
	"time"
)

// Worker drains the outbox to the sink on a ticker. Failed batches stay
// unpublished and are retried on the next tick.
type Worker struct {
	store    Store
	sink     Sink
	logger   *slog.Logger
	interval time.Duration
	batch    int
}

func NewWorker(store Store, sink Sink, logger *slog.Logger, interval time.Duration, batch int) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Worker{store: store, sink: sink, logger: logger, interval: interval, batch: batch}
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Drain(ctx); err != nil {
				w.logger.ErrorContext(ctx, "audit outbox drain failed", "error", err)
			}
		}
	}
}

// Drain publishes one batch of unpublished events.
func (w *Worker) Drain(ctx context.Context) error {
	events, err := w.store.ListUnpublished(ctx, w.batch)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	if err := w.sink.Publish(ctx, events); err != nil {
		return err
	}
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	if err := w.store.MarkPublished(ctx, ids, time.Now().UTC()); err != nil {
		return err
	}
	w.logger.DebugContext(ctx, "audit events published", "count", len(events))
	return nil
}
