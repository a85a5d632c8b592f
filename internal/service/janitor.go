package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Janitor bounds the event store and the order context table. Events for
// cycles that never completed (never approved, never correlated) would
// otherwise stay forever.
type Janitor struct {
	events    retentionStore
	contexts  expiringContexts
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
}

func NewJanitor(events retentionStore, contexts expiringContexts, retention, interval time.Duration, logger *slog.Logger) *Janitor {
	return &Janitor{
		events:    events,
		contexts:  contexts,
		retention: retention,
		interval:  interval,
		logger:    logger,
	}
}

func (j *Janitor) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
				j.logger.Error("janitor run failed", "error", err)
			}
		}
	}
}

func (j *Janitor) RunOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-j.retention)
	events, err := j.events.PurgeBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("RunOnce: %w", err)
	}
	contexts, err := j.contexts.PurgeExpired(ctx)
	if err != nil {
		return fmt.Errorf("RunOnce: %w", err)
	}
	if events > 0 || contexts > 0 {
		j.logger.Info("janitor purged stale rows", "events", events, "order_contexts", contexts, "cutoff", cutoff)
	}
	return nil
}
