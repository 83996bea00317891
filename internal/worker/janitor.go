package worker

import (
	"context"
	"log/slog"
	"time"
)

// Janitor periodically removes expired entries from the active manifest's caches.
type Janitor struct {
	engine   *Engine
	manifest func() *Manifest
	interval time.Duration
	logger   *slog.Logger
}

func NewJanitor(engine *Engine, manifest func() *Manifest, interval time.Duration, logger *slog.Logger) *Janitor {
	return &Janitor{
		engine:   engine,
		manifest: manifest,
		interval: interval,
		logger:   logger.With("component", "janitor"),
	}
}

// Run blocks until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	if j.interval <= 0 {
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs a single expiration pass.
func (j *Janitor) Sweep(ctx context.Context) int {
	m := j.manifest()
	if m == nil {
		return 0
	}
	removed, err := j.engine.ExpireAll(ctx, m)
	if err != nil {
		j.logger.Warn("expiration pass failed", "error", err)
	}
	if removed > 0 {
		j.logger.Info("expired entries removed", "count", removed)
	}
	return removed
}
