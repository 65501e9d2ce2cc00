// Copyright 2025 James Ross
// Package reaper implements the stuck-claim reaper: a periodic sweep
// that returns processing queries whose claim has aged past T_reclaim
// back to queued.
package reaper

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/scraper-job-queue/searchjobs/internal/config"
	"github.com/scraper-job-queue/searchjobs/internal/obs"
)

// Store is the narrow dependency the reaper needs from the storage adapter.
type Store interface {
	RecoverStuckClaims(ctx context.Context, olderThan time.Duration) (int64, error)
}

type Reaper struct {
	cfg   *config.Config
	store Store
	log   *zap.Logger
}

func New(cfg *config.Config, store Store, log *zap.Logger) *Reaper {
	return &Reaper{cfg: cfg, store: store, log: log}
}

// Run drives the sweep until ctx is cancelled. When
// coordinator.reaper_cron_schedule is set, sweeps fire on that cron
// schedule (e.g. "0 */6 * * *" to sweep every six hours on the hour);
// otherwise it falls back to the plain fixed-interval ticker.
func (r *Reaper) Run(ctx context.Context) {
	if sched := r.cfg.Coordinator.ReaperCronSchedule; sched != "" {
		r.runCron(ctx, sched)
		return
	}
	r.runTicker(ctx)
}

func (r *Reaper) runTicker(ctx context.Context) {
	interval := r.cfg.Coordinator.ReaperInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

// runCron schedules sweeps via a standard 5-field cron expression instead
// of a fixed interval. Parse failures fall back to the ticker rather than
// silently never sweeping, since a stuck reaper is worse than a
// misconfigured schedule running on the default cadence.
func (r *Reaper) runCron(ctx context.Context, expr string) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		r.log.Error("invalid reaper_cron_schedule, falling back to ticker", obs.Err(err), obs.String("schedule", expr))
		r.runTicker(ctx)
		return
	}

	now := time.Now()
	next := schedule.Next(now)
	timer := time.NewTimer(next.Sub(now))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case fired := <-timer.C:
			r.sweepOnce(ctx)
			next = schedule.Next(fired)
			timer.Reset(time.Until(next))
		}
	}
}

func (r *Reaper) sweepOnce(ctx context.Context) {
	ttl := r.cfg.Coordinator.StuckClaimTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	n, err := r.store.RecoverStuckClaims(ctx, ttl)
	if err != nil {
		r.log.Warn("reaper sweep error", obs.Err(err))
		return
	}
	if n > 0 {
		obs.ReaperRecovered.Add(float64(n))
		r.log.Warn("recovered stuck claims", obs.Int("count", int(n)))
	}
}
