// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/scraper-job-queue/searchjobs/internal/config"
	"go.uber.org/zap"
)

// DepthCounter reports the count of queries in each status bucket. The
// storage adapter implements this; obs only depends on the narrow
// interface to avoid importing internal/storage.
type DepthCounter interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// StartQueueDepthUpdater samples query counts by status and updates a gauge,
// replacing the teacher's Redis LLEN poll with a SQL aggregate query.
func StartQueueDepthUpdater(ctx context.Context, cfg *config.Config, counter DepthCounter, log *zap.Logger) {
	interval := 5 * time.Second
	if cfg.Coordinator.IdlePollInterval > 0 {
		interval = cfg.Coordinator.IdlePollInterval
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				counts, err := counter.CountByStatus(ctx)
				if err != nil {
					log.Debug("queue depth poll error", Err(err))
					continue
				}
				for status, n := range counts {
					QueueDepth.WithLabelValues(status).Set(float64(n))
				}
			}
		}
	}()
}
