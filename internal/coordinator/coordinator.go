// Copyright 2025 James Ross
// Package coordinator implements the Job Coordinator (component F): the
// outer loop that enumerates running jobs, invokes the batch executor,
// and retires jobs once their queues drain.
package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/scraper-job-queue/searchjobs/internal/config"
	"github.com/scraper-job-queue/searchjobs/internal/executor"
	"github.com/scraper-job-queue/searchjobs/internal/obs"
	"github.com/scraper-job-queue/searchjobs/internal/queue"
)

// BatchExecutor is the narrow dependency the coordinator drives.
type BatchExecutor interface {
	ProcessBatch(ctx context.Context, job queue.Job) (executor.Outcome, error)
}

// Store is the narrow storage dependency the coordinator needs.
type Store interface {
	ListRunningJobIDs(ctx context.Context) ([]string, error)
	GetJob(ctx context.Context, jobID string) (queue.Job, error)
	MarkJobDone(ctx context.Context, jobID string) error
}

// Coordinator runs the §4.6 outer loop in its own process; multiple
// instances may run concurrently against the same store.
type Coordinator struct {
	store    Store
	executor BatchExecutor
	cfg      *config.Config
	log      *zap.Logger
}

func New(store Store, executor BatchExecutor, cfg *config.Config, log *zap.Logger) *Coordinator {
	return &Coordinator{store: store, executor: executor, cfg: cfg, log: log}
}

// Run drives process-batches until ctx is cancelled. Cancellation is
// honored only between batches: the current batch always completes
// before the loop checks ctx.Done(), so a shutdown never interrupts a
// mid-fan-out batch.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		jobIDs, err := c.store.ListRunningJobIDs(ctx)
		if err != nil {
			c.log.Error("list running jobs failed", obs.Err(err))
			if !c.sleep(ctx, c.cfg.Coordinator.LoopDelay) {
				return ctx.Err()
			}
			continue
		}

		if len(jobIDs) == 0 {
			if !c.sleep(ctx, c.cfg.Coordinator.IdlePollInterval) {
				return ctx.Err()
			}
			continue
		}

		obs.CoordinatorActiveJobs.Set(float64(len(jobIDs)))
		anyProcessed := false
		for _, jobID := range jobIDs {
			job, err := c.store.GetJob(ctx, jobID)
			if err != nil {
				c.log.Error("get job failed", obs.Err(err), obs.String("job_id", jobID))
				continue
			}

			out, err := c.executor.ProcessBatch(context.WithoutCancel(ctx), job)
			if err != nil {
				c.log.Error("process batch failed", obs.Err(err), obs.String("job_id", jobID))
				continue
			}
			if out.Processed > 0 {
				anyProcessed = true
			}

			if out.Processed == 0 {
				if err := c.store.MarkJobDone(ctx, jobID); err != nil {
					c.log.Error("mark job done failed", obs.Err(err), obs.String("job_id", jobID))
				} else {
					c.log.Info("job done", obs.String("job_id", jobID))
				}
			}
		}
		_ = anyProcessed

		if !c.sleep(ctx, c.cfg.Coordinator.LoopDelay) {
			return ctx.Err()
		}
	}
}

// RunUntilIdle drives the loop until no running jobs remain, for the
// process-batches CLI command which must exit rather than run forever.
func (c *Coordinator) RunUntilIdle(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		jobIDs, err := c.store.ListRunningJobIDs(ctx)
		if err != nil {
			return err
		}
		if len(jobIDs) == 0 {
			return nil
		}

		obs.CoordinatorActiveJobs.Set(float64(len(jobIDs)))
		for _, jobID := range jobIDs {
			job, err := c.store.GetJob(ctx, jobID)
			if err != nil {
				c.log.Error("get job failed", obs.Err(err), obs.String("job_id", jobID))
				continue
			}

			out, err := c.executor.ProcessBatch(context.WithoutCancel(ctx), job)
			if err != nil {
				c.log.Error("process batch failed", obs.Err(err), obs.String("job_id", jobID))
				continue
			}
			if out.Processed == 0 {
				if err := c.store.MarkJobDone(ctx, jobID); err != nil {
					c.log.Error("mark job done failed", obs.Err(err), obs.String("job_id", jobID))
				}
			}
		}

		if !c.sleep(ctx, c.cfg.Coordinator.LoopDelay) {
			return ctx.Err()
		}
	}
}

func (c *Coordinator) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
