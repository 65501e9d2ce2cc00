// Copyright 2025 James Ross
// Package admin backs the health-check and monitor-job CLI surfaces:
// read-only aggregation and reachability checks over the storage adapter
// and search client, generalized from the teacher's admin.Stats-style
// Redis LLEN/SCAN aggregation to a SQL-backed per-job rollup query.
package admin

import (
	"context"
	"time"

	"github.com/scraper-job-queue/searchjobs/internal/queue"
)

// JobStore is the narrow dependency monitor-job needs from the storage
// adapter: the authoritative per-job rollup, recomputed by the executor
// and lifecycle after every batch.
type JobStore interface {
	GetJob(ctx context.Context, jobID string) (queue.Job, error)
}

// Snapshot is one point-in-time read of a job's rollup for monitor-job.
type Snapshot struct {
	JobID              string          `json:"job_id"`
	Status             queue.JobStatus `json:"status"`
	Totals             queue.Totals    `json:"totals"`
	QueuedOrProcessing int             `json:"queued_or_processing"`
	ObservedAt         time.Time       `json:"observed_at"`
}

// Monitor fetches a single snapshot of a job's rollup. The
// queued_or_processing count is derived rather than stored directly: the
// rollup only tracks terminal buckets (successes/failures/skipped) plus
// the fixed queries total, per spec §4.7.
func Monitor(ctx context.Context, store JobStore, jobID string) (Snapshot, error) {
	job, err := store.GetJob(ctx, jobID)
	if err != nil {
		return Snapshot{}, err
	}
	t := job.Totals
	remaining := t.Queries - (t.Successes + t.Failures + t.Skipped)
	if remaining < 0 {
		remaining = 0
	}
	return Snapshot{
		JobID:              job.ID,
		Status:             job.Status,
		Totals:             t,
		QueuedOrProcessing: remaining,
		ObservedAt:         time.Now(),
	}, nil
}

// Pinger is implemented by any component health-check should reach out
// to: the storage adapter and the search client adapter both satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckResult is one component's reachability outcome.
type CheckResult struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Report is health-check's structured output; the CLI exits 0 iff OK.
type Report struct {
	OK     bool          `json:"ok"`
	Checks []CheckResult `json:"checks"`
}

// HealthCheck probes every named component and aggregates the result.
// Each check runs independently: one component's failure never skips
// another's, matching the spec's "reports component reachability"
// framing rather than an all-or-nothing probe.
func HealthCheck(ctx context.Context, components map[string]Pinger) Report {
	report := Report{OK: true}
	for _, name := range orderedNames(components) {
		start := time.Now()
		err := components[name].Ping(ctx)
		result := CheckResult{Name: name, LatencyMS: time.Since(start).Milliseconds()}
		if err != nil {
			result.OK = false
			result.Error = err.Error()
			report.OK = false
		} else {
			result.OK = true
		}
		report.Checks = append(report.Checks, result)
	}
	return report
}

// orderedNames returns component names in a fixed, deterministic order
// (storage before search_api) rather than Go's randomized map order, so
// --json output is stable across runs.
func orderedNames(components map[string]Pinger) []string {
	preferred := []string{"storage", "search_api"}
	out := make([]string, 0, len(components))
	seen := map[string]bool{}
	for _, name := range preferred {
		if _, ok := components[name]; ok {
			out = append(out, name)
			seen[name] = true
		}
	}
	for name := range components {
		if !seen[name] {
			out = append(out, name)
		}
	}
	return out
}
