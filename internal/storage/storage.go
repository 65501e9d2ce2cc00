// Copyright 2025 James Ross
// Package storage is the durable Storage Adapter: it owns the jobs,
// queries, and places tables and every atomic transition between them.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/scraper-job-queue/searchjobs/internal/queue"
)

// ErrJobNotFound is returned when a job id has no matching row.
var ErrJobNotFound = errors.New("storage: job not found")

// ErrUnavailable wraps a transport-level failure talking to the store
// (connection refused, context deadline, driver error) as distinct from
// a query returning no rows.
type ErrUnavailable struct {
	Op  string
	Err error
}

func (e *ErrUnavailable) Error() string { return "storage: " + e.Op + " unavailable: " + e.Err.Error() }
func (e *ErrUnavailable) Unwrap() error { return e.Err }

// ErrInvariantViolation marks a state transition that should be
// impossible under the queue protocol (e.g. marking a query success
// that was never claimed). Surfacing it distinctly lets callers treat
// it as a bug rather than a retryable condition.
type ErrInvariantViolation struct {
	Detail string
}

func (e *ErrInvariantViolation) Error() string { return "storage: invariant violation: " + e.Detail }

// QueryResult is the outcome the batch executor reports for one claimed
// query after calling the search client. ClaimID must match the claim
// the row was claimed under, so a write-back from a worker whose claim
// has since expired and been re-claimed by another worker never matches.
type QueryResult struct {
	JobID        string
	Zip          string
	Page         int
	ClaimID      string
	Status       queue.QueryStatus
	APIStatus    int
	ResultsCount int
	Credits      int64
	Error        string
}

// Storage is the full contract the rest of the system depends on. A
// single Postgres implementation backs it; the interface exists so the
// executor can be tested against an in-memory fake without a database.
// The coordinator, budget guard, lifecycle, and reaper packages declare
// their own narrower Store interfaces instead.
type Storage interface {
	// CreateJob inserts a job row and its full set of expanded queries in
	// one transaction (component B's output landing atomically).
	CreateJob(ctx context.Context, job queue.Job, queries []queue.Query) error

	// ClaimBatch atomically claims up to batchSize queued rows for jobID,
	// marking them processing and stamping claimID/claimed_at, and
	// returns the claimed rows. Returns an empty slice, not an error,
	// when no queued rows remain.
	ClaimBatch(ctx context.Context, jobID string, batchSize int, claimID string) ([]queue.Query, error)

	// UpsertPlaces idempotently inserts place rows, doing nothing on a
	// (job_id, place_uid) conflict. Returns the number of rows actually
	// inserted.
	UpsertPlaces(ctx context.Context, places []queue.Place) (int, error)

	// MarkQueryResults transitions claimed queries to a terminal status
	// (or, for a retryable failure, back to queued — callers decide).
	// Only rows whose current status is processing AND whose claim_id
	// matches the result's ClaimID are updated, so a write-back from an
	// expired claim can never overwrite a row a later claim now owns.
	MarkQueryResults(ctx context.Context, results []QueryResult) error

	// RequeueQuery resets a single query back to queued for retry,
	// clearing its claim.
	RequeueQuery(ctx context.Context, jobID, zip string, page int) error

	// SkipRemainingPages marks every queued query for (jobID, zip) with
	// page > fromPage as skipped, implementing the early-exit
	// optimization. Rows already claimed (status = processing) are left
	// alone — only a queued row can be skipped. Returns the number of
	// rows skipped.
	SkipRemainingPages(ctx context.Context, jobID, zip string, fromPage int) (int64, error)

	// RecoverStuckClaims resets processing queries whose claimed_at is
	// older than olderThan back to queued, clearing their claim. Returns
	// the number of rows recovered.
	RecoverStuckClaims(ctx context.Context, olderThan time.Duration) (int64, error)

	// UpdateJobStats recomputes a job's rollup totals from the queries
	// and places tables and returns them. The totals are not stored on
	// the job row; GetJob recomputes them on every read.
	UpdateJobStats(ctx context.Context, jobID string) (queue.Totals, error)

	// MarkJobDone transitions a job to done and stamps finished_at, but
	// only if no query row for the job is still queued or processing
	// (spec §4.7's completion predicate). Idempotent: a no-op on an
	// already-done job or one with work still in flight.
	MarkJobDone(ctx context.Context, jobID string) error

	// GetJob fetches a single job by id.
	GetJob(ctx context.Context, jobID string) (queue.Job, error)

	// ListRunningJobIDs returns every job not yet marked done.
	ListRunningJobIDs(ctx context.Context) ([]string, error)

	// CountByStatus returns the number of query rows in each status,
	// used by the observability queue-depth gauge.
	CountByStatus(ctx context.Context) (map[string]int, error)

	// SpendSince sums credits across queries belonging to jobs created on
	// or after since, for the cost & budget guard's daily spend check.
	SpendSince(ctx context.Context, since time.Time) (int64, error)

	// Ping verifies the store is reachable, for health-check.
	Ping(ctx context.Context) error

	Close() error
}
