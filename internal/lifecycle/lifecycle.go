// Copyright 2025 James Ross
// Package lifecycle implements Job Lifecycle (component H): validating
// and creating job records, marking them done, and delegating rollup
// aggregation to the storage adapter.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scraper-job-queue/searchjobs/internal/budget"
	"github.com/scraper-job-queue/searchjobs/internal/expander"
	"github.com/scraper-job-queue/searchjobs/internal/queue"
)

// ValidationError reports a bad job-creation parameter. It is surfaced
// to the caller as-is; no job row is ever persisted for it.
type ValidationError struct {
	Field   string
	Value   interface{}
	Rule    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s (value: %v, rule: %s): %s",
		e.Field, e.Value, e.Rule, e.Message)
}

func NewValidationError(field string, value interface{}, rule, message string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Rule: rule, Message: message}
}

// Store is the narrow dependency the lifecycle needs from the storage adapter.
type Store interface {
	CreateJob(ctx context.Context, job queue.Job, queries []queue.Query) error
	MarkJobDone(ctx context.Context, jobID string) error
	UpdateJobStats(ctx context.Context, jobID string) (queue.Totals, error)
	GetJob(ctx context.Context, jobID string) (queue.Job, error)
}

// BudgetGuard is the narrow dependency on the cost & budget guard.
type BudgetGuard interface {
	Check(ctx context.Context, zips, pages int, log *zap.Logger) (budget.Estimate, error)
}

// Defaults supplies the coordinator-configured fallbacks for
// batch_size/concurrency when a caller omits them.
type Defaults struct {
	BatchSize   int
	Concurrency int
}

// CreateParams is the client-supplied job specification, pre-defaulting.
type CreateParams struct {
	Keyword     string
	State       string
	Pages       int
	BatchSize   int
	Concurrency int
	DryRun      bool
}

// Lifecycle implements create/mark-done/rollup for jobs.
type Lifecycle struct {
	store  Store
	lister expander.ZipLister
	guard  BudgetGuard
	log    *zap.Logger
}

func New(store Store, lister expander.ZipLister, guard BudgetGuard, log *zap.Logger) *Lifecycle {
	return &Lifecycle{store: store, lister: lister, guard: guard, log: log}
}

// CreateJob validates p, applies defaults, expands it into queries, runs
// the budget guard, and — unless DryRun — persists the job and its
// queries atomically via the store. It returns the constructed Job
// (with a freshly generated ID) in all non-error cases, including
// dry runs.
func (l *Lifecycle) CreateJob(ctx context.Context, p CreateParams, d Defaults) (queue.Job, error) {
	p, err := applyDefaults(p, d)
	if err != nil {
		return queue.Job{}, err
	}
	p, err = validate(p)
	if err != nil {
		return queue.Job{}, err
	}

	jobID := uuid.NewString()
	queries, err := expander.Expand(l.lister, jobID, p.Keyword, p.State, p.Pages)
	if err != nil {
		return queue.Job{}, fmt.Errorf("lifecycle: expand job: %w", err)
	}

	zips := distinctZips(queries)
	if _, err := l.guard.Check(ctx, zips, p.Pages, l.log); err != nil {
		return queue.Job{}, err
	}

	job := queue.Job{
		ID:          jobID,
		Keyword:     p.Keyword,
		State:       p.State,
		Pages:       p.Pages,
		BatchSize:   p.BatchSize,
		Concurrency: p.Concurrency,
		DryRun:      p.DryRun,
		Status:      queue.JobRunning,
		CreatedAt:   time.Now(),
		Totals:      queue.Totals{Zips: zips, Queries: len(queries)},
	}

	if p.DryRun {
		return job, nil
	}

	if err := l.store.CreateJob(ctx, job, queries); err != nil {
		return queue.Job{}, fmt.Errorf("lifecycle: create job: %w", err)
	}
	return job, nil
}

// MarkDone transitions a job to done. Delegates directly to the store,
// which enforces idempotency.
func (l *Lifecycle) MarkDone(ctx context.Context, jobID string) error {
	return l.store.MarkJobDone(ctx, jobID)
}

// UpdateStats recomputes and returns a job's rollup totals.
func (l *Lifecycle) UpdateStats(ctx context.Context, jobID string) (queue.Totals, error) {
	return l.store.UpdateJobStats(ctx, jobID)
}

// GetJob fetches a job's current state, for monitor-job and health-check.
func (l *Lifecycle) GetJob(ctx context.Context, jobID string) (queue.Job, error) {
	return l.store.GetJob(ctx, jobID)
}

func applyDefaults(p CreateParams, d Defaults) (CreateParams, error) {
	if p.BatchSize <= 0 {
		p.BatchSize = d.BatchSize
	}
	if p.Concurrency <= 0 {
		p.Concurrency = d.Concurrency
	}
	return p, nil
}

func validate(p CreateParams) (CreateParams, error) {
	if strings.TrimSpace(p.Keyword) == "" {
		return p, NewValidationError("keyword", p.Keyword, "required", "keyword must not be empty")
	}
	state := strings.ToUpper(strings.TrimSpace(p.State))
	if len(state) != 2 {
		return p, NewValidationError("state", p.State, "format", "state must be a 2-letter USPS code")
	}
	p.State = state
	if p.Pages < 1 {
		return p, NewValidationError("pages", p.Pages, "min", "pages must be >= 1")
	}
	if p.BatchSize < 1 {
		return p, NewValidationError("batch_size", p.BatchSize, "min", "batch_size must be >= 1")
	}
	if p.Concurrency < 1 {
		return p, NewValidationError("concurrency", p.Concurrency, "min", "concurrency must be >= 1")
	}
	return p, nil
}

func distinctZips(queries []queue.Query) int {
	seen := make(map[string]struct{}, len(queries))
	for _, q := range queries {
		seen[q.Zip] = struct{}{}
	}
	return len(seen)
}
