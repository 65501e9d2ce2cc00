// Copyright 2025 James Ross
// Package executor implements the Batch Executor: claim a batch, fan out
// to the search client with bounded concurrency, persist results, and
// recompute the job rollup.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scraper-job-queue/searchjobs/internal/config"
	"github.com/scraper-job-queue/searchjobs/internal/obs"
	"github.com/scraper-job-queue/searchjobs/internal/queue"
	"github.com/scraper-job-queue/searchjobs/internal/searchclient"
	"github.com/scraper-job-queue/searchjobs/internal/storage"
)

// SearchClient is the narrow dependency the executor needs from the
// search client adapter, letting tests substitute a fake.
type SearchClient interface {
	Search(ctx context.Context, q string, page int) (searchclient.Result, error)
}

// Outcome is process_batch's return value per spec §4.5.
type Outcome struct {
	Processed int
	Places    int
	Credits   int64
}

// Executor is the Batch Executor (component E).
type Executor struct {
	storage storage.Storage
	search  SearchClient
	cfg     *config.Config
	log     *zap.Logger
}

func New(st storage.Storage, search SearchClient, cfg *config.Config, log *zap.Logger) *Executor {
	return &Executor{storage: st, search: search, cfg: cfg, log: log}
}

type queryOutcome struct {
	query        queue.Query
	status       queue.QueryStatus
	apiStatus    int
	resultsCount int
	credits      int64
	errMsg       string
	places       []searchclient.Place
}

// ProcessBatch implements §4.5's process_batch(job_id, batch_size).
func (e *Executor) ProcessBatch(ctx context.Context, job queue.Job) (Outcome, error) {
	claimID := uuid.NewString()
	ctx, span := obs.StartClaimSpan(ctx, job.ID, job.BatchSize)
	batch, err := e.storage.ClaimBatch(ctx, job.ID, job.BatchSize, claimID)
	if err != nil {
		obs.RecordError(ctx, err)
		span.End()
		return Outcome{}, fmt.Errorf("executor: claim batch: %w", err)
	}
	obs.SetSpanSuccess(ctx)
	span.End()

	if len(batch) == 0 {
		return Outcome{}, nil
	}
	obs.QueriesClaimed.Add(float64(len(batch)))

	outcomes := e.fanOut(ctx, batch, job.Concurrency)

	places := make([]queue.Place, 0, len(outcomes))
	now := time.Now()
	for _, o := range outcomes {
		for _, p := range o.places {
			places = append(places, queue.Place{
				JobID:        job.ID,
				PlaceUID:     p.PlaceUID,
				Payload:      p.Payload,
				PayloadRaw:   p.PayloadRaw,
				Keyword:      job.Keyword,
				State:        job.State,
				Zip:          o.query.Zip,
				Page:         o.query.Page,
				APIStatus:    o.apiStatus,
				ResultsCount: o.resultsCount,
				Credits:      0, // credits are attributed to the query, not individual places
				IngestTS:     now,
				Source:       "searchjobs",
				SourceVer:    "1",
				IngestID:     claimID,
			})
		}
	}

	// Places MUST land before queries are marked success: a crash between
	// these two steps leaves queries `processing`, safely re-claimed by
	// the stuck-claim reaper, and the upsert is idempotent on retry.
	insertedPlaces, err := e.upsertPlacesChunked(ctx, places)
	if err != nil {
		return Outcome{}, fmt.Errorf("executor: upsert places: %w", err)
	}
	obs.PlacesUpserted.Add(float64(insertedPlaces))

	var totalCredits int64
	results := make([]storage.QueryResult, 0, len(outcomes))
	for _, o := range outcomes {
		totalCredits += o.credits
		results = append(results, storage.QueryResult{
			JobID:        o.query.JobID,
			Zip:          o.query.Zip,
			Page:         o.query.Page,
			ClaimID:      claimID,
			Status:       o.status,
			APIStatus:    o.apiStatus,
			ResultsCount: o.resultsCount,
			Credits:      o.credits,
			Error:        o.errMsg,
		})
	}
	obs.BatchCredits.Add(float64(totalCredits))

	if err := e.markResultsChunked(ctx, results); err != nil {
		return Outcome{}, fmt.Errorf("executor: mark query results: %w", err)
	}
	for _, o := range outcomes {
		switch o.status {
		case queue.QuerySuccess:
			obs.QueriesSucceeded.Inc()
		case queue.QueryFailed:
			obs.QueriesFailed.Inc()
		}
	}

	// Early-exit: page-1 successes below threshold skip pages 2..P.
	for _, o := range outcomes {
		if o.query.Page == 1 && o.status == queue.QuerySuccess && o.resultsCount < e.cfg.Coordinator.EarlyExitThreshold {
			skipped, err := e.storage.SkipRemainingPages(ctx, job.ID, o.query.Zip, 1)
			if err != nil {
				e.log.Warn("skip_remaining_pages failed", obs.Err(err), obs.String("job_id", job.ID), obs.String("zip", o.query.Zip))
				continue
			}
			if skipped > 0 {
				obs.QueriesSkipped.Add(float64(skipped))
			}
		}
	}

	if _, err := e.storage.UpdateJobStats(ctx, job.ID); err != nil {
		e.log.Warn("update_job_stats failed", obs.Err(err), obs.String("job_id", job.ID))
	}

	return Outcome{Processed: len(batch), Places: insertedPlaces, Credits: totalCredits}, nil
}

// fanOut executes search(q, page) for every claimed query concurrently,
// bounded by concurrency. A per-query failure never aborts the group.
func (e *Executor) fanOut(ctx context.Context, batch []queue.Query, concurrency int) []queryOutcome {
	outcomes := make([]queryOutcome, len(batch))
	eg, gctx := errgroup.WithContext(ctx)
	if concurrency < 1 {
		concurrency = 1
	}
	eg.SetLimit(concurrency)

	for i, q := range batch {
		i, q := i, q
		eg.Go(func() error {
			outcomes[i] = e.runQuery(gctx, q)
			return nil
		})
	}
	_ = eg.Wait() // runQuery never returns an error; each outcome carries its own status
	return outcomes
}

func (e *Executor) runQuery(ctx context.Context, q queue.Query) queryOutcome {
	_, span := obs.StartQuerySpan(ctx, q)
	defer span.End()

	res, err := e.search.Search(ctx, q.Q, q.Page)
	if err != nil {
		obs.RecordError(ctx, err)
		apiStatus := 0
		switch e := err.(type) {
		case *searchclient.ErrSearchTransient:
			apiStatus = e.APIStatus
		case *searchclient.ErrSearchPermanent:
			apiStatus = e.APIStatus
		}
		return queryOutcome{query: q, status: queue.QueryFailed, apiStatus: apiStatus, errMsg: err.Error()}
	}
	obs.SetSpanSuccess(ctx)
	return queryOutcome{
		query:        q,
		status:       queue.QuerySuccess,
		apiStatus:    res.APIStatus,
		resultsCount: len(res.Places),
		credits:      res.Credits,
		places:       res.Places,
	}
}

func (e *Executor) upsertPlacesChunked(ctx context.Context, places []queue.Place) (int, error) {
	chunkSize := e.cfg.Store.MergeChunkSize
	if chunkSize < 1 {
		chunkSize = len(places)
		if chunkSize == 0 {
			chunkSize = 1
		}
	}
	total := 0
	for start := 0; start < len(places); start += chunkSize {
		end := start + chunkSize
		if end > len(places) {
			end = len(places)
		}
		n, err := e.storage.UpsertPlaces(ctx, places[start:end])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (e *Executor) markResultsChunked(ctx context.Context, results []storage.QueryResult) error {
	chunkSize := e.cfg.Store.MergeChunkSize
	if chunkSize < 1 {
		chunkSize = len(results)
		if chunkSize == 0 {
			chunkSize = 1
		}
	}
	for start := 0; start < len(results); start += chunkSize {
		end := start + chunkSize
		if end > len(results) {
			end = len(results)
		}
		if err := e.storage.MarkQueryResults(ctx, results[start:end]); err != nil {
			return err
		}
	}
	return nil
}
