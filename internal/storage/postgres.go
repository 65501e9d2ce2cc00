// Copyright 2025 James Ross
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/scraper-job-queue/searchjobs/internal/queue"
)

// Postgres implements Storage over database/sql with the lib/pq driver.
type Postgres struct {
	db *sql.DB
}

// Open connects to Postgres and tunes the pool per config.
func Open(dsn string, maxOpen, maxIdle int, connMaxLifetime time.Duration) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, &ErrUnavailable{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(connMaxLifetime)
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

// Ping verifies connectivity to the store, for health-check.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return &ErrUnavailable{Op: "ping", Err: err}
	}
	return nil
}

func (p *Postgres) CreateJob(ctx context.Context, job queue.Job, queries []queue.Query) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return &ErrUnavailable{Op: "create_job.begin", Err: err}
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, keyword, state, pages, batch_size, concurrency, dry_run, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, job.ID, job.Keyword, job.State, job.Pages, job.BatchSize, job.Concurrency, job.DryRun, string(job.Status), job.CreatedAt)
	if err != nil {
		return &ErrUnavailable{Op: "create_job.insert_job", Err: err}
	}

	// ON CONFLICT DO NOTHING makes this an idempotent enqueue keyed on
	// (job_id, zip, page): a retried CreateJob call (e.g. a crashed
	// creator retrying) never duplicates or modifies an already-present
	// row, per spec §4.3's "Idempotent enqueue".
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO queries (job_id, zip, page, q, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (job_id, zip, page) DO NOTHING
	`)
	if err != nil {
		return &ErrUnavailable{Op: "create_job.prepare_queries", Err: err}
	}
	defer stmt.Close()

	for _, q := range queries {
		if _, err := stmt.ExecContext(ctx, q.JobID, q.Zip, q.Page, q.Q, string(queue.QueryQueued)); err != nil {
			return &ErrUnavailable{Op: "create_job.insert_query", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &ErrUnavailable{Op: "create_job.commit", Err: err}
	}
	return nil
}

// ClaimBatch uses a CTE with SELECT ... FOR UPDATE SKIP LOCKED so
// concurrent executors never see the same row twice.
func (p *Postgres) ClaimBatch(ctx context.Context, jobID string, batchSize int, claimID string) ([]queue.Query, error) {
	rows, err := p.db.QueryContext(ctx, `
		WITH claimed AS (
			SELECT zip, page
			FROM queries
			WHERE job_id = $1 AND status = 'queued'
			ORDER BY zip ASC, page ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		UPDATE queries q
		SET status = 'processing', claim_id = $3, claimed_at = now()
		FROM claimed c
		WHERE q.job_id = $1 AND q.zip = c.zip AND q.page = c.page
		RETURNING q.job_id, q.zip, q.page, q.q, q.status, q.claim_id, q.claimed_at, q.ran_at,
		          q.api_status, q.results_count, q.credits, q.error
	`, jobID, batchSize, claimID)
	if err != nil {
		return nil, &ErrUnavailable{Op: "claim_batch", Err: err}
	}
	defer rows.Close()

	var out []queue.Query
	for rows.Next() {
		var q queue.Query
		var status string
		var claimIDCol sql.NullString
		var claimedAt, ranAt sql.NullTime
		var errText sql.NullString
		if err := rows.Scan(&q.JobID, &q.Zip, &q.Page, &q.Q, &status, &claimIDCol, &claimedAt, &ranAt,
			&q.APIStatus, &q.ResultsCount, &q.Credits, &errText); err != nil {
			return nil, &ErrUnavailable{Op: "claim_batch.scan", Err: err}
		}
		q.Status = queue.QueryStatus(status)
		if claimIDCol.Valid {
			v := claimIDCol.String
			q.ClaimID = &v
		}
		if claimedAt.Valid {
			v := claimedAt.Time
			q.ClaimedAt = &v
		}
		if ranAt.Valid {
			v := ranAt.Time
			q.RanAt = &v
		}
		q.Error = errText.String
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, &ErrUnavailable{Op: "claim_batch.rows", Err: err}
	}
	return out, nil
}

func (p *Postgres) UpsertPlaces(ctx context.Context, places []queue.Place) (int, error) {
	if len(places) == 0 {
		return 0, nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &ErrUnavailable{Op: "upsert_places.begin", Err: err}
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO places (job_id, place_uid, payload, payload_raw, keyword, state, zip, page,
		                     api_status, api_ms, results_count, credits, ingest_ts, source, source_ver, ingest_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (job_id, place_uid) DO NOTHING
	`)
	if err != nil {
		return 0, &ErrUnavailable{Op: "upsert_places.prepare", Err: err}
	}
	defer stmt.Close()

	inserted := 0
	for _, pl := range places {
		var payload interface{}
		if pl.Payload != nil {
			payload = json.RawMessage(pl.Payload)
		}
		res, err := stmt.ExecContext(ctx, pl.JobID, pl.PlaceUID, payload, pl.PayloadRaw, pl.Keyword, pl.State,
			pl.Zip, pl.Page, pl.APIStatus, pl.APIMs, pl.ResultsCount, pl.Credits, pl.IngestTS, pl.Source, pl.SourceVer, pl.IngestID)
		if err != nil {
			return inserted, &ErrUnavailable{Op: "upsert_places.exec", Err: err}
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return inserted, &ErrUnavailable{Op: "upsert_places.commit", Err: err}
	}
	return inserted, nil
}

func (p *Postgres) MarkQueryResults(ctx context.Context, results []QueryResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return &ErrUnavailable{Op: "mark_query_results.begin", Err: err}
	}
	defer tx.Rollback()

	// claim_id = $9 is required alongside status = 'processing' (spec
	// §4.3): without it, a worker whose claim expired and was reclaimed
	// by the stuck-claim reaper — and re-claimed by another worker under
	// a new claim_id — could overwrite that worker's in-flight row with
	// its own stale write-back.
	stmt, err := tx.PrepareContext(ctx, `
		UPDATE queries
		SET status = $4, ran_at = now(), api_status = $5, results_count = $6, credits = $7, error = $8,
		    claim_id = NULL
		WHERE job_id = $1 AND zip = $2 AND page = $3 AND status = 'processing' AND claim_id = $9
	`)
	if err != nil {
		return &ErrUnavailable{Op: "mark_query_results.prepare", Err: err}
	}
	defer stmt.Close()

	for _, r := range results {
		res, err := stmt.ExecContext(ctx, r.JobID, r.Zip, r.Page, string(r.Status), r.APIStatus, r.ResultsCount, r.Credits, r.Error, r.ClaimID)
		if err != nil {
			return &ErrUnavailable{Op: "mark_query_results.exec", Err: err}
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return &ErrInvariantViolation{Detail: fmt.Sprintf("mark_query_results: %s/%s/%d was not in processing", r.JobID, r.Zip, r.Page)}
		}
	}
	if err := tx.Commit(); err != nil {
		return &ErrUnavailable{Op: "mark_query_results.commit", Err: err}
	}
	return nil
}

func (p *Postgres) RequeueQuery(ctx context.Context, jobID, zip string, page int) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE queries SET status = 'queued', claim_id = NULL, claimed_at = NULL
		WHERE job_id = $1 AND zip = $2 AND page = $3
	`, jobID, zip, page)
	if err != nil {
		return &ErrUnavailable{Op: "requeue_query", Err: err}
	}
	return nil
}

func (p *Postgres) SkipRemainingPages(ctx context.Context, jobID, zip string, fromPage int) (int64, error) {
	// Only queued rows are eligible (spec §4.3, testable property 7): a
	// row a sibling worker currently holds processing must be left for
	// that worker's own MarkQueryResults write-back, not stolen here.
	res, err := p.db.ExecContext(ctx, `
		UPDATE queries
		SET status = 'skipped', claim_id = NULL
		WHERE job_id = $1 AND zip = $2 AND page > $3 AND status = 'queued'
	`, jobID, zip, fromPage)
	if err != nil {
		return 0, &ErrUnavailable{Op: "skip_remaining_pages", Err: err}
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (p *Postgres) RecoverStuckClaims(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE queries
		SET status = 'queued', claim_id = NULL, claimed_at = NULL
		WHERE status = 'processing' AND claimed_at < now() - $1::interval
	`, fmt.Sprintf("%d seconds", int64(olderThan.Seconds())))
	if err != nil {
		return 0, &ErrUnavailable{Op: "recover_stuck_claims", Err: err}
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (p *Postgres) UpdateJobStats(ctx context.Context, jobID string) (queue.Totals, error) {
	var tot queue.Totals
	row := p.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE true) AS queries,
			COUNT(*) FILTER (WHERE status = 'success') AS successes,
			COUNT(*) FILTER (WHERE status = 'failed') AS failures,
			COUNT(*) FILTER (WHERE status = 'skipped') AS skipped,
			COALESCE(SUM(credits), 0) AS credits
		FROM queries WHERE job_id = $1
	`, jobID)
	if err := row.Scan(&tot.Queries, &tot.Successes, &tot.Failures, &tot.Skipped, &tot.Credits); err != nil {
		return tot, &ErrUnavailable{Op: "update_job_stats.queries", Err: err}
	}

	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT zip) FROM queries WHERE job_id = $1`, jobID).Scan(&tot.Zips); err != nil {
		return tot, &ErrUnavailable{Op: "update_job_stats.zips", Err: err}
	}
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM places WHERE job_id = $1`, jobID).Scan(&tot.Places); err != nil {
		return tot, &ErrUnavailable{Op: "update_job_stats.places", Err: err}
	}

	return tot, nil
}

// MarkJobDone sets status=done, but only if the completion predicate of
// spec §4.7 actually holds: no query row for this job is still queued or
// processing. This re-check is what keeps it safe to call speculatively
// right after a process_batch call that claimed nothing — if a sibling
// worker has rows in flight for the same job, this is a no-op.
func (p *Postgres) MarkJobDone(ctx context.Context, jobID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'done', finished_at = now()
		WHERE id = $1 AND status != 'done'
		AND NOT EXISTS (
			SELECT 1 FROM queries
			WHERE job_id = $1 AND status IN ('queued', 'processing')
		)
	`, jobID)
	if err != nil {
		return &ErrUnavailable{Op: "mark_job_done", Err: err}
	}
	return nil
}

func (p *Postgres) GetJob(ctx context.Context, jobID string) (queue.Job, error) {
	var job queue.Job
	var status string
	var startedAt, finishedAt sql.NullTime
	row := p.db.QueryRowContext(ctx, `
		SELECT id, keyword, state, pages, batch_size, concurrency, dry_run, status, created_at, started_at, finished_at
		FROM jobs WHERE id = $1
	`, jobID)
	if err := row.Scan(&job.ID, &job.Keyword, &job.State, &job.Pages, &job.BatchSize, &job.Concurrency,
		&job.DryRun, &status, &job.CreatedAt, &startedAt, &finishedAt); err != nil {
		if err == sql.ErrNoRows {
			return queue.Job{}, ErrJobNotFound
		}
		return queue.Job{}, &ErrUnavailable{Op: "get_job", Err: err}
	}
	job.Status = queue.JobStatus(status)
	if startedAt.Valid {
		v := startedAt.Time
		job.StartedAt = &v
	}
	if finishedAt.Valid {
		v := finishedAt.Time
		job.FinishedAt = &v
	}
	tot, err := p.UpdateJobStats(ctx, jobID)
	if err != nil {
		return job, err
	}
	job.Totals = tot
	return job, nil
}

func (p *Postgres) ListRunningJobIDs(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM jobs WHERE status = 'running' ORDER BY created_at ASC`)
	if err != nil {
		return nil, &ErrUnavailable{Op: "list_running_job_ids", Err: err}
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &ErrUnavailable{Op: "list_running_job_ids.scan", Err: err}
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *Postgres) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queries GROUP BY status`)
	if err != nil {
		return nil, &ErrUnavailable{Op: "count_by_status", Err: err}
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, &ErrUnavailable{Op: "count_by_status.scan", Err: err}
		}
		out[status] = n
	}
	return out, rows.Err()
}

// SpendSince sums credits across queries belonging to jobs created on or
// after since, per spec §4.8's "jobs with created_at on current date"
// definition of spent_today (not queries that merely ran today — a job
// created yesterday and still draining today is not part of today's
// spend).
func (p *Postgres) SpendSince(ctx context.Context, since time.Time) (int64, error) {
	var credits int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(q.credits), 0)
		FROM queries q
		JOIN jobs j ON j.id = q.job_id
		WHERE j.created_at >= $1
	`, since).Scan(&credits)
	if err != nil {
		return 0, &ErrUnavailable{Op: "spend_since", Err: err}
	}
	return credits, nil
}

// Schema is the DDL the queries in this file assume. Migrations apply it;
// integration tests use it directly against a throwaway container.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id           text PRIMARY KEY,
	keyword      text NOT NULL,
	state        text NOT NULL,
	pages        int NOT NULL,
	batch_size   int NOT NULL,
	concurrency  int NOT NULL,
	dry_run      boolean NOT NULL DEFAULT false,
	status       text NOT NULL,
	created_at   timestamptz NOT NULL,
	started_at   timestamptz,
	finished_at  timestamptz
);

CREATE TABLE IF NOT EXISTS queries (
	job_id        text NOT NULL REFERENCES jobs(id),
	zip           text NOT NULL,
	page          int NOT NULL,
	q             text NOT NULL,
	status        text NOT NULL,
	claim_id      text,
	claimed_at    timestamptz,
	ran_at        timestamptz,
	api_status    int NOT NULL DEFAULT 0,
	results_count int NOT NULL DEFAULT 0,
	credits       bigint NOT NULL DEFAULT 0,
	error         text NOT NULL DEFAULT '',
	PRIMARY KEY (job_id, zip, page)
);

CREATE TABLE IF NOT EXISTS places (
	job_id        text NOT NULL REFERENCES jobs(id),
	place_uid     text NOT NULL,
	payload       jsonb,
	payload_raw   text NOT NULL,
	keyword       text NOT NULL,
	state         text NOT NULL,
	zip           text NOT NULL,
	page          int NOT NULL,
	api_status    int NOT NULL,
	api_ms        bigint NOT NULL,
	results_count int NOT NULL,
	credits       bigint NOT NULL,
	ingest_ts     timestamptz NOT NULL,
	source        text NOT NULL,
	source_ver    text NOT NULL,
	ingest_id     text NOT NULL,
	PRIMARY KEY (job_id, place_uid)
);
`
