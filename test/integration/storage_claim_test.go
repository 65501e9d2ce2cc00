//go:build integration_tests

// Copyright 2025 James Ross
package integration

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/scraper-job-queue/searchjobs/internal/queue"
	"github.com/scraper-job-queue/searchjobs/internal/storage"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("searchjobs"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(storage.Schema)
	require.NoError(t, err)

	return connStr
}

// TestClaimBatchIsDisjointAcrossConcurrentExecutors claims the same job's
// queries with many concurrent callers and asserts no (zip,page) pair is
// ever returned twice.
func TestClaimBatchIsDisjointAcrossConcurrentExecutors(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}
	connStr := startPostgres(t)
	st, err := storage.Open(connStr, 20, 5, 30*time.Minute)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	const zips, pages = 20, 5
	job := queue.Job{ID: "job-disjoint", Keyword: "plumber", State: "TX", Pages: pages, BatchSize: 7, Concurrency: 8, Status: queue.JobRunning, CreatedAt: time.Now()}
	var queries []queue.Query
	for z := 0; z < zips; z++ {
		for p := 1; p <= pages; p++ {
			queries = append(queries, queue.Query{JobID: job.ID, Zip: fmt.Sprintf("%05d", 75000+z), Page: p, Q: "plumber"})
		}
	}
	require.NoError(t, st.CreateJob(ctx, job, queries))

	seen := sync.Map{}
	var dupes int32
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				batch, err := st.ClaimBatch(ctx, job.ID, 7, fmt.Sprintf("claim-%d", worker))
				require.NoError(t, err)
				if len(batch) == 0 {
					return
				}
				for _, q := range batch {
					key := q.Zip + "/" + fmt.Sprint(q.Page)
					if _, loaded := seen.LoadOrStore(key, worker); loaded {
						dupes++
					}
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, int32(0), dupes, "no query should be claimed by more than one worker")

	counted := 0
	seen.Range(func(_, _ interface{}) bool { counted++; return true })
	assert.Equal(t, zips*pages, counted, "every query should have been claimed exactly once")
}

// TestUpsertPlacesIsIdempotent re-runs the same upsert twice and asserts the
// second call inserts zero new rows.
func TestUpsertPlacesIsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}
	connStr := startPostgres(t)
	st, err := storage.Open(connStr, 20, 5, 30*time.Minute)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	job := queue.Job{ID: "job-places", Keyword: "plumber", State: "TX", Pages: 1, BatchSize: 10, Concurrency: 1, Status: queue.JobRunning, CreatedAt: time.Now()}
	require.NoError(t, st.CreateJob(ctx, job, []queue.Query{{JobID: job.ID, Zip: "75001", Page: 1, Q: "plumber"}}))

	places := []queue.Place{
		{JobID: job.ID, PlaceUID: "place-a", PayloadRaw: "{}", Keyword: "plumber", State: "TX", Zip: "75001", Page: 1, IngestTS: time.Now(), Source: "serper", IngestID: "ingest-1"},
	}

	n1, err := st.UpsertPlaces(ctx, places)
	require.NoError(t, err)
	assert.Equal(t, 1, n1)

	n2, err := st.UpsertPlaces(ctx, places)
	require.NoError(t, err)
	assert.Equal(t, 0, n2, "re-upserting the same place_uid must insert nothing")
}
