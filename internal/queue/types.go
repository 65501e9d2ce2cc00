// Copyright 2025 James Ross
// Package queue defines the domain types shared by the storage adapter,
// the query expander, and the batch executor: jobs, queries, and places.
package queue

import "time"

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
)

// QueryStatus is the lifecycle state of a single (zip, page) Query row.
type QueryStatus string

const (
	QueryQueued     QueryStatus = "queued"
	QueryProcessing QueryStatus = "processing"
	QuerySuccess    QueryStatus = "success"
	QueryFailed     QueryStatus = "failed"
	QuerySkipped    QueryStatus = "skipped"
)

// Terminal reports whether a query in this status can never be claimed
// or transitioned again (except by the stuck-claim reaper restoring a
// processing row back to queued, which is not a terminal transition).
func (s QueryStatus) Terminal() bool {
	switch s {
	case QuerySuccess, QueryFailed, QuerySkipped:
		return true
	default:
		return false
	}
}

// Job is the immutable identification plus mutable lifecycle/rollup of a
// client-requested scrape over one (keyword, state) at a given page depth.
type Job struct {
	ID          string
	Keyword     string
	State       string
	Pages       int
	BatchSize   int
	Concurrency int
	DryRun      bool
	Status      JobStatus
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	Totals      Totals
}

// Totals is a Job's rollup, recomputed from the authoritative Query table
// by Job Lifecycle's update_job_stats. Skipped is tracked as an explicit
// fourth bucket rather than folded into Successes/Failures (see DESIGN.md
// for why). Done counts it as one of the terminal buckets.
type Totals struct {
	Zips       int
	Queries    int
	Successes  int
	Failures   int
	Skipped    int
	Places     int
	Credits    int64
}

// Done reports the spec §4.7 completion predicate.
func (t Totals) Done() bool {
	return t.Successes+t.Failures+t.Skipped == t.Queries
}

// Query is one (zip, page) unit of work for a Job — the atom of the queue.
type Query struct {
	JobID         string
	Zip           string
	Page          int
	Q             string
	Status        QueryStatus
	ClaimID       *string
	ClaimedAt     *time.Time
	RanAt         *time.Time
	APIStatus     int
	ResultsCount  int
	Credits       int64
	Error         string
}

// Place is one distinct search result belonging to a Job, unique by
// (JobID, PlaceUID).
type Place struct {
	JobID        string
	PlaceUID     string
	Payload      []byte // parsed JSON payload; nil if parsing failed
	PayloadRaw   string // raw response text; always present
	Keyword      string
	State        string
	Zip          string
	Page         int
	APIStatus    int
	APIMs        int64
	ResultsCount int
	Credits      int64
	IngestTS     time.Time
	Source       string
	SourceVer    string
	IngestID     string
}
