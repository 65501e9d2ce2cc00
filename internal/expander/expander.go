// Copyright 2025 James Ross
// Package expander implements the Query Expander: turning a job spec
// into the full set of (zip, page) query rows the queue will persist.
package expander

import (
	"fmt"
	"sort"

	"github.com/scraper-job-queue/searchjobs/internal/queue"
)

// ZipLister is the external zips_for_state(state) collaborator. The spec
// treats it as a read-only reference table owned outside the core; this
// package only depends on the narrow interface.
type ZipLister interface {
	ZipsForState(state string) ([]string, error)
}

// Expand produces the (job_id, zip, page) rows for a job in lexicographic
// (zip, page) order, matching the claim protocol's deterministic ordering.
// It has no side effects; the caller persists the result via storage.
func Expand(lister ZipLister, jobID, keyword, state string, pages int) ([]queue.Query, error) {
	if pages < 1 {
		return nil, fmt.Errorf("expander: pages must be >= 1, got %d", pages)
	}

	zips, err := lister.ZipsForState(state)
	if err != nil {
		return nil, fmt.Errorf("expander: zips_for_state(%s): %w", state, err)
	}
	sorted := append([]string(nil), zips...)
	sort.Strings(sorted)

	queries := make([]queue.Query, 0, len(sorted)*pages)
	for _, zip := range sorted {
		for page := 1; page <= pages; page++ {
			queries = append(queries, queue.Query{
				JobID:  jobID,
				Zip:    zip,
				Page:   page,
				Q:      fmt.Sprintf("%s %s", zip, keyword),
				Status: queue.QueryQueued,
			})
		}
	}
	return queries, nil
}
