// Copyright 2025 James Ross
package expander

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scraper-job-queue/searchjobs/internal/queue"
)

type fakeZipLister struct {
	zips map[string][]string
	err  error
}

func (f *fakeZipLister) ZipsForState(state string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.zips[state], nil
}

func TestExpandProducesLexicographicOrder(t *testing.T) {
	lister := &fakeZipLister{zips: map[string][]string{"AZ": {"85003", "85001", "85002"}}}

	queries, err := Expand(lister, "job-1", "bars", "AZ", 2)
	require.NoError(t, err)
	require.Len(t, queries, 6)

	var order []string
	for _, q := range queries {
		order = append(order, q.Zip)
	}
	assert.Equal(t, []string{"85001", "85001", "85002", "85002", "85003", "85003"}, order)
	assert.Equal(t, 1, queries[0].Page)
	assert.Equal(t, 2, queries[1].Page)
	assert.Equal(t, "85001 bars", queries[0].Q)
	assert.Equal(t, queue.QueryQueued, queries[0].Status)
}

func TestExpandIsDeterministicAcrossCalls(t *testing.T) {
	lister := &fakeZipLister{zips: map[string][]string{"AZ": {"85001", "85002"}}}

	a, err := Expand(lister, "job-1", "bars", "AZ", 3)
	require.NoError(t, err)
	b, err := Expand(lister, "job-1", "bars", "AZ", 3)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestExpandRejectsZeroPages(t *testing.T) {
	lister := &fakeZipLister{}
	_, err := Expand(lister, "job-1", "bars", "AZ", 0)
	assert.Error(t, err)
}

func TestExpandPropagatesListerError(t *testing.T) {
	lister := &fakeZipLister{err: errors.New("reference table unavailable")}
	_, err := Expand(lister, "job-1", "bars", "AZ", 1)
	assert.Error(t, err)
}
