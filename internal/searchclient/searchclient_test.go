// Copyright 2025 James Ross
package searchclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scraper-job-queue/searchjobs/internal/config"
)

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		SearchAPI: config.SearchAPI{
			BaseURL:        baseURL,
			MaxRetries:     3,
			TimeoutSeconds: 2 * time.Second,
		},
		Backoff: config.Backoff{Base: 1 * time.Millisecond, Max: 10 * time.Millisecond},
		CircuitBreaker: config.CircuitBreaker{
			FailureThreshold: 0.9,
			Window:           time.Minute,
			CooldownPeriod:   time.Millisecond,
			MinSamples:       1000, // effectively disables tripping in these tests
		},
	}
}

func TestSearchMockModeReturnsDeterministicPlaces(t *testing.T) {
	cfg := testConfig("")
	cfg.SearchAPI.UseMockAPI = true
	c := New(cfg, zap.NewNop())

	res, err := c.Search(context.Background(), "75001 bars", 1)
	require.NoError(t, err)
	assert.Len(t, res.Places, 5)
	assert.Equal(t, int64(1), res.Credits)

	res2, err := c.Search(context.Background(), "75001 bars", 2)
	require.NoError(t, err)
	assert.Empty(t, res2.Places)
}

func TestSearchDropsPlacesWithoutUID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"places":[{"placeId":"p1"},{"cid":"c1"},{"name":"no id"}],"credits":3}`))
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), zap.NewNop())
	res, err := c.Search(context.Background(), "q", 1)
	require.NoError(t, err)
	require.Len(t, res.Places, 2)
	assert.Equal(t, "p1", res.Places[0].PlaceUID)
	assert.Equal(t, "c1", res.Places[1].PlaceUID)
	assert.Equal(t, int64(3), res.Credits)
}

func TestSearchRetriesOn429ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"places":[{"placeId":"p1"}],"credits":1}`))
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), zap.NewNop())
	res, err := c.Search(context.Background(), "q", 1)
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Len(t, res.Places, 1)
}

func TestSearchDoesNotRetryOn4xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), zap.NewNop())
	_, err := c.Search(context.Background(), "q", 1)
	require.Error(t, err)
	var permErr *ErrSearchPermanent
	require.ErrorAs(t, err, &permErr)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSearchExhaustsRetriesOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), zap.NewNop())
	_, err := c.Search(context.Background(), "q", 1)
	require.Error(t, err)
	var transErr *ErrSearchTransient
	require.ErrorAs(t, err, &transErr)
}

func TestPingMockModeAlwaysSucceeds(t *testing.T) {
	cfg := testConfig("")
	cfg.SearchAPI.UseMockAPI = true
	c := New(cfg, zap.NewNop())
	require.NoError(t, c.Ping(context.Background()))
}

func TestPingReachableServerSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), zap.NewNop())
	require.NoError(t, c.Ping(context.Background()))
}

func TestPingUnreachableServerFails(t *testing.T) {
	c := New(testConfig("http://127.0.0.1:1"), zap.NewNop())
	require.Error(t, c.Ping(context.Background()))
}

func TestSearchPermanentOnNonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL), zap.NewNop())
	_, err := c.Search(context.Background(), "q", 1)
	require.Error(t, err)
	var permErr *ErrSearchPermanent
	require.ErrorAs(t, err, &permErr)
}
