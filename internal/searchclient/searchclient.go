// Copyright 2025 James Ross
// Package searchclient is the Search Client Adapter: a strongly typed
// wrapper over the external search API with retry/backoff, error
// classification, and circuit-breaker protection.
package searchclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/scraper-job-queue/searchjobs/internal/breaker"
	"github.com/scraper-job-queue/searchjobs/internal/config"
	"github.com/scraper-job-queue/searchjobs/internal/obs"
	"go.uber.org/zap"
)

// ErrSearchTransient marks a retryable failure class: network timeout,
// connection error, HTTP 5xx, HTTP 429.
type ErrSearchTransient struct {
	APIStatus int
	Err       error
}

func (e *ErrSearchTransient) Error() string {
	return fmt.Sprintf("searchclient: transient failure (status=%d): %v", e.APIStatus, e.Err)
}
func (e *ErrSearchTransient) Unwrap() error { return e.Err }

// ErrSearchPermanent marks a non-retryable failure: HTTP 4xx other than
// 429, or a non-JSON response body.
type ErrSearchPermanent struct {
	APIStatus int
	Err       error
}

func (e *ErrSearchPermanent) Error() string {
	return fmt.Sprintf("searchclient: permanent failure (status=%d): %v", e.APIStatus, e.Err)
}
func (e *ErrSearchPermanent) Unwrap() error { return e.Err }

// Place is one raw search result as returned by the wire contract, before
// it is turned into a queue.Place row.
type Place struct {
	PlaceUID   string
	PayloadRaw string
	Payload    []byte // nil if the record did not parse as structured JSON
}

// Result is the outcome of one search(q, page) call.
type Result struct {
	Places    []Place
	Credits   int64
	APIStatus int
	ElapsedMs int64
}

// Client is the Search Client Adapter.
type Client struct {
	cfg  *config.Config
	http *http.Client
	cb   *breaker.CircuitBreaker
	log  *zap.Logger
}

// New constructs a Client, wiring a circuit breaker over outbound calls
// the same way the teacher's worker wires one over job processing.
func New(cfg *config.Config, log *zap.Logger) *Client {
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod,
		cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.SearchAPI.TimeoutSeconds},
		cb:   cb,
		log:  log,
	}
}

type wireRequest struct {
	Q    string `json:"q"`
	Page int    `json:"page"`
	Num  int    `json:"num"`
}

type wirePlace struct {
	PlaceID string `json:"placeId"`
	CID     string `json:"cid"`
}

type wireResponse struct {
	Places  []json.RawMessage `json:"places"`
	Credits int64             `json:"credits"`
}

// Search calls the external search API (or returns synthetic results in
// mock mode), retrying transient failures with exponential backoff and
// respecting a per-request timeout and circuit breaker.
func (c *Client) Search(ctx context.Context, q string, page int) (Result, error) {
	if c.cfg.SearchAPI.UseMockAPI {
		return c.mockSearch(q, page), nil
	}

	var lastErr error
	maxRetries := c.cfg.SearchAPI.MaxRetries
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if !c.cb.Allow() {
			return Result{}, &ErrSearchTransient{Err: fmt.Errorf("circuit breaker open")}
		}

		start := time.Now()
		res, err := c.doRequest(ctx, q, page)
		elapsed := time.Since(start)

		if err == nil {
			c.cb.Record(true)
			res.ElapsedMs = elapsed.Milliseconds()
			return res, nil
		}

		var transient *ErrSearchTransient
		if !asTransient(err, &transient) {
			c.cb.Record(false)
			return Result{}, err // permanent, no retry
		}
		c.cb.Record(false)
		lastErr = err

		if attempt == maxRetries {
			break
		}
		obs.AddEvent(ctx, "search.retrying",
			obs.KeyValue("query", q),
			obs.KeyValue("page", page),
			obs.KeyValue("attempt", attempt+1),
		)
		delay := backoff(attempt+1, c.cfg.Backoff.Base, c.cfg.Backoff.Max)
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	return Result{}, lastErr
}

func asTransient(err error, out **ErrSearchTransient) bool {
	if t, ok := err.(*ErrSearchTransient); ok {
		*out = t
		return true
	}
	return false
}

func (c *Client) doRequest(ctx context.Context, q string, page int) (Result, error) {
	body, err := json.Marshal(wireRequest{Q: q, Page: page, Num: 20})
	if err != nil {
		return Result{}, &ErrSearchPermanent{Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.SearchAPI.BaseURL+"/places", bytes.NewReader(body))
	if err != nil {
		return Result{}, &ErrSearchPermanent{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", c.cfg.SearchAPI.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, &ErrSearchTransient{Err: fmt.Errorf("timeout: %w", err)}
		}
		return Result{}, &ErrSearchTransient{Err: fmt.Errorf("connection error: %w", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, &ErrSearchTransient{APIStatus: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Result{}, &ErrSearchTransient{APIStatus: resp.StatusCode, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return Result{}, &ErrSearchPermanent{APIStatus: resp.StatusCode, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var wire wireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Result{}, &ErrSearchPermanent{APIStatus: resp.StatusCode, Err: fmt.Errorf("non-JSON body: %w", err)}
	}

	places := make([]Place, 0, len(wire.Places))
	for _, rawPlace := range wire.Places {
		var wp wirePlace
		var parsed bool
		if err := json.Unmarshal(rawPlace, &wp); err == nil {
			parsed = true
		}
		uid := wp.PlaceID
		if uid == "" {
			uid = wp.CID
		}
		if uid == "" {
			continue // dropped: no place_uid, not synthesized
		}
		p := Place{PlaceUID: uid, PayloadRaw: string(rawPlace)}
		if parsed {
			p.Payload = []byte(rawPlace)
		}
		places = append(places, p)
	}

	return Result{Places: places, Credits: wire.Credits, APIStatus: resp.StatusCode}, nil
}

// Ping reports whether the search API is reachable, for health-check. In
// mock mode it always succeeds; otherwise it issues a lightweight HEAD
// request against the configured base URL without consuming a retry
// budget or tripping the circuit breaker.
func (c *Client) Ping(ctx context.Context) error {
	if c.cfg.SearchAPI.UseMockAPI {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.cfg.SearchAPI.BaseURL, nil)
	if err != nil {
		return fmt.Errorf("searchclient: build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("searchclient: unreachable: %w", err)
	}
	defer resp.Body.Close()
	return nil
}

// mockSearch returns deterministic synthetic results for offline testing:
// 5 places on page 1, none on subsequent pages, matching the S1/S2
// scenario shapes.
func (c *Client) mockSearch(q string, page int) Result {
	if page != 1 {
		return Result{APIStatus: 200, Credits: 1, ElapsedMs: 1}
	}
	places := make([]Place, 0, 5)
	for i := 0; i < 5; i++ {
		uid := fmt.Sprintf("mock-%s-p%d-%d", q, page, i)
		payload := fmt.Sprintf(`{"placeId":%q,"name":"mock place %d"}`, uid, i)
		places = append(places, Place{PlaceUID: uid, PayloadRaw: payload, Payload: []byte(payload)})
	}
	return Result{Places: places, Credits: 1, APIStatus: 200, ElapsedMs: 1}
}

// backoff mirrors the teacher's base x 2^attempt scheme, clamped to max.
func backoff(attempt int, base, max time.Duration) time.Duration {
	d := time.Duration(1<<uint(attempt-1)) * base
	if d > max || d < 0 {
		return max
	}
	return d
}
