// Copyright 2025 James Ross
package obs

import (
    "fmt"
    "net/http"

    "github.com/scraper-job-queue/searchjobs/internal/config"
    "github.com/prometheus/client_golang/prometheus"
    promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
    QueriesClaimed = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "searchjobs_queries_claimed_total",
        Help: "Total number of queries claimed off the queue",
    })
    QueriesSucceeded = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "searchjobs_queries_succeeded_total",
        Help: "Total number of queries that completed successfully",
    })
    QueriesFailed = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "searchjobs_queries_failed_total",
        Help: "Total number of queries that exhausted retries and failed",
    })
    QueriesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "searchjobs_queries_skipped_total",
        Help: "Total number of queries skipped by early-exit scheduling",
    })
    PlacesUpserted = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "searchjobs_places_upserted_total",
        Help: "Total number of place rows upserted",
    })
    BatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
        Name:    "searchjobs_batch_duration_seconds",
        Help:    "Histogram of batch-executor durations",
        Buckets: prometheus.DefBuckets,
    })
    QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Name: "searchjobs_queue_depth",
        Help: "Current count of queries by status",
    }, []string{"status"})
    CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "searchjobs_circuit_breaker_state",
        Help: "0 Closed, 1 HalfOpen, 2 Open",
    })
    CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "searchjobs_circuit_breaker_trips_total",
        Help: "Count of times the circuit breaker transitioned to Open",
    })
    ReaperRecovered = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "searchjobs_reaper_recovered_total",
        Help: "Total number of stuck claims reclaimed by the reaper",
    })
    BatchCredits = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "searchjobs_batch_credits_total",
        Help: "Total search-API credits consumed across all batches",
    })
    BudgetBlocked = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "searchjobs_budget_blocked_total",
        Help: "Total number of job creations rejected by the budget guard",
    })
    CoordinatorActiveJobs = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "searchjobs_coordinator_active_jobs",
        Help: "Number of jobs currently being processed by the coordinator",
    })
)

func init() {
    prometheus.MustRegister(
        QueriesClaimed, QueriesSucceeded, QueriesFailed, QueriesSkipped,
        PlacesUpserted, BatchDuration, QueueDepth,
        CircuitBreakerState, CircuitBreakerTrips, ReaperRecovered,
        BatchCredits, BudgetBlocked, CoordinatorActiveJobs,
    )
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// StartMetricsServer is retained for compatibility but consider using StartHTTPServer
// which also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
    mux := http.NewServeMux()
    mux.Handle("/metrics", promhttp.Handler())
    srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
    go func() { _ = srv.ListenAndServe() }()
    return srv
}
