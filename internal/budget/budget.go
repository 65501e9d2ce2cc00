// Copyright 2025 James Ross
// Package budget implements the Cost & Budget Guard (component G): a
// creation-time check that estimates a job's worst-case cost and blocks
// it if today's spend plus the estimate would breach the daily ceiling.
package budget

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/scraper-job-queue/searchjobs/internal/config"
	"github.com/scraper-job-queue/searchjobs/internal/obs"
)

// Store is the narrow dependency the guard needs from the storage adapter.
type Store interface {
	SpendSince(ctx context.Context, since time.Time) (int64, error)
}

// Estimate is the worst-case, pre-early-exit cost of a job at the
// requested zip/page fan-out.
type Estimate struct {
	Credits int64
	Cost    float64
}

// Exceeded is returned when a job would breach the hard budget ceiling.
// It carries the numeric facts spec §7 requires in the user-visible
// message: the estimate and the remaining budget.
type Exceeded struct {
	EstimatedCost   float64
	SpentToday      float64
	RemainingBudget float64
	DailyBudgetUSD  float64
}

func (e *Exceeded) Error() string {
	return fmt.Sprintf(
		"budget exceeded: estimated_cost=%.2f spent_today=%.2f remaining_budget=%.2f daily_budget_usd=%.2f",
		e.EstimatedCost, e.SpentToday, e.RemainingBudget, e.DailyBudgetUSD,
	)
}

// Guard enforces the daily budget ceiling at job creation.
type Guard struct {
	cfg   config.Budget
	store Store
	now   func() time.Time
}

func New(cfg config.Budget, store Store) *Guard {
	return &Guard{cfg: cfg, store: store, now: time.Now}
}

// Estimate computes the worst-case credits/cost for a job expanded over
// zips zip codes at pages page depth, pre-early-exit.
func (g *Guard) Estimate(zips, pages int) Estimate {
	credits := int64(zips) * int64(pages)
	return Estimate{Credits: credits, Cost: float64(credits) * g.cfg.CostPerCredit}
}

// Check runs the §4.8 algorithm: compute the estimate, sum today's spend,
// and compare against the soft/hard thresholds. It returns the estimate
// on success (soft breaches are logged, not blocking); it returns
// *Exceeded, wrapped as the error, when the hard ceiling would be
// breached.
func (g *Guard) Check(ctx context.Context, zips, pages int, log *zap.Logger) (Estimate, error) {
	est := g.Estimate(zips, pages)

	dayStart := startOfDay(g.now())
	spentCredits, err := g.store.SpendSince(ctx, dayStart)
	if err != nil {
		return Estimate{}, fmt.Errorf("budget guard: spend lookup: %w", err)
	}
	spentToday := float64(spentCredits) * g.cfg.CostPerCredit

	hardCeiling := g.cfg.DailyBudgetUSD * g.cfg.BudgetHardPct / 100
	softCeiling := g.cfg.DailyBudgetUSD * g.cfg.BudgetSoftPct / 100
	projected := spentToday + est.Cost

	if projected > hardCeiling {
		remaining := hardCeiling - spentToday
		if remaining < 0 {
			remaining = 0
		}
		obs.BudgetBlocked.Inc()
		return est, &Exceeded{
			EstimatedCost:   est.Cost,
			SpentToday:      spentToday,
			RemainingBudget: remaining,
			DailyBudgetUSD:  g.cfg.DailyBudgetUSD,
		}
	}

	if projected > softCeiling {
		log.Warn("budget soft threshold crossed",
			obs.Int("estimated_credits", int(est.Credits)),
		)
	}

	return est, nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
