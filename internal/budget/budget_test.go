// Copyright 2025 James Ross
package budget

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scraper-job-queue/searchjobs/internal/config"
)

type fakeStore struct {
	spentCredits int64
	err          error
	lastSince    time.Time
}

func (f *fakeStore) SpendSince(ctx context.Context, since time.Time) (int64, error) {
	f.lastSince = since
	if f.err != nil {
		return 0, f.err
	}
	return f.spentCredits, nil
}

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestEstimateIsZipsTimesPagesTimesCostPerCredit(t *testing.T) {
	cfg := config.Budget{CostPerCredit: 0.01}
	g := New(cfg, &fakeStore{})
	est := g.Estimate(100, 2)
	assert.Equal(t, int64(200), est.Credits)
	assert.InDelta(t, 2.00, est.Cost, 0.0001)
}

func TestCheckAllowsJobUnderSoftThreshold(t *testing.T) {
	cfg := config.Budget{DailyBudgetUSD: 50, CostPerCredit: 0.01, BudgetSoftPct: 80, BudgetHardPct: 100}
	g := New(cfg, &fakeStore{spentCredits: 0})
	est, err := g.Check(context.Background(), 100, 3, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, int64(300), est.Credits)
}

func TestCheckBlocksJobOverHardCeiling(t *testing.T) {
	// Mirrors spec scenario S5: DAILY_BUDGET_USD=1, COST_PER_CREDIT=0.01,
	// BUDGET_HARD_PCT=100, zips*pages=200 -> estimated_cost=2.00.
	cfg := config.Budget{DailyBudgetUSD: 1, CostPerCredit: 0.01, BudgetSoftPct: 80, BudgetHardPct: 100}
	g := New(cfg, &fakeStore{spentCredits: 10}) // 10 credits already spent today = $0.10
	_, err := g.Check(context.Background(), 100, 2, zap.NewNop())
	require.Error(t, err)

	var exceeded *Exceeded
	require.True(t, errors.As(err, &exceeded))
	assert.InDelta(t, 2.00, exceeded.EstimatedCost, 0.0001)
	assert.Less(t, exceeded.RemainingBudget, 1.00)
}

func TestCheckUsesStartOfCurrentDayForSpendLookup(t *testing.T) {
	now := time.Date(2026, 7, 31, 14, 30, 0, 0, time.UTC)
	cfg := config.Budget{DailyBudgetUSD: 50, CostPerCredit: 0.01, BudgetSoftPct: 80, BudgetHardPct: 100}
	store := &fakeStore{}
	g := New(cfg, store)
	g.now = fixedNow(now)

	_, err := g.Check(context.Background(), 10, 1, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC), store.lastSince)
}

func TestCheckPropagatesSpendLookupError(t *testing.T) {
	cfg := config.Budget{DailyBudgetUSD: 50, CostPerCredit: 0.01, BudgetSoftPct: 80, BudgetHardPct: 100}
	g := New(cfg, &fakeStore{err: errors.New("storage unavailable")})
	_, err := g.Check(context.Background(), 10, 1, zap.NewNop())
	require.Error(t, err)
	var exceeded *Exceeded
	assert.False(t, errors.As(err, &exceeded))
}
