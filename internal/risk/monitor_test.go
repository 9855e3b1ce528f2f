package risk

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfolio/advisor-backend/internal/audit"
	"github.com/quantfolio/advisor-backend/internal/lifecycle"
	"github.com/quantfolio/advisor-backend/internal/store"
	"github.com/quantfolio/advisor-backend/pkg/types"
)

func newTestMonitor(st *store.MemoryStore) *Monitor {
	lc := lifecycle.NewService(zap.NewNop(), lifecycle.DefaultConfig(), st, audit.Nop())
	return NewMonitor(zap.NewNop(), DefaultLimits(), st, st, lc, audit.Nop())
}

func activeDeployment(t *testing.T, st *store.MemoryStore, id string) *types.Deployment {
	t.Helper()
	now := time.Now().UTC()
	dep := &types.Deployment{
		ID:                 id,
		StrategyConfigID:   "strat-" + id,
		Status:             types.DeploymentStatusActive,
		MaxDrawdownLimit:   0.20,
		DailyLossLimit:     0.05,
		BacktestVolatility: 0.50,
		BacktestSharpe:     1.5,
		LiveSharpeRatio:    1.2,
		ActivatedAt:        &now,
	}
	if err := st.Insert(context.Background(), dep); err != nil {
		t.Fatalf("seeding deployment: %v", err)
	}
	return dep
}

// seedDays writes one metric per day, oldest first, ending yesterday.
// Positive pnl values are winning days, negative losing days.
func seedDays(t *testing.T, st *store.MemoryStore, depID string, pnls []float64, volatility float64) {
	t.Helper()
	for i, pnl := range pnls {
		d := decimal.NewFromFloat(pnl)
		m := &types.PerformanceMetric{
			ID:           fmt.Sprintf("%s-m%d", depID, i),
			DeploymentID: depID,
			Date:         time.Now().AddDate(0, 0, i-len(pnls)),
			DailyPnl:     d,
			DailyReturn:  pnl / 10000,
			Volatility:   volatility,
		}
		if err := st.Upsert(context.Background(), m); err != nil {
			t.Fatalf("seeding metric: %v", err)
		}
	}
}

func checkByName(t *testing.T, eval *Evaluation, name string) CheckResult {
	t.Helper()
	for _, c := range eval.Checks {
		if c.Check == name {
			return c
		}
	}
	t.Fatalf("no result for check %s", name)
	return CheckResult{}
}

func TestInactiveDeploymentShortCircuits(t *testing.T) {
	st := store.NewMemoryStore()
	dep := activeDeployment(t, st, "d1")
	dep.Status = types.DeploymentStatusPaused
	mon := newTestMonitor(st)

	eval, err := mon.EvaluateDeployment(context.Background(), dep)
	if err != nil {
		t.Fatalf("EvaluateDeployment failed: %v", err)
	}
	if len(eval.Checks) != 0 || eval.Critical || eval.Demoted {
		t.Errorf("inactive deployment must short-circuit: %+v", eval)
	}
}

func TestHealthyDeploymentPasses(t *testing.T) {
	st := store.NewMemoryStore()
	dep := activeDeployment(t, st, "d1")
	seedDays(t, st, "d1", []float64{50, -20, 80, 30, -10, 60}, 0.45)
	mon := newTestMonitor(st)

	eval, err := mon.EvaluateDeployment(context.Background(), dep)
	if err != nil {
		t.Fatalf("EvaluateDeployment failed: %v", err)
	}
	if len(eval.Checks) != 5 {
		t.Fatalf("every check must produce exactly one result, got %d", len(eval.Checks))
	}
	if eval.Critical || eval.Demoted {
		t.Errorf("healthy deployment flagged: %+v", eval)
	}
}

func TestDrawdownBreachDemotes(t *testing.T) {
	st := store.NewMemoryStore()
	dep := activeDeployment(t, st, "d1")
	dep.CurrentDrawdown = -0.31 // limit 0.20, breach at 0.30
	seedDays(t, st, "d1", []float64{50, 60}, 0.45)
	mon := newTestMonitor(st)

	eval, err := mon.EvaluateDeployment(context.Background(), dep)
	if err != nil {
		t.Fatalf("EvaluateDeployment failed: %v", err)
	}
	if !eval.Demoted {
		t.Fatal("drawdown breach must auto-demote")
	}
	if !strings.Contains(eval.DemotionReason, "drawdown-breach") {
		t.Errorf("reason must name the failing check: %q", eval.DemotionReason)
	}
	stored, err := st.Get(context.Background(), "d1")
	if err != nil {
		t.Fatalf("loading deployment: %v", err)
	}
	if stored.Status != types.DeploymentStatusDemoted {
		t.Errorf("deployment should be demoted in the store, got %s", stored.Status)
	}
}

func TestDemotionReasonNamesAllCriticalChecks(t *testing.T) {
	st := store.NewMemoryStore()
	dep := activeDeployment(t, st, "d1")
	dep.CurrentDrawdown = -0.35
	// Latest day loses 6% of a 10k book with spiking volatility.
	pnls := make([]float64, 20)
	for i := range pnls {
		pnls[i] = -40
	}
	pnls[len(pnls)-1] = -600
	seedDays(t, st, "d1", pnls, 1.60)
	mon := newTestMonitor(st)

	eval, err := mon.EvaluateDeployment(context.Background(), dep)
	if err != nil {
		t.Fatalf("EvaluateDeployment failed: %v", err)
	}
	if !eval.Demoted {
		t.Fatal("expected auto-demotion")
	}
	for _, name := range []string{"drawdown-breach", "daily-loss-limit", "consecutive-losses", "volatility-spike"} {
		if !strings.Contains(eval.DemotionReason, name) {
			t.Errorf("reason %q missing check %s", eval.DemotionReason, name)
		}
	}
}

func TestConsecutiveLossStreakCountsTrailingOnly(t *testing.T) {
	st := store.NewMemoryStore()
	dep := activeDeployment(t, st, "d1")
	// Oldest to newest: a mid-series win breaks the early streak; only
	// the trailing two losses count.
	seedDays(t, st, "d1", []float64{10, 10, 10, 10, -5, -5, -5, 10, -5, -5}, 0.45)
	mon := newTestMonitor(st)

	eval, err := mon.EvaluateDeployment(context.Background(), dep)
	if err != nil {
		t.Fatalf("EvaluateDeployment failed: %v", err)
	}
	res := checkByName(t, eval, "consecutive-losses")
	if !res.Passed {
		t.Errorf("streak of 2 should pass: %+v", res)
	}
	if res.Value != "2" {
		t.Errorf("expected trailing streak 2, got %s", res.Value)
	}
}

func TestConsecutiveLossSeverities(t *testing.T) {
	cases := []struct {
		days     int
		passed   bool
		severity Severity
		demoted  bool
	}{
		{9, true, SeverityLow, false},
		{10, false, SeverityHigh, false},
		{15, false, SeverityCritical, true},
	}
	for _, tc := range cases {
		st := store.NewMemoryStore()
		dep := activeDeployment(t, st, "d1")
		pnls := make([]float64, tc.days)
		for i := range pnls {
			pnls[i] = -5
		}
		seedDays(t, st, "d1", pnls, 0.45)
		mon := newTestMonitor(st)

		eval, err := mon.EvaluateDeployment(context.Background(), dep)
		if err != nil {
			t.Fatalf("EvaluateDeployment failed: %v", err)
		}
		res := checkByName(t, eval, "consecutive-losses")
		if res.Passed != tc.passed || res.Severity != tc.severity {
			t.Errorf("%d losing days: got passed=%v severity=%s, want passed=%v severity=%s",
				tc.days, res.Passed, res.Severity, tc.passed, tc.severity)
		}
		if eval.Demoted != tc.demoted {
			t.Errorf("%d losing days: demoted=%v, want %v", tc.days, eval.Demoted, tc.demoted)
		}
	}
}

func TestVolatilitySpikeBoundaries(t *testing.T) {
	cases := []struct {
		vol      float64
		passed   bool
		severity Severity
		demoted  bool
	}{
		{0.39, true, SeverityMedium, false},
		{0.40, false, SeverityHigh, false},
		{0.61, false, SeverityCritical, true},
	}
	for _, tc := range cases {
		st := store.NewMemoryStore()
		dep := activeDeployment(t, st, "d1")
		dep.BacktestVolatility = 0.20
		seedDays(t, st, "d1", []float64{50, 30}, tc.vol)
		mon := newTestMonitor(st)

		eval, err := mon.EvaluateDeployment(context.Background(), dep)
		if err != nil {
			t.Fatalf("EvaluateDeployment failed: %v", err)
		}
		res := checkByName(t, eval, "volatility-spike")
		if res.Passed != tc.passed || res.Severity != tc.severity {
			t.Errorf("vol %.2f: got passed=%v severity=%s, want passed=%v severity=%s",
				tc.vol, res.Passed, res.Severity, tc.passed, tc.severity)
		}
		if eval.Demoted != tc.demoted {
			t.Errorf("vol %.2f: demoted=%v, want %v", tc.vol, eval.Demoted, tc.demoted)
		}
	}
}

func TestVolatilityDefaultExpectation(t *testing.T) {
	st := store.NewMemoryStore()
	dep := activeDeployment(t, st, "d1")
	dep.BacktestVolatility = 0 // falls back to the 50% default
	seedDays(t, st, "d1", []float64{50, 30}, 0.95)
	mon := newTestMonitor(st)

	eval, err := mon.EvaluateDeployment(context.Background(), dep)
	if err != nil {
		t.Fatalf("EvaluateDeployment failed: %v", err)
	}
	res := checkByName(t, eval, "volatility-spike")
	// 0.95 against the 0.50 default is 1.9x: elevated but passing.
	if !res.Passed || res.Severity != SeverityMedium {
		t.Errorf("expected passing medium result against the default expectation: %+v", res)
	}
}

func TestSharpeDegradationNeverDemotes(t *testing.T) {
	st := store.NewMemoryStore()
	dep := activeDeployment(t, st, "d1")
	dep.BacktestSharpe = 2.0
	dep.LiveSharpeRatio = 0.5 // 75% degradation
	seedDays(t, st, "d1", []float64{50, 30}, 0.45)
	mon := newTestMonitor(st)

	eval, err := mon.EvaluateDeployment(context.Background(), dep)
	if err != nil {
		t.Fatalf("EvaluateDeployment failed: %v", err)
	}
	res := checkByName(t, eval, "sharpe-degradation")
	if res.Passed {
		t.Error("75% sharpe degradation should fail the check")
	}
	if res.Severity == SeverityCritical || res.AutoDemote {
		t.Errorf("sharpe degradation is warning-only: %+v", res)
	}
	if eval.Demoted {
		t.Error("sharpe degradation alone must never demote")
	}
}

func TestEvaluateAllSweepsActiveDeployments(t *testing.T) {
	st := store.NewMemoryStore()
	healthy := activeDeployment(t, st, "d1")
	breached := activeDeployment(t, st, "d2")
	breached.CurrentDrawdown = -0.40
	if err := st.Update(context.Background(), breached); err != nil {
		t.Fatalf("updating deployment: %v", err)
	}
	seedDays(t, st, "d1", []float64{50, 30}, 0.45)
	seedDays(t, st, "d2", []float64{50, 30}, 0.45)
	mon := newTestMonitor(st)

	evals, err := mon.EvaluateAll(context.Background())
	if err != nil {
		t.Fatalf("EvaluateAll failed: %v", err)
	}
	if len(evals) != 2 {
		t.Fatalf("expected 2 evaluations, got %d", len(evals))
	}
	byID := map[string]Evaluation{}
	for _, e := range evals {
		byID[e.DeploymentID] = e
	}
	if byID[healthy.ID].Demoted {
		t.Error("healthy deployment must not be demoted")
	}
	if !byID[breached.ID].Demoted {
		t.Error("breached deployment must be demoted")
	}
}
