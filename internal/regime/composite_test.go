package regime

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/quantfolio/advisor-backend/internal/audit"
	"github.com/quantfolio/advisor-backend/internal/cache"
	"github.com/quantfolio/advisor-backend/internal/volatility"
	"github.com/quantfolio/advisor-backend/pkg/types"
)

type stubMarket struct {
	bars []volatility.Bar
	err  error
}

func (m *stubMarket) GetDailyBars(_ context.Context, _ string, _ int) ([]volatility.Bar, error) {
	return m.bars, m.err
}

func flatBars(n int, close float64) []volatility.Bar {
	bars := make([]volatility.Bar, n)
	for i := range bars {
		bars[i] = volatility.Bar{High: close * 1.01, Low: close * 0.99, Close: close}
	}
	return bars
}

// trendingBars produces n bars drifting from start to end with mild noise
// so volatility stays in a normal range.
func trendingBars(n int, start, end float64) []volatility.Bar {
	bars := make([]volatility.Bar, n)
	step := (end - start) / float64(n-1)
	for i := range bars {
		c := start + step*float64(i)
		if i%2 == 0 {
			c *= 1.005
		} else {
			c *= 0.995
		}
		bars[i] = volatility.Bar{High: c * 1.01, Low: c * 0.99, Close: c}
	}
	return bars
}

func newTestService(t *testing.T, market MarketData, c cache.Cache) *Service {
	t.Helper()
	logger := zap.NewNop()
	if c == nil {
		c = cache.NewMemory()
	}
	vol := volatility.NewCalculator(logger, volatility.DefaultConfig())
	return NewService(logger, DefaultConfig(), market, vol, c, audit.Nop())
}

func TestClassifyTruthTable(t *testing.T) {
	cases := []struct {
		vol   types.VolatilityRegime
		trend bool
		want  types.CompositeRegime
	}{
		{types.VolRegimeLow, true, types.RegimeBull},
		{types.VolRegimeNormal, true, types.RegimeBull},
		{types.VolRegimeHigh, true, types.RegimeNeutral},
		{types.VolRegimeExtreme, true, types.RegimeNeutral},
		{types.VolRegimeLow, false, types.RegimeBear},
		{types.VolRegimeNormal, false, types.RegimeBear},
		{types.VolRegimeHigh, false, types.RegimeBear},
		{types.VolRegimeExtreme, false, types.RegimeExtreme},
	}
	for _, tc := range cases {
		got := Classify(tc.vol, tc.trend)
		if got != tc.want {
			t.Errorf("Classify(%s, %v) = %s, want %s", tc.vol, tc.trend, got, tc.want)
		}
	}
}

func TestRefreshUptrendYieldsBull(t *testing.T) {
	market := &stubMarket{bars: trendingBars(365, 100, 200)}
	svc := newTestService(t, market, nil)

	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	snap := svc.GetSnapshot()
	if snap == nil {
		t.Fatal("expected snapshot after refresh")
	}
	if !snap.TrendAboveSma {
		t.Errorf("expected price above sma in an uptrend, sma=%f price=%f", snap.Sma200Value, snap.BtcPrice)
	}
	if snap.Regime != types.RegimeBull {
		t.Errorf("expected BULL in a calm uptrend, got %s", snap.Regime)
	}
}

func TestRefreshDowntrendYieldsBear(t *testing.T) {
	market := &stubMarket{bars: trendingBars(365, 200, 100)}
	svc := newTestService(t, market, nil)

	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	snap := svc.GetSnapshot()
	if snap.TrendAboveSma {
		t.Error("expected price below sma in a downtrend")
	}
	if snap.Regime != types.RegimeBear {
		t.Errorf("expected BEAR in a calm downtrend, got %s", snap.Regime)
	}
}

func TestRefreshInsufficientHistoryKeepsPrevious(t *testing.T) {
	market := &stubMarket{bars: trendingBars(365, 100, 200)}
	svc := newTestService(t, market, nil)
	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("seed refresh failed: %v", err)
	}
	before := svc.GetSnapshot()

	market.bars = flatBars(50, 100)
	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("short-history refresh should not error: %v", err)
	}
	if svc.GetSnapshot() != before {
		t.Error("expected previous snapshot to be retained with insufficient history")
	}
}

func TestRefreshFetchErrorPropagates(t *testing.T) {
	market := &stubMarket{err: errors.New("upstream down")}
	svc := newTestService(t, market, nil)
	if err := svc.Refresh(context.Background()); err == nil {
		t.Fatal("expected fetch error to propagate")
	}
}

func TestInitSwallowsFirstRefreshFailure(t *testing.T) {
	market := &stubMarket{err: errors.New("upstream down")}
	svc := newTestService(t, market, nil)

	svc.Init(context.Background())

	snap := svc.GetSnapshot()
	if snap == nil {
		t.Fatal("expected fallback snapshot when first refresh fails")
	}
	if snap.Regime != types.RegimeNeutral || snap.VolatilityRegime != types.VolRegimeNormal || !snap.TrendAboveSma {
		t.Errorf("unexpected fallback snapshot: %+v", snap)
	}
}

func TestGetCompositeRegimeDefaultsNeutral(t *testing.T) {
	svc := newTestService(t, &stubMarket{}, nil)
	if got := svc.GetCompositeRegime(); got != types.RegimeNeutral {
		t.Errorf("expected NEUTRAL before any refresh, got %s", got)
	}
}

func TestOverrideSurvivesRestart(t *testing.T) {
	shared := cache.NewMemory()

	first := newTestService(t, &stubMarket{bars: trendingBars(365, 100, 200)}, shared)
	if err := first.EnableOverride("ops-1", "exchange maintenance", true); err != nil {
		t.Fatalf("EnableOverride failed: %v", err)
	}
	if !first.IsOverrideActive() {
		t.Fatal("override should be active after enable")
	}

	// A new service over the same cache simulates a process restart.
	second := newTestService(t, &stubMarket{bars: trendingBars(365, 100, 200)}, shared)
	second.Init(context.Background())

	if !second.IsOverrideActive() {
		t.Fatal("override should survive a restart via the cache")
	}
	ov := second.GetOverride()
	if ov.UserID != "ops-1" || ov.Reason != "exchange maintenance" || !ov.ForceAllow {
		t.Errorf("restored override lost fields: %+v", ov)
	}

	second.DisableOverride("ops-1")
	if second.IsOverrideActive() {
		t.Error("override should be cleared after disable")
	}

	third := newTestService(t, &stubMarket{bars: trendingBars(365, 100, 200)}, shared)
	third.Init(context.Background())
	if third.IsOverrideActive() {
		t.Error("disabled override must not reappear after restart")
	}
}
