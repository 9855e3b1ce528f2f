package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/quantfolio/advisor-backend/internal/allocation"
	"github.com/quantfolio/advisor-backend/internal/audit"
	"github.com/quantfolio/advisor-backend/internal/cache"
	"github.com/quantfolio/advisor-backend/internal/lifecycle"
	"github.com/quantfolio/advisor-backend/internal/promotion"
	"github.com/quantfolio/advisor-backend/internal/regime"
	"github.com/quantfolio/advisor-backend/internal/risk"
	"github.com/quantfolio/advisor-backend/internal/store"
	"github.com/quantfolio/advisor-backend/internal/volatility"
	"github.com/quantfolio/advisor-backend/pkg/types"
)

type failingMarket struct{}

func (failingMarket) GetDailyBars(_ context.Context, _ string, _ int) ([]volatility.Bar, error) {
	return nil, fmt.Errorf("market data unavailable")
}

func newTestServer(t *testing.T) (*Server, *store.MemoryStore) {
	t.Helper()
	logger := zap.NewNop()
	mem := store.NewMemoryStore()
	auditLog := audit.Nop()

	vol := volatility.NewCalculator(logger, nil)
	regimeSvc := regime.NewService(logger, regime.DefaultConfig(), failingMarket{}, vol, cache.NewMemory(), auditLog)
	regimeSvc.Init(context.Background())

	lifecycleSvc := lifecycle.NewService(logger, lifecycle.DefaultConfig(), mem, auditLog)
	promotionSvc := promotion.NewService(logger, promotion.DefaultThresholds(), mem, mem, regimeSvc, auditLog)
	riskMonitor := risk.NewMonitor(logger, risk.DefaultLimits(), mem, mem, lifecycleSvc, auditLog)
	allocator := allocation.NewAllocator(logger, allocation.DefaultConfig(), mem, mem, allocation.DefaultPolicy, auditLog)

	server := NewServer(logger, &types.ServerConfig{Host: "127.0.0.1", Port: 0}, Deps{
		Regime:      regimeSvc,
		Gate:        regime.NewGate(logger, regimeSvc),
		Allocator:   allocator,
		Promotion:   promotionSvc,
		Risk:        riskMonitor,
		Lifecycle:   lifecycleSvc,
		Deployments: mem,
		Scores:      mem,
		Backtests:   mem,
	})
	return server, mem
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(t, server, "GET", "/api/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("expected healthy status, got %v", resp["status"])
	}
}

func TestRegimeStatusFallback(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(t, server, "GET", "/api/v1/regime", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var status regime.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if status.Snapshot == nil {
		t.Fatal("expected a fallback snapshot")
	}
	if status.Snapshot.Regime != types.RegimeNeutral {
		t.Errorf("expected NEUTRAL fallback, got %s", status.Snapshot.Regime)
	}
	if status.Override != nil {
		t.Errorf("expected no override, got %+v", status.Override)
	}
}

func TestOverrideLifecycle(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(t, server, "POST", "/api/v1/regime/override", map[string]any{
		"userId":     "ops-1",
		"reason":     "exchange maintenance window",
		"forceAllow": false,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("enable override: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var status regime.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if status.Override == nil || !status.Override.Active {
		t.Fatalf("expected an active override, got %+v", status.Override)
	}

	rec = doRequest(t, server, "DELETE", "/api/v1/regime/override?userId=ops-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("disable override: expected 200, got %d", rec.Code)
	}
	status = regime.Status{}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if status.Override != nil {
		t.Errorf("expected override cleared, got %+v", status.Override)
	}
}

func TestOverrideRequiresUserAndReason(t *testing.T) {
	server, _ := newTestServer(t)

	rec := doRequest(t, server, "POST", "/api/v1/regime/override", map[string]any{
		"userId": "ops-1",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without reason, got %d", rec.Code)
	}

	rec = doRequest(t, server, "DELETE", "/api/v1/regime/override", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without userId, got %d", rec.Code)
	}
}

func TestFilterSignalEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	// Fallback snapshot is NEUTRAL, so buys pass.
	rec := doRequest(t, server, "POST", "/api/v1/signals/filter", types.Signal{
		ID:               "sig-1",
		StrategyConfigID: "strat-1",
		Symbol:           "BTCUSDT",
		Side:             types.OrderSideBuy,
		Type:             types.SignalTypeEntry,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var decision regime.Decision
	if err := json.Unmarshal(rec.Body.Bytes(), &decision); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("expected buy allowed in NEUTRAL, got %+v", decision)
	}
}

func TestDeploymentEndpoints(t *testing.T) {
	server, mem := newTestServer(t)

	dep := &types.Deployment{
		ID:               "dep-1",
		StrategyConfigID: "strat-1",
		Status:           types.DeploymentStatusPendingApproval,
		CreatedAt:        time.Now().UTC(),
	}
	if err := mem.Insert(context.Background(), dep); err != nil {
		t.Fatalf("seed deployment: %v", err)
	}

	rec := doRequest(t, server, "GET", "/api/v1/deployments/dep-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get deployment: expected 200, got %d", rec.Code)
	}

	rec = doRequest(t, server, "GET", "/api/v1/deployments/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown deployment, got %d", rec.Code)
	}

	rec = doRequest(t, server, "POST", "/api/v1/deployments/dep-1/activate", map[string]any{
		"userId": "ops-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("activate: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var activated types.Deployment
	if err := json.Unmarshal(rec.Body.Bytes(), &activated); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if activated.Status != types.DeploymentStatusActive {
		t.Errorf("expected active status, got %s", activated.Status)
	}

	rec = doRequest(t, server, "GET", "/api/v1/deployments?status=active", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list deployments: expected 200, got %d", rec.Code)
	}
	var list struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if list.Count != 1 {
		t.Errorf("expected 1 active deployment, got %d", list.Count)
	}

	// Activating an already active deployment is an invalid transition.
	rec = doRequest(t, server, "POST", "/api/v1/deployments/dep-1/activate", map[string]any{
		"userId": "ops-1",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for invalid transition, got %d", rec.Code)
	}

	rec = doRequest(t, server, "POST", "/api/v1/deployments/dep-1/terminate", map[string]any{
		"userId": "ops-1",
		"reason": "strategy retired",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("terminate: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRiskEvaluationEndpoint(t *testing.T) {
	server, mem := newTestServer(t)

	dep := &types.Deployment{
		ID:               "dep-1",
		StrategyConfigID: "strat-1",
		Status:           types.DeploymentStatusPendingApproval,
		CreatedAt:        time.Now().UTC(),
	}
	if err := mem.Insert(context.Background(), dep); err != nil {
		t.Fatalf("seed deployment: %v", err)
	}

	rec := doRequest(t, server, "POST", "/api/v1/deployments/dep-1/risk", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var eval risk.Evaluation
	if err := json.Unmarshal(rec.Body.Bytes(), &eval); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	// Inactive deployments are not evaluated.
	if len(eval.Checks) != 0 {
		t.Errorf("expected no checks for inactive deployment, got %d", len(eval.Checks))
	}
}

func TestPromotionEvaluateEndpoint(t *testing.T) {
	server, mem := newTestServer(t)

	rec := doRequest(t, server, "POST", "/api/v1/promotion/evaluate", map[string]any{
		"strategyConfigId": "strat-1",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a backtest, got %d", rec.Code)
	}

	mem.AddBacktest(types.BacktestRun{
		ID:               "bt-1",
		StrategyConfigID: "strat-1",
		Results: types.BacktestResults{
			TotalTrades: 80,
			TotalReturn: 0.30,
			MaxDrawdown: -0.15,
			Volatility:  0.55,
		},
		CompletedAt: time.Now().UTC(),
	})
	mem.AddScore(types.StrategyScore{
		StrategyConfigID: "strat-1",
		OverallScore:     82,
		CalculatedAt:     time.Now().UTC(),
	})

	rec = doRequest(t, server, "POST", "/api/v1/promotion/evaluate", map[string]any{
		"strategyConfigId": "strat-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var eval promotion.Evaluation
	if err := json.Unmarshal(rec.Body.Bytes(), &eval); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if eval.StrategyConfigID != "strat-1" {
		t.Errorf("expected evaluation for strat-1, got %s", eval.StrategyConfigID)
	}
	if len(eval.Results) == 0 {
		t.Error("expected gate results")
	}
}

func TestAllocationPreviewEndpoint(t *testing.T) {
	server, mem := newTestServer(t)

	mem.AddScore(types.StrategyScore{
		StrategyConfigID: "strat-1",
		OverallScore:     80,
		CalculatedAt:     time.Now().UTC(),
	})

	rec := doRequest(t, server, "POST", "/api/v1/allocation/preview", map[string]any{
		"totalCapital":      10000.0,
		"strategyConfigIds": []string{"strat-1"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Allocations map[string]float64 `json:"allocations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Allocations["strat-1"] != 10000 {
		t.Errorf("expected full allocation to the single strategy, got %v", resp.Allocations)
	}

	rec = doRequest(t, server, "POST", "/api/v1/allocation/preview", map[string]any{
		"totalCapital": 0.0,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing fields, got %d", rec.Code)
	}
}
