package promotion

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quantfolio/advisor-backend/internal/audit"
	appmetrics "github.com/quantfolio/advisor-backend/internal/metrics"
	"github.com/quantfolio/advisor-backend/internal/store"
	"github.com/quantfolio/advisor-backend/pkg/types"
)

// metricLookback is how much live history the correlation gate sees.
const metricLookback = 30 * 24 * time.Hour

// RegimeSource supplies the current market regime for evaluation context.
type RegimeSource interface {
	GetSnapshot() *types.RegimeSnapshot
}

// Evaluation is the outcome of running every gate against a candidate.
type Evaluation struct {
	StrategyConfigID string       `json:"strategyConfigId"`
	CanPromote       bool         `json:"canPromote"`
	Results          []GateResult `json:"results"`
	Warnings         []string     `json:"warnings,omitempty"`
	EvaluatedAt      time.Time    `json:"evaluatedAt"`
}

// Service runs the promotion gate pipeline.
type Service struct {
	logger      *zap.Logger
	gates       []Gate
	deployments store.DeploymentRepo
	metrics     store.MetricRepo
	regime      RegimeSource
	audit       audit.Logger
	collectors  *appmetrics.Metrics
}

// NewService creates a promotion service with the production gate set.
// The regime source may be nil; regime context is best-effort.
func NewService(logger *zap.Logger, thresholds *Thresholds, deployments store.DeploymentRepo, metrics store.MetricRepo, regime RegimeSource, auditLog audit.Logger) *Service {
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}
	return &Service{
		logger:      logger.Named("promotion"),
		gates:       defaultGates(thresholds),
		deployments: deployments,
		metrics:     metrics,
		regime:      regime,
		audit:       auditLog,
	}
}

// SetMetrics attaches the prometheus collectors updated on each evaluation.
func (s *Service) SetMetrics(m *appmetrics.Metrics) {
	s.collectors = m
}

// Evaluate runs every gate against the candidate in priority order. Each
// registered gate produces exactly one result; gate errors and panics
// become failing critical results instead of aborting the pipeline.
// Context read failures propagate, since no gate can run without context.
func (s *Service) Evaluate(ctx context.Context, candidate *Candidate) (*Evaluation, error) {
	gateCtx, err := s.buildContext(ctx)
	if err != nil {
		return nil, err
	}

	eval := &Evaluation{
		StrategyConfigID: candidate.Strategy.ID,
		CanPromote:       true,
		Results:          make([]GateResult, 0, len(s.gates)),
		EvaluatedAt:      time.Now().UTC(),
	}
	for _, gate := range s.gates {
		result := s.runGate(gate, candidate, gateCtx)
		eval.Results = append(eval.Results, result)
		if !result.Passed {
			if result.Critical {
				eval.CanPromote = false
			} else {
				eval.Warnings = append(eval.Warnings, fmt.Sprintf("%s: %s", result.Gate, result.Message))
			}
		}
	}

	if s.collectors != nil {
		var failed []string
		for _, r := range eval.Results {
			if !r.Passed && !r.Skipped {
				failed = append(failed, r.Gate)
			}
		}
		s.collectors.ObservePromotion(eval.CanPromote, failed)
	}

	s.logger.Info("Promotion evaluation complete",
		zap.String("strategyConfigId", candidate.Strategy.ID),
		zap.Bool("canPromote", eval.CanPromote),
		zap.Int("warnings", len(eval.Warnings)),
	)
	s.audit.Record(audit.EventPromotionEvaluation, "strategy_config", candidate.Strategy.ID, audit.Options{
		Metadata: map[string]any{
			"canPromote": eval.CanPromote,
			"results":    eval.Results,
		},
	})
	return eval, nil
}

// runGate evaluates one gate, converting an error or a panic into a
// failing critical result so the remaining gates still run.
func (s *Service) runGate(gate Gate, candidate *Candidate, gateCtx *Context) (result GateResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Gate panicked",
				zap.String("gate", gate.Name()),
				zap.Any("panic", r),
			)
			result = errorResult(gate, fmt.Sprintf("gate panicked: %v", r))
		}
	}()

	result, err := gate.Evaluate(candidate, gateCtx)
	if err != nil {
		s.logger.Error("Gate evaluation failed",
			zap.String("gate", gate.Name()),
			zap.Error(err),
		)
		return errorResult(gate, err.Error())
	}
	return result
}

// errorResult is the failing critical result for a broken gate.
func errorResult(gate Gate, message string) GateResult {
	return GateResult{
		Gate:        gate.Name(),
		Priority:    gate.Priority(),
		Passed:      false,
		Critical:    true,
		ActualValue: "ERROR",
		Message:     message,
	}
}

// buildContext gathers the shared evaluation context: active deployments,
// their recent live returns, total allocation, and the market regime.
func (s *Service) buildContext(ctx context.Context) (*Context, error) {
	active, err := s.deployments.ListByStatus(ctx, types.DeploymentStatusActive)
	if err != nil {
		return nil, fmt.Errorf("listing active deployments: %w", err)
	}

	gateCtx := &Context{
		ActiveDeployments: active,
		DeploymentReturns: make(map[string][]float64, len(active)),
	}
	since := time.Now().Add(-metricLookback)
	for _, d := range active {
		gateCtx.TotalAllocation += d.AllocationPercent

		history, err := s.metrics.ListSince(ctx, d.ID, since)
		if err != nil {
			// The correlation gate treats a missing series as
			// insufficient data.
			s.logger.Warn("Failed to load live metrics for correlation context",
				zap.String("deploymentId", d.ID),
				zap.Error(err),
			)
			continue
		}
		returns := make([]float64, len(history))
		for i, m := range history {
			returns[i] = m.DailyReturn
		}
		gateCtx.DeploymentReturns[d.ID] = returns
	}

	if s.regime != nil {
		gateCtx.Regime = s.regime.GetSnapshot()
	}
	return gateCtx, nil
}
