// Package allocation implements the Kelly-criterion capital allocator.
// Each strategy's realized trade history yields a quarter-Kelly fraction;
// fractions are normalized over an effective capital pool that scales with
// the market regime, with an iterative per-strategy cap so no single
// strategy dominates the portfolio.
package allocation

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/quantfolio/advisor-backend/internal/audit"
	"github.com/quantfolio/advisor-backend/internal/metrics"
	"github.com/quantfolio/advisor-backend/internal/store"
	"github.com/quantfolio/advisor-backend/pkg/types"
)

// Config configures the Kelly allocator
type Config struct {
	KellyMultiplier    float64 // Fraction of full Kelly to deploy
	MinTradesForKelly  int     // Below this, score fallback applies
	MinScoreForFunding float64 // Fallback strategies below this get nothing
	MaxAllocationShare float64 // Per-strategy cap floor as share of the pool
	MinAllocation      float64 // Allocations below this are dropped
}

// DefaultConfig returns the production allocator configuration
func DefaultConfig() *Config {
	return &Config{
		KellyMultiplier:    0.25,
		MinTradesForKelly:  30,
		MinScoreForFunding: 50,
		MaxAllocationShare: 0.15,
		MinAllocation:      50,
	}
}

// Allocator computes per-strategy capital allocations.
type Allocator struct {
	logger  *zap.Logger
	config  *Config
	orders  store.OrderReader
	scores  store.ScoreReader
	policy  Policy
	audit   audit.Logger
	metrics *metrics.Metrics
}

// NewAllocator creates a capital allocator.
func NewAllocator(logger *zap.Logger, config *Config, orders store.OrderReader, scores store.ScoreReader, policy Policy, auditLog audit.Logger) *Allocator {
	if config == nil {
		config = DefaultConfig()
	}
	if policy == nil {
		policy = DefaultPolicy
	}
	return &Allocator{
		logger: logger.Named("capital-allocator"),
		config: config,
		orders: orders,
		scores: scores,
		policy: policy,
		audit:  auditLog,
	}
}

// SetMetrics attaches the prometheus collectors updated on each run.
func (a *Allocator) SetMetrics(m *metrics.Metrics) {
	a.metrics = m
}

// Allocate distributes totalCapital across the given strategies. The
// returned map holds dollar amounts keyed by strategy config ID; a
// strategy with no positive edge and no qualifying score is absent.
// Repository read failures propagate to the caller.
func (a *Allocator) Allocate(ctx context.Context, totalCapital float64, strategies []types.StrategyConfig, regime *types.RegimeContext) (map[string]float64, error) {
	allocations := make(map[string]float64)
	if len(strategies) == 0 {
		return allocations, nil
	}

	multiplier := 1.0
	if regime != nil {
		multiplier = a.policy(regime.RiskLevel, regime.CompositeRegime)
	}
	effectiveCapital := totalCapital * multiplier
	if effectiveCapital <= 0 {
		a.logger.Warn("No capital to allocate",
			zap.Float64("totalCapital", totalCapital),
			zap.Float64("regimeMultiplier", multiplier),
		)
		a.observe(0, allocations)
		a.recordAudit(regime, multiplier, totalCapital, 0, len(strategies), allocations)
		return allocations, nil
	}

	fractions, err := a.kellyFractions(ctx, strategies)
	if err != nil {
		return nil, err
	}

	totalFraction := 0.0
	for _, f := range fractions {
		totalFraction += f
	}
	if totalFraction <= 0 {
		a.logger.Warn("No strategy has a positive allocation fraction",
			zap.Int("strategies", len(strategies)),
		)
		a.observe(effectiveCapital, allocations)
		a.recordAudit(regime, multiplier, totalCapital, effectiveCapital, len(strategies), allocations)
		return allocations, nil
	}

	allocations = a.distributeWithCaps(fractions, effectiveCapital)

	for id, amount := range allocations {
		if amount < a.config.MinAllocation {
			delete(allocations, id)
		}
	}

	totalAllocated := 0.0
	for _, amount := range allocations {
		totalAllocated += amount
	}
	a.logger.Info("Capital allocated",
		zap.Float64("effectiveCapital", effectiveCapital),
		zap.Float64("totalAllocated", totalAllocated),
		zap.Int("strategiesConsidered", len(strategies)),
		zap.Int("strategiesAllocated", len(allocations)),
	)
	a.observe(effectiveCapital, allocations)
	a.recordAudit(regime, multiplier, totalCapital, effectiveCapital, len(strategies), allocations)
	return allocations, nil
}

func (a *Allocator) observe(effectiveCapital float64, allocations map[string]float64) {
	if a.metrics != nil {
		a.metrics.ObserveAllocation(effectiveCapital, allocations)
	}
}

// kellyFractions computes the quarter-Kelly fraction per strategy. A
// strategy with fewer resolved trades than the minimum falls back to its
// latest score; a fallback strategy below the score floor is omitted.
func (a *Allocator) kellyFractions(ctx context.Context, strategies []types.StrategyConfig) (map[string]float64, error) {
	ids := make([]string, len(strategies))
	for i, s := range strategies {
		ids[i] = s.ID
	}
	orders, err := a.orders.ListFilledAlgorithmic(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("fetching trade history: %w", err)
	}

	resolvedByStrategy := make(map[string][]float64)
	for i := range orders {
		o := &orders[i]
		if !o.IsResolved() {
			continue
		}
		gl, _ := o.GainLoss.Float64()
		resolvedByStrategy[o.StrategyConfigID] = append(resolvedByStrategy[o.StrategyConfigID], gl)
	}

	fractions := make(map[string]float64)
	var fallbackIDs []string
	for _, s := range strategies {
		resolved := resolvedByStrategy[s.ID]
		if len(resolved) < a.config.MinTradesForKelly {
			fallbackIDs = append(fallbackIDs, s.ID)
			continue
		}
		fractions[s.ID] = a.quarterKelly(s.ID, resolved)
	}

	if len(fallbackIDs) > 0 {
		scores, err := a.scores.LatestScores(ctx, fallbackIDs)
		if err != nil {
			return nil, fmt.Errorf("fetching fallback scores: %w", err)
		}
		for _, id := range fallbackIDs {
			score, ok := scores[id]
			if !ok || score.OverallScore < a.config.MinScoreForFunding {
				continue
			}
			fraction := math.Max((2*score.OverallScore/100-1)*a.config.KellyMultiplier, 0)
			fractions[id] = fraction
			a.logger.Debug("Score fallback fraction",
				zap.String("strategyConfigId", id),
				zap.Float64("score", score.OverallScore),
				zap.Float64("fraction", fraction),
			)
		}
	}
	return fractions, nil
}

// quarterKelly estimates the Kelly bet fraction from resolved trade
// outcomes and scales it down to quarter-Kelly, floored at zero.
func (a *Allocator) quarterKelly(strategyID string, resolved []float64) float64 {
	var winSum, lossSum float64
	var wins, losses int
	for _, gl := range resolved {
		if gl > 0 {
			winSum += gl
			wins++
		} else {
			lossSum += -gl
			losses++
		}
	}

	if losses == 0 {
		return a.config.KellyMultiplier
	}
	if wins == 0 {
		return 0
	}

	p := float64(wins) / float64(len(resolved))
	avgWin := winSum / float64(wins)
	avgLoss := lossSum / float64(losses)
	b := avgWin / avgLoss
	if b <= 0 {
		return 0
	}
	f := (b*p - (1 - p)) / b
	fraction := math.Max(f*a.config.KellyMultiplier, 0)

	a.logger.Debug("Kelly fraction",
		zap.String("strategyConfigId", strategyID),
		zap.Float64("winRate", p),
		zap.Float64("payoffRatio", b),
		zap.Float64("fraction", fraction),
	)
	return fraction
}

// distributeWithCaps shares the pool proportionally to the fractions with
// a per-strategy cap. A strategy whose proportional share exceeds the cap
// is locked at the cap and removed from the pool; the freed capital is
// redistributed among the rest until no strategy is over the cap. The
// round count is bounded by the number of fractions.
func (a *Allocator) distributeWithCaps(fractions map[string]float64, effectiveCapital float64) map[string]float64 {
	eligible := len(fractions)
	perStrategyCap := effectiveCapital * math.Max(a.config.MaxAllocationShare, 1/float64(eligible))

	allocations := make(map[string]float64, eligible)
	remaining := make(map[string]float64, eligible)
	for id, f := range fractions {
		remaining[id] = f
	}
	remainingCapital := effectiveCapital

	for round := 0; round < eligible; round++ {
		poolFraction := 0.0
		for _, f := range remaining {
			poolFraction += f
		}
		if poolFraction <= 0 {
			break
		}

		// Shares are computed against a snapshot of this round's pool so
		// the outcome does not depend on map iteration order.
		var capped []string
		for id, f := range remaining {
			if remainingCapital*f/poolFraction > perStrategyCap {
				capped = append(capped, id)
			}
		}
		if len(capped) == 0 {
			for id, f := range remaining {
				allocations[id] = remainingCapital * f / poolFraction
			}
			break
		}
		for _, id := range capped {
			allocations[id] = perStrategyCap
			remainingCapital -= perStrategyCap
			delete(remaining, id)
		}
	}
	return allocations
}

// recordAudit emits the allocation audit record. Auditing is best-effort
// and never fails the allocation.
func (a *Allocator) recordAudit(regime *types.RegimeContext, multiplier, totalCapital, effectiveCapital float64, considered int, allocations map[string]float64) {
	if regime == nil {
		return
	}
	totalAllocated := 0.0
	for _, amount := range allocations {
		totalAllocated += amount
	}
	a.audit.Record(audit.EventCapitalAllocation, "portfolio", "capital", audit.Options{
		Metadata: map[string]any{
			"compositeRegime":      regime.CompositeRegime,
			"riskLevel":            regime.RiskLevel,
			"regimeMultiplier":     multiplier,
			"totalCapital":         totalCapital,
			"effectiveCapital":     effectiveCapital,
			"strategiesConsidered": considered,
			"strategiesAllocated":  len(allocations),
			"totalAllocated":       totalAllocated,
		},
	})
}
