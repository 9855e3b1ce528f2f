package regime

import (
	"go.uber.org/zap"

	"github.com/quantfolio/advisor-backend/pkg/types"
)

// Source is the regime state the gate consults.
type Source interface {
	GetCompositeRegime() types.CompositeRegime
	IsOverrideActive() bool
	GetOverride() *types.RegimeOverride
}

// Decision is the outcome of gating a single signal.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Regime  string `json:"regime"`
	Reason  string `json:"reason"`
}

// Gate blocks new long entries in hostile regimes. Exits and risk-control
// signals always pass so open positions can be closed.
type Gate struct {
	logger *zap.Logger
	source Source
}

// NewGate creates a regime gate backed by the given regime source.
func NewGate(logger *zap.Logger, source Source) *Gate {
	return &Gate{
		logger: logger.Named("regime-gate"),
		source: source,
	}
}

// hostile reports whether new long entries are blocked in this regime.
func hostile(regime types.CompositeRegime) bool {
	return regime == types.RegimeBear || regime == types.RegimeExtreme
}

// blocked applies the gating rule for a single signal against a regime.
// Sells always pass. Buys fail in hostile regimes unless the signal is a
// risk-control exit.
func blocked(regime types.CompositeRegime, sig *types.Signal) bool {
	if sig.Side != types.OrderSideBuy {
		return false
	}
	if sig.Type.IsRiskControl() {
		return false
	}
	return hostile(regime)
}

// FilterLiveSignal gates a live signal against the current regime. An
// active override with forceAllow passes everything; an active halt
// override blocks every new entry regardless of regime.
func (g *Gate) FilterLiveSignal(sig *types.Signal) Decision {
	if g.source.IsOverrideActive() {
		ov := g.source.GetOverride()
		if ov.ForceAllow {
			return Decision{Allowed: true, Regime: "OVERRIDE", Reason: "manual override active: all signals allowed"}
		}
		if sig.Side == types.OrderSideBuy && !sig.Type.IsRiskControl() {
			g.logger.Info("Signal blocked by manual halt",
				zap.String("strategyConfigId", sig.StrategyConfigID),
				zap.String("symbol", sig.Symbol),
			)
			return Decision{Allowed: false, Regime: "OVERRIDE", Reason: "manual halt active: new entries blocked"}
		}
		return Decision{Allowed: true, Regime: "OVERRIDE", Reason: "exit signal allowed under manual halt"}
	}

	regime := g.source.GetCompositeRegime()
	if blocked(regime, sig) {
		g.logger.Info("Signal blocked by regime gate",
			zap.String("strategyConfigId", sig.StrategyConfigID),
			zap.String("symbol", sig.Symbol),
			zap.String("regime", string(regime)),
		)
		return Decision{
			Allowed: false,
			Regime:  string(regime),
			Reason:  "new entries blocked in " + string(regime) + " regime",
		}
	}
	return Decision{Allowed: true, Regime: string(regime), Reason: "signal allowed"}
}

// FilterBacktestSignals gates a batch of signals against an explicit
// regime, as used by backtests replaying historical regimes. The input
// slice is not modified.
func (g *Gate) FilterBacktestSignals(regime types.CompositeRegime, signals []types.Signal) []types.Signal {
	kept := make([]types.Signal, 0, len(signals))
	for i := range signals {
		if !blocked(regime, &signals[i]) {
			kept = append(kept, signals[i])
		}
	}
	return kept
}
