package allocation

import (
	"github.com/quantfolio/advisor-backend/pkg/types"
)

// Policy maps a user risk level and the composite market regime to a
// capital multiplier in [0, 1]. A multiplier of 0 halts allocation
// entirely for that regime.
type Policy func(riskLevel types.RiskLevel, regime types.CompositeRegime) float64

// regimeMultipliers is the production policy matrix. Risk level 1 is the
// most aggressive profile, level 3 the most conservative. Conservative
// portfolios stand down completely in an EXTREME regime.
var regimeMultipliers = map[types.RiskLevel]map[types.CompositeRegime]float64{
	1: {
		types.RegimeBull:    1.00,
		types.RegimeNeutral: 0.90,
		types.RegimeBear:    0.60,
		types.RegimeExtreme: 0.25,
	},
	2: {
		types.RegimeBull:    1.00,
		types.RegimeNeutral: 0.80,
		types.RegimeBear:    0.40,
		types.RegimeExtreme: 0.10,
	},
	3: {
		types.RegimeBull:    1.00,
		types.RegimeNeutral: 0.70,
		types.RegimeBear:    0.25,
		types.RegimeExtreme: 0.00,
	},
}

// DefaultPolicy looks up the multiplier from the static matrix. Risk
// levels outside 1..3 clamp to the nearest defined level; an unknown
// regime falls back to the NEUTRAL column.
func DefaultPolicy(riskLevel types.RiskLevel, regime types.CompositeRegime) float64 {
	if riskLevel < 1 {
		riskLevel = 1
	}
	if riskLevel > 3 {
		riskLevel = 3
	}
	row := regimeMultipliers[riskLevel]
	if m, ok := row[regime]; ok {
		return m
	}
	return row[types.RegimeNeutral]
}
