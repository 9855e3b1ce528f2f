// Package promotion implements the gate pipeline that decides whether a
// backtested strategy may be deployed live. Gates run in priority order
// and are independent; one gate failing or panicking never prevents the
// others from producing a result.
package promotion

import (
	"fmt"
	"math"

	"github.com/quantfolio/advisor-backend/internal/stats"
	"github.com/quantfolio/advisor-backend/pkg/types"
)

// Thresholds holds the gate limits
type Thresholds struct {
	MinScore             float64 // Gate 1
	MinTrades            int     // Gate 2
	MaxDrawdown          float64 // Gate 3, absolute fraction
	MaxWFADegradation    float64 // Gate 4, fraction
	MaxCorrelation       float64 // Gate 6
	MaxVolatility        float64 // Gate 7, annualized fraction
	MaxActiveDeployments int     // Gate 8
}

// DefaultThresholds returns the production gate limits
func DefaultThresholds() *Thresholds {
	return &Thresholds{
		MinScore:             70,
		MinTrades:            30,
		MaxDrawdown:          0.40,
		MaxWFADegradation:    0.30,
		MaxCorrelation:       0.70,
		MaxVolatility:        1.50,
		MaxActiveDeployments: 35,
	}
}

// Candidate is the strategy under evaluation.
type Candidate struct {
	Strategy *types.StrategyConfig
	Score    *types.StrategyScore
	Backtest *types.BacktestRun
}

// Context is built once per evaluation and shared by all gates.
type Context struct {
	ActiveDeployments []types.Deployment
	// DeploymentReturns holds recent live daily returns per active
	// deployment, for the correlation gate.
	DeploymentReturns map[string][]float64
	TotalAllocation   float64
	// Regime is best-effort; nil when the regime service is unavailable.
	Regime *types.RegimeSnapshot
}

// GateResult is the outcome of a single gate.
type GateResult struct {
	Gate          string `json:"gate"`
	Priority      int    `json:"priority"`
	Passed        bool   `json:"passed"`
	Critical      bool   `json:"critical"`
	Skipped       bool   `json:"skipped,omitempty"`
	ActualValue   string `json:"actualValue"`
	RequiredValue string `json:"requiredValue"`
	Message       string `json:"message"`
}

// Gate is a single promotion check. Evaluate returns an error only for
// unexpected conditions; the pipeline converts errors into failing
// critical results.
type Gate interface {
	Name() string
	Priority() int
	Critical() bool
	Evaluate(c *Candidate, ctx *Context) (GateResult, error)
}

func pass(g Gate, actual, required, message string) GateResult {
	return GateResult{
		Gate: g.Name(), Priority: g.Priority(), Passed: true, Critical: g.Critical(),
		ActualValue: actual, RequiredValue: required, Message: message,
	}
}

func fail(g Gate, actual, required, message string) GateResult {
	return GateResult{
		Gate: g.Name(), Priority: g.Priority(), Passed: false, Critical: g.Critical(),
		ActualValue: actual, RequiredValue: required, Message: message,
	}
}

// minimumScoreGate requires the composite strategy score to clear the
// promotion floor.
type minimumScoreGate struct{ t *Thresholds }

func (g *minimumScoreGate) Name() string   { return "minimum-score" }
func (g *minimumScoreGate) Priority() int  { return 1 }
func (g *minimumScoreGate) Critical() bool { return true }

func (g *minimumScoreGate) Evaluate(c *Candidate, _ *Context) (GateResult, error) {
	if c.Score == nil {
		return GateResult{}, fmt.Errorf("no strategy score available")
	}
	actual := fmt.Sprintf("%.1f", c.Score.OverallScore)
	required := fmt.Sprintf(">= %.0f", g.t.MinScore)
	if c.Score.OverallScore >= g.t.MinScore {
		return pass(g, actual, required, "score meets the promotion floor"), nil
	}
	return fail(g, actual, required, "score below the promotion floor"), nil
}

type minimumTradesGate struct{ t *Thresholds }

func (g *minimumTradesGate) Name() string   { return "minimum-trades" }
func (g *minimumTradesGate) Priority() int  { return 2 }
func (g *minimumTradesGate) Critical() bool { return true }

func (g *minimumTradesGate) Evaluate(c *Candidate, _ *Context) (GateResult, error) {
	if c.Backtest == nil {
		return GateResult{}, fmt.Errorf("no backtest run available")
	}
	trades := c.Backtest.Results.TotalTrades
	actual := fmt.Sprintf("%d", trades)
	required := fmt.Sprintf(">= %d", g.t.MinTrades)
	if trades >= g.t.MinTrades {
		return pass(g, actual, required, "sufficient trade sample"), nil
	}
	return fail(g, actual, required, "too few trades for a reliable estimate"), nil
}

type maximumDrawdownGate struct{ t *Thresholds }

func (g *maximumDrawdownGate) Name() string   { return "maximum-drawdown" }
func (g *maximumDrawdownGate) Priority() int  { return 3 }
func (g *maximumDrawdownGate) Critical() bool { return true }

func (g *maximumDrawdownGate) Evaluate(c *Candidate, _ *Context) (GateResult, error) {
	if c.Backtest == nil {
		return GateResult{}, fmt.Errorf("no backtest run available")
	}
	dd := math.Abs(c.Backtest.Results.MaxDrawdown)
	actual := fmt.Sprintf("%.1f%%", dd*100)
	required := fmt.Sprintf("< %.0f%%", g.t.MaxDrawdown*100)
	if dd < g.t.MaxDrawdown {
		return pass(g, actual, required, "drawdown within limit"), nil
	}
	return fail(g, actual, required, "backtest drawdown too deep"), nil
}

// wfaConsistencyGate checks that out-of-sample performance does not
// degrade too far from in-sample across the walk-forward windows.
type wfaConsistencyGate struct{ t *Thresholds }

func (g *wfaConsistencyGate) Name() string   { return "wfa-consistency" }
func (g *wfaConsistencyGate) Priority() int  { return 4 }
func (g *wfaConsistencyGate) Critical() bool { return true }

func (g *wfaConsistencyGate) Evaluate(c *Candidate, _ *Context) (GateResult, error) {
	if c.Backtest == nil {
		return GateResult{}, fmt.Errorf("no backtest run available")
	}
	windows := c.Backtest.Results.WFAWindows
	if len(windows) == 0 {
		return GateResult{}, fmt.Errorf("backtest has no walk-forward windows")
	}

	var degradationSum float64
	counted := 0
	for _, w := range windows {
		if w.TrainReturn == 0 {
			continue
		}
		degradationSum += (w.TrainReturn - w.TestReturn) / math.Abs(w.TrainReturn)
		counted++
	}
	if counted == 0 {
		return GateResult{}, fmt.Errorf("all walk-forward windows have zero train return")
	}

	degradation := degradationSum / float64(counted)
	actual := fmt.Sprintf("%.1f%%", degradation*100)
	required := fmt.Sprintf("< %.0f%%", g.t.MaxWFADegradation*100)
	if degradation < g.t.MaxWFADegradation {
		return pass(g, actual, required, "walk-forward performance holds up out of sample"), nil
	}
	return fail(g, actual, required, "out-of-sample performance degrades too far"), nil
}

type positiveReturnsGate struct{}

func (g *positiveReturnsGate) Name() string   { return "positive-returns" }
func (g *positiveReturnsGate) Priority() int  { return 5 }
func (g *positiveReturnsGate) Critical() bool { return true }

func (g *positiveReturnsGate) Evaluate(c *Candidate, _ *Context) (GateResult, error) {
	if c.Backtest == nil {
		return GateResult{}, fmt.Errorf("no backtest run available")
	}
	ret := c.Backtest.Results.TotalReturn
	actual := fmt.Sprintf("%.2f%%", ret*100)
	if ret > 0 {
		return pass(g, actual, "> 0%", "backtest is profitable"), nil
	}
	return fail(g, actual, "> 0%", "backtest is not profitable"), nil
}

// correlationLimitGate warns when the candidate's return stream moves too
// closely with a strategy that is already live. Skipped when nothing is
// deployed.
type correlationLimitGate struct{ t *Thresholds }

func (g *correlationLimitGate) Name() string   { return "correlation-limit" }
func (g *correlationLimitGate) Priority() int  { return 6 }
func (g *correlationLimitGate) Critical() bool { return false }

func (g *correlationLimitGate) Evaluate(c *Candidate, ctx *Context) (GateResult, error) {
	if len(ctx.ActiveDeployments) == 0 {
		r := pass(g, "n/a", fmt.Sprintf("< %.2f", g.t.MaxCorrelation), "no active deployments to correlate against")
		r.Skipped = true
		return r, nil
	}
	if c.Backtest == nil {
		return GateResult{}, fmt.Errorf("no backtest run available")
	}

	candidate := c.Backtest.Results.DailyReturns
	maxCorr := 0.0
	maxWith := ""
	compared := 0
	for _, d := range ctx.ActiveDeployments {
		live := ctx.DeploymentReturns[d.ID]
		n := len(candidate)
		if len(live) < n {
			n = len(live)
		}
		if n < 2 {
			continue
		}
		corr, err := stats.PearsonCorrelation(candidate[len(candidate)-n:], live[len(live)-n:])
		if err != nil {
			continue
		}
		compared++
		if math.Abs(corr) > maxCorr {
			maxCorr = math.Abs(corr)
			maxWith = d.StrategyConfigID
		}
	}
	required := fmt.Sprintf("< %.2f", g.t.MaxCorrelation)
	if compared == 0 {
		return pass(g, "n/a", required, "insufficient overlapping history to correlate"), nil
	}
	actual := fmt.Sprintf("%.2f", maxCorr)
	if maxCorr < g.t.MaxCorrelation {
		return pass(g, actual, required, "acceptable overlap with the live portfolio"), nil
	}
	return fail(g, actual, required, fmt.Sprintf("highly correlated with live strategy %s", maxWith)), nil
}

type volatilityCapGate struct{ t *Thresholds }

func (g *volatilityCapGate) Name() string   { return "volatility-cap" }
func (g *volatilityCapGate) Priority() int  { return 7 }
func (g *volatilityCapGate) Critical() bool { return false }

func (g *volatilityCapGate) Evaluate(c *Candidate, _ *Context) (GateResult, error) {
	if c.Backtest == nil {
		return GateResult{}, fmt.Errorf("no backtest run available")
	}
	vol := c.Backtest.Results.Volatility
	actual := fmt.Sprintf("%.1f%%", vol*100)
	required := fmt.Sprintf("< %.0f%%", g.t.MaxVolatility*100)
	if vol < g.t.MaxVolatility {
		return pass(g, actual, required, "volatility within tolerance"), nil
	}
	return fail(g, actual, required, "annualized volatility too high"), nil
}

type portfolioCapacityGate struct{ t *Thresholds }

func (g *portfolioCapacityGate) Name() string   { return "portfolio-capacity" }
func (g *portfolioCapacityGate) Priority() int  { return 8 }
func (g *portfolioCapacityGate) Critical() bool { return true }

func (g *portfolioCapacityGate) Evaluate(_ *Candidate, ctx *Context) (GateResult, error) {
	active := len(ctx.ActiveDeployments)
	actual := fmt.Sprintf("%d", active)
	required := fmt.Sprintf("< %d", g.t.MaxActiveDeployments)
	if active < g.t.MaxActiveDeployments {
		return pass(g, actual, required, "portfolio has capacity"), nil
	}
	return fail(g, actual, required, "portfolio is at capacity"), nil
}

// defaultGates returns the production gate set in priority order.
func defaultGates(t *Thresholds) []Gate {
	return []Gate{
		&minimumScoreGate{t},
		&minimumTradesGate{t},
		&maximumDrawdownGate{t},
		&wfaConsistencyGate{t},
		&positiveReturnsGate{},
		&correlationLimitGate{t},
		&volatilityCapGate{t},
		&portfolioCapacityGate{t},
	}
}
