// Package risk implements the continuous risk monitor for live
// deployments. Five ordered checks run against each active deployment's
// latest state and last 30 days of performance metrics; critical failures
// on demote-enabled checks pull the deployment out of service.
package risk

import (
	"fmt"
	"math"

	"github.com/quantfolio/advisor-backend/pkg/types"
)

// Severity grades a check outcome.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Limits holds the risk check thresholds
type Limits struct {
	DrawdownBreachFactor float64 // Multiple of the deployment's drawdown limit
	CriticalLossStreak   int     // Consecutive losing days for demotion
	WarningLossStreak    int     // Consecutive losing days for a warning
	CriticalVolFactor    float64 // Multiple of expected volatility for demotion
	WarningVolFactor     float64 // Multiple of expected volatility for a warning
	DefaultExpectedVol   float64 // Used when the deployment has no backtest volatility
	MaxSharpeDegradation float64 // Fractional degradation vs backtest Sharpe
}

// DefaultLimits returns the production risk thresholds
func DefaultLimits() *Limits {
	return &Limits{
		DrawdownBreachFactor: 1.5,
		CriticalLossStreak:   15,
		WarningLossStreak:    10,
		CriticalVolFactor:    3.0,
		WarningVolFactor:     2.0,
		DefaultExpectedVol:   0.50,
		MaxSharpeDegradation: 0.50,
	}
}

// CheckResult is the outcome of a single risk check.
type CheckResult struct {
	Check      string   `json:"check"`
	Priority   int      `json:"priority"`
	Passed     bool     `json:"passed"`
	Severity   Severity `json:"severity"`
	AutoDemote bool     `json:"autoDemote"`
	Value      string   `json:"value"`
	Limit      string   `json:"limit"`
	Message    string   `json:"message"`
}

// Check is a single risk condition. History is ordered oldest to newest.
type Check interface {
	Name() string
	Priority() int
	// AutoDemote reports whether a critical failure of this check pulls
	// the deployment out of service.
	AutoDemote() bool
	Evaluate(dep *types.Deployment, history []types.PerformanceMetric) (CheckResult, error)
}

func result(c Check, passed bool, severity Severity, value, limit, message string) CheckResult {
	return CheckResult{
		Check: c.Name(), Priority: c.Priority(), Passed: passed, Severity: severity,
		AutoDemote: c.AutoDemote(), Value: value, Limit: limit, Message: message,
	}
}

// drawdownBreachCheck fires when the live drawdown runs far past the
// deployment's own limit.
type drawdownBreachCheck struct{ l *Limits }

func (c *drawdownBreachCheck) Name() string     { return "drawdown-breach" }
func (c *drawdownBreachCheck) Priority() int    { return 1 }
func (c *drawdownBreachCheck) AutoDemote() bool { return true }

func (c *drawdownBreachCheck) Evaluate(dep *types.Deployment, _ []types.PerformanceMetric) (CheckResult, error) {
	if dep.MaxDrawdownLimit <= 0 {
		return result(c, true, SeverityLow, "n/a", "n/a", "no drawdown limit configured"), nil
	}
	dd := math.Abs(dep.CurrentDrawdown)
	breach := c.l.DrawdownBreachFactor * dep.MaxDrawdownLimit
	value := fmt.Sprintf("%.1f%%", dd*100)
	limit := fmt.Sprintf("%.1f%%", breach*100)
	if dd >= breach {
		return result(c, false, SeverityCritical, value, limit, "drawdown far beyond the configured limit"), nil
	}
	return result(c, true, SeverityLow, value, limit, "drawdown within tolerance"), nil
}

// dailyLossCheck fires when the most recent day lost more than the
// deployment's daily loss limit.
type dailyLossCheck struct{ l *Limits }

func (c *dailyLossCheck) Name() string     { return "daily-loss-limit" }
func (c *dailyLossCheck) Priority() int    { return 2 }
func (c *dailyLossCheck) AutoDemote() bool { return true }

func (c *dailyLossCheck) Evaluate(dep *types.Deployment, history []types.PerformanceMetric) (CheckResult, error) {
	if dep.DailyLossLimit <= 0 {
		return result(c, true, SeverityLow, "n/a", "n/a", "no daily loss limit configured"), nil
	}
	if len(history) == 0 {
		return result(c, true, SeverityLow, "n/a", "n/a", "insufficient data"), nil
	}
	latest := history[len(history)-1]
	value := fmt.Sprintf("%.2f%%", latest.DailyReturn*100)
	limit := fmt.Sprintf("-%.2f%%", dep.DailyLossLimit*100)
	if latest.DailyReturn < 0 && math.Abs(latest.DailyReturn) >= dep.DailyLossLimit {
		return result(c, false, SeverityCritical, value, limit, "daily loss limit breached"), nil
	}
	return result(c, true, SeverityLow, value, limit, "daily loss within limit"), nil
}

// consecutiveLossCheck counts the trailing streak of losing days. A break
// anywhere in the middle resets the count; only the streak ending at the
// most recent day matters.
type consecutiveLossCheck struct{ l *Limits }

func (c *consecutiveLossCheck) Name() string     { return "consecutive-losses" }
func (c *consecutiveLossCheck) Priority() int    { return 3 }
func (c *consecutiveLossCheck) AutoDemote() bool { return true }

func (c *consecutiveLossCheck) Evaluate(_ *types.Deployment, history []types.PerformanceMetric) (CheckResult, error) {
	streak := 0
	for i := len(history) - 1; i >= 0; i-- {
		if !history[i].DailyPnl.IsNegative() {
			break
		}
		streak++
	}
	value := fmt.Sprintf("%d", streak)
	limit := fmt.Sprintf("%d", c.l.CriticalLossStreak)
	switch {
	case streak >= c.l.CriticalLossStreak:
		return result(c, false, SeverityCritical, value, limit, "extended losing streak"), nil
	case streak >= c.l.WarningLossStreak:
		return result(c, false, SeverityHigh, value, limit, "losing streak building"), nil
	default:
		return result(c, true, SeverityLow, value, limit, "no concerning losing streak"), nil
	}
}

// volatilitySpikeCheck compares the latest realized volatility to the
// expectation set by the backtest.
type volatilitySpikeCheck struct{ l *Limits }

func (c *volatilitySpikeCheck) Name() string     { return "volatility-spike" }
func (c *volatilitySpikeCheck) Priority() int    { return 4 }
func (c *volatilitySpikeCheck) AutoDemote() bool { return true }

func (c *volatilitySpikeCheck) Evaluate(dep *types.Deployment, history []types.PerformanceMetric) (CheckResult, error) {
	if len(history) == 0 {
		return result(c, true, SeverityLow, "n/a", "n/a", "insufficient data"), nil
	}
	expected := dep.BacktestVolatility
	if expected <= 0 {
		expected = c.l.DefaultExpectedVol
	}
	current := history[len(history)-1].Volatility
	ratio := current / expected
	value := fmt.Sprintf("%.1f%% (%.2fx expected)", current*100, ratio)
	limit := fmt.Sprintf("< %.1fx of %.1f%%", c.l.WarningVolFactor, expected*100)
	switch {
	case ratio >= c.l.CriticalVolFactor:
		return result(c, false, SeverityCritical, value, limit, "volatility spike far beyond expectation"), nil
	case ratio >= c.l.WarningVolFactor:
		return result(c, false, SeverityHigh, value, limit, "volatility elevated beyond expectation"), nil
	case ratio >= 1.5:
		return result(c, true, SeverityMedium, value, limit, "volatility above expectation"), nil
	default:
		return result(c, true, SeverityLow, value, limit, "volatility near expectation"), nil
	}
}

// sharpeDegradationCheck warns when live risk-adjusted returns fall far
// below the backtest. It never demotes on its own.
type sharpeDegradationCheck struct{ l *Limits }

func (c *sharpeDegradationCheck) Name() string     { return "sharpe-degradation" }
func (c *sharpeDegradationCheck) Priority() int    { return 5 }
func (c *sharpeDegradationCheck) AutoDemote() bool { return false }

func (c *sharpeDegradationCheck) Evaluate(dep *types.Deployment, _ []types.PerformanceMetric) (CheckResult, error) {
	if dep.BacktestSharpe <= 0 {
		return result(c, true, SeverityLow, "n/a", "n/a", "no backtest sharpe to compare against"), nil
	}
	degradation := (dep.BacktestSharpe - dep.LiveSharpeRatio) / dep.BacktestSharpe
	value := fmt.Sprintf("live %.2f vs backtest %.2f (%.0f%% degraded)", dep.LiveSharpeRatio, dep.BacktestSharpe, degradation*100)
	limit := fmt.Sprintf("< %.0f%% degradation", c.l.MaxSharpeDegradation*100)
	if degradation >= c.l.MaxSharpeDegradation {
		return result(c, false, SeverityHigh, value, limit, "live sharpe degraded far below backtest"), nil
	}
	return result(c, true, SeverityLow, value, limit, "live sharpe holding up"), nil
}

// defaultChecks returns the production check set in priority order.
func defaultChecks(l *Limits) []Check {
	return []Check{
		&drawdownBreachCheck{l},
		&dailyLossCheck{l},
		&consecutiveLossCheck{l},
		&volatilitySpikeCheck{l},
		&sharpeDegradationCheck{l},
	}
}
