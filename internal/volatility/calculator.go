// Package volatility provides realized volatility estimation and the
// percentile-based volatility regime classification.
package volatility

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/quantfolio/advisor-backend/internal/stats"
	"github.com/quantfolio/advisor-backend/pkg/types"
)

// Estimator selects the realized volatility estimator
type Estimator string

const (
	EstimatorStandard    Estimator = "standard"
	EstimatorExponential Estimator = "exponential"
	EstimatorParkinson   Estimator = "parkinson"
)

// Bar is a single daily price bar
type Bar struct {
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// Config configures the volatility calculator
type Config struct {
	Window              int       // Rolling window length in bars
	AnnualizationFactor float64   // Periods per year (365 for daily crypto)
	Estimator           Estimator // Selected estimator
	EWMALambda          float64   // Decay for the exponential estimator

	// Percentile thresholds bucketing the regime. A percentile below
	// LowMax is LOW, below NormalMax is NORMAL, below HighMax is HIGH,
	// anything above is EXTREME.
	LowMaxPercentile    float64
	NormalMaxPercentile float64
	HighMaxPercentile   float64
}

// DefaultConfig returns the production thresholds
func DefaultConfig() *Config {
	return &Config{
		Window:              30,
		AnnualizationFactor: 365,
		Estimator:           EstimatorStandard,
		EWMALambda:          0.94,
		LowMaxPercentile:    25,
		NormalMaxPercentile: 75,
		HighMaxPercentile:   90,
	}
}

// Calculator computes realized volatility and its regime bucket
type Calculator struct {
	logger *zap.Logger
	config *Config
}

// NewCalculator creates a volatility calculator
func NewCalculator(logger *zap.Logger, config *Config) *Calculator {
	if config == nil {
		config = DefaultConfig()
	}
	return &Calculator{
		logger: logger.Named("volatility-calculator"),
		config: config,
	}
}

// Result is a full volatility classification
type Result struct {
	Volatility float64                `json:"volatility"` // Annualized
	Percentile float64                `json:"percentile"` // Rank in history, 0-100
	Regime     types.VolatilityRegime `json:"regime"`
	WindowUsed int                    `json:"windowUsed"`
}

// RealizedVolatility returns the annualized volatility of the most recent
// window of bars using the configured estimator.
func (c *Calculator) RealizedVolatility(bars []Bar) (float64, error) {
	if len(bars) < c.config.Window+1 {
		return 0, fmt.Errorf("volatility window %d requires %d bars, got %d",
			c.config.Window, c.config.Window+1, len(bars))
	}
	window := bars[len(bars)-c.config.Window-1:]

	var periodVol float64
	var err error
	switch c.config.Estimator {
	case EstimatorExponential:
		periodVol, err = c.ewmaVolatility(window)
	case EstimatorParkinson:
		periodVol, err = c.parkinsonVolatility(window[1:])
	default:
		periodVol, err = c.standardVolatility(window)
	}
	if err != nil {
		return 0, err
	}
	return periodVol * math.Sqrt(c.config.AnnualizationFactor), nil
}

// standardVolatility is the sample standard deviation of close-to-close returns.
func (c *Calculator) standardVolatility(window []Bar) (float64, error) {
	returns, err := closeReturns(window)
	if err != nil {
		return 0, err
	}
	return stats.StdDev(returns)
}

// ewmaVolatility is the exponentially weighted standard deviation of
// close-to-close returns, most recent observation weighted highest.
func (c *Calculator) ewmaVolatility(window []Bar) (float64, error) {
	returns, err := closeReturns(window)
	if err != nil {
		return 0, err
	}
	lambda := c.config.EWMALambda
	if lambda <= 0 || lambda >= 1 {
		return 0, fmt.Errorf("ewma lambda must be in (0, 1), got %f", lambda)
	}
	variance := 0.0
	weight := 1.0
	totalWeight := 0.0
	for i := len(returns) - 1; i >= 0; i-- {
		variance += weight * returns[i] * returns[i]
		totalWeight += weight
		weight *= lambda
	}
	return math.Sqrt(variance / totalWeight), nil
}

// parkinsonVolatility uses the high/low range estimator.
func (c *Calculator) parkinsonVolatility(window []Bar) (float64, error) {
	if len(window) == 0 {
		return 0, fmt.Errorf("parkinson estimator requires at least 1 bar")
	}
	sum := 0.0
	for i, bar := range window {
		if bar.High <= 0 || bar.Low <= 0 || bar.High < bar.Low {
			return 0, fmt.Errorf("invalid high/low at bar %d: high=%f low=%f", i, bar.High, bar.Low)
		}
		hl := math.Log(bar.High / bar.Low)
		sum += hl * hl
	}
	return math.Sqrt(sum / (4 * math.Ln2 * float64(len(window)))), nil
}

// Classify computes the current annualized volatility, ranks it against the
// rolling history derivable from the same bars, and buckets the rank.
func (c *Calculator) Classify(bars []Bar) (*Result, error) {
	current, err := c.RealizedVolatility(bars)
	if err != nil {
		return nil, err
	}

	history, err := c.historicalSeries(bars)
	if err != nil {
		return nil, err
	}

	percentile, err := stats.PercentileRank(history, current)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Volatility: current,
		Percentile: percentile,
		Regime:     c.bucket(percentile),
		WindowUsed: c.config.Window,
	}

	c.logger.Debug("Volatility classified",
		zap.Float64("volatility", current),
		zap.Float64("percentile", percentile),
		zap.String("regime", string(result.Regime)),
	)

	return result, nil
}

// historicalSeries computes the rolling annualized volatility at every bar
// where a full window is available.
func (c *Calculator) historicalSeries(bars []Bar) ([]float64, error) {
	w := c.config.Window
	if len(bars) < w+1 {
		return nil, fmt.Errorf("history requires %d bars, got %d", w+1, len(bars))
	}
	series := make([]float64, 0, len(bars)-w)
	for end := w + 1; end <= len(bars); end++ {
		vol, err := c.RealizedVolatility(bars[:end])
		if err != nil {
			return nil, err
		}
		series = append(series, vol)
	}
	return series, nil
}

// bucket maps a percentile rank into a volatility regime.
func (c *Calculator) bucket(percentile float64) types.VolatilityRegime {
	switch {
	case percentile < c.config.LowMaxPercentile:
		return types.VolRegimeLow
	case percentile < c.config.NormalMaxPercentile:
		return types.VolRegimeNormal
	case percentile < c.config.HighMaxPercentile:
		return types.VolRegimeHigh
	default:
		return types.VolRegimeExtreme
	}
}

func closeReturns(window []Bar) ([]float64, error) {
	closes := make([]float64, len(window))
	for i, bar := range window {
		if bar.Close <= 0 {
			return nil, fmt.Errorf("non-positive close at bar %d", i)
		}
		closes[i] = bar.Close
	}
	return stats.SimpleReturns(closes)
}
