// Package stats provides the statistical primitives used by the
// allocation, promotion and risk engines.
package stats

import (
	"fmt"
	"math"

	mstats "github.com/montanaflynn/stats"
)

// Mean returns the arithmetic mean of the series.
func Mean(series []float64) (float64, error) {
	if len(series) == 0 {
		return 0, fmt.Errorf("mean requires a non-empty series")
	}
	return mstats.Mean(series)
}

// StdDev returns the sample standard deviation of the series.
func StdDev(series []float64) (float64, error) {
	if len(series) < 2 {
		return 0, fmt.Errorf("stddev requires at least 2 data points, got %d", len(series))
	}
	return mstats.StandardDeviationSample(series)
}

// Percentile returns the value at the given percentile (0-100).
func Percentile(series []float64, percent float64) (float64, error) {
	if len(series) == 0 {
		return 0, fmt.Errorf("percentile requires a non-empty series")
	}
	if percent < 0 || percent > 100 {
		return 0, fmt.Errorf("percentile must be within [0, 100], got %f", percent)
	}
	return mstats.Percentile(series, percent)
}

// PercentileRank returns the fraction of the series strictly below the
// given value, as a percentage in [0, 100].
func PercentileRank(series []float64, value float64) (float64, error) {
	if len(series) == 0 {
		return 0, fmt.Errorf("percentile rank requires a non-empty series")
	}
	below := 0
	for _, v := range series {
		if v < value {
			below++
		}
	}
	return 100 * float64(below) / float64(len(series)), nil
}

// SharpeRatio returns the annualized Sharpe ratio of a periodic return
// series against a periodic risk-free rate.
func SharpeRatio(returns []float64, riskFreeRate, periodsPerYear float64) (float64, error) {
	mean, err := Mean(returns)
	if err != nil {
		return 0, err
	}
	sd, err := StdDev(returns)
	if err != nil {
		return 0, err
	}
	if sd == 0 {
		return 0, nil
	}
	return (mean - riskFreeRate) / sd * math.Sqrt(periodsPerYear), nil
}

// SortinoRatio returns the annualized Sortino ratio, penalizing only
// downside deviation.
func SortinoRatio(returns []float64, riskFreeRate, periodsPerYear float64) (float64, error) {
	mean, err := Mean(returns)
	if err != nil {
		return 0, err
	}
	var downside float64
	var n int
	for _, r := range returns {
		if r < riskFreeRate {
			diff := r - riskFreeRate
			downside += diff * diff
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	dd := math.Sqrt(downside / float64(n))
	if dd == 0 {
		return 0, nil
	}
	return (mean - riskFreeRate) / dd * math.Sqrt(periodsPerYear), nil
}

// PearsonCorrelation returns the Pearson correlation coefficient of two
// equally sized return series.
func PearsonCorrelation(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("correlation requires equal-length series, got %d and %d", len(a), len(b))
	}
	if len(a) < 2 {
		return 0, fmt.Errorf("correlation requires at least 2 data points, got %d", len(a))
	}
	return mstats.Pearson(a, b)
}

// Beta returns the beta of a return series against a benchmark series
// (sample covariance over sample benchmark variance).
func Beta(returns, benchmark []float64) (float64, error) {
	if len(returns) != len(benchmark) {
		return 0, fmt.Errorf("beta requires equal-length series, got %d and %d", len(returns), len(benchmark))
	}
	if len(returns) < 2 {
		return 0, fmt.Errorf("beta requires at least 2 data points, got %d", len(returns))
	}
	cov, err := mstats.Covariance(returns, benchmark)
	if err != nil {
		return 0, err
	}
	benchVar, err := mstats.VarS(benchmark)
	if err != nil {
		return 0, err
	}
	if benchVar == 0 {
		return 0, fmt.Errorf("beta undefined for a constant benchmark")
	}
	return cov / benchVar, nil
}

// SimpleReturns converts a price series into period-over-period returns.
func SimpleReturns(prices []float64) ([]float64, error) {
	if len(prices) < 2 {
		return nil, fmt.Errorf("returns require at least 2 prices, got %d", len(prices))
	}
	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			return nil, fmt.Errorf("zero price at index %d", i-1)
		}
		returns = append(returns, prices[i]/prices[i-1]-1)
	}
	return returns, nil
}

// SMA returns the simple moving average of the last period values.
func SMA(series []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("sma period must be positive, got %d", period)
	}
	if len(series) < period {
		return 0, fmt.Errorf("sma requires %d data points, got %d", period, len(series))
	}
	sum := 0.0
	for _, v := range series[len(series)-period:] {
		sum += v
	}
	return sum / float64(period), nil
}
