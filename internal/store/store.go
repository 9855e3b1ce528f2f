// Package store defines the read/write repositories the decision engines
// depend on. PostgreSQL implementations live in store/postgres; in-memory
// implementations back tests and database-less deployments.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/quantfolio/advisor-backend/pkg/types"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// OrderReader provides access to filled algorithmic order history.
type OrderReader interface {
	// ListFilledAlgorithmic returns filled, algorithmic orders for the
	// given strategies, oldest first.
	ListFilledAlgorithmic(ctx context.Context, strategyConfigIDs []string) ([]types.Order, error)
}

// ScoreReader provides access to strategy scoring snapshots.
type ScoreReader interface {
	// LatestScores returns the most recent score per strategy. Strategies
	// without any score are absent from the result.
	LatestScores(ctx context.Context, strategyConfigIDs []string) (map[string]types.StrategyScore, error)
}

// BacktestReader provides access to completed backtest runs.
type BacktestReader interface {
	// LatestCompleted returns the most recent completed run for a
	// strategy, or ErrNotFound.
	LatestCompleted(ctx context.Context, strategyConfigID string) (*types.BacktestRun, error)
}

// DeploymentRepo persists strategy deployments.
type DeploymentRepo interface {
	Get(ctx context.Context, id string) (*types.Deployment, error)
	Insert(ctx context.Context, d *types.Deployment) error
	Update(ctx context.Context, d *types.Deployment) error
	ListByStatus(ctx context.Context, status types.DeploymentStatus) ([]types.Deployment, error)
	CountByStatus(ctx context.Context, status types.DeploymentStatus) (int, error)
	// ActiveByStrategy returns the ACTIVE deployment for a strategy, or
	// ErrNotFound.
	ActiveByStrategy(ctx context.Context, strategyConfigID string) (*types.Deployment, error)
}

// MetricRepo persists daily performance metrics for deployments.
type MetricRepo interface {
	// Upsert inserts the metric, replacing any record with the same
	// deployment and date.
	Upsert(ctx context.Context, m *types.PerformanceMetric) error
	// ListSince returns metrics for a deployment on or after the given
	// date, ordered oldest first.
	ListSince(ctx context.Context, deploymentID string, since time.Time) ([]types.PerformanceMetric, error)
}
