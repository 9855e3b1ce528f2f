// Package postgres implements the repository interfaces on PostgreSQL
// via sqlx. Every query runs under a bounded timeout.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/quantfolio/advisor-backend/internal/store"
	"github.com/quantfolio/advisor-backend/pkg/types"
)

// Connect opens and pings a PostgreSQL pool.
func Connect(cfg types.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// Store implements the repository interfaces over one connection pool.
type Store struct {
	db      *sqlx.DB
	logger  *zap.Logger
	timeout time.Duration
}

// NewStore wraps an open pool.
func NewStore(db *sqlx.DB, logger *zap.Logger, queryTimeout time.Duration) *Store {
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	return &Store{
		db:      db,
		logger:  logger.Named("postgres"),
		timeout: queryTimeout,
	}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// ListFilledAlgorithmic implements store.OrderReader.
func (s *Store) ListFilledAlgorithmic(ctx context.Context, strategyConfigIDs []string) ([]types.Order, error) {
	if len(strategyConfigIDs) == 0 {
		return nil, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var orders []types.Order
	err := s.db.SelectContext(ctx, &orders, `
		SELECT id, strategy_config_id, symbol, side, status,
		       quantity, price, cost, gain_loss, is_algorithmic_trade,
		       created_at, filled_at
		FROM orders
		WHERE strategy_config_id = ANY($1)
		  AND status = 'filled'
		  AND is_algorithmic_trade = true
		ORDER BY created_at`,
		pq.Array(strategyConfigIDs))
	if err != nil {
		return nil, fmt.Errorf("listing filled algorithmic orders: %w", err)
	}
	return orders, nil
}

type scoreRow struct {
	ID                string    `db:"id"`
	StrategyConfigID  string    `db:"strategy_config_id"`
	OverallScore      float64   `db:"overall_score"`
	ComponentScores   []byte    `db:"component_scores"`
	Percentile        float64   `db:"percentile"`
	Grade             string    `db:"grade"`
	PromotionEligible bool      `db:"promotion_eligible"`
	Warnings          []byte    `db:"warnings"`
	CalculatedAt      time.Time `db:"calculated_at"`
}

func (r *scoreRow) toScore() (types.StrategyScore, error) {
	score := types.StrategyScore{
		ID:                r.ID,
		StrategyConfigID:  r.StrategyConfigID,
		OverallScore:      r.OverallScore,
		Percentile:        r.Percentile,
		Grade:             r.Grade,
		PromotionEligible: r.PromotionEligible,
		CalculatedAt:      r.CalculatedAt,
	}
	if len(r.ComponentScores) > 0 {
		if err := json.Unmarshal(r.ComponentScores, &score.ComponentScores); err != nil {
			return score, fmt.Errorf("decoding component scores for %s: %w", r.ID, err)
		}
	}
	if len(r.Warnings) > 0 {
		if err := json.Unmarshal(r.Warnings, &score.Warnings); err != nil {
			return score, fmt.Errorf("decoding warnings for %s: %w", r.ID, err)
		}
	}
	return score, nil
}

// LatestScores implements store.ScoreReader.
func (s *Store) LatestScores(ctx context.Context, strategyConfigIDs []string) (map[string]types.StrategyScore, error) {
	result := make(map[string]types.StrategyScore, len(strategyConfigIDs))
	if len(strategyConfigIDs) == 0 {
		return result, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rows []scoreRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT DISTINCT ON (strategy_config_id)
		       id, strategy_config_id, overall_score, component_scores,
		       percentile, grade, promotion_eligible, warnings, calculated_at
		FROM strategy_scores
		WHERE strategy_config_id = ANY($1)
		ORDER BY strategy_config_id, calculated_at DESC`,
		pq.Array(strategyConfigIDs))
	if err != nil {
		return nil, fmt.Errorf("fetching latest scores: %w", err)
	}
	for i := range rows {
		score, err := rows[i].toScore()
		if err != nil {
			return nil, err
		}
		result[score.StrategyConfigID] = score
	}
	return result, nil
}

type backtestRow struct {
	ID               string    `db:"id"`
	StrategyConfigID string    `db:"strategy_config_id"`
	Results          []byte    `db:"results"`
	CompletedAt      time.Time `db:"completed_at"`
}

// LatestCompleted implements store.BacktestReader.
func (s *Store) LatestCompleted(ctx context.Context, strategyConfigID string) (*types.BacktestRun, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var row backtestRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, strategy_config_id, results, completed_at
		FROM backtest_runs
		WHERE strategy_config_id = $1 AND completed_at IS NOT NULL
		ORDER BY completed_at DESC
		LIMIT 1`,
		strategyConfigID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching latest backtest for %s: %w", strategyConfigID, err)
	}

	run := &types.BacktestRun{
		ID:               row.ID,
		StrategyConfigID: row.StrategyConfigID,
		CompletedAt:      row.CompletedAt,
	}
	if err := json.Unmarshal(row.Results, &run.Results); err != nil {
		return nil, fmt.Errorf("decoding backtest results for %s: %w", row.ID, err)
	}
	return run, nil
}

// Get implements store.DeploymentRepo.
func (s *Store) Get(ctx context.Context, id string) (*types.Deployment, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var dep types.Deployment
	err := s.db.GetContext(ctx, &dep, `SELECT * FROM deployments WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching deployment %s: %w", id, err)
	}
	return &dep, nil
}

// Insert implements store.DeploymentRepo.
func (s *Store) Insert(ctx context.Context, d *types.Deployment) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO deployments (
			id, strategy_config_id, status, allocation_percent,
			max_drawdown_limit, daily_loss_limit, position_size_limit,
			realized_pnl, current_drawdown, max_drawdown_observed,
			live_sharpe_ratio, backtest_volatility, backtest_sharpe,
			drift_count, termination_reason, created_at, activated_at, terminated_at
		) VALUES (
			:id, :strategy_config_id, :status, :allocation_percent,
			:max_drawdown_limit, :daily_loss_limit, :position_size_limit,
			:realized_pnl, :current_drawdown, :max_drawdown_observed,
			:live_sharpe_ratio, :backtest_volatility, :backtest_sharpe,
			:drift_count, :termination_reason, :created_at, :activated_at, :terminated_at
		)`, d)
	if err != nil {
		return fmt.Errorf("inserting deployment %s: %w", d.ID, err)
	}
	return nil
}

// Update implements store.DeploymentRepo.
func (s *Store) Update(ctx context.Context, d *types.Deployment) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.NamedExecContext(ctx, `
		UPDATE deployments SET
			status = :status,
			allocation_percent = :allocation_percent,
			max_drawdown_limit = :max_drawdown_limit,
			daily_loss_limit = :daily_loss_limit,
			position_size_limit = :position_size_limit,
			realized_pnl = :realized_pnl,
			current_drawdown = :current_drawdown,
			max_drawdown_observed = :max_drawdown_observed,
			live_sharpe_ratio = :live_sharpe_ratio,
			backtest_volatility = :backtest_volatility,
			backtest_sharpe = :backtest_sharpe,
			drift_count = :drift_count,
			termination_reason = :termination_reason,
			activated_at = :activated_at,
			terminated_at = :terminated_at
		WHERE id = :id`, d)
	if err != nil {
		return fmt.Errorf("updating deployment %s: %w", d.ID, err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListByStatus implements store.DeploymentRepo.
func (s *Store) ListByStatus(ctx context.Context, status types.DeploymentStatus) ([]types.Deployment, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var deps []types.Deployment
	err := s.db.SelectContext(ctx, &deps,
		`SELECT * FROM deployments WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("listing deployments by status %s: %w", status, err)
	}
	return deps, nil
}

// CountByStatus implements store.DeploymentRepo.
func (s *Store) CountByStatus(ctx context.Context, status types.DeploymentStatus) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM deployments WHERE status = $1`, status)
	if err != nil {
		return 0, fmt.Errorf("counting deployments by status %s: %w", status, err)
	}
	return count, nil
}

// ActiveByStrategy implements store.DeploymentRepo.
func (s *Store) ActiveByStrategy(ctx context.Context, strategyConfigID string) (*types.Deployment, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var dep types.Deployment
	err := s.db.GetContext(ctx, &dep, `
		SELECT * FROM deployments
		WHERE strategy_config_id = $1 AND status = 'active'
		LIMIT 1`, strategyConfigID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching active deployment for %s: %w", strategyConfigID, err)
	}
	return &dep, nil
}

// Upsert implements store.MetricRepo. One row per deployment per day.
func (s *Store) Upsert(ctx context.Context, m *types.PerformanceMetric) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO performance_metrics (
			id, deployment_id, date, daily_pnl, daily_return, drawdown,
			volatility, sharpe_ratio, trades_executed, winning_trades
		) VALUES (
			:id, :deployment_id, date_trunc('day', :date), :daily_pnl, :daily_return, :drawdown,
			:volatility, :sharpe_ratio, :trades_executed, :winning_trades
		)
		ON CONFLICT (deployment_id, date) DO UPDATE SET
			daily_pnl = EXCLUDED.daily_pnl,
			daily_return = EXCLUDED.daily_return,
			drawdown = EXCLUDED.drawdown,
			volatility = EXCLUDED.volatility,
			sharpe_ratio = EXCLUDED.sharpe_ratio,
			trades_executed = EXCLUDED.trades_executed,
			winning_trades = EXCLUDED.winning_trades`, m)
	if err != nil {
		return fmt.Errorf("upserting metric for %s: %w", m.DeploymentID, err)
	}
	return nil
}

// ListSince implements store.MetricRepo, oldest first.
func (s *Store) ListSince(ctx context.Context, deploymentID string, since time.Time) ([]types.PerformanceMetric, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var metrics []types.PerformanceMetric
	err := s.db.SelectContext(ctx, &metrics, `
		SELECT id, deployment_id, date, daily_pnl, daily_return, drawdown,
		       volatility, sharpe_ratio, trades_executed, winning_trades
		FROM performance_metrics
		WHERE deployment_id = $1 AND date >= $2
		ORDER BY date`, deploymentID, since)
	if err != nil {
		return nil, fmt.Errorf("listing metrics for %s: %w", deploymentID, err)
	}
	return metrics, nil
}
