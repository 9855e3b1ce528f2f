// Package lifecycle manages deployment state. A deployment is created by
// the promotion pipeline, activated by an operator, and leaves service
// through demotion or termination. Transitions follow a fixed machine:
// PENDING_APPROVAL -> ACTIVE -> {PAUSED <-> ACTIVE} -> {DEMOTED | TERMINATED}.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantfolio/advisor-backend/internal/audit"
	"github.com/quantfolio/advisor-backend/internal/store"
	"github.com/quantfolio/advisor-backend/pkg/types"
)

var (
	// ErrStrategyAlreadyDeployed is returned when the strategy already
	// has a live deployment.
	ErrStrategyAlreadyDeployed = errors.New("strategy already has an active deployment")
	// ErrPortfolioFull is returned when the active deployment cap is hit.
	ErrPortfolioFull = errors.New("portfolio is at capacity")
	// ErrInvalidTransition is returned for a disallowed status change.
	ErrInvalidTransition = errors.New("invalid deployment status transition")
)

// Config configures the deployment service
type Config struct {
	MaxActiveDeployments     int
	DefaultMaxDrawdownLimit  float64
	DefaultDailyLossLimit    float64
	DefaultPositionSizeLimit decimal.Decimal
}

// DefaultConfig returns the production deployment configuration
func DefaultConfig() *Config {
	return &Config{
		MaxActiveDeployments:     35,
		DefaultMaxDrawdownLimit:  0.20,
		DefaultDailyLossLimit:    0.05,
		DefaultPositionSizeLimit: decimal.NewFromInt(1000),
	}
}

// Service owns deployment state transitions.
type Service struct {
	logger      *zap.Logger
	config      *Config
	deployments store.DeploymentRepo
	audit       audit.Logger
}

// NewService creates a deployment lifecycle service.
func NewService(logger *zap.Logger, config *Config, deployments store.DeploymentRepo, auditLog audit.Logger) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	return &Service{
		logger:      logger.Named("lifecycle"),
		config:      config,
		deployments: deployments,
		audit:       auditLog,
	}
}

// CreateParams carries the promoted strategy's deployment settings.
// Zero-valued limits fall back to the configured defaults.
type CreateParams struct {
	AllocationPercent  float64
	MaxDrawdownLimit   float64
	DailyLossLimit     float64
	PositionSizeLimit  decimal.Decimal
	BacktestVolatility float64
	BacktestSharpe     float64
}

// CreateDeployment records a freshly promoted strategy as pending
// approval. At most one active deployment may exist per strategy, and the
// portfolio-wide active cap is enforced here as well as in the promotion
// gates.
func (s *Service) CreateDeployment(ctx context.Context, strategyConfigID string, params CreateParams) (*types.Deployment, error) {
	existing, err := s.deployments.ActiveByStrategy(ctx, strategyConfigID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("checking existing deployment: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrStrategyAlreadyDeployed, existing.ID)
	}

	active, err := s.deployments.CountByStatus(ctx, types.DeploymentStatusActive)
	if err != nil {
		return nil, fmt.Errorf("counting active deployments: %w", err)
	}
	if active >= s.config.MaxActiveDeployments {
		return nil, fmt.Errorf("%w: %d active", ErrPortfolioFull, active)
	}

	if params.MaxDrawdownLimit == 0 {
		params.MaxDrawdownLimit = s.config.DefaultMaxDrawdownLimit
	}
	if params.DailyLossLimit == 0 {
		params.DailyLossLimit = s.config.DefaultDailyLossLimit
	}
	if params.PositionSizeLimit.IsZero() {
		params.PositionSizeLimit = s.config.DefaultPositionSizeLimit
	}

	dep := &types.Deployment{
		ID:                 uuid.New().String(),
		StrategyConfigID:   strategyConfigID,
		Status:             types.DeploymentStatusPendingApproval,
		AllocationPercent:  params.AllocationPercent,
		MaxDrawdownLimit:   params.MaxDrawdownLimit,
		DailyLossLimit:     params.DailyLossLimit,
		PositionSizeLimit:  params.PositionSizeLimit,
		BacktestVolatility: params.BacktestVolatility,
		BacktestSharpe:     params.BacktestSharpe,
		CreatedAt:          time.Now().UTC(),
	}
	if err := s.deployments.Insert(ctx, dep); err != nil {
		return nil, fmt.Errorf("inserting deployment: %w", err)
	}

	s.logger.Info("Deployment created",
		zap.String("deploymentId", dep.ID),
		zap.String("strategyConfigId", strategyConfigID),
		zap.Float64("allocationPercent", params.AllocationPercent),
	)
	s.audit.Record(audit.EventDeploymentStatusChange, "deployment", dep.ID, audit.Options{
		AfterState: map[string]any{"status": dep.Status, "strategyConfigId": strategyConfigID},
	})
	return dep, nil
}

// ActivateDeployment moves a pending or paused deployment into service.
// The one-active-per-strategy and portfolio-cap invariants are re-checked
// here; creation-time checks alone cannot cover concurrently created
// pending deployments.
func (s *Service) ActivateDeployment(ctx context.Context, id, userID string) (*types.Deployment, error) {
	return s.transition(ctx, id, userID, types.DeploymentStatusActive, "", func(d *types.Deployment) error {
		switch d.Status {
		case types.DeploymentStatusPendingApproval, types.DeploymentStatusPaused:
		default:
			return fmt.Errorf("%w: %s -> active", ErrInvalidTransition, d.Status)
		}

		existing, err := s.deployments.ActiveByStrategy(ctx, d.StrategyConfigID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("checking existing deployment: %w", err)
		}
		if existing != nil && existing.ID != d.ID {
			return fmt.Errorf("%w: %s", ErrStrategyAlreadyDeployed, existing.ID)
		}

		active, err := s.deployments.CountByStatus(ctx, types.DeploymentStatusActive)
		if err != nil {
			return fmt.Errorf("counting active deployments: %w", err)
		}
		if active >= s.config.MaxActiveDeployments {
			return fmt.Errorf("%w: %d active", ErrPortfolioFull, active)
		}

		if d.Status == types.DeploymentStatusPendingApproval {
			now := time.Now().UTC()
			d.ActivatedAt = &now
		}
		return nil
	})
}

// PauseDeployment suspends an active deployment without ending it.
func (s *Service) PauseDeployment(ctx context.Context, id, userID string) (*types.Deployment, error) {
	return s.transition(ctx, id, userID, types.DeploymentStatusPaused, "", func(d *types.Deployment) error {
		if d.Status != types.DeploymentStatusActive {
			return fmt.Errorf("%w: %s -> paused", ErrInvalidTransition, d.Status)
		}
		return nil
	})
}

// DemoteDeployment permanently removes a deployment from service for
// cause. The reason names every risk condition that triggered it.
func (s *Service) DemoteDeployment(ctx context.Context, id, reason string) (*types.Deployment, error) {
	return s.transition(ctx, id, "", types.DeploymentStatusDemoted, reason, func(d *types.Deployment) error {
		if d.Status != types.DeploymentStatusActive && d.Status != types.DeploymentStatusPaused {
			return fmt.Errorf("%w: %s -> demoted", ErrInvalidTransition, d.Status)
		}
		return nil
	})
}

// TerminateDeployment permanently ends a deployment by operator action.
func (s *Service) TerminateDeployment(ctx context.Context, id, userID, reason string) (*types.Deployment, error) {
	return s.transition(ctx, id, userID, types.DeploymentStatusTerminated, reason, func(d *types.Deployment) error {
		if d.Status != types.DeploymentStatusActive && d.Status != types.DeploymentStatusPaused {
			return fmt.Errorf("%w: %s -> terminated", ErrInvalidTransition, d.Status)
		}
		return nil
	})
}

// transition loads the deployment, validates the move, persists and
// audits it. Terminal deployments never transition again.
func (s *Service) transition(ctx context.Context, id, userID string, target types.DeploymentStatus, reason string, validate func(*types.Deployment) error) (*types.Deployment, error) {
	dep, err := s.deployments.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading deployment %s: %w", id, err)
	}
	if dep.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, dep.Status)
	}
	if err := validate(dep); err != nil {
		return nil, err
	}

	before := dep.Status
	dep.Status = target
	if target.IsTerminal() {
		now := time.Now().UTC()
		dep.TerminatedAt = &now
		dep.TerminationReason = reason
	}
	if err := s.deployments.Update(ctx, dep); err != nil {
		return nil, fmt.Errorf("updating deployment %s: %w", id, err)
	}

	s.logger.Info("Deployment status changed",
		zap.String("deploymentId", id),
		zap.String("from", string(before)),
		zap.String("to", string(target)),
		zap.String("reason", reason),
	)
	s.audit.Record(audit.EventDeploymentStatusChange, "deployment", id, audit.Options{
		UserID:      userID,
		BeforeState: map[string]any{"status": before},
		AfterState:  map[string]any{"status": target, "reason": reason},
	})
	return dep, nil
}
