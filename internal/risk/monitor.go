package risk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quantfolio/advisor-backend/internal/audit"
	"github.com/quantfolio/advisor-backend/internal/store"
	"github.com/quantfolio/advisor-backend/pkg/types"
)

// historyWindow is how much metric history each check sees.
const historyWindow = 30 * 24 * time.Hour

// Demoter pulls a deployment out of service for cause.
type Demoter interface {
	DemoteDeployment(ctx context.Context, id, reason string) (*types.Deployment, error)
}

// Evaluation is the outcome of one monitor pass over a deployment.
type Evaluation struct {
	DeploymentID   string        `json:"deploymentId"`
	Checks         []CheckResult `json:"checks"`
	Critical       bool          `json:"critical"`
	Demoted        bool          `json:"demoted"`
	DemotionReason string        `json:"demotionReason,omitempty"`
	EvaluatedAt    time.Time     `json:"evaluatedAt"`
}

// Monitor runs the risk checks against live deployments.
type Monitor struct {
	logger      *zap.Logger
	checks      []Check
	deployments store.DeploymentRepo
	metrics     store.MetricRepo
	lifecycle   Demoter
	audit       audit.Logger
}

// NewMonitor creates a risk monitor with the production check set.
func NewMonitor(logger *zap.Logger, limits *Limits, deployments store.DeploymentRepo, metrics store.MetricRepo, lifecycle Demoter, auditLog audit.Logger) *Monitor {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Monitor{
		logger:      logger.Named("risk-monitor"),
		checks:      defaultChecks(limits),
		deployments: deployments,
		metrics:     metrics,
		lifecycle:   lifecycle,
		audit:       auditLog,
	}
}

// EvaluateAll runs one monitor pass over every active deployment. A
// failure on one deployment does not stop the sweep.
func (m *Monitor) EvaluateAll(ctx context.Context) ([]Evaluation, error) {
	active, err := m.deployments.ListByStatus(ctx, types.DeploymentStatusActive)
	if err != nil {
		return nil, fmt.Errorf("listing active deployments: %w", err)
	}

	evals := make([]Evaluation, 0, len(active))
	for i := range active {
		eval, err := m.EvaluateDeployment(ctx, &active[i])
		if err != nil {
			m.logger.Error("Risk evaluation failed",
				zap.String("deploymentId", active[i].ID),
				zap.Error(err),
			)
			continue
		}
		evals = append(evals, *eval)
	}
	return evals, nil
}

// EvaluateDeployment runs every check against one deployment. Inactive
// deployments short-circuit to an empty, non-critical evaluation. The
// deployment is auto-demoted iff at least one demote-enabled check fails
// critically; the demotion reason names every such check.
func (m *Monitor) EvaluateDeployment(ctx context.Context, dep *types.Deployment) (*Evaluation, error) {
	eval := &Evaluation{
		DeploymentID: dep.ID,
		EvaluatedAt:  time.Now().UTC(),
	}
	if dep.Status != types.DeploymentStatusActive {
		return eval, nil
	}

	history, err := m.metrics.ListSince(ctx, dep.ID, time.Now().Add(-historyWindow))
	if err != nil {
		return nil, fmt.Errorf("loading metric history for %s: %w", dep.ID, err)
	}

	var demotionCauses []string
	for _, check := range m.checks {
		res := m.runCheck(check, dep, history)
		eval.Checks = append(eval.Checks, res)
		if res.Passed {
			continue
		}
		m.logger.Warn("Risk check failed",
			zap.String("deploymentId", dep.ID),
			zap.String("check", res.Check),
			zap.String("severity", string(res.Severity)),
			zap.String("value", res.Value),
		)
		if res.Severity == SeverityCritical {
			eval.Critical = true
			if res.AutoDemote {
				demotionCauses = append(demotionCauses, res.Check)
			}
		}
	}

	if len(demotionCauses) > 0 {
		reason := "risk limits breached: " + strings.Join(demotionCauses, ", ")
		if _, err := m.lifecycle.DemoteDeployment(ctx, dep.ID, reason); err != nil {
			m.logger.Error("Auto-demotion failed",
				zap.String("deploymentId", dep.ID),
				zap.Error(err),
			)
		} else {
			eval.Demoted = true
			eval.DemotionReason = reason
			m.audit.Record(audit.EventAutoDemotion, "deployment", dep.ID, audit.Options{
				Metadata: map[string]any{
					"reason": reason,
					"checks": demotionCauses,
				},
			})
		}
	}

	m.audit.Record(audit.EventRiskEvaluation, "deployment", dep.ID, audit.Options{
		Metadata: map[string]any{
			"critical": eval.Critical,
			"demoted":  eval.Demoted,
			"checks":   eval.Checks,
		},
	})
	return eval, nil
}

// runCheck evaluates one check, converting an error or a panic into a
// failing high-severity result so the remaining checks still run. A
// broken check never demotes on its own.
func (m *Monitor) runCheck(check Check, dep *types.Deployment, history []types.PerformanceMetric) (res CheckResult) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Risk check panicked",
				zap.String("check", check.Name()),
				zap.Any("panic", r),
			)
			res = brokenResult(check, fmt.Sprintf("check panicked: %v", r))
		}
	}()

	res, err := check.Evaluate(dep, history)
	if err != nil {
		m.logger.Error("Risk check errored",
			zap.String("check", check.Name()),
			zap.Error(err),
		)
		return brokenResult(check, err.Error())
	}
	return res
}

// brokenResult is the failing result for a check that could not run.
// Severity is high, not critical; a broken check never triggers demotion.
func brokenResult(check Check, message string) CheckResult {
	return CheckResult{
		Check:      check.Name(),
		Priority:   check.Priority(),
		Passed:     false,
		Severity:   SeverityHigh,
		AutoDemote: check.AutoDemote(),
		Value:      "ERROR",
		Message:    message,
	}
}
