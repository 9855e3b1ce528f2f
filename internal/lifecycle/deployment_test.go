package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap"

	"github.com/quantfolio/advisor-backend/internal/audit"
	"github.com/quantfolio/advisor-backend/internal/store"
	"github.com/quantfolio/advisor-backend/pkg/types"
)

func newTestService(st *store.MemoryStore) *Service {
	return NewService(zap.NewNop(), DefaultConfig(), st, audit.Nop())
}

func mustCreate(t *testing.T, svc *Service, strategyID string) *types.Deployment {
	t.Helper()
	dep, err := svc.CreateDeployment(context.Background(), strategyID, CreateParams{AllocationPercent: 0.05})
	if err != nil {
		t.Fatalf("CreateDeployment(%s) failed: %v", strategyID, err)
	}
	return dep
}

func TestCreateDeploymentDefaults(t *testing.T) {
	svc := newTestService(store.NewMemoryStore())
	dep := mustCreate(t, svc, "s1")

	if dep.Status != types.DeploymentStatusPendingApproval {
		t.Errorf("new deployment should await approval, got %s", dep.Status)
	}
	if dep.MaxDrawdownLimit != 0.20 || dep.DailyLossLimit != 0.05 {
		t.Errorf("zero limits should take defaults: %+v", dep)
	}
	if dep.ID == "" {
		t.Error("deployment must get an id")
	}
}

func TestCreateDeploymentRejectsSecondActive(t *testing.T) {
	st := store.NewMemoryStore()
	svc := newTestService(st)
	dep := mustCreate(t, svc, "s1")
	if _, err := svc.ActivateDeployment(context.Background(), dep.ID, "ops"); err != nil {
		t.Fatalf("activate failed: %v", err)
	}

	_, err := svc.CreateDeployment(context.Background(), "s1", CreateParams{})
	if !errors.Is(err, ErrStrategyAlreadyDeployed) {
		t.Errorf("expected ErrStrategyAlreadyDeployed, got %v", err)
	}
}

func TestCreateDeploymentPortfolioCap(t *testing.T) {
	st := store.NewMemoryStore()
	svc := newTestService(st)
	for i := 0; i < DefaultConfig().MaxActiveDeployments; i++ {
		id := fmt.Sprintf("s%d", i)
		dep := mustCreate(t, svc, id)
		if _, err := svc.ActivateDeployment(context.Background(), dep.ID, "ops"); err != nil {
			t.Fatalf("activate %s failed: %v", id, err)
		}
	}

	_, err := svc.CreateDeployment(context.Background(), "s-extra", CreateParams{})
	if !errors.Is(err, ErrPortfolioFull) {
		t.Errorf("expected ErrPortfolioFull, got %v", err)
	}
}

func TestActivateRejectsSecondActiveForStrategy(t *testing.T) {
	st := store.NewMemoryStore()
	svc := newTestService(st)
	ctx := context.Background()

	// Both creations succeed while neither deployment is ACTIVE yet.
	first := mustCreate(t, svc, "s1")
	second := mustCreate(t, svc, "s1")

	if _, err := svc.ActivateDeployment(ctx, first.ID, "ops"); err != nil {
		t.Fatalf("first activate failed: %v", err)
	}
	_, err := svc.ActivateDeployment(ctx, second.ID, "ops")
	if !errors.Is(err, ErrStrategyAlreadyDeployed) {
		t.Fatalf("expected ErrStrategyAlreadyDeployed, got %v", err)
	}

	active, err := st.ActiveByStrategy(ctx, "s1")
	if err != nil {
		t.Fatalf("ActiveByStrategy failed: %v", err)
	}
	if active.ID != first.ID {
		t.Errorf("expected %s to stay the single active deployment, got %s", first.ID, active.ID)
	}
	stored, err := st.Get(ctx, second.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Status != types.DeploymentStatusPendingApproval {
		t.Errorf("rejected activation must not change status, got %s", stored.Status)
	}
}

func TestActivateEnforcesPortfolioCap(t *testing.T) {
	st := store.NewMemoryStore()
	config := DefaultConfig()
	config.MaxActiveDeployments = 2
	svc := NewService(zap.NewNop(), config, st, audit.Nop())
	ctx := context.Background()

	// Three pendings fit under the cap at creation time; only two may go live.
	deps := make([]*types.Deployment, 3)
	for i := range deps {
		deps[i] = mustCreate(t, svc, fmt.Sprintf("s%d", i))
	}
	for _, dep := range deps[:2] {
		if _, err := svc.ActivateDeployment(ctx, dep.ID, "ops"); err != nil {
			t.Fatalf("activate %s failed: %v", dep.ID, err)
		}
	}

	if _, err := svc.ActivateDeployment(ctx, deps[2].ID, "ops"); !errors.Is(err, ErrPortfolioFull) {
		t.Fatalf("expected ErrPortfolioFull, got %v", err)
	}

	// Resuming a paused deployment respects the same cap.
	if _, err := svc.PauseDeployment(ctx, deps[0].ID, "ops"); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if _, err := svc.ActivateDeployment(ctx, deps[2].ID, "ops"); err != nil {
		t.Fatalf("activate into freed slot failed: %v", err)
	}
	if _, err := svc.ActivateDeployment(ctx, deps[0].ID, "ops"); !errors.Is(err, ErrPortfolioFull) {
		t.Errorf("resume over the cap should be rejected, got %v", err)
	}
}

func TestStatusMachine(t *testing.T) {
	st := store.NewMemoryStore()
	svc := newTestService(st)
	ctx := context.Background()
	dep := mustCreate(t, svc, "s1")

	// Pausing before activation is not a legal move.
	if _, err := svc.PauseDeployment(ctx, dep.ID, "ops"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pending -> paused should be rejected, got %v", err)
	}

	dep, err := svc.ActivateDeployment(ctx, dep.ID, "ops")
	if err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	if dep.ActivatedAt == nil {
		t.Error("activation should stamp activatedAt")
	}

	if _, err := svc.PauseDeployment(ctx, dep.ID, "ops"); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if _, err := svc.ActivateDeployment(ctx, dep.ID, "ops"); err != nil {
		t.Fatalf("resume failed: %v", err)
	}

	dep, err = svc.DemoteDeployment(ctx, dep.ID, "drawdown breach")
	if err != nil {
		t.Fatalf("demote failed: %v", err)
	}
	if dep.Status != types.DeploymentStatusDemoted || dep.TerminatedAt == nil {
		t.Errorf("demotion should be terminal with a timestamp: %+v", dep)
	}
	if dep.TerminationReason != "drawdown breach" {
		t.Errorf("demotion reason lost: %q", dep.TerminationReason)
	}

	// Terminal states never transition again.
	if _, err := svc.ActivateDeployment(ctx, dep.ID, "ops"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("demoted deployment must not reactivate, got %v", err)
	}
	if _, err := svc.TerminateDeployment(ctx, dep.ID, "ops", "cleanup"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("demoted deployment must not terminate, got %v", err)
	}
}

func TestTerminateFromPaused(t *testing.T) {
	st := store.NewMemoryStore()
	svc := newTestService(st)
	ctx := context.Background()
	dep := mustCreate(t, svc, "s1")
	if _, err := svc.ActivateDeployment(ctx, dep.ID, "ops"); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	if _, err := svc.PauseDeployment(ctx, dep.ID, "ops"); err != nil {
		t.Fatalf("pause failed: %v", err)
	}

	dep, err := svc.TerminateDeployment(ctx, dep.ID, "ops", "strategy retired")
	if err != nil {
		t.Fatalf("terminate failed: %v", err)
	}
	if dep.Status != types.DeploymentStatusTerminated {
		t.Errorf("expected terminated, got %s", dep.Status)
	}
}
