package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quantfolio/advisor-backend/pkg/types"
)

// MemoryStore is an in-memory implementation of every repository. It backs
// tests and deployments without a configured database.
type MemoryStore struct {
	mu          sync.RWMutex
	orders      []types.Order
	scores      []types.StrategyScore
	backtests   []types.BacktestRun
	deployments map[string]types.Deployment
	metrics     map[string][]types.PerformanceMetric // keyed by deployment ID
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deployments: make(map[string]types.Deployment),
		metrics:     make(map[string][]types.PerformanceMetric),
	}
}

// AddOrder seeds an order.
func (s *MemoryStore) AddOrder(o types.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, o)
}

// AddScore seeds a strategy score.
func (s *MemoryStore) AddScore(sc types.StrategyScore) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores = append(s.scores, sc)
}

// AddBacktest seeds a completed backtest run.
func (s *MemoryStore) AddBacktest(b types.BacktestRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backtests = append(s.backtests, b)
}

// ListFilledAlgorithmic implements OrderReader.
func (s *MemoryStore) ListFilledAlgorithmic(_ context.Context, strategyConfigIDs []string) ([]types.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]bool, len(strategyConfigIDs))
	for _, id := range strategyConfigIDs {
		wanted[id] = true
	}

	var result []types.Order
	for _, o := range s.orders {
		if wanted[o.StrategyConfigID] && o.IsAlgorithmicTrade && o.Status == types.OrderStatusFilled {
			result = append(result, o)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// LatestScores implements ScoreReader.
func (s *MemoryStore) LatestScores(_ context.Context, strategyConfigIDs []string) (map[string]types.StrategyScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]bool, len(strategyConfigIDs))
	for _, id := range strategyConfigIDs {
		wanted[id] = true
	}

	latest := make(map[string]types.StrategyScore)
	for _, sc := range s.scores {
		if !wanted[sc.StrategyConfigID] {
			continue
		}
		cur, ok := latest[sc.StrategyConfigID]
		if !ok || sc.CalculatedAt.After(cur.CalculatedAt) {
			latest[sc.StrategyConfigID] = sc
		}
	}
	return latest, nil
}

// LatestCompleted implements BacktestReader.
func (s *MemoryStore) LatestCompleted(_ context.Context, strategyConfigID string) (*types.BacktestRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *types.BacktestRun
	for i := range s.backtests {
		b := s.backtests[i]
		if b.StrategyConfigID != strategyConfigID {
			continue
		}
		if found == nil || b.CompletedAt.After(found.CompletedAt) {
			cp := b
			found = &cp
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// Get implements DeploymentRepo.
func (s *MemoryStore) Get(_ context.Context, id string) (*types.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deployments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := d
	return &cp, nil
}

// Insert implements DeploymentRepo.
func (s *MemoryStore) Insert(_ context.Context, d *types.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deployments[d.ID] = *d
	return nil
}

// Update implements DeploymentRepo.
func (s *MemoryStore) Update(_ context.Context, d *types.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deployments[d.ID]; !ok {
		return ErrNotFound
	}
	s.deployments[d.ID] = *d
	return nil
}

// ListByStatus implements DeploymentRepo.
func (s *MemoryStore) ListByStatus(_ context.Context, status types.DeploymentStatus) ([]types.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []types.Deployment
	for _, d := range s.deployments {
		if d.Status == status {
			result = append(result, d)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// CountByStatus implements DeploymentRepo.
func (s *MemoryStore) CountByStatus(ctx context.Context, status types.DeploymentStatus) (int, error) {
	list, err := s.ListByStatus(ctx, status)
	if err != nil {
		return 0, err
	}
	return len(list), nil
}

// ActiveByStrategy implements DeploymentRepo.
func (s *MemoryStore) ActiveByStrategy(_ context.Context, strategyConfigID string) (*types.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.deployments {
		if d.StrategyConfigID == strategyConfigID && d.Status == types.DeploymentStatusActive {
			cp := d
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// Upsert implements MetricRepo.
func (s *MemoryStore) Upsert(_ context.Context, m *types.PerformanceMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := m.Date.Truncate(24 * time.Hour)
	list := s.metrics[m.DeploymentID]
	for i := range list {
		if list[i].Date.Truncate(24 * time.Hour).Equal(day) {
			list[i] = *m
			return nil
		}
	}
	s.metrics[m.DeploymentID] = append(list, *m)
	return nil
}

// ListSince implements MetricRepo.
func (s *MemoryStore) ListSince(_ context.Context, deploymentID string, since time.Time) ([]types.PerformanceMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []types.PerformanceMetric
	for _, m := range s.metrics[deploymentID] {
		if !m.Date.Before(since) {
			result = append(result, m)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Date.Before(result[j].Date)
	})
	return result, nil
}
