// Package regime provides the composite market regime classifier and the
// regime-based signal gate. The composite regime combines the volatility
// regime with a 200-day trend filter into BULL/NEUTRAL/BEAR/EXTREME.
package regime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/quantfolio/advisor-backend/internal/audit"
	"github.com/quantfolio/advisor-backend/internal/cache"
	"github.com/quantfolio/advisor-backend/internal/stats"
	"github.com/quantfolio/advisor-backend/internal/volatility"
	"github.com/quantfolio/advisor-backend/pkg/types"
)

// overrideCacheKey is where the manual override survives restarts.
const overrideCacheKey = "regime:override"

// overrideTTL bounds how long a persisted override outlives its operator.
const overrideTTL = 24 * time.Hour

// MarketData supplies daily price bars for the regime symbol.
type MarketData interface {
	GetDailyBars(ctx context.Context, symbol string, lookbackDays int) ([]volatility.Bar, error)
}

// Classify maps a volatility regime and trend direction to the composite
// regime. Total over all 8 input combinations.
func Classify(volRegime types.VolatilityRegime, trendAboveSma bool) types.CompositeRegime {
	if trendAboveSma {
		switch volRegime {
		case types.VolRegimeLow, types.VolRegimeNormal:
			return types.RegimeBull
		default: // HIGH_VOLATILITY, EXTREME
			return types.RegimeNeutral
		}
	}
	if volRegime == types.VolRegimeExtreme {
		return types.RegimeExtreme
	}
	return types.RegimeBear
}

// Config configures the composite regime service
type Config struct {
	Symbol          string        // Regime reference symbol
	SmaPeriod       int           // Trend filter period
	LookbackDays    int           // History fetched per refresh
	RefreshInterval time.Duration // Scheduler cadence
}

// DefaultConfig returns the production regime configuration
func DefaultConfig() *Config {
	return &Config{
		Symbol:          "BTCUSDT",
		SmaPeriod:       200,
		LookbackDays:    365,
		RefreshInterval: time.Hour,
	}
}

// Service computes and caches the composite regime. The cached snapshot is
// replaced wholesale on refresh; readers never observe a partial update.
type Service struct {
	logger *zap.Logger
	config *Config
	market MarketData
	vol    *volatility.Calculator
	cache  cache.Cache
	audit  audit.Logger

	snapshot atomic.Pointer[types.RegimeSnapshot]
	override atomic.Pointer[types.RegimeOverride]
}

// NewService creates a composite regime service.
func NewService(logger *zap.Logger, config *Config, market MarketData, vol *volatility.Calculator, ttlCache cache.Cache, auditLog audit.Logger) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	return &Service{
		logger: logger.Named("composite-regime"),
		config: config,
		market: market,
		vol:    vol,
		cache:  ttlCache,
		audit:  auditLog,
	}
}

// Init restores a persisted override and attempts the first refresh. A
// failed first refresh is swallowed so the gate has a fallback value until
// the next cycle.
func (s *Service) Init(ctx context.Context) {
	s.restoreOverride()

	if err := s.Refresh(ctx); err != nil {
		s.logger.Warn("Initial regime refresh failed, using fallback until next cycle",
			zap.Error(err))
		fallback := &types.RegimeSnapshot{
			Regime:           types.RegimeNeutral,
			VolatilityRegime: types.VolRegimeNormal,
			TrendAboveSma:    true,
			UpdatedAt:        time.Now().UTC(),
		}
		s.snapshot.CompareAndSwap(nil, fallback)
	}
}

// restoreOverride loads the override record from the TTL cache.
func (s *Service) restoreOverride() {
	raw, ok := s.cache.Get(overrideCacheKey)
	if !ok {
		return
	}
	var ov types.RegimeOverride
	if err := json.Unmarshal(raw, &ov); err != nil {
		s.logger.Warn("Discarding unreadable persisted override", zap.Error(err))
		s.cache.Del(overrideCacheKey)
		return
	}
	if !ov.Active {
		return
	}
	s.override.Store(&ov)
	s.logger.Info("Regime override restored from cache",
		zap.String("userId", ov.UserID),
		zap.String("reason", ov.Reason),
		zap.Bool("forceAllow", ov.ForceAllow),
	)
}

// Refresh recomputes the composite regime from daily bars. With fewer bars
// than the SMA period the previous cached value is kept. Fetch failures
// propagate to the scheduler, which owns retry policy.
func (s *Service) Refresh(ctx context.Context) error {
	bars, err := s.market.GetDailyBars(ctx, s.config.Symbol, s.config.LookbackDays)
	if err != nil {
		return fmt.Errorf("regime refresh: fetching daily bars for %s: %w", s.config.Symbol, err)
	}
	if len(bars) < s.config.SmaPeriod {
		s.logger.Warn("Insufficient history for regime refresh, keeping previous regime",
			zap.Int("bars", len(bars)),
			zap.Int("required", s.config.SmaPeriod),
		)
		return nil
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	sma, err := stats.SMA(closes, s.config.SmaPeriod)
	if err != nil {
		return fmt.Errorf("regime refresh: computing %d-period sma: %w", s.config.SmaPeriod, err)
	}
	lastPrice := closes[len(closes)-1]
	trendAboveSma := lastPrice > sma

	volResult, err := s.vol.Classify(bars)
	if err != nil {
		return fmt.Errorf("regime refresh: classifying volatility: %w", err)
	}

	snapshot := &types.RegimeSnapshot{
		Regime:           Classify(volResult.Regime, trendAboveSma),
		VolatilityRegime: volResult.Regime,
		TrendAboveSma:    trendAboveSma,
		BtcPrice:         lastPrice,
		Sma200Value:      sma,
		UpdatedAt:        time.Now().UTC(),
	}
	previous := s.snapshot.Swap(snapshot)

	if previous == nil || previous.Regime != snapshot.Regime {
		s.logger.Info("Composite regime updated",
			zap.String("regime", string(snapshot.Regime)),
			zap.String("volatilityRegime", string(snapshot.VolatilityRegime)),
			zap.Bool("trendAboveSma", trendAboveSma),
			zap.Float64("price", lastPrice),
			zap.Float64("sma", sma),
		)
		s.audit.Record(audit.EventRegimeRefresh, "market", s.config.Symbol, audit.Options{
			Metadata: map[string]any{
				"regime":           snapshot.Regime,
				"volatilityRegime": snapshot.VolatilityRegime,
				"trendAboveSma":    trendAboveSma,
				"price":            lastPrice,
				"sma200":           sma,
			},
		})
	}
	return nil
}

// GetCompositeRegime returns the current regime, NEUTRAL before any
// snapshot exists.
func (s *Service) GetCompositeRegime() types.CompositeRegime {
	if snap := s.snapshot.Load(); snap != nil {
		return snap.Regime
	}
	return types.RegimeNeutral
}

// GetSnapshot returns the full cached snapshot, or nil before any refresh.
func (s *Service) GetSnapshot() *types.RegimeSnapshot {
	return s.snapshot.Load()
}

// Status is the operator-visible regime state.
type Status struct {
	Snapshot *types.RegimeSnapshot `json:"snapshot"`
	Override *types.RegimeOverride `json:"override,omitempty"`
}

// GetStatus returns the snapshot together with any active override.
func (s *Service) GetStatus() Status {
	return Status{
		Snapshot: s.snapshot.Load(),
		Override: s.override.Load(),
	}
}

// IsOverrideActive reports whether a manual override is in effect.
func (s *Service) IsOverrideActive() bool {
	ov := s.override.Load()
	return ov != nil && ov.Active
}

// GetOverride returns the active override, or nil.
func (s *Service) GetOverride() *types.RegimeOverride {
	return s.override.Load()
}

// EnableOverride activates a manual override and persists it with a 24h
// TTL so a restart cannot silently drop it.
func (s *Service) EnableOverride(userID, reason string, forceAllow bool) error {
	ov := &types.RegimeOverride{
		Active:     true,
		ForceAllow: forceAllow,
		UserID:     userID,
		Reason:     reason,
		EnabledAt:  time.Now().UTC(),
	}
	raw, err := json.Marshal(ov)
	if err != nil {
		return fmt.Errorf("marshaling override: %w", err)
	}
	s.cache.Set(overrideCacheKey, raw, overrideTTL)
	s.override.Store(ov)

	s.logger.Warn("Regime override enabled",
		zap.String("userId", userID),
		zap.String("reason", reason),
		zap.Bool("forceAllow", forceAllow),
	)
	s.audit.Record(audit.EventRegimeOverride, "regime", s.config.Symbol, audit.Options{
		UserID:     userID,
		AfterState: map[string]any{"active": true, "forceAllow": forceAllow, "reason": reason},
	})
	return nil
}

// DisableOverride clears the manual override.
func (s *Service) DisableOverride(userID string) {
	s.cache.Del(overrideCacheKey)
	s.override.Store(nil)

	s.logger.Info("Regime override disabled", zap.String("userId", userID))
	s.audit.Record(audit.EventRegimeOverride, "regime", s.config.Symbol, audit.Options{
		UserID:     userID,
		AfterState: map[string]any{"active": false},
	})
}
