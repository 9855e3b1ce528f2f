// Package types provides shared type definitions for the advisor backend.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderStatus represents the status of an order
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// SignalType represents the type of trading signal
type SignalType string

const (
	SignalTypeEntry      SignalType = "entry"
	SignalTypeExit       SignalType = "exit"
	SignalTypeStopLoss   SignalType = "stop_loss"
	SignalTypeTakeProfit SignalType = "take_profit"
)

// IsRiskControl reports whether the signal type is a protective exit.
// Protective exits are never blocked by the regime gate.
func (s SignalType) IsRiskControl() bool {
	return s == SignalTypeStopLoss || s == SignalTypeTakeProfit
}

// StrategyStatus represents the lifecycle status of a strategy configuration
type StrategyStatus string

const (
	StrategyStatusDraft      StrategyStatus = "draft"
	StrategyStatusTesting    StrategyStatus = "testing"
	StrategyStatusLive       StrategyStatus = "live"
	StrategyStatusDeprecated StrategyStatus = "deprecated"
)

// ShadowStatus tracks the shadow-trading progression of a strategy
type ShadowStatus string

const (
	ShadowStatusTesting ShadowStatus = "testing"
	ShadowStatusShadow  ShadowStatus = "shadow"
	ShadowStatusLive    ShadowStatus = "live"
	ShadowStatusRetired ShadowStatus = "retired"
)

// DeploymentStatus represents the status of a live deployment
type DeploymentStatus string

const (
	DeploymentStatusPendingApproval DeploymentStatus = "pending_approval"
	DeploymentStatusActive          DeploymentStatus = "active"
	DeploymentStatusPaused          DeploymentStatus = "paused"
	DeploymentStatusDemoted         DeploymentStatus = "demoted"
	DeploymentStatusTerminated      DeploymentStatus = "terminated"
)

// IsTerminal reports whether the status permits no further transitions.
func (s DeploymentStatus) IsTerminal() bool {
	return s == DeploymentStatusDemoted || s == DeploymentStatusTerminated
}

// RiskLevel is an account-level risk appetite setting on a 1..3 scale
// (1 = most aggressive, 3 = most conservative). Values outside the scale
// clamp to the nearest level.
type RiskLevel int

// CompositeRegime is the combined market regime classification
type CompositeRegime string

const (
	RegimeBull    CompositeRegime = "BULL"
	RegimeNeutral CompositeRegime = "NEUTRAL"
	RegimeBear    CompositeRegime = "BEAR"
	RegimeExtreme CompositeRegime = "EXTREME"
)

// VolatilityRegime buckets realized volatility by historical percentile
type VolatilityRegime string

const (
	VolRegimeLow     VolatilityRegime = "LOW_VOLATILITY"
	VolRegimeNormal  VolatilityRegime = "NORMAL"
	VolRegimeHigh    VolatilityRegime = "HIGH_VOLATILITY"
	VolRegimeExtreme VolatilityRegime = "EXTREME"
)

// StrategyConfig represents a trading strategy definition
type StrategyConfig struct {
	ID                string         `json:"id" db:"id"`
	Name              string         `json:"name" db:"name"`
	Algorithm         string         `json:"algorithm" db:"algorithm"`
	Parameters        map[string]any `json:"parameters" db:"-"`
	Status            StrategyStatus `json:"status" db:"status"`
	ShadowStatus      ShadowStatus   `json:"shadowStatus" db:"shadow_status"`
	LastHeartbeat     *time.Time     `json:"lastHeartbeat,omitempty" db:"last_heartbeat"`
	HeartbeatFailures int            `json:"heartbeatFailures" db:"heartbeat_failures"`
	LastError         string         `json:"lastError,omitempty" db:"last_error"`
	CreatedAt         time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time      `json:"updatedAt" db:"updated_at"`
}

// ComponentScore is a single named sub-score of a strategy evaluation
type ComponentScore struct {
	Value float64 `json:"value"`
	Score float64 `json:"score"`
}

// StrategyScore is an immutable scoring snapshot for a strategy
type StrategyScore struct {
	ID                string                    `json:"id" db:"id"`
	StrategyConfigID  string                    `json:"strategyConfigId" db:"strategy_config_id"`
	OverallScore      float64                   `json:"overallScore" db:"overall_score"`
	ComponentScores   map[string]ComponentScore `json:"componentScores" db:"-"`
	Percentile        float64                   `json:"percentile" db:"percentile"`
	Grade             string                    `json:"grade" db:"grade"`
	PromotionEligible bool                      `json:"promotionEligible" db:"promotion_eligible"`
	Warnings          []string                  `json:"warnings" db:"-"`
	CalculatedAt      time.Time                 `json:"calculatedAt" db:"calculated_at"`
}

// WFAWindow is a single walk-forward analysis window result
type WFAWindow struct {
	TrainStart  time.Time `json:"trainStart"`
	TrainEnd    time.Time `json:"trainEnd"`
	TestStart   time.Time `json:"testStart"`
	TestEnd     time.Time `json:"testEnd"`
	TrainReturn float64   `json:"trainReturn"`
	TestReturn  float64   `json:"testReturn"`
}

// BacktestResults holds the aggregate outcome of a completed backtest
type BacktestResults struct {
	TotalTrades  int         `json:"totalTrades"`
	TotalReturn  float64     `json:"totalReturn"`
	MaxDrawdown  float64     `json:"maxDrawdown"`
	Volatility   float64     `json:"volatility"`
	SharpeRatio  float64     `json:"sharpeRatio"`
	WinRate      float64     `json:"winRate"`
	DailyReturns []float64   `json:"dailyReturns,omitempty"`
	WFAWindows   []WFAWindow `json:"wfaWindows,omitempty"`
}

// BacktestRun represents a completed backtest for a strategy
type BacktestRun struct {
	ID               string          `json:"id" db:"id"`
	StrategyConfigID string          `json:"strategyConfigId" db:"strategy_config_id"`
	Results          BacktestResults `json:"results" db:"-"`
	CompletedAt      time.Time       `json:"completedAt" db:"completed_at"`
}

// Deployment represents a live (or formerly live) strategy deployment
type Deployment struct {
	ID                  string           `json:"id" db:"id"`
	StrategyConfigID    string           `json:"strategyConfigId" db:"strategy_config_id"`
	Status              DeploymentStatus `json:"status" db:"status"`
	AllocationPercent   float64          `json:"allocationPercent" db:"allocation_percent"`
	MaxDrawdownLimit    float64          `json:"maxDrawdownLimit" db:"max_drawdown_limit"`
	DailyLossLimit      float64          `json:"dailyLossLimit" db:"daily_loss_limit"`
	PositionSizeLimit   decimal.Decimal  `json:"positionSizeLimit" db:"position_size_limit"`
	RealizedPnl         decimal.Decimal  `json:"realizedPnl" db:"realized_pnl"`
	CurrentDrawdown     float64          `json:"currentDrawdown" db:"current_drawdown"`
	MaxDrawdownObserved float64          `json:"maxDrawdownObserved" db:"max_drawdown_observed"`
	LiveSharpeRatio     float64          `json:"liveSharpeRatio" db:"live_sharpe_ratio"`
	BacktestVolatility  float64          `json:"backtestVolatility" db:"backtest_volatility"`
	BacktestSharpe      float64          `json:"backtestSharpe" db:"backtest_sharpe"`
	DriftCount          int              `json:"driftCount" db:"drift_count"`
	TerminationReason   string           `json:"terminationReason,omitempty" db:"termination_reason"`
	CreatedAt           time.Time        `json:"createdAt" db:"created_at"`
	ActivatedAt         *time.Time       `json:"activatedAt,omitempty" db:"activated_at"`
	TerminatedAt        *time.Time       `json:"terminatedAt,omitempty" db:"terminated_at"`
}

// PerformanceMetric is one daily performance record for a deployment
type PerformanceMetric struct {
	ID             string          `json:"id" db:"id"`
	DeploymentID   string          `json:"deploymentId" db:"deployment_id"`
	Date           time.Time       `json:"date" db:"date"`
	DailyPnl       decimal.Decimal `json:"dailyPnl" db:"daily_pnl"`
	DailyReturn    float64         `json:"dailyReturn" db:"daily_return"`
	Drawdown       float64         `json:"drawdown" db:"drawdown"`
	Volatility     float64         `json:"volatility" db:"volatility"`
	SharpeRatio    float64         `json:"sharpeRatio" db:"sharpe_ratio"`
	TradesExecuted int             `json:"tradesExecuted" db:"trades_executed"`
	WinningTrades  int             `json:"winningTrades" db:"winning_trades"`
}

// Order represents a trading order placed by a strategy
type Order struct {
	ID                 string           `json:"id" db:"id"`
	StrategyConfigID   string           `json:"strategyConfigId" db:"strategy_config_id"`
	Symbol             string           `json:"symbol" db:"symbol"`
	Side               OrderSide        `json:"side" db:"side"`
	Status             OrderStatus      `json:"status" db:"status"`
	Quantity           decimal.Decimal  `json:"quantity" db:"quantity"`
	Price              decimal.Decimal  `json:"price" db:"price"`
	Cost               decimal.Decimal  `json:"cost" db:"cost"`
	GainLoss           *decimal.Decimal `json:"gainLoss,omitempty" db:"gain_loss"`
	IsAlgorithmicTrade bool             `json:"isAlgorithmicTrade" db:"is_algorithmic_trade"`
	CreatedAt          time.Time        `json:"createdAt" db:"created_at"`
	FilledAt           *time.Time       `json:"filledAt,omitempty" db:"filled_at"`
}

// IsResolved reports whether the order carries a known, non-zero realized
// gain/loss. Breakeven trades do not count as resolved.
func (o *Order) IsResolved() bool {
	return o.GainLoss != nil && !o.GainLoss.IsZero()
}

// Signal represents a trading signal produced by a strategy algorithm
type Signal struct {
	ID               string          `json:"id"`
	StrategyConfigID string          `json:"strategyConfigId"`
	Symbol           string          `json:"symbol"`
	Side             OrderSide       `json:"side"`
	Type             SignalType      `json:"type"`
	Price            decimal.Decimal `json:"price"`
	Confidence       float64         `json:"confidence"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// RegimeSnapshot is the cached output of the composite regime classifier
type RegimeSnapshot struct {
	Regime           CompositeRegime  `json:"regime"`
	VolatilityRegime VolatilityRegime `json:"volatilityRegime"`
	TrendAboveSma    bool             `json:"trendAboveSma"`
	BtcPrice         float64          `json:"btcPrice"`
	Sma200Value      float64          `json:"sma200Value"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// RegimeOverride is a manual operator override of the regime gate
type RegimeOverride struct {
	Active     bool      `json:"active"`
	ForceAllow bool      `json:"forceAllow"`
	UserID     string    `json:"userId"`
	Reason     string    `json:"reason"`
	EnabledAt  time.Time `json:"enabledAt"`
}

// RegimeContext carries the regime inputs for capital allocation
type RegimeContext struct {
	CompositeRegime CompositeRegime `json:"compositeRegime"`
	RiskLevel       RiskLevel       `json:"riskLevel"`
}
