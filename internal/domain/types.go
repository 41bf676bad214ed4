// Package domain holds the value types shared by every trading-engine
// component: accounts, brokers, candles, signals, positions, orders.
package domain

import "time"

// Role distinguishes the platform account from copy-follower accounts.
type Role string

const (
	RoleMaster Role = "MASTER"
	RoleUser   Role = "USER"
)

// BrokerType tags which exchange a BrokerAdapter implementation talks to.
type BrokerType string

const (
	BrokerCoinbase BrokerType = "COINBASE"
	BrokerKraken   BrokerType = "KRAKEN"
	BrokerOKX      BrokerType = "OKX"
	BrokerBinance  BrokerType = "BINANCE"
	BrokerAlpaca   BrokerType = "ALPACA"
)

// PositionSide is the directional side of a held position.
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// OrderSide is the side of an order sent to a broker.
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// OrderType is unused beyond MARKET today; LIMIT is reserved for adapters
// that need it internally (e.g. post-only maker entries) but every
// BrokerAdapter.PlaceMarket call is a market order by contract.
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

// OrderState tracks an order through its lifecycle. Terminal states
// (Filled, Rejected, Canceled) are immutable once reached.
type OrderState string

const (
	Pending  OrderState = "PENDING"
	Filled   OrderState = "FILLED"
	Partial  OrderState = "PARTIAL"
	Rejected OrderState = "REJECTED"
	Canceled OrderState = "CANCELED"
)

// Capabilities describes what a broker supports so the engine never
// duck-types a broker at call time.
type Capabilities struct {
	Spot    bool
	Futures bool
	Short   bool
}

// CredentialsHandle is an opaque reference to a decrypted API credential
// pair. It is never logged: String/MarshalJSON both redact.
type CredentialsHandle struct {
	Ref string // lookup key into the credential cache, not the secret itself
}

func (h CredentialsHandle) String() string { return "[redacted]" }

func (h CredentialsHandle) MarshalJSON() ([]byte, error) {
	return []byte(`"[redacted]"`), nil
}

// AccountIdentity is what a successful Connect() returns.
type AccountIdentity struct {
	AccountID string
	Broker    BrokerType
}

// Account is the engine's view of one (role, broker) login.
type Account struct {
	ID                string
	Role              Role
	Broker            BrokerType
	CredentialsHandle CredentialsHandle
	CreatedAt         time.Time

	// CopyTradeFollower is set when this USER account is driven by a
	// MASTER account's fills on the same broker rather than running its
	// own independent scan loop.
	CopyTradeFollower bool
	MasterAccountID   string
}

// Candle is one OHLCV bar. Immutable once constructed.
type Candle struct {
	Symbol    string
	Timeframe string
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Regime classifies recent market behavior.
type Regime string

const (
	RegimeTrending Regime = "TRENDING"
	RegimeRanging  Regime = "RANGING"
	RegimeVolatile Regime = "VOLATILE"
)

// Signal is the Strategy component's sole output shape.
type Signal struct {
	Symbol           string
	Side             PositionSide
	Score            float64 // 0-100
	SuggestedStopPct float64 // fractional, e.g. 0.015 == 1.5%
	Targets          []float64
	Reason           string
	Regime           Regime
	Confidence       float64 // 0-1
}

// PartialExit records one tiered take-profit slice taken off a position.
type PartialExit struct {
	Tier     int
	Fraction float64
	Price    float64
	At       time.Time
}

// TrailingStopState is the high-water-mark trailing-stop bookkeeping kept
// per position once at least one partial exit has occurred.
type TrailingStopState struct {
	Active    bool
	HighWater float64
	StopPrice float64
}

// Position is one account's open exposure to one symbol.
type Position struct {
	AccountID       string
	Broker          BrokerType
	Symbol          string
	Side            PositionSide
	Qty             float64
	EntryPrice      float64
	OpenedAt        time.Time
	SizeUSD         float64
	MaxFavorablePct float64
	PartialExits    []PartialExit
	Trailing        TrailingStopState

	// Unsellable tracks broker-rejection cool-down.
	ConsecutiveRejects int
	UnsellableUntil    time.Time
}

// PnL returns fractional (pct) and USD PnL at the given current price.
// pct must satisfy |pct| < 1.0 as a sanity assertion; callers treat a
// violation as a LOGIC-class error, never a silent clamp.
func (p *Position) PnL(currentPrice float64) (pct, usd float64) {
	if p.EntryPrice <= 0 {
		return 0, 0
	}
	switch p.Side {
	case Short:
		pct = (p.EntryPrice - currentPrice) / p.EntryPrice
	default:
		pct = (currentPrice - p.EntryPrice) / p.EntryPrice
	}
	usd = pct * p.SizeUSD
	return pct, usd
}

// Age returns how long the position has been open.
func (p *Position) Age(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}

// ExitIntent is the ExitEngine's output: close `Fraction` of a position.
type ExitIntent struct {
	AccountID string
	Symbol    string
	Reason    string
	Fraction  float64 // (0,1]
	Priority  int
}

// OrderRequest is what BrokerAdapter.PlaceMarket consumes.
type OrderRequest struct {
	AccountID string
	Symbol    string
	Side      OrderSide
	Qty       float64 // base-asset quantity; zero means size by Notional
	Notional  float64 // quote-currency notional, used when Qty is zero
	ClientID  string  // idempotency key
	Submitted time.Time
}

// Fill is one execution against an order.
type Fill struct {
	Price float64
	Qty   float64
	Fee   float64
	At    time.Time
}

// Order is the adapter's normalized response.
type Order struct {
	ClientID      string
	BrokerOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	State         OrderState
	Fills         []Fill
	Fees          float64
}

// FilledQty sums fill quantities.
func (o *Order) FilledQty() float64 {
	var q float64
	for _, f := range o.Fills {
		q += f.Qty
	}
	return q
}

// AvgFillPrice returns the notional-weighted average fill price, or 0.
func (o *Order) AvgFillPrice() float64 {
	var notional, qty float64
	for _, f := range o.Fills {
		notional += f.Price * f.Qty
		qty += f.Qty
	}
	if qty == 0 {
		return 0
	}
	return notional / qty
}

// OrderRef identifies an order for cancellation.
type OrderRef struct {
	ClientID      string
	BrokerOrderID string
	Symbol        string
}

// RawPosition is what get_positions returns: broker-reported exposure with
// no entry-price guarantee (adopt_existing handles that).
type RawPosition struct {
	Symbol string
	Qty    float64
	Side   PositionSide
}

// Balance is the account's quote-currency balance snapshot.
type Balance struct {
	Available float64
	Total     float64
}

// CopyEvent is published by a MASTER account's fill and consumed by
// CopyTradeBus to size follower orders.
type CopyEvent struct {
	MasterAccountID    string
	MasterOrderID      string
	Symbol             string
	Side               OrderSide
	MasterSizeUSD      float64
	MasterEquityAtFill float64
	At                 time.Time
}

// EngineMode is the StateMachine's state.
type EngineMode string

const (
	ModeOff                     EngineMode = "OFF"
	ModeDryRun                  EngineMode = "DRY_RUN"
	ModeLivePendingConfirmation EngineMode = "LIVE_PENDING_CONFIRMATION"
	ModeLiveActive              EngineMode = "LIVE_ACTIVE"
	ModeEmergencyStop           EngineMode = "EMERGENCY_STOP"
)

// EngineState is persisted atomically; cold start always resets to ModeOff.
type EngineState struct {
	Mode             EngineMode `json:"mode"`
	LastTransitionAt time.Time  `json:"last_transition_at"`
	Reason           string     `json:"reason"`
}

// DefaultDustThresholdUSD is the notional floor below which a holding is
// dust everywhere it is classified: broker adapters filter it out of
// get_positions, and the cleanup enforcer closes whatever slips through.
const DefaultDustThresholdUSD = 0.001

// CapConfig is the process-wide safety envelope.
type CapConfig struct {
	MaxConcurrentPositions int
	DustThresholdUSD       float64 // $0.001, the single dust constant
	MinViableUSD           float64 // $1 floor for ExitEngine rule 1
	CleanupIntervalCycles  int
	PerTradeRiskPct        float64
	MinViableCapitalUSD    float64
}

// DefaultCapConfig returns the stock safety envelope.
func DefaultCapConfig() CapConfig {
	return CapConfig{
		MaxConcurrentPositions: 8,
		DustThresholdUSD:       DefaultDustThresholdUSD,
		MinViableUSD:           1.0,
		CleanupIntervalCycles:  6,
		PerTradeRiskPct:        0.04,
		MinViableCapitalUSD:    50.0,
	}
}
