// Package risktier implements the pre-trade RiskEngine: capital
// tiering, confidence-scaled position sizing, the fee-aware profitability
// guard, and the concurrent-position cap check. Every gate returns an
// Allowed+Reject+Reason+SizeUSD decision rather than an error, so callers
// can journal the rejection kind without unwrapping anything. Capital is
// throttled through a three-tier ladder (STARTER/ADVANCED/ELITE) with a
// fee-aware expected-R guard in front of every entry.
package risktier

import (
	"fmt"
	"sync"
)

// tierRank orders tiers for the upward-only latch comparison; higher ranks
// outrank lower ones regardless of the account's current equity reading.
var tierRank = map[Tier]int{
	TierStarter:  0,
	TierAdvanced: 1,
	TierElite:    2,
}

// Tier is the capital-based throttle bracket. Transitions
// latch upward only — Engine.Tier never downgrades a tier once reached,
// so a temporary equity dip never yanks size/position limits out
// from under open positions.
type Tier string

const (
	TierStarter  Tier = "STARTER"
	TierAdvanced Tier = "ADVANCED"
	TierElite    Tier = "ELITE"
)

// tierBracket pairs a tier with its equity floor, max concurrent
// positions, and base risk percent (fractional).
type tierBracket struct {
	tier         Tier
	minEquity    float64
	maxPositions int
	baseRiskPct  float64
}

var brackets = []tierBracket{
	{TierElite, 20000, 6, 0.05},
	{TierAdvanced, 5000, 4, 0.04},
	{TierStarter, 0, 3, 0.04},
}

// RejectKind enumerates why RiskEngine refused a trade.
type RejectKind string

const (
	RejectNone               RejectKind = ""
	RejectInsufficientEquity RejectKind = "INSUFFICIENT_EQUITY"
	RejectBelowMinNotional   RejectKind = "BELOW_MIN_NOTIONAL"
	RejectOverPositionCap    RejectKind = "OVER_POSITION_CAP"
	RejectUnprofitable       RejectKind = "UNPROFITABLE"
	RejectRiskOfRuin         RejectKind = "RISK_OF_RUIN"
)

// Config holds the engine's tunables; all percentages are fractional
// (0.04 == 4%) — percentage points never appear in this package.
type Config struct {
	MinExpectedR        float64 // default 1.8
	FeeRoundTripPct     float64 // both legs combined, fractional
	MaxPosPct           float64 // fraction of equity any single position may use
	MinNotionalFloorUSD float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MinExpectedR:        1.8,
		FeeRoundTripPct:     0.0072, // two 0.36% legs, matching the Kraken worked example
		MaxPosPct:           0.25,
		MinNotionalFloorUSD: 1.0,
	}
}

// SizeInput bundles everything the engine needs to gate and size one
// candidate trade.
type SizeInput struct {
	AccountID         string // latch key; empty means "don't latch" (tests, stateless callers)
	AccountEquity     float64
	OpenPositionCount int
	BrokerMinNotional float64
	StopPct           float64 // fractional distance to stop, e.g. 0.015
	AvgTargetPct      float64 // fractional distance to the average target
	Confidence        float64 // 0-1, from Signal.Confidence
	WinRateEstimate   float64 // 0-1, rolling estimate; 0.5 if unknown
}

// TierStore persists each account's latched (highest-ever-reached) tier so
// it survives process restarts. pkg/db's tier table is the production
// implementation; tests use an in-memory fake.
type TierStore interface {
	LoadTier(accountID string) (Tier, bool)
	SaveTier(accountID string, tier Tier) error
}

// Decision is what Gate returns: either an allowed size or a typed reject.
type Decision struct {
	Allowed bool
	Reject  RejectKind
	Reason  string
	SizeUSD float64
	Tier    Tier
	RiskPct float64
}

// Engine is the RiskEngine; it is config-only plus one small piece of
// mutable state, the per-account tier latch, guarded by mu (tiers never
// need evicting, so there is no idle-cleanup pass here). One Engine
// instance is shared across every
// account's AccountLoop.
type Engine struct {
	cfg   Config
	store TierStore

	mu      sync.Mutex
	latched map[string]Tier
}

// New builds a RiskEngine with the given config and no persistence (tier
// latching still works in-memory for the process lifetime).
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg, latched: make(map[string]Tier)}
}

// NewWithStore builds a RiskEngine whose tier latch survives restarts via
// store.
func NewWithStore(cfg Config, store TierStore) *Engine {
	return &Engine{cfg: cfg, store: store, latched: make(map[string]Tier)}
}

// resolveTier returns accountID's effective tier: the higher of the tier
// its current equity would naturally select and the highest tier ever
// latched for it.
func (e *Engine) resolveTier(accountID string, equity float64) tierBracket {
	natural := TierFor(equity)
	if accountID == "" {
		return natural
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	latched, ok := e.latched[accountID]
	if !ok && e.store != nil {
		if loaded, found := e.store.LoadTier(accountID); found {
			latched, ok = loaded, true
			e.latched[accountID] = loaded
		}
	}

	best := natural.tier
	if ok && tierRank[latched] > tierRank[best] {
		best = latched
	}
	if !ok || tierRank[best] > tierRank[latched] {
		e.latched[accountID] = best
		if e.store != nil {
			if err := e.store.SaveTier(accountID, best); err != nil {
				fmt.Printf("⚠️ risktier: persist latched tier for %s: %v\n", accountID, err)
			}
		}
	}
	return bracketFor(best)
}

func bracketFor(t Tier) tierBracket {
	for _, b := range brackets {
		if b.tier == t {
			return b
		}
	}
	return brackets[len(brackets)-1]
}

// TierFor resolves the capital tier for the given equity.
func TierFor(equity float64) tierBracket {
	for _, b := range brackets {
		if equity >= b.minEquity {
			return b
		}
	}
	return brackets[len(brackets)-1]
}

// Gate runs the full pre-trade check: tier-driven position cap, sizing,
// min-notional floor, and the fee-aware profitability guard, in that
// order.
func (e *Engine) Gate(in SizeInput) Decision {
	bracket := e.resolveTier(in.AccountID, in.AccountEquity)

	if in.AccountEquity <= 0 {
		return Decision{Reject: RejectInsufficientEquity, Reason: "account equity is zero or negative", Tier: bracket.tier}
	}
	if in.OpenPositionCount >= bracket.maxPositions {
		return Decision{
			Reject: RejectOverPositionCap,
			Reason: fmt.Sprintf("open positions %d >= tier %s cap %d", in.OpenPositionCount, bracket.tier, bracket.maxPositions),
			Tier:   bracket.tier,
		}
	}
	if in.StopPct <= 0 {
		return Decision{Reject: RejectRiskOfRuin, Reason: "stop distance is zero or negative", Tier: bracket.tier}
	}

	// risk_pct = base_risk * (0.5 + confidence*0.7), range 0.50x-1.20x of base.
	confidence := clamp01(in.Confidence)
	riskPct := bracket.baseRiskPct * (0.5 + confidence*0.7)

	sizeUSD := in.AccountEquity * riskPct / in.StopPct
	if cap := in.AccountEquity * e.cfg.MaxPosPct; sizeUSD > cap {
		sizeUSD = cap
	}

	minNotional := in.BrokerMinNotional
	if e.cfg.MinNotionalFloorUSD > minNotional {
		minNotional = e.cfg.MinNotionalFloorUSD
	}
	if sizeUSD < minNotional {
		return Decision{
			Reject:  RejectBelowMinNotional,
			Reason:  fmt.Sprintf("sized %.2f below min notional %.2f", sizeUSD, minNotional),
			Tier:    bracket.tier,
			RiskPct: riskPct,
		}
	}

	// Profitability guard: expected_R = avg_target_pct / stop_pct, fee-aware.
	expectedR := (in.AvgTargetPct - e.cfg.FeeRoundTripPct) / in.StopPct
	if expectedR < e.cfg.MinExpectedR {
		return Decision{
			Reject:  RejectUnprofitable,
			Reason:  fmt.Sprintf("expected R %.2f below minimum %.2f after fees", expectedR, e.cfg.MinExpectedR),
			Tier:    bracket.tier,
			RiskPct: riskPct,
		}
	}

	winRate := in.WinRateEstimate
	if winRate <= 0 {
		winRate = 0.5
	}
	expectedValue := winRate*in.AvgTargetPct - (1-winRate)*in.StopPct - e.cfg.FeeRoundTripPct
	if expectedValue < 0 {
		return Decision{
			Reject:  RejectUnprofitable,
			Reason:  fmt.Sprintf("expected value %.5f negative at win rate %.2f", expectedValue, winRate),
			Tier:    bracket.tier,
			RiskPct: riskPct,
		}
	}

	return Decision{
		Allowed: true,
		Reject:  RejectNone,
		SizeUSD: sizeUSD,
		Tier:    bracket.tier,
		RiskPct: riskPct,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
