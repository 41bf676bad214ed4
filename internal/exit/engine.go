// Package exit implements the ExitEngine: the nine-rule,
// priority-ordered state machine evaluated against every open position
// each cycle. Rules cover dust cleanup, catastrophic and standard stops,
// losing-trade time limits, tiered partial profit taking, a trailing stop
// on the residual after partials, hold-time ceilings, and over-cap forced
// drain. The standard stop ORs its two thresholds together; combining
// them with AND is a known way to build a stop that never fires.
package exit

import (
	"fmt"
	"sort"
	"time"

	"apex-engine/internal/domain"
)

// Reason strings are stable identifiers written to the trade journal and
// matched on by operators and tests.
const (
	ReasonSmallPosition    = "SMALL_POSITION"
	ReasonStopCatastrophic = "STOP_CATASTROPHIC"
	ReasonStopStandard     = "STOP_STANDARD"
	ReasonLosingTimeLimit  = "LOSING_TIME_LIMIT"
	ReasonTieredProfit     = "TIERED_PROFIT"
	ReasonTrailingStop     = "TRAILING_STOP"
	ReasonMaxHoldProfit    = "MAX_HOLD_PROFITABLE"
	ReasonEmergencyHold    = "EMERGENCY_HOLD_LIMIT"
	ReasonForcedDrain      = "OVER_CAP_FORCED_DRAIN"
)

// Priority numbers order the rules; lower wins ties.
const (
	prioDust = iota + 1
	prioCatastrophic
	prioStandardStop
	prioLosingTime
	prioTieredProfit
	prioTrailing
	prioMaxHoldProfit
	prioEmergencyHold
	prioForcedDrain
)

// Tier is one ascending partial-profit step.
type Tier struct {
	Threshold float64 // fractional pnl, e.g. 0.02 == 2%
	Fraction  float64 // fraction of the position remaining to close
}

// KrakenTiers and CoinbaseTiers are the per-venue fee-aware ladders;
// other brokers default to KrakenTiers unless Config.Tiers overrides them.
// Coinbase's are widened because its taker fee eats a tighter tier.
var KrakenTiers = []Tier{
	{0.020, 0.10},
	{0.025, 0.15},
	{0.030, 0.25},
	{0.040, 0.50},
}

var CoinbaseTiers = []Tier{
	{0.025, 0.10},
	{0.030, 0.15},
	{0.040, 0.25},
	{0.050, 0.50},
}

// Config holds the fractional thresholds every rule is gated on. All
// values are fractional PnL (0.015 == 1.5%), never percentage points.
type Config struct {
	MinViableUSD           float64       // rule 1 dust-cleanup floor, default $1
	CatastrophicStopPct    float64       // rule 2, default -0.05
	StopLossThresholdPct   float64       // rule 3, default -0.015
	MinLossFloorPct        float64       // rule 3, default -0.0005
	LosingTimeLimit        time.Duration // rule 4, default 30m
	LosingTimeWarning      time.Duration // rule 4 warning, default 5m
	Tiers                  []Tier        // rule 5
	TrailingATRMultiple    float64       // rule 6
	ProfitableMaxHold      time.Duration // rule 7, default 8h
	EmergencyHoldLimit     time.Duration // rule 8, default 12h
	MaxConcurrentPositions int           // rule 9
	MaxDrainPerCycle       int           // rule 9, default 3
}

// DefaultConfig returns the production defaults with Kraken's tier ladder.
func DefaultConfig() Config {
	return Config{
		MinViableUSD:           1.0,
		CatastrophicStopPct:    -0.05,
		StopLossThresholdPct:   -0.015,
		MinLossFloorPct:        -0.0005,
		LosingTimeLimit:        30 * time.Minute,
		LosingTimeWarning:      5 * time.Minute,
		Tiers:                  KrakenTiers,
		TrailingATRMultiple:    1.5,
		ProfitableMaxHold:      8 * time.Hour,
		EmergencyHoldLimit:     12 * time.Hour,
		MaxConcurrentPositions: 8,
		MaxDrainPerCycle:       3,
	}
}

// Evaluation is the per-position input Evaluate needs; PnLPct/PnLUSD are
// pre-computed by the caller (internal/position.Tracker.PnL) so this
// package stays a pure function with no tracker dependency.
type Evaluation struct {
	Position     *domain.Position
	CurrentPrice float64
	PnLPct       float64
	PnLUSD       float64
	Now          time.Time
	Unsellable   bool
	TiersTaken   int     // how many Config.Tiers entries already applied
	ATRNorm      float64 // ATR/price, for the trailing-stop rule
}

// Engine evaluates ExitIntents; it holds only config, never position
// state, so one Engine is shared across every account.
type Engine struct {
	cfg Config
}

// New builds an ExitEngine with the given config.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Evaluate runs every rule against one position and returns the
// highest-priority matching intent, or ok=false if none fire. Tie-break:
// the first rule in priority order that matches wins.
func (e *Engine) Evaluate(ev Evaluation) (intent domain.ExitIntent, ok bool) {
	p := ev.Position
	if ev.Unsellable {
		return domain.ExitIntent{}, false
	}

	// Rule 1: dust cleanup.
	if p.SizeUSD < e.cfg.MinViableUSD {
		return e.full(p, ReasonSmallPosition, prioDust), true
	}

	// Rule 2: catastrophic stop.
	if ev.PnLPct <= e.cfg.CatastrophicStopPct {
		return e.full(p, ReasonStopCatastrophic, prioCatastrophic), true
	}

	// Rule 3: standard stop. OR across the two thresholds, gated by a
	// profitability guard that refuses
	// to fire when pnl >= 0 — this is what prevents a loss-threshold
	// check from ever closing a winning trade.
	if ev.PnLPct < 0 && (ev.PnLPct <= e.cfg.StopLossThresholdPct || ev.PnLPct <= e.cfg.MinLossFloorPct) {
		return e.full(p, ReasonStopStandard, prioStandardStop), true
	}

	// Rule 4: losing-trade time exit.
	age := ev.Now.Sub(p.OpenedAt)
	if ev.PnLPct < 0 && age >= e.cfg.LosingTimeLimit {
		return e.full(p, ReasonLosingTimeLimit, prioLosingTime), true
	}

	// Rule 5: tiered partial profit.
	tiers := e.cfg.Tiers
	if ev.TiersTaken < len(tiers) {
		next := tiers[ev.TiersTaken]
		if ev.PnLPct >= next.Threshold {
			return domain.ExitIntent{
				AccountID: p.AccountID,
				Symbol:    p.Symbol,
				Reason:    ReasonTieredProfit,
				Fraction:  next.Fraction,
				Priority:  prioTieredProfit,
			}, true
		}
	}

	// Rule 6: trailing stop on residual, active only once at least one
	// partial exit has occurred.
	if len(p.PartialExits) > 0 {
		trail := p.Trailing
		k := e.cfg.TrailingATRMultiple
		atrNorm := atrNormFloor(ev.ATRNorm)
		candidate := ev.CurrentPrice * (1 - k*atrNorm)
		if p.Side == domain.Short {
			candidate = ev.CurrentPrice * (1 + k*atrNorm)
		}
		if !trail.Active || (p.Side != domain.Short && candidate > trail.StopPrice) || (p.Side == domain.Short && (trail.StopPrice == 0 || candidate < trail.StopPrice)) {
			trail.Active = true
			trail.StopPrice = candidate
			if ev.CurrentPrice > trail.HighWater || trail.HighWater == 0 {
				trail.HighWater = ev.CurrentPrice
			}
		}
		crossed := (p.Side != domain.Short && ev.CurrentPrice <= trail.StopPrice) ||
			(p.Side == domain.Short && ev.CurrentPrice >= trail.StopPrice)
		if crossed {
			return e.full(p, ReasonTrailingStop, prioTrailing), true
		}
	}

	// Rule 7: profitable-trade max hold.
	if ev.PnLPct >= 0 && age >= e.cfg.ProfitableMaxHold {
		return e.full(p, ReasonMaxHoldProfit, prioMaxHoldProfit), true
	}

	// Rule 8: emergency hold.
	if age >= e.cfg.EmergencyHoldLimit {
		return e.full(p, ReasonEmergencyHold, prioEmergencyHold), true
	}

	return domain.ExitIntent{}, false
}

// TrailingFor returns the trailing state Evaluate would have
// computed, for callers (AccountLoop) that need to persist it back to the
// PositionTracker even on cycles where no exit fires.
func (e *Engine) TrailingFor(ev Evaluation) domain.TrailingStopState {
	p := ev.Position
	if len(p.PartialExits) == 0 {
		return p.Trailing
	}
	k := e.cfg.TrailingATRMultiple
	atrNorm := atrNormFloor(ev.ATRNorm)
	candidate := ev.CurrentPrice * (1 - k*atrNorm)
	if p.Side == domain.Short {
		candidate = ev.CurrentPrice * (1 + k*atrNorm)
	}
	trail := p.Trailing
	trail.Active = true
	if ev.CurrentPrice > trail.HighWater {
		trail.HighWater = ev.CurrentPrice
	}
	if trail.StopPrice == 0 ||
		(p.Side != domain.Short && candidate > trail.StopPrice) ||
		(p.Side == domain.Short && candidate < trail.StopPrice) {
		trail.StopPrice = candidate
	}
	return trail
}

// LosingWarning reports whether a losing position has aged into the
// warning window: past Config.LosingTimeWarning but not yet at rule 4's
// forced-exit limit. It never produces an intent; callers surface it to
// the operator once per cycle.
func (e *Engine) LosingWarning(ev Evaluation) bool {
	if ev.PnLPct >= 0 {
		return false
	}
	age := ev.Now.Sub(ev.Position.OpenedAt)
	return age >= e.cfg.LosingTimeWarning && age < e.cfg.LosingTimeLimit
}

// atrNormFloor keeps the trailing band open when the caller has no fresh
// volatility reading; a zero ATR would pin the stop to the current price
// and close every residual on the next tick.
func atrNormFloor(v float64) float64 {
	if v <= 0 {
		return 0.01
	}
	return v
}

func (e *Engine) full(p *domain.Position, reason string, priority int) domain.ExitIntent {
	return domain.ExitIntent{
		AccountID: p.AccountID,
		Symbol:    p.Symbol,
		Reason:    reason,
		Fraction:  1.0,
		Priority:  priority,
	}
}

// RankedPosition pairs a position with the PnL needed to rank it for
// forced drain.
type RankedPosition struct {
	Position *domain.Position
	PnLPct   float64
}

// ForcedDrain implements rule 9: when open_count > max_concurrent, rank
// the excess by (size_usd asc, pnl_pct asc) and schedule up to
// MaxDrainPerCycle of the smallest/worst for exit this cycle.
func (e *Engine) ForcedDrain(open []RankedPosition) []domain.ExitIntent {
	max := e.cfg.MaxConcurrentPositions
	if len(open) <= max {
		return nil
	}
	excess := len(open) - max

	ranked := make([]RankedPosition, len(open))
	copy(ranked, open)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Position.SizeUSD != ranked[j].Position.SizeUSD {
			return ranked[i].Position.SizeUSD < ranked[j].Position.SizeUSD
		}
		return ranked[i].PnLPct < ranked[j].PnLPct
	})

	n := excess
	if n > e.cfg.MaxDrainPerCycle {
		n = e.cfg.MaxDrainPerCycle
	}
	intents := make([]domain.ExitIntent, 0, n)
	for i := 0; i < n; i++ {
		p := ranked[i].Position
		intents = append(intents, domain.ExitIntent{
			AccountID: p.AccountID,
			Symbol:    p.Symbol,
			Reason:    ReasonForcedDrain,
			Fraction:  1.0,
			Priority:  prioForcedDrain,
		})
	}
	return intents
}

// AdoptedEntry covers positions with no known entry price (adopted from
// the broker): evaluate this cycle as if entry = current * 1.01.
// internal/position.Tracker.AdoptExisting already seeds this at adoption
// time; this helper exists for callers re-deriving PnL inline without a
// round trip through the tracker.
func AdoptedEntry(currentPrice float64) float64 {
	return currentPrice * 1.01
}

// ValidateTierUnits returns an error if any configured tier threshold looks like a
// percentage-formatted value (>1.5) leaking in where a fraction is
// expected. It is not on the hot path; nothing in the engine calls it
// outside its tests.
func ValidateTierUnits(tiers []Tier) error {
	for _, t := range tiers {
		if t.Threshold > 1.5 {
			return fmt.Errorf("exit: tier threshold %.4f looks like a percentage, want fractional (0.02 == 2%%)", t.Threshold)
		}
	}
	return nil
}
