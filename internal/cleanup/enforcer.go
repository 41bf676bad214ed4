// Package cleanup implements the PositionCapEnforcer / ForcedCleanup
// background task: classify every broker-reported position as
// DUST, KEEP, or EXCESS against the live count, close DUST unconditionally
// and EXCESS down to the cap, all within a bounded wall-clock budget per
// run so a broker outage can never turn cleanup into an unbounded stall.
//
// Expands internal/reconciliation/service.go: the ticker-driven run loop
// and emoji-tagged logging are kept from that file, but the diff-and-
// resync-local-state behavior is replaced with actually classifying and
// closing positions through BrokerAdapter, since this engine's source of
// truth is the broker, not a local ledger.
package cleanup

import (
	"context"
	"log"
	"sort"
	"time"

	"apex-engine/internal/domain"
)

// Budget is the bounded wall-clock window one enforcement run may spend
// placing close orders, keyed by when the run fires.
type Budget struct {
	Startup  time.Duration // cycle 0, default 20s
	MidCycle time.Duration // scheduled interval run, default 10s
	Default  time.Duration // every-N-trades trigger, default 5s
}

// DefaultBudget returns the stock wall-clock budgets per run kind.
func DefaultBudget() Budget {
	return Budget{Startup: 20 * time.Second, MidCycle: 10 * time.Second, Default: 5 * time.Second}
}

// Trigger identifies why a run fired, selecting which Budget field gates it.
type Trigger int

const (
	TriggerStartup Trigger = iota
	TriggerScheduled
	TriggerTradeCount
)

func (b Budget) For(t Trigger) time.Duration {
	switch t {
	case TriggerStartup:
		return b.Startup
	case TriggerScheduled:
		return b.MidCycle
	default:
		return b.Default
	}
}

// Classification is the per-position verdict.
type Classification string

const (
	ClassDust   Classification = "DUST"
	ClassKeep   Classification = "KEEP"
	ClassExcess Classification = "EXCESS"
)

// Classified pairs a raw position with its verdict and sort keys for
// EXCESS ranking (smallest size first, then worst PnL).
type Classified struct {
	Position domain.RawPosition
	SizeUSD  float64
	PnLPct   float64
	Class    Classification
}

// Broker is the subset of pkg/broker.Adapter the enforcer needs — one
// Adapter instance is already bound to a single account's credentials, so
// neither method takes an account id. Kept narrow so tests can fake it
// without a full adapter.
type Broker interface {
	GetPositions(ctx context.Context) ([]domain.RawPosition, error)
	PlaceMarket(ctx context.Context, req domain.OrderRequest) (domain.Order, error)
}

// PriceLookup resolves a symbol's current price, needed to compute
// SizeUSD/PnLPct for classification and ranking.
type PriceLookup func(symbol string) (float64, error)

// EntryPriceLookup resolves the entry price this engine last recorded for
// a symbol (from internal/position.Tracker), used only to break ties in
// EXCESS ranking. The broker's own position report carries no entry
// price (domain.RawPosition), so a miss (ok=false) just means the PnL
// tie-break contributes nothing for that symbol, not an error.
type EntryPriceLookup func(symbol string) (price float64, ok bool)

// Enforcer runs ForcedCleanup for one account against one broker.
type Enforcer struct {
	accountID string
	broker    Broker
	priceOf   PriceLookup
	entryOf   EntryPriceLookup
	dustUSD   float64
	maxCap    int
	budget    Budget
}

// New builds an Enforcer for one (account, broker) pair.
func New(accountID string, broker Broker, priceOf PriceLookup, entryOf EntryPriceLookup, cap domain.CapConfig, budget Budget) *Enforcer {
	return &Enforcer{
		accountID: accountID,
		broker:    broker,
		priceOf:   priceOf,
		entryOf:   entryOf,
		dustUSD:   cap.DustThresholdUSD,
		maxCap:    cap.MaxConcurrentPositions,
		budget:    budget,
	}
}

// Report summarizes one enforcement run for journaling/metrics.
type Report struct {
	At              time.Time
	Classified      []Classified
	Closed          []domain.RawPosition
	BudgetSpent     time.Duration
	BudgetHit       bool // true if the run stopped early on budget exhaustion
	SafetyViolation bool // true if post-run open count still exceeds max_cap
}

// Run fetches live positions, classifies them, and closes DUST
// unconditionally plus EXCESS down to max_cap, bounded by the trigger's
// wall-clock budget. On budget exhaustion it stops and returns early;
// the caller's scheduler resumes the remainder next cycle, so the cap
// is eventually consistent with a bounded correction window.
func (e *Enforcer) Run(ctx context.Context, trigger Trigger) (Report, error) {
	deadline := e.budget.For(trigger)
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	report := Report{At: start}

	raw, err := e.broker.GetPositions(runCtx)
	if err != nil {
		return report, err
	}

	classified := e.classify(raw)
	report.Classified = classified

	toClose := ranked(classified, e.maxCap)

	for _, c := range toClose {
		select {
		case <-runCtx.Done():
			report.BudgetHit = true
			log.Printf("⚠️ cleanup budget exhausted for %s after closing %d/%d positions", e.accountID, len(report.Closed), len(toClose))
			report.BudgetSpent = time.Since(start)
			report.SafetyViolation = e.postRunCount(raw, report.Closed) > e.maxCap
			return report, nil
		default:
		}

		side := domain.Sell
		if c.Position.Side == domain.Short {
			side = domain.Buy
		}
		_, err := e.broker.PlaceMarket(runCtx, domain.OrderRequest{
			AccountID: e.accountID,
			Symbol:    c.Position.Symbol,
			Side:      side,
			Qty:       c.Position.Qty,
			ClientID:  "cleanup-" + e.accountID + "-" + c.Position.Symbol,
			Submitted: time.Now(),
		})
		if err != nil {
			log.Printf("❌ cleanup close failed for %s %s (%s): %v", e.accountID, c.Position.Symbol, c.Class, err)
			continue
		}
		log.Printf("✓ cleanup closed %s %s (%s, size=$%.2f)", e.accountID, c.Position.Symbol, c.Class, c.SizeUSD)
		report.Closed = append(report.Closed, c.Position)
	}

	report.BudgetSpent = time.Since(start)
	report.SafetyViolation = e.postRunCount(raw, report.Closed) > e.maxCap
	if report.SafetyViolation {
		log.Printf("🚨 SAFETY VIOLATION: %s open position count still above cap %d after cleanup run", e.accountID, e.maxCap)
	}
	return report, nil
}

func (e *Enforcer) postRunCount(raw []domain.RawPosition, closed []domain.RawPosition) int {
	closedSet := make(map[string]bool, len(closed))
	for _, c := range closed {
		closedSet[c.Symbol] = true
	}
	n := 0
	for _, p := range raw {
		if !closedSet[p.Symbol] {
			n++
		}
	}
	return n
}

// classify assigns DUST/KEEP/EXCESS to every raw position. EXCESS is only
// assigned in ranked() once the cap is known to be exceeded; classify
// itself only separates DUST from everything else.
func (e *Enforcer) classify(raw []domain.RawPosition) []Classified {
	out := make([]Classified, 0, len(raw))
	for _, p := range raw {
		price, err := e.priceOf(p.Symbol)
		if err != nil || price <= 0 {
			price = 0
		}
		sizeUSD := p.Qty * price

		class := ClassKeep
		if sizeUSD <= e.dustUSD {
			class = ClassDust
		}

		pnlPct := 0.0
		if e.entryOf != nil {
			if entry, ok := e.entryOf(p.Symbol); ok && entry > 0 && price > 0 {
				if p.Side == domain.Short {
					pnlPct = (entry - price) / entry
				} else {
					pnlPct = (price - entry) / entry
				}
			}
		}

		out = append(out, Classified{Position: p, SizeUSD: sizeUSD, PnLPct: pnlPct, Class: class})
	}
	return out
}

// ranked returns every DUST position plus, if the KEEP count still
// exceeds maxCap, the smallest/worst-PnL KEEP positions needed to bring
// the count back to the cap, ranked smallest size first, then worst PnL.
func ranked(classified []Classified, maxCap int) []Classified {
	var dust, keep []Classified
	for _, c := range classified {
		if c.Class == ClassDust {
			dust = append(dust, c)
		} else {
			keep = append(keep, c)
		}
	}

	toClose := append([]Classified{}, dust...)

	excessCount := len(keep) - maxCap
	if excessCount <= 0 {
		return toClose
	}

	sort.Slice(keep, func(i, j int) bool {
		if keep[i].SizeUSD != keep[j].SizeUSD {
			return keep[i].SizeUSD < keep[j].SizeUSD
		}
		return keep[i].PnLPct < keep[j].PnLPct
	})

	for i := 0; i < excessCount && i < len(keep); i++ {
		keep[i].Class = ClassExcess
		toClose = append(toClose, keep[i])
	}
	return toClose
}
