// Package position implements PositionTracker: weighted-average
// entry/exit accounting, fractional PnL, and adoption of broker-reported
// positions with no known entry price. There is no long/short-flip
// branching here: every position this engine holds is either fully
// closed (deleted) or reduced, never flipped direction in place (a flip
// is a full exit followed by a fresh entry).
package position

import (
	"fmt"
	"math"
	"sync"
	"time"

	"apex-engine/internal/domain"
)

// epsilon below which a quantity is treated as fully closed.
const qtyEpsilon = 1e-9

// Tracker owns every open Position for exactly one account; callers
// never share a Tracker across accounts.
type Tracker struct {
	mu        sync.RWMutex
	accountID string
	positions map[string]*domain.Position
}

// New builds an empty Tracker for one account.
func New(accountID string) *Tracker {
	return &Tracker{accountID: accountID, positions: make(map[string]*domain.Position)}
}

// Get returns the current position for symbol, or nil if none is open.
func (t *Tracker) Get(symbol string) *domain.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.positions[symbol]; ok {
		cp := *p
		return &cp
	}
	return nil
}

// All returns a snapshot of every open position.
func (t *Tracker) All() []*domain.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*domain.Position, 0, len(t.positions))
	for _, p := range t.positions {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// Count returns the number of open positions.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.positions)
}

// TrackEntry records a fill that opens or adds to a position, weighted-
// averaging the entry price on adds.
func (t *Tracker) TrackEntry(symbol string, side domain.PositionSide, price, qty float64, now time.Time) *domain.Position {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[symbol]
	if !ok || p.Qty <= qtyEpsilon {
		np := &domain.Position{
			AccountID:  t.accountID,
			Symbol:     symbol,
			Side:       side,
			Qty:        qty,
			EntryPrice: price,
			OpenedAt:   now,
			SizeUSD:    qty * price,
		}
		t.positions[symbol] = np
		cp := *np
		return &cp
	}

	newQty := p.Qty + qty
	p.EntryPrice = (p.EntryPrice*p.Qty + price*qty) / newQty
	p.Qty = newQty
	p.SizeUSD = p.Qty * p.EntryPrice
	cp := *p
	return &cp
}

// RecordExit reduces a position by fraction (0,1] at the given price,
// appending a PartialExit record. A fraction of 1.0 (within epsilon)
// deletes the record entirely (qty never goes negative; qty reaching
// zero deletes). Calling RecordExit again after full closure is a no-op.
func (t *Tracker) RecordExit(symbol string, price, fraction float64, reason string, now time.Time) (*domain.Position, error) {
	if fraction <= 0 || fraction > 1.0+1e-9 {
		return nil, fmt.Errorf("position: fraction %.4f out of (0,1]", fraction)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[symbol]
	if !ok {
		return nil, nil // already closed; repeat exits are no-ops
	}

	exitQty := p.Qty * fraction
	p.PartialExits = append(p.PartialExits, domain.PartialExit{
		Tier:     len(p.PartialExits) + 1,
		Fraction: fraction,
		Price:    price,
		At:       now,
	})
	p.Qty -= exitQty
	p.SizeUSD = p.Qty * p.EntryPrice

	if p.Qty <= qtyEpsilon || fraction >= 1.0-1e-9 {
		delete(t.positions, symbol)
		cp := *p
		cp.Qty = 0
		return &cp, nil
	}
	cp := *p
	return &cp, nil
}

// PnL returns fractional (pct) and USD PnL at currentPrice. pct must
// satisfy |pct| < 1.0 as a sanity assertion; a violation
// signals a unit-conversion bug upstream (percentage leaking in as
// fractional) and is returned as an error rather than silently clamped.
func (t *Tracker) PnL(symbol string, currentPrice float64) (pct, usd float64, err error) {
	t.mu.RLock()
	p, ok := t.positions[symbol]
	t.mu.RUnlock()
	if !ok {
		return 0, 0, nil
	}
	pct, usd = p.PnL(currentPrice)
	if math.Abs(pct) >= 1.0 {
		return pct, usd, fmt.Errorf("position: |pnl pct|=%.4f >= 1.0 for %s (unit-drift assertion tripped)", pct, symbol)
	}
	return pct, usd, nil
}

// UpdateTrailing sets the trailing-stop high-water mark and stop price for
// a position still held, used by the exit engine's residual-trail rule.
func (t *Tracker) UpdateTrailing(symbol string, trail domain.TrailingStopState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.positions[symbol]; ok {
		p.Trailing = trail
	}
}

// UpdateMaxFavorable records the best favorable excursion seen so far in
// Position.MaxFavorablePct. The ExitEngine's trailing-stop rule does not
// read it; it works from Position.Trailing.
func (t *Tracker) UpdateMaxFavorable(symbol string, pct float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.positions[symbol]; ok && pct > p.MaxFavorablePct {
		p.MaxFavorablePct = pct
	}
}

// MarkRejected increments the consecutive-rejection counter; at 3 it marks
// the position unsellable for a 24h cool-down.
func (t *Tracker) MarkRejected(symbol string, now time.Time) *domain.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[symbol]
	if !ok {
		return nil
	}
	p.ConsecutiveRejects++
	if p.ConsecutiveRejects >= 3 {
		p.UnsellableUntil = now.Add(24 * time.Hour)
	}
	cp := *p
	return &cp
}

// ClearRejections resets the reject counter after a successful sell.
func (t *Tracker) ClearRejections(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.positions[symbol]; ok {
		p.ConsecutiveRejects = 0
	}
}

// IsUnsellable reports whether symbol is within its post-rejection
// cool-down window.
func (t *Tracker) IsUnsellable(symbol string, now time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.positions[symbol]
	return ok && now.Before(p.UnsellableUntil)
}

// Restore seeds the tracker from a persisted snapshot, keeping real entry
// prices across a restart. Only empty slots are filled; a position already
// tracked this run always wins over the snapshot.
func (t *Tracker) Restore(positions []*domain.Position) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	restored := 0
	for _, p := range positions {
		if p == nil || p.Qty <= qtyEpsilon || p.EntryPrice <= 0 {
			continue
		}
		if _, exists := t.positions[p.Symbol]; exists {
			continue
		}
		cp := *p
		cp.AccountID = t.accountID
		t.positions[p.Symbol] = &cp
		restored++
	}
	return restored
}

// AdoptExisting seeds Tracker state from broker-reported raw positions that
// have no known entry price (e.g. after a restart or a manual trade off
// the engine). entry_price is seeded to current_price * 1.01 to force
// an immediate aggressive-exit posture — the position looks
// like it is already 1% underwater until real fills update it.
func (t *Tracker) AdoptExisting(raw []domain.RawPosition, currentPrices map[string]float64, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	adopted := 0
	for _, r := range raw {
		if _, exists := t.positions[r.Symbol]; exists {
			continue
		}
		price, ok := currentPrices[r.Symbol]
		if !ok || price <= 0 || r.Qty <= 0 {
			continue
		}
		entry := price * 1.01
		t.positions[r.Symbol] = &domain.Position{
			AccountID:  t.accountID,
			Symbol:     r.Symbol,
			Side:       r.Side,
			Qty:        r.Qty,
			EntryPrice: entry,
			OpenedAt:   now,
			SizeUSD:    r.Qty * entry,
		}
		adopted++
	}
	return adopted
}

// Registry is the per-account Tracker manager, following the same
// map+lastSeen+GetOrCreate idiom as internal/nonce.Registry.
type Registry struct {
	mu       sync.Mutex
	trackers map[string]*Tracker
	lastSeen map[string]time.Time
}

// NewRegistry builds an empty Tracker registry.
func NewRegistry() *Registry {
	return &Registry{trackers: make(map[string]*Tracker), lastSeen: make(map[string]time.Time)}
}

// GetOrCreate returns the Tracker for accountID, creating it on first use.
func (r *Registry) GetOrCreate(accountID string) *Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSeen[accountID] = time.Now()
	if tr, ok := r.trackers[accountID]; ok {
		return tr
	}
	tr := New(accountID)
	r.trackers[accountID] = tr
	return tr
}

// CleanupIdle drops trackers with zero open positions that have been
// inactive longer than ttl.
func (r *Registry) CleanupIdle(ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for id, seen := range r.lastSeen {
		if now.Sub(seen) <= ttl {
			continue
		}
		if tr, ok := r.trackers[id]; ok && tr.Count() == 0 {
			delete(r.trackers, id)
			delete(r.lastSeen, id)
		}
	}
}
