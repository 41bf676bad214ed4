// Package copytrade implements the CopyTradeBus: every MASTER
// account fill is fanned out to its CopyTradeFollower accounts, scaled by
// each follower's capital relative to the master's equity at fill time,
// capped at a max per-follower risk fraction so a large master swing can
// never over-commit a small follower account. The fan-out rides on
// internal/events.Bus; equity inputs come from per-account balance
// snapshots supplied by the caller.
package copytrade

import (
	"fmt"
	"sync"

	"apex-engine/internal/domain"
	"apex-engine/internal/events"
)

// MaxFollowerRiskFraction caps a single copy-scaled order's notional as a
// fraction of the follower's own equity, regardless of how the
// proportional scale works out.
const MaxFollowerRiskFraction = 0.10

// FollowerOrder is what the Bus emits for a follower account to place.
type FollowerOrder struct {
	AccountID string
	Symbol    string
	Side      domain.OrderSide
	SizeUSD   float64
	Scale     float64 // the proportional factor actually applied
	Capped    bool    // true if MaxFollowerRiskFraction clipped the scale
	Source    domain.CopyEvent
}

// EquityLookup returns a follower account's current total equity.
type EquityLookup func(accountID string) (float64, error)

// Bus fans a MASTER fill out to every registered follower of that master,
// publishing one events.EventCopyTrade per follower order it computes.
type Bus struct {
	mu        sync.RWMutex
	followers map[string][]string // masterAccountID -> []followerAccountID
	equity    EquityLookup
	events    *events.Bus
}

// New builds a Bus. equity is consulted once per follower per fill to
// compute the proportional scale; events may be nil if publication isn't
// needed (e.g. in tests).
func New(equity EquityLookup, bus *events.Bus) *Bus {
	return &Bus{
		followers: make(map[string][]string),
		equity:    equity,
		events:    bus,
	}
}

// Register declares accountID as a copy-follower of masterID. Call once
// per follower at startup, driven by domain.Account.CopyTradeFollower /
// MasterAccountID.
func (b *Bus) Register(masterID, accountID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range b.followers[masterID] {
		if id == accountID {
			return
		}
	}
	b.followers[masterID] = append(b.followers[masterID], accountID)
}

// Unregister removes accountID from masterID's follower list, e.g. when an
// account is disabled or its role changes.
func (b *Bus) Unregister(masterID, accountID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.followers[masterID]
	for i, id := range list {
		if id == accountID {
			b.followers[masterID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Followers returns the current follower list for masterID.
func (b *Bus) Followers(masterID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.followers[masterID]))
	copy(out, b.followers[masterID])
	return out
}

// Fanout computes one FollowerOrder per registered follower of ev's
// master, scaling proportionally to follower_equity/master_equity_at_fill
// and capping at MaxFollowerRiskFraction of the follower's own equity.
// A follower whose equity lookup fails is skipped, not
// fatal — one bad follower must never block the others.
func (b *Bus) Fanout(ev domain.CopyEvent) ([]FollowerOrder, []error) {
	followers := b.Followers(ev.MasterAccountID)
	if len(followers) == 0 {
		return nil, nil
	}
	if ev.MasterEquityAtFill <= 0 {
		return nil, []error{fmt.Errorf("copytrade: master %s equity at fill is zero or negative", ev.MasterAccountID)}
	}

	var orders []FollowerOrder
	var errs []error
	for _, followerID := range followers {
		equity, err := b.equity(followerID)
		if err != nil {
			errs = append(errs, fmt.Errorf("copytrade: equity lookup for %s: %w", followerID, err))
			continue
		}
		if equity <= 0 {
			errs = append(errs, fmt.Errorf("copytrade: follower %s has zero or negative equity", followerID))
			continue
		}

		scale := equity / ev.MasterEquityAtFill
		sizeUSD := ev.MasterSizeUSD * scale

		capped := false
		if maxSize := equity * MaxFollowerRiskFraction; sizeUSD > maxSize {
			sizeUSD = maxSize
			capped = true
		}

		order := FollowerOrder{
			AccountID: followerID,
			Symbol:    ev.Symbol,
			Side:      ev.Side,
			SizeUSD:   sizeUSD,
			Scale:     scale,
			Capped:    capped,
			Source:    ev,
		}
		orders = append(orders, order)
		if b.events != nil {
			b.events.Publish(events.EventCopyTrade, order)
		}
	}
	return orders, errs
}
