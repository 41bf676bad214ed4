package position

import (
	"math"
	"testing"
	"time"

	"apex-engine/internal/domain"
)

func TestTrackEntryWeightedAverage(t *testing.T) {
	now := time.Now()
	tr := New("acct-1")

	tr.TrackEntry("BTC-USD", domain.Long, 50000, 0.001, now)
	p := tr.TrackEntry("BTC-USD", domain.Long, 52000, 0.001, now.Add(time.Minute))

	wantEntry := (50000*0.001 + 52000*0.001) / 0.002
	if math.Abs(p.EntryPrice-wantEntry) > 1e-9 {
		t.Fatalf("EntryPrice=%v, expected %v", p.EntryPrice, wantEntry)
	}
	if p.Qty != 0.002 {
		t.Fatalf("Qty=%v, expected 0.002", p.Qty)
	}
	if tr.Count() != 1 {
		t.Fatalf("Count=%d, expected 1 (add, not a second position)", tr.Count())
	}
}

func TestRecordExitFullCloseRoundTrip(t *testing.T) {
	now := time.Now()
	tr := New("acct-1")
	tr.TrackEntry("ETH-USD", domain.Long, 3000, 0.1, now)

	pct, _, err := tr.PnL("ETH-USD", 3060)
	if err != nil {
		t.Fatalf("PnL returned error: %v", err)
	}
	want := (3060.0 - 3000.0) / 3000.0
	if math.Abs(pct-want) > 1e-12 {
		t.Fatalf("pnl=%v, expected %v", pct, want)
	}

	closed, err := tr.RecordExit("ETH-USD", 3060, 1.0, "test", now)
	if err != nil {
		t.Fatalf("RecordExit returned error: %v", err)
	}
	if closed == nil || closed.Qty != 0 {
		t.Fatalf("full exit should return the closed position with qty 0, got %+v", closed)
	}
	if tr.Count() != 0 {
		t.Fatalf("position should be deleted after full exit, Count=%d", tr.Count())
	}

	// Idempotence: a repeat exit is a no-op, not an error.
	again, err := tr.RecordExit("ETH-USD", 3060, 1.0, "test", now)
	if err != nil || again != nil {
		t.Fatalf("repeat exit should be a no-op, got pos=%+v err=%v", again, err)
	}
}

func TestRecordExitPartialKeepsResidual(t *testing.T) {
	now := time.Now()
	tr := New("acct-1")
	tr.TrackEntry("BTC-USD", domain.Long, 50000, 0.001, now)

	p, err := tr.RecordExit("BTC-USD", 51000, 0.10, "tier-1", now)
	if err != nil {
		t.Fatalf("RecordExit returned error: %v", err)
	}
	if math.Abs(p.Qty-0.0009) > 1e-12 {
		t.Fatalf("residual Qty=%v, expected 0.0009", p.Qty)
	}
	if len(p.PartialExits) != 1 || p.PartialExits[0].Fraction != 0.10 {
		t.Fatalf("PartialExits=%+v, expected one 10%% slice", p.PartialExits)
	}
	if tr.Count() != 1 {
		t.Fatalf("partial exit must not delete the position")
	}
}

func TestRecordExitRejectsBadFraction(t *testing.T) {
	tr := New("acct-1")
	tr.TrackEntry("BTC-USD", domain.Long, 50000, 0.001, time.Now())
	for _, f := range []float64{0, -0.5, 1.5} {
		if _, err := tr.RecordExit("BTC-USD", 50000, f, "bad", time.Now()); err == nil {
			t.Fatalf("fraction %v should be rejected", f)
		}
	}
}

func TestPnLUnitDriftAssertion(t *testing.T) {
	now := time.Now()
	tr := New("acct-1")
	tr.TrackEntry("BTC-USD", domain.Long, 100, 1, now)

	// A 150% move trips the |pct| < 1.0 sanity check.
	if _, _, err := tr.PnL("BTC-USD", 250); err == nil {
		t.Fatalf("expected unit-drift assertion at |pnl| >= 1.0")
	}
	// A normal move does not.
	if _, _, err := tr.PnL("BTC-USD", 104); err != nil {
		t.Fatalf("unexpected error at 4%% move: %v", err)
	}
}

func TestAdoptExistingSeedsAggressiveEntry(t *testing.T) {
	now := time.Now()
	tr := New("acct-1")

	n := tr.AdoptExisting(
		[]domain.RawPosition{{Symbol: "SOL-USD", Qty: 2, Side: domain.Long}},
		map[string]float64{"SOL-USD": 100},
		now,
	)
	if n != 1 {
		t.Fatalf("adopted=%d, expected 1", n)
	}
	p := tr.Get("SOL-USD")
	if p == nil {
		t.Fatalf("adopted position missing")
	}
	if math.Abs(p.EntryPrice-101) > 1e-9 {
		t.Fatalf("EntryPrice=%v, expected current*1.01=101", p.EntryPrice)
	}
	// The seeded entry makes the position look ~1% underwater right away.
	pct, _, err := tr.PnL("SOL-USD", 100)
	if err != nil {
		t.Fatalf("PnL returned error: %v", err)
	}
	if pct >= 0 {
		t.Fatalf("adopted position should start underwater, pnl=%v", pct)
	}
}

func TestAdoptExistingSkipsKnownAndBad(t *testing.T) {
	now := time.Now()
	tr := New("acct-1")
	tr.TrackEntry("BTC-USD", domain.Long, 50000, 0.001, now)

	n := tr.AdoptExisting(
		[]domain.RawPosition{
			{Symbol: "BTC-USD", Qty: 0.001, Side: domain.Long}, // already tracked
			{Symbol: "NOPRICE-USD", Qty: 1, Side: domain.Long}, // no price available
			{Symbol: "ZERO-USD", Qty: 0, Side: domain.Long},    // zero qty
		},
		map[string]float64{"BTC-USD": 50000, "ZERO-USD": 10},
		now,
	)
	if n != 0 {
		t.Fatalf("adopted=%d, expected 0", n)
	}
	if p := tr.Get("BTC-USD"); p.EntryPrice != 50000 {
		t.Fatalf("adoption must not overwrite a live entry price, got %v", p.EntryPrice)
	}
}

func TestUnsellableCooldown(t *testing.T) {
	now := time.Now()
	tr := New("acct-1")
	tr.TrackEntry("BTC-USD", domain.Long, 50000, 0.001, now)

	tr.MarkRejected("BTC-USD", now)
	tr.MarkRejected("BTC-USD", now)
	if tr.IsUnsellable("BTC-USD", now) {
		t.Fatalf("two rejections must not trigger the cool-down")
	}
	p := tr.MarkRejected("BTC-USD", now)
	if p.ConsecutiveRejects != 3 {
		t.Fatalf("ConsecutiveRejects=%d, expected 3", p.ConsecutiveRejects)
	}
	if !tr.IsUnsellable("BTC-USD", now) {
		t.Fatalf("three rejections should trigger the 24h cool-down")
	}
	if tr.IsUnsellable("BTC-USD", now.Add(24*time.Hour+time.Second)) {
		t.Fatalf("cool-down should expire after 24h")
	}

	tr.ClearRejections("BTC-USD")
	if p := tr.Get("BTC-USD"); p.ConsecutiveRejects != 0 {
		t.Fatalf("ClearRejections should reset the counter")
	}
}

func TestRegistryIsolatesAccounts(t *testing.T) {
	reg := NewRegistry()
	a := reg.GetOrCreate("acct-a")
	b := reg.GetOrCreate("acct-b")
	if a == b {
		t.Fatalf("accounts must not share a tracker")
	}
	a.TrackEntry("BTC-USD", domain.Long, 50000, 0.001, time.Now())
	if b.Count() != 0 {
		t.Fatalf("entry on acct-a leaked into acct-b")
	}
	if again := reg.GetOrCreate("acct-a"); again != a {
		t.Fatalf("GetOrCreate should return the same tracker per account")
	}
}
