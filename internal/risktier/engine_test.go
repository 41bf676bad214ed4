package risktier

import (
	"math"
	"testing"
)

func viableInput(equity float64) SizeInput {
	return SizeInput{
		AccountEquity:     equity,
		OpenPositionCount: 0,
		BrokerMinNotional: 5,
		StopPct:           0.015,
		AvgTargetPct:      0.04,
		Confidence:        0.7,
		WinRateEstimate:   0.55,
	}
}

func TestTierForBrackets(t *testing.T) {
	tests := []struct {
		equity       float64
		wantTier     Tier
		wantMaxPos   int
		wantBaseRisk float64
	}{
		{100, TierStarter, 3, 0.04},
		{4999, TierStarter, 3, 0.04},
		{5000, TierAdvanced, 4, 0.04},
		{19999, TierAdvanced, 4, 0.04},
		{20000, TierElite, 6, 0.05},
	}
	for _, tt := range tests {
		b := TierFor(tt.equity)
		if b.tier != tt.wantTier || b.maxPositions != tt.wantMaxPos || b.baseRiskPct != tt.wantBaseRisk {
			t.Fatalf("equity %v: got (%s,%d,%v), expected (%s,%d,%v)",
				tt.equity, b.tier, b.maxPositions, b.baseRiskPct, tt.wantTier, tt.wantMaxPos, tt.wantBaseRisk)
		}
	}
}

func TestTierLatchesUpwardOnly(t *testing.T) {
	e := New(DefaultConfig())

	in := viableInput(25000)
	in.AccountID = "acct-1"
	if d := e.Gate(in); d.Tier != TierElite {
		t.Fatalf("tier=%s at $25k, expected ELITE", d.Tier)
	}

	// Equity dips below the ELITE floor: the latch holds.
	in.AccountEquity = 6000
	if d := e.Gate(in); d.Tier != TierElite {
		t.Fatalf("tier=%s after dip, expected latched ELITE", d.Tier)
	}

	// A different account is unaffected by acct-1's latch.
	other := viableInput(6000)
	other.AccountID = "acct-2"
	if d := e.Gate(other); d.Tier != TierAdvanced {
		t.Fatalf("tier=%s for fresh account at $6k, expected ADVANCED", d.Tier)
	}
}

type memTierStore struct{ m map[string]Tier }

func (s *memTierStore) LoadTier(id string) (Tier, bool) { t, ok := s.m[id]; return t, ok }
func (s *memTierStore) SaveTier(id string, t Tier) error {
	s.m[id] = t
	return nil
}

func TestTierLatchSurvivesViaStore(t *testing.T) {
	store := &memTierStore{m: map[string]Tier{}}

	e1 := NewWithStore(DefaultConfig(), store)
	in := viableInput(25000)
	in.AccountID = "acct-1"
	e1.Gate(in)

	// A fresh engine (restart) sees the persisted latch.
	e2 := NewWithStore(DefaultConfig(), store)
	in.AccountEquity = 1000
	if d := e2.Gate(in); d.Tier != TierElite {
		t.Fatalf("tier=%s after restart, expected ELITE from store", d.Tier)
	}
}

func TestGateRejections(t *testing.T) {
	e := New(DefaultConfig())

	tests := []struct {
		name string
		mut  func(*SizeInput)
		want RejectKind
	}{
		{"zero equity", func(in *SizeInput) { in.AccountEquity = 0 }, RejectInsufficientEquity},
		{"at position cap", func(in *SizeInput) { in.OpenPositionCount = 3 }, RejectOverPositionCap},
		{"zero stop distance", func(in *SizeInput) { in.StopPct = 0 }, RejectRiskOfRuin},
		{"below min notional", func(in *SizeInput) { in.AccountEquity = 30; in.BrokerMinNotional = 10; in.StopPct = 0.10 }, RejectBelowMinNotional},
		{"unprofitable after fees", func(in *SizeInput) { in.AvgTargetPct = 0.02 }, RejectUnprofitable},
		{"negative expected value", func(in *SizeInput) { in.AvgTargetPct = 0.035; in.StopPct = 0.012; in.WinRateEstimate = 0.15 }, RejectUnprofitable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := viableInput(1000)
			tt.mut(&in)
			d := e.Gate(in)
			if d.Allowed {
				t.Fatalf("expected rejection, got allowed size $%v", d.SizeUSD)
			}
			if d.Reject != tt.want {
				t.Fatalf("reject=%s, expected %s (%s)", d.Reject, tt.want, d.Reason)
			}
		})
	}
}

func TestGateSizing(t *testing.T) {
	e := New(DefaultConfig())
	in := viableInput(1000)
	d := e.Gate(in)
	if !d.Allowed {
		t.Fatalf("expected allowed, got %s: %s", d.Reject, d.Reason)
	}

	// risk_pct = base * (0.5 + conf*0.7); STARTER base is 4%.
	wantRisk := 0.04 * (0.5 + 0.7*0.7)
	if math.Abs(d.RiskPct-wantRisk) > 1e-12 {
		t.Fatalf("RiskPct=%v, expected %v", d.RiskPct, wantRisk)
	}

	// size = equity*risk/stop, capped at equity*MaxPosPct.
	raw := 1000 * wantRisk / in.StopPct
	want := math.Min(raw, 1000*DefaultConfig().MaxPosPct)
	if math.Abs(d.SizeUSD-want) > 1e-9 {
		t.Fatalf("SizeUSD=%v, expected %v", d.SizeUSD, want)
	}
}

func TestConfidenceScalingRange(t *testing.T) {
	e := New(DefaultConfig())

	lo := viableInput(1000)
	lo.Confidence = 0
	hi := viableInput(1000)
	hi.Confidence = 1

	dLo, dHi := e.Gate(lo), e.Gate(hi)
	if math.Abs(dLo.RiskPct-0.04*0.5) > 1e-12 {
		t.Fatalf("zero-confidence risk=%v, expected 0.5x base", dLo.RiskPct)
	}
	if math.Abs(dHi.RiskPct-0.04*1.2) > 1e-12 {
		t.Fatalf("full-confidence risk=%v, expected 1.2x base", dHi.RiskPct)
	}
}
