package exit

import (
	"testing"
	"time"

	"apex-engine/internal/domain"
)

func pos(symbol string, sizeUSD float64, openedAgo time.Duration, now time.Time) *domain.Position {
	return &domain.Position{
		AccountID:  "acct-1",
		Symbol:     symbol,
		Side:       domain.Long,
		Qty:        1,
		EntryPrice: 100,
		OpenedAt:   now.Add(-openedAgo),
		SizeUSD:    sizeUSD,
	}
}

func TestEvaluateRulePriority(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	engine := New(DefaultConfig())

	tests := []struct {
		name       string
		ev         Evaluation
		wantReason string
		wantFrac   float64
		wantFire   bool
	}{
		{
			name: "dust beats everything",
			ev: Evaluation{
				Position: pos("DUST-USD", 0.5, 13*time.Hour, now),
				PnLPct:   -0.10, // would also be catastrophic
				Now:      now,
			},
			wantReason: ReasonSmallPosition,
			wantFrac:   1.0,
			wantFire:   true,
		},
		{
			name: "catastrophic stop at -5%",
			ev: Evaluation{
				Position: pos("BTC-USD", 50, time.Minute, now),
				PnLPct:   -0.05,
				Now:      now,
			},
			wantReason: ReasonStopCatastrophic,
			wantFrac:   1.0,
			wantFire:   true,
		},
		{
			name: "standard stop fires exactly at threshold",
			ev: Evaluation{
				Position: pos("BTC-USD", 50, time.Minute, now),
				PnLPct:   -0.015,
				Now:      now,
			},
			wantReason: ReasonStopStandard,
			wantFrac:   1.0,
			wantFire:   true,
		},
		{
			name: "standard stop fires on the min-loss floor alone",
			ev: Evaluation{
				Position: pos("BTC-USD", 50, time.Minute, now),
				PnLPct:   -0.001, // above -1.5% but below -0.05% floor
				Now:      now,
			},
			wantReason: ReasonStopStandard,
			wantFrac:   1.0,
			wantFire:   true,
		},
		{
			name: "profitability guard: pnl exactly zero never stops",
			ev: Evaluation{
				Position: pos("BTC-USD", 50, time.Minute, now),
				PnLPct:   0,
				Now:      now,
			},
			wantFire: false,
		},
		{
			name: "losing trade at exactly 30 minutes",
			ev: Evaluation{
				Position: pos("ETH-USD", 300, 30*time.Minute, now),
				PnLPct:   -0.0002, // losing, but above both stop thresholds
				Now:      now,
			},
			wantReason: ReasonLosingTimeLimit,
			wantFrac:   1.0,
			wantFire:   true,
		},
		{
			name: "first profit tier takes 10%",
			ev: Evaluation{
				Position: pos("BTC-USD", 50, time.Minute, now),
				PnLPct:   0.020,
				Now:      now,
			},
			wantReason: ReasonTieredProfit,
			wantFrac:   0.10,
			wantFire:   true,
		},
		{
			name: "profitable max hold at 8h",
			ev: Evaluation{
				Position: pos("BTC-USD", 50, 8*time.Hour, now),
				PnLPct:   0.001,
				Now:      now,
			},
			wantReason: ReasonMaxHoldProfit,
			wantFrac:   1.0,
			wantFire:   true,
		},
		{
			name: "losing position at 12h: losing time limit outranks emergency hold",
			ev: Evaluation{
				Position: pos("BTC-USD", 50, 12*time.Hour, now),
				PnLPct:   -0.0001,
				Now:      now,
			},
			// losing + >30m means rule 4 outranks rule 8
			wantReason: ReasonLosingTimeLimit,
			wantFrac:   1.0,
			wantFire:   true,
		},
		{
			name: "unsellable position is skipped entirely",
			ev: Evaluation{
				Position:   pos("BTC-USD", 50, time.Minute, now),
				PnLPct:     -0.10,
				Now:        now,
				Unsellable: true,
			},
			wantFire: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent, ok := engine.Evaluate(tt.ev)
			if ok != tt.wantFire {
				t.Fatalf("fired=%v, expected %v (intent=%+v)", ok, tt.wantFire, intent)
			}
			if !ok {
				return
			}
			if intent.Reason != tt.wantReason {
				t.Fatalf("reason=%s, expected %s", intent.Reason, tt.wantReason)
			}
			if intent.Fraction != tt.wantFrac {
				t.Fatalf("fraction=%v, expected %v", intent.Fraction, tt.wantFrac)
			}
		})
	}
}

// Walks the Kraken tier ladder the way a real winner would: each tier fires
// once, in order, and partial tiers never clear the position.
func TestTieredProfitLadder(t *testing.T) {
	now := time.Now()
	engine := New(DefaultConfig())
	p := pos("BTC-USD", 50, time.Minute, now)

	steps := []struct {
		pnl      float64
		taken    int
		wantFrac float64
	}{
		{0.010, 0, 0},    // +1.0%: below first tier, nothing fires
		{0.020, 0, 0.10}, // +2.0%: tier 1
		{0.025, 1, 0.15}, // +2.5%: tier 2
		{0.030, 2, 0.25}, // +3.0%: tier 3
		{0.040, 3, 0.50}, // +4.0%: tier 4, half of remaining
	}
	for _, s := range steps {
		intent, ok := engine.Evaluate(Evaluation{
			Position:   p,
			PnLPct:     s.pnl,
			Now:        now,
			TiersTaken: s.taken,
		})
		if s.wantFrac == 0 {
			if ok {
				t.Fatalf("pnl=%v taken=%d: unexpected intent %+v", s.pnl, s.taken, intent)
			}
			continue
		}
		if !ok || intent.Reason != ReasonTieredProfit {
			t.Fatalf("pnl=%v taken=%d: fired=%v reason=%s, expected TIERED_PROFIT", s.pnl, s.taken, ok, intent.Reason)
		}
		if intent.Fraction != s.wantFrac {
			t.Fatalf("pnl=%v taken=%d: fraction=%v, expected %v", s.pnl, s.taken, intent.Fraction, s.wantFrac)
		}
		if intent.Fraction >= 1.0 {
			t.Fatalf("partial tier must never fully close the position")
		}
	}
}

func TestForcedDrainRanking(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	cfg.MaxConcurrentPositions = 8
	engine := New(cfg)

	// Ten positions; the two smallest ($3, $5) must be drained first.
	open := make([]RankedPosition, 0, 10)
	sizes := []float64{50, 3, 40, 5, 60, 70, 80, 90, 100, 110}
	for i, s := range sizes {
		open = append(open, RankedPosition{
			Position: pos("SYM"+string(rune('A'+i))+"-USD", s, time.Hour, now),
			PnLPct:   0.01,
		})
	}

	intents := engine.ForcedDrain(open)
	if len(intents) != 2 {
		t.Fatalf("drained %d, expected 2", len(intents))
	}
	if intents[0].Symbol != "SYMB-USD" || intents[1].Symbol != "SYMD-USD" {
		t.Fatalf("drain order %s,%s, expected SYMB-USD,SYMD-USD", intents[0].Symbol, intents[1].Symbol)
	}
	for _, in := range intents {
		if in.Reason != ReasonForcedDrain || in.Fraction != 1.0 {
			t.Fatalf("intent %+v, expected full-exit OVER_CAP_FORCED_DRAIN", in)
		}
	}
}

func TestForcedDrainCapsPerCycle(t *testing.T) {
	now := time.Now()
	cfg := DefaultConfig()
	cfg.MaxConcurrentPositions = 2
	cfg.MaxDrainPerCycle = 3
	engine := New(cfg)

	var open []RankedPosition
	for i := 0; i < 10; i++ {
		open = append(open, RankedPosition{Position: pos("S"+string(rune('A'+i)), float64(i+1), time.Hour, now)})
	}
	if got := len(engine.ForcedDrain(open)); got != 3 {
		t.Fatalf("drained %d in one cycle, expected the 3-per-cycle cap", got)
	}
}

func TestForcedDrainUnderCapIsNoop(t *testing.T) {
	now := time.Now()
	engine := New(DefaultConfig())
	open := []RankedPosition{{Position: pos("BTC-USD", 50, time.Hour, now)}}
	if intents := engine.ForcedDrain(open); intents != nil {
		t.Fatalf("expected no drain under cap, got %+v", intents)
	}
}

func TestTrailingStopAfterPartial(t *testing.T) {
	now := time.Now()
	engine := New(DefaultConfig())

	p := pos("BTC-USD", 50, time.Hour, now)
	p.PartialExits = []domain.PartialExit{{Tier: 1, Fraction: 0.10, Price: 102, At: now}}
	p.Trailing = domain.TrailingStopState{Active: true, HighWater: 104, StopPrice: 103}

	// Price crosses below the trail: the residual closes.
	intent, ok := engine.Evaluate(Evaluation{
		Position:     p,
		CurrentPrice: 102.5,
		PnLPct:       0.025,
		Now:          now,
		TiersTaken:   4, // ladder exhausted so the trail is what fires
		ATRNorm:      0.01,
	})
	if !ok || intent.Reason != ReasonTrailingStop {
		t.Fatalf("fired=%v reason=%s, expected TRAILING_STOP", ok, intent.Reason)
	}
}

func TestValidateTierUnits(t *testing.T) {
	if err := ValidateTierUnits(KrakenTiers); err != nil {
		t.Fatalf("KrakenTiers should validate: %v", err)
	}
	bad := []Tier{{Threshold: 2.0, Fraction: 0.10}} // 2.0 == "200%": percentage leak
	if err := ValidateTierUnits(bad); err == nil {
		t.Fatalf("expected percentage-formatted threshold to be rejected")
	}
}

func TestLosingWarningWindow(t *testing.T) {
	now := time.Now()
	engine := New(DefaultConfig())

	tests := []struct {
		name string
		pnl  float64
		age  time.Duration
		want bool
	}{
		{"losing but too young", -0.0002, 4 * time.Minute, false},
		{"losing at the warning threshold", -0.0002, 5 * time.Minute, true},
		{"losing deep in the window", -0.0002, 29 * time.Minute, true},
		{"at the forced-exit limit rule 4 takes over", -0.0002, 30 * time.Minute, false},
		{"profitable never warns", 0.001, 10 * time.Minute, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Evaluation{
				Position: pos("ETH-USD", 300, tt.age, now),
				PnLPct:   tt.pnl,
				Now:      now,
			}
			if got := engine.LosingWarning(ev); got != tt.want {
				t.Fatalf("LosingWarning=%v, expected %v", got, tt.want)
			}
		})
	}
}
