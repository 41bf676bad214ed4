package copytrade

import (
	"errors"
	"math"
	"testing"
	"time"

	"apex-engine/internal/domain"
)

func masterFill(sizeUSD, equityAtFill float64) domain.CopyEvent {
	return domain.CopyEvent{
		MasterAccountID:    "master-1",
		MasterOrderID:      "ord-123",
		Symbol:             "BTC-USD",
		Side:               domain.Buy,
		MasterSizeUSD:      sizeUSD,
		MasterEquityAtFill: equityAtFill,
		At:                 time.Now(),
	}
}

func TestFanoutProportionalScaling(t *testing.T) {
	// Master equity $10,000 places $500 (5%). A $100 follower mirrors $5;
	// a $2,000 follower mirrors $100 — both well under the 10% cap.
	equities := map[string]float64{
		"follower-small": 100,
		"follower-big":   2000,
	}
	bus := New(func(id string) (float64, error) { return equities[id], nil }, nil)
	bus.Register("master-1", "follower-small")
	bus.Register("master-1", "follower-big")

	orders, errs := bus.Fanout(masterFill(500, 10000))
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(orders) != 2 {
		t.Fatalf("orders=%d, expected 2", len(orders))
	}

	want := map[string]float64{"follower-small": 5, "follower-big": 100}
	for _, o := range orders {
		if math.Abs(o.SizeUSD-want[o.AccountID]) > 1e-9 {
			t.Fatalf("%s sized $%v, expected $%v", o.AccountID, o.SizeUSD, want[o.AccountID])
		}
		if o.Capped {
			t.Fatalf("%s should not hit the risk cap at 5%% master sizing", o.AccountID)
		}
		if o.Symbol != "BTC-USD" || o.Side != domain.Buy {
			t.Fatalf("order must mirror the master's symbol and side, got %+v", o)
		}
	}
}

func TestFanoutRiskCap(t *testing.T) {
	// Master commits 50% of equity; every follower must still be clipped to
	// MaxFollowerRiskFraction of its own equity.
	equities := map[string]float64{"f1": 100, "f2": 5000}
	bus := New(func(id string) (float64, error) { return equities[id], nil }, nil)
	bus.Register("master-1", "f1")
	bus.Register("master-1", "f2")

	orders, errs := bus.Fanout(masterFill(5000, 10000))
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	var total, allowed float64
	for _, o := range orders {
		eq := equities[o.AccountID]
		if o.SizeUSD > eq*MaxFollowerRiskFraction+1e-9 {
			t.Fatalf("%s sized $%v above the %v cap of $%v equity", o.AccountID, o.SizeUSD, MaxFollowerRiskFraction, eq)
		}
		if !o.Capped {
			t.Fatalf("%s should report Capped at 50%% master sizing", o.AccountID)
		}
		total += o.SizeUSD
		allowed += eq * MaxFollowerRiskFraction
	}
	if total > allowed+1e-9 {
		t.Fatalf("aggregate follower notional $%v exceeds aggregate cap $%v", total, allowed)
	}
}

func TestFanoutIsolatesFollowerFailures(t *testing.T) {
	bus := New(func(id string) (float64, error) {
		if id == "broken" {
			return 0, errors.New("balance endpoint down")
		}
		return 1000, nil
	}, nil)
	bus.Register("master-1", "broken")
	bus.Register("master-1", "healthy")

	orders, errs := bus.Fanout(masterFill(500, 10000))
	if len(errs) != 1 {
		t.Fatalf("errs=%d, expected exactly the broken follower's error", len(errs))
	}
	if len(orders) != 1 || orders[0].AccountID != "healthy" {
		t.Fatalf("healthy follower must still get its order, got %+v", orders)
	}
}

func TestFanoutZeroMasterEquity(t *testing.T) {
	bus := New(func(string) (float64, error) { return 1000, nil }, nil)
	bus.Register("master-1", "f1")
	orders, errs := bus.Fanout(masterFill(500, 0))
	if len(orders) != 0 || len(errs) != 1 {
		t.Fatalf("zero master equity must yield no orders and one error, got %d/%d", len(orders), len(errs))
	}
}

func TestRegisterUnregister(t *testing.T) {
	bus := New(func(string) (float64, error) { return 1000, nil }, nil)
	bus.Register("master-1", "f1")
	bus.Register("master-1", "f1") // duplicate registration is a no-op
	if got := bus.Followers("master-1"); len(got) != 1 {
		t.Fatalf("followers=%v, expected one entry", got)
	}
	bus.Unregister("master-1", "f1")
	if got := bus.Followers("master-1"); len(got) != 0 {
		t.Fatalf("followers=%v, expected empty after unregister", got)
	}
}
