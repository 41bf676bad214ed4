package persist

import (
	"testing"
	"time"

	"apex-engine/internal/domain"
)

func TestPositionsSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := []*domain.Position{
		{
			AccountID:  "kraken_master",
			Symbol:     "BTC-USD",
			Side:       domain.Long,
			Qty:        0.001,
			EntryPrice: 50000,
			OpenedAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
			SizeUSD:    50,
		},
	}
	if err := SavePositions(dir, "kraken_master", want); err != nil {
		t.Fatalf("SavePositions: %v", err)
	}

	got, err := LoadPositions(dir, "kraken_master")
	if err != nil {
		t.Fatalf("LoadPositions: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("loaded %d positions, expected 1", len(got))
	}
	p := got[0]
	if p.Symbol != "BTC-USD" || p.EntryPrice != 50000 || p.Qty != 0.001 {
		t.Fatalf("round trip mismatch: %+v", p)
	}
}

func TestLoadPositionsMissingFile(t *testing.T) {
	got, err := LoadPositions(t.TempDir(), "nobody")
	if err != nil || got != nil {
		t.Fatalf("missing snapshot should be (nil, nil), got (%v, %v)", got, err)
	}
}

func TestPositionsSnapshotIsolatedPerAccount(t *testing.T) {
	dir := t.TempDir()
	if err := SavePositions(dir, "a", []*domain.Position{{Symbol: "BTC-USD", Qty: 1, EntryPrice: 1}}); err != nil {
		t.Fatalf("SavePositions a: %v", err)
	}
	if err := SavePositions(dir, "b", nil); err != nil {
		t.Fatalf("SavePositions b: %v", err)
	}
	got, err := LoadPositions(dir, "b")
	if err != nil || len(got) != 0 {
		t.Fatalf("account b should have an empty snapshot, got (%v, %v)", got, err)
	}
}
