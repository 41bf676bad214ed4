package persist

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"apex-engine/internal/domain"
)

func TestJournalAppendAndTail(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	defer j.Close()

	for i := 0; i < 5; i++ {
		err := j.Append(JournalEntry{
			Kind:      "EXIT",
			AccountID: "acct-1",
			Symbol:    "ETH-USD",
			Reason:    "LOSING_TIME_LIMIT",
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	entries, err := j.Tail(3)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Tail(3)=%d entries, expected 3", len(entries))
	}
	for _, e := range entries {
		if e.Reason != "LOSING_TIME_LIMIT" || e.At.IsZero() {
			t.Fatalf("entry %+v missing reason or timestamp", e)
		}
	}

	// Tail larger than the file returns everything.
	all, err := j.Tail(100)
	if err != nil {
		t.Fatalf("Tail(100): %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("Tail(100)=%d entries, expected 5", len(all))
	}
}

func TestJournalSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	j1, err := OpenJournal(dir)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	if err := j1.Append(JournalEntry{Kind: "FILL", Symbol: "BTC-USD"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	j1.Close()

	j2, err := OpenJournal(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()
	if err := j2.Append(JournalEntry{Kind: "FILL", Symbol: "ETH-USD"}); err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}

	entries, err := j2.Tail(0)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries=%d after reopen, expected append-only growth to 2", len(entries))
	}
}

func TestJournalSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(dir)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	defer j.Close()
	if err := j.Append(JournalEntry{Kind: "FILL"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// A torn write mid-line must not poison the rest of the log.
	f, err := os.OpenFile(filepath.Join(dir, "trade_journal.jsonl"), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	f.WriteString("{\"kind\": \"FILL\", truncat\n")
	f.Close()
	if err := j.Append(JournalEntry{Kind: "EXIT"}); err != nil {
		t.Fatalf("Append after torn line: %v", err)
	}

	entries, err := j.Tail(0)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries=%d, expected the 2 intact records", len(entries))
	}
}

func TestWriteJSONAtomicRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine_state.json")
	want := domain.EngineState{
		Mode:             domain.ModeDryRun,
		LastTransitionAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Reason:           "operator enabled dry run",
	}
	if err := WriteJSONAtomic(path, want); err != nil {
		t.Fatalf("WriteJSONAtomic: %v", err)
	}

	var got domain.EngineState
	if err := ReadJSON(path, &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Mode != want.Mode || !got.LastTransitionAt.Equal(want.LastTransitionAt) || got.Reason != want.Reason {
		t.Fatalf("round trip mismatch: got %+v, expected %+v", got, want)
	}

	// No temp files left behind.
	matches, _ := filepath.Glob(path + ".tmp-*")
	if len(matches) != 0 {
		t.Fatalf("temp files left behind: %v", matches)
	}
}

func TestWriteAtomicOverwritesInPlace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions_acct-1.json")
	if err := WriteAtomic(path, []byte(`{"v":1}`)); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteAtomic(path, []byte(`{"v":2}`)); err != nil {
		t.Fatalf("second write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != `{"v":2}` {
		t.Fatalf("content=%s, expected the second write", data)
	}
}

func TestReadJSONMissingFile(t *testing.T) {
	var v domain.EngineState
	err := ReadJSON(filepath.Join(t.TempDir(), "nope.json"), &v)
	if !os.IsNotExist(err) {
		t.Fatalf("missing file should surface os.ErrNotExist, got %v", err)
	}
}
