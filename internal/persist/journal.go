// Package persist implements the engine's durable on-disk state: an
// append-only fsync'd trade journal and atomic tmp-then-rename snapshot
// writers for EngineState and per-account position files.
//
// The journal is a write-ahead log: append JSON lines and fsync before
// acknowledging the caller. It is only ever appended to; nothing here
// rewrites or compacts it, so the file grows without bound.
package persist

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// JournalEntry is one append-only trade_journal.jsonl line.
type JournalEntry struct {
	At        time.Time `json:"at"`
	Kind      string    `json:"kind"` // FILL, EXIT, ERROR, STATE_TRANSITION, COPY_TRADE
	AccountID string    `json:"account_id,omitempty"`
	Symbol    string    `json:"symbol,omitempty"`
	Class     string    `json:"class,omitempty"` // error class, when Kind == ERROR
	Reason    string    `json:"reason,omitempty"`
	Detail    any       `json:"detail,omitempty"`
}

// Journal is the append-only {datadir}/trade_journal.jsonl writer.
type Journal struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	written uint64
}

// OpenJournal opens (creating if needed) the trade journal at
// {dataDir}/trade_journal.jsonl.
func OpenJournal(dataDir string) (*Journal, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "trade_journal.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open trade journal: %w", err)
	}
	return &Journal{path: path, file: f}, nil
}

// Append writes one entry, fsyncing before returning so a crash
// immediately after Append never silently loses the record.
func (j *Journal) Append(e JournalEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("fsync journal: %w", err)
	}
	j.written++
	return nil
}

// Tail reads the last n entries (best-effort; reads the whole file, which
// is acceptable for an operator-facing recent-trades endpoint).
func (j *Journal) Tail(n int) ([]JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var all []JournalEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		var e JournalEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			log.Printf("⚠️ trade journal parse error (skipping): %v", err)
			continue
		}
		all = append(all, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

// Close fsyncs and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	_ = j.file.Sync()
	return j.file.Close()
}

// WriteAtomic writes data to path via a temp file + fsync + rename so a
// reader never observes a partially-written file (used for
// engine_state.json and positions_{account}.json).
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// WriteJSONAtomic marshals v and writes it atomically.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return WriteAtomic(path, data)
}

// ReadJSON loads path into v. Returns os.ErrNotExist untouched so callers
// can distinguish "never written" from a corrupt file.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
