// Package nonce implements the per-account monotonic NonceStore required
// by Kraken-like signing schemes. Every advance is fsync'd before the
// caller gets the new value back, and the on-disk filename itself encodes
// the account identity, asserted when the store is opened.
package nonce

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Store issues strictly monotonic integers for one account. Concurrent
// callers within one account are serialized behind mu; two goroutines
// racing on the same Store must never observe equal values.
type Store struct {
	mu      sync.Mutex
	path    string
	role    string
	account string
	current int64
	file    *os.File
}

// Open loads or creates the nonce file at
// {dataDir}/nonce_{role}_{accountID}.txt, seeding `current` from disk (or
// from the current unix-microsecond clock if the file is new, so nonces
// never regress across a reinstall on an exchange that does not reset).
func Open(dataDir, role, accountID string) (*Store, error) {
	if role == "" || accountID == "" {
		return nil, fmt.Errorf("nonce: role and accountID are required")
	}
	fname := fmt.Sprintf("nonce_%s_%s.txt", strings.ToLower(role), accountID)
	path := filepath.Join(dataDir, fname)

	// Runtime assertion: the filename must encode the account identity.
	if !strings.Contains(filepath.Base(path), accountID) {
		return nil, fmt.Errorf("nonce: filename %q does not encode account id %q", path, accountID)
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("nonce: create data dir: %w", err)
	}

	var current int64
	if data, err := os.ReadFile(path); err == nil {
		v, perr := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if perr == nil {
			current = v
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("nonce: read %s: %w", path, err)
	}
	if current == 0 {
		current = time.Now().UnixMicro()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("nonce: open %s: %w", path, err)
	}

	s := &Store{path: path, role: role, account: accountID, current: current, file: f}
	if err := s.persist(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// Next returns a strictly increasing nonce, persisted before it is
// returned. If the wall clock would produce a value less than or equal to
// the last one issued, the counter is incremented instead — this is what
// makes two concurrent calls on one account provably never observe equal
// nonces.
func (s *Store) Next() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidate := time.Now().UnixMicro()
	if candidate <= s.current {
		candidate = s.current + 1
	}
	s.current = candidate
	if err := s.persist(); err != nil {
		return 0, err
	}
	return s.current, nil
}

// persist fsyncs the current value to disk. Must be called with mu held.
func (s *Store) persist() error {
	if _, err := s.file.Seek(0, 0); err != nil {
		return fmt.Errorf("nonce: seek: %w", err)
	}
	if err := s.file.Truncate(0); err != nil {
		return fmt.Errorf("nonce: truncate: %w", err)
	}
	if _, err := s.file.WriteString(strconv.FormatInt(s.current, 10)); err != nil {
		return fmt.Errorf("nonce: write: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("nonce: fsync: %w", err)
	}
	return nil
}

// Close releases the underlying file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// Registry is the per-account NonceStore manager (map + lastSeen +
// GetOrCreate, same idiom as position.Registry).
type Registry struct {
	mu       sync.Mutex
	dataDir  string
	stores   map[string]*Store
	lastSeen map[string]time.Time
}

// NewRegistry builds an empty nonce-store registry rooted at dataDir.
func NewRegistry(dataDir string) *Registry {
	return &Registry{
		dataDir:  dataDir,
		stores:   make(map[string]*Store),
		lastSeen: make(map[string]time.Time),
	}
}

func key(role, accountID string) string { return role + "/" + accountID }

// GetOrCreate returns the Store for (role, accountID), opening it on
// first use.
func (r *Registry) GetOrCreate(role, accountID string) (*Store, error) {
	k := key(role, accountID)
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastSeen[k] = time.Now()
	if s, ok := r.stores[k]; ok {
		return s, nil
	}
	s, err := Open(r.dataDir, role, accountID)
	if err != nil {
		return nil, err
	}
	r.stores[k] = s
	return s, nil
}

// CleanupIdle closes and forgets stores unused for longer than ttl.
func (r *Registry) CleanupIdle(ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for k, seen := range r.lastSeen {
		if now.Sub(seen) > ttl {
			if s, ok := r.stores[k]; ok {
				s.Close()
				delete(r.stores, k)
			}
			delete(r.lastSeen, k)
		}
	}
}
