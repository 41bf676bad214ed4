package nonce

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNextIsStrictlyMonotonic(t *testing.T) {
	s, err := Open(t.TempDir(), "master", "acct-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	var prev int64
	for i := 0; i < 100; i++ {
		n, err := s.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if n <= prev {
			t.Fatalf("nonce %d not strictly greater than previous %d", n, prev)
		}
		prev = n
	}
}

// Spins many goroutines on one store and asserts no value is ever issued
// twice — the property Kraken-style APIs depend on.
func TestNextConcurrentNeverCollides(t *testing.T) {
	s, err := Open(t.TempDir(), "master", "acct-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	const goroutines = 10
	const perGoroutine = 100

	results := make(chan int64, goroutines*perGoroutine)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				n, err := s.Next()
				if err != nil {
					t.Errorf("Next: %v", err)
					return
				}
				results <- n
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]bool, goroutines*perGoroutine)
	for n := range results {
		if seen[n] {
			t.Fatalf("nonce %d issued twice", n)
		}
		seen[n] = true
	}
	if len(seen) != goroutines*perGoroutine {
		t.Fatalf("issued %d distinct nonces, expected %d", len(seen), goroutines*perGoroutine)
	}
}

func TestAccountIsolation(t *testing.T) {
	dir := t.TempDir()

	master, err := Open(dir, "master", "platform")
	if err != nil {
		t.Fatalf("Open master: %v", err)
	}
	defer master.Close()
	user, err := Open(dir, "user", "daivon")
	if err != nil {
		t.Fatalf("Open user: %v", err)
	}
	defer user.Close()

	if master.path == user.path {
		t.Fatalf("master and user stores share a path: %s", master.path)
	}
	for _, s := range []*Store{master, user} {
		base := filepath.Base(s.path)
		if !strings.Contains(base, s.account) {
			t.Fatalf("nonce file %q does not encode account %q", base, s.account)
		}
	}

	// Interleaved issuance: each file stays monotonic independently.
	var lastM, lastU int64
	for i := 0; i < 50; i++ {
		m, err := master.Next()
		if err != nil {
			t.Fatalf("master Next: %v", err)
		}
		u, err := user.Next()
		if err != nil {
			t.Fatalf("user Next: %v", err)
		}
		if m <= lastM || u <= lastU {
			t.Fatalf("interleaved issuance broke monotonicity: m=%d(prev %d) u=%d(prev %d)", m, lastM, u, lastU)
		}
		lastM, lastU = m, u
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir, "master", "acct-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var last int64
	for i := 0; i < 10; i++ {
		if last, err = s1.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	s1.Close()

	// The on-disk value matches the last issued nonce.
	data, err := os.ReadFile(filepath.Join(dir, "nonce_master_acct-1.txt"))
	if err != nil {
		t.Fatalf("read nonce file: %v", err)
	}
	onDisk, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		t.Fatalf("parse nonce file: %v", err)
	}
	if onDisk != last {
		t.Fatalf("on-disk nonce %d != last issued %d", onDisk, last)
	}

	// A reopened store continues past it, never regressing.
	s2, err := Open(dir, "master", "acct-1")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	n, err := s2.Next()
	if err != nil {
		t.Fatalf("Next after reopen: %v", err)
	}
	if n <= last {
		t.Fatalf("nonce %d after reopen not greater than %d from previous run", n, last)
	}
}

func TestOpenRequiresIdentity(t *testing.T) {
	if _, err := Open(t.TempDir(), "", "acct-1"); err == nil {
		t.Fatalf("empty role should be rejected")
	}
	if _, err := Open(t.TempDir(), "master", ""); err == nil {
		t.Fatalf("empty account should be rejected")
	}
}

func TestRegistryReusesStores(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	a, err := reg.GetOrCreate("master", "acct-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	b, err := reg.GetOrCreate("master", "acct-1")
	if err != nil {
		t.Fatalf("GetOrCreate again: %v", err)
	}
	if a != b {
		t.Fatalf("registry should hand back the same store per (role, account)")
	}
	c, err := reg.GetOrCreate("user", "acct-1")
	if err != nil {
		t.Fatalf("GetOrCreate user: %v", err)
	}
	if c == a {
		t.Fatalf("different roles must not share a store")
	}
	reg.CleanupIdle(time.Hour) // nothing is idle; must not panic or close live stores
	if _, err := a.Next(); err != nil {
		t.Fatalf("store closed by CleanupIdle despite being fresh: %v", err)
	}
}
