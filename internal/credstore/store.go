// Package credstore holds the in-memory credential cache that
// domain.CredentialsHandle.Ref points into; the handle carries only the
// reference, never the raw secret, so it can cross API and log
// boundaries safely. Every broker
// credential discovered by pkg/config is encrypted at rest here via
// pkg/crypto.KeyManager the moment the process starts; only buildBroker's
// one-time adapter construction ever decrypts it back out.
package credstore

import (
	"fmt"
	"sync"

	"apex-engine/pkg/crypto"
)

// Creds is one account's decrypted credential triple.
type Creds struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

type entry struct {
	apiKey     string
	apiSecret  string
	passphrase string
}

// Store encrypts every Put'd credential through an optional KeyManager
// and decrypts on Resolve. When no MASTER_ENCRYPTION_KEY is configured,
// km is nil and the store degrades to holding plaintext in memory only
// (never persisted, never logged — CredentialsHandle's own String/
// MarshalJSON redact unconditionally) rather than refusing to start.
type Store struct {
	mu  sync.RWMutex
	km  *crypto.KeyManager
	ref map[string]entry
}

// New constructs a Store, attempting to load a KeyManager from
// MASTER_ENCRYPTION_KEY[_Vn]. A missing key is not an error: at-rest
// encryption becomes a no-op and plaintext is held in memory only.
func New() *Store {
	km, err := crypto.NewKeyManager()
	if err != nil {
		km = nil
	}
	return &Store{km: km, ref: make(map[string]entry)}
}

// Put encrypts and stores one account's credentials under ref (the
// CredentialsHandle.Ref value), returning the handle ready to embed in a
// domain.Account.
func (s *Store) Put(ref, apiKey, apiSecret, passphrase string) error {
	enc := func(v string) (string, error) {
		if v == "" || s.km == nil {
			return v, nil
		}
		return s.km.Encrypt(v)
	}
	k, err := enc(apiKey)
	if err != nil {
		return fmt.Errorf("credstore: encrypt api key for %s: %w", ref, err)
	}
	sec, err := enc(apiSecret)
	if err != nil {
		return fmt.Errorf("credstore: encrypt api secret for %s: %w", ref, err)
	}
	pp, err := enc(passphrase)
	if err != nil {
		return fmt.Errorf("credstore: encrypt passphrase for %s: %w", ref, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ref[ref] = entry{apiKey: k, apiSecret: sec, passphrase: pp}
	return nil
}

// Resolve decrypts ref back into its plaintext credential triple. Callers
// must hold the result only as long as needed to construct a broker
// adapter; it is never logged or persisted.
func (s *Store) Resolve(ref string) (Creds, error) {
	s.mu.RLock()
	e, ok := s.ref[ref]
	s.mu.RUnlock()
	if !ok {
		return Creds{}, fmt.Errorf("credstore: no credentials for %s", ref)
	}
	dec := func(v string) (string, error) {
		if v == "" || s.km == nil {
			return v, nil
		}
		return s.km.Decrypt(v)
	}
	k, err := dec(e.apiKey)
	if err != nil {
		return Creds{}, fmt.Errorf("credstore: decrypt api key for %s: %w", ref, err)
	}
	sec, err := dec(e.apiSecret)
	if err != nil {
		return Creds{}, fmt.Errorf("credstore: decrypt api secret for %s: %w", ref, err)
	}
	pp, err := dec(e.passphrase)
	if err != nil {
		return Creds{}, fmt.Errorf("credstore: decrypt passphrase for %s: %w", ref, err)
	}
	return Creds{APIKey: k, APISecret: sec, Passphrase: pp}, nil
}
