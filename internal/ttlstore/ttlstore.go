// Package ttlstore provides the bounded, concurrency-safe expiring maps that
// back the nonce ledger, WebAuthn challenges, payment-method tokens, step-up
// sessions, and agent tokens.
package ttlstore

import (
	"sync"
	"time"
)

// Store is an in-memory {key -> value} map with per-entry expiry, a bounded
// size with oldest-first eviction, and a background sweeper.
type Store[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]
	maxSize int

	stopSweep chan struct{}
	sweepDone chan struct{}
}

type entry[V any] struct {
	value   V
	expires time.Time
}

// New creates a store sweeping at the given interval. maxSize bounds memory:
// when full, the entry closest to expiry is evicted to admit a new one.
func New[V any](maxSize int, sweepInterval time.Duration) *Store[V] {
	s := &Store[V]{
		entries:   make(map[string]entry[V]),
		maxSize:   maxSize,
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go s.sweep(sweepInterval)
	return s
}

// Put inserts or replaces a value with the given TTL.
func (s *Store[V]) Put(key string, value V, ttl time.Duration) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admit(now)
	s.entries[key] = entry[V]{value: value, expires: now.Add(ttl)}
}

// PutIfAbsent records the key only when it is not already live. The seen?
// test and the write are one critical section: under N concurrent calls with
// the same key, exactly one returns true. This is the replay-defence core.
func (s *Store[V]) PutIfAbsent(key string, value V, ttl time.Duration) bool {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && now.Before(e.expires) {
		return false
	}
	s.admit(now)
	s.entries[key] = entry[V]{value: value, expires: now.Add(ttl)}
	return true
}

// Get returns the live value for key.
func (s *Store[V]) Get(key string) (V, bool) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || now.After(e.expires) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Update replaces the value of a live entry, keeping its expiry.
// Returns false when the key is absent or expired.
func (s *Store[V]) Update(key string, value V) bool {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || now.After(e.expires) {
		return false
	}
	e.value = value
	s.entries[key] = e
	return true
}

// Delete removes a key.
func (s *Store[V]) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Len reports the number of live entries.
func (s *Store[V]) Len() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if now.Before(e.expires) {
			n++
		}
	}
	return n
}

// admit makes room for one more entry; caller must hold the lock.
// Expired entries go first, then the entry closest to expiry. Dropping the
// oldest nonce early is acceptable: the WebAuthn counter and KB-JWT nonce
// remain as replay defences behind the ledger.
func (s *Store[V]) admit(now time.Time) {
	if s.maxSize <= 0 || len(s.entries) < s.maxSize {
		return
	}
	var victim string
	var victimExp time.Time
	for k, e := range s.entries {
		if now.After(e.expires) {
			delete(s.entries, k)
			if len(s.entries) < s.maxSize {
				return
			}
			continue
		}
		if victim == "" || e.expires.Before(victimExp) {
			victim, victimExp = k, e.expires
		}
	}
	if victim != "" && len(s.entries) >= s.maxSize {
		delete(s.entries, victim)
	}
}

func (s *Store[V]) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(s.sweepDone)

	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for k, e := range s.entries {
				if now.After(e.expires) {
					delete(s.entries, k)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Stop shuts down the sweeper goroutine.
func (s *Store[V]) Stop() {
	close(s.stopSweep)
	<-s.sweepDone
}
