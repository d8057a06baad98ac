package ttlstore

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPutGetExpiry(t *testing.T) {
	s := New[string](100, time.Minute)
	defer s.Stop()

	s.Put("a", "alpha", 50*time.Millisecond)

	if v, ok := s.Get("a"); !ok || v != "alpha" {
		t.Errorf("Get() = %q, %v; want alpha, true", v, ok)
	}

	time.Sleep(60 * time.Millisecond)
	if _, ok := s.Get("a"); ok {
		t.Error("Get() returned expired entry")
	}
}

func TestPutIfAbsent(t *testing.T) {
	s := New[struct{}](100, time.Minute)
	defer s.Stop()

	if !s.PutIfAbsent("nonce-1", struct{}{}, time.Minute) {
		t.Error("first PutIfAbsent() = false, want true")
	}
	if s.PutIfAbsent("nonce-1", struct{}{}, time.Minute) {
		t.Error("second PutIfAbsent() = true, want false")
	}

	// Expired entries may be re-admitted.
	s.Put("nonce-2", struct{}{}, time.Nanosecond)
	time.Sleep(time.Millisecond)
	if !s.PutIfAbsent("nonce-2", struct{}{}, time.Minute) {
		t.Error("PutIfAbsent() after expiry = false, want true")
	}
}

// 10 000 concurrent admissions over 1 000 distinct keys, 10-way duplicated:
// exactly 1 000 must win.
func TestPutIfAbsentConcurrent(t *testing.T) {
	s := New[struct{}](20000, time.Minute)
	defer s.Stop()

	const distinct = 1000
	const dup = 10

	var admitted int64
	var wg sync.WaitGroup
	for i := 0; i < distinct; i++ {
		key := fmt.Sprintf("nonce-%04d", i)
		for j := 0; j < dup; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if s.PutIfAbsent(key, struct{}{}, time.Minute) {
					atomic.AddInt64(&admitted, 1)
				}
			}()
		}
	}
	wg.Wait()

	if admitted != distinct {
		t.Errorf("admitted = %d, want %d", admitted, distinct)
	}
}

func TestBoundedEviction(t *testing.T) {
	s := New[int](3, time.Minute)
	defer s.Stop()

	s.Put("a", 1, time.Minute)
	s.Put("b", 2, 2*time.Minute)
	s.Put("c", 3, 3*time.Minute)
	s.Put("d", 4, 4*time.Minute)

	// "a" had the nearest expiry and must have been evicted.
	if _, ok := s.Get("a"); ok {
		t.Error("expected oldest entry to be evicted")
	}
	if _, ok := s.Get("d"); !ok {
		t.Error("new entry missing after eviction")
	}
}

func TestUpdate(t *testing.T) {
	s := New[int](10, time.Minute)
	defer s.Stop()

	s.Put("counter", 42, time.Minute)
	if !s.Update("counter", 43) {
		t.Error("Update() on live key = false")
	}
	if v, _ := s.Get("counter"); v != 43 {
		t.Errorf("Get() after update = %d, want 43", v)
	}
	if s.Update("missing", 1) {
		t.Error("Update() on missing key = true")
	}
}
