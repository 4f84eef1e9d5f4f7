package verify

import (
	"sync"
	"time"
)

// Pending is one outstanding challenge. Immutable once created: a new join
// request from the same user replaces the whole entry (last-challenge-wins).
type Pending struct {
	RequesterID int64
	ChatID      int64
	Answer      int
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the entry is past its deadline at now.
func (p Pending) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// PendingStore maps requester id -> outstanding challenge. At most one entry
// exists per requester. Safe for concurrent use; no store method blocks on
// anything but the map mutex, so gateway calls never run under it.
type PendingStore struct {
	mu sync.Mutex
	m  map[int64]Pending
}

func NewPendingStore() *PendingStore {
	return &PendingStore{m: map[int64]Pending{}}
}

// Put upserts unconditionally. Any prior challenge for the requester becomes
// void the instant a new one is stored.
func (s *PendingStore) Put(p Pending) {
	s.mu.Lock()
	s.m[p.RequesterID] = p
	s.mu.Unlock()
}

func (s *PendingStore) Get(requesterID int64) (Pending, bool) {
	s.mu.Lock()
	p, ok := s.m[requesterID]
	s.mu.Unlock()
	return p, ok
}

// Remove is idempotent; removing an absent key is a no-op.
func (s *PendingStore) Remove(requesterID int64) {
	s.mu.Lock()
	delete(s.m, requesterID)
	s.mu.Unlock()
}

// RemoveExact removes the entry only while p is still the stored one.
// A caller cleaning up after a failed delivery uses this so it never
// evicts a newer challenge that superseded p in the meantime.
func (s *PendingStore) RemoveExact(p Pending) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.m[p.RequesterID]
	if !ok || cur != p {
		return false
	}
	delete(s.m, p.RequesterID)
	return true
}

// Take atomically removes and returns the entry. The caller that gets
// ok=true owns the terminal transition; concurrent duplicate responses for
// the same requester see ok=false. This is what makes resolution
// exactly-once.
func (s *PendingStore) Take(requesterID int64) (Pending, bool) {
	s.mu.Lock()
	p, ok := s.m[requesterID]
	if ok {
		delete(s.m, requesterID)
	}
	s.mu.Unlock()
	return p, ok
}

// Sweep removes entries expired at now and returns how many were dropped.
// Purely a memory reclaim; expiry is re-checked at response time anyway.
func (s *PendingStore) Sweep(now time.Time) int {
	s.mu.Lock()
	n := 0
	for id, p := range s.m {
		if p.Expired(now) {
			delete(s.m, id)
			n++
		}
	}
	s.mu.Unlock()
	return n
}

func (s *PendingStore) Len() int {
	s.mu.Lock()
	n := len(s.m)
	s.mu.Unlock()
	return n
}
