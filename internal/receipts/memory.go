package receipts

import (
	"context"
	"sync"
	"time"

	"github.com/shohag/salondesk/internal/models"
)

type memoryEntry struct {
	receipt   Receipt
	expiresAt time.Time
}

// MemoryStore keeps receipts in process memory until their TTL passes.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) RecordSent(_ context.Context, msg models.QueuedMessage) error {
	if msg.RemoteID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[msg.RemoteID] = memoryEntry{receipt: fromMessage(msg), expiresAt: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Confirm(_ context.Context, remoteID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(remoteID)
	if !ok {
		return ErrNotFound
	}
	at = at.UTC()
	e.receipt.Status = models.MessageConfirmed
	e.receipt.ConfirmedAt = &at
	s.entries[remoteID] = e
	return nil
}

func (s *MemoryStore) Get(_ context.Context, remoteID string) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(remoteID)
	if !ok {
		return nil, ErrNotFound
	}
	r := e.receipt
	return &r, nil
}

// Prune drops expired receipts and returns how many were removed.
func (s *MemoryStore) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for id, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, id)
			n++
		}
	}
	return n
}

func (s *MemoryStore) live(remoteID string) (memoryEntry, bool) {
	e, ok := s.entries[remoteID]
	if !ok {
		return memoryEntry{}, false
	}
	if s.now().After(e.expiresAt) {
		delete(s.entries, remoteID)
		return memoryEntry{}, false
	}
	return e, true
}
