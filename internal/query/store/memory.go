package store

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryStore struct {
	ttl time.Duration

	mu        sync.Mutex
	snapshots map[string]Snapshot
}

// NewMemory returns the default in-process snapshot store.
func NewMemory(ttl time.Duration) Store {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &memoryStore{ttl: ttl, snapshots: make(map[string]Snapshot)}
}

func (s *memoryStore) Lookup(_ context.Context, key string) (Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[key]
	if !ok {
		return Snapshot{}, false, nil
	}
	if time.Now().After(snap.ExpiresAt) {
		delete(s.snapshots, key)
		return Snapshot{}, false, nil
	}
	return cloneSnapshot(snap), true, nil
}

func (s *memoryStore) Store(_ context.Context, key string, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = time.Now().UTC()
	}
	if snap.ExpiresAt.IsZero() || snap.ExpiresAt.Before(snap.FetchedAt) {
		snap.ExpiresAt = snap.FetchedAt.Add(s.ttl)
	}
	s.snapshots[key] = cloneSnapshot(snap)
	return nil
}

func (s *memoryStore) DeletePrefix(_ context.Context, prefix string) error {
	if prefix == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.snapshots {
		if strings.HasPrefix(key, prefix) {
			delete(s.snapshots, key)
		}
	}
	return nil
}

func (s *memoryStore) Size(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.snapshots)), nil
}

func (s *memoryStore) Close(context.Context) error {
	return nil
}

func cloneSnapshot(in Snapshot) Snapshot {
	out := Snapshot{FetchedAt: in.FetchedAt, ExpiresAt: in.ExpiresAt}
	if len(in.Value) > 0 {
		out.Value = append([]byte(nil), in.Value...)
	}
	return out
}
