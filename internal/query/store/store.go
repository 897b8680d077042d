// Package store persists query snapshots so a restarted daemon serves warm
// (if stale) data instead of an empty cache. The engine treats it as a
// best-effort sidecar: lookup and store failures degrade to a cold start, they
// never fail a subscription.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Snapshot is one persisted query result.
type Snapshot struct {
	Value     json.RawMessage `json:"value"`
	FetchedAt time.Time       `json:"fetchedAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// Store is the persistence surface behind the query engine.
type Store interface {
	Lookup(ctx context.Context, key string) (Snapshot, bool, error)
	Store(ctx context.Context, key string, snap Snapshot) error
	DeletePrefix(ctx context.Context, prefix string) error
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}
