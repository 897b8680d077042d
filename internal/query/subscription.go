package query

import (
	"encoding/json"
	"sync"
	"time"
)

// Result is the observable state of one cache entry at a point in time.
// Stale data stays visible alongside the error that prevented its refresh.
type Result struct {
	Data      json.RawMessage
	Err       error
	Loading   bool
	Stale     bool
	FetchedAt time.Time
}

// Subscription is a weak binding from one consumer to a shared cache entry.
// Many subscriptions may observe the same entry; closing the last one starts
// the entry's retention countdown rather than deleting it outright.
type Subscription struct {
	id       string
	engine   *Engine
	key      Key
	disabled bool

	updates chan Result
	once    sync.Once
}

// Key returns the cache key this subscription observes.
func (s *Subscription) Key() Key { return s.key }

// Disabled reports whether required parameters were missing at subscribe
// time. A disabled subscription never fetches and always reports not loading.
func (s *Subscription) Disabled() bool { return s.disabled }

// Updates delivers the latest entry state after every change. The channel
// holds only the most recent Result; slow consumers observe the freshest
// state, not the full history.
func (s *Subscription) Updates() <-chan Result { return s.updates }

// Current reads the entry state right now.
func (s *Subscription) Current() Result {
	if s == nil || s.disabled || s.engine == nil {
		return Result{}
	}
	return s.engine.current(s.key)
}

// Refetch forces a fresh fetch for the entry regardless of staleness. Any
// in-flight request for the key is superseded.
func (s *Subscription) Refetch() {
	if s == nil || s.disabled || s.engine == nil {
		return
	}
	s.engine.refetch(s.key)
}

// Close detaches the subscription. The shared entry survives until the
// resource's retention window elapses with no other subscribers.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.engine != nil && !s.disabled {
			s.engine.unsubscribe(s)
		}
	})
}

// push replaces the pending update with the freshest state. Never blocks.
func (s *Subscription) push(res Result) {
	select {
	case s.updates <- res:
		return
	default:
	}
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- res:
	default:
	}
}
