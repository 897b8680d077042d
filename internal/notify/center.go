package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Level classifies a notification.
type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
	LevelInfo    Level = "info"
)

// Notification is one user-facing message emitted after a mutation settles
// or the stream changes state.
type Notification struct {
	ID        string    `json:"id"`
	Level     Level     `json:"level"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

const defaultCapacity = 200

// Center retains the most recent notifications in a fixed-size ring. Old
// entries fall off silently; there is no delivery guarantee beyond "recent
// history is queryable".
type Center struct {
	clock    clockwork.Clock
	capacity int

	mu   sync.Mutex
	ring []Notification
	next int
	size int
}

// NewCenter builds a notification ring with the given capacity; zero or
// negative picks the default.
func NewCenter(capacity int, clock clockwork.Clock) *Center {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Center{
		clock:    clock,
		capacity: capacity,
		ring:     make([]Notification, capacity),
	}
}

// Push records a notification and returns it with its assigned id.
func (c *Center) Push(level Level, source, message string) Notification {
	n := Notification{
		ID:        uuid.NewString(),
		Level:     level,
		Source:    source,
		Message:   message,
		CreatedAt: c.clock.Now(),
	}
	c.mu.Lock()
	c.ring[c.next] = n
	c.next = (c.next + 1) % c.capacity
	if c.size < c.capacity {
		c.size++
	}
	c.mu.Unlock()
	return n
}

// Recent returns up to limit notifications, newest first. A non-positive
// limit returns everything retained.
func (c *Center) Recent(limit int) []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit <= 0 || limit > c.size {
		limit = c.size
	}
	out := make([]Notification, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (c.next - 1 - i + c.capacity) % c.capacity
		out = append(out, c.ring[idx])
	}
	return out
}

// Dismiss removes the notification with the given id. Returns whether it was
// present.
func (c *Center) Dismiss(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < c.size; i++ {
		idx := (c.next - 1 - i + c.capacity) % c.capacity
		if c.ring[idx].ID != id {
			continue
		}
		// Slide the newer entries back over the gap.
		for j := i; j > 0; j-- {
			gap := (c.next - 1 - j + c.capacity) % c.capacity
			newer := (c.next - j + c.capacity) % c.capacity
			c.ring[gap] = c.ring[newer]
		}
		c.next = (c.next - 1 + c.capacity) % c.capacity
		c.size--
		return true
	}
	return false
}

// Clear drops every retained notification.
func (c *Center) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next = 0
	c.size = 0
	for i := range c.ring {
		c.ring[i] = Notification{}
	}
}
