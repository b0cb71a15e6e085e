package typing

import (
	"slices"
	"sync"
	"time"

	"roomcast/internal/models"
)

type observation struct {
	isTyping bool
	seenAt   time.Time
}

// Tracker is the reader side of the typing channel. A signal counts as
// active until ttl has elapsed since it was observed; there is no explicit
// expiry message. Observation time is the reader's clock, so sender clock
// skew does not matter.
type Tracker struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[key]observation
}

func NewTracker(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{ttl: ttl, entries: make(map[key]observation)}
}

func (t *Tracker) Observe(p models.TypingChangedPayload, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{roomID: p.RoomID, userID: p.UserID}
	if !p.IsTyping {
		delete(t.entries, k)
		return
	}
	t.entries[k] = observation{isTyping: true, seenAt: now}
}

func (t *Tracker) IsTyping(roomID, userID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.entries[key{roomID: roomID, userID: userID}]
	return ok && o.isTyping && now.Sub(o.seenAt) < t.ttl
}

// Active returns the users typing in roomID at now, sorted.
func (t *Tracker) Active(roomID string, now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for k, o := range t.entries {
		if k.roomID == roomID && o.isTyping && now.Sub(o.seenAt) < t.ttl {
			out = append(out, k.userID)
		}
	}
	slices.Sort(out)
	return out
}

// Clear drops a user's signal, e.g. when their message arrives.
func (t *Tracker) Clear(roomID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key{roomID: roomID, userID: userID})
}

// Prune removes expired entries.
func (t *Tracker) Prune(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, o := range t.entries {
		if now.Sub(o.seenAt) >= t.ttl {
			delete(t.entries, k)
		}
	}
}
