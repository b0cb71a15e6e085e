package broker

import (
	"errors"
	"log/slog"
	"sync"

	"roomcast/internal/metrics"
	"roomcast/internal/models"
)

// Subscriber is a connection's delivery endpoint. Deliver must not block.
type Subscriber interface {
	ID() string
	UserID() string
	Deliver(ev models.ServerEvent) error
	Close()
}

type room struct {
	mu   sync.RWMutex
	subs map[string]Subscriber
	dead bool
}

// Broker fans events out to the subscribers joined to a room. The rooms map
// lock is only held to find or drop a room; membership and fan-out take the
// room's own lock so unrelated rooms never contend.
type Broker struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

func New() *Broker {
	return &Broker{rooms: make(map[string]*room)}
}

func (b *Broker) lookup(roomID string) *room {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rooms[roomID]
}

func (b *Broker) getOrCreate(roomID string) *room {
	if r := b.lookup(roomID); r != nil {
		return r
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[roomID]
	if !ok {
		r = &room{subs: make(map[string]Subscriber)}
		b.rooms[roomID] = r
	}
	return r
}

// Join is idempotent and reports whether sub was newly added.
func (b *Broker) Join(roomID string, sub Subscriber) bool {
	for {
		r := b.getOrCreate(roomID)
		r.mu.Lock()
		if r.dead {
			// Lost a race with the last Leave; the room is being dropped.
			r.mu.Unlock()
			continue
		}
		_, exists := r.subs[sub.ID()]
		r.subs[sub.ID()] = sub
		r.mu.Unlock()
		return !exists
	}
}

// Leave is idempotent.
func (b *Broker) Leave(roomID, subID string) {
	r := b.lookup(roomID)
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.subs, subID)
	empty := len(r.subs) == 0
	r.mu.Unlock()

	if empty {
		b.dropIfEmpty(roomID, r)
	}
}

func (b *Broker) dropIfEmpty(roomID string, r *room) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subs) == 0 && b.rooms[roomID] == r {
		r.dead = true
		delete(b.rooms, roomID)
	}
}

// Publish hands ev to every subscriber joined at the time of the call and
// returns how many accepted it. Subscribers whose queue refuses a persisted
// event are closed; they recover through a history fetch.
func (b *Broker) Publish(roomID string, ev models.ServerEvent) int {
	r := b.lookup(roomID)
	if r == nil {
		return 0
	}

	r.mu.RLock()
	subs := make([]Subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, s := range subs {
		if err := s.Deliver(ev); err != nil {
			if errors.Is(err, models.ErrSlowConsumer) {
				slog.Warn("closing slow consumer", "conn_id", s.ID(), "user_id", s.UserID(), "room_id", roomID)
				metrics.IncSlowConsumer()
				s.Close()
			}
			continue
		}
		delivered++
	}
	metrics.AddFanout(string(ev.Type), delivered)
	return delivered
}

// Members returns the subscribers currently joined to roomID.
func (b *Broker) Members(roomID string) []Subscriber {
	r := b.lookup(roomID)
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	return out
}

func (b *Broker) Size(roomID string) int {
	r := b.lookup(roomID)
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Rooms returns the number of rooms with at least one subscriber.
func (b *Broker) Rooms() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms)
}
