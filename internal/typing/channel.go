package typing

import (
	"sync"
	"time"

	"roomcast/internal/models"
)

const DefaultTTL = 3 * time.Second

type Membership interface {
	InRoom(connID, roomID string) bool
}

type Publisher interface {
	Publish(roomID string, ev models.ServerEvent) int
}

type key struct {
	roomID string
	userID string
}

type sent struct {
	isTyping bool
	at       time.Time
}

// Channel relays typing signals to the joined connections of a room.
// Nothing is persisted. A repeated "still typing" signal is coalesced when
// it arrives within a third of the TTL of the previous one.
type Channel struct {
	rooms     Membership
	publisher Publisher
	ttl       time.Duration
	now       func() time.Time

	mu   sync.Mutex
	last map[key]sent
}

func NewChannel(rooms Membership, publisher Publisher, ttl time.Duration) *Channel {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Channel{
		rooms:     rooms,
		publisher: publisher,
		ttl:       ttl,
		now:       time.Now,
		last:      make(map[key]sent),
	}
}

// SetTyping requires connID to have joined roomID.
func (c *Channel) SetTyping(connID, userID, roomID string, isTyping bool) error {
	if !c.rooms.InRoom(connID, roomID) {
		return models.ErrRoomAccessDenied
	}

	now := c.now()
	k := key{roomID: roomID, userID: userID}

	c.mu.Lock()
	prev, ok := c.last[k]
	if ok && isTyping && prev.isTyping && now.Sub(prev.at) < c.ttl/3 {
		c.mu.Unlock()
		return nil
	}
	if isTyping {
		c.last[k] = sent{isTyping: true, at: now}
	} else {
		delete(c.last, k)
	}
	c.mu.Unlock()

	c.publisher.Publish(roomID, models.ServerEvent{
		Type: models.ServerEventTypingChanged,
		Payload: models.TypingChangedPayload{
			RoomID:   roomID,
			UserID:   userID,
			IsTyping: isTyping,
			At:       now.UnixMilli(),
		},
	})
	return nil
}

// Forget drops coalescing state for a user, e.g. after a disconnect.
func (c *Channel) Forget(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.last {
		if k.userID == userID {
			delete(c.last, k)
		}
	}
}
