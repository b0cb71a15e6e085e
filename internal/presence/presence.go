package presence

import (
	"log/slog"
	"sync"
	"time"

	"roomcast/internal/broker"
	"roomcast/internal/config"
	"roomcast/internal/models"
)

// Policy derives the published online bit from a user's live connection
// count and how many of those report focus.
type Policy func(alive, focused int) bool

func PolicyConnected(alive, _ int) bool {
	return alive > 0
}

func PolicyFocused(alive, focused int) bool {
	return alive > 0 && focused > 0
}

func PolicyByName(name string) Policy {
	if name == config.PresencePolicyFocused {
		return PolicyFocused
	}
	return PolicyConnected
}

// Source is the connection registry view the tracker reads from.
type Source interface {
	Summary(userID string) (alive, focused int)
	Connections(userID string) []broker.Subscriber
}

// Peers lists the users that share a conversation with userID.
type Peers interface {
	Peers(userID string) ([]string, error)
}

type Record struct {
	models.Presence
	ConnectionAlive bool
	Focused         bool
}

type Tracker struct {
	source Source
	peers  Peers
	policy Policy
	now    func() time.Time

	mu      sync.Mutex
	records map[string]Record
}

func NewTracker(source Source, peers Peers, policy Policy) *Tracker {
	if policy == nil {
		policy = PolicyConnected
	}
	return &Tracker{
		source:  source,
		peers:   peers,
		policy:  policy,
		now:     time.Now,
		records: make(map[string]Record),
	}
}

// Changed recomputes userID's presence from the registry and broadcasts
// a presenceChanged event to online peers when the online bit flips.
func (t *Tracker) Changed(userID string) {
	var peers []string
	if t.peers != nil {
		var err error
		peers, err = t.peers.Peers(userID)
		if err != nil {
			slog.Debug("presence peers lookup failed", "user_id", userID, "error", err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	alive, focused := t.source.Summary(userID)
	rec, known := t.records[userID]
	rec.UserID = userID
	rec.ConnectionAlive = alive > 0
	rec.Focused = focused > 0
	online := t.policy(alive, focused)

	if known && rec.IsOnline == online {
		t.records[userID] = rec
		return
	}
	if !known && !online {
		rec.LastStatusAt = t.now().UnixMilli()
		t.records[userID] = rec
		return
	}

	rec.IsOnline = online
	rec.LastStatusAt = t.now().UnixMilli()
	t.records[userID] = rec

	// Delivery only enqueues, so broadcasting under the lock keeps
	// transitions for one user in order.
	t.broadcast(rec.Presence, peers)
}

func (t *Tracker) broadcast(p models.Presence, peers []string) {
	ev := models.ServerEvent{Type: models.ServerEventPresenceChanged, Payload: p}
	for _, peer := range peers {
		if peer == p.UserID {
			continue
		}
		for _, sub := range t.source.Connections(peer) {
			_ = sub.Deliver(ev)
		}
	}
}

// Snapshot returns the last computed record. Unknown users are offline.
func (t *Tracker) Snapshot(userID string) Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[userID]
	if !ok {
		return Record{Presence: models.Presence{UserID: userID}}
	}
	return rec
}

func (t *Tracker) Online(userIDs []string) []models.Presence {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.Presence, 0, len(userIDs))
	for _, id := range userIDs {
		rec, ok := t.records[id]
		if !ok {
			rec.UserID = id
		}
		out = append(out, rec.Presence)
	}
	return out
}
