package presence

import (
	"sync"
	"testing"
	"time"

	"roomcast/internal/broker"
	"roomcast/internal/models"

	"github.com/stretchr/testify/require"
)

type fakeSub struct {
	id, user string
	mu       sync.Mutex
	events   []models.ServerEvent
}

func (f *fakeSub) ID() string     { return f.id }
func (f *fakeSub) UserID() string { return f.user }
func (f *fakeSub) Close()         {}
func (f *fakeSub) Deliver(ev models.ServerEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSub) presence() []models.Presence {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Presence
	for _, ev := range f.events {
		if ev.Type == models.ServerEventPresenceChanged {
			out = append(out, ev.Payload.(models.Presence))
		}
	}
	return out
}

type fakeSource struct {
	alive   map[string]int
	focused map[string]int
	subs    map[string][]broker.Subscriber
}

func (f *fakeSource) Summary(userID string) (int, int) {
	return f.alive[userID], f.focused[userID]
}

func (f *fakeSource) Connections(userID string) []broker.Subscriber {
	return f.subs[userID]
}

type fakePeers map[string][]string

func (f fakePeers) Peers(userID string) ([]string, error) {
	return f[userID], nil
}

func newFixture(policy Policy) (*Tracker, *fakeSource, *fakeSub) {
	bobConn := &fakeSub{id: "b1", user: "bob"}
	src := &fakeSource{
		alive:   map[string]int{"bob": 1},
		focused: map[string]int{},
		subs:    map[string][]broker.Subscriber{"bob": {bobConn}},
	}
	peers := fakePeers{"alice": {"bob", "carol"}}
	tr := NewTracker(src, peers, policy)
	now := time.Unix(1_700_000_000, 0)
	tr.now = func() time.Time { return now }
	return tr, src, bobConn
}

func TestTracker_Transitions(t *testing.T) {
	tr, src, bobConn := newFixture(PolicyConnected)

	require.False(t, tr.Snapshot("alice").IsOnline, "unknown users start offline")

	src.alive["alice"] = 1
	tr.Changed("alice")
	rec := tr.Snapshot("alice")
	require.True(t, rec.IsOnline)
	require.True(t, rec.ConnectionAlive)
	require.Equal(t, int64(1_700_000_000_000), rec.LastStatusAt)

	// A second tab is not a transition.
	src.alive["alice"] = 2
	tr.Changed("alice")

	src.alive["alice"] = 0
	tr.Changed("alice")
	require.False(t, tr.Snapshot("alice").IsOnline)

	got := bobConn.presence()
	require.Len(t, got, 2)
	require.True(t, got[0].IsOnline)
	require.False(t, got[1].IsOnline)
}

func TestTracker_InitialOfflineNotBroadcast(t *testing.T) {
	tr, _, bobConn := newFixture(PolicyConnected)
	tr.Changed("alice")
	require.Empty(t, bobConn.presence())
	require.False(t, tr.Snapshot("alice").IsOnline)
}

func TestTracker_FocusedPolicy(t *testing.T) {
	tr, src, bobConn := newFixture(PolicyFocused)

	src.alive["alice"] = 1
	tr.Changed("alice")
	rec := tr.Snapshot("alice")
	require.True(t, rec.ConnectionAlive)
	require.False(t, rec.IsOnline, "connected but not focused")
	require.Empty(t, bobConn.presence())

	src.focused["alice"] = 1
	tr.Changed("alice")
	require.True(t, tr.Snapshot("alice").IsOnline)
	require.Len(t, bobConn.presence(), 1)
}

func TestTracker_Online(t *testing.T) {
	tr, src, _ := newFixture(PolicyConnected)
	src.alive["alice"] = 1
	tr.Changed("alice")

	got := tr.Online([]string{"alice", "zed"})
	require.Equal(t, []models.Presence{
		{UserID: "alice", IsOnline: true, LastStatusAt: 1_700_000_000_000},
		{UserID: "zed"},
	}, got)
}

func TestPolicyByName(t *testing.T) {
	require.True(t, PolicyByName("connected")(1, 0))
	require.False(t, PolicyByName("focused")(1, 0))
	require.True(t, PolicyByName("")(1, 0))
}
