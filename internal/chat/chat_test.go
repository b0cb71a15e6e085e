package chat

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"roomcast/internal/broker"
	"roomcast/internal/models"
	"roomcast/internal/storage"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
)

type published struct {
	roomID string
	event  models.ServerEvent
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
}

func (f *fakePublisher) Publish(roomID string, ev models.ServerEvent) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, published{roomID: roomID, event: ev})
	return 1
}

func (f *fakePublisher) messages() []models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Message
	for _, p := range f.events {
		if p.event.Type == models.ServerEventMessageReceived {
			out = append(out, p.event.Payload.(models.Message))
		}
	}
	return out
}

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

type fakeRooms struct {
	mu      sync.Mutex
	online  map[string]bool
	subs    map[string][]broker.Subscriber
	evicted []string
	// joined maps room to connection to user; connection IDs are "<user>-conn".
	joined map[string]map[string]string
}

func (f *fakeRooms) JoinRoom(connID, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joined == nil {
		f.joined = make(map[string]map[string]string)
	}
	if f.joined[roomID] == nil {
		f.joined[roomID] = make(map[string]string)
	}
	user, _, _ := strings.Cut(connID, "-")
	f.joined[roomID][connID] = user
	return nil
}

func (f *fakeRooms) inRoom(roomID, userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.joined[roomID] {
		if u == userID {
			return true
		}
	}
	return false
}

func (f *fakeRooms) EvictUser(roomID, userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicted = append(f.evicted, roomID+"/"+userID)
	for conn, u := range f.joined[roomID] {
		if u == userID {
			delete(f.joined[roomID], conn)
		}
	}
	return 1
}

func (f *fakeRooms) IsOnline(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online[userID]
}

func (f *fakeRooms) Connections(userID string) []broker.Subscriber {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[userID]
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls [][]string
}

func (f *fakeNotifier) Notify(msg models.Message, recipients []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recipients)
}

type fakeUsers map[string]bool

func (f fakeUsers) Resolve(_ context.Context, userID string) (models.Profile, error) {
	if !f[userID] {
		return models.Profile{}, models.ErrNotFound
	}
	return models.Profile{ID: userID, Username: userID}, nil
}

// flakyStore fails the first n appends with a transient error.
type flakyStore struct {
	Store
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) Append(ctx context.Context, m models.Message) (models.Message, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return models.Message{}, errors.New("disk busy")
	}
	return f.Store.Append(ctx, m)
}

type fixture struct {
	svc      *Service
	store    *storage.BboltStorage
	pub      *fakePublisher
	rooms    *fakeRooms
	notifier *fakeNotifier
}

func newFixture(t *testing.T, wrap func(Store) Store) *fixture {
	t.Helper()
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		store:    store,
		pub:      &fakePublisher{},
		rooms:    &fakeRooms{online: map[string]bool{}, subs: map[string][]broker.Subscriber{}},
		notifier: &fakeNotifier{},
	}
	var s Store = store
	if wrap != nil {
		s = wrap(store)
	}
	f.svc = New(Config{
		Store:     s,
		Publisher: f.pub,
		Rooms:     f.rooms,
		Notifier:  f.notifier,
		Users:     fakeUsers{"alice": true, "bob": true, "carol": true, "dave": true},
		Retries:   3,
		BackOff:   func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	})
	return f
}

func TestService_SendPublishesAfterAppend(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.rooms.online["alice"] = true

	conv, err := f.svc.StartPrivate(ctx, "alice", "bob")
	require.NoError(t, err)

	msg, err := f.svc.Send(ctx, SendRequest{ConversationID: conv.ID, SenderID: "alice", Text: "hi bob"})
	require.NoError(t, err)
	require.Equal(t, int64(1), msg.Seq)

	got := f.pub.messages()
	require.Len(t, got, 1)
	require.Equal(t, msg, got[0])

	history, err := f.svc.History(ctx, conv.ID, "bob", 0, 0)
	require.NoError(t, err)
	require.Equal(t, []models.Message{msg}, history)

	require.Equal(t, [][]string{{"bob"}}, f.notifier.calls, "offline bob gets a push")
}

func TestService_SendErrors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv, err := f.svc.StartPrivate(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = f.svc.Send(ctx, SendRequest{ConversationID: conv.ID, SenderID: "carol", Text: "hello"})
	require.ErrorIs(t, err, models.ErrRoomAccessDenied)

	_, err = f.svc.Send(ctx, SendRequest{ConversationID: conv.ID, SenderID: "alice", Text: "   "})
	require.ErrorIs(t, err, models.ErrValidation)

	_, err = f.svc.Send(ctx, SendRequest{ConversationID: "missing", SenderID: "alice", Text: "hello"})
	require.ErrorIs(t, err, models.ErrNotFound)

	require.Empty(t, f.pub.messages(), "failed sends are never published")
}

func TestService_SendRetries(t *testing.T) {
	var flaky *flakyStore
	f := newFixture(t, func(s Store) Store {
		flaky = &flakyStore{Store: s, failures: 2}
		return flaky
	})
	ctx := context.Background()
	conv, err := f.svc.StartPrivate(ctx, "alice", "bob")
	require.NoError(t, err)

	msg, err := f.svc.Send(ctx, SendRequest{ConversationID: conv.ID, SenderID: "alice", Text: "eventually"})
	require.NoError(t, err)
	require.Equal(t, int64(1), msg.Seq)
	require.Equal(t, 3, flaky.calls)
}

func TestService_SendPersistenceFailure(t *testing.T) {
	f := newFixture(t, func(s Store) Store {
		return &flakyStore{Store: s, failures: 100}
	})
	ctx := context.Background()
	conv, err := f.svc.StartPrivate(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = f.svc.Send(ctx, SendRequest{ConversationID: conv.ID, SenderID: "alice", Text: "lost"})
	require.ErrorIs(t, err, models.ErrPersistence)
	require.Empty(t, f.pub.messages())

	history, err := f.svc.History(ctx, conv.ID, "alice", 0, 0)
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestService_ConcurrentSendOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv, err := f.svc.StartPrivate(ctx, "alice", "bob")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sender := "alice"
			if i%2 == 1 {
				sender = "bob"
			}
			_, err := f.svc.Send(ctx, SendRequest{ConversationID: conv.ID, SenderID: sender, Text: fmt.Sprintf("m%d", i)})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	got := f.pub.messages()
	require.Len(t, got, 20)
	for i, m := range got {
		require.Equal(t, int64(i+1), m.Seq, "published in sequence order")
	}
}

func TestService_HistoryAccess(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv, err := f.svc.StartPrivate(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = f.svc.History(ctx, conv.ID, "carol", 10, 0)
	require.ErrorIs(t, err, models.ErrRoomAccessDenied)

	for i := range 5 {
		_, err := f.svc.Send(ctx, SendRequest{ConversationID: conv.ID, SenderID: "alice", Text: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}
	page, err := f.svc.History(ctx, conv.ID, "bob", 2, 4)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, int64(2), page[0].Seq)
	require.Equal(t, int64(3), page[1].Seq)
}

func TestService_StartPrivate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	a, err := f.svc.StartPrivate(ctx, "alice", "bob")
	require.NoError(t, err)
	b, err := f.svc.StartPrivate(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Equal(t, a.ID, b.ID)

	_, err = f.svc.StartPrivate(ctx, "alice", "mallory")
	require.ErrorIs(t, err, models.ErrNotFound)

	peers, err := f.svc.Peers("alice")
	require.NoError(t, err)
	require.Equal(t, []string{"bob"}, peers)
}

func TestService_MarkRead(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	bobTab := &fakeSub{id: "b1", user: "bob"}
	f.rooms.subs["bob"] = []broker.Subscriber{bobTab}

	conv, err := f.svc.StartPrivate(ctx, "alice", "bob")
	require.NoError(t, err)
	var last models.Message
	for i := range 3 {
		last, err = f.svc.Send(ctx, SendRequest{ConversationID: conv.ID, SenderID: "alice", Text: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	unread, err := f.svc.Unread(conv.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, 3, unread.Count)

	got, advanced, err := f.svc.MarkRead(ctx, conv.ID, "bob", 2)
	require.NoError(t, err)
	require.True(t, advanced)
	require.Equal(t, models.UnreadChangedPayload{RoomID: conv.ID, Count: 1, LastReadSeq: 2}, got)
	require.Len(t, bobTab.events, 1)

	// Backwards is a no-op and does not notify.
	got, advanced, err = f.svc.MarkRead(ctx, conv.ID, "bob", 1)
	require.NoError(t, err)
	require.False(t, advanced)
	require.Equal(t, 1, got.Count)
	require.Len(t, bobTab.events, 1)

	got, _, err = f.svc.MarkRead(ctx, conv.ID, "bob", last.Seq)
	require.NoError(t, err)
	require.Equal(t, 0, got.Count)

	_, _, err = f.svc.MarkRead(ctx, conv.ID, "carol", 1)
	require.ErrorIs(t, err, models.ErrRoomAccessDenied)
}

func TestService_React(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv, err := f.svc.StartPrivate(ctx, "alice", "bob")
	require.NoError(t, err)
	msg, err := f.svc.Send(ctx, SendRequest{ConversationID: conv.ID, SenderID: "alice", Text: "hi"})
	require.NoError(t, err)

	updated, err := f.svc.React(ctx, conv.ID, "bob", msg.ID, "+1")
	require.NoError(t, err)
	require.Equal(t, []string{"bob"}, updated.Reactions["+1"])

	updated, err = f.svc.React(ctx, conv.ID, "bob", msg.ID, "+1")
	require.NoError(t, err)
	require.Empty(t, updated.Reactions)

	_, err = f.svc.React(ctx, conv.ID, "bob", msg.ID, "")
	require.ErrorIs(t, err, models.ErrValidation)
	_, err = f.svc.React(ctx, conv.ID, "carol", msg.ID, "+1")
	require.ErrorIs(t, err, models.ErrRoomAccessDenied)
}

func TestService_Groups(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.CreateGroup(ctx, "alice", "solo", nil)
	require.ErrorIs(t, err, models.ErrValidation)

	group, err := f.svc.CreateGroup(ctx, "alice", "Team", []string{"bob", "carol", "bob"})
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob", "carol"}, group.ParticipantIDs)
	require.Equal(t, "alice", group.AdminID)

	_, err = f.svc.RenameGroup(ctx, group.ID, "bob", "Hijacked")
	require.ErrorIs(t, err, models.ErrPermissionDenied)
	group, err = f.svc.RenameGroup(ctx, group.ID, "alice", "Core Team")
	require.NoError(t, err)
	require.Equal(t, "Core Team", group.GroupName)

	_, err = f.svc.AddMember(ctx, group.ID, "bob", "dave")
	require.ErrorIs(t, err, models.ErrPermissionDenied)
	group, err = f.svc.AddMember(ctx, group.ID, "alice", "dave")
	require.NoError(t, err)
	group, err = f.svc.AddMember(ctx, group.ID, "alice", "dave")
	require.NoError(t, err)
	require.Len(t, group.ParticipantIDs, 4)

	group, err = f.svc.RemoveMember(ctx, group.ID, "alice", "carol")
	require.NoError(t, err)
	require.False(t, group.HasParticipant("carol"))
	require.Equal(t, []string{group.ID + "/carol"}, f.rooms.evicted)

	_, err = f.svc.Send(ctx, SendRequest{ConversationID: group.ID, SenderID: "carol", Text: "still here?"})
	require.ErrorIs(t, err, models.ErrRoomAccessDenied)

	_, err = f.svc.RemoveMember(ctx, group.ID, "alice", "alice")
	require.ErrorIs(t, err, models.ErrPermissionDenied)

	private, err := f.svc.StartPrivate(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = f.svc.RenameGroup(ctx, private.ID, "alice", "Nope")
	require.ErrorIs(t, err, models.ErrPermissionDenied)
}

func TestService_LeaveGroup(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	group, err := f.svc.CreateGroup(ctx, "alice", "Team", []string{"bob", "carol"})
	require.NoError(t, err)

	_, err = f.svc.LeaveGroup(ctx, group.ID, "alice", "")
	require.ErrorIs(t, err, models.ErrPermissionDenied, "sole admin needs a successor")
	_, err = f.svc.LeaveGroup(ctx, group.ID, "alice", "dave")
	require.ErrorIs(t, err, models.ErrPermissionDenied, "successor must be a member")

	group, err = f.svc.LeaveGroup(ctx, group.ID, "alice", "bob")
	require.NoError(t, err)
	require.Equal(t, "bob", group.AdminID)
	require.False(t, group.HasParticipant("alice"))

	group, err = f.svc.LeaveGroup(ctx, group.ID, "carol", "")
	require.NoError(t, err)
	require.Equal(t, []string{"bob"}, group.ParticipantIDs)

	_, err = f.svc.LeaveGroup(ctx, group.ID, "carol", "")
	require.ErrorIs(t, err, models.ErrRoomAccessDenied)
}

// removingStore starts a member removal right after the first armed
// conversation read and gives it time to run before returning.
type removingStore struct {
	Store
	armed  atomic.Bool
	remove func()
	done   chan struct{}
}

func (r *removingStore) GetConversation(id string) (models.Conversation, error) {
	conv, err := r.Store.GetConversation(id)
	if r.armed.CompareAndSwap(true, false) {
		go func() {
			defer close(r.done)
			r.remove()
		}()
		time.Sleep(50 * time.Millisecond)
	}
	return conv, err
}

func TestService_Join(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv, err := f.svc.StartPrivate(ctx, "alice", "bob")
	require.NoError(t, err)

	require.NoError(t, f.svc.Join("alice-conn", conv.ID, "alice"))
	require.True(t, f.rooms.inRoom(conv.ID, "alice"))

	require.ErrorIs(t, f.svc.Join("carol-conn", conv.ID, "carol"), models.ErrRoomAccessDenied)
	require.ErrorIs(t, f.svc.Join("alice-conn", "missing", "alice"), models.ErrRoomAccessDenied)
	require.False(t, f.rooms.inRoom(conv.ID, "carol"))
}

func TestService_JoinRacingRemoval(t *testing.T) {
	var rs *removingStore
	f := newFixture(t, func(s Store) Store {
		rs = &removingStore{Store: s, done: make(chan struct{})}
		return rs
	})
	ctx := context.Background()
	group, err := f.svc.CreateGroup(ctx, "alice", "Team", []string{"bob", "carol"})
	require.NoError(t, err)

	var removeErr error
	rs.remove = func() {
		_, removeErr = f.svc.RemoveMember(ctx, group.ID, "alice", "bob")
	}
	rs.armed.Store(true)

	// The membership snapshot still lists bob; the removal waits for the
	// join to finish and then evicts him.
	require.NoError(t, f.svc.Join("bob-conn", group.ID, "bob"))
	<-rs.done
	require.NoError(t, removeErr)

	require.False(t, f.rooms.inRoom(group.ID, "bob"))
	ok, err := f.svc.IsParticipant(group.ID, "bob")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestService_LocksReleased(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	conv, err := f.svc.StartPrivate(ctx, "alice", "bob")
	require.NoError(t, err)

	var (
		wg     sync.WaitGroup
		failed atomic.Int32
	)
	for i := range 10 {
		wg.Go(func() {
			if _, err := f.svc.Send(ctx, SendRequest{ConversationID: conv.ID, SenderID: "alice", Text: fmt.Sprint(i)}); err != nil {
				failed.Add(1)
			}
		})
	}
	wg.Wait()
	require.Zero(t, failed.Load())
	_, _ = f.svc.Send(ctx, SendRequest{ConversationID: conv.ID, SenderID: "carol", Text: "denied"})

	f.svc.mux.Lock()
	defer f.svc.mux.Unlock()
	require.Empty(t, f.svc.chats)
}

func TestService_ZeroRetries(t *testing.T) {
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	flaky := &flakyStore{Store: store, failures: 1}

	svc := New(Config{
		Store:     flaky,
		Publisher: &fakePublisher{},
		Users:     fakeUsers{"alice": true, "bob": true},
		Retries:   0,
		BackOff:   func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	})
	ctx := context.Background()
	conv, err := svc.StartPrivate(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = svc.Send(ctx, SendRequest{ConversationID: conv.ID, SenderID: "alice", Text: "once"})
	require.ErrorIs(t, err, models.ErrPersistence)
	require.Equal(t, 1, flaky.calls)

	require.Equal(t, DefaultRetries, New(Config{Retries: -1}).retries)
}
