package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"roomcast/internal/models"

	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *BboltStorage {
	t.Helper()
	store, err := NewBboltStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func appendText(t *testing.T, store *BboltStorage, convID, sender, text string) models.Message {
	t.Helper()
	msg, err := store.Append(context.Background(), models.Message{
		ConversationID: convID,
		SenderID:       sender,
		Text:           text,
	})
	if err != nil {
		t.Fatalf("Append %q failed: %v", text, err)
	}
	return msg
}

func TestStorage(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	t.Run("PrivateConversation", func(t *testing.T) {
		c1, created, err := store.GetOrCreatePrivate("alice", "bob")
		if err != nil {
			t.Fatalf("GetOrCreatePrivate failed: %v", err)
		}
		if !created {
			t.Error("expected first call to create")
		}
		if c1.Type != models.ConversationPrivate || len(c1.ParticipantIDs) != 2 {
			t.Errorf("unexpected conversation %+v", c1)
		}

		c2, created, err := store.GetOrCreatePrivate("bob", "alice")
		if err != nil {
			t.Fatalf("GetOrCreatePrivate reverse failed: %v", err)
		}
		if created {
			t.Error("reverse call must not create")
		}
		if c2.ID != c1.ID {
			t.Errorf("expected same conversation, got %s and %s", c1.ID, c2.ID)
		}

		if _, _, err := store.GetOrCreatePrivate("alice", "alice"); !errors.Is(err, models.ErrValidation) {
			t.Errorf("expected ErrValidation for self conversation, got %v", err)
		}
	})

	t.Run("Messages", func(t *testing.T) {
		conv, _, _ := store.GetOrCreatePrivate("carol", "dave")

		hello := appendText(t, store, conv.ID, "carol", "hello")
		hi := appendText(t, store, conv.ID, "dave", "hi")

		if hello.Seq != 1 || hi.Seq != 2 {
			t.Errorf("expected seq 1 and 2, got %d and %d", hello.Seq, hi.Seq)
		}
		if hello.ID == "" || hello.ID == hi.ID {
			t.Error("expected distinct message ids")
		}

		msgs, err := store.History(ctx, conv.ID, 100, 0)
		if err != nil {
			t.Fatalf("History failed: %v", err)
		}
		if len(msgs) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(msgs))
		}
		if msgs[0].Text != "hello" || msgs[1].Text != "hi" {
			t.Errorf("unexpected order: %q, %q", msgs[0].Text, msgs[1].Text)
		}

		stored, err := store.GetConversation(conv.ID)
		if err != nil {
			t.Fatal(err)
		}
		if stored.LastSeq != 2 {
			t.Errorf("expected conversation LastSeq 2, got %d", stored.LastSeq)
		}
	})

	t.Run("UnknownConversation", func(t *testing.T) {
		_, err := store.Append(ctx, models.Message{ConversationID: "nope", SenderID: "x", Text: "t"})
		if !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		_, err = store.History(ctx, "nope", 10, 0)
		if !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Attachments", func(t *testing.T) {
		conv, _, _ := store.GetOrCreatePrivate("erin", "frank")
		_, err := store.Append(ctx, models.Message{
			ConversationID: conv.ID,
			SenderID:       "erin",
			Attachments: []models.Attachment{{
				Type:     models.AttachmentTypeImage,
				URL:      "https://cdn.example.com/test.png",
				FileName: "test.png",
				FileSize: 1024,
			}},
		})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}

		msgs, err := store.History(ctx, conv.ID, 1, 0)
		if err != nil {
			t.Fatalf("History failed: %v", err)
		}
		if len(msgs) != 1 || len(msgs[0].Attachments) != 1 {
			t.Fatalf("expected 1 message with 1 attachment, got %+v", msgs)
		}
		att := msgs[0].Attachments[0]
		if att.FileName != "test.png" || att.FileSize != 1024 || att.URL != "https://cdn.example.com/test.png" {
			t.Errorf("attachment not round-tripped: %+v", att)
		}
	})
}

func TestStorage_MonotonicCreatedAt(t *testing.T) {
	store := newTestStorage(t)
	conv, _, _ := store.GetOrCreatePrivate("alice", "bob")

	clock := time.UnixMilli(1_700_000_000_000)
	store.now = func() time.Time { return clock }

	m1 := appendText(t, store, conv.ID, "alice", "one")
	m2 := appendText(t, store, conv.ID, "bob", "two")
	require.Equal(t, m1.CreatedAt, m2.CreatedAt, "same clock tick")
	require.True(t, m1.Before(m2), "ties break on sequence")

	// Clock steps backwards.
	clock = clock.Add(-time.Minute)
	m3 := appendText(t, store, conv.ID, "alice", "three")
	require.Equal(t, m2.CreatedAt, m3.CreatedAt)
	require.Greater(t, m3.Seq, m2.Seq)
}

func TestStorage_ConcurrentAppend(t *testing.T) {
	store := newTestStorage(t)
	conv, _, _ := store.GetOrCreatePrivate("alice", "bob")

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	seqs := make(chan int64, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				msg, err := store.Append(context.Background(), models.Message{
					ConversationID: conv.ID,
					SenderID:       fmt.Sprintf("w%d", w),
					Text:           fmt.Sprintf("w%d-%d", w, i),
				})
				if err != nil {
					t.Errorf("Append failed: %v", err)
					return
				}
				seqs <- msg.Seq
			}
		}(w)
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool)
	for s := range seqs {
		require.False(t, seen[s], "duplicate sequence %d", s)
		seen[s] = true
	}
	require.Len(t, seen, writers*perWriter)

	msgs, err := store.History(context.Background(), conv.ID, 1000, 0)
	require.NoError(t, err)
	require.Len(t, msgs, writers*perWriter)
	for i := 1; i < len(msgs); i++ {
		require.True(t, msgs[i-1].Before(msgs[i]), "history out of order at %d", i)
		require.Equal(t, msgs[i-1].Seq+1, msgs[i].Seq)
	}
}

func TestStorage_ConcurrentPrivateCreation(t *testing.T) {
	store := newTestStorage(t)

	var wg sync.WaitGroup
	ids := make(chan string, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c, _, err := store.GetOrCreatePrivate("alice", "bob")
			if err == nil {
				ids <- c.ID
			}
		}()
		go func() {
			defer wg.Done()
			c, _, err := store.GetOrCreatePrivate("bob", "alice")
			if err == nil {
				ids <- c.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	unique := make(map[string]bool)
	for id := range ids {
		unique[id] = true
	}
	require.Len(t, unique, 1)

	convs, err := store.ListConversations("alice")
	require.NoError(t, err)
	require.Len(t, convs, 1)
}

func TestStorage_HistoryCursor(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	conv, _, _ := store.GetOrCreatePrivate("alice", "bob")
	for i := 1; i <= 10; i++ {
		appendText(t, store, conv.ID, "alice", fmt.Sprintf("m%d", i))
	}

	latest, err := store.History(ctx, conv.ID, 3, 0)
	require.NoError(t, err)
	require.Equal(t, []int64{8, 9, 10}, seqsOf(latest))

	page, err := store.History(ctx, conv.ID, 3, 8)
	require.NoError(t, err)
	require.Equal(t, []int64{5, 6, 7}, seqsOf(page))

	again, err := store.History(ctx, conv.ID, 3, 8)
	require.NoError(t, err)
	require.Equal(t, page, again, "same cursor returns identical results")

	head, err := store.History(ctx, conv.ID, 5, 3)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, seqsOf(head))

	none, err := store.History(ctx, conv.ID, 5, 1)
	require.NoError(t, err)
	require.Empty(t, none)

	beyond, err := store.History(ctx, conv.ID, 2, 100)
	require.NoError(t, err)
	require.Equal(t, []int64{9, 10}, seqsOf(beyond))
}

func TestStorage_ClientIDIdempotent(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	conv, _, _ := store.GetOrCreatePrivate("alice", "bob")

	msg := models.Message{ConversationID: conv.ID, SenderID: "alice", Text: "once", ClientID: "c-1"}
	first, err := store.Append(ctx, msg)
	require.NoError(t, err)
	second, err := store.Append(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.Seq, second.Seq)

	msgs, err := store.History(ctx, conv.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestStorage_ReadMarkers(t *testing.T) {
	store := newTestStorage(t)
	conv, _, _ := store.GetOrCreatePrivate("alice", "bob")

	appendText(t, store, conv.ID, "alice", "a1")
	appendText(t, store, conv.ID, "bob", "b1")
	appendText(t, store, conv.ID, "bob", "b2")

	n, err := store.UnreadCount(conv.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, 2, n, "own messages are not unread")

	marker, advanced, err := store.AdvanceReadMarker(conv.ID, "alice", 2)
	require.NoError(t, err)
	require.True(t, advanced)
	require.Equal(t, int64(2), marker.Seq)

	n, _ = store.UnreadCount(conv.ID, "alice")
	require.Equal(t, 1, n)

	_, advanced, err = store.AdvanceReadMarker(conv.ID, "alice", 1)
	require.NoError(t, err)
	require.False(t, advanced, "marker never regresses")

	marker, advanced, err = store.AdvanceReadMarker(conv.ID, "alice", 99)
	require.NoError(t, err)
	require.True(t, advanced)
	require.Equal(t, int64(3), marker.Seq, "clamped to newest message")

	n, _ = store.UnreadCount(conv.ID, "alice")
	require.Equal(t, 0, n)

	stored, err := store.ReadMarker(conv.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, marker, stored)
}

func TestStorage_Groups(t *testing.T) {
	store := newTestStorage(t)

	group, err := store.CreateGroup(models.Conversation{
		ParticipantIDs: []string{"x", "y"},
		AdminID:        "x",
		GroupName:      "crew",
	})
	require.NoError(t, err)
	require.Equal(t, models.ConversationGroup, group.Type)

	_, err = store.CreateGroup(models.Conversation{ParticipantIDs: []string{"y"}, AdminID: "x"})
	require.ErrorIs(t, err, models.ErrValidation)

	updated, err := store.UpdateConversation(group.ID, func(c *models.Conversation) error {
		c.ParticipantIDs = append(c.ParticipantIDs, "z")
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"x", "y", "z"}, updated.ParticipantIDs)

	convs, err := store.ListConversations("z")
	require.NoError(t, err)
	require.Len(t, convs, 1)

	_, err = store.UpdateConversation(group.ID, func(c *models.Conversation) error {
		c.ParticipantIDs = []string{"y", "z"}
		return nil
	})
	require.ErrorIs(t, err, models.ErrPermissionDenied, "admin cannot vanish")

	_, err = store.UpdateConversation(group.ID, func(c *models.Conversation) error {
		c.ParticipantIDs = []string{"x", "y"}
		return nil
	})
	require.NoError(t, err)
	convs, _ = store.ListConversations("z")
	require.Empty(t, convs)
}

func TestStorage_Reactions(t *testing.T) {
	store := newTestStorage(t)
	conv, _, _ := store.GetOrCreatePrivate("alice", "bob")
	msg := appendText(t, store, conv.ID, "alice", "react to me")

	got, err := store.ToggleReaction(conv.ID, msg.ID, "👍", "bob")
	require.NoError(t, err)
	require.Equal(t, []string{"bob"}, got.Reactions["👍"])

	got, err = store.ToggleReaction(conv.ID, msg.ID, "👍", "alice")
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, got.Reactions["👍"])

	got, err = store.ToggleReaction(conv.ID, msg.ID, "👍", "bob")
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, got.Reactions["👍"])

	_, err = store.ToggleReaction("other", msg.ID, "👍", "bob")
	require.ErrorIs(t, err, models.ErrNotFound)

	stored, err := store.GetMessage(conv.ID, msg.Seq)
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, stored.Reactions["👍"])
	require.Equal(t, msg.Text, stored.Text)
}

func TestStorage_PushSubscriptions(t *testing.T) {
	store := newTestStorage(t)
	sub := models.PushSubscription{UserID: "alice", Endpoint: "https://push.example/1", P256dh: "k", Auth: "a"}

	require.NoError(t, store.UpsertPushSubscription(sub))
	require.NoError(t, store.UpsertPushSubscription(sub))

	subs, err := store.ListPushSubscriptions("alice")
	require.NoError(t, err)
	require.Equal(t, []models.PushSubscription{sub}, subs)

	require.NoError(t, store.DeletePushSubscription("alice", sub.Endpoint))
	subs, err = store.ListPushSubscriptions("alice")
	require.NoError(t, err)
	require.Empty(t, subs)

	require.ErrorIs(t, store.UpsertPushSubscription(models.PushSubscription{UserID: "a"}), models.ErrValidation)
}

func seqsOf(msgs []models.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.Seq
	}
	return out
}

func TestStorage_AppendValidates(t *testing.T) {
	store := newTestStorage(t)
	conv, _, _ := store.GetOrCreatePrivate("alice", "bob")

	_, err := store.Append(context.Background(), models.Message{ConversationID: conv.ID, SenderID: "alice", Text: "  "})
	require.ErrorIs(t, err, models.ErrValidation)

	msgs, err := store.History(context.Background(), conv.ID, 10, 0)
	require.NoError(t, err)
	require.Empty(t, msgs)

	stored, err := store.GetConversation(conv.ID)
	require.NoError(t, err)
	require.Zero(t, stored.LastSeq)
}
