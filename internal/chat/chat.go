package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"roomcast/internal/broker"
	"roomcast/internal/content"
	"roomcast/internal/metrics"
	"roomcast/internal/models"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 500
	DefaultRetries      = 3
)

type Store interface {
	GetOrCreatePrivate(a, b string) (models.Conversation, bool, error)
	CreateGroup(conv models.Conversation) (models.Conversation, error)
	UpdateConversation(id string, fn func(*models.Conversation) error) (models.Conversation, error)
	GetConversation(id string) (models.Conversation, error)
	ListConversations(userID string) ([]models.Conversation, error)
	Append(ctx context.Context, message models.Message) (models.Message, error)
	History(ctx context.Context, conversationID string, limit int, before int64) ([]models.Message, error)
	ToggleReaction(conversationID, messageID, emoji, userID string) (models.Message, error)
	AdvanceReadMarker(conversationID, userID string, seq int64) (models.ReadMarker, bool, error)
	ReadMarker(conversationID, userID string) (models.ReadMarker, error)
	UnreadCount(conversationID, userID string) (int, error)
}

type Publisher interface {
	Publish(roomID string, ev models.ServerEvent) int
}

// Rooms is the connection registry as seen by the chat service.
type Rooms interface {
	JoinRoom(connID, roomID string) error
	EvictUser(roomID, userID string) int
	IsOnline(userID string) bool
	Connections(userID string) []broker.Subscriber
}

// Notifier reaches participants that have no live connection.
type Notifier interface {
	Notify(msg models.Message, recipients []string)
}

// UserResolver validates that a user exists before a conversation is
// created with them.
type UserResolver interface {
	Resolve(ctx context.Context, userID string) (models.Profile, error)
}

// Chat serializes appends and membership changes of one conversation so a
// message is published in sequence order and never to a removed member.
type Chat struct {
	ID  string
	mux sync.Mutex

	refs int // guarded by Service.mux
}

type Config struct {
	Store        Store
	Publisher    Publisher
	Rooms        Rooms
	Notifier     Notifier
	Users        UserResolver
	HistoryLimit int
	// Retries is the number of extra append attempts after a transient
	// failure. Zero means a single attempt; negative selects DefaultRetries.
	Retries int
	// BackOff returns the retry policy for a single append. Defaults to
	// exponential.
	BackOff func() backoff.BackOff
}

type Service struct {
	store        Store
	publisher    Publisher
	rooms        Rooms
	notifier     Notifier
	users        UserResolver
	historyLimit int
	retries      int
	newBackOff   func() backoff.BackOff

	mux   sync.Mutex
	chats map[string]*Chat
}

func New(config Config) *Service {
	s := &Service{
		store:        config.Store,
		publisher:    config.Publisher,
		rooms:        config.Rooms,
		notifier:     config.Notifier,
		users:        config.Users,
		historyLimit: config.HistoryLimit,
		retries:      config.Retries,
		newBackOff:   config.BackOff,
		chats:        make(map[string]*Chat),
	}
	if s.historyLimit <= 0 {
		s.historyLimit = DefaultHistoryLimit
	}
	if s.retries < 0 {
		s.retries = DefaultRetries
	}
	if s.newBackOff == nil {
		s.newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = time.Second
			b.MaxElapsedTime = 5 * time.Second
			return b
		}
	}
	return s
}

// lock returns the conversation's Chat with its mutex held. Entries are
// reference counted and dropped once nobody holds or waits for them.
func (s *Service) lock(id string) *Chat {
	s.mux.Lock()
	c, ok := s.chats[id]
	if !ok {
		c = &Chat{ID: id}
		s.chats[id] = c
	}
	c.refs++
	s.mux.Unlock()

	c.mux.Lock()
	return c
}

func (s *Service) unlock(c *Chat) {
	c.mux.Unlock()

	s.mux.Lock()
	defer s.mux.Unlock()
	c.refs--
	if c.refs == 0 {
		delete(s.chats, c.ID)
	}
}

// Join subscribes connID to the conversation's room. Membership is checked
// under the conversation lock, so a concurrent removal either rejects the
// join or evicts the new subscription after it.
func (s *Service) Join(connID, conversationID, userID string) error {
	c := s.lock(conversationID)
	defer s.unlock(c)

	if _, err := s.participantConversation(conversationID, userID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrRoomAccessDenied
		}
		return err
	}
	return s.rooms.JoinRoom(connID, conversationID)
}

// participantConversation loads the conversation and checks membership.
func (s *Service) participantConversation(conversationID, userID string) (models.Conversation, error) {
	conv, err := s.store.GetConversation(conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	if !conv.HasParticipant(userID) {
		return models.Conversation{}, models.ErrRoomAccessDenied
	}
	return conv, nil
}

func (s *Service) IsParticipant(conversationID, userID string) (bool, error) {
	_, err := s.participantConversation(conversationID, userID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, models.ErrRoomAccessDenied):
		return false, nil
	default:
		return false, err
	}
}

func (s *Service) Conversation(conversationID, userID string) (models.Conversation, error) {
	return s.participantConversation(conversationID, userID)
}

func (s *Service) Conversations(userID string) ([]models.Conversation, error) {
	return s.store.ListConversations(userID)
}

// Peers lists every user sharing at least one conversation with userID.
func (s *Service) Peers(userID string) ([]string, error) {
	convs, err := s.store.ListConversations(userID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var peers []string
	for _, c := range convs {
		for _, p := range c.ParticipantIDs {
			if p == userID {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			peers = append(peers, p)
		}
	}
	slices.Sort(peers)
	return peers, nil
}

type SendRequest struct {
	ConversationID string
	SenderID       string
	Text           string
	Attachments    []models.Attachment
	ClientID       string
}

// Send durably appends the message, then publishes it to the room. Nothing
// is published when the append fails; the error wraps ErrValidation or
// ErrPersistence.
func (s *Service) Send(ctx context.Context, req SendRequest) (models.Message, error) {
	c := s.lock(req.ConversationID)

	conv, err := s.participantConversation(req.ConversationID, req.SenderID)
	if err != nil {
		s.unlock(c)
		return models.Message{}, err
	}

	msg, err := s.appendWithRetry(ctx, models.Message{
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Text:           req.Text,
		Attachments:    req.Attachments,
		ClientID:       req.ClientID,
	})
	if err != nil {
		s.unlock(c)
		return models.Message{}, err
	}

	s.publisher.Publish(conv.ID, models.ServerEvent{Type: models.ServerEventMessageReceived, Payload: msg})
	s.unlock(c)

	s.notifyOffline(conv, msg)
	return msg, nil
}

func (s *Service) appendWithRetry(ctx context.Context, msg models.Message) (models.Message, error) {
	start := time.Now()
	defer metrics.ObserveAppend(start)

	var (
		stored   models.Message
		attempts int
	)
	policy := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), uint64(s.retries)), ctx)
	err := backoff.Retry(func() error {
		if attempts > 0 {
			metrics.IncAppendRetry()
		}
		attempts++

		m, err := s.store.Append(ctx, msg)
		if err != nil {
			if isPermanent(err) {
				return backoff.Permanent(err)
			}
			slog.Warn("append failed", "conversation_id", msg.ConversationID, "attempt", attempts, "error", err)
			return err
		}
		stored = m
		return nil
	}, policy)
	if err != nil {
		if errors.Is(err, models.ErrValidation) || errors.Is(err, models.ErrNotFound) {
			return models.Message{}, err
		}
		metrics.IncAppendFailure()
		return models.Message{}, fmt.Errorf("%w: %w", models.ErrPersistence, err)
	}
	return stored, nil
}

func isPermanent(err error) bool {
	return errors.Is(err, models.ErrValidation) ||
		errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (s *Service) notifyOffline(conv models.Conversation, msg models.Message) {
	if s.notifier == nil || s.rooms == nil {
		return
	}
	var offline []string
	for _, p := range conv.ParticipantIDs {
		if p != msg.SenderID && !s.rooms.IsOnline(p) {
			offline = append(offline, p)
		}
	}
	if len(offline) > 0 {
		s.notifier.Notify(msg, offline)
	}
}

// History returns up to limit messages older than the exclusive seq cursor
// before (0 for the newest), oldest first.
func (s *Service) History(ctx context.Context, conversationID, userID string, limit int, before int64) ([]models.Message, error) {
	if _, err := s.participantConversation(conversationID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.historyLimit
	}
	limit = min(limit, MaxHistoryLimit)
	return s.store.History(ctx, conversationID, limit, before)
}

// MarkRead advances userID's read marker and returns the remaining unread
// count. When the marker moves, every connection of userID is told so other
// tabs can clear their badges; the flag reports whether that happened.
func (s *Service) MarkRead(ctx context.Context, conversationID, userID string, seq int64) (models.UnreadChangedPayload, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.UnreadChangedPayload{}, false, err
	}
	if _, err := s.participantConversation(conversationID, userID); err != nil {
		return models.UnreadChangedPayload{}, false, err
	}

	marker, advanced, err := s.store.AdvanceReadMarker(conversationID, userID, seq)
	if err != nil {
		return models.UnreadChangedPayload{}, false, err
	}
	count, err := s.store.UnreadCount(conversationID, userID)
	if err != nil {
		return models.UnreadChangedPayload{}, false, err
	}

	payload := models.UnreadChangedPayload{RoomID: conversationID, Count: count, LastReadSeq: marker.Seq}
	if advanced && s.rooms != nil {
		ev := models.ServerEvent{Type: models.ServerEventUnreadChanged, Payload: payload}
		for _, sub := range s.rooms.Connections(userID) {
			_ = sub.Deliver(ev)
		}
	}
	return payload, advanced, nil
}

func (s *Service) Unread(conversationID, userID string) (models.UnreadChangedPayload, error) {
	if _, err := s.participantConversation(conversationID, userID); err != nil {
		return models.UnreadChangedPayload{}, err
	}
	marker, err := s.store.ReadMarker(conversationID, userID)
	if err != nil {
		return models.UnreadChangedPayload{}, err
	}
	count, err := s.store.UnreadCount(conversationID, userID)
	if err != nil {
		return models.UnreadChangedPayload{}, err
	}
	return models.UnreadChangedPayload{RoomID: conversationID, Count: count, LastReadSeq: marker.Seq}, nil
}

// React toggles userID's emoji reaction and publishes the updated message.
func (s *Service) React(ctx context.Context, conversationID, userID, messageID, emoji string) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	emoji = content.Sanitize(emoji)
	if emoji == "" || len(emoji) > 32 {
		return models.Message{}, fmt.Errorf("%w: invalid reaction", models.ErrValidation)
	}

	c := s.lock(conversationID)
	defer s.unlock(c)

	if _, err := s.participantConversation(conversationID, userID); err != nil {
		return models.Message{}, err
	}
	msg, err := s.store.ToggleReaction(conversationID, messageID, emoji, userID)
	if err != nil {
		return models.Message{}, err
	}
	s.publisher.Publish(conversationID, models.ServerEvent{Type: models.ServerEventReactionChanged, Payload: msg})
	return msg, nil
}
