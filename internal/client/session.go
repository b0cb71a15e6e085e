package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"roomcast/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait     = 10 * time.Second
	handshakeWait = 10 * time.Second
)

var ErrNotConnected = errors.New("session not connected")

type SessionConfig struct {
	URL    string // ws://host/api/chat
	UserID string
	Token  string

	HistoryLimit int
	TypingTTL    time.Duration
	Dialer       *websocket.Dialer
	BackOff      func() backoff.BackOff
	// OnEvent observes every inbound event after it has been applied.
	OnEvent func(models.Envelope)
}

// Session is a reconnecting websocket client. Inbound events feed its
// Reconciler; after a reconnect every joined room is re-joined and its
// history paged back until it meets the messages already held.
type Session struct {
	cfg SessionConfig
	rec *Reconciler

	writeMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	connID   string
	closed   bool
	rooms    map[string]struct{}
	presence map[string]models.Presence
}

func NewSession(cfg SessionConfig) *Session {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.BackOff == nil {
		cfg.BackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	s := &Session{
		cfg:      cfg,
		rooms:    make(map[string]struct{}),
		presence: make(map[string]models.Presence),
	}
	s.rec = NewReconciler(cfg.UserID, cfg.TypingTTL, s.markRead)
	return s
}

func (s *Session) Reconciler() *Reconciler {
	return s.rec
}

func (s *Session) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connID
}

// Connect dials and identifies. It must not be called concurrently with Run.
func (s *Session) Connect(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.Token)
	conn, _, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}

	connID, err := identify(conn, s.cfg.UserID, s.cfg.Token)
	if err != nil {
		conn.Close()
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return ErrNotConnected
	}
	s.conn = conn
	s.connID = connID
	rooms := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		rooms = append(rooms, id)
	}
	s.mu.Unlock()

	for _, id := range rooms {
		if err := s.subscribe(id); err != nil {
			return err
		}
	}
	return nil
}

func identify(conn *websocket.Conn, userID, token string) (string, error) {
	env, err := models.NewEnvelope(models.ClientEventIdentify, models.IdentifyPayload{UserID: userID, Token: token})
	if err != nil {
		return "", err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(env); err != nil {
		return "", fmt.Errorf("send identify: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(handshakeWait))
	defer conn.SetReadDeadline(time.Time{})
	var reply models.Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		return "", fmt.Errorf("read identify reply: %w", err)
	}
	switch models.ServerEventType(reply.Type) {
	case models.ServerEventIdentified:
		var p models.IdentifiedPayload
		if err := reply.Decode(&p); err != nil {
			return "", err
		}
		return p.ConnectionID, nil
	case models.ServerEventIdentifyError:
		var p models.IdentifyErrorPayload
		_ = reply.Decode(&p)
		return "", fmt.Errorf("%w: %s", models.ErrIdentityUnverified, p.Reason)
	default:
		return "", fmt.Errorf("%w: unexpected %s before identified", models.ErrMalformedEvent, reply.Type)
	}
}

// Run reads events until ctx is done or Close is called. A dropped
// connection is re-established with backoff; identity failures end Run.
func (s *Session) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	for {
		s.mu.Lock()
		conn, closed := s.conn, s.closed
		s.mu.Unlock()
		if closed {
			return ctx.Err()
		}
		if conn == nil {
			return ErrNotConnected
		}

		err := s.readLoop(conn)
		s.mu.Lock()
		closed = s.closed
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()
		if closed {
			return ctx.Err()
		}

		slog.Info("session disconnected", "user_id", s.cfg.UserID, "error", err)
		s.rec.Disconnected()
		if err := s.reconnect(ctx); err != nil {
			if s.isClosed() {
				return ctx.Err()
			}
			return err
		}
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) reconnect(ctx context.Context) error {
	op := func() error {
		err := s.Connect(ctx)
		if errors.Is(err, models.ErrIdentityUnverified) || errors.Is(err, ErrNotConnected) {
			return backoff.Permanent(err)
		}
		if err != nil {
			slog.Debug("reconnect failed", "user_id", s.cfg.UserID, "error", err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(s.cfg.BackOff(), ctx))
}

func (s *Session) readLoop(conn *websocket.Conn) error {
	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		s.handle(env)
	}
}

func (s *Session) handle(env models.Envelope) {
	var err error
	switch models.ServerEventType(env.Type) {
	case models.ServerEventMessageReceived:
		var msg models.Message
		if err = env.Decode(&msg); err == nil {
			s.rec.ApplyLive(msg)
		}
	case models.ServerEventHistoryResult:
		var p models.HistoryResultPayload
		if err = env.Decode(&p); err == nil {
			if before := s.rec.ApplyHistory(p.RoomID, p.Messages, s.cfg.HistoryLimit); before > 0 {
				err = s.FetchHistory(p.RoomID, before)
			}
		}
	case models.ServerEventTypingChanged:
		var p models.TypingChangedPayload
		if err = env.Decode(&p); err == nil {
			s.rec.ObserveTyping(p)
		}
	case models.ServerEventSendFailed:
		var p models.SendFailedPayload
		if err = env.Decode(&p); err == nil {
			s.rec.FailPending(p.ClientID, p.Reason)
		}
	case models.ServerEventUnreadChanged:
		var p models.UnreadChangedPayload
		if err = env.Decode(&p); err == nil {
			s.rec.SetUnread(p)
		}
	case models.ServerEventReactionChanged:
		var msg models.Message
		if err = env.Decode(&msg); err == nil {
			s.rec.ApplyReaction(msg)
		}
	case models.ServerEventPresenceChanged:
		var p models.Presence
		if err = env.Decode(&p); err == nil {
			s.mu.Lock()
			s.presence[p.UserID] = p
			s.mu.Unlock()
		}
	case models.ServerEventError:
		var p models.ErrorPayload
		if err = env.Decode(&p); err == nil {
			slog.Warn("server error", "user_id", s.cfg.UserID, "code", p.Code, "ref", p.Ref, "message", p.Message)
		}
	}
	if err != nil {
		slog.Warn("bad server event", "type", env.Type, "error", err)
		return
	}
	if s.cfg.OnEvent != nil {
		s.cfg.OnEvent(env)
	}
}

func (s *Session) write(t models.ClientEventType, payload any) error {
	env, err := models.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(env)
}

func (s *Session) subscribe(roomID string) error {
	if err := s.write(models.ClientEventJoinRoom, models.RoomPayload{RoomID: roomID}); err != nil {
		return err
	}
	return s.FetchHistory(roomID, 0)
}

// Join subscribes to roomID and requests its latest history page. The room
// is re-joined on every reconnect.
func (s *Session) Join(roomID string) error {
	s.mu.Lock()
	s.rooms[roomID] = struct{}{}
	s.mu.Unlock()
	return s.subscribe(roomID)
}

func (s *Session) Leave(roomID string) error {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
	s.rec.Close(roomID)
	return s.write(models.ClientEventLeaveRoom, models.RoomPayload{RoomID: roomID})
}

// FetchHistory requests the page before the given sequence, 0 for newest.
func (s *Session) FetchHistory(roomID string, before int64) error {
	return s.write(models.ClientEventGetHistory, models.GetHistoryPayload{
		RoomID: roomID,
		Limit:  s.cfg.HistoryLimit,
		Before: before,
	})
}

// Send shows text as pending and returns its client id. The pending entry
// is replaced when the server echoes the stored message.
func (s *Session) Send(roomID, text string) (string, error) {
	clientID := uuid.NewString()
	s.rec.AddPending(roomID, clientID, text)
	if err := s.send(roomID, clientID, text); err != nil {
		s.rec.FailPending(clientID, err.Error())
		return clientID, err
	}
	return clientID, nil
}

// Retry resends a failed pending message under the same client id.
func (s *Session) Retry(roomID, clientID string) error {
	text, ok := s.rec.RetryPending(roomID, clientID)
	if !ok {
		return fmt.Errorf("%w: no failed message %s", models.ErrNotFound, clientID)
	}
	if err := s.send(roomID, clientID, text); err != nil {
		s.rec.FailPending(clientID, err.Error())
		return err
	}
	return nil
}

func (s *Session) send(roomID, clientID, text string) error {
	return s.write(models.ClientEventSendMessage, models.SendMessagePayload{
		RoomID:   roomID,
		SenderID: s.cfg.UserID,
		Text:     text,
		ClientID: clientID,
	})
}

func (s *Session) SetTyping(roomID string, isTyping bool) error {
	return s.write(models.ClientEventSetTyping, models.SetTypingPayload{
		RoomID:   roomID,
		UserID:   s.cfg.UserID,
		IsTyping: isTyping,
	})
}

func (s *Session) SetFocus(focused bool) error {
	return s.write(models.ClientEventSetFocus, models.SetFocusPayload{Focused: focused})
}

func (s *Session) React(roomID, messageID, emoji string) error {
	return s.write(models.ClientEventReact, models.ReactPayload{RoomID: roomID, MessageID: messageID, Emoji: emoji})
}

func (s *Session) markRead(roomID string, seq int64) {
	if err := s.write(models.ClientEventMarkRead, models.MarkReadPayload{RoomID: roomID, Seq: seq}); err != nil {
		slog.Debug("mark read not sent", "room_id", roomID, "seq", seq, "error", err)
	}
}

func (s *Session) Presence(userID string) (models.Presence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presence[userID]
	return p, ok
}

// Close ends the session. Run returns once its read fails.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return conn.Close()
}

// Drop closes the current connection without ending the session, forcing a
// reconnect.
func (s *Session) Drop() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
