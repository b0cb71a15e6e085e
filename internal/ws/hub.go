package ws

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"roomcast/internal/chat"
	"roomcast/internal/metrics"
	"roomcast/internal/models"
	"roomcast/internal/presence"
	"roomcast/internal/registry"
	"roomcast/internal/typing"
)

var errIdentifyFailed = errors.New("identify failed")

type HubConfig struct {
	Registry *registry.Registry
	Chat     *chat.Service
	Typing   *typing.Channel
	Presence *presence.Tracker
}

// Hub routes client events to the messaging core on behalf of a connection.
type Hub struct {
	registry *registry.Registry
	chat     *chat.Service
	typing   *typing.Channel
	presence *presence.Tracker
	now      func() time.Time
}

func NewHub(config HubConfig) *Hub {
	return &Hub{
		registry: config.Registry,
		chat:     config.Chat,
		typing:   config.Typing,
		presence: config.Presence,
		now:      time.Now,
	}
}

func (h *Hub) Touch(c *Connection) {
	h.registry.Touch(c.ID(), h.now())
}

func (h *Hub) Leave(c *Connection) {
	h.registry.Unregister(c.ID())
	if userID := c.UserID(); userID != "" && h.typing != nil {
		if !h.registry.IsOnline(userID) {
			h.typing.Forget(userID)
		}
	}
}

func (h *Hub) reply(c *Connection, t models.ServerEventType, payload any) {
	if err := c.Deliver(models.ServerEvent{Type: t, Payload: payload}); errors.Is(err, models.ErrSlowConsumer) {
		c.Close()
	}
}

func (h *Hub) replyError(c *Connection, ref string, err error) {
	h.reply(c, models.ServerEventError, models.ErrorPayload{
		Code:    models.ErrorCode(err),
		Message: err.Error(),
		Ref:     ref,
	})
}

func (h *Hub) Dispatch(ctx context.Context, c *Connection, env models.Envelope) error {
	t := models.ClientEventType(env.Type)
	if t == models.ClientEventIdentify {
		err := h.identify(ctx, c, env)
		metrics.IncWSEvent(env.Type, outcome(err))
		return err
	}

	userID := c.UserID()
	if userID == "" {
		metrics.IncWSEvent(env.Type, "unidentified")
		h.replyError(c, env.Type, models.ErrNotIdentified)
		return nil
	}

	var err error
	switch t {
	case models.ClientEventJoinRoom:
		err = h.joinRoom(c, userID, env)
	case models.ClientEventLeaveRoom:
		err = h.leaveRoom(c, env)
	case models.ClientEventSendMessage:
		err = h.sendMessage(ctx, c, userID, env)
	case models.ClientEventGetHistory:
		err = h.getHistory(ctx, c, userID, env)
	case models.ClientEventSetTyping:
		err = h.setTyping(c, userID, env)
	case models.ClientEventSetFocus:
		err = h.setFocus(c, env)
	case models.ClientEventMarkRead:
		err = h.markRead(ctx, c, userID, env)
	case models.ClientEventReact:
		err = h.react(ctx, c, userID, env)
	default:
		err = models.ErrMalformedEvent
		h.replyError(c, env.Type, err)
	}
	metrics.IncWSEvent(env.Type, outcome(err))
	return nil
}

func outcome(err error) string {
	if err != nil {
		return models.ErrorCode(err)
	}
	return "ok"
}

// identify binds the connection to a verified user. Failure replies with
// identifyError and closes the connection.
func (h *Hub) identify(ctx context.Context, c *Connection, env models.Envelope) error {
	if c.UserID() != "" {
		h.replyError(c, env.Type, errors.New("connection already identified"))
		return nil
	}

	var p models.IdentifyPayload
	err := env.Decode(&p)
	if err == nil {
		err = h.registry.Register(ctx, c.ID(), p.UserID, p.Token, c)
	}
	if err != nil {
		slog.Info("identify rejected", "conn_id", c.ID(), "user_id", p.UserID, "error", err)
		reason := "identity could not be verified"
		if errors.Is(err, models.ErrMalformedEvent) {
			reason = err.Error()
		}
		h.reply(c, models.ServerEventIdentifyError, models.IdentifyErrorPayload{
			Code:   models.CodeIdentityUnverified,
			Reason: reason,
		})
		return errIdentifyFailed
	}

	c.setUserID(p.UserID)
	h.reply(c, models.ServerEventIdentified, models.IdentifiedPayload{UserID: p.UserID, ConnectionID: c.ID()})
	h.sendPeerPresence(c, p.UserID)
	return nil
}

// sendPeerPresence gives a fresh connection the state of peers already
// online, since it missed their transitions.
func (h *Hub) sendPeerPresence(c *Connection, userID string) {
	if h.presence == nil {
		return
	}
	peers, err := h.chat.Peers(userID)
	if err != nil {
		slog.Debug("peer presence lookup failed", "user_id", userID, "error", err)
		return
	}
	for _, p := range h.presence.Online(peers) {
		if p.IsOnline {
			h.reply(c, models.ServerEventPresenceChanged, p)
		}
	}
}

func (h *Hub) joinRoom(c *Connection, userID string, env models.Envelope) error {
	var p models.RoomPayload
	if err := env.Decode(&p); err != nil {
		h.replyError(c, env.Type, err)
		return err
	}
	if err := h.chat.Join(c.ID(), p.RoomID, userID); err != nil {
		h.replyError(c, env.Type, err)
		return err
	}
	h.reply(c, models.ServerEventRoomJoined, p)
	return nil
}

func (h *Hub) leaveRoom(c *Connection, env models.Envelope) error {
	var p models.RoomPayload
	err := env.Decode(&p)
	if err == nil {
		err = h.registry.LeaveRoom(c.ID(), p.RoomID)
	}
	if err != nil {
		h.replyError(c, env.Type, err)
		return err
	}
	h.reply(c, models.ServerEventRoomLeft, p)
	return nil
}

// sendMessage replies sendFailed on any error. Success is observed through
// the room's messageReceived event.
func (h *Hub) sendMessage(ctx context.Context, c *Connection, userID string, env models.Envelope) error {
	var p models.SendMessagePayload
	err := env.Decode(&p)
	if err == nil && p.SenderID != "" && p.SenderID != userID {
		err = models.ErrPermissionDenied
	}
	if err == nil {
		_, err = h.chat.Send(ctx, chat.SendRequest{
			ConversationID: p.RoomID,
			SenderID:       userID,
			Text:           p.Text,
			Attachments:    p.Attachments,
			ClientID:       p.ClientID,
		})
	}
	if err != nil {
		slog.Debug("send failed", "conn_id", c.ID(), "room_id", p.RoomID, "error", err)
		h.reply(c, models.ServerEventSendFailed, models.SendFailedPayload{
			RoomID:   p.RoomID,
			ClientID: p.ClientID,
			Code:     models.ErrorCode(err),
			Reason:   err.Error(),
		})
		return err
	}
	return nil
}

func (h *Hub) getHistory(ctx context.Context, c *Connection, userID string, env models.Envelope) error {
	var p models.GetHistoryPayload
	err := env.Decode(&p)
	var msgs []models.Message
	if err == nil {
		msgs, err = h.chat.History(ctx, p.RoomID, userID, p.Limit, p.Before)
	}
	if err != nil {
		h.replyError(c, env.Type, err)
		return err
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	h.reply(c, models.ServerEventHistoryResult, models.HistoryResultPayload{
		RoomID:   p.RoomID,
		Before:   p.Before,
		Messages: msgs,
	})
	return nil
}

// setTyping failures are not reported to the client.
func (h *Hub) setTyping(c *Connection, userID string, env models.Envelope) error {
	var p models.SetTypingPayload
	err := env.Decode(&p)
	if err == nil && p.UserID != "" && p.UserID != userID {
		err = models.ErrPermissionDenied
	}
	if err == nil {
		err = h.typing.SetTyping(c.ID(), userID, p.RoomID, p.IsTyping)
	}
	if err != nil {
		slog.Debug("typing signal dropped", "conn_id", c.ID(), "room_id", p.RoomID, "error", err)
	}
	return err
}

func (h *Hub) setFocus(c *Connection, env models.Envelope) error {
	var p models.SetFocusPayload
	err := env.Decode(&p)
	if err == nil {
		err = h.registry.SetFocus(c.ID(), p.Focused)
	}
	if err != nil {
		slog.Debug("focus signal dropped", "conn_id", c.ID(), "error", err)
	}
	return err
}

func (h *Hub) markRead(ctx context.Context, c *Connection, userID string, env models.Envelope) error {
	var p models.MarkReadPayload
	err := env.Decode(&p)
	var (
		unread   models.UnreadChangedPayload
		advanced bool
	)
	if err == nil {
		unread, advanced, err = h.chat.MarkRead(ctx, p.RoomID, userID, p.Seq)
	}
	if err != nil {
		h.replyError(c, env.Type, err)
		return err
	}
	// Other tabs hear about an advance from the chat service; the caller
	// always gets the current count.
	if !advanced {
		h.reply(c, models.ServerEventUnreadChanged, unread)
	}
	return nil
}

func (h *Hub) react(ctx context.Context, c *Connection, userID string, env models.Envelope) error {
	var p models.ReactPayload
	err := env.Decode(&p)
	if err == nil {
		_, err = h.chat.React(ctx, p.RoomID, userID, p.MessageID, p.Emoji)
	}
	if err != nil {
		h.replyError(c, env.Type, err)
		return err
	}
	return nil
}
