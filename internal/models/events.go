package models

import (
	"encoding/json"
	"fmt"
)

type ClientEventType string

const (
	ClientEventIdentify    ClientEventType = "identify"
	ClientEventJoinRoom    ClientEventType = "joinRoom"
	ClientEventLeaveRoom   ClientEventType = "leaveRoom"
	ClientEventSendMessage ClientEventType = "sendMessage"
	ClientEventGetHistory  ClientEventType = "getHistory"
	ClientEventSetTyping   ClientEventType = "setTyping"
	ClientEventSetFocus    ClientEventType = "setFocus"
	ClientEventMarkRead    ClientEventType = "markRead"
	ClientEventReact       ClientEventType = "react"
)

type ServerEventType string

const (
	ServerEventIdentified      ServerEventType = "identified"
	ServerEventIdentifyError   ServerEventType = "identifyError"
	ServerEventRoomJoined      ServerEventType = "roomJoined"
	ServerEventRoomLeft        ServerEventType = "roomLeft"
	ServerEventPresenceChanged ServerEventType = "presenceChanged"
	ServerEventHistoryResult   ServerEventType = "historyResult"
	ServerEventMessageReceived ServerEventType = "messageReceived"
	ServerEventSendFailed      ServerEventType = "sendFailed"
	ServerEventTypingChanged   ServerEventType = "typingChanged"
	ServerEventUnreadChanged   ServerEventType = "unreadChanged"
	ServerEventReactionChanged ServerEventType = "reactionChanged"
	ServerEventError           ServerEventType = "error"
)

// Envelope is the wire frame in both directions. Payload stays raw until the
// receiver knows the type.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope[T ~string](t T, payload any) (Envelope, error) {
	env := Envelope{Type: string(t)}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env.Payload = data
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrMalformedEvent, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, e.Type, err)
	}
	return nil
}

// ServerEvent is an outbound event before serialisation.
type ServerEvent struct {
	Type    ServerEventType `json:"type"`
	Payload any             `json:"payload,omitempty"`
}

// Ephemeral events may be dropped under back-pressure; everything else must
// be delivered or the connection is closed.
func (e ServerEvent) Ephemeral() bool {
	switch e.Type {
	case ServerEventTypingChanged, ServerEventPresenceChanged, ServerEventUnreadChanged:
		return true
	}
	return false
}

// Client payloads.

type IdentifyPayload struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

type RoomPayload struct {
	RoomID string `json:"roomId"`
}

type SendMessagePayload struct {
	RoomID      string       `json:"roomId"`
	SenderID    string       `json:"senderId"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ClientID    string       `json:"clientId,omitempty"`
}

type GetHistoryPayload struct {
	RoomID string `json:"roomId"`
	Limit  int    `json:"limit,omitempty"`
	Before int64  `json:"before,omitempty"` // Exclusive sequence cursor, 0 for newest
}

type SetTypingPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type SetFocusPayload struct {
	Focused bool `json:"focused"`
}

type MarkReadPayload struct {
	RoomID string `json:"roomId"`
	Seq    int64  `json:"seq"`
}

type ReactPayload struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

// Server payloads.

type IdentifiedPayload struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

type IdentifyErrorPayload struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

type HistoryResultPayload struct {
	RoomID   string    `json:"roomId"`
	Before   int64     `json:"before,omitempty"`
	Messages []Message `json:"messages"`
}

type SendFailedPayload struct {
	RoomID   string `json:"roomId"`
	ClientID string `json:"clientId,omitempty"`
	Code     string `json:"code"`
	Reason   string `json:"reason"`
}

type TypingChangedPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
	At       int64  `json:"at"` // Unix milliseconds
}

type UnreadChangedPayload struct {
	RoomID      string `json:"roomId"`
	Count       int    `json:"count"`
	LastReadSeq int64  `json:"lastReadSeq"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"` // Client event type that caused the error
}
