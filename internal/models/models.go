package models

import "slices"

type ConversationType string

const (
	ConversationPrivate ConversationType = "private"
	ConversationGroup   ConversationType = "group"
)

// Conversation is the persistent room definition. A private conversation has
// exactly two participants; AdminID and GroupName are only set for groups.
type Conversation struct {
	ID             string           `json:"id"`
	Type           ConversationType `json:"type"`
	ParticipantIDs []string         `json:"participantIds"`
	AdminID        string           `json:"adminId,omitempty"`
	GroupName      string           `json:"groupName,omitempty"`
	CreatedAt      int64            `json:"createdAt"`     // Unix milliseconds
	LastSeq        int64            `json:"lastSeq"`       // Sequence of the newest message
	LastMessageAt  int64            `json:"lastMessageAt"` // Unix milliseconds
}

func (c Conversation) HasParticipant(userID string) bool {
	return slices.Contains(c.ParticipantIDs, userID)
}

// Peer returns the other participant of a private conversation.
func (c Conversation) Peer(userID string) string {
	if c.Type != ConversationPrivate {
		return ""
	}
	for _, id := range c.ParticipantIDs {
		if id != userID {
			return id
		}
	}
	return ""
}

type AttachmentType string

const (
	AttachmentTypeImage AttachmentType = "image"
	AttachmentTypeVideo AttachmentType = "video"
)

// Attachment references externally hosted media. Bytes never pass through here.
type Attachment struct {
	Type     AttachmentType `json:"type"`
	URL      string         `json:"url"`
	FileName string         `json:"fileName"`
	FileSize int64          `json:"fileSize"`
}

// Message is immutable once stored, except for its reaction set.
type Message struct {
	ID             string              `json:"id"`
	ConversationID string              `json:"conversationId"`
	Seq            int64               `json:"seq"`
	SenderID       string              `json:"senderId"`
	Text           string              `json:"text"`
	Attachments    []Attachment        `json:"attachments,omitempty"`
	CreatedAt      int64               `json:"createdAt"` // Unix milliseconds
	Reactions      map[string][]string `json:"reactions,omitempty"`
	ClientID       string              `json:"clientId,omitempty"`
}

// Before reports whether m sorts before o in conversation order.
func (m Message) Before(o Message) bool {
	if m.CreatedAt != o.CreatedAt {
		return m.CreatedAt < o.CreatedAt
	}
	return m.Seq < o.Seq
}

// Presence is the derived online state of a user.
type Presence struct {
	UserID       string `json:"userId"`
	IsOnline     bool   `json:"isOnline"`
	LastStatusAt int64  `json:"lastStatusAt"` // Unix milliseconds
}

// Profile is presentation data owned by the user directory.
type Profile struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

// ReadMarker is the forward-only last-read position of a user in a conversation.
type ReadMarker struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	At             int64  `json:"at"`
	Seq            int64  `json:"seq"`
}

// Covers reports whether the message at (at, seq) is at or before the marker.
func (r ReadMarker) Covers(at, seq int64) bool {
	if at != r.At {
		return at < r.At
	}
	return seq <= r.Seq
}

// PushSubscription is a browser web-push endpoint registered by a user.
type PushSubscription struct {
	UserID   string `json:"userId"`
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
