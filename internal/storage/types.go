package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBConversation struct {
	ID             string   `msgpack:"id"`
	Type           string   `msgpack:"type"`
	ParticipantIDs []string `msgpack:"participantIds"`
	AdminID        string   `msgpack:"adminId"`
	GroupName      string   `msgpack:"groupName"`
	CreatedAt      int64    `msgpack:"createdAt"`
	LastSeq        int64    `msgpack:"lastSeq"`
	LastMessageAt  int64    `msgpack:"lastMessageAt"`
}

func (c *DBConversation) Key() []byte {
	return []byte(c.ID)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBMessage struct {
	ID             string              `msgpack:"id"`
	Seq            int64               `msgpack:"seq"`
	CreatedAt      int64               `msgpack:"createdAt"`
	ConversationID string              `msgpack:"conversationId"`
	SenderID       string              `msgpack:"senderId"`
	Text           string              `msgpack:"text"`
	Attachments    []DBAttachment      `msgpack:"attachments"`
	Reactions      map[string][]string `msgpack:"reactions"`
	ClientID       string              `msgpack:"clientId"`
}

type DBAttachment struct {
	Type     string `msgpack:"type"`
	URL      string `msgpack:"url"`
	FileName string `msgpack:"fileName"`
	FileSize int64  `msgpack:"fileSize"`
}

func (m *DBMessage) Key() []byte {
	return seqKey(m.Seq)
}

// TimeKey orders the (createdAt, seq) index.
func (m *DBMessage) TimeKey() []byte {
	return timeKey(m.CreatedAt, m.Seq)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

// DBMessageRef locates a message by its id.
type DBMessageRef struct {
	MessageID      string `msgpack:"messageId"`
	ConversationID string `msgpack:"conversationId"`
	Seq            int64  `msgpack:"seq"`
}

func (r *DBMessageRef) Key() []byte {
	return []byte(r.MessageID)
}

func (r *DBMessageRef) MarshalBinary() (data []byte, err error) {
	type alias DBMessageRef
	return msgpack.Marshal((*alias)(r))
}

func (r *DBMessageRef) UnmarshalBinary(data []byte) error {
	type alias DBMessageRef
	return msgpack.Unmarshal(data, (*alias)(r))
}

type DBReadMarker struct {
	ConversationID string `msgpack:"conversationId"`
	UserID         string `msgpack:"userId"`
	At             int64  `msgpack:"at"`
	Seq            int64  `msgpack:"seq"`
}

func (r *DBReadMarker) Key() []byte {
	return pairKey(r.ConversationID, r.UserID)
}

func (r *DBReadMarker) MarshalBinary() (data []byte, err error) {
	type alias DBReadMarker
	return msgpack.Marshal((*alias)(r))
}

func (r *DBReadMarker) UnmarshalBinary(data []byte) error {
	type alias DBReadMarker
	return msgpack.Unmarshal(data, (*alias)(r))
}

func seqKey(seq int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seq))
	return key
}

func timeKey(at, seq int64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(at))
	binary.BigEndian.PutUint64(key[8:], uint64(seq))
	return key
}

func pairKey(a, b string) []byte {
	key := make([]byte, 0, len(a)+len(b)+1)
	key = append(key, a...)
	key = append(key, 0)
	return append(key, b...)
}
