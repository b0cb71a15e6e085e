package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"roomcast/internal/content"
	"roomcast/internal/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketConversations     = []byte("conversations")
	bucketPrivatePairs      = []byte("private_pairs")
	bucketUserConversations = []byte("user_conversations")
	bucketMessages          = []byte("messages")
	bucketMessageTimes      = []byte("message_times")
	bucketMessageIDs        = []byte("message_ids")
	bucketClientIDs         = []byte("client_ids")
	bucketReadMarkers       = []byte("read_markers")
	bucketPushSubscriptions = []byte("push_subscriptions")
)

type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketConversations,
			bucketPrivatePairs,
			bucketUserConversations,
			bucketMessages,
			bucketMessageTimes,
			bucketMessageIDs,
			bucketClientIDs,
			bucketReadMarkers,
			bucketPushSubscriptions,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// GetOrCreatePrivate returns the private conversation between a and b,
// creating it when none exists. The pair index is checked and written in the
// same write transaction, so concurrent calls from both sides resolve to one
// conversation.
func (s *BboltStorage) GetOrCreatePrivate(a, b string) (models.Conversation, bool, error) {
	if a == "" || b == "" || a == b {
		return models.Conversation{}, false, fmt.Errorf("%w: private conversation needs two distinct users", models.ErrValidation)
	}

	var (
		conv    models.Conversation
		created bool
	)
	lo, hi := a, b
	if hi < lo {
		lo, hi = hi, lo
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		pairs := tx.Bucket(bucketPrivatePairs)
		key := pairKey(lo, hi)
		if id := pairs.Get(key); id != nil {
			var err error
			conv, err = getConversation(tx, string(id))
			return err
		}

		conv = models.Conversation{
			ID:             uuid.NewString(),
			Type:           models.ConversationPrivate,
			ParticipantIDs: []string{a, b},
			CreatedAt:      s.now().UnixMilli(),
		}
		if err := putConversation(tx, conv); err != nil {
			return err
		}
		if err := indexParticipants(tx, conv.ID, nil, conv.ParticipantIDs); err != nil {
			return err
		}
		created = true
		return pairs.Put(key, []byte(conv.ID))
	})
	return conv, created, err
}

// CreateGroup persists a new group conversation. ID and CreatedAt are
// assigned when empty.
func (s *BboltStorage) CreateGroup(conv models.Conversation) (models.Conversation, error) {
	conv.Type = models.ConversationGroup
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.CreatedAt == 0 {
		conv.CreatedAt = s.now().UnixMilli()
	}
	if conv.AdminID == "" || !conv.HasParticipant(conv.AdminID) {
		return models.Conversation{}, fmt.Errorf("%w: group admin must be a participant", models.ErrValidation)
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketConversations).Get([]byte(conv.ID)) != nil {
			return fmt.Errorf("conversation %s already exists", conv.ID)
		}
		if err := putConversation(tx, conv); err != nil {
			return err
		}
		return indexParticipants(tx, conv.ID, nil, conv.ParticipantIDs)
	})
	return conv, err
}

// UpdateConversation applies fn to the stored conversation inside one write
// transaction. Only participants, admin and group name are taken from the
// result; message counters stay owned by Append.
func (s *BboltStorage) UpdateConversation(id string, fn func(*models.Conversation) error) (models.Conversation, error) {
	var conv models.Conversation
	err := s.db.Update(func(tx *bbolt.Tx) error {
		current, err := getConversation(tx, id)
		if err != nil {
			return err
		}

		previous := slices.Clone(current.ParticipantIDs)
		next := current
		next.ParticipantIDs = slices.Clone(current.ParticipantIDs)
		if err := fn(&next); err != nil {
			return err
		}

		current.ParticipantIDs = next.ParticipantIDs
		current.AdminID = next.AdminID
		current.GroupName = next.GroupName
		if current.Type == models.ConversationGroup && !current.HasParticipant(current.AdminID) {
			return fmt.Errorf("%w: group left without admin", models.ErrPermissionDenied)
		}

		if err := putConversation(tx, current); err != nil {
			return err
		}
		conv = current
		return indexParticipants(tx, id, previous, current.ParticipantIDs)
	})
	return conv, err
}

func (s *BboltStorage) GetConversation(id string) (models.Conversation, error) {
	var conv models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		conv, err = getConversation(tx, id)
		return err
	})
	return conv, err
}

// ListConversations returns the conversations userID participates in, most
// recently active first.
func (s *BboltStorage) ListConversations(userID string) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		ub := tx.Bucket(bucketUserConversations).Bucket([]byte(userID))
		if ub == nil {
			return nil
		}
		return ub.ForEach(func(k, _ []byte) error {
			conv, err := getConversation(tx, string(k))
			if err != nil {
				return err
			}
			convs = append(convs, conv)
			return nil
		})
	})
	sort.SliceStable(convs, func(i, j int) bool {
		ai, aj := max(convs[i].LastMessageAt, convs[i].CreatedAt), max(convs[j].LastMessageAt, convs[j].CreatedAt)
		return ai > aj
	})
	return convs, err
}

// Append is the only write path for messages and the only place message
// content is validated. It assigns the sequence number
// and createdAt; createdAt never goes below the previous message of the
// conversation, so (createdAt, seq) is a total order. A repeated ClientID
// returns the already stored message.
func (s *BboltStorage) Append(ctx context.Context, message models.Message) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	if message.ConversationID == "" {
		return models.Message{}, errors.New("message missing conversationID")
	}
	message, err := content.NormalizeMessage(message)
	if err != nil {
		return models.Message{}, err
	}

	convKey := []byte(message.ConversationID)
	err = s.db.Update(func(tx *bbolt.Tx) error {
		conv, err := getConversation(tx, message.ConversationID)
		if err != nil {
			return err
		}

		msgBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists(convKey)
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		var clientBucket *bbolt.Bucket
		if message.ClientID != "" {
			clientBucket, err = tx.Bucket(bucketClientIDs).CreateBucketIfNotExists(convKey)
			if err != nil {
				return fmt.Errorf("failed to create client id bucket: %w", err)
			}
			if seq := clientBucket.Get([]byte(message.ClientID)); seq != nil {
				message, err = decodeMessage(msgBucket.Get(seq))
				return err
			}
		}

		seq, err := msgBucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}

		createdAt := s.now().UnixMilli()
		if createdAt < conv.LastMessageAt {
			createdAt = conv.LastMessageAt
		}

		if message.ID == "" {
			message.ID = uuid.NewString()
		}
		message.Seq = int64(seq)
		message.CreatedAt = createdAt
		message.Reactions = nil

		dbMessage := toDBMessage(message)
		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := msgBucket.Put(dbMessage.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		timeBucket, err := tx.Bucket(bucketMessageTimes).CreateBucketIfNotExists(convKey)
		if err != nil {
			return fmt.Errorf("failed to create time index bucket: %w", err)
		}
		// The index value is the sender so unread counts skip decoding messages.
		if err := timeBucket.Put(dbMessage.TimeKey(), []byte(message.SenderID)); err != nil {
			return fmt.Errorf("failed to index message time: %w", err)
		}

		ref := DBMessageRef{MessageID: message.ID, ConversationID: message.ConversationID, Seq: message.Seq}
		refData, err := ref.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketMessageIDs).Put(ref.Key(), refData); err != nil {
			return fmt.Errorf("failed to index message id: %w", err)
		}

		if clientBucket != nil {
			if err := clientBucket.Put([]byte(message.ClientID), dbMessage.Key()); err != nil {
				return fmt.Errorf("failed to index client id: %w", err)
			}
		}

		conv.LastSeq = message.Seq
		conv.LastMessageAt = createdAt
		return putConversation(tx, conv)
	})
	if err != nil {
		return models.Message{}, err
	}
	return message, nil
}

// History returns up to limit messages with seq < before (or the newest when
// before is 0) in ascending (createdAt, seq) order.
func (s *BboltStorage) History(ctx context.Context, conversationID string, limit int, before int64) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []models.Message{}, nil
	}

	messages := make([]models.Message, 0, limit)
	err := s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketConversations).Get([]byte(conversationID)) == nil {
			return fmt.Errorf("conversation %s: %w", conversationID, models.ErrNotFound)
		}
		msgBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if msgBucket == nil {
			return nil
		}

		c := msgBucket.Cursor()
		var k, v []byte
		if before > 0 {
			if k, _ = c.Seek(seqKey(before)); k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		} else {
			k, v = c.Last()
		}

		for ; k != nil && len(messages) < limit; k, v = c.Prev() {
			msg, err := decodeMessage(v)
			if err != nil {
				return err
			}
			messages = append(messages, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.Reverse(messages)
	return messages, nil
}

// GetMessage returns a single message by sequence.
func (s *BboltStorage) GetMessage(conversationID string, seq int64) (models.Message, error) {
	var msg models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		msg, err = getMessage(tx, conversationID, seq)
		return err
	})
	return msg, err
}

// ToggleReaction adds userID to the emoji's reactor set, or removes them when
// already present.
func (s *BboltStorage) ToggleReaction(conversationID, messageID, emoji, userID string) (models.Message, error) {
	var msg models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		refData := tx.Bucket(bucketMessageIDs).Get([]byte(messageID))
		if refData == nil {
			return fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
		}
		var ref DBMessageRef
		if err := ref.UnmarshalBinary(refData); err != nil {
			return err
		}
		if ref.ConversationID != conversationID {
			return fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
		}

		var err error
		if msg, err = getMessage(tx, conversationID, ref.Seq); err != nil {
			return err
		}

		if msg.Reactions == nil {
			msg.Reactions = make(map[string][]string)
		}
		users := msg.Reactions[emoji]
		if i := slices.Index(users, userID); i >= 0 {
			users = slices.Delete(users, i, i+1)
		} else {
			users = append(users, userID)
			slices.Sort(users)
		}
		if len(users) == 0 {
			delete(msg.Reactions, emoji)
		} else {
			msg.Reactions[emoji] = users
		}

		dbMessage := toDBMessage(msg)
		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMessages).Bucket([]byte(conversationID)).Put(dbMessage.Key(), data)
	})
	return msg, err
}

// AdvanceReadMarker moves userID's marker to the message at seq (clamped to
// the newest message). The marker never moves backwards; the returned flag
// reports whether it moved.
func (s *BboltStorage) AdvanceReadMarker(conversationID, userID string, seq int64) (models.ReadMarker, bool, error) {
	var (
		marker   models.ReadMarker
		advanced bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		conv, err := getConversation(tx, conversationID)
		if err != nil {
			return err
		}
		if marker, err = getReadMarker(tx, conversationID, userID); err != nil {
			return err
		}

		if seq > conv.LastSeq {
			seq = conv.LastSeq
		}
		if seq <= 0 || seq <= marker.Seq {
			return nil
		}

		msg, err := getMessage(tx, conversationID, seq)
		if err != nil {
			return err
		}
		if marker.Covers(msg.CreatedAt, msg.Seq) {
			return nil
		}

		dbMarker := DBReadMarker{ConversationID: conversationID, UserID: userID, At: msg.CreatedAt, Seq: msg.Seq}
		data, err := dbMarker.MarshalBinary()
		if err != nil {
			return err
		}
		marker = models.ReadMarker(dbMarker)
		advanced = true
		return tx.Bucket(bucketReadMarkers).Put(dbMarker.Key(), data)
	})
	return marker, advanced, err
}

func (s *BboltStorage) ReadMarker(conversationID, userID string) (models.ReadMarker, error) {
	var marker models.ReadMarker
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		marker, err = getReadMarker(tx, conversationID, userID)
		return err
	})
	return marker, err
}

// UnreadCount counts messages after userID's read marker sent by someone
// else, scanning the (createdAt, seq) index.
func (s *BboltStorage) UnreadCount(conversationID, userID string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		marker, err := getReadMarker(tx, conversationID, userID)
		if err != nil {
			return err
		}
		timeBucket := tx.Bucket(bucketMessageTimes).Bucket([]byte(conversationID))
		if timeBucket == nil {
			return nil
		}

		c := timeBucket.Cursor()
		start := timeKey(marker.At, marker.Seq+1)
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			if string(v) != userID {
				count++
			}
		}
		return nil
	})
	return count, err
}

func getConversation(tx *bbolt.Tx, id string) (models.Conversation, error) {
	data := tx.Bucket(bucketConversations).Get([]byte(id))
	if data == nil {
		return models.Conversation{}, fmt.Errorf("conversation %s: %w", id, models.ErrNotFound)
	}
	var dbConv DBConversation
	if err := dbConv.UnmarshalBinary(data); err != nil {
		return models.Conversation{}, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	return models.Conversation{
		ID:             dbConv.ID,
		Type:           models.ConversationType(dbConv.Type),
		ParticipantIDs: dbConv.ParticipantIDs,
		AdminID:        dbConv.AdminID,
		GroupName:      dbConv.GroupName,
		CreatedAt:      dbConv.CreatedAt,
		LastSeq:        dbConv.LastSeq,
		LastMessageAt:  dbConv.LastMessageAt,
	}, nil
}

func putConversation(tx *bbolt.Tx, conv models.Conversation) error {
	dbConv := DBConversation{
		ID:             conv.ID,
		Type:           string(conv.Type),
		ParticipantIDs: conv.ParticipantIDs,
		AdminID:        conv.AdminID,
		GroupName:      conv.GroupName,
		CreatedAt:      conv.CreatedAt,
		LastSeq:        conv.LastSeq,
		LastMessageAt:  conv.LastMessageAt,
	}
	data, err := dbConv.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Bucket(bucketConversations).Put(dbConv.Key(), data)
}

// indexParticipants keeps user_conversations in sync with a participant change.
func indexParticipants(tx *bbolt.Tx, convID string, before, after []string) error {
	root := tx.Bucket(bucketUserConversations)
	for _, id := range before {
		if slices.Contains(after, id) {
			continue
		}
		if ub := root.Bucket([]byte(id)); ub != nil {
			if err := ub.Delete([]byte(convID)); err != nil {
				return err
			}
		}
	}
	for _, id := range after {
		ub, err := root.CreateBucketIfNotExists([]byte(id))
		if err != nil {
			return err
		}
		if err := ub.Put([]byte(convID), []byte{}); err != nil {
			return err
		}
	}
	return nil
}

func getMessage(tx *bbolt.Tx, conversationID string, seq int64) (models.Message, error) {
	msgBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
	if msgBucket == nil {
		return models.Message{}, fmt.Errorf("message %s/%d: %w", conversationID, seq, models.ErrNotFound)
	}
	data := msgBucket.Get(seqKey(seq))
	if data == nil {
		return models.Message{}, fmt.Errorf("message %s/%d: %w", conversationID, seq, models.ErrNotFound)
	}
	return decodeMessage(data)
}

func getReadMarker(tx *bbolt.Tx, conversationID, userID string) (models.ReadMarker, error) {
	marker := models.ReadMarker{ConversationID: conversationID, UserID: userID}
	data := tx.Bucket(bucketReadMarkers).Get(pairKey(conversationID, userID))
	if data == nil {
		return marker, nil
	}
	var dbMarker DBReadMarker
	if err := dbMarker.UnmarshalBinary(data); err != nil {
		return marker, fmt.Errorf("failed to unmarshal read marker: %w", err)
	}
	return models.ReadMarker(dbMarker), nil
}

func toDBMessage(m models.Message) DBMessage {
	dbMessage := DBMessage{
		ID:             m.ID,
		Seq:            m.Seq,
		CreatedAt:      m.CreatedAt,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Text:           m.Text,
		Reactions:      m.Reactions,
		ClientID:       m.ClientID,
	}
	if len(m.Attachments) > 0 {
		dbMessage.Attachments = make([]DBAttachment, len(m.Attachments))
		for i, a := range m.Attachments {
			dbMessage.Attachments[i] = DBAttachment{
				Type:     string(a.Type),
				URL:      a.URL,
				FileName: a.FileName,
				FileSize: a.FileSize,
			}
		}
	}
	return dbMessage
}

func decodeMessage(data []byte) (models.Message, error) {
	var dbMsg DBMessage
	if err := dbMsg.UnmarshalBinary(data); err != nil {
		return models.Message{}, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	msg := models.Message{
		ID:             dbMsg.ID,
		ConversationID: dbMsg.ConversationID,
		Seq:            dbMsg.Seq,
		SenderID:       dbMsg.SenderID,
		Text:           dbMsg.Text,
		CreatedAt:      dbMsg.CreatedAt,
		Reactions:      dbMsg.Reactions,
		ClientID:       dbMsg.ClientID,
	}
	if len(dbMsg.Attachments) > 0 {
		msg.Attachments = make([]models.Attachment, len(dbMsg.Attachments))
		for i, a := range dbMsg.Attachments {
			msg.Attachments[i] = models.Attachment{
				Type:     models.AttachmentType(a.Type),
				URL:      a.URL,
				FileName: a.FileName,
				FileSize: a.FileSize,
			}
		}
	}
	return msg, nil
}
