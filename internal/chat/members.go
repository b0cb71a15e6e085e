package chat

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"roomcast/internal/content"
	"roomcast/internal/models"
)

func (s *Service) resolve(ctx context.Context, userID string) error {
	if s.users == nil {
		return nil
	}
	if _, err := s.users.Resolve(ctx, userID); err != nil {
		return fmt.Errorf("user %s: %w", userID, err)
	}
	return nil
}

// StartPrivate returns the single private conversation between a and b.
func (s *Service) StartPrivate(ctx context.Context, a, b string) (models.Conversation, error) {
	if err := s.resolve(ctx, b); err != nil {
		return models.Conversation{}, err
	}
	conv, created, err := s.store.GetOrCreatePrivate(a, b)
	if err != nil {
		return models.Conversation{}, err
	}
	if created {
		slog.Info("private conversation created", "conversation_id", conv.ID, "user_id", a, "peer_id", b)
	}
	return conv, nil
}

// CreateGroup creates a group administered by adminID.
func (s *Service) CreateGroup(ctx context.Context, adminID, name string, members []string) (models.Conversation, error) {
	name, err := content.NormalizeGroupName(name)
	if err != nil {
		return models.Conversation{}, err
	}

	participants := []string{adminID}
	for _, m := range members {
		if m == "" || slices.Contains(participants, m) {
			continue
		}
		if err := s.resolve(ctx, m); err != nil {
			return models.Conversation{}, err
		}
		participants = append(participants, m)
	}
	if len(participants) < 2 {
		return models.Conversation{}, fmt.Errorf("%w: a group needs at least one other member", models.ErrValidation)
	}

	conv, err := s.store.CreateGroup(models.Conversation{
		ParticipantIDs: participants,
		AdminID:        adminID,
		GroupName:      name,
	})
	if err != nil {
		return models.Conversation{}, err
	}
	slog.Info("group created", "conversation_id", conv.ID, "admin_id", adminID, "members", len(participants))
	return conv, nil
}

// updateGroup runs fn under the conversation lock, after checking the
// conversation is a group. A non-empty evictID is removed from the room
// before the lock is released, so no later publish reaches it.
func (s *Service) updateGroup(conversationID, evictID string, fn func(*models.Conversation) error) (models.Conversation, error) {
	c := s.lock(conversationID)
	defer s.unlock(c)

	conv, err := s.store.UpdateConversation(conversationID, func(conv *models.Conversation) error {
		if conv.Type != models.ConversationGroup {
			return fmt.Errorf("%w: not a group", models.ErrPermissionDenied)
		}
		return fn(conv)
	})
	if err != nil {
		return models.Conversation{}, err
	}
	if evictID != "" {
		s.evict(conversationID, evictID)
	}
	return conv, nil
}

func requireAdmin(conv *models.Conversation, actorID string) error {
	if conv.AdminID != actorID {
		return fmt.Errorf("%w: only the group admin can do this", models.ErrPermissionDenied)
	}
	return nil
}

func (s *Service) RenameGroup(ctx context.Context, conversationID, actorID, name string) (models.Conversation, error) {
	name, err := content.NormalizeGroupName(name)
	if err != nil {
		return models.Conversation{}, err
	}
	return s.updateGroup(conversationID, "", func(conv *models.Conversation) error {
		if err := requireAdmin(conv, actorID); err != nil {
			return err
		}
		conv.GroupName = name
		return nil
	})
}

// AddMember is idempotent.
func (s *Service) AddMember(ctx context.Context, conversationID, actorID, userID string) (models.Conversation, error) {
	if err := s.resolve(ctx, userID); err != nil {
		return models.Conversation{}, err
	}
	return s.updateGroup(conversationID, "", func(conv *models.Conversation) error {
		if err := requireAdmin(conv, actorID); err != nil {
			return err
		}
		if !conv.HasParticipant(userID) {
			conv.ParticipantIDs = append(conv.ParticipantIDs, userID)
		}
		return nil
	})
}

// RemoveMember removes userID and evicts their live connections from the
// room. The admin leaves through LeaveGroup instead.
func (s *Service) RemoveMember(ctx context.Context, conversationID, actorID, userID string) (models.Conversation, error) {
	return s.updateGroup(conversationID, userID, func(conv *models.Conversation) error {
		if err := requireAdmin(conv, actorID); err != nil {
			return err
		}
		if userID == actorID {
			return fmt.Errorf("%w: the admin leaves by naming a successor", models.ErrPermissionDenied)
		}
		if !conv.HasParticipant(userID) {
			return fmt.Errorf("member %s: %w", userID, models.ErrNotFound)
		}
		conv.ParticipantIDs = slices.DeleteFunc(conv.ParticipantIDs, func(p string) bool { return p == userID })
		return nil
	})
}

// LeaveGroup removes userID from the group. The admin must name a successor
// among the remaining members.
func (s *Service) LeaveGroup(ctx context.Context, conversationID, userID, successorID string) (models.Conversation, error) {
	return s.updateGroup(conversationID, userID, func(conv *models.Conversation) error {
		if !conv.HasParticipant(userID) {
			return models.ErrRoomAccessDenied
		}
		if conv.AdminID == userID {
			if successorID == "" || successorID == userID || !conv.HasParticipant(successorID) {
				return fmt.Errorf("%w: admin must name a successor member before leaving", models.ErrPermissionDenied)
			}
			conv.AdminID = successorID
		}
		conv.ParticipantIDs = slices.DeleteFunc(conv.ParticipantIDs, func(p string) bool { return p == userID })
		return nil
	})
}

func (s *Service) evict(conversationID, userID string) {
	if s.rooms == nil {
		return
	}
	if n := s.rooms.EvictUser(conversationID, userID); n > 0 {
		slog.Info("evicted connections from room", "conversation_id", conversationID, "user_id", userID, "connections", n)
	}
}
