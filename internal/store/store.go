// Package store is the persistence layer for conversations, messages and
// delivery receipts, backed by gorm.
package store

import (
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/caselink/caselink/internal/models"
	"github.com/caselink/caselink/pkg/apperr"
)

type Store struct {
	db     *gorm.DB
	logger *zap.SugaredLogger
}

func New(db *gorm.DB, logger *zap.SugaredLogger) *Store {
	return &Store{db: db, logger: logger}
}

func (s *Store) CreateUser(user *models.User) error {
	if err := s.db.Create(user).Error; err != nil {
		return apperr.Wrap(apperr.CodeInternal, "failed to create user", err)
	}
	return nil
}

func (s *Store) UserByID(id string) (*models.User, error) {
	var user models.User
	if err := s.db.First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("user not found")
		}
		return nil, apperr.Wrap(apperr.CodeInternal, "failed to query user", err)
	}
	return &user, nil
}

func (s *Store) UserByEmail(email string) (*models.User, error) {
	var user models.User
	if err := s.db.First(&user, "email = ?", email).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("user not found")
		}
		return nil, apperr.Wrap(apperr.CodeInternal, "failed to query user", err)
	}
	return &user, nil
}

func (s *Store) UserByUsername(username string) (*models.User, error) {
	var user models.User
	if err := s.db.First(&user, "username = ?", username).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("user not found")
		}
		return nil, apperr.Wrap(apperr.CodeInternal, "failed to query user", err)
	}
	return &user, nil
}

func (s *Store) GetConversation(conversationID string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := s.db.Preload("Participants").First(&conv, "id = ?", conversationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("conversation not found")
		}
		return nil, apperr.Wrap(apperr.CodeInternal, "failed to query conversation", err)
	}
	return &conv, nil
}

// EnsureParticipant verifies userID is a member of the conversation. A
// missing conversation is not-found; an existing conversation the user is
// not a member of is forbidden.
func (s *Store) EnsureParticipant(conversationID, userID string) error {
	var count int64
	err := s.db.Model(&models.Participant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&count).Error
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "failed to check membership", err)
	}
	if count == 0 {
		if _, err := s.GetConversation(conversationID); err != nil {
			return err
		}
		return apperr.Forbidden("not a participant of this conversation")
	}
	return nil
}

// ParticipantIDs returns the user ids of every member of the conversation.
func (s *Store) ParticipantIDs(conversationID string) ([]string, error) {
	var ids []string
	err := s.db.Model(&models.Participant{}).
		Where("conversation_id = ?", conversationID).
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "failed to list participants", err)
	}
	return ids, nil
}

// GetOrCreateConversation finds the direct conversation between the two users
// or creates it, so repeated requests for the same pair are idempotent. The
// boolean reports whether a new conversation was created.
func (s *Store) GetOrCreateConversation(userA, userB string) (*models.Conversation, bool, error) {
	if userA == userB {
		return nil, false, apperr.Validation("cannot start a conversation with yourself")
	}

	var convID string
	err := s.db.Table("participants AS a").
		Select("a.conversation_id").
		Joins("JOIN participants AS b ON a.conversation_id = b.conversation_id").
		Where("a.user_id = ? AND b.user_id = ?", userA, userB).
		Limit(1).
		Scan(&convID).Error
	if err != nil {
		return nil, false, apperr.Wrap(apperr.CodeInternal, "failed to look up conversation", err)
	}
	if convID != "" {
		conv, err := s.GetConversation(convID)
		return conv, false, err
	}

	conv := &models.Conversation{}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(conv).Error; err != nil {
			return err
		}
		participants := []models.Participant{
			{ConversationID: conv.ID, UserID: userA},
			{ConversationID: conv.ID, UserID: userB},
		}
		return tx.Create(&participants).Error
	})
	if err != nil {
		return nil, false, apperr.Wrap(apperr.CodeInternal, "failed to create conversation", err)
	}

	created, err := s.GetConversation(conv.ID)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

// ConversationsForUser lists the user's conversations, most recently active
// first. Conversations that never saw a message sort last.
func (s *Store) ConversationsForUser(userID string) ([]*models.Conversation, error) {
	var convs []*models.Conversation
	err := s.db.
		Preload("Participants").
		Preload("Participants.User").
		Joins("JOIN participants ON participants.conversation_id = conversations.id").
		Where("participants.user_id = ?", userID).
		Order("conversations.last_message_at IS NULL, conversations.last_message_at DESC").
		Find(&convs).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "failed to list conversations", err)
	}
	return convs, nil
}

// CreateMessage persists the message, bumps the conversation's activity
// timestamp and seeds one empty receipt per recipient, all in one
// transaction. The sender gets no receipt.
func (s *Store) CreateMessage(msg *models.Message) error {
	if (msg.Content == nil || *msg.Content == "") && !msg.HasAttachment() {
		return apperr.Validation("message needs content or an attachment")
	}

	recipients, err := s.ParticipantIDs(msg.ConversationID)
	if err != nil {
		return err
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return err
		}

		now := time.Now().UTC()
		if err := tx.Model(&models.Conversation{}).
			Where("id = ?", msg.ConversationID).
			Update("last_message_at", now).Error; err != nil {
			return err
		}

		receipts := make([]models.Receipt, 0, len(recipients))
		for _, userID := range recipients {
			if userID == msg.SenderID {
				continue
			}
			receipts = append(receipts, models.Receipt{MessageID: msg.ID, UserID: userID})
		}
		if len(receipts) == 0 {
			return nil
		}
		if err := tx.Create(&receipts).Error; err != nil {
			return err
		}
		msg.Receipts = receipts
		return nil
	})
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "failed to create message", err)
	}
	return nil
}

func (s *Store) GetMessage(messageID string) (*models.Message, error) {
	var msg models.Message
	if err := s.db.Preload("Receipts").First(&msg, "id = ?", messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("message not found")
		}
		return nil, apperr.Wrap(apperr.CodeInternal, "failed to query message", err)
	}
	return &msg, nil
}

// ListMessages pages backwards through a conversation's history. Messages
// created at or after the "before" cursor are excluded; results come back in
// chronological order.
func (s *Store) ListMessages(conversationID string, before *time.Time, limit int) ([]*models.Message, error) {
	q := s.db.Preload("Receipts").Where("conversation_id = ?", conversationID)
	if before != nil {
		q = q.Where("created_at < ?", *before)
	}

	var msgs []*models.Message
	if err := q.Order("created_at DESC").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "failed to list messages", err)
	}

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	return msgs, nil
}

// MarkDelivered stamps delivery on every undelivered receipt userID holds
// among msgs, updating the in-memory receipts too. It returns the ids of the
// messages that transitioned.
func (s *Store) MarkDelivered(msgs []*models.Message, userID string) ([]string, error) {
	pending := make([]string, 0)
	for _, msg := range msgs {
		for i := range msg.Receipts {
			if msg.Receipts[i].UserID == userID && msg.Receipts[i].DeliveredAt == nil {
				pending = append(pending, msg.ID)
			}
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	err := s.db.Model(&models.Receipt{}).
		Where("message_id IN ? AND user_id = ? AND delivered_at IS NULL", pending, userID).
		Update("delivered_at", now).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "failed to mark delivered", err)
	}

	for _, msg := range msgs {
		for i := range msg.Receipts {
			if msg.Receipts[i].UserID == userID && msg.Receipts[i].DeliveredAt == nil {
				msg.Receipts[i].DeliveredAt = &now
			}
		}
	}
	return pending, nil
}

// Acknowledge advances userID's receipt on messageID to status. Transitions
// are monotonic: read implies delivered, and neither timestamp is ever
// cleared or moved backwards. Acknowledging an already reached state is a
// no-op. The sender has no receipt and gets a forbidden error.
func (s *Store) Acknowledge(messageID, userID string, status models.DeliveryStatus) (*models.Message, error) {
	if status != models.StatusDelivered && status != models.StatusRead {
		return nil, apperr.Validation("status must be delivered or read")
	}

	var receipt models.Receipt
	err := s.db.First(&receipt, "message_id = ? AND user_id = ?", messageID, userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Forbidden("no receipt for this message")
		}
		return nil, apperr.Wrap(apperr.CodeInternal, "failed to query receipt", err)
	}

	now := time.Now().UTC()
	updates := map[string]any{}
	if receipt.DeliveredAt == nil {
		updates["delivered_at"] = now
	}
	if status == models.StatusRead && receipt.ReadAt == nil {
		updates["read_at"] = now
	}

	if len(updates) > 0 {
		if err := s.db.Model(&receipt).Updates(updates).Error; err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, "failed to update receipt", err)
		}
	}

	msg, err := s.GetMessage(messageID)
	if err != nil {
		return nil, err
	}

	if status == models.StatusRead {
		if err := s.advanceLastRead(msg.ConversationID, userID, now); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// advanceLastRead moves the participant's read marker forward, never back.
func (s *Store) advanceLastRead(conversationID, userID string, readUpTo time.Time) error {
	err := s.db.Model(&models.Participant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Where("last_read_at IS NULL OR last_read_at < ?", readUpTo).
		Update("last_read_at", readUpTo).Error
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "failed to advance read marker", err)
	}
	return nil
}

// ContactIDs returns the distinct users who share at least one conversation
// with userID.
func (s *Store) ContactIDs(userID string) ([]string, error) {
	var ids []string
	err := s.db.Model(&models.Participant{}).
		Distinct("user_id").
		Where("user_id <> ?", userID).
		Where("conversation_id IN (?)",
			s.db.Model(&models.Participant{}).Select("conversation_id").Where("user_id = ?", userID)).
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "failed to list contacts", err)
	}
	return ids, nil
}
