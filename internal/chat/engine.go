// Package chat is the protocol engine: it validates inbound events, persists
// them and fans the resulting frames out to the affected users.
package chat

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/caselink/caselink/internal/models"
	"github.com/caselink/caselink/internal/presence"
	"github.com/caselink/caselink/internal/push"
	"github.com/caselink/caselink/internal/ratelimit"
	"github.com/caselink/caselink/internal/store"
	"github.com/caselink/caselink/pkg/apperr"
)

// BlobStore is the slice of the attachment store the engine needs.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, body io.Reader) error
	Delete(ctx context.Context, key string) error
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

type Config struct {
	MaxMessageLength       int
	MaxPageSize            int
	AttachmentMaxBytes     int64
	AttachmentAllowedTypes []string
	AttachmentURLTTL       time.Duration
}

type Engine struct {
	store    *store.Store
	registry *presence.Registry
	limiter  *ratelimit.SlidingWindow
	blobs    BlobStore
	notifier *push.Notifier
	cfg      Config
	logger   *zap.SugaredLogger
}

func NewEngine(st *store.Store, registry *presence.Registry, limiter *ratelimit.SlidingWindow,
	blobs BlobStore, notifier *push.Notifier, cfg Config, logger *zap.SugaredLogger) *Engine {
	return &Engine{
		store:    st,
		registry: registry,
		limiter:  limiter,
		blobs:    blobs,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
	}
}

// SendMessage validates, rate limits and persists a text message, then fans
// it out to every participant, the sender's other devices included. Offline
// recipients get a web push.
func (e *Engine) SendMessage(ctx context.Context, senderID, conversationID, content string) (*MessagePayload, error) {
	content, err := ValidateContent(content, e.cfg.MaxMessageLength)
	if err != nil {
		return nil, err
	}

	// A message that fails moderation never consumes a rate limit slot.
	if err := e.limiter.Hit(senderID); err != nil {
		return nil, err
	}

	if err := e.store.EnsureParticipant(conversationID, senderID); err != nil {
		return nil, err
	}

	msg := &models.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        &content,
	}
	if err := e.store.CreateMessage(msg); err != nil {
		return nil, err
	}

	e.logger.Infow("message sent", "message_id", msg.ID, "conversation_id", conversationID, "sender_id", senderID)
	return e.fanOutMessage(ctx, msg)
}

// SendAttachment stores the blob first and only then the message row, so a
// persisted message always points at an existing blob. On a persistence
// failure the orphaned blob is removed.
func (e *Engine) SendAttachment(ctx context.Context, senderID, conversationID, filename, contentType string,
	size int64, body io.Reader, caption string) (*MessagePayload, error) {

	if size <= 0 {
		return nil, apperr.Validation("attachment is empty")
	}
	if size > e.cfg.AttachmentMaxBytes {
		return nil, apperr.New(apperr.CodePayloadTooLarge, "attachment exceeds the size limit")
	}
	if err := ValidateAttachmentType(contentType, e.cfg.AttachmentAllowedTypes); err != nil {
		return nil, err
	}

	var content *string
	if caption != "" {
		validated, err := ValidateContent(caption, e.cfg.MaxMessageLength)
		if err != nil {
			return nil, err
		}
		content = &validated
	}

	if err := e.store.EnsureParticipant(conversationID, senderID); err != nil {
		return nil, err
	}

	if err := e.limiter.Hit(senderID); err != nil {
		return nil, err
	}

	key := BuildAttachmentKey(conversationID, filename)
	if err := e.blobs.Put(ctx, key, contentType, body); err != nil {
		return nil, err
	}

	msg := &models.Message{
		ConversationID:        conversationID,
		SenderID:              senderID,
		Content:               content,
		AttachmentName:        &filename,
		AttachmentKey:         &key,
		AttachmentContentType: &contentType,
		AttachmentSize:        &size,
	}
	if err := e.store.CreateMessage(msg); err != nil {
		if delErr := e.blobs.Delete(ctx, key); delErr != nil {
			e.logger.Errorw("failed to clean up orphaned attachment", "key", key, "error", delErr)
		}
		return nil, err
	}

	e.logger.Infow("attachment sent", "message_id", msg.ID, "conversation_id", conversationID,
		"sender_id", senderID, "key", key, "size", size)
	return e.fanOutMessage(ctx, msg)
}

func (e *Engine) fanOutMessage(ctx context.Context, msg *models.Message) (*MessagePayload, error) {
	payload, err := e.serializeMessage(ctx, msg)
	if err != nil {
		return nil, err
	}

	participants, err := e.store.ParticipantIDs(msg.ConversationID)
	if err != nil {
		return nil, err
	}

	e.registry.Broadcast(participants, Frame{Type: FrameMessage, Data: payload})
	e.notifyOffline(msg, participants)
	return payload, nil
}

func (e *Engine) notifyOffline(msg *models.Message, participants []string) {
	if e.notifier == nil {
		return
	}

	offline := make([]string, 0, len(participants))
	for _, id := range participants {
		if id != msg.SenderID && !e.registry.IsOnline(id) {
			offline = append(offline, id)
		}
	}
	if len(offline) == 0 {
		return
	}

	senderName := msg.SenderID
	if sender, err := e.store.UserByID(msg.SenderID); err == nil {
		senderName = sender.Username
	}

	preview := "sent an attachment"
	if msg.Content != nil && *msg.Content != "" {
		preview = *msg.Content
		if len(preview) > 80 {
			preview = preview[:80]
		}
	}

	e.notifier.NotifyNewMessage(offline, msg.ConversationID, senderName, preview)
}

// Typing relays a typing indicator to every participant, the sender's other
// devices included. It is neither persisted nor rate limited.
func (e *Engine) Typing(senderID, conversationID string, typing bool) error {
	if err := e.store.EnsureParticipant(conversationID, senderID); err != nil {
		return err
	}

	participants, err := e.store.ParticipantIDs(conversationID)
	if err != nil {
		return err
	}

	e.registry.Broadcast(participants, Frame{Type: FrameTyping, Data: TypingPayload{
		ConversationID: conversationID,
		UserID:         senderID,
		Typing:         typing,
	}})
	return nil
}

// Acknowledge advances the caller's receipt on a message and tells the other
// participants about the new state.
func (e *Engine) Acknowledge(userID, messageID string, status models.DeliveryStatus) error {
	msg, err := e.store.Acknowledge(messageID, userID, status)
	if err != nil {
		return err
	}
	e.logger.Infow("message acknowledged", "message_id", messageID, "user_id", userID, "status", status)

	participants, err := e.store.ParticipantIDs(msg.ConversationID)
	if err != nil {
		return err
	}

	e.registry.Broadcast(participants, Frame{Type: FrameReceipt, Data: ReceiptPayload{
		ConversationID: msg.ConversationID,
		MessageIDs:     []string{msg.ID},
		Status:         string(status),
		UserID:         userID,
	}})
	return nil
}

// ListMessages pages through history for a participant. Fetching history
// counts as delivery: every undelivered message in the page is stamped and a
// receipt frame is broadcast for the batch.
func (e *Engine) ListMessages(ctx context.Context, userID, conversationID string, before *time.Time, limit int) ([]*MessagePayload, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > e.cfg.MaxPageSize {
		return nil, apperr.Validation("page size is too large")
	}

	if err := e.store.EnsureParticipant(conversationID, userID); err != nil {
		return nil, err
	}

	msgs, err := e.store.ListMessages(conversationID, before, limit)
	if err != nil {
		return nil, err
	}

	delivered, err := e.store.MarkDelivered(msgs, userID)
	if err != nil {
		return nil, err
	}
	if len(delivered) > 0 {
		participants, err := e.store.ParticipantIDs(conversationID)
		if err != nil {
			return nil, err
		}
		e.registry.Broadcast(participants, Frame{Type: FrameReceipt, Data: ReceiptPayload{
			ConversationID: conversationID,
			MessageIDs:     delivered,
			Status:         string(models.StatusDelivered),
			UserID:         userID,
		}})
	}

	payloads := make([]*MessagePayload, 0, len(msgs))
	for _, msg := range msgs {
		p, err := e.serializeMessage(ctx, msg)
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, p)
	}
	return payloads, nil
}

// CreateConversation opens (or finds) the direct conversation between the
// caller and peerID.
func (e *Engine) CreateConversation(userID, peerID string) (*models.Conversation, bool, error) {
	if _, err := e.store.UserByID(peerID); err != nil {
		return nil, false, err
	}
	return e.store.GetOrCreateConversation(userID, peerID)
}

func (e *Engine) ListConversations(userID string) ([]*models.Conversation, error) {
	return e.store.ConversationsForUser(userID)
}

// BroadcastOnline tells the user's contacts they came online. Called when the
// user's first connection is established.
func (e *Engine) BroadcastOnline(userID string) {
	e.broadcastPresence(userID, true)
}

// BroadcastOffline tells the user's contacts they went offline. Called when
// the user's last connection closes.
func (e *Engine) BroadcastOffline(userID string) {
	e.broadcastPresence(userID, false)
}

func (e *Engine) broadcastPresence(userID string, online bool) {
	contacts, err := e.store.ContactIDs(userID)
	if err != nil {
		e.logger.Errorw("failed to load contacts for presence broadcast", "user_id", userID, "error", err)
		return
	}

	payload := PresencePayload{UserID: userID, Online: online}
	if !online {
		if t, ok := e.registry.LastSeen(userID); ok {
			payload.LastSeen = &t
		}
	}
	e.registry.Broadcast(contacts, Frame{Type: FramePresence, Data: payload})
}

// OnlineCount reports how many distinct users currently hold a connection.
func (e *Engine) OnlineCount() int {
	return e.registry.OnlineCount()
}

func (e *Engine) serializeMessage(ctx context.Context, msg *models.Message) (*MessagePayload, error) {
	payload := &MessagePayload{
		ID:                    msg.ID,
		ConversationID:        msg.ConversationID,
		SenderID:              msg.SenderID,
		Content:               msg.Content,
		CreatedAt:             msg.CreatedAt,
		AttachmentName:        msg.AttachmentName,
		AttachmentContentType: msg.AttachmentContentType,
		AttachmentSize:        msg.AttachmentSize,
		Receipts:              make([]ReceiptState, 0, len(msg.Receipts)),
	}

	for _, r := range msg.Receipts {
		payload.Receipts = append(payload.Receipts, ReceiptState{
			UserID:      r.UserID,
			DeliveredAt: r.DeliveredAt,
			ReadAt:      r.ReadAt,
		})
	}

	if msg.HasAttachment() && e.blobs != nil {
		url, err := e.blobs.PresignGet(ctx, *msg.AttachmentKey, e.cfg.AttachmentURLTTL)
		if err != nil {
			return nil, err
		}
		payload.AttachmentURL = url
	}
	return payload, nil
}
