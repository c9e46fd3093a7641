// Package push delivers web push notifications to users with no live
// websocket connection.
package push

import (
	"encoding/json"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/caselink/caselink/internal/models"
)

type Notifier struct {
	db              *gorm.DB
	vapidPublicKey  string
	vapidPrivateKey string
	subscriber      string
	logger          *zap.SugaredLogger
}

// New returns nil when no VAPID keys are configured; callers treat a nil
// Notifier as push disabled.
func New(db *gorm.DB, vapidPublicKey, vapidPrivateKey, subscriber string, logger *zap.SugaredLogger) *Notifier {
	if vapidPublicKey == "" || vapidPrivateKey == "" {
		logger.Info("web push disabled: no VAPID keys configured")
		return nil
	}
	return &Notifier{
		db:              db,
		vapidPublicKey:  vapidPublicKey,
		vapidPrivateKey: vapidPrivateKey,
		subscriber:      subscriber,
		logger:          logger,
	}
}

func (n *Notifier) VAPIDPublicKey() string {
	if n == nil {
		return ""
	}
	return n.vapidPublicKey
}

// Subscribe stores a browser push subscription for userID. Re-subscribing
// the same endpoint reactivates it.
func (n *Notifier) Subscribe(userID, endpoint, p256dh, auth string) error {
	if n == nil {
		return nil
	}

	var existing models.PushSubscription
	err := n.db.First(&existing, "user_id = ? AND endpoint = ?", userID, endpoint).Error
	if err == nil {
		return n.db.Model(&existing).Updates(map[string]any{
			"key_p256dh": p256dh,
			"key_auth":   auth,
			"revoked_at": nil,
		}).Error
	}

	sub := &models.PushSubscription{
		UserID:    userID,
		Endpoint:  endpoint,
		KeyP256dh: p256dh,
		KeyAuth:   auth,
	}
	return n.db.Create(sub).Error
}

type messageNotification struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Sender         string `json:"sender"`
	Preview        string `json:"preview"`
}

// NotifyNewMessage pushes a new-message notification to every active
// subscription of the given users. Endpoints the push service reports as gone
// are revoked.
func (n *Notifier) NotifyNewMessage(userIDs []string, conversationID, senderName, preview string) {
	if n == nil || len(userIDs) == 0 {
		return
	}

	payload, err := json.Marshal(messageNotification{
		Type:           "new_message",
		ConversationID: conversationID,
		Sender:         senderName,
		Preview:        preview,
	})
	if err != nil {
		n.logger.Errorw("failed to marshal push payload", "error", err)
		return
	}

	var subs []models.PushSubscription
	err = n.db.Where("user_id IN ? AND revoked_at IS NULL", userIDs).Find(&subs).Error
	if err != nil {
		n.logger.Errorw("failed to load push subscriptions", "error", err)
		return
	}

	for _, sub := range subs {
		n.send(sub, payload)
	}
}

func (n *Notifier) send(sub models.PushSubscription, payload []byte) {
	resp, err := webpush.SendNotification(payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.KeyP256dh,
			Auth:   sub.KeyAuth,
		},
	}, &webpush.Options{
		VAPIDPublicKey:  n.vapidPublicKey,
		VAPIDPrivateKey: n.vapidPrivateKey,
		Subscriber:      n.subscriber,
		TTL:             60,
	})
	if err != nil {
		n.logger.Warnw("push send failed", "user_id", sub.UserID, "error", err)
		return
	}
	defer resp.Body.Close()

	// 404/410 mean the browser dropped the subscription.
	if resp.StatusCode == 404 || resp.StatusCode == 410 {
		now := time.Now().UTC()
		if err := n.db.Model(&sub).Update("revoked_at", now).Error; err != nil {
			n.logger.Errorw("failed to revoke push subscription", "user_id", sub.UserID, "error", err)
		}
	}
}
