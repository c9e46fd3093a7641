package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DeliveryStatus is the state a receipt advances through. Read implies
// delivered; a receipt never moves backwards.
type DeliveryStatus string

const (
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
)

type BaseModel struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (b *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	return nil
}

type User struct {
	BaseModel
	Username     string `gorm:"type:varchar(64);uniqueIndex;not null" json:"username"`
	Email        string `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	PasswordHash string `gorm:"type:varchar(255);not null" json:"-"`
	Role         string `gorm:"type:varchar(16);not null;default:'client'" json:"role"`
}

type Conversation struct {
	BaseModel
	LastMessageAt *time.Time    `gorm:"index" json:"lastMessageAt"`
	Participants  []Participant `gorm:"constraint:OnDelete:CASCADE" json:"participants,omitempty"`
	Messages      []Message     `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

type Participant struct {
	BaseModel
	ConversationID string     `gorm:"type:varchar(36);not null;uniqueIndex:uq_participant_membership" json:"conversationId"`
	UserID         string     `gorm:"type:varchar(36);not null;uniqueIndex:uq_participant_membership" json:"userId"`
	LastReadAt     *time.Time `json:"lastReadAt"`

	User User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

type Message struct {
	BaseModel
	ConversationID string  `gorm:"type:varchar(36);not null;index" json:"conversationId"`
	SenderID       string  `gorm:"type:varchar(36);not null" json:"senderId"`
	Content        *string `gorm:"type:text" json:"content"`

	AttachmentName        *string `gorm:"type:varchar(255)" json:"attachmentName,omitempty"`
	AttachmentKey         *string `gorm:"type:varchar(512)" json:"-"`
	AttachmentContentType *string `gorm:"type:varchar(128)" json:"attachmentContentType,omitempty"`
	AttachmentSize        *int64  `json:"attachmentSize,omitempty"`

	Receipts []Receipt `gorm:"constraint:OnDelete:CASCADE" json:"receipts,omitempty"`
}

// HasAttachment reports whether the message carries a stored blob.
func (m *Message) HasAttachment() bool {
	return m.AttachmentKey != nil && *m.AttachmentKey != ""
}

// Receipt tracks per-recipient delivery for a message. The sender never has
// a receipt for their own message.
type Receipt struct {
	BaseModel
	MessageID   string     `gorm:"type:varchar(36);not null;uniqueIndex:uq_receipt_recipient" json:"messageId"`
	UserID      string     `gorm:"type:varchar(36);not null;uniqueIndex:uq_receipt_recipient" json:"userId"`
	DeliveredAt *time.Time `json:"deliveredAt"`
	ReadAt      *time.Time `json:"readAt"`
}

type PushSubscription struct {
	BaseModel
	UserID    string     `gorm:"type:varchar(36);not null;index" json:"userId"`
	Endpoint  string     `gorm:"type:varchar(512);not null" json:"endpoint"`
	KeyP256dh string     `gorm:"type:varchar(255);not null" json:"-"`
	KeyAuth   string     `gorm:"type:varchar(255);not null" json:"-"`
	RevokedAt *time.Time `json:"-"`
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Conversation{},
		&Participant{},
		&Message{},
		&Receipt{},
		&PushSubscription{},
	)
}
