package chat

import "time"

// Frame is the envelope for every event crossing a websocket, in either
// direction. Exactly one of Data's concrete payloads is set depending on
// Type.
type Frame struct {
	Type    string `json:"type"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

const (
	FrameMessage  = "message"
	FrameReceipt  = "receipt"
	FramePresence = "presence"
	FrameTyping   = "typing"
	FrameError    = "error"
)

type ReceiptState struct {
	UserID      string     `json:"user_id"`
	DeliveredAt *time.Time `json:"delivered_at"`
	ReadAt      *time.Time `json:"read_at"`
}

type MessagePayload struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        *string   `json:"content"`
	CreatedAt      time.Time `json:"created_at"`

	AttachmentName        *string `json:"attachment_name,omitempty"`
	AttachmentContentType *string `json:"attachment_content_type,omitempty"`
	AttachmentSize        *int64  `json:"attachment_size,omitempty"`
	AttachmentURL         string  `json:"attachment_url,omitempty"`

	Receipts []ReceiptState `json:"receipts"`
}

type ReceiptPayload struct {
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids"`
	Status         string   `json:"status"`
	UserID         string   `json:"user_id"`
}

type PresencePayload struct {
	UserID   string     `json:"user_id"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Typing         bool   `json:"typing"`
}

func ErrorFrame(message string) Frame {
	return Frame{Type: FrameError, Message: message}
}
