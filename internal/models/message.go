package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageStatus tracks a message's lifecycle in the local cache.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusError     MessageStatus = "error"
)

type Message struct {
	ID             uuid.UUID     `json:"id"`
	TempID         uuid.UUID     `json:"temp_id,omitempty"`
	ConversationID uuid.UUID     `json:"conversation_id"`
	SenderID       uuid.UUID     `json:"sender_id"`
	ReceiverID     *uuid.UUID    `json:"receiver_id,omitempty"`
	Body           string        `json:"body"`
	Status         MessageStatus `json:"status,omitempty"`
	Attachment     *Attachment   `json:"attachment,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Pending reports whether the message is still waiting for a
// server acknowledgement and carries only its client-side temp id.
func (m *Message) Pending() bool {
	return m.Status == StatusSending
}

type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size,omitempty"`
	Mime string `json:"mime,omitempty"`
}
