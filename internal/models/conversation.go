package models

import (
	"time"

	"github.com/google/uuid"
)

type Conversation struct {
	ID             uuid.UUID     `json:"id"`
	Name           *string       `json:"name,omitempty"`
	IsGroup        bool          `json:"is_group"`
	IsAssistant    bool          `json:"is_assistant,omitempty"`
	OrderID        *uuid.UUID    `json:"order_id,omitempty"`
	Members        []Participant `json:"members,omitempty"`
	LastMessage    string        `json:"last_message,omitempty"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	UnreadCount    int           `json:"unread_count"`
	CreatedAt      time.Time     `json:"created_at"`
}

type Participant struct {
	UserID uuid.UUID `json:"user_id"`
	Name   string    `json:"name,omitempty"`
}
