package models

import (
	"encoding/json"

	"github.com/google/uuid"
)

// WebSocket event types
const (
	EventConversationsGet = "conversations.get"
	EventMessagesGet      = "messages.get"
	EventMessageSend      = "message.send"
	EventMessageRead      = "message.read"
	EventMessageNew       = "message.new"
	EventConversationNew  = "conversation.new"
	EventChatJoin         = "chat.join"
	EventTyping           = "typing"
	EventPresenceUpdate   = "presence.update"
	EventError            = "error"
)

// Envelope is the wire frame for every message on the channel. Request
// envelopes carry a non-zero correlation id the server echoes verbatim
// in its response; push events carry none.
type Envelope struct {
	Event         string          `json:"event"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID uint64          `json:"correlation_id,omitempty"`
}

type GetMessagesPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
}

type SendMessagePayload struct {
	ConversationID uuid.UUID  `json:"conversation_id"`
	ReceiverID     *uuid.UUID `json:"receiver_id,omitempty"`
	Body           string     `json:"body"`
	TempID         uuid.UUID  `json:"temp_id"`
}

// SendMessageAck is the response to EventMessageSend: the canonical
// record plus the temp id it replaces.
type SendMessageAck struct {
	Message Message   `json:"message"`
	TempID  uuid.UUID `json:"temp_id"`
}

type MarkReadPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
}

type JoinChatPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	UserName       string    `json:"user_name"`
}

type TypingPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	IsTyping       bool      `json:"is_typing"`
}

type PresencePayload struct {
	UserID uuid.UUID `json:"user_id"`
	Status string    `json:"status"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
}

type MessagesResponse struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Messages       []Message `json:"messages"`
}
