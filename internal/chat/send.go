package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/worklane/chatsync/internal/correlator"
	"github.com/worklane/chatsync/internal/models"
	"github.com/worklane/chatsync/internal/transport"
	"github.com/worklane/chatsync/pkg/metrics"
)

// SendMessage submits a message optimistically: a sending-status entry
// with a client temp id lands in the store before any network round
// trip, and is returned immediately. Reconciliation with the server's
// acknowledgement runs in the background; a failure transitions the
// entry to error status and fires OnSendFailed for that message.
func (c *Client) SendMessage(ctx context.Context, conversationID uuid.UUID, receiverID *uuid.UUID, body string) (models.Message, error) {
	if body == "" {
		return models.Message{}, fmt.Errorf("message body is empty")
	}

	msg := models.Message{
		TempID:         uuid.New(),
		ConversationID: conversationID,
		SenderID:       c.userID,
		ReceiverID:     receiverID,
		Body:           body,
		Status:         models.StatusSending,
		CreatedAt:      time.Now(),
	}

	c.store.InsertPending(msg)
	metrics.MessagesSent.Inc()

	go c.reconcile(ctx, msg)

	return msg, nil
}

// reconcile runs the network half of a send: it issues the correlated
// request and replaces the optimistic entry with the canonical record,
// or marks it failed. The entry's list position never changes.
func (c *Client) reconcile(ctx context.Context, msg models.Message) {
	payload := models.SendMessagePayload{
		ConversationID: msg.ConversationID,
		ReceiverID:     msg.ReceiverID,
		Body:           msg.Body,
		TempID:         msg.TempID,
	}

	raw, err := c.corr.Request(ctx, models.EventMessageSend, payload, c.cfg.Sync.RequestTimeout)
	if err != nil {
		c.failSend(msg, err)
		return
	}

	var ack models.SendMessageAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		c.failSend(msg, fmt.Errorf("decode send ack: %w", err))
		return
	}
	if ack.TempID != msg.TempID {
		c.log.Warn("send ack temp id mismatch",
			zap.String("want", msg.TempID.String()),
			zap.String("got", ack.TempID.String()))
	}

	canonical := ack.Message
	canonical.TempID = msg.TempID
	if canonical.Status == "" {
		canonical.Status = models.StatusSent
	}

	c.store.ResolvePending(msg.ConversationID, msg.TempID, canonical)
	c.notifyConversationsChanged()
}

func (c *Client) failSend(msg models.Message, err error) {
	c.store.FailPending(msg.ConversationID, msg.TempID)
	metrics.RecordSendFailure(failureReason(err))
	c.log.Warn("message send failed",
		zap.String("conversation_id", msg.ConversationID.String()),
		zap.String("temp_id", msg.TempID.String()),
		zap.Error(err))
	if c.OnSendFailed != nil {
		c.OnSendFailed(msg, err)
	}
}

// RetryMessage re-submits a failed send. The errored entry is removed
// and the body goes through the normal pipeline as a fresh send.
func (c *Client) RetryMessage(ctx context.Context, conversationID, tempID uuid.UUID) (models.Message, error) {
	var failed *models.Message
	for _, m := range c.store.GetMessages(conversationID) {
		if m.TempID == tempID && m.Status == models.StatusError {
			m := m
			failed = &m
			break
		}
	}
	if failed == nil {
		return models.Message{}, fmt.Errorf("no failed message %s in conversation %s", tempID, conversationID)
	}

	c.store.RemoveMessage(conversationID, tempID)
	return c.SendMessage(ctx, conversationID, failed.ReceiverID, failed.Body)
}

// DiscardMessage drops a failed send from the cache.
func (c *Client) DiscardMessage(conversationID, id uuid.UUID) bool {
	return c.store.RemoveMessage(conversationID, id)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, correlator.ErrTimeout):
		return "timeout"
	case errors.Is(err, transport.ErrClosed):
		return "transport_closed"
	case errors.Is(err, transport.ErrUnavailable):
		return "transport_unavailable"
	case errors.Is(err, correlator.ErrServerRejected):
		return "rejected"
	default:
		return "other"
	}
}
