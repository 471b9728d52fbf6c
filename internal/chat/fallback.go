package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/worklane/chatsync/internal/models"
	"github.com/worklane/chatsync/pkg/metrics"
)

// The fallback retriever recovers read access over plain REST when the
// channel path fails. It is read-only: results flow into the store
// through the same entry points as channel traffic, and a fallback
// failure leaves the cache untouched.

func (c *Client) fallbackConversations(ctx context.Context, cause error) ([]models.Conversation, error) {
	c.log.Warn("channel fetch failed, falling back to REST",
		zap.String("resource", "conversations"), zap.Error(cause))

	var resp models.ConversationsResponse
	if err := c.getJSON(ctx, c.cfg.Server.APIBaseURL+"/conversations", &resp); err != nil {
		metrics.RecordFallback("conversations", "error")
		return nil, fmt.Errorf("fallback conversations: %w", err)
	}
	metrics.RecordFallback("conversations", "ok")

	c.store.ApplyConversations(resp.Conversations)
	c.notifyConversationsChanged()
	return c.store.ListConversations(), nil
}

func (c *Client) fallbackMessages(ctx context.Context, conversationID uuid.UUID, cause error) ([]models.Message, error) {
	c.log.Warn("channel fetch failed, falling back to REST",
		zap.String("resource", "messages"),
		zap.String("conversation_id", conversationID.String()),
		zap.Error(cause))

	url := fmt.Sprintf("%s/messages?conversation_id=%s", c.cfg.Server.APIBaseURL, conversationID)
	var resp models.MessagesResponse
	if err := c.getJSON(ctx, url, &resp); err != nil {
		metrics.RecordFallback("messages", "error")
		return nil, fmt.Errorf("fallback messages: %w", err)
	}
	metrics.RecordFallback("messages", "ok")

	c.store.SetMessages(conversationID, resp.Messages)
	return c.store.GetMessages(conversationID), nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if c.cfg.Auth.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Auth.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
