// Package chat ties the transport, correlator, and store into the
// conversation synchronization client: inbound dispatch, reads with
// REST fallback, the optimistic send pipeline, and presence signals.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/worklane/chatsync/config"
	"github.com/worklane/chatsync/internal/correlator"
	"github.com/worklane/chatsync/internal/models"
	"github.com/worklane/chatsync/internal/store"
	"github.com/worklane/chatsync/internal/transport"
	"github.com/worklane/chatsync/pkg/logger"
)

// Client is the entry point for the UI. All callbacks must be set
// before the transport is connected; they are invoked from the
// transport's reception goroutine and from send-reconciliation
// goroutines.
type Client struct {
	cfg   *config.Config
	log   *logger.Logger
	tr    transport.Transport
	corr  *correlator.Correlator
	store *store.Store
	http  *http.Client

	typing *rate.Limiter

	userID   uuid.UUID
	userName string

	OnConversationsChanged func()
	OnMessage              func(models.Message)
	OnTyping               func(models.TypingPayload)
	OnPresence             func(models.PresencePayload)
	OnSendFailed           func(models.Message, error)
	OnDisconnect           func(error)
}

// New creates a client on top of the given transport. The local user
// identity is decoded from the configured bearer token.
func New(cfg *config.Config, tr transport.Transport, log *logger.Logger) (*Client, error) {
	userID, userName, err := identityFromToken(cfg.Auth.Token)
	if err != nil {
		return nil, fmt.Errorf("decode auth token: %w", err)
	}

	c := &Client{
		cfg:      cfg,
		log:      log,
		tr:       tr,
		corr:     correlator.New(tr, log),
		store:    store.New(userID),
		http:     &http.Client{Timeout: cfg.Sync.RequestTimeout},
		typing:   rate.NewLimiter(rate.Limit(cfg.Sync.TypingEventsPerSec), 1),
		userID:   userID,
		userName: userName,
	}

	tr.OnEnvelope(c.handleEnvelope)
	tr.OnDisconnect(c.handleDisconnect)

	return c, nil
}

// UserID returns the local user's id.
func (c *Client) UserID() uuid.UUID {
	return c.userID
}

// Store exposes the conversation cache for read access.
func (c *Client) Store() *store.Store {
	return c.store
}

// handleEnvelope routes inbound traffic: correlated envelopes resolve
// a waiting request, everything else is a server push.
func (c *Client) handleEnvelope(env models.Envelope) {
	if env.CorrelationID != 0 {
		c.corr.Resolve(env)
		return
	}

	switch env.Event {
	case models.EventMessageNew:
		var msg models.Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			c.log.Warn("bad message push", zap.Error(err))
			return
		}
		if msg.Status == "" {
			msg.Status = models.StatusDelivered
		}
		c.store.ApplyInboundMessage(msg)
		if c.OnMessage != nil {
			c.OnMessage(msg)
		}
		c.notifyConversationsChanged()

	case models.EventConversationNew:
		var conv models.Conversation
		if err := json.Unmarshal(env.Payload, &conv); err != nil {
			c.log.Warn("bad conversation push", zap.Error(err))
			return
		}
		c.store.ApplyConversation(conv)
		c.notifyConversationsChanged()

	case models.EventTyping:
		// ephemeral, never cached
		var p models.TypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		if c.OnTyping != nil && p.UserID != c.userID {
			c.OnTyping(p)
		}

	case models.EventPresenceUpdate:
		var p models.PresencePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		if c.OnPresence != nil {
			c.OnPresence(p)
		}

	case models.EventError:
		var p models.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		c.log.Warn("server error event", zap.String("message", p.Message), zap.String("code", p.Code))

	default:
		c.log.Debug("unhandled event", zap.String("event", env.Event))
	}
}

// handleDisconnect bulk-fails every pending request so callers do not
// sit out their individual timeouts against a dead connection.
func (c *Client) handleDisconnect(cause error) {
	if !errors.Is(cause, transport.ErrClosed) {
		cause = fmt.Errorf("%w: %v", transport.ErrClosed, cause)
	}
	c.corr.FailAll(cause)
	if c.OnDisconnect != nil {
		c.OnDisconnect(cause)
	}
}

// LoadConversations fetches the conversation list over the channel,
// falling back to REST when the channel path fails, and returns the
// refreshed cache view.
func (c *Client) LoadConversations(ctx context.Context) ([]models.Conversation, error) {
	raw, err := c.corr.Request(ctx, models.EventConversationsGet, struct{}{}, c.cfg.Sync.RequestTimeout)
	if err != nil {
		if recoverable(err) {
			return c.fallbackConversations(ctx, err)
		}
		return nil, err
	}

	var resp models.ConversationsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}

	c.store.ApplyConversations(resp.Conversations)
	c.notifyConversationsChanged()
	return c.store.ListConversations(), nil
}

// LoadMessages fetches one conversation's history over the channel,
// with the same REST fallback, and returns the refreshed cache view.
func (c *Client) LoadMessages(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error) {
	payload := models.GetMessagesPayload{ConversationID: conversationID}
	raw, err := c.corr.Request(ctx, models.EventMessagesGet, payload, c.cfg.Sync.RequestTimeout)
	if err != nil {
		if recoverable(err) {
			return c.fallbackMessages(ctx, conversationID, err)
		}
		return nil, err
	}

	var resp models.MessagesResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}

	c.store.SetMessages(conversationID, resp.Messages)
	return c.store.GetMessages(conversationID), nil
}

// SelectConversation makes the conversation active, zeroes its unread
// count, loads its history when the cache is cold, and tells the
// server the conversation was read (best effort).
func (c *Client) SelectConversation(ctx context.Context, id uuid.UUID) ([]models.Message, error) {
	msgs, loaded := c.store.SelectConversation(id)
	c.notifyConversationsChanged()

	go func() {
		if err := c.MarkAsRead(context.Background(), id); err != nil {
			c.log.Warn("mark as read failed", zap.String("conversation_id", id.String()), zap.Error(err))
		}
	}()

	if loaded {
		return msgs, nil
	}
	return c.LoadMessages(ctx, id)
}

// MarkAsRead clears unread state server-side. The local reset already
// happened in SelectConversation; this call gets no fallback path.
func (c *Client) MarkAsRead(ctx context.Context, conversationID uuid.UUID) error {
	payload := models.MarkReadPayload{ConversationID: conversationID}
	_, err := c.corr.Request(ctx, models.EventMessageRead, payload, c.cfg.Sync.RequestTimeout)
	return err
}

// JoinChat announces presence in a conversation.
func (c *Client) JoinChat(conversationID uuid.UUID) error {
	return c.corr.Notify(models.EventChatJoin, models.JoinChatPayload{
		ConversationID: conversationID,
		UserID:         c.userID,
		UserName:       c.userName,
	})
}

// SetTyping sends a typing indicator. Start signals are throttled so a
// keystroke storm does not flood the socket; stop signals always go
// out so the peer's indicator clears.
func (c *Client) SetTyping(conversationID uuid.UUID, isTyping bool) error {
	if isTyping && !c.typing.Allow() {
		return nil
	}
	return c.corr.Notify(models.EventTyping, models.TypingPayload{
		ConversationID: conversationID,
		UserID:         c.userID,
		IsTyping:       isTyping,
	})
}

// RemoveConversation drops a conversation from the cache (user left or
// deleted it).
func (c *Client) RemoveConversation(id uuid.UUID) {
	c.store.RemoveConversation(id)
	c.notifyConversationsChanged()
}

func (c *Client) notifyConversationsChanged() {
	if c.OnConversationsChanged != nil {
		c.OnConversationsChanged()
	}
}

// recoverable reports whether a channel-path failure should trigger
// the stateless fallback: timeouts, a torn-down transport, or no
// connection at all. Server rejections are not retried.
func recoverable(err error) bool {
	return errors.Is(err, correlator.ErrTimeout) ||
		errors.Is(err, transport.ErrClosed) ||
		errors.Is(err, transport.ErrUnavailable)
}
