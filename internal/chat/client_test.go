package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/worklane/chatsync/config"
	"github.com/worklane/chatsync/internal/correlator"
	"github.com/worklane/chatsync/internal/models"
	"github.com/worklane/chatsync/internal/transport"
	"github.com/worklane/chatsync/pkg/logger"
)

// fakeTransport lets a test play the server's side of the channel. An
// optional respond script answers request envelopes asynchronously.
type fakeTransport struct {
	mu           sync.Mutex
	sent         []models.Envelope
	handler      transport.Handler
	onDisconnect transport.DisconnectHandler
	respond      func(models.Envelope) *models.Envelope
	sendErr      error
}

func (f *fakeTransport) Send(env models.Envelope) error {
	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, env)
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		if resp := respond(env); resp != nil {
			go f.deliver(*resp)
		}
	}
	return nil
}

func (f *fakeTransport) OnEnvelope(h transport.Handler) { f.handler = h }

func (f *fakeTransport) OnDisconnect(h transport.DisconnectHandler) { f.onDisconnect = h }

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) deliver(env models.Envelope) {
	f.handler(env)
}

func (f *fakeTransport) disconnect(cause error) {
	f.onDisconnect(cause)
}

func (f *fakeTransport) sentEnvelopes() []models.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Envelope, len(f.sent))
	copy(out, f.sent)
	return out
}

func testToken(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID.String(),
		"name":    "Test User",
	})
	signed, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func testConfig(token, apiBase string, timeout time.Duration) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			WSURL:      "ws://localhost:0/ws",
			APIBaseURL: apiBase,
			Env:        "test",
		},
		Auth: config.AuthConfig{Token: token},
		Sync: config.SyncConfig{
			RequestTimeout:     timeout,
			TypingEventsPerSec: 1,
			MaxReconnectWait:   time.Second,
		},
		Log: config.LogConfig{Level: "error"},
	}
}

func newTestClient(t *testing.T, tr *fakeTransport, timeout time.Duration, apiBase string) (*Client, uuid.UUID) {
	t.Helper()
	userID := uuid.New()
	c, err := New(testConfig(testToken(t, userID), apiBase, timeout), tr, logger.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, userID
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSendMessage_OptimisticThenReconciled(t *testing.T) {
	tr := &fakeTransport{}
	c, userID := newTestClient(t, tr, time.Second, "")
	convID := uuid.New()

	msg, err := c.SendMessage(context.Background(), convID, nil, "Hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	// visible immediately, before any response
	msgs := c.Store().GetMessages(convID)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 optimistic entry, got %d", len(msgs))
	}
	if msgs[0].Status != models.StatusSending || msgs[0].TempID != msg.TempID {
		t.Fatalf("unexpected optimistic entry: %+v", msgs[0])
	}

	// the request reaches the wire with the temp id in its payload
	waitFor(t, func() bool { return len(tr.sentEnvelopes()) == 1 })
	env := tr.sentEnvelopes()[0]
	if env.Event != models.EventMessageSend || env.CorrelationID == 0 {
		t.Fatalf("unexpected request envelope: %+v", env)
	}
	var sent models.SendMessagePayload
	if err := json.Unmarshal(env.Payload, &sent); err != nil || sent.TempID != msg.TempID {
		t.Fatalf("payload must echo temp id: %s", env.Payload)
	}

	canonicalID := uuid.New()
	ack, _ := json.Marshal(models.SendMessageAck{
		Message: models.Message{
			ID:             canonicalID,
			ConversationID: convID,
			SenderID:       userID,
			Body:           "Hello",
			CreatedAt:      time.Now(),
		},
		TempID: msg.TempID,
	})
	tr.deliver(models.Envelope{Event: models.EventMessageSend, Payload: ack, CorrelationID: env.CorrelationID})

	waitFor(t, func() bool {
		got := c.Store().GetMessages(convID)
		return len(got) == 1 && got[0].ID == canonicalID
	})

	got := c.Store().GetMessages(convID)
	if got[0].Status != models.StatusSent {
		t.Errorf("expected sent status, got %s", got[0].Status)
	}
}

func TestSendMessage_TimeoutMarksError(t *testing.T) {
	tr := &fakeTransport{}
	c, _ := newTestClient(t, tr, 30*time.Millisecond, "")
	convID := uuid.New()
	base := time.Now().Add(-time.Hour)
	c.Store().ApplyConversation(models.Conversation{ID: convID, LastActivityAt: base})

	failed := make(chan error, 1)
	c.OnSendFailed = func(_ models.Message, err error) { failed <- err }

	msg, err := c.SendMessage(context.Background(), convID, nil, "doomed")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	select {
	case err := <-failed:
		if !errors.Is(err, correlator.ErrTimeout) {
			t.Fatalf("expected ErrTimeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnSendFailed never fired")
	}

	msgs := c.Store().GetMessages(convID)
	if len(msgs) != 1 || msgs[0].Status != models.StatusError || msgs[0].TempID != msg.TempID {
		t.Fatalf("expected one error-status entry, got %+v", msgs)
	}

	conv, _ := c.Store().GetConversation(convID)
	if !conv.LastActivityAt.Equal(base) {
		t.Error("failed send must not advance last activity")
	}
}

func TestSendMessage_ServerRejection(t *testing.T) {
	tr := &fakeTransport{}
	tr.respond = func(env models.Envelope) *models.Envelope {
		if env.Event != models.EventMessageSend {
			return nil
		}
		payload, _ := json.Marshal(models.ErrorPayload{Message: "not a member"})
		return &models.Envelope{Event: models.EventError, Payload: payload, CorrelationID: env.CorrelationID}
	}
	c, _ := newTestClient(t, tr, time.Second, "")
	convID := uuid.New()

	failed := make(chan error, 1)
	c.OnSendFailed = func(_ models.Message, err error) { failed <- err }

	if _, err := c.SendMessage(context.Background(), convID, nil, "nope"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	select {
	case err := <-failed:
		if !errors.Is(err, correlator.ErrServerRejected) {
			t.Fatalf("expected ErrServerRejected, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnSendFailed never fired")
	}

	msgs := c.Store().GetMessages(convID)
	if len(msgs) != 1 || msgs[0].Status != models.StatusError {
		t.Fatalf("expected error-status entry, got %+v", msgs)
	}
}

func TestRetryMessage(t *testing.T) {
	tr := &fakeTransport{}
	c, userID := newTestClient(t, tr, 30*time.Millisecond, "")
	convID := uuid.New()

	failed := make(chan error, 1)
	c.OnSendFailed = func(_ models.Message, err error) { failed <- err }

	msg, _ := c.SendMessage(context.Background(), convID, nil, "try again")
	<-failed

	// second attempt succeeds
	tr.mu.Lock()
	tr.respond = func(env models.Envelope) *models.Envelope {
		if env.Event != models.EventMessageSend {
			return nil
		}
		var p models.SendMessagePayload
		json.Unmarshal(env.Payload, &p)
		ack, _ := json.Marshal(models.SendMessageAck{
			Message: models.Message{
				ID:             uuid.New(),
				ConversationID: p.ConversationID,
				SenderID:       userID,
				Body:           p.Body,
				CreatedAt:      time.Now(),
			},
			TempID: p.TempID,
		})
		return &models.Envelope{Event: models.EventMessageSend, Payload: ack, CorrelationID: env.CorrelationID}
	}
	tr.mu.Unlock()

	retried, err := c.RetryMessage(context.Background(), convID, msg.TempID)
	if err != nil {
		t.Fatalf("RetryMessage: %v", err)
	}

	waitFor(t, func() bool {
		got := c.Store().GetMessages(convID)
		return len(got) == 1 && got[0].Status == models.StatusSent
	})

	got := c.Store().GetMessages(convID)
	if got[0].Body != "try again" || got[0].TempID != retried.TempID {
		t.Errorf("unexpected retried entry: %+v", got[0])
	}
}

func TestInboundPushesAndUnreadFlow(t *testing.T) {
	tr := &fakeTransport{}
	c, _ := newTestClient(t, tr, time.Second, "")
	convID := uuid.New()
	peer := uuid.New()
	now := time.Now()

	var history []models.Message
	for i, body := range []string{"hey", "you there?"} {
		m := models.Message{
			ID:             uuid.New(),
			ConversationID: convID,
			SenderID:       peer,
			Body:           body,
			CreatedAt:      now.Add(time.Duration(i) * time.Second),
		}
		history = append(history, m)
		payload, _ := json.Marshal(m)
		tr.deliver(models.Envelope{Event: models.EventMessageNew, Payload: payload})
	}

	conv, ok := c.Store().GetConversation(convID)
	if !ok {
		t.Fatal("push must create the conversation")
	}
	if conv.UnreadCount != 2 {
		t.Fatalf("expected unread 2, got %d", conv.UnreadCount)
	}

	// selecting loads the full history over the channel and resets unread
	tr.mu.Lock()
	tr.respond = func(env models.Envelope) *models.Envelope {
		switch env.Event {
		case models.EventMessagesGet:
			payload, _ := json.Marshal(models.MessagesResponse{ConversationID: convID, Messages: history})
			return &models.Envelope{Event: models.EventMessagesGet, Payload: payload, CorrelationID: env.CorrelationID}
		case models.EventMessageRead:
			return &models.Envelope{Event: models.EventMessageRead, Payload: json.RawMessage(`{}`), CorrelationID: env.CorrelationID}
		}
		return nil
	}
	tr.mu.Unlock()

	msgs, err := c.SelectConversation(context.Background(), convID)
	if err != nil {
		t.Fatalf("SelectConversation: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}

	conv, _ = c.Store().GetConversation(convID)
	if conv.UnreadCount != 0 {
		t.Errorf("select must reset unread, got %d", conv.UnreadCount)
	}
}

func TestDisconnectBulkCancelsPendingRequests(t *testing.T) {
	tr := &fakeTransport{}
	c, _ := newTestClient(t, tr, time.Minute, "")

	const n = 3
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			errs <- c.MarkAsRead(context.Background(), uuid.New())
		}()
	}

	waitFor(t, func() bool { return len(tr.sentEnvelopes()) == n })

	tr.disconnect(errors.New("connection reset"))

	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, transport.ErrClosed) {
				t.Fatalf("expected ErrClosed, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("pending request not cancelled on disconnect")
		}
	}
}

func TestTypingIsThrottledAndEphemeral(t *testing.T) {
	tr := &fakeTransport{}
	c, _ := newTestClient(t, tr, time.Second, "")
	convID := uuid.New()

	// 1 event/sec with burst 1: the second start signal is dropped
	c.SetTyping(convID, true)
	c.SetTyping(convID, true)
	// stop signals always go out
	c.SetTyping(convID, false)

	sent := tr.sentEnvelopes()
	if len(sent) != 2 {
		t.Fatalf("expected 2 typing envelopes (throttled), got %d", len(sent))
	}
	for _, env := range sent {
		if env.CorrelationID != 0 {
			t.Error("typing notifications must not carry a correlation id")
		}
	}

	// inbound typing is never cached
	typed := make(chan models.TypingPayload, 1)
	c.OnTyping = func(p models.TypingPayload) { typed <- p }
	payload, _ := json.Marshal(models.TypingPayload{ConversationID: convID, UserID: uuid.New(), IsTyping: true})
	tr.deliver(models.Envelope{Event: models.EventTyping, Payload: payload})

	select {
	case <-typed:
	case <-time.After(time.Second):
		t.Fatal("typing callback never fired")
	}
	if got := c.Store().GetMessages(convID); len(got) != 0 {
		t.Errorf("typing events must not enter the message cache, got %v", got)
	}
}

func TestFallbackRetrieval(t *testing.T) {
	convID := uuid.New()
	peer := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/conversations":
			json.NewEncoder(w).Encode(models.ConversationsResponse{
				Conversations: []models.Conversation{{ID: convID, LastActivityAt: time.Now()}},
			})
		case "/messages":
			if r.URL.Query().Get("conversation_id") != convID.String() {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(models.MessagesResponse{
				ConversationID: convID,
				Messages: []models.Message{{
					ID:             uuid.New(),
					ConversationID: convID,
					SenderID:       peer,
					Body:           "recovered",
					CreatedAt:      time.Now(),
				}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	// no connection open: channel path fails fast, fallback kicks in
	tr := &fakeTransport{sendErr: transport.ErrUnavailable}
	c, _ := newTestClient(t, tr, time.Second, srv.URL)

	convs, err := c.LoadConversations(context.Background())
	if err != nil {
		t.Fatalf("LoadConversations: %v", err)
	}
	if len(convs) != 1 || convs[0].ID != convID {
		t.Fatalf("unexpected conversations: %+v", convs)
	}

	msgs, err := c.LoadMessages(context.Background(), convID)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != "recovered" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestFallbackFailureLeavesCacheUntouched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := &fakeTransport{sendErr: transport.ErrUnavailable}
	c, _ := newTestClient(t, tr, time.Second, srv.URL)

	if _, err := c.LoadConversations(context.Background()); err == nil {
		t.Fatal("expected an error when both paths fail")
	}
	if got := c.Store().ListConversations(); len(got) != 0 {
		t.Errorf("cache must stay empty after failed fallback, got %d", len(got))
	}
}

func TestServerRejectionGetsNoFallback(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := &fakeTransport{}
	tr.respond = func(env models.Envelope) *models.Envelope {
		payload, _ := json.Marshal(models.ErrorPayload{Message: "forbidden"})
		return &models.Envelope{Event: models.EventError, Payload: payload, CorrelationID: env.CorrelationID}
	}
	c, _ := newTestClient(t, tr, time.Second, srv.URL)

	_, err := c.LoadConversations(context.Background())
	if !errors.Is(err, correlator.ErrServerRejected) {
		t.Fatalf("expected ErrServerRejected, got %v", err)
	}
	if calls != 0 {
		t.Errorf("rejections must not trigger the fallback path, got %d calls", calls)
	}
}
