package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/worklane/chatsync/internal/models"
	"github.com/worklane/chatsync/pkg/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnRoundTrip(t *testing.T) {
	authHeader := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader <- r.Header.Get("Authorization")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()

		// echo every envelope back with its correlation id intact
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var env models.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				t.Errorf("server got malformed envelope: %v", err)
				return
			}
			resp, _ := json.Marshal(env)
			if err := ws.WriteMessage(websocket.TextMessage, resp); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	conn := NewConn(wsURL(srv), "test-token", time.Second, logger.NewNop())

	received := make(chan models.Envelope, 4)
	conn.OnEnvelope(func(env models.Envelope) { received <- env })
	dropped := make(chan error, 1)
	conn.OnDisconnect(func(err error) { dropped <- err })

	// no connection yet
	if err := conn.Send(models.Envelope{Event: "conversations.get"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable before connect, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case got := <-authHeader:
		if got != "Bearer test-token" {
			t.Errorf("expected bearer auth, got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("server never saw the dial")
	}

	out := models.Envelope{
		Event:         "messages.get",
		Payload:       json.RawMessage(`{"conversation_id":"c1"}`),
		CorrelationID: 7,
	}
	if err := conn.Send(out); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case env := <-received:
		if env.Event != out.Event || env.CorrelationID != 7 {
			t.Errorf("unexpected echo: %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope received")
	}

	conn.Close()

	select {
	case err := <-dropped:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed cause, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect handler never fired")
	}

	if err := conn.Send(out); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable after close, got %v", err)
	}
}

func TestConnServerDropNotifies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.Close()
	}))
	defer srv.Close()

	conn := NewConn(wsURL(srv), "", time.Second, logger.NewNop())
	conn.OnEnvelope(func(models.Envelope) {})
	dropped := make(chan error, 1)
	conn.OnDisconnect(func(err error) { dropped <- err })

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	select {
	case err := <-dropped:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed cause, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect handler never fired after server drop")
	}
}

func TestConnectFailure(t *testing.T) {
	conn := NewConn("ws://127.0.0.1:1/ws", "", time.Second, logger.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Connect(ctx); err == nil {
		t.Fatal("expected connect error against a closed port")
	}
}
