package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/worklane/chatsync/internal/models"
	"github.com/worklane/chatsync/pkg/logger"
	"github.com/worklane/chatsync/pkg/metrics"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 10240 // 10KB
)

// Conn is the websocket implementation of Transport. It holds at most
// one live connection at a time; Run redials with exponential backoff
// when a session ends.
type Conn struct {
	url              string
	token            string
	maxReconnectWait time.Duration
	log              *logger.Logger

	// set before Connect, not mutated afterwards
	handler      Handler
	onDisconnect DisconnectHandler

	mu        sync.Mutex
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{} // closed when the current session ends
	connected bool
	shutdown  bool
}

// NewConn creates an unconnected websocket transport.
func NewConn(wsURL, token string, maxReconnectWait time.Duration, log *logger.Logger) *Conn {
	return &Conn{
		url:              wsURL,
		token:            token,
		maxReconnectWait: maxReconnectWait,
		log:              log,
		done:             make(chan struct{}),
	}
}

// OnEnvelope registers the inbound handler. It must be called before
// Connect; envelopes are delivered sequentially in connection order.
func (c *Conn) OnEnvelope(h Handler) {
	c.handler = h
}

// OnDisconnect registers the disconnect handler. It must be called
// before Connect.
func (c *Conn) OnDisconnect(h DisconnectHandler) {
	c.onDisconnect = h
}

// Connect dials the server and starts the read/write pumps.
func (c *Conn) Connect(ctx context.Context) error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		ws.Close()
		return ErrClosed
	}
	c.ws = ws
	c.send = make(chan []byte, 256)
	c.done = make(chan struct{})
	c.connected = true
	send, done := c.send, c.done
	c.mu.Unlock()

	metrics.Connected.Set(1)
	c.log.Info("websocket connected", zap.String("url", c.url))

	go c.writePump(ws, send, done)
	go c.readPump(ws)

	return nil
}

// Run keeps the transport connected until ctx is cancelled or Close is
// called, redialing with exponential backoff after each session ends.
func (c *Conn) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	if c.maxReconnectWait > 0 {
		bo.MaxInterval = c.maxReconnectWait
	}

	for {
		if err := c.Connect(ctx); err != nil {
			c.log.Warn("websocket connect failed", zap.Error(err))
		} else {
			bo.Reset()

			c.mu.Lock()
			done := c.done
			c.mu.Unlock()

			select {
			case <-done:
			case <-ctx.Done():
				c.Close()
				return ctx.Err()
			}
		}

		c.mu.Lock()
		down := c.shutdown
		c.mu.Unlock()
		if down {
			return nil
		}

		metrics.Reconnects.Inc()
		wait := bo.NextBackOff()
		c.log.Info("reconnecting", zap.Duration("wait", wait))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send marshals the envelope and hands it to the connection. It fails
// with ErrUnavailable when no connection is open.
func (c *Conn) Send(env models.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrUnavailable
	}
	send, done := c.send, c.done
	c.mu.Unlock()

	select {
	case send <- data:
		return nil
	case <-done:
		return ErrUnavailable
	}
}

// Close tears the connection down for good; Run will not redial.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.shutdown = true
	c.mu.Unlock()
	c.teardown(ErrClosed)
	return nil
}

// readPump pumps envelopes from the connection to the handler.
func (c *Conn) readPump(ws *websocket.Conn) {
	cause := ErrClosed
	defer func() { c.teardown(cause) }()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read error", zap.Error(err))
			}
			cause = fmt.Errorf("%w: %v", ErrClosed, err)
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("dropping malformed envelope", zap.Error(err))
			continue
		}

		if c.handler != nil {
			c.handler(env)
		}
	}
}

// writePump pumps queued frames to the connection and keeps it alive
// with pings.
func (c *Conn) writePump(ws *websocket.Conn, send chan []byte, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case data := <-send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// teardown ends the current session exactly once and notifies the
// disconnect handler so dependents can bulk-fail pending requests.
func (c *Conn) teardown(cause error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	close(c.done)
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	ws.Close()
	metrics.Connected.Set(0)
	c.log.Info("websocket disconnected", zap.Error(cause))

	if c.onDisconnect != nil {
		c.onDisconnect(cause)
	}
}
