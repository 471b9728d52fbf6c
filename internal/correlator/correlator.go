// Package correlator provides request/response semantics over the
// fire-and-forget channel transport. Each outgoing request carries a
// fresh correlation id; the server echoes it verbatim in the response
// envelope so the reply can be routed back to the waiting caller.
package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/worklane/chatsync/internal/models"
	"github.com/worklane/chatsync/internal/transport"
	"github.com/worklane/chatsync/pkg/logger"
	"github.com/worklane/chatsync/pkg/metrics"
)

var (
	// ErrTimeout reports that no matching response arrived within the
	// request's deadline.
	ErrTimeout = errors.New("request timed out")

	// ErrServerRejected reports that the server answered the request
	// with an error payload.
	ErrServerRejected = errors.New("server rejected request")
)

type result struct {
	payload json.RawMessage
	err     error
}

// Correlator matches response envelopes to the requests that issued
// them. Multiple requests may be outstanding concurrently; ids are
// drawn from an atomic counter and never collide while pending (0 is
// reserved for uncorrelated traffic).
type Correlator struct {
	tr  transport.Transport
	log *logger.Logger

	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan result
}

// New creates a Correlator on top of the given transport.
func New(tr transport.Transport, log *logger.Logger) *Correlator {
	return &Correlator{
		tr:      tr,
		log:     log,
		pending: make(map[uint64]chan result),
	}
}

// Request sends a correlated envelope and blocks until a matching
// response arrives, the timeout expires, ctx is cancelled, or the
// transport is torn down. The pending entry is removed on every exit
// path; responses arriving after abandonment are silently dropped.
func (c *Correlator) Request(ctx context.Context, event string, payload any, timeout time.Duration) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}

	id := c.nextID.Add(1)
	ch := make(chan result, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	metrics.PendingRequests.Inc()

	env := models.Envelope{Event: event, Payload: data, CorrelationID: id}
	if err := c.tr.Send(env); err != nil {
		c.remove(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.payload, nil

	case <-timer.C:
		c.remove(id)
		metrics.RequestTimeouts.WithLabelValues(event).Inc()
		return nil, fmt.Errorf("%s: %w", event, ErrTimeout)

	case <-ctx.Done():
		c.remove(id)
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget envelope with no correlation id.
func (c *Correlator) Notify(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return c.tr.Send(models.Envelope{Event: event, Payload: data})
}

// Resolve routes a correlated inbound envelope to its waiting request
// and reports whether one claimed it. Responses for requests that
// already timed out or were cancelled are dropped without effect.
func (c *Correlator) Resolve(env models.Envelope) bool {
	c.mu.Lock()
	ch, ok := c.pending[env.CorrelationID]
	if ok {
		delete(c.pending, env.CorrelationID)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Debug("dropping unclaimed response",
			zap.String("event", env.Event),
			zap.Uint64("correlation_id", env.CorrelationID))
		return false
	}
	metrics.PendingRequests.Dec()

	res := result{payload: env.Payload}
	if rejection := serverError(env); rejection != "" {
		res = result{err: fmt.Errorf("%w: %s", ErrServerRejected, rejection)}
	}

	// buffered channel, never blocks
	ch <- res
	return true
}

// FailAll rejects every pending request in one sweep with the given
// cause. Called on transport disconnect so callers are not left
// hanging until their individual timeouts fire.
func (c *Correlator) FailAll(cause error) {
	c.mu.Lock()
	failed := c.pending
	c.pending = make(map[uint64]chan result)
	c.mu.Unlock()

	for _, ch := range failed {
		ch <- result{err: cause}
		metrics.PendingRequests.Dec()
	}

	if len(failed) > 0 {
		c.log.Warn("cancelled pending requests",
			zap.Int("count", len(failed)), zap.Error(cause))
	}
}

// PendingCount returns the number of outstanding requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) remove(id uint64) {
	c.mu.Lock()
	_, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		metrics.PendingRequests.Dec()
	}
}

// serverError extracts a rejection message from a response envelope,
// either an explicit error event or an error field in the payload.
func serverError(env models.Envelope) string {
	if env.Event == models.EventError {
		var ep models.ErrorPayload
		if err := json.Unmarshal(env.Payload, &ep); err == nil && ep.Message != "" {
			return ep.Message
		}
		return "unknown error"
	}

	var ep struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(env.Payload, &ep); err == nil && ep.Error != "" {
		return ep.Error
	}
	return ""
}
