// Package transport owns the persistent channel to the server and
// exposes a typed send/receive surface over it.
package transport

import (
	"errors"

	"github.com/worklane/chatsync/internal/models"
)

var (
	// ErrUnavailable is returned by Send when no connection is open.
	ErrUnavailable = errors.New("transport unavailable")

	// ErrClosed reports that the connection dropped. It is the cause
	// handed to pending requests when they are bulk-cancelled.
	ErrClosed = errors.New("transport closed")
)

// Handler receives inbound envelopes in connection order.
type Handler func(models.Envelope)

// DisconnectHandler is called once per session when the connection
// drops, with the cause.
type DisconnectHandler func(error)

// Transport is one logical bidirectional connection. Send hands the
// envelope to the connection; it does not guarantee delivery.
type Transport interface {
	Send(env models.Envelope) error
	OnEnvelope(h Handler)
	OnDisconnect(h DisconnectHandler)
	Close() error
}
