package transport

import (
	"context"
	"errors"
	"fmt"

	"passenger-client/internal/wire"
)

// State of the logical connection to the dispatch backend.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	}
	return "UNKNOWN"
}

// Kind identifies which transport carries the connection.
type Kind int

const (
	// KindPrimary is the streaming websocket transport.
	KindPrimary Kind = iota
	// KindFallback is the HTTP long-polling transport. It works in
	// more network conditions than the streaming one.
	KindFallback
)

func (k Kind) String() string {
	if k == KindFallback {
		return "polling"
	}
	return "websocket"
}

// Transport-level errors surfaced by Send.
var (
	ErrNotConnected = errors.New("not connected to dispatch backend")
	ErrTimeout      = errors.New("acknowledgement deadline exceeded")
	ErrClosed       = errors.New("transport manager closed")
)

// ServerError is returned by Send when the backend acknowledges with an
// explicit failure. Ack preserves the raw acknowledgement payload so
// callers can inspect fields beyond the error message.
type ServerError struct {
	Event   string
	Message string
	Ack     []byte
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server rejected %s", e.Event)
	}
	return fmt.Sprintf("server rejected %s: %s", e.Event, e.Message)
}

// Conn is one established transport connection. Receive blocks until
// the next inbound envelope arrives or the connection fails; after an
// error the connection is dead and must be redialed.
type Conn interface {
	Send(env wire.Envelope) error
	Receive() (wire.Envelope, error)
	Close() error
}

// Dialer establishes connections for one transport kind.
type Dialer interface {
	Kind() Kind
	Dial(ctx context.Context) (Conn, error)
}

// HandlerFunc consumes a named inbound event or connection signal.
// Handlers for a given connection run sequentially in arrival order.
type HandlerFunc func(payload []byte)
