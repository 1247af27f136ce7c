package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"passenger-client/internal/wire"
	"passenger-client/pkg/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Period of sending ping messages
	pingPeriod = (pongWait * 9) / 10

	// Max inbound frame size
	maxMessageSize = 8192
)

// WebsocketDialer establishes the streaming transport: a single
// gorilla/websocket connection to {backend}/ws carrying JSON envelopes.
type WebsocketDialer struct {
	wsURL string
	token string
	log   logger.Logger
}

// NewWebsocketDialer derives the websocket endpoint from the backend
// base URL (http -> ws, https -> wss).
func NewWebsocketDialer(backendURL, token string, log logger.Logger) (*WebsocketDialer, error) {
	u, err := url.Parse(backendURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported backend scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return &WebsocketDialer{wsURL: u.String(), token: token, log: log}, nil
}

func (d *WebsocketDialer) Kind() Kind { return KindPrimary }

func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	if d.token != "" {
		header.Set("Authorization", "Bearer "+d.token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", d.wsURL, err)
	}

	ws := &wsConn{conn: conn, log: d.log, done: make(chan struct{})}
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go ws.pingLoop()
	return ws, nil
}

// wsConn adapts one gorilla connection to the Conn interface. Writes
// are serialized under a mutex because pings and Send race.
type wsConn struct {
	conn      *websocket.Conn
	log       logger.Logger
	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) Send(env wire.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (c *wsConn) Receive() (wire.Envelope, error) {
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return wire.Envelope{}, fmt.Errorf("websocket read: %w", err)
		}
		env, err := wire.Decode(msg)
		if err != nil {
			// A malformed frame is not a dead connection; skip it.
			c.log.Error("websocket_bad_frame", err)
			continue
		}
		return env, nil
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				// Read loop will observe the failure and surface it.
				return
			}
		case <-c.done:
			return
		}
	}
}
