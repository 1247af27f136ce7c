package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"passenger-client/internal/wire"
	"passenger-client/pkg/logger"
)

const (
	// How long the backend may hold an events poll open. The HTTP
	// client allows a little extra for transfer.
	pollWait        = 25 * time.Second
	pollGrace       = 10 * time.Second
	maxPollBodySize = 1 << 20
)

// PollingDialer establishes the fallback transport: plain HTTP
// request/response against the backend's poll endpoints. Outbound
// messages are POSTed and acknowledged synchronously; inbound events
// arrive through a long-poll loop. Slower than streaming, but it works
// through proxies and networks that break websockets.
type PollingDialer struct {
	base  string
	token string
	log   logger.Logger
}

func NewPollingDialer(backendURL, token string, log logger.Logger) *PollingDialer {
	return &PollingDialer{
		base:  strings.TrimRight(backendURL, "/"),
		token: token,
		log:   log,
	}
}

func (d *PollingDialer) Kind() Kind { return KindFallback }

// Dial opens a poll session with the backend. The returned client id
// scopes the event queue the backend keeps for us between polls.
func (d *PollingDialer) Dial(ctx context.Context) (Conn, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.base+"/poll/session", nil)
	if err != nil {
		return nil, err
	}
	d.authorize(req)

	client := &http.Client{Timeout: pollWait + pollGrace}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll handshake: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("poll handshake: backend returned %s", resp.Status)
	}

	var session struct {
		ClientID string `json:"clientId"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxPollBodySize)).Decode(&session); err != nil {
		return nil, fmt.Errorf("poll handshake: %w", err)
	}
	if session.ClientID == "" {
		return nil, fmt.Errorf("poll handshake: backend returned no client id")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	pc := &pollConn{
		dialer:   d,
		client:   client,
		clientID: session.ClientID,
		events:   make(chan wire.Envelope, 32),
		errs:     make(chan error, 1),
		cancel:   cancel,
	}
	go pc.pollLoop(loopCtx)
	return pc, nil
}

func (d *PollingDialer) authorize(req *http.Request) {
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
}

type pollConn struct {
	dialer   *PollingDialer
	client   *http.Client
	clientID string
	events   chan wire.Envelope
	errs     chan error
	cancel   context.CancelFunc
}

// Send POSTs the envelope. The ack, when the backend returns one, is
// fed into the inbound queue so acknowledgement correlation works the
// same way on both transports.
func (c *pollConn) Send(env wire.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/poll/send?client=%s", c.dialer.base, c.clientID)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.dialer.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("poll send: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxPollBodySize))
		if err != nil {
			return fmt.Errorf("poll send: reading ack: %w", err)
		}
		ack, err := wire.Decode(data)
		if err != nil {
			return fmt.Errorf("poll send: %w", err)
		}
		select {
		case c.events <- ack:
		default:
			c.dialer.log.Error("poll_ack_dropped", fmt.Errorf("inbound queue full, ack %s dropped", ack.ID))
		}
		return nil
	case http.StatusAccepted, http.StatusNoContent:
		return nil
	default:
		return fmt.Errorf("poll send: backend returned %s", resp.Status)
	}
}

func (c *pollConn) Receive() (wire.Envelope, error) {
	select {
	case env := <-c.events:
		return env, nil
	case err := <-c.errs:
		return wire.Envelope{}, err
	}
}

func (c *pollConn) Close() error {
	c.cancel()
	return nil
}

// pollLoop repeatedly long-polls the backend for queued events.
func (c *pollConn) pollLoop(ctx context.Context) {
	url := fmt.Sprintf("%s/poll/events?client=%s&wait=%d",
		c.dialer.base, c.clientID, int(pollWait.Seconds()))

	for {
		if ctx.Err() != nil {
			c.fail(fmt.Errorf("poll loop stopped: %w", ctx.Err()))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			c.fail(err)
			return
		}
		c.dialer.authorize(req)

		resp, err := c.client.Do(req)
		if err != nil {
			c.fail(fmt.Errorf("poll events: %w", err))
			return
		}

		switch resp.StatusCode {
		case http.StatusNoContent:
			resp.Body.Close()
			continue
		case http.StatusOK:
			data, err := io.ReadAll(io.LimitReader(resp.Body, maxPollBodySize))
			resp.Body.Close()
			if err != nil {
				c.fail(fmt.Errorf("poll events: reading body: %w", err))
				return
			}
			var envs []wire.Envelope
			if err := json.Unmarshal(data, &envs); err != nil {
				c.dialer.log.Error("poll_bad_batch", err)
				continue
			}
			for _, env := range envs {
				select {
				case c.events <- env:
				case <-ctx.Done():
					c.fail(fmt.Errorf("poll loop stopped: %w", ctx.Err()))
					return
				}
			}
		default:
			resp.Body.Close()
			c.fail(fmt.Errorf("poll events: backend returned %s", resp.Status))
			return
		}
	}
}

func (c *pollConn) fail(err error) {
	select {
	case c.errs <- err:
	default:
	}
}
