package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"passenger-client/internal/wire"
	"passenger-client/pkg/logger"
	"passenger-client/pkg/uuid"
)

const defaultDialTimeout = 10 * time.Second

// Options configures a Manager. Primary and Fallback are required;
// the rest fall back to the defaults the backend was tuned for.
type Options struct {
	Primary  Dialer
	Fallback Dialer

	BaseDelay    time.Duration // first backoff step (default 1s)
	DelayCeiling time.Duration // backoff saturation (default 5s)
	ForceDelay   time.Duration // fixed pause before a forced reconnect (default 500ms)
	MaxRetries   int           // automatic reconnect attempts before giving up (default 5)
	DialTimeout  time.Duration // per-transport dial deadline (default 10s)
}

// Manager owns the one logical connection to the dispatch backend. It
// negotiates a transport (streaming first, polling as fallback),
// watches it, reconnects with bounded exponential backoff, and offers
// a deadline-bounded request/acknowledgement primitive.
//
// Inbound events for one connection are dispatched sequentially in
// arrival order from the connection's read loop.
type Manager struct {
	log  logger.Logger
	opts Options

	mu         sync.Mutex
	state      State
	active     Kind
	retryCount int
	conn       Conn
	// gen invalidates in-flight dials, retry timers and read loops
	// whenever the connection lineage changes (a new connection is
	// installed, or a forced reconnect tears everything down).
	gen      int
	pending  map[string]chan wire.Envelope
	handlers map[string]map[int]HandlerFunc
	nextID   int
	timer    *time.Timer // pending backoff or force-reconnect timer
	closed   bool
}

func NewManager(opts Options, log logger.Logger) (*Manager, error) {
	if opts.Primary == nil || opts.Fallback == nil {
		return nil, fmt.Errorf("transport: both primary and fallback dialers are required")
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.DelayCeiling <= 0 {
		opts.DelayCeiling = 5 * time.Second
	}
	if opts.ForceDelay <= 0 {
		opts.ForceDelay = 500 * time.Millisecond
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	return &Manager{
		log:      log,
		opts:     opts,
		state:    StateDisconnected,
		pending:  make(map[string]chan wire.Envelope),
		handlers: make(map[string]map[int]HandlerFunc),
	}, nil
}

// ConnectionInfo is a read-only snapshot of the connection state.
type ConnectionInfo struct {
	State           State
	ActiveTransport Kind
	RetryCount      int
}

func (m *Manager) Info() ConnectionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ConnectionInfo{State: m.state, ActiveTransport: m.active, RetryCount: m.retryCount}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts connecting if disconnected. It is idempotent: a
// Connecting or Connected manager ignores the call.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.closed || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	gen := m.gen
	m.mu.Unlock()

	m.log.Info("transport_connect", "Connecting to dispatch backend")
	go m.establish(gen, KindPrimary)
}

// On registers a handler for a named inbound event or connection
// signal and returns a registration id for Off. Multiple handlers per
// name are allowed and all fire.
func (m *Manager) On(event string, h HandlerFunc) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	if m.handlers[event] == nil {
		m.handlers[event] = make(map[int]HandlerFunc)
	}
	m.handlers[event][id] = h
	return id
}

// Off removes exactly the registration identified by id.
func (m *Manager) Off(event string, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers[event], id)
}

// Send dispatches a named event and waits for the backend's
// acknowledgement. It fails immediately with ErrNotConnected when the
// connection is not established, with ErrTimeout when no
// acknowledgement arrives within deadline, and with *ServerError when
// the backend acknowledges {success:false}. Exactly one
// acknowledgement is honored per call; cancellation of ctx abandons
// the wait without retrying.
func (m *Manager) Send(ctx context.Context, event string, payload any, deadline time.Duration) (json.RawMessage, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := m.conn
	id := uuid.NewString()
	ch := make(chan wire.Envelope, 1)
	m.pending[id] = ch
	m.mu.Unlock()

	env, err := wire.NewEvent(event, id, payload)
	if err != nil {
		m.dropPending(id)
		return nil, err
	}
	if err := conn.Send(env); err != nil {
		m.dropPending(id)
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case ack, ok := <-ch:
		if !ok {
			// Connection died while the ack was outstanding.
			return nil, ErrNotConnected
		}
		return interpretAck(event, ack)
	case <-timer.C:
		m.dropPending(id)
		return nil, ErrTimeout
	case <-ctx.Done():
		m.dropPending(id)
		return nil, ctx.Err()
	}
}

// ForceReconnect tears down whatever exists, resets the retry budget
// and reconnects after a short fixed delay, starting from the fallback
// transport to avoid thrashing a link that just proved unreliable.
func (m *Manager) ForceReconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.stopTimerLocked()
	m.gen++
	gen := m.gen
	m.retryCount = 0
	wasConnected := m.state == StateConnected
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.failPendingLocked()
	m.state = StateConnecting
	delay := m.opts.ForceDelay
	m.timer = time.AfterFunc(delay, func() {
		m.establish(gen, KindFallback)
	})
	m.mu.Unlock()

	m.log.Info("transport_force_reconnect", "Forcing reconnect via fallback transport")
	if wasConnected {
		m.emit(wire.SignalDisconnect, wire.DisconnectInfo{Reason: "forced reconnect"})
	}
}

// NetworkRestored handles a host-level connectivity-resumed signal.
// Waiting out a stale backoff window after the network is known to be
// back wastes user-visible time, so it reconnects immediately.
func (m *Manager) NetworkRestored() {
	m.log.Info("transport_network_restored", "Host connectivity restored, reconnecting now")
	m.ForceReconnect()
}

// Close shuts the manager down for process teardown.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.gen++
	m.stopTimerLocked()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.failPendingLocked()
	m.state = StateDisconnected
	m.mu.Unlock()
}

// establish tries to connect starting from the given transport. When
// the streaming transport is first and fails, the attempt downgrades
// to polling before giving up and scheduling a retry.
func (m *Manager) establish(gen int, first Kind) {
	order := []Kind{first}
	if first == KindPrimary {
		order = append(order, KindFallback)
	}

	last := first
	for _, kind := range order {
		if m.stale(gen) {
			return
		}
		conn, err := m.dial(kind)
		if err != nil {
			m.log.WithFields(logger.LogFields{"transport": kind.String()}).
				Error("transport_dial_failed", err)
			m.emit(wire.SignalConnectError, wire.ConnectErrorInfo{Error: err.Error()})
			last = kind
			continue
		}
		m.install(gen, conn, kind)
		return
	}
	m.scheduleRetry(gen, last)
}

func (m *Manager) dial(kind Kind) (Conn, error) {
	dialer := m.opts.Primary
	if kind == KindFallback {
		dialer = m.opts.Fallback
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DialTimeout)
	defer cancel()
	return dialer.Dial(ctx)
}

// install makes conn the active connection and starts its read loop.
func (m *Manager) install(gen int, conn Conn, kind Kind) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		conn.Close()
		return
	}
	attempt := m.retryCount
	m.conn = conn
	m.active = kind
	m.state = StateConnected
	m.retryCount = 0 // resets on every successful transition into Connected
	m.gen++
	connGen := m.gen
	m.pending = make(map[string]chan wire.Envelope)
	m.mu.Unlock()

	m.log.WithFields(logger.LogFields{"transport": kind.String()}).
		Info("transport_connected", "Connected to dispatch backend")
	go m.readLoop(conn, connGen)

	if attempt > 0 {
		m.emit(wire.SignalReconnect, wire.AttemptInfo{Attempt: attempt})
	} else {
		m.emit(wire.SignalConnect, struct{}{})
	}
}

func (m *Manager) readLoop(conn Conn, connGen int) {
	for {
		env, err := conn.Receive()
		if err != nil {
			m.connectionLost(connGen, err)
			return
		}
		switch env.Type {
		case wire.TypeAck:
			m.resolveAck(env)
		case wire.TypeEvent:
			m.emit(env.Event, env.Payload)
		}
	}
}

func (m *Manager) connectionLost(connGen int, cause error) {
	m.mu.Lock()
	if m.closed || connGen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	failed := m.active
	m.state = StateDisconnected
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.failPendingLocked()
	gen := m.gen
	m.mu.Unlock()

	m.log.WithFields(logger.LogFields{"transport": failed.String()}).
		Error("transport_connection_lost", cause)
	m.emit(wire.SignalDisconnect, wire.DisconnectInfo{Reason: cause.Error()})
	m.scheduleRetry(gen, failed)
}

// scheduleRetry arms the backoff timer for the next reconnection
// attempt, or surfaces reconnect_failed once the retry budget is
// exhausted. A streaming failure downgrades the next attempt to the
// fallback transport; a polling failure rotates back to streaming.
func (m *Manager) scheduleRetry(gen int, justFailed Kind) {
	m.mu.Lock()
	if m.closed || gen != m.gen || m.state == StateConnected {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	m.retryCount++
	attempt := m.retryCount

	if attempt > m.opts.MaxRetries {
		m.mu.Unlock()
		m.log.WithFields(logger.LogFields{"attempts": attempt - 1}).
			Error("transport_reconnect_exhausted", fmt.Errorf("giving up after %d attempts", attempt-1))
		m.emit(wire.SignalReconnectFailed, wire.AttemptInfo{Attempt: attempt - 1})
		return
	}

	next := KindPrimary
	if justFailed == KindPrimary {
		next = KindFallback
	}
	delay := BackoffDelay(m.opts.BaseDelay, m.opts.DelayCeiling, attempt)
	m.stopTimerLocked()
	m.timer = time.AfterFunc(delay, func() {
		m.retry(gen, next, attempt)
	})
	m.mu.Unlock()

	m.log.WithFields(logger.LogFields{
		"attempt":  attempt,
		"delay_ms": delay.Milliseconds(),
		"next":     next.String(),
	}).Info("transport_retry_scheduled", "Reconnection attempt scheduled")
}

func (m *Manager) retry(gen int, next Kind, attempt int) {
	m.mu.Lock()
	if m.closed || gen != m.gen || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	m.mu.Unlock()

	m.emit(wire.SignalReconnectAttempt, wire.AttemptInfo{Attempt: attempt})
	m.establish(gen, next)
}

func (m *Manager) stale(gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed || gen != m.gen
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// failPendingLocked wakes every in-flight Send with a closed channel
// so callers observe ErrNotConnected instead of waiting out their
// deadlines against a dead connection.
func (m *Manager) failPendingLocked() {
	for _, ch := range m.pending {
		close(ch)
	}
	m.pending = make(map[string]chan wire.Envelope)
}

func (m *Manager) resolveAck(env wire.Envelope) {
	m.mu.Lock()
	ch, ok := m.pending[env.ID]
	if ok {
		delete(m.pending, env.ID)
	}
	m.mu.Unlock()
	if ok {
		ch <- env
	}
	// Unmatched acks (duplicate or late) are dropped: exactly one
	// acknowledgement is honored per call.
}

func (m *Manager) dropPending(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// emit dispatches payload to every handler registered for name, in
// registration order.
func (m *Manager) emit(name string, payload any) {
	var raw []byte
	switch p := payload.(type) {
	case nil:
	case []byte:
		raw = p
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			m.log.Error("transport_emit_marshal", err)
			return
		}
		raw = b
	}

	m.mu.Lock()
	regs := m.handlers[name]
	ids := make([]int, 0, len(regs))
	for id := range regs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	snapshot := make([]HandlerFunc, 0, len(ids))
	for _, id := range ids {
		snapshot = append(snapshot, regs[id])
	}
	m.mu.Unlock()

	for _, h := range snapshot {
		h(raw)
	}
}

func interpretAck(event string, ack wire.Envelope) (json.RawMessage, error) {
	var probe struct {
		Success *bool  `json:"success"`
		Error   string `json:"error"`
	}
	if len(ack.Payload) > 0 {
		if err := json.Unmarshal(ack.Payload, &probe); err == nil && probe.Success != nil && !*probe.Success {
			return ack.Payload, &ServerError{Event: event, Message: probe.Error, Ack: ack.Payload}
		}
	}
	return ack.Payload, nil
}
