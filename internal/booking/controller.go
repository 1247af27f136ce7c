package booking

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"passenger-client/internal/availability"
	"passenger-client/internal/transport"
	"passenger-client/internal/wire"
	"passenger-client/pkg/logger"
	"passenger-client/pkg/uuid"
)

// State of the booking session.
type State int

const (
	StateIdle State = iota
	StateValidating
	StateSubmitting
	StatePending
	StateAccepted
	StateDeclined
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateValidating:
		return "VALIDATING"
	case StateSubmitting:
		return "SUBMITTING"
	case StatePending:
		return "PENDING"
	case StateAccepted:
		return "ACCEPTED"
	case StateDeclined:
		return "DECLINED"
	case StateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// Terminal reports whether the session is finished. Terminal states
// ignore every later event; a new booking needs a new session.
func (s State) Terminal() bool {
	return s == StateAccepted || s == StateDeclined || s == StateFailed
}

// Sender is the request primitive of the transport manager.
type Sender interface {
	Send(ctx context.Context, event string, payload any, deadline time.Duration) (json.RawMessage, error)
}

// AvailabilityReader gates immediate bookings.
type AvailabilityReader interface {
	Status() availability.Status
}

// Controller is the client-side booking session state machine. It
// accepts one booking intent per session, validates it, submits it
// exactly once, and reconciles the outcome with inbound driver events.
//
// All state transitions run on a single event loop goroutine, to
// completion, one at a time. The Submitting -> Pending transition
// happens before the network call can possibly return, which is what
// makes a second submit during the first one unconditionally a
// DuplicateSubmission without any extra locking.
type Controller struct {
	log      logger.Logger
	sender   Sender
	avail    AvailabilityReader
	loc      *time.Location
	deadline time.Duration
	now      func() time.Time

	events chan func()
	quit   chan struct{}

	// Everything below is owned by the event loop goroutine.
	sessionID  string
	state      State
	request    *BookingRequest
	failure    string
	fare       *wire.FareDetails
	driver     *wire.DriverInfo
	cancelSend context.CancelFunc
}

func NewController(sender Sender, avail AvailabilityReader, loc *time.Location, deadline time.Duration, log logger.Logger) *Controller {
	c := &Controller{
		log:       log,
		sender:    sender,
		avail:     avail,
		loc:       loc,
		deadline:  deadline,
		now:       time.Now,
		events:    make(chan func(), 64),
		quit:      make(chan struct{}),
		sessionID: uuid.NewString(),
		state:     StateIdle,
	}
	go c.loop()
	return c
}

func (c *Controller) loop() {
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.quit:
			return
		}
	}
}

// Close stops the event loop at process teardown.
func (c *Controller) Close() {
	select {
	case <-c.quit:
	default:
		close(c.quit)
	}
}

// do runs fn on the event loop and waits for it to finish.
func (c *Controller) do(fn func()) {
	done := make(chan struct{})
	select {
	case c.events <- func() {
		fn()
		close(done)
	}:
	case <-c.quit:
		return
	}
	select {
	case <-done:
	case <-c.quit:
	}
}

// Submit accepts a booking intent for the current session. The
// admission, validation and duplicate checks resolve synchronously;
// the submission outcome arrives later through the session state.
func (c *Controller) Submit(intent Intent) error {
	var err error
	c.do(func() { err = c.submit(intent) })
	return err
}

func (c *Controller) submit(intent Intent) error {
	if c.state.Terminal() {
		return ErrSessionFinished
	}
	if c.state != StateIdle {
		return ErrDuplicateSubmission
	}

	// Admission rule: an immediate ride may not even enter validation
	// unless the driver is available right now.
	if intent.Kind == KindImmediate && c.avail.Status() != availability.StatusAvailable {
		return ErrDriverUnavailable
	}

	c.state = StateValidating
	req, err := NewBookingRequest(c.sessionID, intent, c.loc, c.now())
	if err != nil {
		c.state = StateIdle
		c.log.WithFields(logger.LogFields{"session_id": c.sessionID}).
			Error("booking_validation_failed", err)
		return err
	}

	c.state = StateSubmitting
	c.request = req

	event := wire.EventRideRequest
	if req.Kind == KindScheduled {
		event = wire.EventFutureBookingRequest
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelSend = cancel

	// Close the idempotency window before the send can return.
	c.state = StatePending
	sessionID := c.sessionID
	payload := req.wirePayload()
	go func() {
		raw, sendErr := c.sender.Send(ctx, event, payload, c.deadline)
		c.do(func() { c.finishSend(sessionID, raw, sendErr) })
	}()

	c.log.WithFields(logger.LogFields{
		"session_id": sessionID,
		"kind":       string(req.Kind),
	}).Info("booking_submitted", "Booking request sent to dispatch")
	return nil
}

// finishSend reconciles the send result delivered back from the
// transport goroutine. An inbound rideAccepted/rideDeclined event may
// already have resolved the session; then the late result is ignored.
func (c *Controller) finishSend(sessionID string, raw json.RawMessage, err error) {
	if sessionID != c.sessionID || c.state != StatePending {
		return
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Abandoned on terminal transition; nothing to record.
			return
		}
		var srvErr *transport.ServerError
		if errors.As(err, &srvErr) {
			var ack wire.BookingAck
			if len(srvErr.Ack) > 0 && json.Unmarshal(srvErr.Ack, &ack) == nil && ack.Declined {
				c.setTerminal(StateDeclined)
				return
			}
			if srvErr.Message != "" {
				c.failure = srvErr.Message
			} else {
				c.failure = err.Error()
			}
			c.setTerminal(StateFailed)
			return
		}
		// Timeout, not-connected, and everything else: terminal,
		// reason preserved verbatim for display.
		c.failure = err.Error()
		c.setTerminal(StateFailed)
		return
	}

	var ack wire.BookingAck
	if len(raw) > 0 {
		if unmarshalErr := json.Unmarshal(raw, &ack); unmarshalErr != nil {
			c.failure = "invalid acknowledgement from dispatch"
			c.log.Error("booking_bad_ack", unmarshalErr)
			c.setTerminal(StateFailed)
			return
		}
	}
	if ack.Declined {
		c.setTerminal(StateDeclined)
		return
	}
	c.fare = ack.FareDetails
	c.driver = ack.DriverInfo
	c.setTerminal(StateAccepted)
}

// HandleRideAccepted consumes an inbound rideAccepted event. Duplicate
// deliveries and events for other sessions are no-ops.
func (c *Controller) HandleRideAccepted(payload []byte) {
	c.do(func() {
		if !c.decisionForThisSession(payload) || c.state != StatePending {
			return
		}
		c.setTerminal(StateAccepted)
	})
}

// HandleRideDeclined consumes an inbound rideDeclined event.
func (c *Controller) HandleRideDeclined(payload []byte) {
	c.do(func() {
		if !c.decisionForThisSession(payload) || c.state != StatePending {
			return
		}
		c.setTerminal(StateDeclined)
	})
}

func (c *Controller) decisionForThisSession(payload []byte) bool {
	var dec wire.RideDecision
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &dec); err != nil {
			c.log.Error("booking_bad_decision_event", err)
			return false
		}
	}
	// A backend serving a single driver may omit the session id; the
	// one in-flight session is then the only possible addressee.
	return dec.SessionID == "" || dec.SessionID == c.sessionID
}

// setTerminal finishes the session and abandons the pending send
// deadline, if any. Terminal states never change again: an Accepted
// ride stays accepted even if driver availability later flips.
func (c *Controller) setTerminal(s State) {
	c.state = s
	if c.cancelSend != nil {
		c.cancelSend()
		c.cancelSend = nil
	}
	c.log.WithFields(logger.LogFields{
		"session_id": c.sessionID,
		"state":      s.String(),
	}).Info("booking_session_finished", "Booking session reached terminal state")
}

// NewSession regenerates the session id and returns the machine to
// Idle. Allowed from Idle or any terminal state; never while a booking
// is in flight.
func (c *Controller) NewSession() (string, error) {
	var id string
	var err error
	c.do(func() {
		if c.state != StateIdle && !c.state.Terminal() {
			err = ErrSessionActive
			return
		}
		c.sessionID = uuid.NewString()
		c.state = StateIdle
		c.request = nil
		c.failure = ""
		c.fare = nil
		c.driver = nil
		id = c.sessionID
	})
	return id, err
}

// Snapshot is a read-only copy of the session for display.
type Snapshot struct {
	SessionID     string
	State         State
	Request       *BookingRequest
	FailureReason string
	FareDetails   *wire.FareDetails
	DriverInfo    *wire.DriverInfo
}

func (c *Controller) Snapshot() Snapshot {
	var snap Snapshot
	c.do(func() {
		snap = Snapshot{
			SessionID:     c.sessionID,
			State:         c.state,
			FailureReason: c.failure,
		}
		if c.request != nil {
			req := *c.request
			snap.Request = &req
		}
		if c.fare != nil {
			fare := *c.fare
			snap.FareDetails = &fare
		}
		if c.driver != nil {
			driver := *c.driver
			snap.DriverInfo = &driver
		}
	})
	return snap
}
