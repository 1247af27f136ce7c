package booking

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"passenger-client/internal/availability"
	"passenger-client/internal/transport"
	"passenger-client/internal/wire"
	"passenger-client/pkg/logger"
)

type sendCall struct {
	event   string
	payload wire.RideRequest
}

// fakeSender records sends and answers them through respond. When gate
// is set, Send blocks until the gate closes or the context cancels,
// which lets tests hold a submission in flight.
type fakeSender struct {
	mu      sync.Mutex
	calls   []sendCall
	respond func(event string) (json.RawMessage, error)
	gate    chan struct{}
}

func (f *fakeSender) Send(ctx context.Context, event string, payload any, _ time.Duration) (json.RawMessage, error) {
	f.mu.Lock()
	call := sendCall{event: event}
	if rr, ok := payload.(wire.RideRequest); ok {
		call.payload = rr
	}
	f.calls = append(f.calls, call)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.respond == nil {
		return json.RawMessage(`{"success":true}`), nil
	}
	return f.respond(event)
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSender) lastCall() sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type fakeAvail struct {
	mu     sync.Mutex
	status availability.Status
}

func (f *fakeAvail) Status() availability.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeAvail) set(s availability.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
}

func newTestController(t *testing.T, sender Sender, avail AvailabilityReader) *Controller {
	t.Helper()
	c := NewController(sender, avail, chicago, 100*time.Millisecond, logger.NewLogger("test"))
	t.Cleanup(c.Close)
	return c
}

func waitForState(t *testing.T, c *Controller, want State) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := c.Snapshot()
		if snap.State == want {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %s, currently %s", want, c.Snapshot().State)
	return Snapshot{}
}

func TestSubmitValidationFailureReturnsToIdle(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	c := newTestController(t, sender, &fakeAvail{status: availability.StatusAvailable})

	in := validIntent()
	in.RiderPhone = "not a phone"

	err := c.Submit(in)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("got err %v, want ValidationError", err)
	}
	if snap := c.Snapshot(); snap.State != StateIdle {
		t.Errorf("state = %s, want IDLE after validation failure", snap.State)
	}
	if sender.callCount() != 0 {
		t.Errorf("validation failure reached the network: %d calls", sender.callCount())
	}

	// The same session accepts a corrected submission.
	if err := c.Submit(validIntent()); err != nil {
		t.Fatalf("resubmit after validation failure: %v", err)
	}
	waitForState(t, c, StateAccepted)
}

func TestSubmitImmediateRequiresAvailableDriver(t *testing.T) {
	t.Parallel()

	for _, status := range []availability.Status{availability.StatusOffline, availability.StatusBusy} {
		sender := &fakeSender{}
		c := newTestController(t, sender, &fakeAvail{status: status})

		if err := c.Submit(validIntent()); !errors.Is(err, ErrDriverUnavailable) {
			t.Errorf("driver %s: got err %v, want ErrDriverUnavailable", status, err)
		}
		if sender.callCount() != 0 {
			t.Errorf("driver %s: rejected submission reached the network", status)
		}
	}
}

func TestSubmitScheduledIgnoresAvailability(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	c := newTestController(t, sender, &fakeAvail{status: availability.StatusOffline})

	in := validIntent()
	in.Kind = KindScheduled
	// A slot next year keeps the time in the future whenever this runs.
	in.ScheduledAt = time.Date(time.Now().Year()+1, 6, 1, 21, 0, 0, 0, chicago)

	if err := c.Submit(in); err != nil {
		t.Fatalf("scheduled submit with offline driver: %v", err)
	}
	waitForState(t, c, StateAccepted)
	if got := sender.lastCall().event; got != wire.EventFutureBookingRequest {
		t.Errorf("event = %q, want %q", got, wire.EventFutureBookingRequest)
	}
}

func TestSubmitAcceptedAck(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{
		respond: func(string) (json.RawMessage, error) {
			return json.RawMessage(`{
				"success": true,
				"fareDetails": {"distance": 10, "duration": 20, "fare": 46.24, "destination": "DFW Airport"},
				"driverInfo": {"name": "Jamie", "carColor": "blue", "carMakeModel": "Toyota Camry", "licensePlate": "ABC-1234"}
			}`), nil
		},
	}
	c := newTestController(t, sender, &fakeAvail{status: availability.StatusAvailable})

	if err := c.Submit(validIntent()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	snap := waitForState(t, c, StateAccepted)
	if snap.FareDetails == nil || snap.FareDetails.Fare != 46.24 {
		t.Errorf("fare details = %+v", snap.FareDetails)
	}
	if snap.DriverInfo == nil || snap.DriverInfo.Name != "Jamie" {
		t.Errorf("driver info = %+v", snap.DriverInfo)
	}
	if got := sender.lastCall().event; got != wire.EventRideRequest {
		t.Errorf("event = %q, want %q", got, wire.EventRideRequest)
	}
	if phone := sender.lastCall().payload.RiderPhone; phone != "214-555-0123" {
		t.Errorf("submitted phone = %q, want normalized", phone)
	}
}

func TestSubmitDuplicateWhilePending(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	sender := &fakeSender{gate: gate}
	c := newTestController(t, sender, &fakeAvail{status: availability.StatusAvailable})

	if err := c.Submit(validIntent()); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := c.Submit(validIntent()); !errors.Is(err, ErrDuplicateSubmission) {
		t.Fatalf("second submit: got %v, want ErrDuplicateSubmission", err)
	}

	close(gate)
	waitForState(t, c, StateAccepted)
	if sender.callCount() != 1 {
		t.Errorf("send count = %d, want exactly 1", sender.callCount())
	}
}

func TestSubmitAfterTerminal(t *testing.T) {
	t.Parallel()

	c := newTestController(t, &fakeSender{}, &fakeAvail{status: availability.StatusAvailable})

	if err := c.Submit(validIntent()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForState(t, c, StateAccepted)

	if err := c.Submit(validIntent()); !errors.Is(err, ErrSessionFinished) {
		t.Errorf("submit after terminal: got %v, want ErrSessionFinished", err)
	}
}

func TestDeclinedAck(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{
		respond: func(string) (json.RawMessage, error) {
			return json.RawMessage(`{"success": false, "declined": true}`), nil
		},
	}
	c := newTestController(t, sender, &fakeAvail{status: availability.StatusAvailable})

	if err := c.Submit(validIntent()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	snap := waitForState(t, c, StateDeclined)
	if snap.FailureReason != "" {
		t.Errorf("declined session carries failure reason %q", snap.FailureReason)
	}
}

func TestSendErrorFailsSession(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{
		respond: func(string) (json.RawMessage, error) {
			return nil, transport.ErrTimeout
		},
	}
	c := newTestController(t, sender, &fakeAvail{status: availability.StatusAvailable})

	if err := c.Submit(validIntent()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	snap := waitForState(t, c, StateFailed)
	if snap.FailureReason != transport.ErrTimeout.Error() {
		t.Errorf("failure reason = %q, want %q", snap.FailureReason, transport.ErrTimeout.Error())
	}
}

func TestServerErrorAck(t *testing.T) {
	t.Parallel()

	t.Run("declined in error ack", func(t *testing.T) {
		t.Parallel()

		sender := &fakeSender{
			respond: func(string) (json.RawMessage, error) {
				return nil, &transport.ServerError{
					Event: wire.EventRideRequest,
					Ack:   []byte(`{"success": false, "declined": true}`),
				}
			},
		}
		c := newTestController(t, sender, &fakeAvail{status: availability.StatusAvailable})
		if err := c.Submit(validIntent()); err != nil {
			t.Fatalf("submit: %v", err)
		}
		waitForState(t, c, StateDeclined)
	})

	t.Run("plain rejection", func(t *testing.T) {
		t.Parallel()

		sender := &fakeSender{
			respond: func(string) (json.RawMessage, error) {
				return nil, &transport.ServerError{
					Event:   wire.EventRideRequest,
					Message: "no drivers in your area",
					Ack:     []byte(`{"success": false, "error": "no drivers in your area"}`),
				}
			},
		}
		c := newTestController(t, sender, &fakeAvail{status: availability.StatusAvailable})
		if err := c.Submit(validIntent()); err != nil {
			t.Fatalf("submit: %v", err)
		}
		snap := waitForState(t, c, StateFailed)
		if snap.FailureReason != "no drivers in your area" {
			t.Errorf("failure reason = %q", snap.FailureReason)
		}
	})
}

func TestInboundDecisionResolvesPending(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	sender := &fakeSender{gate: gate}
	c := newTestController(t, sender, &fakeAvail{status: availability.StatusAvailable})
	defer close(gate)

	if err := c.Submit(validIntent()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// A decision for some other session leaves this one pending.
	c.HandleRideAccepted([]byte(`{"sessionId": "someone-else"}`))
	if snap := c.Snapshot(); snap.State != StatePending {
		t.Fatalf("state = %s, want PENDING after foreign decision", snap.State)
	}

	c.HandleRideAccepted(nil)
	waitForState(t, c, StateAccepted)

	// Duplicate delivery and a late contrary decision are no-ops.
	c.HandleRideAccepted(nil)
	c.HandleRideDeclined(nil)
	if got := c.Snapshot().State; got != StateAccepted {
		t.Errorf("state = %s, want ACCEPTED to stick", got)
	}
}

func TestAcceptedImmuneToAvailabilityChanges(t *testing.T) {
	t.Parallel()

	avail := &fakeAvail{status: availability.StatusAvailable}
	c := newTestController(t, &fakeSender{}, avail)

	if err := c.Submit(validIntent()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForState(t, c, StateAccepted)

	avail.set(availability.StatusOffline)
	if got := c.Snapshot().State; got != StateAccepted {
		t.Errorf("state = %s, want ACCEPTED to survive availability change", got)
	}
}

func TestInboundDeclinedResolvesPending(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	sender := &fakeSender{gate: gate}
	c := newTestController(t, sender, &fakeAvail{status: availability.StatusAvailable})
	defer close(gate)

	if err := c.Submit(validIntent()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	c.HandleRideDeclined([]byte(`{}`))
	waitForState(t, c, StateDeclined)
}

func TestNewSession(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	sender := &fakeSender{gate: gate}
	c := newTestController(t, sender, &fakeAvail{status: availability.StatusAvailable})

	first := c.Snapshot().SessionID

	// Fresh session from Idle is allowed.
	second, err := c.NewSession()
	if err != nil {
		t.Fatalf("new session from idle: %v", err)
	}
	if second == first {
		t.Error("session id not regenerated")
	}

	if err := c.Submit(validIntent()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := c.NewSession(); !errors.Is(err, ErrSessionActive) {
		t.Errorf("new session while pending: got %v, want ErrSessionActive", err)
	}

	close(gate)
	waitForState(t, c, StateAccepted)

	third, err := c.NewSession()
	if err != nil {
		t.Fatalf("new session after terminal: %v", err)
	}
	if third == second {
		t.Error("session id not regenerated after terminal")
	}
	snap := c.Snapshot()
	if snap.State != StateIdle || snap.Request != nil || snap.DriverInfo != nil || snap.FareDetails != nil || snap.FailureReason != "" {
		t.Errorf("new session not reset: %+v", snap)
	}
}
