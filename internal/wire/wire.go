package wire

import (
	"encoding/json"
	"fmt"
)

// Envelope is the frame exchanged with the dispatch backend on every
// transport. Events flow both ways; acks flow backend to client only
// and carry the ID of the event they acknowledge.
type Envelope struct {
	Type    string          `json:"type"`
	Event   string          `json:"event,omitempty"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	TypeEvent = "event"
	TypeAck   = "ack"
)

// Outbound message names (client -> backend, acknowledged).
const (
	EventRideRequest          = "rideRequest"
	EventFutureBookingRequest = "futureBookingRequest"
	EventGetDriverStatus      = "getDriverStatus"
	EventRequestFareEstimate  = "requestFareEstimate"
)

// Inbound event names (backend -> client, fire-and-forget).
const (
	EventDriverStatusUpdate = "driverStatusUpdate"
	EventRideAccepted       = "rideAccepted"
	EventRideDeclined       = "rideDeclined"
	EventPassengerAppStatus = "passengerAppStatus"
	EventFareEstimateUpdate = "fareEstimateUpdate"
)

// Connection-level signal names. These are not wire messages; the
// transport manager raises them through the same handler registry so
// consumers subscribe to connectivity the way they subscribe to events.
const (
	SignalConnect          = "connect"
	SignalDisconnect       = "disconnect"
	SignalConnectError     = "connect_error"
	SignalReconnectAttempt = "reconnect_attempt"
	SignalReconnect        = "reconnect"
	SignalReconnectFailed  = "reconnect_failed"
)

// NewEvent builds an outbound event envelope, marshaling the payload.
func NewEvent(event, id string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return Envelope{Type: TypeEvent, Event: event, ID: id, Payload: raw}, nil
}

// Decode reads an envelope from a JSON frame.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type != TypeEvent && env.Type != TypeAck {
		return Envelope{}, fmt.Errorf("decode envelope: unknown type %q", env.Type)
	}
	return env, nil
}
