package booking

import (
	"strings"
	"time"

	"passenger-client/internal/wire"
)

// Kind distinguishes ride-now requests from scheduled ones.
type Kind string

const (
	KindImmediate Kind = "immediate"
	KindScheduled Kind = "scheduled"
)

func (k Kind) IsValid() bool {
	return k == KindImmediate || k == KindScheduled
}

// Scheduled bookings must fall inside the operating window: 19:00
// through 08:00 in the service's local timezone.
const (
	windowOpenHour  = 19
	windowCloseHour = 8
)

// Intent is the raw, user-supplied booking input before validation.
type Intent struct {
	Kind        Kind
	Origin      string
	Destination string
	RiderName   string
	RiderPhone  string
	ScheduledAt time.Time // required when Kind is scheduled
}

// BookingRequest is the validated, immutable record submitted to the
// backend. Status is tracked by the session controller, never on the
// record itself.
type BookingRequest struct {
	SessionID   string
	Kind        Kind
	Origin      string
	Destination string
	RiderName   string
	RiderPhone  string // normalized to XXX-XXX-XXXX
	ScheduledAt time.Time
}

// NewBookingRequest validates intent and builds the immutable request.
// loc is the service's operating timezone; now anchors the
// strictly-in-the-future check for scheduled rides.
func NewBookingRequest(sessionID string, intent Intent, loc *time.Location, now time.Time) (*BookingRequest, error) {
	if !intent.Kind.IsValid() {
		return nil, &ValidationError{Field: "kind", Reason: "must be immediate or scheduled"}
	}

	origin := strings.TrimSpace(intent.Origin)
	destination := strings.TrimSpace(intent.Destination)
	name := strings.TrimSpace(intent.RiderName)
	if origin == "" {
		return nil, &ValidationError{Field: "origin", Reason: "pickup location is required"}
	}
	if destination == "" {
		return nil, &ValidationError{Field: "destination", Reason: "drop-off location is required"}
	}
	if name == "" {
		return nil, &ValidationError{Field: "riderName", Reason: "name is required"}
	}

	phone, err := NormalizePhone(intent.RiderPhone)
	if err != nil {
		return nil, err
	}

	req := &BookingRequest{
		SessionID:   sessionID,
		Kind:        intent.Kind,
		Origin:      origin,
		Destination: destination,
		RiderName:   name,
		RiderPhone:  phone,
	}

	if intent.Kind == KindScheduled {
		if intent.ScheduledAt.IsZero() {
			return nil, &ValidationError{Field: "scheduledAt", Reason: "date and time are required for scheduled rides"}
		}
		local := intent.ScheduledAt.In(loc)
		if !insideOperatingWindow(local.Hour()) {
			return nil, &ValidationError{Field: "scheduledAt", Reason: "scheduled rides run between 7PM and 8AM only"}
		}
		if !local.After(now.In(loc)) {
			return nil, &ValidationError{Field: "scheduledAt", Reason: "scheduled time must be in the future"}
		}
		req.ScheduledAt = local
	}

	return req, nil
}

// insideOperatingWindow reports whether hour falls in [19,24) or [0,8).
func insideOperatingWindow(hour int) bool {
	return hour >= windowOpenHour || hour < windowCloseHour
}

// NormalizePhone reduces a phone number to the fixed-width digit
// format XXX-XXX-XXXX. It accepts anything with ten digits in it —
// "(214) 555-0123", "214.555.0123", "2145550123" — plus an optional
// leading country code 1.
func NormalizePhone(raw string) (string, error) {
	var digits []byte
	for i := 0; i < len(raw); i++ {
		if raw[i] >= '0' && raw[i] <= '9' {
			digits = append(digits, raw[i])
		}
	}
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	if len(digits) != 10 {
		return "", &ValidationError{Field: "riderPhone", Reason: "enter a valid phone number (XXX-XXX-XXXX)"}
	}
	return string(digits[0:3]) + "-" + string(digits[3:6]) + "-" + string(digits[6:10]), nil
}

// wirePayload converts the request to its on-the-wire form.
func (r *BookingRequest) wirePayload() wire.RideRequest {
	payload := wire.RideRequest{
		SessionID:   r.SessionID,
		Kind:        string(r.Kind),
		Origin:      r.Origin,
		Destination: r.Destination,
		RiderName:   r.RiderName,
		RiderPhone:  r.RiderPhone,
	}
	if r.Kind == KindScheduled {
		payload.ScheduledAt = r.ScheduledAt.Format(time.RFC3339)
	}
	return payload
}
