package booking

import (
	"errors"
	"testing"
	"time"
)

var chicago = func() *time.Location {
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		panic(err)
	}
	return loc
}()

func TestNormalizePhone(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"bare digits", "2145550123", "214-555-0123", false},
		{"parenthesized", "(214) 555-0123", "214-555-0123", false},
		{"dashed", "214-555-0123", "214-555-0123", false},
		{"dotted", "214.555.0123", "214-555-0123", false},
		{"country code", "1-214-555-0123", "214-555-0123", false},
		{"plus country code", "+1 (214) 555-0123", "214-555-0123", false},
		{"too short", "555-0123", "", true},
		{"too long", "214-555-01234", "", true},
		{"eleven no leading one", "22145550123", "", true},
		{"letters only", "call me", "", true},
		{"empty", "", "", true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := NormalizePhone(tc.raw)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("NormalizePhone(%q) = %q, want %q", tc.raw, got, tc.want)
			}
		})
	}
}

func validIntent() Intent {
	return Intent{
		Kind:        KindImmediate,
		Origin:      "Deep Ellum",
		Destination: "DFW Airport",
		RiderName:   "Alex Rider",
		RiderPhone:  "(214) 555-0123",
	}
}

func TestNewBookingRequestImmediate(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 14, 0, 0, 0, chicago)
	req, err := NewBookingRequest("sess-1", validIntent(), chicago, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.SessionID != "sess-1" {
		t.Errorf("session id = %q", req.SessionID)
	}
	if req.RiderPhone != "214-555-0123" {
		t.Errorf("phone = %q, want normalized 214-555-0123", req.RiderPhone)
	}
	if !req.ScheduledAt.IsZero() {
		t.Errorf("immediate ride carries scheduled time %v", req.ScheduledAt)
	}
}

func TestNewBookingRequestTrimsAndRejectsBlank(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 14, 0, 0, 0, chicago)

	in := validIntent()
	in.Origin = "  Deep Ellum  "
	req, err := NewBookingRequest("s", in, chicago, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Origin != "Deep Ellum" {
		t.Errorf("origin = %q, want trimmed", req.Origin)
	}

	blankCases := []struct {
		name  string
		field string
		mut   func(*Intent)
	}{
		{"origin", "origin", func(i *Intent) { i.Origin = "   " }},
		{"destination", "destination", func(i *Intent) { i.Destination = "" }},
		{"rider name", "riderName", func(i *Intent) { i.RiderName = "\t" }},
	}
	for _, tc := range blankCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			in := validIntent()
			tc.mut(&in)
			_, err := NewBookingRequest("s", in, chicago, now)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("got err %v, want ValidationError", err)
			}
			if verr.Field != tc.field {
				t.Errorf("field = %q, want %q", verr.Field, tc.field)
			}
		})
	}
}

func TestNewBookingRequestRejectsBadKind(t *testing.T) {
	t.Parallel()

	in := validIntent()
	in.Kind = Kind("later")
	_, err := NewBookingRequest("s", in, chicago, time.Now())
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "kind" {
		t.Fatalf("got err %v, want kind ValidationError", err)
	}
}

func TestNewBookingRequestScheduledWindow(t *testing.T) {
	t.Parallel()

	// Fixed evaluation time well before every candidate slot.
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, chicago)

	cases := []struct {
		name string
		hour int
		ok   bool
	}{
		{"window opens at 7pm", 19, true},
		{"just before open", 18, false},
		{"midnight", 0, true},
		{"early morning", 7, true},
		{"window closes at 8am", 8, false},
		{"midday", 13, false},
		{"late evening", 23, true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			in := validIntent()
			in.Kind = KindScheduled
			in.ScheduledAt = time.Date(2026, 3, 11, tc.hour, 30, 0, 0, chicago)

			_, err := NewBookingRequest("s", in, chicago, now)
			if tc.ok && err != nil {
				t.Errorf("hour %d rejected: %v", tc.hour, err)
			}
			if !tc.ok {
				var verr *ValidationError
				if !errors.As(err, &verr) || verr.Field != "scheduledAt" {
					t.Errorf("hour %d: got err %v, want scheduledAt ValidationError", tc.hour, err)
				}
			}
		})
	}
}

func TestNewBookingRequestScheduledWindowUsesServiceTimezone(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, chicago)

	// 01:30 UTC on Mar 12 is 20:30 on Mar 11 in Chicago (CDT, UTC-5):
	// inside the window even though the UTC hour is not.
	in := validIntent()
	in.Kind = KindScheduled
	in.ScheduledAt = time.Date(2026, 3, 12, 1, 30, 0, 0, time.UTC)

	req, err := NewBookingRequest("s", in, chicago, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.ScheduledAt.Hour() != 20 {
		t.Errorf("stored hour = %d, want 20 local", req.ScheduledAt.Hour())
	}
}

func TestNewBookingRequestScheduledMustBeFuture(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 21, 0, 0, 0, chicago)

	in := validIntent()
	in.Kind = KindScheduled

	// In window but in the past.
	in.ScheduledAt = time.Date(2026, 3, 9, 20, 0, 0, 0, chicago)
	if _, err := NewBookingRequest("s", in, chicago, now); err == nil {
		t.Error("past scheduled time accepted")
	}

	// Exactly now is not strictly future.
	in.ScheduledAt = now
	if _, err := NewBookingRequest("s", in, chicago, now); err == nil {
		t.Error("scheduled time equal to now accepted")
	}

	// Zero time is its own error before the window check.
	in.ScheduledAt = time.Time{}
	var verr *ValidationError
	if _, err := NewBookingRequest("s", in, chicago, now); !errors.As(err, &verr) || verr.Field != "scheduledAt" {
		t.Error("zero scheduled time not rejected")
	}
}

func TestWirePayload(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, chicago)

	in := validIntent()
	in.Kind = KindScheduled
	in.ScheduledAt = time.Date(2026, 3, 11, 20, 0, 0, 0, chicago)

	req, err := NewBookingRequest("sess-9", in, chicago, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p := req.wirePayload()
	if p.SessionID != "sess-9" || p.Kind != "scheduled" {
		t.Errorf("payload = %+v", p)
	}
	if p.ScheduledAt != "2026-03-11T20:00:00-05:00" {
		t.Errorf("scheduledAt = %q", p.ScheduledAt)
	}

	p2 := mustImmediateRequest(t, now).wirePayload()
	if p2.ScheduledAt != "" {
		t.Errorf("immediate payload carries scheduledAt %q", p2.ScheduledAt)
	}
}

func mustImmediateRequest(t *testing.T, now time.Time) *BookingRequest {
	t.Helper()
	req, err := NewBookingRequest("s", validIntent(), chicago, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return req
}
