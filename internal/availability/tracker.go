package availability

import (
	"fmt"
	"strings"
	"sync"

	"passenger-client/internal/wire"
	"passenger-client/pkg/logger"
)

// Status is the three-valued driver availability derived from inbound
// backend events.
type Status string

const (
	StatusOffline   Status = "OFFLINE"
	StatusAvailable Status = "AVAILABLE"
	StatusBusy      Status = "BUSY"
)

func (s Status) String() string {
	return string(s)
}

// Reduce maps an inbound status label onto the next availability
// state. Labels are matched case-insensitively. An unrecognized label
// is rejected so the caller retains the previous status: malformed
// input must never promote the driver to a bookable state.
func Reduce(current Status, label string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "OFFLINE":
		return StatusOffline, nil
	case "AVAILABLE", "ONLINE":
		return StatusAvailable, nil
	case "BUSY", "ON_RIDE":
		return StatusBusy, nil
	default:
		return current, fmt.Errorf("unrecognized driver status %q", label)
	}
}

// Tracker owns the single process-wide availability value. Only the
// Tracker mutates it (from inbound events); everything else reads
// snapshots. Last received wins; no ordering is assumed between
// updates.
type Tracker struct {
	log logger.Logger

	mu     sync.RWMutex
	status Status
	driver *wire.DriverInfo
}

func NewTracker(log logger.Logger) *Tracker {
	return &Tracker{log: log, status: StatusOffline}
}

// Apply consumes a driverStatusUpdate event.
func (t *Tracker) Apply(ev wire.DriverStatusUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next, err := Reduce(t.status, ev.Status)
	if err != nil {
		t.log.Error("availability_bad_status", err)
		return
	}
	if ev.DriverInfo != nil {
		info := *ev.DriverInfo
		t.driver = &info
	}
	if next != t.status {
		t.log.WithFields(logger.LogFields{
			"from": t.status.String(),
			"to":   next.String(),
		}).Info("availability_changed", "Driver availability changed")
	}
	t.status = next
}

// ApplyAppStatus consumes a passengerAppStatus event. The driver app
// going offline forces Offline; coming back does not guess a status —
// the next driverStatusUpdate carries it.
func (t *Tracker) ApplyAppStatus(ev wire.PassengerAppStatus) {
	if !ev.IsOffline {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusOffline {
		t.log.Info("availability_app_offline", "Driver app reported offline")
	}
	t.status = StatusOffline
}

// Status returns the current availability.
func (t *Tracker) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Snapshot returns the current availability and a copy of the last
// known driver info (nil when none was ever received).
func (t *Tracker) Snapshot() (Status, *wire.DriverInfo) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.driver == nil {
		return t.status, nil
	}
	info := *t.driver
	return t.status, &info
}
