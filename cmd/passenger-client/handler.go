package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"passenger-client/internal/availability"
	"passenger-client/internal/booking"
	"passenger-client/internal/fare"
	"passenger-client/internal/transport"
	"passenger-client/internal/wire"
	"passenger-client/pkg/logger"
)

// fareQuotes keeps the most recent fare quote from the backend, pushed
// through fareEstimateUpdate events or returned by an explicit request.
type fareQuotes struct {
	mu   sync.Mutex
	last *wire.FareDetails
}

func (q *fareQuotes) store(f *wire.FareDetails) {
	if f == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	quote := *f
	q.last = &quote
}

func (q *fareQuotes) latest() *wire.FareDetails {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.last == nil {
		return nil
	}
	quote := *q.last
	return &quote
}

// PassengerHandler exposes the client's state and operations over the
// local HTTP facade.
type PassengerHandler struct {
	log        logger.Logger
	transport  *transport.Manager
	tracker    *availability.Tracker
	controller *booking.Controller
	quotes     *fareQuotes
	deadline   time.Duration
}

func NewPassengerHandler(log logger.Logger, tm *transport.Manager, tracker *availability.Tracker, ctrl *booking.Controller, quotes *fareQuotes, deadline time.Duration) *PassengerHandler {
	return &PassengerHandler{
		log:        log,
		transport:  tm,
		tracker:    tracker,
		controller: ctrl,
		quotes:     quotes,
		deadline:   deadline,
	}
}

func (h *PassengerHandler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ConnectionResponse struct {
	State           string `json:"state"`
	ActiveTransport string `json:"active_transport"`
	RetryCount      int    `json:"retry_count"`
}

func (h *PassengerHandler) getConnection(w http.ResponseWriter, r *http.Request) {
	info := h.transport.Info()
	resp := ConnectionResponse{
		State:      info.State.String(),
		RetryCount: info.RetryCount,
	}
	if info.State == transport.StateConnected {
		resp.ActiveTransport = info.ActiveTransport.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *PassengerHandler) forceReconnect(w http.ResponseWriter, r *http.Request) {
	h.transport.ForceReconnect()
	writeJSON(w, http.StatusAccepted, map[string]string{"state": h.transport.State().String()})
}

type DriverStatusResponse struct {
	Status     string           `json:"status"`
	DriverInfo *wire.DriverInfo `json:"driver_info,omitempty"`
}

func (h *PassengerHandler) getDriverStatus(w http.ResponseWriter, r *http.Request) {
	status, info := h.tracker.Snapshot()
	writeJSON(w, http.StatusOK, DriverStatusResponse{
		Status:     status.String(),
		DriverInfo: info,
	})
}

type FareEstimateResponse struct {
	Breakdown *fare.Breakdown `json:"breakdown"`
	Lines     []fare.Line     `json:"lines"`
	Total     string          `json:"total"`
}

func (h *PassengerHandler) getFareEstimate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	distance, err := strconv.ParseFloat(q.Get("distance"), 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "distance must be a number of miles")
		return
	}
	duration, err := strconv.ParseFloat(q.Get("duration"), 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "duration must be a number of minutes")
		return
	}

	breakdown, err := fare.Estimate(distance, duration, q.Get("destination"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, FareEstimateResponse{
		Breakdown: breakdown,
		Lines:     breakdown.Lines(),
		Total:     fare.FormatUSD(breakdown.Total),
	})
}

type BackendFareEstimateRequest struct {
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
}

// requestBackendFareEstimate asks the dispatch backend for a fare
// quote over the active transport; the local estimator stays the
// offline path.
func (h *PassengerHandler) requestBackendFareEstimate(w http.ResponseWriter, r *http.Request) {
	var req BackendFareEstimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Origin == "" || req.Destination == "" {
		writeError(w, http.StatusBadRequest, "origin and destination are required")
		return
	}

	raw, err := h.transport.Send(r.Context(), wire.EventRequestFareEstimate, wire.FareEstimateRequest{
		Origin:      req.Origin,
		Destination: req.Destination,
	}, h.deadline)
	if err != nil {
		h.writeTransportError(w, err)
		return
	}

	var ack wire.FareEstimateAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		h.log.Error("fare_estimate_bad_ack", err)
		writeError(w, http.StatusBadGateway, "invalid fare estimate from dispatch")
		return
	}
	h.quotes.store(ack.FareEstimate)
	writeJSON(w, http.StatusOK, ack)
}

func (h *PassengerHandler) latestFareQuote(w http.ResponseWriter, r *http.Request) {
	quote := h.quotes.latest()
	if quote == nil {
		writeError(w, http.StatusNotFound, "no fare quote received yet")
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

type BookingSubmission struct {
	Kind        string `json:"kind"`
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
	RiderName   string `json:"riderName"`
	RiderPhone  string `json:"riderPhone"`
	ScheduledAt string `json:"scheduledAt,omitempty"` // RFC 3339
}

type SessionResponse struct {
	SessionID     string            `json:"session_id"`
	State         string            `json:"state"`
	FailureReason string            `json:"failure_reason,omitempty"`
	FareDetails   *wire.FareDetails `json:"fare_details,omitempty"`
	DriverInfo    *wire.DriverInfo  `json:"driver_info,omitempty"`
}

func sessionResponse(snap booking.Snapshot) SessionResponse {
	return SessionResponse{
		SessionID:     snap.SessionID,
		State:         snap.State.String(),
		FailureReason: snap.FailureReason,
		FareDetails:   snap.FareDetails,
		DriverInfo:    snap.DriverInfo,
	}
}

func (h *PassengerHandler) submitBooking(w http.ResponseWriter, r *http.Request) {
	var body BookingSubmission
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	intent := booking.Intent{
		Kind:        booking.Kind(body.Kind),
		Origin:      body.Origin,
		Destination: body.Destination,
		RiderName:   body.RiderName,
		RiderPhone:  body.RiderPhone,
	}
	if body.ScheduledAt != "" {
		at, err := time.Parse(time.RFC3339, body.ScheduledAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "scheduledAt must be RFC 3339")
			return
		}
		intent.ScheduledAt = at
	}

	if err := h.controller.Submit(intent); err != nil {
		var verr *booking.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, verr.Error())
		case errors.Is(err, booking.ErrDriverUnavailable),
			errors.Is(err, booking.ErrDuplicateSubmission),
			errors.Is(err, booking.ErrSessionFinished):
			writeError(w, http.StatusConflict, err.Error())
		default:
			h.log.Error("booking_submit", err)
			writeError(w, http.StatusInternalServerError, "could not submit booking")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, sessionResponse(h.controller.Snapshot()))
}

func (h *PassengerHandler) getCurrentBooking(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sessionResponse(h.controller.Snapshot()))
}

func (h *PassengerHandler) newSession(w http.ResponseWriter, r *http.Request) {
	id, err := h.controller.NewSession()
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

func (h *PassengerHandler) writeTransportError(w http.ResponseWriter, err error) {
	var srvErr *transport.ServerError
	switch {
	case errors.Is(err, transport.ErrNotConnected), errors.Is(err, transport.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, transport.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &srvErr):
		writeError(w, http.StatusBadGateway, srvErr.Error())
	default:
		h.log.Error("transport_request", err)
		writeError(w, http.StatusInternalServerError, "request to dispatch failed")
	}
}
