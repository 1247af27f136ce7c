package wire

// RideRequest is the payload for rideRequest and futureBookingRequest.
// ScheduledAt is RFC 3339 with offset and present only for future
// bookings.
type RideRequest struct {
	SessionID   string `json:"sessionId"`
	Kind        string `json:"kind"`
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
	RiderName   string `json:"riderName"`
	RiderPhone  string `json:"riderPhone"`
	ScheduledAt string `json:"scheduledAt,omitempty"`
}

// BookingAck is the backend's acknowledgement of a ride request.
type BookingAck struct {
	Success     bool         `json:"success"`
	Declined    bool         `json:"declined,omitempty"`
	Error       string       `json:"error,omitempty"`
	FareDetails *FareDetails `json:"fareDetails,omitempty"`
	DriverInfo  *DriverInfo  `json:"driverInfo,omitempty"`
}

// FareDetails mirrors the fare summary the backend attaches to
// acknowledgements and fareEstimateUpdate events.
type FareDetails struct {
	Distance    float64 `json:"distance"`
	Duration    float64 `json:"duration"`
	Fare        float64 `json:"fare"`
	Destination string  `json:"destination,omitempty"`
}

type DriverInfo struct {
	Name         string `json:"name"`
	CarColor     string `json:"carColor"`
	CarMakeModel string `json:"carMakeModel"`
	LicensePlate string `json:"licensePlate,omitempty"`
}

// DriverStatusUpdate announces the single driver's availability.
type DriverStatusUpdate struct {
	Status     string      `json:"status"`
	DriverInfo *DriverInfo `json:"driverInfo,omitempty"`
}

// PassengerAppStatus reports whether the driver-side app went offline.
type PassengerAppStatus struct {
	IsOffline bool `json:"isOffline"`
}

// RideDecision accompanies rideAccepted / rideDeclined. SessionID may
// be empty on backends that assume the single in-flight session.
type RideDecision struct {
	SessionID string `json:"sessionId,omitempty"`
}

type FareEstimateRequest struct {
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
}

type FareEstimateAck struct {
	Success      bool         `json:"success"`
	Error        string       `json:"error,omitempty"`
	FareEstimate *FareDetails `json:"fareEstimate,omitempty"`
}

// DisconnectInfo is the payload of the disconnect signal.
type DisconnectInfo struct {
	Reason string `json:"reason"`
}

// ConnectErrorInfo is the payload of the connect_error signal.
type ConnectErrorInfo struct {
	Error string `json:"error"`
}

// AttemptInfo is the payload of reconnect_attempt and reconnect.
type AttemptInfo struct {
	Attempt int `json:"attempt"`
}
