package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"passenger-client/internal/availability"
	"passenger-client/internal/booking"
	"passenger-client/internal/transport"
	"passenger-client/internal/wire"
	"passenger-client/pkg/auth"
	"passenger-client/pkg/config"
	"passenger-client/pkg/logger"
)

func main() {
	log := logger.NewLogger("passenger-client")
	log.Info("startup", "Starting passenger client")

	cfg, err := config.LoadConfig(".env")
	if err != nil {
		log.Error("startup", fmt.Errorf("failed to load config: %w", err))
		os.Exit(1)
	}
	log.Info("config_loaded", "Configuration loaded, backend "+cfg.Backend.URL)

	loc, err := time.LoadLocation(cfg.Service.Timezone)
	if err != nil {
		log.Error("startup", fmt.Errorf("failed to load timezone: %w", err))
		os.Exit(1)
	}

	token := ""
	if cfg.Auth.SecretKey != "" && cfg.Auth.PassengerID != "" {
		jwtManager := auth.NewJWTManager(cfg.Auth.SecretKey, cfg.Auth.TokenTTL)
		token, err = jwtManager.GenerateToken(cfg.Auth.PassengerID, auth.RolePassenger)
		if err != nil {
			log.Error("startup", fmt.Errorf("failed to sign backend token: %w", err))
			os.Exit(1)
		}
	} else {
		log.Info("startup", "No passenger credentials configured, connecting anonymously")
	}

	wsDialer, err := transport.NewWebsocketDialer(cfg.Backend.URL, token, log)
	if err != nil {
		log.Error("startup", fmt.Errorf("failed to build websocket dialer: %w", err))
		os.Exit(1)
	}
	pollDialer := transport.NewPollingDialer(cfg.Backend.URL, token, log)

	tm, err := transport.NewManager(transport.Options{
		Primary:      wsDialer,
		Fallback:     pollDialer,
		BaseDelay:    cfg.Reconnect.BaseDelay,
		DelayCeiling: cfg.Reconnect.DelayCeiling,
		ForceDelay:   cfg.Reconnect.ForceDelay,
		MaxRetries:   cfg.Reconnect.MaxRetries,
	}, log)
	if err != nil {
		log.Error("startup", fmt.Errorf("failed to build transport manager: %w", err))
		os.Exit(1)
	}
	defer tm.Close()

	tracker := availability.NewTracker(log)
	controller := booking.NewController(tm, tracker, loc, cfg.Backend.SendTimeout, log)
	defer controller.Close()
	quotes := &fareQuotes{}

	wireEvents(tm, tracker, controller, quotes, cfg.Backend.SendTimeout, log)
	tm.Connect()

	mux := http.NewServeMux()
	handler := NewPassengerHandler(log, tm, tracker, controller, quotes, cfg.Backend.SendTimeout)

	mux.HandleFunc("GET /health", handler.health)
	mux.HandleFunc("GET /connection", handler.getConnection)
	mux.HandleFunc("POST /connection/reconnect", handler.forceReconnect)
	mux.HandleFunc("GET /driver-status", handler.getDriverStatus)
	mux.HandleFunc("GET /fare-estimate", handler.getFareEstimate)
	mux.HandleFunc("POST /fare-estimate/backend", handler.requestBackendFareEstimate)
	mux.HandleFunc("GET /fare-estimate/latest", handler.latestFareQuote)
	mux.HandleFunc("POST /bookings", handler.submitBooking)
	mux.HandleFunc("GET /bookings/current", handler.getCurrentBooking)
	mux.HandleFunc("POST /bookings/new-session", handler.newSession)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Service.HTTPPort),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErrors := make(chan error, 1)

	go func() {
		log.Info("startup", fmt.Sprintf("passenger client listening on port %d", cfg.Service.HTTPPort))
		serverErrors <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("shutdown", fmt.Errorf("server error: %w", err))
		}
	case <-stop:
		log.Info("shutdown", "Shutdown signal received. Starting graceful shutdown...")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("shutdown", fmt.Errorf("failed to gracefully shutdown: %w", err))
	}

	log.Info("shutdown", "Passenger client shutdown complete")
}

// wireEvents subscribes the availability tracker and booking session
// to the inbound event stream, and refreshes driver status whenever a
// connection comes up.
func wireEvents(tm *transport.Manager, tracker *availability.Tracker, controller *booking.Controller, quotes *fareQuotes, deadline time.Duration, log logger.Logger) {
	tm.On(wire.EventDriverStatusUpdate, func(payload []byte) {
		var ev wire.DriverStatusUpdate
		if err := json.Unmarshal(payload, &ev); err != nil {
			log.Error("driver_status_decode", err)
			return
		}
		tracker.Apply(ev)
	})

	tm.On(wire.EventPassengerAppStatus, func(payload []byte) {
		var ev wire.PassengerAppStatus
		if err := json.Unmarshal(payload, &ev); err != nil {
			log.Error("app_status_decode", err)
			return
		}
		tracker.ApplyAppStatus(ev)
	})

	tm.On(wire.EventRideAccepted, controller.HandleRideAccepted)
	tm.On(wire.EventRideDeclined, controller.HandleRideDeclined)

	tm.On(wire.EventFareEstimateUpdate, func(payload []byte) {
		var ev wire.FareEstimateAck
		if err := json.Unmarshal(payload, &ev); err != nil {
			log.Error("fare_update_decode", err)
			return
		}
		quotes.store(ev.FareEstimate)
	})

	refresh := func([]byte) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), deadline)
			defer cancel()
			raw, err := tm.Send(ctx, wire.EventGetDriverStatus, nil, deadline)
			if err != nil {
				log.Error("driver_status_refresh", err)
				return
			}
			var ev wire.DriverStatusUpdate
			if err := json.Unmarshal(raw, &ev); err != nil {
				log.Error("driver_status_refresh", err)
				return
			}
			tracker.Apply(ev)
		}()
	}
	tm.On(wire.SignalConnect, refresh)
	tm.On(wire.SignalReconnect, refresh)

	tm.On(wire.SignalDisconnect, func(payload []byte) {
		var info wire.DisconnectInfo
		_ = json.Unmarshal(payload, &info)
		log.WithFields(logger.LogFields{"reason": info.Reason}).
			Info("connection_lost", "Connection to dispatch lost")
	})
	tm.On(wire.SignalReconnectFailed, func([]byte) {
		log.Error("reconnect_exhausted", errors.New("automatic reconnection gave up; use POST /connection/reconnect"))
	})
}
