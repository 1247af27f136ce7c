package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ErrMissingBackendURL is returned when no dispatch backend address is
// configured. There is no safe default for a production deployment.
var ErrMissingBackendURL = errors.New("BACKEND_URL is required")

type Config struct {
	Backend struct {
		URL         string        // base address of the dispatch backend
		SendTimeout time.Duration // deadline for a single request/acknowledgement exchange
	}
	Reconnect struct {
		BaseDelay    time.Duration // first backoff step
		DelayCeiling time.Duration // backoff saturates here
		ForceDelay   time.Duration // fixed pause before a forced reconnect
		MaxRetries   int           // automatic attempts before giving up
	}
	Service struct {
		Timezone string // operating timezone for scheduled bookings
		HTTPPort int    // local facade port
	}
	Auth struct {
		SecretKey   string
		PassengerID string
		TokenTTL    time.Duration
	}
}

// LoadConfig reads configuration from an env file (if present) and the
// process environment. Defaults mirror the connection options the
// dispatch backend was tuned for; the backend address itself has no
// default and its absence is a fatal configuration error.
func LoadConfig(filename string) (*Config, error) {
	// A missing env file is fine: values may come from the real
	// environment (containers, CI).
	if err := godotenv.Load(filename); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("could not load env file %s: %w", filename, err)
	}

	cfg := &Config{}
	cfg.Backend.URL = getEnv("BACKEND_URL", "")
	cfg.Backend.SendTimeout = getEnvAsDuration("SEND_TIMEOUT_MS", 20*time.Second)
	cfg.Reconnect.BaseDelay = getEnvAsDuration("BACKOFF_BASE_MS", 1*time.Second)
	cfg.Reconnect.DelayCeiling = getEnvAsDuration("BACKOFF_CEILING_MS", 5*time.Second)
	cfg.Reconnect.ForceDelay = getEnvAsDuration("FORCE_RECONNECT_DELAY_MS", 500*time.Millisecond)
	cfg.Reconnect.MaxRetries = getEnvAsInt("RECONNECT_MAX_RETRIES", 5)
	cfg.Service.Timezone = getEnv("SERVICE_TIMEZONE", "America/Chicago")
	cfg.Service.HTTPPort = getEnvAsInt("HTTP_PORT", 3100)
	cfg.Auth.SecretKey = getEnv("JWT_SECRET", "")
	cfg.Auth.PassengerID = getEnv("PASSENGER_ID", "")
	cfg.Auth.TokenTTL = getEnvAsDuration("JWT_TTL_MS", time.Hour)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Backend.URL == "" {
		return ErrMissingBackendURL
	}
	u, err := url.Parse(c.Backend.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("BACKEND_URL %q is not a valid absolute URL", c.Backend.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("BACKEND_URL scheme must be http or https, got %q", u.Scheme)
	}
	if c.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("BACKOFF_BASE_MS must be positive")
	}
	if c.Reconnect.DelayCeiling < c.Reconnect.BaseDelay {
		return fmt.Errorf("BACKOFF_CEILING_MS must be >= BACKOFF_BASE_MS")
	}
	if c.Reconnect.MaxRetries < 0 {
		return fmt.Errorf("RECONNECT_MAX_RETRIES must be >= 0")
	}
	if c.Service.HTTPPort <= 0 || c.Service.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT must be in 1..65535")
	}
	if _, err := time.LoadLocation(c.Service.Timezone); err != nil {
		return fmt.Errorf("SERVICE_TIMEZONE %q is not a valid IANA zone: %w", c.Service.Timezone, err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

// getEnvAsDuration reads a millisecond count, matching the knob names
// the dispatch backend documents (reconnectionDelay, timeout, ...).
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if ms, err := strconv.Atoi(valueStr); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
