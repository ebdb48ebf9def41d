package client

import (
	"log/slog"
	"time"

	"github.com/macwilko/wikid-realtime/typing"
)

const (
	DefaultReconnectionAttempts = 5
	DefaultReconnectionDelay    = 1 * time.Second
	DefaultReconnectionDelayMax = 5 * time.Second
	DefaultRandomizationFactor  = 0.5
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultPollInterval         = 5 * time.Second
	DefaultProbeInterval        = 30 * time.Second
)

type Options struct {
	// URL is the websocket endpoint, e.g. ws://localhost:3006/ws.
	URL string

	// FallbackURL is the HTTP base of the polling endpoints. Derived from URL
	// when empty.
	FallbackURL string

	// Token is the bearer credential for both transports.
	Token string

	DisableReconnection  bool
	ReconnectionAttempts int
	ReconnectionDelay    time.Duration
	ReconnectionDelayMax time.Duration

	// RandomizationFactor spreads each backoff delay by up to this fraction.
	// Negative disables jitter.
	RandomizationFactor float64

	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	ProbeInterval     time.Duration
	TypingTTL         time.Duration

	// Primary and Fallback replace the default transports.
	Primary  Transport
	Fallback Transport

	Logger *slog.Logger
	Now    func() time.Time
}

func (o Options) withDefaults() Options {
	if o.ReconnectionAttempts <= 0 {
		o.ReconnectionAttempts = DefaultReconnectionAttempts
	}

	if o.ReconnectionDelay <= 0 {
		o.ReconnectionDelay = DefaultReconnectionDelay
	}

	if o.ReconnectionDelayMax <= 0 {
		o.ReconnectionDelayMax = DefaultReconnectionDelayMax
	}

	if o.ReconnectionDelayMax < o.ReconnectionDelay {
		o.ReconnectionDelayMax = o.ReconnectionDelay
	}

	if o.RandomizationFactor == 0 {
		o.RandomizationFactor = DefaultRandomizationFactor
	}

	if o.RandomizationFactor < 0 {
		o.RandomizationFactor = 0
	}

	if o.RandomizationFactor > 1 {
		o.RandomizationFactor = 1
	}

	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}

	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}

	if o.ProbeInterval <= 0 {
		o.ProbeInterval = DefaultProbeInterval
	}

	if o.TypingTTL <= 0 {
		o.TypingTTL = typing.DefaultTTL
	}

	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	if o.Now == nil {
		o.Now = time.Now
	}

	return o
}
