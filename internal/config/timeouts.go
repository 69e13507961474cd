// Package config provides configuration types and utilities for rconbridge.
// Timing constants live here so no component carries its own magic numbers.
package config

import "time"

// Shutdown
const (
	// ShutdownGracePeriod is the total budget for coordinated shutdown before
	// remaining sockets are forcibly closed.
	ShutdownGracePeriod = 10 * time.Second

	// ServerDisconnectTimeout bounds waiting for one server's in-flight request on teardown.
	ServerDisconnectTimeout = 5 * time.Second

	// HTTPShutdownTimeout bounds draining the ops HTTP server.
	HTTPShutdownTimeout = 3 * time.Second
)

// RCON connection
const (
	// DefaultDialTimeout bounds the TCP connect to a game server.
	DefaultDialTimeout = 10 * time.Second

	// DefaultRequestTimeout bounds a single command round trip.
	DefaultRequestTimeout = 5 * time.Second
)

// Reconnect backoff
const (
	// InitialBackoffDelay is the first reconnect delay and the value backoff resets to.
	InitialBackoffDelay = 1 * time.Second

	// MaxBackoffDelay caps the reconnect delay.
	MaxBackoffDelay = 60 * time.Second

	// BackoffJitter is the relative jitter applied to every delay (0.2 = ±20%).
	BackoffJitter = 0.2
)

// Metrics sampling
const (
	// DefaultMetricsPollInterval is how often each server's metrics engine samples.
	DefaultMetricsPollInterval = 10 * time.Second

	// DefaultWindowSize is the rolling window capacity in samples.
	DefaultWindowSize = 60

	// DefaultEMAHalfLife is the half-life the default EMA smoothing factor is derived from.
	DefaultEMAHalfLife = 1 * time.Minute
)

// Health monitoring
const (
	// DefaultHealthPollInterval is how often connectivity is sampled.
	DefaultHealthPollInterval = 15 * time.Second

	// DefaultDebounce is how many consecutive identical observations confirm a transition.
	DefaultDebounce = 2

	// DefaultStatusInterval is the re-emit period of interval-mode alerting.
	DefaultStatusInterval = 1 * time.Hour

	// AlertDeliveryTimeout bounds one alert delivery.
	AlertDeliveryTimeout = 10 * time.Second
)

// Event Bus Buffer Sizes
const (
	// EventChannelBufferSize is the buffer size for individual event subscriptions
	EventChannelBufferSize = 100

	// EventChannelBufferSizeAll is the buffer size for subscribing to all events
	EventChannelBufferSizeAll = 500
)

// Startup
const (
	// MaxConcurrentConnects bounds parallel initial connects.
	MaxConcurrentConnects = 8
)
