// Package types provides the connection state model shared by the supervisor and the registry.
package types

import (
	"fmt"
	"strings"
	"time"
)

// ConnectionState represents the runtime state of one server's RCON connection (in-memory only)
type ConnectionState int

const (
	// StateDisconnected indicates no connection exists and none is being attempted
	StateDisconnected ConnectionState = iota
	// StateConnecting indicates the TCP dial is in progress
	StateConnecting
	// StateAuthenticating indicates the socket is open and the password exchange is running
	StateAuthenticating
	// StateReady indicates the connection is authenticated and accepts commands
	StateReady
	// StateFailed indicates the last attempt or the live connection failed
	StateFailed
)

// String returns the string representation of the connection state
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateAuthenticating:
		return "Authenticating"
	case StateReady:
		return "Ready"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name as written by MarshalText, ignoring case.
func (s *ConnectionState) UnmarshalText(text []byte) error {
	for _, candidate := range []ConnectionState{StateDisconnected, StateConnecting, StateAuthenticating, StateReady, StateFailed} {
		if strings.EqualFold(string(text), candidate.String()) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", text)
}

// ConnectionInfo holds information about the current connection state
type ConnectionInfo struct {
	State               ConnectionState `json:"state"`
	LastError           string          `json:"last_error,omitempty"`
	RetryCount          int             `json:"retry_count"`
	LastRetryTime       time.Time       `json:"last_retry_time,omitempty"`
	NextRetryAt         time.Time       `json:"next_retry_at,omitempty"`
	ServerName          string          `json:"server_name,omitempty"`
	FirstAttemptTime    time.Time       `json:"first_attempt_time,omitempty"`
	ConnectedAt         time.Time       `json:"connected_at,omitempty"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	LastSuccessTime     time.Time       `json:"last_success_time,omitempty"`
	// AuthFailed marks a permanently failed connection that needs reconfiguration.
	AuthFailed bool `json:"auth_failed"`
}
