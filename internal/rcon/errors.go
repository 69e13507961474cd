package rcon

import (
	"errors"
	"fmt"
	"syscall"
)

// Error taxonomy shared by the protocol client, the supervisor and the registry.
// Callers match with errors.Is; wrapped errors keep the underlying cause.
var (
	// ErrAuthenticationFailed means the server rejected the password. Never retried.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrConnectionRefused means nothing accepted the TCP connection.
	ErrConnectionRefused = errors.New("connection refused")
	// ErrNetworkUnreachable covers DNS failures, unroutable hosts and dial timeouts.
	ErrNetworkUnreachable = errors.New("network unreachable")
	// ErrRequestTimeout means no correlated response arrived within the request timeout.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrProtocol means a malformed frame was read. The connection is unusable afterwards.
	ErrProtocol = errors.New("protocol error")
	// ErrNotConnected is returned immediately when no authenticated connection exists.
	ErrNotConnected = errors.New("not connected")
	// ErrConnectionClosed resolves requests that were pending when the socket went away.
	ErrConnectionClosed = errors.New("connection closed")
)

// classifyDialError maps a dial failure onto the taxonomy.
func classifyDialError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%w: %w", ErrConnectionRefused, err)
	}
	// DNS failures, ENETUNREACH, EHOSTUNREACH and dial timeouts all land here.
	return fmt.Errorf("%w: %w", ErrNetworkUnreachable, err)
}

// IsRetryable reports whether the supervisor should keep reconnecting after err.
func IsRetryable(err error) bool {
	return err != nil && !errors.Is(err, ErrAuthenticationFailed)
}

// IsConnectionFatal reports whether err leaves the connection unusable.
func IsConnectionFatal(err error) bool {
	return errors.Is(err, ErrProtocol) || errors.Is(err, ErrConnectionClosed)
}

// Describe turns a taxonomy error into a sentence suitable for end users.
func Describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthenticationFailed):
		return "The server rejected the RCON password. Check the configured credential."
	case errors.Is(err, ErrConnectionRefused):
		return "The server refused the connection. Is RCON enabled on that port?"
	case errors.Is(err, ErrNetworkUnreachable):
		return "The server could not be reached over the network."
	case errors.Is(err, ErrRequestTimeout):
		return "The server did not answer in time. Try again."
	case errors.Is(err, ErrProtocol):
		return "The server sent a malformed response. Reconnecting."
	case errors.Is(err, ErrNotConnected):
		return "The server is currently not connected."
	case errors.Is(err, ErrConnectionClosed):
		return "The connection was lost while the command was running."
	default:
		return "Unexpected error: " + err.Error()
	}
}
