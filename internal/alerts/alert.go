// Package alerts defines connectivity alerts and the routing surface that
// delivers them to chat channels, webhooks and the event bus.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is a server's debounced connectivity as seen by the health monitor.
type State string

const (
	StateUnknown      State = "unknown"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// Kind distinguishes a state change from a periodic status report.
type Kind string

const (
	KindTransition Kind = "transition"
	KindStatus     Kind = "status"
)

var (
	// ErrNoRoute means neither a per-server nor a global channel is configured.
	ErrNoRoute = errors.New("no alert channel configured")
	// ErrUnknownChannel means the channel ref has no delivery target.
	ErrUnknownChannel = errors.New("unknown alert channel")
	// ErrDeliveryFailed wraps a rejected or unreachable delivery.
	ErrDeliveryFailed = errors.New("alert delivery failed")
)

// Alert is built transiently on an actioned transition and never persisted.
type Alert struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	ServerTag  string    `json:"server"`
	ServerName string    `json:"server_name,omitempty"`
	FromState  State     `json:"from_state"`
	ToState    State     `json:"to_state"`
	Timestamp  time.Time `json:"timestamp"`
}

// New creates a transition alert with a fresh id.
func New(serverTag, serverName string, from, to State, at time.Time) Alert {
	return Alert{
		ID:         uuid.NewString(),
		Kind:       KindTransition,
		ServerTag:  serverTag,
		ServerName: serverName,
		FromState:  from,
		ToState:    to,
		Timestamp:  at,
	}
}

// Message renders the alert as a single chat line.
func (a Alert) Message() string {
	name := a.ServerName
	if name == "" {
		name = a.ServerTag
	}
	if a.Kind == KindStatus {
		return fmt.Sprintf("Status: server %s is %s", name, a.ToState)
	}
	switch a.ToState {
	case StateConnected:
		if a.FromState == StateDisconnected {
			return fmt.Sprintf("Server %s is back online", name)
		}
		return fmt.Sprintf("Server %s is online", name)
	case StateDisconnected:
		return fmt.Sprintf("Server %s lost its RCON connection", name)
	default:
		return fmt.Sprintf("Server %s changed state: %s -> %s", name, a.FromState, a.ToState)
	}
}

// ChannelRef names a delivery target, e.g. a chat channel id.
type ChannelRef string

// Deliverer sends one alert to one channel.
type Deliverer interface {
	Deliver(ctx context.Context, ref ChannelRef, alert Alert) error
}

// ChannelResolver picks the channel for a server and delivers to it.
type ChannelResolver interface {
	Resolve(serverTag string) (ChannelRef, bool)
	Deliverer
}
