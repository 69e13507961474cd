package health

import (
	"time"

	"rconbridge-go/internal/alerts"
)

// Record is one server's debounced connectivity. Only the monitor mutates it.
type Record struct {
	ServerTag          string       `json:"server"`
	ServerName         string       `json:"server_name,omitempty"`
	State              alerts.State `json:"state"`
	IsConnected        bool         `json:"is_connected"`
	LastObservedAt     time.Time    `json:"last_observed_at"`
	LastConnectedAt    time.Time    `json:"last_connected_at"`
	LastDisconnectedAt time.Time    `json:"last_disconnected_at"`
	LastNotifiedAt     time.Time    `json:"last_notified_at"`
	LastNotifiedState  alerts.State `json:"last_notified_state"`

	// candidate is the differing state seen on the latest polls; streak counts them.
	candidate alerts.State
	streak    int
}

func newRecord(tag, name string) *Record {
	return &Record{
		ServerTag:         tag,
		ServerName:        name,
		State:             alerts.StateUnknown,
		LastNotifiedState: alerts.StateUnknown,
	}
}

// observe feeds one poll result. It returns the previous state and true when
// the observation completes a debounced transition.
func (r *Record) observe(connected bool, debounce int, at time.Time) (alerts.State, bool) {
	r.LastObservedAt = at

	seen := alerts.StateDisconnected
	if connected {
		seen = alerts.StateConnected
	}

	if seen == r.State {
		r.candidate, r.streak = "", 0
		return r.State, false
	}
	if seen == r.candidate {
		r.streak++
	} else {
		r.candidate, r.streak = seen, 1
	}
	if r.streak < debounce {
		return r.State, false
	}

	from := r.State
	r.State = seen
	r.IsConnected = connected
	r.candidate, r.streak = "", 0
	if connected {
		r.LastConnectedAt = at
	} else {
		r.LastDisconnectedAt = at
	}
	return from, true
}

// notified marks the alert for the current state as sent. It reports false
// when that state was already notified.
func (r *Record) notified(at time.Time) bool {
	if r.State == r.LastNotifiedState {
		return false
	}
	r.LastNotifiedState = r.State
	r.LastNotifiedAt = at
	return true
}
