package types

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"rconbridge-go/internal/events"
	"rconbridge-go/internal/rcon"
)

// validTransitions is the supervisor state machine:
//
//	Disconnected → Connecting → Authenticating → Ready → Failed → Connecting ...
var validTransitions = map[ConnectionState][]ConnectionState{
	StateDisconnected:   {StateConnecting},
	StateConnecting:     {StateAuthenticating, StateFailed, StateDisconnected},
	StateAuthenticating: {StateReady, StateFailed, StateDisconnected},
	StateReady:          {StateFailed, StateDisconnected},
	StateFailed:         {StateConnecting, StateDisconnected},
}

// StateManager holds the single Connection State value of one server.
// All transitions go through it and are validated.
type StateManager struct {
	mu sync.RWMutex

	currentState        ConnectionState
	lastError           error
	retryCount          int
	lastRetryTime       time.Time
	nextRetryAt         time.Time
	serverName          string
	firstAttemptTime    time.Time
	connectedAt         time.Time
	consecutiveFailures int
	lastSuccessTime     time.Time
	authFailed          bool

	eventBus *events.Bus

	onStateChange func(oldState, newState ConnectionState, info *ConnectionInfo)
}

// NewStateManager creates a state manager in StateDisconnected.
func NewStateManager(serverName string) *StateManager {
	return &StateManager{
		currentState: StateDisconnected,
		serverName:   serverName,
	}
}

// SetEventBus configures the event bus for publishing state changes
func (sm *StateManager) SetEventBus(eventBus *events.Bus) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.eventBus = eventBus
}

// SetStateChangeCallback sets a callback invoked asynchronously on every transition
func (sm *StateManager) SetStateChangeCallback(callback func(oldState, newState ConnectionState, info *ConnectionInfo)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onStateChange = callback
}

// GetState returns the current connection state
func (sm *StateManager) GetState() ConnectionState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.currentState
}

// GetConnectionInfo returns detailed connection information
func (sm *StateManager) GetConnectionInfo() ConnectionInfo {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.buildConnectionInfo()
}

// TransitionTo moves to newState. Invalid transitions are rejected and leave the state unchanged.
func (sm *StateManager) TransitionTo(newState ConnectionState) error {
	sm.mu.Lock()
	oldState := sm.currentState
	if err := ValidateTransition(oldState, newState); err != nil {
		sm.mu.Unlock()
		return err
	}

	sm.currentState = newState
	now := time.Now()

	switch newState {
	case StateConnecting:
		if sm.firstAttemptTime.IsZero() {
			sm.firstAttemptTime = now
		}
		sm.lastRetryTime = now
		sm.nextRetryAt = time.Time{}
	case StateReady:
		sm.connectedAt = now
		sm.lastSuccessTime = now
		sm.lastError = nil
		sm.retryCount = 0
		sm.consecutiveFailures = 0
		sm.authFailed = false
	case StateDisconnected:
		sm.connectedAt = time.Time{}
		sm.nextRetryAt = time.Time{}
	}

	info := sm.buildConnectionInfo()
	callback := sm.onStateChange
	sm.mu.Unlock()

	sm.publishTransition(oldState, newState, &info)
	if callback != nil {
		go callback(oldState, newState, &info)
	}
	return nil
}

// SetError records err and moves to StateFailed.
// An authentication failure marks the connection as permanently failed.
func (sm *StateManager) SetError(err error) error {
	sm.mu.Lock()
	oldState := sm.currentState
	if oldState != StateFailed {
		if verr := ValidateTransition(oldState, StateFailed); verr != nil {
			sm.mu.Unlock()
			return verr
		}
	}

	sm.currentState = StateFailed
	sm.lastError = err
	sm.retryCount++
	sm.consecutiveFailures++
	sm.connectedAt = time.Time{}
	if errors.Is(err, rcon.ErrAuthenticationFailed) {
		sm.authFailed = true
	}

	info := sm.buildConnectionInfo()
	callback := sm.onStateChange
	sm.mu.Unlock()

	if oldState != StateFailed {
		sm.publishTransition(oldState, StateFailed, &info)
		if callback != nil {
			go callback(oldState, StateFailed, &info)
		}
	}
	return nil
}

// SetNextRetry records when the next reconnect attempt is scheduled.
func (sm *StateManager) SetNextRetry(at time.Time) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.nextRetryAt = at
}

// IsState checks if the current state matches the given state
func (sm *StateManager) IsState(state ConnectionState) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.currentState == state
}

// IsReady returns true if the connection is ready for requests
func (sm *StateManager) IsReady() bool {
	return sm.IsState(StateReady)
}

// IsConnecting returns true while a dial or auth exchange is running
func (sm *StateManager) IsConnecting() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.currentState == StateConnecting || sm.currentState == StateAuthenticating
}

// IsAuthFailed returns true once the server rejected the credential
func (sm *StateManager) IsAuthFailed() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.authFailed
}

// LastError returns the most recent failure, or nil
func (sm *StateManager) LastError() error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.lastError
}

// ValidateTransition validates if a state transition is allowed
func ValidateTransition(from, to ConnectionState) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("invalid source state: %s", from)
	}
	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s", from, to)
}

// buildConnectionInfo must be called with the lock held
func (sm *StateManager) buildConnectionInfo() ConnectionInfo {
	info := ConnectionInfo{
		State:               sm.currentState,
		RetryCount:          sm.retryCount,
		LastRetryTime:       sm.lastRetryTime,
		NextRetryAt:         sm.nextRetryAt,
		ServerName:          sm.serverName,
		FirstAttemptTime:    sm.firstAttemptTime,
		ConnectedAt:         sm.connectedAt,
		ConsecutiveFailures: sm.consecutiveFailures,
		LastSuccessTime:     sm.lastSuccessTime,
		AuthFailed:          sm.authFailed,
	}
	if sm.lastError != nil {
		info.LastError = sm.lastError.Error()
	}
	return info
}

func (sm *StateManager) publishTransition(oldState, newState ConnectionState, info *ConnectionInfo) {
	sm.mu.RLock()
	eventBus := sm.eventBus
	serverName := sm.serverName
	sm.mu.RUnlock()

	if eventBus == nil {
		return
	}
	eventBus.Publish(events.Event{
		Type:       events.ServerStateChanged,
		ServerName: serverName,
		OldState:   oldState.String(),
		NewState:   newState.String(),
		Data:       info,
	})
}
