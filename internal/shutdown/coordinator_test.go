package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestShutdownRunsPhasesInOrder(t *testing.T) {
	c := NewCoordinator(zap.NewNop())

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) ShutdownFunc {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}

	// Registered out of phase order on purpose.
	c.RegisterFunc("loggers", PhaseCleanup, record("loggers"))
	c.RegisterFunc("rcon-connections", PhaseConnections, record("rcon-connections"))
	c.RegisterFunc("ops-http", PhaseIntake, record("ops-http"))
	c.RegisterFunc("config-watcher", PhaseIntake, record("config-watcher"))
	c.RegisterFunc("event-bus", PhaseEvents, record("event-bus"))
	c.RegisterFunc("health-monitor", PhasePolling, record("health-monitor"))

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, []string{
		"ops-http", "config-watcher", "health-monitor", "rcon-connections", "event-bus", "loggers",
	}, order)
}

func TestShutdownJoinsHandlerErrors(t *testing.T) {
	c := NewCoordinator(zap.NewNop())
	errHTTP := errors.New("listener stuck")

	var later atomic.Bool
	c.RegisterFunc("ops-http", PhaseIntake, func(context.Context) error { return errHTTP })
	c.RegisterFunc("event-bus", PhaseEvents, func(context.Context) error {
		later.Store(true)
		return nil
	})

	err := c.Shutdown(context.Background())
	require.ErrorIs(t, err, errHTTP)
	assert.Contains(t, err.Error(), "phase Intake")
	assert.Contains(t, err.Error(), "ops-http")
	assert.True(t, later.Load(), "a failing phase does not stop the next ones")
}

func TestShutdownRunsOnce(t *testing.T) {
	c := NewCoordinator(zap.NewNop())
	var count atomic.Int32
	c.RegisterFunc("counter", PhaseIntake, func(context.Context) error {
		count.Add(1)
		return errors.New("failed")
	})

	first := c.Shutdown(context.Background())
	second := c.Shutdown(context.Background())
	assert.Equal(t, int32(1), count.Load())
	assert.Error(t, first)
	assert.Equal(t, first, second)
}

func TestHandlerTimeout(t *testing.T) {
	c := NewCoordinator(zap.NewNop(), WithHandlerTimeout(30*time.Millisecond))

	var next atomic.Bool
	c.RegisterFunc("ignores-context", PhasePolling, func(context.Context) error {
		time.Sleep(2 * time.Second)
		return nil
	})
	c.Register(&Handler{
		Name:    "own-timeout",
		Phase:   PhaseConnections,
		Timeout: time.Second,
		Fn: func(context.Context) error {
			next.Store(true)
			return nil
		},
	})

	start := time.Now()
	err := c.Shutdown(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second, "a stuck handler is abandoned at its timeout")
	assert.True(t, next.Load())
}

func TestGracePeriodExpiryForces(t *testing.T) {
	c := NewCoordinator(zap.NewNop(), WithGracePeriod(50*time.Millisecond))

	var forced, cleanup atomic.Int32
	c.RegisterForce("panicky", func() { panic("boom") })
	c.RegisterForce("process-lock", func() { forced.Add(1) })
	c.RegisterFunc("stuck", PhaseConnections, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	c.RegisterFunc("loggers", PhaseCleanup, func(context.Context) error {
		cleanup.Add(1)
		return nil
	})

	err := c.Shutdown(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), forced.Load(), "every force handler runs despite a panic")
	assert.Zero(t, cleanup.Load(), "phases after the expiry are skipped")

	c.Force()
	assert.Equal(t, int32(1), forced.Load(), "force handlers run at most once")
}

func TestCleanShutdownSkipsForce(t *testing.T) {
	c := NewCoordinator(zap.NewNop())
	var forced atomic.Bool
	c.RegisterForce("process-lock", func() { forced.Store(true) })
	c.RegisterFunc("quick", PhaseConnections, func(context.Context) error { return nil })

	require.NoError(t, c.Shutdown(context.Background()))
	assert.False(t, forced.Load())
}

func TestPhaseString(t *testing.T) {
	tests := []struct {
		phase Phase
		want  string
	}{
		{PhaseIntake, "Intake"},
		{PhasePolling, "Polling"},
		{PhaseConnections, "Connections"},
		{PhaseEvents, "Events"},
		{PhaseCleanup, "Cleanup"},
		{Phase(99), "Unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.phase.String())
	}
}
