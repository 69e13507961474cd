// Package shutdown runs the bridge's teardown phase by phase within a grace
// period. Handlers of one phase run in registration order.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"rconbridge-go/internal/config"
)

// Phase orders teardown. Every handler of a phase finishes before the next
// phase starts.
type Phase int

const (
	// PhaseIntake stops new work arriving: ops HTTP server, config watcher.
	PhaseIntake Phase = iota
	// PhasePolling stops the health monitor and its alert deliveries.
	PhasePolling
	// PhaseConnections closes every supervised RCON connection.
	PhaseConnections
	// PhaseEvents closes websocket streams and the event bus.
	PhaseEvents
	// PhaseCleanup flushes loggers and releases the process lock.
	PhaseCleanup
)

var phases = [...]Phase{PhaseIntake, PhasePolling, PhaseConnections, PhaseEvents, PhaseCleanup}

func (p Phase) String() string {
	switch p {
	case PhaseIntake:
		return "Intake"
	case PhasePolling:
		return "Polling"
	case PhaseConnections:
		return "Connections"
	case PhaseEvents:
		return "Events"
	case PhaseCleanup:
		return "Cleanup"
	default:
		return "Unknown"
	}
}

// ShutdownFunc stops one component. It should return once ctx ends.
type ShutdownFunc func(ctx context.Context) error

// Handler is one registered teardown step.
type Handler struct {
	Name  string
	Phase Phase
	Fn    ShutdownFunc
	// Timeout bounds this handler; zero takes the coordinator's default.
	Timeout time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithGracePeriod bounds the whole shutdown.
func WithGracePeriod(d time.Duration) Option {
	return func(c *Coordinator) { c.grace = d }
}

// WithHandlerTimeout sets the timeout of handlers registered without one.
func WithHandlerTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.handlerTimeout = d }
}

// Coordinator runs registered handlers once, phase by phase.
type Coordinator struct {
	logger         *zap.Logger
	grace          time.Duration
	handlerTimeout time.Duration

	mu       sync.Mutex
	handlers map[Phase][]*Handler
	force    []forceHandler

	once      sync.Once
	err       error
	forceOnce sync.Once
}

type forceHandler struct {
	name string
	fn   func()
}

// NewCoordinator creates a coordinator with the configured grace period.
func NewCoordinator(logger *zap.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		logger:         logger.Named("shutdown"),
		grace:          config.ShutdownGracePeriod,
		handlerTimeout: config.ServerDisconnectTimeout,
		handlers:       make(map[Phase][]*Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a handler to its phase.
func (c *Coordinator) Register(h *Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h.Timeout <= 0 {
		h.Timeout = c.handlerTimeout
	}
	c.handlers[h.Phase] = append(c.handlers[h.Phase], h)
	c.logger.Debug("Registered shutdown handler",
		zap.String("name", h.Name),
		zap.String("phase", h.Phase.String()))
}

// RegisterFunc registers fn with the default timeout.
func (c *Coordinator) RegisterFunc(name string, phase Phase, fn ShutdownFunc) {
	c.Register(&Handler{Name: name, Phase: phase, Fn: fn})
}

// RegisterForce adds a step for Force: something that must happen even when
// the orderly handlers never finish, such as releasing the process lock.
func (c *Coordinator) RegisterForce(name string, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.force = append(c.force, forceHandler{name: name, fn: fn})
}

// Shutdown runs every phase in order. Only the first call does any work;
// later calls return its result. When the grace period expires the remaining
// phases are skipped and Force runs.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.err = c.run(ctx)
	})
	return c.err
}

func (c *Coordinator) run(ctx context.Context) error {
	start := time.Now()
	c.logger.Info("Starting coordinated shutdown", zap.Duration("grace_period", c.grace))

	ctx, cancel := context.WithTimeout(ctx, c.grace)
	defer cancel()

	var errs []error
	for _, phase := range phases {
		if err := c.runPhase(ctx, phase); err != nil {
			errs = append(errs, fmt.Errorf("phase %s: %w", phase, err))
		}
		if ctx.Err() != nil {
			c.logger.Warn("Grace period expired, skipping remaining phases",
				zap.String("phase", phase.String()),
				zap.Duration("elapsed", time.Since(start)))
			errs = append(errs, fmt.Errorf("shutdown: %w", ctx.Err()))
			c.Force()
			break
		}
	}

	if err := errors.Join(errs...); err != nil {
		c.logger.Warn("Shutdown completed with errors",
			zap.Duration("duration", time.Since(start)),
			zap.Int("error_count", len(errs)))
		return err
	}
	c.logger.Info("Shutdown completed", zap.Duration("duration", time.Since(start)))
	return nil
}

func (c *Coordinator) runPhase(ctx context.Context, phase Phase) error {
	c.mu.Lock()
	handlers := append([]*Handler(nil), c.handlers[phase]...)
	c.mu.Unlock()
	if len(handlers) == 0 {
		return nil
	}

	c.logger.Debug("Shutdown phase", zap.String("phase", phase.String()), zap.Int("handlers", len(handlers)))
	var errs []error
	for _, h := range handlers {
		if err := c.runHandler(ctx, h); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.Name, err))
		}
	}
	return errors.Join(errs...)
}

// runHandler waits for h until its timeout. A handler that ignores its
// context is abandoned, not waited for.
func (c *Coordinator) runHandler(ctx context.Context, h *Handler) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- h.Fn(ctx) }()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		err = fmt.Errorf("handler timed out after %v: %w", time.Since(start).Round(time.Millisecond), ctx.Err())
	}

	if err != nil {
		c.logger.Warn("Shutdown handler failed",
			zap.String("name", h.Name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return err
	}
	c.logger.Debug("Shutdown handler completed",
		zap.String("name", h.Name),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// Force runs every force handler once, recovering panics so each gets a turn.
// It is called when the grace period expires and may be called directly on a
// second interrupt.
func (c *Coordinator) Force() {
	c.forceOnce.Do(func() {
		c.mu.Lock()
		force := append([]forceHandler(nil), c.force...)
		c.mu.Unlock()

		for _, f := range force {
			func() {
				defer func() {
					if r := recover(); r != nil {
						c.logger.Error("Force handler panicked",
							zap.String("name", f.name),
							zap.Any("panic", r))
					}
				}()
				c.logger.Warn("Forcing shutdown step", zap.String("name", f.name))
				f.fn()
			}()
		}
	})
}
