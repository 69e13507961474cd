// Package managed wraps a protocol client in a reconnection supervisor.
package managed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"rconbridge-go/internal/config"
	"rconbridge-go/internal/events"
	"rconbridge-go/internal/rcon"
	"rconbridge-go/internal/upstream/types"
)

const reconnectKey = "reconnect"

// Options tunes the supervisor. Zero fields fall back to config defaults.
type Options struct {
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	BackoffJitter  float64
	Tracer         rcon.Tracer
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		DialTimeout:    config.DefaultDialTimeout,
		RequestTimeout: config.DefaultRequestTimeout,
		BackoffBase:    config.InitialBackoffDelay,
		BackoffMax:     config.MaxBackoffDelay,
		BackoffJitter:  config.BackoffJitter,
	}
}

// OptionsFromConfig maps the rcon section onto supervisor options.
func OptionsFromConfig(cfg *config.RCONConfig) Options {
	if cfg == nil {
		return DefaultOptions()
	}
	return Options{
		DialTimeout:    cfg.DialTimeout.Duration(),
		RequestTimeout: cfg.RequestTimeout.Duration(),
		BackoffBase:    cfg.BackoffBase.Duration(),
		BackoffMax:     cfg.BackoffMax.Duration(),
		BackoffJitter:  cfg.BackoffJitter,
	}
}

// Client is the reconnection supervisor for one server. It exposes the same
// Execute/IsConnected contract as rcon.Client and replaces the underlying
// connection whenever it fails.
//
// Reconnects are single-flight. While no Ready connection exists, Execute fails
// fast with rcon.ErrNotConnected instead of queuing.
type Client struct {
	Config       *config.ServerConfig
	StateManager *types.StateManager

	opts     Options
	logger   *zap.Logger
	eventBus *events.Bus

	mu      sync.RWMutex
	conn    *rcon.Client
	backoff *Backoff

	group  singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// NewClient creates a supervisor. Nothing is dialed until Start or Connect.
func NewClient(serverConfig *config.ServerConfig, opts Options, logger *zap.Logger, eventBus *events.Bus) *Client {
	defaults := DefaultOptions()
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaults.DialTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaults.RequestTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sm := types.NewStateManager(serverConfig.Tag)
	sm.SetEventBus(eventBus)

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		Config:       serverConfig,
		StateManager: sm,
		opts:         opts,
		logger:       logger.Named("supervisor").With(zap.String("server", serverConfig.Tag)),
		eventBus:     eventBus,
		backoff:      NewBackoff(opts.BackoffBase, opts.BackoffMax, opts.BackoffJitter),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start connects in the background and keeps the connection alive until Close.
func (c *Client) Start() {
	c.triggerReconnect(true)
}

// Connect runs one connection attempt now, or joins the attempt already running.
// It returns nil immediately when the connection is already Ready.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return rcon.ErrNotConnected
	}
	if c.IsConnected() {
		return nil
	}

	ch := c.group.DoChan(reconnectKey, func() (interface{}, error) {
		return nil, c.connectOnce()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
		if !c.IsConnected() {
			return rcon.ErrNotConnected
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute runs command on the current connection.
func (c *Client) Execute(ctx context.Context, command string) (string, error) {
	if c.closed.Load() {
		return "", rcon.ErrNotConnected
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil || !conn.IsConnected() || !c.StateManager.IsReady() {
		return "", rcon.ErrNotConnected
	}

	out, err := conn.Execute(ctx, command)
	if err != nil && rcon.IsConnectionFatal(err) {
		c.handleConnectionLoss(conn, err)
	}
	return out, err
}

// IsConnected reports whether a Ready, live connection exists.
func (c *Client) IsConnected() bool {
	if c.closed.Load() {
		return false
	}
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	return conn != nil && conn.IsConnected() && c.StateManager.IsReady()
}

// GetState returns the current connection state.
func (c *Client) GetState() types.ConnectionState {
	return c.StateManager.GetState()
}

// GetConnectionInfo returns a snapshot of the connection bookkeeping.
func (c *Client) GetConnectionInfo() types.ConnectionInfo {
	return c.StateManager.GetConnectionInfo()
}

// Close stops reconnecting and shuts the connection down. An in-flight request
// may finish until ctx expires.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Shutdown(ctx)
	}
	if c.StateManager.GetState() != types.StateDisconnected {
		_ = c.StateManager.TransitionTo(types.StateDisconnected)
	}
	c.logger.Debug("Supervisor closed")
	return err
}

// triggerReconnect starts the single reconnect loop unless one is running.
func (c *Client) triggerReconnect(immediate bool) {
	if c.closed.Load() || c.StateManager.IsAuthFailed() {
		return
	}
	go func() {
		_, _, _ = c.group.Do(reconnectKey, func() (interface{}, error) {
			c.reconnectLoop(immediate)
			return nil, nil
		})
		// A loss that raced with the end of the previous loop joined it instead
		// of starting a new one.
		if c.needsReconnect() {
			c.triggerReconnect(false)
		}
	}()
}

func (c *Client) needsReconnect() bool {
	if c.closed.Load() || c.StateManager.IsAuthFailed() {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn == nil && c.StateManager.GetState() == types.StateFailed
}

// reconnectLoop retries until Ready, a non-retryable error, or Close.
func (c *Client) reconnectLoop(immediate bool) {
	for attempt := 0; ; attempt++ {
		if c.closed.Load() {
			return
		}
		if c.IsConnected() {
			return
		}

		if attempt > 0 || !immediate {
			delay := c.backoff.Next()
			c.StateManager.SetNextRetry(time.Now().Add(delay))
			c.logger.Debug("Waiting before reconnect",
				zap.Duration("delay", delay),
				zap.Int("attempt", c.backoff.Attempt()))

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-c.ctx.Done():
				timer.Stop()
				return
			}
		}

		err := c.connectOnce()
		if err == nil {
			return
		}
		if !rcon.IsRetryable(err) {
			return
		}
	}
}

// connectOnce performs one dial + auth and installs the connection on success.
// Callers are serialized by the single-flight group.
func (c *Client) connectOnce() error {
	if c.closed.Load() {
		return rcon.ErrNotConnected
	}
	if c.IsConnected() {
		return nil
	}
	if c.StateManager.IsAuthFailed() {
		return fmt.Errorf("%w: credential was rejected earlier", rcon.ErrAuthenticationFailed)
	}

	if err := c.StateManager.TransitionTo(types.StateConnecting); err != nil {
		return err
	}

	var conn *rcon.Client
	conn = rcon.NewClient(rcon.Options{
		Address:        c.address(),
		Password:       c.Config.Password,
		DialTimeout:    c.opts.DialTimeout,
		RequestTimeout: c.opts.RequestTimeout,
		Logger:         c.logger,
		Tracer:         c.opts.Tracer,
		OnAuthenticating: func() {
			_ = c.StateManager.TransitionTo(types.StateAuthenticating)
		},
		OnClose: func(err error) {
			c.handleConnectionLoss(conn, err)
		},
	})

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.DialTimeout+c.opts.RequestTimeout)
	defer cancel()

	if err := conn.Connect(ctx); err != nil {
		_ = c.StateManager.SetError(err)
		if errors.Is(err, rcon.ErrAuthenticationFailed) {
			c.logger.Error("RCON authentication failed, not retrying",
				zap.String("event", string(events.AuthFailed)),
				zap.Error(err))
			c.publish(events.AuthFailed, err)
		} else {
			c.logger.Warn("RCON connection attempt failed",
				zap.Int("consecutive_failures", c.StateManager.GetConnectionInfo().ConsecutiveFailures),
				zap.Error(err))
		}
		return err
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		_ = conn.Close()
		return rcon.ErrNotConnected
	}
	c.conn = conn
	// Ready is entered under mu so a concurrent loss cannot interleave.
	if err := c.StateManager.TransitionTo(types.StateReady); err != nil {
		c.logger.Warn("Unexpected state transition", zap.Error(err))
	}
	c.mu.Unlock()
	c.backoff.Reset()

	c.logger.Info("RCON connection established",
		zap.String("event", string(events.ConnectionEstablished)),
		zap.String("address", c.address()))
	c.publish(events.ConnectionEstablished, nil)

	// The socket may have dropped before c.conn was installed.
	if !conn.IsConnected() {
		c.handleConnectionLoss(conn, conn.Err())
	}
	return nil
}

// handleConnectionLoss retires conn and schedules a reconnect. Stale connections are ignored.
func (c *Client) handleConnectionLoss(conn *rcon.Client, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	_ = conn.Close()
	if c.closed.Load() {
		return
	}
	if cause == nil {
		cause = rcon.ErrConnectionClosed
	}

	_ = c.StateManager.SetError(cause)
	c.logger.Warn("RCON connection lost",
		zap.String("event", string(events.ConnectionLost)),
		zap.Error(cause))
	c.publish(events.ConnectionLost, cause)

	c.triggerReconnect(false)
}

func (c *Client) publish(eventType events.EventType, err error) {
	if c.eventBus == nil {
		return
	}
	ev := events.Event{
		Type:       eventType,
		ServerName: c.Config.Tag,
		NewState:   c.StateManager.GetState().String(),
	}
	if err != nil {
		ev.Data = map[string]interface{}{"error": err.Error()}
	}
	c.eventBus.Publish(ev)
}

func (c *Client) address() string {
	return net.JoinHostPort(c.Config.Host, strconv.Itoa(c.Config.Port))
}
