package rcon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultRequestTimeout bounds Execute and the authentication exchange.
	DefaultRequestTimeout = 5 * time.Second
	// DefaultDialTimeout bounds the TCP connect.
	DefaultDialTimeout = 10 * time.Second
)

// Tracer observes every request on a connection. Implementations must not block.
// The authentication exchange is never traced.
type Tracer interface {
	TraceCommand(requestID int32, command string)
	TraceResponse(requestID int32, command, body string, elapsed time.Duration)
	TraceError(requestID int32, command string, err error, elapsed time.Duration)
}

// Tracers fans every trace out to each non-nil member.
type Tracers []Tracer

// Join combines tracers, dropping nils. It returns nil when none remain.
func Join(tracers ...Tracer) Tracer {
	var out Tracers
	for _, t := range tracers {
		if t != nil {
			out = append(out, t)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return out
}

func (ts Tracers) TraceCommand(requestID int32, command string) {
	for _, t := range ts {
		t.TraceCommand(requestID, command)
	}
}

func (ts Tracers) TraceResponse(requestID int32, command, body string, elapsed time.Duration) {
	for _, t := range ts {
		t.TraceResponse(requestID, command, body, elapsed)
	}
}

func (ts Tracers) TraceError(requestID int32, command string, err error, elapsed time.Duration) {
	for _, t := range ts {
		t.TraceError(requestID, command, err, elapsed)
	}
}

// Options configures a Client.
type Options struct {
	Address        string
	Password       string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	Logger         *zap.Logger
	Tracer         Tracer

	// OnAuthenticating runs after the TCP connect, before the auth packet is sent.
	OnAuthenticating func()

	// OnClose runs once, in its own goroutine, when the connection is lost for
	// any reason other than an explicit Close or Shutdown.
	OnClose func(err error)
}

type response struct {
	body string
	err  error
}

type pendingRequest struct {
	id       int32
	issuedAt time.Time
	result   chan response
}

// Client is an authenticated protocol client over one Conn.
// A Client is single-use: once the connection is lost, build a new one.
//
// One background goroutine reads frames and resolves pending requests by id.
// Writers are serialized so there is at most one request in flight.
type Client struct {
	opts   Options
	logger *zap.Logger

	conn      *Conn
	connected atomic.Bool
	started   atomic.Bool
	closing   atomic.Bool

	inflight chan struct{}

	mu      sync.Mutex
	pending map[int32]*pendingRequest
	nextID  int32

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// NewClient creates an unconnected client.
func NewClient(opts Options) *Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		opts:     opts,
		logger:   logger.With(zap.String("address", opts.Address)),
		inflight: make(chan struct{}, 1),
		pending:  make(map[int32]*pendingRequest),
		done:     make(chan struct{}),
	}
}

// Connect dials, authenticates and starts the reader loop.
func (c *Client) Connect(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("rcon client already used")
	}

	conn, err := Dial(ctx, c.opts.Address, c.opts.DialTimeout)
	if err != nil {
		return err
	}

	if c.opts.OnAuthenticating != nil {
		c.opts.OnAuthenticating()
	}
	if err := c.authenticate(ctx, conn); err != nil {
		_ = conn.Close()
		return err
	}

	c.conn = conn
	c.connected.Store(true)
	go c.readLoop()

	c.logger.Debug("RCON connection authenticated")
	return nil
}

// authenticate runs the auth exchange synchronously, before the reader loop exists.
func (c *Client) authenticate(ctx context.Context, conn *Conn) error {
	c.mu.Lock()
	authID := c.allocateIDLocked()
	c.mu.Unlock()

	if err := conn.Send(Packet{ID: authID, Type: TypeAuth, Body: c.opts.Password}); err != nil {
		return fmt.Errorf("%w: sending auth packet: %w", ErrConnectionClosed, err)
	}

	deadline := time.Now().Add(c.opts.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	for {
		p, err := conn.Receive()
		if err != nil {
			if errors.Is(err, ErrProtocol) {
				return err
			}
			if isTimeout(err) {
				return fmt.Errorf("%w: no auth response", ErrRequestTimeout)
			}
			return fmt.Errorf("%w: during auth: %w", ErrConnectionClosed, err)
		}
		// Some servers send an empty RESPONSE_VALUE ahead of the auth response.
		if p.Type != TypeAuthResponse {
			continue
		}
		if p.ID < 0 {
			return ErrAuthenticationFailed
		}
		if p.ID == authID {
			return nil
		}
	}
}

// Execute sends command and waits for the correlated response.
// The request timeout covers both waiting for the writer slot and the response.
func (c *Client) Execute(ctx context.Context, command string) (string, error) {
	if !c.connected.Load() {
		return "", ErrNotConnected
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case c.inflight <- struct{}{}:
	case <-timer.C:
		return "", ErrRequestTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.done:
		return "", c.closedError()
	}
	defer func() { <-c.inflight }()

	if !c.connected.Load() {
		return "", c.closedError()
	}

	req := &pendingRequest{issuedAt: time.Now(), result: make(chan response, 1)}
	c.mu.Lock()
	req.id = c.allocateIDLocked()
	c.pending[req.id] = req
	c.mu.Unlock()

	if t := c.opts.Tracer; t != nil {
		t.TraceCommand(req.id, command)
	}

	if err := c.conn.Send(Packet{ID: req.id, Type: TypeExecCommand, Body: command}); err != nil {
		c.removePending(req.id)
		werr := fmt.Errorf("%w: write: %w", ErrConnectionClosed, err)
		c.fail(werr)
		c.traceError(req, command, werr)
		return "", werr
	}

	select {
	case res := <-req.result:
		if res.err != nil {
			c.traceError(req, command, res.err)
			return "", res.err
		}
		if t := c.opts.Tracer; t != nil {
			t.TraceResponse(req.id, command, res.body, time.Since(req.issuedAt))
		}
		return res.body, nil
	case <-timer.C:
		c.removePending(req.id)
		c.traceError(req, command, ErrRequestTimeout)
		return "", ErrRequestTimeout
	case <-ctx.Done():
		c.removePending(req.id)
		c.traceError(req, command, ctx.Err())
		return "", ctx.Err()
	}
}

// IsConnected reports whether the connection is authenticated and alive.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Done is closed when the connection has been torn down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection was torn down, or nil while it is alive.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// Close tears the connection down immediately. Pending requests resolve with ErrConnectionClosed.
func (c *Client) Close() error {
	c.closing.Store(true)
	c.fail(ErrConnectionClosed)
	return nil
}

// Shutdown waits for the in-flight request, if any, to finish before closing.
// When ctx expires first the connection is closed anyway.
func (c *Client) Shutdown(ctx context.Context) error {
	c.closing.Store(true)
	select {
	case c.inflight <- struct{}{}:
		defer func() { <-c.inflight }()
	case <-c.done:
	case <-ctx.Done():
	}
	return c.Close()
}

func (c *Client) readLoop() {
	for {
		p, err := c.conn.Receive()
		if err != nil {
			if !errors.Is(err, ErrProtocol) {
				err = fmt.Errorf("%w: %w", ErrConnectionClosed, err)
			}
			c.fail(err)
			return
		}

		c.mu.Lock()
		req, ok := c.pending[p.ID]
		if ok {
			delete(c.pending, p.ID)
		}
		c.mu.Unlock()

		if !ok {
			c.logger.Debug("Discarding unmatched RCON response",
				zap.Int32("request_id", p.ID),
				zap.Int32("type", p.Type))
			continue
		}
		req.result <- response{body: p.Body}
	}
}

// fail tears the connection down once and resolves every pending request.
func (c *Client) fail(cause error) {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		if c.conn != nil {
			_ = c.conn.Close()
		}

		c.mu.Lock()
		c.closeErr = cause
		for id, req := range c.pending {
			req.result <- response{err: c.wrapClosed(cause)}
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.done)

		if c.closing.Load() {
			return
		}
		c.logger.Debug("RCON connection lost", zap.Error(cause))
		if c.opts.OnClose != nil {
			go c.opts.OnClose(cause)
		}
	})
}

func (c *Client) wrapClosed(cause error) error {
	if errors.Is(cause, ErrConnectionClosed) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
}

func (c *Client) closedError() error {
	if err := c.Err(); err != nil {
		return c.wrapClosed(err)
	}
	return ErrConnectionClosed
}

func (c *Client) removePending(id int32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// allocateIDLocked returns the next positive id not held by a pending request.
func (c *Client) allocateIDLocked() int32 {
	for {
		c.nextID++
		if c.nextID <= 0 {
			c.nextID = 1
		}
		if _, busy := c.pending[c.nextID]; !busy {
			return c.nextID
		}
	}
}

func (c *Client) traceError(req *pendingRequest, command string, err error) {
	if t := c.opts.Tracer; t != nil {
		t.TraceError(req.id, command, err, time.Since(req.issuedAt))
	}
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
