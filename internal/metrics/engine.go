// Package metrics samples game-server statistics over RCON and keeps
// per-server rolling windows with simple and exponential moving averages.
package metrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"rconbridge-go/internal/config"
	"rconbridge-go/internal/events"
	"rconbridge-go/internal/rcon"
)

// Executor is the narrow client surface the engine needs.
type Executor interface {
	Execute(ctx context.Context, command string) (string, error)
	IsConnected() bool
}

// Source is anything that can produce a snapshot on demand.
type Source interface {
	GatherAll(ctx context.Context) (Snapshot, error)
}

// Observer receives every snapshot and every per-metric failure.
// Implementations must not block.
type Observer interface {
	ObserveSnapshot(serverTag string, s Snapshot)
	ObservePollFailure(serverTag, metric string)
}

// Snapshot is one gatherAll result. Nil fields are unavailable: not yet
// sampled, failed to parse, or the server is down (Connected=false).
type Snapshot struct {
	ServerTag       string    `json:"server"`
	Connected       bool      `json:"connected"`
	UPSInstant      *float64  `json:"ups_instant,omitempty"`
	UPSSMA          *float64  `json:"ups_sma,omitempty"`
	UPSEMA          *float64  `json:"ups_ema,omitempty"`
	PlayerCount     *int      `json:"player_count,omitempty"`
	PlayersSMA      *float64  `json:"players_sma,omitempty"`
	PlayersEMA      *float64  `json:"players_ema,omitempty"`
	Players         []string  `json:"players,omitempty"`
	EvolutionFactor *float64  `json:"evolution_factor,omitempty"`
	EvolutionSMA    *float64  `json:"evolution_sma,omitempty"`
	EvolutionEMA    *float64  `json:"evolution_ema,omitempty"`
	SampledAt       time.Time `json:"sampled_at"`
}

// HasData reports whether any numeric field is populated.
func (s Snapshot) HasData() bool {
	return s.UPSInstant != nil || s.UPSSMA != nil || s.UPSEMA != nil ||
		s.PlayerCount != nil || s.PlayersSMA != nil || s.PlayersEMA != nil ||
		s.EvolutionFactor != nil || s.EvolutionSMA != nil || s.EvolutionEMA != nil
}

// Commands are the RCON commands issued on each poll.
type Commands struct {
	Players   string
	Tick      string
	Evolution string
}

// Options configures an Engine. Zero values take the config defaults.
type Options struct {
	Commands   Commands
	WindowSize int
	// Alpha is the EMA smoothing factor in (0,1].
	Alpha    float64
	Interval time.Duration
	Logger   *zap.Logger
	EventBus *events.Bus
	Observer Observer
}

// OptionsFromConfig maps the metrics section onto engine options.
func OptionsFromConfig(cfg *config.MetricsConfig) Options {
	if cfg == nil {
		cfg = config.DefaultMetricsConfig()
	}
	alpha := cfg.EMAAlpha
	if alpha <= 0 {
		alpha = AlphaForHalfLife(cfg.PollInterval.Duration(), cfg.EMAHalfLife.Duration())
	}
	return Options{
		Commands: Commands{
			Players:   cfg.PlayersCommand,
			Tick:      cfg.TickCommand,
			Evolution: cfg.EvolutionCommand,
		},
		WindowSize: cfg.WindowSize,
		Alpha:      alpha,
		Interval:   cfg.PollInterval.Duration(),
	}
}

// Engine samples one server. GatherAll may be called from the poll loop and
// from the command surface at once; calls are serialized on gatherMu. mu only
// guards the windows and the latest snapshot, so readers never wait on I/O.
type Engine struct {
	serverTag string
	exec      Executor
	opts      Options
	logger    *zap.Logger
	now       func() time.Time

	gatherMu sync.Mutex

	mu         sync.Mutex
	ups        *RollingWindow
	players    *RollingWindow
	evolution  *RollingWindow
	lastTick   uint64
	lastTickAt time.Time
	haveTick   bool
	latest     Snapshot

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates an engine for serverTag reading through exec.
func NewEngine(serverTag string, exec Executor, opts Options) *Engine {
	defaults := OptionsFromConfig(nil)
	if opts.Commands.Players == "" {
		opts.Commands.Players = defaults.Commands.Players
	}
	if opts.Commands.Tick == "" {
		opts.Commands.Tick = defaults.Commands.Tick
	}
	if opts.Commands.Evolution == "" {
		opts.Commands.Evolution = defaults.Commands.Evolution
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = config.DefaultWindowSize
	}
	if opts.Alpha <= 0 || opts.Alpha > 1 {
		opts.Alpha = defaults.Alpha
	}
	if opts.Interval <= 0 {
		opts.Interval = config.DefaultMetricsPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		serverTag: serverTag,
		exec:      exec,
		opts:      opts,
		logger:    logger.Named("metrics").With(zap.String("server", serverTag)),
		now:       time.Now,
		ups:       NewRollingWindow(opts.WindowSize),
		players:   NewRollingWindow(opts.WindowSize),
		evolution: NewRollingWindow(opts.WindowSize),
		latest:    Snapshot{ServerTag: serverTag},
	}
}

// ServerTag returns the server this engine samples.
func (e *Engine) ServerTag() string { return e.serverTag }

// reading is what one poll read off the wire, before it is committed.
type reading struct {
	players   *Players
	tick      uint64
	tickAt    time.Time
	haveTick  bool
	evolution *float64
}

// GatherAll issues one poll and returns the resulting snapshot. A down server
// yields Connected=false with no error; one failed metric leaves only that
// field empty. The only error is ctx cancellation.
func (e *Engine) GatherAll(ctx context.Context) (Snapshot, error) {
	e.gatherMu.Lock()
	defer e.gatherMu.Unlock()

	if !e.exec.IsConnected() {
		return e.commitDisconnected(), nil
	}

	var r reading

	out, err := e.exec.Execute(ctx, e.opts.Commands.Players)
	if down, cerr := e.check(ctx, MetricPlayers, err); down {
		return e.commitDisconnected(), cerr
	} else if err == nil {
		if players, perr := ParsePlayers(out); perr != nil {
			e.pollFailed(MetricPlayers, perr)
		} else {
			r.players = &players
		}
	}

	out, err = e.exec.Execute(ctx, e.opts.Commands.Tick)
	if down, cerr := e.check(ctx, MetricTick, err); down {
		return e.commitDisconnected(), cerr
	} else if err == nil {
		if tick, perr := ParseTick(out); perr != nil {
			e.pollFailed(MetricTick, perr)
		} else {
			r.tick, r.tickAt, r.haveTick = tick, e.now(), true
		}
	}

	out, err = e.exec.Execute(ctx, e.opts.Commands.Evolution)
	if down, cerr := e.check(ctx, MetricEvolution, err); down {
		return e.commitDisconnected(), cerr
	} else if err == nil {
		if evo, perr := ParseFloat(MetricEvolution, out); perr != nil {
			e.pollFailed(MetricEvolution, perr)
		} else {
			r.evolution = &evo
		}
	}

	snap := e.commit(r)
	e.observe(snap)
	return snap, nil
}

// commit folds a reading into the windows and publishes it as the latest snapshot.
func (e *Engine) commit(r reading) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := Snapshot{ServerTag: e.serverTag, Connected: true}
	if r.players != nil {
		count := r.players.Count
		snap.PlayerCount = &count
		snap.Players = r.players.Names
		e.players.Push(float64(count))
	}
	if r.haveTick {
		if ups, ok := e.recordTickLocked(r.tick, r.tickAt); ok {
			snap.UPSInstant = &ups
		}
	}
	if r.evolution != nil {
		snap.EvolutionFactor = r.evolution
		e.evolution.Push(*r.evolution)
	}

	snap.UPSSMA, snap.UPSEMA = e.averagesLocked(e.ups)
	snap.PlayersSMA, snap.PlayersEMA = e.averagesLocked(e.players)
	snap.EvolutionSMA, snap.EvolutionEMA = e.averagesLocked(e.evolution)
	snap.SampledAt = e.now()

	e.latest = snap
	return snap
}

func (e *Engine) averagesLocked(w *RollingWindow) (sma, ema *float64) {
	if v, ok := w.SMA(); ok {
		sma = &v
	}
	if v, ok := w.EMA(e.opts.Alpha); ok {
		ema = &v
	}
	return sma, ema
}

// check classifies a command error. down means the whole poll must be
// abandoned as disconnected; cerr is non-nil only for caller cancellation.
func (e *Engine) check(ctx context.Context, metric string, err error) (down bool, cerr error) {
	if err == nil {
		return false, nil
	}
	if ctx.Err() != nil {
		return true, ctx.Err()
	}
	if errors.Is(err, rcon.ErrNotConnected) || errors.Is(err, rcon.ErrConnectionClosed) {
		return true, nil
	}
	e.pollFailed(metric, err)
	return false, nil
}

// recordTickLocked turns consecutive tick readings into a UPS sample.
// The first reading, or one that went backwards, only sets the baseline.
func (e *Engine) recordTickLocked(tick uint64, at time.Time) (float64, bool) {
	prevTick, prevAt, had := e.lastTick, e.lastTickAt, e.haveTick
	e.lastTick, e.lastTickAt, e.haveTick = tick, at, true

	if !had || tick < prevTick {
		return 0, false
	}
	elapsed := at.Sub(prevAt).Seconds()
	if elapsed <= 0 {
		return 0, false
	}
	ups := float64(tick-prevTick) / elapsed
	e.ups.Push(ups)
	return ups, true
}

func (e *Engine) commitDisconnected() Snapshot {
	e.mu.Lock()
	// The next tick after a reconnect must not span the outage.
	e.haveTick = false
	snap := Snapshot{ServerTag: e.serverTag, Connected: false, SampledAt: e.now()}
	e.latest = snap
	e.mu.Unlock()

	e.observe(snap)
	return snap
}

func (e *Engine) pollFailed(metric string, err error) {
	e.logger.Warn("Metrics poll failed",
		zap.String("event", string(events.MetricsPollFailed)),
		zap.String("metric", metric),
		zap.Error(err))
	if e.opts.Observer != nil {
		e.opts.Observer.ObservePollFailure(e.serverTag, metric)
	}
	if e.opts.EventBus != nil {
		e.opts.EventBus.Publish(events.Event{
			Type:       events.MetricsPollFailed,
			ServerName: e.serverTag,
			Data: map[string]interface{}{
				"metric": metric,
				"error":  err.Error(),
			},
		})
	}
}

func (e *Engine) observe(s Snapshot) {
	if e.opts.Observer != nil {
		e.opts.Observer.ObserveSnapshot(e.serverTag, s)
	}
}

// Latest returns the most recent snapshot without issuing commands.
func (e *Engine) Latest() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.latest
	s.Players = append([]string(nil), s.Players...)
	return s
}

// History returns the UPS window oldest first.
func (e *Engine) History() []float64 {
	return e.Series(MetricUPS)
}

// Series returns the window of one metric oldest first, or nil for an
// unknown metric. Tick readings are windowed as UPS.
func (e *Engine) Series(metric string) []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch metric {
	case MetricUPS, MetricTick:
		return e.ups.Values()
	case MetricPlayers:
		return e.players.Values()
	case MetricEvolution:
		return e.evolution.Values()
	}
	return nil
}

// Reset discards every buffered sample and the tick baseline.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ups.Reset()
	e.players.Reset()
	e.evolution.Reset()
	e.haveTick = false
	e.latest = Snapshot{ServerTag: e.serverTag}
}

// Start runs GatherAll every Interval until Stop. Calling Start twice is a no-op.
func (e *Engine) Start() {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.pollLoop(ctx, e.done)
}

// Stop ends the poll loop and waits for an in-progress poll to return.
func (e *Engine) Stop() {
	e.loopMu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (e *Engine) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	e.logger.Debug("Metrics poll loop started", zap.Duration("interval", e.opts.Interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.GatherAll(ctx); err != nil && ctx.Err() == nil {
				e.logger.Debug("Metrics poll aborted", zap.Error(err))
			}
		}
	}
}
