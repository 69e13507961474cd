// Package health tracks per-server RCON connectivity, debounces flapping and
// routes alerts on genuine transitions.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"rconbridge-go/internal/alerts"
	"rconbridge-go/internal/config"
)

// Prober reports a server's live connectivity without blocking.
type Prober interface {
	IsConnected() bool
}

// Target is one server to watch.
type Target struct {
	Tag    string
	Name   string
	Prober Prober
}

// Targets supplies the current set of servers on each poll.
type Targets interface {
	HealthTargets() []Target
}

// AlertObserver is told about every alert handed to the resolver.
type AlertObserver interface {
	ObserveAlert(serverTag, toState string)
}

// Options configures a Monitor. Zero values take the config defaults.
type Options struct {
	PollInterval    time.Duration
	Debounce        int
	DeliveryTimeout time.Duration
	Logger          *zap.Logger
	Observer        AlertObserver
}

// OptionsFromConfig maps the health section onto monitor options.
func OptionsFromConfig(cfg *config.HealthConfig) Options {
	if cfg == nil {
		cfg = config.DefaultHealthConfig()
	}
	return Options{
		PollInterval: cfg.PollInterval.Duration(),
		Debounce:     cfg.Debounce,
	}
}

// Monitor polls every target's connectivity on its own loop, independent of
// metrics sampling.
type Monitor struct {
	targets  Targets
	resolver alerts.ChannelResolver
	opts     Options
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	records map[string]*Record

	deliveries sync.WaitGroup

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor. resolver may be nil, in which case every
// alert is logged and dropped.
func NewMonitor(targets Targets, resolver alerts.ChannelResolver, opts Options) *Monitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = config.DefaultHealthPollInterval
	}
	if opts.Debounce < 1 {
		opts.Debounce = config.DefaultDebounce
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = config.AlertDeliveryTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		targets:  targets,
		resolver: resolver,
		opts:     opts,
		logger:   logger.Named("health"),
		now:      time.Now,
		records:  make(map[string]*Record),
	}
}

// Poll samples every target once and dispatches any actioned alerts.
func (m *Monitor) Poll(ctx context.Context) {
	for _, t := range m.targets.HealthTargets() {
		if ctx.Err() != nil {
			return
		}
		connected := t.Prober != nil && t.Prober.IsConnected()
		m.Observe(t.Tag, t.Name, connected)
	}
}

// Observe applies one connectivity reading for a server. It returns the alert
// it dispatched, if any.
func (m *Monitor) Observe(tag, name string, connected bool) (alerts.Alert, bool) {
	now := m.now()

	m.mu.Lock()
	rec, ok := m.records[tag]
	if !ok {
		rec = newRecord(tag, name)
		m.records[tag] = rec
	}
	if name != "" {
		rec.ServerName = name
	}
	from, changed := rec.observe(connected, m.opts.Debounce, now)
	if !changed || !rec.notified(now) {
		m.mu.Unlock()
		return alerts.Alert{}, false
	}
	alert := alerts.New(tag, rec.ServerName, from, rec.State, now)
	m.mu.Unlock()

	m.logger.Info("Server connectivity changed",
		zap.String("server", tag),
		zap.String("from", string(from)),
		zap.String("to", string(alert.ToState)),
		zap.String("alert_id", alert.ID))

	m.dispatch(alert)
	return alert, true
}

// EmitStatus re-sends every known server's current state as a status alert.
func (m *Monitor) EmitStatus() int {
	now := m.now()

	m.mu.Lock()
	var out []alerts.Alert
	for _, rec := range m.records {
		if rec.State == alerts.StateUnknown {
			continue
		}
		a := alerts.New(rec.ServerTag, rec.ServerName, rec.State, rec.State, now)
		a.Kind = alerts.KindStatus
		out = append(out, a)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ServerTag < out[j].ServerTag })
	for _, a := range out {
		m.dispatch(a)
	}
	return len(out)
}

// dispatch resolves and delivers in the background. Failures are logged and
// never reach the poll loop.
func (m *Monitor) dispatch(alert alerts.Alert) {
	if m.opts.Observer != nil {
		m.opts.Observer.ObserveAlert(alert.ServerTag, string(alert.ToState))
	}

	if m.resolver == nil {
		m.logger.Warn("No alert channel configured, dropping alert",
			zap.String("server", alert.ServerTag),
			zap.String("to", string(alert.ToState)))
		return
	}
	ref, ok := m.resolver.Resolve(alert.ServerTag)
	if !ok {
		m.logger.Warn("No alert channel configured, dropping alert",
			zap.String("server", alert.ServerTag),
			zap.String("to", string(alert.ToState)),
			zap.Error(alerts.ErrNoRoute))
		return
	}

	m.deliveries.Add(1)
	go func() {
		defer m.deliveries.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("Alert delivery panicked",
					zap.String("server", alert.ServerTag),
					zap.String("panic", fmt.Sprint(r)))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), m.opts.DeliveryTimeout)
		defer cancel()

		if err := m.resolver.Deliver(ctx, ref, alert); err != nil {
			m.logger.Error("Alert delivery failed",
				zap.String("server", alert.ServerTag),
				zap.String("channel", string(ref)),
				zap.String("alert_id", alert.ID),
				zap.Error(err))
			return
		}
		m.logger.Debug("Alert delivered",
			zap.String("server", alert.ServerTag),
			zap.String("channel", string(ref)),
			zap.String("alert_id", alert.ID))
	}()
}

// WaitDeliveries blocks until in-flight deliveries finish or ctx ends.
func (m *Monitor) WaitDeliveries(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.deliveries.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Record returns a copy of a server's health record.
func (m *Monitor) Record(tag string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[tag]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Records returns copies of every record sorted by tag.
func (m *Monitor) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerTag < out[j].ServerTag })
	return out
}

// Forget discards a server's record.
func (m *Monitor) Forget(tag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, tag)
}

// Start runs Poll every PollInterval until Stop. Calling Start twice is a no-op.
func (m *Monitor) Start() {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
}

// Stop ends the poll loop. Deliveries already started keep running; use
// WaitDeliveries to drain them.
func (m *Monitor) Stop() {
	m.loopMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	m.logger.Info("Health monitor started",
		zap.Duration("interval", m.opts.PollInterval),
		zap.Int("debounce", m.opts.Debounce))

	m.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("Health monitor stopped")
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}
