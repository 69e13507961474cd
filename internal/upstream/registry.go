package upstream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rconbridge-go/internal/config"
	"rconbridge-go/internal/events"
	"rconbridge-go/internal/health"
	"rconbridge-go/internal/logs"
	"rconbridge-go/internal/metrics"
	"rconbridge-go/internal/rcon"
	"rconbridge-go/internal/upstream/managed"
)

var (
	// ErrUnknownServer is returned for a tag that is not (or no longer) registered.
	ErrUnknownServer = errors.New("unknown server")
	// ErrAlreadyRegistered is returned when registering a tag twice.
	ErrAlreadyRegistered = errors.New("server already registered")
)

// Forgetter drops per-server state kept outside the registry.
type Forgetter interface {
	Forget(serverTag string)
}

// Options configures a Registry.
type Options struct {
	Client  managed.Options
	Metrics metrics.Options

	// AutoConnect starts each supervisor on registration.
	AutoConnect bool
	// PollMetrics starts an engine's poll loop when it is first constructed.
	PollMetrics bool

	Logger           *zap.Logger
	EventBus         *events.Bus
	Exporter         *metrics.Exporter
	CommunicationLog *logs.CommunicationLogger
}

// OptionsFromConfig builds registry options from the full configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		Client:      managed.OptionsFromConfig(cfg.RCON),
		Metrics:     metrics.OptionsFromConfig(cfg.Metrics),
		AutoConnect: true,
	}
	if cfg.Metrics != nil {
		opts.PollMetrics = cfg.Metrics.Enabled
	}
	return opts
}

type entry struct {
	cfg    *config.ServerConfig
	client *managed.Client
	engine *metrics.Engine
}

// Registry owns, per server tag, one supervised client, one lazily built
// metrics engine and, through the health forgetter, one health record.
// It is passed explicitly to every consumer.
type Registry struct {
	opts   Options
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	health  Forgetter

	teardowns sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		opts:    opts,
		logger:  logger.Named("registry"),
		entries: make(map[string]*entry),
	}
}

// SetHealth attaches the health monitor whose records are discarded on removal.
func (r *Registry) SetHealth(h Forgetter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health = h
}

// Register adds a server. The configuration is copied and never changes
// afterwards; use Replace for a new one.
func (r *Registry) Register(serverConfig *config.ServerConfig) error {
	if serverConfig == nil || serverConfig.Tag == "" {
		return fmt.Errorf("register: server tag is required")
	}
	e := r.newEntry(serverConfig)

	r.mu.Lock()
	if _, exists := r.entries[e.cfg.Tag]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, e.cfg.Tag)
	}
	r.entries[e.cfg.Tag] = e
	r.mu.Unlock()

	r.registered(e)
	return nil
}

func (r *Registry) newEntry(serverConfig *config.ServerConfig) *entry {
	cfg := serverConfig.Clone()
	clientOpts := r.opts.Client
	clientOpts.Tracer = rcon.Join(append([]rcon.Tracer{clientOpts.Tracer}, r.tracersFor(cfg.Tag)...)...)
	client := managed.NewClient(cfg, clientOpts, r.opts.Logger, r.opts.EventBus)
	return &entry{cfg: cfg, client: client}
}

func (r *Registry) registered(e *entry) {
	r.logger.Info("Server registered",
		zap.String("server", e.cfg.Tag),
		zap.String("name", e.cfg.DisplayName()),
		zap.String("host", e.cfg.Host),
		zap.Int("port", e.cfg.Port))
	r.publish(events.ServerRegistered, e.cfg.Tag)

	if r.opts.AutoConnect {
		e.client.Start()
	}
}

func (r *Registry) tracersFor(tag string) []rcon.Tracer {
	var out []rcon.Tracer
	if r.opts.CommunicationLog != nil {
		out = append(out, r.opts.CommunicationLog.ForServer(tag))
	}
	if r.opts.Exporter != nil {
		out = append(out, r.opts.Exporter.ForServer(tag))
	}
	return out
}

// Remove unregisters a server. The tag is gone from All and ClientFor when
// Remove returns; teardown continues in the background in the order: stop
// polling, close the connection, discard buffers, discard the health record.
// A request already in flight may finish or time out.
func (r *Registry) Remove(tag string) bool {
	r.mu.Lock()
	e, ok := r.entries[tag]
	if ok {
		delete(r.entries, tag)
	}
	healthRecords := r.health
	r.mu.Unlock()

	if !ok {
		return false
	}

	r.removed(e, healthRecords)
	return true
}

func (r *Registry) removed(e *entry, healthRecords Forgetter) {
	r.logger.Info("Removing server",
		zap.String("server", e.cfg.Tag),
		zap.String("state", e.client.GetState().String()))
	r.publish(events.ServerRemoved, e.cfg.Tag)

	r.teardowns.Add(1)
	go func() {
		defer r.teardowns.Done()
		r.teardown(e, healthRecords)
	}()
}

func (r *Registry) teardown(e *entry, healthRecords Forgetter) {
	tag := e.cfg.Tag
	if e.engine != nil {
		e.engine.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.ServerDisconnectTimeout)
	defer cancel()
	if err := e.client.Close(ctx); err != nil {
		r.logger.Warn("Connection did not close cleanly",
			zap.String("server", tag),
			zap.Error(err))
	}

	if e.engine != nil {
		e.engine.Reset()
	}

	// Exporter series and health records are keyed by tag; a newer
	// registration under the same tag owns them now.
	if r.isRegistered(tag) {
		r.logger.Debug("Server teardown complete, tag re-registered", zap.String("server", tag))
		return
	}
	if r.opts.Exporter != nil {
		r.opts.Exporter.Forget(tag)
	}
	if healthRecords != nil {
		healthRecords.Forget(tag)
	}
	r.logger.Debug("Server teardown complete", zap.String("server", tag))
}

func (r *Registry) isRegistered(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[tag]
	return ok
}

// Replace swaps a server's configuration. The old client is torn down in the
// background while the new one takes its place in a single step, so the tag
// is never unregistered and its health record and exporter series survive.
func (r *Registry) Replace(serverConfig *config.ServerConfig) error {
	if serverConfig == nil || serverConfig.Tag == "" {
		return fmt.Errorf("replace: server tag is required")
	}
	next := r.newEntry(serverConfig)

	r.mu.Lock()
	prev, ok := r.entries[next.cfg.Tag]
	r.entries[next.cfg.Tag] = next
	healthRecords := r.health
	r.mu.Unlock()

	if ok {
		r.removed(prev, healthRecords)
	}
	r.registered(next)
	return nil
}

// Sync applies a configuration diff: removed tags are torn down, changed ones
// replaced and new ones registered.
func (r *Registry) Sync(diff config.ServerDiff) error {
	var errs []error
	for _, tag := range diff.Removed {
		r.Remove(tag)
	}
	for _, s := range diff.Changed {
		if err := r.Replace(s); err != nil {
			errs = append(errs, err)
		}
	}
	for _, s := range diff.Added {
		if err := r.Register(s); err != nil {
			errs = append(errs, err)
		}
	}
	if !diff.Empty() {
		r.logger.Info("Server list synchronized",
			zap.Int("added", len(diff.Added)),
			zap.Int("removed", len(diff.Removed)),
			zap.Int("changed", len(diff.Changed)))
	}
	return errors.Join(errs...)
}

// ClientFor returns the supervised client for tag, or nil.
func (r *Registry) ClientFor(tag string) *managed.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[tag]; ok {
		return e.client
	}
	return nil
}

// ConfigFor returns a copy of the server's configuration, or nil.
func (r *Registry) ConfigFor(tag string) *config.ServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[tag]; ok {
		return e.cfg.Clone()
	}
	return nil
}

// MetricsFor returns the server's metrics engine, building it on first use.
func (r *Registry) MetricsFor(tag string) *metrics.Engine {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[tag]
	if !ok {
		return nil
	}
	if e.engine == nil {
		opts := r.opts.Metrics
		opts.Logger = r.opts.Logger
		opts.EventBus = r.opts.EventBus
		if r.opts.Exporter != nil {
			opts.Observer = r.opts.Exporter
		}
		e.engine = metrics.NewEngine(tag, e.client, opts)
		if r.opts.PollMetrics {
			e.engine.Start()
		}
	}
	return e.engine
}

// All returns the registered tags in sorted order.
func (r *Registry) All() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.entries))
	for tag := range r.entries {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Execute runs a command on tag. An unknown tag fails without any I/O.
func (r *Registry) Execute(ctx context.Context, tag, command string) (string, error) {
	client := r.ClientFor(tag)
	if client == nil {
		return "", fmt.Errorf("%w %q: %w", ErrUnknownServer, tag, rcon.ErrNotConnected)
	}
	return client.Execute(ctx, command)
}

// GatherAll polls every server concurrently so a slow server does not delay
// the others. Servers whose gather was cancelled are omitted.
func (r *Registry) GatherAll(ctx context.Context) map[string]metrics.Snapshot {
	tags := r.All()
	out := make(map[string]metrics.Snapshot, len(tags))
	var mu sync.Mutex

	var g errgroup.Group
	for _, tag := range tags {
		engine := r.MetricsFor(tag)
		if engine == nil {
			continue
		}
		g.Go(func() error {
			snap, err := engine.GatherAll(ctx)
			if err != nil {
				return nil
			}
			mu.Lock()
			out[tag] = snap
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// ConnectAll connects every registered server that is not yet ready, a few at
// a time. Failures are joined; retryable ones keep reconnecting in the background.
func (r *Registry) ConnectAll(ctx context.Context) error {
	var clients []*managed.Client
	for _, tag := range r.All() {
		if c := r.ClientFor(tag); c != nil && !c.IsConnected() {
			clients = append(clients, c)
		}
	}
	if len(clients) == 0 {
		r.logger.Debug("No clients need connection")
		return nil
	}

	start := time.Now()
	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(config.MaxConcurrentConnects)
	for _, c := range clients {
		g.Go(func() error {
			if err := c.Connect(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", c.Config.Tag, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Info("ConnectAll completed",
		zap.Int("total_attempted", len(clients)),
		zap.Int("failed", len(errs)),
		zap.Duration("duration", time.Since(start)))
	return errors.Join(errs...)
}

// HealthTargets implements health.Targets.
func (r *Registry) HealthTargets() []health.Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]health.Target, 0, len(r.entries))
	for tag, e := range r.entries {
		out = append(out, health.Target{Tag: tag, Name: e.cfg.DisplayName(), Prober: e.client})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

// Close removes every server and waits for their teardown until ctx ends.
func (r *Registry) Close(ctx context.Context) error {
	for _, tag := range r.All() {
		r.Remove(tag)
	}
	return r.WaitTeardown(ctx)
}

// WaitTeardown blocks until every pending teardown finished or ctx ends.
func (r *Registry) WaitTeardown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.teardowns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for server teardown: %w", ctx.Err())
	}
}

func (r *Registry) publish(eventType events.EventType, tag string) {
	if r.opts.EventBus == nil {
		return
	}
	r.opts.EventBus.Publish(events.Event{Type: eventType, ServerName: tag})
}
