package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

const (
	defaultListen = "127.0.0.1:9150"

	redactedPassword = "********"
)

var tagPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Duration is a wrapper around time.Duration that can be marshaled to/from JSON
type Duration time.Duration

// MarshalJSON implements json.Marshaler interface
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler interface
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration format: %w", err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config represents the main configuration structure
type Config struct {
	// Listen is the ops HTTP address (/healthz, /metrics, /api/servers, /ws). Empty disables it.
	Listen  string          `json:"listen" mapstructure:"listen"`
	Servers []*ServerConfig `json:"servers" mapstructure:"servers"`

	RCON    *RCONConfig    `json:"rcon,omitempty" mapstructure:"rcon"`
	Metrics *MetricsConfig `json:"metrics,omitempty" mapstructure:"metrics"`
	Health  *HealthConfig  `json:"health,omitempty" mapstructure:"health"`
	Alerts  *AlertsConfig  `json:"alerts,omitempty" mapstructure:"alerts"`

	// Logging configuration
	Logging *LogConfig `json:"logging,omitempty" mapstructure:"logging"`
}

// ServerConfig identifies one game server. It is immutable once registered;
// a changed entry is replaced, not updated in place.
type ServerConfig struct {
	Tag      string `json:"tag" mapstructure:"tag"`
	Name     string `json:"name,omitempty" mapstructure:"name"`
	Host     string `json:"host" mapstructure:"host"`
	Port     int    `json:"port" mapstructure:"port"`
	Password string `json:"password,omitempty" mapstructure:"password"`

	// AlertChannel overrides alerts.global_channel for this server.
	AlertChannel string `json:"alert_channel,omitempty" mapstructure:"alert_channel"`
}

// DisplayName returns Name, or the tag when no name is configured.
func (s *ServerConfig) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Tag
}

// Equal reports whether two entries describe the same connection and routing.
func (s *ServerConfig) Equal(other *ServerConfig) bool {
	if s == nil || other == nil {
		return s == other
	}
	return *s == *other
}

// Clone returns a copy safe to hand to another component.
func (s *ServerConfig) Clone() *ServerConfig {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// MarshalJSON never writes the credential back out.
func (s *ServerConfig) MarshalJSON() ([]byte, error) {
	type alias ServerConfig
	out := alias(*s)
	if out.Password != "" {
		out.Password = redactedPassword
	}
	return json.Marshal(out)
}

// RCONConfig tunes the protocol client and the reconnection supervisor.
type RCONConfig struct {
	DialTimeout    Duration `json:"dial_timeout" mapstructure:"dial_timeout"`
	RequestTimeout Duration `json:"request_timeout" mapstructure:"request_timeout"`
	BackoffBase    Duration `json:"backoff_base" mapstructure:"backoff_base"`
	BackoffMax     Duration `json:"backoff_max" mapstructure:"backoff_max"`
	BackoffJitter  float64  `json:"backoff_jitter" mapstructure:"backoff_jitter"`
}

// MetricsConfig controls per-server sampling.
type MetricsConfig struct {
	Enabled      bool     `json:"enabled" mapstructure:"enabled"`
	PollInterval Duration `json:"poll_interval" mapstructure:"poll_interval"`
	WindowSize   int      `json:"window_size" mapstructure:"window_size"`

	// EMAAlpha is the smoothing factor. Zero derives it from EMAHalfLife and PollInterval.
	EMAAlpha    float64  `json:"ema_alpha,omitempty" mapstructure:"ema_alpha"`
	EMAHalfLife Duration `json:"ema_half_life" mapstructure:"ema_half_life"`

	PlayersCommand   string `json:"players_command" mapstructure:"players_command"`
	TickCommand      string `json:"tick_command" mapstructure:"tick_command"`
	EvolutionCommand string `json:"evolution_command" mapstructure:"evolution_command"`
}

// HealthConfig controls connectivity monitoring and alerting cadence.
type HealthConfig struct {
	PollInterval Duration `json:"poll_interval" mapstructure:"poll_interval"`
	Debounce     int      `json:"debounce" mapstructure:"debounce"`

	// IntervalMode re-emits every server's current status each StatusInterval,
	// in addition to transition alerts.
	IntervalMode   bool     `json:"interval_mode" mapstructure:"interval_mode"`
	StatusInterval Duration `json:"status_interval" mapstructure:"status_interval"`
}

// AlertsConfig describes where alerts go.
type AlertsConfig struct {
	// GlobalChannel is used when a server has no alert_channel of its own.
	GlobalChannel string `json:"global_channel,omitempty" mapstructure:"global_channel"`

	// Webhooks maps a channel ref to an incoming-webhook URL.
	Webhooks map[string]string `json:"webhooks,omitempty" mapstructure:"webhooks"`

	// PublishEvents also publishes every alert on the event bus (and so the /ws stream).
	PublishEvents bool `json:"publish_events" mapstructure:"publish_events"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level         string                  `json:"level" mapstructure:"level"`
	EnableFile    bool                    `json:"enable_file" mapstructure:"enable_file"`
	EnableConsole bool                    `json:"enable_console" mapstructure:"enable_console"`
	Filename      string                  `json:"filename" mapstructure:"filename"`
	LogDir        string                  `json:"log_dir,omitempty" mapstructure:"log_dir"` // Custom log directory
	MaxSize       int                     `json:"max_size" mapstructure:"max_size"`         // MB
	MaxBackups    int                     `json:"max_backups" mapstructure:"max_backups"`   // number of backup files
	MaxAge        int                     `json:"max_age" mapstructure:"max_age"`           // days
	Compress      bool                    `json:"compress" mapstructure:"compress"`
	JSONFormat    bool                    `json:"json_format" mapstructure:"json_format"`
	Communication *CommunicationLogConfig `json:"communication,omitempty" mapstructure:"communication"`
}

// CommunicationLogConfig represents the RCON command log
type CommunicationLogConfig struct {
	Enabled         bool   `json:"enabled" mapstructure:"enabled"`
	Filename        string `json:"filename" mapstructure:"filename"`
	LogCommands     bool   `json:"log_commands" mapstructure:"log_commands"`
	LogResponses    bool   `json:"log_responses" mapstructure:"log_responses"`
	LogErrors       bool   `json:"log_errors" mapstructure:"log_errors"`
	IncludePayload  bool   `json:"include_payload" mapstructure:"include_payload"`
	MaxPayloadSize  int    `json:"max_payload_size" mapstructure:"max_payload_size"` // bytes
	FilterSensitive bool   `json:"filter_sensitive" mapstructure:"filter_sensitive"`
}

// DefaultCommunicationLogConfig returns the communication log defaults (disabled).
func DefaultCommunicationLogConfig() *CommunicationLogConfig {
	return &CommunicationLogConfig{
		Enabled:         false,
		Filename:        "rcon.log",
		LogCommands:     true,
		LogResponses:    true,
		LogErrors:       true,
		IncludePayload:  true,
		MaxPayloadSize:  4096,
		FilterSensitive: true,
	}
}

// DefaultLogConfig returns the logging defaults.
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:         "info",
		EnableFile:    false,
		EnableConsole: true,
		Filename:      "rconbridge.log",
		MaxSize:       10, // 10MB
		MaxBackups:    5,
		MaxAge:        30, // days
		Compress:      true,
		JSONFormat:    false,
		Communication: DefaultCommunicationLogConfig(),
	}
}

// DefaultRCONConfig returns the connection defaults.
func DefaultRCONConfig() *RCONConfig {
	return &RCONConfig{
		DialTimeout:    Duration(DefaultDialTimeout),
		RequestTimeout: Duration(DefaultRequestTimeout),
		BackoffBase:    Duration(InitialBackoffDelay),
		BackoffMax:     Duration(MaxBackoffDelay),
		BackoffJitter:  BackoffJitter,
	}
}

// DefaultMetricsConfig returns sampling defaults for a Factorio-style server.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:          true,
		PollInterval:     Duration(DefaultMetricsPollInterval),
		WindowSize:       DefaultWindowSize,
		EMAHalfLife:      Duration(DefaultEMAHalfLife),
		PlayersCommand:   "/players online",
		TickCommand:      "/sc rcon.print(game.tick)",
		EvolutionCommand: `/sc rcon.print(game.forces["enemy"].evolution_factor)`,
	}
}

// DefaultHealthConfig returns monitoring defaults.
func DefaultHealthConfig() *HealthConfig {
	return &HealthConfig{
		PollInterval:   Duration(DefaultHealthPollInterval),
		Debounce:       DefaultDebounce,
		IntervalMode:   false,
		StatusInterval: Duration(DefaultStatusInterval),
	}
}

// DefaultAlertsConfig returns alert routing defaults.
func DefaultAlertsConfig() *AlertsConfig {
	return &AlertsConfig{
		Webhooks:      map[string]string{},
		PublishEvents: true,
	}
}

// DefaultConfig returns a configuration with no servers and every default filled in.
func DefaultConfig() *Config {
	return &Config{
		Listen:  defaultListen,
		Servers: []*ServerConfig{},
		RCON:    DefaultRCONConfig(),
		Metrics: DefaultMetricsConfig(),
		Health:  DefaultHealthConfig(),
		Alerts:  DefaultAlertsConfig(),
		Logging: DefaultLogConfig(),
	}
}

// Validate fills missing defaults in place and reports every invalid field.
func (c *Config) Validate() error {
	if c.RCON == nil {
		c.RCON = DefaultRCONConfig()
	}
	if c.Metrics == nil {
		c.Metrics = DefaultMetricsConfig()
	}
	if c.Health == nil {
		c.Health = DefaultHealthConfig()
	}
	if c.Alerts == nil {
		c.Alerts = DefaultAlertsConfig()
	}
	if c.Logging == nil {
		c.Logging = DefaultLogConfig()
	}
	if c.Logging.Communication == nil {
		c.Logging.Communication = DefaultCommunicationLogConfig()
	}

	var errs []error

	r := c.RCON
	if r.DialTimeout <= 0 {
		r.DialTimeout = Duration(DefaultDialTimeout)
	}
	if r.RequestTimeout <= 0 {
		r.RequestTimeout = Duration(DefaultRequestTimeout)
	}
	if r.BackoffBase <= 0 {
		r.BackoffBase = Duration(InitialBackoffDelay)
	}
	if r.BackoffMax <= 0 {
		r.BackoffMax = Duration(MaxBackoffDelay)
	}
	if r.BackoffMax < r.BackoffBase {
		errs = append(errs, fmt.Errorf("rcon.backoff_max (%s) is below rcon.backoff_base (%s)",
			r.BackoffMax.Duration(), r.BackoffBase.Duration()))
	}
	if r.BackoffJitter < 0 || r.BackoffJitter >= 1 {
		errs = append(errs, fmt.Errorf("rcon.backoff_jitter must be in [0,1), got %v", r.BackoffJitter))
	}

	m := c.Metrics
	if m.PollInterval <= 0 {
		m.PollInterval = Duration(DefaultMetricsPollInterval)
	}
	if m.WindowSize == 0 {
		m.WindowSize = DefaultWindowSize
	}
	if m.WindowSize < 1 {
		errs = append(errs, fmt.Errorf("metrics.window_size must be >= 1, got %d", m.WindowSize))
	}
	if m.EMAHalfLife <= 0 {
		m.EMAHalfLife = Duration(DefaultEMAHalfLife)
	}
	if m.EMAAlpha < 0 || m.EMAAlpha > 1 {
		errs = append(errs, fmt.Errorf("metrics.ema_alpha must be in (0,1], got %v", m.EMAAlpha))
	}
	defaults := DefaultMetricsConfig()
	if m.PlayersCommand == "" {
		m.PlayersCommand = defaults.PlayersCommand
	}
	if m.TickCommand == "" {
		m.TickCommand = defaults.TickCommand
	}
	if m.EvolutionCommand == "" {
		m.EvolutionCommand = defaults.EvolutionCommand
	}

	h := c.Health
	if h.PollInterval <= 0 {
		h.PollInterval = Duration(DefaultHealthPollInterval)
	}
	if h.Debounce == 0 {
		h.Debounce = DefaultDebounce
	}
	if h.Debounce < 1 {
		errs = append(errs, fmt.Errorf("health.debounce must be >= 1, got %d", h.Debounce))
	}
	if h.StatusInterval <= 0 {
		h.StatusInterval = Duration(DefaultStatusInterval)
	}

	if c.Alerts.Webhooks == nil {
		c.Alerts.Webhooks = map[string]string{}
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if s == nil {
			errs = append(errs, fmt.Errorf("servers[%d]: empty entry", i))
			continue
		}
		if err := s.validate(); err != nil {
			errs = append(errs, fmt.Errorf("servers[%d]: %w", i, err))
			continue
		}
		if seen[s.Tag] {
			errs = append(errs, fmt.Errorf("servers[%d]: duplicate tag %q", i, s.Tag))
		}
		seen[s.Tag] = true
	}

	return errors.Join(errs...)
}

func (s *ServerConfig) validate() error {
	if s.Tag == "" {
		return errors.New("tag is required")
	}
	if !tagPattern.MatchString(s.Tag) {
		return fmt.Errorf("tag %q may only contain letters, digits, '.', '_' and '-'", s.Tag)
	}
	if s.Host == "" {
		return fmt.Errorf("server %q: host is required", s.Tag)
	}
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("server %q: port %d out of range", s.Tag, s.Port)
	}
	return nil
}

// Server returns the entry with the given tag, or nil.
func (c *Config) Server(tag string) *ServerConfig {
	for _, s := range c.Servers {
		if s != nil && s.Tag == tag {
			return s
		}
	}
	return nil
}

// ServerDiff is the difference between two server lists, keyed by tag.
type ServerDiff struct {
	Added   []*ServerConfig
	Removed []string
	Changed []*ServerConfig
}

// Empty reports whether nothing changed.
func (d ServerDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// DiffServers compares an old and a new server list.
func DiffServers(oldServers, newServers []*ServerConfig) ServerDiff {
	prev := make(map[string]*ServerConfig, len(oldServers))
	for _, s := range oldServers {
		if s != nil {
			prev[s.Tag] = s
		}
	}

	var diff ServerDiff
	next := make(map[string]bool, len(newServers))
	for _, s := range newServers {
		if s == nil {
			continue
		}
		next[s.Tag] = true
		old, ok := prev[s.Tag]
		switch {
		case !ok:
			diff.Added = append(diff.Added, s)
		case !old.Equal(s):
			diff.Changed = append(diff.Changed, s)
		}
	}
	for _, s := range oldServers {
		if s != nil && !next[s.Tag] {
			diff.Removed = append(diff.Removed, s.Tag)
		}
	}
	return diff
}
