package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. RCONBRIDGE_HEALTH_DEBOUNCE.
const EnvPrefix = "RCONBRIDGE"

// NewViper returns a viper instance with defaults registered for every known
// key, so environment overrides apply even when the file omits the key.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("listen", d.Listen)

	v.SetDefault("rcon.dial_timeout", d.RCON.DialTimeout.Duration().String())
	v.SetDefault("rcon.request_timeout", d.RCON.RequestTimeout.Duration().String())
	v.SetDefault("rcon.backoff_base", d.RCON.BackoffBase.Duration().String())
	v.SetDefault("rcon.backoff_max", d.RCON.BackoffMax.Duration().String())
	v.SetDefault("rcon.backoff_jitter", d.RCON.BackoffJitter)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.poll_interval", d.Metrics.PollInterval.Duration().String())
	v.SetDefault("metrics.window_size", d.Metrics.WindowSize)
	v.SetDefault("metrics.ema_alpha", d.Metrics.EMAAlpha)
	v.SetDefault("metrics.ema_half_life", d.Metrics.EMAHalfLife.Duration().String())
	v.SetDefault("metrics.players_command", d.Metrics.PlayersCommand)
	v.SetDefault("metrics.tick_command", d.Metrics.TickCommand)
	v.SetDefault("metrics.evolution_command", d.Metrics.EvolutionCommand)

	v.SetDefault("health.poll_interval", d.Health.PollInterval.Duration().String())
	v.SetDefault("health.debounce", d.Health.Debounce)
	v.SetDefault("health.interval_mode", d.Health.IntervalMode)
	v.SetDefault("health.status_interval", d.Health.StatusInterval.Duration().String())

	v.SetDefault("alerts.global_channel", d.Alerts.GlobalChannel)
	v.SetDefault("alerts.publish_events", d.Alerts.PublishEvents)

	l := d.Logging
	v.SetDefault("logging.level", l.Level)
	v.SetDefault("logging.enable_file", l.EnableFile)
	v.SetDefault("logging.enable_console", l.EnableConsole)
	v.SetDefault("logging.filename", l.Filename)
	v.SetDefault("logging.log_dir", l.LogDir)
	v.SetDefault("logging.max_size", l.MaxSize)
	v.SetDefault("logging.max_backups", l.MaxBackups)
	v.SetDefault("logging.max_age", l.MaxAge)
	v.SetDefault("logging.compress", l.Compress)
	v.SetDefault("logging.json_format", l.JSONFormat)
	v.SetDefault("logging.communication.enabled", l.Communication.Enabled)
	v.SetDefault("logging.communication.filename", l.Communication.Filename)
	v.SetDefault("logging.communication.max_payload_size", l.Communication.MaxPayloadSize)
}

// LoadFromFile reads path (JSON, YAML or TOML by extension), applies
// RCONBRIDGE_* environment overrides and the optional .env file next to it,
// then validates.
func LoadFromFile(path string) (*Config, error) {
	v := NewViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file %s not found: %w", path, err)
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Decode(v, filepath.Dir(path))
}

// Decode unmarshals an already populated viper instance. dotEnvDir, when set,
// is searched for a .env file holding server passwords.
func Decode(v *viper.Viper, dotEnvDir string) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationHook,
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if dotEnvDir != "" {
		if err := ApplyDotEnvPasswords(cfg, dotEnvDir); err != nil {
			return nil, err
		}
	}
	ApplyEnvPasswords(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

var durationType = reflect.TypeOf(Duration(0))

// durationHook decodes "15s"-style strings and plain numbers (seconds) into Duration.
func durationHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != durationType {
		return data, nil
	}
	switch from.Kind() {
	case reflect.String:
		s := data.(string)
		if s == "" {
			return Duration(0), nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		return Duration(d), nil
	case reflect.Int, reflect.Int32, reflect.Int64:
		return Duration(time.Duration(reflect.ValueOf(data).Int()) * time.Second), nil
	case reflect.Float32, reflect.Float64:
		return Duration(time.Duration(reflect.ValueOf(data).Float() * float64(time.Second))), nil
	}
	return data, nil
}
