package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/smart-guard/exportgate/errors"
)

// Config is the complete application configuration. Every field has a
// working default; a config file only needs the keys it changes.
type Config struct {
	Service     ServiceConfig     `json:"service" yaml:"service"`
	Log         LogConfig         `json:"log" yaml:"log"`
	NATS        NATSConfig        `json:"nats" yaml:"nats"`
	Store       StoreConfig       `json:"store" yaml:"store"`
	Admin       AdminConfig       `json:"admin" yaml:"admin"`
	Events      EventsConfig      `json:"events" yaml:"events"`
	Schedules   SchedulesConfig   `json:"schedules" yaml:"schedules"`
	ExportLog   ExportLogConfig   `json:"export_log" yaml:"export_log"`
	Targets     TargetsConfig     `json:"targets" yaml:"targets"`
	Coordinator CoordinatorConfig `json:"coordinator" yaml:"coordinator"`
}

// ServiceConfig identifies this gateway instance.
type ServiceConfig struct {
	// ID appears in log rows, result notices, and the NATS connection name.
	ID string `json:"id" yaml:"id"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// NATSConfig shapes the bus client.
type NATSConfig struct {
	URL              string `json:"url" yaml:"url"`
	Username         string `json:"username" yaml:"username"`
	Password         string `json:"password" yaml:"password"`
	Token            string `json:"token" yaml:"token"`
	TLSCertFile      string `json:"tls_cert_file" yaml:"tls_cert_file"`
	TLSKeyFile       string `json:"tls_key_file" yaml:"tls_key_file"`
	TLSCAFile        string `json:"tls_ca_file" yaml:"tls_ca_file"`
	TimeoutSec       int    `json:"timeout_sec" yaml:"timeout_sec"`
	DrainTimeoutSec  int    `json:"drain_timeout_sec" yaml:"drain_timeout_sec"`
	MaxReconnects    int    `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWaitMS  int    `json:"reconnect_wait_ms" yaml:"reconnect_wait_ms"`
	BreakerThreshold int    `json:"breaker_threshold" yaml:"breaker_threshold"`
}

// Store drivers.
const (
	StoreDriverMemory   = "memory"
	StoreDriverPostgres = "postgres"
)

// StoreConfig selects and shapes the persistence backend. The memory driver
// needs no infrastructure and is the default so the binary starts bare;
// production deployments set postgres.
type StoreConfig struct {
	Driver             string `json:"driver" yaml:"driver"`
	DSN                string `json:"dsn" yaml:"dsn"`
	MaxConns           int    `json:"max_conns" yaml:"max_conns"`
	MinConns           int    `json:"min_conns" yaml:"min_conns"`
	MaxConnLifetimeMin int    `json:"max_conn_lifetime_min" yaml:"max_conn_lifetime_min"`
	MaxConnIdleTimeMin int    `json:"max_conn_idle_time_min" yaml:"max_conn_idle_time_min"`
	ConnectTimeoutSec  int    `json:"connect_timeout_sec" yaml:"connect_timeout_sec"`
	Migrate            bool   `json:"migrate" yaml:"migrate"`
}

// AdminConfig shapes the HTTP operations surface.
type AdminConfig struct {
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	Listen             string `json:"listen" yaml:"listen"`
	ReadTimeoutSec     int    `json:"read_timeout_sec" yaml:"read_timeout_sec"`
	WriteTimeoutSec    int    `json:"write_timeout_sec" yaml:"write_timeout_sec"`
	ShutdownTimeoutSec int    `json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`
}

// EventsConfig shapes bus ingress.
type EventsConfig struct {
	Channels   []string `json:"channels" yaml:"channels"`
	QueueGroup string   `json:"queue_group" yaml:"queue_group"`
	Selective  bool     `json:"selective" yaml:"selective"`
	Workers    int      `json:"workers" yaml:"workers"`
	QueueSize  int      `json:"queue_size" yaml:"queue_size"`
}

// SchedulesConfig shapes the periodic bulk exporter.
type SchedulesConfig struct {
	TickIntervalSec   int `json:"tick_interval_sec" yaml:"tick_interval_sec"`
	ReloadIntervalSec int `json:"reload_interval_sec" yaml:"reload_interval_sec"`
	MaxConcurrent     int `json:"max_concurrent" yaml:"max_concurrent"`
	RunTimeoutSec     int `json:"run_timeout_sec" yaml:"run_timeout_sec"`
}

// ExportLogConfig shapes the async log writer.
type ExportLogConfig struct {
	QueueSize           int `json:"queue_size" yaml:"queue_size"`
	BatchSize           int `json:"batch_size" yaml:"batch_size"`
	FlushIntervalMS     int `json:"flush_interval_ms" yaml:"flush_interval_ms"`
	WriteTimeoutSec     int `json:"write_timeout_sec" yaml:"write_timeout_sec"`
	MaxWriteFailures    int `json:"max_write_failures" yaml:"max_write_failures"`
	RetentionDays       int `json:"retention_days" yaml:"retention_days"`
	RetentionCheckHours int `json:"retention_check_hours" yaml:"retention_check_hours"`
}

// TargetsConfig carries the gateway-level target assignment knobs.
type TargetsConfig struct {
	// AllowList restricts this gateway to the named targets. Empty loads
	// every enabled target.
	AllowList []string `json:"allow_list" yaml:"allow_list"`

	// PriorityOverrides replaces a target's execution order by target ID
	// without touching the stored records.
	PriorityOverrides map[int]int `json:"priority_overrides" yaml:"priority_overrides"`
}

// CoordinatorConfig carries dispatch-loop knobs.
type CoordinatorConfig struct {
	SendTimeoutSec int `json:"send_timeout_sec" yaml:"send_timeout_sec"`
	BatchSweepMS   int `json:"batch_sweep_ms" yaml:"batch_sweep_ms"`
	StatsFlushSec  int `json:"stats_flush_sec" yaml:"stats_flush_sec"`
}

// DefaultConfig returns a configuration that runs without any file: memory
// store, local NATS, admin on localhost.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{ID: "exportgate-1"},
		Log:     LogConfig{Level: "info", Format: "json"},
		NATS: NATSConfig{
			URL:             "nats://127.0.0.1:4222",
			TimeoutSec:      5,
			DrainTimeoutSec: 10,
			MaxReconnects:   -1,
			ReconnectWaitMS: 2000,
		},
		Store: StoreConfig{
			Driver:  StoreDriverMemory,
			Migrate: true,
		},
		Admin: AdminConfig{
			Enabled:            true,
			Listen:             "127.0.0.1:8084",
			ReadTimeoutSec:     10,
			WriteTimeoutSec:    30,
			ShutdownTimeoutSec: 5,
		},
		Events: EventsConfig{
			Channels:  []string{"alarms:all"},
			Workers:   4,
			QueueSize: 10000,
		},
		Schedules: SchedulesConfig{
			TickIntervalSec:   10,
			ReloadIntervalSec: 60,
			MaxConcurrent:     50,
			RunTimeoutSec:     300,
		},
		ExportLog: ExportLogConfig{
			QueueSize:           10000,
			BatchSize:           100,
			FlushIntervalMS:     5000,
			WriteTimeoutSec:     10,
			MaxWriteFailures:    5,
			RetentionDays:       30,
			RetentionCheckHours: 24,
		},
		Coordinator: CoordinatorConfig{
			SendTimeoutSec: 30,
			BatchSweepMS:   1000,
			StatsFlushSec:  60,
		},
	}
}

var (
	logLevels  = map[string]struct{}{"debug": {}, "info": {}, "warn": {}, "error": {}}
	logFormats = map[string]struct{}{"json": {}, "text": {}}
)

// Validate checks cross-field consistency. It does not mutate; defaults are
// applied by DefaultConfig and by the components themselves.
func (c *Config) Validate() error {
	if c.Service.ID == "" {
		return invalid("service.id must not be empty")
	}
	if _, ok := logLevels[c.Log.Level]; !ok {
		return invalid("log.level must be debug, info, warn, or error")
	}
	if _, ok := logFormats[c.Log.Format]; !ok {
		return invalid("log.format must be json or text")
	}
	if c.NATS.URL == "" {
		return invalid("nats.url must not be empty")
	}
	if c.NATS.Token != "" && c.NATS.Username != "" {
		return invalid("nats: token and username are mutually exclusive")
	}
	if (c.NATS.TLSCertFile == "") != (c.NATS.TLSKeyFile == "") {
		return invalid("nats: tls_cert_file and tls_key_file must be set together")
	}

	switch c.Store.Driver {
	case StoreDriverMemory:
	case StoreDriverPostgres:
		if c.Store.DSN == "" {
			return invalid("store.dsn is required for the postgres driver")
		}
	default:
		return invalid(fmt.Sprintf("store.driver %q is not memory or postgres", c.Store.Driver))
	}

	if c.Admin.Enabled && c.Admin.Listen == "" {
		return invalid("admin.listen must not be empty when admin is enabled")
	}
	if c.Events.Workers < 0 || c.Events.QueueSize < 0 {
		return invalid("events.workers and events.queue_size must not be negative")
	}
	for _, ch := range c.Events.Channels {
		if strings.TrimSpace(ch) == "" {
			return invalid("events.channels must not contain empty names")
		}
	}
	if c.ExportLog.RetentionDays < 0 {
		return invalid("export_log.retention_days must not be negative")
	}
	return nil
}

func invalid(msg string) error {
	return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate", msg)
}

// Load reads a config file over the defaults, so partial files keep every
// unmentioned default. The format follows the extension: .json, .yaml, .yml.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config", "Load", "read "+path)
	}

	cfg := DefaultConfig()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = json.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Load",
			fmt.Sprintf("unsupported config extension %q (want .json, .yaml, or .yml)", ext))
	}
	if err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "parse "+path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Clone returns a deep copy, so a holder can mutate its copy without racing
// readers of the original.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	if c.Events.Channels != nil {
		out.Events.Channels = append([]string(nil), c.Events.Channels...)
	}
	if c.Targets.AllowList != nil {
		out.Targets.AllowList = append([]string(nil), c.Targets.AllowList...)
	}
	if c.Targets.PriorityOverrides != nil {
		out.Targets.PriorityOverrides = make(map[int]int, len(c.Targets.PriorityOverrides))
		for k, v := range c.Targets.PriorityOverrides {
			out.Targets.PriorityOverrides[k] = v
		}
	}
	return &out
}
