package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smart-guard/exportgate/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, StoreDriverMemory, cfg.Store.Driver)
	assert.Equal(t, []string{"alarms:all"}, cfg.Events.Channels)
	assert.True(t, cfg.Admin.Enabled)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty service id", func(c *Config) { c.Service.ID = "" }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Log.Format = "logfmt" }},
		{"empty nats url", func(c *Config) { c.NATS.URL = "" }},
		{"token and username", func(c *Config) { c.NATS.Token = "t"; c.NATS.Username = "u" }},
		{"tls cert without key", func(c *Config) { c.NATS.TLSCertFile = "cert.pem" }},
		{"unknown store driver", func(c *Config) { c.Store.Driver = "sqlite" }},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = StoreDriverPostgres }},
		{"admin without listen", func(c *Config) { c.Admin.Listen = "" }},
		{"negative workers", func(c *Config) { c.Events.Workers = -1 }},
		{"blank channel", func(c *Config) { c.Events.Channels = []string{"alarms:all", " "} }},
		{"negative retention", func(c *Config) { c.ExportLog.RetentionDays = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestLoadJSONOverDefaults(t *testing.T) {
	path := writeFile(t, "app.json", `{
		"service": {"id": "gw-7"},
		"store": {"driver": "postgres", "dsn": "postgres://x/y"},
		"targets": {"allow_list": ["insite"], "priority_overrides": {"3": 10}}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gw-7", cfg.Service.ID)
	assert.Equal(t, StoreDriverPostgres, cfg.Store.Driver)
	assert.Equal(t, []string{"insite"}, cfg.Targets.AllowList)
	assert.Equal(t, map[int]int{3: 10}, cfg.Targets.PriorityOverrides)
	assert.Equal(t, "info", cfg.Log.Level, "unmentioned keys keep defaults")
	assert.Equal(t, 10000, cfg.Events.QueueSize)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "app.yaml", `
service:
  id: gw-yaml
events:
  channels: [ "alarms:all", "alarms:critical" ]
  selective: true
  workers: 8
schedules:
  tick_interval_sec: 30
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gw-yaml", cfg.Service.ID)
	assert.Equal(t, []string{"alarms:all", "alarms:critical"}, cfg.Events.Channels)
	assert.True(t, cfg.Events.Selective)
	assert.Equal(t, 8, cfg.Events.Workers)
	assert.Equal(t, 30, cfg.Schedules.TickIntervalSec)
	assert.Equal(t, 4, DefaultConfig().Events.Workers, "defaults untouched")
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "app.toml", "id = 1"))
	require.Error(t, err, "unsupported extension")
	assert.True(t, errors.IsInvalid(err))

	_, err = Load(writeFile(t, "bad.json", "{"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = Load(writeFile(t, "invalid.json", `{"log": {"level": "loud"}}`))
	require.Error(t, err, "a parsed file still has to validate")
}

func TestCloneIsDeep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Targets.AllowList = []string{"a"}
	cfg.Targets.PriorityOverrides = map[int]int{1: 2}

	clone := cfg.Clone()
	clone.Events.Channels[0] = "mutated"
	clone.Targets.AllowList[0] = "mutated"
	clone.Targets.PriorityOverrides[1] = 99

	assert.Equal(t, "alarms:all", cfg.Events.Channels[0])
	assert.Equal(t, "a", cfg.Targets.AllowList[0])
	assert.Equal(t, 2, cfg.Targets.PriorityOverrides[1])
}

func TestSafeConfig(t *testing.T) {
	sc := NewSafeConfig(nil)
	got := sc.Get()
	require.NotNil(t, got)
	assert.Equal(t, "exportgate-1", got.Service.ID)

	// A mutated read copy must not leak back.
	got.Service.ID = "mutated"
	assert.Equal(t, "exportgate-1", sc.Get().Service.ID)

	next := DefaultConfig()
	next.Service.ID = "gw-2"
	require.NoError(t, sc.Update(next))
	assert.Equal(t, "gw-2", sc.Get().Service.ID)

	bad := DefaultConfig()
	bad.Log.Level = "nope"
	require.Error(t, sc.Update(bad))
	assert.Equal(t, "gw-2", sc.Get().Service.ID, "failed update keeps the old config")

	require.Error(t, sc.Update(nil))
}
