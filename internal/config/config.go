// Package config loads the daemon and CLI configuration.
package config

import (
	"fmt"
	"time"

	vulaerrors "github.com/ioerror/vula/pkg/errors"
)

// Config represents the complete vula configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Organize OrganizeConfig `mapstructure:"organize"`
	API      APIConfig      `mapstructure:"api"`
	EventLog EventLogConfig `mapstructure:"eventlog"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// LogConfig contains logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// OrganizeConfig holds the organize daemon settings that are not prefs.
type OrganizeConfig struct {
	StateFile string `mapstructure:"state_file"`
	KeysFile  string `mapstructure:"keys_file"`
	HostsFile string `mapstructure:"hosts_file"`
	// Hostname is the name we announce. Empty means the system hostname
	// with the .local. suffix.
	Hostname       string        `mapstructure:"hostname"`
	Interface      string        `mapstructure:"interface"`
	Port           int           `mapstructure:"port"`
	Table          int           `mapstructure:"table"`
	FWMark         int           `mapstructure:"fwmark"`
	IPRulePriority int           `mapstructure:"ip_rule_priority"`
	ResyncInterval time.Duration `mapstructure:"resync_interval"`
}

// APIConfig contains the management API settings.
type APIConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// BaseURL is the URL clients on this host use to reach the API.
func (a APIConfig) BaseURL() string {
	addr := a.ListenAddr
	if len(addr) > 0 && addr[0] == ':' {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

// EventLogConfig configures the SQLite result archive.
type EventLogConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if c.Log.Level != "" && !validLevels[c.Log.Level] {
		return invalid("log.level", c.Log.Level, "must be trace, debug, info, warn, or error")
	}
	if c.Log.Format != "" && c.Log.Format != "json" && c.Log.Format != "text" {
		return invalid("log.format", c.Log.Format, "must be json or text")
	}

	if c.Organize.StateFile == "" {
		return invalid("organize.state_file", "", "is required")
	}
	if c.Organize.KeysFile == "" {
		return invalid("organize.keys_file", "", "is required")
	}
	if c.Organize.Interface == "" {
		return invalid("organize.interface", "", "is required")
	}
	if c.Organize.Port < 1 || c.Organize.Port > 65535 {
		return invalid("organize.port", c.Organize.Port, "must be between 1 and 65535")
	}
	if c.Organize.Table < 1 {
		return invalid("organize.table", c.Organize.Table, "must be positive")
	}
	if c.Organize.ResyncInterval < time.Second {
		return invalid("organize.resync_interval", c.Organize.ResyncInterval, "must be at least 1 second")
	}

	if c.API.ListenAddr == "" {
		return invalid("api.listen_addr", "", "is required")
	}

	if c.EventLog.Enabled && c.EventLog.Path == "" {
		return invalid("eventlog.path", "", "is required when the event log is enabled")
	}
	if c.EventLog.Retention < 0 {
		return invalid("eventlog.retention", c.EventLog.Retention, "must not be negative")
	}
	return nil
}

func invalid(key string, value any, msg string) error {
	return vulaerrors.NewSystemError(vulaerrors.ErrCodeConfiguration,
		fmt.Sprintf("invalid %s: %s", key, msg), false, nil).
		WithMetadata("key", key).
		WithMetadata("value", value)
}
