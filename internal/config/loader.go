package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from YAML files and environment variables.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	l := &Loader{v: viper.New()}

	l.v.SetConfigName("config")
	l.v.SetConfigType("yaml")
	l.v.AddConfigPath("/etc/vula")
	l.v.AddConfigPath("$HOME/.vula")
	l.v.AddConfigPath(".")

	// VULA_ORGANIZE_PORT overrides organize.port
	l.v.SetEnvPrefix("VULA")
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	l.setDefaults()
	return l
}

// Viper exposes the underlying instance so command flags can be bound to keys.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load reads the config file if there is one, applies the environment and
// validates the result.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ConfigFile returns the file that was read, if any.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "text")

	l.v.SetDefault("organize.state_file", "/var/lib/vula-organize/state.yaml")
	l.v.SetDefault("organize.keys_file", "/var/lib/vula-organize/keys.yaml")
	l.v.SetDefault("organize.hosts_file", "/var/lib/vula-organize/hosts")
	l.v.SetDefault("organize.hostname", "")
	l.v.SetDefault("organize.interface", "vula")
	l.v.SetDefault("organize.port", 5354)
	l.v.SetDefault("organize.table", 666)
	l.v.SetDefault("organize.fwmark", 555)
	l.v.SetDefault("organize.ip_rule_priority", 666)
	l.v.SetDefault("organize.resync_interval", "1m")

	l.v.SetDefault("api.listen_addr", "127.0.0.1:5355")

	l.v.SetDefault("eventlog.enabled", true)
	l.v.SetDefault("eventlog.path", "/var/lib/vula-organize/eventlog.db")
	l.v.SetDefault("eventlog.retention", "720h")

	l.v.SetDefault("metrics.enabled", true)
}

// LoadWithPath loads configuration from a specific file path.
func LoadWithPath(configPath string) (*Config, error) {
	loader := NewLoader()
	loader.v.SetConfigFile(configPath)
	return loader.Load()
}

// GetString returns a string value for key.
func (l *Loader) GetString(key string) string {
	return l.v.GetString(key)
}

// GetInt returns an int value for key.
func (l *Loader) GetInt(key string) int {
	return l.v.GetInt(key)
}

// IsSet reports whether key has a value from any source.
func (l *Loader) IsSet(key string) bool {
	return l.v.IsSet(key)
}
