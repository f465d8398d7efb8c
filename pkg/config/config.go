// Package config loads server configuration from defaults, an optional YAML
// file, TOOLGATE_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tb0hdan/toolgate-mcp/pkg/types"
)

const EnvPrefix = "TOOLGATE"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Guard     GuardConfig     `mapstructure:"guard"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Flags     FlagsConfig     `mapstructure:"flags"`
}

type ServerConfig struct {
	Bind      string `mapstructure:"bind"`
	Transport string `mapstructure:"transport"`
	Debug     bool   `mapstructure:"debug"`
}

type StorageConfig struct {
	Path  string `mapstructure:"path"`
	Debug bool   `mapstructure:"debug"`
}

type GuardConfig struct {
	MaxBytes           int           `mapstructure:"max_bytes"`
	MaxDepth           int           `mapstructure:"max_depth"`
	Timeout            time.Duration `mapstructure:"timeout"`
	RejectReservedKeys bool          `mapstructure:"reject_reserved_keys"`
}

// RateLimitConfig sets a token bucket per tool. Zero RPS disables limiting.
type RateLimitConfig struct {
	RPS   float64            `mapstructure:"rps"`
	Burst int                `mapstructure:"burst"`
	Tools map[string]float64 `mapstructure:"tools"`
}

type FlagsConfig struct {
	File   string `mapstructure:"file"`
	EnvVar string `mapstructure:"env_var"`
}

// flagKeys maps command-line flag names onto configuration keys.
var flagKeys = map[string]string{
	"bind":      "server.bind",
	"transport": "server.transport",
	"debug":     "server.debug",
	"db":        "storage.path",
	"flags":     "flags.file",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.bind", "localhost:8989")
	v.SetDefault("server.transport", "http")
	v.SetDefault("server.debug", false)
	v.SetDefault("storage.path", "toolgate.db")
	v.SetDefault("storage.debug", false)
	v.SetDefault("guard.max_bytes", types.MaxPayloadBytes)
	v.SetDefault("guard.max_depth", types.MaxNestingDepth)
	v.SetDefault("guard.timeout", types.GuardTimeout)
	v.SetDefault("guard.reject_reserved_keys", false)
	v.SetDefault("ratelimit.rps", 0)
	v.SetDefault("ratelimit.burst", 10)
	v.SetDefault("ratelimit.tools", map[string]float64{})
	v.SetDefault("flags.file", "")
	v.SetDefault("flags.env_var", "TOOLGATE_FEATURE_FLAGS")
}

// Load builds the configuration. path and fs are optional.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Server.Transport {
	case "http", "stdio":
	default:
		return fmt.Errorf("invalid transport %q: must be http or stdio", c.Server.Transport)
	}
	if c.Guard.MaxBytes <= 0 || c.Guard.MaxDepth <= 0 || c.Guard.Timeout <= 0 {
		return fmt.Errorf("guard limits must be positive")
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate limit values must not be negative")
	}
	return nil
}

// ToolRate returns the rate limit applied to a tool.
func (r RateLimitConfig) ToolRate(tool string) float64 {
	if rps, ok := r.Tools[tool]; ok {
		return rps
	}
	return r.RPS
}
