// Package config binds the bridge's runtime configuration via
// spf13/viper, the same configuration library the teacher repo's
// commands package reads TempFolder/WorkoutFolder from, generalized here
// into a typed Config struct bound once at startup instead of scattered
// viper.GetString calls.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix applied to every environment variable override,
// e.g. OARSMAN_LISTEN_PORT.
const EnvPrefix = "OARSMAN"

// Config holds every operator-tunable setting for the bridge process.
type Config struct {
	ListenPort       int     `mapstructure:"listen_port"`
	DataDir          string  `mapstructure:"data_dir"`
	ScanDurationS    int     `mapstructure:"scan_duration_s"`
	SimulatorEnabled bool    `mapstructure:"simulator_enabled"`
	Debug            bool    `mapstructure:"debug"`
	UserWeightKg     float64 `mapstructure:"user_weight_kg"`
	UserAge          int     `mapstructure:"user_age"`
	HRMaxOverride    int     `mapstructure:"hr_max_override"` // 0 means unset
	HRRestOverride   int     `mapstructure:"hr_rest_override"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("listen_port", 8080)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("scan_duration_s", 10)
	v.SetDefault("simulator_enabled", false)
	v.SetDefault("debug", false)
	v.SetDefault("user_weight_kg", 75.0)
	v.SetDefault("user_age", 35)
	v.SetDefault("hr_max_override", 0)
	v.SetDefault("hr_rest_override", 0)
}

// Load binds Config from (in ascending priority) defaults, an optional
// config file at configPath, and OARSMAN_-prefixed environment variables,
// mirroring the teacher's viper.GetString("TempFolder")-style lookups but
// collected into one typed struct bound up front.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// HRMaxOverridePtr returns nil when unset, for direct use with
// internal/workout.New.
func (c *Config) HRMaxOverridePtr() *int {
	if c.HRMaxOverride <= 0 {
		return nil
	}
	v := c.HRMaxOverride
	return &v
}

// HRRestOverridePtr returns nil when unset.
func (c *Config) HRRestOverridePtr() *int {
	if c.HRRestOverride <= 0 {
		return nil
	}
	v := c.HRRestOverride
	return &v
}
