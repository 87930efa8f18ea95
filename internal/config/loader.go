package config

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. GRIDCACHE_NODE_ID or
// GRIDCACHE_CLUSTER_SEEDS
const EnvPrefix = "GRIDCACHE"

// Load builds the configuration from defaults, the optional file at
// configPath and GRIDCACHE_* environment variables, in increasing precedence
func Load(configPath string) (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// newViper seeds a viper instance with the defaults so that every key is
// known to it, which AutomaticEnv needs to resolve nested overrides
func newViper() (*viper.Viper, error) {
	defaults, err := DefaultConfig().Dump()
	if err != nil {
		return nil, fmt.Errorf("failed to render defaults: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}
