package engine

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds the engine's implementation-defined tunables: the
// recursion budget for AST/named-expression walks, and the bound used
// to reduce one-sided ranges like SUM(A:A) against the sheet's dense
// extent.
type Config struct {
	RecursionBudget        int    `mapstructure:"recursion_budget"`
	InfiniteRangeScanBound int    `mapstructure:"infinite_range_scan_bound"`
	LogLevel               string `mapstructure:"log_level"`
}

// DefaultConfig returns conservative defaults suitable for an
// interactive workbook session.
func DefaultConfig() Config {
	return Config{
		RecursionBudget:        defaultMaxRecursionDepth,
		InfiniteRangeScanBound: 100000,
		LogLevel:               "info",
	}
}

// LoadConfig reads overrides from a YAML/JSON/TOML file (format inferred
// from its extension) and from FORMULACORE_-prefixed environment
// variables, layered over DefaultConfig, via viper - the way
// bisibesi-spec-recon loads its tool configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix("FORMULACORE")
	v.AutomaticEnv()
	v.SetDefault("recursion_budget", cfg.RecursionBudget)
	v.SetDefault("infinite_range_scan_bound", cfg.InfiniteRangeScanBound)
	v.SetDefault("log_level", cfg.LogLevel)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("engine: loading config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("engine: parsing config: %w", err)
	}
	return &cfg, nil
}
