// SPDX-License-Identifier: GPL-2.0-or-later

// Package config layers checker tunables from defaults, an optional config
// file, and command-line flags, in that order of increasing precedence.
package config

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"git.sr.ht/~apfsck-ng/apfsck-ng/lib/apfstree"
)

// Config holds the tunables that shape a single check run.
type Config struct {
	MaxDepth          int    `mapstructure:"max_depth"`
	ChecksumAlgorithm string `mapstructure:"checksum_algorithm"`
	Progress          bool   `mapstructure:"progress"`
}

func defaults() Config {
	return Config{
		MaxDepth:          apfstree.MaxDepth,
		ChecksumAlgorithm: "fletcher64",
		Progress:          false,
	}
}

// Load builds a Config from, in increasing order of precedence: built-in
// defaults, a config file (if cfgFile is non-empty, or one is found on the
// default search path), and flags already bound to v via BindFlags.
func Load(v *viper.Viper, cfgFile string) (Config, error) {
	cfg := defaults()
	v.SetDefault("max_depth", cfg.MaxDepth)
	v.SetDefault("checksum_algorithm", cfg.ChecksumAlgorithm)
	v.SetDefault("progress", cfg.Progress)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("apfsck")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/apfsck-ng")
		v.AddConfigPath("/etc/apfsck-ng")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || cfgFile != "" {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.ChecksumAlgorithm != "fletcher64" {
		return Config{}, fmt.Errorf("unsupported checksum_algorithm %q: only \"fletcher64\" is implemented", cfg.ChecksumAlgorithm)
	}
	if cfg.MaxDepth <= 0 {
		return Config{}, fmt.Errorf("max_depth must be positive, got %d", cfg.MaxDepth)
	}
	return cfg, nil
}

// BindFlags registers the config knobs as flags on fs and binds them into v,
// so that a flag the user actually passed overrides the config file value.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) {
	fs.Int("max-depth", apfstree.MaxDepth, "maximum root-to-leaf tree depth before declaring the tree corrupt")
	fs.Bool("progress", false, "periodically log which volume is being checked")
	_ = v.BindPFlag("max_depth", fs.Lookup("max-depth"))
	_ = v.BindPFlag("progress", fs.Lookup("progress"))
}
