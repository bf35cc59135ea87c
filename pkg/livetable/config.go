package livetable

import (
	"errors"
	"flag"
	"math"
)

type Config struct {
	// HotThreshold is the number of samples after which a method is
	// considered hot.
	HotThreshold uint64 `yaml:"hot_threshold"`
	// MaxEntries limits the number of tracked methods.
	MaxEntries int `yaml:"max_entries"`
}

const (
	DefaultHotThreshold = 100
	DefaultMaxEntries   = 1 << 20
)

func DefaultConfig() Config {
	return Config{
		HotThreshold: DefaultHotThreshold,
		MaxEntries:   DefaultMaxEntries,
	}
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.Uint64Var(&cfg.HotThreshold, prefix+"table.hot-threshold", DefaultHotThreshold, "Number of samples after which a method is marked as hot.")
	f.IntVar(&cfg.MaxEntries, prefix+"table.max-entries", DefaultMaxEntries, "Maximum number of methods tracked in memory.")
}

func (cfg *Config) Validate() error {
	if cfg.HotThreshold == 0 {
		return errors.New("hot threshold must be greater than zero")
	}
	if cfg.HotThreshold > math.MaxInt64 {
		return errors.New("hot threshold must not exceed MaxInt64")
	}
	if cfg.MaxEntries <= 0 {
		return errors.New("max entries must be greater than zero")
	}
	return nil
}
