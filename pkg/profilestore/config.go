package profilestore

import (
	"errors"
	"flag"
)

type Config struct {
	// CacheSize is the number of decoded profiles kept in memory for
	// the query path. Zero disables the cache.
	CacheSize int `yaml:"cache_size"`
	// ClearIfInvalid makes flush cycles discard profiles that cannot be
	// decoded instead of failing.
	ClearIfInvalid bool `yaml:"clear_if_invalid"`
}

const DefaultCacheSize = 16

func DefaultConfig() Config {
	return Config{
		CacheSize:      DefaultCacheSize,
		ClearIfInvalid: true,
	}
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.CacheSize, prefix+"store.cache-size", DefaultCacheSize, "Number of decoded profiles cached for queries. 0 to disable.")
	f.BoolVar(&cfg.ClearIfInvalid, prefix+"store.clear-if-invalid", true, "Discard profiles that fail validation when flushing, instead of failing the flush.")
}

func (cfg *Config) Validate() error {
	if cfg.CacheSize < 0 {
		return errors.New("cache size must not be negative")
	}
	return nil
}
