package saver

import (
	"errors"
	"flag"
	"time"
)

const (
	DefaultSavePeriod                 = 40 * time.Second
	DefaultMinMethodsToSave           = 10
	DefaultMaxNotificationsBeforeWake = 50
	DefaultStartupDuration            = 5 * time.Second
	DefaultShutdownTimeout            = 10 * time.Second
)

type Config struct {
	SavePeriod time.Duration `yaml:"save_period"`
	// Periodic cycles skip outputs with fewer changed methods.
	MinMethodsToSave int `yaml:"min_methods_to_save"`
	// Number of new or hot methods that triggers a cycle before the
	// save period elapses. Zero disables notifications.
	MaxNotificationsBeforeWake int           `yaml:"max_notifications_before_wake"`
	StartupDuration            time.Duration `yaml:"startup_duration"`
	FlushOnShutdown            bool          `yaml:"flush_on_shutdown"`
	ShutdownTimeout            time.Duration `yaml:"shutdown_timeout"`
}

func DefaultConfig() Config {
	return Config{
		SavePeriod:                 DefaultSavePeriod,
		MinMethodsToSave:           DefaultMinMethodsToSave,
		MaxNotificationsBeforeWake: DefaultMaxNotificationsBeforeWake,
		StartupDuration:            DefaultStartupDuration,
		FlushOnShutdown:            true,
		ShutdownTimeout:            DefaultShutdownTimeout,
	}
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.SavePeriod, prefix+"saver.save-period", DefaultSavePeriod, "How often pending samples are merged into the profile files.")
	f.IntVar(&cfg.MinMethodsToSave, prefix+"saver.min-methods-to-save", DefaultMinMethodsToSave, "Minimum number of changed methods for a periodic save of a profile file.")
	f.IntVar(&cfg.MaxNotificationsBeforeWake, prefix+"saver.max-notifications-before-wake", DefaultMaxNotificationsBeforeWake, "Number of new or hot methods that triggers an early save. 0 to disable.")
	f.DurationVar(&cfg.StartupDuration, prefix+"saver.startup-duration", DefaultStartupDuration, "Duration of the startup phase. Samples recorded during the phase are flagged as startup samples.")
	f.BoolVar(&cfg.FlushOnShutdown, prefix+"saver.flush-on-shutdown", true, "Save pending samples when the saver stops.")
	f.DurationVar(&cfg.ShutdownTimeout, prefix+"saver.shutdown-timeout", DefaultShutdownTimeout, "Maximum duration of the final save on shutdown.")
}

func (cfg *Config) Validate() error {
	if cfg.SavePeriod <= 0 {
		return errors.New("save period must be positive")
	}
	if cfg.MinMethodsToSave < 0 {
		return errors.New("min methods to save must not be negative")
	}
	if cfg.MaxNotificationsBeforeWake < 0 {
		return errors.New("max notifications before wake must not be negative")
	}
	if cfg.StartupDuration < 0 || cfg.ShutdownTimeout < 0 {
		return errors.New("durations must not be negative")
	}
	return nil
}
