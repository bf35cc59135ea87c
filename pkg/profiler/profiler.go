// Package profiler exposes the profiling operations used by the execution
// engine: tracking methods, forcing a save and querying saved profiles.
package profiler

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/spf13/afero"

	hotprofcontext "github.com/grafana/hotprof/pkg/hotprof/context"
	"github.com/grafana/hotprof/pkg/livetable"
	"github.com/grafana/hotprof/pkg/profile"
	"github.com/grafana/hotprof/pkg/profilestore"
	"github.com/grafana/hotprof/pkg/saver"
)

type Option func(*Profiler)

// WithFs sets the file system profiles are stored in.
func WithFs(fs afero.Fs) Option {
	return func(p *Profiler) { p.fs = fs }
}

type Profiler struct {
	config Config
	logger log.Logger
	fs     afero.Fs

	table *livetable.Table
	store *profilestore.Store
	saver *saver.Saver
}

// New creates a profiler. The logger and the metrics registry are taken
// from the context.
func New(ctx context.Context, config Config, opts ...Option) (*Profiler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Process != "" {
		ctx = hotprofcontext.WrapProcess(ctx, config.Process)
	}
	p := &Profiler{
		config: config,
		logger: hotprofcontext.Logger(ctx),
		fs:     afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(p)
	}
	reg := hotprofcontext.Registry(ctx)

	var err error
	p.table = livetable.New(config.Table, p.logger, reg)
	if p.store, err = profilestore.New(p.fs, config.Store, p.logger, reg); err != nil {
		return nil, err
	}
	if p.saver, err = saver.New(config.Saver, p.table, p.store, p.logger, reg); err != nil {
		return nil, err
	}
	for _, o := range config.Outputs {
		if err = p.saver.AddOutput(o.Path, o.BootImage, o.Units...); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Start starts the background saver.
func (p *Profiler) Start(ctx context.Context) error {
	return services.StartAndAwaitRunning(ctx, p.saver)
}

// Stop stops the background saver, saving pending samples first if
// configured to.
func (p *Profiler) Stop() error {
	return services.StopAndAwaitTerminated(context.Background(), p.saver)
}

func (p *Profiler) RegisterUnit(id profile.UnitID, numMethods uint32) error {
	return p.table.RegisterUnit(id, numMethods)
}

// AddOutput registers a profile file the samples of the units are saved
// to. With no units given, samples of all units are saved.
func (p *Profiler) AddOutput(path string, forBootImage bool, units ...profile.UnitID) error {
	return p.saver.AddOutput(path, forBootImage, units...)
}

// EnsureTracking makes sure the method is tracked. A failure is logged and
// otherwise has no effect.
func (p *Profiler) EnsureTracking(key profile.MethodKey) bool {
	if err := p.table.EnsureTracking(key); err != nil {
		level.Warn(p.logger).Log("msg", "failed to track method", "method", key, "err", err)
		return false
	}
	return true
}

func (p *Profiler) RecordSample(key profile.MethodKey) { p.table.RecordSample(key) }

func (p *Profiler) RecordSamples(key profile.MethodKey, n uint64) { p.table.RecordSamples(key, n) }

func (p *Profiler) MarkHot(key profile.MethodKey, flags profile.Flags) error {
	return p.table.MarkHot(key, flags)
}

// Hotness returns the hotness of the method observed by this process.
func (p *Profiler) Hotness(key profile.MethodKey) profile.Hotness { return p.table.Hotness(key) }

// ForceFlush saves the pending samples of all outputs and returns when the
// profile files are written.
func (p *Profiler) ForceFlush(ctx context.Context) error {
	if err := p.saver.ForceProcess(ctx); err != nil {
		level.Error(p.logger).Log("msg", "forced profile save failed", "err", err)
		return err
	}
	return nil
}

// IsBootImageProfile reports whether path holds a valid boot image
// profile. Absent, invalid and app profiles all report false.
func (p *Profiler) IsBootImageProfile(path string) bool {
	_, err := p.store.Load(path, profilestore.LoadOptions{ForBootImage: true, RequireExists: true})
	if err != nil {
		level.Debug(p.logger).Log("msg", "not a boot image profile", "path", path, "err", err)
		return false
	}
	return true
}

// MethodIsHot reports whether the method is flagged hot in the profile
// saved at path.
func (p *Profiler) MethodIsHot(path string, key profile.MethodKey, forBootImage bool) bool {
	h, ok := p.lookup(path, key, forBootImage)
	return ok && h.Flags.IsHot()
}

// MethodIsPresent reports whether the profile saved at path has any
// record of the method, hot or not.
func (p *Profiler) MethodIsPresent(path string, key profile.MethodKey, forBootImage bool) bool {
	_, ok := p.lookup(path, key, forBootImage)
	return ok
}

func (p *Profiler) lookup(path string, key profile.MethodKey, forBootImage bool) (profile.Hotness, bool) {
	prof, err := p.store.Load(path, profilestore.LoadOptions{ForBootImage: forBootImage})
	if err != nil {
		level.Warn(p.logger).Log("msg", "failed to load profile", "path", path, "err", err)
		return profile.Hotness{}, false
	}
	return prof.Hotness(key)
}

func (p *Profiler) Stats() saver.Stats { return p.saver.Stats() }
