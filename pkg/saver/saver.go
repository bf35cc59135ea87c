// Package saver implements the background service that periodically
// merges the samples of the live table into the profile files.
package saver

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/multierror"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/hotprof/pkg/livetable"
	"github.com/grafana/hotprof/pkg/profile"
	"github.com/grafana/hotprof/pkg/profilestore"
)

var (
	ErrNotRunning   = errors.New("profile saver is not running")
	ErrModeConflict = errors.New("profile output is registered with a different mode")
	ErrUnitConflict = errors.New("unit is already collected by another profile output")
)

type Stats struct {
	Cycles         uint64
	ForcedCycles   uint64
	SkippedOutputs uint64
	FailedOutputs  uint64
	MethodsWritten uint64
	BytesWritten   uint64
}

type Saver struct {
	services.Service

	config  Config
	logger  log.Logger
	metrics *metrics
	table   *livetable.Table
	store   *profilestore.Store

	outputsMu sync.RWMutex
	outputs   map[string]*output

	notifications atomic.Int64
	wakeCh        chan struct{}
	forceCh       chan *forceRequest
	// Closed when the running loop exits.
	done chan struct{}

	stats struct {
		cycles         atomic.Uint64
		forcedCycles   atomic.Uint64
		skippedOutputs atomic.Uint64
		failedOutputs  atomic.Uint64
		methodsWritten atomic.Uint64
		bytesWritten   atomic.Uint64
	}
}

// output is a profile file and the units it collects samples of.
type output struct {
	path         string
	forBootImage bool
	// catchAll outputs collect the units no other output names.
	catchAll bool
	units    map[profile.UnitID]struct{}

	// Set for the duration of a cycle.
	filter func(profile.UnitID) bool
}

type forceRequest struct {
	err  error
	done chan struct{}
}

func New(config Config, table *livetable.Table, store *profilestore.Store, logger log.Logger, reg prometheus.Registerer) (*Saver, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	s := &Saver{
		config:  config,
		logger:  logger,
		metrics: newMetrics(reg),
		table:   table,
		store:   store,
		outputs: make(map[string]*output),
		wakeCh:  make(chan struct{}, 1),
		forceCh: make(chan *forceRequest),
		done:    make(chan struct{}),
	}
	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)
	return s, nil
}

// AddOutput registers a profile file. Samples of the given units are
// merged into the file. With no units given, the file collects the units
// no other output names; only one such output may exist. Adding an output
// again extends its units. A unit is collected by one output at most.
func (s *Saver) AddOutput(path string, forBootImage bool, units ...profile.UnitID) error {
	s.outputsMu.Lock()
	defer s.outputsMu.Unlock()
	o, ok := s.outputs[path]
	if ok {
		if o.forBootImage != forBootImage {
			return ErrModeConflict
		}
		if o.catchAll && len(units) > 0 {
			return errors.Wrapf(ErrUnitConflict, "output %s collects all unnamed units", path)
		}
	}
	for _, other := range s.outputs {
		if other.path == path {
			continue
		}
		if len(units) == 0 && other.catchAll && !ok {
			return errors.Wrapf(ErrUnitConflict, "output %s already collects all unnamed units", other.path)
		}
		for _, id := range units {
			if _, claimed := other.units[id]; claimed {
				return errors.Wrapf(ErrUnitConflict, "unit %s is collected by %s", id, other.path)
			}
		}
	}
	if !ok {
		o = &output{
			path:         path,
			forBootImage: forBootImage,
			catchAll:     len(units) == 0,
			units:        make(map[profile.UnitID]struct{}),
		}
		s.outputs[path] = o
	}
	for _, id := range units {
		o.units[id] = struct{}{}
	}
	level.Debug(s.logger).Log("msg", "profile output added", "path", path, "boot_image", forBootImage, "units", len(o.units))
	return nil
}

// MethodTracked implements livetable.Observer.
func (s *Saver) MethodTracked(profile.MethodKey) { s.notify() }

// MethodHot implements livetable.Observer.
func (s *Saver) MethodHot(profile.MethodKey) { s.notify() }

func (s *Saver) notify() {
	s.metrics.notifications.Inc()
	limit := int64(s.config.MaxNotificationsBeforeWake)
	if limit == 0 {
		return
	}
	if s.notifications.Add(1) >= limit {
		s.notifications.Store(0)
		select {
		case s.wakeCh <- struct{}{}:
		default:
		}
	}
}

func (s *Saver) starting(context.Context) error {
	s.table.Subscribe(s)
	if s.config.StartupDuration == 0 {
		s.table.EndStartup()
	}
	return nil
}

func (s *Saver) running(ctx context.Context) error {
	defer close(s.done)
	ticker := time.NewTicker(s.config.SavePeriod)
	defer ticker.Stop()

	var startupC <-chan time.Time
	if s.table.InStartup() {
		startup := time.NewTimer(s.config.StartupDuration)
		defer startup.Stop()
		startupC = startup.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-startupC:
			s.table.EndStartup()
			startupC = nil
		case <-ticker.C:
			_ = s.process(ctx, triggerPeriodic)
		case <-s.wakeCh:
			_ = s.process(ctx, triggerNotification)
		case r := <-s.forceCh:
			r.err = s.process(ctx, triggerForced)
			close(r.done)
		}
	}
}

func (s *Saver) stopping(_ error) error {
	s.table.Subscribe(nil)
	if !s.config.FlushOnShutdown {
		return nil
	}
	ctx := context.Background()
	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	if err := s.process(ctx, triggerShutdown); err != nil {
		level.Error(s.logger).Log("msg", "final profile save failed", "err", err)
	}
	return nil
}

// ForceProcess runs a save cycle over all outputs and waits until it is
// complete. Unlike periodic cycles, every output is written regardless
// of the number of changed methods.
func (s *Saver) ForceProcess(ctx context.Context) error {
	if s.State() != services.Running {
		return ErrNotRunning
	}
	r := &forceRequest{done: make(chan struct{})}
	select {
	case s.forceCh <- r:
	case <-s.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cycleOutputs returns a copy of the outputs sorted by path, with the
// filters of the cycle. The catch-all output skips every unit another
// output names, so each unit is snapshotted by one output only.
func (s *Saver) cycleOutputs() []output {
	s.outputsMu.RLock()
	defer s.outputsMu.RUnlock()
	named := make(map[profile.UnitID]struct{})
	for _, o := range s.outputs {
		for id := range o.units {
			named[id] = struct{}{}
		}
	}
	outputs := lo.Map(lo.Values(s.outputs), func(o *output, _ int) output {
		c := *o
		c.units = lo.SliceToMap(lo.Keys(o.units), func(id profile.UnitID) (profile.UnitID, struct{}) {
			return id, struct{}{}
		})
		switch {
		case !c.catchAll:
			c.filter = func(id profile.UnitID) bool {
				_, ok := c.units[id]
				return ok
			}
		case len(named) > 0:
			c.filter = func(id profile.UnitID) bool {
				_, ok := named[id]
				return !ok
			}
		}
		return c
	})
	slices.SortFunc(outputs, func(a, b output) int { return strings.Compare(a.path, b.path) })
	return outputs
}

// process runs a cycle over all outputs concurrently. A failed output
// does not prevent the others from being saved; its samples are kept in
// the table for the next cycle.
func (s *Saver) process(ctx context.Context, t trigger) error {
	start := time.Now()
	outputs := s.cycleOutputs()
	force := t == triggerForced || t == triggerShutdown

	errs := make([]error, len(outputs))
	var g errgroup.Group
	for i := range outputs {
		o := &outputs[i]
		g.Go(func() error {
			errs[i] = s.processOutput(ctx, o, force)
			return nil
		})
	}
	_ = g.Wait()
	err := multierror.New(errs...).Err()

	s.stats.cycles.Add(1)
	if t == triggerForced {
		s.stats.forcedCycles.Add(1)
	}
	result := resultOK
	if err != nil {
		result = resultError
		level.Error(s.logger).Log("msg", "profile save cycle failed", "trigger", t, "err", err)
	}
	s.metrics.cycles.WithLabelValues(string(t), result).Inc()
	s.metrics.cycleDuration.WithLabelValues(string(t)).Observe(time.Since(start).Seconds())
	return err
}

func (s *Saver) processOutput(ctx context.Context, o *output, force bool) error {
	filter := o.filter
	if !force {
		if pending := s.table.PendingMethods(filter); pending < s.config.MinMethodsToSave {
			level.Debug(s.logger).Log("msg", "not enough changed methods to save", "path", o.path, "methods", pending)
			s.stats.skippedOutputs.Add(1)
			s.metrics.outputs.WithLabelValues(resultSkipped).Inc()
			return nil
		}
	}
	res, err := s.store.FlushCycle(ctx, o.path, s.table, profilestore.FlushOptions{
		ForBootImage: o.forBootImage,
		Filter:       filter,
	})
	switch {
	case err != nil:
		s.stats.failedOutputs.Add(1)
		s.metrics.outputs.WithLabelValues(resultError).Inc()
		return err
	case res.Skipped:
		s.stats.skippedOutputs.Add(1)
		s.metrics.outputs.WithLabelValues(resultSkipped).Inc()
	default:
		s.stats.methodsWritten.Add(uint64(res.Methods))
		s.stats.bytesWritten.Add(uint64(res.BytesWritten))
		s.metrics.outputs.WithLabelValues(resultOK).Inc()
	}
	return nil
}

func (s *Saver) Stats() Stats {
	return Stats{
		Cycles:         s.stats.cycles.Load(),
		ForcedCycles:   s.stats.forcedCycles.Load(),
		SkippedOutputs: s.stats.skippedOutputs.Load(),
		FailedOutputs:  s.stats.failedOutputs.Load(),
		MethodsWritten: s.stats.methodsWritten.Load(),
		BytesWritten:   s.stats.bytesWritten.Load(),
	}
}
