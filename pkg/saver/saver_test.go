package saver

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/grafana/hotprof/pkg/livetable"
	"github.com/grafana/hotprof/pkg/profile"
	"github.com/grafana/hotprof/pkg/profilestore"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	unitApp  = profile.UnitID{Location: "/data/app/base.apk", Checksum: 0xc0ffee}
	unitBoot = profile.UnitID{Location: "/system/framework/boot.art", Checksum: 0xb007}
)

const (
	appPath  = "/profiles/primary.prof"
	bootPath = "/profiles/boot.prof"
)

type testSaver struct {
	*Saver
	fs    afero.Fs
	table *livetable.Table
	store *profilestore.Store
}

func newTestSaver(t *testing.T, fs afero.Fs, config Config) *testSaver {
	t.Helper()
	logger := log.NewNopLogger()
	tbl := livetable.New(livetable.DefaultConfig(), logger, prometheus.NewRegistry())
	require.NoError(t, tbl.RegisterUnit(unitApp, 100))
	require.NoError(t, tbl.RegisterUnit(unitBoot, 100))
	store, err := profilestore.New(fs, profilestore.DefaultConfig(), logger, prometheus.NewRegistry())
	require.NoError(t, err)
	s, err := New(config, tbl, store, logger, prometheus.NewRegistry())
	require.NoError(t, err)
	return &testSaver{Saver: s, fs: fs, table: tbl, store: store}
}

func (ts *testSaver) start(t *testing.T) {
	t.Helper()
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), ts))
	t.Cleanup(func() {
		if ts.State() != services.Terminated {
			require.NoError(t, services.StopAndAwaitTerminated(context.Background(), ts))
		}
	})
}

func (ts *testSaver) samples(t *testing.T, path string, forBootImage bool, key profile.MethodKey) uint64 {
	t.Helper()
	p, err := ts.store.Load(path, profilestore.LoadOptions{ForBootImage: forBootImage, RequireExists: true})
	require.NoError(t, err)
	h, _ := p.Hotness(key)
	return h.Samples
}

// idleConfig disables every trigger but forced cycles.
func idleConfig() Config {
	cfg := DefaultConfig()
	cfg.SavePeriod = time.Hour
	cfg.MaxNotificationsBeforeWake = 0
	cfg.StartupDuration = time.Hour
	return cfg
}

func Test_ForceProcess(t *testing.T) {
	ts := newTestSaver(t, afero.NewMemMapFs(), idleConfig())
	require.NoError(t, ts.AddOutput(appPath, false))
	ts.start(t)

	key := profile.MethodKey{Unit: unitApp, Index: 5}
	ts.table.RecordSamples(key, 1000)
	require.NoError(t, ts.ForceProcess(context.Background()))
	require.EqualValues(t, 1000, ts.samples(t, appPath, false, key))

	ts.table.RecordSamples(key, 1)
	require.NoError(t, ts.ForceProcess(context.Background()))
	require.EqualValues(t, 1001, ts.samples(t, appPath, false, key))

	stats := ts.Stats()
	require.EqualValues(t, 2, stats.Cycles)
	require.EqualValues(t, 2, stats.ForcedCycles)
	require.EqualValues(t, 2, stats.MethodsWritten)
	require.Positive(t, stats.BytesWritten)
}

func Test_ForceProcess_NotRunning(t *testing.T) {
	ts := newTestSaver(t, afero.NewMemMapFs(), idleConfig())
	require.ErrorIs(t, ts.ForceProcess(context.Background()), ErrNotRunning)

	ts.start(t)
	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), ts))
	require.ErrorIs(t, ts.ForceProcess(context.Background()), ErrNotRunning)
}

func Test_ForceProcess_Canceled(t *testing.T) {
	fs := &blockingFs{Fs: afero.NewMemMapFs(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	ts := newTestSaver(t, fs, idleConfig())
	require.NoError(t, ts.AddOutput(appPath, false))
	ts.start(t)

	// The first cycle holds the loop until released.
	ts.table.RecordSamples(profile.MethodKey{Unit: unitApp, Index: 1}, 1)
	first := make(chan error, 1)
	go func() { first <- ts.ForceProcess(context.Background()) }()
	<-fs.entered

	ctx, cancel := context.WithCancel(context.Background())
	second := make(chan error, 1)
	go func() { second <- ts.ForceProcess(ctx) }()
	cancel()
	require.ErrorIs(t, <-second, context.Canceled)

	close(fs.release)
	require.NoError(t, <-first)
}

// blockingFs blocks replacing profiles until release is closed.
type blockingFs struct {
	afero.Fs
	entered chan struct{}
	release chan struct{}
}

func (f *blockingFs) Rename(oldname, newname string) error {
	select {
	case f.entered <- struct{}{}:
	default:
	}
	<-f.release
	return f.Fs.Rename(oldname, newname)
}

func Test_ForceProcess_OutputsAreIndependent(t *testing.T) {
	fs := &failingFs{Fs: afero.NewMemMapFs(), path: bootPath}

	ts := newTestSaver(t, fs, idleConfig())
	require.NoError(t, ts.AddOutput(appPath, false, unitApp))
	require.NoError(t, ts.AddOutput(bootPath, true, unitBoot))
	ts.start(t)

	appKey := profile.MethodKey{Unit: unitApp, Index: 1}
	bootKey := profile.MethodKey{Unit: unitBoot, Index: 1}
	ts.table.RecordSamples(appKey, 3)
	ts.table.RecordSamples(bootKey, 4)

	require.Error(t, ts.ForceProcess(context.Background()))
	require.EqualValues(t, 3, ts.samples(t, appPath, false, appKey))
	require.EqualValues(t, 1, ts.Stats().FailedOutputs)

	// Samples of the failed output are kept for the next cycle.
	require.Equal(t, 1, ts.table.PendingMethods(nil))
	p := ts.table.Snapshot(true, nil)
	h, ok := p.Hotness(bootKey)
	require.True(t, ok)
	require.EqualValues(t, 4, h.Samples)
}

// failingFs fails to replace one profile.
type failingFs struct {
	afero.Fs
	path string
}

func (f *failingFs) Rename(oldname, newname string) error {
	if newname == f.path {
		return afero.ErrFileNotFound
	}
	return f.Fs.Rename(oldname, newname)
}

func Test_Outputs_RouteUnits(t *testing.T) {
	ts := newTestSaver(t, afero.NewMemMapFs(), idleConfig())
	require.NoError(t, ts.AddOutput(appPath, false, unitApp))
	require.NoError(t, ts.AddOutput(bootPath, true, unitBoot))
	require.ErrorIs(t, ts.AddOutput(bootPath, false), ErrModeConflict)
	ts.start(t)

	appKey := profile.MethodKey{Unit: unitApp, Index: 1}
	bootKey := profile.MethodKey{Unit: unitBoot, Index: 2}
	ts.table.RecordSamples(appKey, 10)
	ts.table.RecordSamples(bootKey, 20)
	require.NoError(t, ts.ForceProcess(context.Background()))

	app, err := ts.store.Load(appPath, profilestore.LoadOptions{RequireExists: true})
	require.NoError(t, err)
	require.True(t, app.Contains(appKey))
	require.False(t, app.Contains(bootKey))

	boot, err := ts.store.Load(bootPath, profilestore.LoadOptions{ForBootImage: true, RequireExists: true})
	require.NoError(t, err)
	require.True(t, boot.ForBootImage())
	require.True(t, boot.Contains(bootKey))
	require.False(t, boot.Contains(appKey))
}

func Test_Outputs_CatchAllSkipsNamedUnits(t *testing.T) {
	ts := newTestSaver(t, afero.NewMemMapFs(), idleConfig())
	require.NoError(t, ts.AddOutput(appPath, false))
	require.NoError(t, ts.AddOutput(bootPath, true, unitBoot))
	ts.start(t)

	appKey := profile.MethodKey{Unit: unitApp, Index: 1}
	bootKey := profile.MethodKey{Unit: unitBoot, Index: 2}
	for i := 1; i <= 20; i++ {
		ts.table.RecordSamples(appKey, 10)
		ts.table.RecordSamples(bootKey, 20)
		require.NoError(t, ts.ForceProcess(context.Background()))

		app, err := ts.store.Load(appPath, profilestore.LoadOptions{RequireExists: true})
		require.NoError(t, err)
		require.False(t, app.Contains(bootKey))
		require.EqualValues(t, 10*i, ts.samples(t, appPath, false, appKey))
		require.EqualValues(t, 20*i, ts.samples(t, bootPath, true, bootKey))
	}
}

func Test_AddOutput_Conflicts(t *testing.T) {
	ts := newTestSaver(t, afero.NewMemMapFs(), idleConfig())
	require.NoError(t, ts.AddOutput(appPath, false))
	require.NoError(t, ts.AddOutput(bootPath, true, unitBoot))

	for _, tc := range []struct {
		name         string
		path         string
		forBootImage bool
		units        []profile.UnitID
		err          error
	}{
		{name: "second catch-all", path: "/profiles/other.prof", err: ErrUnitConflict},
		{name: "unit named twice", path: "/profiles/other.prof", forBootImage: true, units: []profile.UnitID{unitBoot}, err: ErrUnitConflict},
		{name: "units added to catch-all", path: appPath, units: []profile.UnitID{unitApp}, err: ErrUnitConflict},
		{name: "mode changed", path: bootPath, err: ErrModeConflict},
		{name: "catch-all added again", path: appPath},
		{name: "units extended", path: bootPath, forBootImage: true, units: []profile.UnitID{unitBoot, unitApp}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := ts.AddOutput(tc.path, tc.forBootImage, tc.units...)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func Test_PeriodicCycle(t *testing.T) {
	cfg := idleConfig()
	cfg.SavePeriod = 10 * time.Millisecond
	cfg.MinMethodsToSave = 2
	ts := newTestSaver(t, afero.NewMemMapFs(), cfg)
	require.NoError(t, ts.AddOutput(appPath, false))
	ts.start(t)

	ts.table.RecordSample(profile.MethodKey{Unit: unitApp, Index: 1})
	require.Eventually(t, func() bool {
		return ts.Stats().SkippedOutputs > 0
	}, 5*time.Second, 5*time.Millisecond)
	exists, err := afero.Exists(ts.fs, appPath)
	require.NoError(t, err)
	require.False(t, exists, "periodic cycles skip outputs with too few changes")

	ts.table.RecordSample(profile.MethodKey{Unit: unitApp, Index: 2})
	require.Eventually(t, func() bool {
		exists, err := afero.Exists(ts.fs, appPath)
		return err == nil && exists
	}, 5*time.Second, 5*time.Millisecond)
}

func Test_NotificationsWakeSaver(t *testing.T) {
	cfg := idleConfig()
	cfg.MaxNotificationsBeforeWake = 3
	cfg.MinMethodsToSave = 0
	ts := newTestSaver(t, afero.NewMemMapFs(), cfg)
	require.NoError(t, ts.AddOutput(appPath, false))
	ts.start(t)

	for i := uint32(0); i < 3; i++ {
		ts.table.RecordSample(profile.MethodKey{Unit: unitApp, Index: i})
	}
	require.Eventually(t, func() bool {
		exists, err := afero.Exists(ts.fs, appPath)
		return err == nil && exists
	}, 5*time.Second, 5*time.Millisecond)
}

func Test_StopFlushes(t *testing.T) {
	ts := newTestSaver(t, afero.NewMemMapFs(), idleConfig())
	require.NoError(t, ts.AddOutput(appPath, false))
	ts.start(t)

	key := profile.MethodKey{Unit: unitApp, Index: 9}
	ts.table.RecordSamples(key, 7)
	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), ts))
	require.EqualValues(t, 7, ts.samples(t, appPath, false, key))
}

func Test_StopWithoutFlush(t *testing.T) {
	cfg := idleConfig()
	cfg.FlushOnShutdown = false
	ts := newTestSaver(t, afero.NewMemMapFs(), cfg)
	require.NoError(t, ts.AddOutput(appPath, false))
	ts.start(t)

	ts.table.RecordSamples(profile.MethodKey{Unit: unitApp, Index: 9}, 7)
	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), ts))
	exists, err := afero.Exists(ts.fs, appPath)
	require.NoError(t, err)
	require.False(t, exists)
}

func Test_StartupPhase(t *testing.T) {
	cfg := idleConfig()
	cfg.StartupDuration = 10 * time.Millisecond
	ts := newTestSaver(t, afero.NewMemMapFs(), cfg)
	ts.start(t)
	require.Eventually(t, func() bool {
		return !ts.table.InStartup()
	}, 5*time.Second, 5*time.Millisecond)
}

func Test_Config_Validate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(*Config)
		valid  bool
	}{
		{name: "default", modify: func(*Config) {}, valid: true},
		{name: "zero period", modify: func(c *Config) { c.SavePeriod = 0 }},
		{name: "negative min methods", modify: func(c *Config) { c.MinMethodsToSave = -1 }},
		{name: "negative notifications", modify: func(c *Config) { c.MaxNotificationsBeforeWake = -1 }},
		{name: "negative timeout", modify: func(c *Config) { c.ShutdownTimeout = -time.Second }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(&cfg)
			if tc.valid {
				require.NoError(t, cfg.Validate())
			} else {
				require.Error(t, cfg.Validate())
			}
		})
	}
}
