// Package profilestore persists profiles in files. Files are replaced
// atomically, so a reader never observes a partially written profile.
package profilestore

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"

	"github.com/grafana/hotprof/pkg/profile"
)

var ErrNotExist = fs.ErrNotExist

const filePerm = 0o640

type LoadOptions struct {
	ForBootImage bool
	// ClearIfInvalid removes a file that fails validation and returns
	// an empty profile instead of the error.
	ClearIfInvalid bool
	// RequireExists makes loading an absent file fail with ErrNotExist.
	RequireExists bool
}

type Store struct {
	fs      afero.Fs
	config  Config
	logger  log.Logger
	metrics *metrics

	// Decoded profiles by path. Nil if caching is disabled.
	cache *lru.Cache[string, cachedProfile]

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

type cachedProfile struct {
	size    int64
	modTime time.Time
	// Kept for the file identity only; some file systems report live
	// size and time through it.
	info    os.FileInfo
	profile *profile.Profile
}

// valid reports whether fi describes the file the entry was read from.
// Size and modification time may not change when another process replaces
// the file within one timestamp tick, so the file identity is compared too
// where the file system provides one.
func (c cachedProfile) valid(fi os.FileInfo) bool {
	if c.size != fi.Size() || !c.modTime.Equal(fi.ModTime()) {
		return false
	}
	if c.info.Sys() == nil && fi.Sys() == nil {
		return true
	}
	return os.SameFile(c.info, fi)
}

func New(fs afero.Fs, config Config, logger log.Logger, reg prometheus.Registerer) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	s := &Store{
		fs:      fs,
		config:  config,
		logger:  logger,
		metrics: newMetrics(reg),
		locks:   make(map[string]*sync.Mutex),
	}
	if config.CacheSize > 0 {
		c, err := lru.New[string, cachedProfile](config.CacheSize)
		if err != nil {
			return nil, err
		}
		s.cache = c
	}
	return s, nil
}

// Load reads the profile stored at path. An absent or empty file is a
// valid state and yields an empty profile, unless opts.RequireExists is
// set. The returned profile is owned by the caller.
func (s *Store) Load(path string, opts LoadOptions) (*profile.Profile, error) {
	p, _, err := s.load(path, opts, true)
	return p, err
}

func (s *Store) load(path string, opts LoadOptions, useCache bool) (p *profile.Profile, exists bool, err error) {
	fi, err := s.fs.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return s.absent(path, opts)
	case err != nil:
		s.metrics.loads.WithLabelValues(resultError).Inc()
		return nil, false, errors.Wrapf(err, "stat profile %s", path)
	case fi.Size() == 0:
		return s.absent(path, opts)
	}

	p, err = s.read(path, fi, useCache)
	if err == nil && p.ForBootImage() != opts.ForBootImage {
		err = errors.Wrapf(profile.ErrWrongMode, "profile %s is %s", path, modeName(p.ForBootImage()))
	}
	if err == nil {
		s.metrics.loads.WithLabelValues(resultOK).Inc()
		return p, true, nil
	}
	if !errors.Is(err, profile.ErrCorruptProfile) || !opts.ClearIfInvalid {
		s.metrics.loads.WithLabelValues(resultError).Inc()
		return nil, true, err
	}

	level.Warn(s.logger).Log("msg", "clearing invalid profile", "path", path, "err", err)
	if err = s.remove(path); err != nil {
		s.metrics.loads.WithLabelValues(resultError).Inc()
		return nil, true, err
	}
	s.metrics.loads.WithLabelValues(resultCleared).Inc()
	return profile.New(opts.ForBootImage), false, nil
}

func (s *Store) absent(path string, opts LoadOptions) (*profile.Profile, bool, error) {
	s.metrics.loads.WithLabelValues(resultAbsent).Inc()
	if opts.RequireExists {
		return nil, false, errors.Wrapf(ErrNotExist, "profile %s", path)
	}
	return profile.New(opts.ForBootImage), false, nil
}

func (s *Store) read(path string, fi os.FileInfo, useCache bool) (*profile.Profile, error) {
	if s.cache == nil || !useCache {
		return s.readFile(path)
	}
	if c, ok := s.cache.Get(path); ok && c.valid(fi) {
		s.metrics.cacheHits.Inc()
		return c.profile.Clone(), nil
	}
	s.metrics.cacheMisses.Inc()
	p, err := s.readFile(path)
	if err != nil {
		return nil, err
	}
	s.cache.Add(path, cachedProfile{size: fi.Size(), modTime: fi.ModTime(), info: fi, profile: p})
	return p.Clone(), nil
}

func (s *Store) readFile(path string) (*profile.Profile, error) {
	b, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "read profile %s", path)
	}
	p, err := profile.Decode(b)
	if err != nil {
		return nil, errors.Wrapf(err, "decode profile %s", path)
	}
	return p, nil
}

func (s *Store) remove(path string) error {
	s.invalidate(path)
	if err := s.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(err, "remove profile %s", path)
	}
	return nil
}

func (s *Store) invalidate(path string) {
	if s.cache != nil {
		s.cache.Remove(path)
	}
}

// Save writes the profile to path. The profile is written to a temporary
// file in the same directory, which then replaces path. On failure the
// file at path is left untouched.
func (s *Store) Save(path string, p *profile.Profile) error {
	_, err := s.save(path, p)
	return err
}

func (s *Store) save(path string, p *profile.Profile) (n int64, err error) {
	defer func() {
		if err != nil {
			s.metrics.saves.WithLabelValues(resultError).Inc()
			return
		}
		s.metrics.saves.WithLabelValues(resultOK).Inc()
		s.metrics.bytesWritten.Observe(float64(n))
	}()
	s.invalidate(path)

	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	f, err := afero.TempFile(s.fs, dir, "."+base+".tmp-*")
	if err != nil {
		return 0, errors.Wrapf(err, "create temporary file for %s", path)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			if rmErr := s.fs.Remove(tmp); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				level.Warn(s.logger).Log("msg", "failed to remove temporary file", "path", tmp, "err", rmErr)
			}
		}
	}()

	if n, err = profile.EncodeTo(f, p); err != nil {
		return 0, errors.Wrapf(err, "write profile %s", tmp)
	}
	if err = f.Sync(); err != nil {
		return 0, errors.Wrapf(err, "sync profile %s", tmp)
	}
	if err = f.Close(); err != nil {
		return 0, errors.Wrapf(err, "close profile %s", tmp)
	}
	if err = s.fs.Chmod(tmp, filePerm); err != nil {
		return 0, errors.Wrapf(err, "chmod profile %s", tmp)
	}
	if err = s.fs.Rename(tmp, path); err != nil {
		return 0, errors.Wrapf(err, "replace profile %s", path)
	}
	level.Debug(s.logger).Log("msg", "profile saved", "path", path, "bytes", n, "methods", p.NumMethods())
	return n, nil
}

// lock serializes flush cycles writing the same file.
func (s *Store) lock(path string) func() {
	s.locksMu.Lock()
	m, ok := s.locks[path]
	if !ok {
		m = new(sync.Mutex)
		s.locks[path] = m
	}
	s.locksMu.Unlock()
	m.Lock()
	return m.Unlock
}

func modeName(forBootImage bool) string {
	if forBootImage {
		return profile.ModeBootImage.String()
	}
	return profile.ModeApp.String()
}
