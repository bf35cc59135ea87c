package profilestore

import (
	"context"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/grafana/hotprof/pkg/profile"
)

// Source provides the samples merged into stored profiles. It is
// implemented by the live table.
type Source interface {
	// Snapshot moves the pending samples of the units selected by the
	// filter into a new profile.
	Snapshot(forBootImage bool, filter func(profile.UnitID) bool) *profile.Profile
	// Restore puts the samples of a snapshot back into the source.
	Restore(*profile.Profile)
}

type FlushOptions struct {
	ForBootImage bool
	// Filter selects the units written to the file. Nil selects all.
	Filter func(profile.UnitID) bool
}

type FlushResult struct {
	// Methods is the number of methods captured from the source.
	Methods      int
	BytesWritten int64
	// Skipped is set when there was nothing to write.
	Skipped bool
}

// FlushCycle merges the pending samples of the source into the profile
// stored at path. An invalid stored profile is discarded when the store
// is configured with ClearIfInvalid, otherwise the cycle fails before
// anything is taken from the source. If the merged profile cannot be
// written, the snapshot is restored into the source for the next cycle.
func (s *Store) FlushCycle(ctx context.Context, path string, src Source, opts FlushOptions) (res FlushResult, err error) {
	defer func() {
		switch {
		case err != nil:
			s.metrics.flushes.WithLabelValues(resultError).Inc()
		case res.Skipped:
			s.metrics.flushes.WithLabelValues(resultSkipped).Inc()
		default:
			s.metrics.flushes.WithLabelValues(resultOK).Inc()
		}
	}()
	if err = ctx.Err(); err != nil {
		return res, err
	}
	unlock := s.lock(path)
	defer unlock()

	// The base is always read from the file: another process may have
	// replaced it since it was cached.
	base, exists, err := s.load(path, LoadOptions{
		ForBootImage:   opts.ForBootImage,
		ClearIfInvalid: s.config.ClearIfInvalid,
	}, false)
	if err != nil {
		return res, err
	}

	snapshot := src.Snapshot(opts.ForBootImage, opts.Filter)
	res.Methods = snapshot.NumMethods()
	if snapshot.IsEmpty() && exists {
		res.Skipped = true
		return res, nil
	}
	defer func() {
		if err != nil {
			src.Restore(snapshot)
		}
	}()
	if err = ctx.Err(); err != nil {
		return res, err
	}

	merged, err := profile.Merge(base, snapshot)
	if err != nil {
		return res, errors.Wrapf(err, "merge profile %s", path)
	}
	if res.BytesWritten, err = s.save(path, merged); err != nil {
		return res, err
	}
	level.Debug(s.logger).Log(
		"msg", "flushed profile",
		"path", path,
		"mode", modeName(opts.ForBootImage),
		"methods", res.Methods,
		"total_methods", merged.NumMethods(),
		"bytes", res.BytesWritten,
	)
	return res, nil
}
