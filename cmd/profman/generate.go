package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log/level"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/hotprof/pkg/profile"
)

type generateParams struct {
	output    string
	units     int
	methods   uint32
	sampled   float64
	hotRatio  float64
	seed      int64
	bootImage bool
}

func addGenerateParams(cmd *kingpin.CmdClause) *generateParams {
	p := new(generateParams)
	cmd.Arg("output", "Path of the generated profile.").Required().StringVar(&p.output)
	cmd.Flag("units", "Number of compilation units.").Default("4").IntVar(&p.units)
	cmd.Flag("methods", "Number of methods per unit.").Default("1000").Uint32Var(&p.methods)
	cmd.Flag("sampled-ratio", "Ratio of methods with samples.").Default("0.2").Float64Var(&p.sampled)
	cmd.Flag("hot-ratio", "Ratio of sampled methods that are hot.").Default("0.1").Float64Var(&p.hotRatio)
	cmd.Flag("seed", "Random seed.").Default("1").Int64Var(&p.seed)
	cmd.Flag("boot", "Generate a boot image profile.").BoolVar(&p.bootImage)
	return p
}

func (p *generateParams) validate() error {
	switch {
	case p.units <= 0:
		return errors.New("units must be positive")
	case p.methods == 0:
		return errors.New("methods must be positive")
	case p.sampled < 0 || p.sampled > 1, p.hotRatio < 0 || p.hotRatio > 1:
		return errors.New("ratios must be within [0, 1]")
	}
	return nil
}

// syntheticUnit derives a stable unit identity from its location.
func syntheticUnit(i int) profile.UnitID {
	location := fmt.Sprintf("/synthetic/unit-%03d.jar", i)
	return profile.UnitID{
		Location: location,
		Checksum: uint32(xxhash.Sum64String(location)),
	}
}

func generateProfile(params *generateParams, hotThreshold uint64) (*profile.Profile, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if hotThreshold == 0 || hotThreshold > math.MaxInt64 {
		return nil, errors.New("hot threshold must be within [1, MaxInt64]")
	}
	rnd := rand.New(rand.NewSource(params.seed))
	p := profile.New(params.bootImage)
	for i := 0; i < params.units; i++ {
		u, err := p.AddUnit(syntheticUnit(i), params.methods)
		if err != nil {
			return nil, err
		}
		for idx := uint32(0); idx < params.methods; idx++ {
			if rnd.Float64() >= params.sampled {
				continue
			}
			h := profile.Hotness{Samples: uint64(rnd.Int63n(int64(hotThreshold)))}
			if rnd.Float64() < params.hotRatio {
				h.Samples += hotThreshold
				h.Flags |= profile.FlagHot
			}
			if rnd.Intn(2) == 0 {
				h.Flags |= profile.FlagStartup
			} else {
				h.Flags |= profile.FlagPostStartup
			}
			if err = u.Add(idx, h); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

func (t *tool) generate(_ context.Context, params *generateParams) error {
	p, err := generateProfile(params, t.config.Table.HotThreshold)
	if err != nil {
		return err
	}
	if err = t.store.Save(params.output, p); err != nil {
		return err
	}
	level.Info(t.logger).Log("msg", "profile generated", "output", params.output, "units", params.units, "methods", p.NumMethods())
	return nil
}
