package main

import (
	"bytes"
	"context"
	"math"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	hotprofcontext "github.com/grafana/hotprof/pkg/hotprof/context"
	"github.com/grafana/hotprof/pkg/profile"
	"github.com/grafana/hotprof/pkg/profiler"
	"github.com/grafana/hotprof/pkg/profilestore"
)

func newTestTool(t *testing.T) (*tool, context.Context, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	ctx := hotprofcontext.WithLogger(context.Background(), log.NewNopLogger())
	ctx = withOutput(ctx, &out)
	tl, err := newTool(ctx, afero.NewMemMapFs(), profiler.DefaultConfig())
	require.NoError(t, err)
	return tl, ctx, &out
}

func addMethod(t *testing.T, p *profile.Profile, key profile.MethodKey, h profile.Hotness) {
	t.Helper()
	_, err := p.AddUnit(key.Unit, 100)
	require.NoError(t, err)
	require.NoError(t, p.AddMethod(key, h))
}

func testGenerateParams(output string) *generateParams {
	return &generateParams{
		output:   output,
		units:    3,
		methods:  200,
		sampled:  0.5,
		hotRatio: 0.2,
		seed:     42,
	}
}

func Test_Generate(t *testing.T) {
	tl, ctx, _ := newTestTool(t)
	params := testGenerateParams("/profiles/a.prof")
	require.NoError(t, tl.generate(ctx, params))

	p, err := tl.store.Load(params.output, profilestore.LoadOptions{RequireExists: true})
	require.NoError(t, err)
	require.Len(t, p.Units(), 3)
	require.Positive(t, p.NumMethods())

	// The same seed generates the same profile.
	again, err := generateProfile(params, profiler.DefaultConfig().Table.HotThreshold)
	require.NoError(t, err)
	require.True(t, p.Equal(again))

	for _, u := range p.Units() {
		require.True(t, strings.HasPrefix(u.ID().Location, "/synthetic/"))
		u.Range(func(_ uint32, h profile.Hotness) bool {
			require.Equal(t, h.Samples >= 100, h.Flags.IsHot())
			return true
		})
	}

	_, err = generateProfile(&generateParams{units: 1, methods: 1, sampled: 2}, 100)
	require.Error(t, err)
	_, err = generateProfile(testGenerateParams("/profiles/b.prof"), math.MaxInt64+1)
	require.Error(t, err)
}

func Test_Merge(t *testing.T) {
	tl, ctx, _ := newTestTool(t)
	a := testGenerateParams("/profiles/a.prof")
	b := testGenerateParams("/profiles/b.prof")
	b.seed = 7
	require.NoError(t, tl.generate(ctx, a))
	require.NoError(t, tl.generate(ctx, b))

	require.NoError(t, tl.merge(ctx, &mergeParams{
		output: "/profiles/merged.prof",
		inputs: []string{a.output, b.output},
	}))

	pa, err := tl.store.Load(a.output, profilestore.LoadOptions{})
	require.NoError(t, err)
	pb, err := tl.store.Load(b.output, profilestore.LoadOptions{})
	require.NoError(t, err)
	expected, err := profile.Merge(pa, pb)
	require.NoError(t, err)
	merged, err := tl.store.Load("/profiles/merged.prof", profilestore.LoadOptions{RequireExists: true})
	require.NoError(t, err)
	require.True(t, expected.Equal(merged))

	// Inputs of the other mode are rejected.
	err = tl.merge(ctx, &mergeParams{
		output:    "/profiles/boot.prof",
		inputs:    []string{a.output},
		bootImage: true,
	})
	require.ErrorIs(t, err, profile.ErrWrongMode)
}

func Test_CheckBoot(t *testing.T) {
	tl, ctx, out := newTestTool(t)
	boot := testGenerateParams("/profiles/boot.prof")
	boot.bootImage = true
	require.NoError(t, tl.generate(ctx, boot))
	require.NoError(t, tl.generate(ctx, testGenerateParams("/profiles/app.prof")))

	require.NoError(t, tl.checkBoot(ctx, boot.output))
	require.ErrorIs(t, tl.checkBoot(ctx, "/profiles/app.prof"), errNotBootImage)
	require.ErrorIs(t, tl.checkBoot(ctx, "/profiles/missing.prof"), errNotBootImage)
	require.Equal(t, "true\nfalse\nfalse\n", out.String())
	require.Equal(t, 1, checkError(errNotBootImage))
}

func Test_IsHot(t *testing.T) {
	tl, ctx, out := newTestTool(t)
	const path = "/profiles/app.prof"
	unit := syntheticUnit(0)
	p := profile.New(false)
	addMethod(t, p, profile.MethodKey{Unit: unit, Index: 1}, profile.Hotness{Samples: 500, Flags: profile.FlagHot})
	addMethod(t, p, profile.MethodKey{Unit: unit, Index: 2}, profile.Hotness{Samples: 5})
	require.NoError(t, tl.store.Save(path, p))

	params := &isHotParams{path: path, location: unit.Location, checksum: unit.Checksum, index: 1}
	require.NoError(t, tl.isHot(ctx, params))
	params.index = 2
	require.ErrorIs(t, tl.isHot(ctx, params), errNotHot)
	params.index = 3
	require.ErrorIs(t, tl.isHot(ctx, params), errNotHot)
	params.index, params.bootImage = 1, true
	require.ErrorIs(t, tl.isHot(ctx, params), errNotHot)
	require.Equal(t, "true\nfalse\nfalse\nfalse\n", out.String())
}

func Test_Validate(t *testing.T) {
	tl, ctx, out := newTestTool(t)
	require.NoError(t, tl.generate(ctx, testGenerateParams("/profiles/a.prof")))
	require.NoError(t, tl.validate(ctx, []string{"/profiles/a.prof"}))
	require.Contains(t, out.String(), "/profiles/a.prof")

	b, err := afero.ReadFile(tl.fs, "/profiles/a.prof")
	require.NoError(t, err)
	b[len(b)-1] ^= 0xff
	require.NoError(t, afero.WriteFile(tl.fs, "/profiles/b.prof", b, 0o644))

	out.Reset()
	require.ErrorIs(t, tl.validate(ctx, []string{"/profiles/a.prof", "/profiles/b.prof"}), errInvalid)
	require.Contains(t, out.String(), profile.ErrInvalidCRC.Error())
}

func Test_Dump(t *testing.T) {
	tl, ctx, out := newTestTool(t)
	const path = "/profiles/app.prof"
	unit := syntheticUnit(1)
	p := profile.New(false)
	addMethod(t, p, profile.MethodKey{Unit: unit, Index: 7}, profile.Hotness{Samples: 12345, Flags: profile.FlagHot | profile.FlagStartup})
	addMethod(t, p, profile.MethodKey{Unit: unit, Index: 9}, profile.Hotness{Samples: 3})
	require.NoError(t, tl.store.Save(path, p))

	require.NoError(t, tl.dump(ctx, &dumpParams{path: path}))
	s := out.String()
	require.Contains(t, s, "mode: app")
	require.Contains(t, s, "methods: 2")
	require.Contains(t, s, unit.Location)
	require.Contains(t, s, "12,345")
	require.Contains(t, s, "HS")

	out.Reset()
	require.NoError(t, tl.dump(ctx, &dumpParams{path: path, hotOnly: true}))
	require.Equal(t, 1, strings.Count(out.String(), "12,345"))

	require.ErrorIs(t, tl.dump(ctx, &dumpParams{path: "/profiles/missing.prof"}), profilestore.ErrNotExist)
}
