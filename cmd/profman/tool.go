package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"gopkg.in/alecthomas/kingpin.v2"

	hotprofcontext "github.com/grafana/hotprof/pkg/hotprof/context"
	"github.com/grafana/hotprof/pkg/profile"
	"github.com/grafana/hotprof/pkg/profiler"
	"github.com/grafana/hotprof/pkg/profilestore"
)

type tool struct {
	fs     afero.Fs
	config profiler.Config
	logger log.Logger
	store  *profilestore.Store
}

func newTool(ctx context.Context, fs afero.Fs, config profiler.Config) (*tool, error) {
	logger := hotprofcontext.Logger(ctx)
	storeConfig := config.Store
	storeConfig.CacheSize = 0
	store, err := profilestore.New(fs, storeConfig, logger, nil)
	if err != nil {
		return nil, err
	}
	return &tool{fs: fs, config: config, logger: logger, store: store}, nil
}

type dumpParams struct {
	path      string
	bootImage bool
	hotOnly   bool
}

func addDumpParams(cmd *kingpin.CmdClause) *dumpParams {
	p := new(dumpParams)
	cmd.Arg("file", "Profile path.").Required().StringVar(&p.path)
	cmd.Flag("boot", "Load the profile as a boot image profile.").BoolVar(&p.bootImage)
	cmd.Flag("hot-only", "Only print hot methods.").BoolVar(&p.hotOnly)
	return p
}

func (t *tool) dump(ctx context.Context, params *dumpParams) error {
	p, err := t.store.Load(params.path, profilestore.LoadOptions{
		ForBootImage:  params.bootImage,
		RequireExists: true,
	})
	if err != nil {
		return err
	}
	out := output(ctx)
	fmt.Fprintf(out, "mode: %s\n", modeName(p.ForBootImage()))
	fmt.Fprintf(out, "units: %d\n", len(p.Units()))
	fmt.Fprintf(out, "methods: %d\n", p.NumMethods())
	for _, u := range p.Units() {
		fmt.Fprintf(out, "\nunit %s (%d methods)\n", u.ID(), u.NumMethods())
		table := tablewriter.NewWriter(out)
		table.SetHeader([]string{"Index", "Samples", "Flags"})
		u.Range(func(index uint32, h profile.Hotness) bool {
			if !params.hotOnly || h.Flags.IsHot() {
				table.Append([]string{
					strconv.FormatUint(uint64(index), 10),
					humanize.Comma(int64(min(h.Samples, uint64(1<<63-1)))),
					h.Flags.String(),
				})
			}
			return true
		})
		table.Render()
	}
	return nil
}

type mergeParams struct {
	output    string
	inputs    []string
	bootImage bool
}

func addMergeParams(cmd *kingpin.CmdClause) *mergeParams {
	p := new(mergeParams)
	cmd.Arg("output", "Path of the merged profile.").Required().StringVar(&p.output)
	cmd.Arg("input", "Profiles to merge.").Required().StringsVar(&p.inputs)
	cmd.Flag("boot", "Merge boot image profiles.").BoolVar(&p.bootImage)
	return p
}

func (t *tool) merge(ctx context.Context, params *mergeParams) error {
	profiles := make([]*profile.Profile, len(params.inputs))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, path := range params.inputs {
		g.Go(func() (err error) {
			profiles[i], err = t.store.Load(path, profilestore.LoadOptions{
				ForBootImage:  params.bootImage,
				RequireExists: true,
			})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	merged := profile.New(params.bootImage)
	for i, p := range profiles {
		if err := profile.MergeInto(merged, p); err != nil {
			return fmt.Errorf("merge %s: %w", params.inputs[i], err)
		}
	}
	if err := t.store.Save(params.output, merged); err != nil {
		return err
	}
	level.Info(t.logger).Log("msg", "profiles merged", "output", params.output, "inputs", len(profiles), "methods", merged.NumMethods())
	return nil
}

func (t *tool) checkBoot(ctx context.Context, path string) error {
	_, err := t.store.Load(path, profilestore.LoadOptions{ForBootImage: true, RequireExists: true})
	if err != nil {
		level.Debug(t.logger).Log("msg", "failed to load boot image profile", "path", path, "err", err)
		fmt.Fprintln(output(ctx), "false")
		return errNotBootImage
	}
	fmt.Fprintln(output(ctx), "true")
	return nil
}

type isHotParams struct {
	path      string
	location  string
	checksum  uint32
	index     uint32
	bootImage bool
}

func addIsHotParams(cmd *kingpin.CmdClause) *isHotParams {
	p := new(isHotParams)
	cmd.Arg("file", "Profile path.").Required().StringVar(&p.path)
	cmd.Arg("location", "Location of the compilation unit.").Required().StringVar(&p.location)
	cmd.Arg("checksum", "Checksum of the compilation unit.").Required().Uint32Var(&p.checksum)
	cmd.Arg("index", "Method index within the unit.").Required().Uint32Var(&p.index)
	cmd.Flag("boot", "Load the profile as a boot image profile.").BoolVar(&p.bootImage)
	return p
}

func (t *tool) isHot(ctx context.Context, params *isHotParams) error {
	key := profile.MethodKey{
		Unit:  profile.UnitID{Location: params.location, Checksum: params.checksum},
		Index: params.index,
	}
	p, err := t.store.Load(params.path, profilestore.LoadOptions{ForBootImage: params.bootImage})
	if err != nil {
		level.Warn(t.logger).Log("msg", "failed to load profile", "path", params.path, "err", err)
		fmt.Fprintln(output(ctx), "false")
		return errNotHot
	}
	h, ok := p.Hotness(key)
	hot := ok && h.Flags.IsHot()
	fmt.Fprintln(output(ctx), strconv.FormatBool(hot))
	if !hot {
		return errNotHot
	}
	return nil
}

func (t *tool) validate(ctx context.Context, paths []string) error {
	out := output(ctx)
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"File", "Size", "Mode", "Units", "Methods", "Status"})
	var invalid int
	for _, path := range paths {
		row := []string{path, "-", "-", "-", "-", "ok"}
		b, err := afero.ReadFile(t.fs, path)
		if err == nil {
			row[1] = humanize.Bytes(uint64(len(b)))
			var p *profile.Profile
			if p, err = profile.Decode(b); err == nil {
				row[2] = modeName(p.ForBootImage())
				row[3] = strconv.Itoa(len(p.Units()))
				row[4] = strconv.Itoa(p.NumMethods())
			}
		}
		if err != nil {
			invalid++
			row[5] = err.Error()
		}
		table.Append(row)
	}
	table.Render()
	if invalid > 0 {
		return errInvalid
	}
	return nil
}

func modeName(forBootImage bool) string {
	if forBootImage {
		return profile.ModeBootImage.String()
	}
	return profile.ModeApp.String()
}
