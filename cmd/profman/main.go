package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/common/version"
	"github.com/spf13/afero"
	"gopkg.in/alecthomas/kingpin.v2"

	hotprofcontext "github.com/grafana/hotprof/pkg/hotprof/context"
	"github.com/grafana/hotprof/pkg/profiler"
)

var cfg struct {
	verbose    bool
	configFile string
}

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(consoleOutput)
)

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Tooling for method hotness profiles.").UsageWriter(os.Stdout)
	app.Version(version.Print("profman"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("0").BoolVar(&cfg.verbose)
	app.Flag("config", "YAML configuration file.").StringVar(&cfg.configFile)

	dumpCmd := app.Command("dump", "Print the content of a profile.")
	dumpParams := addDumpParams(dumpCmd)

	mergeCmd := app.Command("merge", "Merge profiles into one.")
	mergeParams := addMergeParams(mergeCmd)

	checkBootCmd := app.Command("check-boot", "Exit with 0 if the file is a valid boot image profile.")
	checkBootPath := checkBootCmd.Arg("file", "Profile path.").Required().String()

	isHotCmd := app.Command("is-hot", "Exit with 0 if the method is hot in the profile.")
	isHotParams := addIsHotParams(isHotCmd)

	validateCmd := app.Command("validate", "Validate profiles.")
	validateFiles := validateCmd.Arg("file", "Profile paths.").Required().Strings()

	generateCmd := app.Command("generate", "Generate a synthetic profile.")
	generateParams := addGenerateParams(generateCmd)

	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	ctx := hotprofcontext.WithLogger(context.Background(), logger)
	ctx = withOutput(ctx, os.Stdout)

	config, err := loadConfig(cfg.configFile)
	if err != nil {
		os.Exit(checkError(err))
	}
	t, err := newTool(ctx, afero.NewOsFs(), config)
	if err != nil {
		os.Exit(checkError(err))
	}

	switch parsedCmd {
	case dumpCmd.FullCommand():
		os.Exit(checkError(t.dump(ctx, dumpParams)))
	case mergeCmd.FullCommand():
		os.Exit(checkError(t.merge(ctx, mergeParams)))
	case checkBootCmd.FullCommand():
		os.Exit(checkError(t.checkBoot(ctx, *checkBootPath)))
	case isHotCmd.FullCommand():
		os.Exit(checkError(t.isHot(ctx, isHotParams)))
	case validateCmd.FullCommand():
		os.Exit(checkError(t.validate(ctx, *validateFiles)))
	case generateCmd.FullCommand():
		os.Exit(checkError(t.generate(ctx, generateParams)))
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
	}
}

func loadConfig(path string) (profiler.Config, error) {
	if path == "" {
		return profiler.DefaultConfig(), nil
	}
	return profiler.LoadConfig(path)
}

var (
	errNotBootImage = errors.New("not a boot image profile")
	errNotHot       = errors.New("method is not hot")
	errInvalid      = errors.New("invalid profiles found")
)

func checkError(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errNotBootImage), errors.Is(err, errNotHot), errors.Is(err, errInvalid):
		// The outcome is already printed.
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return 1
}

type contextKey uint8

const (
	contextKeyOutput contextKey = iota
)

func withOutput(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, contextKeyOutput, w)
}

func output(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(contextKeyOutput).(io.Writer); ok {
		return w
	}
	return os.Stdout
}
