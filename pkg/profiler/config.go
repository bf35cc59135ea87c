package profiler

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/grafana/dskit/multierror"
	"gopkg.in/yaml.v3"

	"github.com/grafana/hotprof/pkg/livetable"
	"github.com/grafana/hotprof/pkg/profile"
	"github.com/grafana/hotprof/pkg/profilestore"
	"github.com/grafana/hotprof/pkg/saver"
)

type Config struct {
	// Process labels the logs and metrics of the profiler.
	Process string `yaml:"process"`

	Table livetable.Config    `yaml:"table"`
	Store profilestore.Config `yaml:"store"`
	Saver saver.Config        `yaml:"saver"`

	// Outputs registered when the profiler starts.
	Outputs []OutputConfig `yaml:"outputs"`
}

type OutputConfig struct {
	Path      string `yaml:"path"`
	BootImage bool   `yaml:"boot_image"`
	// Units collected by the output. An output without units collects
	// the units no other output names.
	Units []profile.UnitID `yaml:"units,omitempty"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	c.Table.RegisterFlags(f)
	c.Store.RegisterFlags(f)
	c.Saver.RegisterFlags(f)
}

// DefaultConfig returns the configuration with the flag defaults.
func DefaultConfig() Config {
	var c Config
	fs := flag.NewFlagSet("", flag.PanicOnError)
	c.RegisterFlags(fs)
	return c
}

func (c *Config) Validate() error {
	errs := multierror.New()
	errs.Add(c.Table.Validate())
	errs.Add(c.Store.Validate())
	errs.Add(c.Saver.Validate())
	for i, o := range c.Outputs {
		if o.Path == "" {
			errs.Add(fmt.Errorf("output %d: path is required", i))
		}
		for _, u := range o.Units {
			if u.Location == "" {
				errs.Add(fmt.Errorf("output %d: unit location is required", i))
			}
		}
	}
	return errs.Err()
}

// LoadConfig reads a YAML configuration file. Fields absent from the file
// keep their default values.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	c := DefaultConfig()
	if err = ParseConfig(f, &c); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// ParseConfig decodes YAML into c. Unknown fields are rejected.
func ParseConfig(r io.Reader, c *Config) error {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && err != io.EOF {
		return err
	}
	return c.Validate()
}
