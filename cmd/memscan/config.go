package main

import (
	"bytes"
	"flag"
	"io"
	"os"

	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"gopkg.in/alecthomas/kingpin.v2"
	"gopkg.in/yaml.v3"

	"github.com/grafana/memscan/pkg/dump"
	"github.com/grafana/memscan/pkg/filesource"
	"github.com/grafana/memscan/pkg/scanner"
)

type Config struct {
	Scanner            scanner.Config    `yaml:"scanner"`
	Files              filesource.Config `yaml:"files"`
	Dump               dump.BucketConfig `yaml:"dump"`
	SignatureCacheSize int               `yaml:"signature_cache_size"`
	Parallelism        int               `yaml:"parallelism"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.Scanner.RegisterFlags(f)
	cfg.Files.RegisterFlags(f)
	cfg.Dump.RegisterFlags(f)
	f.IntVar(&cfg.SignatureCacheSize, "signing.cache-size", 1024, "Number of signature verification results kept between entities and processes.")
	f.IntVar(&cfg.Parallelism, "parallelism", 4, "Number of processes scanned at the same time.")
}

// configFlags exposes the flags of Config on a kingpin application. Values
// given on the command line are recorded so they can be replayed on top of
// a configuration file.
type configFlags struct {
	cfg   *Config
	fs    *flag.FlagSet
	file  string
	given []givenFlag
}

type givenFlag struct {
	name, value string
}

type recordedValue struct {
	flag.Value
	name  string
	flags *configFlags
}

func (v *recordedValue) Set(s string) error {
	if err := v.Value.Set(s); err != nil {
		return err
	}
	v.flags.given = append(v.flags.given, givenFlag{name: v.name, value: s})
	return nil
}

func (v *recordedValue) IsBoolFlag() bool {
	b, ok := v.Value.(interface{ IsBoolFlag() bool })
	return ok && b.IsBoolFlag()
}

func registerConfigFlags(app *kingpin.Application, cfg *Config) *configFlags {
	cf := &configFlags{cfg: cfg, fs: flag.NewFlagSet("memscan", flag.ContinueOnError)}
	cfg.RegisterFlags(cf.fs)
	app.Flag("config.file", "YAML file to load the scanner configuration from. Command line flags take precedence.").StringVar(&cf.file)
	cf.fs.VisitAll(func(f *flag.Flag) {
		app.Flag(f.Name, f.Usage).SetValue(&recordedValue{Value: f.Value, name: f.Name, flags: cf})
	})
	return cf
}

// load applies the configuration file, if any, and then the flags given on
// the command line.
func (cf *configFlags) load() error {
	if cf.file == "" {
		return nil
	}
	raw, err := os.ReadFile(cf.file)
	if err != nil {
		return errors.Wrap(err, "read config file")
	}
	return cf.apply(raw)
}

func (cf *configFlags) apply(raw []byte) error {
	flagext.DefaultValues(cf.cfg)
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cf.cfg); err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrap(err, "parse config file")
	}
	for _, g := range cf.given {
		if err := cf.fs.Set(g.name, g.value); err != nil {
			return errors.Wrapf(err, "flag %s", g.name)
		}
	}
	return nil
}
