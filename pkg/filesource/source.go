// Package filesource reads the on-disk files behind mapped regions.
package filesource

import (
	"flag"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"github.com/grafana/memscan/pkg/memory"
)

var ErrTooLarge = errors.New("file exceeds the read limit")

type Config struct {
	Root        string `yaml:"root"`
	CacheSize   int    `yaml:"cache_size"`
	MaxFileSize int64  `yaml:"max_file_size"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	const prefix = "files."
	f.StringVar(&cfg.Root, prefix+"root", "", "Directory the file paths of the scanned process are resolved against. Empty reads them from the host.")
	f.IntVar(&cfg.CacheSize, prefix+"cache-size", 64, "Number of file contents kept in memory between entities.")
	f.Int64Var(&cfg.MaxFileSize, prefix+"max-file-size", 512<<20, "Files larger than this are reported as unavailable.")
}

// Source is a memory.FileSource over an afero filesystem. Contents are kept
// in an LRU cache and concurrent reads of the same path are collapsed.
type Source struct {
	fs      afero.Fs
	logger  log.Logger
	maxSize int64

	cache *lru.Cache[string, []byte]
	group singleflight.Group
}

var _ memory.FileSource = (*Source)(nil)

// New returns a Source reading from the host filesystem, or from cfg.Root
// when set.
func New(cfg Config, logger log.Logger) (*Source, error) {
	fs := afero.NewReadOnlyFs(afero.NewOsFs())
	if cfg.Root != "" {
		fs = afero.NewBasePathFs(fs, cfg.Root)
	}
	return NewWithFs(fs, cfg, logger)
}

func NewWithFs(fs afero.Fs, cfg Config, logger log.Logger) (*Source, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 1
	}
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, errors.Wrap(err, "create file cache")
	}
	return &Source{
		fs:      fs,
		logger:  logger,
		maxSize: cfg.MaxFileSize,
		cache:   cache,
	}, nil
}

func (s *Source) ReadFile(path string) ([]byte, error) {
	if b, ok := s.cache.Get(path); ok {
		return b, nil
	}
	v, err, _ := s.group.Do(path, func() (interface{}, error) {
		b, err := s.read(path)
		if err != nil {
			return nil, err
		}
		s.cache.Add(path, b)
		return b, nil
	})
	if err != nil {
		level.Debug(s.logger).Log("msg", "file unavailable", "path", path, "err", err)
		return nil, err
	}
	return v.([]byte), nil
}

func (s *Source) read(path string) ([]byte, error) {
	if s.maxSize > 0 {
		fi, err := s.fs.Stat(path)
		if err != nil {
			return nil, errors.Wrapf(err, "stat %s", path)
		}
		if fi.Size() > s.maxSize {
			return nil, errors.Wrapf(ErrTooLarge, "%s is %d bytes", path, fi.Size())
		}
	}
	b, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return b, nil
}

// Len is the number of cached contents.
func (s *Source) Len() int { return s.cache.Len() }
