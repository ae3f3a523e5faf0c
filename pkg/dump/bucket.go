package dump

import (
	"flag"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/thanos-io/objstore"
	"github.com/thanos-io/objstore/providers/filesystem"
)

const (
	Filesystem = "filesystem"
	InMemory   = "inmemory"
)

var ErrUnsupportedStorageBackend = errors.New("unsupported dump storage backend")

// BucketConfig selects where dumps are written. An empty backend disables
// dumping.
type BucketConfig struct {
	Backend       string `yaml:"backend"`
	Directory     string `yaml:"directory"`
	StoragePrefix string `yaml:"prefix"`
}

func (cfg *BucketConfig) RegisterFlags(f *flag.FlagSet) {
	const prefix = "dump."
	f.StringVar(&cfg.Backend, prefix+"backend", "", "Backend flagged entities are dumped to: filesystem or inmemory. Empty disables dumping.")
	f.StringVar(&cfg.Directory, prefix+"filesystem.dir", "./dumps", "Local directory dumps are written to by the filesystem backend.")
	f.StringVar(&cfg.StoragePrefix, prefix+"prefix", "", "Prefix for all dump object names, e.g. the host name.")
}

func (cfg *BucketConfig) Enabled() bool { return cfg.Backend != "" }

func (cfg *BucketConfig) Validate() error {
	switch cfg.Backend {
	case "", InMemory:
	case Filesystem:
		if cfg.Directory == "" {
			return errors.New("dump directory is required for the filesystem backend")
		}
	default:
		return errors.Wrap(ErrUnsupportedStorageBackend, cfg.Backend)
	}
	return nil
}

// NewBucket creates the configured bucket, instrumented with the operation
// metrics of objstore.
func NewBucket(cfg BucketConfig, reg prometheus.Registerer) (objstore.Bucket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var bkt objstore.Bucket
	switch cfg.Backend {
	case Filesystem:
		fs, err := filesystem.NewBucket(cfg.Directory)
		if err != nil {
			return nil, errors.Wrap(err, "open dump directory")
		}
		bkt = fs
	case InMemory:
		bkt = objstore.NewInMemBucket()
	default:
		return nil, ErrUnsupportedStorageBackend
	}
	bkt = objstore.WrapWithMetrics(bkt, reg, "dump")
	if cfg.StoragePrefix != "" {
		bkt = objstore.NewPrefixedBucket(bkt, cfg.StoragePrefix)
	}
	return bkt, nil
}
