package scanner

import (
	"flag"
	"strings"

	"github.com/grafana/dskit/flagext"
)

type Config struct {
	CollectPrivateSize bool                   `yaml:"collect_private_size"`
	CacheMappedFiles   bool                   `yaml:"cache_mapped_files"`
	ExcludePaths       flagext.StringSliceCSV `yaml:"exclude_paths"`
	MaxEntitySize      uint64                 `yaml:"max_entity_size"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	const prefix = "scanner."
	f.BoolVar(&cfg.CollectPrivateSize, prefix+"collect-private-size", false, "Query the private working-set size of every committed subregion.")
	f.BoolVar(&cfg.CacheMappedFiles, prefix+"cache-mapped-files", false, "Read the backing file of non-image mappings while scanning instead of on demand.")
	f.Var(&cfg.ExcludePaths, prefix+"exclude-paths", "Comma-separated list of path prefixes whose mappings are not evaluated for indicators. Matching is case-insensitive.")
	f.Uint64Var(&cfg.MaxEntitySize, prefix+"max-entity-size", 4<<30, "Groups larger than this many bytes are recorded as unclassified regions. 0 disables the limit.")
}

func (cfg *Config) excluded(path string) bool {
	if path == "" {
		return false
	}
	lower := strings.ToLower(path)
	for _, p := range cfg.ExcludePaths {
		if p != "" && strings.HasPrefix(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
