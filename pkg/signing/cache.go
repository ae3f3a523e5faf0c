package signing

import (
	"strings"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/grafana/memscan/pkg/memory"
)

// Cache remembers successful verifications. Paths are compared without
// regard to case, matching the filesystems images are loaded from.
// Failures are not cached.
type Cache struct {
	next  memory.SignatureVerifier
	cache *lru.Cache[uint64, memory.Signature]
}

var _ memory.SignatureVerifier = (*Cache)(nil)

func NewCache(next memory.SignatureVerifier, size int) (*Cache, error) {
	c, err := lru.New[uint64, memory.Signature](size)
	if err != nil {
		return nil, errors.Wrap(err, "create signature cache")
	}
	return &Cache{next: next, cache: c}, nil
}

func (c *Cache) Verify(path string) (memory.Signature, error) {
	key := xxhash.Sum64String(strings.ToLower(path))
	if sig, ok := c.cache.Get(key); ok {
		return sig, nil
	}
	sig, err := c.next.Verify(path)
	if err != nil {
		return sig, err
	}
	c.cache.Add(key, sig)
	return sig, nil
}
