package pdp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto"
)

// RoleCache memoizes role resolutions per snapshot. Entries are keyed by the
// snapshot sequence, so a rebuilt snapshot never reads stale closures.
type RoleCache struct {
	cache *ristretto.Cache
}

type cachedResolution struct {
	id  string
	res *Resolution
	err error
}

// NewRoleCache creates a ristretto-backed cache. maxEntries bounds the number
// of cached resolutions.
func NewRoleCache(maxEntries int64) (*RoleCache, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create role cache: %w", err)
	}
	return &RoleCache{cache: c}, nil
}

// get returns the entry stored under key only when it was stored for id.
// Two role sets hashing to the same key read as a miss.
func (c *RoleCache) get(key uint64, id string) (cachedResolution, bool) {
	v, ok := c.cache.Get(key)
	if !ok {
		return cachedResolution{}, false
	}
	cr, ok := v.(cachedResolution)
	if !ok || cr.id != id {
		return cachedResolution{}, false
	}
	return cr, true
}

func (c *RoleCache) set(key uint64, id string, res *Resolution, err error) {
	c.cache.Set(key, cachedResolution{id: id, res: res, err: err}, 1)
}

// Wait blocks until buffered writes are applied.
func (c *RoleCache) Wait() { c.cache.Wait() }

// Clear drops every entry.
func (c *RoleCache) Clear() { c.cache.Clear() }

// Close stops the cache goroutines.
func (c *RoleCache) Close() { c.cache.Close() }

// resolutionKey identifies the resolution of direct under one snapshot and
// traversal bound. The string is the exact identity; the hash is its cache
// slot.
func resolutionKey(snapSeq uint64, maxVisited int, direct []string) (uint64, string) {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(snapSeq, 10))
	b.WriteByte('/')
	b.WriteString(strconv.Itoa(maxVisited))
	for _, r := range direct {
		b.WriteByte(0)
		b.WriteString(r)
	}
	id := b.String()
	return xxhash.Sum64String(id), id
}
