// Package embedcache keeps computed prompt embeddings across generation
// calls.
package embedcache

import (
	"context"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

// Fingerprint is every input that changes the numeric output of a call.
type Fingerprint struct {
	Model     string   `json:"model"`
	Prompts   []string `json:"prompts"`
	Negatives []string `json:"negatives"`
	Batch     int      `json:"batch"`
	ClipSkip  int      `json:"clip_skip"`
	Steps     int      `json:"steps"`
	Adapters  string   `json:"adapters"`
	PadMode   string   `json:"pad_mode"`
}

// Key is the exact cache key. Two fingerprints share a key only when all
// fields are equal: strings are quoted and lists carry their length.
func (f Fingerprint) Key() string {
	var sb strings.Builder
	quoted := func(name, v string) {
		sb.WriteString(name)
		sb.WriteByte('=')
		sb.WriteString(strconv.Quote(v))
		sb.WriteByte(';')
	}
	number := func(name string, v int) {
		sb.WriteString(name)
		sb.WriteByte('=')
		sb.WriteString(strconv.Itoa(v))
		sb.WriteByte(';')
	}
	list := func(name string, vs []string) {
		number(name, len(vs))
		for _, v := range vs {
			quoted("", v)
		}
	}
	quoted("model", f.Model)
	list("prompts", f.Prompts)
	list("negatives", f.Negatives)
	number("batch", f.Batch)
	number("clip_skip", f.ClipSkip)
	number("steps", f.Steps)
	quoted("adapters", f.Adapters)
	quoted("pad_mode", f.PadMode)
	return sb.String()
}

type Stats struct {
	Capacity  int   `json:"capacity"`
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Clears    int64 `json:"clears"`
}

// Cache is a strict LRU of embedding bundles. Capacity 0 disables it: Get
// always misses and Put does nothing. Bundles are copied on the way in and
// on the way out so callers never share memory with the cache.
type Cache struct {
	mu        sync.Mutex
	capacity  int
	items     *lru.Cache[string, *Bundle]
	parserTag string
	stats     Stats
}

func New(capacity int) *Cache {
	c := &Cache{capacity: capacity}
	if capacity > 0 {
		// only fails for a non-positive size
		c.items, _ = lru.NewWithEvict[string, *Bundle](capacity, func(string, *Bundle) {
			c.stats.Evictions++
		})
	}
	return c
}

func (c *Cache) Capacity() int {
	if c == nil {
		return 0
	}
	return c.capacity
}

func (c *Cache) Enabled() bool {
	return c != nil && c.capacity > 0
}

func (c *Cache) Get(ctx context.Context, fp Fingerprint) (*Bundle, bool) {
	if !c.Enabled() {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.items.Get(fp.Key())
	if !ok {
		c.stats.Misses++
		logutil.GetLogger(ctx).Debug("prompt cache miss", zap.Int("entries", c.items.Len()))
		return nil, false
	}
	c.stats.Hits++
	logutil.GetLogger(ctx).Debug("prompt cache hit", zap.Int("batch", fp.Batch), zap.Int("steps", fp.Steps))
	return b.Clone(), true
}

func (c *Cache) Put(ctx context.Context, fp Fingerprint, b *Bundle) {
	if !c.Enabled() || b == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if evicted := c.items.Add(fp.Key(), b.Clone()); evicted {
		logutil.GetLogger(ctx).Debug("prompt cache evicted oldest entry", zap.Int("capacity", c.capacity))
	}
	logutil.GetLogger(ctx).Debug("prompt cache add", zap.Int("entries", c.items.Len()))
}

func (c *Cache) Clear() {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

func (c *Cache) clearLocked() {
	if c.items.Len() == 0 {
		return
	}
	// Purge fires the eviction callback for every entry
	evictions := c.stats.Evictions
	c.items.Purge()
	c.stats.Evictions = evictions
	c.stats.Clears++
}

// SyncParser records the parser settings in use and clears the cache when
// they differ from the previous call. It reports whether a clear happened.
func (c *Cache) SyncParser(ctx context.Context, tag string) bool {
	if !c.Enabled() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.parserTag
	c.parserTag = tag
	if prev == "" || prev == tag {
		return false
	}
	logutil.GetLogger(ctx).Debug("prompt cache parser changed", zap.String("from", prev), zap.String("to", tag))
	c.clearLocked()
	return true
}

func (c *Cache) Len() int {
	if !c.Enabled() {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Len()
}

func (c *Cache) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Capacity = c.capacity
	if c.items != nil {
		s.Entries = c.items.Len()
	}
	return s
}
