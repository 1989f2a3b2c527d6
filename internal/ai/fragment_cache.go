package ai

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

// fragmentKey identifies one embedded fragment. Fragments are short, so the
// text itself is the key.
type fragmentKey struct {
	model    string
	taskType string
	text     string
}

type FragmentStats struct {
	Capacity  int    `json:"capacity"`
	TTLSec    int64  `json:"ttl_sec"`
	Entries   int    `json:"entries"`
	Hits      int64  `json:"hits"`
	Misses    int64  `json:"misses"`
	Evictions int64  `json:"evictions"`
	Model     string `json:"model"`
}

// FragmentCache keeps the vectors of recently encoded prompt fragments in
// memory. Weighted prompts are split into many short fragments that repeat
// across calls and across prompt variations ("a cat", "(a cat:1.2)").
// Vectors are copied on the way in and out.
type FragmentCache struct {
	next  IEmbedder
	ttl   time.Duration
	size  int
	cache *expirable.LRU[fragmentKey, []float32]

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// NewFragmentCache returns nil when size or ttl is not positive.
func NewFragmentCache(next IEmbedder, size int, ttl time.Duration) *FragmentCache {
	if next == nil || size <= 0 || ttl <= 0 {
		return nil
	}
	f := &FragmentCache{next: next, ttl: ttl, size: size}
	f.cache = expirable.NewLRU[fragmentKey, []float32](size, func(fragmentKey, []float32) {
		f.evictions.Add(1)
	}, ttl)
	return f
}

func (f *FragmentCache) key(text, taskType string) fragmentKey {
	return fragmentKey{model: f.next.ModelName(), taskType: taskType, text: strings.TrimSpace(text)}
}

func (f *FragmentCache) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	key := f.key(text, taskType)
	if cached, ok := f.cache.Get(key); ok {
		f.hits.Add(1)
		logutil.GetLogger(ctx).Debug("fragment vector hit", zap.String("task_type", taskType), zap.Int("len", len(key.text)))
		return copyVector(cached), nil
	}
	f.misses.Add(1)
	res, err := f.next.Embed(ctx, key.text, taskType)
	if err != nil {
		return nil, err
	}
	if len(res) > 0 {
		f.cache.Add(key, copyVector(res))
	}
	return res, nil
}

func (f *FragmentCache) ModelName() string {
	return f.next.ModelName()
}

// Purge drops every cached fragment. Counters are kept.
func (f *FragmentCache) Purge() {
	evictions := f.evictions.Load()
	f.cache.Purge()
	f.evictions.Store(evictions)
}

func (f *FragmentCache) Stats() FragmentStats {
	return FragmentStats{
		Capacity:  f.size,
		TTLSec:    int64(f.ttl / time.Second),
		Entries:   f.cache.Len(),
		Hits:      f.hits.Load(),
		Misses:    f.misses.Load(),
		Evictions: f.evictions.Load(),
		Model:     f.next.ModelName(),
	}
}

func copyVector(values []float32) []float32 {
	out := make([]float32, len(values))
	copy(out, values)
	return out
}
