package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type EmbedderEntry struct {
	Name     string
	Embedder IEmbedder
}

// FallbackEmbedder asks its members in order. A member whose vector does not
// have the expected dimension counts as failed, so every vector it returns
// can sit in the same embedding row.
type FallbackEmbedder struct {
	items []EmbedderEntry
	dim   int
}

// NewFallbackEmbedder builds a fallback chain. dim <= 0 accepts any
// dimension.
func NewFallbackEmbedder(items []EmbedderEntry, dim int) *FallbackEmbedder {
	kept := make([]EmbedderEntry, 0, len(items))
	for _, item := range items {
		if item.Embedder != nil {
			kept = append(kept, item)
		}
	}
	return &FallbackEmbedder{items: kept, dim: dim}
}

func (f *FallbackEmbedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	if len(f.items) == 0 {
		return nil, fmt.Errorf("%w: no embedder configured", ErrUnavailable)
	}
	logger := logutil.GetLogger(ctx)
	var lastErr error
	for i, item := range f.items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec, err := item.Embedder.Embed(ctx, text, taskType)
		if err == nil && f.dim > 0 && len(vec) != f.dim {
			err = fmt.Errorf("dimension %d, want %d", len(vec), f.dim)
		}
		if err == nil {
			if i > 0 {
				logger.Debug("embedding served by fallback", zap.String("name", item.Name))
			}
			return vec, nil
		}
		lastErr = fmt.Errorf("%s: %w", item.Name, err)
		logger.Warn("embedder failed, try next", zap.Int("index", i), zap.String("name", item.Name), zap.Error(err))
	}
	return nil, lastErr
}

// ModelName joins the member names; vector caches key on it.
func (f *FallbackEmbedder) ModelName() string {
	names := make([]string, 0, len(f.items))
	for _, item := range f.items {
		if item.Name != "" {
			names = append(names, item.Name)
		}
	}
	return strings.Join(names, "|")
}

// Members is the number of usable embedders.
func (f *FallbackEmbedder) Members() int {
	return len(f.items)
}
