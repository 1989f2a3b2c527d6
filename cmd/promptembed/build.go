package main

import (
	"context"
	"fmt"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/promptembed/internal/ai"
	"github.com/xxxsen/promptembed/internal/config"
	"github.com/xxxsen/promptembed/internal/embedcache"
	"github.com/xxxsen/promptembed/internal/embedder"
	"github.com/xxxsen/promptembed/internal/encoder"
	"github.com/xxxsen/promptembed/internal/encoder/hashenc"
	"github.com/xxxsen/promptembed/internal/encoder/remote"
	"github.com/xxxsen/promptembed/internal/prompt"
	"github.com/xxxsen/promptembed/internal/service"
)

func embedderOptions(cfg *config.Config) embedder.Options {
	return embedder.Options{
		PadMode:       cfg.Cache.PadMode,
		BatchCollapse: cfg.Cache.BatchCollapse,
		Parser: prompt.ParserOptions{
			Emphasis: cfg.Parser.Emphasis,
			MeanNorm: cfg.Parser.MeanNorm,
		},
	}
}

// buildEncoder creates the configured encoder. store may be nil; it backs
// the remote encoder's persistent vector cache. The fragment cache is nil
// unless the remote encoder enables it.
func buildEncoder(cfg *config.Config, store ai.VectorStore) (encoder.Encoder, *ai.FragmentCache, error) {
	switch cfg.Encoder.Provider {
	case "", "hash":
		enc, err := hashenc.New(cfg.Encoder.Hash)
		return enc, nil, err
	case "remote":
		rc := cfg.Encoder.Remote
		entries := make([]ai.EmbedderEntry, 0, len(rc.Providers))
		for i, item := range rc.Providers {
			p, err := ai.NewEmbedProvider(item.Provider, item.Data)
			if err != nil {
				return nil, nil, fmt.Errorf("init embedding provider %d: %w", i, err)
			}
			name := item.Name
			if name == "" {
				name = item.Provider + ":" + item.Model
			}
			entries = append(entries, ai.EmbedderEntry{Name: name, Embedder: ai.NewEmbedder(p, item.Model)})
		}
		var e ai.IEmbedder = ai.NewFallbackEmbedder(entries, rc.Dim)
		e = ai.WrapDBCache(e, store)
		fragments := ai.NewFragmentCache(e, rc.VectorCacheSize, time.Duration(rc.VectorCacheTTL)*time.Second)
		if fragments != nil {
			e = fragments
		}
		logutil.GetLogger(context.Background()).Info("remote encoder ready",
			zap.String("model", e.ModelName()),
			zap.Int("dim", rc.Dim),
			zap.Bool("persistent_cache", store != nil),
			zap.Bool("fragment_cache", fragments != nil),
		)
		enc, err := remote.New(e, rc.Dim, rc.TaskType)
		return enc, fragments, err
	default:
		return nil, nil, fmt.Errorf("unsupported encoder provider: %s", cfg.Encoder.Provider)
	}
}

func buildService(cfg *config.Config, store ai.VectorStore) (*service.PromptService, error) {
	enc, fragments, err := buildEncoder(cfg, store)
	if err != nil {
		return nil, fmt.Errorf("init encoder: %w", err)
	}
	prompts := service.NewPromptService(enc, embedcache.New(cfg.Cache.Capacity), embedderOptions(cfg))
	if fragments != nil {
		prompts.SetFragmentCache(fragments)
	}
	return prompts, nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	return config.Load(path)
}
