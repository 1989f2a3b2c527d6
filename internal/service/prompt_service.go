package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/promptembed/internal/ai"
	"github.com/xxxsen/promptembed/internal/embedcache"
	"github.com/xxxsen/promptembed/internal/embedder"
	"github.com/xxxsen/promptembed/internal/encoder"
	appErr "github.com/xxxsen/promptembed/internal/pkg/errors"
	"github.com/xxxsen/promptembed/internal/prompt"
)

const (
	MaxSteps = 1000
	MaxBatch = 64
	// MaxPromptLength bounds every prompt in bytes.
	MaxPromptLength = 16 << 10
)

func checkPromptLength(texts ...string) error {
	for _, t := range texts {
		if len(t) > MaxPromptLength {
			return fmt.Errorf("%w: prompt is %d bytes, at most %d", appErr.ErrInvalid, len(t), MaxPromptLength)
		}
	}
	return nil
}

type EncoderPrompt struct {
	Index    int         `json:"index"`
	Text     string      `json:"text"`
	Sections prompt.Spec `json:"sections"`
	Chunks   int         `json:"chunks"`
}

type ScheduleRange struct {
	From int    `json:"from"`
	To   int    `json:"to"`
	Text string `json:"text"`
}

type ScheduleResult struct {
	PerStep bool            `json:"per_step"`
	Steps   int             `json:"steps"`
	Ranges  []ScheduleRange `json:"ranges"`
}

type EmbedRequest struct {
	embedder.Request
	// Step selects the step whose values are returned with IncludeValues.
	Step          int  `json:"step"`
	IncludeValues bool `json:"include_values"`
}

type ChannelSummary struct {
	Channel   string        `json:"channel"`
	Available bool          `json:"available"`
	Filled    int           `json:"filled"`
	Shape     []int         `json:"shape,omitempty"`
	Values    [][][]float64 `json:"values,omitempty"`
}

type EmbedResult struct {
	ID        string           `json:"id"`
	Model     string           `json:"model"`
	Batch     int              `json:"batch"`
	Steps     int              `json:"steps"`
	Collapsed bool             `json:"collapsed"`
	Scheduled bool             `json:"scheduled"`
	CacheHit  bool             `json:"cache_hit"`
	Cancelled bool             `json:"cancelled"`
	Stats     embedder.Stats   `json:"stats"`
	Channels  []ChannelSummary `json:"channels"`
}

// PromptService serializes generation requests around the shared embedding
// cache and encoder.
type PromptService struct {
	mu        sync.Mutex
	enc       encoder.Encoder
	cache     *embedcache.Cache
	fragments *ai.FragmentCache
	opts      embedder.Options
}

func NewPromptService(enc encoder.Encoder, cache *embedcache.Cache, opts embedder.Options) *PromptService {
	return &PromptService{enc: enc, cache: cache, opts: opts}
}

// SetFragmentCache registers the in-memory fragment vector cache of a
// remote encoder so its statistics can be reported and purged.
func (s *PromptService) SetFragmentCache(f *ai.FragmentCache) {
	s.fragments = f
}

func (s *PromptService) FragmentStats() (ai.FragmentStats, bool) {
	if s.fragments == nil {
		return ai.FragmentStats{}, false
	}
	return s.fragments.Stats(), true
}

// PurgeFragments drops the cached fragment vectors.
func (s *PromptService) PurgeFragments(ctx context.Context) (ai.FragmentStats, error) {
	if s.fragments == nil {
		return ai.FragmentStats{}, fmt.Errorf("%w: fragment cache not enabled", appErr.ErrNotFound)
	}
	s.fragments.Purge()
	logutil.GetLogger(ctx).Info("fragment vector cache purged")
	return s.fragments.Stats(), nil
}

func (s *PromptService) Capabilities() encoder.Capabilities {
	return s.enc.Capabilities()
}

// Parse splits text per text encoder and parses each part.
func (s *PromptService) Parse(ctx context.Context, text string) ([]EncoderPrompt, error) {
	if err := checkPromptLength(text); err != nil {
		return nil, err
	}
	n := max(s.enc.Capabilities().Encoders, 1)
	slots := prompt.SplitEncoderPrompts(text)
	out := make([]EncoderPrompt, 0, n)
	for i := 0; i < n && i < len(slots); i++ {
		spec := s.opts.Parser.Parse(slots[i])
		out = append(out, EncoderPrompt{Index: i, Text: slots[i], Sections: spec, Chunks: len(spec.Chunks())})
	}
	logutil.GetLogger(ctx).Debug("prompt parsed", zap.Int("encoders", len(out)), zap.Int("sections", len(out[0].Sections)))
	return out, nil
}

func (s *PromptService) Schedule(ctx context.Context, text string, steps int) (*ScheduleResult, error) {
	if steps < 1 || steps > MaxSteps {
		return nil, fmt.Errorf("%w: steps must be in [1, %d]", appErr.ErrInvalid, MaxSteps)
	}
	if err := checkPromptLength(text); err != nil {
		return nil, err
	}
	sched := prompt.CompileSchedule(text, steps)
	res := &ScheduleResult{PerStep: sched.PerStep, Steps: steps}
	for i := 0; i < steps; i++ {
		t := sched.At(i)
		if n := len(res.Ranges); n > 0 && res.Ranges[n-1].Text == t {
			res.Ranges[n-1].To = i
			continue
		}
		res.Ranges = append(res.Ranges, ScheduleRange{From: i, To: i, Text: t})
	}
	logutil.GetLogger(ctx).Debug("prompt schedule compiled", zap.Bool("per_step", res.PerStep), zap.Int("ranges", len(res.Ranges)))
	return res, nil
}

// Embed runs one generation request's prompt embedding. Only one request
// runs at a time.
func (s *PromptService) Embed(ctx context.Context, req EmbedRequest) (*EmbedResult, error) {
	if len(req.Prompts) > MaxBatch {
		return nil, fmt.Errorf("%w: batch must be at most %d", appErr.ErrInvalid, MaxBatch)
	}
	if req.Steps > MaxSteps {
		return nil, fmt.Errorf("%w: steps must be at most %d", appErr.ErrInvalid, MaxSteps)
	}
	if err := checkPromptLength(req.Prompts...); err != nil {
		return nil, err
	}
	if err := checkPromptLength(req.NegativePrompts...); err != nil {
		return nil, err
	}
	id := newID()
	logger := logutil.GetLogger(ctx).With(zap.String("call_id", id))

	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	e, err := embedder.New(ctx, s.enc, s.cache, s.opts, req.Request)
	if err != nil {
		if errors.Is(err, embedder.ErrNoPrompts) || errors.Is(err, embedder.ErrBatchMismatch) {
			return nil, fmt.Errorf("%w: %s", appErr.ErrInvalid, err.Error())
		}
		logger.Error("prompt embed failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %s", appErr.ErrInternal, err.Error())
	}
	res := &EmbedResult{
		ID:        id,
		Model:     e.Capabilities().Name,
		Batch:     e.Batch(),
		Steps:     e.Steps(),
		Collapsed: e.Collapsed(),
		Scheduled: e.Scheduled(),
		CacheHit:  e.CacheHit(),
		Cancelled: e.Cancelled(),
		Stats:     e.Stats(),
	}
	for ch := embedcache.ChannelPrompt; ch < embedcache.NumChannels; ch++ {
		summary := ChannelSummary{Channel: ch.String(), Filled: e.Filled(ch)}
		if t := e.Resolve(ctx, ch, req.Step); t != nil {
			summary.Available = true
			shape := t.Shape()
			summary.Shape = shape[:]
			if req.IncludeValues {
				summary.Values = t.Values()
			}
		}
		res.Channels = append(res.Channels, summary)
	}
	logger.Info("prompt embed finished",
		zap.Int("batch", res.Batch),
		zap.Int("steps", res.Steps),
		zap.Bool("cache_hit", res.CacheHit),
		zap.Bool("scheduled", res.Scheduled),
		zap.Int("encodes", res.Stats.Encodes),
		zap.Duration("duration", time.Since(start)),
	)
	return res, nil
}

func (s *PromptService) CacheStats() embedcache.Stats {
	return s.cache.Stats()
}

func (s *PromptService) ClearCache(ctx context.Context) embedcache.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Clear()
	logutil.GetLogger(ctx).Info("prompt cache cleared")
	return s.cache.Stats()
}
