package embedder

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/xxxsen/promptembed/internal/embedcache"
	"github.com/xxxsen/promptembed/internal/encoder"
	"github.com/xxxsen/promptembed/internal/encoder/hashenc"
	"github.com/xxxsen/promptembed/internal/prompt"
	"github.com/xxxsen/promptembed/internal/tensor"
)

type countingEncoder struct {
	*hashenc.Encoder
	calls    int
	fail     string
	onEncode func(calls int)
}

func (c *countingEncoder) Encode(ctx context.Context, index int, fragments prompt.Spec, clipSkip int) (*encoder.Result, error) {
	c.calls++
	for _, sec := range fragments {
		if c.fail != "" && strings.Contains(sec.Text, c.fail) {
			return nil, errors.New("encoder exploded")
		}
	}
	res, err := c.Encoder.Encode(ctx, index, fragments, clipSkip)
	if c.onEncode != nil {
		c.onEncode(c.calls)
	}
	return res, err
}

func newEncoder(t *testing.T, cfg hashenc.Config) *countingEncoder {
	t.Helper()
	enc, err := hashenc.New(cfg)
	require.NoError(t, err)
	return &countingEncoder{Encoder: enc}
}

func defaultEncoder(t *testing.T) *countingEncoder {
	return newEncoder(t, hashenc.Config{Dims: []int{8}, Pooled: true, AttentionMask: true})
}

func defaultOptions() Options {
	return Options{PadMode: PadEmpty, BatchCollapse: true}
}

var allChannels = []embedcache.Channel{
	embedcache.ChannelPrompt,
	embedcache.ChannelPooled,
	embedcache.ChannelMask,
	embedcache.ChannelNegative,
	embedcache.ChannelNegativePooled,
	embedcache.ChannelNegativeMask,
}

func TestRoundTripFromCache(t *testing.T) {
	ctx := context.Background()
	enc := defaultEncoder(t)
	cache := embedcache.New(4)
	req := Request{Prompts: []string{"a (cat:1.3) BREAK dog"}, NegativePrompts: []string{"blurry"}, Steps: 20}

	first, err := New(ctx, enc, cache, defaultOptions(), req)
	require.NoError(t, err)
	require.False(t, first.CacheHit())
	require.Equal(t, 1, first.Stats().Encodes)
	require.Equal(t, 1, cache.Len())
	calls := enc.calls

	second, err := New(ctx, enc, cache, defaultOptions(), req)
	require.NoError(t, err)
	require.True(t, second.CacheHit())
	require.Equal(t, 0, second.Stats().Encodes)
	require.Equal(t, calls, enc.calls)
	require.True(t, first.bundle.Equal(second.bundle))

	for _, ch := range allChannels {
		a := first.Resolve(ctx, ch, 0)
		require.NotNil(t, a, ch.String())
		require.True(t, tensor.Equal(a, second.Resolve(ctx, ch, 0)), ch.String())
	}
	require.Equal(t, calls, enc.calls)
}

func TestResolveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e, err := New(ctx, defaultEncoder(t), nil, defaultOptions(), Request{Prompts: []string{"a photo of [cat:dog:0.5]"}, Steps: 10})
	require.NoError(t, err)
	for _, ch := range allChannels {
		for _, step := range []int{0, 5, 9} {
			a := e.Resolve(ctx, ch, step)
			b := e.Resolve(ctx, ch, step)
			require.NotNil(t, a)
			require.True(t, tensor.Equal(a, b))
			require.NotSame(t, a, b)
		}
	}
}

func TestScheduleDeduplicatesSteps(t *testing.T) {
	ctx := context.Background()
	enc := defaultEncoder(t)
	cache := embedcache.New(4)
	_, err := New(ctx, enc, cache, defaultOptions(), Request{Prompts: []string{"warmup"}, Steps: 10})
	require.NoError(t, err)
	require.Equal(t, 1, cache.Len())

	e, err := New(ctx, enc, cache, defaultOptions(), Request{Prompts: []string{"a photo of [cat:dog:0.5]"}, Steps: 10})
	require.NoError(t, err)
	require.True(t, e.Scheduled())
	require.Equal(t, 2, e.Stats().Encodes)
	require.Equal(t, 8, e.Stats().Reused)
	require.Equal(t, 10, e.Filled(embedcache.ChannelPrompt))
	require.Equal(t, 0, cache.Len())

	step0 := e.Resolve(ctx, embedcache.ChannelPrompt, 0)
	require.True(t, tensor.Equal(step0, e.Resolve(ctx, embedcache.ChannelPrompt, 4)))
	require.False(t, tensor.Equal(step0, e.Resolve(ctx, embedcache.ChannelPrompt, 5)))
	require.True(t, tensor.Equal(
		e.Resolve(ctx, embedcache.ChannelPrompt, 9),
		e.Resolve(ctx, embedcache.ChannelPrompt, 50),
	))

	// scheduled calls are never cached
	again, err := New(ctx, enc, cache, defaultOptions(), Request{Prompts: []string{"a photo of [cat:dog:0.5]"}, Steps: 10})
	require.NoError(t, err)
	require.False(t, again.CacheHit())
	require.Equal(t, 2, again.Stats().Encodes)
}

func TestBatchCollapse(t *testing.T) {
	ctx := context.Background()
	enc := defaultEncoder(t)
	prompts := make([]string, 8)
	negs := make([]string, 8)
	for i := range prompts {
		prompts[i] = "a (cat:1.2)"
		negs[i] = ""
	}
	e, err := New(ctx, enc, embedcache.New(2), defaultOptions(), Request{Prompts: prompts, NegativePrompts: negs, Steps: 20})
	require.NoError(t, err)
	require.True(t, e.Collapsed())
	require.Equal(t, 1, e.Stats().Encodes)
	require.Equal(t, 2, enc.calls)

	out := e.Resolve(ctx, embedcache.ChannelPrompt, 0)
	require.Equal(t, [3]int{8, hashenc.WindowSize, 8}, out.Shape())
	for b := 1; b < 8; b++ {
		require.True(t, mat.Equal(out.Item(0), out.Item(b)))
		require.NotSame(t, out.Item(0), out.Item(b))
	}

	expanded, err := New(ctx, enc, nil, Options{PadMode: PadEmpty}, Request{Prompts: prompts, NegativePrompts: negs, Steps: 20})
	require.NoError(t, err)
	require.False(t, expanded.Collapsed())
	require.Equal(t, 8, expanded.Stats().Encodes)
	require.True(t, tensor.Equal(out, expanded.Resolve(ctx, embedcache.ChannelPrompt, 0)))
}

func TestCollapsedCacheHitBroadcasts(t *testing.T) {
	ctx := context.Background()
	enc := defaultEncoder(t)
	cache := embedcache.New(2)
	req := Request{Prompts: []string{"cat", "cat", "cat"}, Steps: 4}
	_, err := New(ctx, enc, cache, defaultOptions(), req)
	require.NoError(t, err)

	e, err := New(ctx, enc, cache, defaultOptions(), req)
	require.NoError(t, err)
	require.True(t, e.CacheHit())
	require.Equal(t, 3, e.Resolve(ctx, embedcache.ChannelNegativePooled, 0).Batch())

	// a different batch size is a different fingerprint
	e, err = New(ctx, enc, cache, defaultOptions(), Request{Prompts: []string{"cat", "cat"}, Steps: 4})
	require.NoError(t, err)
	require.False(t, e.CacheHit())
}

func TestEncodeFailureYieldsNil(t *testing.T) {
	ctx := context.Background()
	enc := defaultEncoder(t)
	enc.fail = "boom"
	cache := embedcache.New(4)
	e, err := New(ctx, enc, cache, defaultOptions(), Request{Prompts: []string{"cat", "boom"}, Steps: 5})
	require.NoError(t, err)
	require.Nil(t, e.Resolve(ctx, embedcache.ChannelPrompt, 0))
	require.Nil(t, e.Resolve(ctx, embedcache.ChannelPooled, 0))
	require.NotNil(t, e.Resolve(ctx, embedcache.ChannelNegative, 0))
	require.Equal(t, 0, cache.Len())
}

func TestCancellationStopsBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	enc := newEncoder(t, hashenc.Config{Dims: []int{8}})
	// a positive and a negative encode per step: cancel once step 2 is done
	enc.onEncode = func(calls int) {
		if calls == 6 {
			cancel()
		}
	}
	cache := embedcache.New(4)
	e, err := New(ctx, enc, cache, defaultOptions(), Request{Prompts: []string{"[a|b|c|d|e]"}, Steps: 10})
	require.NoError(t, err)
	require.True(t, e.Cancelled())
	require.Equal(t, 3, e.Stats().Encodes)
	require.Equal(t, 3, e.Filled(embedcache.ChannelPrompt))
	require.True(t, tensor.Equal(
		e.Resolve(ctx, embedcache.ChannelPrompt, 2),
		e.Resolve(ctx, embedcache.ChannelPrompt, 9),
	))
	require.Equal(t, 0, cache.Len())
}

func TestCancelledConstantCallIsNotCached(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cache := embedcache.New(4)
	e, err := New(ctx, defaultEncoder(t), cache, defaultOptions(), Request{Prompts: []string{"cat"}, Steps: 10})
	require.NoError(t, err)
	require.True(t, e.Cancelled())
	require.Nil(t, e.Resolve(ctx, embedcache.ChannelPrompt, 0))
	require.Equal(t, 0, cache.Len())
}

func TestParserChangeClearsCache(t *testing.T) {
	ctx := context.Background()
	enc := defaultEncoder(t)
	cache := embedcache.New(4)
	req := Request{Prompts: []string{"(cat:1.5) dog"}, Steps: 10}
	_, err := New(ctx, enc, cache, defaultOptions(), req)
	require.NoError(t, err)

	opts := defaultOptions()
	opts.Parser.MeanNorm = true
	e, err := New(ctx, enc, cache, opts, req)
	require.NoError(t, err)
	require.False(t, e.CacheHit())
	require.Equal(t, int64(1), cache.Stats().Clears)

	e, err = New(ctx, enc, cache, opts, req)
	require.NoError(t, err)
	require.True(t, e.CacheHit())
}

func TestFingerprintInputs(t *testing.T) {
	ctx := context.Background()
	enc := defaultEncoder(t)
	cache := embedcache.New(8)
	base := Request{Prompts: []string{"cat"}, Steps: 10, ClipSkip: 1}
	_, err := New(ctx, enc, cache, defaultOptions(), base)
	require.NoError(t, err)

	variants := []Request{
		{Prompts: []string{"cat"}, Steps: 10, ClipSkip: 2},
		{Prompts: []string{"cat"}, Steps: 11, ClipSkip: 1},
		{Prompts: []string{"cat"}, NegativePrompts: []string{"dog"}, Steps: 10, ClipSkip: 1},
		{Prompts: []string{"cat"}, Steps: 10, ClipSkip: 1, Adapters: []Adapter{{Name: "te-lora", Weight: 0.8}}},
	}
	for i, v := range variants {
		e, err := New(ctx, enc, cache, defaultOptions(), v)
		require.NoError(t, err)
		require.False(t, e.CacheHit(), "variant %d", i)
	}
	e, err := New(ctx, enc, cache, Options{PadMode: PadZeros, BatchCollapse: true}, base)
	require.NoError(t, err)
	require.False(t, e.CacheHit())

	e, err = New(ctx, enc, cache, defaultOptions(), base)
	require.NoError(t, err)
	require.True(t, e.CacheHit())
}

func TestCacheDisabled(t *testing.T) {
	ctx := context.Background()
	enc := defaultEncoder(t)
	cache := embedcache.New(0)
	req := Request{Prompts: []string{"cat"}, Steps: 10}
	for i := 0; i < 2; i++ {
		e, err := New(ctx, enc, cache, defaultOptions(), req)
		require.NoError(t, err)
		require.False(t, e.CacheHit())
		require.Equal(t, 1, e.Stats().Encodes)
	}
}

func TestMultiEncoderAlignment(t *testing.T) {
	ctx := context.Background()
	enc := newEncoder(t, hashenc.Config{Dims: []int{4, 6}, Pooled: true, AttentionMask: true})
	long := strings.TrimSpace(strings.Repeat("word ", 80))
	e, err := New(ctx, enc, nil, defaultOptions(), Request{Prompts: []string{"cat TE2: " + long}, Steps: 1})
	require.NoError(t, err)

	pos := e.Resolve(ctx, embedcache.ChannelPrompt, 0)
	require.Equal(t, [3]int{1, 2 * hashenc.WindowSize, 10}, pos.Shape())

	empty0, err := enc.Encoder.Encode(ctx, 0, prompt.Spec{{Text: "", Weight: 1}}, 0)
	require.NoError(t, err)
	for r := 0; r < hashenc.WindowSize; r++ {
		for d := 0; d < 4; d++ {
			require.Equal(t, empty0.Embedding.At(0, r, d), pos.At(0, hashenc.WindowSize+r, d))
		}
	}

	mask := e.Resolve(ctx, embedcache.ChannelMask, 0)
	require.Equal(t, [3]int{1, 2 * hashenc.WindowSize, 1}, mask.Shape())
	require.Equal(t, 0.0, mask.At(0, hashenc.WindowSize+1, 0))

	// the negative prompt is the empty prompt, so its padding repeats itself
	neg := e.Resolve(ctx, embedcache.ChannelNegative, 0)
	require.Equal(t, pos.Shape(), neg.Shape())
	for r := 0; r < hashenc.WindowSize; r++ {
		require.Equal(t, neg.At(0, r, 9), neg.At(0, hashenc.WindowSize+r, 9))
	}

	pooled := e.Resolve(ctx, embedcache.ChannelPooled, 0)
	require.Equal(t, [3]int{1, 1, 6}, pooled.Shape())
}

func TestZeroPadding(t *testing.T) {
	ctx := context.Background()
	long := strings.TrimSpace(strings.Repeat("word ", 80))
	check := func(e *Embedder) {
		neg := e.Resolve(ctx, embedcache.ChannelNegative, 0)
		require.Equal(t, 2*hashenc.WindowSize, neg.SeqLen())
		require.Equal(t, 0.0, neg.At(0, hashenc.WindowSize+3, 0))
	}

	e, err := New(ctx, defaultEncoder(t), nil, Options{PadMode: PadZeros}, Request{Prompts: []string{long}})
	require.NoError(t, err)
	check(e)

	enc := newEncoder(t, hashenc.Config{Dims: []int{8}, ZeroPad: true})
	e, err = New(ctx, enc, nil, defaultOptions(), Request{Prompts: []string{long}})
	require.NoError(t, err)
	check(e)
}

func TestResolvePadsBatchItems(t *testing.T) {
	ctx := context.Background()
	long := strings.TrimSpace(strings.Repeat("word ", 80))
	e, err := New(ctx, defaultEncoder(t), nil, defaultOptions(), Request{Prompts: []string{"cat", long}})
	require.NoError(t, err)
	out := e.Resolve(ctx, embedcache.ChannelPrompt, 0)
	require.Equal(t, [3]int{2, 2 * hashenc.WindowSize, 8}, out.Shape())
	mask := e.Resolve(ctx, embedcache.ChannelMask, 0)
	require.Equal(t, 0.0, mask.At(0, hashenc.WindowSize, 0))
	require.Equal(t, 1.0, mask.At(1, hashenc.WindowSize, 0))
}

func TestCapabilitiesLimitChannels(t *testing.T) {
	ctx := context.Background()
	enc := newEncoder(t, hashenc.Config{Dims: []int{8}, NoNegative: true})
	e, err := New(ctx, enc, nil, defaultOptions(), Request{Prompts: []string{"cat"}, NegativePrompts: []string{"dog"}})
	require.NoError(t, err)
	require.NotNil(t, e.Resolve(ctx, embedcache.ChannelPrompt, 0))
	for _, ch := range []embedcache.Channel{
		embedcache.ChannelPooled,
		embedcache.ChannelMask,
		embedcache.ChannelNegative,
		embedcache.ChannelNegativeMask,
	} {
		require.Nil(t, e.Resolve(ctx, ch, 0), ch.String())
		require.Equal(t, 0, e.Filled(ch))
	}
	require.Equal(t, 1, enc.calls)
}

func TestBreakChunksJoinAlongSequence(t *testing.T) {
	ctx := context.Background()
	e, err := New(ctx, defaultEncoder(t), nil, defaultOptions(), Request{Prompts: []string{"a BREAK b BREAK c"}})
	require.NoError(t, err)
	require.Equal(t, 3*hashenc.WindowSize, e.Resolve(ctx, embedcache.ChannelPrompt, 0).SeqLen())
	require.Equal(t, 3*hashenc.WindowSize, e.Resolve(ctx, embedcache.ChannelNegative, 0).SeqLen())
}

func TestNewValidatesRequest(t *testing.T) {
	ctx := context.Background()
	_, err := New(ctx, defaultEncoder(t), nil, defaultOptions(), Request{})
	require.ErrorIs(t, err, ErrNoPrompts)
	_, err = New(ctx, defaultEncoder(t), nil, defaultOptions(), Request{Prompts: []string{"a"}, NegativePrompts: []string{"b", "c"}})
	require.ErrorIs(t, err, ErrBatchMismatch)

	e, err := New(ctx, defaultEncoder(t), nil, defaultOptions(), Request{Prompts: []string{"a", "b"}, NegativePrompts: []string{"n"}})
	require.NoError(t, err)
	require.Equal(t, []string{"n", "n"}, e.req.NegativePrompts)
	require.Equal(t, 1, e.Steps())
}

func TestAdaptersKey(t *testing.T) {
	a := []Adapter{{Name: "lora", Weight: 0.8, Params: map[string]string{"rank": "4", "alpha": "1"}}}
	b := []Adapter{{Name: "lora", Weight: 0.8, Params: map[string]string{"alpha": "1", "rank": "4"}}}
	require.Equal(t, adaptersKey(a), adaptersKey(b))

	b[0].Params["rank"] = "8"
	require.NotEqual(t, adaptersKey(a), adaptersKey(b))
	require.NotEqual(t, adaptersKey(a), adaptersKey([]Adapter{{Name: "lora", Weight: 0.75, Params: a[0].Params}}))
	require.NotEqual(t,
		adaptersKey([]Adapter{{Name: "a;b@1"}}),
		adaptersKey([]Adapter{{Name: "a"}, {Name: "b", Weight: 1}}))
	require.NotEmpty(t, adaptersKey([]Adapter{{}}))
}
