// Package embedder turns the prompts of one generation request into
// step-indexed embedding tensors, consulting the shared embedding cache
// before asking the encoder.
package embedder

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/promptembed/internal/embedcache"
	"github.com/xxxsen/promptembed/internal/encoder"
	"github.com/xxxsen/promptembed/internal/prompt"
	"github.com/xxxsen/promptembed/internal/tensor"
)

const (
	PadEmpty = "empty"
	PadZeros = "zeros"
)

var (
	ErrNoPrompts     = errors.New("no prompts")
	ErrBatchMismatch = errors.New("more negative prompts than prompts")
	ErrEncoderCount  = errors.New("unsupported encoder count")
)

// Adapter describes a dynamically attached network that changes the encoder
// output, for example a text-encoder LoRA.
type Adapter struct {
	Name   string            `json:"name"`
	Weight float64           `json:"weight"`
	Params map[string]string `json:"params,omitempty"`
}

type Request struct {
	Prompts         []string  `json:"prompts"`
	NegativePrompts []string  `json:"negative_prompts"`
	Steps           int       `json:"steps"`
	ClipSkip        int       `json:"clip_skip"`
	Adapters        []Adapter `json:"adapters,omitempty"`
}

type Options struct {
	// PadMode selects the filler used to align sequence lengths: PadEmpty
	// repeats the empty prompt embedding, PadZeros pads with zeros.
	PadMode string
	// BatchCollapse encodes a batch of identical prompts once.
	BatchCollapse bool
	Parser        prompt.ParserOptions
}

type Stats struct {
	// Encodes counts encoded positive/negative pairs.
	Encodes int `json:"encodes"`
	// Reused counts steps served from an earlier step of the same call.
	Reused int `json:"reused"`
}

// Embedder holds the embeddings of one generation request. It is not safe
// for concurrent use.
type Embedder struct {
	enc   encoder.Encoder
	caps  encoder.Capabilities
	cache *embedcache.Cache
	opts  Options
	req   Request

	batch     int
	collapsed bool
	scheduled bool
	cacheHit  bool
	cancelled bool
	failed    bool
	bundle    *embedcache.Bundle
	stats     Stats

	parts     map[int]*tensor.Tensor
	empty     *tensor.Tensor
	emptyDone bool
}

// New computes or loads the embeddings for req. cache may be nil. Encoder
// failures never fail New: the affected channels resolve to nil.
func New(ctx context.Context, enc encoder.Encoder, cache *embedcache.Cache, opts Options, req Request) (*Embedder, error) {
	if len(req.Prompts) == 0 {
		return nil, ErrNoPrompts
	}
	if len(req.NegativePrompts) > len(req.Prompts) {
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchMismatch, len(req.NegativePrompts), len(req.Prompts))
	}
	caps := enc.Capabilities()
	if caps.Encoders < 1 {
		caps.Encoders = 1
	}
	if caps.Encoders > prompt.MaxEncoderPrompts {
		return nil, fmt.Errorf("%w: %d", ErrEncoderCount, caps.Encoders)
	}
	if req.Steps < 1 {
		req.Steps = 1
	}
	req.NegativePrompts = fillNegatives(req.NegativePrompts, len(req.Prompts))
	if caps.ZeroPad {
		opts.PadMode = PadZeros
	} else if opts.PadMode != PadZeros {
		opts.PadMode = PadEmpty
	}
	e := &Embedder{
		enc:   enc,
		caps:  caps,
		cache: cache,
		opts:  opts,
		req:   req,
		batch: len(req.Prompts),
		parts: make(map[int]*tensor.Tensor),
	}
	e.run(ctx)
	return e, nil
}

func fillNegatives(negs []string, n int) []string {
	out := make([]string, 0, n)
	out = append(out, negs...)
	last := ""
	if len(negs) > 0 {
		last = negs[len(negs)-1]
	}
	for len(out) < n {
		out = append(out, last)
	}
	return out
}

func allSame(items []string) bool {
	for _, s := range items[1:] {
		if s != items[0] {
			return false
		}
	}
	return true
}

func (e *Embedder) run(ctx context.Context) {
	logger := logutil.GetLogger(ctx)
	e.cache.SyncParser(ctx, e.opts.Parser.Tag())

	pos, neg := e.req.Prompts, e.req.NegativePrompts
	if e.opts.BatchCollapse && e.batch > 1 && allSame(pos) && allSame(neg) {
		e.collapsed = true
		pos, neg = pos[:1], neg[:1]
		logger.Debug("prompt batch collapsed", zap.Int("batch", e.batch))
	}

	posSched := make([]prompt.Schedule, len(pos))
	negSched := make([]prompt.Schedule, len(neg))
	for i := range pos {
		posSched[i] = prompt.CompileSchedule(pos[i], e.req.Steps)
		negSched[i] = prompt.CompileSchedule(neg[i], e.req.Steps)
		if posSched[i].PerStep || negSched[i].PerStep {
			e.scheduled = true
		}
	}

	if e.scheduled {
		logger.Debug("prompt schedule detected, bypass cache", zap.Int("steps", e.req.Steps))
		computed := e.compute(ctx, posSched, negSched)
		e.cache.Clear()
		e.bundle = e.broadcast(computed)
		return
	}

	fp := e.fingerprint(pos, neg)
	if b, ok := e.cache.Get(ctx, fp); ok && len(b.Items) > 0 {
		e.cacheHit = true
		e.bundle = e.broadcast(b)
		return
	}
	computed := e.compute(ctx, posSched, negSched)
	if e.cacheable() && !computed.Empty() {
		e.cache.Put(ctx, fp, computed)
	}
	e.bundle = e.broadcast(computed)
}

func (e *Embedder) fingerprint(pos, neg []string) embedcache.Fingerprint {
	fp := embedcache.Fingerprint{
		Model:     e.caps.Name,
		Prompts:   pos,
		Negatives: neg,
		Batch:     e.batch,
		ClipSkip:  e.req.ClipSkip,
		Steps:     e.req.Steps,
		PadMode:   e.opts.PadMode,
	}
	if len(e.req.Adapters) > 0 {
		fp.Adapters = adaptersKey(e.req.Adapters)
	}
	return fp
}

// adaptersKey renders adapters in request order with sorted params.
func adaptersKey(adapters []Adapter) string {
	var sb strings.Builder
	for _, a := range adapters {
		sb.WriteString(strconv.Quote(a.Name))
		sb.WriteByte('@')
		sb.WriteString(strconv.FormatFloat(a.Weight, 'g', -1, 64))
		for _, k := range slices.Sorted(maps.Keys(a.Params)) {
			sb.WriteByte(',')
			sb.WriteString(strconv.Quote(k))
			sb.WriteByte('=')
			sb.WriteString(strconv.Quote(a.Params[k]))
		}
		sb.WriteByte(';')
	}
	return sb.String()
}

func (e *Embedder) cacheable() bool {
	return !e.failed && !e.cancelled
}

// broadcast re-expands a collapsed bundle to the request batch size.
func (e *Embedder) broadcast(b *embedcache.Bundle) *embedcache.Bundle {
	if len(b.Items) >= e.batch || len(b.Items) == 0 {
		return b
	}
	out := &embedcache.Bundle{Items: make([]*embedcache.Item, e.batch)}
	copy(out.Items, b.Items)
	for i := len(b.Items); i < e.batch; i++ {
		out.Items[i] = b.Items[len(b.Items)-1]
	}
	return out
}

type stepOutput struct {
	tensors  [embedcache.NumChannels]*tensor.Tensor
	produced [embedcache.NumChannels]bool
}

func (o *stepOutput) set(ch embedcache.Channel, t *tensor.Tensor) {
	o.tensors[ch] = t
	o.produced[ch] = true
}

func (o *stepOutput) appendTo(item *embedcache.Item) {
	for ch := range o.tensors {
		if o.produced[ch] {
			item.Steps[ch] = append(item.Steps[ch], o.tensors[ch])
		}
	}
}

func (e *Embedder) compute(ctx context.Context, posSched, negSched []prompt.Schedule) *embedcache.Bundle {
	logger := logutil.GetLogger(ctx)
	b := embedcache.NewBundle(len(posSched))
	for i := range posSched {
		item := b.Items[i]
		if !posSched[i].PerStep && !negSched[i].PerStep {
			if !e.checkCancel(ctx, i, 0) {
				break
			}
			out := e.encodePair(ctx, posSched[i].At(0), negSched[i].At(0))
			out.appendTo(item)
			continue
		}
		seen := orderedmap.New[string, *stepOutput]()
		for step := 0; step < e.req.Steps; step++ {
			if !e.checkCancel(ctx, i, step) {
				break
			}
			p, n := posSched[i].At(step), negSched[i].At(step)
			key := p + "\x00" + n
			out, ok := seen.Get(key)
			if ok {
				e.stats.Reused++
			} else {
				out = e.encodePair(ctx, p, n)
				seen.Set(key, out)
			}
			out.appendTo(item)
		}
		distinct := make([]string, 0, seen.Len())
		for pair := seen.Oldest(); pair != nil; pair = pair.Next() {
			distinct = append(distinct, strings.ReplaceAll(pair.Key, "\x00", " | "))
		}
		logger.Debug("prompt schedule encoded",
			zap.Int("item", i), zap.Int("steps", e.req.Steps), zap.Strings("distinct", distinct))
		if e.cancelled {
			break
		}
	}
	return b
}

func (e *Embedder) checkCancel(ctx context.Context, item, step int) bool {
	if e.cancelled {
		return false
	}
	if err := ctx.Err(); err != nil {
		e.cancelled = true
		logutil.GetLogger(ctx).Info("prompt encode cancelled",
			zap.Int("item", item), zap.Int("step", step), zap.Error(err))
		return false
	}
	return true
}

func (e *Embedder) encodePair(ctx context.Context, pos, neg string) *stepOutput {
	logger := logutil.GetLogger(ctx)
	e.stats.Encodes++
	out := &stepOutput{}

	posEmb, posMask, posPooled, posErr := e.encodeText(ctx, pos)
	if posErr != nil {
		e.failed = true
		logger.Warn("encode prompt failed", zap.String("prompt", pos), zap.Error(posErr))
	}
	var negEmb, negMask, negPooled *tensor.Tensor
	var negErr error
	if e.caps.Negative {
		negEmb, negMask, negPooled, negErr = e.encodeText(ctx, neg)
		if negErr != nil {
			e.failed = true
			logger.Warn("encode negative prompt failed", zap.String("prompt", neg), zap.Error(negErr))
		}
	}
	if posErr == nil && negErr == nil && e.caps.Negative {
		padded, err := e.padPair(ctx, posEmb, negEmb)
		if err != nil {
			logger.Warn("align prompt lengths failed", zap.Error(err))
		} else {
			posEmb, negEmb = padded[0], padded[1]
		}
		if posMask != nil && negMask != nil {
			if masks, err := tensor.PadToSameLength([]*tensor.Tensor{posMask, negMask}, nil); err == nil {
				posMask, negMask = masks[0], masks[1]
			}
		}
	}

	out.set(embedcache.ChannelPrompt, posEmb)
	if e.caps.Pooled {
		out.set(embedcache.ChannelPooled, posPooled)
	}
	if e.caps.AttentionMask {
		out.set(embedcache.ChannelMask, posMask)
	}
	if e.caps.Negative {
		out.set(embedcache.ChannelNegative, negEmb)
		if e.caps.Pooled {
			out.set(embedcache.ChannelNegativePooled, negPooled)
		}
		if e.caps.AttentionMask {
			out.set(embedcache.ChannelNegativeMask, negMask)
		}
	}
	return out
}

func (e *Embedder) padPair(ctx context.Context, pos, neg *tensor.Tensor) ([]*tensor.Tensor, error) {
	if pos.SeqLen() == neg.SeqLen() {
		return []*tensor.Tensor{pos, neg}, nil
	}
	return tensor.PadToSameLength([]*tensor.Tensor{pos, neg}, e.filler(ctx))
}

// encodeText encodes one prompt with every text encoder and joins the
// outputs along the feature dimension.
func (e *Embedder) encodeText(ctx context.Context, text string) (emb, mask, pooled *tensor.Tensor, err error) {
	slots := prompt.SplitEncoderPrompts(text)
	parts := make([]*tensor.Tensor, e.caps.Encoders)
	var last prompt.Spec
	for idx := range parts {
		spec := e.opts.Parser.Parse(slots[idx])
		last = spec
		part, partMask, err := e.encodeSpec(ctx, idx, spec)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("text encoder %d: %w", idx, err)
		}
		parts[idx] = part
		if idx == 0 && e.caps.AttentionMask {
			mask = partMask
		}
	}
	if len(parts) > 1 {
		longest := 0
		for _, p := range parts {
			longest = max(longest, p.SeqLen())
		}
		for idx, p := range parts {
			if p.SeqLen() == longest {
				continue
			}
			if parts[idx], err = tensor.PadSeq(p, longest, e.encoderFiller(ctx, idx)); err != nil {
				return nil, nil, nil, err
			}
		}
		if mask != nil {
			if mask, err = tensor.PadSeq(mask, longest, nil); err != nil {
				return nil, nil, nil, err
			}
		}
	}
	if emb, err = tensor.ConcatFeature(parts...); err != nil {
		return nil, nil, nil, err
	}
	if e.caps.Pooled {
		if pooled, err = e.enc.EncodePooled(ctx, last.PlainText()); err != nil {
			return nil, nil, nil, fmt.Errorf("pooled: %w", err)
		}
	}
	return emb, mask, pooled, nil
}

// encodeSpec encodes every BREAK chunk of spec and joins them along the
// sequence dimension.
func (e *Embedder) encodeSpec(ctx context.Context, idx int, spec prompt.Spec) (*tensor.Tensor, *tensor.Tensor, error) {
	chunks := spec.Chunks()
	if len(chunks) == 0 {
		chunks = []prompt.Spec{{{Text: "", Weight: 1}}}
	}
	embs := make([]*tensor.Tensor, 0, len(chunks))
	masks := make([]*tensor.Tensor, 0, len(chunks))
	tokens := 0
	for _, chunk := range chunks {
		res, err := e.enc.Encode(ctx, idx, chunk, e.req.ClipSkip)
		if err != nil {
			return nil, nil, err
		}
		embs = append(embs, res.Embedding)
		if res.Mask != nil {
			masks = append(masks, res.Mask)
		}
		tokens += res.Tokens
	}
	logTokenStats(ctx, idx, spec, tokens)
	emb, err := tensor.ConcatSeq(embs...)
	if err != nil {
		return nil, nil, err
	}
	if len(masks) != len(embs) {
		return emb, nil, nil
	}
	mask, err := tensor.ConcatSeq(masks...)
	if err != nil {
		return nil, nil, err
	}
	return emb, mask, nil
}

func logTokenStats(ctx context.Context, idx int, spec prompt.Spec, tokens int) {
	lo, hi, sum, n := math.Inf(1), math.Inf(-1), 0.0, 0
	for _, sec := range spec {
		if sec.IsBreak() {
			continue
		}
		lo, hi = math.Min(lo, sec.Weight), math.Max(hi, sec.Weight)
		sum += sec.Weight
		n++
	}
	if n == 0 {
		lo, hi = 0, 0
	} else {
		sum /= float64(n)
	}
	logutil.GetLogger(ctx).Debug("prompt tokens", zap.Int("encoder", idx), zap.Int("sections", len(spec)), zap.Int("tokens", tokens),
		zap.Float64("min", lo), zap.Float64("avg", sum), zap.Float64("max", hi))
}

// encoderFiller is the empty prompt embedding of one text encoder, or nil
// for zero padding.
func (e *Embedder) encoderFiller(ctx context.Context, idx int) *tensor.Tensor {
	if e.opts.PadMode == PadZeros {
		return nil
	}
	if t, ok := e.parts[idx]; ok {
		return t
	}
	res, err := e.enc.Encode(ctx, idx, prompt.Spec{{Text: "", Weight: 1}}, e.req.ClipSkip)
	if err != nil {
		logutil.GetLogger(ctx).Warn("encode empty prompt failed, pad with zeros", zap.Int("encoder", idx), zap.Error(err))
		e.parts[idx] = nil
		return nil
	}
	e.parts[idx] = res.Embedding
	return res.Embedding
}

// filler is the joined empty prompt embedding, or nil for zero padding.
func (e *Embedder) filler(ctx context.Context) *tensor.Tensor {
	if e.opts.PadMode == PadZeros {
		return nil
	}
	if e.emptyDone {
		return e.empty
	}
	e.emptyDone = true
	emb, _, _, err := e.encodeText(ctx, "")
	if err != nil {
		logutil.GetLogger(ctx).Warn("encode empty prompt failed, pad with zeros", zap.Error(err))
		return nil
	}
	e.empty = emb
	return emb
}

// Resolve returns the [batch, seq, dim] tensor of channel at step. Steps past
// the computed range use the last computed step. It returns nil when the
// channel does not exist or any batch item failed to encode; callers fall
// back to unweighted text. The result is a fresh copy.
func (e *Embedder) Resolve(ctx context.Context, channel embedcache.Channel, step int) *tensor.Tensor {
	if e.bundle == nil || channel < 0 || channel >= embedcache.NumChannels {
		return nil
	}
	parts := make([]*tensor.Tensor, 0, len(e.bundle.Items))
	for _, item := range e.bundle.Items {
		steps := item.Steps[channel]
		if len(steps) == 0 {
			return nil
		}
		t := steps[min(max(step, 0), len(steps)-1)]
		if t == nil {
			return nil
		}
		parts = append(parts, t)
	}
	if !sameSeqLen(parts) {
		var filler *tensor.Tensor
		if channel == embedcache.ChannelPrompt || channel == embedcache.ChannelNegative {
			filler = e.filler(ctx)
		}
		padded, err := tensor.PadToSameLength(parts, filler)
		if err != nil {
			logutil.GetLogger(ctx).Warn("align batch lengths failed", zap.String("channel", channel.String()), zap.Error(err))
			return nil
		}
		parts = padded
	}
	out, err := tensor.ConcatBatch(parts...)
	if err != nil {
		logutil.GetLogger(ctx).Warn("join batch failed", zap.String("channel", channel.String()), zap.Error(err))
		return nil
	}
	return out
}

func sameSeqLen(ts []*tensor.Tensor) bool {
	for _, t := range ts[1:] {
		if t.SeqLen() != ts[0].SeqLen() {
			return false
		}
	}
	return true
}

// Filled is the number of steps computed for channel, the minimum across
// batch items.
func (e *Embedder) Filled(channel embedcache.Channel) int {
	if e.bundle == nil || channel < 0 || channel >= embedcache.NumChannels {
		return 0
	}
	n := -1
	for _, item := range e.bundle.Items {
		l := len(item.Steps[channel])
		if n < 0 || l < n {
			n = l
		}
	}
	return max(n, 0)
}

func (e *Embedder) Batch() int { return e.batch }
func (e *Embedder) Steps() int { return e.req.Steps }
func (e *Embedder) Collapsed() bool { return e.collapsed }
func (e *Embedder) Scheduled() bool { return e.scheduled }
func (e *Embedder) CacheHit() bool { return e.cacheHit }
func (e *Embedder) Cancelled() bool { return e.cancelled }
func (e *Embedder) Stats() Stats { return e.stats }
func (e *Embedder) Capabilities() encoder.Capabilities { return e.caps }
