// Package hashenc is a deterministic stand-in text encoder. Words map to
// pseudo-random vectors seeded from a hash of the word, laid out in
// 77-slot windows the way CLIP style encoders chunk long prompts.
package hashenc

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strings"

	"github.com/xxxsen/promptembed/internal/encoder"
	"github.com/xxxsen/promptembed/internal/prompt"
	"github.com/xxxsen/promptembed/internal/tensor"
)

const (
	WindowSize     = 77
	TokensPerChunk = WindowSize - 2
	defaultDim     = 16
)

type Config struct {
	Model         string `json:"model"`
	Dims          []int  `json:"dims"`
	Pooled        bool   `json:"pooled"`
	AttentionMask bool   `json:"attention_mask"`
	NoNegative    bool   `json:"no_negative"`
	ZeroPad       bool   `json:"zero_pad"`
	Half          bool   `json:"half"`
}

type Encoder struct {
	cfg Config
}

func New(cfg Config) (*Encoder, error) {
	if len(cfg.Dims) == 0 {
		cfg.Dims = []int{defaultDim}
	}
	for i, d := range cfg.Dims {
		if d <= 0 {
			return nil, fmt.Errorf("hash encoder: dims[%d] must be positive", i)
		}
	}
	if len(cfg.Dims) > prompt.MaxEncoderPrompts {
		return nil, fmt.Errorf("hash encoder: at most %d encoders", prompt.MaxEncoderPrompts)
	}
	if cfg.Model == "" {
		cfg.Model = "hash"
	}
	return &Encoder{cfg: cfg}, nil
}

func (e *Encoder) Capabilities() encoder.Capabilities {
	return encoder.Capabilities{
		Name:          fmt.Sprintf("%s%v", e.cfg.Model, e.cfg.Dims),
		Encoders:      len(e.cfg.Dims),
		Pooled:        e.cfg.Pooled,
		AttentionMask: e.cfg.AttentionMask,
		Negative:      !e.cfg.NoNegative,
		ZeroPad:       e.cfg.ZeroPad,
	}
}

func (e *Encoder) Encode(ctx context.Context, index int, fragments prompt.Spec, clipSkip int) (*encoder.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if index < 0 || index >= len(e.cfg.Dims) {
		return nil, fmt.Errorf("hash encoder: no text encoder %d", index)
	}
	dim := e.cfg.Dims[index]
	type token struct {
		word   string
		weight float64
	}
	var tokens []token
	for _, sec := range fragments {
		if sec.IsBreak() {
			return nil, fmt.Errorf("hash encoder: BREAK section passed to encoder")
		}
		for _, w := range strings.Fields(sec.Text) {
			tokens = append(tokens, token{word: w, weight: sec.Weight})
		}
	}
	windows := (len(tokens) + TokensPerChunk - 1) / TokensPerChunk
	if windows == 0 {
		windows = 1
	}
	rows := make([][]float64, 0, windows*WindowSize)
	mask := make([][]float64, 0, windows*WindowSize)
	for w := 0; w < windows; w++ {
		chunk := tokens[min(w*TokensPerChunk, len(tokens)):min((w+1)*TokensPerChunk, len(tokens))]
		rows = append(rows, e.vector("<bos>", index, clipSkip, dim))
		mask = append(mask, []float64{1})
		for _, tok := range chunk {
			v := e.vector(tok.word, index, clipSkip, dim)
			for i := range v {
				v[i] *= tok.weight
			}
			rows = append(rows, v)
			mask = append(mask, []float64{1})
		}
		rows = append(rows, e.vector("<eos>", index, clipSkip, dim))
		mask = append(mask, []float64{1})
		for len(rows) < (w+1)*WindowSize {
			rows = append(rows, e.vector("<pad>", index, clipSkip, dim))
			mask = append(mask, []float64{0})
		}
	}
	emb, err := tensor.FromRows(rows)
	if err != nil {
		return nil, err
	}
	if e.cfg.Half {
		emb = emb.Half()
	}
	res := &encoder.Result{Embedding: emb, Tokens: len(tokens)}
	if e.cfg.AttentionMask {
		if res.Mask, err = tensor.FromRows(mask); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// EncodePooled averages the word vectors of the last text encoder.
func (e *Encoder) EncodePooled(ctx context.Context, text string) (*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !e.cfg.Pooled {
		return nil, fmt.Errorf("hash encoder: pooled output not supported")
	}
	index := len(e.cfg.Dims) - 1
	dim := e.cfg.Dims[index]
	words := strings.Fields(text)
	if len(words) == 0 {
		words = []string{"<eos>"}
	}
	sum := make([]float64, dim)
	for _, w := range words {
		for i, v := range e.vector(w, index, 0, dim) {
			sum[i] += v / float64(len(words))
		}
	}
	out, err := tensor.FromRows([][]float64{sum})
	if err != nil {
		return nil, err
	}
	if e.cfg.Half {
		out = out.Half()
	}
	return out, nil
}

func (e *Encoder) vector(word string, index, clipSkip, dim int) []float64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s\x00%d\x00%d\x00%s", e.cfg.Model, index, clipSkip, word)
	seed := h.Sum64()
	rng := rand.New(rand.NewPCG(seed, seed>>1|1))
	v := make([]float64, dim)
	for i := range v {
		v[i] = rng.Float64()*2 - 1
	}
	return v
}
