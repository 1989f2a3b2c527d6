// Package remote adapts a text-embedding provider to the encoder contract.
// Each weighted fragment becomes one sequence row scaled by its weight.
package remote

import (
	"context"
	"fmt"
	"strings"

	"github.com/xxxsen/promptembed/internal/ai"
	"github.com/xxxsen/promptembed/internal/encoder"
	"github.com/xxxsen/promptembed/internal/prompt"
	"github.com/xxxsen/promptembed/internal/tensor"
)

type Encoder struct {
	embedder ai.IEmbedder
	dim      int
	taskType string
}

func New(embedder ai.IEmbedder, dim int, taskType string) (*Encoder, error) {
	if embedder == nil {
		return nil, fmt.Errorf("remote encoder: embedder is required")
	}
	if dim <= 0 {
		return nil, fmt.Errorf("remote encoder: dim must be positive")
	}
	return &Encoder{embedder: embedder, dim: dim, taskType: taskType}, nil
}

func (e *Encoder) Capabilities() encoder.Capabilities {
	return encoder.Capabilities{
		Name:     "remote:" + e.embedder.ModelName(),
		Encoders: 1,
		Pooled:   true,
		Negative: true,
	}
}

// Encode ignores clipSkip: remote providers expose a single output layer.
func (e *Encoder) Encode(ctx context.Context, index int, fragments prompt.Spec, _ int) (*encoder.Result, error) {
	if index != 0 {
		return nil, fmt.Errorf("remote encoder: no text encoder %d", index)
	}
	var rows [][]float64
	tokens := 0
	for _, sec := range fragments {
		if sec.IsBreak() {
			return nil, fmt.Errorf("remote encoder: BREAK section passed to encoder")
		}
		text := strings.TrimSpace(sec.Text)
		if text == "" {
			continue
		}
		vec, err := e.embed(ctx, text)
		if err != nil {
			return nil, err
		}
		for i := range vec {
			vec[i] *= sec.Weight
		}
		rows = append(rows, vec)
		tokens += len(strings.Fields(text))
	}
	if len(rows) == 0 {
		rows = [][]float64{make([]float64, e.dim)}
	}
	emb, err := tensor.FromRows(rows)
	if err != nil {
		return nil, err
	}
	return &encoder.Result{Embedding: emb, Tokens: tokens}, nil
}

func (e *Encoder) EncodePooled(ctx context.Context, text string) (*tensor.Tensor, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return tensor.Zeros(1, 1, e.dim), nil
	}
	vec, err := e.embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return tensor.FromRows([][]float64{vec})
}

func (e *Encoder) embed(ctx context.Context, text string) ([]float64, error) {
	values, err := e.embedder.Embed(ctx, text, e.taskType)
	if err != nil {
		return nil, err
	}
	if len(values) != e.dim {
		return nil, fmt.Errorf("remote encoder: got %d values, want %d", len(values), e.dim)
	}
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = float64(v)
	}
	return out, nil
}
