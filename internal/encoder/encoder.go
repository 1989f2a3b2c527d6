// Package encoder defines the text-encoder collaborator consumed by the
// prompt embedder.
package encoder

import (
	"context"

	"github.com/xxxsen/promptembed/internal/prompt"
	"github.com/xxxsen/promptembed/internal/tensor"
)

// Capabilities describes which outputs an encoder produces.
type Capabilities struct {
	// Name identifies the model; it is part of the cache fingerprint.
	Name string `json:"name"`
	// Encoders is the number of text encoders whose outputs are joined
	// along the feature dimension.
	Encoders int `json:"encoders"`
	// Pooled reports whether EncodePooled is supported.
	Pooled bool `json:"pooled"`
	// AttentionMask reports whether Encode returns a mask.
	AttentionMask bool `json:"attention_mask"`
	// Negative reports whether negative prompts are used at all.
	Negative bool `json:"negative"`
	// ZeroPad forces zero padding when aligning sequence lengths.
	ZeroPad bool `json:"zero_pad"`
}

// Result is the output of encoding one BREAK-free group of fragments.
type Result struct {
	// Embedding is [1, seq, dim].
	Embedding *tensor.Tensor
	// Mask is [1, seq, 1] or nil.
	Mask *tensor.Tensor
	// Tokens is the number of prompt tokens, excluding special tokens.
	Tokens int
}

type Encoder interface {
	Capabilities() Capabilities
	// Encode encodes weighted fragments with text encoder index.
	Encode(ctx context.Context, index int, fragments prompt.Spec, clipSkip int) (*Result, error)
	// EncodePooled returns the [1, 1, dim] summary embedding of text.
	EncodePooled(ctx context.Context, text string) (*tensor.Tensor, error)
}
