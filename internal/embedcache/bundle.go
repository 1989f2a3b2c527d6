package embedcache

import (
	"fmt"
	"strings"

	"github.com/xxxsen/promptembed/internal/tensor"
)

// Channel selects one output of the prompt embedder.
type Channel int

const (
	ChannelPrompt Channel = iota
	ChannelPooled
	ChannelMask
	ChannelNegative
	ChannelNegativePooled
	ChannelNegativeMask
	NumChannels
)

var channelNames = [NumChannels]string{
	"prompt_embeds",
	"positive_pooled",
	"prompt_attention_mask",
	"negative_prompt_embeds",
	"negative_pooled",
	"negative_prompt_attention_mask",
}

func (c Channel) String() string {
	if c < 0 || c >= NumChannels {
		return fmt.Sprintf("channel(%d)", int(c))
	}
	return channelNames[c]
}

// Negative reports whether the channel belongs to the negative prompt.
func (c Channel) Negative() bool {
	return c >= ChannelNegative
}

func ParseChannel(name string) (Channel, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range channelNames {
		if n == name {
			return Channel(i), nil
		}
	}
	return 0, fmt.Errorf("unknown channel: %s", name)
}

// Item holds the step-indexed outputs of one batch item. A nil entry means
// the encoder failed for that step; an empty channel was never produced.
type Item struct {
	Steps [NumChannels][]*tensor.Tensor
}

// Bundle is the complete embedder output for one generation call.
type Bundle struct {
	Items []*Item
}

func NewBundle(batch int) *Bundle {
	b := &Bundle{Items: make([]*Item, batch)}
	for i := range b.Items {
		b.Items[i] = &Item{}
	}
	return b
}

// Empty reports whether no channel holds any output.
func (b *Bundle) Empty() bool {
	if b == nil {
		return true
	}
	for _, item := range b.Items {
		for _, steps := range item.Steps {
			for _, t := range steps {
				if t != nil {
					return false
				}
			}
		}
	}
	return true
}

// Clone deep-copies the bundle. Steps that share one tensor keep sharing
// their copy.
func (b *Bundle) Clone() *Bundle {
	if b == nil {
		return nil
	}
	seen := make(map[*tensor.Tensor]*tensor.Tensor)
	out := &Bundle{Items: make([]*Item, len(b.Items))}
	for i, item := range b.Items {
		if item == nil {
			out.Items[i] = &Item{}
			continue
		}
		// broadcast items share one *Item
		if i > 0 && item == b.Items[i-1] {
			out.Items[i] = out.Items[i-1]
			continue
		}
		c := &Item{}
		for ch, steps := range item.Steps {
			if steps == nil {
				continue
			}
			c.Steps[ch] = make([]*tensor.Tensor, len(steps))
			for s, t := range steps {
				if t == nil {
					continue
				}
				if dup, ok := seen[t]; ok {
					c.Steps[ch][s] = dup
					continue
				}
				dup := t.Clone()
				seen[t] = dup
				c.Steps[ch][s] = dup
			}
		}
		out.Items[i] = c
	}
	return out
}

// Equal compares two bundles by value.
func (b *Bundle) Equal(o *Bundle) bool {
	if b == nil || o == nil {
		return b == o
	}
	if len(b.Items) != len(o.Items) {
		return false
	}
	for i := range b.Items {
		for ch := range b.Items[i].Steps {
			x, y := b.Items[i].Steps[ch], o.Items[i].Steps[ch]
			if len(x) != len(y) {
				return false
			}
			for s := range x {
				if !tensor.Equal(x[s], y[s]) {
					return false
				}
			}
		}
	}
	return true
}
