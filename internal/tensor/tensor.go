// Package tensor holds batched embedding arrays. Every batch item is a
// sequence-by-feature matrix.
package tensor

import (
	"fmt"

	"github.com/x448/float16"
	"gonum.org/v1/gonum/mat"
)

// Tensor is a [batch, sequence, feature] array. Tensors are treated as
// immutable once built: every operation returns a new value.
type Tensor struct {
	items []*mat.Dense
}

// New builds a tensor from one matrix per batch item. The matrices are
// copied.
func New(items ...mat.Matrix) (*Tensor, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("tensor: no batch items")
	}
	t := &Tensor{items: make([]*mat.Dense, len(items))}
	for i, m := range items {
		r, c := m.Dims()
		if r0, c0 := items[0].Dims(); r != r0 || c != c0 {
			return nil, fmt.Errorf("tensor: item %d has shape %dx%d, want %dx%d", i, r, c, r0, c0)
		}
		t.items[i] = mat.DenseCopyOf(m)
	}
	return t, nil
}

// FromRows builds a single-item tensor from sequence rows.
func FromRows(rows [][]float64) (*Tensor, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("tensor: empty rows")
	}
	dim := len(rows[0])
	data := make([]float64, 0, len(rows)*dim)
	for i, row := range rows {
		if len(row) != dim {
			return nil, fmt.Errorf("tensor: row %d has %d values, want %d", i, len(row), dim)
		}
		data = append(data, row...)
	}
	return &Tensor{items: []*mat.Dense{mat.NewDense(len(rows), dim, data)}}, nil
}

// Zeros returns a zero-filled tensor.
func Zeros(batch, seq, dim int) *Tensor {
	t := &Tensor{items: make([]*mat.Dense, batch)}
	for i := range t.items {
		t.items[i] = mat.NewDense(seq, dim, nil)
	}
	return t
}

// Batch is the number of batch items.
func (t *Tensor) Batch() int { return len(t.items) }

// SeqLen is the sequence dimension.
func (t *Tensor) SeqLen() int {
	r, _ := t.items[0].Dims()
	return r
}

// Dim is the feature dimension.
func (t *Tensor) Dim() int {
	_, c := t.items[0].Dims()
	return c
}

// Shape returns [batch, sequence, feature].
func (t *Tensor) Shape() [3]int {
	return [3]int{t.Batch(), t.SeqLen(), t.Dim()}
}

// At returns one element.
func (t *Tensor) At(b, s, d int) float64 {
	return t.items[b].At(s, d)
}

// Item returns a read-only view of one batch item.
func (t *Tensor) Item(b int) mat.Matrix {
	return t.items[b]
}

// Values copies the tensor into nested slices.
func (t *Tensor) Values() [][][]float64 {
	out := make([][][]float64, len(t.items))
	for b, m := range t.items {
		r, _ := m.Dims()
		out[b] = make([][]float64, r)
		for s := 0; s < r; s++ {
			out[b][s] = mat.Row(nil, s, m)
		}
	}
	return out
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}
	c := &Tensor{items: make([]*mat.Dense, len(t.items))}
	for i, m := range t.items {
		c.items[i] = mat.DenseCopyOf(m)
	}
	return c
}

// Equal reports whether a and b have the same shape and values.
func Equal(a, b *Tensor) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Batch() != b.Batch() {
		return false
	}
	for i := range a.items {
		if !mat.Equal(a.items[i], b.items[i]) {
			return false
		}
	}
	return true
}

// Scale returns t multiplied by f.
func (t *Tensor) Scale(f float64) *Tensor {
	c := &Tensor{items: make([]*mat.Dense, len(t.items))}
	for i, m := range t.items {
		var d mat.Dense
		d.Scale(f, m)
		c.items[i] = &d
	}
	return c
}

// Half rounds every value through IEEE half precision.
func (t *Tensor) Half() *Tensor {
	c := t.Clone()
	for _, m := range c.items {
		m.Apply(func(_, _ int, v float64) float64 {
			return float64(float16.Fromfloat32(float32(v)).Float32())
		}, m)
	}
	return c
}

// ConcatBatch stacks tensors along the batch dimension.
func ConcatBatch(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("tensor: nothing to concatenate")
	}
	out := &Tensor{}
	seq, dim := ts[0].SeqLen(), ts[0].Dim()
	for i, t := range ts {
		if t.SeqLen() != seq || t.Dim() != dim {
			return nil, fmt.Errorf("tensor: batch concat item %d shape %v, want [*, %d, %d]", i, t.Shape(), seq, dim)
		}
		for _, m := range t.items {
			out.items = append(out.items, mat.DenseCopyOf(m))
		}
	}
	return out, nil
}

// ConcatSeq joins tensors along the sequence dimension.
func ConcatSeq(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("tensor: nothing to concatenate")
	}
	batch, dim := ts[0].Batch(), ts[0].Dim()
	for i, t := range ts {
		if t.Batch() != batch || t.Dim() != dim {
			return nil, fmt.Errorf("tensor: sequence concat item %d shape %v, want [%d, *, %d]", i, t.Shape(), batch, dim)
		}
	}
	out := &Tensor{items: make([]*mat.Dense, batch)}
	for b := 0; b < batch; b++ {
		acc := mat.DenseCopyOf(ts[0].items[b])
		for _, t := range ts[1:] {
			var next mat.Dense
			next.Stack(acc, t.items[b])
			acc = &next
		}
		out.items[b] = acc
	}
	return out, nil
}

// ConcatFeature joins tensors along the feature dimension. All inputs must
// share batch and sequence sizes; see PadToSameLength.
func ConcatFeature(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("tensor: nothing to concatenate")
	}
	batch, seq := ts[0].Batch(), ts[0].SeqLen()
	for i, t := range ts {
		if t.Batch() != batch || t.SeqLen() != seq {
			return nil, fmt.Errorf("tensor: feature concat item %d shape %v, want [%d, %d, *]", i, t.Shape(), batch, seq)
		}
	}
	out := &Tensor{items: make([]*mat.Dense, batch)}
	for b := 0; b < batch; b++ {
		acc := mat.DenseCopyOf(ts[0].items[b])
		for _, t := range ts[1:] {
			var next mat.Dense
			next.Augment(acc, t.items[b])
			acc = &next
		}
		out.items[b] = acc
	}
	return out, nil
}

// PadSeq right-pads t to target sequence rows. Pad rows repeat the rows of
// filler cyclically, truncated to fill the gap exactly. A nil filler pads
// with zeros. filler must have batch 1 or the batch of t.
func PadSeq(t *Tensor, target int, filler *Tensor) (*Tensor, error) {
	gap := target - t.SeqLen()
	if gap <= 0 {
		return t, nil
	}
	if filler != nil {
		if filler.Dim() != t.Dim() {
			return nil, fmt.Errorf("tensor: filler dim %d, want %d", filler.Dim(), t.Dim())
		}
		if filler.Batch() != 1 && filler.Batch() != t.Batch() {
			return nil, fmt.Errorf("tensor: filler batch %d, want 1 or %d", filler.Batch(), t.Batch())
		}
	}
	out := &Tensor{items: make([]*mat.Dense, t.Batch())}
	for b, m := range t.items {
		pad := mat.NewDense(gap, t.Dim(), nil)
		if filler != nil {
			src := filler.items[0]
			if filler.Batch() > 1 {
				src = filler.items[b]
			}
			rows, _ := src.Dims()
			for r := 0; r < gap; r++ {
				pad.SetRow(r, mat.Row(nil, r%rows, src))
			}
		}
		var next mat.Dense
		next.Stack(m, pad)
		out.items[b] = &next
	}
	return out, nil
}

// PadToSameLength pads every tensor to the longest sequence among them.
func PadToSameLength(ts []*Tensor, filler *Tensor) ([]*Tensor, error) {
	longest := 0
	for _, t := range ts {
		if t.SeqLen() > longest {
			longest = t.SeqLen()
		}
	}
	out := make([]*Tensor, len(ts))
	for i, t := range ts {
		padded, err := PadSeq(t, longest, filler)
		if err != nil {
			return nil, err
		}
		out[i] = padded
	}
	return out, nil
}
