// Package prompt turns free-form prompt text into weighted sections and
// per-step schedules.
package prompt

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// BreakWeight marks a structural BREAK section. It is never an emphasis
// multiplier.
const BreakWeight = -1.0

// DefaultEmphasis is the multiplier applied by one level of parentheses.
const DefaultEmphasis = 1.1

var (
	breakRegex  = regexp.MustCompile(`\s*\bBREAK\b`)
	weightRegex = regexp.MustCompile(`^:\s*([+-]?[.\d]+)\s*\)`)
)

// Section is one run of prompt text sharing a single weight.
type Section struct {
	Text   string  `json:"text"`
	Weight float64 `json:"weight"`
}

// IsBreak reports whether the section is a hard separator.
func (s Section) IsBreak() bool {
	return s.Weight == BreakWeight
}

// Spec is the ordered list of sections parsed from one prompt.
type Spec []Section

// Chunks splits the spec at BREAK sections. Empty chunks are dropped.
func (s Spec) Chunks() []Spec {
	var chunks []Spec
	var cur Spec
	for _, sec := range s {
		if sec.IsBreak() {
			if len(cur) > 0 {
				chunks = append(chunks, cur)
			}
			cur = nil
			continue
		}
		cur = append(cur, sec)
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}

// PlainText joins the text of every non-break section with single spaces.
func (s Spec) PlainText() string {
	parts := make([]string, 0, len(s))
	for _, sec := range s {
		if sec.IsBreak() {
			continue
		}
		if t := strings.TrimSpace(sec.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// ParserOptions controls emphasis parsing. The zero value uses the
// default emphasis without normalization.
type ParserOptions struct {
	Emphasis float64 `json:"emphasis"`
	MeanNorm bool    `json:"mean_norm"`
}

func (o ParserOptions) emphasis() float64 {
	if o.Emphasis <= 0 {
		return DefaultEmphasis
	}
	return o.Emphasis
}

// Tag identifies the parser settings. Embeddings computed under a
// different tag are not interchangeable.
func (o ParserOptions) Tag() string {
	return fmt.Sprintf("emphasis=%g,mean_norm=%t", o.emphasis(), o.MeanNorm)
}

type fragment struct {
	text   string
	weight float64
	pinned bool
	brk    bool
}

type attentionParser struct {
	emphasis float64
	res      []fragment
}

// ParseAttention parses emphasis markup with the default options.
func ParseAttention(text string) Spec {
	return ParserOptions{}.Parse(text)
}

// Parse parses emphasis markup. It never fails: malformed brackets
// degrade to plain text.
//
//	(text)      multiply by the emphasis factor
//	[text]      divide by the emphasis factor
//	(text:1.3)  explicit weight, not affected by enclosing brackets
//	\( \) \[ \] literal brackets
//	BREAK       hard section separator
func (o ParserOptions) Parse(text string) Spec {
	p := &attentionParser{emphasis: o.emphasis()}
	var round, square []int
	for i := 0; i < len(text); {
		switch c := text[i]; c {
		case '\\':
			if i+1 < len(text) && strings.IndexByte(`()[]\`, text[i+1]) >= 0 {
				p.appendText(text[i+1 : i+2])
				i += 2
				continue
			}
			p.appendText(`\`)
			i++
		case '(':
			round = append(round, len(p.res))
			i++
		case '[':
			square = append(square, len(p.res))
			i++
		case ':':
			m := weightRegex.FindStringSubmatch(text[i:])
			if m == nil {
				p.appendText(":")
				i++
				continue
			}
			w, err := strconv.ParseFloat(m[1], 64)
			if len(round) == 0 {
				p.appendText(m[0])
				i += len(m[0])
				continue
			}
			if err != nil || w <= 0 || math.IsInf(w, 0) {
				// keep the ')' so it still closes the group
				lit := m[0][:len(m[0])-1]
				p.appendText(lit)
				i += len(lit)
				continue
			}
			p.pinRange(round[len(round)-1], w)
			round = round[:len(round)-1]
			i += len(m[0])
		case ')':
			if len(round) > 0 {
				p.multiplyRange(round[len(round)-1], p.emphasis)
				round = round[:len(round)-1]
			}
			i++
		case ']':
			if len(square) > 0 {
				p.multiplyRange(square[len(square)-1], 1/p.emphasis)
				square = square[:len(square)-1]
			}
			i++
		default:
			end := i + 1
			for end < len(text) && strings.IndexByte(`\()[]:`, text[end]) < 0 {
				end++
			}
			p.appendText(text[i:end])
			i = end
		}
	}
	for _, pos := range round {
		p.multiplyRange(pos, p.emphasis)
	}
	for _, pos := range square {
		p.multiplyRange(pos, 1/p.emphasis)
	}
	spec := p.merge()
	if o.MeanNorm {
		spec = Normalize(spec)
	}
	return spec
}

func (p *attentionParser) appendText(text string) {
	last := 0
	for _, loc := range breakRegex.FindAllStringIndex(text, -1) {
		if loc[0] > last {
			p.res = append(p.res, fragment{text: text[last:loc[0]], weight: 1})
		}
		p.res = append(p.res, fragment{weight: BreakWeight, brk: true})
		last = loc[1]
	}
	if last < len(text) {
		p.res = append(p.res, fragment{text: text[last:], weight: 1})
	}
}

func (p *attentionParser) multiplyRange(start int, m float64) {
	for k := start; k < len(p.res); k++ {
		if p.res[k].brk || p.res[k].pinned {
			continue
		}
		p.res[k].weight *= m
	}
}

func (p *attentionParser) pinRange(start int, w float64) {
	for k := start; k < len(p.res); k++ {
		if p.res[k].brk || p.res[k].pinned {
			continue
		}
		p.res[k].weight *= w
		p.res[k].pinned = true
	}
}

func (p *attentionParser) merge() Spec {
	if len(p.res) == 0 {
		return Spec{{Text: "", Weight: 1}}
	}
	out := make(Spec, 0, len(p.res))
	for _, f := range p.res {
		if f.brk {
			out = append(out, Section{Text: "", Weight: BreakWeight})
			continue
		}
		if n := len(out); n > 0 && !out[n-1].IsBreak() && out[n-1].Weight == f.weight {
			out[n-1].Text += f.text
			continue
		}
		out = append(out, Section{Text: f.text, Weight: f.weight})
	}
	return out
}

// Normalize divides every weight by the word-weighted mean weight, rounded
// to two decimals. BREAK sections are left alone.
func Normalize(spec Spec) Spec {
	words := 0
	total := 0.0
	for _, sec := range spec {
		if sec.IsBreak() {
			continue
		}
		n := len(strings.Fields(sec.Text))
		words += n
		total += sec.Weight * float64(n)
	}
	avg := 1.0
	if words > 0 {
		avg = math.Round(100*total/float64(words)) / 100
	}
	if avg <= 0 {
		return spec
	}
	out := make(Spec, len(spec))
	for i, sec := range spec {
		out[i] = sec
		if !sec.IsBreak() {
			out[i].Weight = sec.Weight / avg
		}
	}
	return out
}
