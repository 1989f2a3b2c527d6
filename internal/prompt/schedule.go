package prompt

import (
	"math"
	"strconv"
	"strings"
)

// Schedule holds the resolved prompt text for a generation. A constant
// schedule has exactly one entry; a per-step schedule has one entry per
// step.
type Schedule struct {
	Texts   []string `json:"texts"`
	PerStep bool     `json:"per_step"`
}

// Constant returns a schedule that resolves to text on every step.
func Constant(text string) Schedule {
	return Schedule{Texts: []string{text}}
}

// At returns the text active at step. Steps past the end resolve to the
// last entry.
func (s Schedule) At(step int) string {
	if len(s.Texts) == 0 {
		return ""
	}
	if step < 0 {
		step = 0
	}
	if step >= len(s.Texts) {
		step = len(s.Texts) - 1
	}
	return s.Texts[step]
}

// Len is the number of distinct step slots.
func (s Schedule) Len() int {
	return len(s.Texts)
}

// CompileSchedule expands schedule markup for steps diffusion steps.
//
//	[before:after:when]  before while step < when, then after
//	[after:when]         empty until when
//	[before::when]       removed at when
//	[a|b|c]              cycles on every step
//
// when < 1 is a fraction of steps, otherwise an absolute step. The result
// collapses to a constant schedule when every step resolves to the same
// text.
func CompileSchedule(text string, steps int) Schedule {
	if steps < 1 {
		steps = 1
	}
	sp := &scheduleParser{src: text}
	root := sp.parseSeq("")
	if !root.dynamic() {
		return Constant(text)
	}
	table := make([]string, steps)
	var sb strings.Builder
	for step := 0; step < steps; step++ {
		sb.Reset()
		root.resolve(&sb, step, steps)
		table[step] = sb.String()
	}
	for _, t := range table[1:] {
		if t != table[0] {
			return Schedule{Texts: table, PerStep: true}
		}
	}
	return Constant(table[0])
}

type node interface {
	resolve(sb *strings.Builder, step, steps int)
	dynamic() bool
}

type literalNode string

func (n literalNode) resolve(sb *strings.Builder, _, _ int) { sb.WriteString(string(n)) }
func (n literalNode) dynamic() bool                         { return false }

type seqNode []node

func (n seqNode) resolve(sb *strings.Builder, step, steps int) {
	for _, c := range n {
		c.resolve(sb, step, steps)
	}
}

func (n seqNode) dynamic() bool {
	for _, c := range n {
		if c.dynamic() {
			return true
		}
	}
	return false
}

// groupNode keeps emphasis brackets verbatim around a resolved body.
type groupNode struct {
	open, close string
	body        node
}

func (n groupNode) resolve(sb *strings.Builder, step, steps int) {
	sb.WriteString(n.open)
	n.body.resolve(sb, step, steps)
	sb.WriteString(n.close)
}

func (n groupNode) dynamic() bool { return n.body.dynamic() }

type scheduledNode struct {
	before, after node
	when          float64
}

func (n scheduledNode) boundary(steps int) int {
	if n.when < 1 {
		return int(n.when * float64(steps))
	}
	return int(n.when)
}

func (n scheduledNode) resolve(sb *strings.Builder, step, steps int) {
	if step < n.boundary(steps) {
		n.before.resolve(sb, step, steps)
		return
	}
	n.after.resolve(sb, step, steps)
}

func (n scheduledNode) dynamic() bool { return true }

type alternateNode []node

func (n alternateNode) resolve(sb *strings.Builder, step, steps int) {
	n[step%len(n)].resolve(sb, step, steps)
}

func (n alternateNode) dynamic() bool { return true }

// parsed is a bracket or paren group parsed once, with the position after it.
type parsed struct {
	n   node
	end int
}

// scheduleParser remembers every group by its start offset. A '[' may be
// tried as a schedule, an alternation and a plain group, and without the
// memo each attempt would parse the nested groups again.
type scheduleParser struct {
	src    string
	pos    int
	groups map[int]parsed
}

func (p *scheduleParser) memo(parse func() node) node {
	start := p.pos
	if g, ok := p.groups[start]; ok {
		p.pos = g.end
		return g.n
	}
	n := parse()
	if p.groups == nil {
		p.groups = make(map[int]parsed)
	}
	p.groups[start] = parsed{n: n, end: p.pos}
	return n
}

func (p *scheduleParser) eof() bool { return p.pos >= len(p.src) }

func (p *scheduleParser) peek() byte { return p.src[p.pos] }

// parseSeq reads until EOF or an unconsumed byte from stops.
func (p *scheduleParser) parseSeq(stops string) seqNode {
	var out seqNode
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			out = append(out, literalNode(lit.String()))
			lit.Reset()
		}
	}
	for !p.eof() {
		c := p.peek()
		if strings.IndexByte(stops, c) >= 0 {
			break
		}
		switch c {
		case '\\':
			end := p.pos + 2
			if end > len(p.src) {
				end = len(p.src)
			}
			lit.WriteString(p.src[p.pos:end])
			p.pos = end
		case '(':
			flush()
			out = append(out, p.memo(p.parseParen))
		case '[':
			flush()
			out = append(out, p.memo(p.parseBracket))
		default:
			lit.WriteByte(c)
			p.pos++
		}
	}
	flush()
	return out
}

func (p *scheduleParser) parseParen() node {
	p.pos++
	body := p.parseSeq(")")
	closer := ""
	if !p.eof() {
		closer = ")"
		p.pos++
	}
	return groupNode{open: "(", close: closer, body: body}
}

func (p *scheduleParser) parseBracket() node {
	start := p.pos
	p.pos++
	first := p.parseSeq(":|]")
	if n, ok := p.tryScheduled(first); ok {
		return n
	}
	p.pos = start + 1
	first = p.parseSeq(":|]")
	if n, ok := p.tryAlternate(first); ok {
		return n
	}
	// plain emphasis; ':' and '|' are literal inside it
	p.pos = start + 1
	body := p.parseSeq("]")
	closer := ""
	if !p.eof() {
		closer = "]"
		p.pos++
	}
	return groupNode{open: "[", close: closer, body: body}
}

func (p *scheduleParser) tryScheduled(first seqNode) (node, bool) {
	if p.eof() || p.peek() != ':' {
		return nil, false
	}
	p.pos++
	secondStart := p.pos
	second := p.parseSeq(":|]")
	if p.eof() {
		return nil, false
	}
	switch p.peek() {
	case ']':
		when, ok := parseWhen(p.src[secondStart:p.pos])
		if !ok {
			return nil, false
		}
		p.pos++
		return scheduledNode{before: seqNode(nil), after: first, when: when}, true
	case ':':
		p.pos++
		end := strings.IndexByte(p.src[p.pos:], ']')
		if end < 0 {
			return nil, false
		}
		when, ok := parseWhen(p.src[p.pos : p.pos+end])
		if !ok {
			return nil, false
		}
		p.pos += end + 1
		return scheduledNode{before: first, after: second, when: when}, true
	}
	return nil, false
}

func (p *scheduleParser) tryAlternate(first seqNode) (node, bool) {
	if p.eof() || p.peek() != '|' {
		return nil, false
	}
	options := alternateNode{first}
	for !p.eof() && p.peek() == '|' {
		p.pos++
		options = append(options, p.parseSeq(":|]"))
	}
	if p.eof() || p.peek() != ']' {
		return nil, false
	}
	p.pos++
	return options, true
}

func parseWhen(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
