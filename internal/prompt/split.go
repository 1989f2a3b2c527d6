package prompt

import (
	"sort"
	"strings"
)

// MaxEncoderPrompts is the number of prompt slots, one per text encoder.
const MaxEncoderPrompts = 4

var encoderMarkers = [MaxEncoderPrompts]string{"", "TE2:", "TE3:", "TE4:"}

// SplitEncoderPrompts splits text at TE2:, TE3: and TE4: markers into one
// prompt per text encoder. The text before the first marker feeds the first
// encoder, and any slot without its own marker inherits it. Later slots
// left empty become a single space.
func SplitEncoderPrompts(text string) []string {
	type mark struct {
		slot, start, end int
	}
	var marks []mark
	for slot := 1; slot < MaxEncoderPrompts; slot++ {
		if idx := strings.Index(text, encoderMarkers[slot]); idx >= 0 {
			marks = append(marks, mark{slot: slot, start: idx, end: idx + len(encoderMarkers[slot])})
		}
	}
	sort.Slice(marks, func(i, j int) bool { return marks[i].start < marks[j].start })

	base := text
	if len(marks) > 0 {
		base = text[:marks[0].start]
	}
	base = strings.TrimSpace(base)

	out := make([]string, MaxEncoderPrompts)
	out[0] = base
	for i := 1; i < MaxEncoderPrompts; i++ {
		out[i] = orSpace(base)
	}
	for i, m := range marks {
		end := len(text)
		if i+1 < len(marks) {
			end = marks[i+1].start
		}
		out[m.slot] = orSpace(text[m.end:end])
	}
	return out
}

func orSpace(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return " "
	}
	return s
}
