package prompt

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCompileScheduleConstant(t *testing.T) {
	for _, text := range []string{
		"",
		"a photo of a cat",
		"a (cat:1.2) [dog] BREAK tree",
		"[unbalanced",
		"[a:b]",
		"[a:b:notanumber]",
	} {
		for _, steps := range []int{0, 1, 7, 30} {
			s := CompileSchedule(text, steps)
			require.False(t, s.PerStep, "text=%q steps=%d", text, steps)
			require.Equal(t, []string{text}, s.Texts)
		}
	}
}

func TestCompileScheduleFraction(t *testing.T) {
	s := CompileSchedule("a photo of [cat:dog:0.5]", 10)
	require.True(t, s.PerStep)
	require.Len(t, s.Texts, 10)
	for i := 0; i < 5; i++ {
		require.Equal(t, "a photo of cat", s.At(i))
	}
	for i := 5; i < 10; i++ {
		require.Equal(t, "a photo of dog", s.At(i))
	}
}

func TestCompileScheduleAbsoluteStep(t *testing.T) {
	s := CompileSchedule("[a:b:3]", 5)
	require.Equal(t, []string{"a", "a", "a", "b", "b"}, s.Texts)
}

func TestCompileScheduleShortForms(t *testing.T) {
	s := CompileSchedule("x [y:2]", 4)
	require.Equal(t, []string{"x ", "x ", "x y", "x y"}, s.Texts)

	s = CompileSchedule("x [y::2]", 4)
	require.Equal(t, []string{"x y", "x y", "x ", "x "}, s.Texts)
}

func TestCompileScheduleAlternate(t *testing.T) {
	s := CompileSchedule("[cat|dog] photo", 4)
	require.True(t, s.PerStep)
	require.Equal(t, []string{"cat photo", "dog photo", "cat photo", "dog photo"}, s.Texts)
}

func TestCompileScheduleNestedAndIndependent(t *testing.T) {
	s := CompileSchedule("[a:[b:c:0.8]:0.2] and [x:y:0.5]", 10)
	require.True(t, s.PerStep)
	require.Equal(t, "a and x", s.At(0))
	require.Equal(t, "b and x", s.At(2))
	require.Equal(t, "b and y", s.At(5))
	require.Equal(t, "c and y", s.At(9))
}

func TestCompileSchedulePreservesEmphasis(t *testing.T) {
	s := CompileSchedule("((red) [cat:dog:0.5]:1.2) [blurry]", 2)
	require.Equal(t, []string{"((red) cat:1.2) [blurry]", "((red) dog:1.2) [blurry]"}, s.Texts)
	spec := ParseAttention(s.At(1))
	require.Equal(t, " dog", spec[1].Text)
	require.InDelta(t, 1.2, spec[1].Weight, 1e-9)
}

func TestCompileScheduleCollapses(t *testing.T) {
	// boundary beyond the last step: every step resolves to before
	s := CompileSchedule("[a:b:50]", 10)
	require.False(t, s.PerStep)
	require.Equal(t, []string{"a"}, s.Texts)

	s = CompileSchedule("[a:b:0]", 10)
	require.False(t, s.PerStep)
	require.Equal(t, []string{"b"}, s.Texts)

	s = CompileSchedule("[cat|dog]", 1)
	require.False(t, s.PerStep)
	require.Equal(t, "cat", s.At(0))
}

func TestScheduleAt(t *testing.T) {
	s := CompileSchedule("[a:b:0.5]", 4)
	require.Equal(t, "a", s.At(-1))
	require.Equal(t, "b", s.At(100))
	require.Equal(t, 4, s.Len())
	require.Equal(t, "", Schedule{}.At(0))
}

func TestSplitEncoderPrompts(t *testing.T) {
	require.Equal(t, []string{"cat", "cat", "cat", "cat"}, SplitEncoderPrompts(" cat "))
	require.Equal(t, []string{"cat", "dog", "cat", "cat"}, SplitEncoderPrompts("cat TE2: dog"))
	require.Equal(t, []string{"cat", "dog", "bird", "fish"}, SplitEncoderPrompts("cat TE2: dog TE3: bird TE4: fish"))
	require.Equal(t, []string{"cat", "cat", "bird", "cat"}, SplitEncoderPrompts("cat TE3:bird"))
	require.Equal(t, []string{"cat", " ", "cat", "cat"}, SplitEncoderPrompts("cat TE2:"))
	require.Equal(t, []string{"", " ", " ", " "}, SplitEncoderPrompts(""))

	got := SplitEncoderPrompts("TE4: late TE2: early")
	require.Equal(t, "", got[0])
	require.Equal(t, "early", got[1])
	require.Equal(t, "late", got[3])
	require.False(t, strings.Contains(got[1], "TE"))
}

func TestCompileScheduleDeepNesting(t *testing.T) {
	inputs := map[string]string{
		"closed":      strings.Repeat("[", 60) + "x" + strings.Repeat("]", 60),
		"unclosed":    strings.Repeat("[", 60) + "x",
		"parens":      strings.Repeat("([", 40) + "x",
		"separators":  strings.Repeat("[a:", 40) + "x",
		"alternation": strings.Repeat("[a|", 40) + "x",
	}
	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			done := make(chan Schedule, 1)
			go func() { done <- CompileSchedule(in, 20) }()
			select {
			case s := <-done:
				require.False(t, s.PerStep)
				require.Equal(t, in, s.At(0))
			case <-time.After(2 * time.Second):
				t.Fatalf("compile of %d bytes did not finish", len(in))
			}
		})
	}

	// nested schedules still resolve once parsed
	in := strings.Repeat("[", 40) + "a:b:0.5" + strings.Repeat("]", 40)
	s := CompileSchedule(in, 4)
	require.True(t, s.PerStep)
	require.Equal(t, strings.Repeat("[", 39)+"a"+strings.Repeat("]", 39), s.At(0))
	require.Equal(t, strings.Repeat("[", 39)+"b"+strings.Repeat("]", 39), s.At(3))
}
