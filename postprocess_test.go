package pix2s

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPostprocessLatex(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"spaced rules gain a second space", `\midrule a \hline b`, `\midrule  a \hline  b`},
		{"glued rules", `\midrule\hline`, `\midrule \hline `},
		{"no rules", `\begin{tabular}{cc} a & b \\ \end{tabular}`, `\begin{tabular}{cc} a & b \\ \end{tabular}`},
		{"empty", "", ""},
		{"rule at the end", `a \\ \hline`, `a \\ \hline `},
		{"repeated rules", `\hline\hline`, `\hline \hline `},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, PostprocessLatex(tt.input))
		})
	}
}

func TestNormalizeLatex(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"already spaced", `\midrule a \hline b`, `\midrule a \hline b`},
		{"glued rules", `\midrule\hline`, `\midrule \hline `},
		{"glued to a cell", `\toprule A & B \\ \midrule1 & 2 \\ \hline`, `\toprule A & B \\ \midrule 1 & 2 \\ \hline `},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			normalized := NormalizeLatex(tt.input)
			assert.Equal(t, tt.expected, normalized)
			assert.Equal(t, normalized, NormalizeLatex(normalized))
		})
	}
}

func TestPostprocessLeavesNoGluedRules(t *testing.T) {
	inputs := []string{
		`\midrule\hline\midrule`,
		`\hlinex\midrulex`,
		`a\midrule b\hline`,
		`\midrule\midrule\hline\hline`,
	}
	for _, input := range inputs {
		for _, process := range []func(string) string{PostprocessLatex, NormalizeLatex} {
			assertNoGluedRule(t, process(input))
		}
	}
}

func assertNoGluedRule(t *testing.T, output string) {
	t.Helper()
	for _, command := range latexSpacedCommands {
		rest := output
		for {
			i := strings.Index(rest, command)
			if i < 0 {
				break
			}
			end := i + len(command)
			if end < len(rest) {
				assert.Equal(t, byte(' '), rest[end], "%s glued in %q", command, output)
			}
			rest = rest[end:]
		}
	}
}

func TestSupportedOutputFormats(t *testing.T) {
	formats := SupportedOutputFormats()
	assert.Equal(t, []string{"latex"}, formats)
	formats[0] = "html"
	assert.Equal(t, []string{"latex"}, SupportedOutputFormats())
}
