package pix2s

import "strings"

// latexSpacedCommands are table rules the model tends to glue to the following token.
var latexSpacedCommands = []string{`\midrule`, `\hline`}

var supportedOutputFormats = []string{"latex"}

// SupportedOutputFormats lists the output formats Infer can produce.
func SupportedOutputFormats() []string {
	return append([]string(nil), supportedOutputFormats...)
}

// PostprocessLatex inserts a space after every \midrule and every \hline, in that order.
// A space is added even when one already follows, so the function is not idempotent.
func PostprocessLatex(code string) string {
	for _, command := range latexSpacedCommands {
		code = strings.ReplaceAll(code, command, command+" ")
	}
	return code
}

// NormalizeLatex is the idempotent variant of PostprocessLatex: a space is only inserted after
// occurrences that are not already followed by one.
func NormalizeLatex(code string) string {
	for _, command := range latexSpacedCommands {
		var b strings.Builder
		b.Grow(len(code))
		rest := code
		for {
			i := strings.Index(rest, command)
			if i < 0 {
				b.WriteString(rest)
				break
			}
			end := i + len(command)
			b.WriteString(rest[:end])
			if end == len(rest) || rest[end] != ' ' {
				b.WriteByte(' ')
			}
			rest = rest[end:]
		}
		code = b.String()
	}
	return code
}
