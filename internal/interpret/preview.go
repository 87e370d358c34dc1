package interpret

import (
	"strings"
	"unicode"
)

// maxPreviewLen caps the extracted preview line.
const maxPreviewLen = 220

// LastLine extracts the last non-empty, de-noised line from a raw output
// tail. Carriage returns count as line boundaries because TUIs redraw lines
// with CR. Returns false when the tail holds no presentable text.
func LastLine(tail []byte) (string, bool) {
	lines := SplitLines(tail)
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if isNoiseLine(line) {
			continue
		}
		if len(line) > maxPreviewLen {
			line = truncateRunes(line, maxPreviewLen)
		}
		return line, true
	}
	return "", false
}

// SplitLines cleans the tail and splits on both LF and CR.
func SplitLines(tail []byte) []string {
	cleaned := string(Clean(tail))
	cleaned = strings.ReplaceAll(cleaned, "\r\n", "\n")
	cleaned = strings.ReplaceAll(cleaned, "\r", "\n")
	return strings.Split(cleaned, "\n")
}

// isNoiseLine reports whether a trimmed line carries no presentable text:
// empty lines, pure box-drawing/separator rows, spinner leftovers.
func isNoiseLine(line string) bool {
	if line == "" {
		return true
	}
	for _, r := range line {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
