package interpret

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// assistWindowLines bounds how far back menu extraction looks.
const assistWindowLines = 34

var (
	// "(Y) Label", "[Y] Label"
	bracketOptionPattern = regexp.MustCompile(`^\s*[\(\[]([A-Za-z0-9])[\)\]]\s+(.{1,80})$`)
	// "Y) Label", "1) Label", "1. Label"
	plainOptionPattern = regexp.MustCompile(`^\s*([A-Za-z0-9])[\).]\s+(.{1,80})$`)
	// Inline "(Y) Yes (N) No" style rows.
	inlineOptionPattern = regexp.MustCompile(`[\(\[]([A-Za-z0-9])[\)\]]\s*([A-Za-z][A-Za-z '\-]{0,30})`)
	// Bare y/n prompts.
	yesNoPattern = regexp.MustCompile(`(?i)\[?\(?y(es)?\s*/\s*n(o)?\)?\]?`)
	// "reply with CODE"
	replyCodePattern = regexp.MustCompile(`(?i)reply with\s+"?([A-Z0-9][A-Z0-9_\-]{1,31})"?`)

	navHintPatterns = []struct {
		pattern *regexp.Regexp
		id      string
		label   string
		keys    string
	}{
		{regexp.MustCompile(`(?i)shift\s*\+\s*tab`), "shift-tab", "Shift+Tab", "\x1b[Z"},
		{regexp.MustCompile(`(?i)\btab\b`), "tab", "Tab", "\t"},
		{regexp.MustCompile(`(?i)\benter\b`), "enter", "Enter", "\r"},
		{regexp.MustCompile(`(?i)\besc(ape)?\b`), "esc", "Esc", "\x1b"},
		{regexp.MustCompile(`(?i)arrow keys|[↑↓]|\bup/down\b`), "arrows", "Arrow keys", "\x1b[B"},
	}
)

// ExtractAssist heuristically pulls menu options, navigation hints and reply
// codes out of the recent output window. It returns nil when the window shows
// nothing actionable. The signature is stable for identical content so
// callers broadcast only on change.
func ExtractAssist(tail []byte) *Assist {
	all := SplitLines(tail)
	if len(all) > assistWindowLines {
		all = all[len(all)-assistWindowLines:]
	}

	var (
		options  []Option
		seen     = map[string]bool{}
		title    string
		bodyRows []string
	)

	addOption := func(opt Option) {
		if opt.ID == "" || seen[opt.ID] {
			return
		}
		seen[opt.ID] = true
		options = append(options, opt)
	}

	for _, raw := range all {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		bodyRows = append(bodyRows, line)

		if m := bracketOptionPattern.FindStringSubmatch(line); m != nil {
			key := strings.ToLower(m[1])
			addOption(Option{ID: key, Label: strings.TrimSpace(m[2]), SendKeys: key})
			continue
		}
		if m := plainOptionPattern.FindStringSubmatch(line); m != nil {
			key := strings.ToLower(m[1])
			addOption(Option{ID: key, Label: strings.TrimSpace(m[2]), SendKeys: key})
			continue
		}
		if ms := inlineOptionPattern.FindAllStringSubmatch(line, -1); len(ms) >= 2 {
			for _, m := range ms {
				key := strings.ToLower(m[1])
				addOption(Option{ID: key, Label: strings.TrimSpace(m[2]), SendKeys: key})
			}
			continue
		}
		if m := replyCodePattern.FindStringSubmatch(line); m != nil {
			code := m[1]
			addOption(Option{ID: "reply:" + code, Label: "Reply " + code, SendKeys: code + "\r"})
			continue
		}
		if yesNoPattern.MatchString(line) && !seen["y"] && !seen["n"] {
			addOption(Option{ID: "y", Label: "Yes", SendKeys: "y"})
			addOption(Option{ID: "n", Label: "No", SendKeys: "n"})
			continue
		}
		// A question-looking line above the options becomes the title.
		if len(options) == 0 && (strings.HasSuffix(line, "?") || strings.HasSuffix(line, ":")) {
			title = line
		}
	}

	if len(options) == 0 {
		return nil
	}

	// Navigation hints only matter alongside real options.
	window := strings.Join(bodyRows, "\n")
	for _, nav := range navHintPatterns {
		if nav.pattern.MatchString(window) && !seen[nav.id] {
			seen[nav.id] = true
			options = append(options, Option{ID: nav.id, Label: nav.label, SendKeys: nav.keys})
		}
	}

	if title == "" {
		title = "Choose an option"
	}
	body := window
	if len(body) > 2000 {
		body = body[len(body)-2000:]
	}

	return &Assist{
		Title:     title,
		Body:      body,
		Options:   options,
		Signature: assistSignature(title, body, options),
	}
}

func assistSignature(title, body string, options []Option) string {
	h := sha256.New()
	h.Write([]byte(title))
	h.Write([]byte{0})
	h.Write([]byte(body))
	for _, opt := range options {
		h.Write([]byte{0})
		h.Write([]byte(opt.ID))
		h.Write([]byte{0})
		h.Write([]byte(opt.Label))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
