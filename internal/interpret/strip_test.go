package interpret

import (
	"testing"
)

func TestStripControls(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "plain ascii unchanged",
			input:    "hello world\r\n",
			expected: "hello world\r\n",
		},
		{
			name:     "csi color codes removed",
			input:    "\x1b[31mred\x1b[0m text",
			expected: "red text",
		},
		{
			name:     "csi cursor movement removed",
			input:    "line\x1b[2K\x1b[1Gredrawn",
			expected: "lineredrawn",
		},
		{
			name:     "eight bit csi removed",
			input:    "a\x9b31mb",
			expected: "ab",
		},
		{
			name:     "osc title bel removed",
			input:    "\x1b]0;window title\x07content",
			expected: "content",
		},
		{
			name:     "osc title st removed",
			input:    "\x1b]8;;http://x\x1b\\link",
			expected: "link",
		},
		{
			name:     "dcs removed",
			input:    "\x1bPsome dcs payload\x1b\\after",
			expected: "after",
		},
		{
			name:     "two byte escape removed",
			input:    "\x1b(Btext",
			expected: "text",
		},
		{
			name:     "backspace preserved for collapse stage",
			input:    "ab\bc",
			expected: "ab\bc",
		},
		{
			name:     "other c0 controls dropped",
			input:    "a\x00b\x01c",
			expected: "abc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(StripControls([]byte(tt.input)))
			if got != tt.expected {
				t.Errorf("StripControls(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestStripControls_Idempotent(t *testing.T) {
	inputs := []string{
		"\x1b[31mred\x1b[0m",
		"plain text",
		"\x1b]0;title\x07body\x1b[2J",
		"mixed \x9b1m and \x1bP payload \x1b\\ tail",
	}
	for _, input := range inputs {
		once := StripControls([]byte(input))
		twice := StripControls(once)
		if string(once) != string(twice) {
			t.Errorf("strip not idempotent for %q: %q != %q", input, once, twice)
		}
	}
}

func TestCollapseBackspaces(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"simple erase", "abc\bd", "abd"},
		{"del erases", "abc\x7fd", "abd"},
		{"multiple erases", "abcd\b\b\bx", "ax"},
		{"no erase across newline", "ab\n\bcd", "ab\ncd"},
		{"no erase across cr", "ab\r\bcd", "ab\rcd"},
		{"leading backspace ignored", "\babc", "abc"},
		{"utf8 rune erased whole", "aé\bb", "ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(CollapseBackspaces([]byte(tt.input)))
			if got != tt.expected {
				t.Errorf("CollapseBackspaces(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestLastLine(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		ok       bool
	}{
		{"last line wins", "first\nsecond\nthird", "third", true},
		{"cr is line boundary", "old line\rnew line", "new line", true},
		{"skips empty tail", "content\n\n\n", "content", true},
		{"skips separator noise", "real text\n────────\n", "real text", true},
		{"nothing presentable", "───\n***\n", "", false},
		{"ansi stripped", "\x1b[32m• Working (5s)\x1b[0m", "• Working (5s)", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := LastLine([]byte(tt.input))
			if ok != tt.ok {
				t.Fatalf("LastLine(%q) ok = %v, want %v", tt.input, ok, tt.ok)
			}
			if got != tt.expected {
				t.Errorf("LastLine(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestLastLine_Truncates(t *testing.T) {
	long := make([]byte, 0, 600)
	for i := 0; i < 300; i++ {
		long = append(long, 'a', 'b')
	}
	got, ok := LastLine(long)
	if !ok {
		t.Fatal("expected a preview line")
	}
	if len(got) != maxPreviewLen {
		t.Errorf("expected truncation to %d chars, got %d", maxPreviewLen, len(got))
	}
}
