package session

import (
	"strings"
	"sync"

	"github.com/tuzig/vt10x"
)

// screenTracker maintains a virtual terminal fed with pty output. Full-screen
// TUIs redraw in place, so the raw byte tail is useless for menu extraction;
// the rendered screen is what the user actually sees.
type screenTracker struct {
	mu   sync.Mutex
	term vt10x.Terminal
	cols int
	rows int
}

func newScreenTracker(cols, rows int) *screenTracker {
	if cols <= 0 {
		cols = 120
	}
	if rows <= 0 {
		rows = 40
	}
	return &screenTracker{
		term: vt10x.New(vt10x.WithSize(cols, rows)),
		cols: cols,
		rows: rows,
	}
}

func (t *screenTracker) Write(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = t.term.Write(data)
}

func (t *screenTracker) Resize(cols, rows int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.term.Resize(cols, rows)
	t.cols = cols
	t.rows = rows
}

// Visible renders the current screen contents as trimmed lines, top to
// bottom, with trailing blank lines dropped.
func (t *screenTracker) Visible() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	lines := make([]string, 0, t.rows)
	for row := 0; row < t.rows; row++ {
		var sb strings.Builder
		for col := 0; col < t.cols; col++ {
			g := t.term.Cell(col, row)
			if g.Char == 0 {
				sb.WriteRune(' ')
			} else {
				sb.WriteRune(g.Char)
			}
		}
		lines = append(lines, strings.TrimRight(sb.String(), " "))
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return []byte(strings.Join(lines, "\n"))
}
