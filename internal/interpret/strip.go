package interpret

import "unicode/utf8"

const (
	esc = 0x1b
	bel = 0x07
	del = 0x7f

	// 8-bit C1 control introducers.
	csi8 = 0x9b
	osc8 = 0x9d
	dcs8 = 0x90
	st8  = 0x9c
)

// StripControls removes terminal control sequences from raw output: CSI (7-
// and 8-bit), OSC (terminated by BEL or ST, 7- and 8-bit), DCS, and lone
// escape sequences. Text content, newlines, carriage returns, tabs and
// backspaces pass through. The function is idempotent and leaves plain ASCII
// untouched.
func StripControls(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); {
		b := data[i]
		switch {
		case b == esc:
			if i+1 >= len(data) {
				// Trailing bare ESC: drop it.
				i = len(data)
				continue
			}
			switch data[i+1] {
			case '[':
				i = skipCSI(data, i+2)
			case ']':
				i = skipOSC(data, i+2)
			case 'P':
				i = skipDCS(data, i+2)
			default:
				// Two-byte escape (charset selection, keypad modes, ...).
				i += 2
			}
		case b == csi8:
			i = skipCSI(data, i+1)
		case b == osc8:
			i = skipOSC(data, i+1)
		case b == dcs8:
			i = skipDCS(data, i+1)
		case b == '\n' || b == '\r' || b == '\t' || b == '\b' || b == del:
			out = append(out, b)
			i++
		case b < 0x20:
			// Remaining C0 controls carry no text.
			i++
		case b >= 0x80 && b <= 0x9f && !utf8.RuneStart(b):
			// Stray C1 byte that is not part of a UTF-8 sequence.
			i++
		default:
			out = append(out, b)
			i++
		}
	}
	return out
}

// skipCSI consumes CSI parameter and intermediate bytes up to and including
// the final byte in @..~.
func skipCSI(data []byte, i int) int {
	for i < len(data) {
		b := data[i]
		i++
		if b >= 0x40 && b <= 0x7e {
			return i
		}
	}
	return i
}

// skipOSC consumes up to and including BEL, 7-bit ST (ESC \) or 8-bit ST.
func skipOSC(data []byte, i int) int {
	for i < len(data) {
		b := data[i]
		if b == bel || b == st8 {
			return i + 1
		}
		if b == esc && i+1 < len(data) && data[i+1] == '\\' {
			return i + 2
		}
		i++
	}
	return i
}

// skipDCS consumes up to and including 7- or 8-bit ST.
func skipDCS(data []byte, i int) int {
	for i < len(data) {
		b := data[i]
		if b == st8 {
			return i + 1
		}
		if b == esc && i+1 < len(data) && data[i+1] == '\\' {
			return i + 2
		}
		i++
	}
	return i
}

// CollapseBackspaces applies \b and DEL as erase-previous-character, without
// erasing across line boundaries.
func CollapseBackspaces(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		if b == '\b' || b == del {
			if n := len(out); n > 0 {
				last := out[n-1]
				if last != '\n' && last != '\r' {
					// Erase the previous rune, not just the previous byte.
					_, size := utf8.DecodeLastRune(out)
					out = out[:n-size]
				}
			}
			continue
		}
		out = append(out, b)
	}
	return out
}

// Clean strips control sequences and collapses backspaces in one pass.
func Clean(data []byte) []byte {
	return CollapseBackspaces(StripControls(data))
}
