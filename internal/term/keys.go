package term

import "strings"

// KeySequence converts a key name to the ANSI escape sequence a terminal
// would receive for that key. Names are case-insensitive and accept the
// "ctrl+x", "ctrl-x" and "c-x" spellings. Unknown names are returned as-is
// so plain characters can be sent through the same path.
func KeySequence(key string) string {
	k := strings.ToLower(key)
	switch k {
	case "enter", "return":
		return "\r"
	case "tab":
		return "\t"
	case "escape", "esc":
		return "\x1b"
	case "backspace":
		return "\x7f"
	case "delete", "del":
		return "\x1b[3~"
	case "space":
		return " "

	case "up", "arrowup":
		return "\x1b[A"
	case "down", "arrowdown":
		return "\x1b[B"
	case "right", "arrowright":
		return "\x1b[C"
	case "left", "arrowleft":
		return "\x1b[D"

	case "home":
		return "\x1b[H"
	case "end":
		return "\x1b[F"
	case "pageup", "pgup":
		return "\x1b[5~"
	case "pagedown", "pgdn":
		return "\x1b[6~"
	case "insert", "ins":
		return "\x1b[2~"

	case "f1":
		return "\x1bOP"
	case "f2":
		return "\x1bOQ"
	case "f3":
		return "\x1bOR"
	case "f4":
		return "\x1bOS"
	case "f5":
		return "\x1b[15~"
	case "f6":
		return "\x1b[17~"
	case "f7":
		return "\x1b[18~"
	case "f8":
		return "\x1b[19~"
	case "f9":
		return "\x1b[20~"
	case "f10":
		return "\x1b[21~"
	case "f11":
		return "\x1b[23~"
	case "f12":
		return "\x1b[24~"
	}

	// Ctrl combinations map onto the C0 control range: ctrl+a is 0x01
	// through ctrl+z at 0x1a, then ctrl+[ \ ] ^ _ continue to 0x1f.
	if rest, ok := ctrlSuffix(k); ok && len(rest) == 1 {
		c := rest[0]
		switch {
		case c >= 'a' && c <= 'z':
			return string([]byte{c - 'a' + 0x01})
		case c == '[':
			return "\x1b"
		case c == '\\':
			return "\x1c"
		case c == ']':
			return "\x1d"
		case c == '^':
			return "\x1e"
		case c == '_':
			return "\x1f"
		}
	}

	// Alt/Meta sends an escape prefix before the literal key.
	for _, prefix := range []string{"alt+", "alt-", "m-"} {
		if strings.HasPrefix(k, prefix) {
			return "\x1b" + strings.TrimPrefix(k, prefix)
		}
	}

	return key
}

func ctrlSuffix(k string) (string, bool) {
	for _, prefix := range []string{"ctrl+", "ctrl-", "c-"} {
		if strings.HasPrefix(k, prefix) {
			return strings.TrimPrefix(k, prefix), true
		}
	}
	return "", false
}
