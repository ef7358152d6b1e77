package term

import (
	"regexp"
	"strings"
)

// StripANSI removes ANSI escape sequences from text, keeping printable
// content only.
func StripANSI(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		if runes[i] != '\x1b' {
			b.WriteRune(runes[i])
			continue
		}
		if i+1 < len(runes) && runes[i+1] == '[' {
			i++ // consume '['
			for i+1 < len(runes) {
				i++
				c := runes[i]
				if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
					break
				}
			}
		}
	}
	return b.String()
}

// TrimTrailingWhitespace trims trailing spaces from each line while
// preserving line structure.
func TrimTrailingWhitespace(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

// CleanOutput trims trailing whitespace per line and drops blank lines at
// the end of the text. This is what tool callers usually want: the screen
// content without the empty rows below the cursor.
func CleanOutput(text string) string {
	trimmed := TrimTrailingWhitespace(text)
	lines := strings.Split(trimmed, "\n")
	end := len(lines)
	for end > 0 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return strings.Join(lines[:end], "\n")
}

// Common shell prompt patterns recognized by the default PromptDetector.
var defaultPromptPatterns = []string{
	`^\s*[\$#>]\s*$`,                    // bare $ # > prompts
	`^\s*\w+@[\w.-]+[:\s].*[\$#>]\s*$`,  // user@host:path$ style
	`^\s*\(.*\)\s*[\$#>]\s*$`,           // (venv) $ style
	`^\s*\[.*\]\s*[\$#>]\s*$`,           // [user@host path]$ style
	`^\s*➜\s*`,                          // oh-my-zsh arrow
	`^\s*❯\s*`,                          // pure prompt
	`^\s*λ\s*`,                          // lambda style
}

// PromptDetector recognizes shell prompt lines, letting callers poll screen
// content until a command appears to have completed.
type PromptDetector struct {
	patterns []*regexp.Regexp
}

// NewPromptDetector returns a detector loaded with the default prompt
// patterns.
func NewPromptDetector() *PromptDetector {
	d := &PromptDetector{}
	for _, p := range defaultPromptPatterns {
		if re, err := regexp.Compile(p); err == nil {
			d.patterns = append(d.patterns, re)
		}
	}
	return d
}

// AddPattern registers an additional prompt pattern.
func (d *PromptDetector) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	d.patterns = append(d.patterns, re)
	return nil
}

// IsPrompt reports whether a single line looks like a shell prompt.
func (d *PromptDetector) IsPrompt(line string) bool {
	for _, re := range d.patterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// EndsWithPrompt reports whether the last line of output looks like a
// shell prompt.
func (d *PromptDetector) EndsWithPrompt(output string) bool {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	if len(lines) == 0 {
		return false
	}
	return d.IsPrompt(lines[len(lines)-1])
}
