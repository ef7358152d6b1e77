package recording

import (
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxSlugLen = 40

// Slugify converts a free-form title into a filesystem-safe slug:
// diacritics removed, lowercased, non-alphanumerics collapsed to single
// hyphens.
func Slugify(title string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	normalized, _, err := transform.String(t, title)
	if err != nil {
		normalized = title
	}
	lower := strings.ToLower(normalized)

	var b strings.Builder
	lastHyphen := true // suppress leading hyphen
	for _, r := range lower {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSlugLen {
		slug = strings.Trim(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		slug = "session"
	}
	return slug
}

// DefaultFilename derives a transcript filename from the recording start
// time and title, e.g. "20260825-143052-build-logs.cast".
func DefaultFilename(start time.Time, title string) string {
	return start.Format("20060102-150405") + "-" + Slugify(title) + ".cast"
}

// SafeFilename reduces a client-supplied filename to a bare, safe base
// name ending in .cast. Path components are stripped so a recording can
// never land outside the recordings directory.
func SafeFilename(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "." || base == string(filepath.Separator) {
		base = ""
	}
	base = strings.TrimSuffix(base, ".cast")

	var b strings.Builder
	for _, r := range base {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	cleaned := strings.Trim(b.String(), "-.")
	if cleaned == "" {
		return ""
	}
	return cleaned + ".cast"
}
