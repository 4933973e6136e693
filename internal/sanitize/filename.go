// Package sanitize canonicalizes client-supplied filenames. Filenames are
// purely advisory: they never influence storage keys, only display names
// and Content-Disposition headers.
package sanitize

import (
	"net/url"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const maxFilenameBytes = 255

// Filename canonicalizes a display filename: NFKC normalization, control
// character and path separator removal, whitespace collapsing, and a
// 255-byte cap. Returns "file" when nothing printable remains.
func Filename(name string) string {
	name = norm.NFKC.String(name)

	var b strings.Builder
	b.Grow(len(name))
	lastSpace := false
	for _, r := range name {
		switch {
		case r == '/' || r == '\\':
			// Path separators become dashes so "a/b.png" stays readable.
			b.WriteByte('-')
			lastSpace = false
		case r == '\r' || r == '\n' || unicode.IsControl(r):
			// dropped
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteByte(' ')
			}
			lastSpace = true
		default:
			b.WriteRune(r)
			lastSpace = false
		}
	}

	out := strings.TrimSpace(b.String())
	out = strings.Trim(out, ".")
	if out == "" {
		return "file"
	}
	return truncateUTF8(out, maxFilenameBytes)
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// ASCIIFallback returns the ASCII-safe form of a filename for the plain
// Content-Disposition filename parameter. Non-ASCII runes and quotes
// become underscores.
func ASCIIFallback(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			b.WriteByte('_')
		} else {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "file"
	}
	return b.String()
}

// ContentDisposition builds an attachment Content-Disposition header value
// carrying both the ASCII fallback and the RFC 5987 UTF-8 form.
func ContentDisposition(name string) string {
	ascii := ASCIIFallback(name)
	encoded := url.PathEscape(name)
	return `attachment; filename="` + ascii + `"; filename*=UTF-8''` + encoded
}
