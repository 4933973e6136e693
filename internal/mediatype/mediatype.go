// Package mediatype classifies MIME types for upload policy decisions:
// size-ceiling families, content-addressed key extensions, and the
// executable/archive deny lists.
package mediatype

import (
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Family groups MIME types for per-family upload size ceilings.
type Family string

const (
	FamilyImage    Family = "image"
	FamilyVideo    Family = "video"
	FamilyAudio    Family = "audio"
	FamilyDocument Family = "default"
)

// FamilyOf returns the size-ceiling family for a MIME type.
func FamilyOf(mimeType string) Family {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return FamilyImage
	case strings.HasPrefix(mimeType, "video/"):
		return FamilyVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return FamilyAudio
	default:
		return FamilyDocument
	}
}

// IsImage reports whether the MIME type is an image the optimization
// pipeline can process. SVG is vector and never re-encoded.
func IsImage(mimeType string) bool {
	if !strings.HasPrefix(mimeType, "image/") {
		return false
	}
	return mimeType != "image/svg+xml"
}

// extensions maps image MIME types to content-addressed key extensions.
// Other types get no extension.
var extensions = map[string]string{
	"image/jpeg":    ".jpg",
	"image/png":     ".png",
	"image/gif":     ".gif",
	"image/webp":    ".webp",
	"image/avif":    ".avif",
	"image/svg+xml": ".svg",
}

// Extension returns the key extension for a MIME type, or "" when the
// type has no canonical extension in the key layout.
func Extension(mimeType string) string {
	return extensions[mimeType]
}

// executableTypes are MIME types rejected when executable uploads are blocked.
var executableTypes = map[string]bool{
	"application/x-executable":                      true,
	"application/x-sharedlib":                       true,
	"application/x-mach-binary":                     true,
	"application/x-elf":                             true,
	"application/x-msdownload":                      true,
	"application/x-ms-dos-executable":               true,
	"application/vnd.microsoft.portable-executable": true,
	"application/x-sh":                              true,
	"application/x-bat":                             true,
	"text/x-shellscript":                            true,
}

// archiveTypes are MIME types rejected when archive uploads are blocked.
var archiveTypes = map[string]bool{
	"application/zip":              true,
	"application/x-tar":            true,
	"application/gzip":             true,
	"application/x-gzip":           true,
	"application/x-bzip2":          true,
	"application/x-xz":             true,
	"application/x-7z-compressed":  true,
	"application/x-rar-compressed": true,
	"application/vnd.rar":          true,
	"application/zstd":             true,
}

// IsExecutable reports whether the MIME type is on the executable deny list.
func IsExecutable(mimeType string) bool {
	return executableTypes[normalize(mimeType)]
}

// IsArchive reports whether the MIME type is on the archive deny list.
func IsArchive(mimeType string) bool {
	return archiveTypes[normalize(mimeType)]
}

// normalize strips parameters ("; charset=...") and lowercases the type.
func normalize(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// Normalize is the exported form of normalize.
func Normalize(mimeType string) string {
	return normalize(mimeType)
}

// Sniff detects the MIME type of the given leading bytes. It is used when
// the client declares application/octet-stream or nothing at all.
func Sniff(head []byte) string {
	return mimetype.Detect(head).String()
}
