package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strings"

	"github.com/google/uuid"

	"github.com/bozonx/mediastore/internal/mediatype"
)

// Storage key prefixes. Keys under TempPrefix and OriginalsPrefix are
// reclaimable by the cleanup reconciler after a TTL.
const (
	TempPrefix      = "tmp/"
	OriginalsPrefix = "originals/"
	ThumbsPrefix    = "thumbs/"
)

// ChecksumPrefix is prepended to the lowercase hex SHA-256 digest in
// File.Checksum values.
const ChecksumPrefix = "sha256:"

// TempKey returns a fresh temporary ingest key: tmp/<uuid>.
func TempKey() string {
	return TempPrefix + uuid.New().String()
}

// OriginalKey returns a fresh pre-optimization key: originals/<uuid>.
func OriginalKey() string {
	return OriginalsPrefix + uuid.New().String()
}

// ContentKey derives the content-addressed key for a blob:
// <hex[0:2]>/<hex[2:4]>/<hex><ext>, with the extension taken from the
// MIME type (empty for non-image types).
func ContentKey(hexDigest, mimeType string) string {
	return hexDigest[0:2] + "/" + hexDigest[2:4] + "/" + hexDigest + mediatype.Extension(mimeType)
}

// ThumbKey returns the cache key for one thumbnail rendition:
// thumbs/<fileID>/<paramsHash>.<format>.
func ThumbKey(fileID, paramsHash, format string) string {
	return ThumbsPrefix + fileID + "/" + paramsHash + "." + format
}

// Checksum formats a SHA-256 digest as a File.Checksum value.
func Checksum(sum []byte) string {
	return ChecksumPrefix + hex.EncodeToString(sum)
}

// ChecksumHex extracts the hex digest from a File.Checksum value.
func ChecksumHex(checksum string) string {
	return strings.TrimPrefix(checksum, ChecksumPrefix)
}

// IsReclaimableKey reports whether the key lives under a prefix the
// reconciler may delete without a reference-count check.
func IsReclaimableKey(key string) bool {
	return strings.HasPrefix(key, TempPrefix) ||
		strings.HasPrefix(key, OriginalsPrefix) ||
		strings.HasPrefix(key, ThumbsPrefix)
}

// NewHasher returns the digest used for content addressing.
func NewHasher() hash.Hash {
	return sha256.New()
}
