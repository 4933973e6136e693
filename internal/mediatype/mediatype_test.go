package mediatype

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFamilyOf(t *testing.T) {
	tests := []struct {
		mime string
		want Family
	}{
		{"image/png", FamilyImage},
		{"image/svg+xml", FamilyImage},
		{"video/mp4", FamilyVideo},
		{"audio/mpeg", FamilyAudio},
		{"application/pdf", FamilyDocument},
		{"text/plain", FamilyDocument},
		{"", FamilyDocument},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FamilyOf(tt.mime), tt.mime)
	}
}

func TestIsImage(t *testing.T) {
	assert.True(t, IsImage("image/png"))
	assert.True(t, IsImage("image/webp"))
	assert.False(t, IsImage("image/svg+xml")) // vector, never re-encoded
	assert.False(t, IsImage("video/mp4"))
	assert.False(t, IsImage(""))
}

func TestExtension(t *testing.T) {
	assert.Equal(t, ".jpg", Extension("image/jpeg"))
	assert.Equal(t, ".webp", Extension("image/webp"))
	assert.Equal(t, ".svg", Extension("image/svg+xml"))
	assert.Equal(t, "", Extension("application/pdf"))
	assert.Equal(t, "", Extension("text/plain"))
}

func TestDenyLists(t *testing.T) {
	assert.True(t, IsExecutable("application/x-msdownload"))
	assert.True(t, IsExecutable("APPLICATION/X-MSDOWNLOAD"))
	assert.True(t, IsExecutable("application/x-sh; charset=utf-8"))
	assert.False(t, IsExecutable("image/png"))

	assert.True(t, IsArchive("application/zip"))
	assert.True(t, IsArchive("application/x-7z-compressed"))
	assert.False(t, IsArchive("application/pdf"))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "image/png", Normalize(" Image/PNG ; q=1"))
}

func TestSniff(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}
	assert.Equal(t, "image/png", Sniff(png))

	assert.Equal(t, "text/plain; charset=utf-8", Sniff([]byte("hello\n")))
}
