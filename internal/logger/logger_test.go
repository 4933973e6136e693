package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "INFO", LevelInfo.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "ERROR", LevelError.String())
}

func TestTextOutput(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "DEBUG", "text", false)
	defer InitWithWriter(&bytes.Buffer{}, "INFO", "text", false)

	Info("file stored", KeyFileID, "abc", KeySize, 42)

	out := buf.String()
	assert.Contains(t, out, "[INFO]")
	assert.Contains(t, out, "file stored")
	assert.Contains(t, out, "file_id=abc")
	assert.Contains(t, out, "size=42")
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json", false)
	defer InitWithWriter(&bytes.Buffer{}, "INFO", "text", false)

	Warn("slow pass", KeyPass, "thumbnails")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "slow pass", record["msg"])
	assert.Equal(t, "thumbnails", record["pass"])
	assert.Equal(t, "WARN", record["level"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "WARN", "text", false)
	defer InitWithWriter(&bytes.Buffer{}, "INFO", "text", false)

	Debug("not seen")
	Info("not seen either")
	Warn("seen")

	out := buf.String()
	assert.NotContains(t, out, "not seen")
	assert.Contains(t, out, "seen")
}

func TestContextFields(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text", false)
	defer InitWithWriter(&bytes.Buffer{}, "INFO", "text", false)

	lc := NewLogContext("req-1", "10.1.2.3")
	ctx := WithContext(context.Background(), lc.WithOperation("upload").WithFileID("f-9"))

	InfoCtx(ctx, "record created")

	out := buf.String()
	assert.Contains(t, out, "request_id=req-1")
	assert.Contains(t, out, "operation=upload")
	assert.Contains(t, out, "file_id=f-9")
	assert.Contains(t, out, "client_ip=10.1.2.3")
}

func TestFromContextNil(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))
	assert.Nil(t, (*LogContext)(nil).Clone())
}

func TestSetLevelIgnoresInvalid(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text", false)
	defer InitWithWriter(&bytes.Buffer{}, "INFO", "text", false)

	SetLevel("bogus")
	Info("still info")
	assert.True(t, strings.Contains(buf.String(), "still info"))
}
