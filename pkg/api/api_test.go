package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bozonx/mediastore/pkg/config"
	"github.com/bozonx/mediastore/pkg/imageproc"
	"github.com/bozonx/mediastore/pkg/metrics"
	"github.com/bozonx/mediastore/pkg/models"
	"github.com/bozonx/mediastore/pkg/service"
	"github.com/bozonx/mediastore/pkg/store/blob"
	"github.com/bozonx/mediastore/pkg/store/metadata"
	"github.com/bozonx/mediastore/pkg/urlfetch"
)

func pngPayload(filler string) []byte {
	sig := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	return append(sig, []byte(filler)...)
}

type apiEnv struct {
	router http.Handler
	db     *metadata.Store
	blobs  *blob.MemoryStore
}

func newAPIEnv(t *testing.T, mutate func(cfg *config.Config)) *apiEnv {
	t.Helper()

	proc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			_ = json.NewEncoder(w).Encode(imageproc.Health{Status: "ok"})
		case "/process":
			w.Header().Set("Content-Type", "image/webp")
			_, _ = w.Write([]byte("webp-bytes"))
		case "/exif":
			_, _ = w.Write([]byte(`{"exif":null}`))
		}
	}))
	t.Cleanup(proc.Close)

	cfg := config.GetDefaultConfig()
	cfg.ImageProcessing.BaseURL = proc.URL
	cfg.Compression.WaitTimeout = 3 * time.Second
	cfg.Compression.ForceEnabled = false
	cfg.Metrics.Enabled = true
	if mutate != nil {
		mutate(cfg)
	}

	db, err := metadata.New(&metadata.Config{
		Type:   metadata.DatabaseTypeSQLite,
		SQLite: metadata.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	blobs := blob.NewMemoryStore("api-test")
	m := metrics.New()
	svc := service.New(cfg, db, blobs, imageproc.New(cfg.ImageProcessing),
		urlfetch.New(urlfetch.Config{MaxRedirects: 3}), m)
	t.Cleanup(svc.Close)

	return &apiEnv{router: NewRouter(cfg, svc, m), db: db, blobs: blobs}
}

// multipartUpload builds a POST /api/v1/files request body.
func multipartUpload(t *testing.T, fields map[string]string, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for name, value := range fields {
		require.NoError(t, writer.WriteField(name, value))
	}
	if filename != "" {
		part, err := writer.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func (e *apiEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *apiEnv) uploadFile(t *testing.T, fields map[string]string, filename string, content []byte) models.FileResponse {
	t.Helper()
	body, contentType := multipartUpload(t, fields, filename, content)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/files", body)
	req.Header.Set("Content-Type", contentType)
	rec := e.do(req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var file models.FileResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &file))
	return file
}

func TestUploadAndDownload(t *testing.T) {
	env := newAPIEnv(t, nil)
	content := pngPayload("round-trip")

	file := env.uploadFile(t, map[string]string{
		"appId":    "app1",
		"metadata": `{"camera":"test"}`,
	}, "photo.png", content)

	assert.Equal(t, "photo.png", file.Filename)
	assert.Equal(t, "image/png", file.MimeType)
	assert.Equal(t, "app1", file.AppID)
	assert.Equal(t, "test", file.Metadata["camera"])
	require.NotNil(t, file.Checksum)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/files/"+file.ID+"/download", nil)
	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, content, rec.Body.Bytes())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, "public, max-age=31536000, immutable", rec.Header().Get("Cache-Control"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename="photo.png"`)

	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)
	assert.Equal(t, `"`+blob.ChecksumHex(*file.Checksum)+`"`, etag)

	t.Run("conditional get", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/files/"+file.ID+"/download", nil)
		req.Header.Set("If-None-Match", etag)
		rec := env.do(req)
		assert.Equal(t, http.StatusNotModified, rec.Code)
		assert.Empty(t, rec.Body.Bytes())
	})

	t.Run("range", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/files/"+file.ID+"/download", nil)
		req.Header.Set("Range", "bytes=0-3")
		rec := env.do(req)
		require.Equal(t, http.StatusPartialContent, rec.Code)
		assert.Equal(t, content[0:4], rec.Body.Bytes())
		assert.Equal(t, "bytes 0-3/"+strconv.Itoa(len(content)), rec.Header().Get("Content-Range"))
	})

	t.Run("unsatisfiable range", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/files/"+file.ID+"/download", nil)
		req.Header.Set("Range", "bytes=99999-")
		rec := env.do(req)
		assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
	})
}

func TestUploadRejections(t *testing.T) {
	env := newAPIEnv(t, func(cfg *config.Config) {
		cfg.Upload.BlockArchives = true
		cfg.Upload.DocumentMaxBytes = 64
	})

	t.Run("missing file part", func(t *testing.T) {
		body, contentType := multipartUpload(t, map[string]string{"appId": "x"}, "", nil)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/files", body)
		req.Header.Set("Content-Type", contentType)
		assert.Equal(t, http.StatusBadRequest, env.do(req).Code)
	})

	t.Run("blocked archive", func(t *testing.T) {
		zip := append([]byte{'P', 'K', 0x03, 0x04}, make([]byte, 32)...)
		body, contentType := multipartUpload(t, nil, "x.zip", zip)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/files", body)
		req.Header.Set("Content-Type", contentType)
		rec := env.do(req)
		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
		assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	})

	t.Run("too large", func(t *testing.T) {
		body, contentType := multipartUpload(t, nil, "big.txt", bytes.Repeat([]byte("x"), 200))
		req := httptest.NewRequest(http.MethodPost, "/api/v1/files", body)
		req.Header.Set("Content-Type", contentType)
		assert.Equal(t, http.StatusRequestEntityTooLarge, env.do(req).Code)
	})
}

func TestDownloadStatusMapping(t *testing.T) {
	env := newAPIEnv(t, nil)
	ctx := context.Background()

	t.Run("unknown", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/files/nope/download", nil)
		assert.Equal(t, http.StatusNotFound, env.do(req).Code)
	})

	t.Run("gone", func(t *testing.T) {
		file := env.uploadFile(t, nil, "gone.png", pngPayload("gone"))
		require.NoError(t, env.db.UpdateFileFields(ctx, file.ID, map[string]any{
			"status": models.StatusDeleted,
		}))
		req := httptest.NewRequest(http.MethodGet, "/api/v1/files/"+file.ID+"/download", nil)
		assert.Equal(t, http.StatusGone, env.do(req).Code)
	})
}

func TestUploadFromURL(t *testing.T) {
	env := newAPIEnv(t, nil)
	content := pngPayload("remote")

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(content)
	}))
	defer origin.Close()

	payload, _ := json.Marshal(map[string]any{
		"url":  origin.URL + "/cat.png",
		"tags": map[string]string{"appId": "url-app"},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/files/from-url", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := env.do(req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var file models.FileResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &file))
	assert.Equal(t, "cat.png", file.Filename)
	assert.Equal(t, "url-app", file.AppID)

	t.Run("blocked scheme", func(t *testing.T) {
		payload, _ := json.Marshal(map[string]string{"url": "ftp://example.com/file"})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/files/from-url", bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
		assert.Equal(t, http.StatusBadRequest, env.do(req).Code)
	})

	t.Run("missing url", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/files/from-url", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		assert.Equal(t, http.StatusBadRequest, env.do(req).Code)
	})
}

func TestListAndDelete(t *testing.T) {
	env := newAPIEnv(t, nil)

	a := env.uploadFile(t, map[string]string{"appId": "list-app"}, "a.png", pngPayload("aa"))
	env.uploadFile(t, map[string]string{"appId": "list-app"}, "b.png", pngPayload("bb"))
	env.uploadFile(t, map[string]string{"appId": "other"}, "c.png", pngPayload("cc"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/files?appId=list-app", nil)
	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var page struct {
		Items []models.FileResponse `json:"items"`
		Total int64                 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, int64(2), page.Total)

	t.Run("delete idempotent", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/files/"+a.ID, nil)
		assert.Equal(t, http.StatusNoContent, env.do(req).Code)
		req = httptest.NewRequest(http.MethodDelete, "/api/v1/files/"+a.ID, nil)
		assert.Equal(t, http.StatusNoContent, env.do(req).Code)

		req = httptest.NewRequest(http.MethodDelete, "/api/v1/files/nope", nil)
		assert.Equal(t, http.StatusNotFound, env.do(req).Code)
	})

	t.Run("deleted hidden from listing", func(t *testing.T) {
		rec := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/files?appId=list-app", nil))
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
		assert.Equal(t, int64(1), page.Total)
	})
}

func TestBulkDeleteRequiresTag(t *testing.T) {
	env := newAPIEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/files/bulk-delete", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := env.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestThumbnailEndpoint(t *testing.T) {
	env := newAPIEnv(t, nil)
	file := env.uploadFile(t, nil, "t.png", pngPayload("thumb"))

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/files/"+file.ID+"/thumbnail?width=100&height=100", nil)
	rec := env.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "image/webp", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Cache-Control"), "max-age=")
	assert.Equal(t, []byte("webp-bytes"), rec.Body.Bytes())
}

func TestProblemsEndpoint(t *testing.T) {
	env := newAPIEnv(t, nil)
	ctx := context.Background()

	file := env.uploadFile(t, nil, "bad.png", pngPayload("problem"))
	require.NoError(t, env.db.UpdateFileFields(ctx, file.ID, map[string]any{
		"status": models.StatusFailed,
	}))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/files/problems", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Items []struct {
			File     models.FileResponse `json:"file"`
			Problems []struct {
				Code string `json:"code"`
			} `json:"problems"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Items, 1)
	assert.Equal(t, file.ID, payload.Items[0].File.ID)
	assert.NotEmpty(t, payload.Items[0].Problems)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	env := newAPIEnv(t, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)

	// Drive one request through so a counter exists, then scrape.
	rec = env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mediastore_")
}
