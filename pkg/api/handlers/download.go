package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/bozonx/mediastore/internal/logger"
	"github.com/bozonx/mediastore/internal/sanitize"
)

// immutableCacheControl fits content-addressed blobs: the bytes behind
// an id+etag pair never change.
const immutableCacheControl = "public, max-age=31536000, immutable"

// Download handles GET /api/v1/files/{id}/download with range and
// conditional-GET semantics.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rng := parseRange(r.Header.Get("Range"))

	result, err := h.svc.Download(r.Context(), id, rng, r.Header.Get("If-None-Match"))
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Cache-Control", immutableCacheControl)
	if result.ETag != "" {
		w.Header().Set("ETag", `"`+result.ETag+`"`)
	}

	if result.NotModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	obj := result.Object
	defer func() { _ = obj.Body.Close() }()

	w.Header().Set("Content-Type", result.File.MimeType)
	w.Header().Set("Content-Disposition", sanitize.ContentDisposition(result.File.Filename))
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))

	if rng != nil {
		end := rng.Start + obj.Size - 1
		w.Header().Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", rng.Start, end, obj.TotalSize))
		w.WriteHeader(http.StatusPartialContent)
	}

	if _, err := io.Copy(w, obj.Body); err != nil {
		// Headers are gone; all we can do is log the broken stream.
		logger.WarnCtx(r.Context(), "download stream aborted",
			logger.KeyFileID, id, logger.KeyError, err)
	}
}

// Exif handles GET /api/v1/files/{id}/exif.
func (h *Handler) Exif(w http.ResponseWriter, r *http.Request) {
	exif, err := h.svc.Exif(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exif": exif})
}
