package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/bozonx/mediastore/internal/logger"
)

// Thumbnail handles GET /api/v1/files/{id}/thumbnail. Renditions are
// cached server-side; the response itself is also cacheable for the
// configured window.
func (h *Handler) Thumbnail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	thumb, obj, err := h.svc.Thumbnail(r.Context(), id,
		queryInt(r, "width", 0),
		queryInt(r, "height", 0),
		queryInt(r, "quality", 0))
	if err != nil {
		writeError(w, err)
		return
	}
	defer func() { _ = obj.Body.Close() }()

	maxAge := int(h.config.Thumbnail.CacheMaxAge.Seconds())
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
	w.Header().Set("Content-Type", thumb.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))

	if _, err := io.Copy(w, obj.Body); err != nil {
		logger.WarnCtx(r.Context(), "thumbnail stream aborted",
			logger.KeyFileID, id, logger.KeyError, err)
	}
}
