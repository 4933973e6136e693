// Package handlers implements the HTTP handlers of the media store API.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bozonx/mediastore/pkg/config"
	"github.com/bozonx/mediastore/pkg/service"
	"github.com/bozonx/mediastore/pkg/store/metadata"
)

// Handler carries the dependencies shared by all endpoints.
type Handler struct {
	config *config.Config
	svc    *service.Service
}

// New creates the handler set.
func New(cfg *config.Config, svc *service.Service) *Handler {
	return &Handler{config: cfg, svc: svc}
}

// Upload handles POST /api/v1/files. The multipart body carries the
// optional fields (metadata, optimize, appId, userId, purpose) followed
// by the file part; the file streams straight into storage without
// buffering.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	reader, err := r.MultipartReader()
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "expected multipart form data")
		return
	}

	var in service.UploadInput
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			writeProblem(w, http.StatusBadRequest, "missing file part")
			return
		}
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "malformed multipart body")
			return
		}

		switch part.FormName() {
		case "file":
			// Fields must precede the file part; everything after it is
			// ignored because the stream is consumed here.
			in.Reader = part
			in.Filename = part.FileName()
			in.MimeType = part.Header.Get("Content-Type")

			file, err := h.svc.Upload(r.Context(), in)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, file.ToResponse())
			return

		case "metadata":
			value, err := readPartValue(part)
			if err != nil || json.Unmarshal([]byte(value), &in.Metadata) != nil {
				writeProblem(w, http.StatusBadRequest, "invalid metadata field")
				return
			}
		case "optimize":
			value, err := readPartValue(part)
			if err != nil || json.Unmarshal([]byte(value), &in.Optimize) != nil {
				writeProblem(w, http.StatusBadRequest, "invalid optimize field")
				return
			}
		case "appId":
			in.AppID, _ = readPartValue(part)
		case "userId":
			in.UserID, _ = readPartValue(part)
		case "purpose":
			in.Purpose, _ = readPartValue(part)
		}
	}
}

// uploadFromURLRequest is the POST /files/from-url body.
type uploadFromURLRequest struct {
	URL      string                  `json:"url"`
	Metadata map[string]string       `json:"metadata,omitempty"`
	Optimize *service.OptimizeParams `json:"optimize,omitempty"`
	Tags     struct {
		AppID   string `json:"appId,omitempty"`
		UserID  string `json:"userId,omitempty"`
		Purpose string `json:"purpose,omitempty"`
	} `json:"tags,omitempty"`
}

// UploadFromURL handles POST /api/v1/files/from-url.
func (h *Handler) UploadFromURL(w http.ResponseWriter, r *http.Request) {
	var req uploadFromURLRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeProblem(w, http.StatusBadRequest, "url is required")
		return
	}

	file, err := h.svc.UploadFromURL(r.Context(), service.URLUploadInput{
		URL:      req.URL,
		Metadata: req.Metadata,
		Optimize: req.Optimize,
		AppID:    req.Tags.AppID,
		UserID:   req.Tags.UserID,
		Purpose:  req.Tags.Purpose,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, file.ToResponse())
}

// Get handles GET /api/v1/files/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	file, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, file.ToResponse())
}

// List handles GET /api/v1/files.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result, err := h.svc.List(r.Context(), metadata.ListFilter{
		Query:    q.Get("q"),
		MimeType: q.Get("mimeType"),
		Tags: metadata.TagFilter{
			AppID:   q.Get("appId"),
			UserID:  q.Get("userId"),
			Purpose: q.Get("purpose"),
		},
		SortBy: q.Get("sortBy"),
		Order:  q.Get("order"),
		Limit:  queryInt(r, "limit", 0),
		Offset: queryInt(r, "offset", 0),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Delete handles DELETE /api/v1/files/{id}. Idempotent: deleting an
// already soft-deleted file succeeds.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// bulkDeleteRequest is the POST /files/bulk-delete body.
type bulkDeleteRequest struct {
	AppID   string `json:"appId,omitempty"`
	UserID  string `json:"userId,omitempty"`
	Purpose string `json:"purpose,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	DryRun  bool   `json:"dryRun,omitempty"`
}

// BulkDelete handles POST /api/v1/files/bulk-delete.
func (h *Handler) BulkDelete(w http.ResponseWriter, r *http.Request) {
	var req bulkDeleteRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	result, err := h.svc.BulkDelete(r.Context(), metadata.TagFilter{
		AppID:   req.AppID,
		UserID:  req.UserID,
		Purpose: req.Purpose,
	}, req.Limit, req.DryRun)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Problems handles GET /api/v1/files/problems.
func (h *Handler) Problems(w http.ResponseWriter, r *http.Request) {
	found, err := h.svc.ListProblems(r.Context(), queryInt(r, "limit", 0))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": found})
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := h.svc.Health(r.Context())
	code := http.StatusOK
	if status.Status == "error" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}
