package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bozonx/mediastore/pkg/imageproc"
	"github.com/bozonx/mediastore/pkg/models"
	"github.com/bozonx/mediastore/pkg/service"
	"github.com/bozonx/mediastore/pkg/urlfetch"
)

// problemBody is an RFC 7807 error document.
type problemBody struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// writeProblem writes an RFC 7807 response.
func writeProblem(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problemBody{
		Type:   "about:blank",
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	})
}

// writeError maps a service error onto its HTTP status.
func writeError(w http.ResponseWriter, err error) {
	writeProblem(w, statusOf(err), err.Error())
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, models.ErrFileNotFound),
		errors.Is(err, models.ErrThumbnailNotFound),
		errors.Is(err, models.ErrBlobNotFound):
		return http.StatusNotFound

	case errors.Is(err, models.ErrFileGone):
		return http.StatusGone

	case errors.Is(err, models.ErrNotReady),
		errors.Is(err, service.ErrOptimizationFailed):
		return http.StatusConflict

	case errors.Is(err, service.ErrWaitTimeout):
		return http.StatusRequestTimeout

	case errors.Is(err, service.ErrTooLarge):
		return http.StatusRequestEntityTooLarge

	case errors.Is(err, service.ErrBlockedMime):
		return http.StatusUnsupportedMediaType

	case errors.Is(err, service.ErrInvalidRange):
		return http.StatusRequestedRangeNotSatisfiable

	case errors.Is(err, service.ErrMissingTag),
		errors.Is(err, service.ErrNotImage):
		return http.StatusBadRequest

	// URL ingestion failures are the client's URL's fault.
	case errors.Is(err, urlfetch.ErrBlocked),
		errors.Is(err, urlfetch.ErrTooLarge),
		errors.Is(err, urlfetch.ErrIdleTimeout),
		errors.Is(err, urlfetch.ErrLengthMismatch),
		errors.Is(err, urlfetch.ErrTooManyRedirects):
		return http.StatusBadRequest

	case errors.Is(err, imageproc.ErrRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, imageproc.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, imageproc.ErrUnavailable):
		return http.StatusBadGateway

	default:
		return http.StatusInternalServerError
	}
}
