package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/bozonx/mediastore/pkg/store/blob"
)

// maxFieldBytes bounds non-file multipart fields and JSON bodies.
const maxFieldBytes = 64 << 10

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"title":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

// decodeJSONBody decodes the request body into v. Returns false after
// writing a 400 when the body is malformed.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxFieldBytes)).Decode(v); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// readPartValue reads a small multipart field value.
func readPartValue(part io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// queryInt parses an integer query parameter, falling back to def when
// absent or malformed.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

// parseRange parses a single-range Range header ("bytes=a-b" or
// "bytes=a-"). Malformed, suffix and multi-range forms are ignored per
// RFC 9110, returning nil so the full body is served.
func parseRange(header string) *blob.Range {
	if !strings.HasPrefix(header, "bytes=") {
		return nil
	}
	spec := strings.TrimPrefix(header, "bytes=")
	if strings.Contains(spec, ",") {
		return nil
	}

	startRaw, endRaw, ok := strings.Cut(spec, "-")
	if !ok || startRaw == "" {
		return nil
	}
	start, err := strconv.ParseInt(startRaw, 10, 64)
	if err != nil || start < 0 {
		return nil
	}

	rng := &blob.Range{Start: start}
	if endRaw != "" {
		end, err := strconv.ParseInt(endRaw, 10, 64)
		if err != nil || end < start {
			return nil
		}
		rng.End = &end
	}
	return rng
}
