package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/knaw-huc/textsurf/textindex"
	"github.com/knaw-huc/textsurf/textpool"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// apiError is the JSON error body shared by both API surfaces.
type apiError struct {
	Type    string `json:"@type"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

// paramError marks unparseable request parameters.
type paramError struct {
	msg string
}

func (e *paramError) Error() string { return e.msg }

// classify maps an error to its HTTP status and wire name.
func classify(err error) (int, string) {
	var pe *paramError
	switch {
	case errors.As(err, &pe):
		return http.StatusBadRequest, "ParameterError"
	case errors.Is(err, textpool.ErrNotFound):
		return http.StatusNotFound, "NotFound"
	case errors.Is(err, textpool.ErrOutOfRange):
		return http.StatusRequestedRangeNotSatisfiable, "OutOfRange"
	case errors.Is(err, textpool.ErrValidation):
		return http.StatusRequestedRangeNotSatisfiable, "ValidationFailed"
	case errors.Is(err, textpool.ErrConflict):
		return http.StatusConflict, "Conflict"
	case errors.Is(err, textpool.ErrUnauthorized):
		return http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, textpool.ErrForbidden):
		return http.StatusForbidden, "PermissionDenied"
	case errors.Is(err, textpool.ErrBusy), errors.Is(err, textpool.ErrClosed):
		return http.StatusServiceUnavailable, "Busy"
	case errors.Is(err, textindex.ErrNotText):
		return http.StatusBadRequest, "TextError"
	default:
		return http.StatusInternalServerError, "InternalError"
	}
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	status, name := classify(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "name", name, "err", err)
		// Backend detail can carry filesystem paths; clients get a
		// fixed message and the rest stays in the log.
		msg = "internal server error"
	}
	writeJSON(w, status, apiError{Type: "ApiError", Name: name, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	jsonCodec.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

// writeSelection streams a resolved selection as the response body. The
// selection produces whole chars per chunk, so the stream is valid
// UTF-8 at every flush point. Empty selections still get the text
// content type.
func (s *server) writeSelection(w http.ResponseWriter, sel *textpool.Selection) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, sel); err != nil {
		s.log.Debug("selection stream aborted", "err", err)
	}
}

// acceptsJSON reports whether the Accept header admits a JSON response.
// No header means yes.
func acceptsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	if accept == "" {
		return true
	}
	for _, part := range strings.Split(accept, ",") {
		mt := strings.TrimSpace(part)
		if i := strings.IndexByte(mt, ';'); i >= 0 {
			mt = strings.TrimSpace(mt[:i])
		}
		if mt == "application/json" || mt == "*/*" {
			return true
		}
	}
	return false
}

func (s *server) negotiateJSON(w http.ResponseWriter, r *http.Request) bool {
	if acceptsJSON(r) {
		return true
	}
	writeJSON(w, http.StatusNotAcceptable, apiError{
		Type:    "ApiError",
		Name:    "NotAcceptable",
		Message: "Accept header could not be satisfied (try application/json)",
	})
	return false
}
