// Package transport contains the HTTP router, middleware chain, and the
// request handlers of the approval workflow API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/parapheur/internal/observability"
	"github.com/pitabwire/parapheur/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:      http.StatusBadRequest,
	model.ErrUnauthorized:    http.StatusUnauthorized,
	model.ErrForbidden:       http.StatusForbidden,
	model.ErrNotFound:        http.StatusNotFound,
	model.ErrConflict:        http.StatusConflict,
	model.ErrValidationError: http.StatusUnprocessableEntity,
	model.ErrInvalidState:    http.StatusConflict,
	model.ErrInternalError:   http.StatusInternalServerError,
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as a JSON error response with the HTTP status of its
// code. Errors that carry no ErrorEnvelope become a generic 500.
func WriteError(w http.ResponseWriter, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// writeRequestError logs unexpected errors with the request logger and
// stamps the trace id on the response envelope.
func writeRequestError(w http.ResponseWriter, r *http.Request, err error) {
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		out := *ee
		out.TraceID = observability.TraceIDFromContext(r.Context())
		WriteError(w, &out)
		return
	}

	observability.RequestLogger(r.Context(), zap.NewNop()).Error("request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	out := model.NewInternalError()
	out.TraceID = observability.TraceIDFromContext(r.Context())
	WriteError(w, out)
}

// WriteValidationError writes a 422 error response with field-level details.
func WriteValidationError(w http.ResponseWriter, details []model.FieldError) {
	WriteError(w, model.NewValidationError(details))
}
