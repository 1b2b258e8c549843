package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/italolelis/dlmanager/internal/download"
	"github.com/italolelis/dlmanager/internal/logctx"
	"github.com/italolelis/dlmanager/internal/telemetry"
)

type badRequestError struct {
	msg string
	err error
}

func (e *badRequestError) Error() string {
	return e.msg
}

func (e *badRequestError) Unwrap() error {
	return e.err
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// statusCode maps domain errors to HTTP status codes.
func statusCode(err error) int {
	var (
		badRequest  *badRequestError
		invalid     *InvalidContentError
		enqueue     *download.EnqueueError
		state       *download.InvalidStateError
		switchDeny  *download.EngineSwitchDeniedError
		incomplete  *download.IncompleteSegmentsError
		sizeUnknown *download.SizeUnknownError
	)

	switch {
	case errors.As(err, &badRequest), errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.Is(err, download.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &enqueue), errors.As(err, &sizeUnknown):
		return http.StatusUnprocessableEntity
	case errors.As(err, &state), errors.As(err, &switchDeny), errors.As(err, &incomplete):
		return http.StatusConflict
	case errors.Is(err, download.ErrUnsupported):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusCode(err)

	if code >= http.StatusInternalServerError {
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "request failed", "err", err)
	}

	writeJSON(w, r, code, errorResponse{Error: err.Error(), RequestID: telemetry.GetRequestID(r.Context())})
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "failed to encode response", "err", err)
	}
}
