package web

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/ledgerport/internal/core"
)

// ErrorResponse is the JSON body of every API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// statusFor maps engine sentinels onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrEntityNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, core.ErrTooManyRuns):
		return http.StatusTooManyRequests
	case errors.Is(err, core.ErrInvalidStatusUpdate):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondError logs the technical error and returns the operator message.
// status 0 derives the status from err.
func respondError(w http.ResponseWriter, r *http.Request, err error, status int) {
	if status == 0 {
		status = statusFor(err)
	}
	msg := core.MapError(err)

	slog.Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", msg.Code,
		"request_id", middleware.GetReqID(r.Context()),
	)

	// Client errors carry their own text; server errors keep details in the log.
	text := msg.Message
	if status < http.StatusInternalServerError {
		text = err.Error()
	}
	writeJSON(w, status, ErrorResponse{
		Error:   text,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
	})
}
