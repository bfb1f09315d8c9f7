package response

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"orbit-server/internal/shared/errors"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type errorClass struct {
	status int
	level  slog.Level
	msg    string
}

var errorClasses = map[errors.ErrorType]errorClass{
	errors.ErrorTypeNotFound:         {http.StatusNotFound, slog.LevelDebug, "Resource not found"},
	errors.ErrorTypeValidation:       {http.StatusBadRequest, slog.LevelDebug, "Validation error"},
	errors.ErrorTypeMethodNotAllowed: {http.StatusMethodNotAllowed, slog.LevelDebug, "Method not allowed"},
	errors.ErrorTypeConflict:         {http.StatusConflict, slog.LevelInfo, "Conflict error"},
	errors.ErrorTypeUnauthorized:     {http.StatusUnauthorized, slog.LevelWarn, "Authorization error"},
	errors.ErrorTypeForbidden:        {http.StatusForbidden, slog.LevelWarn, "Authorization error"},
	errors.ErrorTypeExternal:         {http.StatusServiceUnavailable, slog.LevelError, "External service error"},
}

var internalClass = errorClass{http.StatusInternalServerError, slog.LevelError, "Internal server error"}

func classify(t errors.ErrorType) errorClass {
	if c, ok := errorClasses[t]; ok {
		return c
	}
	return internalClass
}

// Error logs err and writes it as JSON. This is the only place handler
// errors are logged. Internal error details stay in the log.
func Error(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	errorType := errors.GetType(err)
	message := err.Error()
	if classify(errorType) == internalClass {
		message = "internal server error"
	}
	ErrorWithMessage(w, r, logger, err, message)
}

// ErrorWithMessage is Error with a client message that differs from the
// logged one.
func ErrorWithMessage(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, clientMessage string) {
	errorType := errors.GetType(err)
	class := classify(errorType)

	logger.Log(r.Context(), class.level, class.msg,
		"method", r.Method,
		"path", r.URL.Path,
		"remote_addr", r.RemoteAddr,
		"error_type", errorType,
		"status_code", class.status,
		"error", err,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(class.status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   string(errorType),
		Message: clientMessage,
		Code:    class.status,
	})
}

func Success(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		// The status code is already sent; an encoding failure cannot be
		// reported.
		_ = json.NewEncoder(w).Encode(data)
	}
}
