package web

// errors.go provides unified error response handling for the API.
//
// Every error is logged with its technical text and the request id, then
// mapped through core.MapError to a user-facing message and support code.
// The HTTP status follows the error kind:
//
//	400  validation failures, parallelism limit
//	404  unknown execution or resource
//	500  no handler or several handlers for the files, everything else

import (
	"errors"
	"net/http"

	"github.com/JonMunkholm/geoimport/internal/core"
	"github.com/JonMunkholm/geoimport/internal/logging"
	"github.com/JonMunkholm/geoimport/internal/resource"
)

// ErrorResponse is the JSON body of every failed API call.
type ErrorResponse struct {
	Success bool     `json:"success"`
	Errors  []string `json:"errors"`
	Code    string   `json:"code"`
	Action  string   `json:"action,omitempty"`
}

// statusFor returns the HTTP status of err.
func statusFor(err error) int {
	var ve *core.ValidationError
	switch {
	case errors.As(err, &ve), errors.Is(err, core.ErrParallelismLimit):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrExecutionNotFound), errors.Is(err, resource.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// respondError logs err and writes its user-facing form.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	respondErrorStatus(w, r, err, statusFor(err))
}

func respondErrorStatus(w http.ResponseWriter, r *http.Request, err error, status int) {
	msg := core.MapError(err)

	logging.FromContext(r.Context()).Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", msg.Code,
	)

	writeJSON(w, status, ErrorResponse{
		Success: false,
		Errors:  []string{msg.Message},
		Code:    msg.Code,
		Action:  msg.Action,
	})
}
