// Package response defines the JSON envelopes shared by the admin and
// operational endpoints.
package response

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ragline/ragline/internal/domain"
)

// Envelope is the success envelope: {"data": ...}
type Envelope struct {
	Data any `json:"data,omitempty"`
}

// ErrorBody is {"error":{"code":"...","message":"...","meta":{...},"request_id":"..."}}
type ErrorBody struct {
	Error ErrorPayload `json:"error"`
}

type ErrorPayload struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Meta      map[string]string `json:"meta,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// JSON writes raw JSON with Content-Type.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Data wraps payload with {"data": ...}
func Data(w http.ResponseWriter, status int, payload any) {
	JSON(w, status, Envelope{Data: payload})
}

// Fail writes an error body.
func Fail(w http.ResponseWriter, status int, code, message string, meta map[string]string, requestID string) {
	JSON(w, status, ErrorBody{
		Error: ErrorPayload{
			Code:      code,
			Message:   message,
			Meta:      meta,
			RequestID: requestID,
		},
	})
}

// FromError maps an application error onto its HTTP status and writes it.
func FromError(w http.ResponseWriter, err error, requestID string) {
	var appErr *domain.AppError
	if !errors.As(err, &appErr) {
		Fail(w, http.StatusInternalServerError, "internal_error", "internal error", nil, requestID)
		return
	}
	Fail(w, statusFor(appErr.Code), string(appErr.Code), appErr.Message, appErr.Meta, requestID)
}

func statusFor(code domain.ErrCode) int {
	switch code {
	case domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodeUnauthorized:
		return http.StatusUnauthorized
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeContract:
		return http.StatusConflict
	case domain.CodeTransient, domain.CodeOverflow, domain.CodeCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
