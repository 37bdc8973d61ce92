package api

import (
	"encoding/json"
	"net/http"
	"strings"

	cliproxyexecutor "github.com/quotio/cliproxy/sdk/cliproxy/executor"
)

// errorResponse is the OpenAI-compatible error envelope every handler renders
// on failure, regardless of which provider ultimately produced the error.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// statusForError maps a dispatch-layer error to the HTTP status the client
// sees. Errors implementing executor.StatusError (status_error, including the
// pool's model_cooldown) carry their own status; anything else defaults to
// no_auth_available (500), unless it looks like an empty-chain error.
func statusForError(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if se, ok := err.(cliproxyexecutor.StatusError); ok && se.StatusCode() > 0 {
		return se.StatusCode()
	}
	if strings.Contains(err.Error(), "no providers available") {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// buildErrorBody renders errText as the OpenAI error envelope, unless it is
// already valid JSON (e.g. the pool's model_cooldown body, or an upstream
// error payload an executor passed through verbatim).
func buildErrorBody(status int, errText string) []byte {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	trimmed := strings.TrimSpace(errText)
	if trimmed == "" {
		trimmed = http.StatusText(status)
	}
	if json.Valid([]byte(trimmed)) {
		return []byte(trimmed)
	}

	errType := "invalid_request_error"
	var code string
	switch status {
	case http.StatusUnauthorized:
		errType, code = "authentication_error", "invalid_api_key"
	case http.StatusForbidden:
		errType, code = "permission_error", "insufficient_quota"
	case http.StatusTooManyRequests:
		errType, code = "rate_limit_error", "rate_limit_exceeded"
	case http.StatusNotFound:
		errType, code = "invalid_request_error", "model_not_found"
	case http.StatusBadRequest:
		errType, code = "invalid_request_error", "no_provider"
	default:
		if status >= http.StatusInternalServerError {
			errType, code = "server_error", "internal_server_error"
		}
	}
	payload, err := json.Marshal(errorResponse{Error: errorDetail{Message: trimmed, Type: errType, Code: code}})
	if err != nil {
		return []byte(`{"error":{"message":"internal error","type":"server_error","code":"internal_server_error"}}`)
	}
	return payload
}
