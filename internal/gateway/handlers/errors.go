package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/keyfleet/gemini-gateway/internal/shared/models"
)

// openAIError is the error body of the OpenAI-compatible surface.
type openAIError struct {
	Error openAIErrorDetail `json:"error"`
}

type openAIErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// geminiError is the error body of the native surface.
type geminiError struct {
	Error geminiErrorDetail `json:"error"`
}

type geminiErrorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// writeOpenAIError writes an AttemptError in the OpenAI wire shape. Only
// the classified kind, code, and message leave the gateway; raw provider
// bodies and key identifiers stay in the persisted log.
func writeOpenAIError(w http.ResponseWriter, e *models.AttemptError) {
	body := openAIError{Error: openAIErrorDetail{
		Message: e.Message,
		Type:    openAIErrorType(e.Kind),
		Code:    e.Code,
	}}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	json.NewEncoder(w).Encode(body)
}

// writeGeminiError writes an AttemptError in the native wire shape.
func writeGeminiError(w http.ResponseWriter, e *models.AttemptError) {
	body := geminiError{Error: geminiErrorDetail{
		Code:    e.StatusCode,
		Message: e.Message,
		Status:  geminiErrorStatus(e.StatusCode),
	}}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	json.NewEncoder(w).Encode(body)
}

func writeFormatError(w http.ResponseWriter, format string, e *models.AttemptError) {
	if format == models.FormatGemini {
		writeGeminiError(w, e)
		return
	}
	writeOpenAIError(w, e)
}

func openAIErrorType(kind models.ErrorKind) string {
	switch kind {
	case models.ErrRateLimit:
		return "rate_limit_error"
	case models.ErrInvalidKey:
		return "authentication_error"
	case models.ErrValidation:
		return "invalid_request_error"
	case models.ErrServer, models.ErrNetwork:
		return "api_error"
	default:
		return "api_error"
	}
}

func geminiErrorStatus(httpStatus int) string {
	switch httpStatus {
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "PERMISSION_DENIED"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	case http.StatusGatewayTimeout:
		return "DEADLINE_EXCEEDED"
	default:
		return "INTERNAL"
	}
}
