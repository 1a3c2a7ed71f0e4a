package models

import (
	"encoding/json"
	"time"
)

// ErrorKind classifies a failed upstream attempt. The set is closed;
// classification is derived from the HTTP status and transport outcome in
// exactly one place (dispatch.Classify).
type ErrorKind string

const (
	ErrRateLimit  ErrorKind = "rate_limit"
	ErrInvalidKey ErrorKind = "invalid_key"
	ErrServer     ErrorKind = "server_error"
	ErrNetwork    ErrorKind = "network_error"
	ErrValidation ErrorKind = "validation_error"
	ErrUnknown    ErrorKind = "unknown"
)

// Request-terminal condition codes, distinct from any single attempt's error.
const (
	CodeExhausted        = "exhausted"
	CodeNoKeysAvailable  = "no_keys_available"
	CodeClientDisconnect = "client_disconnect"
)

// Wire formats accepted on the inbound side.
const (
	FormatOpenAI = "openai"
	FormatGemini = "gemini"
)

// APIKey is an upstream provider credential owned by the key store.
// The gateway only reads active keys and asks the store for atomic
// counter/timestamp updates; it never deletes or rewrites a key.
type APIKey struct {
	ID           string          `json:"id"`
	Provider     string          `json:"provider"`
	Secret       string          `json:"-"`
	IsActive     bool            `json:"is_active"`
	SuccessCount int64           `json:"success_count"`
	FailureCount int64           `json:"failure_count"`
	LastUsedAt   *time.Time      `json:"last_used_at,omitempty"`
	LastErrorAt  *time.Time      `json:"last_error_at,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// FailureRatio returns failures per completed call, used as a selection
// tie-break. A key with no traffic ranks as ratio zero.
func (k *APIKey) FailureRatio() float64 {
	total := k.SuccessCount + k.FailureCount
	if total == 0 {
		return 0
	}
	return float64(k.FailureCount) / float64(total)
}

// ProxyKey is a client-facing credential, separate from the upstream keys
// the gateway rotates on the client's behalf.
type ProxyKey struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	KeyHash            string     `json:"-"`
	KeyPrefix          string     `json:"key_prefix"`
	IsActive           bool       `json:"is_active"`
	RateLimitPerMinute int        `json:"rate_limit_per_minute"`
	SuccessCount       int64      `json:"success_count"`
	FailureCount       int64      `json:"failure_count"`
	TotalTokens        int64      `json:"total_tokens"`
	PromptTokens       int64      `json:"prompt_tokens"`
	CompletionTokens   int64      `json:"completion_tokens"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty"`
	LastErrorAt        *time.Time `json:"last_error_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// TokenUsage is the token accounting parsed from an upstream response.
// Providers do not guarantee a usage block; absent counts stay zero.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// AttemptError is the classified error of one failed attempt, or the
// terminal error of the whole request. It is safe to show to clients:
// key identifiers and raw provider bodies never appear here.
type AttemptError struct {
	Kind       ErrorKind `json:"kind"`
	StatusCode int       `json:"status_code"`
	Code       string    `json:"code,omitempty"`
	Message    string    `json:"message"`
}

// UpstreamError captures the raw provider failure for internal diagnostics.
// It is persisted with the attempt trail and never sent to clients.
type UpstreamError struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// RequestAttempt is one upstream call with one API key within the lifetime
// of a single inbound request. Attempt numbers are contiguous from 1.
type RequestAttempt struct {
	Number     int            `json:"number"`
	KeyID      string         `json:"key_id"`
	DurationMs int64          `json:"duration_ms"`
	Timestamp  time.Time      `json:"timestamp"`
	Error      *AttemptError  `json:"error,omitempty"`
	Upstream   *UpstreamError `json:"upstream,omitempty"`
}

// Succeeded reports whether the attempt completed without error.
func (a *RequestAttempt) Succeeded() bool { return a.Error == nil }

// RequestLog is the persisted record of one inbound request: performance
// metrics, usage metadata, the ordered attempt trail, and opaque snapshots
// of the inbound and outbound bodies for audit. Created once at the end of
// the dispatch loop and never mutated afterward.
type RequestLog struct {
	ID           int64            `json:"id"`
	RequestID    string           `json:"request_id"`
	Format       string           `json:"format"`
	IsSuccessful bool             `json:"is_successful"`
	IsStream     bool             `json:"is_stream"`
	DurationMs   int64            `json:"duration_ms"`
	AttemptCount int              `json:"attempt_count"`
	Model        string           `json:"model"`
	UpstreamID   string           `json:"upstream_id,omitempty"`
	Usage        TokenUsage       `json:"usage"`
	Attempts     []RequestAttempt `json:"attempts"`
	Error        *AttemptError    `json:"error,omitempty"`
	ProxyKeyID   string           `json:"proxy_key_id"`
	APIKeyID     string           `json:"api_key_id,omitempty"`
	RequestBody  []byte           `json:"-"`
	ResponseBody []byte           `json:"-"`
	CreatedAt    time.Time        `json:"created_at"`
}
