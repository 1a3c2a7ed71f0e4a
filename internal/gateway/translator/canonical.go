// Package translator maps the two inbound wire formats (OpenAI-compatible
// chat completions and the native Gemini API) onto one canonical
// representation. The upstream always speaks the native format, so every
// request is decoded to canonical form and re-encoded for the wire it
// travels on. Fields with no counterpart in the target schema are dropped,
// never fabricated.
package translator

import (
	"encoding/json"
	"fmt"

	"github.com/keyfleet/gemini-gateway/internal/shared/models"
)

// Canonical message roles.
const (
	RoleUser   = "user"
	RoleModel  = "model"
	RoleSystem = "system"
	RoleTool   = "tool"
)

// Canonical finish reasons.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishToolCalls = "tool_calls"
	FinishSafety    = "safety"
	FinishOther     = "other"
)

// Canonical function-calling modes.
const (
	ToolModeAuto = "auto"
	ToolModeAny  = "any"
	ToolModeNone = "none"
)

// Request is the format-agnostic inbound request.
type Request struct {
	Model            string
	Messages         []Message
	Tools            []FunctionDecl
	ToolMode         string
	AllowedFunctions []string
	Temperature      *float32
	TopP             *float32
	MaxTokens        *int
	CandidateCount   *int
	Stop             []string
	Stream           bool
}

// Message is one entry of the ordered conversation.
type Message struct {
	Role  string
	Parts []Part
}

// Part is a single content part: exactly one field is set.
type Part struct {
	Text             string
	FunctionCall     *FunctionCall
	FunctionResponse *FunctionResponse
}

// FunctionCall is a model-emitted call to a declared function.
type FunctionCall struct {
	Name string
	Args json.RawMessage
}

// FunctionResponse is a client-supplied function result fed back to the model.
type FunctionResponse struct {
	Name     string
	Response json.RawMessage
}

// FunctionDecl declares a callable function to the model.
type FunctionDecl struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Response is the format-agnostic unary response.
type Response struct {
	ID           string
	Model        string
	Parts        []Part
	FinishReason string
	Usage        models.TokenUsage
}

// Chunk is one translated increment of a streaming response. Role is set on
// the first chunk only; Usage arrives on the final chunk when the provider
// supplies it.
type Chunk struct {
	ID           string
	Model        string
	Role         string
	Parts        []Part
	FinishReason string
	Usage        *models.TokenUsage
}

// Text concatenates the text parts of a response.
func (r *Response) Text() string { return joinText(r.Parts) }

// Text concatenates the text parts of a chunk.
func (c *Chunk) Text() string { return joinText(c.Parts) }

func joinText(parts []Part) string {
	var out string
	for _, p := range parts {
		out += p.Text
	}
	return out
}

// FunctionCalls returns the function-call parts of a response, in order.
func (r *Response) FunctionCalls() []*FunctionCall {
	var calls []*FunctionCall
	for i := range r.Parts {
		if r.Parts[i].FunctionCall != nil {
			calls = append(calls, r.Parts[i].FunctionCall)
		}
	}
	return calls
}

// ValidationError reports a malformed inbound request. It fails the request
// before any upstream key is consumed.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request field %q: %s", e.Field, e.Message)
}
