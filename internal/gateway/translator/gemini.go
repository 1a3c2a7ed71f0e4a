package translator

import (
	"encoding/json"
	"fmt"

	"github.com/keyfleet/gemini-gateway/internal/shared/models"
)

// GeminiRequest represents a request in Gemini's generateContent format.
type GeminiRequest struct {
	Contents          []GeminiContent         `json:"contents"`
	SystemInstruction *GeminiContent          `json:"systemInstruction,omitempty"`
	Tools             []GeminiTool            `json:"tools,omitempty"`
	ToolConfig        *GeminiToolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  *GeminiGenerationConfig `json:"generationConfig,omitempty"`
}

// GeminiContent represents content in Gemini format
type GeminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GeminiPart `json:"parts"`
}

// GeminiPart represents a part of the content
type GeminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *GeminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *GeminiFunctionResponse `json:"functionResponse,omitempty"`
}

// GeminiFunctionCall is a function call emitted by the model.
type GeminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// GeminiFunctionResponse is a function result supplied by the client.
type GeminiFunctionResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response,omitempty"`
}

// GeminiTool wraps the function declarations made available to the model.
type GeminiTool struct {
	FunctionDeclarations []GeminiFunctionDecl `json:"functionDeclarations,omitempty"`
}

// GeminiFunctionDecl declares one callable function.
type GeminiFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// GeminiToolConfig controls function-calling behaviour.
type GeminiToolConfig struct {
	FunctionCallingConfig *GeminiFunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

// GeminiFunctionCallingConfig selects the function-calling mode.
type GeminiFunctionCallingConfig struct {
	Mode                 string   `json:"mode,omitempty"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

// GeminiGenerationConfig represents generation parameters
type GeminiGenerationConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	TopP            *float32 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	CandidateCount  *int     `json:"candidateCount,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

// GeminiResponse represents a response (or a streamed increment) from the
// Gemini API.
type GeminiResponse struct {
	Candidates    []GeminiCandidate `json:"candidates"`
	UsageMetadata *GeminiUsage      `json:"usageMetadata,omitempty"`
	ModelVersion  string            `json:"modelVersion,omitempty"`
	ResponseID    string            `json:"responseId,omitempty"`
}

// GeminiCandidate represents a candidate response
type GeminiCandidate struct {
	Content      GeminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
	Index        int           `json:"index"`
}

// GeminiUsage represents token usage
type GeminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// DecodeGeminiRequest parses a native-format request body into canonical
// form. The model name and streaming flag come from the request path, not
// the body.
func DecodeGeminiRequest(body []byte, model string, stream bool) (*Request, error) {
	if model == "" {
		return nil, &ValidationError{Field: "model", Message: "model name is required"}
	}

	var wire GeminiRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, &ValidationError{Field: "body", Message: "malformed JSON: " + err.Error()}
	}
	if len(wire.Contents) == 0 {
		return nil, &ValidationError{Field: "contents", Message: "contents must not be empty"}
	}

	req := &Request{Model: model, Stream: stream}

	if wire.SystemInstruction != nil {
		req.Messages = append(req.Messages, Message{
			Role:  RoleSystem,
			Parts: decodeGeminiParts(wire.SystemInstruction.Parts),
		})
	}

	for i, content := range wire.Contents {
		if len(content.Parts) == 0 {
			return nil, &ValidationError{
				Field:   fmt.Sprintf("contents[%d].parts", i),
				Message: "parts must not be empty",
			}
		}
		req.Messages = append(req.Messages, Message{
			Role:  geminiRoleToCanonical(content.Role),
			Parts: decodeGeminiParts(content.Parts),
		})
	}

	for _, tool := range wire.Tools {
		for _, decl := range tool.FunctionDeclarations {
			req.Tools = append(req.Tools, FunctionDecl{
				Name:        decl.Name,
				Description: decl.Description,
				Parameters:  decl.Parameters,
			})
		}
	}

	if wire.ToolConfig != nil && wire.ToolConfig.FunctionCallingConfig != nil {
		fcc := wire.ToolConfig.FunctionCallingConfig
		switch fcc.Mode {
		case "AUTO":
			req.ToolMode = ToolModeAuto
		case "ANY":
			req.ToolMode = ToolModeAny
		case "NONE":
			req.ToolMode = ToolModeNone
		}
		req.AllowedFunctions = fcc.AllowedFunctionNames
	}

	if gc := wire.GenerationConfig; gc != nil {
		req.Temperature = gc.Temperature
		req.TopP = gc.TopP
		req.MaxTokens = gc.MaxOutputTokens
		req.CandidateCount = gc.CandidateCount
		req.Stop = gc.StopSequences
	}

	return req, nil
}

// EncodeGeminiRequest renders a canonical request in the native wire format
// the upstream speaks.
func EncodeGeminiRequest(req *Request) *GeminiRequest {
	wire := &GeminiRequest{}

	for _, msg := range req.Messages {
		parts := encodeGeminiParts(msg.Parts)
		switch msg.Role {
		case RoleSystem:
			if wire.SystemInstruction == nil {
				wire.SystemInstruction = &GeminiContent{Parts: parts}
			} else {
				wire.SystemInstruction.Parts = append(wire.SystemInstruction.Parts, parts...)
			}
		default:
			wire.Contents = append(wire.Contents, GeminiContent{
				Role:  canonicalRoleToGemini(msg.Role),
				Parts: parts,
			})
		}
	}

	if len(req.Tools) > 0 {
		tool := GeminiTool{}
		for _, decl := range req.Tools {
			tool.FunctionDeclarations = append(tool.FunctionDeclarations, GeminiFunctionDecl{
				Name:        decl.Name,
				Description: decl.Description,
				Parameters:  decl.Parameters,
			})
		}
		wire.Tools = []GeminiTool{tool}
	}

	if req.ToolMode != "" {
		fcc := &GeminiFunctionCallingConfig{AllowedFunctionNames: req.AllowedFunctions}
		switch req.ToolMode {
		case ToolModeAuto:
			fcc.Mode = "AUTO"
		case ToolModeAny:
			fcc.Mode = "ANY"
		case ToolModeNone:
			fcc.Mode = "NONE"
		}
		wire.ToolConfig = &GeminiToolConfig{FunctionCallingConfig: fcc}
	}

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil ||
		req.CandidateCount != nil || len(req.Stop) > 0 {
		wire.GenerationConfig = &GeminiGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			CandidateCount:  req.CandidateCount,
			StopSequences:   req.Stop,
		}
	}

	return wire
}

// DecodeGeminiResponse converts an upstream unary response to canonical
// form. A missing usage block defaults to zero counts.
func DecodeGeminiResponse(wire *GeminiResponse, model string) *Response {
	resp := &Response{ID: wire.ResponseID, Model: model}
	if wire.ModelVersion != "" {
		resp.Model = wire.ModelVersion
	}

	if len(wire.Candidates) > 0 {
		candidate := wire.Candidates[0]
		resp.Parts = decodeGeminiParts(candidate.Content.Parts)
		resp.FinishReason = geminiFinishToCanonical(candidate.FinishReason, resp.Parts)
	}

	if wire.UsageMetadata != nil {
		resp.Usage.PromptTokens = wire.UsageMetadata.PromptTokenCount
		resp.Usage.CompletionTokens = wire.UsageMetadata.CandidatesTokenCount
		resp.Usage.TotalTokens = wire.UsageMetadata.TotalTokenCount
	}

	return resp
}

// DecodeGeminiChunk converts one streamed upstream increment to canonical
// form.
func DecodeGeminiChunk(wire *GeminiResponse, model string) *Chunk {
	chunk := &Chunk{ID: wire.ResponseID, Model: model}

	if len(wire.Candidates) > 0 {
		candidate := wire.Candidates[0]
		chunk.Parts = decodeGeminiParts(candidate.Content.Parts)
		if candidate.Content.Role != "" {
			chunk.Role = RoleModel
		}
		chunk.FinishReason = geminiFinishToCanonical(candidate.FinishReason, chunk.Parts)
	}

	if wire.UsageMetadata != nil {
		chunk.Usage = &models.TokenUsage{
			PromptTokens:     wire.UsageMetadata.PromptTokenCount,
			CompletionTokens: wire.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      wire.UsageMetadata.TotalTokenCount,
		}
	}

	return chunk
}

// EncodeGeminiResponse renders a canonical response in the native wire
// format for clients that called the native surface.
func EncodeGeminiResponse(resp *Response) *GeminiResponse {
	wire := &GeminiResponse{
		ResponseID:   resp.ID,
		ModelVersion: resp.Model,
		Candidates: []GeminiCandidate{{
			Content: GeminiContent{
				Role:  "model",
				Parts: encodeGeminiParts(resp.Parts),
			},
			FinishReason: canonicalFinishToGemini(resp.FinishReason),
		}},
	}

	if resp.Usage != (models.TokenUsage{}) {
		wire.UsageMetadata = &GeminiUsage{
			PromptTokenCount:     resp.Usage.PromptTokens,
			CandidatesTokenCount: resp.Usage.CompletionTokens,
			TotalTokenCount:      resp.Usage.TotalTokens,
		}
	}

	return wire
}

// EncodeGeminiChunk renders a canonical chunk as a native-format stream
// increment.
func EncodeGeminiChunk(chunk *Chunk) *GeminiResponse {
	wire := &GeminiResponse{
		ResponseID:   chunk.ID,
		ModelVersion: chunk.Model,
		Candidates: []GeminiCandidate{{
			Content: GeminiContent{
				Role:  "model",
				Parts: encodeGeminiParts(chunk.Parts),
			},
			FinishReason: canonicalFinishToGemini(chunk.FinishReason),
		}},
	}

	if chunk.Usage != nil {
		wire.UsageMetadata = &GeminiUsage{
			PromptTokenCount:     chunk.Usage.PromptTokens,
			CandidatesTokenCount: chunk.Usage.CompletionTokens,
			TotalTokenCount:      chunk.Usage.TotalTokens,
		}
	}

	return wire
}

func decodeGeminiParts(parts []GeminiPart) []Part {
	out := make([]Part, 0, len(parts))
	for _, p := range parts {
		switch {
		case p.FunctionCall != nil:
			out = append(out, Part{FunctionCall: &FunctionCall{
				Name: p.FunctionCall.Name,
				Args: p.FunctionCall.Args,
			}})
		case p.FunctionResponse != nil:
			out = append(out, Part{FunctionResponse: &FunctionResponse{
				Name:     p.FunctionResponse.Name,
				Response: p.FunctionResponse.Response,
			}})
		default:
			out = append(out, Part{Text: p.Text})
		}
	}
	return out
}

func encodeGeminiParts(parts []Part) []GeminiPart {
	out := make([]GeminiPart, 0, len(parts))
	for _, p := range parts {
		switch {
		case p.FunctionCall != nil:
			out = append(out, GeminiPart{FunctionCall: &GeminiFunctionCall{
				Name: p.FunctionCall.Name,
				Args: p.FunctionCall.Args,
			}})
		case p.FunctionResponse != nil:
			out = append(out, GeminiPart{FunctionResponse: &GeminiFunctionResponse{
				Name:     p.FunctionResponse.Name,
				Response: p.FunctionResponse.Response,
			}})
		default:
			out = append(out, GeminiPart{Text: p.Text})
		}
	}
	return out
}

func geminiRoleToCanonical(role string) string {
	switch role {
	case "model":
		return RoleModel
	case "function":
		return RoleTool
	default:
		return RoleUser
	}
}

func canonicalRoleToGemini(role string) string {
	switch role {
	case RoleModel:
		return "model"
	case RoleTool:
		// Function results travel back on the user turn in v1beta.
		return "user"
	default:
		return "user"
	}
}

func geminiFinishToCanonical(reason string, parts []Part) string {
	for i := range parts {
		if parts[i].FunctionCall != nil {
			return FinishToolCalls
		}
	}
	switch reason {
	case "":
		return ""
	case "STOP":
		return FinishStop
	case "MAX_TOKENS":
		return FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return FinishSafety
	default:
		return FinishOther
	}
}

func canonicalFinishToGemini(reason string) string {
	switch reason {
	case "":
		return ""
	case FinishStop, FinishToolCalls:
		return "STOP"
	case FinishLength:
		return "MAX_TOKENS"
	case FinishSafety:
		return "SAFETY"
	default:
		return "OTHER"
	}
}

