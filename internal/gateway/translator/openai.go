package translator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"
)

// DecodeOpenAIRequest parses an OpenAI-compatible chat-completions body
// into canonical form.
func DecodeOpenAIRequest(body []byte) (*Request, error) {
	var wire openai.ChatCompletionRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, &ValidationError{Field: "body", Message: "malformed JSON: " + err.Error()}
	}
	if wire.Model == "" {
		return nil, &ValidationError{Field: "model", Message: "model name is required"}
	}
	if len(wire.Messages) == 0 {
		return nil, &ValidationError{Field: "messages", Message: "messages must not be empty"}
	}

	req := &Request{Model: wire.Model, Stream: wire.Stream}

	for i, msg := range wire.Messages {
		canonical, err := decodeOpenAIMessage(i, msg)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, canonical)
	}

	for _, tool := range wire.Tools {
		if tool.Function == nil {
			continue
		}
		params, err := json.Marshal(tool.Function.Parameters)
		if err != nil {
			return nil, &ValidationError{Field: "tools", Message: "unencodable function parameters"}
		}
		req.Tools = append(req.Tools, FunctionDecl{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Parameters:  params,
		})
	}

	if err := decodeOpenAIToolChoice(wire.ToolChoice, req); err != nil {
		return nil, err
	}

	if wire.Temperature != 0 {
		t := wire.Temperature
		req.Temperature = &t
	}
	if wire.TopP != 0 {
		p := wire.TopP
		req.TopP = &p
	}
	if wire.MaxTokens > 0 {
		n := wire.MaxTokens
		req.MaxTokens = &n
	}
	if wire.N > 0 {
		n := wire.N
		req.CandidateCount = &n
	}
	req.Stop = wire.Stop

	return req, nil
}

func decodeOpenAIMessage(index int, msg openai.ChatCompletionMessage) (Message, error) {
	out := Message{}

	switch msg.Role {
	case openai.ChatMessageRoleSystem:
		out.Role = RoleSystem
	case openai.ChatMessageRoleAssistant:
		out.Role = RoleModel
	case openai.ChatMessageRoleUser:
		out.Role = RoleUser
	case openai.ChatMessageRoleTool, openai.ChatMessageRoleFunction:
		out.Role = RoleTool
	default:
		return out, &ValidationError{
			Field:   fmt.Sprintf("messages[%d].role", index),
			Message: "unsupported role " + msg.Role,
		}
	}

	if out.Role == RoleTool {
		// Tool results come back as plain strings; wrap them so the
		// native format receives an object.
		response := json.RawMessage(msg.Content)
		if !json.Valid(response) || len(response) == 0 || response[0] != '{' {
			wrapped, _ := json.Marshal(map[string]string{"content": msg.Content})
			response = wrapped
		}
		name := msg.Name
		if name == "" {
			name = msg.ToolCallID
		}
		out.Parts = append(out.Parts, Part{FunctionResponse: &FunctionResponse{
			Name:     name,
			Response: response,
		}})
		return out, nil
	}

	if msg.Content != "" {
		out.Parts = append(out.Parts, Part{Text: msg.Content})
	}
	for _, part := range msg.MultiContent {
		// Only text parts have a native counterpart; others are dropped.
		if part.Type == openai.ChatMessagePartTypeText {
			out.Parts = append(out.Parts, Part{Text: part.Text})
		}
	}
	for _, call := range msg.ToolCalls {
		out.Parts = append(out.Parts, Part{FunctionCall: &FunctionCall{
			Name: call.Function.Name,
			Args: json.RawMessage(call.Function.Arguments),
		}})
	}

	if len(out.Parts) == 0 {
		return out, &ValidationError{
			Field:   fmt.Sprintf("messages[%d].content", index),
			Message: "message has no content",
		}
	}
	return out, nil
}

func decodeOpenAIToolChoice(choice any, req *Request) error {
	switch v := choice.(type) {
	case nil:
		return nil
	case string:
		switch v {
		case "auto":
			req.ToolMode = ToolModeAuto
		case "none":
			req.ToolMode = ToolModeNone
		case "required":
			req.ToolMode = ToolModeAny
		default:
			return &ValidationError{Field: "tool_choice", Message: "unsupported value " + v}
		}
	case map[string]interface{}:
		fn, _ := v["function"].(map[string]interface{})
		name, _ := fn["name"].(string)
		if name == "" {
			return &ValidationError{Field: "tool_choice.function.name", Message: "function name is required"}
		}
		req.ToolMode = ToolModeAny
		req.AllowedFunctions = []string{name}
	case openai.ToolChoice:
		if v.Function.Name == "" {
			return &ValidationError{Field: "tool_choice.function.name", Message: "function name is required"}
		}
		req.ToolMode = ToolModeAny
		req.AllowedFunctions = []string{v.Function.Name}
	default:
		return &ValidationError{Field: "tool_choice", Message: "unsupported tool_choice shape"}
	}
	return nil
}

// EncodeOpenAIResponse renders a canonical response as an OpenAI-compatible
// chat completion.
func EncodeOpenAIResponse(resp *Response) openai.ChatCompletionResponse {
	message := openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: resp.Text(),
	}
	for i, call := range resp.FunctionCalls() {
		message.ToolCalls = append(message.ToolCalls, openai.ToolCall{
			ID:   fmt.Sprintf("call_%d", i),
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      call.Name,
				Arguments: string(call.Args),
			},
		})
	}

	return openai.ChatCompletionResponse{
		ID:      openAIResponseID(resp.ID),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []openai.ChatCompletionChoice{{
			Index:        0,
			Message:      message,
			FinishReason: canonicalFinishToOpenAI(resp.FinishReason),
		}},
		Usage: openai.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
}

// EncodeOpenAIChunk renders a canonical chunk as an OpenAI-compatible
// stream increment. The id ties all chunks of one request together.
func EncodeOpenAIChunk(chunk *Chunk, id string) openai.ChatCompletionStreamResponse {
	wire := openai.ChatCompletionStreamResponse{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   chunk.Model,
	}

	choice := openai.ChatCompletionStreamChoice{Index: 0}
	if chunk.Role != "" {
		choice.Delta.Role = openai.ChatMessageRoleAssistant
	}
	if text := chunk.Text(); text != "" {
		choice.Delta.Content = text
	}
	for i := range chunk.Parts {
		if call := chunk.Parts[i].FunctionCall; call != nil {
			index := i
			choice.Delta.ToolCalls = append(choice.Delta.ToolCalls, openai.ToolCall{
				Index: &index,
				ID:    fmt.Sprintf("call_%d", i),
				Type:  openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: string(call.Args),
				},
			})
		}
	}
	if chunk.FinishReason != "" {
		choice.FinishReason = canonicalFinishToOpenAI(chunk.FinishReason)
	}
	wire.Choices = []openai.ChatCompletionStreamChoice{choice}

	if chunk.Usage != nil {
		wire.Usage = &openai.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}

	return wire
}

func canonicalFinishToOpenAI(reason string) openai.FinishReason {
	switch reason {
	case "":
		return ""
	case FinishLength:
		return openai.FinishReasonLength
	case FinishToolCalls:
		return openai.FinishReasonToolCalls
	case FinishSafety:
		return openai.FinishReasonContentFilter
	default:
		return openai.FinishReasonStop
	}
}

func openAIResponseID(upstreamID string) string {
	if upstreamID != "" {
		return "chatcmpl-" + upstreamID
	}
	return fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano())
}
