package translator

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeOpenAIRequest(t *testing.T) {
	body := []byte(`{
		"model": "gemini-2.5-flash",
		"messages": [
			{"role": "system", "content": "Be brief."},
			{"role": "user", "content": "Hello"},
			{"role": "assistant", "content": "Hi there"},
			{"role": "user", "content": "What time is it?"}
		],
		"temperature": 0.7,
		"max_tokens": 256,
		"stream": true
	}`)

	req, err := DecodeOpenAIRequest(body)
	if err != nil {
		t.Fatalf("DecodeOpenAIRequest() error = %v", err)
	}

	if req.Model != "gemini-2.5-flash" {
		t.Errorf("Model = %q, want gemini-2.5-flash", req.Model)
	}
	if !req.Stream {
		t.Error("Stream = false, want true")
	}
	if len(req.Messages) != 4 {
		t.Fatalf("len(Messages) = %d, want 4", len(req.Messages))
	}

	wantRoles := []string{RoleSystem, RoleUser, RoleModel, RoleUser}
	for i, want := range wantRoles {
		if req.Messages[i].Role != want {
			t.Errorf("Messages[%d].Role = %q, want %q", i, req.Messages[i].Role, want)
		}
	}
	if got := req.Messages[1].Parts[0].Text; got != "Hello" {
		t.Errorf("Messages[1] text = %q, want Hello", got)
	}
	if req.Temperature == nil || *req.Temperature != 0.7 {
		t.Errorf("Temperature = %v, want 0.7", req.Temperature)
	}
	if req.MaxTokens == nil || *req.MaxTokens != 256 {
		t.Errorf("MaxTokens = %v, want 256", req.MaxTokens)
	}
}

func TestDecodeOpenAIRequestValidation(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"malformed json", `{`, "body"},
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`, "model"},
		{"empty messages", `{"model":"gemini-2.5-flash","messages":[]}`, "messages"},
		{"missing messages", `{"model":"gemini-2.5-flash"}`, "messages"},
		{"empty content", `{"model":"gemini-2.5-flash","messages":[{"role":"user"}]}`, "messages[0].content"},
		{"bad role", `{"model":"gemini-2.5-flash","messages":[{"role":"wizard","content":"hi"}]}`, "messages[0].role"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeOpenAIRequest([]byte(tt.body))
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error = %v, want *ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestDecodeOpenAIRequestToolCalls(t *testing.T) {
	body := []byte(`{
		"model": "gemini-2.5-pro",
		"messages": [
			{"role": "user", "content": "weather in Paris?"},
			{"role": "assistant", "tool_calls": [
				{"id": "call_0", "type": "function",
				 "function": {"name": "get_weather", "arguments": "{\"city\":\"Paris\"}"}}
			]},
			{"role": "tool", "tool_call_id": "get_weather", "content": "sunny"}
		],
		"tools": [
			{"type": "function", "function": {"name": "get_weather", "description": "Weather lookup"}}
		],
		"tool_choice": "auto"
	}`)

	req, err := DecodeOpenAIRequest(body)
	if err != nil {
		t.Fatalf("DecodeOpenAIRequest() error = %v", err)
	}

	if len(req.Tools) != 1 || req.Tools[0].Name != "get_weather" {
		t.Fatalf("Tools = %+v, want one get_weather declaration", req.Tools)
	}
	if req.ToolMode != ToolModeAuto {
		t.Errorf("ToolMode = %q, want %q", req.ToolMode, ToolModeAuto)
	}

	call := req.Messages[1].Parts[0].FunctionCall
	if call == nil || call.Name != "get_weather" {
		t.Fatalf("assistant part = %+v, want get_weather call", req.Messages[1].Parts[0])
	}

	fr := req.Messages[2].Parts[0].FunctionResponse
	if fr == nil || fr.Name != "get_weather" {
		t.Fatalf("tool part = %+v, want get_weather response", req.Messages[2].Parts[0])
	}
	// A bare string result must be wrapped into an object for the upstream.
	var wrapped map[string]string
	if err := json.Unmarshal(fr.Response, &wrapped); err != nil || wrapped["content"] != "sunny" {
		t.Errorf("Response = %s, want wrapped {\"content\":\"sunny\"}", fr.Response)
	}
}

func TestOpenAIRoundTripThroughGemini(t *testing.T) {
	body := []byte(`{
		"model": "gemini-2.5-flash",
		"messages": [
			{"role": "system", "content": "Be brief."},
			{"role": "user", "content": "Hello"}
		]
	}`)

	req, err := DecodeOpenAIRequest(body)
	if err != nil {
		t.Fatalf("DecodeOpenAIRequest() error = %v", err)
	}

	wire := EncodeGeminiRequest(req)
	if wire.SystemInstruction == nil || wire.SystemInstruction.Parts[0].Text != "Be brief." {
		t.Errorf("SystemInstruction = %+v, want the system message", wire.SystemInstruction)
	}
	if len(wire.Contents) != 1 {
		t.Fatalf("len(Contents) = %d, want 1 (system travels separately)", len(wire.Contents))
	}
	if wire.Contents[0].Role != "user" || wire.Contents[0].Parts[0].Text != "Hello" {
		t.Errorf("Contents[0] = %+v, want user/Hello", wire.Contents[0])
	}
}

func TestEncodeOpenAIResponse(t *testing.T) {
	resp := &Response{
		ID:           "abc123",
		Model:        "gemini-2.5-flash",
		Parts:        []Part{{Text: "Hello "}, {Text: "world"}},
		FinishReason: FinishStop,
	}
	resp.Usage.PromptTokens = 10
	resp.Usage.CompletionTokens = 5
	resp.Usage.TotalTokens = 15

	wire := EncodeOpenAIResponse(resp)

	if wire.ID != "chatcmpl-abc123" {
		t.Errorf("ID = %q, want chatcmpl-abc123", wire.ID)
	}
	if wire.Object != "chat.completion" {
		t.Errorf("Object = %q, want chat.completion", wire.Object)
	}
	if len(wire.Choices) != 1 {
		t.Fatalf("len(Choices) = %d, want 1", len(wire.Choices))
	}
	if got := wire.Choices[0].Message.Content; got != "Hello world" {
		t.Errorf("Content = %q, want Hello world", got)
	}
	if wire.Choices[0].FinishReason != "stop" {
		t.Errorf("FinishReason = %q, want stop", wire.Choices[0].FinishReason)
	}
	if wire.Usage.TotalTokens != 15 {
		t.Errorf("Usage.TotalTokens = %d, want 15", wire.Usage.TotalTokens)
	}
}

func TestEncodeOpenAIResponseToolCalls(t *testing.T) {
	resp := &Response{
		Model: "gemini-2.5-pro",
		Parts: []Part{{FunctionCall: &FunctionCall{
			Name: "get_weather",
			Args: json.RawMessage(`{"city":"Paris"}`),
		}}},
		FinishReason: FinishToolCalls,
	}

	wire := EncodeOpenAIResponse(resp)
	choice := wire.Choices[0]
	if choice.FinishReason != "tool_calls" {
		t.Errorf("FinishReason = %q, want tool_calls", choice.FinishReason)
	}
	if len(choice.Message.ToolCalls) != 1 {
		t.Fatalf("len(ToolCalls) = %d, want 1", len(choice.Message.ToolCalls))
	}
	call := choice.Message.ToolCalls[0]
	if call.Function.Name != "get_weather" || call.Function.Arguments != `{"city":"Paris"}` {
		t.Errorf("ToolCall = %+v, want get_weather(Paris)", call)
	}
}

func TestEncodeOpenAIChunk(t *testing.T) {
	chunk := &Chunk{
		Model: "gemini-2.5-flash",
		Role:  RoleModel,
		Parts: []Part{{Text: "partial"}},
	}

	wire := EncodeOpenAIChunk(chunk, "chatcmpl-req1")
	if wire.ID != "chatcmpl-req1" {
		t.Errorf("ID = %q, want chatcmpl-req1", wire.ID)
	}
	if wire.Object != "chat.completion.chunk" {
		t.Errorf("Object = %q, want chat.completion.chunk", wire.Object)
	}
	delta := wire.Choices[0].Delta
	if delta.Role != "assistant" {
		t.Errorf("Delta.Role = %q, want assistant", delta.Role)
	}
	if delta.Content != "partial" {
		t.Errorf("Delta.Content = %q, want partial", delta.Content)
	}
	if wire.Choices[0].FinishReason != "" {
		t.Errorf("FinishReason = %q, want empty on a mid-stream chunk", wire.Choices[0].FinishReason)
	}
}
