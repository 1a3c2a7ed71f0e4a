package translator

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeGeminiRequest(t *testing.T) {
	body := []byte(`{
		"systemInstruction": {"parts": [{"text": "Be brief."}]},
		"contents": [
			{"role": "user", "parts": [{"text": "Hello"}]},
			{"role": "model", "parts": [{"text": "Hi"}]}
		],
		"generationConfig": {"temperature": 0.5, "maxOutputTokens": 128, "stopSequences": ["END"]}
	}`)

	req, err := DecodeGeminiRequest(body, "gemini-2.5-flash", false)
	if err != nil {
		t.Fatalf("DecodeGeminiRequest() error = %v", err)
	}

	if req.Model != "gemini-2.5-flash" {
		t.Errorf("Model = %q, want gemini-2.5-flash", req.Model)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("len(Messages) = %d, want 3 (system + 2 contents)", len(req.Messages))
	}
	if req.Messages[0].Role != RoleSystem || req.Messages[0].Parts[0].Text != "Be brief." {
		t.Errorf("Messages[0] = %+v, want the system instruction", req.Messages[0])
	}
	if req.Messages[2].Role != RoleModel {
		t.Errorf("Messages[2].Role = %q, want %q", req.Messages[2].Role, RoleModel)
	}
	if req.MaxTokens == nil || *req.MaxTokens != 128 {
		t.Errorf("MaxTokens = %v, want 128", req.MaxTokens)
	}
	if len(req.Stop) != 1 || req.Stop[0] != "END" {
		t.Errorf("Stop = %v, want [END]", req.Stop)
	}
}

func TestDecodeGeminiRequestValidation(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		model string
		field string
	}{
		{"missing model", `{"contents":[{"parts":[{"text":"hi"}]}]}`, "", "model"},
		{"malformed json", `{`, "gemini-2.5-flash", "body"},
		{"empty contents", `{"contents":[]}`, "gemini-2.5-flash", "contents"},
		{"empty parts", `{"contents":[{"role":"user","parts":[]}]}`, "gemini-2.5-flash", "contents[0].parts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeGeminiRequest([]byte(tt.body), tt.model, false)
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

func TestDecodeGeminiResponse(t *testing.T) {
	wire := &GeminiResponse{
		ResponseID:   "resp-1",
		ModelVersion: "gemini-2.5-flash-001",
		Candidates: []GeminiCandidate{{
			Content: GeminiContent{
				Role:  "model",
				Parts: []GeminiPart{{Text: "Hello"}},
			},
			FinishReason: "STOP",
		}},
		UsageMetadata: &GeminiUsage{
			PromptTokenCount:     7,
			CandidatesTokenCount: 3,
			TotalTokenCount:      10,
		},
	}

	resp := DecodeGeminiResponse(wire, "gemini-2.5-flash")
	if resp.ID != "resp-1" {
		t.Errorf("ID = %q, want resp-1", resp.ID)
	}
	if resp.Model != "gemini-2.5-flash-001" {
		t.Errorf("Model = %q, want the upstream model version", resp.Model)
	}
	if resp.Text() != "Hello" {
		t.Errorf("Text() = %q, want Hello", resp.Text())
	}
	if resp.FinishReason != FinishStop {
		t.Errorf("FinishReason = %q, want %q", resp.FinishReason, FinishStop)
	}
	if resp.Usage.TotalTokens != 10 {
		t.Errorf("Usage.TotalTokens = %d, want 10", resp.Usage.TotalTokens)
	}
}

func TestGeminiFinishReasonMapping(t *testing.T) {
	tests := []struct {
		upstream string
		want     string
	}{
		{"STOP", FinishStop},
		{"MAX_TOKENS", FinishLength},
		{"SAFETY", FinishSafety},
		{"RECITATION", FinishSafety},
		{"PROHIBITED_CONTENT", FinishSafety},
		{"SOMETHING_NEW", FinishOther},
		{"", ""},
	}

	for _, tt := range tests {
		wire := &GeminiResponse{Candidates: []GeminiCandidate{{
			Content:      GeminiContent{Parts: []GeminiPart{{Text: "x"}}},
			FinishReason: tt.upstream,
		}}}
		resp := DecodeGeminiResponse(wire, "m")
		if resp.FinishReason != tt.want {
			t.Errorf("finish %q = %q, want %q", tt.upstream, resp.FinishReason, tt.want)
		}
	}
}

func TestGeminiFunctionCallImpliesToolCallsFinish(t *testing.T) {
	wire := &GeminiResponse{Candidates: []GeminiCandidate{{
		Content: GeminiContent{Parts: []GeminiPart{{
			FunctionCall: &GeminiFunctionCall{Name: "get_weather", Args: json.RawMessage(`{}`)},
		}}},
		FinishReason: "STOP",
	}}}

	resp := DecodeGeminiResponse(wire, "m")
	if resp.FinishReason != FinishToolCalls {
		t.Errorf("FinishReason = %q, want %q when a function call is present", resp.FinishReason, FinishToolCalls)
	}
	if len(resp.FunctionCalls()) != 1 {
		t.Errorf("len(FunctionCalls()) = %d, want 1", len(resp.FunctionCalls()))
	}
}

func TestEncodeGeminiResponseRoundTrip(t *testing.T) {
	resp := &Response{
		ID:           "resp-9",
		Model:        "gemini-2.5-pro",
		Parts:        []Part{{Text: "answer"}},
		FinishReason: FinishLength,
	}
	resp.Usage.PromptTokens = 2
	resp.Usage.CompletionTokens = 4
	resp.Usage.TotalTokens = 6

	wire := EncodeGeminiResponse(resp)
	if wire.ResponseID != "resp-9" || wire.ModelVersion != "gemini-2.5-pro" {
		t.Errorf("identity fields = %q/%q, want resp-9/gemini-2.5-pro", wire.ResponseID, wire.ModelVersion)
	}
	if wire.Candidates[0].FinishReason != "MAX_TOKENS" {
		t.Errorf("FinishReason = %q, want MAX_TOKENS", wire.Candidates[0].FinishReason)
	}
	if wire.UsageMetadata == nil || wire.UsageMetadata.TotalTokenCount != 6 {
		t.Errorf("UsageMetadata = %+v, want total 6", wire.UsageMetadata)
	}

	again := DecodeGeminiResponse(wire, "")
	if again.Text() != "answer" || again.FinishReason != FinishLength || again.Usage != resp.Usage {
		t.Errorf("round trip = %+v, want the original response back", again)
	}
}

func TestDecodeGeminiChunk(t *testing.T) {
	wire := &GeminiResponse{
		ResponseID: "resp-2",
		Candidates: []GeminiCandidate{{
			Content: GeminiContent{Role: "model", Parts: []GeminiPart{{Text: "chunk text"}}},
		}},
	}

	chunk := DecodeGeminiChunk(wire, "gemini-2.5-flash")
	if chunk.Role != RoleModel {
		t.Errorf("Role = %q, want %q on a chunk that carries a role", chunk.Role, RoleModel)
	}
	if chunk.Text() != "chunk text" {
		t.Errorf("Text() = %q, want chunk text", chunk.Text())
	}
	if chunk.Usage != nil {
		t.Errorf("Usage = %+v, want nil before the final chunk", chunk.Usage)
	}

	wire.UsageMetadata = &GeminiUsage{TotalTokenCount: 12}
	final := DecodeGeminiChunk(wire, "gemini-2.5-flash")
	if final.Usage == nil || final.Usage.TotalTokens != 12 {
		t.Errorf("final Usage = %+v, want total 12", final.Usage)
	}
}
