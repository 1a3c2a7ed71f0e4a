package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/keyfleet/gemini-gateway/internal/gateway/translator"
	"github.com/keyfleet/gemini-gateway/internal/shared/models"
)

// HandleChatCompletion handles POST /v1/chat/completions
func (h *Handler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	pk := ProxyKeyFrom(r.Context())
	id := requestID(r)
	w.Header().Set("X-Request-Id", id)

	body, err := readBody(r)
	if err != nil {
		writeOpenAIError(w, &models.AttemptError{
			Kind:       models.ErrValidation,
			StatusCode: http.StatusBadRequest,
			Code:       "invalid_request",
			Message:    "could not read request body",
		})
		return
	}

	req, err := translator.DecodeOpenAIRequest(body)
	if err != nil {
		res := validationResult("", err)
		writeOpenAIError(w, res.Err)
		h.finish(id, models.FormatOpenAI, false, pk, res, body, nil, time.Since(start))
		return
	}

	if req.Stream {
		h.streamChatCompletion(w, r, pk, req, body, id, start)
		return
	}

	res := h.orch.Dispatch(r.Context(), req)
	total := time.Since(start)

	if !res.Successful() {
		writeOpenAIError(w, res.Err)
		h.finish(id, models.FormatOpenAI, false, pk, res, body, nil, total)
		return
	}

	wire := translator.EncodeOpenAIResponse(res.Response)
	respBody, merr := json.Marshal(wire)
	if merr != nil {
		writeOpenAIError(w, &models.AttemptError{
			Kind:       models.ErrUnknown,
			StatusCode: http.StatusInternalServerError,
			Code:       "encode_failed",
			Message:    "could not encode response",
		})
		h.finish(id, models.FormatOpenAI, false, pk, res, body, nil, total)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(respBody)

	h.finish(id, models.FormatOpenAI, false, pk, res, body, respBody, total)
}

// streamChatCompletion relays translated chunks as OpenAI SSE events.
func (h *Handler) streamChatCompletion(w http.ResponseWriter, r *http.Request, pk *models.ProxyKey, req *translator.Request, body []byte, id string, start time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeOpenAIError(w, &models.AttemptError{
			Kind:       models.ErrUnknown,
			StatusCode: http.StatusInternalServerError,
			Code:       "no_streaming",
			Message:    "streaming not supported",
		})
		return
	}

	// Headers are staged here but nothing is written until the first chunk
	// commits, so a pre-commit failure can still fall back to a plain
	// HTTP error in the OpenAI shape.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	chunkID := "chatcmpl-" + id
	sink := func(chunk *translator.Chunk) error {
		wire := translator.EncodeOpenAIChunk(chunk, chunkID)
		data, err := json.Marshal(wire)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	res := h.orch.DispatchStream(r.Context(), req, sink)
	total := time.Since(start)

	switch {
	case res.Successful():
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	case res.Committed:
		// Partial output already reached the client; all that is left is
		// an in-stream error event.
		writeOpenAIStreamError(w, flusher, res.Err)
	default:
		writeOpenAIError(w, res.Err)
	}

	h.finish(id, models.FormatOpenAI, true, pk, res, body, []byte(res.StreamText), total)
}

func writeOpenAIStreamError(w http.ResponseWriter, flusher http.Flusher, e *models.AttemptError) {
	body := openAIError{Error: openAIErrorDetail{
		Message: e.Message,
		Type:    openAIErrorType(e.Kind),
		Code:    e.Code,
	}}
	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

// HandleListModels handles GET /v1/models with the models this deployment
// fronts, in the OpenAI list shape.
func (h *Handler) HandleListModels(w http.ResponseWriter, r *http.Request) {
	known := []string{
		"gemini-2.5-pro",
		"gemini-2.5-flash",
		"gemini-2.0-flash",
		"gemini-2.0-flash-lite",
	}

	list := openai.ModelsList{}
	for _, name := range known {
		list.Models = append(list.Models, openai.Model{
			ID:      name,
			Object:  "model",
			OwnedBy: "google",
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(list)
}
