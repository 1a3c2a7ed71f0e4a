package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keyfleet/gemini-gateway/internal/gateway/translator"
	"github.com/keyfleet/gemini-gateway/internal/shared/models"
)

// HandleGenerateContent handles the native surface:
//
//	POST /v1beta/models/{model}:generateContent
//	POST /v1beta/models/{model}:streamGenerateContent
//
// The colon is part of the final path segment, so chi hands us
// "model:action" as one parameter.
func (h *Handler) HandleGenerateContent(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	pk := ProxyKeyFrom(r.Context())
	id := requestID(r)
	w.Header().Set("X-Request-Id", id)

	model, action, ok := strings.Cut(chi.URLParam(r, "model"), ":")
	if !ok || (action != "generateContent" && action != "streamGenerateContent") {
		writeGeminiError(w, &models.AttemptError{
			Kind:       models.ErrValidation,
			StatusCode: http.StatusNotFound,
			Code:       "unknown_action",
			Message:    "unsupported method; use :generateContent or :streamGenerateContent",
		})
		return
	}
	streaming := action == "streamGenerateContent"

	body, err := readBody(r)
	if err != nil {
		writeGeminiError(w, &models.AttemptError{
			Kind:       models.ErrValidation,
			StatusCode: http.StatusBadRequest,
			Code:       "invalid_request",
			Message:    "could not read request body",
		})
		return
	}

	req, err := translator.DecodeGeminiRequest(body, model, streaming)
	if err != nil {
		res := validationResult(model, err)
		writeGeminiError(w, res.Err)
		h.finish(id, models.FormatGemini, streaming, pk, res, body, nil, time.Since(start))
		return
	}

	if streaming {
		h.streamGenerateContent(w, r, pk, req, body, id, start)
		return
	}

	res := h.orch.Dispatch(r.Context(), req)
	total := time.Since(start)

	if !res.Successful() {
		writeGeminiError(w, res.Err)
		h.finish(id, models.FormatGemini, false, pk, res, body, nil, total)
		return
	}

	wire := translator.EncodeGeminiResponse(res.Response)
	respBody, merr := json.Marshal(wire)
	if merr != nil {
		writeGeminiError(w, &models.AttemptError{
			Kind:       models.ErrUnknown,
			StatusCode: http.StatusInternalServerError,
			Code:       "encode_failed",
			Message:    "could not encode response",
		})
		h.finish(id, models.FormatGemini, false, pk, res, body, nil, total)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(respBody)

	h.finish(id, models.FormatGemini, false, pk, res, body, respBody, total)
}

// streamGenerateContent relays translated chunks as native SSE events.
func (h *Handler) streamGenerateContent(w http.ResponseWriter, r *http.Request, pk *models.ProxyKey, req *translator.Request, body []byte, id string, start time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeGeminiError(w, &models.AttemptError{
			Kind:       models.ErrUnknown,
			StatusCode: http.StatusInternalServerError,
			Code:       "no_streaming",
			Message:    "streaming not supported",
		})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sink := func(chunk *translator.Chunk) error {
		wire := translator.EncodeGeminiChunk(chunk)
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
		// The native stream has no terminator event; the connection
		// closing marks the end.
	case res.Committed:
		writeGeminiStreamError(w, flusher, res.Err)
	default:
		writeGeminiError(w, res.Err)
	}

	h.finish(id, models.FormatGemini, true, pk, res, body, []byte(res.StreamText), total)
}

func writeGeminiStreamError(w http.ResponseWriter, flusher http.Flusher, e *models.AttemptError) {
	body := geminiError{Error: geminiErrorDetail{
		Code:    e.StatusCode,
		Message: e.Message,
		Status:  geminiErrorStatus(e.StatusCode),
	}}
	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
