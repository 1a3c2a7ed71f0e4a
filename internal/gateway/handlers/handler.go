package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/keyfleet/gemini-gateway/internal/gateway/dispatch"
	"github.com/keyfleet/gemini-gateway/internal/gateway/metrics"
	"github.com/keyfleet/gemini-gateway/internal/shared/models"
)

const maxRequestBody = 10 << 20

// Handler serves both inbound wire surfaces on top of one dispatch engine.
type Handler struct {
	orch     *dispatch.Orchestrator
	recorder *dispatch.Recorder
	metrics  *metrics.Metrics
}

// New creates a Handler.
func New(orch *dispatch.Orchestrator, recorder *dispatch.Recorder, m *metrics.Metrics) *Handler {
	return &Handler{orch: orch, recorder: recorder, metrics: m}
}

// Mount attaches both surfaces under their path prefixes.
func (h *Handler) Mount(r chi.Router, mw *Middleware) {
	r.Route("/v1", func(r chi.Router) {
		r.Use(mw.Auth(models.FormatOpenAI))
		r.Use(mw.RateLimit(models.FormatOpenAI))

		r.Post("/chat/completions", h.HandleChatCompletion)
		r.Get("/models", h.HandleListModels)
	})

	r.Route("/v1beta", func(r chi.Router) {
		r.Use(mw.Auth(models.FormatGemini))
		r.Use(mw.RateLimit(models.FormatGemini))

		r.Post("/models/{model}", h.HandleGenerateContent)
	})
}

// requestID returns the client-supplied request id or generates one.
func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
}

// finish records metrics and queues the request log. Called exactly once
// per inbound request, on every path out of a handler.
func (h *Handler) finish(id, format string, stream bool, pk *models.ProxyKey, res *dispatch.Result, reqBody, respBody []byte, total time.Duration) {
	for _, a := range res.Attempts {
		if a.Error != nil {
			h.metrics.ObserveAttempt(string(a.Error.Kind))
		} else {
			h.metrics.ObserveAttempt("success")
		}
	}
	h.metrics.ObserveRequest(format, string(res.Outcome), total.Seconds())

	pkID := ""
	if pk != nil {
		pkID = pk.ID
	}
	h.recorder.Record(dispatch.BuildLog(id, format, stream, pkID, res, reqBody, respBody, total))
}

// validationResult is the terminal state of a request that never reached an
// upstream key: zero attempts, no counters touched.
func validationResult(model string, err error) *dispatch.Result {
	return &dispatch.Result{
		Outcome: dispatch.OutcomeFailed,
		Model:   model,
		Err: &models.AttemptError{
			Kind:       models.ErrValidation,
			StatusCode: http.StatusBadRequest,
			Code:       "invalid_request",
			Message:    err.Error(),
		},
	}
}
