package dispatch

import (
	"context"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/keyfleet/gemini-gateway/internal/gateway/translator"
	"github.com/keyfleet/gemini-gateway/internal/gateway/upstream"
	"github.com/keyfleet/gemini-gateway/internal/shared/models"
)

// KeyStore is the capability the orchestrator needs from the key pool.
// Counter updates are atomic at the store boundary, so concurrent requests
// never lose increments.
type KeyStore interface {
	ListActiveKeys(ctx context.Context, provider string) ([]models.APIKey, error)
	MarkKeySuccess(ctx context.Context, keyID string) error
	MarkKeyFailure(ctx context.Context, keyID string, kind models.ErrorKind) error
}

// Caller executes upstream calls with a chosen key.
type Caller interface {
	Generate(ctx context.Context, key models.APIKey, model string, req *translator.Request) (*translator.Response, error)
	GenerateStream(ctx context.Context, key models.APIKey, model string, req *translator.Request) (upstream.Stream, error)
}

// ChunkSink receives translated chunks as they arrive from the upstream.
// The first successful call is the commit point: from then on the request
// can no longer rotate to a different key.
type ChunkSink func(*translator.Chunk) error

// Outcome is the terminal state of a dispatch.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeNoKeys    Outcome = "no_keys_available"
	OutcomeCanceled  Outcome = "canceled"
)

// Config bounds the attempt loop.
type Config struct {
	Provider       string
	MaxAttempts    int
	AttemptTimeout time.Duration
	RequestTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
}

// Result is the orchestrator's final state, from which the request log and
// the client response are both built.
type Result struct {
	Outcome    Outcome
	Response   *translator.Response
	Attempts   []models.RequestAttempt
	Err        *models.AttemptError
	LastKeyID  string
	Model      string
	UpstreamID string
	Usage      models.TokenUsage

	// Streaming state.
	Committed  bool
	StreamText string
}

// Successful reports whether the last attempt succeeded.
func (r *Result) Successful() bool { return r.Outcome == OutcomeSucceeded }

// Orchestrator drives the attempt loop for one provider's key pool. It is
// stateless across requests and safe for concurrent use.
type Orchestrator struct {
	store    KeyStore
	caller   Caller
	selector *Selector
	cfg      Config
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(store KeyStore, caller Caller, selector *Selector, cfg Config) *Orchestrator {
	if selector == nil {
		selector = NewSelector(nil)
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Orchestrator{store: store, caller: caller, selector: selector, cfg: cfg}
}

// Dispatch runs the attempt loop for a unary request.
func (o *Orchestrator) Dispatch(ctx context.Context, req *translator.Request) *Result {
	return o.run(ctx, req, nil)
}

// DispatchStream runs the attempt loop for a streaming request, forwarding
// translated chunks through sink as they arrive. Failures before the first
// forwarded chunk rotate keys like unary failures; failures after it
// terminate the request.
func (o *Orchestrator) DispatchStream(ctx context.Context, req *translator.Request, sink ChunkSink) *Result {
	return o.run(ctx, req, sink)
}

func (o *Orchestrator) run(ctx context.Context, req *translator.Request, sink ChunkSink) *Result {
	if o.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RequestTimeout)
		defer cancel()
	}

	res := &Result{Model: req.Model}

	keys, err := o.store.ListActiveKeys(ctx, o.cfg.Provider)
	if err != nil {
		log.Printf("dispatch: list active keys: %v", err)
		res.Outcome = OutcomeFailed
		res.Err = &models.AttemptError{
			Kind:       models.ErrUnknown,
			StatusCode: http.StatusServiceUnavailable,
			Code:       "key_store",
			Message:    "key store unavailable",
		}
		return res
	}

	tried := make(map[string]bool, len(keys))

	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		key, ok := o.selector.Next(keys, tried)
		if !ok {
			o.finishExhausted(res)
			return res
		}
		tried[key.ID] = true
		res.LastKeyID = key.ID

		// Backoff precedes every retry but never the first attempt. It
		// counts toward total request duration, not attempt duration.
		if attempt > 1 {
			if err := o.backoff(ctx, attempt); err != nil {
				res.Outcome = OutcomeFailed
				res.Err = deadlineError()
				return res
			}
		}

		if done := o.attempt(ctx, res, *key, req, sink, attempt); done {
			return res
		}
		if ctx.Err() != nil {
			res.Outcome = OutcomeFailed
			res.Err = deadlineError()
			return res
		}
	}

	o.finishExhausted(res)
	return res
}

// attempt executes one upstream call and records it. It returns true when
// the request is terminal (success, fatal error, or post-commit failure).
func (o *Orchestrator) attempt(ctx context.Context, res *Result, key models.APIKey, req *translator.Request, sink ChunkSink, number int) bool {
	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if o.cfg.AttemptTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, o.cfg.AttemptTimeout)
	}
	defer cancel()

	start := time.Now()
	record := models.RequestAttempt{Number: number, KeyID: key.ID, Timestamp: start}

	if sink == nil {
		resp, err := o.caller.Generate(attemptCtx, key, req.Model, req)
		record.DurationMs = time.Since(start).Milliseconds()
		if err != nil {
			return o.recordFailure(res, record, key.ID, err)
		}

		res.Attempts = append(res.Attempts, record)
		o.markSuccess(key.ID)
		res.Outcome = OutcomeSucceeded
		res.Response = resp
		res.Usage = resp.Usage
		res.UpstreamID = resp.ID
		if resp.Model != "" {
			res.Model = resp.Model
		}
		return true
	}

	stream, err := o.caller.GenerateStream(attemptCtx, key, req.Model, req)
	if err != nil {
		record.DurationMs = time.Since(start).Milliseconds()
		return o.recordFailure(res, record, key.ID, err)
	}
	defer stream.Close()

	for {
		chunk, rerr := stream.Recv()
		if rerr == io.EOF {
			record.DurationMs = time.Since(start).Milliseconds()
			res.Attempts = append(res.Attempts, record)
			o.markSuccess(key.ID)
			res.Outcome = OutcomeSucceeded
			return true
		}
		if rerr != nil {
			record.DurationMs = time.Since(start).Milliseconds()
			return o.recordFailure(res, record, key.ID, rerr)
		}

		if chunk.ID != "" {
			res.UpstreamID = chunk.ID
		}
		if chunk.Model != "" {
			res.Model = chunk.Model
		}
		if chunk.Usage != nil {
			res.Usage = *chunk.Usage
		}
		res.StreamText += chunk.Text()

		if serr := sink(chunk); serr != nil {
			// Client went away. Stop reading, release the upstream, and
			// finalize with whatever accumulated; the key is not at fault,
			// so its counters stay untouched.
			record.DurationMs = time.Since(start).Milliseconds()
			record.Error = &models.AttemptError{
				Kind:       models.ErrNetwork,
				StatusCode: http.StatusBadGateway,
				Code:       models.CodeClientDisconnect,
				Message:    "client disconnected before the stream completed",
			}
			res.Attempts = append(res.Attempts, record)
			res.Outcome = OutcomeCanceled
			res.Err = record.Error
			return true
		}
		res.Committed = true
	}
}

func (o *Orchestrator) recordFailure(res *Result, record models.RequestAttempt, keyID string, err error) bool {
	attemptErr, capture := Classify(err)
	record.Error = &attemptErr
	record.Upstream = capture
	res.Attempts = append(res.Attempts, record)
	o.markFailure(keyID, attemptErr.Kind)

	// A failure after the commit point can only terminate the stream: the
	// client already holds partial output that cannot be un-sent.
	if res.Committed || !Retryable(attemptErr.Kind) {
		res.Outcome = OutcomeFailed
		res.Err = &attemptErr
		return true
	}
	return false
}

func (o *Orchestrator) finishExhausted(res *Result) {
	if len(res.Attempts) == 0 {
		res.Outcome = OutcomeNoKeys
		res.Err = &models.AttemptError{
			Kind:       models.ErrUnknown,
			StatusCode: http.StatusServiceUnavailable,
			Code:       models.CodeNoKeysAvailable,
			Message:    "no active upstream keys are available",
		}
		return
	}

	res.Outcome = OutcomeExhausted
	last := res.Attempts[len(res.Attempts)-1].Error
	res.Err = &models.AttemptError{
		Kind:       last.Kind,
		StatusCode: last.StatusCode,
		Code:       models.CodeExhausted,
		Message:    "all retry attempts failed: " + last.Message,
	}
}

// backoff sleeps before a retry, doubling from the base per extra attempt
// and capped at the configured maximum. Cancellation interrupts it.
func (o *Orchestrator) backoff(ctx context.Context, attempt int) error {
	if o.cfg.BackoffBase <= 0 {
		return nil
	}
	delay := o.cfg.BackoffBase << uint(attempt-2)
	if o.cfg.BackoffMax > 0 && delay > o.cfg.BackoffMax {
		delay = o.cfg.BackoffMax
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Counter updates run on a fresh context so a canceled request still
// settles its side effects; failures are logged, never surfaced.
func (o *Orchestrator) markSuccess(keyID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.MarkKeySuccess(ctx, keyID); err != nil {
		log.Printf("dispatch: mark key success: %v", err)
	}
}

func (o *Orchestrator) markFailure(keyID string, kind models.ErrorKind) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.MarkKeyFailure(ctx, keyID, kind); err != nil {
		log.Printf("dispatch: mark key failure: %v", err)
	}
}

func deadlineError() *models.AttemptError {
	return &models.AttemptError{
		Kind:       models.ErrNetwork,
		StatusCode: http.StatusGatewayTimeout,
		Code:       "deadline",
		Message:    "request deadline exceeded",
	}
}
