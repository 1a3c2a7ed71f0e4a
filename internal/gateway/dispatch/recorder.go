package dispatch

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/keyfleet/gemini-gateway/internal/shared/models"
)

// LogWriter is the persistence capability the recorder needs. Persisting a
// log and settling the proxy key's aggregates both happen off the request
// path.
type LogWriter interface {
	InsertRequestLog(ctx context.Context, entry *models.RequestLog) error
	ApplyProxyKeyUsage(ctx context.Context, proxyKeyID string, success bool, usage models.TokenUsage) error
}

// BuildLog assembles the immutable request log from the orchestrator's
// final state.
func BuildLog(requestID, format string, stream bool, proxyKeyID string, res *Result, requestBody, responseBody []byte, total time.Duration) *models.RequestLog {
	return &models.RequestLog{
		RequestID:    requestID,
		Format:       format,
		IsSuccessful: res.Successful(),
		IsStream:     stream,
		DurationMs:   total.Milliseconds(),
		AttemptCount: len(res.Attempts),
		Model:        res.Model,
		UpstreamID:   res.UpstreamID,
		Usage:        res.Usage,
		Attempts:     res.Attempts,
		Error:        res.Err,
		ProxyKeyID:   proxyKeyID,
		APIKeyID:     res.LastKeyID,
		RequestBody:  requestBody,
		ResponseBody: responseBody,
	}
}

// Recorder persists request logs through a buffered channel worker so the
// response path never waits on the database. Records are never dropped
// silently: a full buffer falls back to a synchronous write, and
// persistence failures are logged.
type Recorder struct {
	writer  LogWriter
	ch      chan *models.RequestLog
	done    chan struct{}
	stopped atomic.Bool
}

// NewRecorder starts a recorder with the given channel buffer size.
func NewRecorder(writer LogWriter, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	r := &Recorder{
		writer: writer,
		ch:     make(chan *models.RequestLog, buffer),
		done:   make(chan struct{}),
	}
	go r.worker()
	return r
}

// Record queues a completed request log. Each request calls this exactly
// once, so the proxy key's aggregate counters are applied exactly once no
// matter how many upstream keys the request tried.
func (r *Recorder) Record(entry *models.RequestLog) {
	if r.stopped.Load() {
		r.persist(entry)
		return
	}
	select {
	case r.ch <- entry:
	default:
		r.persist(entry)
	}
}

// Close drains pending records and stops the worker.
func (r *Recorder) Close() {
	if r.stopped.Swap(true) {
		return
	}
	close(r.ch)
	<-r.done
}

func (r *Recorder) worker() {
	defer close(r.done)
	for entry := range r.ch {
		r.persist(entry)
	}
}

func (r *Recorder) persist(entry *models.RequestLog) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if entry.ProxyKeyID != "" {
		if err := r.writer.ApplyProxyKeyUsage(ctx, entry.ProxyKeyID, entry.IsSuccessful, entry.Usage); err != nil {
			log.Printf("recorder: apply proxy key usage for request %s: %v", entry.RequestID, err)
		}
	}
	if err := r.writer.InsertRequestLog(ctx, entry); err != nil {
		log.Printf("recorder: persist request log %s: %v", entry.RequestID, err)
	}
}
