// Package upstream implements the HTTP client for the Gemini API. It
// reports failures as CallError values carrying the raw provider outcome so
// the dispatch layer can classify them without re-parsing transport state.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keyfleet/gemini-gateway/internal/gateway/translator"
	"github.com/keyfleet/gemini-gateway/internal/shared/models"
)

// Headers worth keeping from a failed provider response.
var capturedHeaders = []string{"Retry-After", "Content-Type", "X-Request-Id"}

// CallError is a failed upstream call: either a transport error (Err set,
// Status zero) or a non-2xx / undecodable response (Status set, Body and
// Headers captured for diagnostics).
type CallError struct {
	Status  int
	Headers map[string]string
	Body    string
	Err     error
}

// Error implements the error interface.
func (e *CallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream call failed: %v", e.Err)
	}
	return fmt.Sprintf("upstream returned status %d", e.Status)
}

// Unwrap returns the underlying transport error, if any.
func (e *CallError) Unwrap() error { return e.Err }

// Stream yields translated chunks from a streaming upstream response.
type Stream interface {
	Recv() (*translator.Chunk, error)
	Close() error
}

// Config holds upstream client settings.
type Config struct {
	BaseURL string
	// RPS paces calls per API key so one busy key cannot be hammered
	// through its cooldown. Zero disables pacing.
	RPS float64
	// Timeout is the transport-level cap; per-attempt deadlines come from
	// the caller's context.
	Timeout time.Duration
}

// Client calls the Gemini generateContent API with a caller-chosen key.
type Client struct {
	httpClient *http.Client
	baseURL    string
	rps        float64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient creates an upstream client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 300 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		rps:        cfg.RPS,
		limiters:   make(map[string]*rate.Limiter),
	}
}

func (c *Client) limiter(keyID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	limiter, ok := c.limiters[keyID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(c.rps), int(c.rps)+1)
		c.limiters[keyID] = limiter
	}
	return limiter
}

func (c *Client) wait(ctx context.Context, keyID string) error {
	if c.rps <= 0 {
		return nil
	}
	return c.limiter(keyID).Wait(ctx)
}

// Generate makes a unary generateContent call and returns the canonical
// response. Errors are always *CallError.
func (c *Client) Generate(ctx context.Context, key models.APIKey, model string, req *translator.Request) (*translator.Response, error) {
	if err := c.wait(ctx, key.ID); err != nil {
		return nil, &CallError{Err: err}
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, model)
	httpResp, callErr := c.post(ctx, url, key, req)
	if callErr != nil {
		return nil, callErr
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &CallError{Err: fmt.Errorf("read response: %w", err)}
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, errorFromResponse(httpResp, body)
	}

	var wire translator.GeminiResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, &CallError{
			Status:  httpResp.StatusCode,
			Headers: captureHeaders(httpResp.Header),
			Body:    truncate(string(body)),
			Err:     fmt.Errorf("decode response: %w", err),
		}
	}
	if len(wire.Candidates) == 0 {
		return nil, &CallError{
			Status:  httpResp.StatusCode,
			Headers: captureHeaders(httpResp.Header),
			Body:    truncate(string(body)),
			Err:     fmt.Errorf("response has no candidates"),
		}
	}

	return translator.DecodeGeminiResponse(&wire, model), nil
}

// GenerateStream opens a streaming generateContent call. A non-2xx status
// is returned as *CallError before any chunk is produced.
func (c *Client) GenerateStream(ctx context.Context, key models.APIKey, model string, req *translator.Request) (Stream, error) {
	if err := c.wait(ctx, key.ID); err != nil {
		return nil, &CallError{Err: err}
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", c.baseURL, model)
	httpResp, callErr := c.post(ctx, url, key, req)
	if callErr != nil {
		return nil, callErr
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		body, _ := io.ReadAll(httpResp.Body)
		return nil, errorFromResponse(httpResp, body)
	}

	return &sseStream{
		reader: bufio.NewReader(httpResp.Body),
		resp:   httpResp,
		model:  model,
	}, nil
}

func (c *Client) post(ctx context.Context, url string, key models.APIKey, req *translator.Request) (*http.Response, *CallError) {
	payload, err := json.Marshal(translator.EncodeGeminiRequest(req))
	if err != nil {
		return nil, &CallError{Err: fmt.Errorf("encode request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &CallError{Err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", key.Secret)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &CallError{Err: err}
	}
	return httpResp, nil
}

// sseStream reads "data:" lines from a streaming response and translates
// each increment to canonical form.
type sseStream struct {
	reader *bufio.Reader
	resp   *http.Response
	model  string
}

// Recv reads the next streaming chunk. io.EOF signals a clean end.
func (s *sseStream) Recv() (*translator.Chunk, error) {
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, &CallError{Err: err}
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "event:") {
			continue
		}

		if strings.HasPrefix(line, "data:") {
			dataStr := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if dataStr == "[DONE]" {
				return nil, io.EOF
			}

			var wire translator.GeminiResponse
			if err := json.Unmarshal([]byte(dataStr), &wire); err != nil {
				return nil, &CallError{
					Status: http.StatusOK,
					Body:   truncate(dataStr),
					Err:    fmt.Errorf("decode chunk: %w", err),
				}
			}

			return translator.DecodeGeminiChunk(&wire, s.model), nil
		}
	}
}

// Close closes the stream
func (s *sseStream) Close() error {
	if s.resp != nil && s.resp.Body != nil {
		return s.resp.Body.Close()
	}
	return nil
}

func errorFromResponse(resp *http.Response, body []byte) *CallError {
	return &CallError{
		Status:  resp.StatusCode,
		Headers: captureHeaders(resp.Header),
		Body:    truncate(string(body)),
	}
}

func captureHeaders(h http.Header) map[string]string {
	out := make(map[string]string)
	for _, name := range capturedHeaders {
		if v := h.Get(name); v != "" {
			out[name] = v
		}
	}
	return out
}

const maxCapturedBody = 4 << 10

func truncate(s string) string {
	if len(s) > maxCapturedBody {
		return s[:maxCapturedBody]
	}
	return s
}
