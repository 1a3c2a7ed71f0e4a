package dispatch

import (
	"context"
	"errors"
	"net/http"

	"github.com/keyfleet/gemini-gateway/internal/gateway/upstream"
	"github.com/keyfleet/gemini-gateway/internal/shared/models"
)

// Classify maps a failed upstream call to its classification and the raw
// provider capture kept for diagnostics. The mapping is total and depends
// only on the upstream outcome, never on the attempt number:
//
//	429                     -> rate_limit      (retryable)
//	401/403                 -> invalid_key     (retryable: rotate away)
//	5xx                     -> server_error    (retryable)
//	transport error/timeout -> network_error   (retryable)
//	undecodable 2xx body    -> validation_error (fatal)
//	any other non-2xx       -> unknown         (retryable)
func Classify(err error) (models.AttemptError, *models.UpstreamError) {
	var callErr *upstream.CallError
	if !errors.As(err, &callErr) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return models.AttemptError{
				Kind:       models.ErrNetwork,
				StatusCode: http.StatusGatewayTimeout,
				Code:       "deadline",
				Message:    "upstream call timed out",
			}, nil
		}
		return models.AttemptError{
			Kind:       models.ErrUnknown,
			StatusCode: http.StatusBadGateway,
			Code:       "internal",
			Message:    "upstream call failed",
		}, nil
	}

	var capture *models.UpstreamError
	if callErr.Status != 0 {
		capture = &models.UpstreamError{
			Status:  callErr.Status,
			Headers: callErr.Headers,
			Body:    callErr.Body,
		}
	}

	switch {
	case callErr.Status == 0:
		return models.AttemptError{
			Kind:       models.ErrNetwork,
			StatusCode: http.StatusBadGateway,
			Code:       "transport",
			Message:    "could not reach the upstream provider",
		}, capture
	case callErr.Status == http.StatusOK:
		// Provider answered 2xx with a body that could not be translated.
		return models.AttemptError{
			Kind:       models.ErrValidation,
			StatusCode: http.StatusBadGateway,
			Code:       "bad_upstream_response",
			Message:    "upstream returned an untranslatable response",
		}, capture
	case callErr.Status == http.StatusTooManyRequests:
		return models.AttemptError{
			Kind:       models.ErrRateLimit,
			StatusCode: http.StatusTooManyRequests,
			Code:       "rate_limited",
			Message:    "upstream rate limit exceeded",
		}, capture
	case callErr.Status == http.StatusUnauthorized || callErr.Status == http.StatusForbidden:
		return models.AttemptError{
			Kind:       models.ErrInvalidKey,
			StatusCode: http.StatusBadGateway,
			Code:       "auth_rejected",
			Message:    "upstream rejected the credential",
		}, capture
	case callErr.Status >= 500:
		return models.AttemptError{
			Kind:       models.ErrServer,
			StatusCode: http.StatusBadGateway,
			Code:       "upstream_error",
			Message:    "upstream server error",
		}, capture
	default:
		return models.AttemptError{
			Kind:       models.ErrUnknown,
			StatusCode: http.StatusBadGateway,
			Code:       "unexpected_status",
			Message:    "unexpected upstream response",
		}, capture
	}
}

// Retryable reports whether a classification permits trying the next key.
// Only an untranslatable response is fatal: burning another key on a
// request the provider already answered would not help.
func Retryable(kind models.ErrorKind) bool {
	return kind != models.ErrValidation
}
