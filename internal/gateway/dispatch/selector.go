// Package dispatch drives the attempt loop: pick an upstream key, call the
// provider, classify the outcome, retry with a different key or finish, and
// assemble the attempt trail for the request log.
package dispatch

import (
	"github.com/keyfleet/gemini-gateway/internal/shared/models"
)

// SelectionPolicy orders two candidate keys; the selector returns the key
// that ranks first under this ordering. The default prefers the
// least-recently-used key, but deployments can plug in their own rule.
type SelectionPolicy func(a, b *models.APIKey) bool

// DefaultPolicy prefers the least-recently-used key (never-used keys
// first), breaking ties by lowest failure ratio, then by ID so the choice
// is deterministic.
func DefaultPolicy(a, b *models.APIKey) bool {
	switch {
	case a.LastUsedAt == nil && b.LastUsedAt != nil:
		return true
	case a.LastUsedAt != nil && b.LastUsedAt == nil:
		return false
	case a.LastUsedAt != nil && b.LastUsedAt != nil && !a.LastUsedAt.Equal(*b.LastUsedAt):
		return a.LastUsedAt.Before(*b.LastUsedAt)
	}
	ra, rb := a.FailureRatio(), b.FailureRatio()
	if ra != rb {
		return ra < rb
	}
	return a.ID < b.ID
}

// Selector chooses the next candidate key for a request. It never mutates
// key state; the tried set is request-local, so no synchronization is
// needed beyond what the key store provides.
type Selector struct {
	policy SelectionPolicy
}

// NewSelector creates a selector with the given policy, defaulting to
// DefaultPolicy.
func NewSelector(policy SelectionPolicy) *Selector {
	if policy == nil {
		policy = DefaultPolicy
	}
	return &Selector{policy: policy}
}

// Next returns the best eligible key not yet tried in this request, or
// false when no eligible key remains. Inactive keys are never eligible.
func (s *Selector) Next(keys []models.APIKey, tried map[string]bool) (*models.APIKey, bool) {
	var best *models.APIKey
	for i := range keys {
		k := &keys[i]
		if !k.IsActive || tried[k.ID] {
			continue
		}
		if best == nil || s.policy(k, best) {
			best = k
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}
