package dispatch

import (
	"testing"
	"time"

	"github.com/keyfleet/gemini-gateway/internal/shared/models"
)

func ts(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestSelectorPrefersNeverUsedKeys(t *testing.T) {
	keys := []models.APIKey{
		{ID: "k1", IsActive: true, LastUsedAt: ts("2026-08-01T10:00:00Z")},
		{ID: "k2", IsActive: true},
		{ID: "k3", IsActive: true, LastUsedAt: ts("2026-08-01T09:00:00Z")},
	}

	got, ok := NewSelector(nil).Next(keys, map[string]bool{})
	if !ok || got.ID != "k2" {
		t.Fatalf("Next() = %v, want the never-used key k2", got)
	}
}

func TestSelectorPicksLeastRecentlyUsed(t *testing.T) {
	keys := []models.APIKey{
		{ID: "k1", IsActive: true, LastUsedAt: ts("2026-08-01T10:00:00Z")},
		{ID: "k2", IsActive: true, LastUsedAt: ts("2026-08-01T08:00:00Z")},
		{ID: "k3", IsActive: true, LastUsedAt: ts("2026-08-01T09:00:00Z")},
	}

	got, ok := NewSelector(nil).Next(keys, map[string]bool{})
	if !ok || got.ID != "k2" {
		t.Fatalf("Next() = %v, want the least-recently-used key k2", got)
	}
}

func TestSelectorBreaksTiesByFailureRatioThenID(t *testing.T) {
	when := ts("2026-08-01T10:00:00Z")
	keys := []models.APIKey{
		{ID: "k1", IsActive: true, LastUsedAt: when, SuccessCount: 1, FailureCount: 9},
		{ID: "k2", IsActive: true, LastUsedAt: when, SuccessCount: 9, FailureCount: 1},
		{ID: "k3", IsActive: true, LastUsedAt: when, SuccessCount: 9, FailureCount: 1},
	}

	got, ok := NewSelector(nil).Next(keys, map[string]bool{})
	if !ok || got.ID != "k2" {
		t.Fatalf("Next() = %v, want k2 (lowest ratio, lowest ID)", got)
	}
}

func TestSelectorSkipsTriedAndInactive(t *testing.T) {
	keys := []models.APIKey{
		{ID: "k1", IsActive: true},
		{ID: "k2", IsActive: false},
		{ID: "k3", IsActive: true},
	}

	sel := NewSelector(nil)
	tried := map[string]bool{"k1": true}

	got, ok := sel.Next(keys, tried)
	if !ok || got.ID != "k3" {
		t.Fatalf("Next() = %v, want k3 (k1 tried, k2 inactive)", got)
	}

	tried["k3"] = true
	if _, ok := sel.Next(keys, tried); ok {
		t.Fatal("Next() returned a key after every eligible key was tried")
	}
}

func TestSelectorCustomPolicy(t *testing.T) {
	// Highest success count wins under this policy.
	policy := func(a, b *models.APIKey) bool { return a.SuccessCount > b.SuccessCount }
	keys := []models.APIKey{
		{ID: "k1", IsActive: true, SuccessCount: 5},
		{ID: "k2", IsActive: true, SuccessCount: 50},
	}

	got, ok := NewSelector(policy).Next(keys, map[string]bool{})
	if !ok || got.ID != "k2" {
		t.Fatalf("Next() = %v, want k2 under the custom policy", got)
	}
}
