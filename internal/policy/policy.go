// ABOUTME: Label-based access policy evaluation
// ABOUTME: Grants access when a session's labels intersect the configured allow-list

package policy

import (
	"github.com/2389/warden-gateway/internal/store"
)

// Evaluator decides whether a set of capability labels satisfies the
// configured allow-list. The allow-list is fixed at construction; it is
// process-wide configuration, not per-request state.
type Evaluator struct {
	allowed map[string]struct{}
}

// NewEvaluator creates an evaluator for the given allow-list.
func NewEvaluator(allowedLabels []string) *Evaluator {
	allowed := make(map[string]struct{}, len(allowedLabels))
	for _, label := range allowedLabels {
		allowed[label] = struct{}{}
	}
	return &Evaluator{allowed: allowed}
}

// Allow reports whether the label set intersects the allow-list.
func (e *Evaluator) Allow(labels []string) bool {
	for _, label := range labels {
		if _, ok := e.allowed[label]; ok {
			return true
		}
	}
	return false
}

// Evaluate reports whether the session may proceed: it must exist, be
// authenticated, and carry at least one allowed label.
func (e *Evaluator) Evaluate(session *store.Session) bool {
	if session == nil || !session.Authenticated {
		return false
	}
	return e.Allow(session.Labels)
}
