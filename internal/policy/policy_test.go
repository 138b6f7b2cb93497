// ABOUTME: Tests for the access policy evaluator
// ABOUTME: Covers label intersection and unauthenticated/absent sessions

package policy

import (
	"testing"

	"github.com/2389/warden-gateway/internal/store"
)

func TestAllow(t *testing.T) {
	e := NewEvaluator([]string{"builder", "patron"})

	tests := []struct {
		name   string
		labels []string
		want   bool
	}{
		{"single allowed label", []string{"builder"}, true},
		{"one of many allowed", []string{"free-member", "patron"}, true},
		{"no overlap", []string{"free-member"}, false},
		{"empty labels", nil, false},
		{"case sensitive", []string{"Builder"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.Allow(tt.labels); got != tt.want {
				t.Errorf("Allow(%v) = %v, want %v", tt.labels, got, tt.want)
			}
		})
	}
}

func TestEvaluate_NilSession(t *testing.T) {
	e := NewEvaluator([]string{"builder"})
	if e.Evaluate(nil) {
		t.Error("nil session must not pass policy")
	}
}

func TestEvaluate_UnauthenticatedSession(t *testing.T) {
	e := NewEvaluator([]string{"builder"})
	session := &store.Session{Labels: []string{"builder"}, Authenticated: false}
	if e.Evaluate(session) {
		t.Error("unauthenticated session must not pass policy even with allowed labels")
	}
}

func TestEvaluate_AuthenticatedWithAllowedLabel(t *testing.T) {
	e := NewEvaluator([]string{"builder", "patron"})
	session := &store.Session{Labels: []string{"builder"}, Authenticated: true}
	if !e.Evaluate(session) {
		t.Error("authenticated session with allowed label should pass policy")
	}
}

func TestEvaluate_AuthenticatedWithoutAllowedLabel(t *testing.T) {
	e := NewEvaluator([]string{"builder", "patron"})
	session := &store.Session{Labels: []string{"free-member"}, Authenticated: true}
	if e.Evaluate(session) {
		t.Error("session without allowed labels must not pass policy")
	}
}
