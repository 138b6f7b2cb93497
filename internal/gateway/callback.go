// ABOUTME: Trusted callback route: accepts a signed token from the identity
// ABOUTME: provider, checks issuer and signature, and establishes a session

package gateway

import (
	"errors"
	"net/http"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/warden-gateway/internal/identity"
	"github.com/2389/warden-gateway/internal/session"
)

// handleCallback accepts a signed assertion from the external identity
// provider. The token is an HS256 JWT carrying the member's email; the
// issuer claim must match the configured provider.
func (g *Gateway) handleCallback(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return g.config.CallbackSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		g.logger.Error("callback token rejected", "error", err)
		writeError(w, http.StatusInternalServerError, "invalid token")
		return
	}

	issuer, err := claims.GetIssuer()
	if err != nil || issuer != g.config.CallbackIssuer {
		g.logger.Warn("callback token from unexpected issuer", "issuer", issuer)
		writeError(w, http.StatusUnauthorized, "unknown issuer")
		return
	}

	email, _ := claims["email"].(string)
	if email == "" {
		writeError(w, http.StatusBadRequest, "token missing email claim")
		return
	}

	// Callback arrivals are page navigations, so failures redirect instead
	// of returning an API error body.
	member, err := g.identity.Resolve(r.Context(), email)
	if err != nil {
		if errors.Is(err, identity.ErrMemberNotFound) {
			http.Redirect(w, r, g.config.RegistrationURL, http.StatusFound)
			return
		}
		g.logger.Error("identity resolution failed", "email", email, "error", err)
		writeError(w, http.StatusInternalServerError, "identity lookup failed")
		return
	}

	if !g.policy.Allow(member.Labels) {
		http.Redirect(w, r, g.config.UpgradeURL, http.StatusFound)
		return
	}

	err = g.sessions.Create(r.Context(), w, session.Identity{
		Email:  member.Email,
		Name:   member.Name,
		Labels: member.Labels,
	})
	if err != nil {
		g.logger.Error("session creation failed", "email", email, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	http.Redirect(w, r, "/", http.StatusFound)
}
