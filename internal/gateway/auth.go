// ABOUTME: Email verification code routes: issue, verify, status, logout
// ABOUTME: Verified codes resolve identity, pass policy, and establish a session

package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/2389/warden-gateway/internal/identity"
)

// handleSendVerification issues a code and hands it to the mailer.
func (g *Gateway) handleSendVerification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeBody(r, &req); err != nil || req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	// Only known members get codes; unknown identities go to registration.
	if _, err := g.identity.Resolve(r.Context(), req.Email); err != nil {
		g.respondResolveFailure(w, req.Email, err)
		return
	}

	code, err := g.verification.Issue(r.Context(), req.Email)
	if err != nil {
		g.logger.Error("failed to issue verification code", "email", req.Email, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue code")
		return
	}

	body := fmt.Sprintf("Your verification code is %s. It expires in 10 minutes.", code)
	if err := g.mail.Send(r.Context(), req.Email, "Your sign-in code", body); err != nil {
		g.logger.Error("failed to deliver verification code", "email", req.Email, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to send verification email")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Verification code sent",
	})
}

// handleVerifyCode consumes a code, resolves the identity, enforces policy,
// and creates the session.
func (g *Gateway) handleVerifyCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := decodeBody(r, &req); err != nil || req.Email == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, "email and code are required")
		return
	}

	ok, err := g.verification.Verify(r.Context(), req.Email, req.Code)
	if err != nil {
		g.logger.Error("code verification failed", "email", req.Email, "error", err)
		writeError(w, http.StatusInternalServerError, "verification failed")
		return
	}
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid or expired code")
		return
	}

	member, ok := g.establishSession(r.Context(), w, req.Email)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    memberUser(member),
	})
}

// handleStatus reports whether the request carries a valid session.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := g.sessions.Get(r)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"user":          sessionUser(sess),
	})
}

// handleLogout destroys the session. Succeeds even when none exists.
func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := g.sessions.Destroy(r.Context(), w, r); err != nil {
		g.logger.Warn("logout cleanup failed", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// respondResolveFailure maps a directory lookup failure for routes that only
// need the existence check.
func (g *Gateway) respondResolveFailure(w http.ResponseWriter, email string, err error) {
	if errors.Is(err, identity.ErrMemberNotFound) {
		writeNotFound(w, g.config.RegistrationURL)
		return
	}
	g.logger.Error("identity resolution failed", "email", email, "error", err)
	writeError(w, http.StatusInternalServerError, "identity lookup failed")
}
