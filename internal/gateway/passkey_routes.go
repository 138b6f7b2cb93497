// ABOUTME: Passkey ceremony routes: registration start/finish, login start/finish
// ABOUTME: Registration requires a session; login may be discoverable (no email)

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/2389/warden-gateway/internal/passkey"
)

// handlePasskeyRegisterStart begins a registration ceremony for the signed-in
// member and returns the browser-facing creation options.
func (g *Gateway) handlePasskeyRegisterStart(w http.ResponseWriter, r *http.Request) {
	sess, err := g.sessions.Get(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	options, err := g.passkeys.BeginRegistration(r.Context(), sess.Email, sess.DisplayName)
	if err != nil {
		g.logger.Error("passkey registration start failed", "email", sess.Email, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start registration")
		return
	}

	writeRawJSON(w, http.StatusOK, options)
}

// handlePasskeyRegisterFinish completes the ceremony and stores the credential.
func (g *Gateway) handlePasskeyRegisterFinish(w http.ResponseWriter, r *http.Request) {
	sess, err := g.sessions.Get(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	var req struct {
		DeviceName string          `json:"deviceName"`
		Response   json.RawMessage `json:"response"`
	}
	if err := decodeBody(r, &req); err != nil || len(req.Response) == 0 {
		writeError(w, http.StatusBadRequest, "attestation response is required")
		return
	}

	err = g.passkeys.FinishRegistration(r.Context(), sess.Email, req.DeviceName, req.Response)
	if err != nil {
		switch {
		case errors.Is(err, passkey.ErrChallengeNotFound),
			errors.Is(err, passkey.ErrChallengeExpired),
			errors.Is(err, passkey.ErrVerificationFailed):
			writeError(w, http.StatusBadRequest, "registration failed")
		default:
			g.logger.Error("passkey registration finish failed", "email", sess.Email, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to complete registration")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handlePasskeyLoginStart begins an authentication ceremony. An empty email
// requests a discoverable login, letting the authenticator pick the identity.
func (g *Gateway) handlePasskeyLoginStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	// An empty body is a discoverable login request.
	_ = decodeBody(r, &req)

	options, err := g.passkeys.BeginAuthentication(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, passkey.ErrNoCredentials) {
			writeError(w, http.StatusInternalServerError, "no passkeys registered for this account")
			return
		}
		g.logger.Error("passkey login start failed", "email", req.Email, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start login")
		return
	}

	writeRawJSON(w, http.StatusOK, options)
}

// handlePasskeyLoginFinish verifies the assertion and establishes a session
// for the credential's owner.
func (g *Gateway) handlePasskeyLoginFinish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string          `json:"email"`
		Response json.RawMessage `json:"response"`
	}
	if err := decodeBody(r, &req); err != nil || len(req.Response) == 0 {
		writeError(w, http.StatusBadRequest, "assertion response is required")
		return
	}

	email, err := g.passkeys.FinishAuthentication(r.Context(), req.Email, req.Response)
	if err != nil {
		switch {
		case errors.Is(err, passkey.ErrChallengeNotFound),
			errors.Is(err, passkey.ErrChallengeExpired),
			errors.Is(err, passkey.ErrReplayDetected),
			errors.Is(err, passkey.ErrVerificationFailed):
			writeError(w, http.StatusBadRequest, "verification failed")
		default:
			g.logger.Error("passkey login finish failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to complete login")
		}
		return
	}

	member, ok := g.establishSession(r.Context(), w, email)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    memberUser(member),
	})
}
