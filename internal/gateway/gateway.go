// ABOUTME: HTTP surface of warden-gateway: sign-in, auth API, passkey API, proxy
// ABOUTME: Routes requests through session and policy checks before the backend

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/2389/warden-gateway/internal/identity"
	"github.com/2389/warden-gateway/internal/mailer"
	"github.com/2389/warden-gateway/internal/passkey"
	"github.com/2389/warden-gateway/internal/policy"
	"github.com/2389/warden-gateway/internal/session"
	"github.com/2389/warden-gateway/internal/store"
	"github.com/2389/warden-gateway/internal/verification"
)

// Config holds gateway route configuration.
type Config struct {
	// CallbackIssuer is the expected issuer of tokens presented to
	// /auth/callback.
	CallbackIssuer string
	// CallbackSecret verifies callback token signatures.
	CallbackSecret []byte
	// RegistrationURL is where unknown identities are pointed.
	RegistrationURL string
	// UpgradeURL is where under-labeled identities are pointed.
	UpgradeURL string
}

// Gateway ties the verification, passkey, identity, session, policy, and
// proxy components together behind the HTTP surface.
type Gateway struct {
	verification *verification.Service
	passkeys     *passkey.Orchestrator
	identity     identity.Resolver
	sessions     *session.Manager
	policy       *policy.Evaluator
	proxy        http.Handler
	mail         mailer.Mailer
	config       Config
	logger       *slog.Logger
}

// New creates a Gateway over the given collaborators.
func New(
	verificationSvc *verification.Service,
	passkeys *passkey.Orchestrator,
	resolver identity.Resolver,
	sessions *session.Manager,
	evaluator *policy.Evaluator,
	proxyHandler http.Handler,
	mail mailer.Mailer,
	cfg Config,
) *Gateway {
	return &Gateway{
		verification: verificationSvc,
		passkeys:     passkeys,
		identity:     resolver,
		sessions:     sessions,
		policy:       evaluator,
		proxy:        proxyHandler,
		mail:         mail,
		config:       cfg,
		logger:       slog.Default().With("component", "gateway"),
	}
}

// RegisterRoutes registers all gateway routes on the given mux.
func (g *Gateway) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signin", g.handleSignin)

	mux.HandleFunc("POST /api/auth/send-verification", g.handleSendVerification)
	mux.HandleFunc("POST /api/auth/verify-code", g.handleVerifyCode)
	mux.HandleFunc("GET /api/auth/status", g.handleStatus)
	mux.HandleFunc("POST /api/auth/logout", g.handleLogout)

	mux.HandleFunc("POST /api/passkey/register-start", g.handlePasskeyRegisterStart)
	mux.HandleFunc("POST /api/passkey/register-finish", g.handlePasskeyRegisterFinish)
	mux.HandleFunc("POST /api/passkey/login-start", g.handlePasskeyLoginStart)
	mux.HandleFunc("POST /api/passkey/login-finish", g.handlePasskeyLoginFinish)

	mux.HandleFunc("GET /auth/callback", g.handleCallback)

	// Everything else is proxied to the backend, behind session + policy.
	mux.HandleFunc("/", g.handleProxy)

	g.logger.Info("gateway routes registered")
}

/// handleProxy guards the catch-all path: a valid session and a passing
// policy check are required before the request reaches the backend.
func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	sess, err := g.sessions.Get(r)
	if err != nil {
		// Page navigation without a session goes to sign-in.
		http.Redirect(w, r, "/signin", http.StatusSeeOther)
		return
	}

	if !g.policy.Evaluate(sess) {
		writeDenied(w, sess.Labels, g.config.UpgradeURL)
		return
	}

	g.proxy.ServeHTTP(w, r)
}

// establishSession resolves a verified email, enforces policy, and creates a
// session. It writes the failure response itself and reports whether the
// caller may proceed.
func (g *Gateway) establishSession(ctx context.Context, w http.ResponseWriter, email string) (*identity.Member, bool) {
	member, err := g.identity.Resolve(ctx, email)
	if err != nil {
		if errors.Is(err, identity.ErrMemberNotFound) {
			writeNotFound(w, g.config.RegistrationURL)
		} else {
			g.logger.Error("identity resolution failed", "email", email, "error", err)
			writeError(w, http.StatusInternalServerError, "identity lookup failed")
		}
		return nil, false
	}

	if !g.policy.Allow(member.Labels) {
		writeDenied(w, member.Labels, g.config.UpgradeURL)
		return nil, false
	}

	err = g.sessions.Create(ctx, w, session.Identity{
		Email:  member.Email,
		Name:   member.Name,
		Labels: member.Labels,
	})
	if err != nil {
		g.logger.Error("session creation failed", "email", email, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return nil, false
	}

	return member, true
}

// decodeBody decodes a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// sessionUser converts a session record to the response payload.
func sessionUser(sess *store.Session) userPayload {
	labels := sess.Labels
	if labels == nil {
		labels = []string{}
	}
	return userPayload{Email: sess.Email, Name: sess.DisplayName, Labels: labels}
}

// memberUser converts a resolved member to the response payload.
func memberUser(member *identity.Member) userPayload {
	labels := member.Labels
	if labels == nil {
		labels = []string{}
	}
	return userPayload{Email: member.Email, Name: member.Name, Labels: labels}
}
