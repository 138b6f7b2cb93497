// ABOUTME: Session manager backed by server-side records and a signed cookie
// ABOUTME: The cookie carries an HS256 JWT whose subject is the session ID

package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/warden-gateway/internal/store"
)

const (
	// CookieName is the name of the session cookie
	CookieName = "warden_session"

	// Duration is the fixed session lifetime, measured from issuance.
	// Sessions do not slide.
	Duration = 7 * 24 * time.Hour
)

// ErrNoSession is returned when the request carries no valid session
var ErrNoSession = errors.New("no valid session")

// Identity is the resolved identity a session is created for.
type Identity struct {
	Email  string
	Name   string
	Labels []string
}

// SessionStore is the subset of the store the manager needs.
type SessionStore interface {
	CreateSession(ctx context.Context, session *store.Session) error
	GetSession(ctx context.Context, id string) (*store.Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// Manager creates, reads, and destroys sessions.
type Manager struct {
	store      SessionStore
	secret     []byte
	production bool
	logger     *slog.Logger
	now        func() time.Time
}

// NewManager creates a session manager signing cookies with secret.
// When production is true, cookies are marked Secure.
func NewManager(sessionStore SessionStore, secret []byte, production bool) *Manager {
	return &Manager{
		store:      sessionStore,
		secret:     secret,
		production: production,
		logger:     slog.Default().With("component", "session"),
		now:        time.Now,
	}
}

// Create writes a session record for the identity and sets the signed cookie
// on the response.
func (m *Manager) Create(ctx context.Context, w http.ResponseWriter, identity Identity) error {
	id, err := generateSecureToken(32)
	if err != nil {
		return fmt.Errorf("generating session id: %w", err)
	}

	now := m.now()
	record := &store.Session{
		ID:            id,
		Email:         identity.Email,
		DisplayName:   identity.Name,
		Labels:        identity.Labels,
		Authenticated: true,
		CreatedAt:     now,
		ExpiresAt:     now.Add(Duration),
	}
	if err := m.store.CreateSession(ctx, record); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}

	token, err := m.signCookie(id, record.ExpiresAt)
	if err != nil {
		return fmt.Errorf("signing session cookie: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Expires:  record.ExpiresAt,
		HttpOnly: true,
		Secure:   m.production,
		SameSite: http.SameSiteLaxMode,
	})

	m.logger.Info("session created", "email", identity.Email)
	return nil
}

// Get returns the session for the request, or ErrNoSession if the cookie is
// missing, tampered with, or references a missing/expired record.
func (m *Manager) Get(r *http.Request) (*store.Session, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return nil, ErrNoSession
	}

	id, err := m.verifyCookie(cookie.Value)
	if err != nil {
		return nil, ErrNoSession
	}

	session, err := m.store.GetSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	return session, nil
}

// Destroy invalidates the request's session and clears the cookie. It
// succeeds even when no session exists.
func (m *Manager) Destroy(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	if cookie, err := r.Cookie(CookieName); err == nil {
		if id, err := m.verifyCookie(cookie.Value); err == nil {
			if err := m.store.DeleteSession(ctx, id); err != nil {
				m.logger.Warn("failed to delete session record", "error", err)
			}
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.production,
		SameSite: http.SameSiteLaxMode,
	})

	return nil
}

// signCookie wraps a session ID in an HS256 JWT.
func (m *Manager) signCookie(sessionID string, expiresAt time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub": sessionID,
		"iat": m.now().Unix(),
		"exp": expiresAt.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// verifyCookie validates the cookie JWT and extracts the session ID.
func (m *Manager) verifyCookie(value string) (string, error) {
	token, err := jwt.Parse(value, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrNoSession
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrNoSession
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", ErrNoSession
	}

	return sub, nil
}

// generateSecureToken returns n random bytes base64url-encoded.
func generateSecureToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
