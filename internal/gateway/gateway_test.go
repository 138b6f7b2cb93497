// ABOUTME: End-to-end tests for the gateway HTTP surface
// ABOUTME: Exercises code flows, passkey routes, callback, policy, and the proxy guard

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/warden-gateway/internal/identity"
	"github.com/2389/warden-gateway/internal/mailer"
	"github.com/2389/warden-gateway/internal/passkey"
	"github.com/2389/warden-gateway/internal/policy"
	"github.com/2389/warden-gateway/internal/session"
	"github.com/2389/warden-gateway/internal/store"
	"github.com/2389/warden-gateway/internal/verification"
)

const (
	testIssuer          = "https://id.example.com"
	testRegistrationURL = "https://example.com/register"
	testUpgradeURL      = "https://example.com/upgrade"
)

var testCallbackSecret = []byte("callback-secret")

type stubResolver struct {
	members map[string]*identity.Member
	err     error
}

func (r *stubResolver) Resolve(_ context.Context, email string) (*identity.Member, error) {
	if r.err != nil {
		return nil, r.err
	}
	m, ok := r.members[email]
	if !ok {
		return nil, identity.ErrMemberNotFound
	}
	return m, nil
}

type captureMailer struct {
	to      string
	subject string
	body    string
	err     error
}

func (m *captureMailer) Send(_ context.Context, to, subject, body string) error {
	if m.err != nil {
		return m.err
	}
	m.to, m.subject, m.body = to, subject, body
	return nil
}

var _ mailer.Mailer = (*captureMailer)(nil)

type stubVerifier struct {
	options      json.RawMessage
	ceremony     []byte
	regCred      *passkey.VerifiedCredential
	regErr       error
	assertedID   []byte
	newSignCount uint32
	authErr      error
}

func (v *stubVerifier) BeginRegistration(*passkey.User) (json.RawMessage, []byte, error) {
	return v.options, v.ceremony, nil
}

func (v *stubVerifier) FinishRegistration(*passkey.User, []byte, []byte) (*passkey.VerifiedCredential, error) {
	return v.regCred, v.regErr
}

func (v *stubVerifier) BeginAuthentication(*passkey.User) (json.RawMessage, []byte, error) {
	return v.options, v.ceremony, nil
}

func (v *stubVerifier) FinishAuthentication(_ []byte, _ []byte, lookup passkey.CredentialLookup) (*passkey.AssertionResult, error) {
	if v.authErr != nil {
		return nil, v.authErr
	}
	cred, err := lookup(v.assertedID)
	if err != nil {
		return nil, err
	}
	return &passkey.AssertionResult{Credential: cred, NewSignCount: v.newSignCount}, nil
}

type testEnv struct {
	gw       *Gateway
	mux      *http.ServeMux
	store    *store.SQLiteStore
	resolver *stubResolver
	mail     *captureMailer
	verifier *stubVerifier
	sessions *session.Manager
	upstream *int
}

func newTestEnv(t *testing.T, allowedLabels []string) *testEnv {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	resolver := &stubResolver{members: map[string]*identity.Member{
		"alice@example.com": {Email: "alice@example.com", Name: "Alice", Labels: []string{"builder"}},
		"frank@example.com": {Email: "frank@example.com", Name: "Frank", Labels: []string{"free"}},
	}}
	mail := &captureMailer{}
	verifier := &stubVerifier{
		options:  json.RawMessage(`{"publicKey":{"challenge":"abc"}}`),
		ceremony: []byte(`{"challenge":"abc"}`),
	}

	sessions := session.NewManager(st, []byte("session-secret"), false)
	upstreamHits := 0
	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits++
		w.Write([]byte("upstream ok"))
	})

	gw := New(
		verification.NewService(st),
		passkey.NewOrchestrator(st, verifier),
		resolver,
		sessions,
		policy.NewEvaluator(allowedLabels),
		upstream,
		mail,
		Config{
			CallbackIssuer:  testIssuer,
			CallbackSecret:  testCallbackSecret,
			RegistrationURL: testRegistrationURL,
			UpgradeURL:      testUpgradeURL,
		},
	)

	mux := http.NewServeMux()
	gw.RegisterRoutes(mux)

	return &testEnv{
		gw:       gw,
		mux:      mux,
		store:    st,
		resolver: resolver,
		mail:     mail,
		verifier: verifier,
		sessions: sessions,
		upstream: &upstreamHits,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

var codePattern = regexp.MustCompile(`\b\d{6}\b`)

// sentCode extracts the verification code from the captured mail body.
func (e *testEnv) sentCode(t *testing.T) string {
	t.Helper()
	code := codePattern.FindString(e.mail.body)
	require.NotEmpty(t, code, "no code found in mail body: %q", e.mail.body)
	return code
}

// signIn runs the full code flow for email and returns the session cookie.
func (e *testEnv) signIn(t *testing.T, email string) *http.Cookie {
	t.Helper()
	rec := e.do(t, "POST", "/api/auth/send-verification", map[string]string{"email": email})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, "POST", "/api/auth/verify-code", map[string]string{
		"email": email,
		"code":  e.sentCode(t),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	for _, c := range rec.Result().Cookies() {
		if c.Name == session.CookieName {
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

func TestSendVerificationUnknownEmail(t *testing.T) {
	env := newTestEnv(t, []string{"builder"})

	rec := env.do(t, "POST", "/api/auth/send-verification", map[string]string{"email": "nobody@example.com"})

	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, testRegistrationURL, body["redirect"])
	assert.Empty(t, env.mail.to)
}

func TestSendVerificationMissingEmail(t *testing.T) {
	env := newTestEnv(t, []string{"builder"})

	rec := env.do(t, "POST", "/api/auth/send-verification", map[string]string{})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendVerificationDeliversCode(t *testing.T) {
	env := newTestEnv(t, []string{"builder"})

	rec := env.do(t, "POST", "/api/auth/send-verification", map[string]string{"email": "alice@example.com"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice@example.com", env.mail.to)
	assert.Len(t, env.sentCode(t), 6)
}

func TestSendVerificationMailerFailure(t *testing.T) {
	env := newTestEnv(t, []string{"builder"})
	env.mail.err = context.DeadlineExceeded

	rec := env.do(t, "POST", "/api/auth/send-verification", map[string]string{"email": "alice@example.com"})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestVerifyCodeWrongCode(t *testing.T) {
	env := newTestEnv(t, []string{"builder"})
	env.do(t, "POST", "/api/auth/send-verification", map[string]string{"email": "alice@example.com"})

	rec := env.do(t, "POST", "/api/auth/verify-code", map[string]string{
		"email": "alice@example.com",
		"code":  "000000",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid or expired code", decodeJSON(t, rec)["error"])
}

func TestVerifyCodeEstablishesSession(t *testing.T) {
	env := newTestEnv(t, []string{"builder"})

	cookie := env.signIn(t, "alice@example.com")

	rec := env.do(t, "GET", "/api/auth/status", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, true, body["authenticated"])
	user := body["user"].(map[string]any)
	assert.Equal(t, "alice@example.com", user["email"])
	assert.Equal(t, "Alice", user["name"])
	assert.Equal(t, []any{"builder"}, user["labels"])
}

func TestVerifyCodeSingleUse(t *testing.T) {
	env := newTestEnv(t, []string{"builder"})
	env.do(t, "POST", "/api/auth/send-verification", map[string]string{"email": "alice@example.com"})
	code := env.sentCode(t)

	rec := env.do(t, "POST", "/api/auth/verify-code", map[string]string{"email": "alice@example.com", "code": code})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, "POST", "/api/auth/verify-code", map[string]string{"email": "alice@example.com", "code": code})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyCodeDeniedLabels(t *testing.T) {
	env := newTestEnv(t, []string{"builder", "patron"})
	env.do(t, "POST", "/api/auth/send-verification", map[string]string{"email": "frank@example.com"})

	rec := env.do(t, "POST", "/api/auth/verify-code", map[string]string{
		"email": "frank@example.com",
		"code":  env.sentCode(t),
	})

	assert.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, []any{"free"}, body["userLabels"])
	assert.Equal(t, testUpgradeURL, body["redirect"])

	// No session cookie on a denied attempt.
	for _, c := range rec.Result().Cookies() {
		assert.NotEqual(t, session.CookieName, c.Name)
	}
}

func TestStatusWithoutSession(t *testing.T) {
	env := newTestEnv(t, []string{"builder"})

	rec := env.do(t, "GET", "/api/auth/status", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeJSON(t, rec)["authenticated"])
}

func TestLogoutInvalidatesSession(t *testing.T) {
	env := newTestEnv(t, []string{"builder"})
	cookie := env.signIn(t, "alice@example.com")

	rec := env.do(t, "POST", "/api/auth/logout", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)

	var cleared bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.CookieName && c.MaxAge < 0 {
			cleared = true
		}
	}
	assert.True(t, cleared, "expected clearing Set-Cookie")

	// The old cookie no longer resolves a session.
	rec = env.do(t, "GET", "/api/auth/status", nil, cookie)
	assert.Equal(t, false, decodeJSON(t, rec)["authenticated"])
}

func TestLogoutWithoutSession(t *testing.T) {
	env := newTestEnv(t, []string{"builder"})

	rec := env.do(t, "POST", "/api/auth/logout", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProxyRequiresSession(t *testing.T) {
	env := newTestEnv(t, []string{"builder"})

	rec := env.do(t, "GET", "/app/dashboard", nil)

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/signin", rec.Header().Get("Location"))
	assert.Zero(t, *env.upstream)
}

func TestProxyForwardsWithSession(t *testing.T) {
	env := newTestEnv(t, []string{"builder"})
	cookie := env.signIn(t, "alice@example.com")

	rec := env.do(t, "GET", "/app/dashboard", nil, cookie)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "upstream ok", rec.Body.String())
	assert.Equal(t, 1, *env.upstream)
}

func TestProxyDeniesStaleLabels(t *testing.T) {
	// A session minted before a policy change carries labels the current
	// allow-list no longer accepts.
	env := newTestEnv(t, []string{"patron"})
	rec := httptest.NewRecorder()
	err := env.sessions.Create(context.Background(), rec, session.Identity{
		Email:  "frank@example.com",
		Name:   "Frank",
		Labels: []string{"free"},
	})
	require.NoError(t, err)
	cookie := rec.Result().Cookies()[0]

	got := env.do(t, "GET", "/app/dashboard", nil, cookie)

	assert.Equal(t, http.StatusForbidden, got.Code)
	assert.Equal(t, []any{"free"}, decodeJSON(t, got)["userLabels"])
	assert.Zero(t, *env.upstream)
}

func TestSigninRedirectsAuthenticated(t *testing.T) {
	env := newTestEnv(t, []string{"builder"})
	cookie := env.signIn(t, "alice@example.com")

	rec := env.do(t, "GET", "/signin", nil, cookie)

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
}

func TestSigninServesPage(t *testing.T) {
	env := newTestEnv(t, []string{"builder"})

	rec := env.do(t, "GET", "/signin", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Sign in")
}

func TestPasskeyRegisterStartRequiresSession(t *testing.T) {
	env := newTestEnv(t, []string{"builder"})

	rec := env.do(t, "POST", "/api/passkey/register-start", nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPasskeyRegistrationFlow(t *testing.T) {
	env := newTestEnv(t, []string{"builder"})
	cookie := env.signIn(t, "alice@example.com")
	env.verifier.regCred = &passkey.VerifiedCredential{
		CredentialID: []byte("cred-1"),
		PublicKey:    []byte("pubkey"),
		SignCount:    0,
	}

	rec := env.do(t, "POST", "/api/passkey/register-start", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, string(env.verifier.options), rec.Body.String())

	rec = env.do(t, "POST", "/api/passkey/register-finish", map[string]any{
		"deviceName": "YubiKey",
		"response":   map[string]string{"id": "cred-1"},
	}, cookie)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	creds, err := env.store.GetCredentialsByEmail(context.Background(), "alice@example.com")
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, []byte("cred-1"), creds[0].CredentialID)
	assert.Equal(t, "YubiKey", creds[0].DeviceName)
}

func TestPasskeyRegisterFinishWithoutChallenge(t *testing.T) {
	env := newTestEnv(t, []string{"builder"})
	cookie := env.signIn(t, "alice@example.com")

	rec := env.do(t, "POST", "/api/passkey/register-finish", map[string]any{
		"response": map[string]string{"id": "cred-1"},
	}, cookie)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPasskeyLoginStartNoCredentials(t *testing.T) {
	env := newTestEnv(t, []string{"builder"})

	rec := env.do(t, "POST", "/api/passkey/login-start", map[string]string{"email": "alice@example.com"})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestPasskeyDiscoverableLoginFlow(t *testing.T) {
	env := newTestEnv(t, []string{"builder"})
	now := time.Now().UTC()
	require.NoError(t, env.store.CreateCredential(context.Background(), &store.Credential{
		ID:           "cred-row-1",
		Email:        "alice@example.com",
		CredentialID: []byte("cred-1"),
		PublicKey:    []byte("pubkey"),
		SignCount:    5,
		CreatedAt:    now,
	}))
	env.verifier.assertedID = []byte("cred-1")
	env.verifier.newSignCount = 6

	// No email: discoverable ceremony.
	rec := env.do(t, "POST", "/api/passkey/login-start", map[string]string{})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, "POST", "/api/passkey/login-finish", map[string]any{
		"response": map[string]string{"id": "cred-1"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	user := decodeJSON(t, rec)["user"].(map[string]any)
	assert.Equal(t, "alice@example.com", user["email"])

	// Counter advanced.
	cred, err := env.store.GetCredentialByID(context.Background(), []byte("cred-1"))
	require.NoError(t, err)
	assert.Equal(t, uint32(6), cred.SignCount)
}

func TestPasskeyLoginReplayRejected(t *testing.T) {
	env := newTestEnv(t, []string{"builder"})
	require.NoError(t, env.store.CreateCredential(context.Background(), &store.Credential{
		ID:           "cred-row-1",
		Email:        "alice@example.com",
		CredentialID: []byte("cred-1"),
		PublicKey:    []byte("pubkey"),
		SignCount:    5,
		CreatedAt:    time.Now().UTC(),
	}))
	env.verifier.assertedID = []byte("cred-1")
	env.verifier.newSignCount = 5

	rec := env.do(t, "POST", "/api/passkey/login-start", map[string]string{})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, "POST", "/api/passkey/login-finish", map[string]any{
		"response": map[string]string{"id": "cred-1"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "verification failed", decodeJSON(t, rec)["error"])
}

func callbackToken(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func TestCallbackMissingToken(t *testing.T) {
	env := newTestEnv(t, []string{"builder"})

	rec := env.do(t, "GET", "/auth/callback", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallbackBadSignature(t *testing.T) {
	env := newTestEnv(t, []string{"builder"})
	token := callbackToken(t, []byte("wrong-secret"), jwt.MapClaims{
		"iss":   testIssuer,
		"email": "alice@example.com",
	})

	rec := env.do(t, "GET", "/auth/callback?token="+token, nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCallbackWrongIssuer(t *testing.T) {
	env := newTestEnv(t, []string{"builder"})
	token := callbackToken(t, testCallbackSecret, jwt.MapClaims{
		"iss":   "https://evil.example.com",
		"email": "alice@example.com",
	})

	rec := env.do(t, "GET", "/auth/callback?token="+token, nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCallbackEstablishesSession(t *testing.T) {
	env := newTestEnv(t, []string{"builder"})
	token := callbackToken(t, testCallbackSecret, jwt.MapClaims{
		"iss":   testIssuer,
		"email": "alice@example.com",
	})

	rec := env.do(t, "GET", "/auth/callback?token="+token, nil)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.CookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie)

	got := env.do(t, "GET", "/api/auth/status", nil, cookie)
	assert.Equal(t, true, decodeJSON(t, got)["authenticated"])
}

func TestCallbackUnknownIdentityRedirects(t *testing.T) {
	env := newTestEnv(t, []string{"builder"})
	token := callbackToken(t, testCallbackSecret, jwt.MapClaims{
		"iss":   testIssuer,
		"email": "nobody@example.com",
	})

	rec := env.do(t, "GET", "/auth/callback?token="+token, nil)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, testRegistrationURL, rec.Header().Get("Location"))
}

func TestCallbackDeniedRedirectsToUpgrade(t *testing.T) {
	env := newTestEnv(t, []string{"builder"})
	token := callbackToken(t, testCallbackSecret, jwt.MapClaims{
		"iss":   testIssuer,
		"email": "frank@example.com",
	})

	rec := env.do(t, "GET", "/auth/callback?token="+token, nil)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, testUpgradeURL, rec.Header().Get("Location"))
}
