// ABOUTME: Passkey orchestration: challenge lifecycle, credential persistence, replay defense
// ABOUTME: Delegates cryptographic ceremony verification to an injected CeremonyVerifier

package passkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/warden-gateway/internal/store"
)

// Orchestrator errors
var (
	// ErrNoCredentials means the email owns no registered passkeys
	ErrNoCredentials = errors.New("no credentials registered")

	// ErrChallengeNotFound means no ceremony is in flight for the email
	ErrChallengeNotFound = errors.New("no challenge on file")

	// ErrChallengeExpired means the in-flight ceremony outlived its TTL
	ErrChallengeExpired = errors.New("challenge expired")

	// ErrReplayDetected means the reported sign count did not advance past
	// the stored one
	ErrReplayDetected = errors.New("replay detected")

	// ErrVerificationFailed means the external capability rejected the response
	ErrVerificationFailed = errors.New("verification failed")
)

// discoverableKey is the challenge key used for identity-less ceremonies,
// where no email is known at begin time.
const discoverableKey = ""

// User is the identity a ceremony runs for.
type User struct {
	Email       string
	DisplayName string
	Credentials []*store.Credential
}

// VerifiedCredential is the credential extracted from a successful
// registration ceremony.
type VerifiedCredential struct {
	CredentialID    []byte
	PublicKey       []byte
	AttestationType string
	Transports      string // JSON array
	SignCount       uint32
}

// CredentialLookup resolves a stored credential by the ID embedded in an
// assertion. Supplied by the orchestrator so the verifier never touches
// persistence directly.
type CredentialLookup func(credentialID []byte) (*store.Credential, error)

// AssertionResult is the outcome of a successful authentication ceremony.
type AssertionResult struct {
	// Credential is the stored credential the assertion resolved to.
	Credential *store.Credential
	// NewSignCount is the counter the authenticator reported.
	NewSignCount uint32
}

// CeremonyVerifier is the external cryptographic capability. Signature and
// origin/RP-ID validation live entirely behind these four operations; the
// orchestrator never reimplements them.
type CeremonyVerifier interface {
	BeginRegistration(user *User) (options json.RawMessage, ceremonyData []byte, err error)
	FinishRegistration(user *User, ceremonyData, response []byte) (*VerifiedCredential, error)
	// BeginAuthentication with a nil user starts a discoverable ceremony.
	BeginAuthentication(user *User) (options json.RawMessage, ceremonyData []byte, err error)
	FinishAuthentication(ceremonyData, response []byte, lookup CredentialLookup) (*AssertionResult, error)
}

// CredentialStore is the subset of the store the orchestrator needs.
type CredentialStore interface {
	UpsertChallenge(ctx context.Context, challenge *store.Challenge) error
	GetChallenge(ctx context.Context, email string) (*store.Challenge, error)
	DeleteChallenge(ctx context.Context, email string) error
	CreateCredential(ctx context.Context, cred *store.Credential) error
	GetCredentialsByEmail(ctx context.Context, email string) ([]*store.Credential, error)
	GetCredentialByID(ctx context.Context, credentialID []byte) (*store.Credential, error)
	UpdateCredentialSignCount(ctx context.Context, id string, oldCount, newCount uint32) error
}

// Orchestrator runs passkey registration and authentication flows.
type Orchestrator struct {
	store    CredentialStore
	verifier CeremonyVerifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewOrchestrator creates an orchestrator over the given store and verifier.
func NewOrchestrator(credStore CredentialStore, verifier CeremonyVerifier) *Orchestrator {
	return &Orchestrator{
		store:    credStore,
		verifier: verifier,
		logger:   slog.Default().With("component", "passkey"),
		now:      time.Now,
	}
}

// BeginRegistration starts a registration ceremony for an already-verified
// identity. Any in-flight ceremony for the email is overwritten.
func (o *Orchestrator) BeginRegistration(ctx context.Context, email, displayName string) (json.RawMessage, error) {
	creds, err := o.store.GetCredentialsByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}

	user := &User{Email: email, DisplayName: displayName, Credentials: creds}
	options, ceremonyData, err := o.verifier.BeginRegistration(user)
	if err != nil {
		return nil, fmt.Errorf("beginning registration: %w", err)
	}

	challenge := &store.Challenge{
		Email:       email,
		SessionData: ceremonyData,
		CreatedAt:   o.now(),
	}
	if err := o.store.UpsertChallenge(ctx, challenge); err != nil {
		return nil, fmt.Errorf("storing challenge: %w", err)
	}

	o.logger.Info("registration started", "email", email)
	return options, nil
}

// FinishRegistration completes a registration ceremony and persists the new
// credential. The stored challenge is consumed whether or not verification
// succeeds.
func (o *Orchestrator) FinishRegistration(ctx context.Context, email, deviceName string, response []byte) error {
	challenge, err := o.consumeChallenge(ctx, email)
	if err != nil {
		return err
	}

	creds, err := o.store.GetCredentialsByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}

	user := &User{Email: email, Credentials: creds}
	verified, err := o.verifier.FinishRegistration(user, challenge.SessionData, response)
	if err != nil {
		o.logger.Warn("registration verification failed", "email", email, "error", err)
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	cred := &store.Credential{
		ID:              uuid.New().String(),
		Email:           email,
		CredentialID:    verified.CredentialID,
		PublicKey:       verified.PublicKey,
		AttestationType: verified.AttestationType,
		Transports:      verified.Transports,
		SignCount:       verified.SignCount,
		DeviceName:      deviceName,
		CreatedAt:       o.now(),
	}
	if err := o.store.CreateCredential(ctx, cred); err != nil {
		return fmt.Errorf("storing credential: %w", err)
	}

	o.logger.Info("passkey registered", "email", email, "credential_id", cred.ID)
	return nil
}

// BeginAuthentication starts an authentication ceremony. An empty email
// starts an unrestricted (discoverable) ceremony; a non-empty email restricts
// the allow-list to that email's credentials and fails with ErrNoCredentials
// when it owns none.
func (o *Orchestrator) BeginAuthentication(ctx context.Context, email string) (json.RawMessage, error) {
	var user *User
	if email != "" {
		creds, err := o.store.GetCredentialsByEmail(ctx, email)
		if err != nil {
			return nil, fmt.Errorf("loading credentials: %w", err)
		}
		if len(creds) == 0 {
			return nil, ErrNoCredentials
		}
		user = &User{Email: email, Credentials: creds}
	}

	options, ceremonyData, err := o.verifier.BeginAuthentication(user)
	if err != nil {
		return nil, fmt.Errorf("beginning authentication: %w", err)
	}

	challenge := &store.Challenge{
		Email:       email, // discoverableKey when identity-less
		SessionData: ceremonyData,
		CreatedAt:   o.now(),
	}
	if err := o.store.UpsertChallenge(ctx, challenge); err != nil {
		return nil, fmt.Errorf("storing challenge: %w", err)
	}

	return options, nil
}

// FinishAuthentication completes an authentication ceremony and returns the
// email the credential resolved to. The credential is looked up by the ID
// inside the assertion; the email parameter only selects which stored
// challenge to consume.
//
// Even when the verifier reports success, the reported sign count must be
// strictly greater than the stored one. The counter discipline is this
// orchestrator's own defense, not delegated.
func (o *Orchestrator) FinishAuthentication(ctx context.Context, email string, response []byte) (string, error) {
	challenge, err := o.consumeChallenge(ctx, email)
	if err != nil {
		return "", err
	}

	lookup := func(credentialID []byte) (*store.Credential, error) {
		cred, err := o.store.GetCredentialByID(ctx, credentialID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoCredentials
		}
		return cred, err
	}

	result, err := o.verifier.FinishAuthentication(challenge.SessionData, response, lookup)
	if err != nil {
		o.logger.Warn("authentication verification failed", "error", err)
		return "", fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	stored := result.Credential
	if result.NewSignCount <= stored.SignCount {
		o.logger.Warn("sign count did not advance, treating as replay",
			"credential_id", stored.ID, "stored", stored.SignCount, "reported", result.NewSignCount)
		return "", ErrReplayDetected
	}

	err = o.store.UpdateCredentialSignCount(ctx, stored.ID, stored.SignCount, result.NewSignCount)
	if errors.Is(err, store.ErrCounterConflict) {
		// A concurrent authentication advanced the counter first.
		return "", ErrReplayDetected
	}
	if err != nil {
		return "", fmt.Errorf("updating sign count: %w", err)
	}

	o.logger.Info("passkey authentication succeeded", "email", stored.Email, "credential_id", stored.ID)
	return stored.Email, nil
}

// consumeChallenge loads and deletes the challenge for a key, enforcing its
// TTL. Expired challenges are deleted on the failing read.
func (o *Orchestrator) consumeChallenge(ctx context.Context, email string) (*store.Challenge, error) {
	challenge, err := o.store.GetChallenge(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrChallengeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading challenge: %w", err)
	}

	if err := o.store.DeleteChallenge(ctx, email); err != nil {
		return nil, fmt.Errorf("consuming challenge: %w", err)
	}

	if o.now().Sub(challenge.CreatedAt) > store.ChallengeTTL {
		return nil, ErrChallengeExpired
	}

	return challenge, nil
}
