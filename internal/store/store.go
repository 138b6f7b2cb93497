// ABOUTME: Store interface and data types for warden-gateway persistence
// ABOUTME: Defines verification codes, passkey challenges, credentials, and sessions

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// ErrCredentialExists is returned when registering a credential ID that is already on file
var ErrCredentialExists = errors.New("credential already exists")

// ErrCounterConflict is returned when a sign-count compare-and-swap loses to a
// concurrent update. Callers treat this as a replay signal.
var ErrCounterConflict = errors.New("sign count conflict")

// VerificationCode is a one-time numeric code issued to an email address.
// At most one code is active per email; reissuing overwrites the old one.
type VerificationCode struct {
	Email     string
	Code      string
	ExpiresAt time.Time
}

// Challenge holds the serialized ceremony state for an in-flight passkey
// registration or authentication, keyed by email. One active challenge per
// email; reissuing overwrites.
type Challenge struct {
	Email       string
	SessionData []byte
	CreatedAt   time.Time
}

// Credential is a registered passkey. An email may own many credentials, but
// a credential ID is unique across the whole table so that discoverable
// (identity-less) login can resolve the owner from the credential alone.
type Credential struct {
	ID              string
	Email           string
	CredentialID    []byte
	PublicKey       []byte
	AttestationType string
	Transports      string // JSON array
	SignCount       uint32
	DeviceName      string
	CreatedAt       time.Time
}

// Session is the server-side record behind a signed session cookie.
type Session struct {
	ID            string
	Email         string
	DisplayName   string
	Labels        []string
	Authenticated bool
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Store defines the persistence contract for the gateway.
//
// The three Upsert methods are atomic replace-if-exists writes: concurrent
// reissues for the same email resolve to whichever write lands last, with no
// partial state visible in between.
type Store interface {
	// Verification codes
	UpsertVerificationCode(ctx context.Context, code *VerificationCode) error
	GetVerificationCode(ctx context.Context, email string) (*VerificationCode, error)
	DeleteVerificationCode(ctx context.Context, email string) error

	// Passkey challenges
	UpsertChallenge(ctx context.Context, challenge *Challenge) error
	GetChallenge(ctx context.Context, email string) (*Challenge, error)
	DeleteChallenge(ctx context.Context, email string) error

	// Credentials
	CreateCredential(ctx context.Context, cred *Credential) error
	GetCredentialsByEmail(ctx context.Context, email string) ([]*Credential, error)
	GetCredentialByID(ctx context.Context, credentialID []byte) (*Credential, error)
	// UpdateCredentialSignCount is a compare-and-swap: the update only applies
	// if the stored count still equals oldCount. Returns ErrCounterConflict
	// when another authentication got there first.
	UpdateCredentialSignCount(ctx context.Context, id string, oldCount, newCount uint32) error

	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	DeleteSession(ctx context.Context, id string) error

	// PurgeExpired removes expired codes, challenges, and sessions.
	// TTL enforcement happens on read; this only bounds storage growth.
	PurgeExpired(ctx context.Context, now time.Time) error

	// Close releases any resources held by the store
	Close() error
}
