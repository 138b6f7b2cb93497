// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides code/challenge/credential/session persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ChallengeTTL is how long a stored passkey challenge stays usable,
// measured from creation and never renewed.
const ChallengeTTL = 10 * time.Minute

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS verification_codes (
			email      TEXT PRIMARY KEY,
			code       TEXT NOT NULL,
			expires_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS passkey_challenges (
			email        TEXT PRIMARY KEY,
			session_data BLOB NOT NULL,
			created_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS credentials (
			id               TEXT PRIMARY KEY,
			email            TEXT NOT NULL,
			credential_id    BLOB NOT NULL UNIQUE,
			public_key       BLOB NOT NULL,
			attestation_type TEXT NOT NULL DEFAULT '',
			transports       TEXT,
			sign_count       INTEGER NOT NULL DEFAULT 0,
			device_name      TEXT NOT NULL DEFAULT '',
			created_at       TEXT NOT NULL,

			CHECK (sign_count >= 0)
		);

		CREATE INDEX IF NOT EXISTS idx_credentials_email ON credentials(email);

		CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			email         TEXT NOT NULL,
			display_name  TEXT NOT NULL DEFAULT '',
			labels        TEXT NOT NULL DEFAULT '[]',
			authenticated INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL,
			expires_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// UpsertVerificationCode stores a code for an email, replacing any existing one.
// The overwrite is a single statement so no partial state is ever visible.
func (s *SQLiteStore) UpsertVerificationCode(ctx context.Context, code *VerificationCode) error {
	query := `
		INSERT INTO verification_codes (email, code, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			code = excluded.code,
			expires_at = excluded.expires_at
	`

	_, err := s.db.ExecContext(ctx, query,
		code.Email,
		code.Code,
		code.ExpiresAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting verification code: %w", err)
	}

	s.logger.Debug("stored verification code", "email", code.Email, "expires_at", code.ExpiresAt)
	return nil
}

// GetVerificationCode retrieves the active code for an email.
func (s *SQLiteStore) GetVerificationCode(ctx context.Context, email string) (*VerificationCode, error) {
	query := `SELECT email, code, expires_at FROM verification_codes WHERE email = ?`

	var code VerificationCode
	var expiresAtStr string

	err := s.db.QueryRowContext(ctx, query, email).Scan(&code.Email, &code.Code, &expiresAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying verification code: %w", err)
	}

	code.ExpiresAt, err = time.Parse(time.RFC3339, expiresAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}

	return &code, nil
}

// DeleteVerificationCode removes the code for an email. Deleting a missing
// code is not an error.
func (s *SQLiteStore) DeleteVerificationCode(ctx context.Context, email string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM verification_codes WHERE email = ?", email)
	if err != nil {
		return fmt.Errorf("deleting verification code: %w", err)
	}
	return nil
}

// UpsertChallenge stores ceremony state for an email, replacing any in-flight one.
func (s *SQLiteStore) UpsertChallenge(ctx context.Context, challenge *Challenge) error {
	query := `
		INSERT INTO passkey_challenges (email, session_data, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			session_data = excluded.session_data,
			created_at = excluded.created_at
	`

	_, err := s.db.ExecContext(ctx, query,
		challenge.Email,
		challenge.SessionData,
		challenge.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting challenge: %w", err)
	}
	return nil
}

// GetChallenge retrieves the in-flight ceremony state for an email.
func (s *SQLiteStore) GetChallenge(ctx context.Context, email string) (*Challenge, error) {
	query := `SELECT email, session_data, created_at FROM passkey_challenges WHERE email = ?`

	var challenge Challenge
	var createdAtStr string

	err := s.db.QueryRowContext(ctx, query, email).Scan(&challenge.Email, &challenge.SessionData, &createdAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying challenge: %w", err)
	}

	challenge.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &challenge, nil
}

// DeleteChallenge removes the challenge for an email. Missing rows are a no-op.
func (s *SQLiteStore) DeleteChallenge(ctx context.Context, email string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM passkey_challenges WHERE email = ?", email)
	if err != nil {
		return fmt.Errorf("deleting challenge: %w", err)
	}
	return nil
}

// CreateCredential stores a newly registered passkey.
func (s *SQLiteStore) CreateCredential(ctx context.Context, cred *Credential) error {
	query := `
		INSERT INTO credentials (id, email, credential_id, public_key, attestation_type, transports, sign_count, device_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		cred.ID,
		cred.Email,
		cred.CredentialID,
		cred.PublicKey,
		cred.AttestationType,
		cred.Transports,
		cred.SignCount,
		cred.DeviceName,
		cred.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrCredentialExists
		}
		return fmt.Errorf("inserting credential: %w", err)
	}

	s.logger.Info("created credential", "id", cred.ID, "email", cred.Email)
	return nil
}

// GetCredentialsByEmail retrieves all passkeys registered to an email.
func (s *SQLiteStore) GetCredentialsByEmail(ctx context.Context, email string) ([]*Credential, error) {
	query := `
		SELECT id, email, credential_id, public_key, attestation_type, transports, sign_count, device_name, created_at
		FROM credentials
		WHERE email = ?
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, email)
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var creds []*Credential
	for rows.Next() {
		cred, err := scanCredential(rows.Scan)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating credentials: %w", err)
	}

	return creds, nil
}

// GetCredentialByID retrieves a passkey by its authenticator credential ID.
// This is the lookup used for discoverable login, where the assertion alone
// identifies the owner.
func (s *SQLiteStore) GetCredentialByID(ctx context.Context, credentialID []byte) (*Credential, error) {
	query := `
		SELECT id, email, credential_id, public_key, attestation_type, transports, sign_count, device_name, created_at
		FROM credentials
		WHERE credential_id = ?
	`

	row := s.db.QueryRowContext(ctx, query, credentialID)
	cred, err := scanCredential(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return cred, nil
}

// UpdateCredentialSignCount applies a compare-and-swap on the stored sign count.
// Two concurrent authentications can both pass a stale-counter check in memory;
// only the one whose oldCount still matches the row wins here.
func (s *SQLiteStore) UpdateCredentialSignCount(ctx context.Context, id string, oldCount, newCount uint32) error {
	query := `UPDATE credentials SET sign_count = ? WHERE id = ? AND sign_count = ?`

	result, err := s.db.ExecContext(ctx, query, newCount, id, oldCount)
	if err != nil {
		return fmt.Errorf("updating sign count: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		// Either the row is gone or another writer bumped the counter first.
		var exists int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM credentials WHERE id = ?", id).Scan(&exists); err != nil {
			return fmt.Errorf("checking credential existence: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrCounterConflict
	}

	return nil
}

// scanCredential scans one credential row via the given Scan func.
func scanCredential(scan func(dest ...any) error) (*Credential, error) {
	var cred Credential
	var transports sql.NullString
	var createdAtStr string

	if err := scan(
		&cred.ID,
		&cred.Email,
		&cred.CredentialID,
		&cred.PublicKey,
		&cred.AttestationType,
		&transports,
		&cred.SignCount,
		&cred.DeviceName,
		&createdAtStr,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning credential: %w", err)
	}

	cred.Transports = transports.String

	var err error
	cred.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &cred, nil
}

// CreateSession stores a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	labelsJSON, err := json.Marshal(session.Labels)
	if err != nil {
		return fmt.Errorf("encoding labels: %w", err)
	}

	query := `
		INSERT INTO sessions (id, email, display_name, labels, authenticated, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	authenticated := 0
	if session.Authenticated {
		authenticated = 1
	}

	_, err = s.db.ExecContext(ctx, query,
		session.ID,
		session.Email,
		session.DisplayName,
		string(labelsJSON),
		authenticated,
		session.CreatedAt.UTC().Format(time.RFC3339),
		session.ExpiresAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", session.ID, "email", session.Email)
	return nil
}

// GetSession retrieves a session by ID. Expired sessions are treated as
// missing and lazily deleted.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `
		SELECT id, email, display_name, labels, authenticated, created_at, expires_at
		FROM sessions
		WHERE id = ?
	`

	var session Session
	var labelsJSON string
	var authenticated int
	var createdAtStr, expiresAtStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&session.ID,
		&session.Email,
		&session.DisplayName,
		&labelsJSON,
		&authenticated,
		&createdAtStr,
		&expiresAtStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	session.Authenticated = authenticated != 0

	if err := json.Unmarshal([]byte(labelsJSON), &session.Labels); err != nil {
		return nil, fmt.Errorf("decoding labels: %w", err)
	}

	session.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	session.ExpiresAt, err = time.Parse(time.RFC3339, expiresAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}

	if time.Now().After(session.ExpiresAt) {
		_ = s.DeleteSession(ctx, id)
		return nil, ErrNotFound
	}

	return &session, nil
}

// DeleteSession removes a session. Missing rows are a no-op so logout stays
// idempotent.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// PurgeExpired sweeps expired verification codes, challenges, and sessions.
func (s *SQLiteStore) PurgeExpired(ctx context.Context, now time.Time) error {
	nowStr := now.UTC().Format(time.RFC3339)
	cutoff := now.Add(-ChallengeTTL).UTC().Format(time.RFC3339)

	var total int64
	for _, stmt := range []struct {
		query string
		arg   string
	}{
		{"DELETE FROM verification_codes WHERE expires_at <= ?", nowStr},
		{"DELETE FROM passkey_challenges WHERE created_at <= ?", cutoff},
		{"DELETE FROM sessions WHERE expires_at <= ?", nowStr},
	} {
		result, err := s.db.ExecContext(ctx, stmt.query, stmt.arg)
		if err != nil {
			return fmt.Errorf("purging expired rows: %w", err)
		}
		n, _ := result.RowsAffected()
		total += n
	}

	if total > 0 {
		s.logger.Debug("purged expired records", "count", total)
	}
	return nil
}

// isUniqueConstraintError checks if an error is a unique constraint violation.
func isUniqueConstraintError(err error) bool {
	// SQLite returns "UNIQUE constraint failed" in the error message
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") || strings.Contains(err.Error(), "unique constraint"))
}
