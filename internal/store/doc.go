// Package store provides persistent storage for the gateway using SQLite.
//
// # Record Kinds
//
// The store owns four keyed collections:
//
//   - VerificationCode: one-time numeric email codes, one per email
//   - Challenge: in-flight passkey ceremony state, one per email
//   - Credential: registered passkeys, unique by authenticator credential ID
//   - Session: server-side session records behind signed cookies
//
// # Atomicity
//
// Two operations carry correctness weight:
//
//   - Upsert* methods are single-statement INSERT ... ON CONFLICT replaces.
//     Concurrent reissues for the same email resolve last-writer-wins with no
//     partial row ever visible.
//   - UpdateCredentialSignCount is a compare-and-swap on the stored counter
//     so two concurrent authentications cannot both pass a stale check.
//
// # TTLs
//
// Expiry is enforced by comparing stored timestamps on read, not by background
// eviction. PurgeExpired additionally sweeps dead rows to bound growth.
//
// # SQLite Configuration
//
// WAL mode for concurrent reads, foreign keys on. Timestamps are stored as
// RFC3339 UTC strings. Use NewSQLiteStore(":memory:") in tests.
package store
