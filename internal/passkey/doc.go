// Package passkey orchestrates WebAuthn registration and authentication.
//
// # Division of Responsibility
//
// Cryptographic verification (signatures, origin and RP-ID binding) is an
// injected capability behind the CeremonyVerifier interface, implemented in
// production by go-webauthn. The orchestrator owns everything around it:
//
//   - challenge persistence, one in-flight ceremony per email with a fixed
//     10 minute TTL, overwritten on reissue and consumed on finish
//   - credential persistence (one email, many devices; credential IDs unique
//     system-wide so discoverable login can resolve the owner)
//   - sign-count discipline: a finished authentication must report a counter
//     strictly greater than the stored one, and the update is a store-level
//     compare-and-swap; failures surface as ErrReplayDetected
//
// # Flows
//
// Registration (a second factor for an existing identity, not a bootstrap):
//
//	BeginRegistration -> challenge stored -> FinishRegistration -> credential persisted
//
// Authentication, with or without a known email:
//
//	BeginAuthentication("") -> discoverable ceremony, credential resolved by
//	the ID inside the assertion
//	BeginAuthentication(email) -> allow-list restricted to that email's
//	credentials; ErrNoCredentials when it owns none
package passkey
