// Package gateway wires the authentication surface and the reverse proxy
// into a single HTTP handler set.
//
// # Routes
//
// Authentication lives under /api/auth (verification codes, status, logout)
// and /api/passkey (WebAuthn ceremonies). /auth/callback accepts signed
// assertions from the external identity provider. /signin serves the
// embedded sign-in page. Everything else falls through to the reverse
// proxy, guarded by a session check and the label policy.
//
// # Failure Shapes
//
// API routes answer with JSON bodies. An unknown identity gets 404 with a
// registration redirect; a resolved identity lacking the required labels
// gets 403 with its current labels and an upgrade redirect. Page
// navigations (the catch-all proxy path, the callback) redirect instead.
package gateway
