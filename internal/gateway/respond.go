// ABOUTME: JSON response helpers and the route-level error taxonomy
// ABOUTME: Maps domain errors onto the gateway's HTTP status and body shapes

package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// userPayload is the identity shape returned on successful sign-in.
type userPayload struct {
	Email  string   `json:"email"`
	Name   string   `json:"name"`
	Labels []string `json:"labels"`
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Debug("failed to encode response", "error", err)
	}
}

// writeRawJSON sends pre-encoded JSON verbatim, preserving the shape the
// ceremony library produced.
func writeRawJSON(w http.ResponseWriter, status int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		slog.Default().Debug("failed to write response", "error", err)
	}
}

// writeError sends a plain error body. Messages are client-safe; internals
// never leak here.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

// writeNotFound reports an identity the directory does not know, pointing
// the user at the registration path instead of a bare error.
func writeNotFound(w http.ResponseWriter, redirect string) {
	writeJSON(w, http.StatusNotFound, map[string]any{
		"error":    "identity not found",
		"redirect": redirect,
	})
}

// writeDenied reports a resolved identity that lacks the required labels.
// Distinct from "not authenticated": it carries the user's current labels
// and an upgrade path.
func writeDenied(w http.ResponseWriter, labels []string, redirect string) {
	if labels == nil {
		labels = []string{}
	}
	writeJSON(w, http.StatusForbidden, map[string]any{
		"error":      "access denied",
		"userLabels": labels,
		"redirect":   redirect,
	})
}
