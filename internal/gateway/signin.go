// ABOUTME: Sign-in page route backed by an embedded static HTML page
// ABOUTME: Authenticated visitors are bounced back to the proxied app

package gateway

import (
	"embed"
	"net/http"
)

//go:embed static
var staticFS embed.FS

// handleSignin serves the sign-in page. A visitor who already holds a valid,
// policy-passing session has nothing to do here and goes home.
func (g *Gateway) handleSignin(w http.ResponseWriter, r *http.Request) {
	if sess, err := g.sessions.Get(r); err == nil && g.policy.Evaluate(sess) {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	page, err := staticFS.ReadFile("static/signin.html")
	if err != nil {
		g.logger.Error("sign-in page missing from embedded assets", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(page)
}
