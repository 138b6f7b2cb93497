// ABOUTME: Streaming reverse proxy with conditional HTML rewriting
// ABOUTME: Injects a session-sync script before the closing body tag of HTML responses

package proxy

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// MaxRewriteSize bounds how much of an HTML body is buffered for rewriting.
// Bodies larger than this stream through unmodified instead of risking
// unbounded memory on oversized pages.
const MaxRewriteSize = 10 << 20 // 10 MiB

// hopHeaders are connection-management headers never forwarded in either
// direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Transfer-Encoding",
}

// Proxy forwards authorized requests to the upstream backend.
type Proxy struct {
	upstream *url.URL
	client   *http.Client
	script   []byte
	logger   *slog.Logger
}

// New creates a proxy for the upstream base URL. Upstream calls time out
// after timeout; a timeout maps to the generic upstream-failure response.
// scriptURL is the cross-domain session-sync client injected into HTML pages.
func New(upstreamURL string, timeout time.Duration, scriptURL string) (*Proxy, error) {
	parsed, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream URL: %w", err)
	}

	return &Proxy{
		upstream: parsed,
		client:   &http.Client{Timeout: timeout},
		script:   []byte(fmt.Sprintf("<script src=%q async></script>\n", scriptURL)),
		logger:   slog.Default().With("component", "proxy"),
	}, nil
}

// ServeHTTP forwards the request to the upstream and relays the response,
// rewriting HTML bodies in flight.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := *p.upstream
	target.Path = singleJoiningSlash(p.upstream.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		p.upstreamFailure(w, err)
		return
	}

	copyHeaders(req.Header, r.Header)
	// Let the transport negotiate encoding so HTML arrives decompressed and
	// rewritable.
	req.Header.Del("Accept-Encoding")
	req.Header.Set("X-Forwarded-For", clientIP(r))
	req.Header.Set("X-Forwarded-Host", r.Host)
	req.Header.Set("X-Forwarded-Proto", forwardedProto(r))

	resp, err := p.client.Do(req)
	if err != nil {
		p.upstreamFailure(w, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if isHTML(resp.Header.Get("Content-Type")) {
		p.relayHTML(w, resp)
		return
	}
	p.relayStream(w, resp)
}

// relayStream forwards a non-HTML response byte for byte without buffering.
func (p *Proxy) relayStream(w http.ResponseWriter, resp *http.Response) {
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		// Headers are already out; all we can do is drop the connection.
		p.logger.Warn("upstream stream interrupted", "error", err)
	}
}

// relayHTML buffers the body, injects the session-sync script before the
// last closing body tag, and sends the rewritten page with a recomputed
// content length. Bodies over MaxRewriteSize pass through unmodified.
func (p *Proxy) relayHTML(w http.ResponseWriter, resp *http.Response) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxRewriteSize+1))
	if err != nil {
		p.upstreamFailure(w, err)
		return
	}

	if len(body) > MaxRewriteSize {
		copyHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		if _, err := w.Write(body); err == nil {
			if _, err := io.Copy(w, resp.Body); err != nil {
				p.logger.Warn("upstream stream interrupted", "error", err)
			}
		}
		return
	}

	rewritten := injectScript(body, p.script)

	copyHeaders(w.Header(), resp.Header)
	w.Header().Del("Content-Encoding")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(rewritten)))
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(rewritten); err != nil {
		p.logger.Warn("client write failed", "error", err)
	}
}

// upstreamFailure maps any upstream error to a generic 502. Upstream errors
// are never passed through raw.
func (p *Proxy) upstreamFailure(w http.ResponseWriter, err error) {
	p.logger.Error("upstream request failed", "error", err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	_, _ = w.Write([]byte(`{"error":"upstream failure"}`))
}

// injectScript inserts the script block immediately before the last closing
// body tag. Pages without one get the script appended.
func injectScript(body, script []byte) []byte {
	idx := lastIndexFold(body, []byte("</body>"))
	if idx < 0 {
		return append(append([]byte{}, body...), script...)
	}

	rewritten := make([]byte, 0, len(body)+len(script))
	rewritten = append(rewritten, body[:idx]...)
	rewritten = append(rewritten, script...)
	rewritten = append(rewritten, body[idx:]...)
	return rewritten
}

// lastIndexFold finds the last ASCII case-insensitive occurrence of sep.
func lastIndexFold(s, sep []byte) int {
	return bytes.LastIndex(bytes.ToLower(s), bytes.ToLower(sep))
}

// isHTML reports whether a content type declares an HTML payload.
func isHTML(contentType string) bool {
	mediaType := contentType
	if i := strings.Index(mediaType, ";"); i >= 0 {
		mediaType = mediaType[:i]
	}
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// copyHeaders copies all headers except the hop-by-hop set.
func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopHeader(key) {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func isHopHeader(key string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}

// singleJoiningSlash joins two URL path segments with exactly one slash.
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// clientIP extracts the client address without the port.
func clientIP(r *http.Request) string {
	ip := r.RemoteAddr
	if i := strings.LastIndex(ip, ":"); i >= 0 {
		ip = ip[:i]
	}
	return ip
}

// forwardedProto reports the scheme the client used.
func forwardedProto(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
