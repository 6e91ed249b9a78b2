// Package transport builds the outbound HTTP request/connection to a
// session's upstream target and copies headers the way a proxy must:
// stripping hop-by-hop headers and the client's own credentials before
// injecting the session's.
package transport

import (
	"crypto/tls"
	"net/http"
	"strings"
	"sync"
)

// hopByHopHeaders must never be forwarded through a proxy — they are
// connection-specific and only meaningful for a single hop (design doc
// Section 4.3).
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// credentialHeaders are stripped from the client's request before the
// session's own auth_header/x_api_key are injected — a client must never
// be able to smuggle its own upstream credentials through the proxy.
var credentialHeaders = map[string]bool{
	"Authorization": true,
	"X-Api-Key":     true,
}

// Dialer hands out *http.Client values per TLS policy. Exactly two
// clients ever exist — one verifying, one not — rather than one client
// per session, since InsecureSkipVerify is the only knob that affects
// transport identity (design doc Section 4.3: "opt-in per session, never
// global").
type Dialer struct {
	mu       sync.Mutex
	verify   *http.Client
	noVerify *http.Client
}

// NewDialer constructs a Dialer with no upstream idle timeout configured
// by default — LLM calls can run long (design doc Section 5).
func NewDialer() *Dialer {
	return &Dialer{
		verify: &http.Client{},
	}
}

// Client returns the shared client for the given TLS verification policy,
// lazily constructing the insecure one on first use.
func (d *Dialer) Client(tlsVerifyDisabled bool) *http.Client {
	if !tlsVerifyDisabled {
		return d.verify
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.noVerify == nil {
		d.noVerify = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // opt-in per session
			},
		}
	}
	return d.noVerify
}

// CopyHeaders copies headers from src to dst, skipping hop-by-hop headers,
// the Host header, and the client's own credential headers (design doc
// Section 4.3).
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if hopByHopHeaders[key] || credentialHeaders[key] {
			continue
		}
		if strings.EqualFold(key, "Host") {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// InjectCredentials sets the session's Authorization/x-api-key headers on
// an outbound request, overriding anything the client sent.
func InjectCredentials(h http.Header, authHeader, xAPIKey string) {
	if authHeader != "" {
		h.Set("Authorization", authHeader)
	}
	if xAPIKey != "" {
		h.Set("x-api-key", xAPIKey)
	}
}

// CopyResponseHeaders copies response headers from upstream to the client
// response writer, skipping hop-by-hop headers.
func CopyResponseHeaders(dst, src http.Header) {
	for key, values := range src {
		if hopByHopHeaders[key] {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
