// Package intercept implements the bounded multi-round tool interceptor
// (C6): detecting matching tool_use blocks in an aggregated assistant
// turn, executing them proxy-side, and re-dispatching a follow-up
// upstream request with the tool_result spliced in.
package intercept

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gobwas/glob"
)

// MaxRounds bounds the number of upstream dispatches per client request
// (design doc Section 4.6).
const MaxRounds = 8

const (
	fetchTimeout     = 30 * time.Second
	fetchMaxRedirect = 5
	fetchMaxBytes    = 2 * 1024 * 1024
)

// webFetchClient performs the proxy-side WebFetch tool execution. A
// dedicated client (distinct from the upstream dialer) enforces the
// tool-fetch-specific timeout and redirect policy without affecting
// upstream LLM calls.
var webFetchClient = &http.Client{
	Timeout: fetchTimeout,
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		if len(via) > fetchMaxRedirect {
			return fmt.Errorf("stopped after %d redirects", fetchMaxRedirect)
		}
		return nil
	},
}

// whitelistAllows reports whether host matches one of the whitelist
// entries, case-insensitive (design doc Section 4.6). A nil whitelist
// means "allow all" (see DESIGN.md); a non-nil, possibly empty, slice
// means "allow only matching hosts." Plain entries ("example.com") match
// that host and its subdomains; entries containing glob metacharacters ("*.example.com",
// "api-??.example.com") are compiled and matched against the full host,
// the same two-mode pattern the rule engine uses for path matching.
func whitelistAllows(whitelist []string, host string) bool {
	if whitelist == nil {
		return true
	}
	host = strings.ToLower(host)
	for _, entry := range whitelist {
		entry = strings.ToLower(entry)
		if strings.ContainsAny(entry, "*?[") {
			g, err := glob.Compile(entry)
			if err != nil {
				continue
			}
			if g.Match(host) {
				return true
			}
			continue
		}
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}

// fetchWebFetch executes one WebFetch tool call: validates the URL
// against the whitelist, issues the GET, and returns the decoded body
// (lossy UTF-8) trimmed to the size cap. Returns an error string (never a
// Go error) so callers can fold it straight into a tool_result.
func fetchWebFetch(ctx context.Context, rawURL string, whitelist []string) (output string, isError bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Sprintf("invalid url: %v", err), true
	}

	if !whitelistAllows(whitelist, u.Hostname()) {
		return "url not in whitelist", true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Sprintf("building request: %v", err), true
	}

	resp, err := webFetchClient.Do(req)
	if err != nil {
		return fmt.Sprintf("fetch failed: %v", err), true
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBytes))
	if err != nil {
		return fmt.Sprintf("reading response: %v", err), true
	}

	return toLossyUTF8(body), false
}

// toLossyUTF8 decodes b as UTF-8, replacing invalid sequences rather than
// failing — tool output is free-form text from an untrusted origin.
func toLossyUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}
