package transport

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Target describes where and how to send an upstream request: an
// absolute origin plus the session's injected credentials and TLS
// policy.
type Target struct {
	URL               string
	AuthHeader        string
	XAPIKey           string
	TLSVerifyDisabled bool
}

// Dispatch sends method+path (with the session id segment already
// stripped, query string preserved) to target.URL, copying headers from
// the inbound request and injecting the session's credentials (design doc
// Section 4.3). The caller owns closing the returned response body.
func (d *Dialer) Dispatch(ctx context.Context, target Target, method, path string, header http.Header, body []byte) (*http.Response, error) {
	upstreamURL, err := joinURL(target.URL, path)
	if err != nil {
		return nil, fmt.Errorf("building upstream URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, upstreamURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating upstream request: %w", err)
	}

	CopyHeaders(req.Header, header)
	InjectCredentials(req.Header, target.AuthHeader, target.XAPIKey)
	req.ContentLength = int64(len(body))

	resp, err := d.Client(target.TLSVerifyDisabled).Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatching to upstream %s: %w", upstreamURL, err)
	}
	return resp, nil
}

// joinURL appends path (which may carry a query string) to the target's
// origin, preserving the query string verbatim.
func joinURL(origin, path string) (string, error) {
	base, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("parsing target URL %q: %w", origin, err)
	}

	rel, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parsing upstream path %q: %w", path, err)
	}

	base.Path = strings.TrimSuffix(base.Path, "/") + rel.Path
	base.RawQuery = rel.RawQuery
	return base.String(), nil
}
