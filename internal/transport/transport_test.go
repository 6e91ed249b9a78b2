package transport

import (
	"net/http"
	"testing"
)

func TestCopyHeadersStripsHopByHopAndCredentials(t *testing.T) {
	src := http.Header{}
	src.Set("Connection", "keep-alive")
	src.Set("Authorization", "Bearer client-token")
	src.Set("X-Api-Key", "client-key")
	src.Set("Host", "client.example.com")
	src.Set("X-Custom", "keep-me")

	dst := http.Header{}
	CopyHeaders(dst, src)

	if dst.Get("Connection") != "" {
		t.Error("expected Connection header to be stripped")
	}
	if dst.Get("Authorization") != "" {
		t.Error("expected client Authorization to be stripped")
	}
	if dst.Get("X-Api-Key") != "" {
		t.Error("expected client X-Api-Key to be stripped")
	}
	if dst.Get("Host") != "" {
		t.Error("expected Host header to be stripped")
	}
	if dst.Get("X-Custom") != "keep-me" {
		t.Errorf("expected X-Custom to survive, got %q", dst.Get("X-Custom"))
	}
}

func TestInjectCredentialsOverridesClientValues(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "should-be-overwritten")

	InjectCredentials(h, "Bearer session-token", "session-key")

	if h.Get("Authorization") != "Bearer session-token" {
		t.Errorf("expected session auth header, got %q", h.Get("Authorization"))
	}
	if h.Get("x-api-key") != "session-key" {
		t.Errorf("expected session x-api-key, got %q", h.Get("x-api-key"))
	}
}

func TestInjectCredentialsLeavesHeadersUnsetWhenEmpty(t *testing.T) {
	h := http.Header{}
	InjectCredentials(h, "", "")

	if h.Get("Authorization") != "" || h.Get("x-api-key") != "" {
		t.Error("expected no credential headers to be set when session has none configured")
	}
}

func TestCopyResponseHeadersStripsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Set("Transfer-Encoding", "chunked")
	src.Set("Content-Type", "application/json")

	dst := http.Header{}
	CopyResponseHeaders(dst, src)

	if dst.Get("Transfer-Encoding") != "" {
		t.Error("expected Transfer-Encoding to be stripped")
	}
	if dst.Get("Content-Type") != "application/json" {
		t.Errorf("expected Content-Type to survive, got %q", dst.Get("Content-Type"))
	}
}

func TestDialerClientSelectsByTLSPolicy(t *testing.T) {
	d := NewDialer()

	verifying := d.Client(false)
	insecure := d.Client(true)

	if verifying == insecure {
		t.Fatal("expected distinct clients for verifying vs. insecure TLS policy")
	}
	if d.Client(true) != insecure {
		t.Error("expected the insecure client to be reused, not rebuilt, on subsequent calls")
	}
}

func TestJoinURLPreservesQueryString(t *testing.T) {
	got, err := joinURL("https://api.anthropic.com", "/v1/messages?beta=true")
	if err != nil {
		t.Fatalf("joinURL returned error: %v", err)
	}
	want := "https://api.anthropic.com/v1/messages?beta=true"
	if got != want {
		t.Fatalf("joinURL = %q, want %q", got, want)
	}
}

func TestJoinURLTrimsTrailingSlashOnOrigin(t *testing.T) {
	got, err := joinURL("https://api.anthropic.com/", "/v1/messages")
	if err != nil {
		t.Fatalf("joinURL returned error: %v", err)
	}
	want := "https://api.anthropic.com/v1/messages"
	if got != want {
		t.Fatalf("joinURL = %q, want %q", got, want)
	}
}
