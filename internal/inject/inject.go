// Package inject synthesizes a response from a session's configured
// error_inject override, short-circuiting the upstream call entirely
// (design doc Section 4.5). Grounded on the same "proxy fabricates a
// canned response instead of calling upstream" idea as a kill switch, but
// generalized to an arbitrary configured status/body or SSE script
// instead of one hardcoded message.
package inject

import (
	"encoding/json"

	"github.com/ctrlproxy/ctrlproxy/internal/session"
	"github.com/ctrlproxy/ctrlproxy/internal/sse"
)

// Result is a synthesized response ready to be written to the client.
type Result struct {
	Status int
	IsSSE  bool
	Body   []byte      // set when !IsSSE
	Events []sse.Event // set when IsSSE
}

// sseScriptEntry is one element of an error_inject body configured as an
// SSE script: an ordered list of {event, data} objects.
type sseScriptEntry struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Synthesize builds the canned response for a session's error_inject
// override. The body is treated as an SSE script (array of {event, data})
// when it unmarshals as such; otherwise it is returned verbatim as a JSON
// object response.
func Synthesize(cfg session.ErrorInject) Result {
	var script []sseScriptEntry
	if err := json.Unmarshal(cfg.Body, &script); err == nil && len(script) > 0 && looksLikeScript(script) {
		events := make([]sse.Event, 0, len(script))
		for _, entry := range script {
			events = append(events, sse.Event{Event: entry.Event, Data: string(entry.Data)})
		}
		return Result{Status: cfg.Status, IsSSE: true, Events: events}
	}

	return Result{Status: cfg.Status, IsSSE: false, Body: cfg.Body}
}

// looksLikeScript requires every entry to at least name an event, so a
// plain JSON array response body (unusual, but legal for "body") isn't
// misdetected as an SSE script.
func looksLikeScript(script []sseScriptEntry) bool {
	for _, e := range script {
		if e.Event == "" {
			return false
		}
	}
	return true
}
