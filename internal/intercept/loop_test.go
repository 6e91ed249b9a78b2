package intercept

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ctrlproxy/ctrlproxy/internal/sse"
	"github.com/ctrlproxy/ctrlproxy/internal/store"
	"github.com/ctrlproxy/ctrlproxy/internal/transport"
)

// fakeClientWriter is an in-memory ClientWriter for assertions on exactly
// what was forwarded to the client.
type fakeClientWriter struct {
	bytes.Buffer
	flushes int
}

func (f *fakeClientWriter) Flush() { f.flushes++ }

// fakeDispatcher replays a fixed queue of upstream responses, one per
// Dispatch call, ignoring the request it was given.
type fakeDispatcher struct {
	bodies []string
	calls  int
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, target transport.Target, method, path string, header http.Header, body []byte) (*http.Response, error) {
	if d.calls >= len(d.bodies) {
		return nil, fmt.Errorf("no more queued responses (call %d)", d.calls)
	}
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Body:       io_NopCloser(d.bodies[d.calls]),
	}
	d.calls++
	return resp, nil
}

func io_NopCloser(s string) *nopReadCloser {
	return &nopReadCloser{Reader: strings.NewReader(s)}
}

type nopReadCloser struct{ *strings.Reader }

func (n *nopReadCloser) Close() error { return nil }

func textTurnSSE(text, stopReason string) string {
	var b strings.Builder
	b.WriteString(sse.Encode(sse.Event{Event: "message_start", Data: `{"type":"message_start","message":{"id":"msg_1","role":"assistant","model":"claude"}}`}))
	b.WriteString(sse.Encode(sse.Event{Event: "content_block_start", Data: `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`}))
	b.WriteString(sse.Encode(sse.Event{Event: "content_block_delta", Data: fmt.Sprintf(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":%q}}`, text)}))
	b.WriteString(sse.Encode(sse.Event{Event: "content_block_stop", Data: `{"type":"content_block_stop","index":0}`}))
	b.WriteString(sse.Encode(sse.Event{Event: "message_delta", Data: fmt.Sprintf(`{"type":"message_delta","delta":{"stop_reason":%q}}`, stopReason)}))
	b.WriteString(sse.Encode(sse.Event{Event: "message_stop", Data: `{"type":"message_stop"}`}))
	return b.String()
}

func toolUseTurnSSE(toolUseID, toolName, url string) string {
	var b strings.Builder
	b.WriteString(sse.Encode(sse.Event{Event: "message_start", Data: `{"type":"message_start","message":{"id":"msg_1","role":"assistant","model":"claude"}}`}))
	b.WriteString(sse.Encode(sse.Event{Event: "content_block_start", Data: fmt.Sprintf(`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":%q,"name":%q}}`, toolUseID, toolName)}))
	b.WriteString(sse.Encode(sse.Event{Event: "content_block_delta", Data: fmt.Sprintf(`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":%q}}`, fmt.Sprintf(`{"url":%q}`, url))}))
	b.WriteString(sse.Encode(sse.Event{Event: "content_block_stop", Data: `{"type":"content_block_stop","index":0}`}))
	b.WriteString(sse.Encode(sse.Event{Event: "message_delta", Data: `{"type":"message_delta","delta":{"stop_reason":"tool_use"}}`}))
	b.WriteString(sse.Encode(sse.Event{Event: "message_stop", Data: `{"type":"message_stop"}`}))
	return b.String()
}

// countEventType counts how many persisted events carry the given event
// name — used to assert the record the pipeline would write to
// response_events_json, as distinct from what the client writer observed.
func countEventType(events []store.SSEEventRecord, name string) int {
	n := 0
	for _, e := range events {
		if e.Event == name {
			n++
		}
	}
	return n
}

func baseConfig() Config {
	return Config{
		Target:    transport.Target{URL: "https://upstream.example"},
		ToolNames: map[string]bool{"WebFetch": true},
		Method:    "POST",
		Path:      "/v1/messages",
		Header:    http.Header{},
	}
}

func TestRunNoToolUseForwardsSingleRound(t *testing.T) {
	dispatcher := &fakeDispatcher{bodies: []string{textTurnSSE("hello", "end_turn")}}
	client := &fakeClientWriter{}

	outcome, err := Run(context.Background(), dispatcher, baseConfig(), []byte(`{"messages":[],"stream":true}`), client)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if dispatcher.calls != 1 {
		t.Fatalf("expected exactly 1 upstream dispatch, got %d", dispatcher.calls)
	}
	if outcome.Note != "" {
		t.Fatalf("expected no note, got %q", outcome.Note)
	}
	if len(outcome.Rounds) != 0 {
		t.Fatalf("expected no webfetch rounds, got %d", len(outcome.Rounds))
	}
	if strings.Count(client.String(), "event: message_stop") != 1 {
		t.Fatalf("expected exactly one message_stop forwarded to the client, got:\n%s", client.String())
	}
	if got := countEventType(outcome.AllEvents, "message_stop"); got != 1 {
		t.Fatalf("expected exactly one message_stop in the persisted events, got %d: %+v", got, outcome.AllEvents)
	}
}

func TestRunExecutesWebFetchAndContinues(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fetched page contents"))
	}))
	defer upstream.Close()

	dispatcher := &fakeDispatcher{bodies: []string{
		toolUseTurnSSE("tu_1", "WebFetch", upstream.URL+"/page"),
		textTurnSSE("done", "end_turn"),
	}}
	client := &fakeClientWriter{}

	cfg := baseConfig()
	cfg.Whitelist = []string{"127.0.0.1"}

	outcome, err := Run(context.Background(), dispatcher, cfg, []byte(`{"messages":[],"stream":true}`), client)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if dispatcher.calls != 2 {
		t.Fatalf("expected 2 upstream dispatches, got %d", dispatcher.calls)
	}
	if len(outcome.Rounds) != 1 {
		t.Fatalf("expected 1 webfetch round, got %d", len(outcome.Rounds))
	}
	call := outcome.Rounds[0].ToolCalls[0]
	if call.Error != "" {
		t.Fatalf("expected no fetch error, got %q", call.Error)
	}
	if call.Output != "fetched page contents" {
		t.Fatalf("expected fetched content, got %q", call.Output)
	}
	if strings.Count(client.String(), "event: message_stop") != 1 {
		t.Fatalf("expected exactly one message_stop forwarded (the first round's is withheld), got:\n%s", client.String())
	}
	if outcome.FollowupBody == nil {
		t.Fatal("expected a follow-up body to be recorded")
	}
	if got := countEventType(outcome.AllEvents, "message_stop"); got != 1 {
		t.Fatalf("expected exactly one message_stop in the persisted events across both rounds, got %d: %+v", got, outcome.AllEvents)
	}
}

func TestRunWhitelistMissProducesErrorToolResult(t *testing.T) {
	dispatcher := &fakeDispatcher{bodies: []string{
		toolUseTurnSSE("tu_1", "WebFetch", "https://not-allowed.example/secret"),
		textTurnSSE("done", "end_turn"),
	}}
	client := &fakeClientWriter{}

	cfg := baseConfig()
	cfg.Whitelist = []string{"allowed.example"}

	outcome, err := Run(context.Background(), dispatcher, cfg, []byte(`{"messages":[],"stream":true}`), client)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(outcome.Rounds) != 1 {
		t.Fatalf("expected 1 webfetch round, got %d", len(outcome.Rounds))
	}
	call := outcome.Rounds[0].ToolCalls[0]
	if call.Error != "url not in whitelist" {
		t.Fatalf("expected whitelist rejection, got error=%q output=%q", call.Error, call.Output)
	}
}

func TestRunMaxRoundsExceededForwardsFinalTurnInFull(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("page"))
	}))
	defer upstream.Close()

	bodies := make([]string, MaxRounds)
	for i := range bodies {
		bodies[i] = toolUseTurnSSE(fmt.Sprintf("tu_%d", i), "WebFetch", upstream.URL+"/page")
	}
	dispatcher := &fakeDispatcher{bodies: bodies}
	client := &fakeClientWriter{}

	cfg := baseConfig()
	cfg.Whitelist = []string{"127.0.0.1"}

	outcome, err := Run(context.Background(), dispatcher, cfg, []byte(`{"messages":[],"stream":true}`), client)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if dispatcher.calls != MaxRounds {
		t.Fatalf("expected exactly MaxRounds (%d) dispatches, got %d", MaxRounds, dispatcher.calls)
	}
	if outcome.Note != "max_rounds_exceeded" {
		t.Fatalf("expected max_rounds_exceeded note, got %q", outcome.Note)
	}
	if len(outcome.Rounds) != MaxRounds-1 {
		t.Fatalf("expected %d executed webfetch rounds (the bound round forwards without executing), got %d", MaxRounds-1, len(outcome.Rounds))
	}
	if strings.Count(client.String(), "event: message_stop") != 1 {
		t.Fatalf("expected exactly one message_stop forwarded at the bound, got:\n%s", client.String())
	}
	if got := countEventType(outcome.AllEvents, "message_stop"); got != 1 {
		t.Fatalf("expected exactly one message_stop in the persisted events at the bound, got %d: %+v", got, outcome.AllEvents)
	}
}

func TestRunClientDisconnectStopsAfterCurrentRound(t *testing.T) {
	dispatcher := &fakeDispatcher{bodies: []string{
		toolUseTurnSSE("tu_1", "WebFetch", "http://127.0.0.1:1/page"),
		textTurnSSE("unreachable", "end_turn"),
	}}
	client := &fakeClientWriter{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := Run(ctx, dispatcher, baseConfig(), []byte(`{"messages":[],"stream":true}`), client)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if outcome.Note != "client_disconnected" {
		t.Fatalf("expected client_disconnected note, got %q", outcome.Note)
	}
	if dispatcher.calls != 1 {
		t.Fatalf("expected the loop to stop after the first round, got %d dispatches", dispatcher.calls)
	}
}
