package sse

import (
	"strings"
	"testing"
)

func feedAll(a *Aggregator, frames []Event) {
	for _, f := range frames {
		a.Feed(f)
	}
}

func TestAggregatorEquivalentToNonStreaming(t *testing.T) {
	frames := []Event{
		{Event: "message_start", Data: `{"type":"message_start","message":{"id":"msg_1","role":"assistant","model":"m","usage":{"input_tokens":5}}}`},
		{Event: "content_block_start", Data: `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
		{Event: "content_block_delta", Data: `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"he"}}`},
		{Event: "content_block_delta", Data: `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"ll"}}`},
		{Event: "content_block_delta", Data: `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"o"}}`},
		{Event: "content_block_stop", Data: `{"type":"content_block_stop","index":0}`},
		{Event: "message_delta", Data: `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}`},
		{Event: "message_stop", Data: `{"type":"message_stop"}`},
	}

	a := NewAggregator()
	feedAll(a, frames)

	if !a.Done() {
		t.Fatal("expected aggregator to be done after message_stop")
	}

	msg := a.Message()
	if len(msg.Content) != 1 || msg.Content[0].Text != "hello" {
		t.Fatalf("expected content [hello], got %+v", msg.Content)
	}
	if msg.StopReason != "end_turn" {
		t.Fatalf("expected stop_reason end_turn, got %q", msg.StopReason)
	}
	if msg.Usage["input_tokens"] != float64(5) || msg.Usage["output_tokens"] != float64(3) {
		t.Fatalf("expected usage to merge both deltas, got %+v", msg.Usage)
	}
}

func TestAggregatorReconstructsToolUseInput(t *testing.T) {
	frames := []Event{
		{Event: "message_start", Data: `{"type":"message_start","message":{"id":"msg_1","role":"assistant"}}`},
		{Event: "content_block_start", Data: `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tu_1","name":"WebFetch"}}`},
		{Event: "content_block_delta", Data: `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"url\":"}}`},
		{Event: "content_block_delta", Data: `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"https://example.com\"}"}}`},
		{Event: "content_block_stop", Data: `{"type":"content_block_stop","index":0}`},
		{Event: "message_delta", Data: `{"type":"message_delta","delta":{"stop_reason":"tool_use"}}`},
		{Event: "message_stop", Data: `{"type":"message_stop"}`},
	}

	a := NewAggregator()
	feedAll(a, frames)

	msg := a.Message()
	toolUses := msg.ToolUseBlocks(map[string]bool{"WebFetch": true})
	if len(toolUses) != 1 {
		t.Fatalf("expected 1 tool_use block, got %d", len(toolUses))
	}
	if !strings.Contains(string(toolUses[0].Input), "example.com") {
		t.Fatalf("expected reconstructed input to contain the url, got %s", toolUses[0].Input)
	}
}

func TestDecoderParsesFramesSeparatedByBlankLines(t *testing.T) {
	raw := "event: message_start\ndata: {\"type\":\"message_start\"}\n\n" +
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"

	dec := NewDecoder(strings.NewReader(raw))

	evt1, err := dec.Next()
	if err != nil {
		t.Fatalf("unexpected error reading first frame: %v", err)
	}
	if evt1.Event != "message_start" {
		t.Fatalf("expected message_start, got %q", evt1.Event)
	}

	evt2, err := dec.Next()
	if err != nil {
		t.Fatalf("unexpected error reading second frame: %v", err)
	}
	if evt2.Event != "message_stop" {
		t.Fatalf("expected message_stop, got %q", evt2.Event)
	}
}

func TestDecoderJoinsMultilineData(t *testing.T) {
	raw := "data: line1\ndata: line2\n\n"
	dec := NewDecoder(strings.NewReader(raw))

	evt, err := dec.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evt.Data != "line1\nline2" {
		t.Fatalf("expected joined multi-line data, got %q", evt.Data)
	}
}
