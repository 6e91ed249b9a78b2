// Package sse implements the text/event-stream codec (C4) and the
// Anthropic-style event aggregator (C5). The decoder is incremental — it
// yields one frame at a time — so the pipeline can tee bytes to the
// client as they arrive instead of buffering the whole stream before any
// client-visible output (design doc Section 9: "simpler design is for
// the aggregator to be a pass-through transformer that clones each frame
// into a growing persisted vector while writing it to the client
// writer").
package sse

import (
	"bufio"
	"io"
	"strings"
)

// Event is a single parsed Server-Sent Event frame.
type Event struct {
	Event string // Event type, e.g. "content_block_delta". May be empty.
	Data  string // Concatenated data lines (JSON payload), empty for frames with no data line.
}

// Decoder reads text/event-stream frames from an upstream response body
// one at a time.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps r for incremental SSE frame decoding. Uses a large
// scan buffer since a single data line can carry a sizeable JSON payload
// (e.g. an accumulated thinking block).
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	return &Decoder{scanner: scanner}
}

// Next reads and returns the next frame. Returns io.EOF when the stream
// ends with no further frames. Frames without any data line are skipped
// per the codec (design doc Section 4.4: "Frames without data lines are
// forwarded to the client but not aggregated") — callers that need raw
// byte transparency should use Decoder in tandem with a tee writer on the
// underlying reader rather than relying on Next's reconstruction; Next is
// used for the aggregation and interception paths, not passthrough.
func (d *Decoder) Next() (Event, error) {
	var event strings.Builder
	var data strings.Builder
	haveData := false

	for d.scanner.Scan() {
		line := d.scanner.Text()

		if line == "" {
			if haveData {
				return Event{Event: event.String(), Data: data.String()}, nil
			}
			event.Reset()
			data.Reset()
			continue
		}

		switch {
		case strings.HasPrefix(line, "event:"):
			event.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "event:")))
		case strings.HasPrefix(line, "data:"):
			if haveData {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			haveData = true
		default:
			// Comment line (":") or unrecognized field — ignored.
		}
	}

	if err := d.scanner.Err(); err != nil {
		return Event{}, err
	}
	if haveData {
		// Stream ended without a trailing blank line.
		return Event{Event: event.String(), Data: data.String()}, nil
	}
	return Event{}, io.EOF
}

// Encode renders an event back to wire format.
func Encode(e Event) string {
	var b strings.Builder
	if e.Event != "" {
		b.WriteString("event: ")
		b.WriteString(e.Event)
		b.WriteByte('\n')
	}
	b.WriteString("data: ")
	b.WriteString(e.Data)
	b.WriteString("\n\n")
	return b.String()
}
