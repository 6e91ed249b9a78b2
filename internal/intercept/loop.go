package intercept

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ctrlproxy/ctrlproxy/internal/sse"
	"github.com/ctrlproxy/ctrlproxy/internal/store"
	"github.com/ctrlproxy/ctrlproxy/internal/transport"
)

// Dispatcher is the subset of transport.Dialer the loop depends on.
type Dispatcher interface {
	Dispatch(ctx context.Context, target transport.Target, method, path string, header http.Header, body []byte) (*http.Response, error)
}

// ClientWriter is the gated SSE sink: raw encoded frames plus a flush,
// exactly what an http.ResponseWriter + http.Flusher pair provides.
type ClientWriter interface {
	io.Writer
	Flush()
}

// Config carries the session-derived policy the loop needs.
type Config struct {
	Target    transport.Target
	Whitelist []string
	ToolNames map[string]bool
	Method    string
	Path      string
	Header    http.Header
}

// Outcome is everything the pipeline needs to persist after the loop
// completes.
type Outcome struct {
	AllEvents           []store.SSEEventRecord
	FirstResponseBody   string
	FirstResponseEvents []store.SSEEventRecord
	FollowupBody        json.RawMessage
	Rounds              []store.WebfetchRound
	FinalStatus         int
	Note                string
}

// Run executes the bounded multi-round interception loop. requestBody is
// the already-filtered body about to be sent as round 0. client receives
// the gated byte stream: every event except each round's terminal
// message_stop, until the loop decides to terminate, at which point the
// final message_stop is emitted (design doc Section 4.6).
func Run(ctx context.Context, dispatcher Dispatcher, cfg Config, requestBody []byte, client ClientWriter) (*Outcome, error) {
	outcome := &Outcome{}
	currentBody := requestBody

	for round := 0; round < MaxRounds; round++ {
		resp, err := dispatcher.Dispatch(ctx, cfg.Target, cfg.Method, cfg.Path, cfg.Header, currentBody)
		if err != nil {
			outcome.Note = fmt.Sprintf("upstream dispatch failed on round %d: %v", round, err)
			return outcome, err
		}
		outcome.FinalStatus = resp.StatusCode

		roundEvents, pendingStop, aggMsg, rawBody, ctxErr := streamRound(ctx, resp, client)
		resp.Body.Close()

		outcome.AllEvents = append(outcome.AllEvents, roundEvents...)
		if round == 0 {
			outcome.FirstResponseBody = rawBody
			outcome.FirstResponseEvents = roundEvents
		}

		if ctxErr != nil {
			// Client disconnected mid-round: finish persisting what this
			// round captured, start no further rounds (design doc Section
			// 4.6 invariant 4).
			outcome.Note = "client_disconnected"
			if pendingStop != nil {
				outcome.AllEvents = append(outcome.AllEvents, store.SSEEventRecord(sse.ToRecord(*pendingStop)))
			}
			return outcome, nil
		}

		toolUses := aggMsg.ToolUseBlocks(cfg.ToolNames)

		if len(toolUses) == 0 || round == MaxRounds-1 {
			// Non-interception exit, or the bound was hit: forward the
			// final turn in full, including its message_stop.
			if pendingStop != nil {
				writeEvent(client, *pendingStop)
				outcome.AllEvents = append(outcome.AllEvents, store.SSEEventRecord(sse.ToRecord(*pendingStop)))
			}
			if len(toolUses) > 0 && round == MaxRounds-1 {
				outcome.Note = "max_rounds_exceeded"
			}
			return outcome, nil
		}

		roundCalls, followupBody, err := executeRound(ctx, aggMsg, toolUses, currentBody, cfg.Whitelist)
		if err != nil {
			outcome.Note = fmt.Sprintf("round %d synthesis failed: %v", round, err)
			if pendingStop != nil {
				writeEvent(client, *pendingStop)
				outcome.AllEvents = append(outcome.AllEvents, store.SSEEventRecord(sse.ToRecord(*pendingStop)))
			}
			return outcome, nil
		}

		outcome.Rounds = append(outcome.Rounds, store.WebfetchRound{
			RoundIndex:             round,
			ToolCalls:              roundCalls,
			UpstreamResponseEvents: roundEvents,
		})
		outcome.FollowupBody = followupBody
		currentBody = followupBody
		// pendingStop for this round is deliberately swallowed — the
		// client must not see this turn close, another round follows.
	}

	return outcome, nil
}

// streamRound decodes one round's SSE response, forwarding every event
// except a trailing message_stop (which is returned, not written) to the
// client. Also captures the raw bytes read, for webfetch_first_response_body.
func streamRound(ctx context.Context, resp *http.Response, client ClientWriter) (events []store.SSEEventRecord, pendingStop *sse.Event, aggMsg *sse.Message, rawBody string, ctxErr error) {
	var raw bytes.Buffer
	dec := sse.NewDecoder(io.TeeReader(resp.Body, &raw))
	agg := sse.NewAggregator()

	for {
		select {
		case <-ctx.Done():
			aggMsg = agg.Message()
			return events, pendingStop, aggMsg, raw.String(), ctx.Err()
		default:
		}

		evt, err := dec.Next()
		if err != nil {
			break
		}

		agg.Feed(evt)

		if evt.Event == "message_stop" {
			// Withheld: the caller decides whether this round's turn is
			// final and appends it to events exactly once, at emit time
			// (Run's pendingStop handling above) — recording it here too
			// would double-count it in outcome.AllEvents.
			e := evt
			pendingStop = &e
			continue
		}

		writeEvent(client, evt)
		events = append(events, store.SSEEventRecord(sse.ToRecord(evt)))
	}

	return events, pendingStop, agg.Message(), raw.String(), nil
}

func writeEvent(client ClientWriter, evt sse.Event) {
	io.WriteString(client, sse.Encode(evt))
	client.Flush()
}

// executeRound runs every matching tool_use sequentially in block-index
// order and synthesizes the follow-up request body (design doc Section
// 4.6 steps 2-3).
func executeRound(ctx context.Context, aggMsg *sse.Message, toolUses []*sse.Block, currentBody []byte, whitelist []string) ([]store.WebfetchToolCall, json.RawMessage, error) {
	var calls []store.WebfetchToolCall
	toolResults := make([]map[string]any, 0, len(toolUses))

	for _, b := range toolUses {
		var input any
		if len(b.Input) > 0 {
			json.Unmarshal(b.Input, &input)
		}

		output, isError := fetchWebFetch(ctx, inputURL(input), whitelist)

		call := store.WebfetchToolCall{Name: b.Name, Input: input, Output: output}
		if isError {
			call.Error = output
		}
		calls = append(calls, call)

		result := map[string]any{
			"type":        "tool_result",
			"tool_use_id": b.ID,
			"content":     output,
		}
		if isError {
			result["is_error"] = true
		}
		toolResults = append(toolResults, result)
	}

	assistantContent := make([]json.RawMessage, 0, len(aggMsg.Content))
	for _, b := range aggMsg.Content {
		blockJSON, err := b.ToContentBlock()
		if err != nil {
			return nil, nil, fmt.Errorf("marshaling content block: %w", err)
		}
		assistantContent = append(assistantContent, blockJSON)
	}

	var reqObj map[string]json.RawMessage
	if err := json.Unmarshal(currentBody, &reqObj); err != nil {
		return nil, nil, fmt.Errorf("parsing request body for follow-up: %w", err)
	}

	var messages []json.RawMessage
	if raw, ok := reqObj["messages"]; ok {
		if err := json.Unmarshal(raw, &messages); err != nil {
			return nil, nil, fmt.Errorf("parsing messages for follow-up: %w", err)
		}
	}

	assistantMsg, err := json.Marshal(map[string]any{"role": "assistant", "content": rawSlice(assistantContent)})
	if err != nil {
		return nil, nil, err
	}
	userMsg, err := json.Marshal(map[string]any{"role": "user", "content": toolResults})
	if err != nil {
		return nil, nil, err
	}

	messages = append(messages, assistantMsg, userMsg)
	messagesJSON, err := json.Marshal(messages)
	if err != nil {
		return nil, nil, err
	}
	reqObj["messages"] = messagesJSON

	followup, err := json.Marshal(reqObj)
	if err != nil {
		return nil, nil, err
	}

	return calls, followup, nil
}

func rawSlice(blocks []json.RawMessage) []json.RawMessage {
	return blocks
}

func inputURL(input any) string {
	m, ok := input.(map[string]any)
	if !ok {
		return ""
	}
	u, _ := m["url"].(string)
	return u
}
