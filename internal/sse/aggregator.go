package sse

import "encoding/json"

// Block is a reconstructed Anthropic content block, accumulated from
// content_block_start/delta/stop events.
type Block struct {
	Index     int             `json:"index"`
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`

	partialJSON string // accumulated input_json_delta, discarded at content_block_stop
}

// Message is the folded result of a full SSE turn, shaped like a
// non-streaming Messages API response (design doc Section 4.4).
type Message struct {
	ID         string          `json:"id,omitempty"`
	Role       string          `json:"role,omitempty"`
	Model      string          `json:"model,omitempty"`
	Content    []*Block        `json:"content"`
	StopReason string          `json:"stop_reason,omitempty"`
	StopSeq    json.RawMessage `json:"stop_sequence,omitempty"`
	Usage      map[string]any  `json:"usage,omitempty"`

	blocksByIndex map[int]*Block
}

// Aggregator folds a stream of Anthropic-style SSE events into a Message,
// one event at a time (design doc Section 4.4's transition table).
type Aggregator struct {
	msg  *Message
	done bool
}

// NewAggregator returns an aggregator ready to fold events.
func NewAggregator() *Aggregator {
	return &Aggregator{msg: &Message{blocksByIndex: map[int]*Block{}}}
}

// Feed applies one event's effect to the running message. Malformed JSON
// payloads are ignored for aggregation purposes (the raw frame still
// reaches the client) — design doc Section 7's SSEParseError policy:
// "Pass the malformed frame through to the client; skip aggregation for
// it."
func (a *Aggregator) Feed(evt Event) {
	if evt.Data == "" {
		return
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(evt.Data), &raw); err != nil {
		return
	}

	switch stringValue(raw["type"]) {
	case "message_start":
		a.feedMessageStart(raw)
	case "content_block_start":
		a.feedBlockStart(raw)
	case "content_block_delta":
		a.feedBlockDelta(raw)
	case "content_block_stop":
		a.feedBlockStop(raw)
	case "message_delta":
		a.feedMessageDelta(raw)
	case "message_stop":
		a.done = true
	}
}

func (a *Aggregator) feedMessageStart(raw map[string]json.RawMessage) {
	var payload struct {
		Message struct {
			ID    string         `json:"id"`
			Role  string         `json:"role"`
			Model string         `json:"model"`
			Usage map[string]any `json:"usage"`
		} `json:"message"`
	}
	if err := json.Unmarshal(mustRaw(raw), &payload); err != nil {
		return
	}
	a.msg.ID = payload.Message.ID
	a.msg.Role = payload.Message.Role
	a.msg.Model = payload.Message.Model
	a.msg.Usage = payload.Message.Usage
}

func (a *Aggregator) feedBlockStart(raw map[string]json.RawMessage) {
	var payload struct {
		Index        int `json:"index"`
		ContentBlock struct {
			Type  string          `json:"type"`
			ID    string          `json:"id,omitempty"`
			Name  string          `json:"name,omitempty"`
			Text  string          `json:"text,omitempty"`
			Input json.RawMessage `json:"input,omitempty"`
		} `json:"content_block"`
	}
	if err := json.Unmarshal(mustRaw(raw), &payload); err != nil {
		return
	}
	block := &Block{
		Index: payload.Index,
		Type:  payload.ContentBlock.Type,
		ID:    payload.ContentBlock.ID,
		Name:  payload.ContentBlock.Name,
		Text:  payload.ContentBlock.Text,
		Input: payload.ContentBlock.Input,
	}
	a.msg.blocksByIndex[payload.Index] = block
}

func (a *Aggregator) feedBlockDelta(raw map[string]json.RawMessage) {
	var payload struct {
		Index int `json:"index"`
		Delta struct {
			Type        string `json:"type"`
			Text        string `json:"text,omitempty"`
			Thinking    string `json:"thinking,omitempty"`
			Signature   string `json:"signature,omitempty"`
			PartialJSON string `json:"partial_json,omitempty"`
		} `json:"delta"`
	}
	if err := json.Unmarshal(mustRaw(raw), &payload); err != nil {
		return
	}
	block, ok := a.msg.blocksByIndex[payload.Index]
	if !ok {
		return
	}
	switch payload.Delta.Type {
	case "text_delta":
		block.Text += payload.Delta.Text
	case "thinking_delta":
		block.Thinking += payload.Delta.Thinking
	case "signature_delta":
		block.Signature += payload.Delta.Signature
	case "input_json_delta":
		block.partialJSON += payload.Delta.PartialJSON
	}
}

func (a *Aggregator) feedBlockStop(raw map[string]json.RawMessage) {
	var payload struct {
		Index int `json:"index"`
	}
	if err := json.Unmarshal(mustRaw(raw), &payload); err != nil {
		return
	}
	block, ok := a.msg.blocksByIndex[payload.Index]
	if !ok {
		return
	}
	if block.partialJSON != "" {
		block.Input = json.RawMessage(block.partialJSON)
		block.partialJSON = ""
	}
}

func (a *Aggregator) feedMessageDelta(raw map[string]json.RawMessage) {
	var payload struct {
		Delta struct {
			StopReason string          `json:"stop_reason"`
			StopSeq    json.RawMessage `json:"stop_sequence"`
		} `json:"delta"`
		Usage map[string]any `json:"usage"`
	}
	if err := json.Unmarshal(mustRaw(raw), &payload); err != nil {
		return
	}
	if payload.Delta.StopReason != "" {
		a.msg.StopReason = payload.Delta.StopReason
	}
	if len(payload.Delta.StopSeq) > 0 {
		a.msg.StopSeq = payload.Delta.StopSeq
	}
	a.msg.Usage = sumUsage(a.msg.Usage, payload.Usage)
}

// Done reports whether message_stop has been folded in yet.
func (a *Aggregator) Done() bool {
	return a.done
}

// Message returns the folded message in stable content order. Safe to
// call at any point during the fold, not just after Done.
func (a *Aggregator) Message() *Message {
	maxIdx := -1
	for idx := range a.msg.blocksByIndex {
		if idx > maxIdx {
			maxIdx = idx
		}
	}
	content := make([]*Block, 0, maxIdx+1)
	for i := 0; i <= maxIdx; i++ {
		if b, ok := a.msg.blocksByIndex[i]; ok {
			content = append(content, b)
		}
	}
	out := *a.msg
	out.Content = content
	return &out
}

// ToolUseBlocks returns the tool_use blocks of the folded message, in
// block-index order, whose name is in names.
func (m *Message) ToolUseBlocks(names map[string]bool) []*Block {
	var out []*Block
	for _, b := range m.Content {
		if b.Type == "tool_use" && names[b.Name] {
			out = append(out, b)
		}
	}
	return out
}

func sumUsage(existing, delta map[string]any) map[string]any {
	if delta == nil {
		return existing
	}
	if existing == nil {
		existing = map[string]any{}
	}
	for k, v := range delta {
		nv, ok := v.(float64)
		if !ok {
			existing[k] = v
			continue
		}
		if ev, ok := existing[k].(float64); ok {
			existing[k] = ev + nv
		} else {
			existing[k] = nv
		}
	}
	return existing
}

func stringValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func mustRaw(m map[string]json.RawMessage) []byte {
	data, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return data
}
