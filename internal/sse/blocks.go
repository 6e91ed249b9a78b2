package sse

import "encoding/json"

// ToContentBlock renders a reconstructed Block back into the Anthropic
// content-block JSON shape, for splicing an aggregated turn into a
// follow-up request's messages array (design doc Section 4.6 step 3).
func (b *Block) ToContentBlock() (json.RawMessage, error) {
	obj := map[string]any{"type": b.Type}

	switch b.Type {
	case "text":
		obj["text"] = b.Text
	case "thinking":
		obj["thinking"] = b.Thinking
		if b.Signature != "" {
			obj["signature"] = b.Signature
		}
	case "tool_use":
		obj["id"] = b.ID
		obj["name"] = b.Name
		if len(b.Input) > 0 {
			obj["input"] = json.RawMessage(b.Input)
		} else {
			obj["input"] = json.RawMessage(`{}`)
		}
	default:
		obj["text"] = b.Text
	}

	return json.Marshal(obj)
}
