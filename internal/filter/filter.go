package filter

import (
	"encoding/json"
)

// Apply runs the five-step algorithm of design doc Section 4.2 against a
// request body and returns the rewritten body plus an independently
// computed truncated preview. Pure: same (body, profile) in, same
// (rewritten, truncated) out, every time (testable property 1).
func Apply(body []byte, profile Profile) (rewritten []byte, truncated []byte, err error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		// Not a JSON object — pass through unchanged (step 1).
		return body, body, nil
	}

	if raw, ok := obj["system"]; ok {
		obj["system"] = filterSystem(raw, profile.systemPatterns)
	}

	if raw, ok := obj["tools"]; ok {
		obj["tools"] = filterTools(raw, profile.toolNames)
	}

	if raw, ok := obj["messages"]; ok {
		obj["messages"] = filterMessages(raw, profile.keepToolPairs)
	}

	rewritten, err = json.Marshal(obj)
	if err != nil {
		return nil, nil, err
	}

	truncated = truncateJSON(rewritten)
	return rewritten, truncated, nil
}

// filterSystem drops elements whose concatenated text matches any
// system_filters pattern (step 2). Survivors keep their original order.
func filterSystem(raw json.RawMessage, patterns []Pattern) json.RawMessage {
	var blocks []json.RawMessage
	if err := json.Unmarshal(raw, &blocks); err != nil {
		// Not an array (e.g. a plain system string) — leave untouched.
		return raw
	}

	if len(patterns) == 0 {
		return raw
	}

	kept := make([]json.RawMessage, 0, len(blocks))
	for _, block := range blocks {
		text := blockText(block)
		if matchesAny(text, patterns) {
			continue
		}
		kept = append(kept, block)
	}

	return marshalOrOriginal(kept, raw)
}

// blockText extracts the text of a system block: the string itself, or
// the "text" field if the block is an object.
func blockText(block json.RawMessage) string {
	var s string
	if err := json.Unmarshal(block, &s); err == nil {
		return s
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(block, &obj); err == nil {
		if t, ok := obj["text"]; ok {
			var text string
			if err := json.Unmarshal(t, &text); err == nil {
				return text
			}
		}
	}
	return ""
}

func matchesAny(s string, patterns []Pattern) bool {
	for _, p := range patterns {
		if p.matches(s) {
			return true
		}
	}
	return false
}

// filterTools drops objects whose name appears in tool_filters (step 3).
func filterTools(raw json.RawMessage, blockedNames map[string]bool) json.RawMessage {
	var tools []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &tools); err != nil {
		return raw
	}

	if len(blockedNames) == 0 {
		return raw
	}

	kept := make([]map[string]json.RawMessage, 0, len(tools))
	for _, t := range tools {
		if name := stringField(t["name"]); blockedNames[name] {
			continue
		}
		kept = append(kept, t)
	}

	data, err := json.Marshal(kept)
	if err != nil {
		return raw
	}
	return data
}

// filterMessages walks each message; when content is an array and
// keepToolPairs is false, tool_use/tool_result elements are dropped, and
// any message whose content becomes empty is itself dropped (step 4).
func filterMessages(raw json.RawMessage, keepToolPairs bool) json.RawMessage {
	var messages []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &messages); err != nil {
		return raw
	}

	kept := make([]map[string]json.RawMessage, 0, len(messages))
	for _, msg := range messages {
		contentRaw, ok := msg["content"]
		if !ok {
			kept = append(kept, msg)
			continue
		}

		var content []json.RawMessage
		if err := json.Unmarshal(contentRaw, &content); err != nil {
			// content isn't an array (e.g. a plain string) — leave as is.
			kept = append(kept, msg)
			continue
		}

		if keepToolPairs {
			kept = append(kept, msg)
			continue
		}

		filteredContent := make([]json.RawMessage, 0, len(content))
		for _, block := range content {
			t := blockType(block)
			if t == "tool_use" || t == "tool_result" {
				continue
			}
			filteredContent = append(filteredContent, block)
		}

		if len(filteredContent) == 0 {
			// Message's content became empty — drop the whole message.
			continue
		}

		newMsg := make(map[string]json.RawMessage, len(msg))
		for k, v := range msg {
			newMsg[k] = v
		}
		data, err := json.Marshal(filteredContent)
		if err != nil {
			kept = append(kept, msg)
			continue
		}
		newMsg["content"] = data
		kept = append(kept, newMsg)
	}

	data, err := json.Marshal(kept)
	if err != nil {
		return raw
	}
	return data
}

func blockType(block json.RawMessage) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(block, &obj); err != nil {
		return ""
	}
	return stringField(obj["type"])
}

func stringField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func marshalOrOriginal(v any, original json.RawMessage) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return original
	}
	return data
}
