package filter

import (
	"bytes"
	"encoding/json"
)

// truncateMaxCodepoints is the cutoff from design doc Section 6: strings
// longer than this many code points are replaced by their prefix plus
// "...", giving a worst case of 203 characters.
const truncateMaxCodepoints = 200

// truncateJSON computes the truncated preview: a deep clone of body with
// every string value over truncateMaxCodepoints code points shortened to
// its prefix + "...". Independent of filtering (design doc Section 4.2
// step 5) — it always clones the given body, not the pre-filter original.
func truncateJSON(body []byte) []byte {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		// Not valid JSON — nothing to truncate.
		return body
	}

	truncated := truncateValue(v)
	data, err := json.Marshal(truncated)
	if err != nil {
		return body
	}
	return data
}

func truncateValue(v any) any {
	switch val := v.(type) {
	case string:
		return truncateString(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = truncateValue(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = truncateValue(elem)
		}
		return out
	default:
		return v
	}
}

// truncateString shortens s to its first truncateMaxCodepoints code
// points plus "..." if it exceeds that length. Applying this twice is a
// no-op (testable property 2): a string already at or under the limit
// round-trips unchanged, and the "..." suffix itself is always short.
func truncateString(s string) string {
	runes := []rune(s)
	if len(runes) <= truncateMaxCodepoints {
		return s
	}
	return string(runes[:truncateMaxCodepoints]) + "..."
}
