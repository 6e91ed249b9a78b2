package pipeline

import "encoding/json"

// indexingFields are the top-level request fields extracted into their own
// searchable columns, so the dashboard can query by model without parsing
// the full request body JSON (design doc Section 4.7 step 4).
type indexingFields struct {
	Model    string
	Tools    json.RawMessage
	Messages json.RawMessage
	System   json.RawMessage
	Params   json.RawMessage
}

var excludedFromParams = map[string]bool{
	"model": true, "tools": true, "messages": true, "system": true,
}

// extractIndexingFields pulls model/tools/messages/system out of a parsed
// request body, folding everything else into params. body must already be
// a JSON object; non-object bodies yield a zero-value result.
func extractIndexingFields(body map[string]json.RawMessage) indexingFields {
	var fields indexingFields

	if raw, ok := body["model"]; ok {
		json.Unmarshal(raw, &fields.Model)
	}
	fields.Tools = body["tools"]
	fields.Messages = body["messages"]
	fields.System = body["system"]

	params := map[string]json.RawMessage{}
	for k, v := range body {
		if !excludedFromParams[k] {
			params[k] = v
		}
	}
	if len(params) > 0 {
		if marshaled, err := json.Marshal(params); err == nil {
			fields.Params = marshaled
		}
	}

	return fields
}

// wantsStream reports whether a parsed request body asked for an SSE
// response via "stream": true.
func wantsStream(body map[string]json.RawMessage) bool {
	raw, ok := body["stream"]
	if !ok {
		return false
	}
	var stream bool
	json.Unmarshal(raw, &stream)
	return stream
}
