package sse

import "encoding/json"

// EventRecord is the persisted shape of one SSE frame: {"event": "<name>",
// "data": <parsed-json-or-string>} (design doc Section 6).
type EventRecord struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// ToRecord parses evt.Data as JSON when possible, falling back to the raw
// string, matching the persisted event shape exactly.
func ToRecord(evt Event) EventRecord {
	var parsed any
	if err := json.Unmarshal([]byte(evt.Data), &parsed); err == nil {
		return EventRecord{Event: evt.Event, Data: parsed}
	}
	return EventRecord{Event: evt.Event, Data: evt.Data}
}
