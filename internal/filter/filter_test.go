package filter

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestApplySystemFilter(t *testing.T) {
	profile := NewProfile("p1", "test", []string{"secret"}, nil, false)

	body := []byte(`{"system":[{"type":"text","text":"keep this"},{"type":"text","text":"a secret value"}],"messages":[]}`)

	rewritten, _, err := Apply(body, profile)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}

	var out map[string]any
	if err := json.Unmarshal(rewritten, &out); err != nil {
		t.Fatalf("rewritten body is not valid JSON: %v", err)
	}

	system, ok := out["system"].([]any)
	if !ok {
		t.Fatalf("system field missing or not an array: %v", out["system"])
	}
	if len(system) != 1 {
		t.Fatalf("expected 1 surviving system block, got %d: %v", len(system), system)
	}
}

func TestApplyToolFilter(t *testing.T) {
	profile := NewProfile("p1", "test", nil, []string{"Bash"}, false)

	body := []byte(`{"tools":[{"name":"Bash"},{"name":"WebFetch"}]}`)

	rewritten, _, err := Apply(body, profile)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}

	var out struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(rewritten, &out); err != nil {
		t.Fatalf("rewritten body is not valid JSON: %v", err)
	}

	if len(out.Tools) != 1 || out.Tools[0].Name != "WebFetch" {
		t.Fatalf("expected only WebFetch to survive, got %+v", out.Tools)
	}
}

func TestApplyMessageFiltersDropsToolPairsAndEmptiedMessages(t *testing.T) {
	profile := NewProfile("p1", "test", nil, nil, false)

	body := []byte(`{"messages":[
		{"role":"user","content":[{"type":"text","text":"hi"}]},
		{"role":"assistant","content":[{"type":"tool_use","id":"tu_1","name":"Bash","input":{}}]},
		{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu_1","content":"ok"}]}
	]}`)

	rewritten, _, err := Apply(body, profile)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}

	var out struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(rewritten, &out); err != nil {
		t.Fatalf("rewritten body is not valid JSON: %v", err)
	}

	if len(out.Messages) != 1 {
		t.Fatalf("expected only the user text message to survive, got %d messages", len(out.Messages))
	}
}

func TestApplyKeepToolPairsRetainsMessages(t *testing.T) {
	profile := NewProfile("p1", "test", nil, nil, true)

	body := []byte(`{"messages":[{"role":"assistant","content":[{"type":"tool_use","id":"tu_1","name":"Bash","input":{}}]}]}`)

	rewritten, _, err := Apply(body, profile)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}

	var out struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(rewritten, &out); err != nil {
		t.Fatalf("rewritten body is not valid JSON: %v", err)
	}
	if len(out.Messages) != 1 {
		t.Fatalf("expected the tool_use message to survive when keep_tool_pairs is set, got %d", len(out.Messages))
	}
}

func TestApplyNonObjectBodyPassesThrough(t *testing.T) {
	profile := NewProfile("p1", "test", []string{"x"}, nil, false)

	body := []byte(`[1,2,3]`)
	rewritten, truncated, err := Apply(body, profile)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if string(rewritten) != string(body) {
		t.Fatalf("expected non-object body to pass through unchanged, got %s", rewritten)
	}
	if string(truncated) != string(body) {
		t.Fatalf("expected truncated preview of non-object body to equal original, got %s", truncated)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	profile := NewProfile("p1", "test", []string{"drop me"}, []string{"Bash"}, false)

	body := []byte(`{"system":[{"type":"text","text":"drop me"},{"type":"text","text":"keep"}],"tools":[{"name":"Bash"},{"name":"WebFetch"}],"messages":[{"role":"assistant","content":[{"type":"tool_use","id":"tu_1","name":"Bash","input":{}}]}]}`)

	once, _, err := Apply(body, profile)
	if err != nil {
		t.Fatalf("first Apply returned error: %v", err)
	}
	twice, _, err := Apply(once, profile)
	if err != nil {
		t.Fatalf("second Apply returned error: %v", err)
	}

	var a, b map[string]any
	json.Unmarshal(once, &a)
	json.Unmarshal(twice, &b)

	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	if string(aj) != string(bj) {
		t.Fatalf("Apply is not idempotent:\nonce:  %s\ntwice: %s", aj, bj)
	}
}

func TestTruncateStringFixedPoint(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"short string", "hello"},
		{"exactly at limit", strings.Repeat("a", truncateMaxCodepoints)},
		{"over limit", strings.Repeat("a", truncateMaxCodepoints+50)},
		{"multibyte over limit", strings.Repeat("é", truncateMaxCodepoints+10)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			once := truncateString(tt.input)
			twice := truncateString(once)
			if once != twice {
				t.Fatalf("truncateString is not a fixed point: once=%q twice=%q", once, twice)
			}
			if len([]rune(once)) > truncateMaxCodepoints+3 {
				t.Fatalf("truncated string exceeds 203 code points: %d", len([]rune(once)))
			}
		})
	}
}

func TestTruncateJSONPreservesShape(t *testing.T) {
	body := []byte(`{"a":1,"b":["x","y"],"c":{"d":true}}`)
	out := truncateJSON(body)

	var v map[string]any
	if err := json.Unmarshal(out, &v); err != nil {
		t.Fatalf("truncated output is not valid JSON: %v", err)
	}
	if _, ok := v["b"].([]any); !ok {
		t.Fatalf("expected array shape preserved for field b, got %T", v["b"])
	}
	if _, ok := v["c"].(map[string]any); !ok {
		t.Fatalf("expected object shape preserved for field c, got %T", v["c"])
	}
}
