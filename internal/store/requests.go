package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SSEEventRecord is one persisted SSE frame: {"event": "<name>", "data":
// <parsed-json-or-string>}. Data is the parsed JSON payload when parsing
// succeeds, else the raw string, matching the external persisted shape.
type SSEEventRecord struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// WebfetchToolCall is one executed tool call within a round.
type WebfetchToolCall struct {
	Name   string `json:"name"`
	Input  any    `json:"input"`
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// WebfetchRound is one entry of webfetch_rounds_json.
type WebfetchRound struct {
	RoundIndex             int                `json:"round_index"`
	ToolCalls              []WebfetchToolCall `json:"tool_calls"`
	UpstreamResponseEvents []SSEEventRecord   `json:"upstream_response_events"`
}

// CapturedRequest is the in-flight draft the pipeline orchestrator owns
// for the duration of one client request, written once at pipeline end.
// No other component mutates it.
type CapturedRequest struct {
	ID              string
	SessionID       string
	Method          string
	Path            string
	ClientTimestamp time.Time

	RequestHeaders map[string][]string
	RequestBody    json.RawMessage
	TruncatedBody  json.RawMessage

	Model    string
	Tools    json.RawMessage
	Messages json.RawMessage
	System   json.RawMessage
	Params   json.RawMessage

	Note string

	ResponseStatus  int
	ResponseHeaders map[string][]string
	ResponseBody    string
	ResponseEvents  []SSEEventRecord

	WebfetchFirstResponseBody   string
	WebfetchFirstResponseEvents []SSEEventRecord
	WebfetchFollowupBody        json.RawMessage
	WebfetchRounds              []WebfetchRound
}

// InsertRequest writes the single requests row in one statement (design
// doc Section 4.8). DB failures are logged by the caller; they never
// affect the already-complete client-facing response.
func (db *DB) InsertRequest(ctx context.Context, cr *CapturedRequest) error {
	headersJSON, err := json.Marshal(cr.RequestHeaders)
	if err != nil {
		return fmt.Errorf("marshaling request headers: %w", err)
	}
	respHeadersJSON, err := json.Marshal(cr.ResponseHeaders)
	if err != nil {
		return fmt.Errorf("marshaling response headers: %w", err)
	}

	var eventsJSON, firstEventsJSON []byte
	if cr.ResponseEvents != nil {
		if eventsJSON, err = json.Marshal(cr.ResponseEvents); err != nil {
			return fmt.Errorf("marshaling response events: %w", err)
		}
	}
	if cr.WebfetchFirstResponseEvents != nil {
		if firstEventsJSON, err = json.Marshal(cr.WebfetchFirstResponseEvents); err != nil {
			return fmt.Errorf("marshaling webfetch first response events: %w", err)
		}
	}

	var roundsJSON []byte
	if cr.WebfetchRounds != nil {
		if roundsJSON, err = json.Marshal(cr.WebfetchRounds); err != nil {
			return fmt.Errorf("marshaling webfetch rounds: %w", err)
		}
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO requests (
			id, session_id, method, path, client_timestamp,
			request_headers_json, request_body_json, truncated_body_json,
			model, tools_json, messages_json, system_json, params_json, note,
			response_status, response_headers_json, response_body, response_events_json,
			webfetch_first_response_body, webfetch_first_response_events_json,
			webfetch_followup_body_json, webfetch_rounds_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cr.ID, cr.SessionID, cr.Method, cr.Path, cr.ClientTimestamp.UTC().Format(time.RFC3339Nano),
		string(headersJSON), rawOrNil(cr.RequestBody), rawOrNil(cr.TruncatedBody),
		nullableString(cr.Model), rawOrNil(cr.Tools), rawOrNil(cr.Messages), rawOrNil(cr.System), rawOrNil(cr.Params), nullableString(cr.Note),
		cr.ResponseStatus, string(respHeadersJSON), cr.ResponseBody, bytesOrNil(eventsJSON),
		nullableString(cr.WebfetchFirstResponseBody), bytesOrNil(firstEventsJSON),
		rawOrNil(cr.WebfetchFollowupBody), bytesOrNil(roundsJSON),
	)
	if err != nil {
		return fmt.Errorf("inserting captured request %s: %w", cr.ID, err)
	}
	return nil
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func bytesOrNil(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// RequestsForSession returns the most recent captured requests for a
// session, newest first, for the dashboard's per-session viewer.
func (db *DB) RequestsForSession(ctx context.Context, sessionID string, limit int) ([]CapturedRequestSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, session_id, method, path, client_timestamp, response_status, note
		FROM requests WHERE session_id = ? ORDER BY client_timestamp DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying requests for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []CapturedRequestSummary
	for rows.Next() {
		var s CapturedRequestSummary
		var status sql.NullInt64
		var note sql.NullString
		if err := rows.Scan(&s.ID, &s.SessionID, &s.Method, &s.Path, &s.ClientTimestamp, &status, &note); err != nil {
			return nil, fmt.Errorf("scanning request row: %w", err)
		}
		s.ResponseStatus = int(status.Int64)
		s.Note = note.String
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetRequest loads a single captured request in full, for the dashboard's
// request detail view.
func (db *DB) GetRequest(ctx context.Context, id string) (*CapturedRequest, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, session_id, method, path, client_timestamp,
		       request_headers_json, request_body_json, truncated_body_json,
		       model, tools_json, messages_json, system_json, params_json, note,
		       response_status, response_headers_json, response_body, response_events_json,
		       webfetch_first_response_body, webfetch_first_response_events_json,
		       webfetch_followup_body_json, webfetch_rounds_json
		FROM requests WHERE id = ?`, id,
	)

	var cr CapturedRequest
	var reqHeaders, respHeaders string
	var reqBody, truncatedBody, tools, messages, system, params sql.NullString
	var model, note, respBody sql.NullString
	var respEvents, firstBody, firstEvents, followupBody, rounds sql.NullString
	var ts string

	err := row.Scan(
		&cr.ID, &cr.SessionID, &cr.Method, &cr.Path, &ts,
		&reqHeaders, &reqBody, &truncatedBody,
		&model, &tools, &messages, &system, &params, &note,
		&cr.ResponseStatus, &respHeaders, &respBody, &respEvents,
		&firstBody, &firstEvents, &followupBody, &rounds,
	)
	if err != nil {
		return nil, fmt.Errorf("loading captured request %s: %w", id, err)
	}

	cr.ClientTimestamp, _ = time.Parse(time.RFC3339Nano, ts)
	json.Unmarshal([]byte(reqHeaders), &cr.RequestHeaders)
	json.Unmarshal([]byte(respHeaders), &cr.ResponseHeaders)
	cr.RequestBody = json.RawMessage(reqBody.String)
	cr.TruncatedBody = json.RawMessage(truncatedBody.String)
	cr.Model = model.String
	cr.Tools = json.RawMessage(tools.String)
	cr.Messages = json.RawMessage(messages.String)
	cr.System = json.RawMessage(system.String)
	cr.Params = json.RawMessage(params.String)
	cr.Note = note.String
	cr.ResponseBody = respBody.String
	cr.WebfetchFirstResponseBody = firstBody.String
	cr.WebfetchFollowupBody = json.RawMessage(followupBody.String)

	if respEvents.Valid {
		json.Unmarshal([]byte(respEvents.String), &cr.ResponseEvents)
	}
	if firstEvents.Valid {
		json.Unmarshal([]byte(firstEvents.String), &cr.WebfetchFirstResponseEvents)
	}
	if rounds.Valid {
		json.Unmarshal([]byte(rounds.String), &cr.WebfetchRounds)
	}

	return &cr, nil
}

// CapturedRequestSummary is the lightweight row shape used for listings.
type CapturedRequestSummary struct {
	ID              string
	SessionID       string
	Method          string
	Path            string
	ClientTimestamp string
	ResponseStatus  int
	Note            string
}
