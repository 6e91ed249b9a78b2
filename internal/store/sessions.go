package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SessionRow is the raw persisted shape of a session, keyed by id.
type SessionRow struct {
	ID                    string
	Name                  string
	TargetURL             string
	TLSVerifyDisabled     bool
	AuthHeader            string
	XAPIKey               string
	ProfileID             string
	ErrorInjectJSON       json.RawMessage
	WebfetchIntercept     bool
	WebfetchWhitelist     []string // nil means no column value; non-nil-empty means "allow none" (see DESIGN.md)
	WebfetchWhitelistSet  bool
	WebfetchToolNamesJSON json.RawMessage
}

// ProfileRow is the raw persisted shape of a filter profile.
type ProfileRow struct {
	ID                string
	Name              string
	IsDefault         bool
	SystemFiltersJSON json.RawMessage
	ToolFiltersJSON   json.RawMessage
	KeepToolPairs     bool
}

// CreateSession inserts a new session row, used by the `ctrlproxy sessions
// create` CLI command.
func (db *DB) CreateSession(ctx context.Context, s SessionRow) error {
	var whitelistJSON any
	if s.WebfetchWhitelistSet {
		b, err := json.Marshal(s.WebfetchWhitelist)
		if err != nil {
			return fmt.Errorf("marshaling webfetch whitelist: %w", err)
		}
		whitelistJSON = string(b)
	}

	toolNames := s.WebfetchToolNamesJSON
	if len(toolNames) == 0 {
		toolNames = json.RawMessage(`["WebFetch"]`)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO sessions (
			id, name, target_url, tls_verify_disabled, auth_header, x_api_key, profile_id,
			error_inject_json, webfetch_intercept, webfetch_whitelist_json, webfetch_tool_names_json,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.TargetURL, s.TLSVerifyDisabled, nullableString(s.AuthHeader), nullableString(s.XAPIKey), nullableString(s.ProfileID),
		rawOrNil(s.ErrorInjectJSON), s.WebfetchIntercept, whitelistJSON, string(toolNames),
		now, now,
	)
	if err != nil {
		return fmt.Errorf("creating session %s: %w", s.ID, err)
	}
	return nil
}

// ListSessions returns all sessions ordered by name, for `ctrlproxy
// sessions list` and the dashboard's session list page.
func (db *DB) ListSessions(ctx context.Context) ([]SessionRow, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, name, target_url, tls_verify_disabled, auth_header, x_api_key, profile_id,
		       error_inject_json, webfetch_intercept, webfetch_whitelist_json, webfetch_tool_names_json
		FROM sessions ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		s, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ScanSessionRow scans one row of the sessions SELECT used by both
// ListSessions and the session resolver's single-row lookup.
func ScanSessionRow(rows rowScanner) (SessionRow, error) {
	return scanSessionRow(rows)
}

func scanSessionRow(rows rowScanner) (SessionRow, error) {
	var s SessionRow
	var authHeader, xAPIKey, profileID sql.NullString
	var errorInject, whitelist sql.NullString
	var toolNames string

	err := rows.Scan(
		&s.ID, &s.Name, &s.TargetURL, &s.TLSVerifyDisabled, &authHeader, &xAPIKey, &profileID,
		&errorInject, &s.WebfetchIntercept, &whitelist, &toolNames,
	)
	if err != nil {
		return s, fmt.Errorf("scanning session row: %w", err)
	}

	s.AuthHeader = authHeader.String
	s.XAPIKey = xAPIKey.String
	s.ProfileID = profileID.String
	if errorInject.Valid {
		s.ErrorInjectJSON = json.RawMessage(errorInject.String)
	}
	s.WebfetchToolNamesJSON = json.RawMessage(toolNames)

	if whitelist.Valid {
		s.WebfetchWhitelistSet = true
		if err := json.Unmarshal([]byte(whitelist.String), &s.WebfetchWhitelist); err != nil {
			return s, fmt.Errorf("parsing webfetch whitelist for session %s: %w", s.ID, err)
		}
	}

	return s, nil
}

// CreateProfile inserts a new filter profile, used by `ctrlproxy profiles
// create`.
func (db *DB) CreateProfile(ctx context.Context, p ProfileRow) error {
	if len(p.SystemFiltersJSON) == 0 {
		p.SystemFiltersJSON = json.RawMessage(`[]`)
	}
	if len(p.ToolFiltersJSON) == 0 {
		p.ToolFiltersJSON = json.RawMessage(`[]`)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO filter_profiles (id, name, is_default, system_filters_json, tool_filters_json, keep_tool_pairs, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.IsDefault, string(p.SystemFiltersJSON), string(p.ToolFiltersJSON), p.KeepToolPairs, now, now,
	)
	if err != nil {
		return fmt.Errorf("creating filter profile %s: %w", p.ID, err)
	}
	return nil
}

// ListProfiles returns all filter profiles, for `ctrlproxy profiles list`
// and the dashboard's profile editor.
func (db *DB) ListProfiles(ctx context.Context) ([]ProfileRow, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, name, is_default, system_filters_json, tool_filters_json, keep_tool_pairs
		FROM filter_profiles ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing filter profiles: %w", err)
	}
	defer rows.Close()

	var out []ProfileRow
	for rows.Next() {
		var p ProfileRow
		var sysJSON, toolJSON string
		if err := rows.Scan(&p.ID, &p.Name, &p.IsDefault, &sysJSON, &toolJSON, &p.KeepToolPairs); err != nil {
			return nil, fmt.Errorf("scanning filter profile row: %w", err)
		}
		p.SystemFiltersJSON = json.RawMessage(sysJSON)
		p.ToolFiltersJSON = json.RawMessage(toolJSON)
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProfile rewrites an existing profile's filters, used by the
// dashboard's profile editor (PUT /_dashboard/api/profiles/{id}).
func (db *DB) UpdateProfile(ctx context.Context, p ProfileRow) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := db.conn.ExecContext(ctx, `
		UPDATE filter_profiles
		SET name = ?, system_filters_json = ?, tool_filters_json = ?, keep_tool_pairs = ?, updated_at = ?
		WHERE id = ?`,
		p.Name, string(p.SystemFiltersJSON), string(p.ToolFiltersJSON), p.KeepToolPairs, now, p.ID,
	)
	if err != nil {
		return fmt.Errorf("updating filter profile %s: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result for profile %s: %w", p.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("filter profile %s not found", p.ID)
	}
	return nil
}
