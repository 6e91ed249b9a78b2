// Package session resolves a client-visible session id into a fully
// denormalized ResolvedSession — target URL, credentials, TLS policy, and
// filter profile — the way the pipeline orchestrator needs it for a single
// request. Sessions and profiles live in SQLite and are managed out of
// band (CLI, dashboard); this package only reads them.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ctrlproxy/ctrlproxy/internal/filter"
	"github.com/ctrlproxy/ctrlproxy/internal/store"
)

// ErrSessionNotFound is returned when no session row matches the given id.
// The orchestrator maps this to HTTP 404.
var ErrSessionNotFound = errors.New("session not found")

// ErrProfileMissing is returned when a session names a profile_id that
// does not exist and no default profile is configured to fall back to.
// The orchestrator maps this to HTTP 500.
var ErrProfileMissing = errors.New("filter profile missing")

// ErrorInject is the optional per-session override described in design
// doc Section 4.5.
type ErrorInject struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// ResolvedSession is the immutable, fully denormalized value the pipeline
// operates on for the duration of one request. Immutable once resolved.
type ResolvedSession struct {
	ID                string
	Name              string
	TargetURL         string
	TLSVerifyDisabled bool
	AuthHeader        string
	XAPIKey           string
	ErrorInject       *ErrorInject

	WebfetchIntercept bool
	// WebfetchWhitelist is nil when the session has no whitelist column
	// value set — "allow all" (no restriction). A non-nil, possibly empty,
	// slice means "allow none unless a host suffix matches" — see
	// DESIGN.md for the Open Question this resolves.
	WebfetchWhitelist []string
	WebfetchToolNames []string
	Profile           filter.Profile
}

// Resolver resolves session ids against the shared store.
type Resolver struct {
	db *store.DB
}

// NewResolver wraps the shared SQLite store for session resolution.
func NewResolver(db *store.DB) *Resolver {
	return &Resolver{db: db}
}

// Resolve loads the session row, then its profile by profile_id in a
// separate query, falling back to the row with is_default=1 if profile_id
// is absent or dangling (design doc Section 4.1). No caching: per design doc
// Section 5, "the session registry cache (if any) must be invalidated on
// dashboard writes — simplest correct implementation queries per request."
func (r *Resolver) Resolve(ctx context.Context, id string) (*ResolvedSession, error) {
	row, err := r.loadSession(ctx, id)
	if err != nil {
		return nil, err
	}

	profile, err := r.resolveProfile(ctx, row.ProfileID)
	if err != nil {
		return nil, err
	}

	var errInject *ErrorInject
	if len(row.ErrorInjectJSON) > 0 {
		var ei ErrorInject
		if err := json.Unmarshal(row.ErrorInjectJSON, &ei); err != nil {
			return nil, fmt.Errorf("parsing error_inject for session %s: %w", id, err)
		}
		errInject = &ei
	}

	var toolNames []string
	if err := json.Unmarshal(row.WebfetchToolNamesJSON, &toolNames); err != nil || len(toolNames) == 0 {
		toolNames = []string{"WebFetch"}
	}

	var whitelist []string
	if row.WebfetchWhitelistSet {
		whitelist = row.WebfetchWhitelist
		if whitelist == nil {
			whitelist = []string{}
		}
	}

	return &ResolvedSession{
		ID:                row.ID,
		Name:              row.Name,
		TargetURL:         row.TargetURL,
		TLSVerifyDisabled: row.TLSVerifyDisabled,
		AuthHeader:        row.AuthHeader,
		XAPIKey:           row.XAPIKey,
		ErrorInject:       errInject,
		WebfetchIntercept: row.WebfetchIntercept,
		WebfetchWhitelist: whitelist,
		WebfetchToolNames: toolNames,
		Profile:           profile,
	}, nil
}

func (r *Resolver) loadSession(ctx context.Context, id string) (store.SessionRow, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT id, name, target_url, tls_verify_disabled, auth_header, x_api_key, profile_id,
		       error_inject_json, webfetch_intercept, webfetch_whitelist_json, webfetch_tool_names_json
		FROM sessions WHERE id = ?`, id,
	)
	if err != nil {
		return store.SessionRow{}, fmt.Errorf("querying session %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return store.SessionRow{}, ErrSessionNotFound
	}

	row, err := store.ScanSessionRow(rows)
	if err != nil {
		return store.SessionRow{}, err
	}
	return row, rows.Err()
}

// resolveProfile loads the named profile, falling back to the default
// profile when profileID is empty or does not exist.
func (r *Resolver) resolveProfile(ctx context.Context, profileID string) (filter.Profile, error) {
	if profileID != "" {
		p, err := r.loadProfile(ctx, profileID)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return filter.Profile{}, err
		}
		// Dangling profile_id — fall through to default.
	}

	p, err := r.loadDefaultProfile(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return filter.Profile{}, ErrProfileMissing
		}
		return filter.Profile{}, err
	}
	return p, nil
}

func (r *Resolver) loadProfile(ctx context.Context, id string) (filter.Profile, error) {
	row := r.db.Conn().QueryRowContext(ctx, `
		SELECT id, name, system_filters_json, tool_filters_json, keep_tool_pairs
		FROM filter_profiles WHERE id = ?`, id,
	)
	return scanProfile(row)
}

func (r *Resolver) loadDefaultProfile(ctx context.Context) (filter.Profile, error) {
	row := r.db.Conn().QueryRowContext(ctx, `
		SELECT id, name, system_filters_json, tool_filters_json, keep_tool_pairs
		FROM filter_profiles WHERE is_default = 1 LIMIT 1`,
	)
	return scanProfile(row)
}

func scanProfile(row *sql.Row) (filter.Profile, error) {
	var id, name, sysJSON, toolJSON string
	var keepToolPairs bool
	if err := row.Scan(&id, &name, &sysJSON, &toolJSON, &keepToolPairs); err != nil {
		return filter.Profile{}, err
	}

	var sysPatterns, toolNames []string
	if err := json.Unmarshal([]byte(sysJSON), &sysPatterns); err != nil {
		return filter.Profile{}, fmt.Errorf("parsing system_filters for profile %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(toolJSON), &toolNames); err != nil {
		return filter.Profile{}, fmt.Errorf("parsing tool_filters for profile %s: %w", id, err)
	}

	return filter.NewProfile(id, name, sysPatterns, toolNames, keepToolPairs), nil
}
