package config

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ctrlproxy/ctrlproxy/internal/store"
)

// Sync creates every seed profile and session declared in cfg that does
// not already exist (matched by name), so an operator can check
// config.yaml into version control instead of scripting `ctrlproxy
// sessions create` calls. Existing rows with the same name are left
// untouched — Sync never overwrites a profile or session edited through
// the dashboard.
func Sync(ctx context.Context, db *store.DB, cfg *Config) error {
	existingProfiles, err := db.ListProfiles(ctx)
	if err != nil {
		return fmt.Errorf("listing profiles for seed sync: %w", err)
	}
	profileByName := make(map[string]bool, len(existingProfiles))
	for _, p := range existingProfiles {
		profileByName[p.Name] = true
	}

	for _, sp := range cfg.Seed.Profiles {
		if profileByName[sp.Name] {
			continue
		}
		sysJSON, err := json.Marshal(sp.SystemFilters)
		if err != nil {
			return fmt.Errorf("marshaling seed profile %q system filters: %w", sp.Name, err)
		}
		toolJSON, err := json.Marshal(sp.ToolFilters)
		if err != nil {
			return fmt.Errorf("marshaling seed profile %q tool filters: %w", sp.Name, err)
		}
		id := sp.ID
		if id == "" {
			id = uuid.New().String()
		}
		row := store.ProfileRow{
			ID:                id,
			Name:              sp.Name,
			IsDefault:         sp.Default,
			SystemFiltersJSON: sysJSON,
			ToolFiltersJSON:   toolJSON,
			KeepToolPairs:     sp.KeepToolPairs,
		}
		if err := db.CreateProfile(ctx, row); err != nil {
			return fmt.Errorf("seeding profile %q: %w", sp.Name, err)
		}
	}

	existingSessions, err := db.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("listing sessions for seed sync: %w", err)
	}
	sessionByName := make(map[string]bool, len(existingSessions))
	for _, s := range existingSessions {
		sessionByName[s.Name] = true
	}

	for _, ss := range cfg.Seed.Sessions {
		if sessionByName[ss.Name] {
			continue
		}
		id := ss.ID
		if id == "" {
			id = uuid.New().String()
		}
		row := store.SessionRow{
			ID:                id,
			Name:              ss.Name,
			TargetURL:         ss.TargetURL,
			TLSVerifyDisabled: ss.TLSVerifyDisabled,
			AuthHeader:        ss.AuthHeader,
			XAPIKey:           ss.XAPIKey,
			ProfileID:         ss.ProfileID,
			WebfetchIntercept: ss.WebfetchIntercept,
		}
		if ss.WebfetchWhitelist != nil {
			row.WebfetchWhitelistSet = true
			row.WebfetchWhitelist = ss.WebfetchWhitelist
		}
		if err := db.CreateSession(ctx, row); err != nil {
			return fmt.Errorf("seeding session %q: %w", ss.Name, err)
		}
	}

	return nil
}
