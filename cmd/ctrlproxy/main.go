// Package main is the CLI entry point for ctrlproxy — an intercepting HTTP
// proxy for LLM API traffic. It resolves a client-visible session id to an
// upstream target and credentials, rewrites the request through a filter
// profile, optionally executes a bounded WebFetch tool-interception loop,
// and persists everything to SQLite for later inspection.
//
// CLI commands (cobra):
//
//	ctrlproxy serve              - Start the proxy
//	ctrlproxy sessions list      - List configured sessions
//	ctrlproxy sessions create    - Create a session
//	ctrlproxy profiles list      - List filter profiles
//	ctrlproxy profiles create    - Create a filter profile
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ctrlproxy/ctrlproxy/internal/config"
	"github.com/ctrlproxy/ctrlproxy/internal/dashboard"
	"github.com/ctrlproxy/ctrlproxy/internal/pipeline"
	"github.com/ctrlproxy/ctrlproxy/internal/session"
	"github.com/ctrlproxy/ctrlproxy/internal/store"
	"github.com/ctrlproxy/ctrlproxy/internal/transport"
)

var (
	version = "dev"
	commit  = "unknown"
)

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ctrlproxy"
	}
	return filepath.Join(home, ".ctrlproxy")
}

func main() {
	setupLogging()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("CTRLPROXY_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

var configDir string

var rootCmd = &cobra.Command{
	Use:     "ctrlproxy",
	Short:   "ctrlproxy — intercepting HTTP proxy for LLM API traffic",
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir(), "Path to ctrlproxy config/state directory")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(profilesCmd)
}

func dbPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return filepath.Join(configDir, "ctrlproxy.db")
}

func openStore(path string) (*store.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}
	return store.Open(path)
}

// ----------------------------------------------------------------------
// ctrlproxy serve
// ----------------------------------------------------------------------

var (
	serveListen      string
	serveDBPath      string
	serveDashboard   bool
	serveWatchConfig bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Address to listen on (overrides config.yaml)")
	serveCmd.Flags().StringVar(&serveDBPath, "db", "", "Path to the SQLite database (overrides config.yaml)")
	serveCmd.Flags().BoolVar(&serveDashboard, "dashboard", false, "Serve the dashboard under /_dashboard (overrides config.yaml)")
	serveCmd.Flags().BoolVar(&serveWatchConfig, "watch-config", true, "Hot-reload config.yaml (seed sessions/profiles) while running")
}

func runServe(cmd *cobra.Command) error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", configDir, err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	listen := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	if cmd.Flags().Changed("listen") {
		listen = serveListen
	}
	dbFile := dbPath(cfg.Database.Path)
	if cmd.Flags().Changed("db") {
		dbFile = dbPath(serveDBPath)
	}
	dashboardEnabled := cfg.Dashboard.Enabled
	if cmd.Flags().Changed("dashboard") {
		dashboardEnabled = serveDashboard
	}

	db, err := openStore(dbFile)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if err := config.Sync(cmd.Context(), db, cfg); err != nil {
		return fmt.Errorf("seeding sessions/profiles: %w", err)
	}

	resolver := session.NewResolver(db)
	dialer := transport.NewDialer()
	h := pipeline.New(resolver, dialer, db)

	mux := http.NewServeMux()

	if dashboardEnabled {
		dash := dashboard.New(db)
		h.OnCaptured = dash.BroadcastCaptured
		dash.Mount(mux)
	}

	mux.Handle("/p/", h)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":%q}`, version)
	})

	if serveWatchConfig {
		watcher, err := config.NewWatcher(configDir, configPath, func(reloaded *config.Config) {
			if err := config.Sync(context.Background(), db, reloaded); err != nil {
				slog.Error("config hot-reload sync failed", "error", err)
			}
		})
		if err != nil {
			slog.Warn("config watcher disabled", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	server := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout/ReadTimeout — upstream LLM streams can run for
		// minutes.
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ctrlproxy listening", "addr", listen, "dashboard", dashboardEnabled)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down", "reason", "signal")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	return nil
}

// ----------------------------------------------------------------------
// ctrlproxy sessions
// ----------------------------------------------------------------------

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage proxy sessions",
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsCreateCmd)
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(dbPath(""))
		if err != nil {
			return err
		}
		defer db.Close()

		sessions, err := db.ListSessions(cmd.Context())
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions configured.")
			return nil
		}
		fmt.Printf("%-36s %-20s %-40s %s\n", "ID", "NAME", "TARGET", "INTERCEPT")
		for _, s := range sessions {
			fmt.Printf("%-36s %-20s %-40s %v\n", s.ID, s.Name, s.TargetURL, s.WebfetchIntercept)
		}
		return nil
	},
}

var (
	sessionName              string
	sessionTargetURL         string
	sessionAuthHeader        string
	sessionXAPIKey           string
	sessionProfileID         string
	sessionTLSInsecure       bool
	sessionWebfetchIntercept bool
	sessionWebfetchWhitelist string
)

var sessionsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new session",
	RunE: func(cmd *cobra.Command, args []string) error {
		if sessionName == "" || sessionTargetURL == "" {
			return fmt.Errorf("--name and --target-url are required")
		}

		db, err := openStore(dbPath(""))
		if err != nil {
			return err
		}
		defer db.Close()

		row := store.SessionRow{
			ID:                uuid.New().String(),
			Name:              sessionName,
			TargetURL:         sessionTargetURL,
			TLSVerifyDisabled: sessionTLSInsecure,
			AuthHeader:        sessionAuthHeader,
			XAPIKey:           sessionXAPIKey,
			ProfileID:         sessionProfileID,
			WebfetchIntercept: sessionWebfetchIntercept,
		}
		if cmd.Flags().Changed("webfetch-whitelist") {
			row.WebfetchWhitelistSet = true
			row.WebfetchWhitelist = []string{}
			if sessionWebfetchWhitelist != "" {
				row.WebfetchWhitelist = strings.Split(sessionWebfetchWhitelist, ",")
			}
		}

		if err := db.CreateSession(cmd.Context(), row); err != nil {
			return err
		}
		fmt.Printf("Created session %s (%s)\n", row.ID, row.Name)
		return nil
	},
}

func init() {
	sessionsCreateCmd.Flags().StringVar(&sessionName, "name", "", "Session name")
	sessionsCreateCmd.Flags().StringVar(&sessionTargetURL, "target-url", "", "Upstream origin, e.g. https://api.anthropic.com")
	sessionsCreateCmd.Flags().StringVar(&sessionAuthHeader, "auth-header", "", "Authorization header value to inject")
	sessionsCreateCmd.Flags().StringVar(&sessionXAPIKey, "x-api-key", "", "x-api-key header value to inject")
	sessionsCreateCmd.Flags().StringVar(&sessionProfileID, "profile-id", "", "Filter profile id (falls back to the default profile)")
	sessionsCreateCmd.Flags().BoolVar(&sessionTLSInsecure, "tls-insecure", false, "Skip upstream TLS verification")
	sessionsCreateCmd.Flags().BoolVar(&sessionWebfetchIntercept, "webfetch-intercept", false, "Engage the WebFetch tool interceptor for this session")
	sessionsCreateCmd.Flags().StringVar(&sessionWebfetchWhitelist, "webfetch-whitelist", "", "Comma-separated host suffixes allowed for WebFetch (empty string sets an explicit allow-none list)")
}

// ----------------------------------------------------------------------
// ctrlproxy profiles
// ----------------------------------------------------------------------

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Manage filter profiles",
}

func init() {
	profilesCmd.AddCommand(profilesListCmd)
	profilesCmd.AddCommand(profilesCreateCmd)
}

var profilesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all filter profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(dbPath(""))
		if err != nil {
			return err
		}
		defer db.Close()

		profiles, err := db.ListProfiles(cmd.Context())
		if err != nil {
			return err
		}
		if len(profiles) == 0 {
			fmt.Println("No profiles configured.")
			return nil
		}
		fmt.Printf("%-36s %-20s %-8s %s\n", "ID", "NAME", "DEFAULT", "KEEP_TOOL_PAIRS")
		for _, p := range profiles {
			fmt.Printf("%-36s %-20s %-8v %v\n", p.ID, p.Name, p.IsDefault, p.KeepToolPairs)
		}
		return nil
	},
}

var (
	profileName          string
	profileIsDefault     bool
	profileSystemFilters string
	profileToolFilters   string
	profileKeepToolPairs bool
)

var profilesCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new filter profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		if profileName == "" {
			return fmt.Errorf("--name is required")
		}

		db, err := openStore(dbPath(""))
		if err != nil {
			return err
		}
		defer db.Close()

		row := store.ProfileRow{
			ID:            uuid.New().String(),
			Name:          profileName,
			IsDefault:     profileIsDefault,
			KeepToolPairs: profileKeepToolPairs,
		}
		row.SystemFiltersJSON = toJSONArray(profileSystemFilters)
		row.ToolFiltersJSON = toJSONArray(profileToolFilters)

		if err := db.CreateProfile(cmd.Context(), row); err != nil {
			return err
		}
		fmt.Printf("Created profile %s (%s)\n", row.ID, row.Name)
		return nil
	},
}

func init() {
	profilesCreateCmd.Flags().StringVar(&profileName, "name", "", "Profile name")
	profilesCreateCmd.Flags().BoolVar(&profileIsDefault, "default", false, "Make this the default profile")
	profilesCreateCmd.Flags().StringVar(&profileSystemFilters, "system-filters", "", "Comma-separated system-prompt filter patterns (regex or literal)")
	profilesCreateCmd.Flags().StringVar(&profileToolFilters, "tool-filters", "", "Comma-separated tool names to strip")
	profilesCreateCmd.Flags().BoolVar(&profileKeepToolPairs, "keep-tool-pairs", false, "Keep tool_use/tool_result content blocks in messages")
}

func toJSONArray(commaSeparated string) []byte {
	if commaSeparated == "" {
		return []byte(`[]`)
	}
	parts := strings.Split(commaSeparated, ",")
	var b strings.Builder
	b.WriteByte('[')
	for i, p := range parts {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(strings.ReplaceAll(strings.TrimSpace(p), `"`, `\"`))
		b.WriteByte('"')
	}
	b.WriteByte(']')
	return []byte(b.String())
}
