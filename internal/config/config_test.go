package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_NonexistentFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load with nonexistent file should not error: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("default host: expected 127.0.0.1, got %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 8800 {
		t.Errorf("default port: expected 8800, got %d", cfg.Server.Port)
	}
	if !cfg.Dashboard.Enabled {
		t.Error("default dashboard: expected true")
	}
	if len(cfg.Seed.Sessions) != 0 || len(cfg.Seed.Profiles) != 0 {
		t.Error("default seed: expected empty")
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  host: "0.0.0.0"
  port: 9090
database:
  path: /tmp/ctrlproxy.db
dashboard:
  enabled: false
seed:
  profiles:
    - name: strict
      default: true
      systemFilters: ["internal-only"]
  sessions:
    - name: prod
      targetUrl: https://api.anthropic.com
      webfetchIntercept: true
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("host: expected 0.0.0.0, got %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port: expected 9090, got %d", cfg.Server.Port)
	}
	if cfg.Dashboard.Enabled {
		t.Error("dashboard: expected false")
	}
	if cfg.Database.Path != "/tmp/ctrlproxy.db" {
		t.Errorf("database path: expected /tmp/ctrlproxy.db, got %q", cfg.Database.Path)
	}
	if len(cfg.Seed.Profiles) != 1 || cfg.Seed.Profiles[0].Name != "strict" {
		t.Errorf("seed profiles: expected one profile named strict, got %+v", cfg.Seed.Profiles)
	}
	if len(cfg.Seed.Sessions) != 1 || !cfg.Seed.Sessions[0].WebfetchIntercept {
		t.Errorf("seed sessions: expected one intercepting session, got %+v", cfg.Seed.Sessions)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(`{{{invalid yaml`), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoad_PartialOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: 9090
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port: expected 9090, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("host should be default 127.0.0.1, got %q", cfg.Server.Host)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name:    "valid",
			cfg:     *applyDefaults(),
			wantErr: false,
		},
		{
			name:    "empty host",
			cfg:     Config{Server: ServerConfig{Host: "", Port: 8800}},
			wantErr: true,
		},
		{
			name:    "port 0",
			cfg:     Config{Server: ServerConfig{Host: "127.0.0.1", Port: 0}},
			wantErr: true,
		},
		{
			name:    "port 65536",
			cfg:     Config{Server: ServerConfig{Host: "127.0.0.1", Port: 65536}},
			wantErr: true,
		},
		{
			name: "seed session missing target url",
			cfg: Config{
				Server: ServerConfig{Host: "127.0.0.1", Port: 8800},
				Seed:   SeedConfig{Sessions: []SeedSession{{Name: "x"}}},
			},
			wantErr: true,
		},
		{
			name: "seed profile missing name",
			cfg: Config{
				Server: ServerConfig{Host: "127.0.0.1", Port: 8800},
				Seed:   SeedConfig{Profiles: []SeedProfile{{}}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate(&tt.cfg)
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestWriteDefault_Roundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file not created: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load after WriteDefault: %v", err)
	}

	if cfg.Server.Port != 8800 {
		t.Errorf("roundtrip port: expected 8800, got %d", cfg.Server.Port)
	}
	if !cfg.Dashboard.Enabled {
		t.Error("roundtrip dashboard: expected true")
	}
}
