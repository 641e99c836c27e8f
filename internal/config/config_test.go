package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv(EnvCallbackURL, "")
	t.Setenv(EnvAuthToken, "")
	t.Setenv(EnvWorkspaceURL, "")
}

func TestLoad_FullFile(t *testing.T) {
	clearEnv(t)
	content := `
server:
  port: 9000
kbase:
  workspace_url: "https://ci.kbase.us/services/ws"
  callback_url: "http://localhost:5000"
  service_ver: "dev"
data:
  scratch_dir: "/kb/module/work/tmp"
  tracking_file: "transcripts.fpkm_tracking"
  id_column: 3
jobs:
  max_concurrent: 4
  sqlite_path: "/tmp/jobs.db"
cache:
  heatmap_size_mb: 64
export:
  tiledb_dir: "/data/tiledb"
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.KBase.CallbackURL != "http://localhost:5000" || cfg.KBase.ServiceVer != "dev" {
		t.Errorf("unexpected kbase section: %+v", cfg.KBase)
	}
	if cfg.Data.ScratchDir != "/kb/module/work/tmp" || cfg.Data.IDColumn != 3 {
		t.Errorf("unexpected data section: %+v", cfg.Data)
	}
	if cfg.Data.TrackingFile != "transcripts.fpkm_tracking" {
		t.Errorf("unexpected tracking file: %s", cfg.Data.TrackingFile)
	}
	if cfg.Jobs.MaxConcurrent != 4 || cfg.Jobs.SQLitePath != "/tmp/jobs.db" {
		t.Errorf("unexpected jobs section: %+v", cfg.Jobs)
	}
	if cfg.Export.TileDBDir != "/data/tiledb" {
		t.Errorf("unexpected export dir: %s", cfg.Export.TileDBDir)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	clearEnv(t)
	content := `
server:
  port: 0
data:
  scratch_dir: "/scratch"
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Data.TrackingFile != "genes.fpkm_tracking" {
		t.Errorf("expected default tracking file, got %q", cfg.Data.TrackingFile)
	}
	if cfg.Jobs.RetentionDays != 7 || cfg.Jobs.MaxConcurrent != 2 {
		t.Errorf("unexpected job defaults: %+v", cfg.Jobs)
	}
	if cfg.Cache.HeatmapTTL() != 10*time.Minute {
		t.Errorf("expected default heatmap ttl 10m, got %v", cfg.Cache.HeatmapTTL())
	}
	if cfg.Render.CellSize != 8 || cfg.Render.DefaultColormap != "viridis" {
		t.Errorf("unexpected render defaults: %+v", cfg.Render)
	}
	if cfg.Export.TileDBDir != "" {
		t.Errorf("expected export disabled by default, got %q", cfg.Export.TileDBDir)
	}
	if cfg.KBase.ServiceVer != "release" || cfg.KBase.MetagenomeServiceVer != "dev" {
		t.Errorf("unexpected service versions: %+v", cfg.KBase)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.KBase.WorkspaceURL == "" {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvCallbackURL, "http://callback:9999")
	t.Setenv(EnvAuthToken, "tok")
	t.Setenv(EnvWorkspaceURL, "http://ws")

	cfg := loadFromString(t, `
kbase:
  workspace_url: "http://from-file"
  token: "file-token"
`)
	if cfg.KBase.CallbackURL != "http://callback:9999" {
		t.Errorf("unexpected callback url %q", cfg.KBase.CallbackURL)
	}
	if cfg.KBase.Token != "tok" || cfg.KBase.WorkspaceURL != "http://ws" {
		t.Errorf("env did not override file: %+v", cfg.KBase)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid yaml")
	}
}

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}
