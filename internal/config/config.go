// Package config handles configuration loading for the expression utilities server.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	KBase  KBaseConfig  `yaml:"kbase"`
	Data   DataConfig   `yaml:"data"`
	Jobs   JobsConfig   `yaml:"jobs"`
	Cache  CacheConfig  `yaml:"cache"`
	Render RenderConfig `yaml:"render"`
	Export ExportConfig `yaml:"export"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// KBaseConfig contains service endpoints and credentials.
type KBaseConfig struct {
	WorkspaceURL string `yaml:"workspace_url"`
	CallbackURL  string `yaml:"callback_url"`
	ShockURL     string `yaml:"shock_url"`
	ServiceVer   string `yaml:"service_ver"`
	Token        string `yaml:"token"`

	// MetagenomeServiceVer pins MetagenomeUtils, whose feature id listing
	// is only served by the dev release.
	MetagenomeServiceVer string `yaml:"metagenome_service_ver"`
}

// DataConfig contains input file settings.
type DataConfig struct {
	ScratchDir   string `yaml:"scratch_dir"`
	TrackingFile string `yaml:"tracking_file"`
	IDColumn     int    `yaml:"id_column"`
}

// JobsConfig contains matrix job settings.
type JobsConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	HeatmapSizeMB     int `yaml:"heatmap_size_mb"`
	HeatmapTTLMinutes int `yaml:"heatmap_ttl_minutes"`
	ResultCacheSize   int `yaml:"result_cache_size"`
	TypeCacheSize     int `yaml:"type_cache_size"`
}

// HeatmapTTL returns the heatmap lifetime as a duration.
func (c CacheConfig) HeatmapTTL() time.Duration {
	return time.Duration(c.HeatmapTTLMinutes) * time.Minute
}

// RenderConfig contains heatmap rendering settings.
type RenderConfig struct {
	CellSize        int    `yaml:"cell_size"`
	DefaultColormap string `yaml:"default_colormap"`
	MaxRows         int    `yaml:"max_rows"`
}

// ExportConfig contains optional matrix export settings. An empty
// TileDBDir disables export.
type ExportConfig struct {
	TileDBDir string `yaml:"tiledb_dir"`
}

// Environment variables that override file settings.
const (
	EnvCallbackURL  = "SDK_CALLBACK_URL"
	EnvAuthToken    = "KB_AUTH_TOKEN"
	EnvWorkspaceURL = "KBASE_WORKSPACE_URL"
)

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		cfg := DefaultConfig()
		applyEnv(cfg)
		return cfg, nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)
	applyEnv(&cfg)

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		KBase: KBaseConfig{
			WorkspaceURL: "https://kbase.us/services/ws",
			ShockURL:     "https://kbase.us/services/shock-api",
			ServiceVer:   "release",

			MetagenomeServiceVer: "dev",
		},
		Data: DataConfig{
			ScratchDir:   "./data/scratch",
			TrackingFile: "genes.fpkm_tracking",
			IDColumn:     0,
		},
		Jobs: JobsConfig{
			MaxConcurrent: 2,
			SQLitePath:    "./data/jobs/matrix_jobs.db",
			RetentionDays: 7,
		},
		Cache: CacheConfig{
			HeatmapSizeMB:     256,
			HeatmapTTLMinutes: 10,
			ResultCacheSize:   64,
			TypeCacheSize:     4096,
		},
		Render: RenderConfig{
			CellSize:        8,
			DefaultColormap: "viridis",
			MaxRows:         200,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.KBase.WorkspaceURL == "" {
		cfg.KBase.WorkspaceURL = defaults.KBase.WorkspaceURL
	}
	if cfg.KBase.ShockURL == "" {
		cfg.KBase.ShockURL = defaults.KBase.ShockURL
	}
	if cfg.KBase.ServiceVer == "" {
		cfg.KBase.ServiceVer = defaults.KBase.ServiceVer
	}
	if cfg.KBase.MetagenomeServiceVer == "" {
		cfg.KBase.MetagenomeServiceVer = defaults.KBase.MetagenomeServiceVer
	}
	if cfg.Data.ScratchDir == "" {
		cfg.Data.ScratchDir = defaults.Data.ScratchDir
	}
	if cfg.Data.TrackingFile == "" {
		cfg.Data.TrackingFile = defaults.Data.TrackingFile
	}
	if cfg.Jobs.MaxConcurrent <= 0 {
		cfg.Jobs.MaxConcurrent = defaults.Jobs.MaxConcurrent
	}
	if cfg.Jobs.SQLitePath == "" {
		cfg.Jobs.SQLitePath = defaults.Jobs.SQLitePath
	}
	if cfg.Jobs.RetentionDays <= 0 {
		cfg.Jobs.RetentionDays = defaults.Jobs.RetentionDays
	}
	if cfg.Cache.HeatmapSizeMB == 0 {
		cfg.Cache.HeatmapSizeMB = defaults.Cache.HeatmapSizeMB
	}
	if cfg.Cache.HeatmapTTLMinutes == 0 {
		cfg.Cache.HeatmapTTLMinutes = defaults.Cache.HeatmapTTLMinutes
	}
	if cfg.Cache.ResultCacheSize == 0 {
		cfg.Cache.ResultCacheSize = defaults.Cache.ResultCacheSize
	}
	if cfg.Cache.TypeCacheSize == 0 {
		cfg.Cache.TypeCacheSize = defaults.Cache.TypeCacheSize
	}
	if cfg.Render.CellSize == 0 {
		cfg.Render.CellSize = defaults.Render.CellSize
	}
	if cfg.Render.DefaultColormap == "" {
		cfg.Render.DefaultColormap = defaults.Render.DefaultColormap
	}
	if cfg.Render.MaxRows == 0 {
		cfg.Render.MaxRows = defaults.Render.MaxRows
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvCallbackURL); v != "" {
		cfg.KBase.CallbackURL = v
	}
	if v := os.Getenv(EnvAuthToken); v != "" {
		cfg.KBase.Token = v
	}
	if v := os.Getenv(EnvWorkspaceURL); v != "" {
		cfg.KBase.WorkspaceURL = v
	}
}
