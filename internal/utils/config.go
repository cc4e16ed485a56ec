package utils

import (
	"os"

	"gopkg.in/yaml.v3"
)

// API metadata reported by the root endpoint.
const (
	ServiceName    = "SuperSlice API"
	ServiceVersion = "1.0.0"
)

// DefaultUserLimit is the per-user request limit applied when the user
// limiter is enabled without an explicit limit.
const DefaultUserLimit = 60

// PostgresConfig describes the connection to the API token database.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// Config holds all runtime settings for the service.
type Config struct {
	Server struct {
		Host    string `yaml:"host"`
		Port    string `yaml:"port"`
		Prefork bool   `yaml:"prefork"`
	} `yaml:"server"`

	Logger struct {
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
		Level      string `yaml:"level"`
	} `yaml:"logger"`

	Slicer struct {
		BinaryPath         string             `yaml:"binary_path"`
		UploadDir          string             `yaml:"upload_dir"`
		OutputDir          string             `yaml:"output_dir"`
		TimeoutSecs        int                `yaml:"timeout_secs"`
		FilamentDiameterMm float64            `yaml:"filament_diameter_mm"`
		FilamentDensities  map[string]float64 `yaml:"filament_densities"`
	} `yaml:"slicer"`

	Limits struct {
		MaxUploadBytes int `yaml:"max_upload_bytes"`
	} `yaml:"limits"`

	Cache struct {
		RedisHost         string `yaml:"redis_host"`
		SliceCacheDB      int    `yaml:"slice_cache_db"`
		RateLimitDB       int    `yaml:"rate_limit_db"`
		SliceCacheEnabled bool   `yaml:"slice_cache_enabled"`
		SliceCacheTTLSecs int    `yaml:"slice_cache_ttl_secs"`
	} `yaml:"cache"`

	RateLimiter struct {
		IntervalSecs      int  `yaml:"interval_secs"`
		UserLimit         int  `yaml:"user_limit"`
		EnableUserLimiter bool `yaml:"enable_user_limiter"`
	} `yaml:"rate_limiter"`

	Auth struct {
		Postgres PostgresConfig `yaml:"postgres"`
	} `yaml:"auth"`
}

// AppConfig is the process-wide configuration, set by LoadConfig/LoadFrom.
var AppConfig Config

// LoadConfig reads the configuration from CONFIG_PATH (or ./config.yaml when
// unset). A missing file is not fatal; defaults are used so the service can
// start in a bare container with only env overrides.
func LoadConfig() Config {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	return LoadFrom(path)
}

// LoadFrom reads and parses the YAML file at path, applies defaults for any
// unset values and stores the result in AppConfig.
func LoadFrom(path string) Config {
	var cfg Config
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			Error("Failed to parse config file", "path", path, "error", err)
		}
	} else if !os.IsNotExist(err) {
		Error("Failed to read config file", "path", path, "error", err)
	}

	applyDefaults(&cfg)
	AppConfig = cfg
	return cfg
}

// GetConfig returns the current process-wide configuration.
func GetConfig() Config {
	return AppConfig
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == "" {
		cfg.Server.Port = ":8000"
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.MaxSizeMB == 0 {
		cfg.Logger.MaxSizeMB = 50
	}
	if cfg.Logger.MaxBackups == 0 {
		cfg.Logger.MaxBackups = 3
	}
	if cfg.Logger.MaxAgeDays == 0 {
		cfg.Logger.MaxAgeDays = 14
	}
	if cfg.Slicer.BinaryPath == "" {
		cfg.Slicer.BinaryPath = "/slic3r/squashfs-root/usr/bin/prusa-slicer"
	}
	if cfg.Slicer.UploadDir == "" {
		cfg.Slicer.UploadDir = "uploads"
	}
	if cfg.Slicer.OutputDir == "" {
		cfg.Slicer.OutputDir = "output"
	}
	if cfg.Slicer.TimeoutSecs == 0 {
		cfg.Slicer.TimeoutSecs = 120
	}
	if cfg.Slicer.FilamentDiameterMm == 0 {
		cfg.Slicer.FilamentDiameterMm = 1.75
	}
	if cfg.Limits.MaxUploadBytes == 0 {
		cfg.Limits.MaxUploadBytes = 100 * 1024 * 1024
	}
	if cfg.Cache.RedisHost == "" {
		cfg.Cache.RedisHost = "localhost:6379"
	}
	if cfg.Cache.SliceCacheTTLSecs == 0 {
		cfg.Cache.SliceCacheTTLSecs = 24 * 60 * 60
	}
	if cfg.RateLimiter.IntervalSecs == 0 {
		cfg.RateLimiter.IntervalSecs = 60
	}
	// enable_user_limiter without a limit would otherwise install a
	// pass-through limiter.
	if cfg.RateLimiter.EnableUserLimiter && cfg.RateLimiter.UserLimit <= 0 {
		cfg.RateLimiter.UserLimit = DefaultUserLimit
		Warn("enable_user_limiter set without user_limit, applying default", "user_limit", DefaultUserLimit)
	}
}
