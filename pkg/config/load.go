package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// LoadWithOverrides loads path (or the defaults when path is empty), then
// applies QUERYCACHE_* environment overrides and validates the result.
func LoadWithOverrides(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("QUERYCACHE_CONFIG")
	}
	cfg := Default()
	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("QUERYCACHE_LOG_LEVEL"); val != "" {
		cfg.LogLevel = val
	}
	if val := os.Getenv("QUERYCACHE_HTTP_PORT"); val != "" {
		cfg.HTTPPort = val
	}
	if val := os.Getenv("QUERYCACHE_PROJECT_ID"); val != "" {
		cfg.ProjectID = val
	}
	if val := os.Getenv("QUERYCACHE_PERSISTER"); val != "" {
		cfg.Persister.Kind = val
	}
	if val := os.Getenv("QUERYCACHE_SQLITE_PATH"); val != "" {
		cfg.Persister.SQLite.Path = val
	}
	if val := os.Getenv("QUERYCACHE_REDIS_ADDR"); val != "" {
		cfg.Persister.Redis.Addr = val
	}
	if val := os.Getenv("QUERYCACHE_GCS_BUCKET"); val != "" {
		cfg.Persister.GCS.Bucket = val
	}
	durations := map[string]*Duration{
		"QUERYCACHE_STALE_TIME":       &cfg.Cache.StaleTime,
		"QUERYCACHE_GC_TIME":          &cfg.Cache.GCTime,
		"QUERYCACHE_REFETCH_INTERVAL": &cfg.Cache.RefetchInterval,
	}
	for name, target := range durations {
		val := os.Getenv(name)
		if val == "" {
			continue
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, val, err)
		}
		*target = Duration(d)
	}
	if val := os.Getenv("QUERYCACHE_DEBUG"); val != "" {
		debug, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid QUERYCACHE_DEBUG %q: %w", val, err)
		}
		cfg.Cache.Debug = debug
	}
	return nil
}
