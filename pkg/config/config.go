// Package config loads the querycache service configuration from YAML with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/illmade-knight/go-querycache/pkg/query"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Persister kinds accepted by PersisterConfig.Kind.
const (
	PersisterNone      = "none"
	PersisterMemory    = "memory"
	PersisterLRU       = "lru"
	PersisterSQLite    = "sqlite"
	PersisterRedis     = "redis"
	PersisterFirestore = "firestore"
	PersisterGCS       = "gcs"
	PersisterTiered    = "tiered"
)

var persisterKinds = []string{
	PersisterNone, PersisterMemory, PersisterLRU, PersisterSQLite, PersisterRedis,
	PersisterFirestore, PersisterGCS, PersisterTiered,
}

// Duration is a time.Duration that also accepts "forever" in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "forever", "never", "infinite":
		*d = Duration(query.Forever)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	if time.Duration(d) == query.Forever {
		return "forever", nil
	}
	return time.Duration(d).String(), nil
}

// Config is the root of the service configuration.
type Config struct {
	LogLevel        string `yaml:"log_level"`
	HTTPPort        string `yaml:"http_port"`
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`

	Cache     CacheConfig     `yaml:"cache"`
	Persister PersisterConfig `yaml:"persister"`
	Events    EventsConfig    `yaml:"events"`
}

// CacheConfig holds the client defaults.
type CacheConfig struct {
	StaleTime        Duration `yaml:"stale_time"`
	GCTime           Duration `yaml:"gc_time"`
	RefetchInterval  Duration `yaml:"refetch_interval"`
	PersisterTimeout Duration `yaml:"persister_timeout"`
	Debug            bool     `yaml:"debug"`
}

// PersisterConfig selects and configures the persister backend.
type PersisterConfig struct {
	Kind      string                   `yaml:"kind"`
	LRU       LRUPersisterConfig       `yaml:"lru"`
	SQLite    SQLitePersisterConfig    `yaml:"sqlite"`
	Redis     RedisPersisterConfig     `yaml:"redis"`
	Firestore FirestorePersisterConfig `yaml:"firestore"`
	GCS       GCSPersisterConfig       `yaml:"gcs"`
	Tiered    TieredPersisterConfig    `yaml:"tiered"`
}

type LRUPersisterConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

type SQLitePersisterConfig struct {
	Path  string `yaml:"path"`
	Table string `yaml:"table"`
}

type RedisPersisterConfig struct {
	Addr      string   `yaml:"addr"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	KeyPrefix string   `yaml:"key_prefix"`
	TTL       Duration `yaml:"ttl"`
}

type FirestorePersisterConfig struct {
	Collection string `yaml:"collection"`
}

type GCSPersisterConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// TieredPersisterConfig names the kinds of the two tiers.
type TieredPersisterConfig struct {
	Fast             string   `yaml:"fast"`
	Durable          string   `yaml:"durable"`
	WriteBackTimeout Duration `yaml:"write_back_timeout"`
}

// EventsConfig configures the cache event sinks.
type EventsConfig struct {
	HistoryLimit int            `yaml:"history_limit"`
	Pubsub       PubsubConfig   `yaml:"pubsub"`
	BigQuery     BigQueryConfig `yaml:"bigquery"`
}

type PubsubConfig struct {
	Enabled bool   `yaml:"enabled"`
	TopicID string `yaml:"topic_id"`
}

type BigQueryConfig struct {
	Enabled       bool     `yaml:"enabled"`
	DatasetID     string   `yaml:"dataset_id"`
	TableID       string   `yaml:"table_id"`
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HTTPPort == "" {
		cfg.HTTPPort = ":8080"
	}
	if cfg.Cache.GCTime == 0 {
		cfg.Cache.GCTime = Duration(5 * time.Minute)
	}
	if cfg.Cache.PersisterTimeout == 0 {
		cfg.Cache.PersisterTimeout = Duration(10 * time.Second)
	}
	if cfg.Persister.Kind == "" {
		cfg.Persister.Kind = PersisterNone
	}
	if cfg.Persister.LRU.MaxEntries == 0 {
		cfg.Persister.LRU.MaxEntries = 1000
	}
	if cfg.Persister.SQLite.Path == "" {
		cfg.Persister.SQLite.Path = "querycache.db"
	}
	if cfg.Persister.Redis.Addr == "" {
		cfg.Persister.Redis.Addr = "localhost:6379"
	}
	if cfg.Persister.Firestore.Collection == "" {
		cfg.Persister.Firestore.Collection = "querycache"
	}
	if cfg.Persister.Tiered.Fast == "" {
		cfg.Persister.Tiered.Fast = PersisterMemory
	}
	if cfg.Persister.Tiered.Durable == "" {
		cfg.Persister.Tiered.Durable = PersisterSQLite
	}
	if cfg.Events.HistoryLimit == 0 {
		cfg.Events.HistoryLimit = 256
	}
	if cfg.Events.BigQuery.BatchSize == 0 {
		cfg.Events.BigQuery.BatchSize = 500
	}
	if cfg.Events.BigQuery.FlushInterval == 0 {
		cfg.Events.BigQuery.FlushInterval = Duration(10 * time.Second)
	}
}

func validKind(kind string) bool {
	for _, k := range persisterKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid log_level %q", c.LogLevel))
	}
	if !validKind(c.Persister.Kind) {
		errs = append(errs, fmt.Errorf("unknown persister kind %q (want one of %s)", c.Persister.Kind, strings.Join(persisterKinds, ", ")))
	}
	if c.Persister.Kind == PersisterTiered {
		for _, k := range []string{c.Persister.Tiered.Fast, c.Persister.Tiered.Durable} {
			if !validKind(k) || k == PersisterTiered || k == PersisterNone {
				errs = append(errs, fmt.Errorf("invalid tier kind %q", k))
			}
		}
	}
	if c.Persister.Kind == PersisterGCS && c.Persister.GCS.Bucket == "" {
		errs = append(errs, errors.New("persister.gcs.bucket is required"))
	}
	if c.Cache.StaleTime < 0 || c.Cache.GCTime < 0 || c.Cache.RefetchInterval < 0 {
		errs = append(errs, errors.New("cache durations must not be negative"))
	}
	if c.Events.Pubsub.Enabled && c.Events.Pubsub.TopicID == "" {
		errs = append(errs, errors.New("events.pubsub.topic_id is required when pubsub is enabled"))
	}
	if c.Events.BigQuery.Enabled && (c.Events.BigQuery.DatasetID == "" || c.Events.BigQuery.TableID == "") {
		errs = append(errs, errors.New("events.bigquery dataset_id and table_id are required when bigquery is enabled"))
	}
	if (c.Events.Pubsub.Enabled || c.Events.BigQuery.Enabled || c.Persister.Kind == PersisterFirestore) && c.ProjectID == "" {
		errs = append(errs, errors.New("project_id is required for Google Cloud backends"))
	}
	return errors.Join(errs...)
}

// QueryConfig converts the cache section into a query.Config.
func (c *Config) QueryConfig() *query.Config {
	qc := query.DefaultConfig()
	qc.Defaults.StaleTime = time.Duration(c.Cache.StaleTime)
	qc.Defaults.GCTime = time.Duration(c.Cache.GCTime)
	qc.Defaults.RefetchInterval = time.Duration(c.Cache.RefetchInterval)
	qc.PersisterTimeout = time.Duration(c.Cache.PersisterTimeout)
	qc.Debug = c.Cache.Debug
	return qc
}

// Level returns the configured zerolog level, defaulting to info.
func (c *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}
