package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/illmade-knight/go-querycache/pkg/query"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// SQLiteConfig holds configuration for the SQLite persister.
type SQLiteConfig struct {
	// Path is the database file; ":memory:" keeps it in process.
	Path  string
	Table string
}

// persistedRow is the table layout of one persisted query.
type persistedRow struct {
	Key       string    `gorm:"column:query_key;primaryKey"`
	Value     string    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
}

// SQLitePersister stores queries in a local SQLite database through gorm. It
// survives process restarts, which makes it the local-storage backend for a
// single instance.
type SQLitePersister struct {
	db     *gorm.DB
	table  string
	logger zerolog.Logger
}

// NewSQLitePersister opens (or creates) the database at cfg.Path and migrates
// the table.
func NewSQLitePersister(cfg *SQLiteConfig, logger zerolog.Logger) (*SQLitePersister, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", cfg.Path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sqlite connection pool: %w", err)
	}
	// SQLite allows a single writer, and ":memory:" databases are per connection.
	sqlDB.SetMaxOpenConns(1)

	p, err := NewSQLitePersisterFromDB(db, cfg.Table, logger)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	logger.Info().Str("path", cfg.Path).Str("table", p.table).Msg("SQLitePersister initialized.")
	return p, nil
}

// NewSQLitePersisterFromDB uses an existing gorm handle. The caller keeps
// ownership of the connection only if it does not call Close.
func NewSQLitePersisterFromDB(db *gorm.DB, table string, logger zerolog.Logger) (*SQLitePersister, error) {
	if db == nil {
		return nil, errors.New("gorm db cannot be nil")
	}
	if table == "" {
		table = "query_cache"
	}
	if err := db.Table(table).AutoMigrate(&persistedRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate table %s: %w", table, err)
	}
	return &SQLitePersister{
		db:     db,
		table:  table,
		logger: logger.With().Str("component", "SQLitePersister").Logger(),
	}, nil
}

func (p *SQLitePersister) rows(ctx context.Context) *gorm.DB {
	return p.db.WithContext(ctx).Table(p.table)
}

// Persist upserts the row for key.
func (p *SQLitePersister) Persist(ctx context.Context, key string, data query.PersistedData) error {
	row := persistedRow{Key: key, Value: data.Value, UpdatedAt: data.UpdatedAt}
	err := p.rows(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	if err != nil {
		p.logger.Error().Err(err).Str("key", key).Msg("Failed to persist row.")
		return fmt.Errorf("sqlite upsert for %s: %w", key, err)
	}
	p.logger.Debug().Str("key", key).Msg("Persisted row.")
	return nil
}

// Remove deletes the row for key. Missing rows are not an error.
func (p *SQLitePersister) Remove(ctx context.Context, key string) error {
	if err := p.rows(ctx).Where("query_key = ?", key).Delete(&persistedRow{}).Error; err != nil {
		return fmt.Errorf("sqlite delete for %s: %w", key, err)
	}
	return nil
}

// Retrieve loads the row for key.
func (p *SQLitePersister) Retrieve(ctx context.Context, key string) (query.PersistedData, bool, error) {
	var row persistedRow
	err := p.rows(ctx).Where("query_key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return query.PersistedData{}, false, nil
	}
	if err != nil {
		return query.PersistedData{}, false, fmt.Errorf("sqlite get for %s: %w", key, err)
	}
	return query.PersistedData{Value: row.Value, UpdatedAt: row.UpdatedAt}, true, nil
}

// Clear deletes every row of the table.
func (p *SQLitePersister) Clear(ctx context.Context) error {
	err := p.rows(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&persistedRow{}).Error
	if err != nil {
		return fmt.Errorf("sqlite clear of %s: %w", p.table, err)
	}
	p.logger.Info().Msg("Cleared persisted rows.")
	return nil
}

// Len returns the number of stored rows.
func (p *SQLitePersister) Len(ctx context.Context) (int, error) {
	var n int64
	if err := p.rows(ctx).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("sqlite count of %s: %w", p.table, err)
	}
	return int(n), nil
}

// Close closes the underlying database connection.
func (p *SQLitePersister) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	p.logger.Info().Msg("Closing SQLite database...")
	return sqlDB.Close()
}
