package cache

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"safeaudio/pkg/db"
)

// Cacher defines the caching interface.
type Cacher interface {
	GetCache(ctx context.Context, key string) ([]byte, bool)
	SetCache(ctx context.Context, key string, val []byte) error
	DeleteCache(ctx context.Context, key string) error
}

// SQLiteCache implements Cacher using pkg/db.
type SQLiteCache struct {
	db *db.DB
}

// NewSQLiteCache creates a new cache.
func NewSQLiteCache(d *db.DB) *SQLiteCache {
	return &SQLiteCache{db: d}
}

// GetCache returns the stored payload. Read errors are reported as a miss.
func (c *SQLiteCache) GetCache(ctx context.Context, key string) ([]byte, bool) {
	var val []byte
	err := c.db.QueryRowContext(ctx, "SELECT value FROM audio_cache WHERE key = ?", key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false
	}
	if err != nil {
		slog.Warn("Cache: read failed, treating as miss", "key", key, "error", err)
		return nil, false
	}
	return val, true
}

func (c *SQLiteCache) SetCache(ctx context.Context, key string, val []byte) error {
	query := `INSERT OR REPLACE INTO audio_cache (key, value, size, created_at) VALUES (?, ?, ?, ?)`
	_, err := c.db.ExecContext(ctx, query, key, val, len(val), time.Now().UTC().Format("2006-01-02 15:04:05"))
	return err
}

func (c *SQLiteCache) DeleteCache(ctx context.Context, key string) error {
	_, err := c.db.ExecContext(ctx, "DELETE FROM audio_cache WHERE key = ?", key)
	return err
}
