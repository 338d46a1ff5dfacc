// Package analytics keeps a queryable history of quotes in a local SQLite database.
package analytics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Store persists quote records.
type Store struct {
	db *gorm.DB
}

// Open opens or creates the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows a single writer; every connection to :memory: is a new database.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&QuoteRecord{}, &CandidateRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

// SaveQuote inserts rec and its outcomes.
func (s *Store) SaveQuote(ctx context.Context, rec *QuoteRecord) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("save quote: %w", err)
	}
	return nil
}

// RecentQuotes returns up to limit records, newest first. An empty pair matches all
// pairs.
func (s *Store) RecentQuotes(ctx context.Context, pair string, limit int) ([]QuoteRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Preload("Outcomes").Order("id DESC").Limit(limit)
	if pair != "" {
		q = q.Where("pair = ?", pair)
	}

	var records []QuoteRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("recent quotes: %w", err)
	}
	return records, nil
}

// PoolStats counts best-quote wins per pool since the given time, most wins first.
func (s *Store) PoolStats(ctx context.Context, since time.Time) ([]PoolStat, error) {
	var stats []PoolStat
	err := s.db.WithContext(ctx).Model(&QuoteRecord{}).
		Select("pool, COUNT(*) AS wins").
		Where("pool <> '' AND created_at >= ?", since).
		Group("pool").
		Order("wins DESC, pool").
		Scan(&stats).Error
	if err != nil {
		return nil, fmt.Errorf("pool stats: %w", err)
	}
	return stats, nil
}

// Prune deletes records created before cutoff and returns how many quotes it removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		old := tx.Model(&QuoteRecord{}).Select("id").Where("created_at < ?", cutoff)
		if err := tx.Where("quote_id IN (?)", old).Delete(&CandidateRecord{}).Error; err != nil {
			return err
		}
		res := tx.Where("created_at < ?", cutoff).Delete(&QuoteRecord{})
		removed = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	return removed, nil
}

// Close closes the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
