package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type blobEntry struct {
	Key       string `gorm:"primaryKey;column:blob_key"`
	Value     []byte `gorm:"column:value"`
	UpdatedAt time.Time
}

func (blobEntry) TableName() string {
	return "blob_entries"
}

// SQLiteBlob stores each key as one row, for hosts where a single rewritten file is unwanted.
type SQLiteBlob struct {
	db *gorm.DB
}

func OpenSQLiteBlob(path string, logger *slog.Logger) (*SQLiteBlob, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}
	if err := db.AutoMigrate(&blobEntry{}); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}
	logger.Info("Opened sqlite blob store", "path", path)
	return &SQLiteBlob{db: db}, nil
}

func (b *SQLiteBlob) Get(key string) ([]byte, bool, error) {
	var e blobEntry
	if err := b.db.First(&e, "blob_key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	return e.Value, true, nil
}

func (b *SQLiteBlob) Set(key string, value []byte) error {
	e := blobEntry{Key: key, Value: value, UpdatedAt: time.Now()}
	err := b.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "blob_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&e).Error
	if err != nil {
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	return nil
}

func (b *SQLiteBlob) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying *sql.DB: %w", err)
	}
	return sqlDB.Close()
}
