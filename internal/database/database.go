package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gluk-w/geminigate/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := DB.AutoMigrate(&StateDocument{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// Docs exposes the database as a whole-document store. Both the key store
// and the usage recorder persist through this interface so tests can swap in
// an in-memory fake.
type Docs struct {
	db *gorm.DB
}

func NewDocs(db *gorm.DB) *Docs {
	return &Docs{db: db}
}

// Save overwrites the document stored under key.
func (d *Docs) Save(key string, value []byte) error {
	doc := StateDocument{Key: key, Value: value}
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "saved_at"}),
	}).Create(&doc).Error
}

// Load returns the document stored under key, or (nil, nil) when absent.
func (d *Docs) Load(key string) ([]byte, error) {
	var doc StateDocument
	if err := d.db.Where("key = ?", key).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return doc.Value, nil
}
