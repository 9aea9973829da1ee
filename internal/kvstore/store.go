// Package kvstore provides the durable key-value storage used for the sync queue and settings.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("kvstore: database handle is required")
	// ErrInvalidKey indicates an empty or oversized key.
	ErrInvalidKey = errors.New("kvstore: invalid key")
)

const maxKeyLength = 190

// Entry is one stored key-value pair.
type Entry struct {
	Key             string `gorm:"column:storage_key;primaryKey;size:190;not null"`
	Value           string `gorm:"column:storage_value;type:text;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "kv_entries"
}

// Config describes the dependencies of a Store.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Store is a gorm-backed key-value store.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

// New constructs a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, clock: clock}, nil
}

// Get returns the value stored under key and whether it exists.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if err := validateKey(key); err != nil {
		return "", false, err
	}
	var entry Entry
	err := s.db.WithContext(ctx).Where("storage_key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return entry.Value, true, nil
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(ctx context.Context, key string, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	entry := Entry{
		Key:             key,
		Value:           value,
		UpdatedAtMillis: s.clock().UnixMilli(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "storage_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"storage_value", "updated_at_ms"}),
	}).Create(&entry).Error
}

func validateKey(key string) error {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if len(trimmed) > maxKeyLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidKey, maxKeyLength)
	}
	return nil
}
