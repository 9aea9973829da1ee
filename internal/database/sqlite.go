// Package database opens the embedded SQLite databases used by the device agent and the
// reference server.
package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/shiftsync/internal/kvstore"
	"github.com/MarcoPoloResearchLab/shiftsync/internal/records"
	"github.com/MarcoPoloResearchLab/shiftsync/internal/repository"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Schema names the models and ordered migrations of one database role.
type Schema struct {
	name       string
	models     []any
	migrations []migrationDefinition
}

// Name returns the schema label used in logs.
func (s Schema) Name() string {
	return s.name
}

// DeviceSchema covers the local entity tables and the sync key-value store.
func DeviceSchema() Schema {
	return Schema{
		name: "device",
		models: []any{
			&repository.User{},
			&repository.Location{},
			&repository.Shift{},
			&repository.Payment{},
			&kvstore.Entry{},
		},
		migrations: []migrationDefinition{
			{name: migrationBackfillShiftVersions, apply: backfillShiftVersions},
			{name: migrationNormalizePaymentStatus, apply: normalizePaymentStatus},
		},
	}
}

// ServerSchema covers the canonical record store and its change audit.
func ServerSchema() Schema {
	return Schema{
		name: "server",
		models: []any{
			&records.Record{},
			&records.RecordChange{},
		},
		migrations: []migrationDefinition{
			{name: migrationBackfillRecordRevisions, apply: backfillRecordRevisions},
		},
	}
}

// OpenSQLite establishes a SQLite connection and brings schema up to date.
func OpenSQLite(path string, schema Schema, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	models := append([]any{&migrationRecord{}}, schema.models...)
	if err := db.AutoMigrate(models...); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if err := applyMigrations(db, schema.migrations, logger); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	logger.Info("database initialized", zap.String("path", path), zap.String("schema", schema.name))
	return db, nil
}

// Close releases the connection pool behind db.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
