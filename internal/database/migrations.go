package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/shiftsync/internal/records"
	"github.com/MarcoPoloResearchLab/shiftsync/internal/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillShiftVersions   = "2026-03-02_backfill_shift_versions"
	migrationNormalizePaymentStatus  = "2026-03-09_normalize_payment_status"
	migrationBackfillRecordRevisions = "2026-03-02_backfill_record_revisions"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

// applyMigrations runs each migration not yet recorded in db_migrations, in order.
func applyMigrations(db *gorm.DB, migrations []migrationDefinition, logger *zap.Logger) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		txErr := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if txErr != nil {
			return txErr
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// backfillShiftVersions gives shifts written before versioning a starting version.
func backfillShiftVersions(db *gorm.DB) error {
	return db.Model(&repository.Shift{}).
		Where("version <= 0").
		Update("version", 1).Error
}

func normalizePaymentStatus(db *gorm.DB) error {
	return db.Model(&repository.Payment{}).
		Where("status NOT IN ?", []repository.PaymentStatus{repository.PaymentPending, repository.PaymentPaid}).
		Update("status", repository.PaymentPending).Error
}

func backfillRecordRevisions(db *gorm.DB) error {
	return db.Model(&records.Record{}).
		Where("revision <= 0").
		Update("revision", 1).Error
}
