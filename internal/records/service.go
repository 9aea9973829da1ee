package records

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/shiftsync/internal/syncer"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew  = "records.service.new"
	opApplyChange = "records.apply_change"
	opGetRecord   = "records.get_record"
	opListRecords = "records.list_records"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider syncer.IDProvider
	Logger     *zap.Logger
}

// Service owns the canonical copy of every synchronized record.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider syncer.IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// ApplyChange applies one client mutation under a row lock and audits accepted changes.
// Deleting a record the store never held reports ErrNotFound.
func (s *Service) ApplyChange(ctx context.Context, change Change) (Outcome, error) {
	if _, err := syncer.ParseEntity(string(change.Entity)); err != nil {
		return Outcome{}, newServiceError(opApplyChange, "invalid_entity", err)
	}
	if _, err := syncer.ParseOperationType(string(change.Operation)); err != nil {
		return Outcome{}, newServiceError(opApplyChange, "invalid_operation", err)
	}

	fields := []zap.Field{
		zap.String("user_id", change.UserID.String()),
		zap.String("entity", change.Entity.String()),
		zap.String("record_id", change.RecordID.String()),
	}

	var outcome Outcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Record
		exists := true
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND entity = ? AND record_id = ?", change.UserID.String(), change.Entity.String(), change.RecordID.String()).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			exists = false
		} else if err != nil {
			s.logError(opApplyChange, "record_select_failed", err, fields...)
			return newServiceError(opApplyChange, "record_select_failed", err)
		}

		var stored syncer.Payload
		if exists {
			stored, err = decodePayload(existing.PayloadJSON)
			if err != nil {
				s.logError(opApplyChange, "payload_decode_failed", err, fields...)
				return newServiceError(opApplyChange, "payload_decode_failed", err)
			}
		}

		if !exists && change.Operation == syncer.OperationDelete {
			return ErrNotFound
		}

		appliedAt := s.clock().UnixMilli()
		accepted, next := resolveChange(stored, exists, change, appliedAt)
		if !accepted {
			outcome = Outcome{Accepted: false, Record: stored, Revision: existing.Revision}
			return nil
		}
		if exists && existing.IsDeleted && change.Operation == syncer.OperationDelete {
			outcome = Outcome{Accepted: true, Record: stored, Revision: existing.Revision}
			return nil
		}

		encoded, err := json.Marshal(next)
		if err != nil {
			s.logError(opApplyChange, "payload_encode_failed", err, fields...)
			return newServiceError(opApplyChange, "payload_encode_failed", err)
		}

		updated := existing
		var previousRevision *int64
		if exists {
			revision := existing.Revision
			previousRevision = &revision
			updated.Revision = existing.Revision + 1
		} else {
			updated = Record{
				UserID:          change.UserID.String(),
				Entity:          change.Entity.String(),
				RecordID:        change.RecordID.String(),
				Revision:        1,
				CreatedAtMillis: appliedAt,
			}
		}
		updated.PayloadJSON = string(encoded)
		updated.IsDeleted = change.Operation == syncer.OperationDelete
		if updatedAt, ok := next.Int64(syncer.FieldUpdatedAt); ok {
			updated.UpdatedAtMillis = updatedAt
		} else {
			updated.UpdatedAtMillis = appliedAt
		}

		if err := tx.Save(&updated).Error; err != nil {
			s.logError(opApplyChange, "record_save_failed", err, fields...)
			return newServiceError(opApplyChange, "record_save_failed", err)
		}

		changeID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opApplyChange, "id_generation_failed", err, fields...)
			return newServiceError(opApplyChange, "id_generation_failed", err)
		}
		audit := RecordChange{
			ChangeID:         changeID,
			UserID:           change.UserID.String(),
			Entity:           change.Entity.String(),
			RecordID:         change.RecordID.String(),
			AppliedAtMillis:  appliedAt,
			Operation:        change.Operation,
			PayloadJSON:      string(encoded),
			PreviousRevision: previousRevision,
			NewRevision:      updated.Revision,
		}
		if err := tx.Create(&audit).Error; err != nil {
			s.logError(opApplyChange, "audit_insert_failed", err, fields...)
			return newServiceError(opApplyChange, "audit_insert_failed", err)
		}

		outcome = Outcome{Accepted: true, Record: next, Revision: updated.Revision}
		return nil
	})
	if txErr != nil {
		return Outcome{}, txErr
	}
	return outcome, nil
}

// Get returns the live canonical payload of one record.
func (s *Service) Get(ctx context.Context, userID UserID, entity syncer.Entity, recordID RecordID) (syncer.Payload, error) {
	var record Record
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND entity = ? AND record_id = ? AND is_deleted = ?", userID.String(), entity.String(), recordID.String(), false).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		s.logError(opGetRecord, "query_failed", err, zap.String("user_id", userID.String()))
		return nil, newServiceError(opGetRecord, "query_failed", err)
	}
	payload, err := decodePayload(record.PayloadJSON)
	if err != nil {
		s.logError(opGetRecord, "payload_decode_failed", err, zap.String("record_id", recordID.String()))
		return nil, newServiceError(opGetRecord, "payload_decode_failed", err)
	}
	return payload, nil
}

// List returns the records of one entity changed after sinceMillis, oldest change first.
// Tombstones are included only when sinceMillis is positive.
func (s *Service) List(ctx context.Context, userID UserID, entity syncer.Entity, sinceMillis int64) ([]syncer.Payload, error) {
	query := s.db.WithContext(ctx).
		Where("user_id = ? AND entity = ?", userID.String(), entity.String())
	if sinceMillis > 0 {
		query = query.Where("updated_at_ms > ?", sinceMillis)
	} else {
		query = query.Where("is_deleted = ?", false)
	}

	var stored []Record
	if err := query.Order("updated_at_ms ASC").Find(&stored).Error; err != nil {
		s.logError(opListRecords, "query_failed", err, zap.String("user_id", userID.String()))
		return nil, newServiceError(opListRecords, "query_failed", err)
	}

	payloads := make([]syncer.Payload, 0, len(stored))
	for _, record := range stored {
		payload, err := decodePayload(record.PayloadJSON)
		if err != nil {
			s.logError(opListRecords, "payload_decode_failed", err, zap.String("record_id", record.RecordID))
			continue
		}
		payloads = append(payloads, payload)
	}
	return payloads, nil
}

func decodePayload(raw string) (syncer.Payload, error) {
	decoder := json.NewDecoder(bytes.NewReader([]byte(raw)))
	decoder.UseNumber()
	var payload syncer.Payload
	if err := decoder.Decode(&payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("records service error", attrs...)
}
