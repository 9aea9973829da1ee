// Package records is the canonical record store behind the remote API.
package records

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/shiftsync/internal/syncer"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidRecordID indicates that a record identifier is empty or exceeds storage bounds.
	ErrInvalidRecordID = errors.New("records: invalid record id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("records: invalid user id")
	// ErrNotFound indicates that no live record exists.
	ErrNotFound = errors.New("records: record not found")
)

// RecordID represents a validated record identifier.
type RecordID string

// NewRecordID validates raw input and returns a RecordID.
func NewRecordID(rawInput string) (RecordID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRecordID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRecordID, maxIdentifierLength)
	}
	return RecordID(trimmed), nil
}

// String returns the underlying identifier.
func (id RecordID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying identifier.
func (id UserID) String() string {
	return string(id)
}

// Record is the stored canonical copy of one entity instance.
type Record struct {
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_records_user_entity,priority:1"`
	Entity          string `gorm:"column:entity;primaryKey;size:32;not null;index:idx_records_user_entity,priority:2"`
	RecordID        string `gorm:"column:record_id;primaryKey;size:190;not null"`
	PayloadJSON     string `gorm:"column:payload_json;type:text;not null"`
	Revision        int64  `gorm:"column:revision;not null;default:1"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null;index:idx_records_user_entity,priority:3"`
	IsDeleted       bool   `gorm:"column:is_deleted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "remote_records"
}

// RecordChange is the append-only audit trail of accepted changes.
type RecordChange struct {
	ChangeID         string               `gorm:"column:change_id;primaryKey;size:190;not null"`
	UserID           string               `gorm:"column:user_id;size:190;not null;index:idx_record_changes_user_time,priority:1"`
	Entity           string               `gorm:"column:entity;size:32;not null"`
	RecordID         string               `gorm:"column:record_id;size:190;not null"`
	AppliedAtMillis  int64                `gorm:"column:applied_at_ms;not null;index:idx_record_changes_user_time,priority:2"`
	Operation        syncer.OperationType `gorm:"column:op;size:16;not null"`
	PayloadJSON      string               `gorm:"column:payload_json;type:text;not null"`
	PreviousRevision *int64               `gorm:"column:prev_revision"`
	NewRevision      int64                `gorm:"column:new_revision;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RecordChange) TableName() string {
	return "record_changes"
}

// Change is one mutation submitted by a client.
type Change struct {
	UserID    UserID
	Entity    syncer.Entity
	RecordID  RecordID
	Operation syncer.OperationType
	Payload   syncer.Payload
}

// Outcome reports whether a change was accepted. Record is the canonical payload after
// the change, or the stored payload the change conflicted with.
type Outcome struct {
	Accepted bool
	Record   syncer.Payload
	Revision int64
}
