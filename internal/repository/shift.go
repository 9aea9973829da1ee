package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/shiftsync/internal/syncer"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidShiftWindow indicates a shift that does not end after it starts.
	ErrInvalidShiftWindow = errors.New("repository: shift must end after it starts")
	// ErrInvalidShiftValue indicates a negative shift value.
	ErrInvalidShiftValue = errors.New("repository: shift value must not be negative")
)

// Shift is one worked or planned shift. Version increases with every local update.
type Shift struct {
	ID          string          `gorm:"column:id;primaryKey;size:190;not null"`
	UserID      string          `gorm:"column:user_id;size:190;not null;index"`
	LocationID  string          `gorm:"column:location_id;size:190;not null;default:'';index"`
	StartMillis int64           `gorm:"column:start_ms;not null"`
	EndMillis   int64           `gorm:"column:end_ms;not null"`
	Value       decimal.Decimal `gorm:"column:value;type:text;not null"`
	Notes       string          `gorm:"column:notes;type:text;not null;default:''"`
	Version     int64           `gorm:"column:version;not null;default:1"`
	SyncState
}

// TableName provides the explicit table binding for GORM.
func (Shift) TableName() string {
	return "shifts"
}

func (s *Shift) primaryKey() string {
	return s.ID
}

func (s *Shift) owner() string {
	return s.UserID
}

func (s *Shift) payload() syncer.Payload {
	payload := syncer.Payload{
		syncer.FieldID:      s.ID,
		syncer.FieldUserID:  s.UserID,
		"location_id":       s.LocationID,
		"start_time":        s.StartMillis,
		"end_time":          s.EndMillis,
		"value":             s.Value.String(),
		"notes":             s.Notes,
		syncer.FieldVersion: s.Version,
	}
	s.SyncState.fill(payload)
	return payload
}

func (s *Shift) absorb(remote syncer.Payload) error {
	s.ID = remote.ID()
	if err := absorbString(remote, syncer.FieldUserID, &s.UserID); err != nil {
		return err
	}
	if err := absorbString(remote, "location_id", &s.LocationID); err != nil {
		return err
	}
	if err := absorbString(remote, "notes", &s.Notes); err != nil {
		return err
	}
	if err := absorbInt64(remote, "start_time", &s.StartMillis); err != nil {
		return err
	}
	if err := absorbInt64(remote, "end_time", &s.EndMillis); err != nil {
		return err
	}
	if err := absorbInt64(remote, syncer.FieldVersion, &s.Version); err != nil {
		return err
	}
	if err := absorbDecimal(remote, "value", &s.Value); err != nil {
		return err
	}
	s.absorbTimes(remote)
	return nil
}

func (s *Shift) bumpVersion() int64 {
	s.Version++
	return s.Version
}

// outrank moves the version past the remote copy's.
func (s *Shift) outrank(remote syncer.Payload, now int64) {
	next := s.Version
	if remoteVersion, ok := remote.Int64(syncer.FieldVersion); ok && remoteVersion > next {
		next = remoteVersion
	}
	s.Version = next + 1
	s.SyncState.outrank(remote, now)
}

// ShiftInput carries the fields of a new shift.
type ShiftInput struct {
	UserID      string
	LocationID  string
	StartMillis int64
	EndMillis   int64
	Value       decimal.Decimal
	Notes       string
}

// ShiftPatch carries the fields to change; nil fields are left alone.
type ShiftPatch struct {
	LocationID  *string
	StartMillis *int64
	EndMillis   *int64
	Value       *decimal.Decimal
	Notes       *string
}

// ShiftRepository stores shifts.
type ShiftRepository struct {
	*table[Shift, *Shift]
}

// NewShiftRepository constructs a ShiftRepository.
func NewShiftRepository(cfg Config) (*ShiftRepository, error) {
	base, err := newTable[Shift, *Shift](syncer.EntityShift, "user_id", cfg)
	if err != nil {
		return nil, err
	}
	return &ShiftRepository{table: base}, nil
}

// Create stores a new shift at version 1 and queues it.
func (r *ShiftRepository) Create(ctx context.Context, input ShiftInput) (Shift, error) {
	userID, err := requireOwner(input.UserID)
	if err != nil {
		return Shift{}, err
	}
	shift := Shift{
		UserID:      userID,
		LocationID:  strings.TrimSpace(input.LocationID),
		StartMillis: input.StartMillis,
		EndMillis:   input.EndMillis,
		Value:       input.Value,
		Notes:       strings.TrimSpace(input.Notes),
		Version:     1,
	}
	if err := validateShift(shift); err != nil {
		return Shift{}, err
	}
	if shift.ID, err = r.newID(); err != nil {
		return Shift{}, err
	}
	return r.insert(ctx, &shift)
}

// Update applies patch, bumps the version and queues the changed fields.
func (r *ShiftRepository) Update(ctx context.Context, id string, patch ShiftPatch) (Shift, error) {
	return r.update(ctx, id, func(shift *Shift) (syncer.Payload, error) {
		changes := syncer.Payload{}
		if patch.LocationID != nil {
			if locationID := strings.TrimSpace(*patch.LocationID); locationID != shift.LocationID {
				shift.LocationID = locationID
				changes["location_id"] = locationID
			}
		}
		if patch.StartMillis != nil && *patch.StartMillis != shift.StartMillis {
			shift.StartMillis = *patch.StartMillis
			changes["start_time"] = shift.StartMillis
		}
		if patch.EndMillis != nil && *patch.EndMillis != shift.EndMillis {
			shift.EndMillis = *patch.EndMillis
			changes["end_time"] = shift.EndMillis
		}
		if patch.Value != nil && !patch.Value.Equal(shift.Value) {
			shift.Value = *patch.Value
			changes["value"] = shift.Value.String()
		}
		if patch.Notes != nil {
			if notes := strings.TrimSpace(*patch.Notes); notes != shift.Notes {
				shift.Notes = notes
				changes["notes"] = notes
			}
		}
		if err := validateShift(*shift); err != nil {
			return nil, err
		}
		return changes, nil
	})
}

func validateShift(shift Shift) error {
	if shift.EndMillis <= shift.StartMillis {
		return ErrInvalidShiftWindow
	}
	if shift.Value.IsNegative() {
		return ErrInvalidShiftValue
	}
	return nil
}
