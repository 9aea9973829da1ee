package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/shiftsync/internal/syncer"
)

var (
	// ErrInvalidLocationName indicates an empty location name.
	ErrInvalidLocationName = errors.New("repository: location name is required")
	// ErrInvalidColor indicates a color that is not #RRGGBB.
	ErrInvalidColor = errors.New("repository: color must be #RRGGBB")
)

// Location is a workplace a user takes shifts at.
type Location struct {
	ID      string `gorm:"column:id;primaryKey;size:190;not null"`
	UserID  string `gorm:"column:user_id;size:190;not null;index"`
	Name    string `gorm:"column:name;size:200;not null"`
	Address string `gorm:"column:address;size:500;not null;default:''"`
	Color   string `gorm:"column:color;size:7;not null;default:''"`
	SyncState
}

// TableName provides the explicit table binding for GORM.
func (Location) TableName() string {
	return "locations"
}

func (l *Location) primaryKey() string {
	return l.ID
}

func (l *Location) owner() string {
	return l.UserID
}

func (l *Location) payload() syncer.Payload {
	payload := syncer.Payload{
		syncer.FieldID:     l.ID,
		syncer.FieldUserID: l.UserID,
		"name":             l.Name,
		"address":          l.Address,
		"color":            l.Color,
	}
	l.SyncState.fill(payload)
	return payload
}

func (l *Location) absorb(remote syncer.Payload) error {
	l.ID = remote.ID()
	for key, target := range map[string]*string{
		syncer.FieldUserID: &l.UserID,
		"name":             &l.Name,
		"address":          &l.Address,
		"color":            &l.Color,
	} {
		if err := absorbString(remote, key, target); err != nil {
			return err
		}
	}
	l.absorbTimes(remote)
	return nil
}

// LocationInput carries the fields of a new location.
type LocationInput struct {
	UserID  string
	Name    string
	Address string
	Color   string
}

// LocationPatch carries the fields to change; nil fields are left alone.
type LocationPatch struct {
	Name    *string
	Address *string
	Color   *string
}

// LocationRepository stores locations.
type LocationRepository struct {
	*table[Location, *Location]
}

// NewLocationRepository constructs a LocationRepository.
func NewLocationRepository(cfg Config) (*LocationRepository, error) {
	base, err := newTable[Location, *Location](syncer.EntityLocation, "user_id", cfg)
	if err != nil {
		return nil, err
	}
	return &LocationRepository{table: base}, nil
}

// Create stores a new location and queues it.
func (r *LocationRepository) Create(ctx context.Context, input LocationInput) (Location, error) {
	userID, err := requireOwner(input.UserID)
	if err != nil {
		return Location{}, err
	}
	location := Location{
		UserID:  userID,
		Name:    strings.TrimSpace(input.Name),
		Address: strings.TrimSpace(input.Address),
		Color:   strings.TrimSpace(input.Color),
	}
	if err := validateLocation(location); err != nil {
		return Location{}, err
	}
	if location.ID, err = r.newID(); err != nil {
		return Location{}, err
	}
	return r.insert(ctx, &location)
}

// Update applies patch and queues the changed fields.
func (r *LocationRepository) Update(ctx context.Context, id string, patch LocationPatch) (Location, error) {
	return r.update(ctx, id, func(location *Location) (syncer.Payload, error) {
		changes := syncer.Payload{}
		if patch.Name != nil {
			if name := strings.TrimSpace(*patch.Name); name != location.Name {
				location.Name = name
				changes["name"] = name
			}
		}
		if patch.Address != nil {
			if address := strings.TrimSpace(*patch.Address); address != location.Address {
				location.Address = address
				changes["address"] = address
			}
		}
		if patch.Color != nil {
			if color := strings.TrimSpace(*patch.Color); color != location.Color {
				location.Color = color
				changes["color"] = color
			}
		}
		if err := validateLocation(*location); err != nil {
			return nil, err
		}
		return changes, nil
	})
}

func validateLocation(location Location) error {
	if location.Name == "" {
		return ErrInvalidLocationName
	}
	if location.Color != "" && !colorPattern.MatchString(location.Color) {
		return fmt.Errorf("%w: %q", ErrInvalidColor, location.Color)
	}
	return nil
}
