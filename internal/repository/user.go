package repository

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/MarcoPoloResearchLab/shiftsync/internal/syncer"
)

// ErrInvalidEmail indicates a missing or malformed email address.
var ErrInvalidEmail = errors.New("repository: invalid email")

// User is the profile of the person using the device. Its id doubles as the owner id of
// every other record.
type User struct {
	ID          string `gorm:"column:id;primaryKey;size:190;not null"`
	Email       string `gorm:"column:email;size:320;not null"`
	DisplayName string `gorm:"column:display_name;size:200;not null;default:''"`
	Profession  string `gorm:"column:profession;size:200;not null;default:''"`
	SyncState
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

func (u *User) primaryKey() string {
	return u.ID
}

func (u *User) owner() string {
	return u.ID
}

func (u *User) payload() syncer.Payload {
	payload := syncer.Payload{
		syncer.FieldID:     u.ID,
		syncer.FieldUserID: u.ID,
		"email":            u.Email,
		"display_name":     u.DisplayName,
		"profession":       u.Profession,
	}
	u.SyncState.fill(payload)
	return payload
}

func (u *User) absorb(remote syncer.Payload) error {
	u.ID = remote.ID()
	for key, target := range map[string]*string{
		"email":        &u.Email,
		"display_name": &u.DisplayName,
		"profession":   &u.Profession,
	} {
		if err := absorbString(remote, key, target); err != nil {
			return err
		}
	}
	u.absorbTimes(remote)
	return nil
}

// UserInput carries the fields of a new user. An empty ID is generated.
type UserInput struct {
	ID          string
	Email       string
	DisplayName string
	Profession  string
}

// UserPatch carries the fields to change; nil fields are left alone.
type UserPatch struct {
	Email       *string
	DisplayName *string
	Profession  *string
}

// UserRepository stores user profiles.
type UserRepository struct {
	*table[User, *User]
}

// NewUserRepository constructs a UserRepository.
func NewUserRepository(cfg Config) (*UserRepository, error) {
	base, err := newTable[User, *User](syncer.EntityUser, "id", cfg)
	if err != nil {
		return nil, err
	}
	return &UserRepository{table: base}, nil
}

// Create stores a new user and queues it.
func (r *UserRepository) Create(ctx context.Context, input UserInput) (User, error) {
	user := User{
		ID:          strings.TrimSpace(input.ID),
		Email:       strings.TrimSpace(input.Email),
		DisplayName: strings.TrimSpace(input.DisplayName),
		Profession:  strings.TrimSpace(input.Profession),
	}
	if err := validateUser(user); err != nil {
		return User{}, err
	}
	if user.ID == "" {
		id, err := r.newID()
		if err != nil {
			return User{}, err
		}
		user.ID = id
	}
	return r.insert(ctx, &user)
}

// Update applies patch and queues the changed fields.
func (r *UserRepository) Update(ctx context.Context, id string, patch UserPatch) (User, error) {
	return r.update(ctx, id, func(user *User) (syncer.Payload, error) {
		changes := syncer.Payload{}
		if patch.Email != nil {
			if email := strings.TrimSpace(*patch.Email); email != user.Email {
				user.Email = email
				changes["email"] = email
			}
		}
		if patch.DisplayName != nil {
			if name := strings.TrimSpace(*patch.DisplayName); name != user.DisplayName {
				user.DisplayName = name
				changes["display_name"] = name
			}
		}
		if patch.Profession != nil {
			if profession := strings.TrimSpace(*patch.Profession); profession != user.Profession {
				user.Profession = profession
				changes["profession"] = profession
			}
		}
		if err := validateUser(*user); err != nil {
			return nil, err
		}
		return changes, nil
	})
}

func validateUser(user User) error {
	if user.Email == "" {
		return fmt.Errorf("%w: empty", ErrInvalidEmail)
	}
	if _, err := mail.ParseAddress(user.Email); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidEmail, user.Email)
	}
	return nil
}
