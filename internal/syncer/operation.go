package syncer

import (
	"errors"
	"fmt"
	"strings"
)

// OperationType enumerates the mutations carried by the queue.
type OperationType string

const (
	// OperationCreate inserts a new record remotely.
	OperationCreate OperationType = "create"
	// OperationUpdate applies changed fields to an existing record.
	OperationUpdate OperationType = "update"
	// OperationDelete removes a record.
	OperationDelete OperationType = "delete"
)

// Entity enumerates the synchronized record types.
type Entity string

const (
	EntityUser     Entity = "user"
	EntityLocation Entity = "location"
	EntityShift    Entity = "shift"
	EntityPayment  Entity = "payment"
)

var (
	// ErrInvalidOperationType indicates an unknown operation type.
	ErrInvalidOperationType = errors.New("syncer: invalid operation type")
	// ErrInvalidEntity indicates an unknown entity name.
	ErrInvalidEntity = errors.New("syncer: invalid entity")
	// ErrInvalidPayload indicates a payload without a record identifier.
	ErrInvalidPayload = errors.New("syncer: invalid payload")
)

// ParseOperationType validates raw input and returns an OperationType.
func ParseOperationType(rawInput string) (OperationType, error) {
	switch OperationType(strings.ToLower(strings.TrimSpace(rawInput))) {
	case OperationCreate:
		return OperationCreate, nil
	case OperationUpdate:
		return OperationUpdate, nil
	case OperationDelete:
		return OperationDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOperationType, rawInput)
	}
}

// ParseEntity validates raw input and returns an Entity.
func ParseEntity(rawInput string) (Entity, error) {
	switch Entity(strings.ToLower(strings.TrimSpace(rawInput))) {
	case EntityUser:
		return EntityUser, nil
	case EntityLocation:
		return EntityLocation, nil
	case EntityShift:
		return EntityShift, nil
	case EntityPayment:
		return EntityPayment, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntity, rawInput)
	}
}

// ParseCollection maps a REST collection name such as "shifts" to its Entity.
func ParseCollection(collection string) (Entity, error) {
	trimmed := strings.ToLower(strings.TrimSpace(collection))
	if !strings.HasSuffix(trimmed, "s") {
		return "", fmt.Errorf("%w: collection %q", ErrInvalidEntity, collection)
	}
	return ParseEntity(strings.TrimSuffix(trimmed, "s"))
}

// Versioned reports whether the entity carries an integer version used as the tie-breaker.
func (e Entity) Versioned() bool {
	return e == EntityShift
}

// Collection returns the plural resource name used by the remote API.
func (e Entity) Collection() string {
	return string(e) + "s"
}

// String returns the entity name.
func (e Entity) String() string {
	return string(e)
}

// Operation is one durable pending mutation.
type Operation struct {
	ID         string        `json:"id"`
	Type       OperationType `json:"type"`
	Entity     Entity        `json:"entity"`
	Data       Payload       `json:"data"`
	Timestamp  int64         `json:"timestamp"`
	RetryCount int           `json:"retryCount"`
}

// EntityID returns the identifier of the record the operation mutates.
func (o Operation) EntityID() string {
	return o.Data.ID()
}

func (o Operation) clone() Operation {
	copied := o
	copied.Data = o.Data.Clone()
	return copied
}

func validateOperation(opType OperationType, entity Entity, data Payload) error {
	if _, err := ParseOperationType(string(opType)); err != nil {
		return err
	}
	if _, err := ParseEntity(string(entity)); err != nil {
		return err
	}
	if strings.TrimSpace(data.ID()) == "" {
		return fmt.Errorf("%w: missing %s", ErrInvalidPayload, FieldID)
	}
	return nil
}
