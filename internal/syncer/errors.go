package syncer

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient marks a transmission failure worth retrying: network errors, timeouts,
	// server errors and unavailable tokens.
	ErrTransient = errors.New("syncer: transient transmission failure")
	// ErrRejected marks a transmission the remote refused for a reason other than a conflict.
	ErrRejected = errors.New("syncer: transmission rejected")

	errMissingStorage     = errors.New("durable storage is required")
	errMissingTransmitter = errors.New("transmitter is required")
	errMissingStore       = errors.New("no store registered for entity")
	errUnknownResolution  = errors.New("unknown resolution")
)

// ConflictError reports that the remote refused an operation because its copy of the
// record diverged. Remote carries the remote snapshot when the server supplied one.
type ConflictError struct {
	Entity   Entity
	EntityID string
	Remote   Payload
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("syncer: version conflict on %s %s", e.Entity, e.EntityID)
}

// IsConflict reports whether err carries a ConflictError.
func IsConflict(err error) bool {
	var conflictErr *ConflictError
	return errors.As(err, &conflictErr)
}

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
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
	opManagerNew      = "syncer.manager.new"
	opEnqueue         = "syncer.enqueue"
	opSyncNow         = "syncer.sync_now"
	opResolveConflict = "syncer.resolve_conflict"
	opRecordConflict  = "syncer.record_conflict"
	opApplyRemote     = "syncer.apply_remote"
	opPersist         = "syncer.persist"
	opRehydrate       = "syncer.rehydrate"
	opFailed          = "syncer.failed_operations"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
