// Package repository holds the device-side entity tables. Every local mutation is written
// first and then handed to the sync coordinator as a queued operation.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/shiftsync/internal/syncer"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound indicates the record does not exist locally.
	ErrNotFound = errors.New("repository: record not found")
	// ErrInvalidID indicates an empty record or owner identifier.
	ErrInvalidID = errors.New("repository: invalid identifier")
	// ErrInvalidField indicates a payload field with an unusable value.
	ErrInvalidField = errors.New("repository: invalid field")

	errMissingDatabase    = errors.New("database handle is required")
	errMissingCoordinator = errors.New("sync coordinator is required")
	noOpLogger            = zap.NewNop()
)

// Coordinator is the part of the sync manager repositories talk to.
type Coordinator interface {
	Enqueue(ctx context.Context, opType syncer.OperationType, entity syncer.Entity, data syncer.Payload) (string, error)
	RecordConflict(ctx context.Context, entity syncer.Entity, local, remote syncer.Payload) (syncer.ConflictRecord, error)
	ConflictStrategy() syncer.Strategy
	HasPendingFor(entity syncer.Entity, entityID string) bool
}

// Config describes the dependencies shared by every repository.
type Config struct {
	Database    *gorm.DB
	Coordinator Coordinator
	Clock       func() time.Time
	IDProvider  syncer.IDProvider
	Logger      *zap.Logger
}

// SyncState is the bookkeeping every local row carries next to its domain fields.
type SyncState struct {
	CreatedAtMillis  int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis  int64  `gorm:"column:updated_at_ms;not null"`
	IsSynced         bool   `gorm:"column:is_synced;not null;default:false;index"`
	LastSyncedMillis *int64 `gorm:"column:last_synced_ms"`
}

func (s *SyncState) state() *SyncState {
	return s
}

// outrank stamps an updated_at later than both now and the remote copy.
func (s *SyncState) outrank(remote syncer.Payload, now int64) {
	updatedAt := now
	if remoteUpdatedAt, ok := remote.Int64(syncer.FieldUpdatedAt); ok && remoteUpdatedAt >= updatedAt {
		updatedAt = remoteUpdatedAt + 1
	}
	s.UpdatedAtMillis = updatedAt
	s.IsSynced = false
}

func (s SyncState) fill(payload syncer.Payload) {
	payload[syncer.FieldCreatedAt] = s.CreatedAtMillis
	payload[syncer.FieldUpdatedAt] = s.UpdatedAtMillis
	payload[syncer.FieldIsSynced] = s.IsSynced
	if s.LastSyncedMillis != nil {
		payload[syncer.FieldLastSynced] = *s.LastSyncedMillis
	} else {
		payload[syncer.FieldLastSynced] = nil
	}
}

func (s *SyncState) absorbTimes(remote syncer.Payload) {
	if createdAt, ok := remote.Int64(syncer.FieldCreatedAt); ok && createdAt > 0 {
		s.CreatedAtMillis = createdAt
	}
	if updatedAt, ok := remote.Int64(syncer.FieldUpdatedAt); ok && updatedAt > 0 {
		s.UpdatedAtMillis = updatedAt
	}
}

// recordModel is satisfied by pointers to the gorm models of this package.
type recordModel[M any] interface {
	*M
	primaryKey() string
	owner() string
	payload() syncer.Payload
	// absorb overlays the fields present in remote onto the model.
	absorb(remote syncer.Payload) error
	state() *SyncState
	outrank(remote syncer.Payload, now int64)
}

// versionedModel is implemented by models whose version increments with every local update.
type versionedModel interface {
	bumpVersion() int64
}

// table implements the entity-independent half of a repository.
type table[M any, P recordModel[M]] struct {
	mu          sync.Mutex
	entity      syncer.Entity
	ownerColumn string
	db          *gorm.DB
	coordinator Coordinator
	clock       func() time.Time
	idProvider  syncer.IDProvider
	logger      *zap.Logger
}

func newTable[M any, P recordModel[M]](entity syncer.Entity, ownerColumn string, cfg Config) (*table[M, P], error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Coordinator == nil {
		return nil, errMissingCoordinator
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = syncer.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &table[M, P]{
		entity:      entity,
		ownerColumn: ownerColumn,
		db:          cfg.Database,
		coordinator: cfg.Coordinator,
		clock:       clock,
		idProvider:  idProvider,
		logger:      logger,
	}, nil
}

// Entity names the synchronized entity stored in the table.
func (t *table[M, P]) Entity() syncer.Entity {
	return t.entity
}

func (t *table[M, P]) now() int64 {
	return t.clock().UnixMilli()
}

func (t *table[M, P]) newID() (string, error) {
	id, err := t.idProvider.NewID()
	if err != nil {
		t.logError("id_generation_failed", err)
		return "", err
	}
	return id, nil
}

// Get returns one record.
func (t *table[M, P]) Get(ctx context.Context, id string) (M, error) {
	var record M
	found, err := t.find(ctx, t.db, id)
	if err != nil {
		return record, err
	}
	if found == nil {
		return record, fmt.Errorf("%w: %s %s", ErrNotFound, t.entity, id)
	}
	return *found, nil
}

// List returns the records owned by userID, oldest first.
func (t *table[M, P]) List(ctx context.Context, userID string) ([]M, error) {
	var records []M
	err := t.db.WithContext(ctx).
		Where(t.ownerColumn+" = ?", userID).
		Order("created_at_ms ASC, id ASC").
		Find(&records).Error
	if err != nil {
		t.logError("list_failed", err, zap.String("user_id", userID))
		return nil, err
	}
	return records, nil
}

// ListUnsynced returns the records with local changes the remote has not confirmed.
func (t *table[M, P]) ListUnsynced(ctx context.Context) ([]M, error) {
	var records []M
	err := t.db.WithContext(ctx).
		Where("is_synced = ?", false).
		Order("updated_at_ms ASC, id ASC").
		Find(&records).Error
	if err != nil {
		t.logError("list_unsynced_failed", err)
		return nil, err
	}
	return records, nil
}

// Snapshot returns the full local payload of a record, or nil when it does not exist.
func (t *table[M, P]) Snapshot(ctx context.Context, id string) (syncer.Payload, error) {
	found, err := t.find(ctx, t.db, id)
	if err != nil || found == nil {
		return nil, err
	}
	return P(found).payload(), nil
}

// SyncFromRemote upserts a remote-sourced record and marks it synced. A payload flagged
// as deleted removes the local row.
func (t *table[M, P]) SyncFromRemote(ctx context.Context, remote syncer.Payload) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.syncFromRemoteLocked(ctx, remote)
}

func (t *table[M, P]) syncFromRemoteLocked(ctx context.Context, remote syncer.Payload) error {
	id := remote.ID()
	if id == "" {
		return fmt.Errorf("%w: remote %s without id", ErrInvalidID, t.entity)
	}
	if deleted, _ := remote.Bool(syncer.FieldDeleted); deleted {
		if err := t.db.WithContext(ctx).Where("id = ?", id).Delete(new(M)).Error; err != nil {
			t.logError("remote_delete_failed", err, zap.String("entity_id", id))
			return err
		}
		return nil
	}

	record, err := t.find(ctx, t.db, id)
	if err != nil {
		return err
	}
	if record == nil {
		record = new(M)
	}
	model := P(record)
	if err := model.absorb(remote); err != nil {
		return err
	}
	now := t.now()
	state := model.state()
	if state.CreatedAtMillis == 0 {
		state.CreatedAtMillis = now
	}
	if state.UpdatedAtMillis == 0 {
		state.UpdatedAtMillis = now
	}
	state.IsSynced = true
	state.LastSyncedMillis = &now

	if err := t.upsert(ctx, t.db, model); err != nil {
		t.logError("remote_upsert_failed", err, zap.String("entity_id", id))
		return err
	}
	return nil
}

// ResolveConflict settles a divergence between the local and a remote copy: the remote
// copy is written when it wins, a winning local copy is queued again unless it is
// already queued or confirmed, and an undecided pair is recorded as a conflict.
func (t *table[M, P]) ResolveConflict(ctx context.Context, local, remote syncer.Payload) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resolveLocked(ctx, local, remote)
}

func (t *table[M, P]) resolveLocked(ctx context.Context, local, remote syncer.Payload) error {
	entityID := remote.ID()
	if entityID == "" {
		entityID = local.ID()
	}
	pending := t.coordinator.HasPendingFor(t.entity, entityID)

	switch syncer.Decide(t.coordinator.ConflictStrategy(), t.entity, local, remote) {
	case syncer.ResolutionRemote:
		if pending && len(syncer.DiffFields(local, remote)) == 0 {
			return nil
		}
		return t.syncFromRemoteLocked(ctx, remote)
	case syncer.ResolutionLocal:
		if pending {
			return nil
		}
		if synced, _ := local.Bool(syncer.FieldIsSynced); synced {
			return nil
		}
		return t.enqueue(ctx, syncer.OperationUpdate, replayPayload(local))
	default:
		_, err := t.coordinator.RecordConflict(ctx, t.entity, local, remote)
		return err
	}
}

// ApplyRemote reconciles a server-pushed record with the local copy.
func (t *table[M, P]) ApplyRemote(ctx context.Context, remote syncer.Payload) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, err := t.find(ctx, t.db, remote.ID())
	if err != nil {
		return err
	}
	deleted, _ := remote.Bool(syncer.FieldDeleted)
	if existing == nil {
		if deleted {
			return nil
		}
		return t.syncFromRemoteLocked(ctx, remote)
	}

	local := P(existing).payload()
	if deleted {
		if t.coordinator.HasPendingFor(t.entity, remote.ID()) {
			_, err := t.coordinator.RecordConflict(ctx, t.entity, local, remote)
			return err
		}
		return t.syncFromRemoteLocked(ctx, remote)
	}
	return t.resolveLocked(ctx, local, remote)
}

// Supersede writes base locally so that it outranks remote and returns the payload to
// send back to the server.
func (t *table[M, P]) Supersede(ctx context.Context, base syncer.Payload, remote syncer.Payload) (syncer.Payload, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	record, err := t.find(ctx, t.db, base.ID())
	if err != nil {
		return nil, err
	}
	if record == nil {
		record = new(M)
	}
	model := P(record)
	if err := model.absorb(base); err != nil {
		return nil, err
	}
	model.outrank(remote, t.now())
	if model.state().CreatedAtMillis == 0 {
		model.state().CreatedAtMillis = model.state().UpdatedAtMillis
	}
	if err := t.upsert(ctx, t.db, model); err != nil {
		t.logError("supersede_failed", err, zap.String("entity_id", base.ID()))
		return nil, err
	}
	return replayPayload(model.payload()), nil
}

// Delete removes a record locally and queues its deletion.
func (t *table[M, P]) Delete(ctx context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, err := t.find(ctx, t.db, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("%w: %s %s", ErrNotFound, t.entity, id)
	}
	if err := t.db.WithContext(ctx).Where("id = ?", id).Delete(new(M)).Error; err != nil {
		t.logError("delete_failed", err, zap.String("entity_id", id))
		return err
	}
	return t.enqueue(ctx, syncer.OperationDelete, syncer.Payload{
		syncer.FieldID:     id,
		syncer.FieldUserID: P(existing).owner(),
	})
}

// insert stores a new record and queues its full payload.
func (t *table[M, P]) insert(ctx context.Context, model P) (M, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	state := model.state()
	state.CreatedAtMillis = now
	state.UpdatedAtMillis = now
	state.IsSynced = false
	state.LastSyncedMillis = nil

	if err := t.db.WithContext(ctx).Create(model).Error; err != nil {
		t.logError("insert_failed", err, zap.String("entity_id", model.primaryKey()))
		return *model, err
	}
	if err := t.enqueue(ctx, syncer.OperationCreate, replayPayload(model.payload())); err != nil {
		return *model, err
	}
	return *model, nil
}

// update applies mutate to the locked row inside one transaction. mutate returns the
// changed fields; an empty result leaves the row and the queue untouched.
func (t *table[M, P]) update(ctx context.Context, id string, mutate func(model P) (syncer.Payload, error)) (M, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result M
	var changes syncer.Payload
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := new(M)
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s %s", ErrNotFound, t.entity, id)
		}
		if err != nil {
			return err
		}
		model := P(record)
		changes, err = mutate(model)
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			result = *record
			return nil
		}

		state := model.state()
		state.UpdatedAtMillis = t.now()
		state.IsSynced = false
		if versioned, ok := any(model).(versionedModel); ok {
			changes[syncer.FieldVersion] = versioned.bumpVersion()
		}
		changes[syncer.FieldID] = model.primaryKey()
		changes[syncer.FieldUserID] = model.owner()
		changes[syncer.FieldUpdatedAt] = state.UpdatedAtMillis

		if err := tx.Save(model).Error; err != nil {
			return err
		}
		result = *record
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			t.logError("update_failed", err, zap.String("entity_id", id))
		}
		return result, err
	}
	if len(changes) == 0 {
		return result, nil
	}
	return result, t.enqueue(ctx, syncer.OperationUpdate, changes)
}

func (t *table[M, P]) find(ctx context.Context, db *gorm.DB, id string) (*M, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty %s id", ErrInvalidID, t.entity)
	}
	record := new(M)
	err := db.WithContext(ctx).Where("id = ?", id).Take(record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		t.logError("select_failed", err, zap.String("entity_id", id))
		return nil, err
	}
	return record, nil
}

func (t *table[M, P]) upsert(ctx context.Context, db *gorm.DB, model P) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(model).Error
}

func (t *table[M, P]) enqueue(ctx context.Context, opType syncer.OperationType, payload syncer.Payload) error {
	if _, err := t.coordinator.Enqueue(ctx, opType, t.entity, payload); err != nil {
		t.logError("enqueue_failed", err,
			zap.String("operation_type", string(opType)),
			zap.String("entity_id", payload.ID()))
		return err
	}
	return nil
}

func (t *table[M, P]) logError(reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("entity", t.entity.String()),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	t.logger.Error("repository error", attrs...)
}

// replayPayload strips device-only bookkeeping from a payload before it is queued.
func replayPayload(payload syncer.Payload) syncer.Payload {
	replay := payload.Clone()
	delete(replay, syncer.FieldIsSynced)
	delete(replay, syncer.FieldLastSynced)
	return replay
}
