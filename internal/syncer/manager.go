package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// MaxRetries is the number of failed attempts an operation survives; the next failure
// moves it to the failed list.
const MaxRetries = 5

const (
	defaultRequestTimeout = 30 * time.Second

	storageKeyQueue    = "sync.queue"
	storageKeyLastSync = "sync.last_synced_at"
	storageKeyStrategy = "sync.conflict_strategy"
	storageKeyFailed   = "sync.failed_operations"
	storageKeyConflict = "sync.conflicts"
)

var noOpLogger = zap.NewNop()

// Storage is the durable key-value store backing the queue and sync settings.
type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string) error
}

// Transmitter sends one operation to the remote server and returns the canonical record.
// Version mismatches are reported as *ConflictError.
type Transmitter interface {
	Transmit(ctx context.Context, operation Operation) (Payload, error)
}

// Connectivity reports current reachability of the remote server.
type Connectivity interface {
	IsOnline() bool
}

// EntityStore is the local write path of one entity, registered with the Manager so
// confirmations and conflict resolutions can reach the local database.
type EntityStore interface {
	Entity() Entity
	// Snapshot returns the full local record, or nil when it does not exist.
	Snapshot(ctx context.Context, id string) (Payload, error)
	// SyncFromRemote upserts a remote-sourced record and marks it synced.
	SyncFromRemote(ctx context.Context, remote Payload) error
	// Supersede writes base locally so that it outranks remote and returns the payload to enqueue.
	Supersede(ctx context.Context, base Payload, remote Payload) (Payload, error)
	// ApplyRemote reconciles a server-pushed record with the local copy.
	ApplyRemote(ctx context.Context, remote Payload) error
}

// ManagerConfig describes the collaborators of a Manager.
type ManagerConfig struct {
	Storage         Storage
	Transmitter     Transmitter
	Connectivity    Connectivity
	Clock           func() time.Time
	OperationIDs    IDProvider
	ConflictIDs     IDProvider
	Logger          *zap.Logger
	RequestTimeout  time.Duration
	DefaultStrategy Strategy
}

// Manager owns the persistent operation queue, drains it against the remote server and
// keeps the conflict and failed-operation sets.
type Manager struct {
	storage        Storage
	transmitter    Transmitter
	connectivity   Connectivity
	clock          func() time.Time
	operationIDs   IDProvider
	conflictIDs    IDProvider
	logger         *zap.Logger
	requestTimeout time.Duration

	queue     *operationQueue
	conflicts *conflictSet

	failedMu sync.Mutex
	failed   []Operation

	storesMu sync.RWMutex
	stores   map[Entity]EntityStore

	strategyMu sync.RWMutex
	strategy   Strategy

	persistMu sync.Mutex

	drainGate *semaphore.Weighted
	draining  atomic.Bool

	backgroundMu sync.Mutex
	background   sync.WaitGroup
	closed       bool

	lastSyncMillis    atomic.Int64
	conflictsDetected atomic.Int64
}

// NewManager constructs a Manager and rehydrates its state from storage.
func NewManager(ctx context.Context, cfg ManagerConfig) (*Manager, error) {
	if cfg.Storage == nil {
		return nil, newServiceError(opManagerNew, "missing_storage", errMissingStorage)
	}
	if cfg.Transmitter == nil {
		return nil, newServiceError(opManagerNew, "missing_transmitter", errMissingTransmitter)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	operationIDs := cfg.OperationIDs
	if operationIDs == nil {
		operationIDs = NewULIDProvider(clock)
	}
	conflictIDs := cfg.ConflictIDs
	if conflictIDs == nil {
		conflictIDs = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	strategy := cfg.DefaultStrategy
	if strategy == "" {
		strategy = StrategyRemoteWins
	}

	manager := &Manager{
		storage:        cfg.Storage,
		transmitter:    cfg.Transmitter,
		connectivity:   cfg.Connectivity,
		clock:          clock,
		operationIDs:   operationIDs,
		conflictIDs:    conflictIDs,
		logger:         logger,
		requestTimeout: requestTimeout,
		stores:         make(map[Entity]EntityStore),
		strategy:       strategy,
		drainGate:      semaphore.NewWeighted(1),
	}
	manager.rehydrate(ctx)
	return manager, nil
}

func (m *Manager) rehydrate(ctx context.Context) {
	var operations []Operation
	if raw, ok := m.load(ctx, storageKeyQueue); ok {
		decoded, err := decodeOperations(raw)
		if err != nil {
			m.logError(opRehydrate, "queue_corrupt", err)
		} else {
			operations = decoded
		}
	}
	m.queue = newOperationQueue(operations)

	var failed []Operation
	if raw, ok := m.load(ctx, storageKeyFailed); ok {
		decoded, err := decodeOperations(raw)
		if err != nil {
			m.logError(opRehydrate, "failed_operations_corrupt", err)
		} else {
			failed = decoded
		}
	}
	m.failed = failed

	var conflicts []ConflictRecord
	if raw, ok := m.load(ctx, storageKeyConflict); ok {
		if err := decodeJSON(raw, &conflicts); err != nil {
			m.logError(opRehydrate, "conflicts_corrupt", err)
			conflicts = nil
		}
	}
	m.conflicts = newConflictSet(conflicts)

	if raw, ok := m.load(ctx, storageKeyStrategy); ok {
		strategy, err := ParseStrategy(raw)
		if err != nil {
			m.logError(opRehydrate, "strategy_invalid", err)
		} else {
			m.strategy = strategy
		}
	}

	if raw, ok := m.load(ctx, storageKeyLastSync); ok {
		millis, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			m.logError(opRehydrate, "last_sync_invalid", err)
		} else {
			m.lastSyncMillis.Store(millis)
		}
	}
}

func (m *Manager) load(ctx context.Context, key string) (string, bool) {
	raw, ok, err := m.storage.Get(ctx, key)
	if err != nil {
		m.logError(opRehydrate, "storage_read_failed", err, zap.String("key", key))
		return "", false
	}
	if !ok || raw == "" {
		return "", false
	}
	return raw, true
}

// RegisterStore makes store the local write path for its entity.
func (m *Manager) RegisterStore(store EntityStore) {
	m.storesMu.Lock()
	defer m.storesMu.Unlock()
	m.stores[store.Entity()] = store
}

func (m *Manager) store(entity Entity) EntityStore {
	m.storesMu.RLock()
	defer m.storesMu.RUnlock()
	return m.stores[entity]
}

// Enqueue records a pending mutation, persists the queue and, when online and idle,
// starts a background drain. It returns the id of the queue entry carrying the mutation.
func (m *Manager) Enqueue(ctx context.Context, opType OperationType, entity Entity, data Payload) (string, error) {
	if err := validateOperation(opType, entity, data); err != nil {
		return "", newServiceError(opEnqueue, "invalid_operation", err)
	}
	operationID, err := m.operationIDs.NewID()
	if err != nil {
		m.logError(opEnqueue, "id_generation_failed", err)
		return "", newServiceError(opEnqueue, "id_generation_failed", err)
	}

	operation := Operation{
		ID:         operationID,
		Type:       opType,
		Entity:     entity,
		Data:       data.Clone(),
		Timestamp:  m.clock().UnixMilli(),
		RetryCount: 0,
	}
	carrierID, folded := m.queue.add(operation)
	if folded {
		m.logger.Debug("update folded into pending operation",
			zap.String("operation_id", carrierID),
			zap.String("entity", entity.String()),
			zap.String("entity_id", data.ID()))
	}
	m.persistQueue(ctx)
	m.triggerDrain(ctx)
	return carrierID, nil
}

// HasPending reports whether any operation is queued.
func (m *Manager) HasPending() bool {
	return m.queue.len() > 0
}

// PendingCount returns the number of queued operations.
func (m *Manager) PendingCount() int {
	return m.queue.len()
}

// PendingOperations returns a copy of the queue in FIFO order.
func (m *Manager) PendingOperations() []Operation {
	return m.queue.list()
}

// HasPendingFor reports whether an operation for the record is queued.
func (m *Manager) HasPendingFor(entity Entity, entityID string) bool {
	return m.queue.hasOtherFor(entity, entityID, "")
}

// IsDraining reports whether a drain pass is running.
func (m *Manager) IsDraining() bool {
	return m.draining.Load()
}

// LastSyncTime returns the time of the last drain that settled at least one operation.
func (m *Manager) LastSyncTime() (time.Time, bool) {
	millis := m.lastSyncMillis.Load()
	if millis == 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(millis), true
}

func (m *Manager) isOnline() bool {
	if m.connectivity == nil {
		return true
	}
	return m.connectivity.IsOnline()
}

func (m *Manager) triggerDrain(ctx context.Context) {
	if !m.isOnline() || m.draining.Load() {
		return
	}
	m.backgroundMu.Lock()
	defer m.backgroundMu.Unlock()
	if m.closed {
		return
	}
	m.background.Add(1)
	drainContext := context.WithoutCancel(ctx)
	go func() {
		defer m.background.Done()
		m.SyncNow(drainContext)
	}()
}

// Close stops scheduling background drains and waits for running ones.
func (m *Manager) Close() {
	m.backgroundMu.Lock()
	m.closed = true
	m.backgroundMu.Unlock()
	m.background.Wait()
}

// SyncNow drains a snapshot of the queue. It returns false without doing anything when a
// drain is already running, the device is offline or the queue is empty, and otherwise
// reports whether every operation in the snapshot was accepted.
func (m *Manager) SyncNow(ctx context.Context) bool {
	if !m.drainGate.TryAcquire(1) {
		return false
	}
	defer m.drainGate.Release(1)

	if !m.isOnline() {
		return false
	}

	m.draining.Store(true)
	defer m.draining.Store(false)

	batch := m.queue.beginDrain()
	defer m.queue.endDrain()
	if len(batch) == 0 {
		return false
	}

	settled := make(map[string]struct{}, len(batch))
	abandoned := make(map[string]struct{})
	succeeded := 0
	allSucceeded := true

	for _, operation := range batch {
		canonical, err := m.transmit(ctx, operation)
		var conflictErr *ConflictError
		switch {
		case err == nil:
			settled[operation.ID] = struct{}{}
			succeeded++
			m.confirm(ctx, operation, canonical)
		case errors.As(err, &conflictErr):
			allSucceeded = false
			settled[operation.ID] = struct{}{}
			m.raiseConflict(ctx, operation, conflictErr)
		default:
			allSucceeded = false
			retries := m.queue.incrementRetry(operation.ID)
			if retries > MaxRetries {
				abandoned[operation.ID] = struct{}{}
				m.logError(opSyncNow, "retries_exhausted", err,
					zap.String("operation_id", operation.ID),
					zap.String("entity", operation.Entity.String()),
					zap.String("entity_id", operation.EntityID()),
					zap.Int("retry_count", retries))
				continue
			}
			m.logger.Warn("operation transmission failed",
				zap.String("operation_id", operation.ID),
				zap.String("entity", operation.Entity.String()),
				zap.String("entity_id", operation.EntityID()),
				zap.Int("retry_count", retries),
				zap.Error(err))
		}
	}

	m.queue.remove(settled)
	failed := m.queue.remove(abandoned)
	if len(failed) > 0 {
		m.failedMu.Lock()
		m.failed = append(m.failed, failed...)
		m.failedMu.Unlock()
		m.persistFailed(ctx)
	}
	m.persistQueue(ctx)

	if succeeded > 0 || len(failed) > 0 {
		now := m.clock().UnixMilli()
		m.lastSyncMillis.Store(now)
		m.persistValue(ctx, storageKeyLastSync, strconv.FormatInt(now, 10))
	}

	m.logger.Info("drain finished",
		zap.Int("batch", len(batch)),
		zap.Int("succeeded", succeeded),
		zap.Int("abandoned", len(failed)),
		zap.Int("pending", m.queue.len()))
	return allSucceeded
}

func (m *Manager) transmit(ctx context.Context, operation Operation) (result Payload, err error) {
	callContext, cancel := context.WithTimeout(ctx, m.requestTimeout)
	defer cancel()
	defer func() {
		if recovered := recover(); recovered != nil {
			result = nil
			err = fmt.Errorf("%w: transmitter panic: %v", ErrTransient, recovered)
		}
	}()
	return m.transmitter.Transmit(callContext, operation)
}

// confirm marks the local row synced unless a later mutation of the same record is queued.
func (m *Manager) confirm(ctx context.Context, operation Operation, canonical Payload) {
	if operation.Type == OperationDelete {
		return
	}
	store := m.store(operation.Entity)
	if store == nil {
		return
	}
	if m.queue.hasOtherFor(operation.Entity, operation.EntityID(), operation.ID) {
		return
	}
	record := canonical
	if len(record) == 0 {
		record = operation.Data
	}
	if record.ID() == "" {
		record = record.Merge(Payload{FieldID: operation.EntityID()})
	}
	if err := store.SyncFromRemote(ctx, record); err != nil {
		m.logError(opSyncNow, "confirm_failed", err,
			zap.String("entity", operation.Entity.String()),
			zap.String("entity_id", operation.EntityID()))
	}
}

func (m *Manager) raiseConflict(ctx context.Context, operation Operation, conflictErr *ConflictError) {
	local := operation.Data
	if store := m.store(operation.Entity); store != nil {
		snapshot, err := store.Snapshot(ctx, operation.EntityID())
		if err != nil {
			m.logError(opSyncNow, "snapshot_failed", err,
				zap.String("entity", operation.Entity.String()),
				zap.String("entity_id", operation.EntityID()))
		} else if snapshot != nil {
			local = snapshot
		}
	}
	remote := conflictErr.Remote
	if remote == nil {
		remote = Payload{FieldID: operation.EntityID()}
	}

	record, err := m.RecordConflict(ctx, operation.Entity, local, remote)
	if err != nil {
		return
	}

	resolution := Decide(m.ConflictStrategy(), record.Entity, record.LocalData, record.RemoteData)
	if resolution == ResolutionNone {
		m.logger.Warn("conflict requires manual resolution",
			zap.String("conflict_id", record.ID),
			zap.String("entity", record.Entity.String()),
			zap.String("entity_id", record.EntityID))
		return
	}
	if _, err := m.ResolveConflict(ctx, record.ID, resolution, nil); err != nil {
		m.logError(opSyncNow, "auto_resolve_failed", err, zap.String("conflict_id", record.ID))
	}
}

// RecordConflict adds a divergence to the conflict set, replacing any earlier conflict
// for the same record.
func (m *Manager) RecordConflict(ctx context.Context, entity Entity, local, remote Payload) (ConflictRecord, error) {
	entityID := local.ID()
	if entityID == "" {
		entityID = remote.ID()
	}
	if entityID == "" {
		return ConflictRecord{}, newServiceError(opRecordConflict, "missing_entity_id", ErrInvalidPayload)
	}
	conflictID, err := m.conflictIDs.NewID()
	if err != nil {
		m.logError(opRecordConflict, "id_generation_failed", err)
		return ConflictRecord{}, newServiceError(opRecordConflict, "id_generation_failed", err)
	}

	record := ConflictRecord{
		ID:         conflictID,
		Entity:     entity,
		EntityID:   entityID,
		LocalData:  local.Clone(),
		RemoteData: remote.Clone(),
		Timestamp:  m.clock().UnixMilli(),
	}
	m.conflicts.put(record)
	m.conflictsDetected.Add(1)
	m.persistConflicts(ctx)

	m.logger.Info("conflict detected",
		zap.String("conflict_id", record.ID),
		zap.String("entity", entity.String()),
		zap.String("entity_id", entityID))
	return record, nil
}

// ResolveConflict settles a conflict. It returns false without side effects when the
// conflict is unknown or a merged resolution lacks merged data. A remote resolution also
// drops the queued local mutations of the record that are not already being transmitted.
func (m *Manager) ResolveConflict(ctx context.Context, conflictID string, resolution Resolution, merged Payload) (bool, error) {
	switch resolution {
	case ResolutionLocal, ResolutionRemote:
	case ResolutionMerged:
		if len(merged) == 0 {
			return false, nil
		}
	default:
		return false, newServiceError(opResolveConflict, "unknown_resolution", fmt.Errorf("%w: %q", errUnknownResolution, resolution))
	}

	record, ok := m.conflicts.take(conflictID)
	if !ok {
		return false, nil
	}

	store := m.store(record.Entity)
	if store == nil {
		m.conflicts.put(record)
		return false, newServiceError(opResolveConflict, "missing_store", fmt.Errorf("%w: %s", errMissingStore, record.Entity))
	}

	var err error
	switch resolution {
	case ResolutionRemote:
		err = store.SyncFromRemote(ctx, record.RemoteData)
	case ResolutionLocal:
		err = m.supersede(ctx, store, record, record.LocalData)
	case ResolutionMerged:
		candidate := merged.Clone()
		if candidate.ID() == "" {
			candidate[FieldID] = record.EntityID
		}
		err = m.supersede(ctx, store, record, candidate)
	}
	if err != nil {
		m.conflicts.put(record)
		m.logError(opResolveConflict, "apply_failed", err,
			zap.String("conflict_id", record.ID),
			zap.String("resolution", string(resolution)))
		return false, newServiceError(opResolveConflict, "apply_failed", err)
	}

	if resolution == ResolutionRemote {
		m.discardPendingFor(ctx, record.Entity, record.EntityID)
	}

	m.persistConflicts(ctx)
	m.logger.Info("conflict resolved",
		zap.String("conflict_id", record.ID),
		zap.String("entity", record.Entity.String()),
		zap.String("entity_id", record.EntityID),
		zap.String("resolution", string(resolution)))
	return true, nil
}

// discardPendingFor drops queued local mutations of a record the remote copy now owns.
func (m *Manager) discardPendingFor(ctx context.Context, entity Entity, entityID string) {
	dropped := m.queue.dropFor(entity, entityID)
	if len(dropped) == 0 {
		return
	}
	m.persistQueue(ctx)
	m.logger.Info("pending operations superseded by remote copy",
		zap.String("entity", entity.String()),
		zap.String("entity_id", entityID),
		zap.Int("dropped", len(dropped)))
}

func (m *Manager) supersede(ctx context.Context, store EntityStore, record ConflictRecord, base Payload) error {
	payload, err := store.Supersede(ctx, base, record.RemoteData)
	if err != nil {
		return err
	}
	_, err = m.Enqueue(ctx, OperationUpdate, record.Entity, payload)
	return err
}

// ApplyRemote hands a server-pushed record to the store registered for entity.
func (m *Manager) ApplyRemote(ctx context.Context, entity Entity, remote Payload) error {
	store := m.store(entity)
	if store == nil {
		return newServiceError(opApplyRemote, "missing_store", fmt.Errorf("%w: %s", errMissingStore, entity))
	}
	if remote.ID() == "" {
		return newServiceError(opApplyRemote, "invalid_payload", ErrInvalidPayload)
	}
	if err := store.ApplyRemote(ctx, remote); err != nil {
		m.logError(opApplyRemote, "store_failed", err,
			zap.String("entity", entity.String()),
			zap.String("entity_id", remote.ID()))
		return newServiceError(opApplyRemote, "store_failed", err)
	}
	return nil
}

// Conflicts returns the unresolved conflicts in detection order.
func (m *Manager) Conflicts() []ConflictRecord {
	return m.conflicts.list()
}

// Conflict returns one unresolved conflict.
func (m *Manager) Conflict(conflictID string) (ConflictRecord, bool) {
	return m.conflicts.get(conflictID)
}

// ConflictsDetected counts conflicts recorded since construction.
func (m *Manager) ConflictsDetected() int {
	return int(m.conflictsDetected.Load())
}

// ConflictStrategy returns the active strategy.
func (m *Manager) ConflictStrategy() Strategy {
	m.strategyMu.RLock()
	defer m.strategyMu.RUnlock()
	return m.strategy
}

// SetConflictStrategy changes and persists the active strategy.
func (m *Manager) SetConflictStrategy(ctx context.Context, strategy Strategy) error {
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return err
	}
	m.strategyMu.Lock()
	m.strategy = strategy
	m.strategyMu.Unlock()
	if err := m.storage.Set(ctx, storageKeyStrategy, string(strategy)); err != nil {
		m.logError(opPersist, "strategy_write_failed", err)
		return newServiceError(opPersist, "strategy_write_failed", err)
	}
	return nil
}

// FailedOperations returns operations abandoned after exhausting their retries.
func (m *Manager) FailedOperations() []Operation {
	m.failedMu.Lock()
	defer m.failedMu.Unlock()
	copies := make([]Operation, 0, len(m.failed))
	for _, operation := range m.failed {
		copies = append(copies, operation.clone())
	}
	return copies
}

// RetryFailed moves a failed operation back into the queue with a fresh retry budget.
func (m *Manager) RetryFailed(ctx context.Context, operationID string) bool {
	operation, ok := m.takeFailed(operationID)
	if !ok {
		return false
	}
	operation.RetryCount = 0
	m.queue.add(operation)
	m.persistFailed(ctx)
	m.persistQueue(ctx)
	m.logger.Info("failed operation requeued", zap.String("operation_id", operationID))
	m.triggerDrain(ctx)
	return true
}

// DiscardFailed drops a failed operation for good.
func (m *Manager) DiscardFailed(ctx context.Context, operationID string) bool {
	if _, ok := m.takeFailed(operationID); !ok {
		return false
	}
	m.persistFailed(ctx)
	m.logger.Info("failed operation discarded", zap.String("operation_id", operationID))
	return true
}

func (m *Manager) takeFailed(operationID string) (Operation, bool) {
	m.failedMu.Lock()
	defer m.failedMu.Unlock()
	for index, operation := range m.failed {
		if operation.ID == operationID {
			m.failed = append(m.failed[:index], m.failed[index+1:]...)
			return operation, true
		}
	}
	return Operation{}, false
}

func (m *Manager) persistQueue(ctx context.Context) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	encoded, err := m.queue.encode()
	if err != nil {
		m.logError(opPersist, "queue_encode_failed", err)
		return
	}
	if err := m.storage.Set(ctx, storageKeyQueue, string(encoded)); err != nil {
		m.logError(opPersist, "queue_write_failed", err)
	}
}

func (m *Manager) persistFailed(ctx context.Context) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	m.failedMu.Lock()
	encoded, err := json.Marshal(m.failed)
	m.failedMu.Unlock()
	if err != nil {
		m.logError(opFailed, "encode_failed", err)
		return
	}
	if err := m.storage.Set(ctx, storageKeyFailed, string(encoded)); err != nil {
		m.logError(opFailed, "write_failed", err)
	}
}

func (m *Manager) persistConflicts(ctx context.Context) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	encoded, err := m.conflicts.encode()
	if err != nil {
		m.logError(opPersist, "conflicts_encode_failed", err)
		return
	}
	if err := m.storage.Set(ctx, storageKeyConflict, string(encoded)); err != nil {
		m.logError(opPersist, "conflicts_write_failed", err)
	}
}

func (m *Manager) persistValue(ctx context.Context, key string, value string) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	if err := m.storage.Set(ctx, key, value); err != nil {
		m.logError(opPersist, "value_write_failed", err, zap.String("key", key))
	}
}

func (m *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	m.logger.Error("sync manager error", attrs...)
}
