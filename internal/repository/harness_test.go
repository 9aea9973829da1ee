package repository

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/shiftsync/internal/kvstore"
	"github.com/MarcoPoloResearchLab/shiftsync/internal/syncer"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testUserID = "user-1"

type testClock struct {
	millis atomic.Int64
}

func newTestClock(start int64) *testClock {
	clock := &testClock{}
	clock.millis.Store(start)
	return clock
}

func (c *testClock) Now() time.Time {
	return time.UnixMilli(c.millis.Load())
}

func (c *testClock) Advance(delta time.Duration) {
	c.millis.Add(delta.Milliseconds())
}

type toggleConnectivity struct {
	online atomic.Bool
}

func (c *toggleConnectivity) IsOnline() bool {
	return c.online.Load()
}

// fakeRemote accepts every mutation except versioned updates that do not advance the
// stored version, which it answers with a conflict carrying the stored record.
type fakeRemote struct {
	mu      sync.Mutex
	records map[string]syncer.Payload
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{records: make(map[string]syncer.Payload)}
}

func remoteKey(entity syncer.Entity, id string) string {
	return entity.String() + "/" + id
}

func (f *fakeRemote) Transmit(_ context.Context, operation syncer.Operation) (syncer.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := remoteKey(operation.Entity, operation.EntityID())
	stored, exists := f.records[key]

	if operation.Type == syncer.OperationDelete {
		delete(f.records, key)
		return syncer.Payload{syncer.FieldID: operation.EntityID(), syncer.FieldDeleted: true}, nil
	}
	if exists && operation.Entity.Versioned() {
		incoming, _ := operation.Data.Int64(syncer.FieldVersion)
		current, _ := stored.Int64(syncer.FieldVersion)
		if incoming <= current && len(syncer.DiffFields(stored.Merge(operation.Data), stored)) > 0 {
			return nil, &syncer.ConflictError{Entity: operation.Entity, EntityID: operation.EntityID(), Remote: stored.Clone()}
		}
	}
	merged := stored.Merge(operation.Data)
	f.records[key] = merged
	return merged.Clone(), nil
}

func (f *fakeRemote) put(entity syncer.Entity, record syncer.Payload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[remoteKey(entity, record.ID())] = record.Clone()
}

func (f *fakeRemote) get(entity syncer.Entity, id string) syncer.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[remoteKey(entity, id)].Clone()
}

type harness struct {
	db           *gorm.DB
	clock        *testClock
	connectivity *toggleConnectivity
	remote       *fakeRemote
	manager      *syncer.Manager
	locations    *LocationRepository
	shifts       *ShiftRepository
	payments     *PaymentRepository
	users        *UserRepository
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "device.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	require.NoError(t, db.AutoMigrate(&Location{}, &Shift{}, &Payment{}, &User{}, &kvstore.Entry{}))
	return db
}

func newHarness(t *testing.T, connectivity syncer.Connectivity) *harness {
	t.Helper()
	db := openTestDatabase(t)
	clock := newTestClock(1_700_000_000_000)
	storage, err := kvstore.New(kvstore.Config{Database: db, Clock: clock.Now})
	require.NoError(t, err)

	toggle := &toggleConnectivity{}
	if connectivity == nil {
		connectivity = toggle
	}
	remote := newFakeRemote()
	manager, err := syncer.NewManager(context.Background(), syncer.ManagerConfig{
		Storage:        storage,
		Transmitter:    remote,
		Connectivity:   connectivity,
		Clock:          clock.Now,
		RequestTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(manager.Close)

	cfg := Config{Database: db, Coordinator: manager, Clock: clock.Now}
	locations, err := NewLocationRepository(cfg)
	require.NoError(t, err)
	shifts, err := NewShiftRepository(cfg)
	require.NoError(t, err)
	payments, err := NewPaymentRepository(cfg)
	require.NoError(t, err)
	users, err := NewUserRepository(cfg)
	require.NoError(t, err)
	for _, store := range []syncer.EntityStore{locations, shifts, payments, users} {
		manager.RegisterStore(store)
	}

	return &harness{
		db:           db,
		clock:        clock,
		connectivity: toggle,
		remote:       remote,
		manager:      manager,
		locations:    locations,
		shifts:       shifts,
		payments:     payments,
		users:        users,
	}
}

// syncOnline drains the queue once with the device online and leaves it offline again.
func (h *harness) syncOnline(t *testing.T) {
	t.Helper()
	h.connectivity.online.Store(true)
	h.manager.SyncNow(context.Background())
	h.connectivity.online.Store(false)
}
