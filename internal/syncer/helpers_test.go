package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memoryStorage struct {
	mu       sync.Mutex
	values   map[string]string
	failSets bool
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{values: make(map[string]string)}
}

func (s *memoryStorage) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	return value, ok, nil
}

func (s *memoryStorage) Set(_ context.Context, key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSets {
		return errors.New("disk full")
	}
	s.values[key] = value
	return nil
}

type transmitterFunc func(ctx context.Context, operation Operation) (Payload, error)

func (f transmitterFunc) Transmit(ctx context.Context, operation Operation) (Payload, error) {
	return f(ctx, operation)
}

type switchableConnectivity struct {
	online atomic.Bool
}

func newConnectivity(online bool) *switchableConnectivity {
	connectivity := &switchableConnectivity{}
	connectivity.online.Store(online)
	return connectivity
}

func (c *switchableConnectivity) IsOnline() bool {
	return c.online.Load()
}

type memoryEntityStore struct {
	mu               sync.Mutex
	entity           Entity
	rows             map[string]Payload
	syncedFromRemote int
	superseded       int
}

func newMemoryEntityStore(entity Entity) *memoryEntityStore {
	return &memoryEntityStore{entity: entity, rows: make(map[string]Payload)}
}

func (s *memoryEntityStore) Entity() Entity {
	return s.entity
}

func (s *memoryEntityStore) Snapshot(_ context.Context, id string) (Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	return row.Clone(), nil
}

func (s *memoryEntityStore) SyncFromRemote(_ context.Context, remote Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.rows[remote.ID()]
	s.rows[remote.ID()] = existing.Merge(remote).Merge(Payload{FieldIsSynced: true})
	s.syncedFromRemote++
	return nil
}

func (s *memoryEntityStore) Supersede(_ context.Context, base Payload, remote Payload) (Payload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	remoteUpdated, _ := remote.Int64(FieldUpdatedAt)
	payload := base.Merge(Payload{FieldUpdatedAt: remoteUpdated + 1, FieldIsSynced: false})
	s.rows[payload.ID()] = payload
	s.superseded++
	return payload.Clone(), nil
}

func (s *memoryEntityStore) ApplyRemote(ctx context.Context, remote Payload) error {
	return s.SyncFromRemote(ctx, remote)
}

func (s *memoryEntityStore) row(id string) Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[id].Clone()
}

func (s *memoryEntityStore) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncedFromRemote, s.superseded
}

type sequenceIDs struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (g *sequenceIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next), nil
}

func fixedClock() func() time.Time {
	return func() time.Time {
		return time.UnixMilli(1_700_000_000_000)
	}
}

func newTestManager(t *testing.T, storage Storage, transmitter Transmitter, connectivity Connectivity) *Manager {
	t.Helper()
	manager, err := NewManager(context.Background(), ManagerConfig{
		Storage:        storage,
		Transmitter:    transmitter,
		Connectivity:   connectivity,
		Clock:          fixedClock(),
		ConflictIDs:    &sequenceIDs{prefix: "conflict"},
		RequestTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(manager.Close)
	return manager
}

func succeedingTransmitter(calls *atomic.Int64) Transmitter {
	return transmitterFunc(func(_ context.Context, operation Operation) (Payload, error) {
		if calls != nil {
			calls.Add(1)
		}
		return operation.Data.Clone(), nil
	})
}
