package records

import (
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	require.NoError(t, err)
	return id
}

func mustRecordID(t *testing.T, value string) RecordID {
	t.Helper()
	id, err := NewRecordID(value)
	require.NoError(t, err)
	return id
}

type mutableClock struct {
	current time.Time
}

func (c *mutableClock) Now() time.Time {
	return c.current
}

func newTestService(t *testing.T, ids []string) (*Service, *gorm.DB, *mutableClock) {
	t.Helper()

	dsn := fmt.Sprintf("file:records_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&Record{}, &RecordChange{}))

	clock := &mutableClock{current: time.UnixMilli(1_700_000_600_000).UTC()}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &staticIDGenerator{ids: ids},
	})
	require.NoError(t, err)
	return service, db, clock
}
