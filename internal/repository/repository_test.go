package repository

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/shiftsync/internal/connectivity"
	"github.com/MarcoPoloResearchLab/shiftsync/internal/syncer"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type channelProvider struct {
	online  atomic.Bool
	updates chan bool
}

func (p *channelProvider) Check(context.Context) bool {
	return p.online.Load()
}

func (p *channelProvider) Subscribe(context.Context) <-chan bool {
	return p.updates
}

func stringPointer(value string) *string {
	return &value
}

func TestOfflineLocationCreateSyncsWhenConnectivityReturns(t *testing.T) {
	provider := &channelProvider{updates: make(chan bool)}
	monitor, err := connectivity.NewMonitor(connectivity.MonitorConfig{Provider: provider})
	require.NoError(t, err)
	h := newHarness(t, monitor)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- monitor.Run(ctx, h.manager)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	location, err := h.locations.Create(context.Background(), LocationInput{UserID: testUserID, Name: "Hospital A", Color: "#0077B6"})
	require.NoError(t, err)
	require.Equal(t, 1, h.manager.PendingCount())
	stored, err := h.locations.Get(context.Background(), location.ID)
	require.NoError(t, err)
	require.False(t, stored.IsSynced)
	require.Nil(t, stored.LastSyncedMillis)

	provider.updates <- true

	require.Eventually(t, func() bool {
		return h.manager.PendingCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
	stored, err = h.locations.Get(context.Background(), location.ID)
	require.NoError(t, err)
	require.True(t, stored.IsSynced)
	require.NotNil(t, stored.LastSyncedMillis)
	require.Equal(t, "Hospital A", h.remote.get(syncer.EntityLocation, location.ID)["name"])
	_, synced := h.manager.LastSyncTime()
	require.True(t, synced)
}

func TestShiftConflictResolvedWithRemoteCopy(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	shift, err := h.shifts.Create(ctx, ShiftInput{
		UserID:      testUserID,
		LocationID:  "loc-1",
		StartMillis: 1_700_000_000_000,
		EndMillis:   1_700_028_800_000,
		Value:       decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	h.syncOnline(t)
	require.Equal(t, 0, h.manager.PendingCount())

	h.clock.Advance(time.Minute)
	value := decimal.NewFromInt(200)
	updated, err := h.shifts.Update(ctx, shift.ID, ShiftPatch{Value: &value})
	require.NoError(t, err)
	require.EqualValues(t, 2, updated.Version)
	require.False(t, updated.IsSynced)

	other := h.remote.get(syncer.EntityShift, shift.ID).Merge(syncer.Payload{
		"value":               "250",
		syncer.FieldVersion:   int64(2),
		syncer.FieldUpdatedAt: h.clock.Now().Add(time.Minute).UnixMilli(),
	})
	h.remote.put(syncer.EntityShift, other)

	h.syncOnline(t)

	require.Equal(t, 0, h.manager.PendingCount())
	require.Empty(t, h.manager.FailedOperations())
	conflicts := h.manager.Conflicts()
	require.Len(t, conflicts, 1)
	require.Equal(t, "200", conflicts[0].LocalData["value"])
	require.Equal(t, "250", conflicts[0].RemoteData["value"])

	resolved, err := h.manager.ResolveConflict(ctx, conflicts[0].ID, syncer.ResolutionRemote, nil)
	require.NoError(t, err)
	require.True(t, resolved)

	stored, err := h.shifts.Get(ctx, shift.ID)
	require.NoError(t, err)
	require.True(t, stored.Value.Equal(decimal.NewFromInt(250)))
	require.EqualValues(t, 2, stored.Version)
	require.True(t, stored.IsSynced)
	require.Equal(t, 0, h.manager.PendingCount())
}

func TestShiftResolveConflictPrefersHigherRemoteVersion(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	shift, err := h.shifts.Create(ctx, ShiftInput{UserID: testUserID, StartMillis: 1, EndMillis: 2, Value: decimal.NewFromInt(10)})
	require.NoError(t, err)
	for _, amount := range []int64{11, 12} {
		value := decimal.NewFromInt(amount)
		_, err := h.shifts.Update(ctx, shift.ID, ShiftPatch{Value: &value})
		require.NoError(t, err)
	}
	local, err := h.shifts.Snapshot(ctx, shift.ID)
	require.NoError(t, err)
	version, _ := local.Int64(syncer.FieldVersion)
	require.EqualValues(t, 3, version)

	remote := local.Merge(syncer.Payload{"value": "99", syncer.FieldVersion: float64(5)})
	require.NoError(t, h.shifts.ResolveConflict(ctx, local, remote))

	stored, err := h.shifts.Get(ctx, shift.ID)
	require.NoError(t, err)
	require.EqualValues(t, 5, stored.Version)
	require.True(t, stored.Value.Equal(decimal.NewFromInt(99)))
	require.True(t, stored.IsSynced)
	require.Empty(t, h.manager.Conflicts())
}

func TestLocationNewerLocalCopyWinsWithoutNewQueueEntry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	remoteTime := h.clock.Now().UnixMilli()
	h.clock.Advance(10 * time.Millisecond)
	location, err := h.locations.Create(ctx, LocationInput{UserID: testUserID, Name: "Clinic", Color: "#112233"})
	require.NoError(t, err)
	require.Equal(t, 1, h.manager.PendingCount())

	local, err := h.locations.Snapshot(ctx, location.ID)
	require.NoError(t, err)
	remote := local.Merge(syncer.Payload{"name": "Old Clinic", syncer.FieldUpdatedAt: remoteTime})
	require.NoError(t, h.locations.ResolveConflict(ctx, local, remote))

	require.Equal(t, 1, h.manager.PendingCount())
	stored, err := h.locations.Get(ctx, location.ID)
	require.NoError(t, err)
	require.Equal(t, "Clinic", stored.Name)
	require.Empty(t, h.manager.Conflicts())

	h.syncOnline(t)
	local, err = h.locations.Snapshot(ctx, location.ID)
	require.NoError(t, err)
	require.NoError(t, h.locations.ResolveConflict(ctx, local, remote))
	require.Equal(t, 0, h.manager.PendingCount())
}

func TestLocationResolveConflictRecordsUndecidedDivergence(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.manager.SetConflictStrategy(ctx, syncer.StrategyManual))
	location, err := h.locations.Create(ctx, LocationInput{UserID: testUserID, Name: "Ward 3"})
	require.NoError(t, err)
	local, err := h.locations.Snapshot(ctx, location.ID)
	require.NoError(t, err)

	require.NoError(t, h.locations.ResolveConflict(ctx, local, local.Merge(syncer.Payload{"name": "Ward 4"})))

	conflicts := h.manager.Conflicts()
	require.Len(t, conflicts, 1)
	require.Equal(t, location.ID, conflicts[0].EntityID)
	require.Equal(t, syncer.EntityLocation, conflicts[0].Entity)
}

func TestUpdateQueuesOnlyChangedFields(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	location, err := h.locations.Create(ctx, LocationInput{UserID: testUserID, Name: "A", Address: "Main St", Color: "#000000"})
	require.NoError(t, err)
	h.syncOnline(t)
	h.clock.Advance(time.Second)

	_, err = h.locations.Update(ctx, location.ID, LocationPatch{Name: stringPointer("B"), Address: stringPointer("Main St")})
	require.NoError(t, err)

	pending := h.manager.PendingOperations()
	require.Len(t, pending, 1)
	require.Equal(t, syncer.OperationUpdate, pending[0].Type)
	require.Equal(t, syncer.Payload{
		syncer.FieldID:        location.ID,
		syncer.FieldUserID:    testUserID,
		syncer.FieldUpdatedAt: h.clock.Now().UnixMilli(),
		"name":                "B",
	}, pending[0].Data)
}

func TestShiftUpdateCarriesVersion(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	shift, err := h.shifts.Create(ctx, ShiftInput{UserID: testUserID, StartMillis: 10, EndMillis: 20, Value: decimal.NewFromInt(1)})
	require.NoError(t, err)
	h.syncOnline(t)

	_, err = h.shifts.Update(ctx, shift.ID, ShiftPatch{Notes: stringPointer("night")})
	require.NoError(t, err)

	pending := h.manager.PendingOperations()
	require.Len(t, pending, 1)
	version, ok := pending[0].Data.Int64(syncer.FieldVersion)
	require.True(t, ok)
	require.EqualValues(t, 2, version)
	require.Equal(t, "night", pending[0].Data["notes"])
}

func TestUpdateWithoutChangesIsNoOp(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	shift, err := h.shifts.Create(ctx, ShiftInput{UserID: testUserID, StartMillis: 10, EndMillis: 20, Value: decimal.NewFromInt(5)})
	require.NoError(t, err)
	h.syncOnline(t)

	same := decimal.RequireFromString("5.00")
	unchanged, err := h.shifts.Update(ctx, shift.ID, ShiftPatch{Value: &same})
	require.NoError(t, err)

	require.EqualValues(t, 1, unchanged.Version)
	require.True(t, unchanged.IsSynced)
	require.Equal(t, 0, h.manager.PendingCount())
}

func TestValidationFailuresWriteAndQueueNothing(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.locations.Create(ctx, LocationInput{UserID: testUserID, Name: " "})
	require.ErrorIs(t, err, ErrInvalidLocationName)
	_, err = h.locations.Create(ctx, LocationInput{UserID: testUserID, Name: "A", Color: "blue"})
	require.ErrorIs(t, err, ErrInvalidColor)
	_, err = h.shifts.Create(ctx, ShiftInput{UserID: testUserID, StartMillis: 20, EndMillis: 10})
	require.ErrorIs(t, err, ErrInvalidShiftWindow)
	_, err = h.shifts.Create(ctx, ShiftInput{UserID: testUserID, StartMillis: 10, EndMillis: 20, Value: decimal.NewFromInt(-1)})
	require.ErrorIs(t, err, ErrInvalidShiftValue)
	_, err = h.payments.Create(ctx, PaymentInput{UserID: testUserID, Amount: decimal.Zero})
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = h.payments.Create(ctx, PaymentInput{UserID: testUserID, Amount: decimal.NewFromInt(1), Status: "lost"})
	require.ErrorIs(t, err, ErrInvalidPaymentStatus)
	_, err = h.users.Create(ctx, UserInput{Email: "not-an-email"})
	require.ErrorIs(t, err, ErrInvalidEmail)
	_, err = h.locations.Create(ctx, LocationInput{Name: "A"})
	require.ErrorIs(t, err, ErrInvalidID)

	location, err := h.locations.Create(ctx, LocationInput{UserID: testUserID, Name: "A"})
	require.NoError(t, err)
	_, err = h.locations.Update(ctx, location.ID, LocationPatch{Name: stringPointer("")})
	require.ErrorIs(t, err, ErrInvalidLocationName)
	stored, err := h.locations.Get(ctx, location.ID)
	require.NoError(t, err)
	require.Equal(t, "A", stored.Name)

	require.Equal(t, 1, h.manager.PendingCount())
	unsynced, err := h.locations.ListUnsynced(ctx)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
}

func TestDeleteQueuesIdentityOnly(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	payment, err := h.payments.Create(ctx, PaymentInput{UserID: testUserID, Amount: decimal.RequireFromString("120.50"), Notes: "March"})
	require.NoError(t, err)
	h.syncOnline(t)

	require.NoError(t, h.payments.Delete(ctx, payment.ID))

	_, err = h.payments.Get(ctx, payment.ID)
	require.ErrorIs(t, err, ErrNotFound)
	pending := h.manager.PendingOperations()
	require.Len(t, pending, 1)
	require.Equal(t, syncer.OperationDelete, pending[0].Type)
	require.Equal(t, syncer.Payload{syncer.FieldID: payment.ID, syncer.FieldUserID: testUserID}, pending[0].Data)
	require.ErrorIs(t, h.payments.Delete(ctx, payment.ID), ErrNotFound)

	h.syncOnline(t)
	require.Nil(t, h.remote.get(syncer.EntityPayment, payment.ID))
}

func TestSyncFromRemoteUpsertsAndDeletes(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	remote := syncer.Payload{
		syncer.FieldID:        "user-9",
		"email":               "nurse@example.com",
		"display_name":        "Ana",
		syncer.FieldCreatedAt: float64(1_600_000_000_000),
		syncer.FieldUpdatedAt: float64(1_600_000_000_500),
	}

	require.NoError(t, h.users.SyncFromRemote(ctx, remote))
	require.NoError(t, h.users.SyncFromRemote(ctx, remote))

	users, err := h.users.List(ctx, "user-9")
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.True(t, users[0].IsSynced)
	require.EqualValues(t, 1_600_000_000_500, users[0].UpdatedAtMillis)
	require.Equal(t, h.clock.Now().UnixMilli(), *users[0].LastSyncedMillis)
	require.Equal(t, 0, h.manager.PendingCount())

	require.NoError(t, h.users.SyncFromRemote(ctx, syncer.Payload{syncer.FieldID: "user-9", syncer.FieldDeleted: true}))
	_, err = h.users.Get(ctx, "user-9")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestApplyRemoteTakesNewerChangeFromAnotherDevice(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	location, err := h.locations.Create(ctx, LocationInput{UserID: testUserID, Name: "A"})
	require.NoError(t, err)
	h.syncOnline(t)

	local, err := h.locations.Snapshot(ctx, location.ID)
	require.NoError(t, err)
	pushed := local.Merge(syncer.Payload{"name": "Renamed", syncer.FieldUpdatedAt: h.clock.Now().Add(time.Hour).UnixMilli()})
	require.NoError(t, h.manager.ApplyRemote(ctx, syncer.EntityLocation, pushed))

	stored, err := h.locations.Get(ctx, location.ID)
	require.NoError(t, err)
	require.Equal(t, "Renamed", stored.Name)

	require.NoError(t, h.manager.ApplyRemote(ctx, syncer.EntityLocation, syncer.Payload{syncer.FieldID: location.ID, syncer.FieldDeleted: true}))
	_, err = h.locations.Get(ctx, location.ID)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, h.manager.ApplyRemote(ctx, syncer.EntityLocation, syncer.Payload{syncer.FieldID: "fresh", syncer.FieldUserID: testUserID, "name": "New"}))
	fresh, err := h.locations.Get(ctx, "fresh")
	require.NoError(t, err)
	require.True(t, fresh.IsSynced)
}

func TestRemoteDeleteOfPendingRecordConflictsUntilResolved(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	location, err := h.locations.Create(ctx, LocationInput{UserID: testUserID, Name: "A"})
	require.NoError(t, err)

	require.NoError(t, h.manager.ApplyRemote(ctx, syncer.EntityLocation, syncer.Payload{syncer.FieldID: location.ID, syncer.FieldDeleted: true}))

	_, err = h.locations.Get(ctx, location.ID)
	require.NoError(t, err)
	conflicts := h.manager.Conflicts()
	require.Len(t, conflicts, 1)
	require.Equal(t, 1, h.manager.PendingCount())

	resolved, err := h.manager.ResolveConflict(ctx, conflicts[0].ID, syncer.ResolutionRemote, nil)
	require.NoError(t, err)
	require.True(t, resolved)
	_, err = h.locations.Get(ctx, location.ID)
	require.ErrorIs(t, err, ErrNotFound)
	require.False(t, h.manager.HasPendingFor(syncer.EntityLocation, location.ID))
	require.Zero(t, h.manager.PendingCount())
}

func TestPaymentMergedResolutionRequeuesMergedCopy(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	payment, err := h.payments.Create(ctx, PaymentInput{UserID: testUserID, Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)
	h.syncOnline(t)
	local, err := h.payments.Snapshot(ctx, payment.ID)
	require.NoError(t, err)
	remote := local.Merge(syncer.Payload{"amount": "120", syncer.FieldUpdatedAt: h.clock.Now().Add(time.Minute).UnixMilli()})
	record, err := h.manager.RecordConflict(ctx, syncer.EntityPayment, local, remote)
	require.NoError(t, err)

	paidAt := h.clock.Now().UnixMilli()
	resolved, err := h.manager.ResolveConflict(ctx, record.ID, syncer.ResolutionMerged, syncer.Payload{
		"amount":  "120",
		"status":  string(PaymentPaid),
		"paid_at": paidAt,
	})
	require.NoError(t, err)
	require.True(t, resolved)

	stored, err := h.payments.Get(ctx, payment.ID)
	require.NoError(t, err)
	require.Equal(t, PaymentPaid, stored.Status)
	require.True(t, stored.Amount.Equal(decimal.NewFromInt(120)))
	require.False(t, stored.IsSynced)
	remoteUpdatedAt, _ := remote.Int64(syncer.FieldUpdatedAt)
	require.Greater(t, stored.UpdatedAtMillis, remoteUpdatedAt)

	pending := h.manager.PendingOperations()
	require.Len(t, pending, 1)
	require.Equal(t, syncer.OperationUpdate, pending[0].Type)
	require.Equal(t, "paid", pending[0].Data["status"])
	require.NotContains(t, pending[0].Data, syncer.FieldIsSynced)

	h.syncOnline(t)
	require.Equal(t, "paid", h.remote.get(syncer.EntityPayment, payment.ID)["status"])
}

func TestShiftLocalResolutionOutranksRemoteVersion(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	shift, err := h.shifts.Create(ctx, ShiftInput{UserID: testUserID, StartMillis: 10, EndMillis: 20, Value: decimal.NewFromInt(7)})
	require.NoError(t, err)
	local, err := h.shifts.Snapshot(ctx, shift.ID)
	require.NoError(t, err)
	record, err := h.manager.RecordConflict(ctx, syncer.EntityShift, local, local.Merge(syncer.Payload{"value": "8", syncer.FieldVersion: int64(4)}))
	require.NoError(t, err)

	resolved, err := h.manager.ResolveConflict(ctx, record.ID, syncer.ResolutionLocal, nil)
	require.NoError(t, err)
	require.True(t, resolved)

	stored, err := h.shifts.Get(ctx, shift.ID)
	require.NoError(t, err)
	require.EqualValues(t, 5, stored.Version)
	require.True(t, stored.Value.Equal(decimal.NewFromInt(7)))
}

func TestUserRepositoryCreateAndList(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	user, err := h.users.Create(ctx, UserInput{ID: testUserID, Email: "doc@example.com", Profession: "nurse"})
	require.NoError(t, err)
	require.Equal(t, testUserID, user.ID)

	_, err = h.users.Update(ctx, testUserID, UserPatch{DisplayName: stringPointer("Dr. Doc")})
	require.NoError(t, err)

	users, err := h.users.List(ctx, testUserID)
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, "Dr. Doc", users[0].DisplayName)
	pending := h.manager.PendingOperations()
	require.Len(t, pending, 1)
	require.Equal(t, syncer.OperationCreate, pending[0].Type)
	require.Equal(t, "Dr. Doc", pending[0].Data["display_name"])
}
