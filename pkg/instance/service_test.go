package instance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return NewService(store).WithClock(func() time.Time { return now }), store
}

func TestService_ProvisionAndConnect(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	inst, err := svc.Provision(ctx, ProvisionRequest{
		OrganizationID: "org-1",
		DisplayName:    "Sales 1",
		Phone:          "+55 11 99999-8888",
		Engine:         EngineTurboZap,
		Purpose:        PurposeDispatch,
	})
	require.NoError(t, err)
	assert.Equal(t, LifecycleCreated, inst.LifecycleStatus)
	assert.Equal(t, "+55*******8888", inst.MaskedPhone)

	var seen []ConnectionEvent
	svc.OnConnectionEvent(func(id string, ev ConnectionEvent) { seen = append(seen, ev) })

	_, err = svc.ApplyConnectionEvent(ctx, inst.ID, EventConnect)
	require.NoError(t, err)
	got, err := svc.ApplyConnectionEvent(ctx, inst.ID, EventConnected)
	require.NoError(t, err)
	assert.Equal(t, LifecycleActive, got.LifecycleStatus)
	assert.Equal(t, int64(3), got.Version)
	assert.Equal(t, []ConnectionEvent{EventConnect, EventConnected}, seen)

	status, err := svc.Gate(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, GateReady, status)
}

func TestService_ProvisionRejectsUnknownEngine(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Provision(context.Background(), ProvisionRequest{OrganizationID: "org", Engine: "X", Purpose: PurposeMixed})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestService_UpdateIsAllOrNothing(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	inst, err := svc.Provision(ctx, ProvisionRequest{OrganizationID: "org", Engine: EngineEvolution, Purpose: PurposeMixed})
	require.NoError(t, err)

	_, err = svc.Update(ctx, inst.ID, func(i *Instance) error {
		i.ReputationScore = 99
		return errors.New("boom")
	})
	require.Error(t, err)

	stored, err := store.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, stored.ReputationScore)
	assert.Equal(t, int64(1), stored.Version)
}

func TestService_IllegalConnectionEventIsRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	inst, err := svc.Provision(ctx, ProvisionRequest{OrganizationID: "org", Engine: EngineEvolution, Purpose: PurposeMixed})
	require.NoError(t, err)

	_, err = svc.ApplyConnectionEvent(ctx, inst.ID, EventConnected)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestService_BanAndReactivate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	inst, err := svc.Provision(ctx, ProvisionRequest{OrganizationID: "org", Engine: EngineEvolution, Purpose: PurposeMixed})
	require.NoError(t, err)

	banned, err := svc.Ban(ctx, inst.ID, "")
	require.NoError(t, err)
	assert.Equal(t, LifecycleBanned, banned.LifecycleStatus)
	assert.Equal(t, "banned by operator", banned.BanReason)

	_, err = svc.ApplyConnectionEvent(ctx, inst.ID, EventConnect)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	back, err := svc.Reactivate(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, LifecycleActive, back.LifecycleStatus)
}

func TestService_ConcurrentUpdatesAreSerialized(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	inst, err := svc.Provision(ctx, ProvisionRequest{OrganizationID: "org", Engine: EngineEvolution, Purpose: PurposeMixed})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for n := 0; n < 20; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Update(ctx, inst.ID, func(i *Instance) error {
				i.ReputationScore++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := svc.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 70, got.ReputationScore)
	assert.Equal(t, int64(21), got.Version)
}

func TestMemoryStore_UpdateVersionConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Instance{ID: "i-1", Version: 3}))

	err := store.Update(ctx, &Instance{ID: "i-1", Version: 4}, 2)
	assert.ErrorIs(t, err, ErrVersionConflict)
}
