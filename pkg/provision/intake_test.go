package provision_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicdesk/provision/pkg/provision"
	"github.com/clinicdesk/provision/storage/memory"
)

func newIntake(t *testing.T, store *memory.Store, stale time.Duration) *provision.Intake {
	t.Helper()
	intake, err := provision.NewIntake(provision.IntakeConfig{
		Events:          store,
		StaleClaimAfter: stale,
	})
	require.NoError(t, err)
	return intake
}

func TestIntakeFreshEvent(t *testing.T) {
	store := memory.New()
	intake := newIntake(t, store, 0)
	ctx := context.Background()

	verdict, err := intake.Reserve(ctx, provision.ExternalEvent{
		ID:      "evt_1",
		Type:    "checkout.session.completed",
		Payload: json.RawMessage(`{"id":"cs_1"}`),
	})
	require.NoError(t, err)
	assert.True(t, verdict.ShouldProcess)
	assert.False(t, verdict.Duplicate)

	ev, err := store.GetEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, provision.EventProcessing, ev.Status)
	assert.Equal(t, 1, ev.AttemptCount)
}

func TestIntakeRequiresEventID(t *testing.T) {
	intake := newIntake(t, memory.New(), 0)

	_, err := intake.Reserve(context.Background(), provision.ExternalEvent{Type: "x"})
	assert.Error(t, err)
}

func TestIntakeDuplicateWhileProcessing(t *testing.T) {
	store := memory.New()
	intake := newIntake(t, store, 0)
	ctx := context.Background()

	_, err := intake.Reserve(ctx, provision.ExternalEvent{ID: "evt_1", Type: "t"})
	require.NoError(t, err)

	verdict, err := intake.Reserve(ctx, provision.ExternalEvent{ID: "evt_1", Type: "t"})
	require.NoError(t, err)
	assert.False(t, verdict.ShouldProcess)
	assert.True(t, verdict.Duplicate)

	// The redelivery still counts as an attempt.
	ev, err := store.GetEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, 2, ev.AttemptCount)
}

func TestIntakeDuplicateAfterProcessed(t *testing.T) {
	store := memory.New()
	intake := newIntake(t, store, 0)
	ctx := context.Background()

	_, err := intake.Reserve(ctx, provision.ExternalEvent{ID: "evt_1", Type: "t"})
	require.NoError(t, err)
	require.NoError(t, intake.MarkProcessed(ctx, "evt_1", "t"))

	verdict, err := intake.Reserve(ctx, provision.ExternalEvent{ID: "evt_1", Type: "t"})
	require.NoError(t, err)
	assert.False(t, verdict.ShouldProcess)
	assert.True(t, verdict.Duplicate)
}

func TestIntakeRetryAfterFailure(t *testing.T) {
	store := memory.New()
	intake := newIntake(t, store, 0)
	ctx := context.Background()

	_, err := intake.Reserve(ctx, provision.ExternalEvent{ID: "evt_1", Type: "t"})
	require.NoError(t, err)
	require.NoError(t, intake.MarkFailed(ctx, "evt_1", "t", "boom"))

	verdict, err := intake.Reserve(ctx, provision.ExternalEvent{ID: "evt_1", Type: "t"})
	require.NoError(t, err)
	assert.True(t, verdict.ShouldProcess)
	assert.True(t, verdict.Duplicate)

	ev, err := store.GetEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, provision.EventProcessing, ev.Status)
}

func TestIntakeStaleClaimReclaimed(t *testing.T) {
	store := memory.New()
	intake := newIntake(t, store, time.Millisecond)
	ctx := context.Background()

	_, err := intake.Reserve(ctx, provision.ExternalEvent{ID: "evt_1", Type: "t"})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	verdict, err := intake.Reserve(ctx, provision.ExternalEvent{ID: "evt_1", Type: "t"})
	require.NoError(t, err)
	assert.True(t, verdict.ShouldProcess)
	assert.True(t, verdict.Duplicate)
}

func TestIntakeStuckClaimWithoutLease(t *testing.T) {
	store := memory.New()
	intake := newIntake(t, store, 0)
	ctx := context.Background()

	_, err := intake.Reserve(ctx, provision.ExternalEvent{ID: "evt_1", Type: "t"})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	// With no lease configured a processing claim is never taken over.
	verdict, err := intake.Reserve(ctx, provision.ExternalEvent{ID: "evt_1", Type: "t"})
	require.NoError(t, err)
	assert.False(t, verdict.ShouldProcess)
}

func TestIntakeConcurrentReserve(t *testing.T) {
	store := memory.New()
	intake := newIntake(t, store, 0)
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	results := make([]provision.ReserveVerdict, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			verdict, err := intake.Reserve(ctx, provision.ExternalEvent{ID: "evt_race", Type: "t"})
			assert.NoError(t, err)
			results[n] = verdict
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, v := range results {
		if v.ShouldProcess {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one caller should win the claim")
}

// wrappingEventStore adds context to store errors the way a real backend
// does, so sentinel detection must survive wrapping.
type wrappingEventStore struct {
	*memory.Store
}

func (s *wrappingEventStore) InsertProcessing(ctx context.Context, ev *provision.InboundEvent) error {
	if err := s.Store.InsertProcessing(ctx, ev); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func TestIntakeDetectsWrappedDuplicate(t *testing.T) {
	store := &wrappingEventStore{Store: memory.New()}
	intake, err := provision.NewIntake(provision.IntakeConfig{Events: store})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = intake.Reserve(ctx, provision.ExternalEvent{ID: "evt_1", Type: "t"})
	require.NoError(t, err)

	verdict, err := intake.Reserve(ctx, provision.ExternalEvent{ID: "evt_1", Type: "t"})
	require.NoError(t, err)
	assert.False(t, verdict.ShouldProcess)
	assert.True(t, verdict.Duplicate)
}

func TestIntakeMarkFailedDoesNotDemoteProcessed(t *testing.T) {
	store := memory.New()
	intake := newIntake(t, store, 0)
	ctx := context.Background()

	_, err := intake.Reserve(ctx, provision.ExternalEvent{ID: "evt_1", Type: "t"})
	require.NoError(t, err)
	require.NoError(t, intake.MarkProcessed(ctx, "evt_1", "t"))
	require.NoError(t, intake.MarkFailed(ctx, "evt_1", "t", "late failure"))

	ev, err := store.GetEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, provision.EventProcessed, ev.Status)
}
