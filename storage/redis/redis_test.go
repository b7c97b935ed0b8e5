package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/clinicdesk/provision/pkg/provision"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	storage, err := New(client, DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	return storage
}

func newEvent(id string) *provision.InboundEvent {
	now := time.Now().UTC()
	return &provision.InboundEvent{
		ID:           id,
		Type:         "checkout.session.completed",
		Status:       provision.EventProcessing,
		AttemptCount: 1,
		ReceivedAt:   now,
		LastSeenAt:   now,
		UpdatedAt:    now,
	}
}

func TestInsertProcessingDuplicate(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	if err := storage.InsertProcessing(ctx, newEvent("evt_1")); err != nil {
		t.Fatalf("First insert failed: %v", err)
	}
	err := storage.InsertProcessing(ctx, newEvent("evt_1"))
	if !errors.Is(err, provision.ErrDuplicateEvent) {
		t.Fatalf("Expected ErrDuplicateEvent, got %v", err)
	}
}

func TestTryClaimEventConditional(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	if err := storage.InsertProcessing(ctx, newEvent("evt_1")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	// Current status is processing; claiming from failed must lose.
	won, err := storage.TryClaimEvent(ctx, "evt_1", []provision.EventStatus{provision.EventFailed})
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if won {
		t.Fatal("Expected claim to lose against mismatched status")
	}

	if err := storage.MarkEventFailed(ctx, "evt_1", "boom"); err != nil {
		t.Fatalf("MarkEventFailed failed: %v", err)
	}
	won, err = storage.TryClaimEvent(ctx, "evt_1", []provision.EventStatus{provision.EventFailed})
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if !won {
		t.Fatal("Expected claim to win against failed status")
	}

	ev, err := storage.GetEvent(ctx, "evt_1")
	if err != nil {
		t.Fatalf("GetEvent failed: %v", err)
	}
	if ev.Status != provision.EventProcessing {
		t.Fatalf("Expected processing after claim, got %s", ev.Status)
	}
	if ev.ProcessingStartedAt == nil {
		t.Fatal("Expected ProcessingStartedAt to be set by claim")
	}
}

func TestTryClaimEventMissing(t *testing.T) {
	storage := newTestStorage(t)

	_, err := storage.TryClaimEvent(context.Background(), "evt_missing",
		[]provision.EventStatus{provision.EventFailed})
	if !errors.Is(err, provision.ErrEventNotFound) {
		t.Fatalf("Expected ErrEventNotFound, got %v", err)
	}
}

func TestTouchEventDoesNotRevertConcurrentClaim(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	// Race the claim against the redelivery touch. The touch must never
	// restore the pre-claim status, whichever order they land in.
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("evt_%d", i)
		ev := newEvent(id)
		ev.Status = provision.EventFailed
		if err := storage.InsertProcessing(ctx, ev); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}

		var wg sync.WaitGroup
		var won bool
		wg.Add(2)
		go func() {
			defer wg.Done()
			w, err := storage.TryClaimEvent(ctx, id, []provision.EventStatus{provision.EventFailed})
			if err != nil {
				t.Errorf("Claim failed: %v", err)
				return
			}
			won = w
		}()
		go func() {
			defer wg.Done()
			if err := storage.TouchEvent(ctx, id); err != nil {
				t.Errorf("Touch failed: %v", err)
			}
		}()
		wg.Wait()

		if !won {
			t.Fatalf("Iteration %d: claim should always win against a touch", i)
		}
		got, err := storage.GetEvent(ctx, id)
		if err != nil {
			t.Fatalf("GetEvent failed: %v", err)
		}
		if got.Status != provision.EventProcessing {
			t.Fatalf("Iteration %d: claim reverted, status is %s", i, got.Status)
		}
		if got.AttemptCount != 2 {
			t.Fatalf("Iteration %d: expected 2 attempts, got %d", i, got.AttemptCount)
		}

		second, err := storage.TryClaimEvent(ctx, id,
			[]provision.EventStatus{provision.EventFailed, provision.EventReceived})
		if err != nil {
			t.Fatalf("Second claim failed: %v", err)
		}
		if second {
			t.Fatalf("Iteration %d: second claim won, two processors for one event", i)
		}
	}
}

func TestMarkEventProcessedTerminalState(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	if err := storage.InsertProcessing(ctx, newEvent("evt_1")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := storage.MarkEventFailed(ctx, "evt_1", "boom"); err != nil {
		t.Fatalf("MarkEventFailed failed: %v", err)
	}
	if err := storage.MarkEventProcessed(ctx, "evt_1"); err != nil {
		t.Fatalf("MarkEventProcessed failed: %v", err)
	}

	ev, err := storage.GetEvent(ctx, "evt_1")
	if err != nil {
		t.Fatalf("GetEvent failed: %v", err)
	}
	if ev.Status != provision.EventProcessed {
		t.Fatalf("Expected processed, got %s", ev.Status)
	}
	if ev.ProcessedAt == nil {
		t.Fatal("Expected ProcessedAt to be set")
	}
	if ev.ErrorMessage != "" {
		t.Fatalf("Expected error message cleared, got %q", ev.ErrorMessage)
	}
}

func TestMarkEventFailedDoesNotDemoteProcessed(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	if err := storage.InsertProcessing(ctx, newEvent("evt_1")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := storage.MarkEventProcessed(ctx, "evt_1"); err != nil {
		t.Fatalf("MarkEventProcessed failed: %v", err)
	}
	if err := storage.MarkEventFailed(ctx, "evt_1", "late failure"); err != nil {
		t.Fatalf("MarkEventFailed failed: %v", err)
	}

	ev, err := storage.GetEvent(ctx, "evt_1")
	if err != nil {
		t.Fatalf("GetEvent failed: %v", err)
	}
	if ev.Status != provision.EventProcessed {
		t.Fatalf("Expected processed kept, got %s", ev.Status)
	}
}

func TestCreateJobUniqueEventID(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := &provision.ProvisioningJob{
		ID:                "job_1",
		StripeEventID:     "evt_1",
		CheckoutSessionID: "cs_1",
		Status:            provision.JobReceived,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := storage.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	dup := &provision.ProvisioningJob{
		ID:            "job_2",
		StripeEventID: "evt_1",
		Status:        provision.JobReceived,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := storage.CreateJob(ctx, dup); !errors.Is(err, provision.ErrDuplicateJob) {
		t.Fatalf("Expected ErrDuplicateJob, got %v", err)
	}

	found, err := storage.FindJobBySessionID(ctx, "cs_1")
	if err != nil {
		t.Fatalf("FindJobBySessionID failed: %v", err)
	}
	if found.ID != "job_1" {
		t.Fatalf("Expected job_1, got %s", found.ID)
	}
}

func TestListJobsByStatusTracksUpdates(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := &provision.ProvisioningJob{
		ID:        "job_1",
		Status:    provision.JobFailed,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := storage.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	failed, err := storage.ListJobsByStatus(ctx, provision.JobFailed, 10)
	if err != nil {
		t.Fatalf("ListJobsByStatus failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("Expected 1 failed job, got %d", len(failed))
	}

	job.Status = provision.JobDone
	if err := storage.UpdateJob(ctx, job); err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}

	failed, err = storage.ListJobsByStatus(ctx, provision.JobFailed, 10)
	if err != nil {
		t.Fatalf("ListJobsByStatus failed: %v", err)
	}
	if len(failed) != 0 {
		t.Fatalf("Expected no failed jobs after update, got %d", len(failed))
	}
}
