package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/clinicdesk/provision/pkg/provision"
)

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
	store := New()
	ctx := context.Background()

	if err := store.InsertProcessing(ctx, newEvent("evt_1")); err != nil {
		t.Fatalf("First insert failed: %v", err)
	}
	err := store.InsertProcessing(ctx, newEvent("evt_1"))
	if !errors.Is(err, provision.ErrDuplicateEvent) {
		t.Fatalf("Expected ErrDuplicateEvent, got %v", err)
	}
}

func TestTryClaimEventConditional(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.InsertProcessing(ctx, newEvent("evt_1")); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	// Current status is processing; claiming from failed must lose.
	won, err := store.TryClaimEvent(ctx, "evt_1", []provision.EventStatus{provision.EventFailed})
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if won {
		t.Fatal("Expected claim to lose against mismatched status")
	}

	if err := store.MarkEventFailed(ctx, "evt_1", "boom"); err != nil {
		t.Fatalf("MarkEventFailed failed: %v", err)
	}
	won, err = store.TryClaimEvent(ctx, "evt_1", []provision.EventStatus{provision.EventFailed})
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if !won {
		t.Fatal("Expected claim to win against failed status")
	}

	ev, err := store.GetEvent(ctx, "evt_1")
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

func TestTryClaimEventSingleWinner(t *testing.T) {
	store := New()
	ctx := context.Background()

	ev := newEvent("evt_race")
	ev.Status = provision.EventFailed
	if err := store.InsertProcessing(ctx, ev); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	wins := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := store.TryClaimEvent(ctx, "evt_race", []provision.EventStatus{provision.EventFailed})
			if err != nil {
				t.Errorf("Claim failed: %v", err)
				return
			}
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for won := range wins {
		if won {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("Expected exactly 1 winner, got %d", winners)
	}
}

func TestCreateJobUniqueEventID(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now().UTC()

	job := &provision.ProvisioningJob{
		ID:            "job_1",
		StripeEventID: "evt_1",
		Status:        provision.JobReceived,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	dup := &provision.ProvisioningJob{
		ID:            "job_2",
		StripeEventID: "evt_1",
		Status:        provision.JobReceived,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.CreateJob(ctx, dup); !errors.Is(err, provision.ErrDuplicateJob) {
		t.Fatalf("Expected ErrDuplicateJob, got %v", err)
	}
}

func TestUpsertProfilePreservesResolvedFields(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.UpsertProfile(ctx, &provision.Profile{
		UserID:            "user_1",
		ClinicID:          "clinic_1",
		Role:              "admin",
		DisplayName:       "Dr. Smith",
		BillingCustomerID: "cus_1",
		UpdatedAt:         now,
	}); err != nil {
		t.Fatalf("UpsertProfile failed: %v", err)
	}

	// A later write with empty clinic and display name keeps both.
	if err := store.UpsertProfile(ctx, &provision.Profile{
		UserID:    "user_1",
		Role:      "admin",
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("UpsertProfile failed: %v", err)
	}

	p, err := store.GetProfile(ctx, "user_1")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if p.ClinicID != "clinic_1" {
		t.Fatalf("Expected clinic_1 preserved, got %q", p.ClinicID)
	}
	if p.DisplayName != "Dr. Smith" {
		t.Fatalf("Expected display name preserved, got %q", p.DisplayName)
	}
	if p.BillingCustomerID != "cus_1" {
		t.Fatalf("Expected billing customer preserved, got %q", p.BillingCustomerID)
	}
}

func TestUpsertClinicByOwnerConverges(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now().UTC()

	first, err := store.UpsertClinicByOwner(ctx, &provision.Clinic{
		ID:          "clinic_a",
		OwnerUserID: "user_1",
		Name:        "Sunrise Dental",
		UpdatedAt:   now,
	})
	if err != nil {
		t.Fatalf("UpsertClinicByOwner failed: %v", err)
	}

	// Second attempt with a different candidate id returns the first row.
	second, err := store.UpsertClinicByOwner(ctx, &provision.Clinic{
		ID:          "clinic_b",
		OwnerUserID: "user_1",
		UpdatedAt:   now,
	})
	if err != nil {
		t.Fatalf("UpsertClinicByOwner failed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("Expected converged clinic %s, got %s", first.ID, second.ID)
	}
	if second.Name != "Sunrise Dental" {
		t.Fatalf("Expected name kept, got %q", second.Name)
	}
	if store.ClinicCount() != 1 {
		t.Fatalf("Expected 1 clinic, got %d", store.ClinicCount())
	}
}

func TestRecordPaymentIdempotent(t *testing.T) {
	store := New()
	ctx := context.Background()

	p := &provision.PaymentRecord{
		InvoiceID:   "in_1",
		ClinicID:    "clinic_1",
		AmountCents: 4900,
		Currency:    "usd",
		PaidAt:      time.Now().UTC(),
	}
	if err := store.RecordPayment(ctx, p); err != nil {
		t.Fatalf("RecordPayment failed: %v", err)
	}
	if err := store.RecordPayment(ctx, p); err != nil {
		t.Fatalf("Second RecordPayment failed: %v", err)
	}
	if store.PaymentCount() != 1 {
		t.Fatalf("Expected 1 payment, got %d", store.PaymentCount())
	}
}

func TestListJobsByStatus(t *testing.T) {
	store := New()
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"job_1", "job_2", "job_3"} {
		status := provision.JobFailed
		if id == "job_2" {
			status = provision.JobDone
		}
		err := store.CreateJob(ctx, &provision.ProvisioningJob{
			ID:        id,
			Status:    status,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
			UpdatedAt: base,
		})
		if err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
	}

	failed, err := store.ListJobsByStatus(ctx, provision.JobFailed, 10)
	if err != nil {
		t.Fatalf("ListJobsByStatus failed: %v", err)
	}
	if len(failed) != 2 {
		t.Fatalf("Expected 2 failed jobs, got %d", len(failed))
	}
	if failed[0].ID != "job_1" || failed[1].ID != "job_3" {
		t.Fatalf("Expected oldest first, got %s then %s", failed[0].ID, failed[1].ID)
	}
}
