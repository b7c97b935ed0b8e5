// Package memory provides an in-memory implementation of the provision
// storage interfaces. This implementation is primarily intended for testing
// and development; every conditional transition runs under a single mutex so
// the claim semantics match the SQL backends.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/clinicdesk/provision/pkg/provision"
)

// Store implements provision.EventStore, provision.JobStore,
// provision.Directory and provision.SubscriptionStore using maps.
type Store struct {
	mu sync.Mutex

	events        map[string]*provision.InboundEvent
	jobs          map[string]*provision.ProvisioningJob
	profiles      map[string]*provision.Profile
	clinics       map[string]*provision.Clinic
	clinicByOwner map[string]string
	memberships   map[string]*provision.Membership
	intents       map[string]*provision.SignupIntent
	subscriptions map[string]*provision.SubscriptionRecord
	payments      map[string]*provision.PaymentRecord
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		events:        make(map[string]*provision.InboundEvent),
		jobs:          make(map[string]*provision.ProvisioningJob),
		profiles:      make(map[string]*provision.Profile),
		clinics:       make(map[string]*provision.Clinic),
		clinicByOwner: make(map[string]string),
		memberships:   make(map[string]*provision.Membership),
		intents:       make(map[string]*provision.SignupIntent),
		subscriptions: make(map[string]*provision.SubscriptionRecord),
		payments:      make(map[string]*provision.PaymentRecord),
	}
}

// Event store

// InsertProcessing implements provision.EventStore.
func (s *Store) InsertProcessing(ctx context.Context, ev *provision.InboundEvent) error {
	if ev == nil || ev.ID == "" {
		return fmt.Errorf("invalid event")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[ev.ID]; ok {
		return provision.ErrDuplicateEvent
	}
	evCopy := *ev
	s.events[ev.ID] = &evCopy
	return nil
}

// GetEvent implements provision.EventStore.
func (s *Store) GetEvent(ctx context.Context, eventID string) (*provision.InboundEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventID]
	if !ok {
		return nil, provision.ErrEventNotFound
	}
	evCopy := *ev
	return &evCopy, nil
}

// TouchEvent implements provision.EventStore.
func (s *Store) TouchEvent(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventID]
	if !ok {
		return provision.ErrEventNotFound
	}
	now := time.Now().UTC()
	ev.AttemptCount++
	ev.LastSeenAt = now
	ev.UpdatedAt = now
	return nil
}

// TryClaimEvent implements provision.EventStore. The whole check-and-set
// runs under the store mutex, mirroring the single conditional UPDATE of the
// SQL backend.
func (s *Store) TryClaimEvent(ctx context.Context, eventID string, from []provision.EventStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventID]
	if !ok {
		return false, provision.ErrEventNotFound
	}
	claimable := false
	for _, st := range from {
		if ev.Status == st {
			claimable = true
			break
		}
	}
	if !claimable {
		return false, nil
	}
	now := time.Now().UTC()
	ev.Status = provision.EventProcessing
	ev.ProcessingStartedAt = &now
	ev.UpdatedAt = now
	return true, nil
}

// MarkEventProcessed implements provision.EventStore.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventID]
	if !ok {
		return provision.ErrEventNotFound
	}
	now := time.Now().UTC()
	ev.Status = provision.EventProcessed
	ev.ProcessedAt = &now
	ev.ErrorMessage = ""
	ev.UpdatedAt = now
	return nil
}

// MarkEventFailed implements provision.EventStore.
func (s *Store) MarkEventFailed(ctx context.Context, eventID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventID]
	if !ok {
		return provision.ErrEventNotFound
	}
	now := time.Now().UTC()
	// A processed event is never demoted to failed.
	if ev.Status == provision.EventProcessed {
		return nil
	}
	ev.Status = provision.EventFailed
	ev.ErrorMessage = message
	ev.UpdatedAt = now
	return nil
}

// Job store

// CreateJob implements provision.JobStore.
func (s *Store) CreateJob(ctx context.Context, job *provision.ProvisioningJob) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("invalid job")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.StripeEventID != "" {
		for _, existing := range s.jobs {
			if existing.StripeEventID == job.StripeEventID {
				return provision.ErrDuplicateJob
			}
		}
	}
	jobCopy := *job
	s.jobs[job.ID] = &jobCopy
	return nil
}

// GetJob implements provision.JobStore.
func (s *Store) GetJob(ctx context.Context, jobID string) (*provision.ProvisioningJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, provision.ErrJobNotFound
	}
	jobCopy := *job
	return &jobCopy, nil
}

// FindJobByEventID implements provision.JobStore.
func (s *Store) FindJobByEventID(ctx context.Context, eventID string) (*provision.ProvisioningJob, error) {
	if eventID == "" {
		return nil, provision.ErrJobNotFound
	}
	return s.findJob(func(j *provision.ProvisioningJob) bool {
		return j.StripeEventID == eventID
	})
}

// FindJobBySessionID implements provision.JobStore.
func (s *Store) FindJobBySessionID(ctx context.Context, sessionID string) (*provision.ProvisioningJob, error) {
	if sessionID == "" {
		return nil, provision.ErrJobNotFound
	}
	return s.findJob(func(j *provision.ProvisioningJob) bool {
		return j.CheckoutSessionID == sessionID
	})
}

// FindJobByIntentID implements provision.JobStore.
func (s *Store) FindJobByIntentID(ctx context.Context, intentID string) (*provision.ProvisioningJob, error) {
	if intentID == "" {
		return nil, provision.ErrJobNotFound
	}
	return s.findJob(func(j *provision.ProvisioningJob) bool {
		return j.IntentID == intentID
	})
}

func (s *Store) findJob(match func(*provision.ProvisioningJob) bool) (*provision.ProvisioningJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.jobs {
		if match(job) {
			jobCopy := *job
			return &jobCopy, nil
		}
	}
	return nil, provision.ErrJobNotFound
}

// UpdateJob implements provision.JobStore.
func (s *Store) UpdateJob(ctx context.Context, job *provision.ProvisioningJob) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("invalid job")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return provision.ErrJobNotFound
	}
	jobCopy := *job
	s.jobs[job.ID] = &jobCopy
	return nil
}

// ListJobsByStatus implements provision.JobStore.
func (s *Store) ListJobsByStatus(ctx context.Context, status provision.JobStatus, limit int) ([]*provision.ProvisioningJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*provision.ProvisioningJob
	for _, job := range s.jobs {
		if job.Status == status {
			jobCopy := *job
			out = append(out, &jobCopy)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Directory

// GetProfile implements provision.Directory.
func (s *Store) GetProfile(ctx context.Context, userID string) (*provision.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, provision.ErrProfileNotFound
	}
	pCopy := *p
	return &pCopy, nil
}

// FindProfileByCustomer implements provision.Directory.
func (s *Store) FindProfileByCustomer(ctx context.Context, customerID string) (*provision.Profile, error) {
	if customerID == "" {
		return nil, provision.ErrProfileNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.profiles {
		if p.BillingCustomerID == customerID {
			pCopy := *p
			return &pCopy, nil
		}
	}
	return nil, provision.ErrProfileNotFound
}

// UpsertProfile implements provision.Directory. Empty fields never clear
// previously resolved values.
func (s *Store) UpsertProfile(ctx context.Context, p *provision.Profile) error {
	if p == nil || p.UserID == "" {
		return fmt.Errorf("invalid profile")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := *p
	if existing, ok := s.profiles[p.UserID]; ok {
		if merged.ClinicID == "" {
			merged.ClinicID = existing.ClinicID
		}
		if merged.DisplayName == "" {
			merged.DisplayName = existing.DisplayName
		}
		if merged.BillingCustomerID == "" {
			merged.BillingCustomerID = existing.BillingCustomerID
		}
	}
	s.profiles[p.UserID] = &merged
	return nil
}

// GetClinic implements provision.Directory.
func (s *Store) GetClinic(ctx context.Context, clinicID string) (*provision.Clinic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clinics[clinicID]
	if !ok {
		return nil, provision.ErrClinicNotFound
	}
	cCopy := *c
	return &cCopy, nil
}

// FindClinicByOwner implements provision.Directory.
func (s *Store) FindClinicByOwner(ctx context.Context, ownerUserID string) (*provision.Clinic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.clinicByOwner[ownerUserID]
	if !ok {
		return nil, provision.ErrClinicNotFound
	}
	cCopy := *s.clinics[id]
	return &cCopy, nil
}

// UpsertClinicByOwner implements provision.Directory. A concurrent creation
// attempt for the same owner converges on the first row.
func (s *Store) UpsertClinicByOwner(ctx context.Context, c *provision.Clinic) (*provision.Clinic, error) {
	if c == nil || c.OwnerUserID == "" {
		return nil, fmt.Errorf("invalid clinic")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.clinicByOwner[c.OwnerUserID]; ok {
		existing := s.clinics[id]
		if existing.Name == "" && c.Name != "" {
			existing.Name = c.Name
		}
		existing.UpdatedAt = c.UpdatedAt
		cCopy := *existing
		return &cCopy, nil
	}

	cCopy := *c
	s.clinics[c.ID] = &cCopy
	s.clinicByOwner[c.OwnerUserID] = c.ID
	result := cCopy
	return &result, nil
}

// UpdateClinicBilling implements provision.Directory.
func (s *Store) UpdateClinicBilling(ctx context.Context, clinicID, status string, periodEnd time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clinics[clinicID]
	if !ok {
		return provision.ErrClinicNotFound
	}
	end := periodEnd
	c.SubscriptionStatus = status
	c.CurrentPeriodEnd = &end
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// UpsertMembership implements provision.Directory.
func (s *Store) UpsertMembership(ctx context.Context, m *provision.Membership) error {
	if m == nil || m.ClinicID == "" || m.UserID == "" {
		return fmt.Errorf("invalid membership")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mCopy := *m
	s.memberships[m.ClinicID+"/"+m.UserID] = &mCopy
	return nil
}

// GetMembership returns the membership row for (clinic, user), for tests.
func (s *Store) GetMembership(clinicID, userID string) *provision.Membership {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.memberships[clinicID+"/"+userID]
	if !ok {
		return nil
	}
	mCopy := *m
	return &mCopy
}

// GetIntent implements provision.Directory.
func (s *Store) GetIntent(ctx context.Context, intentID string) (*provision.SignupIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[intentID]
	if !ok {
		return nil, provision.ErrIntentNotFound
	}
	intentCopy := *intent
	return &intentCopy, nil
}

// UpsertIntent implements provision.Directory.
func (s *Store) UpsertIntent(ctx context.Context, intent *provision.SignupIntent) error {
	if intent == nil || intent.ID == "" {
		return fmt.Errorf("invalid signup intent")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	intentCopy := *intent
	s.intents[intent.ID] = &intentCopy
	return nil
}

// ConvertIntent implements provision.Directory.
func (s *Store) ConvertIntent(ctx context.Context, intentID, clinicID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[intentID]
	if !ok {
		return provision.ErrIntentNotFound
	}
	intent.Converted = true
	intent.ClinicID = clinicID
	intent.UpdatedAt = time.Now().UTC()
	return nil
}

// Subscription store

// GetSubscription implements provision.SubscriptionStore.
func (s *Store) GetSubscription(ctx context.Context, subscriptionID string) (*provision.SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.subscriptions[subscriptionID]
	if !ok {
		return nil, provision.ErrSubscriptionNotFound
	}
	recCopy := *rec
	return &recCopy, nil
}

// FindSubscriptionByCustomer implements provision.SubscriptionStore.
func (s *Store) FindSubscriptionByCustomer(ctx context.Context, customerID string) (*provision.SubscriptionRecord, error) {
	if customerID == "" {
		return nil, provision.ErrSubscriptionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.subscriptions {
		if rec.CustomerID == customerID {
			recCopy := *rec
			return &recCopy, nil
		}
	}
	return nil, provision.ErrSubscriptionNotFound
}

// UpsertSubscription implements provision.SubscriptionStore.
func (s *Store) UpsertSubscription(ctx context.Context, rec *provision.SubscriptionRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("invalid subscription record")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	recCopy := *rec
	s.subscriptions[rec.ID] = &recCopy
	return nil
}

// RecordPayment implements provision.SubscriptionStore. Keyed by invoice id;
// a repeated write for the same invoice is a no-op.
func (s *Store) RecordPayment(ctx context.Context, p *provision.PaymentRecord) error {
	if p == nil || p.InvoiceID == "" {
		return fmt.Errorf("invalid payment record")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payments[p.InvoiceID]; ok {
		return nil
	}
	pCopy := *p
	s.payments[p.InvoiceID] = &pCopy
	return nil
}

// ListPayments implements provision.SubscriptionStore.
func (s *Store) ListPayments(ctx context.Context, clinicID string, limit int) ([]*provision.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*provision.PaymentRecord
	for _, p := range s.payments {
		if p.ClinicID == clinicID {
			pCopy := *p
			out = append(out, &pCopy)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PaidAt.After(out[j].PaidAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PaymentCount returns the number of recorded payments, for tests.
func (s *Store) PaymentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payments)
}

// ClinicCount returns the number of clinic rows, for tests.
func (s *Store) ClinicCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clinics)
}
