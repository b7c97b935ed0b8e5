// Package postgres provides a PostgreSQL implementation of the provision
// storage interfaces. Every conditional transition is a single statement, so
// concurrent workers race on row-level atomicity rather than on transactions
// held open across network calls.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicdesk/provision/pkg/provision"
)

// Storage implements provision.EventStore, provision.JobStore,
// provision.Directory and provision.SubscriptionStore using PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Event store

// InsertProcessing implements provision.EventStore
func (s *Storage) InsertProcessing(ctx context.Context, ev *provision.InboundEvent) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO inbound_events
			(event_id, event_type, payload, status, attempt_count,
			 received_at, processing_started_at, last_seen_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id) DO NOTHING`,
		ev.ID, ev.Type, ev.Payload, string(ev.Status), ev.AttemptCount,
		ev.ReceivedAt, ev.ProcessingStartedAt, ev.LastSeenAt, ev.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return provision.ErrDuplicateEvent
	}
	return nil
}

// GetEvent implements provision.EventStore
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*provision.InboundEvent, error) {
	var ev provision.InboundEvent
	var status string

	err := s.pool.QueryRow(ctx,
		`SELECT event_id, event_type, payload, status, attempt_count, error_message,
			received_at, processing_started_at, processed_at, last_seen_at, updated_at
		FROM inbound_events WHERE event_id = $1`,
		eventID).Scan(
		&ev.ID,
		&ev.Type,
		&ev.Payload,
		&status,
		&ev.AttemptCount,
		&ev.ErrorMessage,
		&ev.ReceivedAt,
		&ev.ProcessingStartedAt,
		&ev.ProcessedAt,
		&ev.LastSeenAt,
		&ev.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, provision.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	ev.Status = provision.EventStatus(status)
	return &ev, nil
}

// TouchEvent implements provision.EventStore
func (s *Storage) TouchEvent(ctx context.Context, eventID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE inbound_events
		SET attempt_count = attempt_count + 1, last_seen_at = NOW(), updated_at = NOW()
		WHERE event_id = $1`,
		eventID)
	if err != nil {
		return fmt.Errorf("failed to touch event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return provision.ErrEventNotFound
	}
	return nil
}

// TryClaimEvent implements provision.EventStore. The conditional UPDATE is
// the concurrency primitive: at most one caller sees a row transition.
func (s *Storage) TryClaimEvent(ctx context.Context, eventID string, from []provision.EventStatus) (bool, error) {
	states := make([]string, len(from))
	for i, st := range from {
		states[i] = string(st)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE inbound_events
		SET status = $2, processing_started_at = NOW(), updated_at = NOW()
		WHERE event_id = $1 AND status = ANY($3)`,
		eventID, string(provision.EventProcessing), states)
	if err != nil {
		return false, fmt.Errorf("failed to claim event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkEventProcessed implements provision.EventStore
func (s *Storage) MarkEventProcessed(ctx context.Context, eventID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE inbound_events
		SET status = $2, processed_at = NOW(), error_message = '', updated_at = NOW()
		WHERE event_id = $1`,
		eventID, string(provision.EventProcessed))
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return provision.ErrEventNotFound
	}
	return nil
}

// MarkEventFailed implements provision.EventStore. A processed event is
// never demoted.
func (s *Storage) MarkEventFailed(ctx context.Context, eventID, message string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE inbound_events
		SET status = $2, error_message = $3, updated_at = NOW()
		WHERE event_id = $1 AND status <> $4`,
		eventID, string(provision.EventFailed), message, string(provision.EventProcessed))
	if err != nil {
		return fmt.Errorf("failed to mark event failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetEvent(ctx, eventID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// Job store

// CreateJob implements provision.JobStore
func (s *Storage) CreateJob(ctx context.Context, job *provision.ProvisioningJob) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO provisioning_jobs
			(job_id, stripe_event_id, checkout_session_id, customer_id, subscription_id,
			 intent_id, user_id, clinic_id, status, error_message, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		job.ID, job.StripeEventID, job.CheckoutSessionID, job.CustomerID, job.SubscriptionID,
		job.IntentID, job.UserID, job.ClinicID, string(job.Status), job.ErrorMessage,
		job.Payload, job.CreatedAt, job.UpdatedAt)
	if isUniqueViolation(err) {
		return provision.ErrDuplicateJob
	}
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

const jobColumns = `job_id, stripe_event_id, checkout_session_id, customer_id, subscription_id,
	intent_id, user_id, clinic_id, status, error_message, payload, created_at, updated_at`

func scanJob(row pgx.Row) (*provision.ProvisioningJob, error) {
	var job provision.ProvisioningJob
	var status string

	err := row.Scan(
		&job.ID,
		&job.StripeEventID,
		&job.CheckoutSessionID,
		&job.CustomerID,
		&job.SubscriptionID,
		&job.IntentID,
		&job.UserID,
		&job.ClinicID,
		&status,
		&job.ErrorMessage,
		&job.Payload,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, provision.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	job.Status = provision.JobStatus(status)
	return &job, nil
}

// GetJob implements provision.JobStore
func (s *Storage) GetJob(ctx context.Context, jobID string) (*provision.ProvisioningJob, error) {
	return scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM provisioning_jobs WHERE job_id = $1`, jobID))
}

// FindJobByEventID implements provision.JobStore
func (s *Storage) FindJobByEventID(ctx context.Context, eventID string) (*provision.ProvisioningJob, error) {
	if eventID == "" {
		return nil, provision.ErrJobNotFound
	}
	return scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM provisioning_jobs WHERE stripe_event_id = $1`, eventID))
}

// FindJobBySessionID implements provision.JobStore
func (s *Storage) FindJobBySessionID(ctx context.Context, sessionID string) (*provision.ProvisioningJob, error) {
	if sessionID == "" {
		return nil, provision.ErrJobNotFound
	}
	return scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM provisioning_jobs
		WHERE checkout_session_id = $1
		ORDER BY created_at DESC LIMIT 1`, sessionID))
}

// FindJobByIntentID implements provision.JobStore
func (s *Storage) FindJobByIntentID(ctx context.Context, intentID string) (*provision.ProvisioningJob, error) {
	if intentID == "" {
		return nil, provision.ErrJobNotFound
	}
	return scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM provisioning_jobs
		WHERE intent_id = $1
		ORDER BY created_at DESC LIMIT 1`, intentID))
}

// UpdateJob implements provision.JobStore
func (s *Storage) UpdateJob(ctx context.Context, job *provision.ProvisioningJob) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE provisioning_jobs
		SET customer_id = $2, subscription_id = $3, intent_id = $4, user_id = $5,
			clinic_id = $6, status = $7, error_message = $8, updated_at = $9
		WHERE job_id = $1`,
		job.ID, job.CustomerID, job.SubscriptionID, job.IntentID, job.UserID,
		job.ClinicID, string(job.Status), job.ErrorMessage, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return provision.ErrJobNotFound
	}
	return nil
}

// ListJobsByStatus implements provision.JobStore
func (s *Storage) ListJobsByStatus(ctx context.Context, status provision.JobStatus, limit int) ([]*provision.ProvisioningJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM provisioning_jobs
		WHERE status = $1
		ORDER BY created_at ASC LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []*provision.ProvisioningJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// Directory

// GetProfile implements provision.Directory
func (s *Storage) GetProfile(ctx context.Context, userID string) (*provision.Profile, error) {
	return scanProfile(s.pool.QueryRow(ctx,
		`SELECT user_id, clinic_id, role, display_name, billing_customer_id, updated_at
		FROM profiles WHERE user_id = $1`, userID))
}

// FindProfileByCustomer implements provision.Directory
func (s *Storage) FindProfileByCustomer(ctx context.Context, customerID string) (*provision.Profile, error) {
	if customerID == "" {
		return nil, provision.ErrProfileNotFound
	}
	return scanProfile(s.pool.QueryRow(ctx,
		`SELECT user_id, clinic_id, role, display_name, billing_customer_id, updated_at
		FROM profiles WHERE billing_customer_id = $1 LIMIT 1`, customerID))
}

func scanProfile(row pgx.Row) (*provision.Profile, error) {
	var p provision.Profile
	err := row.Scan(&p.UserID, &p.ClinicID, &p.Role, &p.DisplayName, &p.BillingCustomerID, &p.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, provision.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan profile: %w", err)
	}
	return &p, nil
}

// UpsertProfile implements provision.Directory. Empty incoming fields keep
// the stored value, so a later pass can never clear an earlier resolution.
func (s *Storage) UpsertProfile(ctx context.Context, p *provision.Profile) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO profiles (user_id, clinic_id, role, display_name, billing_customer_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			clinic_id = CASE WHEN EXCLUDED.clinic_id <> '' THEN EXCLUDED.clinic_id ELSE profiles.clinic_id END,
			role = EXCLUDED.role,
			display_name = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.display_name ELSE profiles.display_name END,
			billing_customer_id = CASE WHEN EXCLUDED.billing_customer_id <> '' THEN EXCLUDED.billing_customer_id ELSE profiles.billing_customer_id END,
			updated_at = EXCLUDED.updated_at`,
		p.UserID, p.ClinicID, p.Role, p.DisplayName, p.BillingCustomerID, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

// GetClinic implements provision.Directory
func (s *Storage) GetClinic(ctx context.Context, clinicID string) (*provision.Clinic, error) {
	return scanClinic(s.pool.QueryRow(ctx,
		`SELECT clinic_id, owner_user_id, name, subscription_status, current_period_end, updated_at
		FROM clinics WHERE clinic_id = $1`, clinicID))
}

// FindClinicByOwner implements provision.Directory
func (s *Storage) FindClinicByOwner(ctx context.Context, ownerUserID string) (*provision.Clinic, error) {
	return scanClinic(s.pool.QueryRow(ctx,
		`SELECT clinic_id, owner_user_id, name, subscription_status, current_period_end, updated_at
		FROM clinics WHERE owner_user_id = $1`, ownerUserID))
}

func scanClinic(row pgx.Row) (*provision.Clinic, error) {
	var c provision.Clinic
	err := row.Scan(&c.ID, &c.OwnerUserID, &c.Name, &c.SubscriptionStatus, &c.CurrentPeriodEnd, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, provision.ErrClinicNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan clinic: %w", err)
	}
	return &c, nil
}

// UpsertClinicByOwner implements provision.Directory. The owner uniqueness
// constraint makes concurrent creation attempts converge on one row, which
// the RETURNING clause hands back to every caller.
func (s *Storage) UpsertClinicByOwner(ctx context.Context, c *provision.Clinic) (*provision.Clinic, error) {
	return scanClinic(s.pool.QueryRow(ctx,
		`INSERT INTO clinics (clinic_id, owner_user_id, name, subscription_status, current_period_end, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner_user_id) DO UPDATE SET
			name = CASE WHEN clinics.name = '' THEN EXCLUDED.name ELSE clinics.name END,
			updated_at = EXCLUDED.updated_at
		RETURNING clinic_id, owner_user_id, name, subscription_status, current_period_end, updated_at`,
		c.ID, c.OwnerUserID, c.Name, c.SubscriptionStatus, c.CurrentPeriodEnd, c.UpdatedAt))
}

// UpdateClinicBilling implements provision.Directory
func (s *Storage) UpdateClinicBilling(ctx context.Context, clinicID, status string, periodEnd time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE clinics
		SET subscription_status = $2, current_period_end = $3, updated_at = NOW()
		WHERE clinic_id = $1`,
		clinicID, status, periodEnd)
	if err != nil {
		return fmt.Errorf("failed to update clinic billing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return provision.ErrClinicNotFound
	}
	return nil
}

// UpsertMembership implements provision.Directory
func (s *Storage) UpsertMembership(ctx context.Context, m *provision.Membership) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO memberships (clinic_id, user_id, role, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (clinic_id, user_id) DO UPDATE SET
			role = EXCLUDED.role,
			updated_at = EXCLUDED.updated_at`,
		m.ClinicID, m.UserID, m.Role, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert membership: %w", err)
	}
	return nil
}

// GetIntent implements provision.Directory
func (s *Storage) GetIntent(ctx context.Context, intentID string) (*provision.SignupIntent, error) {
	var intent provision.SignupIntent
	err := s.pool.QueryRow(ctx,
		`SELECT intent_id, user_id, clinic_id, clinic_name, email, converted, updated_at
		FROM signup_intents WHERE intent_id = $1`,
		intentID).Scan(
		&intent.ID,
		&intent.UserID,
		&intent.ClinicID,
		&intent.ClinicName,
		&intent.Email,
		&intent.Converted,
		&intent.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, provision.ErrIntentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get signup intent: %w", err)
	}
	return &intent, nil
}

// UpsertIntent implements provision.Directory
func (s *Storage) UpsertIntent(ctx context.Context, intent *provision.SignupIntent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO signup_intents (intent_id, user_id, clinic_id, clinic_name, email, converted, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (intent_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			clinic_id = EXCLUDED.clinic_id,
			clinic_name = EXCLUDED.clinic_name,
			email = EXCLUDED.email,
			converted = EXCLUDED.converted,
			updated_at = EXCLUDED.updated_at`,
		intent.ID, intent.UserID, intent.ClinicID, intent.ClinicName, intent.Email,
		intent.Converted, intent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert signup intent: %w", err)
	}
	return nil
}

// ConvertIntent implements provision.Directory
func (s *Storage) ConvertIntent(ctx context.Context, intentID, clinicID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE signup_intents
		SET converted = TRUE, clinic_id = $2, updated_at = NOW()
		WHERE intent_id = $1`,
		intentID, clinicID)
	if err != nil {
		return fmt.Errorf("failed to convert signup intent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return provision.ErrIntentNotFound
	}
	return nil
}

// Subscription store

// GetSubscription implements provision.SubscriptionStore
func (s *Storage) GetSubscription(ctx context.Context, subscriptionID string) (*provision.SubscriptionRecord, error) {
	return scanSubscription(s.pool.QueryRow(ctx,
		`SELECT subscription_id, clinic_id, customer_id, plan, status, current_period_end, updated_at
		FROM subscriptions WHERE subscription_id = $1`, subscriptionID))
}

// FindSubscriptionByCustomer implements provision.SubscriptionStore
func (s *Storage) FindSubscriptionByCustomer(ctx context.Context, customerID string) (*provision.SubscriptionRecord, error) {
	if customerID == "" {
		return nil, provision.ErrSubscriptionNotFound
	}
	return scanSubscription(s.pool.QueryRow(ctx,
		`SELECT subscription_id, clinic_id, customer_id, plan, status, current_period_end, updated_at
		FROM subscriptions WHERE customer_id = $1
		ORDER BY updated_at DESC LIMIT 1`, customerID))
}

func scanSubscription(row pgx.Row) (*provision.SubscriptionRecord, error) {
	var rec provision.SubscriptionRecord
	err := row.Scan(&rec.ID, &rec.ClinicID, &rec.CustomerID, &rec.Plan, &rec.Status,
		&rec.CurrentPeriodEnd, &rec.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, provision.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	return &rec, nil
}

// UpsertSubscription implements provision.SubscriptionStore
func (s *Storage) UpsertSubscription(ctx context.Context, rec *provision.SubscriptionRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (subscription_id, clinic_id, customer_id, plan, status, current_period_end, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (subscription_id) DO UPDATE SET
			clinic_id = EXCLUDED.clinic_id,
			customer_id = EXCLUDED.customer_id,
			plan = EXCLUDED.plan,
			status = EXCLUDED.status,
			current_period_end = EXCLUDED.current_period_end,
			updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.ClinicID, rec.CustomerID, rec.Plan, rec.Status,
		rec.CurrentPeriodEnd, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// RecordPayment implements provision.SubscriptionStore. Keyed by invoice
// id; a redelivered invoice event leaves the existing row untouched.
func (s *Storage) RecordPayment(ctx context.Context, p *provision.PaymentRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO payments (invoice_id, clinic_id, subscription_id, amount_cents, currency, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (invoice_id) DO NOTHING`,
		p.InvoiceID, p.ClinicID, p.SubscriptionID, p.AmountCents, p.Currency, p.PaidAt)
	if err != nil {
		return fmt.Errorf("failed to record payment: %w", err)
	}
	return nil
}

// ListPayments implements provision.SubscriptionStore
func (s *Storage) ListPayments(ctx context.Context, clinicID string, limit int) ([]*provision.PaymentRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT invoice_id, clinic_id, subscription_id, amount_cents, currency, paid_at
		FROM payments WHERE clinic_id = $1
		ORDER BY paid_at DESC LIMIT $2`,
		clinicID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var out []*provision.PaymentRecord
	for rows.Next() {
		var p provision.PaymentRecord
		if err := rows.Scan(&p.InvoiceID, &p.ClinicID, &p.SubscriptionID,
			&p.AmountCents, &p.Currency, &p.PaidAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
