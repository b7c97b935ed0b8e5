package provision_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicdesk/provision/pkg/provision"
	"github.com/clinicdesk/provision/storage/memory"
)

func newStatusQuery(t *testing.T, store *memory.Store) *provision.StatusQuery {
	t.Helper()
	q, err := provision.NewStatusQuery(provision.StatusQueryConfig{
		Jobs:          store,
		Subscriptions: store,
	})
	require.NoError(t, err)
	return q
}

func TestStatusUnknownSessionReportsNotReady(t *testing.T) {
	q := newStatusQuery(t, memory.New())

	report, err := q.BySession(context.Background(), "cs_unknown")
	require.NoError(t, err)
	assert.False(t, report.Ready)
	assert.Nil(t, report.Job)
}

func TestStatusBySessionAfterProvisioning(t *testing.T) {
	store := memory.New()
	orch := newOrchestrator(t, store, nil)
	ctx := context.Background()

	_, err := orch.Provision(ctx, checkoutSession(), "evt_1")
	require.NoError(t, err)

	q := newStatusQuery(t, store)
	report, err := q.BySession(ctx, "cs_1")
	require.NoError(t, err)
	assert.True(t, report.Ready)
	require.NotNil(t, report.Job)
	assert.Equal(t, provision.JobDone, report.Job.Status)
	assert.NotEmpty(t, report.ClinicID)
	require.NotNil(t, report.Subscription)
	assert.Equal(t, "active", report.Subscription.Status)
}

func TestStatusByIntent(t *testing.T) {
	store := memory.New()
	orch := newOrchestrator(t, store, nil)
	ctx := context.Background()

	require.NoError(t, store.UpsertIntent(ctx, &provision.SignupIntent{
		ID:        "int_1",
		UserID:    "user_1",
		UpdatedAt: time.Now().UTC(),
	}))
	session := checkoutSession()
	session.Metadata[provision.MetaIntentID] = "int_1"

	_, err := orch.Provision(ctx, session, "evt_1")
	require.NoError(t, err)

	q := newStatusQuery(t, store)
	report, err := q.ByIntent(ctx, "int_1")
	require.NoError(t, err)
	assert.True(t, report.Ready)
}

func TestStatusFailedJobNotReady(t *testing.T) {
	store := memory.New()
	orch := newOrchestrator(t, store, nil)
	ctx := context.Background()

	session := checkoutSession()
	delete(session.Metadata, provision.MetaUserID)
	session.SubscriptionID = ""

	_, err := orch.Provision(ctx, session, "evt_1")
	require.Error(t, err)

	q := newStatusQuery(t, store)
	report, err := q.BySession(ctx, "cs_1")
	require.NoError(t, err)
	assert.False(t, report.Ready)
	require.NotNil(t, report.Job)
	assert.Equal(t, provision.JobFailed, report.Job.Status)
	assert.NotEmpty(t, report.Job.ErrorMessage)
}

func TestStatusReadyFromAccessGrantingSubscription(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	// Job stuck mid-machine, but the subscription record already grants
	// access: the surface reports ready.
	require.NoError(t, store.CreateJob(ctx, &provision.ProvisioningJob{
		ID:                "job_1",
		CheckoutSessionID: "cs_1",
		SubscriptionID:    "sub_1",
		Status:            provision.JobMembershipOK,
		Payload: provision.JobPayload{
			Kind:            provision.PayloadCheckoutSession,
			CheckoutSession: checkoutSession(),
		},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}))
	require.NoError(t, store.UpsertSubscription(ctx, &provision.SubscriptionRecord{
		ID:               "sub_1",
		ClinicID:         "clinic_1",
		Status:           "trialing",
		CurrentPeriodEnd: time.Now().UTC().Add(14 * 24 * time.Hour),
		UpdatedAt:        time.Now().UTC(),
	}))

	q := newStatusQuery(t, store)
	report, err := q.BySession(ctx, "cs_1")
	require.NoError(t, err)
	assert.True(t, report.Ready)
}

func TestPaymentHistory(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	older := time.Now().UTC().Add(-time.Hour)
	newer := time.Now().UTC()
	require.NoError(t, store.RecordPayment(ctx, &provision.PaymentRecord{
		InvoiceID: "in_1", ClinicID: "clinic_1", AmountCents: 4900, Currency: "usd", PaidAt: older,
	}))
	require.NoError(t, store.RecordPayment(ctx, &provision.PaymentRecord{
		InvoiceID: "in_2", ClinicID: "clinic_1", AmountCents: 5900, Currency: "usd", PaidAt: newer,
	}))
	require.NoError(t, store.RecordPayment(ctx, &provision.PaymentRecord{
		InvoiceID: "in_3", ClinicID: "clinic_2", AmountCents: 100, Currency: "usd", PaidAt: newer,
	}))

	q := newStatusQuery(t, store)
	payments, err := q.PaymentHistory(ctx, "clinic_1", 0)
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, "in_2", payments[0].InvoiceID, "newest first")
	assert.Equal(t, "in_1", payments[1].InvoiceID)

	_, err = q.PaymentHistory(ctx, "", 10)
	assert.Error(t, err)
}
