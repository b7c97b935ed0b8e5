package provision_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicdesk/provision/pkg/provision"
	"github.com/clinicdesk/provision/storage/memory"
)

func newReprocessor(t *testing.T, store *memory.Store, orch *provision.Orchestrator) *provision.Reprocessor {
	t.Helper()
	rp, err := provision.NewReprocessor(provision.ReprocessorConfig{
		Jobs:         store,
		Orchestrator: orch,
	})
	require.NoError(t, err)
	return rp
}

func TestReprocessInternalCaller(t *testing.T) {
	store := memory.New()
	dir := &flakyDirectory{Store: store, membershipFailures: 1}
	orch, err := provision.NewOrchestrator(provision.OrchestratorConfig{
		Jobs:          store,
		Directory:     dir,
		Subscriptions: store,
	})
	require.NoError(t, err)
	ctx := context.Background()

	failed, err := orch.Provision(ctx, checkoutSession(), "evt_1")
	require.Error(t, err)
	require.Equal(t, provision.JobFailed, failed.Status)

	rp := newReprocessor(t, store, orch)
	job, err := rp.Reprocess(ctx, failed.ID, provision.InternalCaller())
	require.NoError(t, err)
	assert.Equal(t, provision.JobDone, job.Status)
	assert.Empty(t, job.ErrorMessage)
}

func TestReprocessCompletedJobIsNoOp(t *testing.T) {
	store := memory.New()
	orch := newOrchestrator(t, store, nil)
	ctx := context.Background()

	done, err := orch.Provision(ctx, checkoutSession(), "evt_1")
	require.NoError(t, err)

	rp := newReprocessor(t, store, orch)
	job, err := rp.Reprocess(ctx, done.ID, provision.InternalCaller())
	require.NoError(t, err)
	assert.Equal(t, provision.JobDone, job.Status)
	assert.Equal(t, 1, store.ClinicCount())
}

func TestReprocessAdminScopedToClinic(t *testing.T) {
	store := memory.New()
	orch := newOrchestrator(t, store, nil)
	ctx := context.Background()

	done, err := orch.Provision(ctx, checkoutSession(), "evt_1")
	require.NoError(t, err)

	rp := newReprocessor(t, store, orch)

	// Matching clinic admin is allowed.
	_, err = rp.Reprocess(ctx, done.ID, provision.AdminCaller(done.ClinicID, provision.RoleAdmin))
	assert.NoError(t, err)

	// A different clinic's admin is rejected.
	_, err = rp.Reprocess(ctx, done.ID, provision.AdminCaller("other_clinic", provision.RoleAdmin))
	assert.True(t, errors.Is(err, provision.ErrNotAuthorized))

	// Right clinic, insufficient role.
	_, err = rp.Reprocess(ctx, done.ID, provision.AdminCaller(done.ClinicID, "staff"))
	assert.True(t, errors.Is(err, provision.ErrNotAuthorized))
}

func TestReprocessAdminRejectedForUnscopedJob(t *testing.T) {
	store := memory.New()
	orch := newOrchestrator(t, store, nil)
	ctx := context.Background()

	// A job that failed before clinic resolution has no scope an admin
	// could match.
	session := checkoutSession()
	delete(session.Metadata, provision.MetaUserID)
	failed, err := orch.Provision(ctx, session, "evt_1")
	require.Error(t, err)
	require.Empty(t, failed.ClinicID)

	rp := newReprocessor(t, store, orch)
	_, err = rp.Reprocess(ctx, failed.ID, provision.AdminCaller("any_clinic", provision.RoleAdmin))
	assert.True(t, errors.Is(err, provision.ErrNotAuthorized))

	// Internal operators can still reach it (and hit the same data issue).
	_, err = rp.Reprocess(ctx, failed.ID, provision.InternalCaller())
	assert.True(t, errors.Is(err, provision.ErrNoActingUser))
}

func TestReprocessUnknownJob(t *testing.T) {
	store := memory.New()
	orch := newOrchestrator(t, store, nil)
	rp := newReprocessor(t, store, orch)

	_, err := rp.Reprocess(context.Background(), "missing", provision.InternalCaller())
	assert.True(t, errors.Is(err, provision.ErrJobNotFound))
}

func TestReprocessUnknownCallerMode(t *testing.T) {
	store := memory.New()
	orch := newOrchestrator(t, store, nil)
	ctx := context.Background()

	done, err := orch.Provision(ctx, checkoutSession(), "evt_1")
	require.NoError(t, err)

	rp := newReprocessor(t, store, orch)
	_, err = rp.Reprocess(ctx, done.ID, provision.Caller{Mode: "service"})
	assert.True(t, errors.Is(err, provision.ErrNotAuthorized))
}
