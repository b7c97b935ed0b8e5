package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicdesk/provision/pkg/provision"
	"github.com/clinicdesk/provision/storage/memory"
)

func setup(t *testing.T) (Config, *provision.ProvisioningJob) {
	t.Helper()
	store := memory.New()

	orch, err := provision.NewOrchestrator(provision.OrchestratorConfig{
		Jobs:          store,
		Directory:     store,
		Subscriptions: store,
	})
	require.NoError(t, err)
	reprocessor, err := provision.NewReprocessor(provision.ReprocessorConfig{
		Jobs:         store,
		Orchestrator: orch,
	})
	require.NoError(t, err)
	status, err := provision.NewStatusQuery(provision.StatusQueryConfig{
		Jobs:          store,
		Subscriptions: store,
	})
	require.NoError(t, err)

	job, err := orch.Provision(context.Background(), &provision.CheckoutSession{
		ID:             "cs_1",
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		Metadata:       map[string]string{provision.MetaUserID: "user_1"},
	}, "evt_1")
	require.NoError(t, err)

	return Config{
		Status:      status,
		Reprocessor: reprocessor,
		GetCaller:   FromHeaders("X-Clinic-ID", "X-Clinic-Role"),
	}, job
}

func TestStatusHandlerBySession(t *testing.T) {
	cfg, _ := setup(t)
	handler := StatusHandler(cfg)

	req := httptest.NewRequest(http.MethodGet, "/status?session_id=cs_1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var report provision.StatusReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.Ready)
	assert.NotEmpty(t, report.ClinicID)
}

func TestStatusHandlerRequiresExactlyOneKey(t *testing.T) {
	cfg, _ := setup(t)
	handler := StatusHandler(cfg)

	for _, target := range []string{"/status", "/status?session_id=a&intent_id=b"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestStatusHandlerUnknownSession(t *testing.T) {
	cfg, _ := setup(t)
	handler := StatusHandler(cfg)

	req := httptest.NewRequest(http.MethodGet, "/status?session_id=cs_missing", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var report provision.StatusReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.False(t, report.Ready)
}

func TestReprocessHandlerAuthorization(t *testing.T) {
	cfg, job := setup(t)
	handler := ReprocessHandler(cfg)

	// Admin of the right clinic succeeds.
	req := httptest.NewRequest(http.MethodPost, "/reprocess?job_id="+job.ID, nil)
	req.Header.Set("X-Clinic-ID", job.ClinicID)
	req.Header.Set("X-Clinic-Role", provision.RoleAdmin)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Admin of another clinic is forbidden.
	req = httptest.NewRequest(http.MethodPost, "/reprocess?job_id="+job.ID, nil)
	req.Header.Set("X-Clinic-ID", "other")
	req.Header.Set("X-Clinic-Role", provision.RoleAdmin)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Unknown job maps to 404.
	req = httptest.NewRequest(http.MethodPost, "/reprocess?job_id=missing", nil)
	req.Header.Set("X-Clinic-ID", job.ClinicID)
	req.Header.Set("X-Clinic-Role", provision.RoleAdmin)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPaymentsHandlerRequiresClinicID(t *testing.T) {
	cfg, _ := setup(t)
	handler := PaymentsHandler(cfg)

	req := httptest.NewRequest(http.MethodGet, "/payments", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
