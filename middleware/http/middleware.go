// Package http provides net/http handlers for the provisioning status and
// reprocess surfaces
package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/clinicdesk/provision/pkg/provision"
)

// CallerExtractor builds the acting caller from an HTTP request
// Return a zero Caller if the request is not authenticated
type CallerExtractor func(r *http.Request) provision.Caller

// Config holds handler configuration
type Config struct {
	// Status is the status query surface (required for StatusHandler)
	Status *provision.StatusQuery

	// Reprocessor is the reprocessing gateway (required for ReprocessHandler)
	Reprocessor *provision.Reprocessor

	// GetCaller extracts the acting caller from the request (required for
	// ReprocessHandler)
	GetCaller CallerExtractor

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// StatusHandler returns a handler answering provisioning progress queries.
// Exactly one of the session_id and intent_id query parameters must be set.
func StatusHandler(config Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		sessionID := r.URL.Query().Get("session_id")
		intentID := r.URL.Query().Get("intent_id")
		if (sessionID == "") == (intentID == "") {
			http.Error(w, "exactly one of session_id and intent_id is required", http.StatusBadRequest)
			return
		}

		var report *provision.StatusReport
		var err error
		if sessionID != "" {
			report, err = config.Status.BySession(r.Context(), sessionID)
		} else {
			report, err = config.Status.ByIntent(r.Context(), intentID)
		}
		if err != nil {
			handleError(config, w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	})
}

// PaymentsHandler returns a handler listing a clinic's recorded payments,
// newest first.
func PaymentsHandler(config Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		clinicID := r.URL.Query().Get("clinic_id")
		if clinicID == "" {
			http.Error(w, "clinic_id is required", http.StatusBadRequest)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		payments, err := config.Status.PaymentHistory(r.Context(), clinicID, limit)
		if err != nil {
			handleError(config, w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payments)
	})
}

// ReprocessHandler returns a handler that re-runs a stored job. The job id
// comes from the job_id query parameter; the caller identity comes from
// config.GetCaller.
func ReprocessHandler(config Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		jobID := r.URL.Query().Get("job_id")
		if jobID == "" {
			http.Error(w, "job_id is required", http.StatusBadRequest)
			return
		}

		caller := provision.Caller{}
		if config.GetCaller != nil {
			caller = config.GetCaller(r)
		}

		job, err := config.Reprocessor.Reprocess(r.Context(), jobID, caller)
		if err != nil {
			switch {
			case errors.Is(err, provision.ErrNotAuthorized):
				http.Error(w, "forbidden", http.StatusForbidden)
			case errors.Is(err, provision.ErrJobNotFound):
				http.Error(w, "job not found", http.StatusNotFound)
			default:
				handleError(config, w, r, err)
			}
			return
		}
		writeJSON(w, http.StatusOK, job)
	})
}

// FromHeaders returns a CallerExtractor reading the admin identity from the
// given clinic and role headers.
func FromHeaders(clinicHeader, roleHeader string) CallerExtractor {
	return func(r *http.Request) provision.Caller {
		return provision.AdminCaller(r.Header.Get(clinicHeader), r.Header.Get(roleHeader))
	}
}

func handleError(config Config, w http.ResponseWriter, r *http.Request, err error) {
	if config.OnError != nil {
		config.OnError(w, r, err)
		return
	}
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
