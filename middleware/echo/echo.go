// Package echo provides Echo handlers for the provisioning status and
// reprocess surfaces
package echo

import (
	"errors"
	"net/http"
	"strconv"

	goecho "github.com/labstack/echo/v4"

	"github.com/clinicdesk/provision/pkg/provision"
)

// CallerExtractor builds the acting caller from an Echo context
// Return a zero Caller if the request is not authenticated
type CallerExtractor func(c goecho.Context) provision.Caller

// Config holds handler configuration
type Config struct {
	// Status is the status query surface (required for StatusHandler)
	Status *provision.StatusQuery

	// Reprocessor is the reprocessing gateway (required for
	// ReprocessHandler)
	Reprocessor *provision.Reprocessor

	// GetCaller extracts the acting caller from the context (required for
	// ReprocessHandler)
	GetCaller CallerExtractor
}

// StatusHandler returns an Echo handler answering provisioning progress
// queries. Exactly one of the session_id and intent_id query parameters must
// be set.
func StatusHandler(cfg Config) goecho.HandlerFunc {
	if cfg.Status == nil {
		panic("provision/echo: Config.Status is required")
	}
	return func(c goecho.Context) error {
		sessionID := c.QueryParam("session_id")
		intentID := c.QueryParam("intent_id")
		if (sessionID == "") == (intentID == "") {
			return goecho.NewHTTPError(http.StatusBadRequest, "exactly one of session_id and intent_id is required")
		}

		var report *provision.StatusReport
		var err error
		if sessionID != "" {
			report, err = cfg.Status.BySession(c.Request().Context(), sessionID)
		} else {
			report, err = cfg.Status.ByIntent(c.Request().Context(), intentID)
		}
		if err != nil {
			return goecho.NewHTTPError(http.StatusInternalServerError, "internal server error")
		}
		return c.JSON(http.StatusOK, report)
	}
}

// PaymentsHandler returns an Echo handler listing a clinic's recorded
// payments, newest first.
func PaymentsHandler(cfg Config) goecho.HandlerFunc {
	if cfg.Status == nil {
		panic("provision/echo: Config.Status is required")
	}
	return func(c goecho.Context) error {
		clinicID := c.QueryParam("clinic_id")
		if clinicID == "" {
			return goecho.NewHTTPError(http.StatusBadRequest, "clinic_id is required")
		}
		limit, _ := strconv.Atoi(c.QueryParam("limit"))

		payments, err := cfg.Status.PaymentHistory(c.Request().Context(), clinicID, limit)
		if err != nil {
			return goecho.NewHTTPError(http.StatusInternalServerError, "internal server error")
		}
		return c.JSON(http.StatusOK, payments)
	}
}

// ReprocessHandler returns an Echo handler that re-runs a stored job. The
// job id comes from the job_id path parameter.
func ReprocessHandler(cfg Config) goecho.HandlerFunc {
	if cfg.Reprocessor == nil {
		panic("provision/echo: Config.Reprocessor is required")
	}
	return func(c goecho.Context) error {
		jobID := c.Param("job_id")
		if jobID == "" {
			return goecho.NewHTTPError(http.StatusBadRequest, "job_id is required")
		}

		caller := provision.Caller{}
		if cfg.GetCaller != nil {
			caller = cfg.GetCaller(c)
		}

		job, err := cfg.Reprocessor.Reprocess(c.Request().Context(), jobID, caller)
		if err != nil {
			switch {
			case errors.Is(err, provision.ErrNotAuthorized):
				return goecho.NewHTTPError(http.StatusForbidden, "forbidden")
			case errors.Is(err, provision.ErrJobNotFound):
				return goecho.NewHTTPError(http.StatusNotFound, "job not found")
			default:
				return goecho.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}
		}
		return c.JSON(http.StatusOK, job)
	}
}

// FromHeaders returns a CallerExtractor reading the admin identity from the
// given clinic and role headers.
func FromHeaders(clinicHeader, roleHeader string) CallerExtractor {
	return func(c goecho.Context) provision.Caller {
		return provision.AdminCaller(
			c.Request().Header.Get(clinicHeader),
			c.Request().Header.Get(roleHeader),
		)
	}
}
