// Package gin provides Gin handlers for the provisioning status and
// reprocess surfaces
package gin

import (
	"errors"
	"net/http"
	"strconv"

	gongin "github.com/gin-gonic/gin"

	"github.com/clinicdesk/provision/pkg/provision"
)

// CallerExtractor builds the acting caller from a Gin context
// Return a zero Caller if the request is not authenticated
type CallerExtractor func(c *gongin.Context) provision.Caller

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

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// StatusHandler returns a Gin handler answering provisioning progress
// queries. Exactly one of the session_id and intent_id query parameters must
// be set.
func StatusHandler(cfg Config) gongin.HandlerFunc {
	if cfg.Status == nil {
		panic("provision/gin: Config.Status is required")
	}
	return func(c *gongin.Context) {
		sessionID := c.Query("session_id")
		intentID := c.Query("intent_id")
		if (sessionID == "") == (intentID == "") {
			c.JSON(http.StatusBadRequest, gongin.H{"error": "exactly one of session_id and intent_id is required"})
			return
		}

		var report *provision.StatusReport
		var err error
		if sessionID != "" {
			report, err = cfg.Status.BySession(c.Request.Context(), sessionID)
		} else {
			report, err = cfg.Status.ByIntent(c.Request.Context(), intentID)
		}
		if err != nil {
			handleError(cfg, c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

// PaymentsHandler returns a Gin handler listing a clinic's recorded
// payments, newest first.
func PaymentsHandler(cfg Config) gongin.HandlerFunc {
	if cfg.Status == nil {
		panic("provision/gin: Config.Status is required")
	}
	return func(c *gongin.Context) {
		clinicID := c.Query("clinic_id")
		if clinicID == "" {
			c.JSON(http.StatusBadRequest, gongin.H{"error": "clinic_id is required"})
			return
		}
		limit, _ := strconv.Atoi(c.Query("limit"))

		payments, err := cfg.Status.PaymentHistory(c.Request.Context(), clinicID, limit)
		if err != nil {
			handleError(cfg, c, err)
			return
		}
		c.JSON(http.StatusOK, payments)
	}
}

// ReprocessHandler returns a Gin handler that re-runs a stored job. The job
// id comes from the job_id path parameter.
func ReprocessHandler(cfg Config) gongin.HandlerFunc {
	if cfg.Reprocessor == nil {
		panic("provision/gin: Config.Reprocessor is required")
	}
	return func(c *gongin.Context) {
		jobID := c.Param("job_id")
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gongin.H{"error": "job_id is required"})
			return
		}

		caller := provision.Caller{}
		if cfg.GetCaller != nil {
			caller = cfg.GetCaller(c)
		}

		job, err := cfg.Reprocessor.Reprocess(c.Request.Context(), jobID, caller)
		if err != nil {
			switch {
			case errors.Is(err, provision.ErrNotAuthorized):
				c.JSON(http.StatusForbidden, gongin.H{"error": "forbidden"})
			case errors.Is(err, provision.ErrJobNotFound):
				c.JSON(http.StatusNotFound, gongin.H{"error": "job not found"})
			default:
				handleError(cfg, c, err)
			}
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// FromHeaders returns a CallerExtractor reading the admin identity from the
// given clinic and role headers.
func FromHeaders(clinicHeader, roleHeader string) CallerExtractor {
	return func(c *gongin.Context) provision.Caller {
		return provision.AdminCaller(c.GetHeader(clinicHeader), c.GetHeader(roleHeader))
	}
}

func handleError(cfg Config, c *gongin.Context, err error) {
	if cfg.OnError != nil {
		cfg.OnError(c, err)
		return
	}
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "internal server error"})
}
