// Package fiber provides Fiber handlers for the provisioning status and
// reprocess surfaces
package fiber

import (
	"errors"
	"strconv"

	gofiber "github.com/gofiber/fiber/v2"

	"github.com/clinicdesk/provision/pkg/provision"
)

// CallerExtractor builds the acting caller from a Fiber context
// Return a zero Caller if the request is not authenticated
type CallerExtractor func(c *gofiber.Ctx) provision.Caller

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

// StatusHandler returns a Fiber handler answering provisioning progress
// queries. Exactly one of the session_id and intent_id query parameters must
// be set.
func StatusHandler(cfg Config) gofiber.Handler {
	if cfg.Status == nil {
		panic("provision/fiber: Config.Status is required")
	}
	return func(c *gofiber.Ctx) error {
		sessionID := c.Query("session_id")
		intentID := c.Query("intent_id")
		if (sessionID == "") == (intentID == "") {
			return c.Status(gofiber.StatusBadRequest).JSON(gofiber.Map{
				"error": "exactly one of session_id and intent_id is required",
			})
		}

		var report *provision.StatusReport
		var err error
		if sessionID != "" {
			report, err = cfg.Status.BySession(c.UserContext(), sessionID)
		} else {
			report, err = cfg.Status.ByIntent(c.UserContext(), intentID)
		}
		if err != nil {
			return c.Status(gofiber.StatusInternalServerError).JSON(gofiber.Map{"error": "internal server error"})
		}
		return c.JSON(report)
	}
}

// PaymentsHandler returns a Fiber handler listing a clinic's recorded
// payments, newest first.
func PaymentsHandler(cfg Config) gofiber.Handler {
	if cfg.Status == nil {
		panic("provision/fiber: Config.Status is required")
	}
	return func(c *gofiber.Ctx) error {
		clinicID := c.Query("clinic_id")
		if clinicID == "" {
			return c.Status(gofiber.StatusBadRequest).JSON(gofiber.Map{"error": "clinic_id is required"})
		}
		limit, _ := strconv.Atoi(c.Query("limit"))

		payments, err := cfg.Status.PaymentHistory(c.UserContext(), clinicID, limit)
		if err != nil {
			return c.Status(gofiber.StatusInternalServerError).JSON(gofiber.Map{"error": "internal server error"})
		}
		return c.JSON(payments)
	}
}

// ReprocessHandler returns a Fiber handler that re-runs a stored job. The
// job id comes from the job_id path parameter.
func ReprocessHandler(cfg Config) gofiber.Handler {
	if cfg.Reprocessor == nil {
		panic("provision/fiber: Config.Reprocessor is required")
	}
	return func(c *gofiber.Ctx) error {
		jobID := c.Params("job_id")
		if jobID == "" {
			return c.Status(gofiber.StatusBadRequest).JSON(gofiber.Map{"error": "job_id is required"})
		}

		caller := provision.Caller{}
		if cfg.GetCaller != nil {
			caller = cfg.GetCaller(c)
		}

		job, err := cfg.Reprocessor.Reprocess(c.UserContext(), jobID, caller)
		if err != nil {
			switch {
			case errors.Is(err, provision.ErrNotAuthorized):
				return c.Status(gofiber.StatusForbidden).JSON(gofiber.Map{"error": "forbidden"})
			case errors.Is(err, provision.ErrJobNotFound):
				return c.Status(gofiber.StatusNotFound).JSON(gofiber.Map{"error": "job not found"})
			default:
				return c.Status(gofiber.StatusInternalServerError).JSON(gofiber.Map{"error": "internal server error"})
			}
		}
		return c.JSON(job)
	}
}

// FromHeaders returns a CallerExtractor reading the admin identity from the
// given clinic and role headers.
func FromHeaders(clinicHeader, roleHeader string) CallerExtractor {
	return func(c *gofiber.Ctx) provision.Caller {
		return provision.AdminCaller(c.Get(clinicHeader), c.Get(roleHeader))
	}
}
