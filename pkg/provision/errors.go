package provision

import "errors"

var (
	// ErrDuplicateEvent is returned when an event with the same provider id
	// already exists in the event store
	ErrDuplicateEvent = errors.New("event already recorded")

	// ErrEventNotFound is returned when no event exists for the given id
	ErrEventNotFound = errors.New("event not found")

	// ErrDuplicateJob is returned when a job for the same stripe event id
	// already exists
	ErrDuplicateJob = errors.New("job already exists for event")

	// ErrJobNotFound is returned when no job exists for the given key
	ErrJobNotFound = errors.New("job not found")

	// ErrNoActingUser is returned when no user id can be resolved from the
	// payload or the signup intent; provisioning cannot proceed without one
	ErrNoActingUser = errors.New("no acting user could be resolved")

	// ErrInvalidPayload is returned when a stored job payload does not match
	// the expected shape
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrNotAuthorized is returned by the reprocessing gateway before any
	// state is touched
	ErrNotAuthorized = errors.New("caller not authorized to reprocess job")

	// ErrProfileNotFound is returned when a user has no profile
	ErrProfileNotFound = errors.New("profile not found")

	// ErrClinicNotFound is returned when no clinic matches the lookup key
	ErrClinicNotFound = errors.New("clinic not found")

	// ErrIntentNotFound is returned when no signup intent exists for the id
	ErrIntentNotFound = errors.New("signup intent not found")

	// ErrSubscriptionNotFound is returned when no local subscription record
	// matches the lookup key
	ErrSubscriptionNotFound = errors.New("subscription record not found")
)
