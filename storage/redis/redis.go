// Package redis provides a Redis implementation of the provision event and
// job stores. Every event mutation runs inside a Lua script that rewrites
// only its own fields, so concurrent deliveries race on single atomic steps
// and a transition can never be clobbered by a stale read, matching the SQL
// backends. The directory and subscription surfaces are relational by nature
// and are not implemented here.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clinicdesk/provision/pkg/provision"
)

// Storage implements provision.EventStore and provision.JobStore using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "provision:")
	KeyPrefix string

	// EventTTL is the TTL for event keys (0 = no expiration)
	EventTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "provision:",
		EventTTL:  30 * 24 * time.Hour,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "provision:"
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Insert the event only if the key does not exist yet.
	s.scripts["insert"] = redis.NewScript(`
		local key = KEYS[1]
		local data = ARGV[1]
		local ttl = tonumber(ARGV[2])

		if redis.call('EXISTS', key) == 1 then
			return 0
		end
		redis.call('SET', key, data)
		if ttl > 0 then
			redis.call('EXPIRE', key, ttl)
		end
		return 1
	`)

	// Transition the event to processing only when its current status is in
	// the allowed set. The stored value is the full JSON document; the script
	// decodes, checks and rewrites it in one step.
	s.scripts["claim"] = redis.NewScript(`
		local key = KEYS[1]
		local now = ARGV[1]
		local raw = redis.call('GET', key)
		if not raw then
			return -1
		end
		local ev = cjson.decode(raw)
		local allowed = false
		for i = 2, #ARGV do
			if ev.Status == ARGV[i] then
				allowed = true
				break
			end
		end
		if not allowed then
			return 0
		end
		ev.Status = 'processing'
		ev.ProcessingStartedAt = now
		ev.UpdatedAt = now
		redis.call('SET', key, cjson.encode(ev), 'KEEPTTL')
		return 1
	`)

	// Bump the redelivery bookkeeping. Status is left untouched so a claim
	// that lands between deliveries cannot be reverted.
	s.scripts["touch"] = redis.NewScript(`
		local key = KEYS[1]
		local now = ARGV[1]
		local raw = redis.call('GET', key)
		if not raw then
			return -1
		end
		local ev = cjson.decode(raw)
		ev.AttemptCount = ev.AttemptCount + 1
		ev.LastSeenAt = now
		ev.UpdatedAt = now
		redis.call('SET', key, cjson.encode(ev), 'KEEPTTL')
		return 1
	`)

	// Record the success terminal state.
	s.scripts["processed"] = redis.NewScript(`
		local key = KEYS[1]
		local now = ARGV[1]
		local raw = redis.call('GET', key)
		if not raw then
			return -1
		end
		local ev = cjson.decode(raw)
		ev.Status = 'processed'
		ev.ProcessedAt = now
		ev.ErrorMessage = ''
		ev.UpdatedAt = now
		redis.call('SET', key, cjson.encode(ev), 'KEEPTTL')
		return 1
	`)

	// Record the failure terminal state. Processed is final and never
	// demoted.
	s.scripts["failed"] = redis.NewScript(`
		local key = KEYS[1]
		local now = ARGV[1]
		local message = ARGV[2]
		local raw = redis.call('GET', key)
		if not raw then
			return -1
		end
		local ev = cjson.decode(raw)
		if ev.Status == 'processed' then
			return 0
		end
		ev.Status = 'failed'
		ev.ErrorMessage = message
		ev.UpdatedAt = now
		redis.call('SET', key, cjson.encode(ev), 'KEEPTTL')
		return 1
	`)
}

func (s *Storage) eventKey(eventID string) string {
	return s.config.KeyPrefix + "event:" + eventID
}

func (s *Storage) jobKey(jobID string) string {
	return s.config.KeyPrefix + "job:" + jobID
}

func (s *Storage) jobIndexKey(kind, value string) string {
	return s.config.KeyPrefix + "job-" + kind + ":" + value
}

func (s *Storage) jobStatusKey(status provision.JobStatus) string {
	return s.config.KeyPrefix + "jobs-by-status:" + string(status)
}

// Event store

// InsertProcessing implements provision.EventStore
func (s *Storage) InsertProcessing(ctx context.Context, ev *provision.InboundEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	res, err := s.scripts["insert"].Run(ctx, s.client,
		[]string{s.eventKey(ev.ID)},
		string(data), int64(s.config.EventTTL.Seconds())).Int()
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	if res == 0 {
		return provision.ErrDuplicateEvent
	}
	return nil
}

// GetEvent implements provision.EventStore
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*provision.InboundEvent, error) {
	raw, err := s.client.Get(ctx, s.eventKey(eventID)).Result()
	if err == redis.Nil {
		return nil, provision.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	var ev provision.InboundEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &ev, nil
}

// TouchEvent implements provision.EventStore
func (s *Storage) TouchEvent(ctx context.Context, eventID string) error {
	res, err := s.scripts["touch"].Run(ctx, s.client,
		[]string{s.eventKey(eventID)},
		time.Now().UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return fmt.Errorf("failed to touch event: %w", err)
	}
	if res == -1 {
		return provision.ErrEventNotFound
	}
	return nil
}

// TryClaimEvent implements provision.EventStore
func (s *Storage) TryClaimEvent(ctx context.Context, eventID string, from []provision.EventStatus) (bool, error) {
	args := make([]interface{}, 0, len(from)+1)
	args = append(args, time.Now().UTC().Format(time.RFC3339Nano))
	for _, st := range from {
		args = append(args, string(st))
	}
	res, err := s.scripts["claim"].Run(ctx, s.client,
		[]string{s.eventKey(eventID)}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("failed to claim event: %w", err)
	}
	if res == -1 {
		return false, provision.ErrEventNotFound
	}
	return res == 1, nil
}

// MarkEventProcessed implements provision.EventStore
func (s *Storage) MarkEventProcessed(ctx context.Context, eventID string) error {
	res, err := s.scripts["processed"].Run(ctx, s.client,
		[]string{s.eventKey(eventID)},
		time.Now().UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	if res == -1 {
		return provision.ErrEventNotFound
	}
	return nil
}

// MarkEventFailed implements provision.EventStore
func (s *Storage) MarkEventFailed(ctx context.Context, eventID, message string) error {
	res, err := s.scripts["failed"].Run(ctx, s.client,
		[]string{s.eventKey(eventID)},
		time.Now().UTC().Format(time.RFC3339Nano), message).Int()
	if err != nil {
		return fmt.Errorf("failed to mark event failed: %w", err)
	}
	if res == -1 {
		return provision.ErrEventNotFound
	}
	return nil
}

// Job store

// CreateJob implements provision.JobStore. Uniqueness on the triggering
// event id is enforced through an index key written with SETNX.
func (s *Storage) CreateJob(ctx context.Context, job *provision.ProvisioningJob) error {
	if job.StripeEventID != "" {
		ok, err := s.client.SetNX(ctx,
			s.jobIndexKey("event", job.StripeEventID), job.ID, 0).Result()
		if err != nil {
			return fmt.Errorf("failed to reserve job index: %w", err)
		}
		if !ok {
			return provision.ErrDuplicateJob
		}
	}
	if err := s.writeJob(ctx, job); err != nil {
		return err
	}
	return s.indexJob(ctx, job, "")
}

// GetJob implements provision.JobStore
func (s *Storage) GetJob(ctx context.Context, jobID string) (*provision.ProvisioningJob, error) {
	raw, err := s.client.Get(ctx, s.jobKey(jobID)).Result()
	if err == redis.Nil {
		return nil, provision.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	var job provision.ProvisioningJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// FindJobByEventID implements provision.JobStore
func (s *Storage) FindJobByEventID(ctx context.Context, eventID string) (*provision.ProvisioningJob, error) {
	return s.findIndexed(ctx, "event", eventID)
}

// FindJobBySessionID implements provision.JobStore
func (s *Storage) FindJobBySessionID(ctx context.Context, sessionID string) (*provision.ProvisioningJob, error) {
	return s.findIndexed(ctx, "session", sessionID)
}

// FindJobByIntentID implements provision.JobStore
func (s *Storage) FindJobByIntentID(ctx context.Context, intentID string) (*provision.ProvisioningJob, error) {
	return s.findIndexed(ctx, "intent", intentID)
}

func (s *Storage) findIndexed(ctx context.Context, kind, value string) (*provision.ProvisioningJob, error) {
	if value == "" {
		return nil, provision.ErrJobNotFound
	}
	jobID, err := s.client.Get(ctx, s.jobIndexKey(kind, value)).Result()
	if err == redis.Nil {
		return nil, provision.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve job index: %w", err)
	}
	return s.GetJob(ctx, jobID)
}

// UpdateJob implements provision.JobStore
func (s *Storage) UpdateJob(ctx context.Context, job *provision.ProvisioningJob) error {
	existing, err := s.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if err := s.writeJob(ctx, job); err != nil {
		return err
	}
	return s.indexJob(ctx, job, existing.Status)
}

// ListJobsByStatus implements provision.JobStore
func (s *Storage) ListJobsByStatus(ctx context.Context, status provision.JobStatus, limit int) ([]*provision.ProvisioningJob, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRange(ctx, s.jobStatusKey(status), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	out := make([]*provision.ProvisioningJob, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if errors.Is(err, provision.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *Storage) writeJob(ctx context.Context, job *provision.ProvisioningJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := s.client.Set(ctx, s.jobKey(job.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write job: %w", err)
	}
	return nil
}

// indexJob maintains the lookup and status index keys for a job. prevStatus
// is the status before this write ("" for a new job).
func (s *Storage) indexJob(ctx context.Context, job *provision.ProvisioningJob, prevStatus provision.JobStatus) error {
	pipe := s.client.Pipeline()
	if job.CheckoutSessionID != "" {
		pipe.Set(ctx, s.jobIndexKey("session", job.CheckoutSessionID), job.ID, 0)
	}
	if job.IntentID != "" {
		pipe.Set(ctx, s.jobIndexKey("intent", job.IntentID), job.ID, 0)
	}
	if prevStatus != "" && prevStatus != job.Status {
		pipe.ZRem(ctx, s.jobStatusKey(prevStatus), job.ID)
	}
	pipe.ZAdd(ctx, s.jobStatusKey(job.Status), redis.Z{
		Score:  float64(job.CreatedAt.UnixNano()),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index job: %w", err)
	}
	return nil
}
