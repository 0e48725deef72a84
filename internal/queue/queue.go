package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Common errors
var (
	ErrJobNotFound  = errors.New("job not found")
	ErrDuplicateJob = errors.New("duplicate job already exists")
)

// jobTTL is how long finished job records stay readable in Redis
const jobTTL = 7 * 24 * time.Hour

// JobStatus represents the status of a queued job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// JobPriority represents job priority levels
type JobPriority int

const (
	PriorityLow    JobPriority = 1
	PriorityNormal JobPriority = 5
	PriorityHigh   JobPriority = 10
)

// Job represents a queued job. The payload carries only identifiers; the
// database row is the source of truth for task state.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    JobPriority     `json:"priority"`
	Status      JobStatus       `json:"status"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`

	// ScheduledAt is a "not before" bound, not an exact firing time
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`

	// Locking
	LockedBy    string     `json:"locked_by,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`

	// Deduplication
	DedupeKey string `json:"dedupe_key,omitempty"`
}

// Queue represents a Redis-backed job queue
type Queue struct {
	redis     *redis.Client
	name      string
	keyPrefix string
}

// NewQueue creates a new Redis queue
func NewQueue(redisClient *redis.Client, name string) *Queue {
	return &Queue{
		redis:     redisClient,
		name:      name,
		keyPrefix: fmt.Sprintf("tgsuite:queue:%s:", name),
	}
}

// Key prefixes
func (q *Queue) pendingKey() string          { return q.keyPrefix + "pending" }
func (q *Queue) processingKey() string       { return q.keyPrefix + "processing" }
func (q *Queue) completedKey() string        { return q.keyPrefix + "completed" }
func (q *Queue) failedKey() string           { return q.keyPrefix + "failed" }
func (q *Queue) scheduledKey() string        { return q.keyPrefix + "scheduled" }
func (q *Queue) jobKey(id string) string     { return q.keyPrefix + "job:" + id }
func (q *Queue) dedupeKey(key string) string { return q.keyPrefix + "dedupe:" + key }
func (q *Queue) lockKey(id string) string    { return q.keyPrefix + "lock:" + id }

// Enqueue adds a job to the queue
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload interface{}, opts ...JobOption) (*Job, error) {
	job := &Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		Priority:   PriorityNormal,
		Status:     JobStatusPending,
		MaxRetries: 3,
		CreatedAt:  time.Now(),
	}

	for _, opt := range opts {
		opt(job)
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	job.Payload = payloadBytes

	// Check for duplicate if dedupe key is set
	if job.DedupeKey != "" {
		exists, err := q.redis.Exists(ctx, q.dedupeKey(job.DedupeKey)).Result()
		if err != nil {
			return nil, err
		}
		if exists > 0 {
			return nil, ErrDuplicateJob
		}
		q.redis.SetEX(ctx, q.dedupeKey(job.DedupeKey), job.ID, 24*time.Hour)
	}

	jobBytes, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}

	pipe := q.redis.Pipeline()
	pipe.Set(ctx, q.jobKey(job.ID), jobBytes, jobTTL)

	if job.ScheduledAt != nil && job.ScheduledAt.After(time.Now()) {
		// Deferred job: score is the earliest allowed start
		pipe.ZAdd(ctx, q.scheduledKey(), &redis.Z{
			Score:  float64(job.ScheduledAt.Unix()),
			Member: job.ID,
		})
	} else {
		// Immediate job: score is the priority
		pipe.ZAdd(ctx, q.pendingKey(), &redis.Z{
			Score:  float64(job.Priority),
			Member: job.ID,
		})
	}

	_, err = pipe.Exec(ctx)
	return job, err
}

// Dequeue retrieves and locks the next job for processing. It first promotes
// any scheduled jobs whose time bound has passed, then takes the highest
// priority pending job.
func (q *Queue) Dequeue(ctx context.Context, workerID string, lockDuration time.Duration) (*Job, error) {
	now := time.Now()
	dueJobs, err := q.redis.ZRangeByScore(ctx, q.scheduledKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return nil, err
	}

	for _, jobID := range dueJobs {
		job, err := q.GetJob(ctx, jobID)
		if err != nil {
			continue
		}
		pipe := q.redis.Pipeline()
		pipe.ZRem(ctx, q.scheduledKey(), jobID)
		pipe.ZAdd(ctx, q.pendingKey(), &redis.Z{
			Score:  float64(job.Priority),
			Member: jobID,
		})
		pipe.Exec(ctx)
	}

	result, err := q.redis.ZRevRangeWithScores(ctx, q.pendingKey(), 0, 0).Result()
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil // No jobs available
	}

	jobID := result[0].Member.(string)

	// Per-job lock so two workers never run the same job
	locked, err := q.redis.SetNX(ctx, q.lockKey(jobID), workerID, lockDuration).Result()
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, nil // Job was claimed by another worker
	}

	pipe := q.redis.Pipeline()
	pipe.ZRem(ctx, q.pendingKey(), jobID)
	pipe.SAdd(ctx, q.processingKey(), jobID)
	_, err = pipe.Exec(ctx)
	if err != nil {
		q.redis.Del(ctx, q.lockKey(jobID))
		return nil, err
	}

	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	now = time.Now()
	job.Status = JobStatusProcessing
	job.StartedAt = &now
	job.LockedBy = workerID
	lockedUntil := now.Add(lockDuration)
	job.LockedUntil = &lockedUntil

	if err := q.updateJob(ctx, job); err != nil {
		return nil, err
	}

	return job, nil
}

// Complete marks a job as completed
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	now := time.Now()
	job.Status = JobStatusCompleted
	job.CompletedAt = &now

	if job.DedupeKey != "" {
		q.redis.Del(ctx, q.dedupeKey(job.DedupeKey))
	}

	jobBytes, _ := json.Marshal(job)

	pipe := q.redis.Pipeline()
	pipe.SRem(ctx, q.processingKey(), jobID)
	pipe.ZAdd(ctx, q.completedKey(), &redis.Z{
		Score:  float64(now.Unix()),
		Member: jobID,
	})
	pipe.Del(ctx, q.lockKey(jobID))
	pipe.Set(ctx, q.jobKey(jobID), jobBytes, jobTTL)

	_, err = pipe.Exec(ctx)
	return err
}

// Fail marks a job as failed. Jobs with retries left go back through the
// scheduled set with exponential backoff; this covers infrastructure
// failures only. Task-level retries are decided by the execution engine,
// which enqueues a fresh delayed job instead.
func (q *Queue) Fail(ctx context.Context, jobID string, jobErr error) error {
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	job.Error = jobErr.Error()
	job.RetryCount++

	if job.RetryCount < job.MaxRetries {
		backoff := time.Duration(1<<uint(job.RetryCount)) * time.Second
		if backoff > 5*time.Minute {
			backoff = 5 * time.Minute
		}

		job.Status = JobStatusRetrying
		scheduledAt := time.Now().Add(backoff)
		job.ScheduledAt = &scheduledAt
		job.LockedBy = ""
		job.LockedUntil = nil

		jobBytes, _ := json.Marshal(job)

		pipe := q.redis.Pipeline()
		pipe.SRem(ctx, q.processingKey(), jobID)
		pipe.ZAdd(ctx, q.scheduledKey(), &redis.Z{
			Score:  float64(scheduledAt.Unix()),
			Member: jobID,
		})
		pipe.Del(ctx, q.lockKey(jobID))
		pipe.Set(ctx, q.jobKey(jobID), jobBytes, jobTTL)

		_, err = pipe.Exec(ctx)
		return err
	}

	now := time.Now()
	job.Status = JobStatusFailed
	job.CompletedAt = &now

	jobBytes, _ := json.Marshal(job)

	pipe := q.redis.Pipeline()
	pipe.SRem(ctx, q.processingKey(), jobID)
	pipe.ZAdd(ctx, q.failedKey(), &redis.Z{
		Score:  float64(now.Unix()),
		Member: jobID,
	})
	pipe.Del(ctx, q.lockKey(jobID))
	pipe.Set(ctx, q.jobKey(jobID), jobBytes, jobTTL)

	_, err = pipe.Exec(ctx)
	return err
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	data, err := q.redis.Get(ctx, q.jobKey(jobID)).Result()
	if err == redis.Nil {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (q *Queue) updateJob(ctx context.Context, job *Job) error {
	jobBytes, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.redis.Set(ctx, q.jobKey(job.ID), jobBytes, jobTTL).Err()
}

// Stats returns queue statistics
func (q *Queue) Stats(ctx context.Context) (*QueueStats, error) {
	pipe := q.redis.Pipeline()
	pendingCmd := pipe.ZCard(ctx, q.pendingKey())
	processingCmd := pipe.SCard(ctx, q.processingKey())
	completedCmd := pipe.ZCard(ctx, q.completedKey())
	failedCmd := pipe.ZCard(ctx, q.failedKey())
	scheduledCmd := pipe.ZCard(ctx, q.scheduledKey())

	_, err := pipe.Exec(ctx)
	if err != nil {
		return nil, err
	}

	return &QueueStats{
		Pending:    pendingCmd.Val(),
		Processing: processingCmd.Val(),
		Completed:  completedCmd.Val(),
		Failed:     failedCmd.Val(),
		Scheduled:  scheduledCmd.Val(),
	}, nil
}

// QueueStats represents queue statistics
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Scheduled  int64 `json:"scheduled"`
}

// JobOption is a function that configures a job
type JobOption func(*Job)

// WithPriority sets the job priority
func WithPriority(priority JobPriority) JobOption {
	return func(j *Job) {
		j.Priority = priority
	}
}

// WithMaxRetries sets the maximum queue-level retry count
func WithMaxRetries(maxRetries int) JobOption {
	return func(j *Job) {
		j.MaxRetries = maxRetries
	}
}

// WithDelay defers the job by at least the given duration
func WithDelay(delay time.Duration) JobOption {
	return func(j *Job) {
		scheduledAt := time.Now().Add(delay)
		j.ScheduledAt = &scheduledAt
	}
}

// WithScheduledAt defers the job until at least the given time
func WithScheduledAt(t time.Time) JobOption {
	return func(j *Job) {
		j.ScheduledAt = &t
	}
}

// WithDeduplication sets a deduplication key
func WithDeduplication(key string) JobOption {
	return func(j *Job) {
		j.DedupeKey = key
	}
}
