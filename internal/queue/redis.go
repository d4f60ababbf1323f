package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	processingPrefix = "job:processing:"
	failedKey        = "job:failed"
)

// RedisQueue implements a job queue using Redis
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue creates a new Redis-based job queue. url is either a
// host:port address or a redis:// URL.
func NewRedisQueue(url, password string, db int) (*RedisQueue, error) {
	opts := &redis.Options{
		Addr:     url,
		Password: password,
		DB:       db,
	}
	if strings.HasPrefix(url, "redis://") || strings.HasPrefix(url, "rediss://") {
		parsed, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		if password != "" {
			parsed.Password = password
		}
		opts = parsed
	}
	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	log.Info().
		Str("addr", opts.Addr).
		Int("db", opts.DB).
		Msg("Redis queue connected successfully")

	return &RedisQueue{client: client}, nil
}

// NewRedisQueueWithClient wraps an existing client
func NewRedisQueueWithClient(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func queueKey(jobType JobType) string {
	return fmt.Sprintf("queue:%s", jobType)
}

// Enqueue adds a job to the queue, filling in ID, type and limits when unset
func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Type == "" {
		job.Type = JobTypeBuild
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	// Serialize job to JSON
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	// Push to the end of the list (FIFO)
	if err := q.client.RPush(ctx, queueKey(job.Type), data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Info().
		Str("jobID", job.ID).
		Str("type", string(job.Type)).
		Str("buildID", job.BuildID).
		Msg("Job enqueued")

	return nil
}

// Dequeue retrieves and removes a job from the queue (blocking). It returns
// nil without error when no job arrived within timeout.
func (q *RedisQueue) Dequeue(ctx context.Context, jobType JobType, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, queueKey(jobType)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// No job available within timeout - this is normal
			return nil, nil
		}
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}

	// BLPOP returns [key, value]
	if len(result) < 2 {
		return nil, fmt.Errorf("unexpected redis response: %v", result)
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	log.Debug().
		Str("jobID", job.ID).
		Str("type", string(job.Type)).
		Str("buildID", job.BuildID).
		Msg("Job dequeued")

	return &job, nil
}

// MarkProcessing marks a job as being processed (for tracking)
func (q *RedisQueue) MarkProcessing(ctx context.Context, jobID string) error {
	// Set with 1-hour expiration (TTL)
	if err := q.client.Set(ctx, processingPrefix+jobID, time.Now().Unix(), time.Hour).Err(); err != nil {
		return fmt.Errorf("failed to mark job as processing: %w", err)
	}

	return nil
}

// MarkComplete removes the processing marker for a job
func (q *RedisQueue) MarkComplete(ctx context.Context, jobID string) error {
	if err := q.client.Del(ctx, processingPrefix+jobID).Err(); err != nil {
		return fmt.Errorf("failed to mark job as complete: %w", err)
	}

	return nil
}

// MarkFailed records a job that exhausted its attempts
func (q *RedisQueue) MarkFailed(ctx context.Context, jobID string, jobErr error) error {
	pipe := q.client.TxPipeline()
	pipe.Del(ctx, processingPrefix+jobID)
	pipe.HSet(ctx, failedKey, jobID, jobErr.Error())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mark job as failed: %w", err)
	}

	return nil
}

// GetFailedJobs returns the error recorded for every permanently failed job
func (q *RedisQueue) GetFailedJobs(ctx context.Context) (map[string]string, error) {
	failed, err := q.client.HGetAll(ctx, failedKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get failed jobs: %w", err)
	}

	return failed, nil
}

// GetProcessingJobs retrieves all jobs currently being processed
func (q *RedisQueue) GetProcessingJobs(ctx context.Context) ([]string, error) {
	var jobIDs []string

	iter := q.client.Scan(ctx, 0, processingPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		jobIDs = append(jobIDs, strings.TrimPrefix(iter.Val(), processingPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to get processing jobs: %w", err)
	}

	return jobIDs, nil
}

// GetQueueLength returns the number of jobs in a queue
func (q *RedisQueue) GetQueueLength(ctx context.Context, jobType JobType) (int64, error) {
	length, err := q.client.LLen(ctx, queueKey(jobType)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}

	return length, nil
}

// Close closes the Redis connection
func (q *RedisQueue) Close() error {
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis connection: %w", err)
	}

	log.Info().Msg("Redis queue connection closed")
	return nil
}

// Ping checks if the Redis connection is alive
func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	return nil
}
