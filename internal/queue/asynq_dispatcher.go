package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/beanscan-worker/internal/models"
)

// TaskAnalyze is the asynq task type for video analysis jobs
const TaskAnalyze = "beanscan:analyze"

// AsynqDispatcher enqueues jobs on Redis for a RedisConsumer to run
type AsynqDispatcher struct {
	client  *asynq.Client
	queue   string
	timeout time.Duration
}

// NewAsynqDispatcher creates a dispatcher enqueuing on queue at redisURL
func NewAsynqDispatcher(redisURL, queue string, timeout time.Duration) (*AsynqDispatcher, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return &AsynqDispatcher{
		client:  asynq.NewClient(redisOpt),
		queue:   queue,
		timeout: timeout,
	}, nil
}

// NewAnalyzeTask builds the task for payload. Tasks are never retried.
func NewAnalyzeTask(payload models.JobPayload, queue string, timeout time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}
	opts := []asynq.Option{
		asynq.Queue(queue),
		asynq.MaxRetry(0),
		asynq.TaskID(payload.JobID),
	}
	if timeout > 0 {
		opts = append(opts, asynq.Timeout(timeout))
	}
	return asynq.NewTask(TaskAnalyze, data, opts...), nil
}

// Mode identifies the dispatcher in health output
func (d *AsynqDispatcher) Mode() string { return "asynq" }

// Dispatch enqueues payload
func (d *AsynqDispatcher) Dispatch(ctx context.Context, payload models.JobPayload) error {
	now := time.Now()
	payload.EnqueuedAt = &now
	task, err := NewAnalyzeTask(payload, d.queue, d.timeout)
	if err != nil {
		return err
	}
	if _, err := d.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", payload.JobID, err)
	}
	return nil
}

// Shutdown closes the Redis client. Enqueued jobs stay in Redis.
func (d *AsynqDispatcher) Shutdown(context.Context) error {
	return d.client.Close()
}
