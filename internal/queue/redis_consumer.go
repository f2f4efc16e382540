package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/beanscan-worker/internal/models"
)

// RedisConsumer consumes video analysis jobs from the Redis queue
type RedisConsumer struct {
	server  *asynq.Server
	handler Handler
	logger  *slog.Logger
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL    string
	Queue       string
	Concurrency int
	Handler     Handler
	Logger      *slog.Logger
}

// NewRedisConsumer creates a new Redis queue consumer
func NewRedisConsumer(config *RedisConsumerConfig) (*RedisConsumer, error) {
	redisOpt, err := asynq.ParseRedisURI(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: config.Concurrency,
			Queues: map[string]int{
				config.Queue: 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Warn("task failed", "type", task.Type(), "error", err)
			}),
		},
	)

	return &RedisConsumer{
		server:  server,
		handler: config.Handler,
		logger:  logger,
	}, nil
}

// Start runs the consumer in the background
func (rc *RedisConsumer) Start() error {
	mux := asynq.NewServeMux()

	// Register task handler
	mux.HandleFunc(TaskAnalyze, rc.handleAnalyzeTask)

	rc.logger.Info("starting queue consumer", "task", TaskAnalyze)

	if err := rc.server.Start(mux); err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	return nil
}

// Stop stops the consumer gracefully
func (rc *RedisConsumer) Stop() {
	rc.logger.Info("shutting down queue consumer")
	rc.server.Shutdown()
}

// handleAnalyzeTask handles video analysis tasks. A failed job has already
// been recorded as failed, so the task is never retried.
func (rc *RedisConsumer) handleAnalyzeTask(ctx context.Context, task *asynq.Task) error {
	var job models.JobPayload
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return fmt.Errorf("failed to unmarshal job payload: %v: %w", err, asynq.SkipRetry)
	}

	rc.logger.Info("processing job", "job_id", job.JobID)

	if err := rc.handler.Process(ctx, job); err != nil {
		return fmt.Errorf("job %s: %v: %w", job.JobID, err, asynq.SkipRetry)
	}

	rc.logger.Info("job finished", "job_id", job.JobID)
	return nil
}
