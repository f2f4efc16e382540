// Package relay mirrors live job channels onto Redis so processes other than
// the one running a job can follow it.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/beanscan-worker/internal/livechannel"
	"github.com/adverant/nexus/beanscan-worker/internal/models"
)

// Publisher is the subset of the Redis client the relay uses
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Config holds relay configuration
type Config struct {
	Prefix        string        // key prefix, default "beanscan"
	IncludeFrames bool          // forward preview images
	WriteTimeout  time.Duration // per Redis call
	StreamMaxLen  int64
}

// Redis republishes channel events on pub/sub and appends terminal summaries
// to a results stream
type Redis struct {
	client Publisher
	config Config
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewRedis creates a relay writing through client
func NewRedis(client Publisher, config Config, logger *slog.Logger) *Redis {
	if config.Prefix == "" {
		config.Prefix = "beanscan"
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 2 * time.Second
	}
	if config.StreamMaxLen <= 0 {
		config.StreamMaxLen = 10000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, config: config, logger: logger}
}

// Dial connects to redisURL and verifies the connection
func Dial(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// ProgressChannel is the pub/sub channel carrying events for jobID
func (r *Redis) ProgressChannel(jobID string) string {
	return fmt.Sprintf("%s:progress:%s", r.config.Prefix, jobID)
}

// ResultsStream is the stream receiving terminal summaries
func (r *Redis) ResultsStream() string {
	return r.config.Prefix + ":results"
}

// Follow subscribes to ch like any other consumer and forwards its events
// until the terminal one. Redis failures are logged and never reach the job.
func (r *Redis) Follow(ch *livechannel.Channel) {
	sub := ch.Subscribe()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for ev := range sub.Events() {
			r.forward(ev)
		}
	}()
}

// Wait blocks until every followed channel has been drained
func (r *Redis) Wait() {
	r.wg.Wait()
}

func (r *Redis) forward(ev models.ProgressEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.WriteTimeout)
	defer cancel()

	if !r.config.IncludeFrames {
		ev.Frame = ""
	}
	data, err := json.Marshal(ev)
	if err != nil {
		r.logger.Warn("relay: failed to marshal event", "job_id", ev.JobID, "error", err)
		return
	}
	if err := r.client.Publish(ctx, r.ProgressChannel(ev.JobID), data).Err(); err != nil {
		r.logger.Warn("relay: publish failed", "job_id", ev.JobID, "error", err)
	}

	if ev.IsTerminal() {
		if err := r.publishResult(ctx, ev, data); err != nil {
			r.logger.Warn("relay: failed to append result", "job_id", ev.JobID, "error", err)
		}
	}
}

// publishResult appends the terminal event to the results stream
func (r *Redis) publishResult(ctx context.Context, ev models.ProgressEvent, data []byte) error {
	_, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.ResultsStream(),
		MaxLen: r.config.StreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"jobId":     ev.JobID,
			"state":     string(ev.State),
			"frames":    fmt.Sprintf("%d", ev.FrameNumber),
			"timestamp": fmt.Sprintf("%d", ev.Timestamp.UnixMilli()),
			"result":    string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to publish result: %w", err)
	}
	return nil
}
