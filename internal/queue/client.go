package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dunamismax/pixelbatch/internal/config"
)

// ErrDuplicateTask is returned when a task for the same request is already
// queued.
var ErrDuplicateTask = errors.New("batch task already enqueued")

type Client struct {
	client  *asynq.Client
	queue   string
	timeout time.Duration
}

func NewClient(cfg config.QueueConfig) *Client {
	timeout := cfg.TaskTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Client{
		client:  asynq.NewClient(cfg.RedisClientOpt()),
		queue:   cfg.Name,
		timeout: timeout,
	}
}

// EnqueueProcessBatch schedules exactly one processing run for the request.
// Runs are never retried by the queue.
func (c *Client) EnqueueProcessBatch(ctx context.Context, payload ProcessBatchPayload) (*asynq.TaskInfo, error) {
	task, err := NewProcessBatchTask(payload)
	if err != nil {
		return nil, err
	}
	info, err := c.client.EnqueueContext(ctx, task, taskOptions(c.queue, c.timeout, payload.RequestID)...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, payload.RequestID)
		}
		return nil, fmt.Errorf("enqueue batch task: %w", err)
	}
	return info, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func taskOptions(queueName string, timeout time.Duration, requestID string) []asynq.Option {
	return []asynq.Option{
		asynq.Queue(queueName),
		asynq.MaxRetry(0),
		asynq.Timeout(timeout),
		asynq.TaskID(requestID),
	}
}
