package uniqw

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	ikeys "github.com/UniQw/uniqw-go/internal/keys"
)

// Client is the thin producer-side facade over a QueueService: build a
// Task from arguments, hand it to the Queue Service, done. It holds only
// what it needs to do that.
type Client struct {
	queue *QueueService
	cfg   QueueConfig
}

// NewClient creates a Client against rdb using DefaultQueueConfig with
// STORE_URL environment overrides applied. Use NewClientWithConfig to
// supply an explicit QueueConfig.
func NewClient(rdb redis.UniversalClient, opts ...QueueOption) *Client {
	return NewClientWithConfig(rdb, DefaultQueueConfig().ApplyEnv(), opts...)
}

// NewClientWithConfig creates a Client against rdb using an explicit config.
func NewClientWithConfig(rdb redis.UniversalClient, cfg QueueConfig, opts ...QueueOption) *Client {
	return &Client{queue: NewQueueService(rdb, cfg, opts...), cfg: cfg}
}

// Submit encodes payload and enqueues it onto the client's default queue.
func (c *Client) Submit(ctx context.Context, name string, payload any, opts ...SubmitOption) (string, error) {
	return c.SubmitToQueue(ctx, c.cfg.DefaultQueue, name, payload, opts...)
}

// SubmitToQueue encodes payload and enqueues it onto queueName.
func (c *Client) SubmitToQueue(ctx context.Context, queueName, name string, payload any, opts ...SubmitOption) (string, error) {
	data, err := c.queue.encoder.Encode(payload)
	if err != nil {
		return "", errors.Join(ErrSerialization, err)
	}
	o := newSubmitOptions(opts)
	task := NewTask(queueName, name, data, o.priority, o.retry)
	task.ID = o.id
	return c.queue.Submit(ctx, task)
}

// BatchTask is one item of a SubmitBatch/SubmitBatchWithPriorities call.
type BatchTask struct {
	Name     string
	Payload  any
	Priority Priority
	Retry    RetryConfig
	ID       string
}

// SubmitBatch enqueues every item onto queueName atomically, all sharing
// PriorityNormal and the default retry policy unless overridden per item
// via BatchTask.Priority/Retry.
func (c *Client) SubmitBatch(ctx context.Context, queueName string, items []BatchTask) ([]string, error) {
	return c.SubmitBatchWithPriorities(ctx, queueName, items)
}

// SubmitBatchWithPriorities enqueues every item atomically, honoring each
// item's own Priority, exactly as SubmitBatch: the two are the same
// operation under different names because BatchTask already carries a
// per-item priority.
func (c *Client) SubmitBatchWithPriorities(ctx context.Context, queueName string, items []BatchTask) ([]string, error) {
	tasks := make([]*Task, 0, len(items))
	for _, it := range items {
		data, err := c.queue.encoder.Encode(it.Payload)
		if err != nil {
			return nil, errors.Join(ErrSerialization, err)
		}
		retry := it.Retry
		if retry == (RetryConfig{}) {
			retry = DefaultRetryConfig()
		}
		task := NewTask(queueName, it.Name, data, it.Priority, retry)
		task.ID = it.ID
		tasks = append(tasks, task)
	}
	return c.queue.SubmitBatch(ctx, tasks)
}

// GetTaskStatus returns the current status of task id.
func (c *Client) GetTaskStatus(ctx context.Context, id string) (Status, error) {
	return c.queue.GetStatus(ctx, id)
}

// WaitForResult polls for id's terminal result, up to timeout.
func (c *Client) WaitForResult(ctx context.Context, id string, timeout time.Duration) ([]byte, error) {
	return c.queue.WaitForResult(ctx, id, timeout)
}

// GetQueueStats returns a point-in-time snapshot of queueName.
func (c *Client) GetQueueStats(ctx context.Context, queueName string) (QueueStats, error) {
	return c.queue.QueueStats(ctx, queueName)
}

// ListTasks returns tasks currently in status for queueName. Pending scans
// the priority lanes; Claimed/Running scans the in-flight set; Retrying
// scans the retry set. Terminal statuses are not indexed beyond their TTL
// window and are not listable here: the store relies on native TTL to
// prune them, and there is no persistent terminal-task index to scan.
func (c *Client) ListTasks(ctx context.Context, queueName string, status Status) ([]*Task, error) {
	k := ikeys.For(queueName)

	var ids []string
	var err error
	switch status {
	case StatusPending:
		for _, lane := range k.Lanes {
			ls, e := c.queue.rdb.LRange(ctx, lane, 0, -1).Result()
			if e != nil {
				return nil, errors.Join(ErrStoreUnavailable, e)
			}
			ids = append(ids, ls...)
		}
	case StatusClaimed, StatusRunning:
		ids, err = c.queue.rdb.ZRange(ctx, k.Inflight, 0, -1).Result()
	case StatusRetrying:
		ids, err = c.queue.rdb.ZRange(ctx, k.Retry, 0, -1).Result()
	default:
		return nil, ErrUnknownState
	}
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}

	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		task, err := c.queue.loadTask(ctx, queueName, id)
		if err != nil {
			continue
		}
		out = append(out, task)
	}
	return out, nil
}

// Cancel marks a not-yet-terminal task Cancelled at the caller's request.
// A task still waiting in a priority lane is removed from it; a
// claimed/retrying task is simply marked Cancelled in place so its
// eventual ack/promotion becomes a no-op (Status.IsTerminal short-circuits
// AckSuccess/AckFailure and PromoteRetries).
func (c *Client) Cancel(ctx context.Context, id string) error {
	task, err := c.queue.getByID(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return nil
	}

	if task.Status == StatusPending {
		laneKey := ikeys.Lane(task.Queue, int(task.Priority))
		if err := c.queue.rdb.LRem(ctx, laneKey, 1, id).Err(); err != nil {
			return errors.Join(ErrStoreUnavailable, err)
		}
	}

	now := time.Now().UTC()
	task.Status = StatusCancelled
	task.FinishedAt = &now
	data, err := c.queue.encoder.Encode(task)
	if err != nil {
		return errors.Join(ErrSerialization, err)
	}
	if err := c.queue.rdb.Set(ctx, ikeys.Task(task.Queue, task.ID), data, 0).Err(); err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

// RetryDead resets a terminally Failed task back to Pending with a fresh
// attempt count and requeues it onto its priority lane. There is no
// automatic replay of exhausted-retry tasks; this explicit call is the
// only way back from Failed.
func (c *Client) RetryDead(ctx context.Context, id string) error {
	task, err := c.queue.getByID(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != StatusFailed {
		return ErrActiveState
	}
	task.Status = StatusPending
	task.Attempts = 0
	task.Error = ""
	task.FinishedAt = nil

	data, err := c.queue.encoder.Encode(task)
	if err != nil {
		return errors.Join(ErrSerialization, err)
	}
	laneKey := ikeys.Lane(task.Queue, int(task.Priority))
	if _, err := c.queue.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, ikeys.Task(task.Queue, task.ID), data, 0)
		p.LPush(ctx, laneKey, task.ID)
		return nil
	}); err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

// ExtractQueueName parses a queue name from a hash-tagged Redis key (e.g.
// "uniqw:{default}:p2"). It returns an empty string if the format is invalid.
func ExtractQueueName(key string) string {
	start := strings.Index(key, "{")
	if start == -1 {
		return ""
	}
	end := strings.Index(key, "}")
	if end == -1 || end <= start+1 {
		return ""
	}
	return key[start+1 : end]
}
