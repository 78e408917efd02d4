package uniqw

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/UniQw/uniqw-go/internal/backoff"
	ikeys "github.com/UniQw/uniqw-go/internal/keys"
	"github.com/UniQw/uniqw-go/internal/metrics"
	"github.com/UniQw/uniqw-go/internal/store"
)

// StartMetricsServer runs an HTTP server exposing Prometheus metrics for
// task submission/processing counts and execution duration at addr (e.g.
// ":9090"). Optional: call once per process alongside Server.Start.
func StartMetricsServer(addr string) { metrics.StartServer(addr) }

// generateID mints a task id, matching the client facade's uuid.NewString convention.
func generateID() string { return uuid.NewString() }

// QueueService implements the durable task lifecycle: submit, priority
// claim, ack, expiry recovery, retry promotion, and status lookups. It
// holds no in-memory task state; every operation round-trips
// through the store so any number of QueueService instances (one per
// worker process, plus the scheduler) can share one queue safely.
type QueueService struct {
	rdb       redis.UniversalClient
	cfg       QueueConfig
	encoder   Encoder
	logger    Logger
	autoRetry bool
}

// NewQueueService builds a QueueService against rdb using cfg. A nil
// encoder defaults to JSONEncoder; a nil logger defaults to SlogLogger.
// AutoRetry defaults to true; pass WithAutoRetry(false) to send every failed
// attempt straight to terminal Failed instead of consulting RetryConfig.
func NewQueueService(rdb redis.UniversalClient, cfg QueueConfig, opts ...QueueOption) *QueueService {
	q := &QueueService{
		rdb:       rdb,
		cfg:       cfg,
		encoder:   &JSONEncoder{},
		logger:    NewSlogLogger(nil),
		autoRetry: true,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// QueueOption configures a QueueService at construction time.
type QueueOption func(*QueueService)

// WithEncoder overrides the default JSONEncoder.
func WithEncoder(e Encoder) QueueOption { return func(q *QueueService) { q.encoder = e } }

// WithLogger overrides the default SlogLogger.
func WithLogger(l Logger) QueueOption { return func(q *QueueService) { q.logger = l } }

// WithAutoRetry controls whether AckFailure re-enqueues a failed attempt per
// its RetryConfig (the default) or always finalizes it as Failed, mirroring
// WorkerConfig.AutoRetry.
func WithAutoRetry(enabled bool) QueueOption { return func(q *QueueService) { q.autoRetry = enabled } }

// QueueStats reports a snapshot of one queue's task distribution.
type QueueStats struct {
	Queue             string           `json:"queue"`
	PendingByPriority map[string]int64 `json:"pending_by_priority"`
	Inflight          int64            `json:"inflight"`
	RetryScheduled    int64            `json:"retry_scheduled"`
	SucceededRecent   int64            `json:"succeeded_recent"`
	FailedRecent      int64            `json:"failed_recent"`
}

// recentStatsWindow is how many hourly buckets queue_stats sums over for
// succeeded_recent/failed_recent.
const recentStatsWindow = 24

// Submit stores task under its queue and pushes it onto the matching
// priority lane, atomically. task.ID is generated if unset.
func (q *QueueService) Submit(ctx context.Context, task *Task) (string, error) {
	if task.ID == "" {
		task.ID = generateID()
	}
	data, err := q.encoder.Encode(task)
	if err != nil {
		return "", errors.Join(ErrSerialization, err)
	}
	k := ikeys.For(task.Queue)
	laneKey := k.Lanes[int(task.Priority)]
	taskKey := ikeys.Task(task.Queue, task.ID)
	indexKey := ikeys.TaskIndex(task.ID)
	if err := store.Submit(ctx, q.rdb, taskKey, indexKey, laneKey, task.ID, task.Queue, data); err != nil {
		return "", errors.Join(ErrStoreUnavailable, err)
	}
	metrics.TasksSubmitted.WithLabelValues(task.Queue, task.Priority.String()).Inc()
	return task.ID, nil
}

// SubmitBatch writes every task and enqueues it in one atomic round trip,
// preserving submission order within each (queue, priority) lane.
func (q *QueueService) SubmitBatch(ctx context.Context, tasks []*Task) ([]string, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	items := make([]store.BatchItem, 0, len(tasks))
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			t.ID = generateID()
		}
		data, err := q.encoder.Encode(t)
		if err != nil {
			return nil, errors.Join(ErrSerialization, err)
		}
		k := ikeys.For(t.Queue)
		items = append(items, store.BatchItem{
			TaskKey:  ikeys.Task(t.Queue, t.ID),
			IndexKey: ikeys.TaskIndex(t.ID),
			Queue:    t.Queue,
			LaneKey:  k.Lanes[int(t.Priority)],
			ID:       t.ID,
			Data:     data,
		})
		ids = append(ids, t.ID)
	}
	if err := store.SubmitBatch(ctx, q.rdb, items); err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	for _, t := range tasks {
		metrics.TasksSubmitted.WithLabelValues(t.Queue, t.Priority.String()).Inc()
	}
	return ids, nil
}

// Claim waits up to blockTimeout for the highest-priority available task
// across queues, in the order given, and marks it Claimed. Returns nil,
// nil on timeout with nothing to claim.
func (q *QueueService) Claim(ctx context.Context, workerID string, queues []string, taskTimeout, blockTimeout time.Duration) (*Task, error) {
	lanes := make([]string, 0, len(queues)*4)
	for p := 3; p >= 0; p-- {
		for _, name := range queues {
			lanes = append(lanes, ikeys.Lane(name, p))
		}
	}

	_, id, err := store.BlockingPop(ctx, q.rdb, lanes, blockTimeout)
	if errors.Is(err, store.ErrEmpty) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}

	queueName, err := q.rdb.Get(ctx, ikeys.TaskIndex(id)).Result()
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}

	taskKey := ikeys.Task(queueName, id)
	raw, err := q.rdb.Get(ctx, taskKey).Bytes()
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	var task Task
	if err := q.encoder.Decode(raw, &task); err != nil {
		return nil, errors.Join(ErrSerialization, err)
	}

	now := time.Now().UTC()
	deadline := now.Add(taskTimeout)
	task.Status = StatusClaimed
	task.ClaimedAt = &now
	task.ClaimedBy = workerID
	task.VisibilityDeadline = &deadline

	data, err := q.encoder.Encode(&task)
	if err != nil {
		return nil, errors.Join(ErrSerialization, err)
	}
	if err := store.ClaimFinalize(ctx, q.rdb, taskKey, ikeys.Inflight(queueName), id, data, deadline); err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	return &task, nil
}

// ExtendVisibility pushes a claimed task's visibility deadline out to
// now+taskTimeout, called by the worker runtime every taskTimeout/3 to keep a
// long-running task from being swept by RecoverExpired.
func (q *QueueService) ExtendVisibility(ctx context.Context, task *Task, taskTimeout time.Duration) error {
	deadline := time.Now().UTC().Add(taskTimeout)
	task.VisibilityDeadline = &deadline
	data, err := q.encoder.Encode(task)
	if err != nil {
		return errors.Join(ErrSerialization, err)
	}
	taskKey := ikeys.Task(task.Queue, task.ID)
	if err := store.ClaimFinalize(ctx, q.rdb, taskKey, ikeys.Inflight(task.Queue), task.ID, data, deadline); err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

// MarkRunning transitions a Claimed task's stored record to Running, called
// by the worker runtime right before invoking the task's handler so
// GetStatus reflects execution in progress rather than staying at Claimed
// for the task's whole run. A no-op if task is already terminal.
func (q *QueueService) MarkRunning(ctx context.Context, task *Task) error {
	if task.Status.IsTerminal() {
		return nil
	}
	task.Status = StatusRunning
	data, err := q.encoder.Encode(task)
	if err != nil {
		return errors.Join(ErrSerialization, err)
	}
	if err := q.rdb.Set(ctx, ikeys.Task(task.Queue, task.ID), data, 0).Err(); err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

// AckSuccess finalizes a Claimed/Running task as Succeeded, storing result
// under the queue's result TTL. A no-op if task is already terminal.
func (q *QueueService) AckSuccess(ctx context.Context, task *Task, result []byte) error {
	if task.Status.IsTerminal() {
		return nil
	}
	now := time.Now().UTC()
	task.Status = StatusSucceeded
	task.FinishedAt = &now
	task.Result = result

	data, err := q.encoder.Encode(task)
	if err != nil {
		return errors.Join(ErrSerialization, err)
	}
	if err := q.incrStat(ctx, task.Queue, "succeeded"); err != nil {
		q.logger.Warnf("queue: stats increment failed for %s: %v", task.Queue, err)
	}
	metrics.TasksProcessed.WithLabelValues(task.Queue, "succeeded").Inc()
	if task.ClaimedAt != nil {
		metrics.TaskDuration.WithLabelValues(task.Queue).Observe(now.Sub(*task.ClaimedAt).Seconds())
	}
	err = store.Ack(ctx, q.rdb, store.AckOutcome{
		InflightKey: ikeys.Inflight(task.Queue),
		TaskKey:     ikeys.Task(task.Queue, task.ID),
		ID:          task.ID,
		TaskData:    data,
		TTLSeconds:  int64(q.cfg.ResultTTL.Seconds()),
		ResultKey:   ikeys.Result(task.Queue, task.ID),
		ResultData:  result,
	})
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

// AckFailure finalizes a failed attempt: retrying with backoff if attempts
// remain under RetryConfig.MaxRetries and AutoRetry is enabled, else terminal
// Failed.
func (q *QueueService) AckFailure(ctx context.Context, task *Task, cause error) error {
	if task.Status.IsTerminal() {
		return nil
	}
	canRetry := q.autoRetry && task.CanRetry()
	task.Attempts++
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	task.Error = msg

	outcome := store.AckOutcome{
		InflightKey: ikeys.Inflight(task.Queue),
		TaskKey:     ikeys.Task(task.Queue, task.ID),
		ID:          task.ID,
	}

	if canRetry {
		task.Status = StatusRetrying
		at := backoff.NextAt(time.Now().UTC(), task.Attempts, backoff.Config{
			BaseDelaySeconds: task.RetryConfig.BaseDelaySeconds,
			Exponential:      task.RetryConfig.Exponential,
			MaxDelaySeconds:  task.RetryConfig.MaxDelaySeconds,
		}, true, nil)
		data, err := q.encoder.Encode(task)
		if err != nil {
			return errors.Join(ErrSerialization, err)
		}
		outcome.TaskData = data
		outcome.RetryKey = ikeys.Retry(task.Queue)
		outcome.RetryScore = float64(at.Unix())
		metrics.TasksProcessed.WithLabelValues(task.Queue, "retrying").Inc()
	} else {
		now := time.Now().UTC()
		task.Status = StatusFailed
		task.FinishedAt = &now
		data, err := q.encoder.Encode(task)
		if err != nil {
			return errors.Join(ErrSerialization, err)
		}
		outcome.TaskData = data
		outcome.TTLSeconds = int64(q.cfg.FailedTTL.Seconds())
		if err := q.incrStat(ctx, task.Queue, "failed"); err != nil {
			q.logger.Warnf("queue: stats increment failed for %s: %v", task.Queue, err)
		}
		metrics.TasksProcessed.WithLabelValues(task.Queue, "failed").Inc()
		if task.ClaimedAt != nil {
			metrics.TaskDuration.WithLabelValues(task.Queue).Observe(now.Sub(*task.ClaimedAt).Seconds())
		}
	}

	if err := store.Ack(ctx, q.rdb, outcome); err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

// RecoverExpired sweeps queue's in-flight set for entries whose visibility
// deadline has passed, treating each as an implicit failure through the
// same retry/terminal decision as AckFailure. It returns the number of
// tasks recovered.
func (q *QueueService) RecoverExpired(ctx context.Context, queueName string, limit int64) (int, error) {
	ids, err := store.PopDue(ctx, q.rdb, ikeys.Inflight(queueName), time.Now().UTC(), limit)
	if err != nil {
		return 0, errors.Join(ErrStoreUnavailable, err)
	}
	n := 0
	for _, id := range ids {
		task, err := q.loadTask(ctx, queueName, id)
		if err != nil {
			q.logger.Warnf("queue: recover_expired could not load %s/%s: %v", queueName, id, err)
			continue
		}
		if task.Status.IsTerminal() {
			continue
		}
		if err := q.AckFailure(ctx, task, ErrTimeout); err != nil {
			q.logger.Warnf("queue: recover_expired ack_failure for %s/%s: %v", queueName, id, err)
			continue
		}
		n++
	}
	return n, nil
}

// PromoteRetries sweeps queue's retry set for entries whose eligible_at has
// passed and requeues them onto their priority lane as Pending; entries whose
// task is already terminal (e.g. cancelled) are dropped. It returns the
// number of tasks promoted.
func (q *QueueService) PromoteRetries(ctx context.Context, queueName string, limit int64) (int, error) {
	ids, err := store.PopDue(ctx, q.rdb, ikeys.Retry(queueName), time.Now().UTC(), limit)
	if err != nil {
		return 0, errors.Join(ErrStoreUnavailable, err)
	}
	n := 0
	for _, id := range ids {
		task, err := q.loadTask(ctx, queueName, id)
		if err != nil {
			q.logger.Warnf("queue: promote_retries could not load %s/%s: %v", queueName, id, err)
			continue
		}
		if task.Status.IsTerminal() {
			continue
		}
		task.Status = StatusPending
		data, err := q.encoder.Encode(task)
		if err != nil {
			q.logger.Warnf("queue: promote_retries encode for %s/%s: %v", queueName, id, err)
			continue
		}
		laneKey := ikeys.Lane(queueName, int(task.Priority))
		if err := store.Requeue(ctx, q.rdb, ikeys.Task(queueName, id), laneKey, id, data); err != nil {
			q.logger.Warnf("queue: promote_retries requeue for %s/%s: %v", queueName, id, err)
			continue
		}
		n++
	}
	return n, nil
}

// GetStatus returns the current status of a task looked up by bare id.
func (q *QueueService) GetStatus(ctx context.Context, id string) (Status, error) {
	task, err := q.getByID(ctx, id)
	if err != nil {
		return "", err
	}
	return task.Status, nil
}

// GetResult returns a task's stored result, or ErrNotFound if the task has
// not yet succeeded (or its result already expired).
func (q *QueueService) GetResult(ctx context.Context, id string) ([]byte, error) {
	task, err := q.getByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != StatusSucceeded {
		return nil, ErrNotFound
	}
	return task.Result, nil
}

// WaitForResult polls GetStatus with an exponential backoff between polls
// (capped at 1s) until the task reaches a terminal state or timeout
// elapses.
func (q *QueueService) WaitForResult(ctx context.Context, id string, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	interval := 10 * time.Millisecond
	const maxInterval = time.Second

	for {
		task, err := q.getByID(ctx, id)
		if err != nil {
			return nil, err
		}
		switch task.Status {
		case StatusSucceeded:
			return task.Result, nil
		case StatusFailed:
			return nil, &HandlerFailureError{Message: task.Error}
		case StatusCancelled:
			return nil, ErrCancelled
		}

		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		interval *= 2
		if interval > maxInterval {
			interval = maxInterval
		}
	}
}

// QueueStats reports a point-in-time snapshot of queue's pending/inflight/
// retry/succeeded/failed counts.
func (q *QueueService) QueueStats(ctx context.Context, queueName string) (QueueStats, error) {
	k := ikeys.For(queueName)
	stats := QueueStats{Queue: queueName, PendingByPriority: map[string]int64{}}

	for p, name := range []string{"low", "normal", "high", "critical"} {
		n, err := q.rdb.LLen(ctx, k.Lanes[p]).Result()
		if err != nil {
			return QueueStats{}, errors.Join(ErrStoreUnavailable, err)
		}
		stats.PendingByPriority[name] = n
	}

	inflight, err := q.rdb.ZCard(ctx, k.Inflight).Result()
	if err != nil {
		return QueueStats{}, errors.Join(ErrStoreUnavailable, err)
	}
	stats.Inflight = inflight

	retryN, err := q.rdb.ZCard(ctx, k.Retry).Result()
	if err != nil {
		return QueueStats{}, errors.Join(ErrStoreUnavailable, err)
	}
	stats.RetryScheduled = retryN

	now := time.Now().UTC()
	for i := 0; i < recentStatsWindow; i++ {
		bucket := now.Add(-time.Duration(i) * time.Hour).Truncate(time.Hour).Unix()
		vals, err := q.rdb.HMGet(ctx, ikeys.StatsBucket(queueName, bucket), "succeeded", "failed").Result()
		if err != nil {
			return QueueStats{}, errors.Join(ErrStoreUnavailable, err)
		}
		stats.SucceededRecent += toInt64(vals[0])
		stats.FailedRecent += toInt64(vals[1])
	}
	return stats, nil
}

// ListQueues discovers every queue name that currently has any key in the
// store (a priority lane, the in-flight or retry set, a task record, a
// result, or a stats bucket) by scanning for hash-tagged queue keys. A queue
// whose keys have all been emptied or expired is not listed.
func (q *QueueService) ListQueues(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	var cursor uint64
	for {
		keys, next, err := q.rdb.Scan(ctx, cursor, "uniqw:{*}:*", 100).Result()
		if err != nil {
			return nil, errors.Join(ErrStoreUnavailable, err)
		}
		for _, k := range keys {
			if name := ExtractQueueName(k); name != "" {
				seen[name] = struct{}{}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	return out, nil
}

// Cleanup removes terminal task index entries whose task record has already
// expired; the task/result keys themselves rely on the store's native TTL
// and need no explicit deletion.
func (q *QueueService) Cleanup(ctx context.Context, id string) error {
	exists, err := q.rdb.Exists(ctx, ikeys.TaskIndex(id)).Result()
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	if exists == 0 {
		return nil
	}
	queueName, err := q.rdb.Get(ctx, ikeys.TaskIndex(id)).Result()
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	taskExists, err := q.rdb.Exists(ctx, ikeys.Task(queueName, id)).Result()
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	if taskExists == 0 {
		return q.rdb.Del(ctx, ikeys.TaskIndex(id)).Err()
	}
	return nil
}

// StartMaintenance runs RecoverExpired and PromoteRetries for every queue
// named in queues every interval, until ctx is cancelled. interval should be
// a fraction of the worker's task timeout (callers typically pass
// TaskTimeout/3, matching the visibility-extension cadence) so a stuck or
// retrying task is swept promptly rather than waiting on cfg.CleanupInterval,
// which governs the unrelated, much less time-sensitive index cleanup done
// by Cleanup. Intended to be run in its own goroutine by whatever owns the
// QueueService's lifetime; Server.Start launches it alongside the worker
// runtime and Server.Stop cancels it.
func (q *QueueService) StartMaintenance(ctx context.Context, queues []string, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range queues {
				if _, err := q.RecoverExpired(ctx, name, 100); err != nil {
					q.logger.Warnf("queue: recover_expired for %s: %v", name, err)
				}
				if _, err := q.PromoteRetries(ctx, name, 100); err != nil {
					q.logger.Warnf("queue: promote_retries for %s: %v", name, err)
				}
			}
		}
	}
}

func (q *QueueService) getByID(ctx context.Context, id string) (*Task, error) {
	queueName, err := q.rdb.Get(ctx, ikeys.TaskIndex(id)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	return q.loadTask(ctx, queueName, id)
}

func (q *QueueService) loadTask(ctx context.Context, queueName, id string) (*Task, error) {
	raw, err := q.rdb.Get(ctx, ikeys.Task(queueName, id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	var task Task
	if err := q.encoder.Decode(raw, &task); err != nil {
		return nil, errors.Join(ErrSerialization, err)
	}
	return &task, nil
}

func (q *QueueService) incrStat(ctx context.Context, queueName, field string) error {
	bucket := time.Now().UTC().Truncate(time.Hour).Unix()
	key := ikeys.StatsBucket(queueName, bucket)
	pipe := q.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, field, 1)
	pipe.Expire(ctx, key, recentStatsWindow*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

func toInt64(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	return n
}
