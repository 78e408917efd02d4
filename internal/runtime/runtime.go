// Package runtime drives the concurrency-capped claim/execute/ack loop that
// backs a worker process. It stays independent of the root uniqw package
// (which owns the Task type and QueueService) to avoid an import cycle:
// everything it needs to claim, extend, and ack a task is injected as a
// plain function.
package runtime

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/UniQw/uniqw-go/internal/hctx"
	ikeys "github.com/UniQw/uniqw-go/internal/keys"
	"github.com/UniQw/uniqw-go/internal/worker"
	"github.com/redis/go-redis/v9"
)

// ErrNoHandler indicates there is no handler for the task type; the runtime
// acks the task as a non-retryable failure.
var ErrNoHandler = errors.New("no handler")

// Logger is a minimal logging interface used internally by the runtime. It
// mirrors the public logger in the root package to avoid an import cycle.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

// ClaimedTask is the leaf-package view of a claimed task: only the fields
// the execution loop needs, so this package never imports the root Task type.
type ClaimedTask struct {
	ID      string
	Name    string
	Queue   string
	Payload []byte
}

// ClaimFunc blocks up to blockTimeout waiting for a task across queues,
// returning nil, nil on timeout.
type ClaimFunc func(ctx context.Context, workerID string, queues []string, taskTimeout, blockTimeout time.Duration) (*ClaimedTask, error)

// AckSuccessFunc finalizes a claimed task as succeeded.
type AckSuccessFunc func(ctx context.Context, t *ClaimedTask, result []byte) error

// AckFailureFunc finalizes a claimed task as failed/retrying.
type AckFailureFunc func(ctx context.Context, t *ClaimedTask, cause error) error

// ExtendVisibilityFunc pushes a claimed task's visibility deadline forward.
type ExtendVisibilityFunc func(ctx context.Context, t *ClaimedTask) error

// MarkRunningFunc transitions a claimed task's stored record to Running
// just before its handler is invoked.
type MarkRunningFunc func(ctx context.Context, t *ClaimedTask) error

// Executor executes a task payload for a given task name, returning the
// handler's raw result bytes (via hctx.State) and any execution error.
type Executor func(ctx context.Context, taskType string, payload []byte) error

// Config configures a Runtime.
type Config struct {
	WorkerID            string
	Queues              []string
	MaxConcurrentTasks  int
	PollingInterval     time.Duration
	TaskTimeout         time.Duration
	HeartbeatInterval   time.Duration
	ShutdownGracePeriod time.Duration

	Claim            ClaimFunc
	AckSuccess       AckSuccessFunc
	AckFailure       AckFailureFunc
	ExtendVisibility ExtendVisibilityFunc
	MarkRunning      MarkRunningFunc

	Logger Logger
}

// Runtime is a single worker process's claim/execute/ack loop, bounded to
// Config.MaxConcurrentTasks concurrent task executions.
type Runtime struct {
	rdb  redis.UniversalClient
	cfg  Config
	exec Executor
	log  Logger

	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool

	claimCtx    context.Context
	claimCancel context.CancelFunc
	hardCtx     context.Context
	hardCancel  context.CancelFunc

	sem chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// New creates a Runtime backed by rdb for heartbeats, dispatching claimed
// tasks to exec.
func New(rdb redis.UniversalClient, cfg Config, exec Executor) *Runtime {
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 1
	}
	return &Runtime{
		rdb:      rdb,
		cfg:      cfg,
		exec:     exec,
		log:      lg,
		sem:      make(chan struct{}, cfg.MaxConcurrentTasks),
		inflight: make(map[string]struct{}, cfg.MaxConcurrentTasks),
	}
}

// Start launches the claim loop and heartbeat goroutine. Idempotent and
// non-blocking.
func (rt *Runtime) Start() {
	rt.mu.Lock()
	if rt.started {
		rt.log.Warnf("runtime already started; ignoring Start()")
		rt.mu.Unlock()
		return
	}
	rt.started = true
	rt.claimCtx, rt.claimCancel = context.WithCancel(context.Background())
	rt.hardCtx, rt.hardCancel = context.WithCancel(context.Background())
	rt.mu.Unlock()

	rt.log.Infof("runtime starting: worker=%s concurrency=%d queues=%v", rt.cfg.WorkerID, rt.cfg.MaxConcurrentTasks, rt.cfg.Queues)

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.heartbeatLoop()
	}()

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.claimLoop()
	}()
}

// Stop stops claiming new tasks, lets in-flight executions run up to
// ShutdownGracePeriod, then cancels remaining executions. Blocks until
// every goroutine has exited.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	if !rt.started {
		rt.log.Warnf("runtime not started; ignoring Stop()")
		rt.mu.Unlock()
		return
	}
	rt.started = false
	rt.mu.Unlock()
	rt.log.Infof("runtime stopping: worker=%s", rt.cfg.WorkerID)

	rt.claimCancel()

	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()

	grace := rt.cfg.ShutdownGracePeriod
	if grace <= 0 {
		grace = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(grace):
		rt.log.Warnf("runtime: grace period elapsed with tasks still running; cancelling")
		rt.hardCancel()
		<-done
	}

	rt.publishHeartbeat(context.Background(), true)
	if err := rt.rdb.Del(context.Background(), rt.workerKey()).Err(); err != nil {
		rt.log.Warnf("runtime: heartbeat cleanup failed: %v", err)
	}
}

func (rt *Runtime) claimLoop() {
	poll := rt.cfg.PollingInterval
	if poll <= 0 {
		poll = time.Second
	}
	for {
		select {
		case <-rt.claimCtx.Done():
			return
		case rt.sem <- struct{}{}:
		}

		task, err := rt.cfg.Claim(rt.claimCtx, rt.cfg.WorkerID, rt.cfg.Queues, rt.cfg.TaskTimeout, poll)
		if err != nil {
			<-rt.sem
			if rt.claimCtx.Err() != nil {
				return
			}
			rt.log.Warnf("runtime: claim failed: %v", err)
			time.Sleep(poll)
			continue
		}
		if task == nil {
			<-rt.sem
			continue
		}

		rt.inflightMu.Lock()
		rt.inflight[task.ID] = struct{}{}
		rt.inflightMu.Unlock()

		rt.wg.Add(1)
		go func(t *ClaimedTask) {
			defer rt.wg.Done()
			defer func() { <-rt.sem }()
			defer func() {
				rt.inflightMu.Lock()
				delete(rt.inflight, t.ID)
				rt.inflightMu.Unlock()
			}()
			rt.execute(t)
		}(task)
	}
}

func (rt *Runtime) execute(t *ClaimedTask) {
	timeout := rt.cfg.TaskTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	extendStop := make(chan struct{})
	if rt.cfg.ExtendVisibility != nil {
		go rt.extendVisibilityLoop(t, timeout, extendStop)
	}
	defer close(extendStop)

	if rt.cfg.MarkRunning != nil {
		if err := rt.cfg.MarkRunning(context.Background(), t); err != nil {
			rt.log.Warnf("runtime: mark_running failed: id=%s err=%v", t.ID, err)
		}
	}

	st := hctx.New()
	execCtx := hctx.WithState(rt.hardCtx, st)

	err := worker.Execute(execCtx, timeout, func(ctx context.Context, payload []byte) error {
		return rt.exec(ctx, t.Name, payload)
	}, t.Payload)

	if err == nil {
		if e := rt.cfg.AckSuccess(context.Background(), t, st.Result); e != nil {
			rt.log.Errorf("runtime: ack_success failed: id=%s err=%v", t.ID, e)
		} else {
			rt.log.Debugf("runtime: processed id=%s name=%s queue=%s", t.ID, t.Name, t.Queue)
		}
		return
	}

	if errors.Is(err, ErrNoHandler) {
		rt.log.Warnf("runtime: no handler id=%s name=%s queue=%s", t.ID, t.Name, t.Queue)
	} else {
		rt.log.Warnf("runtime: handler error id=%s name=%s queue=%s err=%v", t.ID, t.Name, t.Queue, err)
	}
	if e := rt.cfg.AckFailure(context.Background(), t, err); e != nil {
		rt.log.Errorf("runtime: ack_failure failed: id=%s err=%v", t.ID, e)
	}
}

func (rt *Runtime) extendVisibilityLoop(t *ClaimedTask, taskTimeout time.Duration, stop <-chan struct{}) {
	interval := taskTimeout / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := rt.cfg.ExtendVisibility(context.Background(), t); err != nil {
				rt.log.Warnf("runtime: extend visibility failed: id=%s err=%v", t.ID, err)
			}
		}
	}
}

func (rt *Runtime) heartbeatLoop() {
	interval := rt.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	rt.publishHeartbeat(rt.claimCtx, false)
	for {
		select {
		case <-rt.claimCtx.Done():
			return
		case <-ticker.C:
			rt.publishHeartbeat(rt.claimCtx, false)
		}
	}
}

func (rt *Runtime) publishHeartbeat(ctx context.Context, draining bool) {
	rt.inflightMu.Lock()
	ids := make([]string, 0, len(rt.inflight))
	for id := range rt.inflight {
		ids = append(ids, id)
	}
	rt.inflightMu.Unlock()

	ttl := 3 * rt.cfg.HeartbeatInterval
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	idsJoined := ""
	for i, id := range ids {
		if i > 0 {
			idsJoined += ","
		}
		idsJoined += id
	}
	queuesJoined := ""
	for i, q := range rt.cfg.Queues {
		if i > 0 {
			queuesJoined += ","
		}
		queuesJoined += q
	}

	pipe := rt.rdb.TxPipeline()
	pipe.HSet(ctx, rt.workerKey(),
		"last_seen", strconv.FormatInt(time.Now().Unix(), 10),
		"in_flight_ids", idsJoined,
		"queues", queuesJoined,
		"draining", strconv.FormatBool(draining),
	)
	pipe.Expire(ctx, rt.workerKey(), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		rt.log.Warnf("runtime: heartbeat write failed: %v", err)
	}
}

func (rt *Runtime) workerKey() string { return ikeys.Worker(rt.cfg.WorkerID) }
