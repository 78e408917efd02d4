package uniqw

import (
	"context"
	"errors"
	"sync"
	"time"

	rtm "github.com/UniQw/uniqw-go/internal/runtime"
	"github.com/redis/go-redis/v9"
)

// ServerConfig configures a worker process: which queues to claim from, how
// aggressively, and the QueueService it claims/acks through.
type ServerConfig struct {
	Worker WorkerConfig
	Queue  QueueConfig
	Logger Logger
}

// Server runs a worker process: it claims tasks via a QueueService and
// dispatches them to a Mux's registered handlers, applying the concurrency
// cap, visibility extension, heartbeats, and graceful shutdown.
type Server struct {
	rt          *rtm.Runtime
	queue       *QueueService
	mux         *Mux
	mu          sync.Mutex
	started     bool
	log         Logger
	queues      []string
	maintenance time.Duration
	maintCancel context.CancelFunc
}

// NewServer creates a worker Server bound to rdb, claiming from
// cfg.Worker.Queues and dispatching to mux's handlers. It validates
// cfg.Worker before doing anything else and returns ErrConfiguration if the
// worker configuration cannot be used to start (empty Queues, non-positive
// MaxConcurrentTasks): invalid configuration is meant to be fatal at
// startup, not discovered later as an empty claim loop.
func NewServer(rdb redis.UniversalClient, cfg ServerConfig, mux *Mux) (*Server, error) {
	if err := cfg.Worker.Validate(); err != nil {
		return nil, err
	}

	l := cfg.Logger
	if l == nil {
		l = NewSlogLogger(nil)
	}

	queue := NewQueueService(rdb, cfg.Queue, WithLogger(l), WithAutoRetry(cfg.Worker.AutoRetry))

	exec := func(ctx context.Context, taskType string, payload []byte) error {
		h, ok := mux.handlers[taskType]
		if !ok {
			return rtm.ErrNoHandler
		}
		fn := mux.wrapHandler(h.exec)
		return fn(ctx, payload)
	}

	rtc := rtm.Config{
		WorkerID:            cfg.Worker.WorkerID,
		Queues:              cfg.Worker.Queues,
		MaxConcurrentTasks:  cfg.Worker.MaxConcurrentTasks,
		PollingInterval:     cfg.Worker.PollingInterval,
		TaskTimeout:         cfg.Worker.TaskTimeout,
		HeartbeatInterval:   cfg.Worker.HeartbeatInterval,
		ShutdownGracePeriod: cfg.Worker.ShutdownGracePeriod,
		Logger:              rtLogger{Logger: l},

		Claim: func(ctx context.Context, workerID string, queues []string, taskTimeout, blockTimeout time.Duration) (*rtm.ClaimedTask, error) {
			task, err := queue.Claim(ctx, workerID, queues, taskTimeout, blockTimeout)
			if err != nil || task == nil {
				return nil, err
			}
			return &rtm.ClaimedTask{ID: task.ID, Name: task.Name, Queue: task.Queue, Payload: task.Payload}, nil
		},
		AckSuccess: func(ctx context.Context, t *rtm.ClaimedTask, result []byte) error {
			task, err := queue.getByID(ctx, t.ID)
			if err != nil {
				return err
			}
			return queue.AckSuccess(ctx, task, result)
		},
		AckFailure: func(ctx context.Context, t *rtm.ClaimedTask, cause error) error {
			task, err := queue.getByID(ctx, t.ID)
			if err != nil {
				return err
			}
			if errors.Is(cause, rtm.ErrNoHandler) {
				// No registered handler: finalize as Failed without retrying.
				noRetry := *queue
				noRetry.autoRetry = false
				return noRetry.AckFailure(ctx, task, errors.Join(ErrUnknownHandler, cause))
			}
			return queue.AckFailure(ctx, task, cause)
		},
		ExtendVisibility: func(ctx context.Context, t *rtm.ClaimedTask) error {
			task, err := queue.getByID(ctx, t.ID)
			if err != nil {
				return err
			}
			return queue.ExtendVisibility(ctx, task, cfg.Worker.TaskTimeout)
		},
		MarkRunning: func(ctx context.Context, t *rtm.ClaimedTask) error {
			task, err := queue.getByID(ctx, t.ID)
			if err != nil {
				return err
			}
			return queue.MarkRunning(ctx, task)
		},
	}

	maintenance := cfg.Worker.TaskTimeout / 3
	if maintenance <= 0 {
		maintenance = time.Minute
	}

	return &Server{
		rt:          rtm.New(rdb, rtc, exec),
		queue:       queue,
		mux:         mux,
		log:         l,
		queues:      cfg.Worker.Queues,
		maintenance: maintenance,
	}, nil
}

// Start launches the server's claim loop, heartbeats, and maintenance
// sweeps. It is idempotent and non-blocking.
func (s *Server) Start() {
	s.mu.Lock()
	if s.started {
		s.log.Warnf("server already started; ignoring Start()")
		s.mu.Unlock()
		return
	}
	maintCtx, cancel := context.WithCancel(context.Background())
	s.maintCancel = cancel
	s.started = true
	s.mu.Unlock()

	s.log.Infof("starting server")
	s.rt.Start()
	go s.queue.StartMaintenance(maintCtx, s.queues, s.maintenance)
}

// Stop gracefully shuts down the server, letting in-flight tasks finish up
// to their configured shutdown grace period.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started {
		s.log.Warnf("server not started; ignoring Stop()")
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.maintCancel
	s.maintCancel = nil
	s.mu.Unlock()

	s.log.Infof("stopping server")
	if cancel != nil {
		cancel()
	}
	s.rt.Stop()
}

// rtLogger adapts the public Logger to the internal runtime logger interface.
type rtLogger struct{ Logger }
