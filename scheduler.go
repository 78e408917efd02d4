package uniqw

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	ikeys "github.com/UniQw/uniqw-go/internal/keys"
	"github.com/UniQw/uniqw-go/internal/store"
)

// ScheduleKind selects how a ScheduleEntry computes its next fire time.
// A Cron variant was considered and dropped: none of the recurring kinds
// below need full cron expressions, and adding one would just be an
// unused code path.
type ScheduleKind string

const (
	ScheduleOneShot  ScheduleKind = "one_shot"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleDaily    ScheduleKind = "daily"
	ScheduleWeekly   ScheduleKind = "weekly"
)

// ScheduleEntry is a durable template for producing tasks on a schedule.
type ScheduleEntry struct {
	JobID string `json:"job_id"`
	Name  string `json:"name"`

	Queue    string      `json:"queue"`
	Task     string      `json:"task"`
	Payload  []byte      `json:"payload"`
	Priority Priority    `json:"priority"`
	Retry    RetryConfig `json:"retry"`

	Kind ScheduleKind `json:"kind"`

	// At is used by ScheduleOneShot.
	At time.Time `json:"at,omitempty"`
	// PeriodSeconds is used by ScheduleInterval.
	PeriodSeconds int `json:"period_seconds,omitempty"`
	// Hour/Minute are used by ScheduleDaily and ScheduleWeekly.
	Hour   int `json:"hour,omitempty"`
	Minute int `json:"minute,omitempty"`
	// Weekday is used by ScheduleWeekly (0=Sunday .. 6=Saturday).
	Weekday int `json:"weekday,omitempty"`

	Enabled     bool       `json:"enabled"`
	NextFireAt  time.Time  `json:"next_fire_at"`
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`
	RunCount    int64      `json:"run_count"`
	CreatedAt   time.Time  `json:"created_at"`
}

// NextFireAfter computes the next fire time strictly after `from`. It
// returns the zero time and false when the schedule has no further
// occurrence (a OneShot whose At has passed).
func (e *ScheduleEntry) NextFireAfter(from time.Time) (time.Time, bool) {
	switch e.Kind {
	case ScheduleOneShot:
		if e.At.After(from) {
			return e.At, true
		}
		return time.Time{}, false
	case ScheduleInterval:
		if e.PeriodSeconds <= 0 {
			return time.Time{}, false
		}
		return from.Add(time.Duration(e.PeriodSeconds) * time.Second), true
	case ScheduleDaily:
		next := time.Date(from.Year(), from.Month(), from.Day(), e.Hour, e.Minute, 0, 0, from.Location())
		if !next.After(from) {
			next = next.AddDate(0, 0, 1)
		}
		return next, true
	case ScheduleWeekly:
		currentDay := int(from.Weekday())
		daysUntil := e.Weekday - currentDay
		if daysUntil < 0 {
			daysUntil += 7
		}
		next := time.Date(from.Year(), from.Month(), from.Day(), e.Hour, e.Minute, 0, 0, from.Location())
		next = next.AddDate(0, 0, daysUntil)
		if !next.After(from) {
			next = next.AddDate(0, 0, 7)
		}
		return next, true
	default:
		return time.Time{}, false
	}
}

// IsRecurring reports whether the schedule fires more than once.
func (e *ScheduleEntry) IsRecurring() bool { return e.Kind != ScheduleOneShot }

// Scheduler dispatches ScheduleEntry templates into a QueueService as their
// next_fire_at comes due. Multiple Scheduler processes may run against the
// same store; each tick is serialized by an advisory lock so only one
// dispatches any given entry.
type Scheduler struct {
	rdb     redis.UniversalClient
	queue   *QueueService
	encoder Encoder
	logger  Logger

	// TickInterval controls how often the dispatch loop checks for due
	// entries. Defaults to time.Second if unset.
	TickInterval time.Duration
	// LockTTL bounds how long one process may hold the tick lock.
	// Defaults to 10*time.Second if unset.
	LockTTL time.Duration
}

// NewScheduler builds a Scheduler dispatching through queue.
func NewScheduler(rdb redis.UniversalClient, queue *QueueService, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		rdb:          rdb,
		queue:        queue,
		encoder:      &JSONEncoder{},
		logger:       NewSlogLogger(nil),
		TickInterval: time.Second,
		LockTTL:      10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SchedulerOption configures a Scheduler at construction time.
type SchedulerOption func(*Scheduler)

// WithSchedulerEncoder overrides the default JSONEncoder.
func WithSchedulerEncoder(e Encoder) SchedulerOption { return func(s *Scheduler) { s.encoder = e } }

// WithSchedulerLogger overrides the default SlogLogger.
func WithSchedulerLogger(l Logger) SchedulerOption { return func(s *Scheduler) { s.logger = l } }

// AddSchedule registers entry, computing an initial NextFireAt if unset, and
// stores it in the schedules sorted set plus its own hash.
func (s *Scheduler) AddSchedule(ctx context.Context, entry *ScheduleEntry) (string, error) {
	if entry.JobID == "" {
		entry.JobID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.Enabled = true
	if entry.NextFireAt.IsZero() {
		next, ok := entry.NextFireAfter(time.Now().UTC().Add(-time.Nanosecond))
		if !ok {
			return "", ErrConfiguration
		}
		entry.NextFireAt = next
	}

	data, err := s.encoder.Encode(entry)
	if err != nil {
		return "", errors.Join(ErrSerialization, err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, ikeys.Schedule(entry.JobID), "data", data)
		p.ZAdd(ctx, ikeys.Schedules, redis.Z{Score: float64(entry.NextFireAt.Unix()), Member: entry.JobID})
		return nil
	})
	if err != nil {
		return "", errors.Join(ErrStoreUnavailable, err)
	}
	return entry.JobID, nil
}

// RemoveSchedule deletes entry jobID from the schedules set and its hash.
func (s *Scheduler) RemoveSchedule(ctx context.Context, jobID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, ikeys.Schedules, jobID)
		p.Del(ctx, ikeys.Schedule(jobID))
		return nil
	})
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}

// GetSchedule loads one schedule entry by job id.
func (s *Scheduler) GetSchedule(ctx context.Context, jobID string) (*ScheduleEntry, error) {
	data, err := s.rdb.HGet(ctx, ikeys.Schedule(jobID), "data").Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	var entry ScheduleEntry
	if err := s.encoder.Decode(data, &entry); err != nil {
		return nil, errors.Join(ErrSerialization, err)
	}
	return &entry, nil
}

// Run drives the dispatch loop until ctx is cancelled, ticking every
// TickInterval. Each tick is gated by the advisory lock so exactly one
// Scheduler process across a fleet dispatches any given tick's due entries.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.logger.Warnf("scheduler: tick failed: %v", err)
			}
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) error {
	token := uuid.NewString()
	acquired, err := store.AcquireLock(ctx, s.rdb, ikeys.ScheduleLock, token, s.LockTTL)
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	if !acquired {
		return nil
	}
	defer func() {
		if err := store.ReleaseLock(ctx, s.rdb, ikeys.ScheduleLock, token); err != nil {
			s.logger.Warnf("scheduler: lock release failed: %v", err)
		}
	}()

	now := time.Now().UTC()
	due, err := s.rdb.ZRangeByScore(ctx, ikeys.Schedules, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}

	for _, jobID := range due {
		if err := s.fire(ctx, jobID, now); err != nil {
			s.logger.Warnf("scheduler: firing %s: %v", jobID, err)
		}
	}
	return nil
}

// fire materializes and submits one due entry's task, then advances (or
// disables) its schedule. Missed-tick coalescing: the next fire is always
// computed from now (or the entry's own stale next_fire_at, whichever is
// later), never by replaying every period that elapsed while the scheduler
// was down, so a single restart fires an entry at most once.
func (s *Scheduler) fire(ctx context.Context, jobID string, now time.Time) error {
	entry, err := s.GetSchedule(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return s.rdb.ZRem(ctx, ikeys.Schedules, jobID).Err()
		}
		return err
	}
	if !entry.Enabled {
		return s.rdb.ZRem(ctx, ikeys.Schedules, jobID).Err()
	}

	task := NewTask(entry.Queue, entry.Task, entry.Payload, entry.Priority, entry.Retry)
	if _, err := s.queue.Submit(ctx, task); err != nil {
		s.logger.Errorf("scheduler: submit for job %s failed: %v", jobID, err)
	} else {
		entry.RunCount++
	}

	fired := now
	entry.LastFiredAt = &fired

	base := entry.NextFireAt
	if base.Before(now) {
		base = now
	}
	next, ok := entry.NextFireAfter(base)
	if !ok {
		entry.Enabled = false
		data, encErr := s.encoder.Encode(entry)
		if encErr != nil {
			return errors.Join(ErrSerialization, encErr)
		}
		_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, ikeys.Schedule(jobID), "data", data)
			p.ZRem(ctx, ikeys.Schedules, jobID)
			return nil
		})
		if err != nil {
			return errors.Join(ErrStoreUnavailable, err)
		}
		return nil
	}

	entry.NextFireAt = next
	data, err := s.encoder.Encode(entry)
	if err != nil {
		return errors.Join(ErrSerialization, err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, ikeys.Schedule(jobID), "data", data)
		p.ZAdd(ctx, ikeys.Schedules, redis.Z{Score: float64(next.Unix()), Member: jobID})
		return nil
	})
	if err != nil {
		return errors.Join(ErrStoreUnavailable, err)
	}
	return nil
}
