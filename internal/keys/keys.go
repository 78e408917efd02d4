// Package keys centralizes Redis key construction for the task queue.
// It is kept internal to avoid leaking key formats to public API.
package keys

import "strconv"

// Queue holds every precomputed key for a queue name, hash-tagged so a
// single Lua script touching several of them stays in one Cluster slot.
type Queue struct {
	Name     string
	Lanes    [4]string // index by Priority: Low, Normal, High, Critical
	Inflight string
	Retry    string
}

func prefix(q string) string { return "uniqw:{" + q + "}:" }

// For returns the precomputed key set for the given queue name.
func For(q string) Queue {
	p := prefix(q)
	return Queue{
		Name: q,
		Lanes: [4]string{
			p + "p0", // Low
			p + "p1", // Normal
			p + "p2", // High
			p + "p3", // Critical
		},
		Inflight: p + "inflight",
		Retry:    p + "retry",
	}
}

// Lane returns the priority lane list key for a queue, 0=Low .. 3=Critical.
func Lane(q string, priority int) string {
	return prefix(q) + "p" + strconv.Itoa(priority)
}

// Inflight returns the in-flight sorted-set key (score = visibility deadline).
func Inflight(q string) string { return prefix(q) + "inflight" }

// Retry returns the retry sorted-set key (score = eligible_at).
func Retry(q string) string { return prefix(q) + "retry" }

// Task returns the string key holding a task's serialized record.
// Hash-tagged by queue so claim/ack scripts stay single-slot in Cluster.
func Task(q, id string) string { return prefix(q) + "task:" + id }

// Result returns the string key holding a task's serialized success result.
func Result(q, id string) string { return prefix(q) + "result:" + id }

// TaskIndex maps a bare task id to the queue that owns it, so callers that
// only have an id (GetStatus, GetResult, WaitForResult) can find the task's
// hash without scanning every queue.
func TaskIndex(id string) string { return "uniqw:taskqueue:" + id }

// StatsBucket returns the counters hash key for one queue/time-bucket pair.
func StatsBucket(q string, bucket int64) string {
	return prefix(q) + "stats:" + strconv.FormatInt(bucket, 10)
}

// Schedules is the sorted-set key of all schedule job ids, scored by next_fire_at.
const Schedules = "uniqw:schedules"

// ScheduleLock is the advisory lock key held for the duration of one dispatch tick.
const ScheduleLock = "uniqw:schedule:lock"

// Schedule returns the hash key for one schedule entry.
func Schedule(jobID string) string { return "uniqw:schedule:" + jobID }

// Worker returns the heartbeat hash key for a worker id.
func Worker(workerID string) string { return "uniqw:worker:" + workerID }
