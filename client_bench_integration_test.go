package uniqw

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newRedisClientForBench(b *testing.B) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		b.Skipf("skipping integration bench: redis ping failed: %v", err)
	}
	return rdb
}

func BenchmarkClientSubmit_Serial(b *testing.B) {
	rdb := newRedisClientForBench(b)
	defer rdb.Close()
	c := NewClient(rdb)
	ctx := context.Background()
	queue := "bench:" + uuid.NewString()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		payload := map[string]any{"i": i, "s": "hello"}
		if _, err := c.SubmitToQueue(ctx, queue, "bench", payload); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkClientSubmitBatch(b *testing.B) {
	rdb := newRedisClientForBench(b)
	defer rdb.Close()
	c := NewClient(rdb)
	ctx := context.Background()
	queue := "bench:" + uuid.NewString()

	const batchSize = 50
	items := make([]BatchTask, batchSize)
	for i := range items {
		items[i] = BatchTask{Name: "bench", Payload: map[string]any{"i": i}}
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.SubmitBatch(ctx, queue, items); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkQueueService_ClaimAckSuccess(b *testing.B) {
	rdb := newRedisClientForBench(b)
	defer rdb.Close()
	ctx := context.Background()
	svc := NewQueueService(rdb, DefaultQueueConfig())
	c := NewClient(rdb)
	queue := "bench:" + uuid.NewString()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		if _, err := c.SubmitToQueue(ctx, queue, "bench", map[string]any{"i": i}); err != nil {
			b.Fatal(err)
		}
		b.StartTimer()

		task, err := svc.Claim(ctx, "bench-worker", []string{queue}, 5*time.Second, time.Second)
		if err != nil {
			b.Fatal(err)
		}
		if task == nil {
			b.Fatal("expected claimed task")
		}
		if err := svc.AckSuccess(ctx, task, nil); err != nil {
			b.Fatal(err)
		}
	}
}
