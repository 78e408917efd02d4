package store

import (
	"context"
	"testing"
	"time"

	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newMini(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	return rdb, func() { _ = rdb.Close(); s.Close() }
}

func TestSubmit_WritesTaskIndexAndLane(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	ctx := context.Background()

	err := Submit(ctx, rdb, "task:q:1", "index:1", "lane:q:0", "1", "q", []byte("data"))
	require.NoError(t, err)

	v, err := rdb.Get(ctx, "task:q:1").Result()
	require.NoError(t, err)
	require.Equal(t, "data", v)

	q, err := rdb.Get(ctx, "index:1").Result()
	require.NoError(t, err)
	require.Equal(t, "q", q)

	members, err := rdb.LRange(ctx, "lane:q:0", 0, -1).Result()
	require.NoError(t, err)
	require.Equal(t, []string{"1"}, members)
}

func TestSubmitBatch_WritesAllItemsAtomically(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	ctx := context.Background()

	items := []BatchItem{
		{TaskKey: "task:q:1", IndexKey: "index:1", Queue: "q", LaneKey: "lane:q:0", ID: "1", Data: []byte("d1")},
		{TaskKey: "task:q:2", IndexKey: "index:2", Queue: "q", LaneKey: "lane:q:0", ID: "2", Data: []byte("d2")},
	}
	require.NoError(t, SubmitBatch(ctx, rdb, items))

	members, err := rdb.LRange(ctx, "lane:q:0", 0, -1).Result()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"1", "2"}, members)
}

func TestSubmitBatch_Empty_NoOp(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	require.NoError(t, SubmitBatch(context.Background(), rdb, nil))
}

func TestBlockingPop_PopsExistingMember(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	ctx := context.Background()

	require.NoError(t, rdb.LPush(ctx, "lane:q:0", "task1").Err())

	key, member, err := BlockingPop(ctx, rdb, []string{"lane:q:0"}, time.Second)
	require.NoError(t, err)
	require.Equal(t, "lane:q:0", key)
	require.Equal(t, "task1", member)
}

func TestBlockingPop_RespectsKeyOrderPriority(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	ctx := context.Background()

	require.NoError(t, rdb.LPush(ctx, "lane:q:1", "low-pri").Err())
	require.NoError(t, rdb.LPush(ctx, "lane:q:0", "high-pri").Err())

	key, member, err := BlockingPop(ctx, rdb, []string{"lane:q:0", "lane:q:1"}, time.Second)
	require.NoError(t, err)
	require.Equal(t, "lane:q:0", key)
	require.Equal(t, "high-pri", member)
}

func TestBlockingPop_TimesOut(t *testing.T) {
	rdb, done := newMini(t)
	defer done()

	_, _, err := BlockingPop(context.Background(), rdb, []string{"lane:empty"}, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrEmpty)
}

func TestClaimFinalize_OverwritesTaskAndAddsInflight(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	ctx := context.Background()

	deadline := time.Now().Add(time.Minute)
	require.NoError(t, ClaimFinalize(ctx, rdb, "task:q:1", "inflight:q", "1", []byte("claimed"), deadline))

	v, err := rdb.Get(ctx, "task:q:1").Result()
	require.NoError(t, err)
	require.Equal(t, "claimed", v)

	score, err := rdb.ZScore(ctx, "inflight:q", "1").Result()
	require.NoError(t, err)
	require.Equal(t, float64(deadline.Unix()), score)
}

func TestAck_TerminalOutcome_RemovesFromInflightAndSetsTTL(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	ctx := context.Background()

	require.NoError(t, rdb.ZAdd(ctx, "inflight:q", redis.Z{Score: 1, Member: "1"}).Err())

	err := Ack(ctx, rdb, AckOutcome{
		InflightKey: "inflight:q",
		TaskKey:     "task:q:1",
		ID:          "1",
		TaskData:    []byte("done"),
		TTLSeconds:  60,
		ResultKey:   "result:q:1",
		ResultData:  []byte(`"ok"`),
	})
	require.NoError(t, err)

	n, err := rdb.ZCard(ctx, "inflight:q").Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	v, err := rdb.Get(ctx, "task:q:1").Result()
	require.NoError(t, err)
	require.Equal(t, "done", v)

	r, err := rdb.Get(ctx, "result:q:1").Result()
	require.NoError(t, err)
	require.Equal(t, `"ok"`, r)
}

func TestAck_RetryOutcome_MovesToRetrySet(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	ctx := context.Background()

	require.NoError(t, rdb.ZAdd(ctx, "inflight:q", redis.Z{Score: 1, Member: "1"}).Err())

	at := time.Now().Add(time.Minute)
	err := Ack(ctx, rdb, AckOutcome{
		InflightKey: "inflight:q",
		TaskKey:     "task:q:1",
		ID:          "1",
		TaskData:    []byte("retrying"),
		RetryKey:    "retry:q",
		RetryScore:  float64(at.Unix()),
	})
	require.NoError(t, err)

	n, err := rdb.ZCard(ctx, "inflight:q").Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	score, err := rdb.ZScore(ctx, "retry:q", "1").Result()
	require.NoError(t, err)
	require.Equal(t, float64(at.Unix()), score)
}

func TestPopDue_ReturnsOnlyDueMembers(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, rdb.ZAdd(ctx, "retry:q",
		redis.Z{Score: float64(now.Add(-time.Minute).Unix()), Member: "past"},
		redis.Z{Score: float64(now.Add(time.Hour).Unix()), Member: "future"},
	).Err())

	ids, err := PopDue(ctx, rdb, "retry:q", now, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"past"}, ids)

	remaining, err := rdb.ZCard(ctx, "retry:q").Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), remaining)
}

func TestPopDue_RespectsLimit(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, rdb.ZAdd(ctx, "retry:q",
		redis.Z{Score: float64(now.Add(-time.Minute).Unix()), Member: "a"},
		redis.Z{Score: float64(now.Add(-time.Minute).Unix()), Member: "b"},
	).Err())

	ids, err := PopDue(ctx, rdb, "retry:q", now, 1)
	require.NoError(t, err)
	require.Len(t, ids, 1)
}

func TestRequeue_WritesDataAndPushesLane(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	ctx := context.Background()

	require.NoError(t, Requeue(ctx, rdb, "task:q:1", "lane:q:0", "1", []byte("pending")))

	v, err := rdb.Get(ctx, "task:q:1").Result()
	require.NoError(t, err)
	require.Equal(t, "pending", v)

	members, err := rdb.LRange(ctx, "lane:q:0", 0, -1).Result()
	require.NoError(t, err)
	require.Equal(t, []string{"1"}, members)
}

func TestAcquireLock_ExclusiveUntilReleased(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	ctx := context.Background()

	ok, err := AcquireLock(ctx, rdb, "lock:q", "token-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = AcquireLock(ctx, rdb, "lock:q", "token-b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, ReleaseLock(ctx, rdb, "lock:q", "token-a"))

	ok, err = AcquireLock(ctx, rdb, "lock:q", "token-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReleaseLock_DoesNotReleaseSomeoneElsesLock(t *testing.T) {
	rdb, done := newMini(t)
	defer done()
	ctx := context.Background()

	ok, err := AcquireLock(ctx, rdb, "lock:q", "token-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, ReleaseLock(ctx, rdb, "lock:q", "wrong-token"))

	v, err := rdb.Get(ctx, "lock:q").Result()
	require.NoError(t, err)
	require.Equal(t, "token-a", v)
}
