package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmehdipour/cart-recovery/internal/util"
)

// newRedisQueue returns an AsynqQueue on the Redis named by CARTREC_TEST_REDIS_ADDR and a
// fresh queue name that is dropped when the test ends.
func newRedisQueue(t *testing.T, cfg AsynqConfig) (*AsynqQueue, string) {
	t.Helper()
	addr := os.Getenv("CARTREC_TEST_REDIS_ADDR")
	if testing.Short() || addr == "" {
		t.Skip("CARTREC_TEST_REDIS_ADDR not set")
	}
	if cfg.ShutdownPeriod == 0 {
		cfg.ShutdownPeriod = 2 * time.Second
	}
	q := NewAsynqQueue(asynq.RedisClientOpt{Addr: addr, DB: 15}, cfg, zap.NewNop())
	queue := "test-" + strings.ToLower(util.New())
	t.Cleanup(func() {
		_ = q.inspector.DeleteQueue(queue, true)
		_ = q.Close()
	})
	return q, queue
}

func runQueue(t *testing.T, q *AsynqQueue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func taskState(q *AsynqQueue, queue, id string) asynq.TaskState {
	info, err := q.inspector.GetTaskInfo(queue, id)
	if err != nil {
		return 0
	}
	return info.State
}

func TestAsynqQueue_RetryDelay(t *testing.T) {
	q := &AsynqQueue{cfg: AsynqConfig{BackoffBase: time.Second}}
	body, err := json.Marshal(envelope{BackoffMs: 5000})
	require.NoError(t, err)
	task := asynq.NewTask(QueueSendMessage, body)

	// asynq counts retries from zero; the first retry follows attempt 1
	assert.Equal(t, 5*time.Second, q.retryDelay(0, nil, task))
	assert.Equal(t, 10*time.Second, q.retryDelay(1, nil, task))
	assert.Equal(t, 20*time.Second, q.retryDelay(2, nil, task))

	assert.Equal(t, time.Second, q.retryDelay(0, nil, asynq.NewTask(QueueSendMessage, []byte("not json"))))
}

func TestAsynqQueue_DuplicateIDIsNoop(t *testing.T) {
	q, queue := newRedisQueue(t, AsynqConfig{})
	ctx := context.Background()

	_, created, err := q.Enqueue(ctx, queue, []byte("a"), Options{JobID: "j1", Delay: time.Hour})
	require.NoError(t, err)
	assert.True(t, created)

	j, created, err := q.Enqueue(ctx, queue, []byte("b"), Options{JobID: "j1", Delay: 2 * time.Hour})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, []byte("a"), j.Payload)
	assert.Equal(t, StateDelayed, j.State)

	scheduled, err := q.inspector.ListScheduledTasks(queue)
	require.NoError(t, err)
	assert.Len(t, scheduled, 1)
}

func TestAsynqQueue_CancelAndCancelWhere(t *testing.T) {
	q, queue := newRedisQueue(t, AsynqConfig{})
	ctx := context.Background()

	for _, p := range []string{"cart-1", "cart-2", "cart-1"} {
		_, created, err := q.Enqueue(ctx, queue, []byte(p), Options{Delay: time.Hour})
		require.NoError(t, err)
		require.True(t, created)
	}
	_, _, err := q.Enqueue(ctx, queue, []byte("cart-1"), Options{JobID: "now"})
	require.NoError(t, err)

	n, err := q.CancelWhere(ctx, queue, func(j Job) bool { return string(j.Payload) == "cart-1" })
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	scheduled, err := q.inspector.ListScheduledTasks(queue)
	require.NoError(t, err)
	require.Len(t, scheduled, 1)

	ok, err := q.Cancel(ctx, queue, scheduled[0].ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = q.Cancel(ctx, queue, scheduled[0].ID)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err = q.CancelWhere(ctx, "missing-"+queue, func(Job) bool { return true })
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAsynqQueue_CompletedIDCanBeReused(t *testing.T) {
	q, queue := newRedisQueue(t, AsynqConfig{Retention: time.Hour})
	ctx := context.Background()
	q.Handle(queue, 1, func(context.Context, Job) Outcome { return Done() })
	runQueue(t, q)

	_, created, err := q.Enqueue(ctx, queue, nil, Options{JobID: "m"})
	require.NoError(t, err)
	require.True(t, created)
	require.Eventually(t, func() bool {
		return taskState(q, queue, "m") == asynq.TaskStateCompleted
	}, 10*time.Second, 100*time.Millisecond)

	_, created, err = q.Enqueue(ctx, queue, nil, Options{JobID: "m", Delay: time.Hour})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, asynq.TaskStateScheduled, taskState(q, queue, "m"))
}

func TestAsynqQueue_FailedIDIsKept(t *testing.T) {
	q, queue := newRedisQueue(t, AsynqConfig{Retention: time.Hour})
	ctx := context.Background()
	q.Handle(queue, 1, func(context.Context, Job) Outcome { return Retry(errors.New("provider down")) })
	runQueue(t, q)

	_, _, err := q.Enqueue(ctx, queue, []byte("x"), Options{JobID: "f", MaxAttempts: 1})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return taskState(q, queue, "f") == asynq.TaskStateArchived
	}, 10*time.Second, 100*time.Millisecond)

	j, created, err := q.Enqueue(ctx, queue, []byte("y"), Options{JobID: "f"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, StateFailed, j.State)
	assert.Equal(t, []byte("x"), j.Payload)
	assert.Contains(t, j.LastError, "provider down")
}

func TestAsynqQueue_RescheduleEnqueuesFollowUp(t *testing.T) {
	q, queue := newRedisQueue(t, AsynqConfig{Retention: time.Hour})
	ctx := context.Background()
	q.Handle(queue, 1, func(_ context.Context, j Job) Outcome {
		if strings.Contains(j.ID, "~r") {
			return Done()
		}
		return Reschedule(time.Hour, "quiet hours")
	})
	runQueue(t, q)

	_, _, err := q.Enqueue(ctx, queue, []byte("cart-9"), Options{JobID: "s"})
	require.NoError(t, err)

	var follow []*asynq.TaskInfo
	require.Eventually(t, func() bool {
		follow, err = q.inspector.ListScheduledTasks(queue)
		return err == nil && len(follow) == 1
	}, 10*time.Second, 100*time.Millisecond)

	assert.True(t, strings.HasPrefix(follow[0].ID, "s~r"))
	assert.Equal(t, []byte("cart-9"), jobFromInfo(follow[0]).Payload)
	assert.Equal(t, asynq.TaskStateCompleted, taskState(q, queue, "s"))
}

func TestAsynqQueue_TickFiresOncePerReplica(t *testing.T) {
	a, queue := newRedisQueue(t, AsynqConfig{})
	b, _ := newRedisQueue(t, AsynqConfig{})
	ctx := context.Background()
	tick := time.Date(2025, 3, 10, 3, 0, 0, 0, time.UTC)

	created, err := a.enqueueTick(ctx, queue, nil, "expire-carts", 1, tick)
	require.NoError(t, err)
	assert.True(t, created)

	// the other replica fires the same tick a few seconds late
	created, err = b.enqueueTick(ctx, queue, nil, "expire-carts", 1, tick.Add(3*time.Second))
	require.NoError(t, err)
	assert.False(t, created)

	created, err = b.enqueueTick(ctx, queue, nil, "expire-carts", 1, tick.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, created)

	pending, err := a.inspector.ListPendingTasks(queue)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}
