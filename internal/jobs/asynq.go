package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/jmehdipour/cart-recovery/internal/util"
)

// envelope is the stored task payload; it carries what RetryDelayFunc needs to honour
// per-job backoff.
type envelope struct {
	Payload   []byte `json:"p"`
	BackoffMs int64  `json:"b"`
	Priority  int    `json:"pr,omitempty"`
}

func decodeEnvelope(raw []byte) (envelope, error) {
	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return envelope{}, fmt.Errorf("decode task envelope: %w", err)
	}
	return e, nil
}

type AsynqConfig struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	Retention      time.Duration
	ShutdownPeriod time.Duration
	Location       *time.Location
}

// AsynqQueue is the Redis-backed Queue. Each handled queue gets its own asynq server so
// concurrency stays bounded per queue.
type AsynqQueue struct {
	redis     asynq.RedisConnOpt
	client    *asynq.Client
	inspector *asynq.Inspector
	cron      *cron.Cron
	cfg       AsynqConfig
	log       *zap.Logger

	mu       sync.Mutex
	handlers map[string]*registration
	entries  map[string]cron.EntryID // recurring job id -> cron entry
}

// minTickRetention keeps a completed tick's id reserved long enough for late replicas.
const minTickRetention = time.Hour

func NewAsynqQueue(redis asynq.RedisConnOpt, cfg AsynqConfig, log *zap.Logger) *AsynqQueue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &AsynqQueue{
		redis:     redis,
		client:    asynq.NewClient(redis),
		inspector: asynq.NewInspector(redis),
		cron:      cron.New(cron.WithLocation(cfg.Location)),
		cfg:       cfg,
		log:       log,
		handlers:  map[string]*registration{},
		entries:   map[string]cron.EntryID{},
	}
}

func (q *AsynqQueue) defaults() Options {
	return Options{MaxAttempts: q.cfg.MaxAttempts, Backoff: Backoff{Base: q.cfg.BackoffBase}}
}

func (q *AsynqQueue) taskOptions(queue string, o Options) []asynq.Option {
	opts := []asynq.Option{
		asynq.Queue(queue),
		asynq.TaskID(o.JobID),
		asynq.MaxRetry(o.MaxAttempts - 1),
	}
	if q.cfg.Retention > 0 {
		opts = append(opts, asynq.Retention(q.cfg.Retention))
	}
	if o.Delay > 0 {
		opts = append(opts, asynq.ProcessIn(o.Delay))
	}
	return opts
}

func (q *AsynqQueue) Enqueue(ctx context.Context, queue string, payload []byte, opts Options) (Job, bool, error) {
	if queue == "" {
		return Job{}, false, ErrEmptyQueue
	}
	opts = opts.withDefaults(q.defaults())
	if opts.JobID == "" {
		opts.JobID = util.New()
	}
	body, err := json.Marshal(envelope{Payload: payload, BackoffMs: opts.Backoff.Base.Milliseconds(), Priority: opts.Priority})
	if err != nil {
		return Job{}, false, err
	}
	task := asynq.NewTask(queue, body)

	info, err := q.client.EnqueueContext(ctx, task, q.taskOptions(queue, opts)...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		existing, ierr := q.inspector.GetTaskInfo(queue, opts.JobID)
		if ierr != nil {
			return Job{}, false, fmt.Errorf("inspect %s/%s: %w", queue, opts.JobID, ierr)
		}
		// Completed tasks keep their id reserved in Redis but no longer block it. Archived
		// (failed) tasks keep theirs.
		if existing.State != asynq.TaskStateCompleted {
			return jobFromInfo(existing), false, nil
		}
		if derr := q.inspector.DeleteTask(queue, opts.JobID); derr != nil && !errors.Is(derr, asynq.ErrTaskNotFound) {
			return Job{}, false, fmt.Errorf("release %s/%s: %w", queue, opts.JobID, derr)
		}
		info, err = q.client.EnqueueContext(ctx, task, q.taskOptions(queue, opts)...)
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return Job{ID: opts.JobID, Queue: queue}, false, nil
		}
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("enqueue %s: %w", queue, err)
	}
	return jobFromInfo(info), true, nil
}

func (q *AsynqQueue) EnqueueRecurring(_ context.Context, queue string, payload []byte, cronSpec, jobID string) error {
	o := Options{}.withDefaults(q.defaults())
	body, err := json.Marshal(envelope{Payload: payload, BackoffMs: o.Backoff.Base.Milliseconds()})
	if err != nil {
		return err
	}
	sched, err := cron.ParseStandard(cronSpec)
	if err != nil {
		return fmt.Errorf("register %s (%s): %w", jobID, cronSpec, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if prev, ok := q.entries[jobID]; ok {
		q.cron.Remove(prev)
	}
	q.entries[jobID] = q.cron.Schedule(sched, cron.FuncJob(func() {
		if _, err := q.enqueueTick(context.Background(), queue, body, jobID, o.MaxAttempts, time.Now()); err != nil {
			q.log.Error("recurring enqueue failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}))
	return nil
}

// enqueueTick enqueues the tick of jobID at t. Every replica derives the same task id for
// a tick and a conflict means another replica got there first, so it is never released.
func (q *AsynqQueue) enqueueTick(ctx context.Context, queue string, body []byte, jobID string, maxAttempts int, t time.Time) (bool, error) {
	retention := q.cfg.Retention
	if retention < minTickRetention {
		retention = minTickRetention
	}
	_, err := q.client.EnqueueContext(ctx, asynq.NewTask(queue, body),
		asynq.Queue(queue),
		asynq.TaskID(TickID(jobID, t.In(q.cfg.Location))),
		asynq.MaxRetry(maxAttempts-1),
		asynq.Retention(retention),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("enqueue tick %s: %w", jobID, err)
	}
	return true, nil
}

func (q *AsynqQueue) Cancel(_ context.Context, queue, jobID string) (bool, error) {
	info, err := q.inspector.GetTaskInfo(queue, jobID)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !cancellable(info.State) {
		return false, nil
	}
	if err := q.inspector.DeleteTask(queue, jobID); err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (q *AsynqQueue) CancelWhere(_ context.Context, queue string, pred Predicate) (int, error) {
	const pageSize = 500
	listers := []func(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error){
		q.inspector.ListPendingTasks,
		q.inspector.ListScheduledTasks,
		q.inspector.ListRetryTasks,
	}

	var ids []string
	for _, list := range listers {
		for page := 1; ; page++ {
			infos, err := list(queue, asynq.PageSize(pageSize), asynq.Page(page))
			if errors.Is(err, asynq.ErrQueueNotFound) {
				return 0, nil
			}
			if err != nil {
				return 0, err
			}
			for _, info := range infos {
				if pred(jobFromInfo(info)) {
					ids = append(ids, info.ID)
				}
			}
			if len(infos) < pageSize {
				break
			}
		}
	}

	n := 0
	for _, id := range ids {
		err := q.inspector.DeleteTask(queue, id)
		switch {
		case err == nil:
			n++
		case errors.Is(err, asynq.ErrTaskNotFound):
		default:
			// task went active between listing and delete
			q.log.Warn("cancel skipped", zap.String("queue", queue), zap.String("job_id", id), zap.Error(err))
		}
	}
	return n, nil
}

func (q *AsynqQueue) Close() error {
	return errors.Join(q.client.Close(), q.inspector.Close())
}

func (q *AsynqQueue) Handle(queue string, concurrency int, h Handler) {
	if concurrency < 1 {
		concurrency = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[queue] = &registration{handler: h, concurrency: concurrency}
}

func (q *AsynqQueue) Run(ctx context.Context) error {
	q.mu.Lock()
	regs := make(map[string]*registration, len(q.handlers))
	for k, v := range q.handlers {
		regs[k] = v
	}
	hasCron := len(q.entries) > 0
	q.mu.Unlock()

	var servers []*asynq.Server
	shutdown := func() {
		for _, s := range servers {
			s.Shutdown()
		}
	}

	for queue, reg := range regs {
		srv := asynq.NewServer(q.redis, asynq.Config{
			Concurrency:     reg.concurrency,
			Queues:          map[string]int{queue: 1},
			RetryDelayFunc:  q.retryDelay,
			ShutdownTimeout: q.cfg.ShutdownPeriod,
			Logger:          q.log.Sugar(),
		})
		mux := asynq.NewServeMux()
		mux.HandleFunc(queue, q.adapt(queue, reg.handler))
		if err := srv.Start(mux); err != nil {
			shutdown()
			return fmt.Errorf("start %s consumer: %w", queue, err)
		}
		servers = append(servers, srv)
		q.log.Info("consumer started", zap.String("queue", queue), zap.Int("concurrency", reg.concurrency))
	}
	if hasCron {
		q.cron.Start()
		defer func() { <-q.cron.Stop().Done() }()
	}

	<-ctx.Done()
	shutdown()
	return nil
}

func (q *AsynqQueue) retryDelay(n int, _ error, t *asynq.Task) time.Duration {
	b := Backoff{Base: q.cfg.BackoffBase}
	if e, err := decodeEnvelope(t.Payload()); err == nil && e.BackoffMs > 0 {
		b.Base = time.Duration(e.BackoffMs) * time.Millisecond
	}
	return b.Delay(n + 1)
}

func (q *AsynqQueue) adapt(queue string, h Handler) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, t *asynq.Task) error {
		env, err := decodeEnvelope(t.Payload())
		if err != nil {
			// undecodable envelopes never become decodable
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		id, _ := asynq.GetTaskID(ctx)
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)

		job := Job{
			ID:          id,
			Queue:       queue,
			Payload:     env.Payload,
			Priority:    env.Priority,
			Attempt:     retried + 1,
			MaxAttempts: maxRetry + 1,
			Backoff:     Backoff{Base: time.Duration(env.BackoffMs) * time.Millisecond},
			State:       StateActive,
		}
		out := invoke(ctx, h, job)
		observe(q.log, job, out)

		switch out.Kind() {
		case KindRetry:
			return out.Err()
		case KindReschedule:
			after := out.After()
			if after <= 0 {
				after = time.Second
			}
			_, _, err := q.Enqueue(ctx, queue, env.Payload, Options{
				Delay:       after,
				JobID:       RescheduleID(id, time.Now().Add(after)),
				Priority:    env.Priority,
				MaxAttempts: job.MaxAttempts,
				Backoff:     job.Backoff,
			})
			return err
		default:
			return nil
		}
	}
}

func cancellable(s asynq.TaskState) bool {
	return s == asynq.TaskStatePending || s == asynq.TaskStateScheduled || s == asynq.TaskStateRetry
}

func jobFromInfo(info *asynq.TaskInfo) Job {
	j := Job{
		ID:          info.ID,
		Queue:       info.Queue,
		Attempt:     info.Retried,
		MaxAttempts: info.MaxRetry + 1,
		RunAt:       info.NextProcessAt,
		LastError:   info.LastErr,
		FinishedAt:  info.CompletedAt,
	}
	if e, err := decodeEnvelope(info.Payload); err == nil {
		j.Payload = e.Payload
		j.Priority = e.Priority
		j.Backoff = Backoff{Base: time.Duration(e.BackoffMs) * time.Millisecond}
	}
	switch info.State {
	case asynq.TaskStatePending:
		j.State = StateWaiting
	case asynq.TaskStateScheduled, asynq.TaskStateRetry:
		j.State = StateDelayed
	case asynq.TaskStateActive:
		j.State = StateActive
	case asynq.TaskStateCompleted:
		j.State = StateCompleted
	case asynq.TaskStateArchived:
		j.State = StateFailed
	}
	return j
}
