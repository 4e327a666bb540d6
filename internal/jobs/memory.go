package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/jmehdipour/cart-recovery/internal/util"
)

// MemoryQueue is a process-local Queue. Due jobs are promoted on every sweep; ProcessDue
// runs them synchronously so tests can drive time explicitly.
type MemoryQueue struct {
	mu        sync.Mutex
	now       func() time.Time
	log       *zap.Logger
	defaults  Options
	retention time.Duration
	sweep     time.Duration

	jobs      map[string]map[string]*Job
	handlers  map[string]*registration
	recurring map[string]*recurringEntry
	closed    bool

	wg sync.WaitGroup
}

type registration struct {
	handler     Handler
	concurrency int
	active      int
}

type recurringEntry struct {
	queue    string
	payload  []byte
	schedule cron.Schedule
	next     time.Time
}

type MemoryOption func(*MemoryQueue)

func WithClock(now func() time.Time) MemoryOption {
	return func(q *MemoryQueue) { q.now = now }
}

func WithLogger(l *zap.Logger) MemoryOption {
	return func(q *MemoryQueue) { q.log = l }
}

func WithDefaults(maxAttempts int, backoffBase time.Duration) MemoryOption {
	return func(q *MemoryQueue) {
		q.defaults = Options{MaxAttempts: maxAttempts, Backoff: Backoff{Base: backoffBase}}
	}
}

func WithRetention(d time.Duration) MemoryOption {
	return func(q *MemoryQueue) { q.retention = d }
}

func WithSweepInterval(d time.Duration) MemoryOption {
	return func(q *MemoryQueue) { q.sweep = d }
}

func NewMemoryQueue(opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		now:       time.Now,
		log:       zap.NewNop(),
		defaults:  Options{MaxAttempts: DefaultMaxAttempts, Backoff: Backoff{Base: DefaultBackoffBase}},
		retention: 24 * time.Hour,
		sweep:     time.Second,
		jobs:      map[string]map[string]*Job{},
		handlers:  map[string]*registration{},
		recurring: map[string]*recurringEntry{},
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *MemoryQueue) Enqueue(_ context.Context, queue string, payload []byte, opts Options) (Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueLocked(queue, payload, opts)
}

func (q *MemoryQueue) enqueueLocked(queue string, payload []byte, opts Options) (Job, bool, error) {
	if q.closed {
		return Job{}, false, ErrClosed
	}
	if queue == "" {
		return Job{}, false, ErrEmptyQueue
	}
	opts = opts.withDefaults(q.defaults)

	byID := q.jobs[queue]
	if byID == nil {
		byID = map[string]*Job{}
		q.jobs[queue] = byID
	}

	id := opts.JobID
	if id == "" {
		id = util.New()
	}
	// only a completed id is free again; failed jobs stay put for diagnosis
	if existing, ok := byID[id]; ok && existing.State != StateCompleted {
		return *existing, false, nil
	}

	now := q.now()
	j := &Job{
		ID:          id,
		Queue:       queue,
		Payload:     append([]byte(nil), payload...),
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     opts.Backoff,
		State:       StateWaiting,
		RunAt:       now.Add(opts.Delay),
		EnqueuedAt:  now,
	}
	if opts.Delay > 0 {
		j.State = StateDelayed
	}
	byID[id] = j
	return *j, true, nil
}

func (q *MemoryQueue) EnqueueRecurring(_ context.Context, queue string, payload []byte, cronSpec, jobID string) error {
	sched, err := cron.ParseStandard(cronSpec)
	if err != nil {
		return fmt.Errorf("parse cron %q: %w", cronSpec, err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.recurring[jobID] = &recurringEntry{
		queue:    queue,
		payload:  append([]byte(nil), payload...),
		schedule: sched,
		next:     sched.Next(q.now()),
	}
	return nil
}

func (q *MemoryQueue) Cancel(_ context.Context, queue, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[queue][jobID]
	if !ok || !j.State.Cancellable() {
		return false, nil
	}
	delete(q.jobs[queue], jobID)
	return true, nil
}

func (q *MemoryQueue) CancelWhere(_ context.Context, queue string, pred Predicate) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, j := range q.jobs[queue] {
		if j.State.Cancellable() && pred(*j) {
			delete(q.jobs[queue], id)
			n++
		}
	}
	return n, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Handle(queue string, concurrency int, h Handler) {
	if concurrency < 1 {
		concurrency = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[queue] = &registration{handler: h, concurrency: concurrency}
}

// Run sweeps on the configured interval and executes due jobs concurrently, bounded per queue.
func (q *MemoryQueue) Run(ctx context.Context) error {
	t := time.NewTicker(q.sweep)
	defer t.Stop()
	for {
		for _, j := range q.claim(false) {
			q.wg.Add(1)
			go func(j Job) {
				defer q.wg.Done()
				q.execute(ctx, j)
			}(j)
		}
		select {
		case <-ctx.Done():
			q.wg.Wait()
			return nil
		case <-t.C:
		}
	}
}

// ProcessDue executes every job due at the current clock, one at a time, until none remain.
// It returns the number of executions.
func (q *MemoryQueue) ProcessDue(ctx context.Context) int {
	n := 0
	for {
		claimed := q.claim(true)
		if len(claimed) == 0 {
			return n
		}
		q.execute(ctx, claimed[0])
		n++
	}
}

// claim promotes due work and marks runnable jobs active. With one set, at most one job is claimed.
func (q *MemoryQueue) claim(one bool) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.fireRecurringLocked(now)
	q.pruneLocked(now)

	var out []Job
	for queue, reg := range q.handlers {
		free := reg.concurrency - reg.active
		if one {
			free = 1
		}
		if free <= 0 {
			continue
		}
		var due []*Job
		for _, j := range q.jobs[queue] {
			if j.State == StateDelayed && !j.RunAt.After(now) {
				j.State = StateWaiting
			}
			if j.State == StateWaiting {
				due = append(due, j)
			}
		}
		sort.Slice(due, func(a, b int) bool {
			if due[a].Priority != due[b].Priority {
				return due[a].Priority < due[b].Priority
			}
			if !due[a].RunAt.Equal(due[b].RunAt) {
				return due[a].RunAt.Before(due[b].RunAt)
			}
			return due[a].EnqueuedAt.Before(due[b].EnqueuedAt)
		})
		if len(due) > free {
			due = due[:free]
		}
		for _, j := range due {
			j.State = StateActive
			j.Attempt++
			reg.active++
			out = append(out, *j)
			if one {
				return out
			}
		}
	}
	return out
}

func (q *MemoryQueue) execute(ctx context.Context, job Job) {
	q.mu.Lock()
	reg := q.handlers[job.Queue]
	q.mu.Unlock()

	out := invoke(ctx, reg.handler, job)
	observe(q.log, job, out)

	q.mu.Lock()
	defer q.mu.Unlock()
	reg.active--

	j, ok := q.jobs[job.Queue][job.ID]
	if !ok {
		return
	}
	now := q.now()
	switch out.Kind() {
	case KindRetry:
		j.LastError = out.Err().Error()
		if j.Attempt >= j.MaxAttempts {
			j.State = StateFailed
			j.FinishedAt = now
			return
		}
		j.State = StateDelayed
		j.RunAt = now.Add(j.Backoff.Delay(j.Attempt))
	case KindReschedule:
		j.State = StateCompleted
		j.FinishedAt = now
		j.Reason = out.Reason()
		after := out.After()
		if after <= 0 {
			q.log.Error("reschedule without delay", zap.String("job_id", j.ID), zap.Error(ErrBadReschedule))
			after = time.Second
		}
		if _, _, err := q.enqueueLocked(j.Queue, j.Payload, Options{
			Delay:       after,
			JobID:       RescheduleID(j.ID, now.Add(after)),
			Priority:    j.Priority,
			MaxAttempts: j.MaxAttempts,
			Backoff:     j.Backoff,
		}); err != nil {
			q.log.Error("reschedule enqueue failed", zap.String("job_id", j.ID), zap.Error(err))
		}
	default:
		j.State = StateCompleted
		j.FinishedAt = now
		j.Reason = out.Reason()
	}
}

func (q *MemoryQueue) fireRecurringLocked(now time.Time) {
	for id, e := range q.recurring {
		if e.next.After(now) {
			continue
		}
		fire := e.next
		if _, _, err := q.enqueueLocked(e.queue, e.payload, Options{JobID: TickID(id, fire)}); err != nil {
			q.log.Error("recurring enqueue failed", zap.String("job_id", id), zap.Error(err))
		}
		e.next = e.schedule.Next(now)
	}
}

func (q *MemoryQueue) pruneLocked(now time.Time) {
	if q.retention <= 0 {
		return
	}
	for _, byID := range q.jobs {
		for id, j := range byID {
			if j.State.Terminal() && now.Sub(j.FinishedAt) > q.retention {
				delete(byID, id)
			}
		}
	}
}

// Jobs returns snapshots of jobs on queue, optionally filtered by state, in enqueue order.
func (q *MemoryQueue) Jobs(queue string, states ...State) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Job
	for _, j := range q.jobs[queue] {
		if len(states) > 0 && !hasState(states, j.State) {
			continue
		}
		out = append(out, *j)
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].EnqueuedAt.Equal(out[b].EnqueuedAt) {
			return out[a].EnqueuedAt.Before(out[b].EnqueuedAt)
		}
		return out[a].RunAt.Before(out[b].RunAt)
	})
	return out
}

// Get returns a snapshot of one job.
func (q *MemoryQueue) Get(queue, jobID string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[queue][jobID]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

func hasState(states []State, s State) bool {
	for _, x := range states {
		if x == s {
			return true
		}
	}
	return false
}
