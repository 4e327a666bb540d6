// Package jobs is the durable delayed-job layer: deterministic job identity,
// delayed visibility, cancellation by id or payload predicate, retries with
// exponential backoff, and recurring registrations.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	QueueSendMessage    = "send-message"
	QueueSendOfficial   = "send-official-message"
	QueueCheckRecovered = "check-recovered"
	QueueMaintenance    = "maintenance"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = 5 * time.Second
)

var (
	ErrClosed        = errors.New("jobs: queue closed")
	ErrEmptyQueue    = errors.New("jobs: empty queue name")
	ErrBadReschedule = errors.New("jobs: reschedule delay must be positive")
)

type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether a job in this state is finished and eligible for pruning.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Cancellable reports whether a job in this state may still be removed.
func (s State) Cancellable() bool {
	return s == StateWaiting || s == StateDelayed
}

// Backoff is an exponential retry schedule: Base * 2^(attempt-1).
type Backoff struct {
	Base time.Duration
}

// Delay returns the wait before the retry that follows failed attempt n (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		attempt = 16
	}
	return base << (attempt - 1)
}

// Options control a single enqueue.
type Options struct {
	Delay       time.Duration
	JobID       string
	Priority    int // lower runs first; 0 = default
	MaxAttempts int
	Backoff     Backoff
}

func (o Options) withDefaults(d Options) Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Backoff.Base <= 0 {
		o.Backoff.Base = d.Backoff.Base
	}
	if o.Backoff.Base <= 0 {
		o.Backoff.Base = DefaultBackoffBase
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	return o
}

// Job is a snapshot of one queued unit of work.
type Job struct {
	ID          string
	Queue       string
	Payload     []byte
	Priority    int
	Attempt     int // 1-based attempt being (or last) executed; 0 before the first run
	MaxAttempts int
	Backoff     Backoff
	State       State
	RunAt       time.Time
	EnqueuedAt  time.Time
	FinishedAt  time.Time
	LastError   string
	Reason      string // terminal or reschedule reason of the last run
}

// LastAttempt reports whether a failure of the running attempt exhausts the job.
func (j Job) LastAttempt() bool {
	return j.Attempt >= j.MaxAttempts
}

// Predicate selects jobs for CancelWhere.
type Predicate func(Job) bool

// Handler executes one job and reports how the queue should treat it.
type Handler func(ctx context.Context, job Job) Outcome

// Scheduler is the producer side of the job store.
type Scheduler interface {
	// Enqueue schedules payload on queue after opts.Delay. When opts.JobID names a job that
	// has not completed (waiting, delayed, active or failed), nothing is created and created
	// is false.
	Enqueue(ctx context.Context, queue string, payload []byte, opts Options) (job Job, created bool, err error)
	// EnqueueRecurring registers payload to be enqueued on every tick of a standard cron spec.
	// Registering the same jobID again replaces the previous registration. Each tick is
	// enqueued under TickID, so processes sharing a store fire it once.
	EnqueueRecurring(ctx context.Context, queue string, payload []byte, cronSpec, jobID string) error
	// Cancel removes a waiting or delayed job; it reports false when there was nothing to remove.
	Cancel(ctx context.Context, queue, jobID string) (bool, error)
	// CancelWhere removes every waiting or delayed job on queue matching pred.
	CancelWhere(ctx context.Context, queue string, pred Predicate) (int, error)
	Close() error
}

// Consumer is the worker side of the job store.
type Consumer interface {
	// Handle registers the handler for queue with at most concurrency jobs in flight.
	Handle(queue string, concurrency int, h Handler)
	// Run blocks processing due jobs until ctx is cancelled, then drains in-flight work.
	Run(ctx context.Context) error
}

// Queue is a full job store.
type Queue interface {
	Scheduler
	Consumer
}

// SendJobID is the deterministic id of a message job for one (cart, template).
func SendJobID(queue, cartID string, templateID int64) string {
	return fmt.Sprintf("%s-%s-%d", queue, cartID, templateID)
}

// CheckJobID is the deterministic id of a cart's recovery check.
func CheckJobID(cartID string) string {
	return "check-" + cartID
}

// RescheduleID derives the id of a planned re-run of jobID at time t.
func RescheduleID(jobID string, t time.Time) string {
	return fmt.Sprintf("%s~r%d", jobID, t.UnixMilli())
}

// TickID is the id of the recurring job jobID for the cron tick at t (minute resolution).
func TickID(jobID string, t time.Time) string {
	return fmt.Sprintf("%s:%d", jobID, t.Truncate(time.Minute).Unix())
}
