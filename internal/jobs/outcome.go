package jobs

import (
	"errors"
	"time"
)

type Kind string

const (
	KindDone       Kind = "done"
	KindTerminal   Kind = "terminal"
	KindRetry      Kind = "retry"
	KindReschedule Kind = "reschedule"
)

// Outcome is a handler's verdict. Only Retry enters the backoff/attempt machinery;
// Terminal completes the job with a recorded reason; Reschedule re-enqueues the payload
// after a planned wait without spending an attempt.
type Outcome struct {
	kind   Kind
	reason string
	err    error
	after  time.Duration
}

func Done() Outcome { return Outcome{kind: KindDone} }

func Terminal(reason string) Outcome { return Outcome{kind: KindTerminal, reason: reason} }

func Retry(err error) Outcome {
	if err == nil {
		err = errors.New("retry requested")
	}
	return Outcome{kind: KindRetry, err: err, reason: err.Error()}
}

func Reschedule(after time.Duration, reason string) Outcome {
	return Outcome{kind: KindReschedule, after: after, reason: reason}
}

func (o Outcome) Kind() Kind {
	if o.kind == "" {
		return KindDone
	}
	return o.kind
}

func (o Outcome) Reason() string       { return o.reason }
func (o Outcome) Err() error           { return o.err }
func (o Outcome) After() time.Duration { return o.after }
