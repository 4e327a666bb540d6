// Package dispatch runs the send jobs: it re-validates the cart, template, channel and quota,
// asks the rate limiter for admission, calls the transport and records the outcome.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/cart-recovery/internal/config"
	"github.com/jmehdipour/cart-recovery/internal/events"
	"github.com/jmehdipour/cart-recovery/internal/jobs"
	"github.com/jmehdipour/cart-recovery/internal/metrics"
	"github.com/jmehdipour/cart-recovery/internal/model"
	"github.com/jmehdipour/cart-recovery/internal/ratelimit"
	"github.com/jmehdipour/cart-recovery/internal/render"
	"github.com/jmehdipour/cart-recovery/internal/repository"
	"github.com/jmehdipour/cart-recovery/internal/transport"
)

var (
	ErrChannelDown = errors.New("dispatch: channel not connected")
	ErrCredential  = errors.New("dispatch: official credential invalid")
)

// Terminal reasons stored on the log row.
const (
	ReasonMalformedJob     = "malformed job payload"
	ReasonCartMissing      = "cart not found"
	ReasonTemplateMissing  = "template not found"
	ReasonTemplateInactive = "template inactive"
	ReasonNotApproved      = "template not approved by provider"
	ReasonChannelMismatch  = "template channel does not match message"
	ReasonTenantMissing    = "tenant not found"
	ReasonQuotaExhausted   = "message quota exhausted"
)

// Limiter is the admission control the worker consults.
type Limiter interface {
	CanSend(ctx context.Context, tenantID int64, key model.ChannelKey) (ratelimit.Decision, error)
	ValidateContent(ctx context.Context, c ratelimit.Content) (ratelimit.ContentVerdict, error)
	RecordSend(ctx context.Context, key model.ChannelKey) error
}

// HealthRecorder receives send failures and recomputes the channel score after each attempt.
type HealthRecorder interface {
	RecordFailure(ctx context.Context, key model.ChannelKey, now time.Time) error
	Recompute(ctx context.Context, key model.ChannelKey, now time.Time) (*model.HealthMetric, error)
}

type Worker struct {
	carts     repository.CartsRepository
	templates repository.TemplatesRepository
	channels  repository.ChannelsRepository
	tenants   repository.TenantsRepository
	logs      repository.MessageLogsRepository

	limiter    Limiter
	health     HealthRecorder
	transports transport.Factory
	events     events.Publisher

	rescheduleCeiling time.Duration
	sendTimeout       time.Duration

	now func() time.Time
	log *zap.Logger
}

type Option func(*Worker)

func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// NewWorker constructs the dispatch worker.
func NewWorker(
	carts repository.CartsRepository,
	templates repository.TemplatesRepository,
	channels repository.ChannelsRepository,
	tenants repository.TenantsRepository,
	logs repository.MessageLogsRepository,
	limiter Limiter,
	health HealthRecorder,
	transports transport.Factory,
	publisher events.Publisher,
	cfg config.DispatchConfig,
	log *zap.Logger,
	opts ...Option,
) *Worker {
	w := &Worker{
		carts:             carts,
		templates:         templates,
		channels:          channels,
		tenants:           tenants,
		logs:              logs,
		limiter:           limiter,
		health:            health,
		transports:        transports,
		events:            publisher,
		rescheduleCeiling: cfg.RescheduleCeiling,
		sendTimeout:       cfg.SendTimeout,
		now:               time.Now,
		log:               log,
	}
	if w.rescheduleCeiling <= 0 {
		w.rescheduleCeiling = time.Hour
	}
	if w.sendTimeout <= 0 {
		w.sendTimeout = 15 * time.Second
	}
	if w.events == nil {
		w.events = events.Nop{}
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// HandleSend runs a send-message job (unofficial bridge).
func (w *Worker) HandleSend(ctx context.Context, job jobs.Job) jobs.Outcome {
	return w.handle(ctx, job, model.ChannelUnofficial)
}

// HandleOfficialSend runs a send-official-message job (Cloud API template).
func (w *Worker) HandleOfficialSend(ctx context.Context, job jobs.Job) jobs.Outcome {
	return w.handle(ctx, job, model.ChannelOfficial)
}

// target is the resolved endpoint of one send.
type target struct {
	key    model.ChannelKey
	sender transport.Sender
}

func (w *Worker) handle(ctx context.Context, job jobs.Job, channel model.Channel) jobs.Outcome {
	var sj model.SendJob
	if err := json.Unmarshal(job.Payload, &sj); err != nil || sj.LogID == "" {
		w.log.Error("malformed send job", zap.String("job_id", job.ID), zap.String("queue", job.Queue), zap.Error(err))
		return jobs.Terminal(ReasonMalformedJob)
	}

	lg := w.log.With(
		zap.String("job_id", job.ID),
		zap.String("log_id", sj.LogID),
		zap.String("cart_id", sj.CartID),
		zap.Int64("tenant_id", sj.TenantID),
		zap.String("channel", channel.String()))

	// 1. the log row is the claim on this send
	msg, err := w.logs.GetByID(ctx, sj.LogID)
	if err != nil {
		return jobs.Retry(fmt.Errorf("load log: %w", err))
	}
	if msg == nil || msg.Status != model.StatusQueued {
		lg.Debug("log no longer queued, skipping")
		return jobs.Done()
	}

	// 2. cart
	c, err := w.carts.GetByID(ctx, msg.CartID)
	if err != nil {
		return jobs.Retry(fmt.Errorf("load cart: %w", err))
	}
	if c == nil {
		return w.fail(ctx, msg, ReasonCartMissing)
	}
	if c.Status != model.CartPending {
		return w.cancel(ctx, msg, "cart "+c.Status.String())
	}

	// 3. template
	t, err := w.templates.GetByID(ctx, msg.TemplateID)
	if err != nil {
		return jobs.Retry(fmt.Errorf("load template: %w", err))
	}
	switch {
	case t == nil:
		return w.fail(ctx, msg, ReasonTemplateMissing)
	case t.Channel != msg.Channel:
		return w.fail(ctx, msg, ReasonChannelMismatch)
	case !t.IsActive:
		return w.fail(ctx, msg, ReasonTemplateInactive)
	case !t.Sendable():
		return w.fail(ctx, msg, ReasonNotApproved)
	}

	// 4. channel; a disconnect may heal, so it is retried
	tg, err := w.resolve(ctx, msg)
	if err != nil {
		return w.transient(ctx, job, msg, err)
	}

	// 5. quota
	tenant, err := w.tenants.GetByID(ctx, msg.TenantID)
	if err != nil {
		return jobs.Retry(fmt.Errorf("load tenant: %w", err))
	}
	if tenant == nil {
		return w.fail(ctx, msg, ReasonTenantMissing)
	}
	if tenant.QuotaExhausted() {
		return w.fail(ctx, msg, ReasonQuotaExhausted)
	}

	// 6. render and content policy
	vals := render.ValuesFor(c)
	rendered := render.For(msg.Channel, t.Content, vals)
	payload := transport.Payload{Text: rendered}
	if msg.Channel == model.ChannelOfficial {
		payload = transport.Payload{Template: t.Name, Language: t.Language, Params: vals.Positional()}
	}

	verdict, err := w.limiter.ValidateContent(ctx, ratelimit.Content{
		TenantID:   msg.TenantID,
		TemplateID: t.ID,
		Source:     t.Content,
		Rendered:   rendered,
	})
	if err != nil {
		return jobs.Retry(fmt.Errorf("validate content: %w", err))
	}
	if !verdict.Valid {
		return w.fail(ctx, msg, verdict.Reason)
	}

	// 7. admission
	d, err := w.limiter.CanSend(ctx, msg.TenantID, tg.key)
	if err != nil {
		return w.transient(ctx, job, msg, fmt.Errorf("rate limiter: %w", err))
	}
	if !d.Allowed {
		if d.RetryAfter > 0 && d.RetryAfter < w.rescheduleCeiling {
			metrics.MessagesTotal.WithLabelValues("rescheduled", msg.Channel.String()).Inc()
			lg.Info("send rescheduled",
				zap.String("reason", string(d.Reason)),
				zap.Duration("retry_after", d.RetryAfter))
			return jobs.Reschedule(d.RetryAfter, string(d.Reason))
		}
		return w.fail(ctx, msg, "rate limited: "+string(d.Reason))
	}

	// 8. send
	if err := w.limiter.RecordSend(ctx, tg.key); err != nil {
		return w.transient(ctx, job, msg, fmt.Errorf("record send: %w", err))
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.sendTimeout)
	externalID, err := tg.sender.Send(sendCtx, msg.Phone, payload)
	cancel()

	now := w.now()
	if err != nil {
		// 9. failures count against the channel as well
		if herr := w.health.RecordFailure(ctx, tg.key, now); herr != nil {
			lg.Warn("record failure", zap.Error(herr))
		}
		w.recompute(ctx, tg.key, now)
		return w.transient(ctx, job, msg, err)
	}

	ok, err := w.logs.Transition(ctx, msg.ID, []model.MessageStatus{model.StatusQueued}, model.StatusSent, repository.LogPatch{
		Content:           &rendered,
		ExternalMessageID: &externalID,
		SentAt:            &now,
	})
	if err != nil {
		// the message is out; retrying would send it twice
		lg.Error("mark sent", zap.String("external_id", externalID), zap.Error(err))
	} else if !ok {
		lg.Warn("log left queued state during send", zap.String("external_id", externalID))
	}

	if err := w.tenants.IncrementUsage(ctx, msg.TenantID, 1); err != nil {
		lg.Error("increment usage", zap.Error(err))
	}
	w.recompute(ctx, tg.key, now)

	metrics.MessagesTotal.WithLabelValues("sent", msg.Channel.String()).Inc()
	w.publish(ctx, msg, model.StatusSent, "")
	lg.Info("message sent", zap.String("external_id", externalID))

	return jobs.Done()
}

func (w *Worker) resolve(ctx context.Context, msg *model.MessageLog) (target, error) {
	if msg.Channel == model.ChannelOfficial {
		cred, err := w.channels.GetCredential(ctx, msg.ChannelRef)
		if err != nil {
			return target{}, fmt.Errorf("load credential: %w", err)
		}
		if !cred.Valid() {
			return target{}, ErrCredential
		}
		return target{key: cred.Key(), sender: w.transports.ForCredential(cred)}, nil
	}

	inst, err := w.channels.GetInstance(ctx, msg.ChannelRef)
	if err != nil {
		return target{}, fmt.Errorf("load instance: %w", err)
	}
	if !inst.Connected() {
		return target{}, ErrChannelDown
	}
	return target{key: inst.Key(), sender: w.transports.ForInstance(inst)}, nil
}

// transient notes err on the log and asks for a retry. The log stays queued so the retry can
// claim it; only the last attempt marks it failed.
func (w *Worker) transient(ctx context.Context, job jobs.Job, msg *model.MessageLog, err error) jobs.Outcome {
	if job.LastAttempt() {
		w.fail(ctx, msg, err.Error())
		return jobs.Retry(err)
	}
	if nerr := w.logs.NoteError(ctx, msg.ID, err.Error()); nerr != nil {
		w.log.Warn("note error", zap.String("log_id", msg.ID), zap.Error(nerr))
	}
	return jobs.Retry(err)
}

func (w *Worker) fail(ctx context.Context, msg *model.MessageLog, reason string) jobs.Outcome {
	return w.finish(ctx, msg, model.StatusFailed, reason)
}

func (w *Worker) cancel(ctx context.Context, msg *model.MessageLog, reason string) jobs.Outcome {
	return w.finish(ctx, msg, model.StatusCancelled, reason)
}

func (w *Worker) finish(ctx context.Context, msg *model.MessageLog, to model.MessageStatus, reason string) jobs.Outcome {
	ok, err := w.logs.Transition(ctx, msg.ID, []model.MessageStatus{model.StatusQueued}, to, repository.LogPatch{Error: &reason})
	if err != nil {
		return jobs.Retry(fmt.Errorf("mark log %s: %w", to, err))
	}
	if ok {
		metrics.MessagesTotal.WithLabelValues(to.String(), msg.Channel.String()).Inc()
		w.publish(ctx, msg, to, reason)
	}
	return jobs.Terminal(reason)
}

func (w *Worker) recompute(ctx context.Context, key model.ChannelKey, now time.Time) {
	if _, err := w.health.Recompute(ctx, key, now); err != nil {
		w.log.Warn("recompute health", zap.String("channel", key.String()), zap.Error(err))
	}
}

func (w *Worker) publish(ctx context.Context, msg *model.MessageLog, st model.MessageStatus, reason string) {
	err := w.events.Publish(ctx, model.OutcomeEvent{
		LogID:    msg.ID,
		CartID:   msg.CartID,
		TenantID: msg.TenantID,
		Channel:  msg.Channel,
		Status:   st,
		Reason:   reason,
		At:       w.now(),
	})
	if err != nil {
		w.log.Warn("publish outcome", zap.String("log_id", msg.ID), zap.Error(err))
	}
}
