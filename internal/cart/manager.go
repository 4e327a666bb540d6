// Package cart owns the abandoned-cart lifecycle: idempotent intake, message scheduling
// (official channel first, unofficial as fallback) and the terminal transitions that tear
// pending work down again.
package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/jmehdipour/cart-recovery/internal/config"
	"github.com/jmehdipour/cart-recovery/internal/jobs"
	"github.com/jmehdipour/cart-recovery/internal/metrics"
	"github.com/jmehdipour/cart-recovery/internal/model"
	"github.com/jmehdipour/cart-recovery/internal/repository"
	"github.com/jmehdipour/cart-recovery/internal/util"
)

var (
	ErrInvalidFact  = errors.New("cart: invalid fact")
	ErrCartNotFound = errors.New("cart: not found")
	ErrNotPending   = errors.New("cart: not pending")
)

const (
	ReasonOrderCreated = "order_created"
	ReasonCancelled    = "cancelled_by_request"
	ReasonNotRecovered = "not_recovered"
	ReasonTTL          = "ttl_elapsed"
)

// open lists the statuses a terminal transition may start from.
var open = []model.CartStatus{model.CartPending, model.CartProcessing}

// cartQueues hold every job that can reference a cart.
var cartQueues = []string{jobs.QueueSendMessage, jobs.QueueSendOfficial, jobs.QueueCheckRecovered}

// ChannelRegistrar creates the health row for a channel the first time it is scheduled on.
type ChannelRegistrar interface {
	EnsureChannel(ctx context.Context, tenantID int64, key model.ChannelKey, tier string, connectedAt, now time.Time) error
}

type Manager struct {
	carts     repository.CartsRepository
	templates repository.TemplatesRepository
	channels  repository.ChannelsRepository
	logs      repository.MessageLogsRepository
	jobs      jobs.Scheduler
	registrar ChannelRegistrar

	checkAfter time.Duration
	ttl        time.Duration

	validate *validator.Validate
	now      func() time.Time
	log      *zap.Logger
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New constructs the lifecycle manager.
func New(
	carts repository.CartsRepository,
	templates repository.TemplatesRepository,
	channels repository.ChannelsRepository,
	logs repository.MessageLogsRepository,
	scheduler jobs.Scheduler,
	registrar ChannelRegistrar,
	cfg config.CartConfig,
	log *zap.Logger,
	opts ...Option,
) *Manager {
	m := &Manager{
		carts:      carts,
		templates:  templates,
		channels:   channels,
		logs:       logs,
		jobs:       scheduler,
		registrar:  registrar,
		checkAfter: cfg.RecoveryCheckAfter,
		ttl:        cfg.TTL,
		validate:   validator.New(),
		now:        time.Now,
		log:        log,
	}
	if m.checkAfter <= 0 {
		m.checkAfter = 12 * time.Hour
	}
	if m.ttl <= 0 {
		m.ttl = 7 * 24 * time.Hour
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Result describes what ProcessAbandonedCart did.
type Result struct {
	Cart      *model.AbandonedCart
	Created   bool
	Channel   model.Channel // empty when nothing could be scheduled
	Scheduled int
}

// plan is the channel and template set a cart will be scheduled on.
type plan struct {
	channel   model.Channel
	queue     string
	ref       int64
	templates []model.Template
}

// ProcessAbandonedCart persists a new cart and schedules its recovery messages. A fact for a
// (tenant, external cart id) that already exists returns the stored cart and does nothing else.
func (m *Manager) ProcessAbandonedCart(ctx context.Context, fact model.NewCartFact) (Result, error) {
	if err := m.validate.StructCtx(ctx, fact); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidFact, err)
	}
	phone := util.NormalizePhone(fact.CustomerPhone)
	if phone == "" {
		return Result{}, fmt.Errorf("%w: customer phone has no digits", ErrInvalidFact)
	}

	existing, err := m.carts.GetByExternalID(ctx, fact.TenantID, fact.ExternalCartID)
	if err != nil {
		return Result{}, fmt.Errorf("lookup cart: %w", err)
	}
	if existing != nil {
		return Result{Cart: existing}, nil
	}

	now := m.now()

	// channel resolution only reads, so a failure here leaves nothing behind to dedupe against
	p, err := m.planFor(ctx, fact.TenantID, now)
	if err != nil {
		return Result{}, err
	}

	c := &model.AbandonedCart{
		ID:                 util.NewAt(now),
		TenantID:           fact.TenantID,
		StoreIntegrationID: fact.StoreIntegrationID,
		ExternalCartID:     fact.ExternalCartID,
		CustomerName:       fact.CustomerName,
		CustomerEmail:      util.NormalizeEmail(fact.CustomerEmail),
		CustomerPhone:      phone,
		CartURL:            fact.CartURL,
		TotalValue:         fact.TotalValue,
		Items:              model.CartItems(fact.Items),
		Status:             model.CartPending,
		ExpiresAt:          now.Add(m.ttl),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	created, err := m.carts.Create(ctx, c)
	if err != nil {
		return Result{}, fmt.Errorf("create cart: %w", err)
	}
	if !created {
		// lost an insert race with a duplicate delivery
		existing, err := m.carts.GetByExternalID(ctx, fact.TenantID, fact.ExternalCartID)
		if err != nil {
			return Result{}, fmt.Errorf("lookup cart: %w", err)
		}
		return Result{Cart: existing}, nil
	}
	metrics.CartsTotal.WithLabelValues(model.CartPending.String()).Inc()

	res := Result{Cart: c, Created: true}
	if p == nil {
		m.log.Info("cart stored without schedulable channel",
			zap.String("cart_id", c.ID),
			zap.Int64("tenant_id", c.TenantID))
		return res, nil
	}

	n, err := m.schedule(ctx, c, p, now)
	res.Scheduled = n
	if n > 0 {
		res.Channel = p.channel
	}
	if err != nil {
		return res, err
	}

	m.log.Info("cart scheduled",
		zap.String("cart_id", c.ID),
		zap.Int64("tenant_id", c.TenantID),
		zap.String("channel", p.channel.String()),
		zap.Int("messages", n))

	return res, nil
}

// planFor prefers the official channel: an active credential plus at least one approved
// template. Otherwise a connected instance with any active template.
func (m *Manager) planFor(ctx context.Context, tenantID int64, now time.Time) (*plan, error) {
	cred, err := m.channels.ActiveCredential(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if cred.Valid() {
		ts, err := m.templates.ListActive(ctx, tenantID, model.ChannelOfficial, model.TriggerAbandonedCart)
		if err != nil {
			return nil, fmt.Errorf("list official templates: %w", err)
		}
		approved := ts[:0]
		for _, t := range ts {
			if t.Approved() {
				approved = append(approved, t)
			}
		}
		if len(approved) > 0 {
			if err := m.registrar.EnsureChannel(ctx, tenantID, cred.Key(), cred.Tier, cred.CreatedAt, now); err != nil {
				return nil, fmt.Errorf("register channel: %w", err)
			}
			return &plan{
				channel:   model.ChannelOfficial,
				queue:     jobs.QueueSendOfficial,
				ref:       cred.ID,
				templates: approved,
			}, nil
		}
	}

	inst, err := m.channels.ConnectedInstance(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load instance: %w", err)
	}
	if !inst.Connected() {
		return nil, nil
	}
	ts, err := m.templates.ListActive(ctx, tenantID, model.ChannelUnofficial, model.TriggerAbandonedCart)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	if len(ts) == 0 {
		return nil, nil
	}

	connectedAt := inst.CreatedAt
	if inst.ConnectedAt != nil {
		connectedAt = *inst.ConnectedAt
	}
	if err := m.registrar.EnsureChannel(ctx, tenantID, inst.Key(), "", connectedAt, now); err != nil {
		return nil, fmt.Errorf("register channel: %w", err)
	}

	return &plan{
		channel:   model.ChannelUnofficial,
		queue:     jobs.QueueSendMessage,
		ref:       inst.ID,
		templates: ts,
	}, nil
}

func (m *Manager) schedule(ctx context.Context, c *model.AbandonedCart, p *plan, now time.Time) (int, error) {
	var (
		scheduled int
		lastDelay time.Duration
	)

	for _, t := range p.templates {
		delay := t.Delay()
		logRow := model.MessageLog{
			ID:           util.NewAt(now),
			TenantID:     c.TenantID,
			CartID:       c.ID,
			TemplateID:   t.ID,
			Channel:      p.channel,
			ChannelRef:   p.ref,
			Phone:        c.CustomerPhone,
			Content:      t.Content,
			ScheduledFor: now.Add(delay),
		}
		if err := m.logs.InsertQueued(ctx, logRow); err != nil {
			return scheduled, fmt.Errorf("insert queued log: %w", err)
		}

		payload, err := json.Marshal(model.SendJob{
			TenantID:   c.TenantID,
			CartID:     c.ID,
			LogID:      logRow.ID,
			TemplateID: t.ID,
			Channel:    p.channel,
		})
		if err != nil {
			return scheduled, fmt.Errorf("marshal send job: %w", err)
		}

		_, created, err := m.jobs.Enqueue(ctx, p.queue, payload, jobs.Options{
			Delay: delay,
			JobID: jobs.SendJobID(p.queue, c.ID, t.ID),
		})
		if err != nil {
			return scheduled, fmt.Errorf("enqueue send job: %w", err)
		}
		if !created {
			// the (cart, template) job already exists; this row would never be sent
			reason := "duplicate schedule"
			if _, err := m.logs.Transition(ctx, logRow.ID, []model.MessageStatus{model.StatusQueued},
				model.StatusCancelled, repository.LogPatch{Error: &reason}); err != nil {
				m.log.Error("cancel duplicate log",
					zap.String("cart_id", c.ID),
					zap.String("log_id", logRow.ID),
					zap.Error(err))
			}
			continue
		}

		scheduled++
		if delay > lastDelay {
			lastDelay = delay
		}
		metrics.MessagesTotal.WithLabelValues("queued", p.channel.String()).Inc()
	}

	if scheduled == 0 {
		return 0, nil
	}

	payload, err := json.Marshal(model.CheckJob{TenantID: c.TenantID, CartID: c.ID})
	if err != nil {
		return scheduled, fmt.Errorf("marshal check job: %w", err)
	}
	if _, _, err := m.jobs.Enqueue(ctx, jobs.QueueCheckRecovered, payload, jobs.Options{
		Delay: lastDelay + m.checkAfter,
		JobID: jobs.CheckJobID(c.ID),
	}); err != nil {
		return scheduled, fmt.Errorf("enqueue check job: %w", err)
	}

	return scheduled, nil
}

// HandleOrderCreated resolves every pending cart of the buyer: recovered when a message
// already went out, completed otherwise. It returns the number of carts resolved.
func (m *Manager) HandleOrderCreated(ctx context.Context, fact model.OrderCreatedFact) (int, error) {
	if err := m.validate.StructCtx(ctx, fact); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidFact, err)
	}

	phone := util.NormalizePhone(fact.CustomerPhone)
	email := util.NormalizeEmail(fact.CustomerEmail)
	pending, err := m.carts.FindPendingByContact(ctx, fact.TenantID, fact.StoreIntegrationID, phone, email)
	if err != nil {
		return 0, fmt.Errorf("find pending carts: %w", err)
	}

	resolved := 0
	for _, c := range pending {
		sent, err := m.logs.HasSent(ctx, c.ID)
		if err != nil {
			return resolved, fmt.Errorf("check sent logs: %w", err)
		}
		to := model.CartCompleted
		if sent {
			to = model.CartRecovered
		}

		ok, err := m.finish(ctx, c.ID, to, ReasonOrderCreated)
		if err != nil {
			return resolved, err
		}
		if ok {
			resolved++
			m.log.Info("cart resolved by order",
				zap.String("cart_id", c.ID),
				zap.Int64("tenant_id", c.TenantID),
				zap.String("status", to.String()),
				zap.String("order_id", fact.ExternalOrderID))
		}
	}

	return resolved, nil
}

// Cancel stops recovery of a tenant's cart on explicit request.
func (m *Manager) Cancel(ctx context.Context, tenantID int64, cartID string) error {
	c, err := m.carts.GetByID(ctx, cartID)
	if err != nil {
		return fmt.Errorf("load cart: %w", err)
	}
	if c == nil || c.TenantID != tenantID {
		return ErrCartNotFound
	}
	if c.Status.Terminal() {
		return ErrNotPending
	}

	ok, err := m.finish(ctx, cartID, model.CartCancelled, ReasonCancelled)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotPending
	}
	return nil
}

// CheckRecovered runs once every message of a cart has had its chance. A cart still pending
// by then was not recovered through us and expires.
func (m *Manager) CheckRecovered(ctx context.Context, job model.CheckJob) error {
	c, err := m.carts.GetByID(ctx, job.CartID)
	if err != nil {
		return fmt.Errorf("load cart: %w", err)
	}
	if c == nil || c.Status != model.CartPending {
		return nil
	}
	_, err = m.finish(ctx, c.ID, model.CartExpired, ReasonNotRecovered)
	return err
}

// ExpireStale expires up to limit pending carts whose TTL has elapsed.
func (m *Manager) ExpireStale(ctx context.Context, limit int) (int, error) {
	stale, err := m.carts.ListExpired(ctx, m.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("list expired carts: %w", err)
	}

	n := 0
	for _, c := range stale {
		ok, err := m.finish(ctx, c.ID, model.CartExpired, ReasonTTL)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// finish moves a cart to a terminal status, then removes its jobs, then cancels its queued
// logs. A send job that escapes the job cancellation still sees the new status and aborts.
func (m *Manager) finish(ctx context.Context, cartID string, to model.CartStatus, reason string) (bool, error) {
	ok, err := m.carts.Transition(ctx, cartID, open, to, reason, m.now())
	if err != nil {
		return false, fmt.Errorf("transition cart: %w", err)
	}
	if !ok {
		return false, nil
	}
	metrics.CartsTotal.WithLabelValues(to.String()).Inc()

	removed, err := m.CancelJobs(ctx, cartID)
	if err != nil {
		return true, err
	}

	n, err := m.logs.CancelQueuedByCart(ctx, cartID, reason)
	if err != nil {
		return true, fmt.Errorf("cancel queued logs: %w", err)
	}

	m.log.Debug("cart finished",
		zap.String("cart_id", cartID),
		zap.String("status", to.String()),
		zap.String("reason", reason),
		zap.Int("jobs_removed", removed),
		zap.Int64("logs_cancelled", n))

	return true, nil
}

// CancelJobs removes every waiting or delayed job that references cartID.
func (m *Manager) CancelJobs(ctx context.Context, cartID string) (int, error) {
	pred := forCart(cartID)
	total := 0
	for _, q := range cartQueues {
		n, err := m.jobs.CancelWhere(ctx, q, pred)
		if err != nil {
			return total, fmt.Errorf("cancel %s jobs: %w", q, err)
		}
		total += n
	}
	return total, nil
}

func forCart(cartID string) jobs.Predicate {
	return func(j jobs.Job) bool {
		var ref struct {
			CartID string `json:"cart_id"`
		}
		if err := json.Unmarshal(j.Payload, &ref); err != nil {
			return false
		}
		return ref.CartID == cartID
	}
}
