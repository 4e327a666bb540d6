package cart

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jmehdipour/cart-recovery/internal/config"
	"github.com/jmehdipour/cart-recovery/internal/health"
	"github.com/jmehdipour/cart-recovery/internal/jobs"
	"github.com/jmehdipour/cart-recovery/internal/model"
	"github.com/jmehdipour/cart-recovery/internal/repository"
	"github.com/jmehdipour/cart-recovery/internal/repository/memrepo"
)

const tenantID = int64(1)

var start = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	mgr       *Manager
	queue     *jobs.MemoryQueue
	carts     *memrepo.Carts
	templates *memrepo.Templates
	channels  *memrepo.Channels
	logs      *memrepo.MessageLogs
	health    *memrepo.Health
	clock     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		carts:     memrepo.NewCarts(),
		templates: memrepo.NewTemplates(),
		channels:  memrepo.NewChannels(),
		health:    memrepo.NewHealth(),
		clock:     start,
	}
	now := func() time.Time { return f.clock }
	f.logs = memrepo.NewMessageLogs(now)
	f.queue = jobs.NewMemoryQueue(jobs.WithClock(now))
	store := health.NewStore(f.health, health.NewMemoryCounters(), health.Thresholds{High: 80, Medium: 60, Low: 30}, 1000, zap.NewNop())

	f.mgr = New(f.carts, f.templates, f.channels, f.logs, f.queue, store,
		config.CartConfig{RecoveryCheckAfter: 12 * time.Hour, TTL: 7 * 24 * time.Hour},
		zap.NewNop(), WithClock(now))
	return f
}

func (f *fixture) connectInstance() {
	connected := start.AddDate(0, 0, -30)
	f.channels.PutInstance(model.ChannelInstance{
		ID: 42, TenantID: tenantID, InstanceName: "loja-1", Status: model.InstanceConnected, ConnectedAt: &connected,
	})
}

func (f *fixture) addCredential() {
	f.channels.PutCredential(model.OfficialCredential{
		ID: 7, TenantID: tenantID, PhoneNumberID: "1098765", AccessToken: "tok", Tier: "TIER_1K", IsActive: true,
	})
}

func unofficialTemplate(id int64, delayMinutes int) model.Template {
	return model.Template{
		ID: id, TenantID: tenantID, Channel: model.ChannelUnofficial, IsActive: true,
		Content: "Oi {{nome}}, seu carrinho com {{produtos}} ainda está aqui: {{link}}", DelayMinutes: delayMinutes,
	}
}

func officialTemplate(id int64, delayMinutes int, status model.ProviderStatus) model.Template {
	return model.Template{
		ID: id, TenantID: tenantID, Channel: model.ChannelOfficial, IsActive: true, Name: "carrinho_abandonado",
		Language: "pt_BR", DelayMinutes: delayMinutes, ProviderStatus: status,
	}
}

func fact(ext string) model.NewCartFact {
	return model.NewCartFact{
		TenantID:       tenantID,
		ExternalCartID: ext,
		CustomerName:   "Ana",
		CustomerEmail:  "Ana@Loja.com.br",
		CustomerPhone:  "5511999999999",
		CartURL:        "https://loja.example/c/" + ext,
		TotalValue:     250,
		Items:          []model.CartItem{{Name: "Tênis", Quantity: 1, Price: 250}},
	}
}

func pendingJobs(q *jobs.MemoryQueue, queue string) []jobs.Job {
	return q.Jobs(queue, jobs.StateWaiting, jobs.StateDelayed)
}

func TestProcessAbandonedCart_SchedulesUnofficial(t *testing.T) {
	f := newFixture(t)
	f.connectInstance()
	f.templates.Put(unofficialTemplate(1, 30))

	res, err := f.mgr.ProcessAbandonedCart(context.Background(), fact("c-1"))
	require.NoError(t, err)
	require.True(t, res.Created)
	assert.Equal(t, model.ChannelUnofficial, res.Channel)
	assert.Equal(t, 1, res.Scheduled)
	assert.Equal(t, model.CartPending, res.Cart.Status)
	assert.Equal(t, "ana@loja.com.br", res.Cart.CustomerEmail)

	logs := f.logs.ByCart(res.Cart.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, model.StatusQueued, logs[0].Status)
	assert.Equal(t, int64(42), logs[0].ChannelRef)

	sends := pendingJobs(f.queue, jobs.QueueSendMessage)
	require.Len(t, sends, 1)
	assert.Equal(t, jobs.SendJobID(jobs.QueueSendMessage, res.Cart.ID, 1), sends[0].ID)
	assert.Equal(t, 30*time.Minute, sends[0].RunAt.Sub(start))

	check, ok := f.queue.Get(jobs.QueueCheckRecovered, jobs.CheckJobID(res.Cart.ID))
	require.True(t, ok)
	assert.Equal(t, 30*time.Minute+12*time.Hour, check.RunAt.Sub(start))

	hm, err := f.health.Get(context.Background(), model.UnofficialKey(42))
	require.NoError(t, err)
	require.NotNil(t, hm, "channel health row created on schedule")
}

func TestProcessAbandonedCart_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.connectInstance()
	f.templates.Put(unofficialTemplate(1, 30))
	f.templates.Put(unofficialTemplate(2, 120))
	ctx := context.Background()

	first, err := f.mgr.ProcessAbandonedCart(ctx, fact("c-1"))
	require.NoError(t, err)
	second, err := f.mgr.ProcessAbandonedCart(ctx, fact("c-1"))
	require.NoError(t, err)

	assert.False(t, second.Created)
	assert.Equal(t, first.Cart.ID, second.Cart.ID)
	assert.Equal(t, 1, f.carts.Count())
	assert.Len(t, f.logs.ByCart(first.Cart.ID), 2)
	assert.Len(t, pendingJobs(f.queue, jobs.QueueSendMessage), 2)
	assert.Len(t, pendingJobs(f.queue, jobs.QueueCheckRecovered), 1)
}

func TestProcessAbandonedCart_CheckAfterLastTemplate(t *testing.T) {
	f := newFixture(t)
	f.connectInstance()
	f.templates.Put(unofficialTemplate(1, 30))
	f.templates.Put(unofficialTemplate(2, 24*60))

	res, err := f.mgr.ProcessAbandonedCart(context.Background(), fact("c-1"))
	require.NoError(t, err)

	check, ok := f.queue.Get(jobs.QueueCheckRecovered, jobs.CheckJobID(res.Cart.ID))
	require.True(t, ok)
	assert.Equal(t, 36*time.Hour, check.RunAt.Sub(start))
}

func TestProcessAbandonedCart_OfficialWinsOverUnofficial(t *testing.T) {
	f := newFixture(t)
	f.connectInstance()
	f.addCredential()
	f.templates.Put(unofficialTemplate(1, 30))
	f.templates.Put(officialTemplate(2, 60, model.ProviderApproved))
	f.templates.Put(officialTemplate(3, 90, model.ProviderPending))

	res, err := f.mgr.ProcessAbandonedCart(context.Background(), fact("c-1"))
	require.NoError(t, err)

	assert.Equal(t, model.ChannelOfficial, res.Channel)
	assert.Equal(t, 1, res.Scheduled)
	assert.Empty(t, pendingJobs(f.queue, jobs.QueueSendMessage))

	sends := pendingJobs(f.queue, jobs.QueueSendOfficial)
	require.Len(t, sends, 1)
	assert.Equal(t, jobs.SendJobID(jobs.QueueSendOfficial, res.Cart.ID, 2), sends[0].ID)

	logs := f.logs.ByCart(res.Cart.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, model.ChannelOfficial, logs[0].Channel)
	assert.Equal(t, int64(7), logs[0].ChannelRef)
}

func TestProcessAbandonedCart_FallsBackWithoutApprovedTemplate(t *testing.T) {
	f := newFixture(t)
	f.connectInstance()
	f.addCredential()
	f.templates.Put(unofficialTemplate(1, 30))
	f.templates.Put(officialTemplate(2, 60, model.ProviderRejected))

	res, err := f.mgr.ProcessAbandonedCart(context.Background(), fact("c-1"))
	require.NoError(t, err)

	assert.Equal(t, model.ChannelUnofficial, res.Channel)
	assert.Empty(t, pendingJobs(f.queue, jobs.QueueSendOfficial))
	assert.Len(t, pendingJobs(f.queue, jobs.QueueSendMessage), 1)
}

func TestProcessAbandonedCart_NoChannelStillStoresCart(t *testing.T) {
	f := newFixture(t)
	f.templates.Put(unofficialTemplate(1, 30))

	res, err := f.mgr.ProcessAbandonedCart(context.Background(), fact("c-1"))
	require.NoError(t, err)

	assert.True(t, res.Created)
	assert.Zero(t, res.Scheduled)
	assert.Empty(t, res.Channel)
	assert.Equal(t, 1, f.carts.Count())
	assert.Empty(t, pendingJobs(f.queue, jobs.QueueCheckRecovered))
}

func TestProcessAbandonedCart_RejectsInvalidFact(t *testing.T) {
	f := newFixture(t)

	bad := fact("c-1")
	bad.CustomerPhone = ""
	_, err := f.mgr.ProcessAbandonedCart(context.Background(), bad)
	assert.ErrorIs(t, err, ErrInvalidFact)

	bad = fact("c-2")
	bad.CustomerPhone = "n/a"
	_, err = f.mgr.ProcessAbandonedCart(context.Background(), bad)
	assert.ErrorIs(t, err, ErrInvalidFact)

	assert.Zero(t, f.carts.Count())
}

func TestCancel_RemovesJobsAndQueuedLogs(t *testing.T) {
	f := newFixture(t)
	f.connectInstance()
	f.templates.Put(unofficialTemplate(1, 30))
	f.templates.Put(unofficialTemplate(2, 120))
	f.templates.Put(unofficialTemplate(3, 24*60))
	ctx := context.Background()

	res, err := f.mgr.ProcessAbandonedCart(ctx, fact("c-1"))
	require.NoError(t, err)
	other, err := f.mgr.ProcessAbandonedCart(ctx, fact("c-2"))
	require.NoError(t, err)

	require.NoError(t, f.mgr.Cancel(ctx, tenantID, res.Cart.ID))

	for _, q := range cartQueues {
		for _, j := range pendingJobs(f.queue, q) {
			assert.NotContains(t, string(j.Payload), res.Cart.ID, "queue %s", q)
		}
	}
	for _, l := range f.logs.ByCart(res.Cart.ID) {
		assert.Equal(t, model.StatusCancelled, l.Status)
	}

	c, err := f.carts.GetByID(ctx, res.Cart.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CartCancelled, c.Status)

	// the other cart is untouched
	assert.Len(t, pendingJobs(f.queue, jobs.QueueSendMessage), 3)
	for _, l := range f.logs.ByCart(other.Cart.ID) {
		assert.Equal(t, model.StatusQueued, l.Status)
	}

	assert.ErrorIs(t, f.mgr.Cancel(ctx, tenantID, res.Cart.ID), ErrNotPending)
	assert.ErrorIs(t, f.mgr.Cancel(ctx, 99, other.Cart.ID), ErrCartNotFound)
}

func TestHandleOrderCreated_CompletedWithoutSends(t *testing.T) {
	f := newFixture(t)
	f.connectInstance()
	f.templates.Put(unofficialTemplate(1, 30))
	ctx := context.Background()

	res, err := f.mgr.ProcessAbandonedCart(ctx, fact("c-1"))
	require.NoError(t, err)

	n, err := f.mgr.HandleOrderCreated(ctx, model.OrderCreatedFact{TenantID: tenantID, CustomerPhone: "+55 (11) 99999-9999"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c, err := f.carts.GetByID(ctx, res.Cart.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CartCompleted, c.Status)
	assert.Empty(t, pendingJobs(f.queue, jobs.QueueSendMessage))
	assert.Empty(t, pendingJobs(f.queue, jobs.QueueCheckRecovered))
}

func TestHandleOrderCreated_RecoveredAfterSend(t *testing.T) {
	f := newFixture(t)
	f.connectInstance()
	f.templates.Put(unofficialTemplate(1, 30))
	f.templates.Put(unofficialTemplate(2, 120))
	ctx := context.Background()

	res, err := f.mgr.ProcessAbandonedCart(ctx, fact("c-1"))
	require.NoError(t, err)

	logs := f.logs.ByCart(res.Cart.ID)
	sentAt := start.Add(30 * time.Minute)
	ok, err := f.logs.Transition(ctx, logs[0].ID, []model.MessageStatus{model.StatusQueued}, model.StatusSent,
		repository.LogPatch{SentAt: &sentAt})
	require.NoError(t, err)
	require.True(t, ok)

	n, err := f.mgr.HandleOrderCreated(ctx, model.OrderCreatedFact{TenantID: tenantID, CustomerEmail: "ana@loja.com.br"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c, err := f.carts.GetByID(ctx, res.Cart.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CartRecovered, c.Status)
	require.NotNil(t, c.RecoveredAt)

	logs = f.logs.ByCart(res.Cart.ID)
	assert.Equal(t, model.StatusSent, logs[0].Status)
	assert.Equal(t, model.StatusCancelled, logs[1].Status)
}

func TestHandleOrderCreated_NoMatch(t *testing.T) {
	f := newFixture(t)
	f.connectInstance()
	f.templates.Put(unofficialTemplate(1, 30))
	ctx := context.Background()

	_, err := f.mgr.ProcessAbandonedCart(ctx, fact("c-1"))
	require.NoError(t, err)

	n, err := f.mgr.HandleOrderCreated(ctx, model.OrderCreatedFact{TenantID: tenantID, CustomerPhone: "5521988887777"})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, pendingJobs(f.queue, jobs.QueueSendMessage), 1)
}

func TestCheckRecovered_ExpiresPendingCart(t *testing.T) {
	f := newFixture(t)
	f.connectInstance()
	f.templates.Put(unofficialTemplate(1, 30))
	ctx := context.Background()

	res, err := f.mgr.ProcessAbandonedCart(ctx, fact("c-1"))
	require.NoError(t, err)

	require.NoError(t, f.mgr.CheckRecovered(ctx, model.CheckJob{TenantID: tenantID, CartID: res.Cart.ID}))

	c, err := f.carts.GetByID(ctx, res.Cart.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CartExpired, c.Status)
	assert.Equal(t, ReasonNotRecovered, c.StatusReason)
	assert.Equal(t, model.StatusCancelled, f.logs.ByCart(res.Cart.ID)[0].Status)

	// a resolved cart is left alone
	require.NoError(t, f.mgr.CheckRecovered(ctx, model.CheckJob{TenantID: tenantID, CartID: res.Cart.ID}))
	require.NoError(t, f.mgr.CheckRecovered(ctx, model.CheckJob{TenantID: tenantID, CartID: "missing"}))
}

func TestExpireStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.mgr.ProcessAbandonedCart(ctx, fact("c-1"))
	require.NoError(t, err)

	n, err := f.mgr.ExpireStale(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock = start.Add(7*24*time.Hour + time.Minute)
	n, err = f.mgr.ExpireStale(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c, err := f.carts.GetByID(ctx, res.Cart.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CartExpired, c.Status)
}

// sendTaken reports every send job as already present.
type sendTaken struct{ *jobs.MemoryQueue }

func (s sendTaken) Enqueue(ctx context.Context, queue string, payload []byte, opts jobs.Options) (jobs.Job, bool, error) {
	if queue == jobs.QueueSendMessage {
		return jobs.Job{ID: opts.JobID, Queue: queue}, false, nil
	}
	return s.MemoryQueue.Enqueue(ctx, queue, payload, opts)
}

type brokenTransition struct{ *memrepo.MessageLogs }

func (brokenTransition) Transition(context.Context, string, []model.MessageStatus, model.MessageStatus, repository.LogPatch) (bool, error) {
	return false, errors.New("db gone")
}

func TestProcessAbandonedCart_DuplicateSchedule(t *testing.T) {
	t.Run("row is cancelled", func(t *testing.T) {
		f := newFixture(t)
		f.connectInstance()
		f.templates.Put(unofficialTemplate(1, 30))
		store := health.NewStore(f.health, health.NewMemoryCounters(), health.Thresholds{High: 80, Medium: 60, Low: 30}, 1000, zap.NewNop())
		f.mgr = New(f.carts, f.templates, f.channels, f.logs, sendTaken{f.queue}, store,
			config.CartConfig{}, zap.NewNop(), WithClock(func() time.Time { return f.clock }))

		res, err := f.mgr.ProcessAbandonedCart(context.Background(), fact("c-1"))
		require.NoError(t, err)
		assert.Zero(t, res.Scheduled)

		logs := f.logs.ByCart(res.Cart.ID)
		require.Len(t, logs, 1)
		assert.Equal(t, model.StatusCancelled, logs[0].Status)
		assert.Equal(t, "duplicate schedule", logs[0].Error)
	})

	t.Run("failed cancel is logged", func(t *testing.T) {
		f := newFixture(t)
		f.connectInstance()
		f.templates.Put(unofficialTemplate(1, 30))
		core, recorded := observer.New(zap.ErrorLevel)
		store := health.NewStore(f.health, health.NewMemoryCounters(), health.Thresholds{High: 80, Medium: 60, Low: 30}, 1000, zap.NewNop())
		f.mgr = New(f.carts, f.templates, f.channels, brokenTransition{f.logs}, sendTaken{f.queue}, store,
			config.CartConfig{}, zap.New(core), WithClock(func() time.Time { return f.clock }))

		res, err := f.mgr.ProcessAbandonedCart(context.Background(), fact("c-1"))
		require.NoError(t, err)
		assert.Zero(t, res.Scheduled)

		entries := recorded.FilterMessage("cancel duplicate log").All()
		require.Len(t, entries, 1)
		assert.Equal(t, res.Cart.ID, entries[0].ContextMap()["cart_id"])
		assert.Equal(t, "db gone", entries[0].ContextMap()["error"])
	})
}
