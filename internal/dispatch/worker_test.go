package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmehdipour/cart-recovery/internal/cart"
	"github.com/jmehdipour/cart-recovery/internal/config"
	"github.com/jmehdipour/cart-recovery/internal/events"
	"github.com/jmehdipour/cart-recovery/internal/health"
	"github.com/jmehdipour/cart-recovery/internal/jobs"
	"github.com/jmehdipour/cart-recovery/internal/model"
	"github.com/jmehdipour/cart-recovery/internal/ratelimit"
	"github.com/jmehdipour/cart-recovery/internal/repository/memrepo"
	"github.com/jmehdipour/cart-recovery/internal/transport"
)

const tenantID = int64(1)

var start = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type delivery struct {
	endpoint string
	to       string
	payload  transport.Payload
}

type fakeFactory struct {
	mu       sync.Mutex
	sent     []delivery
	failNext int
}

func (f *fakeFactory) ForInstance(inst *model.ChannelInstance) transport.Sender {
	return &fakeSender{f: f, endpoint: inst.InstanceName}
}

func (f *fakeFactory) ForCredential(cred *model.OfficialCredential) transport.Sender {
	return &fakeSender{f: f, endpoint: cred.PhoneNumberID}
}

func (f *fakeFactory) deliveries() []delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivery(nil), f.sent...)
}

type fakeSender struct {
	f        *fakeFactory
	endpoint string
}

func (s *fakeSender) Send(_ context.Context, to string, p transport.Payload) (string, error) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if s.f.failNext > 0 {
		s.f.failNext--
		return "", &transport.StatusError{Provider: "fake", Status: 502}
	}
	s.f.sent = append(s.f.sent, delivery{endpoint: s.endpoint, to: to, payload: p})
	return fmt.Sprintf("ext-%d", len(s.f.sent)), nil
}

type fixture struct {
	queue     *jobs.MemoryQueue
	mgr       *cart.Manager
	worker    *Worker
	carts     *memrepo.Carts
	templates *memrepo.Templates
	channels  *memrepo.Channels
	tenants   *memrepo.Tenants
	logs      *memrepo.MessageLogs
	configs   *memrepo.RateLimitConfigs
	health    *memrepo.Health
	factory   *fakeFactory
	events    *events.Recorder
	clock     time.Time
}

func rateDefaults() config.RateLimitConfig {
	return config.RateLimitConfig{
		MaxPerMinute:               10,
		MaxPerHour:                 200,
		WarmupMaxPerMinute:         2,
		WarmupMaxPerHour:           20,
		MinDelaySeconds:            10,
		WarmupEnabled:              true,
		WarmupDailyIncrease:        10,
		AllowedHoursStart:          8,
		AllowedHoursEnd:            21,
		EnablePersonalizationCheck: true,
		MaxIdenticalMessages:       10,
		FailureGuardMinSample:      10,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		carts:     memrepo.NewCarts(),
		templates: memrepo.NewTemplates(),
		channels:  memrepo.NewChannels(),
		tenants:   memrepo.NewTenants(model.Tenant{ID: tenantID, Name: "Loja", Status: "active", MessagesLimit: 100}),
		configs:   memrepo.NewRateLimitConfigs(),
		health:    memrepo.NewHealth(),
		factory:   &fakeFactory{},
		events:    &events.Recorder{},
		clock:     start,
	}
	now := func() time.Time { return f.clock }
	log := zap.NewNop()

	f.logs = memrepo.NewMessageLogs(now)
	f.queue = jobs.NewMemoryQueue(jobs.WithClock(now))
	store := health.NewStore(f.health, health.NewMemoryCounters(), health.Thresholds{High: 80, Medium: 60, Low: 30}, 1000, log)
	limiter := ratelimit.New(f.configs, store, f.logs, rateDefaults(), log, ratelimit.WithClock(now))

	f.mgr = cart.New(f.carts, f.templates, f.channels, f.logs, f.queue, store,
		config.CartConfig{RecoveryCheckAfter: 12 * time.Hour, TTL: 7 * 24 * time.Hour}, log, cart.WithClock(now))
	f.worker = NewWorker(f.carts, f.templates, f.channels, f.tenants, f.logs, limiter, store, f.factory, f.events,
		config.DispatchConfig{RescheduleCeiling: time.Hour, SendTimeout: time.Second}, log, WithClock(now))

	Register(f.queue, f.worker, NewHousekeeper(f.mgr, f.tenants, log), nil)
	return f
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func (f *fixture) connectInstance() {
	connected := start.AddDate(0, 0, -30)
	f.channels.PutInstance(model.ChannelInstance{
		ID: 42, TenantID: tenantID, InstanceName: "loja-1", Status: model.InstanceConnected, ConnectedAt: &connected,
	})
}

func (f *fixture) addTemplate(id int64, delayMinutes int) {
	f.templates.Put(model.Template{
		ID: id, TenantID: tenantID, Channel: model.ChannelUnofficial, IsActive: true, DelayMinutes: delayMinutes,
		Content: "Oi {{nome}}, seu carrinho com {{produtos}} ({{total}}) está te esperando: {{link}}",
	})
}

func (f *fixture) ingest(t *testing.T, ext string) *model.AbandonedCart {
	t.Helper()
	res, err := f.mgr.ProcessAbandonedCart(context.Background(), model.NewCartFact{
		TenantID:       tenantID,
		ExternalCartID: ext,
		CustomerName:   "Ana",
		CustomerPhone:  "5511999999999",
		CartURL:        "https://loja.example/c/" + ext,
		TotalValue:     250,
		Items:          []model.CartItem{{Name: "Tênis", Quantity: 1, Price: 250}},
	})
	require.NoError(t, err)
	require.True(t, res.Created)
	return res.Cart
}

func (f *fixture) usage(t *testing.T) int64 {
	t.Helper()
	tn, err := f.tenants.GetByID(context.Background(), tenantID)
	require.NoError(t, err)
	return tn.MessagesUsed
}

func TestScenario_SendsWhenDue(t *testing.T) {
	f := newFixture(t)
	f.connectInstance()
	f.addTemplate(1, 30)
	ctx := context.Background()

	c := f.ingest(t, "c-1")

	logs := f.logs.ByCart(c.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, model.StatusQueued, logs[0].Status)

	sends := f.queue.Jobs(jobs.QueueSendMessage, jobs.StateDelayed)
	require.Len(t, sends, 1)
	assert.Equal(t, 1_800_000*time.Millisecond, sends[0].RunAt.Sub(start))

	assert.Zero(t, f.queue.ProcessDue(ctx), "nothing due before the delay")

	f.advance(30 * time.Minute)
	assert.Equal(t, 1, f.queue.ProcessDue(ctx))

	logs = f.logs.ByCart(c.ID)
	assert.Equal(t, model.StatusSent, logs[0].Status)
	assert.Equal(t, "ext-1", logs[0].ExternalMessageID)
	require.NotNil(t, logs[0].SentAt)
	assert.Equal(t, "Oi Ana, seu carrinho com Tênis (R$ 250,00) está te esperando: https://loja.example/c/c-1", logs[0].Content)
	assert.Equal(t, int64(1), f.usage(t))

	ds := f.factory.deliveries()
	require.Len(t, ds, 1)
	assert.Equal(t, "loja-1", ds[0].endpoint)
	assert.Equal(t, "5511999999999", ds[0].to)

	evs := f.events.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, model.StatusSent, evs[0].Status)

	hm, err := f.health.Get(ctx, model.UnofficialKey(42))
	require.NoError(t, err)
	assert.Equal(t, int64(1), hm.SentLast7Days)
}

func TestScenario_OrderBeforeSend(t *testing.T) {
	f := newFixture(t)
	f.connectInstance()
	f.addTemplate(1, 30)
	ctx := context.Background()

	c := f.ingest(t, "c-1")
	sends := f.queue.Jobs(jobs.QueueSendMessage, jobs.StateDelayed)
	require.Len(t, sends, 1)
	lost := sends[0]

	f.advance(10 * time.Minute)
	n, err := f.mgr.HandleOrderCreated(ctx, model.OrderCreatedFact{TenantID: tenantID, CustomerPhone: "5511999999999"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	stored, err := f.carts.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CartCompleted, stored.Status)
	assert.Empty(t, f.queue.Jobs(jobs.QueueSendMessage, jobs.StateWaiting, jobs.StateDelayed))
	assert.Empty(t, f.queue.Jobs(jobs.QueueCheckRecovered, jobs.StateWaiting, jobs.StateDelayed))

	// the job escaped cancellation and fires anyway
	f.advance(20 * time.Minute)
	lost.Attempt = 1
	out := f.worker.HandleSend(ctx, lost)
	assert.Equal(t, jobs.KindDone, out.Kind())

	assert.Equal(t, model.StatusCancelled, f.logs.ByCart(c.ID)[0].Status)
	assert.Empty(t, f.factory.deliveries())
	assert.Zero(t, f.usage(t))
}

func TestScenario_OfficialTemplateSend(t *testing.T) {
	f := newFixture(t)
	f.connectInstance()
	f.addTemplate(1, 30)
	f.channels.PutCredential(model.OfficialCredential{
		ID: 7, TenantID: tenantID, PhoneNumberID: "1098765", AccessToken: "tok", Tier: "TIER_1K", IsActive: true,
		CreatedAt: start.AddDate(0, -2, 0),
	})
	f.templates.Put(model.Template{
		ID: 2, TenantID: tenantID, Channel: model.ChannelOfficial, IsActive: true, DelayMinutes: 60,
		Name: "carrinho_abandonado", Language: "pt_BR", ProviderStatus: model.ProviderApproved,
		Content: "Olá {{1}}, você deixou {{2}} no carrinho: {{3}}. Total {{4}}.",
	})
	ctx := context.Background()

	c := f.ingest(t, "c-1")
	assert.Empty(t, f.queue.Jobs(jobs.QueueSendMessage))

	f.advance(time.Hour)
	assert.Equal(t, 1, f.queue.ProcessDue(ctx))

	ds := f.factory.deliveries()
	require.Len(t, ds, 1)
	assert.Equal(t, "1098765", ds[0].endpoint)
	assert.Equal(t, "carrinho_abandonado", ds[0].payload.Template)
	assert.Equal(t, []string{"Ana", "Tênis", "https://loja.example/c/c-1", "R$ 250,00"}, ds[0].payload.Params)

	logs := f.logs.ByCart(c.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, model.StatusSent, logs[0].Status)
	assert.Equal(t, model.ChannelOfficial, logs[0].Channel)
	assert.Equal(t, "Olá Ana, você deixou Tênis no carrinho: https://loja.example/c/c-1. Total R$ 250,00.", logs[0].Content)
}

func TestHandleSend_CartNoLongerPending(t *testing.T) {
	f := newFixture(t)
	f.connectInstance()
	f.addTemplate(1, 30)
	ctx := context.Background()

	c := f.ingest(t, "c-1")
	ok, err := f.carts.Transition(ctx, c.ID, []model.CartStatus{model.CartPending}, model.CartRecovered, "test", start)
	require.NoError(t, err)
	require.True(t, ok)

	f.advance(30 * time.Minute)
	f.queue.ProcessDue(ctx)

	lg := f.logs.ByCart(c.ID)[0]
	assert.Equal(t, model.StatusCancelled, lg.Status)
	assert.Equal(t, "cart recovered", lg.Error)
	assert.Empty(t, f.factory.deliveries())
}

func TestHandleSend_InactiveTemplateIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.connectInstance()
	f.addTemplate(1, 30)
	ctx := context.Background()

	c := f.ingest(t, "c-1")
	tpl, err := f.templates.GetByID(ctx, 1)
	require.NoError(t, err)
	tpl.IsActive = false
	f.templates.Put(*tpl)

	f.advance(30 * time.Minute)
	f.queue.ProcessDue(ctx)

	lg := f.logs.ByCart(c.ID)[0]
	assert.Equal(t, model.StatusFailed, lg.Status)
	assert.Equal(t, ReasonTemplateInactive, lg.Error)

	done := f.queue.Jobs(jobs.QueueSendMessage, jobs.StateCompleted)
	require.Len(t, done, 1)
	assert.Equal(t, 1, done[0].Attempt, "terminal failures are not retried")
}

func TestHandleSend_DisconnectedChannelRetriesThenFails(t *testing.T) {
	f := newFixture(t)
	f.connectInstance()
	f.addTemplate(1, 30)
	ctx := context.Background()

	c := f.ingest(t, "c-1")
	inst, err := f.channels.GetInstance(ctx, 42)
	require.NoError(t, err)
	inst.Status = model.InstanceDisconnected
	f.channels.PutInstance(*inst)

	f.advance(30 * time.Minute)
	require.Equal(t, 1, f.queue.ProcessDue(ctx))

	lg := f.logs.ByCart(c.ID)[0]
	assert.Equal(t, model.StatusQueued, lg.Status, "still claimable by the retry")
	assert.Contains(t, lg.Error, "not connected")

	f.advance(5 * time.Second)
	require.Equal(t, 1, f.queue.ProcessDue(ctx))
	f.advance(10 * time.Second)
	require.Equal(t, 1, f.queue.ProcessDue(ctx))

	failed := f.queue.Jobs(jobs.QueueSendMessage, jobs.StateFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, 3, failed[0].Attempt)
	assert.Equal(t, model.StatusFailed, f.logs.ByCart(c.ID)[0].Status)
}

func TestHandleSend_ReconnectBeforeRetry(t *testing.T) {
	f := newFixture(t)
	f.connectInstance()
	f.addTemplate(1, 30)
	ctx := context.Background()

	c := f.ingest(t, "c-1")
	inst, err := f.channels.GetInstance(ctx, 42)
	require.NoError(t, err)
	down := *inst
	down.Status = model.InstanceDisconnected
	f.channels.PutInstance(down)

	f.advance(30 * time.Minute)
	f.queue.ProcessDue(ctx)

	f.channels.PutInstance(*inst)
	f.advance(5 * time.Second)
	f.queue.ProcessDue(ctx)

	assert.Equal(t, model.StatusSent, f.logs.ByCart(c.ID)[0].Status)
	assert.Len(t, f.factory.deliveries(), 1)
}

func TestHandleSend_QuotaExhausted(t *testing.T) {
	f := newFixture(t)
	f.connectInstance()
	f.addTemplate(1, 30)
	ctx := context.Background()
	require.NoError(t, f.tenants.IncrementUsage(ctx, tenantID, 100))

	c := f.ingest(t, "c-1")
	f.advance(30 * time.Minute)
	f.queue.ProcessDue(ctx)

	lg := f.logs.ByCart(c.ID)[0]
	assert.Equal(t, model.StatusFailed, lg.Status)
	assert.Equal(t, ReasonQuotaExhausted, lg.Error)
	assert.Empty(t, f.factory.deliveries())
}

func TestHandleSend_ContentPolicyRejection(t *testing.T) {
	f := newFixture(t)
	f.connectInstance()
	f.templates.Put(model.Template{
		ID: 1, TenantID: tenantID, Channel: model.ChannelUnofficial, IsActive: true, DelayMinutes: 30, Content: "Volte já!",
	})
	ctx := context.Background()

	c := f.ingest(t, "c-1")
	f.advance(30 * time.Minute)
	f.queue.ProcessDue(ctx)

	lg := f.logs.ByCart(c.ID)[0]
	assert.Equal(t, model.StatusFailed, lg.Status)
	assert.Contains(t, lg.Error, "not personalized")
}

func TestHandleSend_MinDelayReschedules(t *testing.T) {
	f := newFixture(t)
	f.connectInstance()
	f.addTemplate(1, 30)
	ctx := context.Background()

	a := f.ingest(t, "c-1")
	b := f.ingest(t, "c-2")

	f.advance(30 * time.Minute)
	require.Equal(t, 2, f.queue.ProcessDue(ctx))
	assert.Len(t, f.factory.deliveries(), 1)

	statuses := []model.MessageStatus{f.logs.ByCart(a.ID)[0].Status, f.logs.ByCart(b.ID)[0].Status}
	assert.ElementsMatch(t, []model.MessageStatus{model.StatusSent, model.StatusQueued}, statuses)

	delayed := f.queue.Jobs(jobs.QueueSendMessage, jobs.StateDelayed)
	require.Len(t, delayed, 1)
	assert.True(t, strings.Contains(delayed[0].ID, "~r"), "rescheduled under a derived id")
	assert.Equal(t, 10*time.Second, delayed[0].RunAt.Sub(f.clock))
	assert.Zero(t, delayed[0].Attempt, "a reschedule spends no attempt")

	f.advance(10 * time.Second)
	require.Equal(t, 1, f.queue.ProcessDue(ctx))
	assert.Len(t, f.factory.deliveries(), 2)
	assert.Equal(t, int64(2), f.usage(t))
}

func TestHandleSend_LongRateLimitWaitFails(t *testing.T) {
	f := newFixture(t)
	f.connectInstance()
	f.addTemplate(1, 30)
	one := 1
	f.configs.Put(model.RateLimitConfig{TenantID: tenantID, MaxPerDay: &one})
	ctx := context.Background()

	a := f.ingest(t, "c-1")
	f.advance(30 * time.Minute)
	f.queue.ProcessDue(ctx)
	require.Equal(t, model.StatusSent, f.logs.ByCart(a.ID)[0].Status)

	b := f.ingest(t, "c-2")
	f.advance(30 * time.Minute)
	f.queue.ProcessDue(ctx)

	lg := f.logs.ByCart(b.ID)[0]
	assert.Equal(t, model.StatusFailed, lg.Status)
	assert.Equal(t, "rate limited: "+string(ratelimit.ReasonPerDay), lg.Error)
}

func TestHandleSend_TransportFailureRecordedAndRetried(t *testing.T) {
	f := newFixture(t)
	f.connectInstance()
	f.addTemplate(1, 30)
	f.factory.failNext = 1
	ctx := context.Background()

	c := f.ingest(t, "c-1")
	f.advance(30 * time.Minute)
	f.queue.ProcessDue(ctx)

	lg := f.logs.ByCart(c.ID)[0]
	assert.Equal(t, model.StatusQueued, lg.Status)
	assert.Contains(t, lg.Error, "status=502")

	hm, err := f.health.Get(ctx, model.UnofficialKey(42))
	require.NoError(t, err)
	assert.Equal(t, int64(1), hm.Failed)
	assert.Less(t, hm.HealthScore, 100)

	// min delay has passed by the time the backoff fires
	f.advance(10 * time.Second)
	f.queue.ProcessDue(ctx)
	assert.Equal(t, model.StatusSent, f.logs.ByCart(c.ID)[0].Status)
}

func TestHandleSend_MalformedPayload(t *testing.T) {
	f := newFixture(t)
	out := f.worker.HandleSend(context.Background(), jobs.Job{ID: "x", Queue: jobs.QueueSendMessage, Payload: []byte("{")})
	assert.Equal(t, jobs.KindTerminal, out.Kind())
	assert.Equal(t, ReasonMalformedJob, out.Reason())
}

func TestHousekeeping_CheckAndMaintenance(t *testing.T) {
	f := newFixture(t)
	f.connectInstance()
	f.addTemplate(1, 30)
	ctx := context.Background()
	require.NoError(t, f.tenants.IncrementUsage(ctx, tenantID, 5))

	c := f.ingest(t, "c-1")

	// the send fires, nobody buys, the check expires the cart
	f.advance(30*time.Minute + 12*time.Hour)
	f.queue.ProcessDue(ctx)

	stored, err := f.carts.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CartExpired, stored.Status)

	require.NoError(t, ScheduleMaintenance(ctx, f.queue, config.MaintenanceConfig{ResetQuotaCron: "0 0 1 * *"}))
	f.clock = time.Date(2025, 4, 1, 0, 0, 1, 0, time.UTC)
	f.queue.ProcessDue(ctx)
	assert.Zero(t, f.usage(t))
}

func TestHousekeeping_UnknownTask(t *testing.T) {
	h := NewHousekeeper(nil, memrepo.NewTenants(), zap.NewNop())
	out := h.HandleMaintenance(context.Background(), jobs.Job{Payload: []byte(`{"task":"vacuum"}`)})
	assert.Equal(t, jobs.KindTerminal, out.Kind())
}
