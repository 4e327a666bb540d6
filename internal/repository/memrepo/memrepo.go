// Package memrepo holds in-memory implementations of the repository interfaces.
// They mirror the MySQL semantics the services rely on (unique keys, conditional
// transitions, atomic increments) and back the lifecycle and dispatch tests.
package memrepo

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jmehdipour/cart-recovery/internal/model"
	"github.com/jmehdipour/cart-recovery/internal/repository"
)

// ---- Carts ----

type Carts struct {
	mu    sync.Mutex
	byID  map[string]*model.AbandonedCart
	byExt map[extKey]string
}

type extKey struct {
	tenant int64
	ext    string
}

func NewCarts() *Carts {
	return &Carts{byID: map[string]*model.AbandonedCart{}, byExt: map[extKey]string{}}
}

var _ repository.CartsRepository = (*Carts)(nil)

func (r *Carts) Create(_ context.Context, c *model.AbandonedCart) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := extKey{c.TenantID, c.ExternalCartID}
	if _, ok := r.byExt[k]; ok {
		return false, nil
	}
	cp := *c
	r.byID[c.ID] = &cp
	r.byExt[k] = c.ID
	return true, nil
}

func (r *Carts) GetByID(_ context.Context, id string) (*model.AbandonedCart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r *Carts) GetByExternalID(ctx context.Context, tenantID int64, externalCartID string) (*model.AbandonedCart, error) {
	r.mu.Lock()
	id, ok := r.byExt[extKey{tenantID, externalCartID}]
	r.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return r.GetByID(ctx, id)
}

func (r *Carts) Transition(_ context.Context, id string, from []model.CartStatus, to model.CartStatus, reason string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok || !slices.Contains(from, c.Status) {
		return false, nil
	}
	c.Status = to
	c.StatusReason = reason
	c.UpdatedAt = at
	if to == model.CartRecovered {
		t := at
		c.RecoveredAt = &t
	}
	return true, nil
}

func (r *Carts) FindPendingByContact(_ context.Context, tenantID, integrationID int64, phone, email string) ([]model.AbandonedCart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.AbandonedCart
	for _, c := range r.byID {
		if c.TenantID != tenantID || c.Status != model.CartPending {
			continue
		}
		if integrationID > 0 && c.StoreIntegrationID != integrationID {
			continue
		}
		if (phone != "" && c.CustomerPhone == phone) || (email != "" && c.CustomerEmail == email) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Carts) ListExpired(_ context.Context, now time.Time, limit int) ([]model.AbandonedCart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.AbandonedCart
	for _, c := range r.byID {
		if c.Status == model.CartPending && !c.ExpiresAt.After(now) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns the number of stored carts.
func (r *Carts) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// ---- Templates ----

type Templates struct {
	mu   sync.Mutex
	rows map[int64]model.Template
}

func NewTemplates(ts ...model.Template) *Templates {
	r := &Templates{rows: map[int64]model.Template{}}
	for _, t := range ts {
		r.Put(t)
	}
	return r
}

var _ repository.TemplatesRepository = (*Templates)(nil)

func (r *Templates) Put(t model.Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.Trigger == "" {
		t.Trigger = model.TriggerAbandonedCart
	}
	if t.Channel == "" {
		t.Channel = model.ChannelUnofficial
	}
	r.rows[t.ID] = t
}

func (r *Templates) ListActive(_ context.Context, tenantID int64, channel model.Channel, trigger string) ([]model.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Template
	for _, t := range r.rows {
		if t.TenantID == tenantID && t.Channel == channel && t.Trigger == trigger && t.IsActive {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DelayMinutes < out[j].DelayMinutes })
	return out, nil
}

func (r *Templates) GetByID(_ context.Context, id int64) (*model.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.rows[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

// ---- Message logs ----

type MessageLogs struct {
	mu   sync.Mutex
	rows map[string]*model.MessageLog
	now  func() time.Time
}

func NewMessageLogs(now func() time.Time) *MessageLogs {
	if now == nil {
		now = time.Now
	}
	return &MessageLogs{rows: map[string]*model.MessageLog{}, now: now}
}

var _ repository.MessageLogsRepository = (*MessageLogs)(nil)

func (r *MessageLogs) InsertQueued(_ context.Context, m model.MessageLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m.Status = model.StatusQueued
	m.CreatedAt = r.now()
	m.UpdatedAt = m.CreatedAt
	r.rows[m.ID] = &m
	return nil
}

func (r *MessageLogs) GetByID(_ context.Context, id string) (*model.MessageLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (r *MessageLogs) GetByExternalID(_ context.Context, externalID string) (*model.MessageLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.rows {
		if externalID != "" && m.ExternalMessageID == externalID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *MessageLogs) Transition(_ context.Context, id string, from []model.MessageStatus, to model.MessageStatus, p repository.LogPatch) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[id]
	if !ok || !slices.Contains(from, m.Status) {
		return false, nil
	}
	m.Status = to
	if p.Error != nil {
		m.Error = *p.Error
	}
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.ExternalMessageID != nil {
		m.ExternalMessageID = *p.ExternalMessageID
	}
	if p.SentAt != nil {
		m.SentAt = p.SentAt
	}
	if p.DeliveredAt != nil {
		m.DeliveredAt = p.DeliveredAt
	}
	if p.ReadAt != nil {
		m.ReadAt = p.ReadAt
	}
	m.UpdatedAt = r.now()
	return true, nil
}

func (r *MessageLogs) NoteError(_ context.Context, id, errText string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.rows[id]; ok {
		m.Error = errText
	}
	return nil
}

func (r *MessageLogs) CancelQueuedByCart(_ context.Context, cartID, reason string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, m := range r.rows {
		if m.CartID == cartID && m.Status == model.StatusQueued {
			m.Status = model.StatusCancelled
			m.Error = reason
			n++
		}
	}
	return n, nil
}

func sentLike(s model.MessageStatus) bool {
	return s == model.StatusSent || s == model.StatusDelivered || s == model.StatusRead
}

func (r *MessageLogs) HasSent(_ context.Context, cartID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.rows {
		if m.CartID == cartID && sentLike(m.Status) {
			return true, nil
		}
	}
	return false, nil
}

func (r *MessageLogs) CountIdenticalSince(_ context.Context, tenantID int64, content string, since time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.rows {
		if m.TenantID == tenantID && m.Content == content && sentLike(m.Status) &&
			m.SentAt != nil && !m.SentAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// ByCart returns the logs for a cart, ordered by scheduled time.
func (r *MessageLogs) ByCart(cartID string) []model.MessageLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.MessageLog
	for _, m := range r.rows {
		if m.CartID == cartID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out
}

// ---- Channels ----

type Channels struct {
	mu          sync.Mutex
	instances   map[int64]model.ChannelInstance
	credentials map[int64]model.OfficialCredential
}

func NewChannels() *Channels {
	return &Channels{instances: map[int64]model.ChannelInstance{}, credentials: map[int64]model.OfficialCredential{}}
}

var _ repository.ChannelsRepository = (*Channels)(nil)

func (r *Channels) PutInstance(i model.ChannelInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[i.ID] = i
}

func (r *Channels) PutCredential(c model.OfficialCredential) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.credentials[c.ID] = c
}

func (r *Channels) ConnectedInstance(_ context.Context, tenantID int64) (*model.ChannelInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *model.ChannelInstance
	for _, i := range r.instances {
		if i.TenantID == tenantID && i.Status == model.InstanceConnected {
			if best == nil || i.ID < best.ID {
				cp := i
				best = &cp
			}
		}
	}
	return best, nil
}

func (r *Channels) GetInstance(_ context.Context, id int64) (*model.ChannelInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.instances[id]
	if !ok {
		return nil, nil
	}
	return &i, nil
}

func (r *Channels) ActiveCredential(_ context.Context, tenantID int64) (*model.OfficialCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *model.OfficialCredential
	for _, c := range r.credentials {
		if c.TenantID == tenantID && c.IsActive {
			if best == nil || c.ID < best.ID {
				cp := c
				best = &cp
			}
		}
	}
	return best, nil
}

func (r *Channels) GetCredential(_ context.Context, id int64) (*model.OfficialCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.credentials[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// ---- Tenants ----

type Tenants struct {
	mu   sync.Mutex
	rows map[int64]*model.Tenant
}

func NewTenants(ts ...model.Tenant) *Tenants {
	r := &Tenants{rows: map[int64]*model.Tenant{}}
	for _, t := range ts {
		cp := t
		r.rows[t.ID] = &cp
	}
	return r
}

var _ repository.TenantsRepository = (*Tenants)(nil)

func (r *Tenants) GetByID(_ context.Context, id int64) (*model.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (r *Tenants) GetByAPIKey(_ context.Context, apiKey string) (*model.Tenant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.rows {
		if t.APIKey == apiKey {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *Tenants) IncrementUsage(_ context.Context, id int64, n int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.rows[id]; ok {
		t.MessagesUsed += n
	}
	return nil
}

func (r *Tenants) ResetUsage(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, t := range r.rows {
		if t.MessagesUsed > 0 {
			t.MessagesUsed = 0
			n++
		}
	}
	return n, nil
}

// ---- Health ----

type Health struct {
	mu   sync.Mutex
	rows map[model.ChannelKey]*model.HealthMetric
}

func NewHealth() *Health {
	return &Health{rows: map[model.ChannelKey]*model.HealthMetric{}}
}

var _ repository.HealthRepository = (*Health)(nil)

func (r *Health) Get(_ context.Context, key model.ChannelKey) (*model.HealthMetric, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[key]
	if !ok {
		return nil, nil
	}
	cp := *m
	cp.Alerts = slices.Clone(m.Alerts)
	return &cp, nil
}

func (r *Health) Ensure(_ context.Context, m model.HealthMetric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[m.ChannelKey]; !ok {
		cp := m
		r.rows[m.ChannelKey] = &cp
	}
	return nil
}

func (r *Health) AddQuality(_ context.Context, key model.ChannelKey, d repository.QualityDelta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[key]
	if !ok {
		return nil
	}
	m.Delivered += d.Delivered
	m.Read += d.Read
	m.Failed += d.Failed
	m.UserResponses += d.Responses
	m.UserBlocks += d.Blocks
	return nil
}

func (r *Health) TouchSent(_ context.Context, key model.ChannelKey, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[key]
	if !ok {
		return nil
	}
	if m.LastMessageSentAt == nil || at.After(*m.LastMessageSentAt) {
		t := at
		m.LastMessageSentAt = &t
	}
	return nil
}

func (r *Health) SaveSnapshot(_ context.Context, s *model.HealthMetric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[s.ChannelKey]
	if !ok {
		return nil
	}
	m.SentLastMinute = s.SentLastMinute
	m.SentLastHour = s.SentLastHour
	m.SentLast24h = s.SentLast24h
	m.SentLast7Days = s.SentLast7Days
	m.FailedLast7Days = s.FailedLast7Days
	m.DeliveredLast7Days = s.DeliveredLast7Days
	m.ReadLast7Days = s.ReadLast7Days
	m.HealthScore = s.HealthScore
	m.QualityRating = s.QualityRating
	m.DailyLimit = s.DailyLimit
	m.Alerts = slices.Clone(s.Alerts)
	m.UpdatedAt = s.UpdatedAt
	return nil
}

// ---- Rate limit configs ----

type RateLimitConfigs struct {
	mu   sync.Mutex
	rows map[int64]*model.RateLimitConfig
}

func NewRateLimitConfigs() *RateLimitConfigs {
	return &RateLimitConfigs{rows: map[int64]*model.RateLimitConfig{}}
}

var _ repository.RateLimitConfigRepository = (*RateLimitConfigs)(nil)

// Put replaces a tenant's overrides.
func (r *RateLimitConfigs) Put(c model.RateLimitConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := c
	r.rows[c.TenantID] = &cp
}

func (r *RateLimitConfigs) GetOrCreate(_ context.Context, tenantID int64) (*model.RateLimitConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[tenantID]
	if !ok {
		c = &model.RateLimitConfig{TenantID: tenantID}
		r.rows[tenantID] = c
	}
	cp := *c
	return &cp, nil
}
