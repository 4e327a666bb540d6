package status

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmehdipour/cart-recovery/internal/health"
	"github.com/jmehdipour/cart-recovery/internal/model"
	"github.com/jmehdipour/cart-recovery/internal/repository"
	"github.com/jmehdipour/cart-recovery/internal/repository/memrepo"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc    *Service
	logs   *memrepo.MessageLogs
	health *memrepo.Health
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		logs:   memrepo.NewMessageLogs(func() time.Time { return now }),
		health: memrepo.NewHealth(),
	}
	store := health.NewStore(f.health, health.NewMemoryCounters(), health.Thresholds{High: 80, Medium: 60, Low: 30}, 1000, zap.NewNop())
	require.NoError(t, store.EnsureChannel(context.Background(), 1, model.UnofficialKey(42), "", now.AddDate(0, -1, 0), now))
	f.svc = New(f.logs, store, zap.NewNop()).WithClock(func() time.Time { return now })
	return f
}

// sentLog stores a log already handed to the provider under externalID.
func (f *fixture) sentLog(t *testing.T, id, externalID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.logs.InsertQueued(ctx, model.MessageLog{
		ID: id, TenantID: 1, CartID: "cart-" + id, Channel: model.ChannelUnofficial, ChannelRef: 42, Phone: "5511999999999",
	}))
	sentAt := now
	ok, err := f.logs.Transition(ctx, id, []model.MessageStatus{model.StatusQueued}, model.StatusSent,
		repository.LogPatch{ExternalMessageID: &externalID, SentAt: &sentAt})
	require.NoError(t, err)
	require.True(t, ok)
}

func (f *fixture) get(t *testing.T, id string) *model.MessageLog {
	t.Helper()
	m, err := f.logs.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, m)
	return m
}

func TestApply_AdvancesMonotonically(t *testing.T) {
	f := newFixture(t)
	f.sentLog(t, "l1", "ext-1")
	ctx := context.Background()

	res, err := f.svc.Apply(ctx, model.DeliveryStatusFact{ExternalMessageID: "ext-1", Event: model.EventDelivered, At: now.Add(time.Minute)})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, model.StatusDelivered, f.get(t, "l1").Status)

	res, err = f.svc.Apply(ctx, model.DeliveryStatusFact{ExternalMessageID: "ext-1", Event: model.EventRead, At: now.Add(2 * time.Minute)})
	require.NoError(t, err)
	assert.True(t, res.Applied)

	// late delivered report after read
	res, err = f.svc.Apply(ctx, model.DeliveryStatusFact{ExternalMessageID: "ext-1", Event: model.EventDelivered, At: now.Add(3 * time.Minute)})
	require.NoError(t, err)
	assert.False(t, res.Applied)

	m := f.get(t, "l1")
	assert.Equal(t, model.StatusRead, m.Status)
	require.NotNil(t, m.ReadAt)
	require.NotNil(t, m.DeliveredAt)
	assert.Equal(t, now.Add(time.Minute), *m.DeliveredAt)

	hm, err := f.health.Get(ctx, model.UnofficialKey(42))
	require.NoError(t, err)
	assert.Equal(t, int64(1), hm.Delivered)
	assert.Equal(t, int64(1), hm.Read)
}

func TestApply_ReadImpliesDelivered(t *testing.T) {
	f := newFixture(t)
	f.sentLog(t, "l1", "ext-1")

	_, err := f.svc.Apply(context.Background(), model.DeliveryStatusFact{ExternalMessageID: "ext-1", Event: model.EventRead})
	require.NoError(t, err)

	m := f.get(t, "l1")
	assert.Equal(t, model.StatusRead, m.Status)
	require.NotNil(t, m.DeliveredAt)

	hm, err := f.health.Get(context.Background(), model.UnofficialKey(42))
	require.NoError(t, err)
	assert.Equal(t, int64(1), hm.Delivered)
}

func TestApply_FailedRecordsReason(t *testing.T) {
	f := newFixture(t)
	f.sentLog(t, "l1", "ext-1")

	res, err := f.svc.Apply(context.Background(), model.DeliveryStatusFact{
		ExternalMessageID: "ext-1", Event: model.EventFailed, Error: "131026 undeliverable",
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)

	m := f.get(t, "l1")
	assert.Equal(t, model.StatusFailed, m.Status)
	assert.Equal(t, "131026 undeliverable", m.Error)

	hm, err := f.health.Get(context.Background(), model.UnofficialKey(42))
	require.NoError(t, err)
	assert.Equal(t, int64(1), hm.Failed)
}

func TestApply_BlockFlagsChannel(t *testing.T) {
	f := newFixture(t)
	f.sentLog(t, "l1", "ext-1")

	res, err := f.svc.Apply(context.Background(), model.DeliveryStatusFact{ExternalMessageID: "ext-1", Event: model.EventBlocked})
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, model.StatusSent, f.get(t, "l1").Status)

	hm, err := f.health.Get(context.Background(), model.UnofficialKey(42))
	require.NoError(t, err)
	assert.Equal(t, int64(1), hm.UserBlocks)
	assert.Equal(t, model.QualityFlagged, hm.QualityRating)
}

func TestApply_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Apply(ctx, model.DeliveryStatusFact{ExternalMessageID: "nope", Event: model.EventDelivered})
	assert.ErrorIs(t, err, ErrUnknownMessage)

	_, err = f.svc.Apply(ctx, model.DeliveryStatusFact{ExternalMessageID: "ext-1", Event: "bounced"})
	assert.ErrorIs(t, err, ErrInvalidReport)

	_, err = f.svc.Apply(ctx, model.DeliveryStatusFact{Event: model.EventRead})
	assert.ErrorIs(t, err, ErrInvalidReport)
}
