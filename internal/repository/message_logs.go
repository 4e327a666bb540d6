package repository

import (
	"context"
	"time"

	"github.com/jmehdipour/cart-recovery/internal/model"
	"github.com/jmoiron/sqlx"
)

// LogPatch carries the optional columns a status transition writes.
type LogPatch struct {
	Error             *string
	Content           *string
	ExternalMessageID *string
	SentAt            *time.Time
	DeliveredAt       *time.Time
	ReadAt            *time.Time
}

// MessageLogsRepository persists one row per attempted send, for both channels.
type MessageLogsRepository interface {
	InsertQueued(ctx context.Context, m model.MessageLog) error
	GetByID(ctx context.Context, id string) (*model.MessageLog, error)
	GetByExternalID(ctx context.Context, externalID string) (*model.MessageLog, error)
	// Transition applies status `to` (and patch) only when the current status is one of `from`.
	Transition(ctx context.Context, id string, from []model.MessageStatus, to model.MessageStatus, patch LogPatch) (bool, error)
	// NoteError records a transient error without changing status.
	NoteError(ctx context.Context, id, errText string) error
	CancelQueuedByCart(ctx context.Context, cartID, reason string) (int64, error)
	HasSent(ctx context.Context, cartID string) (bool, error)
	// CountIdenticalSince counts messages with exactly this content sent for the tenant since t.
	CountIdenticalSince(ctx context.Context, tenantID int64, content string, since time.Time) (int, error)
}

type MessageLogsRepositoryImpl struct {
	db *sqlx.DB
}

func NewMessageLogsRepository(db *sqlx.DB) *MessageLogsRepositoryImpl {
	return &MessageLogsRepositoryImpl{db: db}
}

var _ MessageLogsRepository = (*MessageLogsRepositoryImpl)(nil)

const logColumns = `id, tenant_id, cart_id, template_id, channel, channel_ref, phone, status, content,
	external_message_id, error, scheduled_for, sent_at, delivered_at, read_at, created_at, updated_at`

// InsertQueued inserts a new message row with status=queued.
func (r *MessageLogsRepositoryImpl) InsertQueued(ctx context.Context, m model.MessageLog) error {
	const q = `
		INSERT INTO message_logs
		    (id, tenant_id, cart_id, template_id, channel, channel_ref, phone, status, content,
		     external_message_id, error, scheduled_for, created_at, updated_at)
		VALUES
		    (?, ?, ?, ?, ?, ?, ?, 'queued', ?, '', '', ?, NOW(), NOW())
	`
	_, err := r.db.ExecContext(ctx, q,
		m.ID, m.TenantID, m.CartID, m.TemplateID, m.Channel.String(), m.ChannelRef, m.Phone,
		m.Content, m.ScheduledFor,
	)
	return err
}

func (r *MessageLogsRepositoryImpl) GetByID(ctx context.Context, id string) (*model.MessageLog, error) {
	var m model.MessageLog
	if err := r.db.GetContext(ctx, &m, `SELECT `+logColumns+` FROM message_logs WHERE id = ? LIMIT 1`, id); err != nil {
		return nil, noRows(err)
	}
	return &m, nil
}

func (r *MessageLogsRepositoryImpl) GetByExternalID(ctx context.Context, externalID string) (*model.MessageLog, error) {
	var m model.MessageLog
	err := r.db.GetContext(ctx, &m, `
		SELECT `+logColumns+` FROM message_logs WHERE external_message_id = ? LIMIT 1
	`, externalID)
	if err != nil {
		return nil, noRows(err)
	}
	return &m, nil
}

func (r *MessageLogsRepositoryImpl) Transition(ctx context.Context, id string, from []model.MessageStatus, to model.MessageStatus, p LogPatch) (bool, error) {
	set := "status = ?, updated_at = NOW()"
	args := []any{to}
	if p.Error != nil {
		set += ", error = ?"
		args = append(args, *p.Error)
	}
	if p.Content != nil {
		set += ", content = ?"
		args = append(args, *p.Content)
	}
	if p.ExternalMessageID != nil {
		set += ", external_message_id = ?"
		args = append(args, *p.ExternalMessageID)
	}
	if p.SentAt != nil {
		set += ", sent_at = ?"
		args = append(args, *p.SentAt)
	}
	if p.DeliveredAt != nil {
		set += ", delivered_at = ?"
		args = append(args, *p.DeliveredAt)
	}
	if p.ReadAt != nil {
		set += ", read_at = ?"
		args = append(args, *p.ReadAt)
	}
	args = append(args, id, from)

	query, args, err := sqlx.In(`UPDATE message_logs SET `+set+` WHERE id = ? AND status IN (?)`, args...)
	if err != nil {
		return false, err
	}
	n, err := affected(r.db.ExecContext(ctx, r.db.Rebind(query), args...))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *MessageLogsRepositoryImpl) NoteError(ctx context.Context, id, errText string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE message_logs SET error = ?, updated_at = NOW() WHERE id = ?`, errText, id)
	return err
}

func (r *MessageLogsRepositoryImpl) CancelQueuedByCart(ctx context.Context, cartID, reason string) (int64, error) {
	return affected(r.db.ExecContext(ctx, `
		UPDATE message_logs
		   SET status = 'cancelled', error = ?, updated_at = NOW()
		 WHERE cart_id = ? AND status = 'queued'
	`, reason, cartID))
}

func (r *MessageLogsRepositoryImpl) HasSent(ctx context.Context, cartID string) (bool, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM message_logs
		 WHERE cart_id = ? AND status IN ('sent', 'delivered', 'read')
	`, cartID)
	return n > 0, err
}

func (r *MessageLogsRepositoryImpl) CountIdenticalSince(ctx context.Context, tenantID int64, content string, since time.Time) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM message_logs
		 WHERE tenant_id = ? AND content = ? AND sent_at >= ?
		   AND status IN ('sent', 'delivered', 'read')
	`, tenantID, content, since)
	return n, err
}
