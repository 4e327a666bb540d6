package repository

import (
	"context"
	"time"

	"github.com/jmehdipour/cart-recovery/internal/model"
	"github.com/jmoiron/sqlx"
)

// MessageReportRow is one message outcome as seen by the reporting store.
type MessageReportRow struct {
	LogID    string    `db:"log_id" json:"log_id"`
	CartID   string    `db:"cart_id" json:"cart_id"`
	TenantID int64     `db:"tenant_id" json:"tenant_id"`
	Channel  string    `db:"channel" json:"channel"`
	Status   string    `db:"status" json:"status"`
	Reason   string    `db:"reason" json:"reason"`
	At       time.Time `db:"at" json:"at"`
}

// ReportFilter narrows a report query; zero values mean "any".
type ReportFilter struct {
	CartID  string
	Channel model.Channel
	Status  model.MessageStatus
	Limit   int
	Offset  int
}

// CHMessagesRepository lists message outcomes from ClickHouse (final view).
type CHMessagesRepository interface {
	ListByTenant(ctx context.Context, tenantID int64, f ReportFilter) ([]MessageReportRow, error)
}

type chMessagesRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHMessagesRepository(ch *sqlx.DB) CHMessagesRepository {
	return &chMessagesRepository{ch: ch}
}

func (r *chMessagesRepository) ListByTenant(ctx context.Context, tenantID int64, f ReportFilter) ([]MessageReportRow, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	q := `
		SELECT log_id, cart_id, tenant_id, channel, status, reason, at
		FROM cartrec.message_outcomes_latest
		WHERE tenant_id = ?
	`
	args := []any{tenantID}

	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, f.Status.String())
	}
	if f.Channel != "" {
		q += " AND channel = ?"
		args = append(args, f.Channel.String())
	}
	if f.CartID != "" {
		q += " AND cart_id = ?"
		args = append(args, f.CartID)
	}

	q += " ORDER BY at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	var rows []MessageReportRow
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
