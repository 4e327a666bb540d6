package repository

import (
	"context"

	"github.com/jmehdipour/cart-recovery/internal/model"
	"github.com/jmoiron/sqlx"
)

type TemplatesRepository interface {
	// ListActive returns active templates for a channel+trigger ordered by ascending delay.
	ListActive(ctx context.Context, tenantID int64, channel model.Channel, trigger string) ([]model.Template, error)
	GetByID(ctx context.Context, id int64) (*model.Template, error)
}

type TemplatesRepositoryImpl struct {
	db *sqlx.DB
}

func NewTemplatesRepository(db *sqlx.DB) *TemplatesRepositoryImpl {
	return &TemplatesRepositoryImpl{db: db}
}

var _ TemplatesRepository = (*TemplatesRepositoryImpl)(nil)

const templateColumns = `id, tenant_id, channel, name, language, content, trigger_event, delay_minutes,
	is_active, provider_status, created_at, updated_at`

func (r *TemplatesRepositoryImpl) ListActive(ctx context.Context, tenantID int64, channel model.Channel, trigger string) ([]model.Template, error) {
	var rows []model.Template
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+templateColumns+`
		  FROM message_templates
		 WHERE tenant_id = ? AND channel = ? AND trigger_event = ? AND is_active = 1
		 ORDER BY delay_minutes ASC
	`, tenantID, channel, trigger)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *TemplatesRepositoryImpl) GetByID(ctx context.Context, id int64) (*model.Template, error) {
	var t model.Template
	err := r.db.GetContext(ctx, &t, `SELECT `+templateColumns+` FROM message_templates WHERE id = ? LIMIT 1`, id)
	if err != nil {
		return nil, noRows(err)
	}
	return &t, nil
}
