package repository

import (
	"context"

	"github.com/jmehdipour/cart-recovery/internal/model"
	"github.com/jmoiron/sqlx"
)

type TenantsRepository interface {
	GetByID(ctx context.Context, id int64) (*model.Tenant, error)
	GetByAPIKey(ctx context.Context, apiKey string) (*model.Tenant, error)
	IncrementUsage(ctx context.Context, id int64, n int64) error
	ResetUsage(ctx context.Context) (int64, error)
}

type TenantsRepositoryImpl struct {
	db *sqlx.DB
}

func NewTenantsRepository(db *sqlx.DB) *TenantsRepositoryImpl {
	return &TenantsRepositoryImpl{db: db}
}

var _ TenantsRepository = (*TenantsRepositoryImpl)(nil)

const tenantColumns = `id, name, api_key, status, rate_limit_rps, messages_used, messages_limit, created_at, updated_at`

func (r *TenantsRepositoryImpl) GetByID(ctx context.Context, id int64) (*model.Tenant, error) {
	var t model.Tenant
	if err := r.db.GetContext(ctx, &t, `SELECT `+tenantColumns+` FROM tenants WHERE id = ? LIMIT 1`, id); err != nil {
		return nil, noRows(err)
	}
	return &t, nil
}

func (r *TenantsRepositoryImpl) GetByAPIKey(ctx context.Context, apiKey string) (*model.Tenant, error) {
	var t model.Tenant
	err := r.db.GetContext(ctx, &t, `
		SELECT `+tenantColumns+`
		  FROM tenants
		 WHERE api_key = ? LIMIT 1
	`, apiKey)
	if err != nil {
		return nil, noRows(err)
	}
	return &t, nil
}

func (r *TenantsRepositoryImpl) IncrementUsage(ctx context.Context, id int64, n int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE tenants
		SET messages_used = messages_used + ?, updated_at = NOW()
		WHERE id = ?
	`, n, id)
	return err
}

// ResetUsage zeroes every tenant's monthly counter.
func (r *TenantsRepositoryImpl) ResetUsage(ctx context.Context) (int64, error) {
	return affected(r.db.ExecContext(ctx, `UPDATE tenants SET messages_used = 0, updated_at = NOW() WHERE messages_used > 0`))
}
