package repository

import (
	"context"

	"github.com/jmehdipour/cart-recovery/internal/model"
	"github.com/jmoiron/sqlx"
)

type ChannelsRepository interface {
	// ConnectedInstance returns the tenant's first connected unofficial instance, or nil.
	ConnectedInstance(ctx context.Context, tenantID int64) (*model.ChannelInstance, error)
	GetInstance(ctx context.Context, id int64) (*model.ChannelInstance, error)
	// ActiveCredential returns the tenant's active Cloud API credential, or nil.
	ActiveCredential(ctx context.Context, tenantID int64) (*model.OfficialCredential, error)
	GetCredential(ctx context.Context, id int64) (*model.OfficialCredential, error)
}

type ChannelsRepositoryImpl struct {
	db *sqlx.DB
}

func NewChannelsRepository(db *sqlx.DB) *ChannelsRepositoryImpl {
	return &ChannelsRepositoryImpl{db: db}
}

var _ ChannelsRepository = (*ChannelsRepositoryImpl)(nil)

const (
	instanceColumns   = `id, tenant_id, instance_name, phone, status, connected_at, created_at, updated_at`
	credentialColumns = `id, tenant_id, waba_id, phone_number_id, access_token, api_version, tier, is_active,
		created_at, updated_at`
)

func (r *ChannelsRepositoryImpl) ConnectedInstance(ctx context.Context, tenantID int64) (*model.ChannelInstance, error) {
	var i model.ChannelInstance
	err := r.db.GetContext(ctx, &i, `
		SELECT `+instanceColumns+` FROM channel_instances
		 WHERE tenant_id = ? AND status = 'connected'
		 ORDER BY connected_at ASC LIMIT 1
	`, tenantID)
	if err != nil {
		return nil, noRows(err)
	}
	return &i, nil
}

func (r *ChannelsRepositoryImpl) GetInstance(ctx context.Context, id int64) (*model.ChannelInstance, error) {
	var i model.ChannelInstance
	if err := r.db.GetContext(ctx, &i, `SELECT `+instanceColumns+` FROM channel_instances WHERE id = ? LIMIT 1`, id); err != nil {
		return nil, noRows(err)
	}
	return &i, nil
}

func (r *ChannelsRepositoryImpl) ActiveCredential(ctx context.Context, tenantID int64) (*model.OfficialCredential, error) {
	var c model.OfficialCredential
	err := r.db.GetContext(ctx, &c, `
		SELECT `+credentialColumns+` FROM official_credentials
		 WHERE tenant_id = ? AND is_active = 1
		 ORDER BY id ASC LIMIT 1
	`, tenantID)
	if err != nil {
		return nil, noRows(err)
	}
	return &c, nil
}

func (r *ChannelsRepositoryImpl) GetCredential(ctx context.Context, id int64) (*model.OfficialCredential, error) {
	var c model.OfficialCredential
	if err := r.db.GetContext(ctx, &c, `SELECT `+credentialColumns+` FROM official_credentials WHERE id = ? LIMIT 1`, id); err != nil {
		return nil, noRows(err)
	}
	return &c, nil
}
