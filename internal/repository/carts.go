package repository

import (
	"context"
	"time"

	"github.com/jmehdipour/cart-recovery/internal/model"
	"github.com/jmoiron/sqlx"
)

// CartsRepository persists abandoned carts. (tenant_id, external_cart_id) is UNIQUE.
type CartsRepository interface {
	// Create inserts the cart unless one already exists for its (tenant, external id);
	// created reports whether this call inserted the row.
	Create(ctx context.Context, c *model.AbandonedCart) (created bool, err error)
	GetByID(ctx context.Context, id string) (*model.AbandonedCart, error)
	GetByExternalID(ctx context.Context, tenantID int64, externalCartID string) (*model.AbandonedCart, error)
	// Transition moves a cart to status `to` only if its current status is one of `from`.
	Transition(ctx context.Context, id string, from []model.CartStatus, to model.CartStatus, reason string, at time.Time) (bool, error)
	FindPendingByContact(ctx context.Context, tenantID, integrationID int64, phone, email string) ([]model.AbandonedCart, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]model.AbandonedCart, error)
}

type CartsRepositoryImpl struct {
	db *sqlx.DB
}

func NewCartsRepository(db *sqlx.DB) *CartsRepositoryImpl {
	return &CartsRepositoryImpl{db: db}
}

var _ CartsRepository = (*CartsRepositoryImpl)(nil)

const cartColumns = `id, tenant_id, store_integration_id, external_cart_id, customer_name, customer_email,
	customer_phone, cart_url, total_value, items, status, status_reason, expires_at, recovered_at,
	created_at, updated_at`

func (r *CartsRepositoryImpl) Create(ctx context.Context, c *model.AbandonedCart) (bool, error) {
	const q = `
		INSERT IGNORE INTO abandoned_carts
		    (id, tenant_id, store_integration_id, external_cart_id, customer_name, customer_email,
		     customer_phone, cart_url, total_value, items, status, status_reason, expires_at,
		     created_at, updated_at)
		VALUES
		    (:id, :tenant_id, :store_integration_id, :external_cart_id, :customer_name, :customer_email,
		     :customer_phone, :cart_url, :total_value, :items, :status, :status_reason, :expires_at,
		     :created_at, :updated_at)
	`
	n, err := affected(r.db.NamedExecContext(ctx, q, c))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *CartsRepositoryImpl) GetByID(ctx context.Context, id string) (*model.AbandonedCart, error) {
	var c model.AbandonedCart
	err := r.db.GetContext(ctx, &c, `SELECT `+cartColumns+` FROM abandoned_carts WHERE id = ? LIMIT 1`, id)
	if err != nil {
		return nil, noRows(err)
	}
	return &c, nil
}

func (r *CartsRepositoryImpl) GetByExternalID(ctx context.Context, tenantID int64, externalCartID string) (*model.AbandonedCart, error) {
	var c model.AbandonedCart
	err := r.db.GetContext(ctx, &c, `
		SELECT `+cartColumns+`
		  FROM abandoned_carts
		 WHERE tenant_id = ? AND external_cart_id = ? LIMIT 1
	`, tenantID, externalCartID)
	if err != nil {
		return nil, noRows(err)
	}
	return &c, nil
}

func (r *CartsRepositoryImpl) Transition(ctx context.Context, id string, from []model.CartStatus, to model.CartStatus, reason string, at time.Time) (bool, error) {
	var recoveredAt *time.Time
	if to == model.CartRecovered {
		recoveredAt = &at
	}
	query, args, err := sqlx.In(`
		UPDATE abandoned_carts
		   SET status = ?, status_reason = ?, recovered_at = COALESCE(?, recovered_at), updated_at = ?
		 WHERE id = ? AND status IN (?)
	`, to, reason, recoveredAt, at, id, from)
	if err != nil {
		return false, err
	}
	n, err := affected(r.db.ExecContext(ctx, r.db.Rebind(query), args...))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *CartsRepositoryImpl) FindPendingByContact(ctx context.Context, tenantID, integrationID int64, phone, email string) ([]model.AbandonedCart, error) {
	if phone == "" && email == "" {
		return nil, nil
	}
	q := `SELECT ` + cartColumns + ` FROM abandoned_carts WHERE tenant_id = ? AND status = 'pending'`
	args := []any{tenantID}

	if integrationID > 0 {
		q += " AND store_integration_id = ?"
		args = append(args, integrationID)
	}
	switch {
	case phone != "" && email != "":
		q += " AND (customer_phone = ? OR customer_email = ?)"
		args = append(args, phone, email)
	case phone != "":
		q += " AND customer_phone = ?"
		args = append(args, phone)
	default:
		q += " AND customer_email = ?"
		args = append(args, email)
	}

	var rows []model.AbandonedCart
	if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *CartsRepositoryImpl) ListExpired(ctx context.Context, now time.Time, limit int) ([]model.AbandonedCart, error) {
	if limit <= 0 {
		limit = 500
	}
	var rows []model.AbandonedCart
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+cartColumns+`
		  FROM abandoned_carts
		 WHERE status = 'pending' AND expires_at <= ?
		 ORDER BY expires_at
		 LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
