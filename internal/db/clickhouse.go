package db

import (
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmehdipour/cart-recovery/internal/config"
	"github.com/jmoiron/sqlx"
)

// NewClickHouseConnection opens the reporting store. Message logs reach ClickHouse through
// the outcomes topic; this side only reads.
func NewClickHouseConnection(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("clickhouse", cfg.DSN) // e.g. clickhouse://default:@localhost:9000/cartrec
	if err != nil {
		return nil, err
	}
	if err := tunePool(db, cfg, 3*time.Second); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	return db, nil
}
