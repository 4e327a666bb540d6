package cmd

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/cart-recovery/internal/app"
	"github.com/jmehdipour/cart-recovery/internal/db"
	"github.com/jmehdipour/cart-recovery/internal/logger"
	"github.com/jmehdipour/cart-recovery/internal/model"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed a demo tenant with a connected channel and recovery templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := app.Bootstrap(cfgPath, "seed")
		if err != nil {
			return err
		}
		defer logger.Sync()

		sqlDB, err := db.NewMySQLConnection(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		tenantID, err := seedTenant(sqlDB)
		if err != nil {
			return err
		}
		if err := seedChannel(sqlDB, tenantID); err != nil {
			return err
		}
		if err := seedTemplates(sqlDB, tenantID); err != nil {
			return err
		}

		log.Info("seed completed", zap.Int64("tenant_id", tenantID), zap.String("api_key", demoAPIKey))
		return nil
	},
}

const demoAPIKey = "demo-store-key"

// seedTenant inserts the demo store (idempotent on api_key) and returns its id.
func seedTenant(dbx *sqlx.DB) (int64, error) {
	rps := 20
	t := model.Tenant{
		Name:          "Loja Demo",
		APIKey:        demoAPIKey,
		Status:        "active",
		RateLimitRPS:  &rps,
		MessagesLimit: 1000,
	}
	const q = `
INSERT INTO tenants (name, api_key, status, rate_limit_rps, messages_used, messages_limit, created_at, updated_at)
VALUES (:name, :api_key, :status, :rate_limit_rps, 0, :messages_limit, NOW(), NOW())
ON DUPLICATE KEY UPDATE name = VALUES(name), updated_at = NOW()
`
	if _, err := dbx.NamedExec(q, t); err != nil {
		return 0, fmt.Errorf("seed tenant: %w", err)
	}
	var id int64
	if err := dbx.Get(&id, `SELECT id FROM tenants WHERE api_key = ?`, demoAPIKey); err != nil {
		return 0, fmt.Errorf("load tenant: %w", err)
	}
	return id, nil
}

func seedChannel(dbx *sqlx.DB, tenantID int64) error {
	connected := time.Now().AddDate(0, 0, -30)
	const q = `
INSERT INTO channel_instances (tenant_id, instance_name, phone, status, connected_at, created_at, updated_at)
VALUES (:tenant_id, :instance_name, :phone, :status, :connected_at, NOW(), NOW())
ON DUPLICATE KEY UPDATE status = VALUES(status), updated_at = NOW()
`
	_, err := dbx.NamedExec(q, model.ChannelInstance{
		TenantID:     tenantID,
		InstanceName: "loja-demo",
		Phone:        "5511988887777",
		Status:       model.InstanceConnected,
		ConnectedAt:  &connected,
	})
	if err != nil {
		return fmt.Errorf("seed channel: %w", err)
	}
	return nil
}

// seedTemplates installs the default three-step sequence unless the tenant already has templates.
func seedTemplates(dbx *sqlx.DB, tenantID int64) error {
	var n int
	if err := dbx.Get(&n, `SELECT COUNT(*) FROM message_templates WHERE tenant_id = ?`, tenantID); err != nil {
		return fmt.Errorf("count templates: %w", err)
	}
	if n > 0 {
		return nil
	}

	templates := []model.Template{
		{
			Name:         "lembrete-30min",
			DelayMinutes: 30,
			Content:      "Oi {{nome}}! Você deixou {{produtos}} no carrinho. Finalize aqui: {{link}}",
		},
		{
			Name:         "lembrete-24h",
			DelayMinutes: 24 * 60,
			Content:      "{{nome}}, seu carrinho de {{total}} ainda está reservado: {{link}}",
		},
		{
			Name:         "ultima-chance-72h",
			DelayMinutes: 72 * 60,
			Content:      "Última chance, {{nome}}! {{produtos}} ainda esperam por você: {{link}}",
		},
	}

	const q = `
INSERT INTO message_templates
    (tenant_id, channel, name, language, content, trigger_event, delay_minutes, is_active, provider_status, created_at, updated_at)
VALUES
    (:tenant_id, :channel, :name, :language, :content, :trigger_event, :delay_minutes, :is_active, :provider_status, NOW(), NOW())
`
	for _, t := range templates {
		t.TenantID = tenantID
		t.Channel = model.ChannelUnofficial
		t.Language = "pt_BR"
		t.Trigger = model.TriggerAbandonedCart
		t.IsActive = true
		if _, err := dbx.NamedExec(q, t); err != nil {
			return fmt.Errorf("seed template %s: %w", t.Name, err)
		}
	}
	return nil
}
