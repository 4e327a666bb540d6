package http

import (
	"errors"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v4"

	"github.com/jmehdipour/cart-recovery/internal/health"
	"github.com/jmehdipour/cart-recovery/internal/http/middleware"
	"github.com/jmehdipour/cart-recovery/internal/model"
)

type channelHealthResp struct {
	ChannelKey    string              `json:"channel_key"`
	HealthScore   int                 `json:"health_score"`
	QualityRating string              `json:"quality_rating"`
	Tier          string              `json:"tier"`
	DailyLimit    int                 `json:"daily_limit"`
	WarmingUp     bool                `json:"warming_up"`
	SentLast24h   int64               `json:"sent_last_24h"`
	SentLast7Days int64               `json:"sent_last_7days"`
	Failed7Days   int64               `json:"failed_last_7days"`
	Delivered7d   int64               `json:"delivered_last_7days"`
	Read7d        int64               `json:"read_last_7days"`
	UserBlocks    int64               `json:"user_blocks"`
	LastSentAt    *time.Time          `json:"last_message_sent_at,omitempty"`
	Alerts        []model.HealthAlert `json:"alerts"`
}

func channelHealthHandler(h HealthReader) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		key := model.ChannelKey(c.Param("key"))

		now := time.Now()
		m, err := h.Snapshot(c.Request().Context(), key, now)
		if errors.Is(err, health.ErrUnknownChannel) || (err == nil && m.TenantID != tenantID) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "channel not found"})
		}
		if err != nil {
			c.Logger().Errorf("channel health %s: %v", key, err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		alerts := []model.HealthAlert(m.Alerts)
		if alerts == nil {
			alerts = []model.HealthAlert{}
		}
		return c.JSON(http.StatusOK, channelHealthResp{
			ChannelKey:    key.String(),
			HealthScore:   m.HealthScore,
			QualityRating: string(m.QualityRating),
			Tier:          m.CurrentTier,
			DailyLimit:    m.DailyLimit,
			WarmingUp:     m.IsWarmingUp(now),
			SentLast24h:   m.SentLast24h,
			SentLast7Days: m.SentLast7Days,
			Failed7Days:   m.FailedLast7Days,
			Delivered7d:   m.DeliveredLast7Days,
			Read7d:        m.ReadLast7Days,
			UserBlocks:    m.UserBlocks,
			LastSentAt:    m.LastMessageSentAt,
			Alerts:        alerts,
		})
	}
}
