package http

import (
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v4"

	"github.com/jmehdipour/cart-recovery/internal/http/middleware"
	"github.com/jmehdipour/cart-recovery/internal/model"
	"github.com/jmehdipour/cart-recovery/internal/repository"
)

func listMessagesHandler(chRepo repository.CHMessagesRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		f := repository.ReportFilter{Limit: 50}
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				f.Limit = n
			}
		}
		if v := c.QueryParam("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				f.Offset = n
			}
		}
		if raw := strings.TrimSpace(c.QueryParam("status")); raw != "" {
			if st := model.MessageStatus(raw); st.Valid() {
				f.Status = st
			}
		}
		// an empty channel means both; ParseChannel would map it to unofficial
		if raw := strings.TrimSpace(c.QueryParam("channel")); raw != "" {
			if ch, ok := model.ParseChannel(raw); ok {
				f.Channel = ch
			}
		}
		f.CartID = strings.TrimSpace(c.QueryParam("cart_id"))

		rows, err := chRepo.ListByTenant(c.Request().Context(), tenantID, f)
		if err != nil {
			c.Logger().Errorf("clickhouse list failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		if rows == nil {
			rows = []repository.MessageReportRow{}
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   f.Limit,
			"offset":  f.Offset,
			"count":   len(rows),
			"results": rows,
		})
	}
}
