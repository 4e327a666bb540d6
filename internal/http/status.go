package http

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v4"

	"github.com/jmehdipour/cart-recovery/internal/http/middleware"
	"github.com/jmehdipour/cart-recovery/internal/model"
	"github.com/jmehdipour/cart-recovery/internal/repository"
	"github.com/jmehdipour/cart-recovery/internal/status"
)

// messageStatusHandler accepts a delivery report for one of the tenant's messages. It is the
// synchronous twin of the statuses topic.
func messageStatusHandler(logs repository.MessageLogsRepository, statuses StatusApplier) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		var req model.DeliveryStatusFact
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		if req.ExternalMessageID != "" {
			msg, err := logs.GetByExternalID(c.Request().Context(), req.ExternalMessageID)
			if err != nil {
				c.Logger().Errorf("status lookup: %v", err)
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
			}
			if msg == nil || msg.TenantID != tenantID {
				return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown message"})
			}
		}

		res, err := statuses.Apply(c.Request().Context(), req)
		switch {
		case errors.Is(err, status.ErrInvalidReport):
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		case errors.Is(err, status.ErrUnknownMessage):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown message"})
		case err != nil:
			c.Logger().Errorf("apply status: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "apply failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"log_id":  res.LogID,
			"status":  res.Status,
			"applied": res.Applied,
		})
	}
}
