package http

import (
	"errors"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v4"

	"github.com/jmehdipour/cart-recovery/internal/cart"
	"github.com/jmehdipour/cart-recovery/internal/http/middleware"
)

func cancelCartHandler(carts CartCanceller) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenantID, ok := middleware.TenantIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		id := strings.TrimSpace(c.Param("id"))
		if id == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing cart id"})
		}

		err := carts.Cancel(c.Request().Context(), tenantID, id)
		switch {
		case errors.Is(err, cart.ErrCartNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "cart not found"})
		case errors.Is(err, cart.ErrNotPending):
			return c.JSON(http.StatusConflict, map[string]string{"error": "cart is not pending"})
		case err != nil:
			c.Logger().Errorf("cancel cart %s: %v", id, err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "cancel failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{"cart_id": id, "status": "cancelled"})
	}
}
