package clinic

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/clinic", h.GetCurrentClinic)
}

func (h *Handler) GetCurrentClinic(c echo.Context) error {
	cl, err := h.svc.Current(c.Request().Context())
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "clinic not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load clinic")
	}
	return c.JSON(http.StatusOK, cl.View())
}
