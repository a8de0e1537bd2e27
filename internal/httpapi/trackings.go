package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/stockvision/internal/conf"
	"github.com/tphakala/stockvision/internal/logger"
)

func (s *Server) getTunables(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Tunables.Snapshot())
}

// updateTunables applies a partial change and, when a config path is known,
// saves it. A failed save keeps the in-memory change.
func (s *Server) updateTunables(c echo.Context) error {
	var u conf.TunablesUpdate
	if err := c.Bind(&u); err != nil {
		return s.handleError(c, err, "invalid tunables payload", http.StatusBadRequest)
	}
	values, err := s.deps.Tunables.Update(u)
	if err != nil {
		return s.handleError(c, err, "invalid tunables", 0)
	}
	resp := map[string]any{"tunables": values}
	if s.deps.TunablesPath != "" {
		if err := s.deps.Tunables.SaveTunables(s.deps.TunablesPath); err != nil {
			s.log.Warn("failed to save tunables",
				logger.String("path", s.deps.TunablesPath),
				logger.Error(err))
			resp["warning"] = "tunables applied but not saved: " + err.Error()
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) listTrackings(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Trackings.Trackings())
}

func (s *Server) getSummary(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Validations.Summary())
}

func (s *Server) searchTrackings(c echo.Context) error {
	results := s.deps.Trackings.Search(c.QueryParam("q"))
	if results == nil {
		return c.JSON(http.StatusOK, []any{})
	}
	return c.JSON(http.StatusOK, results)
}
