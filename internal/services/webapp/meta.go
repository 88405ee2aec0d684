package webapp

import (
	"net/http"
	"time"

	"evidence-custody/internal/app"

	"github.com/labstack/echo/v4"
)

func (s *Server) handleHealth(c echo.Context) error {
	if err := s.rt.DB.PingContext(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"ok":      true,
		"service": "webapp",
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handleMeta(c echo.Context) error {
	cfg := s.rt.Config
	return c.JSON(http.StatusOK, map[string]any{
		"app": map[string]any{
			"version":    app.Version,
			"commit":     app.Commit,
			"build_time": app.BuildTime,
		},
		"custody": map[string]any{
			"policy":             cfg.Custody.Policy,
			"max_append_retries": cfg.Custody.MaxAppendRetries,
		},
		"actions":       []string{"RECEIVED", "ACCESSED", "TRANSFERRED", "ANALYZED", "DESTROYED"},
		"case_statuses": []string{"NEW", "IN_PROGRESS", "UNDER_REVIEW", "CLOSED", "ARCHIVED"},
	})
}
