package webapp

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"evidence-custody/internal/app"
	"evidence-custody/internal/domain/model"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Server 是 HTTP API 的运行时对象。鉴权不在本服务范围内，actor 由调用方传入。
type Server struct {
	rt   *app.Runtime
	echo *echo.Echo
	log  *slog.Logger
}

func NewServer(rt *app.Runtime) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{rt: rt, echo: e, log: rt.Logger.With("component", "webapp")}
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(rt.Config.HTTP.MaxBody))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Debug("http request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) registerRoutes() {
	e := s.echo
	e.GET("/metrics", echo.WrapHandler(s.rt.Metrics.Handler()))

	api := e.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/meta", s.handleMeta)

	cases := api.Group("/cases")
	cases.GET("", s.handleListCases)
	cases.POST("", s.handleCreateCase)
	cases.GET("/:ref", s.handleGetCase)
	cases.PATCH("/:ref/status", s.handleUpdateStatus)
	cases.PATCH("/:ref/assignment", s.handleUpdateAssignment)
	cases.POST("/:ref/archive", s.handleArchiveCase)
	cases.POST("/:ref/notes", s.handleAddNote)
	cases.GET("/:ref/evidence", s.handleListEvidence)
	cases.POST("/:ref/evidence", s.handleCreateEvidence)
	cases.POST("/:ref/reverify-files", s.handleReverifyFiles)
	cases.GET("/:ref/reports", s.handleListReports)
	cases.POST("/:ref/reports", s.handleGenerateReport)
	cases.POST("/:ref/export", s.handleExportBundle)
	cases.GET("/:ref/audits", s.handleListAudits)
	cases.GET("/:ref/audits/verify", s.handleVerifyAudits)

	ev := api.Group("/evidence")
	ev.GET("/:id", s.handleGetEvidence)
	ev.GET("/:id/custody", s.handleListCustody)
	ev.POST("/:id/custody", s.handleAppendCustody)
	ev.GET("/:id/verify", s.handleVerifyChain)
	ev.POST("/:id/reverify", s.handleReverify)
	ev.DELETE("/:id", s.handleDestroyEvidence)

	reports := api.Group("/reports")
	reports.GET("/:id", s.handleGetReport)
	reports.GET("/:id/download", s.handleDownloadReport)
}

// handleError 把领域错误映射为 HTTP 状态码，响应体统一为 {"error": "..."}。
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	msg := err.Error()

	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		status = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrConflict):
		status = http.StatusConflict
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
	}
	_ = c.JSON(status, map[string]any{"error": msg})
}

func parseInt(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(s))
	return b
}

func bindJSON(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return model.Invalid("body", "invalid json: "+err.Error())
	}
	return nil
}
