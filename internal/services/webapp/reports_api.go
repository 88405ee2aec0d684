package webapp

import (
	"net/http"
	"os"
	"path/filepath"

	"evidence-custody/internal/domain/model"
	"evidence-custody/internal/services/auditverify"
	"evidence-custody/internal/services/report"

	"github.com/labstack/echo/v4"
)

func (s *Server) handleListReports(c echo.Context) error {
	rows, err := s.rt.Reports.List(c.Request().Context(), c.Param("ref"))
	if err != nil {
		return err
	}
	if rows == nil {
		rows = []model.ReportInfo{}
	}
	return c.JSON(http.StatusOK, map[string]any{"reports": rows})
}

func (s *Server) handleGenerateReport(c echo.Context) error {
	var req struct {
		Format   string `json:"format"`
		Operator string `json:"operator"`
	}
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	res, err := s.rt.Reports.Generate(c.Request().Context(), c.Param("ref"), req.Format, req.Operator)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, res)
}

func (s *Server) handleExportBundle(c echo.Context) error {
	var req struct {
		Operator string `json:"operator"`
		Note     string `json:"note"`
	}
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	res, err := s.rt.Exporter.Bundle(c.Request().Context(), c.Param("ref"), req.Operator, req.Note)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, res)
}

func (s *Server) handleGetReport(c echo.Context) error {
	info, err := s.rt.Reports.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) handleDownloadReport(c echo.Context) error {
	info, err := s.rt.Reports.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if _, err := os.Stat(info.FilePath); err != nil {
		return model.NotFound("report file", info.FilePath)
	}
	c.Response().Header().Set(echo.HeaderContentType, contentType(info.ReportType))
	c.Response().Header().Set("X-Content-SHA256", info.SHA256)
	return c.Attachment(info.FilePath, filepath.Base(info.FilePath))
}

func contentType(reportType string) string {
	if f, err := report.ParseFormat(reportType); err == nil {
		return f.ContentType()
	}
	return "application/zip"
}

func (s *Server) handleListAudits(c echo.Context) error {
	ctx := c.Request().Context()
	cs, err := s.rt.Cases.Resolve(ctx, c.Param("ref"))
	if err != nil {
		return err
	}
	logs, err := s.rt.Store.ListAuditLogs(ctx, cs.ID, parseInt(c.QueryParam("limit"), 500))
	if err != nil {
		return err
	}
	if logs == nil {
		logs = []model.AuditLog{}
	}
	return c.JSON(http.StatusOK, map[string]any{"audits": logs})
}

func (s *Server) handleVerifyAudits(c echo.Context) error {
	ctx := c.Request().Context()
	cs, err := s.rt.Cases.Resolve(ctx, c.Param("ref"))
	if err != nil {
		return err
	}
	logs, err := s.rt.Store.ListAuditLogs(ctx, cs.ID, 5000)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, auditverify.VerifyAuditLogs(logs))
}
