package webapp

import (
	"net/http"
	"strings"

	"evidence-custody/internal/domain/model"
	"evidence-custody/internal/services/cases"

	"github.com/labstack/echo/v4"
)

func (s *Server) handleListCases(c echo.Context) error {
	filter := model.CaseFilter{
		IncludeArchived: parseBool(c.QueryParam("include_archived")),
		Limit:           parseInt(c.QueryParam("limit"), 50),
		Offset:          parseInt(c.QueryParam("offset"), 0),
	}
	if st := strings.TrimSpace(c.QueryParam("status")); st != "" {
		status, ok := model.ParseCaseStatus(st)
		if !ok {
			return model.Invalid("status", "unknown case status "+st)
		}
		filter.Status = status
	}
	rows, err := s.rt.Cases.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"cases": rows})
}

func (s *Server) handleCreateCase(c echo.Context) error {
	var req cases.CreateInput
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	created, err := s.rt.Cases.Create(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) handleGetCase(c echo.Context) error {
	got, err := s.rt.Cases.Resolve(c.Request().Context(), c.Param("ref"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, got)
}

func (s *Server) handleUpdateStatus(c echo.Context) error {
	var req struct {
		Status string `json:"status"`
		Actor  string `json:"actor"`
	}
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	cs, err := s.rt.Cases.Resolve(ctx, c.Param("ref"))
	if err != nil {
		return err
	}
	updated, err := s.rt.Cases.UpdateStatus(ctx, cs.ID, req.Status, req.Actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, updated)
}

func (s *Server) handleUpdateAssignment(c echo.Context) error {
	var req struct {
		Priority   string `json:"priority"`
		AssignedTo string `json:"assigned_to"`
		Actor      string `json:"actor"`
	}
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	cs, err := s.rt.Cases.Resolve(ctx, c.Param("ref"))
	if err != nil {
		return err
	}
	updated, err := s.rt.Cases.UpdateAssignment(ctx, cs.ID, req.Priority, req.AssignedTo, req.Actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, updated)
}

func (s *Server) handleArchiveCase(c echo.Context) error {
	var req struct {
		Actor string `json:"actor"`
	}
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	cs, err := s.rt.Cases.Resolve(ctx, c.Param("ref"))
	if err != nil {
		return err
	}
	archived, err := s.rt.Cases.Archive(ctx, cs.ID, req.Actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, archived)
}

func (s *Server) handleAddNote(c echo.Context) error {
	var req struct {
		Author string `json:"author"`
		Body   string `json:"body"`
	}
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	cs, err := s.rt.Cases.Resolve(ctx, c.Param("ref"))
	if err != nil {
		return err
	}
	note, err := s.rt.Cases.AddNote(ctx, cs.ID, req.Author, req.Body)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, note)
}
