package webapp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"evidence-custody/internal/domain/model"
	"evidence-custody/internal/services/evidence"

	"github.com/labstack/echo/v4"
)

func (s *Server) handleListEvidence(c echo.Context) error {
	ctx := c.Request().Context()
	cs, err := s.rt.Cases.Resolve(ctx, c.Param("ref"))
	if err != nil {
		return err
	}
	rows, err := s.rt.Evidence.ListByCase(ctx, cs.ID, parseBool(c.QueryParam("include_deleted")))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"evidence": rows})
}

// handleCreateEvidence 接收 multipart 上传：file 为证据内容，只用于计算摘要，不落盘。
// 服务端没有源文件，因此不接受 source_path，reverify-files 会跳过这类证据。
// 传了 actor 时同时写入 RECEIVED 保管记录。
func (s *Server) handleCreateEvidence(c echo.Context) error {
	ctx := c.Request().Context()
	cs, err := s.rt.Cases.Resolve(ctx, c.Param("ref"))
	if err != nil {
		return err
	}
	data, filename, err := readUpload(c)
	if err != nil {
		return err
	}

	in := evidence.CreateInput{
		CaseID:      cs.ID,
		Name:        strings.TrimSpace(c.FormValue("name")),
		MimeType:    c.FormValue("mime_type"),
		Category:    c.FormValue("category"),
		Description: c.FormValue("description"),
		Tags:        splitTags(c.FormValue("tags")),
		Data:        data,
		CreatedBy:   c.FormValue("actor"),
	}
	if in.Name == "" {
		in.Name = filename
	}

	actor := strings.TrimSpace(c.FormValue("actor"))
	var ev *model.Evidence
	if actor == "" {
		ev, err = s.rt.Evidence.Create(ctx, in)
	} else {
		metadata, derr := model.DecodeMetadata([]byte(c.FormValue("metadata")))
		if derr != nil {
			return model.Invalid("metadata", "metadata must be a json object")
		}
		ev, err = s.rt.Evidence.Intake(ctx, in, actor, metadata)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, ev)
}

func (s *Server) handleGetEvidence(c echo.Context) error {
	ev, err := s.rt.Evidence.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ev)
}

func (s *Server) handleListCustody(c echo.Context) error {
	ev, err := s.rt.Evidence.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	chain := ev.ChainOfCustody
	if chain == nil {
		chain = model.ChainOfCustody{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"evidence_id":      ev.ID,
		"chain_of_custody": chain,
	})
}

func (s *Server) handleAppendCustody(c echo.Context) error {
	var req struct {
		Action   string          `json:"action"`
		Actor    string          `json:"actor"`
		Metadata json.RawMessage `json:"metadata"`
	}
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	// 数值按 json.Number 解码，大整数不经 float64
	metadata, err := model.DecodeMetadata(req.Metadata)
	if err != nil {
		return model.Invalid("metadata", "metadata must be a json object")
	}
	id := c.Param("id")
	// 案件编号由管理器按证据记录回填
	entry := s.rt.Evidence.Factory().NewEntry("", id, req.Action, req.Actor, metadata)
	ev, err := s.rt.Evidence.AppendCustodyEntry(c.Request().Context(), id, entry)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, ev)
}

func (s *Server) handleVerifyChain(c echo.Context) error {
	ev, res, err := s.rt.Evidence.VerifyChain(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"evidence_id":        ev.ID,
		"valid":              res.Valid,
		"errors":             res.Errors,
		"integrity_verified": ev.IntegrityVerified,
	})
}

func (s *Server) handleReverify(c echo.Context) error {
	data, _, err := readUpload(c)
	if err != nil {
		return err
	}
	ev, err := s.rt.Evidence.ReverifyIntegrity(c.Request().Context(), c.Param("id"), data)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ev)
}

func (s *Server) handleDestroyEvidence(c echo.Context) error {
	ev, err := s.rt.Evidence.Destroy(c.Request().Context(), c.Param("id"), c.QueryParam("actor"), c.QueryParam("reason"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ev)
}

func (s *Server) handleReverifyFiles(c echo.Context) error {
	ctx := c.Request().Context()
	cs, err := s.rt.Cases.Resolve(ctx, c.Param("ref"))
	if err != nil {
		return err
	}
	workers := parseInt(c.QueryParam("concurrency"), s.rt.Config.Custody.ReverifyWorkers)
	checks, err := s.rt.Evidence.ReverifyFiles(ctx, cs.ID, workers)
	if err != nil {
		return err
	}
	failed := 0
	for _, ck := range checks {
		if ck.Status != "ok" && ck.Status != "skipped" {
			failed++
		}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"case_id": cs.ID,
		"total":   len(checks),
		"failed":  failed,
		"checks":  checks,
	})
}

func readUpload(c echo.Context) ([]byte, string, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return nil, "", he
		}
		return nil, "", model.Invalid("file", "multipart field file is required")
	}
	f, err := fh.Open()
	if err != nil {
		return nil, "", fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, "", fmt.Errorf("read upload: %w", err)
	}
	return data, fh.Filename, nil
}

func splitTags(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Split(s, ",")
}
