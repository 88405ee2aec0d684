package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"evidence-custody/internal/domain/model"
)

// CreateCase 新建案件；案件编号或 ID 重复返回 model.ErrConflict。
func (s *Store) CreateCase(ctx context.Context, c *model.Case) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cases(
			case_id, case_number, title, description, client_name, status, priority,
			assigned_to, created_by, archived_at, created_at, updated_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.CaseNumber, c.Title, c.Description, c.ClientName, string(c.Status), string(c.Priority),
		c.AssignedTo, c.CreatedBy, nullableNanos(c.ArchivedAt), toNanos(c.CreatedAt), toNanos(c.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert case %s: %w", c.CaseNumber, model.ErrConflict)
		}
		return fmt.Errorf("insert case: %w", err)
	}
	return nil
}

const caseColumns = `
	case_id, case_number, title, description, client_name, status, priority,
	assigned_to, created_by, archived_at, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (*model.Case, error) {
	var (
		c          model.Case
		status     string
		priority   string
		archivedAt sql.NullInt64
		createdAt  int64
		updatedAt  int64
	)
	if err := row.Scan(
		&c.ID,
		&c.CaseNumber,
		&c.Title,
		&c.Description,
		&c.ClientName,
		&status,
		&priority,
		&c.AssignedTo,
		&c.CreatedBy,
		&archivedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	c.Status = model.CaseStatus(status)
	c.Priority = model.CasePriority(priority)
	c.ArchivedAt = timePtr(archivedAt)
	c.CreatedAt = fromNanos(createdAt)
	c.UpdatedAt = fromNanos(updatedAt)
	c.EvidenceIDs = []string{}
	c.Notes = []model.Note{}
	return &c, nil
}

// GetCase 按 ID 查询案件（含备注与证据引用），不存在返回 (nil, nil)。
func (s *Store) GetCase(ctx context.Context, caseID string) (*model.Case, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE case_id = ?`, caseID)
	return s.loadCase(ctx, row)
}

// GetCaseByNumber 按案件编号查询，不存在返回 (nil, nil)。
func (s *Store) GetCaseByNumber(ctx context.Context, caseNumber string) (*model.Case, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE case_number = ?`, caseNumber)
	return s.loadCase(ctx, row)
}

func (s *Store) loadCase(ctx context.Context, row *sql.Row) (*model.Case, error) {
	c, err := scanCase(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query case: %w", err)
	}
	if c.Notes, err = s.listNotes(ctx, c.ID); err != nil {
		return nil, err
	}
	if c.EvidenceIDs, err = s.listCaseEvidenceIDs(ctx, c.ID); err != nil {
		return nil, err
	}
	return c, nil
}

// ListCases 返回案件列表（新建的在前）。未指定状态时默认排除 ARCHIVED。
// 列表项不含备注与证据引用。
func (s *Store) ListCases(ctx context.Context, filter model.CaseFilter) ([]model.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases`
	var args []any
	switch {
	case filter.Status != "":
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	case !filter.IncludeArchived:
		query += ` WHERE status <> ?`
		args = append(args, string(model.CaseArchived))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += ` ORDER BY created_at DESC, case_id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query cases: %w", err)
	}
	defer rows.Close()

	out := []model.Case{}
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cases: %w", err)
	}
	return out, nil
}

// UpdateCase 覆盖案件可变字段。案件编号与创建信息不可改。
func (s *Store) UpdateCase(ctx context.Context, c *model.Case) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cases SET
			title = ?,
			description = ?,
			client_name = ?,
			status = ?,
			priority = ?,
			assigned_to = ?,
			archived_at = ?,
			updated_at = ?
		WHERE case_id = ?
	`, c.Title, c.Description, c.ClientName, string(c.Status), string(c.Priority),
		c.AssignedTo, nullableNanos(c.ArchivedAt), toNanos(c.UpdatedAt), c.ID)
	if err != nil {
		return fmt.Errorf("update case: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NotFound("case", c.ID)
	}
	return nil
}

// AddNote 追加案件备注。
func (s *Store) AddNote(ctx context.Context, n model.Note) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO case_notes(note_id, case_id, author, body, created_at)
		VALUES(?, ?, ?, ?, ?)
	`, n.ID, n.CaseID, n.Author, n.Body, toNanos(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

// LinkEvidence 登记案件对证据的引用，重复登记忽略。
func (s *Store) LinkEvidence(ctx context.Context, caseID, evidenceID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO case_evidence(case_id, evidence_id, linked_at)
		VALUES(?, ?, ?)
	`, caseID, evidenceID, toNanos(at))
	if err != nil {
		return fmt.Errorf("link evidence: %w", err)
	}
	return nil
}

func (s *Store) listNotes(ctx context.Context, caseID string) ([]model.Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT note_id, case_id, author, body, created_at
		FROM case_notes
		WHERE case_id = ?
		ORDER BY created_at ASC, note_id ASC
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("query notes: %w", err)
	}
	defer rows.Close()

	out := []model.Note{}
	for rows.Next() {
		var n model.Note
		var createdAt int64
		if err := rows.Scan(&n.ID, &n.CaseID, &n.Author, &n.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		n.CreatedAt = fromNanos(createdAt)
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}
	return out, nil
}

func (s *Store) listCaseEvidenceIDs(ctx context.Context, caseID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT evidence_id
		FROM case_evidence
		WHERE case_id = ?
		ORDER BY linked_at ASC, evidence_id ASC
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("query case evidence ids: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan case evidence id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate case evidence ids: %w", err)
	}
	return out, nil
}
