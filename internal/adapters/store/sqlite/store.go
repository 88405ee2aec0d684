package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"evidence-custody/internal/domain/model"
	"evidence-custody/internal/platform/id"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store 封装与 SQLite 的读写逻辑，同时实现案件与证据两个仓储接口。
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetSchemaMetaValue 查询 schema_meta 表指定 key 的 value，不存在返回空串。
func (s *Store) GetSchemaMetaValue(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM schema_meta WHERE key = ? LIMIT 1`, key).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("query schema_meta %s: %w", key, err)
	}
	return v, nil
}

// AppendAudit 写入审计日志，并按案件维度生成链式 hash。
func (s *Store) AppendAudit(ctx context.Context, caseID, evidenceID, eventType, action, status, actor, source string, detail any) error {
	detailJSON := []byte("{}")
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err == nil {
			detailJSON = raw
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx append audit: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	prev := ""
	err = tx.QueryRowContext(ctx, `
		SELECT chain_hash
		FROM audit_logs
		WHERE case_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, caseID).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("query previous chain hash: %w", err)
	}

	entry := model.AuditLog{
		EventID:    id.New("evt"),
		CaseID:     caseID,
		EvidenceID: evidenceID,
		EventType:  eventType,
		Action:     action,
		Status:     status,
		Actor:      actor,
		Source:     source,
		OccurredAt: time.Now().Unix(),
	}
	chain := model.AuditChainHash(prev, entry, string(detailJSON))

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_logs(
			event_id, case_id, evidence_id, event_type, action, status,
			actor, source, detail_json, occurred_at, chain_prev_hash, chain_hash
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.EventID, caseID, nullIfEmpty(evidenceID), eventType, action, status,
		actor, source, string(detailJSON), entry.OccurredAt, nullIfEmpty(prev), chain)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit audit log: %w", err)
	}
	return nil
}

// ListAuditLogs 返回案件审计日志（按写入顺序）。
func (s *Store) ListAuditLogs(ctx context.Context, caseID string, limit int) ([]model.AuditLog, error) {
	if limit <= 0 {
		limit = 500
	}
	if limit > 5000 {
		limit = 5000
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			event_id,
			case_id,
			COALESCE(evidence_id, ''),
			event_type,
			action,
			status,
			COALESCE(actor, ''),
			COALESCE(source, ''),
			COALESCE(detail_json, '{}'),
			occurred_at,
			COALESCE(chain_prev_hash, ''),
			chain_hash
		FROM audit_logs
		WHERE case_id = ?
		ORDER BY seq ASC
		LIMIT ?
	`, caseID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	out := []model.AuditLog{}
	for rows.Next() {
		var item model.AuditLog
		var detail string
		if err := rows.Scan(
			&item.EventID,
			&item.CaseID,
			&item.EvidenceID,
			&item.EventType,
			&item.Action,
			&item.Status,
			&item.Actor,
			&item.Source,
			&detail,
			&item.OccurredAt,
			&item.ChainPrevHash,
			&item.ChainHash,
		); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		item.DetailJSON = json.RawMessage(detail)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit logs: %w", err)
	}
	return out, nil
}

// SaveReport 登记报告产物，供 UI/导出流程追踪。
func (s *Store) SaveReport(ctx context.Context, caseID, reportType, filePath, sha256, generatorVersion, status string) (string, error) {
	reportID := id.New("report")
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports(
			report_id, case_id, report_type, file_path, sha256, generated_at, generator_version, status
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	`, reportID, caseID, reportType, filePath, sha256, time.Now().Unix(), generatorVersion, status)
	if err != nil {
		return "", fmt.Errorf("insert report: %w", err)
	}
	return reportID, nil
}

// GetReportByID 按报告 ID 查询，不存在返回 (nil, nil)。
func (s *Store) GetReportByID(ctx context.Context, reportID string) (*model.ReportInfo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT report_id, case_id, report_type, file_path, sha256, generated_at, generator_version, status
		FROM reports
		WHERE report_id = ?
	`, reportID)

	var r model.ReportInfo
	if err := row.Scan(&r.ReportID, &r.CaseID, &r.ReportType, &r.FilePath, &r.SHA256, &r.GeneratedAt, &r.GeneratorVersion, &r.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query report: %w", err)
	}
	return &r, nil
}

// ListReportsByCase 返回案件报告列表（新的在前）。
func (s *Store) ListReportsByCase(ctx context.Context, caseID string) ([]model.ReportInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT report_id, case_id, report_type, file_path, sha256, generated_at, generator_version, status
		FROM reports
		WHERE case_id = ?
		ORDER BY generated_at DESC, report_id DESC
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	out := []model.ReportInfo{}
	for rows.Next() {
		var r model.ReportInfo
		if err := rows.Scan(&r.ReportID, &r.CaseID, &r.ReportType, &r.FilePath, &r.SHA256, &r.GeneratedAt, &r.GeneratorVersion, &r.Status); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return out, nil
}

// SQLite 中没有布尔类型，统一转 0/1 存储。
func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// 空字符串按 NULL 写入，避免无意义空值污染查询条件。
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

// isUniqueViolation 判断是否为主键/唯一约束冲突。
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}
