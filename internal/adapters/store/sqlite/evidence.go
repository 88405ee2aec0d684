package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"evidence-custody/internal/domain/model"
)

// CreateEvidence 在一个事务内写入证据元数据、初始保管链（ev.ChainOfCustody，可为空）
// 并登记到案件。任一步失败都不会留下记录。
func (s *Store) CreateEvidence(ctx context.Context, ev *model.Evidence) error {
	tags, err := json.Marshal(nonNilTags(ev.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	metas := make([]string, len(ev.ChainOfCustody))
	for i, e := range ev.ChainOfCustody {
		if metas[i], err = encodeMetadata(e.Metadata); err != nil {
			return err
		}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertEvidence(ctx, tx, ev, string(tags)); err != nil {
			return err
		}
		for i, e := range ev.ChainOfCustody {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO custody_entries(evidence_id, seq, case_number, action, actor, occurred_at, metadata_json)
				VALUES(?, ?, ?, ?, ?, ?, ?)
			`, ev.ID, i+1, e.CaseNumber, e.Action.Raw, e.Actor, toNanos(e.Timestamp), metas[i])
			if err != nil {
				return fmt.Errorf("insert custody entry: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO case_evidence(case_id, evidence_id, linked_at)
			VALUES(?, ?, ?)
		`, ev.CaseID, ev.ID, toNanos(ev.CreatedAt))
		if err != nil {
			return fmt.Errorf("link evidence: %w", err)
		}
		return nil
	})
}

func insertEvidence(ctx context.Context, tx *sql.Tx, ev *model.Evidence, tags string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO evidence(
			evidence_id, case_id, case_number, name, source_path, mime_type, size_bytes,
			category, description, tags_json, original_hash, current_hash, integrity_verified,
			last_verified, deleted, deleted_at, version, created_at, updated_at
		)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.ID,
		ev.CaseID,
		ev.CaseNumber,
		ev.Name,
		ev.SourcePath,
		ev.MimeType,
		ev.SizeBytes,
		ev.Category,
		ev.Description,
		tags,
		ev.OriginalHash,
		ev.CurrentHash,
		boolToInt(ev.IntegrityVerified),
		nullableNanos(ev.LastVerified),
		boolToInt(ev.Deleted),
		nullableNanos(ev.DeletedAt),
		ev.Version,
		toNanos(ev.CreatedAt),
		toNanos(ev.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert evidence %s: %w", ev.ID, model.ErrConflict)
		}
		return fmt.Errorf("insert evidence: %w", err)
	}
	return nil
}

const evidenceColumns = `
	evidence_id, case_id, case_number, name, source_path, mime_type, size_bytes,
	category, description, tags_json, original_hash, current_hash, integrity_verified,
	last_verified, deleted, deleted_at, version, created_at, updated_at
`

func scanEvidence(row rowScanner) (*model.Evidence, error) {
	var (
		ev           model.Evidence
		tags         string
		verified     int
		lastVerified sql.NullInt64
		deleted      int
		deletedAt    sql.NullInt64
		createdAt    int64
		updatedAt    int64
	)
	if err := row.Scan(
		&ev.ID,
		&ev.CaseID,
		&ev.CaseNumber,
		&ev.Name,
		&ev.SourcePath,
		&ev.MimeType,
		&ev.SizeBytes,
		&ev.Category,
		&ev.Description,
		&tags,
		&ev.OriginalHash,
		&ev.CurrentHash,
		&verified,
		&lastVerified,
		&deleted,
		&deletedAt,
		&ev.Version,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &ev.Tags); err != nil {
		return nil, fmt.Errorf("decode tags of %s: %w", ev.ID, err)
	}
	ev.Tags = nonNilTags(ev.Tags)
	ev.IntegrityVerified = verified == 1
	ev.LastVerified = timePtr(lastVerified)
	ev.Deleted = deleted == 1
	ev.DeletedAt = timePtr(deletedAt)
	ev.CreatedAt = fromNanos(createdAt)
	ev.UpdatedAt = fromNanos(updatedAt)
	ev.ChainOfCustody = model.ChainOfCustody{}
	return &ev, nil
}

// GetEvidence 查询证据及其完整保管链，不存在返回 (nil, nil)。
func (s *Store) GetEvidence(ctx context.Context, evidenceID string) (*model.Evidence, error) {
	ev, err := scanEvidence(s.db.QueryRowContext(ctx, `SELECT `+evidenceColumns+` FROM evidence WHERE evidence_id = ?`, evidenceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query evidence: %w", err)
	}
	if ev.ChainOfCustody, err = s.listCustody(ctx, ev.ID); err != nil {
		return nil, err
	}
	return ev, nil
}

// ListEvidenceByCase 返回案件下证据（按入库时间升序），每项带保管链。
func (s *Store) ListEvidenceByCase(ctx context.Context, caseID string, includeDeleted bool) ([]model.Evidence, error) {
	query := `SELECT ` + evidenceColumns + ` FROM evidence WHERE case_id = ?`
	if !includeDeleted {
		query += ` AND deleted = 0`
	}
	query += ` ORDER BY created_at ASC, evidence_id ASC`

	rows, err := s.db.QueryContext(ctx, query, caseID)
	if err != nil {
		return nil, fmt.Errorf("query evidence by case: %w", err)
	}
	out := []model.Evidence{}
	for rows.Next() {
		ev, err := scanEvidence(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		out = append(out, *ev)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterate evidence: %w", err)
	}

	// 单连接模式下必须先关闭外层游标再查询保管链。
	for i := range out {
		if out[i].ChainOfCustody, err = s.listCustody(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AppendCustody 在同一事务内完成“版本号比较并交换 + 链尾插入”。
// 版本号不匹配返回 model.ErrConflict，证据不存在返回 model.ErrNotFound。
func (s *Store) AppendCustody(ctx context.Context, evidenceID string, expectedVersion int64, entry model.CustodyEntry) (int64, error) {
	metaJSON, err := encodeMetadata(entry.Metadata)
	if err != nil {
		return 0, err
	}

	var next int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		v, err := casBump(ctx, tx, evidenceID, expectedVersion, ``)
		if err != nil {
			return err
		}
		next = v

		_, err = tx.ExecContext(ctx, `
			INSERT INTO custody_entries(evidence_id, seq, case_number, action, actor, occurred_at, metadata_json)
			VALUES(?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM custody_entries WHERE evidence_id = ?), ?, ?, ?, ?, ?)
		`, evidenceID, evidenceID, entry.CaseNumber, entry.Action.Raw, entry.Actor, toNanos(entry.Timestamp), metaJSON)
		if err != nil {
			return fmt.Errorf("insert custody entry: %w", err)
		}
		return nil
	})
	return next, err
}

// UpdateIntegrity 更新复核结果（版本号比较并交换）。
func (s *Store) UpdateIntegrity(ctx context.Context, evidenceID string, expectedVersion int64, currentHash string, verified bool, at time.Time) (int64, error) {
	var next int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		v, err := casBump(ctx, tx, evidenceID, expectedVersion,
			`, current_hash = ?, integrity_verified = ?, last_verified = ?`,
			currentHash, boolToInt(verified), toNanos(at),
		)
		next = v
		return err
	})
	return next, err
}

// MarkDeleted 打软删除标记（版本号比较并交换）。
func (s *Store) MarkDeleted(ctx context.Context, evidenceID string, expectedVersion int64, at time.Time) (int64, error) {
	var next int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		v, err := casBump(ctx, tx, evidenceID, expectedVersion, `, deleted = 1, deleted_at = ?`, toNanos(at))
		next = v
		return err
	})
	return next, err
}

// casBump 执行 UPDATE ... WHERE version = expected，并把 version 加一。
// extraSet 以 ", col = ?" 形式追加需要同时修改的列。
func casBump(ctx context.Context, tx *sql.Tx, evidenceID string, expectedVersion int64, extraSet string, extraArgs ...any) (int64, error) {
	args := append([]any{toNanos(time.Now())}, extraArgs...)
	args = append(args, evidenceID, expectedVersion)

	res, err := tx.ExecContext(ctx, `
		UPDATE evidence
		SET version = version + 1, updated_at = ?`+extraSet+`
		WHERE evidence_id = ? AND version = ?
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("update evidence version: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return expectedVersion + 1, nil
	}

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM evidence WHERE evidence_id = ?`, evidenceID).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("check evidence exists: %w", err)
	}
	if exists == 0 {
		return 0, model.NotFound("evidence", evidenceID)
	}
	return 0, model.ErrConflict
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) listCustody(ctx context.Context, evidenceID string) (model.ChainOfCustody, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT evidence_id, case_number, action, actor, occurred_at, metadata_json
		FROM custody_entries
		WHERE evidence_id = ?
		ORDER BY seq ASC
	`, evidenceID)
	if err != nil {
		return nil, fmt.Errorf("query custody entries: %w", err)
	}
	defer rows.Close()

	out := model.ChainOfCustody{}
	for rows.Next() {
		var (
			e        model.CustodyEntry
			action   string
			occurred int64
			meta     string
		)
		if err := rows.Scan(&e.EvidenceID, &e.CaseNumber, &action, &e.Actor, &occurred, &meta); err != nil {
			return nil, fmt.Errorf("scan custody entry: %w", err)
		}
		e.Action = model.ParseAction(action)
		e.Timestamp = fromNanos(occurred)
		md, err := model.DecodeMetadata([]byte(meta))
		if err != nil {
			return nil, fmt.Errorf("custody entry of %s: %w", e.EvidenceID, err)
		}
		e.Metadata = md
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate custody entries: %w", err)
	}
	return out, nil
}

func encodeMetadata(meta map[string]any) (string, error) {
	if meta == nil {
		meta = map[string]any{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", model.Invalid("metadata", err.Error())
	}
	return string(raw), nil
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
