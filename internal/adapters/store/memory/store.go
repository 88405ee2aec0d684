// Package memory 提供进程内仓储实现，语义与 sqlite 仓储一致（含版本号比较并交换）。
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"evidence-custody/internal/domain/model"
)

type Store struct {
	mu sync.RWMutex

	cases        map[string]*model.Case
	caseByNumber map[string]string
	evidence     map[string]*model.Evidence
}

func NewStore() *Store {
	return &Store{
		cases:        map[string]*model.Case{},
		caseByNumber: map[string]string{},
		evidence:     map[string]*model.Evidence{},
	}
}

// ---- cases ----

func (s *Store) CreateCase(_ context.Context, c *model.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.cases[c.ID]; dup {
		return model.ErrConflict
	}
	if _, dup := s.caseByNumber[c.CaseNumber]; dup {
		return model.ErrConflict
	}
	s.cases[c.ID] = c.Clone()
	s.caseByNumber[c.CaseNumber] = c.ID
	return nil
}

func (s *Store) GetCase(_ context.Context, caseID string) (*model.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cases[caseID].Clone(), nil
}

func (s *Store) GetCaseByNumber(_ context.Context, caseNumber string) (*model.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	caseID, ok := s.caseByNumber[caseNumber]
	if !ok {
		return nil, nil
	}
	return s.cases[caseID].Clone(), nil
}

func (s *Store) ListCases(_ context.Context, filter model.CaseFilter) ([]model.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []model.Case{}
	for _, c := range s.cases {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.Status == "" && !filter.IncludeArchived && c.Status == model.CaseArchived {
			continue
		}
		out = append(out, *c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, filter.Offset, filter.Limit), nil
}

func (s *Store) UpdateCase(_ context.Context, c *model.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.cases[c.ID]
	if !ok {
		return model.NotFound("case", c.ID)
	}
	next := cur.Clone()
	next.Title = c.Title
	next.Description = c.Description
	next.ClientName = c.ClientName
	next.Status = c.Status
	next.Priority = c.Priority
	next.AssignedTo = c.AssignedTo
	next.ArchivedAt = c.Clone().ArchivedAt
	next.UpdatedAt = c.UpdatedAt
	s.cases[c.ID] = next
	return nil
}

func (s *Store) AddNote(_ context.Context, n model.Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[n.CaseID]
	if !ok {
		return model.NotFound("case", n.CaseID)
	}
	c.Notes = append(c.Notes, n)
	return nil
}

func (s *Store) LinkEvidence(_ context.Context, caseID, evidenceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[caseID]
	if !ok {
		return model.NotFound("case", caseID)
	}
	for _, existing := range c.EvidenceIDs {
		if existing == evidenceID {
			return nil
		}
	}
	c.EvidenceIDs = append(c.EvidenceIDs, evidenceID)
	c.UpdatedAt = at
	return nil
}

// ---- evidence ----

// CreateEvidence 在同一把锁内写入证据（含初始保管链）并登记到案件。
// 案件不在本存储中时只写证据，便于单独测试证据仓储。
func (s *Store) CreateEvidence(_ context.Context, ev *model.Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.evidence[ev.ID]; dup {
		return model.ErrConflict
	}
	s.evidence[ev.ID] = ev.Clone()
	if c, ok := s.cases[ev.CaseID]; ok && !slices.Contains(c.EvidenceIDs, ev.ID) {
		c.EvidenceIDs = append(c.EvidenceIDs, ev.ID)
		c.UpdatedAt = ev.CreatedAt
	}
	return nil
}

func (s *Store) GetEvidence(_ context.Context, evidenceID string) (*model.Evidence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.evidence[evidenceID].Clone(), nil
}

func (s *Store) ListEvidenceByCase(_ context.Context, caseID string, includeDeleted bool) ([]model.Evidence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []model.Evidence{}
	for _, ev := range s.evidence {
		if ev.CaseID != caseID || (ev.Deleted && !includeDeleted) {
			continue
		}
		out = append(out, *ev.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// AppendCustody 只在版本号匹配时追加到链尾，并返回新版本号。
func (s *Store) AppendCustody(_ context.Context, evidenceID string, expectedVersion int64, entry model.CustodyEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, err := model.NormalizeMetadata(entry.Metadata)
	if err != nil {
		return 0, model.Invalid("metadata", err.Error())
	}
	ev, err := s.lockedForWrite(evidenceID, expectedVersion)
	if err != nil {
		return 0, err
	}
	entry.Metadata = meta
	ev.ChainOfCustody = append(ev.ChainOfCustody, entry)
	return s.bump(ev), nil
}

func (s *Store) UpdateIntegrity(_ context.Context, evidenceID string, expectedVersion int64, currentHash string, verified bool, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, err := s.lockedForWrite(evidenceID, expectedVersion)
	if err != nil {
		return 0, err
	}
	ev.CurrentHash = currentHash
	ev.IntegrityVerified = verified
	ev.LastVerified = &at
	return s.bump(ev), nil
}

func (s *Store) MarkDeleted(_ context.Context, evidenceID string, expectedVersion int64, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, err := s.lockedForWrite(evidenceID, expectedVersion)
	if err != nil {
		return 0, err
	}
	ev.Deleted = true
	ev.DeletedAt = &at
	return s.bump(ev), nil
}

func (s *Store) lockedForWrite(evidenceID string, expectedVersion int64) (*model.Evidence, error) {
	ev, ok := s.evidence[evidenceID]
	if !ok {
		return nil, model.NotFound("evidence", evidenceID)
	}
	if ev.Version != expectedVersion {
		return nil, model.ErrConflict
	}
	return ev, nil
}

func (s *Store) bump(ev *model.Evidence) int64 {
	ev.Version++
	ev.UpdatedAt = time.Now().UTC()
	return ev.Version
}

func page[T any](rows []T, offset, limit int) []T {
	if offset >= len(rows) {
		return []T{}
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}
