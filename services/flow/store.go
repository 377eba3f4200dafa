package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the record store a run reads and writes.
type Store interface {
	GetProject(ctx context.Context, id string) (*Project, error)
	ListFields(ctx context.Context, projectID string) ([]Field, error)
	ListRecords(ctx context.Context, formID string) ([]Record, error)
	CreateRecord(ctx context.Context, formID string, data Record) (Record, error)
	UpdateRecord(ctx context.Context, formID string, key any, data Record) error
	DeleteRecord(ctx context.Context, formID string, key any) error
}

// PageRegistry lists navigation targets.
type PageRegistry interface {
	ListPages(ctx context.Context, projectID, roleID string) ([]Page, error)
}

// MemoryStore is an in-process Store and PageRegistry. Records keep insertion order.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]*Project
	forms    map[string]Form
	records  map[string][]Record
	pages    []Page
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects: make(map[string]*Project),
		forms:    make(map[string]Form),
		records:  make(map[string][]Record),
	}
}

// AddProject registers a project and its forms.
func (s *MemoryStore) AddProject(p Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p
	s.projects[p.ID] = &cp
	for _, f := range p.Forms {
		s.forms[f.ID] = f
	}
}

// AddPages registers navigation targets.
func (s *MemoryStore) AddPages(pages ...Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages = append(s.pages, pages...)
}

// Seed appends records to a form as-is, without assigning ids or timestamps.
func (s *MemoryStore) Seed(formID string, records ...Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.records[formID] = append(s.records[formID], cloneRecord(r))
	}
}

func (s *MemoryStore) GetProject(_ context.Context, id string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %q not found", id)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListFields(_ context.Context, projectID string) ([]Field, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil, fmt.Errorf("project %q not found", projectID)
	}
	return append([]Field(nil), p.Fields...), nil
}

func (s *MemoryStore) ListRecords(_ context.Context, formID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, len(s.records[formID]))
	for i, r := range s.records[formID] {
		out[i] = cloneRecord(r)
	}
	return out, nil
}

func (s *MemoryStore) CreateRecord(_ context.Context, formID string, data Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := cloneRecord(data)
	rec[KeyID] = uuid.NewString()
	if _, ok := rec[KeyCreateTime]; !ok {
		rec[KeyCreateTime] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	s.records[formID] = append(s.records[formID], rec)
	return cloneRecord(rec), nil
}

func (s *MemoryStore) UpdateRecord(_ context.Context, formID string, key any, data Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.find(formID, key)
	if i < 0 {
		return fmt.Errorf("record %v not found in form %q", key, formID)
	}
	rec := s.records[formID][i]
	for k, v := range data {
		rec[k] = v
	}
	return nil
}

func (s *MemoryStore) DeleteRecord(_ context.Context, formID string, key any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.find(formID, key)
	if i < 0 {
		return fmt.Errorf("record %v not found in form %q", key, formID)
	}
	s.records[formID] = append(s.records[formID][:i], s.records[formID][i+1:]...)
	return nil
}

func (s *MemoryStore) ListPages(_ context.Context, _ string, roleID string) ([]Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Page
	for _, p := range s.pages {
		if roleID == "" || p.RoleID == "" || p.RoleID == roleID {
			out = append(out, p)
		}
	}
	return out, nil
}

// find locates a record by the form's primary key, or by record id when the
// form has none. Callers hold the lock.
func (s *MemoryStore) find(formID string, key any) int {
	pk := KeyID
	if f, ok := s.forms[formID]; ok && f.PrimaryKey != "" {
		pk = f.PrimaryKey
	}
	for i, r := range s.records[formID] {
		if looseEqual(r[pk], key) {
			return i
		}
	}
	return -1
}
