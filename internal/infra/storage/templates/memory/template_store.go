// Package memory provides an in-memory template Repository used by tests and
// single-process deployments that opt out of postgres.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/wardenlabs/scanwarden/internal/domain/templates"
)

var _ templates.Repository = (*TemplateStore)(nil)

// TemplateStore provides a thread-safe in-memory implementation of the
// template Repository.
type TemplateStore struct {
	mu    sync.RWMutex
	byRef map[string]*templates.Template
}

// NewTemplateStore creates an empty template store.
func NewTemplateStore() *TemplateStore {
	return &TemplateStore{byRef: make(map[string]*templates.Template)}
}

// GetByRef retrieves a template by its unique template_ref.
func (s *TemplateStore) GetByRef(ctx context.Context, templateRef string) (*templates.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tmpl, ok := s.byRef[templateRef]
	if !ok {
		return nil, templates.ErrTemplateNotFound
	}
	return cloneTemplate(tmpl), nil
}

// List retrieves all templates ordered by creation time descending.
func (s *TemplateStore) List(ctx context.Context) ([]*templates.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*templates.Template, 0, len(s.byRef))
	for _, tmpl := range s.byRef {
		out = append(out, cloneTemplate(tmpl))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ExistingRefs reports which of the given refs are already persisted.
func (s *TemplateStore) ExistingRefs(ctx context.Context, refs []string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	existing := make(map[string]bool, len(refs))
	for _, ref := range refs {
		if _, ok := s.byRef[ref]; ok {
			existing[ref] = true
		}
	}
	return existing, nil
}

// InsertBatch persists the given templates with insert-or-ignore duplicate
// semantics. All-or-nothing is trivial in memory since nothing here fails.
func (s *TemplateStore) InsertBatch(ctx context.Context, tmpls []*templates.Template) (map[string]templates.InsertOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	outcomes := make(map[string]templates.InsertOutcome, len(tmpls))
	for _, tmpl := range tmpls {
		if _, ok := s.byRef[tmpl.TemplateRef]; ok {
			outcomes[tmpl.TemplateRef] = templates.InsertOutcomeSkipped
			continue
		}
		s.byRef[tmpl.TemplateRef] = cloneTemplate(tmpl)
		outcomes[tmpl.TemplateRef] = templates.InsertOutcomeInserted
	}
	return outcomes, nil
}

// Delete removes a template by ID.
func (s *TemplateStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ref, tmpl := range s.byRef {
		if tmpl.ID == id {
			delete(s.byRef, ref)
			return nil
		}
	}
	return templates.ErrTemplateNotFound
}

func cloneTemplate(tmpl *templates.Template) *templates.Template {
	cp := *tmpl
	cp.Tags = append([]string(nil), tmpl.Tags...)
	return &cp
}
