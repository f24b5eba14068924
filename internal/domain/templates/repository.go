package templates

import (
	"context"

	"github.com/google/uuid"
)

// InsertOutcome reports how a batch insert treated one template.
type InsertOutcome string

const (
	InsertOutcomeInserted InsertOutcome = "inserted"
	InsertOutcomeSkipped  InsertOutcome = "skipped"
)

// Repository defines the persistence operations for managed templates.
type Repository interface {
	// GetByRef retrieves a template by its unique template_ref. Returns
	// ErrTemplateNotFound for unknown refs.
	GetByRef(ctx context.Context, templateRef string) (*Template, error)

	// List retrieves all managed templates ordered by creation time
	// descending.
	List(ctx context.Context) ([]*Template, error)

	// ExistingRefs reports which of the given refs are already persisted.
	ExistingRefs(ctx context.Context, refs []string) (map[string]bool, error)

	// InsertBatch persists the given templates inside a single atomic
	// transaction with insert-or-ignore duplicate semantics. The returned
	// map records, per template_ref, whether the row was inserted or skipped
	// as a duplicate.
	InsertBatch(ctx context.Context, tmpls []*Template) (map[string]InsertOutcome, error)

	// Delete removes a template by ID. Returns ErrTemplateNotFound for
	// unknown IDs.
	Delete(ctx context.Context, id uuid.UUID) error
}
