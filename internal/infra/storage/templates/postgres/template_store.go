// Package postgres implements the template Repository on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wardenlabs/scanwarden/internal/domain/templates"
	"github.com/wardenlabs/scanwarden/internal/infra/storage"
)

var _ templates.Repository = (*TemplateStore)(nil)

// TemplateStore implements templates.Repository using PostgreSQL as the
// backing store. template_ref uniqueness is enforced by the schema, so
// duplicate handling rides on insert-or-ignore semantics.
type TemplateStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewTemplateStore creates a PostgreSQL-backed template repository with
// tracing.
func NewTemplateStore(pool *pgxpool.Pool, tracer trace.Tracer) *TemplateStore {
	return &TemplateStore{db: pool, tracer: tracer}
}

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

const getTemplateByRefQuery = `
SELECT id, template_ref, name, severity, tags, author, file_path, created_at
FROM templates
WHERE template_ref = $1`

// GetByRef retrieves a template by its unique template_ref.
func (r *TemplateStore) GetByRef(ctx context.Context, templateRef string) (*templates.Template, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("template_ref", templateRef))

	var tmpl *templates.Template
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_template_by_ref", dbAttrs, func(ctx context.Context) error {
		row := r.db.QueryRow(ctx, getTemplateByRefQuery, templateRef)
		t, err := scanTemplateRow(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return templates.ErrTemplateNotFound
			}
			return fmt.Errorf("GetByRef error: %w", err)
		}
		tmpl = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tmpl, nil
}

const listTemplatesQuery = `
SELECT id, template_ref, name, severity, tags, author, file_path, created_at
FROM templates
ORDER BY created_at DESC`

// List retrieves all managed templates ordered by creation time descending.
func (r *TemplateStore) List(ctx context.Context) ([]*templates.Template, error) {
	var out []*templates.Template
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.list_templates", defaultDBAttributes, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, listTemplatesQuery)
		if err != nil {
			return fmt.Errorf("List query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			tmpl, err := scanTemplateRow(rows)
			if err != nil {
				return fmt.Errorf("List scan error: %w", err)
			}
			out = append(out, tmpl)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExistingRefs reports which of the given refs are already persisted.
func (r *TemplateStore) ExistingRefs(ctx context.Context, refs []string) (map[string]bool, error) {
	dbAttrs := append(defaultDBAttributes, attribute.Int("ref_count", len(refs)))

	existing := make(map[string]bool, len(refs))
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.existing_template_refs", dbAttrs, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, `SELECT template_ref FROM templates WHERE template_ref = ANY($1)`, refs)
		if err != nil {
			return fmt.Errorf("ExistingRefs query error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var ref string
			if err := rows.Scan(&ref); err != nil {
				return fmt.Errorf("ExistingRefs scan error: %w", err)
			}
			existing[ref] = true
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return existing, nil
}

const insertTemplateQuery = `
INSERT INTO templates (id, template_ref, name, severity, tags, author, file_path, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (template_ref) DO NOTHING`

// InsertBatch persists the given templates inside one transaction with
// insert-or-ignore duplicate semantics.
func (r *TemplateStore) InsertBatch(ctx context.Context, tmpls []*templates.Template) (map[string]templates.InsertOutcome, error) {
	dbAttrs := append(defaultDBAttributes, attribute.Int("batch_size", len(tmpls)))

	outcomes := make(map[string]templates.InsertOutcome, len(tmpls))
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.insert_template_batch", dbAttrs, func(ctx context.Context) error {
		return pgx.BeginTxFunc(ctx, r.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
			for _, tmpl := range tmpls {
				tag, err := tx.Exec(ctx, insertTemplateQuery,
					pgUUID(tmpl.ID),
					tmpl.TemplateRef,
					tmpl.Name,
					string(tmpl.Severity),
					tmpl.Tags,
					tmpl.Author,
					tmpl.FilePath,
					tmpl.CreatedAt,
				)
				if err != nil {
					// ON CONFLICT only absorbs template_ref collisions; any
					// other unique index (the id primary key) still violates.
					var pgErr *pgconn.PgError
					if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
						return fmt.Errorf("InsertBatch insert %s: %w", tmpl.TemplateRef, templates.ErrTemplateExists)
					}
					return fmt.Errorf("InsertBatch insert %s error: %w", tmpl.TemplateRef, err)
				}
				if tag.RowsAffected() == 0 {
					outcomes[tmpl.TemplateRef] = templates.InsertOutcomeSkipped
				} else {
					outcomes[tmpl.TemplateRef] = templates.InsertOutcomeInserted
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

// Delete removes a template by ID. Returns ErrTemplateNotFound for unknown
// IDs.
func (r *TemplateStore) Delete(ctx context.Context, id uuid.UUID) error {
	dbAttrs := append(defaultDBAttributes, attribute.String("template_id", id.String()))

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.delete_template", dbAttrs, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, `DELETE FROM templates WHERE id = $1`, pgUUID(id))
		if err != nil {
			return fmt.Errorf("Delete error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return templates.ErrTemplateNotFound
		}
		return nil
	})
}

func scanTemplateRow(row pgx.Row) (*templates.Template, error) {
	var (
		id        pgtype.UUID
		ref       string
		name      string
		severity  string
		tags      []string
		author    string
		filePath  string
		createdAt time.Time
	)
	if err := row.Scan(&id, &ref, &name, &severity, &tags, &author, &filePath, &createdAt); err != nil {
		return nil, err
	}

	return &templates.Template{
		ID:          uuid.UUID(id.Bytes),
		TemplateRef: ref,
		Name:        name,
		Severity:    templates.ParseSeverity(severity),
		Tags:        tags,
		Author:      author,
		FilePath:    filePath,
		CreatedAt:   createdAt,
	}, nil
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}
