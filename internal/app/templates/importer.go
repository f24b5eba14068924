// Package templates implements the two-phase template import pipeline:
// validate a source directory without side effects, then commit the
// validated subset into the managed directory and the store atomically.
package templates

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/wardenlabs/scanwarden/internal/config"
	"github.com/wardenlabs/scanwarden/internal/domain/events"
	"github.com/wardenlabs/scanwarden/internal/domain/scanning"
	domain "github.com/wardenlabs/scanwarden/internal/domain/templates"
	"github.com/wardenlabs/scanwarden/pkg/common/logger"
)

// stringList accepts a YAML scalar ("a,b,c"), keeping template authors'
// loose metadata conventions out of the rest of the pipeline.
type stringList []string

func (s *stringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		for _, part := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				*s = append(*s, trimmed)
			}
		}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*s = append(*s, items...)
		return nil
	default:
		return fmt.Errorf("unsupported YAML node for string list")
	}
}

// templateMeta is the metadata block a candidate file must carry.
type templateMeta struct {
	ID   string `yaml:"id"`
	Info struct {
		Name     string     `yaml:"name"`
		Author   stringList `yaml:"author"`
		Severity string     `yaml:"severity"`
		Tags     stringList `yaml:"tags"`
	} `yaml:"info"`
}

// Importer drives the two-phase template import pipeline.
type Importer struct {
	repo      domain.Repository
	runner    scanning.EngineRunner
	publisher events.DomainEventPublisher
	cfg       *config.Provider
	logger    *logger.Logger
	tracer    trace.Tracer
}

// NewImporter wires the importer with its collaborators.
func NewImporter(
	repo domain.Repository,
	runner scanning.EngineRunner,
	publisher events.DomainEventPublisher,
	cfg *config.Provider,
	log *logger.Logger,
	tracer trace.Tracer,
) *Importer {
	return &Importer{
		repo:      repo,
		runner:    runner,
		publisher: publisher,
		cfg:       cfg,
		logger:    log.With("component", "template_importer"),
		tracer:    tracer,
	}
}

// PreValidate recursively discovers candidate definition files under
// sourceDir, parses their metadata, dry-run checks them against the engine,
// and classifies each as valid, failed, or already managed. It writes
// nothing: no store inserts, no copies into the managed directory. A
// malformed file never aborts the rest of the tree.
func (i *Importer) PreValidate(ctx context.Context, sourceDir string) (*domain.ImportResult, error) {
	ctx, span := i.tracer.Start(ctx, "importer.pre_validate",
		trace.WithAttributes(attribute.String("source_dir", sourceDir)))
	defer span.End()

	paths, err := discoverCandidates(sourceDir)
	if err != nil {
		return nil, err
	}

	result := &domain.ImportResult{TotalFound: len(paths)}

	type parsed struct {
		candidate domain.Candidate
		path      string
	}
	var candidates []parsed
	seen := make(map[string]string)

	for _, path := range paths {
		meta, err := parseTemplateMeta(path)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, domain.ImportError{FilePath: path, Reason: err.Error()})
			continue
		}
		if prev, dup := seen[meta.ID]; dup {
			result.Failed++
			result.Errors = append(result.Errors, domain.ImportError{
				FilePath: path,
				Reason:   fmt.Sprintf("duplicate template_ref %q, first seen in %s", meta.ID, prev),
			})
			continue
		}
		seen[meta.ID] = path
		candidates = append(candidates, parsed{
			candidate: domain.Candidate{
				TemplateRef: meta.ID,
				Name:        meta.Info.Name,
				Severity:    domain.ParseSeverity(strings.ToLower(meta.Info.Severity)),
				Tags:        meta.Info.Tags,
				Author:      strings.Join(meta.Info.Author, ", "),
				SourcePath:  path,
			},
			path: path,
		})
	}

	// Engine dry-run catches files with valid metadata but unloadable
	// definitions.
	if len(candidates) > 0 {
		checkPaths := make([]string, len(candidates))
		for idx, c := range candidates {
			checkPaths[idx] = c.path
		}
		failures, err := i.runner.Validate(ctx, checkPaths)
		if err != nil {
			return nil, fmt.Errorf("engine validation: %w", err)
		}

		kept := candidates[:0]
		for _, c := range candidates {
			if reason, failed := failures[c.path]; failed {
				result.Failed++
				result.Errors = append(result.Errors, domain.ImportError{FilePath: c.path, Reason: reason.Error()})
				continue
			}
			kept = append(kept, c)
		}
		candidates = kept
	}

	refs := make([]string, len(candidates))
	for idx, c := range candidates {
		refs[idx] = c.candidate.TemplateRef
	}
	existing, err := i.repo.ExistingRefs(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("checking existing refs: %w", err)
	}

	for _, c := range candidates {
		if existing[c.candidate.TemplateRef] {
			result.AlreadyExists++
			continue
		}
		result.Validated++
		result.ValidTemplates = append(result.ValidTemplates, c.candidate)
	}

	i.logger.Info(ctx, "pre-validation finished",
		"total", result.TotalFound,
		"validated", result.Validated,
		"failed", result.Failed,
		"already_exists", result.AlreadyExists,
	)
	return result, nil
}

// ConfirmImport copies the validated candidates into the managed template
// directory and inserts them into the store in one transaction with
// insert-or-ignore semantics. Progress is reported per candidate and one
// terminal ImportCompleted event fires regardless of outcome mix.
func (i *Importer) ConfirmImport(ctx context.Context, candidates []domain.Candidate) (*domain.CommitResult, error) {
	ctx, span := i.tracer.Start(ctx, "importer.confirm_import",
		trace.WithAttributes(attribute.Int("candidate_count", len(candidates))))
	defer span.End()

	cfg := i.cfg.Get()
	if err := os.MkdirAll(cfg.TemplatesDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating managed template directory: %w", err)
	}

	result := &domain.CommitResult{}
	total := len(candidates)
	var toInsert []*domain.Template

	for idx, c := range candidates {
		destPath := filepath.Join(cfg.TemplatesDir, c.TemplateRef+filepath.Ext(c.SourcePath))
		if err := copyFile(c.SourcePath, destPath); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, domain.ImportError{FilePath: c.SourcePath, Reason: err.Error()})
		} else {
			toInsert = append(toInsert, &domain.Template{
				ID:          uuid.New(),
				TemplateRef: c.TemplateRef,
				Name:        c.Name,
				Severity:    c.Severity,
				Tags:        c.Tags,
				Author:      c.Author,
				FilePath:    destPath,
				CreatedAt:   time.Now(),
			})
		}
		i.publishProgress(ctx, idx+1, total, c.TemplateRef, result)
	}

	if len(toInsert) > 0 {
		outcomes, err := i.repo.InsertBatch(ctx, toInsert)
		if err != nil {
			return nil, fmt.Errorf("inserting template batch: %w", err)
		}
		for _, tmpl := range toInsert {
			switch outcomes[tmpl.TemplateRef] {
			case domain.InsertOutcomeSkipped:
				// Inserted elsewhere between the phases. The copy landed on
				// the same ref-derived path the existing row points at, so
				// leave the file alone.
				result.Duplicates++
			default:
				result.Imported++
			}
		}
	}

	i.publishCompleted(ctx, result)
	i.logger.Info(ctx, "import committed",
		"imported", result.Imported,
		"duplicates", result.Duplicates,
		"failed", result.Failed,
	)
	return result, nil
}

// ImportTemplates runs both phases back to back for callers that do not need
// a confirmation step.
func (i *Importer) ImportTemplates(ctx context.Context, sourceDir string) (*domain.ImportResult, *domain.CommitResult, error) {
	validation, err := i.PreValidate(ctx, sourceDir)
	if err != nil {
		return nil, nil, err
	}
	commit, err := i.ConfirmImport(ctx, validation.ValidTemplates)
	if err != nil {
		return validation, nil, err
	}
	return validation, commit, nil
}

func (i *Importer) publishProgress(ctx context.Context, current, total int, ref string, r *domain.CommitResult) {
	evt := domain.NewImportProgressedEvent(current, total, ref, r.Imported, r.Duplicates, r.Failed)
	if err := i.publisher.PublishDomainEvent(ctx, evt, events.WithKey(domain.ImportKey)); err != nil {
		i.logger.Warn(ctx, "publishing import progress", "err", err)
	}
}

func (i *Importer) publishCompleted(ctx context.Context, r *domain.CommitResult) {
	evt := domain.NewImportCompletedEvent(*r)
	if err := i.publisher.PublishDomainEvent(ctx, evt, events.WithKey(domain.ImportKey)); err != nil {
		i.logger.Warn(ctx, "publishing import completion", "err", err)
	}
}

// discoverCandidates walks sourceDir collecting yaml definition files in a
// stable order. Hidden directories (.git and friends) and unreadable
// subdirectories are skipped, not fatal.
func discoverCandidates(sourceDir string) ([]string, error) {
	info, err := os.Stat(sourceDir)
	if err != nil {
		return nil, fmt.Errorf("source directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source %s is not a directory", sourceDir)
	}

	var paths []string
	err = filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != sourceDir && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking source directory: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// parseTemplateMeta reads one candidate and enforces required metadata.
func parseTemplateMeta(path string) (*templateMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}

	var meta templateMeta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	if meta.ID == "" {
		return nil, fmt.Errorf("missing required field: id")
	}
	if meta.Info.Name == "" {
		return nil, fmt.Errorf("missing required field: info.name")
	}
	return &meta, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copying template: %w", err)
	}
	return out.Close()
}
