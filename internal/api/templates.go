package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	domain "github.com/wardenlabs/scanwarden/internal/domain/templates"
)

type templateResponse struct {
	ID          uuid.UUID `json:"id"`
	TemplateRef string    `json:"template_ref"`
	Name        string    `json:"name"`
	Severity    string    `json:"severity"`
	Tags        []string  `json:"tags"`
	Author      string    `json:"author,omitempty"`
	CreatedAt   string    `json:"created_at"`
}

func toTemplateResponse(t *domain.Template) templateResponse {
	return templateResponse{
		ID:          t.ID,
		TemplateRef: t.TemplateRef,
		Name:        t.Name,
		Severity:    string(t.Severity),
		Tags:        t.Tags,
		Author:      t.Author,
		CreatedAt:   t.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) listTemplates(c *gin.Context) {
	tmpls, err := s.templates.List(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	resp := make([]templateResponse, 0, len(tmpls))
	for _, t := range tmpls {
		resp = append(resp, toTemplateResponse(t))
	}
	c.JSON(http.StatusOK, gin.H{"templates": resp})
}

func (s *Server) deleteTemplate(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid template id"})
		return
	}
	if err := s.templates.Delete(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type importRequest struct {
	SourceDir string `json:"source_dir"`
}

type confirmImportRequest struct {
	Candidates []domain.Candidate `json:"candidates"`
}

// validateImport runs the side-effect-free validation phase and returns the
// classification so a UI can show it before committing.
func (s *Server) validateImport(c *gin.Context) {
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SourceDir == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "source_dir is required"})
		return
	}
	result, err := s.importer.PreValidate(c.Request.Context(), req.SourceDir)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// confirmImport commits a previously validated candidate set.
func (s *Server) confirmImport(c *gin.Context) {
	var req confirmImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	result, err := s.importer.ConfirmImport(c.Request.Context(), req.Candidates)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// runImport executes both phases in one call.
func (s *Server) runImport(c *gin.Context) {
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SourceDir == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "source_dir is required"})
		return
	}
	validation, commit, err := s.importer.ImportTemplates(c.Request.Context(), req.SourceDir)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"validation": validation, "commit": commit})
}
