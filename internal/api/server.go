// Package api exposes the orchestrator and import pipeline over HTTP. The
// handlers are thin: request decoding, error mapping, and response shaping
// only. All orchestration logic lives in the app layer.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	appscan "github.com/wardenlabs/scanwarden/internal/app/scanning"
	apptmpl "github.com/wardenlabs/scanwarden/internal/app/templates"
	"github.com/wardenlabs/scanwarden/internal/config"
	"github.com/wardenlabs/scanwarden/internal/domain/events"
	"github.com/wardenlabs/scanwarden/internal/domain/scanning"
	"github.com/wardenlabs/scanwarden/internal/domain/templates"
	"github.com/wardenlabs/scanwarden/pkg/common/logger"
)

// Server holds the handler dependencies and builds the router.
type Server struct {
	orch      *appscan.Orchestrator
	importer  *apptmpl.Importer
	templates templates.Repository
	bus       events.EventBus
	cfg       *config.Provider
	logger    *logger.Logger
}

// NewServer wires the HTTP surface.
func NewServer(
	orch *appscan.Orchestrator,
	importer *apptmpl.Importer,
	templateRepo templates.Repository,
	bus events.EventBus,
	cfg *config.Provider,
	log *logger.Logger,
) *Server {
	return &Server{
		orch:      orch,
		importer:  importer,
		templates: templateRepo,
		bus:       bus,
		cfg:       cfg,
		logger:    log.With("component", "api"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = s.cfg.Get().CORSOrigins
	r.Use(cors.New(corsCfg))

	v1 := r.Group("/v1")

	jobs := v1.Group("/jobs")
	{
		jobs.POST("", s.createJob)
		jobs.GET("", s.listJobs)
		jobs.GET("/:id", s.getJob)
		jobs.DELETE("/:id", s.deleteJob)
		jobs.POST("/:id/start", s.startJob)
		jobs.POST("/:id/rescan", s.rescanJob)
		jobs.POST("/:id/pause", s.pauseJob)
		jobs.POST("/:id/resume", s.resumeJob)
		jobs.POST("/:id/stop", s.stopJob)
		jobs.GET("/:id/logs", s.getJobLogs)
		jobs.GET("/:id/events", s.streamJobEvents)
	}

	tmpls := v1.Group("/templates")
	{
		tmpls.GET("", s.listTemplates)
		tmpls.DELETE("/:id", s.deleteTemplate)
	}

	imports := v1.Group("/imports")
	{
		imports.POST("", s.runImport)
		imports.POST("/validate", s.validateImport)
		imports.POST("/confirm", s.confirmImport)
		imports.GET("/events", s.streamImportEvents)
	}

	cfgGroup := v1.Group("/config")
	{
		cfgGroup.GET("", s.getConfig)
		cfgGroup.POST("/reload", s.reloadConfig)
	}

	return r
}

// errorResponse is the uniform error body.
type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps domain errors to HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	var (
		validationErr *scanning.ValidationError
		stateErr      *scanning.InvalidStateError
	)
	switch {
	case errors.Is(err, scanning.ErrJobNotFound),
		errors.Is(err, templates.ErrTemplateNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.As(err, &stateErr):
		c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		s.logger.Error(c.Request.Context(), "request failed",
			"method", c.Request.Method, "path", c.FullPath(), "err", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func (s *Server) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Get())
}

func (s *Server) reloadConfig(c *gin.Context) {
	cfg, err := s.cfg.Reload(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg)
}
