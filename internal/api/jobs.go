package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	domain "github.com/wardenlabs/scanwarden/internal/domain/scanning"
)

type createJobRequest struct {
	Name         string   `json:"name"`
	TemplateRefs []string `json:"template_refs"`
	Targets      []string `json:"targets"`
}

// jobResponse is the wire shape of a job record. Nullable timestamps are
// pointers so unset values serialize as null rather than the zero time.
type jobResponse struct {
	ID                uuid.UUID  `json:"id"`
	Name              string     `json:"name"`
	Status            string     `json:"status"`
	TemplateRefs      []string   `json:"template_refs"`
	Targets           []string   `json:"targets"`
	TotalRequests     int64      `json:"total_requests"`
	CompletedRequests int64      `json:"completed_requests"`
	FoundVulns        int64      `json:"found_vulns"`
	OutputFile        string     `json:"output_file,omitempty"`
	LogFile           string     `json:"log_file,omitempty"`
	FailureReason     string     `json:"failure_reason,omitempty"`
	EngineVersion     string     `json:"engine_version,omitempty"`
	RunCount          int        `json:"run_count"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at"`
	LastUpdate        *time.Time `json:"last_update"`
}

func toJobResponse(job *domain.Job) jobResponse {
	resp := jobResponse{
		ID:                job.JobID(),
		Name:              job.Name(),
		Status:            string(job.Status()),
		TemplateRefs:      job.TemplateRefs(),
		Targets:           job.TargetRefs(),
		TotalRequests:     job.TotalRequests(),
		CompletedRequests: job.CompletedRequests(),
		FoundVulns:        job.FoundVulns(),
		OutputFile:        job.OutputFile(),
		LogFile:           job.LogFile(),
		FailureReason:     string(job.FailureReason()),
		EngineVersion:     job.EngineVersion(),
		RunCount:          job.RunCount(),
		CreatedAt:         job.CreatedAt(),
	}
	if started := job.StartTime(); !started.IsZero() {
		resp.StartedAt = &started
	}
	if ended, ok := job.EndTime(); ok {
		resp.CompletedAt = &ended
	}
	if update := job.LastUpdateTime(); !update.IsZero() {
		resp.LastUpdate = &update
	}
	return resp
}

func (s *Server) createJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	job, err := s.orch.CreateJob(c.Request.Context(), req.Name, req.TemplateRefs, req.Targets)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toJobResponse(job))
}

func (s *Server) listJobs(c *gin.Context) {
	opts := domain.ListOptions{Ascending: c.Query("order") == "asc"}
	jobs, err := s.orch.ListJobs(c.Request.Context(), opts)
	if err != nil {
		s.writeError(c, err)
		return
	}

	resp := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		resp = append(resp, toJobResponse(job))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": resp})
}

func (s *Server) getJob(c *gin.Context) {
	jobID, ok := s.jobID(c)
	if !ok {
		return
	}
	job, err := s.orch.GetJob(c.Request.Context(), jobID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

func (s *Server) deleteJob(c *gin.Context) {
	jobID, ok := s.jobID(c)
	if !ok {
		return
	}
	if err := s.orch.DeleteJob(c.Request.Context(), jobID); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) startJob(c *gin.Context)  { s.lifecycle(c, s.orch.StartJob) }
func (s *Server) rescanJob(c *gin.Context) { s.lifecycle(c, s.orch.RescanJob) }
func (s *Server) pauseJob(c *gin.Context)  { s.lifecycle(c, s.orch.PauseJob) }
func (s *Server) resumeJob(c *gin.Context) { s.lifecycle(c, s.orch.ResumeJob) }
func (s *Server) stopJob(c *gin.Context)   { s.lifecycle(c, s.orch.StopJob) }

// lifecycle factors the shared shape of the job verb handlers: parse the ID,
// invoke the operation, return the refreshed record.
func (s *Server) lifecycle(c *gin.Context, op func(ctx context.Context, id uuid.UUID) error) {
	jobID, ok := s.jobID(c)
	if !ok {
		return
	}
	if err := op(c.Request.Context(), jobID); err != nil {
		s.writeError(c, err)
		return
	}
	job, err := s.orch.GetJob(c.Request.Context(), jobID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

func (s *Server) getJobLogs(c *gin.Context) {
	jobID, ok := s.jobID(c)
	if !ok {
		return
	}
	opts := domain.LogReadOptions{IncludeDebug: c.Query("include_debug") == "true"}
	entries, err := s.orch.GetJobLogs(c.Request.Context(), jobID, opts)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) jobID(c *gin.Context) (uuid.UUID, bool) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid job id"})
		return uuid.Nil, false
	}
	return jobID, true
}
