package api

import (
	"context"
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wardenlabs/scanwarden/internal/domain/events"
	domain "github.com/wardenlabs/scanwarden/internal/domain/scanning"
	tmpldomain "github.com/wardenlabs/scanwarden/internal/domain/templates"
)

// sseBufferSize bounds how far a slow SSE client can lag behind the bus
// before events are dropped for that client.
const sseBufferSize = 64

// progressPayload is the JSON shape of progress counters in SSE frames.
type progressPayload struct {
	CompletedRequests int64     `json:"completed_requests"`
	TotalRequests     int64     `json:"total_requests"`
	FoundVulns        int64     `json:"found_vulns"`
	Percentage        float64   `json:"percentage"`
	CurrentTemplate   string    `json:"current_template,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

func toProgressPayload(p domain.Progress) progressPayload {
	return progressPayload{
		CompletedRequests: p.CompletedRequests(),
		TotalRequests:     p.TotalRequests(),
		FoundVulns:        p.FoundVulns(),
		Percentage:        p.Percentage(),
		CurrentTemplate:   p.CurrentTemplate(),
		Timestamp:         p.Timestamp(),
	}
}

// eventPayload converts a bus envelope into a JSON-serializable SSE body.
// Domain event structs keep their counters behind getters, so each type gets
// an explicit wire shape here.
func eventPayload(evt events.EventEnvelope) any {
	switch p := evt.Payload.(type) {
	case domain.JobProgressedEvent:
		return gin.H{"job_id": p.JobID, "progress": toProgressPayload(p.Progress)}
	case domain.JobLogEvent:
		return gin.H{"job_id": p.JobID, "entry": p.Entry}
	case domain.FindingReportedEvent:
		return gin.H{"job_id": p.JobID, "finding": p.Finding}
	case domain.JobCompletedEvent:
		return gin.H{"job_id": p.JobID, "final": toProgressPayload(p.Final)}
	case domain.JobFailedEvent:
		return gin.H{
			"job_id":  p.JobID,
			"reason":  p.Reason,
			"message": p.Message,
			"final":   toProgressPayload(p.Final),
		}
	case tmpldomain.ImportProgressedEvent:
		return gin.H{
			"current":      p.Current,
			"total":        p.Total,
			"template_ref": p.TemplateRef,
			"imported":     p.Imported,
			"duplicates":   p.Duplicates,
			"failed":       p.Failed,
		}
	case tmpldomain.ImportCompletedEvent:
		return p.Result
	default:
		return gin.H{"type": evt.Type}
	}
}

// streamJobEvents streams one job's bus feed as Server-Sent Events until the
// client disconnects. The event name is the domain event type.
func (s *Server) streamJobEvents(c *gin.Context) {
	jobID, ok := s.jobID(c)
	if !ok {
		return
	}
	// 404 before committing to a stream.
	if _, err := s.orch.GetJob(c.Request.Context(), jobID); err != nil {
		s.writeError(c, err)
		return
	}
	s.streamKey(c, jobID.String())
}

// streamImportEvents streams the shared import feed.
func (s *Server) streamImportEvents(c *gin.Context) {
	s.streamKey(c, tmpldomain.ImportKey)
}

func (s *Server) streamKey(c *gin.Context, key string) {
	ctx := c.Request.Context()

	// The subscription handler runs on the broker's delivery goroutine;
	// hand frames to the response goroutine through a buffered channel so a
	// stalled client cannot block the bus.
	frames := make(chan events.EventEnvelope, sseBufferSize)
	err := s.bus.Subscribe(ctx, key, func(hctx context.Context, evt events.EventEnvelope) error {
		select {
		case frames <- evt:
		default:
			s.logger.Warn(hctx, "sse client lagging, dropping event",
				"key", key, "event_type", evt.Type)
		}
		return nil
	})
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case evt := <-frames:
			c.SSEvent(string(evt.Type), eventPayload(evt))
			return true
		case <-ctx.Done():
			return false
		}
	})
}
