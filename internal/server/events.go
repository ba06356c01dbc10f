package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type realtimeEventPayload struct {
	ProjectID string   `json:"projectId"`
	CommitID  string   `json:"commitId,omitempty"`
	Sequence  int64    `json:"sequence,omitempty"`
	AuthorID  string   `json:"authorId,omitempty"`
	Title     string   `json:"title,omitempty"`
	Paths     []string `json:"paths,omitempty"`
	Timestamp string   `json:"timestamp"`
	Source    string   `json:"source"`
}

// handleProjectEvents streams commit notifications for one project as server-sent events.
func (h *httpHandler) handleProjectEvents(c *gin.Context) {
	projectID := trimmedParam(c, "projectID")
	if _, ok := h.authorizeProject(c, projectID); !ok {
		return
	}

	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), projectID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.SSEvent(realtimeEventReady, newRealtimeEventPayload(RealtimeMessage{ProjectID: projectID, Timestamp: time.Now().UTC()}))
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, newRealtimeEventPayload(message))
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, newRealtimeEventPayload(RealtimeMessage{ProjectID: projectID, Timestamp: tick.UTC()}))
			return true
		}
	})
	h.logger.Debug("realtime stream closed", zap.String("project_id", projectID))
}

func newRealtimeEventPayload(message RealtimeMessage) realtimeEventPayload {
	return realtimeEventPayload{
		ProjectID: message.ProjectID,
		CommitID:  message.CommitID,
		Sequence:  message.Sequence,
		AuthorID:  message.AuthorID,
		Title:     message.Title,
		Paths:     message.Paths,
		Timestamp: message.Timestamp.Format(time.RFC3339),
		Source:    realtimeSourceBackend,
	}
}
