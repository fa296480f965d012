package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"space-manager/pkg/credentials"
	"space-manager/pkg/stream"
)

// handleStream opens a live metrics stream.
//
// The instances query parameter is the authoritative instance set. Without
// it the client's subscription record is consulted every cycle, and the
// instance named in the path is polled when there is no record either.
// With no usable credential the stream is refused before any event is sent.
func (s *Server) handleStream(c *gin.Context) {
	if err := credentials.Resolve(s.deps.Credentials).Validate(); err != nil {
		s.respondError(c, err)
		return
	}

	clientID := c.Query("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	req := stream.Request{
		ClientID:    clientID,
		InstanceIDs: credentials.SplitList(c.Query("instances")),
		Fallback:    []string{instanceID(c)},
	}

	stream.SetHeaders(c.Writer)
	c.Status(http.StatusOK)
	w := stream.NewSSEWriter(c.Writer)

	if err := s.deps.Multiplexer.Run(c.Request.Context(), w, req); err != nil {
		// The client went away mid-write; nothing more can be sent.
		s.logger.Debug("metrics stream ended", "client_id", clientID, "error", err)
	}
}

// subscribeRequest is the JSON body for POST /api/v1/metrics/subscriptions.
type subscribeRequest struct {
	ClientID    string   `json:"client_id" binding:"required"`
	InstanceIDs []string `json:"instance_ids"`
}

func (s *Server) handleSubscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "client_id is required"})
		return
	}

	sub, err := s.deps.Subscriptions.Put(c.Request.Context(), req.ClientID, req.InstanceIDs)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"client_id":        sub.ClientID,
		"subscribed_count": len(sub.InstanceIDs),
	})
}
