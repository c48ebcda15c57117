package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nexcode/codex-gateway/internal/agent/transport"
	"github.com/nexcode/codex-gateway/internal/conversation"
	"github.com/nexcode/codex-gateway/internal/executor"
	"github.com/nexcode/codex-gateway/pkg/codex"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// parseExecRequest decodes an exec body and distinguishes a missing prompt
// field from an empty one: only the former is a request error.
func parseExecRequest(c *gin.Context) (executor.Request, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		status := http.StatusBadRequest
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			status = http.StatusRequestEntityTooLarge
		}
		c.AbortWithStatusJSON(status, gin.H{"error": "failed to read request body", "status": status})
		return executor.Request{}, false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		badRequest(c, "invalid JSON body")
		return executor.Request{}, false
	}
	if _, ok := fields["prompt"]; !ok {
		badRequest(c, "prompt is required")
		return executor.Request{}, false
	}

	var req executor.Request
	if err := json.Unmarshal(body, &req); err != nil {
		badRequest(c, "invalid request shape: "+err.Error())
		return executor.Request{}, false
	}
	return req, true
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":  message,
		"status": http.StatusBadRequest,
	})
}

func (s *Server) handleExec(c *gin.Context) {
	req, ok := parseExecRequest(c)
	if !ok {
		return
	}

	result, err := s.exec.Execute(c.Request.Context(), req)
	if err != nil {
		var invalid *executor.InvalidRequestError
		if errors.As(err, &invalid) {
			badRequest(c, invalid.Message)
			return
		}
		s.logger.Error("exec failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":  err.Error(),
			"status": http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

type resumeRequest struct {
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id"`
}

func (s *Server) handleResume(c *gin.Context) {
	var req resumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if req.ConversationID == "" || req.SessionID == "" {
		badRequest(c, "conversation_id and session_id are required")
		return
	}

	conv, err := s.exec.Manager().Resume(req.ConversationID, req.SessionID)
	if err != nil {
		if errors.Is(err, conversation.ErrInvalidConversationID) || errors.Is(err, conversation.ErrRolloutNotFound) {
			badRequest(c, err.Error())
			return
		}
		s.logger.Error("resume failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":  err.Error(),
			"status": http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversation_id": conv.ID.String(),
		"session_id":      req.SessionID,
		"message":         "conversation resumed",
	})
}

func (s *Server) handleWebhook(c *gin.Context) {
	// Payload is accepted unverified; this endpoint only acknowledges
	// delivery for now.
	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}

	s.logger.Info("webhook received", zap.Int("fields", len(payload)))
	c.JSON(http.StatusAccepted, gin.H{
		"status":    "accepted",
		"message":   "webhook received",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleExecStream runs a turn and emits it as SSE. Event names mirror the
// agent's own event types; agent_output, task_completed, and error are
// always used for their corresponding states.
func (s *Server) handleExecStream(c *gin.Context) {
	req, ok := parseExecRequest(c)
	if !ok {
		return
	}

	sub, err := s.exec.Stream(c.Request.Context(), req)
	if err != nil {
		var invalid *executor.InvalidRequestError
		if errors.As(err, &invalid) {
			badRequest(c, invalid.Message)
			return
		}
		s.logger.Error("stream failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":  err.Error(),
			"status": http.StatusInternalServerError,
		})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	for n := range sub.Events {
		name, data := sseEvent(n)
		if name == "" {
			continue
		}
		c.SSEvent(name, data)
		c.Writer.Flush()
	}
}

// sseEvent maps one notification onto an SSE event name and payload.
func sseEvent(n executor.Notification) (string, any) {
	src := n.Source
	switch src.Kind {
	case transport.KindStdoutLine:
		return "stdout_line", gin.H{"line": src.Line}
	case transport.KindStderrLine:
		return "stderr_line", gin.H{"line": src.Line}
	case transport.KindProto:
		msg := src.Proto.Msg
		switch msg.Type {
		case codex.EventAgentMessage:
			return "agent_output", gin.H{"message": msg.Message}
		case codex.EventTaskComplete:
			return "task_completed", gin.H{"last_agent_message": msg.LastAgentMessage}
		case codex.EventError:
			return "error", gin.H{"message": msg.Message, "reason": msg.Reason}
		default:
			return msg.Type, msg
		}
	default:
		return "", nil
	}
}
