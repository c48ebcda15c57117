package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nexcode/codex-gateway/internal/executor"
)

// JSON-RPC 2.0 error codes.
const (
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcInternalError  = -32603
)

var rpcMethods = []string{"conversation.prompt", "conversation.status", "conversation.cancel"}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// handleJSONRPC serves the JSON-RPC 2.0 surface. The HTTP status is always
// 200; errors live in the response body.
func (s *Server) handleJSONRPC(c *gin.Context) {
	var req rpcRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: rpcInvalidRequest, Message: "invalid request"},
			ID:      nil,
		})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		c.JSON(http.StatusOK, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: rpcInvalidRequest, Message: "invalid request"},
			ID:      req.ID,
		})
		return
	}

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}

	switch req.Method {
	case "conversation.prompt":
		resp.Result, resp.Error = s.rpcPrompt(c, req.Params)
	case "conversation.status":
		resp.Result, resp.Error = s.rpcStatus(req.Params)
	case "conversation.cancel":
		resp.Result, resp.Error = s.rpcCancel(req.Params)
	default:
		resp.Error = &rpcError{
			Code:    rpcMethodNotFound,
			Message: "method not found",
			Data:    gin.H{"available_methods": rpcMethods},
		}
	}

	c.JSON(http.StatusOK, resp)
}

type rpcPromptParams struct {
	Prompt    *string `json:"prompt"`
	SessionID string  `json:"session_id"`
}

func (s *Server) rpcPrompt(c *gin.Context, params json.RawMessage) (any, *rpcError) {
	var p rpcPromptParams
	if err := json.Unmarshal(params, &p); err != nil || p.Prompt == nil {
		return nil, &rpcError{Code: rpcInvalidParams, Message: "prompt is required"}
	}

	result, err := s.exec.Execute(c.Request.Context(), executor.Request{
		Prompt:    *p.Prompt,
		SessionID: p.SessionID,
	})
	if err != nil {
		var invalid *executor.InvalidRequestError
		if errors.As(err, &invalid) {
			return nil, &rpcError{Code: rpcInvalidParams, Message: invalid.Message}
		}
		s.logger.Error("jsonrpc prompt failed", zap.Error(err))
		return nil, &rpcError{Code: rpcInternalError, Message: err.Error()}
	}
	return result, nil
}

type rpcSessionParams struct {
	SessionID string `json:"session_id"`
}

func (s *Server) rpcStatus(params json.RawMessage) (any, *rpcError) {
	var p rpcSessionParams
	if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" {
		return nil, &rpcError{Code: rpcInvalidParams, Message: "session_id is required"}
	}

	meta, ok := s.exec.Manager().Status(p.SessionID)
	if !ok {
		return gin.H{"status": "not_found"}, nil
	}
	return gin.H{
		"status":          "active",
		"conversation_id": meta.ConversationID,
		"metadata":        meta,
	}, nil
}

func (s *Server) rpcCancel(params json.RawMessage) (any, *rpcError) {
	var p rpcSessionParams
	if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" {
		return nil, &rpcError{Code: rpcInvalidParams, Message: "session_id is required"}
	}

	id, ok := s.exec.Manager().Cancel(p.SessionID)
	if !ok {
		return nil, &rpcError{Code: rpcInvalidParams, Message: "unknown session_id"}
	}
	return gin.H{"cancelled": true, "conversation_id": id}, nil
}
