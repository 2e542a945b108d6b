package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stocksage/stocksage/gateway/internal/domain/entity"
	"github.com/stocksage/stocksage/gateway/internal/domain/service"
	apperrors "github.com/stocksage/stocksage/gateway/pkg/errors"
)

// ChatHandler serves the chat endpoints.
type ChatHandler struct {
	turns  TurnRunner
	store  ConversationClearer
	logger *zap.Logger
}

func NewChatHandler(turns TurnRunner, store ConversationClearer, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		turns:  turns,
		store:  store,
		logger: logger.With(zap.String("handler", "chat")),
	}
}

// chatRequest is the body of POST /chat and POST /chat/stream. Deployment
// pins a model alias; SystemPrompt replaces the configured prompt for this
// turn.
type chatRequest struct {
	Prompt         string `json:"prompt"`
	Deployment     string `json:"deployment,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	SystemPrompt   string `json:"system_prompt,omitempty"`
}

type chatResponse struct {
	Answer         string       `json:"answer"`
	ConversationID string       `json:"conversation_id"`
	Model          string       `json:"model"`
	Usage          entity.Usage `json:"usage"`
	Cached         bool         `json:"cached"`
}

func (r *chatRequest) turnRequest(c *gin.Context) *service.TurnRequest {
	return &service.TurnRequest{
		ConversationID: r.ConversationID,
		UserID:         c.ClientIP(),
		Prompt:         r.Prompt,
		Model:          r.Deployment,
		SystemPrompt:   r.SystemPrompt,
	}
}

// Chat handles POST /chat: run the turn to completion, return the aggregate.
func (h *ChatHandler) Chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	result, err := h.turns.Chat(c.Request.Context(), req.turnRequest(c))
	if err != nil {
		h.logger.Warn("Chat turn failed", zap.Error(err))
		c.JSON(apperrors.HTTPStatus(err), gin.H{"error": apperrors.SafeMessage(err)})
		return
	}

	c.JSON(http.StatusOK, chatResponse{
		Answer:         result.Answer,
		ConversationID: result.ConversationID,
		Model:          result.Model,
		Usage:          result.Usage,
		Cached:         result.Cached,
	})
}

// ChatStream handles POST /chat/stream: the same turn, streamed as SSE.
// Errors that pre-empt the turn (blank prompt, unknown alias) come back as
// plain JSON; once streaming starts, failures arrive as error events.
func (h *ChatHandler) ChatStream(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	_, events, err := h.turns.ExecuteTurn(c.Request.Context(), req.turnRequest(c))
	if err != nil {
		c.JSON(apperrors.HTTPStatus(err), gin.H{"error": apperrors.SafeMessage(err)})
		return
	}

	streamSSE(c, events)
}

// Clear handles POST /chat/clear: drop the conversation transcript.
func (h *ChatHandler) Clear(c *gin.Context) {
	var req struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ConversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id is required"})
		return
	}

	if err := h.store.Clear(req.ConversationID); err != nil {
		c.JSON(apperrors.HTTPStatus(err), gin.H{"error": apperrors.SafeMessage(err)})
		return
	}
	c.Status(http.StatusNoContent)
}
