package chats

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/quillchat/backend/internal/auth"
	apierrors "github.com/quillchat/backend/internal/errors"
	"github.com/quillchat/backend/internal/relay"
	"github.com/quillchat/backend/internal/settings"
)

// RegisterRoutes mounts the chat endpoints on an authenticated group.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.POST("/chats", s.handleCreateChat)
	r.GET("/chats", s.handleListChats)
	r.PATCH("/chats/:chatID", s.handleRenameChat)
	r.DELETE("/chats/:chatID", s.handleDeleteChat)
	r.GET("/chats/:chatID/messages", s.handleGetMessages)
	r.POST("/chats/:chatID/messages", s.handlePostMessage)
	r.GET("/chats/:chatID/stream", s.handleStream)
	r.POST("/chats/:chatID/stop", s.handleStop)
}

type createChatRequest struct {
	Name string `json:"name"`
	// first user message, used to generate a title when no name is given
	ChatNameContent string `json:"chatNameContent"`
	Model           string `json:"model" binding:"required"`
}

func (s *Service) handleCreateChat(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		apierrors.AbortWithUnauthorized(c, "Not authenticated", nil)
		return
	}

	var req createChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "Invalid request body", map[string]interface{}{"error": err.Error()})
		return
	}

	chat, err := s.CreateChat(c.Request.Context(), userID, req.Name, req.Model, req.ChatNameContent)
	if err != nil {
		s.logger.ErrorContext(c.Request.Context(), "Failed to create chat", "error", err)
		apierrors.AbortWithInternal(c, "Failed to create chat", nil)
		return
	}
	c.JSON(http.StatusCreated, chat)
}

func (s *Service) handleListChats(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		apierrors.AbortWithUnauthorized(c, "Not authenticated", nil)
		return
	}

	chats, err := s.ListChats(c.Request.Context(), userID)
	if err != nil {
		s.logger.ErrorContext(c.Request.Context(), "Failed to list chats", "error", err)
		apierrors.AbortWithInternal(c, "Failed to list chats", nil)
		return
	}
	c.JSON(http.StatusOK, chats)
}

type renameChatRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *Service) handleRenameChat(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		apierrors.AbortWithUnauthorized(c, "Not authenticated", nil)
		return
	}
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}

	var req renameChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "Invalid request body", map[string]interface{}{"error": err.Error()})
		return
	}

	chat, err := s.RenameChat(c.Request.Context(), userID, chatID, req.Name)
	if err != nil {
		s.abortServiceError(c, err, "Failed to rename chat")
		return
	}
	c.JSON(http.StatusOK, chat)
}

func (s *Service) handleDeleteChat(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		apierrors.AbortWithUnauthorized(c, "Not authenticated", nil)
		return
	}
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}

	if err := s.DeleteChat(c.Request.Context(), userID, chatID); err != nil {
		s.abortServiceError(c, err, "Failed to delete chat")
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Service) handleGetMessages(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		apierrors.AbortWithUnauthorized(c, "Not authenticated", nil)
		return
	}
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}

	messages, err := s.Messages(c.Request.Context(), userID, chatID)
	if err != nil {
		s.abortServiceError(c, err, "Failed to load messages")
		return
	}
	c.JSON(http.StatusOK, messages)
}

type postMessageRequest struct {
	Content     string             `json:"content"`
	Model       string             `json:"model"`
	Attachments []AttachmentUpload `json:"attachments"`
	UseSearch   bool               `json:"useSearch"`
}

type postMessageResponse struct {
	MessageID   string     `json:"messageId"`
	UserMessage MessageDto `json:"userMessage"`
}

func (s *Service) handlePostMessage(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		apierrors.AbortWithUnauthorized(c, "Not authenticated", nil)
		return
	}
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}

	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "Invalid request body", map[string]interface{}{"error": err.Error()})
		return
	}
	if req.Content == "" && len(req.Attachments) == 0 {
		apierrors.AbortWithBadRequest(c, "Message must have content or attachments", nil)
		return
	}

	result, err := s.PostMessage(c.Request.Context(), userID, chatID, PostMessageParams{
		Content:     req.Content,
		Model:       req.Model,
		Attachments: req.Attachments,
		UseSearch:   req.UseSearch,
	})
	if err != nil {
		switch {
		case errors.Is(err, relay.ErrGenerationActive):
			apierrors.AbortWithConflict(c, "A response is already being generated for this chat", nil)
		case errors.Is(err, settings.ErrNoAPIKey):
			apierrors.AbortWithBadRequest(c, "No OpenRouter API key configured in settings", nil)
		case errors.Is(err, ErrChatNotFound):
			apierrors.AbortWithNotFound(c, "Chat not found", nil)
		case isValidationError(err):
			apierrors.AbortWithBadRequest(c, err.Error(), nil)
		default:
			s.logger.ErrorContext(c.Request.Context(), "Failed to post message", "error", err)
			apierrors.AbortWithInternal(c, "Failed to post message", nil)
		}
		return
	}

	c.JSON(http.StatusCreated, postMessageResponse{
		MessageID:   result.AssistantMessageID,
		UserMessage: result.UserMessage,
	})
}

// handleStream relays the chat's in-flight generation as server-sent events:
// accumulated text first, then live deltas, then a done event.
func (s *Service) handleStream(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		apierrors.AbortWithUnauthorized(c, "Not authenticated", nil)
		return
	}
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}

	sub, err := s.Subscribe(c.Request.Context(), userID, chatID)
	if err != nil {
		if errors.Is(err, relay.ErrNoActiveGeneration) {
			apierrors.AbortWithNotFound(c, "No active generation for this chat", nil)
			return
		}
		s.abortServiceError(c, err, "Failed to subscribe to stream")
		return
	}
	defer s.Unsubscribe(chatID, sub.ID)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		apierrors.AbortWithInternal(c, "Streaming not supported", nil)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ev, open := <-sub.C:
			if !open {
				return
			}
			if ev.Done {
				writeDoneEvent(c.Writer, ev.Err)
				flusher.Flush()
				return
			}
			writeContentEvent(c.Writer, ev.Text)
			flusher.Flush()
		}
	}
}

func writeContentEvent(w http.ResponseWriter, text string) {
	payload, _ := json.Marshal(map[string]string{"content": text})
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

func writeDoneEvent(w http.ResponseWriter, streamErr error) {
	body := map[string]string{}
	if streamErr != nil {
		body["error"] = streamErr.Error()
	}
	payload, _ := json.Marshal(body)
	fmt.Fprintf(w, "event: done\ndata: %s\n\n", payload)
}

func (s *Service) handleStop(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		apierrors.AbortWithUnauthorized(c, "Not authenticated", nil)
		return
	}
	chatID, ok := chatIDParam(c)
	if !ok {
		return
	}

	if err := s.Stop(c.Request.Context(), userID, chatID); err != nil {
		if errors.Is(err, relay.ErrNoActiveGeneration) {
			apierrors.AbortWithNotFound(c, "No active generation for this chat", nil)
			return
		}
		s.abortServiceError(c, err, "Failed to stop generation")
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

func chatIDParam(c *gin.Context) (string, bool) {
	chatID := c.Param("chatID")
	if _, err := uuid.Parse(chatID); err != nil {
		apierrors.AbortWithBadRequest(c, "Invalid chat ID", nil)
		return "", false
	}
	return chatID, true
}

func (s *Service) abortServiceError(c *gin.Context, err error, message string) {
	if errors.Is(err, ErrChatNotFound) {
		apierrors.AbortWithNotFound(c, "Chat not found", nil)
		return
	}
	s.logger.ErrorContext(c.Request.Context(), message, "error", err)
	apierrors.AbortWithInternal(c, message, nil)
}

// isValidationError reports whether the error came from attachment
// validation rather than infrastructure.
func isValidationError(err error) bool {
	var validationErr *attachmentError
	return errors.As(err, &validationErr)
}
