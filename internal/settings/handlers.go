package settings

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quillchat/backend/internal/auth"
	apierrors "github.com/quillchat/backend/internal/errors"
)

const maxSettingsSize = 64 * 1024

// RegisterRoutes mounts the settings endpoints on an authenticated group.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.GET("/settings", s.handleGet)
	r.PUT("/settings", s.handlePut)
}

func (s *Service) handleGet(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		apierrors.AbortWithUnauthorized(c, "Not authenticated", nil)
		return
	}

	doc, err := s.Get(c.Request.Context(), userID)
	if err != nil {
		s.logger.ErrorContext(c.Request.Context(), "Failed to load settings", "error", err)
		apierrors.AbortWithInternal(c, "Failed to load settings", nil)
		return
	}
	c.Data(http.StatusOK, "application/json", doc)
}

func (s *Service) handlePut(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		apierrors.AbortWithUnauthorized(c, "Not authenticated", nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSettingsSize+1))
	if err != nil {
		apierrors.AbortWithBadRequest(c, "Failed to read request body", nil)
		return
	}
	if len(body) > maxSettingsSize {
		apierrors.AbortWithBadRequest(c, "Settings payload too large", nil)
		return
	}

	if err := s.Put(c.Request.Context(), userID, json.RawMessage(body)); err != nil {
		if !json.Valid(body) {
			apierrors.AbortWithBadRequest(c, "Settings payload is not valid JSON", nil)
			return
		}
		s.logger.ErrorContext(c.Request.Context(), "Failed to save settings", "error", err)
		apierrors.AbortWithInternal(c, "Failed to save settings", nil)
		return
	}
	c.Status(http.StatusNoContent)
}
