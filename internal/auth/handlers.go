package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apierrors "github.com/quillchat/backend/internal/errors"
)

type credentialsRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// RegisterRoutes mounts the register and login endpoints.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.POST("/auth/register", s.handleRegister)
	r.POST("/auth/login", s.handleLogin)
}

func (s *Service) handleRegister(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "Invalid request body", map[string]interface{}{"error": err.Error()})
		return
	}

	token, err := s.Register(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, ErrUserExists) {
			apierrors.AbortWithConflict(c, "User already exists", nil)
			return
		}
		s.logger.ErrorContext(c.Request.Context(), "Registration failed", "error", err)
		apierrors.AbortWithInternal(c, "Failed to register user", nil)
		return
	}

	c.JSON(http.StatusCreated, tokenResponse{Token: token})
}

func (s *Service) handleLogin(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "Invalid request body", map[string]interface{}{"error": err.Error()})
		return
	}

	token, err := s.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			apierrors.AbortWithUnauthorized(c, "Invalid email or password", nil)
			return
		}
		s.logger.ErrorContext(c.Request.Context(), "Login failed", "error", err)
		apierrors.AbortWithInternal(c, "Failed to log in", nil)
		return
	}

	c.JSON(http.StatusOK, tokenResponse{Token: token})
}
