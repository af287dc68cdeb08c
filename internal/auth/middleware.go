package auth

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	apierrors "github.com/quillchat/backend/internal/errors"
	"github.com/quillchat/backend/internal/logger"
)

const (
	contextKeyUserID = "auth_user_id"
	contextKeyEmail  = "auth_email"
)

// RequireAuth validates the bearer token and stores the identity on the
// request context.
func RequireAuth(tokens *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			apierrors.AbortWithUnauthorized(c, "Missing Authorization header", nil)
			return
		}

		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			apierrors.AbortWithUnauthorized(c, "Invalid Authorization header format", nil)
			return
		}

		claims, err := tokens.Verify(tokenString)
		if err != nil {
			apierrors.AbortWithUnauthorized(c, "Invalid or expired token", nil)
			return
		}

		c.Set(contextKeyUserID, claims.UserID)
		c.Set(contextKeyEmail, claims.Email)
		c.Request = c.Request.WithContext(logger.WithUserID(c.Request.Context(), strconv.FormatInt(claims.UserID, 10)))
		c.Next()
	}
}

// GetUserID returns the authenticated user ID set by RequireAuth.
func GetUserID(c *gin.Context) (int64, bool) {
	v, ok := c.Get(contextKeyUserID)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}
