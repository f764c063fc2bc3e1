package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/huangang/swarmhub/internal/apperrors"
	"github.com/huangang/swarmhub/internal/models"
	"github.com/huangang/swarmhub/pkg/response"
)

const ContextToken = "token"

// Authenticator resolves the text of a bearer token.
type Authenticator interface {
	Authenticate(text string) (*models.Token, error)
}

// TokenAuth requires "Authorization: Bearer <token>" and stores the
// authenticated token in the context.
func TokenAuth(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.Unauthorized(c, "authorization header required")
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
			response.Unauthorized(c, "invalid authorization header format")
			c.Abort()
			return
		}

		token, err := auth.Authenticate(parts[1])
		if err != nil {
			if errors.Is(err, apperrors.ErrForbidden) {
				response.Unauthorized(c, err.Error())
			} else {
				response.Error(c, err)
			}
			c.Abort()
			return
		}

		c.Set(ContextToken, token)
		c.Next()
	}
}

// GetToken returns the token TokenAuth stored, or nil.
func GetToken(c *gin.Context) *models.Token {
	if v, exists := c.Get(ContextToken); exists {
		if token, ok := v.(*models.Token); ok {
			return token
		}
	}
	return nil
}

// GetHumanID returns the human of the authenticated token, or 0.
func GetHumanID(c *gin.Context) uint {
	if token := GetToken(c); token != nil {
		return token.HumanID
	}
	return 0
}
