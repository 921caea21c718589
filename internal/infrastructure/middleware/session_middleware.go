package middleware

import (
	"net/http"
	"strings"

	"wiregate/internal/core/domain"
	"wiregate/internal/core/ports"

	"github.com/gin-gonic/gin"
)

// SessionKey is the gin context key holding the resolved session.
const SessionKey = "session"

// SessionMiddleware resolves the bearer credential into a session and
// rejects requests without a logged-in one. Signaling operations always
// require an identity.
func SessionMiddleware(resolver ports.SessionResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		credential := bearerCredential(c)
		if credential == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			c.Abort()
			return
		}

		session, err := resolver.Resolve(credential)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}
		if !session.LoggedIn {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "session required"})
			c.Abort()
			return
		}

		c.Set(SessionKey, session)
		c.Next()
	}
}

// OptionalSessionMiddleware resolves a session when a credential is
// present but lets anonymous requests through.
func OptionalSessionMiddleware(resolver ports.SessionResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		if credential := bearerCredential(c); credential != "" {
			if session, err := resolver.Resolve(credential); err == nil && session.LoggedIn {
				c.Set(SessionKey, session)
			}
		}
		c.Next()
	}
}

// SessionFromContext returns the session placed by the middleware.
func SessionFromContext(c *gin.Context) (*domain.Session, bool) {
	val, exists := c.Get(SessionKey)
	if !exists {
		return nil, false
	}
	session, ok := val.(*domain.Session)
	return session, ok
}

func bearerCredential(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}
