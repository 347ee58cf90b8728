package controlplane

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// Identity is the caller identity the proxy forwards. The proxy owns
// authentication; these headers are trusted inside the private network.
type Identity struct {
	Email     string
	UserID    string
	FirstName string
	LastName  string
}

func (id Identity) known() bool {
	return id.UserID != ""
}

const identityContextKey = "caller_identity"

func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(identityContextKey, Identity{
			Email:     c.GetHeader("sso-profile-email"),
			UserID:    c.GetHeader("sso-profile-user-id"),
			FirstName: c.GetHeader("sso-profile-first-name"),
			LastName:  c.GetHeader("sso-profile-last-name"),
		})
		c.Next()
	}
}

func callerIdentity(c *gin.Context) Identity {
	id, _ := c.MustGet(identityContextKey).(Identity)
	return id
}

func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency", latency.String(),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}

		if status >= 500 {
			slog.Error("Request", attrs...)
		} else if status >= 400 {
			slog.Warn("Request", attrs...)
		} else {
			slog.Info("Request", attrs...)
		}
	}
}
