package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/ai-relay/internal/auth"
	"github.com/suPer8Hu/ai-relay/internal/common"
)

const UserIDKey = "user_id"

// bearerToken reads "Authorization: Bearer <jwt>", falling back to the
// token query parameter used by browser websocket clients.
func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if scheme, tok, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(tok)
	}
	return strings.TrimSpace(c.Query("token"))
}

func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := bearerToken(c)
		if tok == "" {
			common.Fail(c, http.StatusUnauthorized, 40101, "missing token")
			c.Abort()
			return
		}
		uid, err := auth.ParseJWT(tok, secret)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid token")
			c.Abort()
			return
		}
		c.Set(UserIDKey, uid)
		c.Next()
	}
}

// OptionalAuth records the user id when a valid token is present and
// lets the request through as a guest otherwise.
func OptionalAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tok := bearerToken(c); tok != "" {
			if uid, err := auth.ParseJWT(tok, secret); err == nil {
				c.Set(UserIDKey, uid)
			}
		}
		c.Next()
	}
}

func UserID(c *gin.Context) (string, bool) {
	v, ok := c.Get(UserIDKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}
