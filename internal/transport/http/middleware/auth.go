// Package middleware carries the HTTP-layer cross-cutting concerns: JWT
// authentication and per-IP rate limiting. Grounded on the teacher's
// internal/middleware package, adapted from uuid.UUID subjects to the
// int64 user IDs this domain's entities use, and from *config.Config to
// *config.CoreConfig.
package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/cloudlearn/corelms/internal/config"
	"github.com/cloudlearn/corelms/internal/oracle"
)

// Claims is the JWT payload this service expects. UserID is carried as a
// string so standard numeric claim encoding survives round-tripping
// through jwt-go's map[string]any claim representation.
type Claims struct {
	UserID string      `json:"user_id"`
	Role   oracle.Role `json:"role"`
	jwt.RegisteredClaims
}

// Auth validates the bearer token and sets user_id/role in the gin context.
// Requests with a missing or invalid token are aborted with 401.
func Auth(cfg *config.CoreConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "Unauthorized", "message": "missing authorization header"})
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "Unauthorized", "message": "invalid authorization header format"})
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			return []byte(cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "Unauthorized", "message": "invalid token"})
			return
		}

		userID, err := strconv.ParseInt(claims.UserID, 10, 64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "Unauthorized", "message": "invalid subject claim"})
			return
		}

		c.Set("user_id", userID)
		c.Set("role", claims.Role)
		c.Next()
	}
}

// GetUserID extracts the authenticated user ID set by Auth.
func GetUserID(c *gin.Context) (int64, error) {
	v, exists := c.Get("user_id")
	if !exists {
		return 0, http.ErrNoCookie
	}
	return v.(int64), nil
}

// GetRole extracts the authenticated user's role set by Auth.
func GetRole(c *gin.Context) oracle.Role {
	v, _ := c.Get("role")
	role, _ := v.(oracle.Role)
	return role
}

// RequireRole aborts with 403 unless the authenticated user holds one of
// the given roles.
func RequireRole(roles ...oracle.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := GetRole(c)
		for _, r := range roles {
			if r == role {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "Forbidden", "message": "insufficient permissions"})
	}
}
