package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tgsuite/backend/internal/logger"
)

// Middleware returns a gin middleware for JWT authentication. On success
// the caller's user id, organization id and role are set in the context;
// handlers read them with GetUserID/GetOrgID.
func Middleware(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authorization header required",
			})
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid authorization header format",
			})
			return
		}

		claims, err := ParseAccessToken(parts[1], jwtSecret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("org_id", claims.OrganizationID)
		c.Set("email", claims.Email)
		c.Set("role", claims.Role)
		c.Set("claims", claims)

		// Downstream log lines pick the user id up from the context
		c.Request = c.Request.WithContext(logger.WithUserID(c.Request.Context(), claims.UserID))

		c.Next()
	}
}

// RateLimitMiddleware rate limits by client IP
func RateLimitMiddleware(limiter *RateLimiter, config RateLimitConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := limiter.CheckIP(c.Request.Context(), c.ClientIP(), config)
		if err != nil {
			// Redis trouble should not lock everyone out
			c.Next()
			return
		}

		setRateLimitHeaders(c, result)

		if !result.Allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": result.RetryAfter.Seconds(),
			})
			return
		}

		c.Next()
	}
}

// UserRateLimitMiddleware rate limits by authenticated user, falling back
// to IP when the request is anonymous
func UserRateLimitMiddleware(limiter *RateLimiter, config RateLimitConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, exists := GetUserID(c)
		if !exists {
			RateLimitMiddleware(limiter, config)(c)
			return
		}

		result, err := limiter.CheckUser(c.Request.Context(), userID.String(), config)
		if err != nil {
			c.Next()
			return
		}

		setRateLimitHeaders(c, result)

		if !result.Allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": result.RetryAfter.Seconds(),
			})
			return
		}

		c.Next()
	}
}

// GetUserID extracts the authenticated user id from gin context
func GetUserID(c *gin.Context) (uuid.UUID, bool) {
	userID, exists := c.Get("user_id")
	if !exists {
		return uuid.Nil, false
	}
	id, ok := userID.(uuid.UUID)
	return id, ok
}

// GetOrgID extracts the caller's organization id from gin context
func GetOrgID(c *gin.Context) (uuid.UUID, bool) {
	orgID, exists := c.Get("org_id")
	if !exists {
		return uuid.Nil, false
	}
	id, ok := orgID.(uuid.UUID)
	return id, ok
}

// GetClaims extracts the full token claims from gin context
func GetClaims(c *gin.Context) (*Claims, bool) {
	claims, exists := c.Get("claims")
	if !exists {
		return nil, false
	}
	parsed, ok := claims.(*Claims)
	return parsed, ok
}

// RequireRole allows only callers whose token carries one of the given
// roles. Owners pass every check.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, exists := c.Get("role")
		if !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
			})
			return
		}

		current, _ := role.(string)
		if current == "owner" {
			c.Next()
			return
		}
		for _, allowed := range roles {
			if current == allowed {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": "insufficient role",
		})
	}
}
