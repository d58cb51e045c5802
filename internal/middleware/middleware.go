package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"medroute/internal/config"
)

const (
	// ActorHeader names the caller when no bearer token is presented
	ActorHeader = "X-Actor-ID"
	// RequestIDHeader carries the request correlation id
	RequestIDHeader = "X-Request-ID"

	actorKey     = "actor"
	roleKey      = "role"
	requestIDKey = "request_id"
)

// Claims are the bearer token claims medroute understands
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// CORS handles CORS headers
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID, X-Actor-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RequestID adds a unique request id to each request
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeader, requestID)
		c.Set(requestIDKey, requestID)
		c.Next()
	}
}

// Logging logs each HTTP request
func Logging(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.Info("HTTP Request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("actor", c.GetString(actorKey)),
			zap.String("ip", c.ClientIP()),
		)
	}
}

// Identify resolves the caller. A valid bearer token sets actor and role from its
// claims; otherwise the actor header is used and no role is granted.
func Identify(cfg config.AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokenString, ok := bearerToken(c); ok {
			if claims, err := ParseToken(cfg, tokenString); err == nil {
				c.Set(actorKey, claims.Subject)
				c.Set(roleKey, claims.Role)
				c.Next()
				return
			}
		}
		if actor := strings.TrimSpace(c.GetHeader(ActorHeader)); actor != "" {
			c.Set(actorKey, actor)
		}
		c.Next()
	}
}

// RequireRole rejects requests without a valid bearer token carrying one of roles
func RequireRole(cfg config.AuthConfig, roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Bearer token required"})
			return
		}

		claims, err := ParseToken(cfg, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		for _, r := range roles {
			if claims.Role == r {
				c.Set(actorKey, claims.Subject)
				c.Set(roleKey, claims.Role)
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Insufficient permissions"})
	}
}

// ParseToken validates an HS256 token issued by cfg.Issuer
func ParseToken(cfg config.AuthConfig, tokenString string) (*Claims, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(cfg.JWTSecret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// IssueToken signs a token for subject with role, valid for ttl
func IssueToken(cfg config.AuthConfig, subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString([]byte(cfg.JWTSecret))
}

// Actor returns the identified caller, or "" when none was presented
func Actor(c *gin.Context) string {
	return c.GetString(actorKey)
}

// Role returns the caller's role from a verified token
func Role(c *gin.Context) string {
	return c.GetString(roleKey)
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	tokenString := strings.TrimPrefix(header, "Bearer ")
	if header == "" || tokenString == header || tokenString == "" {
		return "", false
	}
	return tokenString, true
}
