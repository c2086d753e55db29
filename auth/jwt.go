package auth

import (
	stderrors "errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/Digital-Creators-Team/points-engine/errors"
	"github.com/Digital-Creators-Team/points-engine/types"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Context keys for caller information
const (
	AccountIDKey = "account_id"
	UsernameKey  = "username"
	RoleKey      = "role"
	ClaimsKey    = "claims"
)

// Roles
const (
	RoleUser    = "user"
	RoleService = "service"
	RoleAdmin   = "admin"
)

// Claims represents the JWT claims structure
type Claims struct {
	AccountID string `json:"account_id"`
	Username  string `json:"username"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// JWTConfig holds JWT middleware configuration
type JWTConfig struct {
	Secret      string
	TokenPrefix string // "Bearer"
	SkipPaths   []string
	// QueryParam, when set, is read if the Authorization header is absent.
	// Browsers cannot set headers on WebSocket or EventSource requests.
	QueryParam string
}

// DefaultJWTConfig returns default JWT configuration
func DefaultJWTConfig(secret string) JWTConfig {
	return JWTConfig{
		Secret:      secret,
		TokenPrefix: "Bearer",
		SkipPaths:   []string{"/health", "/api/health"},
		QueryParam:  "token",
	}
}

// JWTMiddleware creates a JWT authentication middleware
func JWTMiddleware(secret string, logger zerolog.Logger) gin.HandlerFunc {
	return JWTMiddlewareWithConfig(DefaultJWTConfig(secret), logger)
}

func abort(c *gin.Context, status int, code int, message string) {
	c.AbortWithStatusJSON(status, types.NewErrorResponse(status, c.Request.URL.Path, message, code))
}

// JWTMiddlewareWithConfig creates a JWT middleware with custom configuration
func JWTMiddlewareWithConfig(config JWTConfig, logger zerolog.Logger) gin.HandlerFunc {
	skipPaths := make(map[string]bool)
	for _, path := range config.SkipPaths {
		skipPaths[path] = true
	}

	return func(c *gin.Context) {
		if skipPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		tokenString, ok := extractToken(c, config)
		if !ok {
			logger.Warn().Str("path", c.Request.URL.Path).Msg("Missing or malformed credentials")
			abort(c, http.StatusUnauthorized, errors.ErrUnauthorized,
				"Missing or invalid Authorization header. Expected: Bearer <token>")
			return
		}

		claims, err := ParseToken(config.Secret, tokenString)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to parse JWT token")
			abort(c, http.StatusUnauthorized, errors.ErrUnauthorized, "Invalid or expired token")
			return
		}

		c.Set(AccountIDKey, claims.AccountID)
		c.Set(UsernameKey, claims.Username)
		c.Set(RoleKey, claims.Role)
		c.Set(ClaimsKey, claims)

		logger.Debug().
			Str("account_id", claims.AccountID).
			Str("role", claims.Role).
			Msg("JWT authentication successful")

		c.Next()
	}
}

func extractToken(c *gin.Context, config JWTConfig) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if config.QueryParam == "" {
			return "", false
		}
		token := c.Query(config.QueryParam)
		return token, token != ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != config.TokenPrefix || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// ParseToken validates an HS256 token and returns its claims
func ParseToken(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, stderrors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, stderrors.New("invalid token claims")
	}
	return claims, nil
}

// RequireRoles rejects callers whose role is not listed
func RequireRoles(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !HasRole(c, roles...) {
			abort(c, http.StatusForbidden, errors.ErrForbidden, "Insufficient role")
			return
		}
		c.Next()
	}
}

// RequireSelfOrRoles lets a caller through when the :account_id path
// parameter is its own account, or when it holds one of roles.
func RequireSelfOrRoles(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, _ := GetAccountID(c)
		if accountID != "" && accountID == c.Param("account_id") {
			c.Next()
			return
		}
		if !HasRole(c, roles...) {
			abort(c, http.StatusForbidden, errors.ErrForbidden, "Access to this account is not allowed")
			return
		}
		c.Next()
	}
}

// HasRole reports whether the caller holds one of roles
func HasRole(c *gin.Context, roles ...string) bool {
	role := c.GetString(RoleKey)
	return role != "" && slices.Contains(roles, role)
}

// GetAccountID extracts the caller's account ID from context
func GetAccountID(c *gin.Context) (string, bool) {
	accountID, exists := c.Get(AccountIDKey)
	if !exists {
		return "", false
	}
	accountIDStr, ok := accountID.(string)
	return accountIDStr, ok
}

// GetClaims extracts full claims from context
func GetClaims(c *gin.Context) (*Claims, bool) {
	claims, exists := c.Get(ClaimsKey)
	if !exists {
		return nil, false
	}
	claimsObj, ok := claims.(*Claims)
	return claimsObj, ok
}

// GenerateToken generates a new JWT token
func GenerateToken(secret, accountID, username, role string, expiration time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		AccountID: accountID,
		Username:  username,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
