package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"event_messenger/internal/domain"
	"event_messenger/pkg/logger"
)

const callerKey = "caller"

// ExternalAuthMiddleware валидирует JWT токены от внешнего Auth-сервиса.
// Пользователей здесь не создаем: каталог пользователей ведет маркетплейс.
type ExternalAuthMiddleware struct {
	jwtSecret []byte
	issuer    string
	log       logger.Logger
}

// ExternalJWTClaims - claims, которые выпускает Auth-сервис маркетплейса
type ExternalJWTClaims struct {
	UserID      string   `json:"user_id"`
	Email       string   `json:"email"`
	DisplayName string   `json:"display_name"`
	Plan        string   `json:"plan"`
	Roles       []string `json:"roles"`
	jwt.RegisteredClaims
}

func NewExternalAuthMiddleware(jwtSecret, issuer string, log logger.Logger) *ExternalAuthMiddleware {
	return &ExternalAuthMiddleware{
		jwtSecret: []byte(jwtSecret),
		issuer:    issuer,
		log:       log,
	}
}

// RequireAuth требует валидный JWT токен. Браузер не умеет ставить заголовки
// на websocket, поэтому для него токен принимается из ?access_token=.
func (m *ExternalAuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			m.log.Debug("Missing or malformed Authorization header", "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required", "code": "UNAUTHENTICATED"})
			return
		}

		claims, err := m.parseToken(tokenString)
		if err != nil {
			m.log.Warn("Token validation failed", "error", err.Error())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token", "code": "UNAUTHENTICATED"})
			return
		}

		if strings.TrimSpace(claims.UserID) == "" {
			m.log.Warn("Token without user_id")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid user ID in token", "code": "UNAUTHENTICATED"})
			return
		}

		c.Set(callerKey, domain.Caller{
			UserID:      claims.UserID,
			Email:       claims.Email,
			DisplayName: claims.DisplayName,
			Tier:        claims.Plan,
			Roles:       claims.Roles,
		})
		c.Next()
	}
}

// RequireRole пропускает только пользователей с глобальной ролью role
func (m *ExternalAuthMiddleware) RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := GetCaller(c)
		if !ok || !caller.HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Insufficient permissions", "code": "ACCESS_DENIED"})
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		token := c.Query("access_token")
		return token, token != ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// parseToken парсит и валидирует JWT токен
func (m *ExternalAuthMiddleware) parseToken(tokenString string) (*ExternalJWTClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &ExternalJWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.jwtSecret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*ExternalJWTClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token claims")
}

// GetCaller извлекает пользователя, которого положил RequireAuth
func GetCaller(c *gin.Context) (domain.Caller, bool) {
	v, ok := c.Get(callerKey)
	if !ok {
		return domain.Caller{}, false
	}
	caller, ok := v.(domain.Caller)
	return caller, ok
}

// SetCaller нужен тестам хендлеров, которые не выпускают токены
func SetCaller(c *gin.Context, caller domain.Caller) {
	c.Set(callerKey, caller)
}
