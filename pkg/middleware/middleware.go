package middleware

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/p2p-bridge/pkg/response"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client and path group.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	authLimit  rate.Limit
	adminLimit rate.Limit
}

// NewRateLimiter limits token requests to authPerMinute and every other
// admin call to adminPerMinute, per client.
func NewRateLimiter(authPerMinute, adminPerMinute int) *RateLimiter {
	return &RateLimiter{
		visitors:   make(map[string]*visitor),
		authLimit:  rate.Limit(float64(authPerMinute) / 60.0),
		adminLimit: rate.Limit(float64(adminPerMinute) / 60.0),
	}
}

func (rl *RateLimiter) getLimiter(path, clientID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	var (
		limit rate.Limit
		group string
	)
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		limit, group = rl.authLimit, "auth"
	case strings.HasPrefix(path, "/api/v1"):
		limit, group = rl.adminLimit, "admin"
	default:
		limit, group = rate.Inf, "open"
	}

	key := clientID + ":" + group
	v, exists := rl.visitors[key]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(limit, 5)}
		rl.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// RunCleanup drops clients idle for more than three minutes until ctx is done.
func (rl *RateLimiter) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.cleanup(3 * time.Minute)
		}
	}
}

func (rl *RateLimiter) cleanup(idle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, v := range rl.visitors {
		if time.Since(v.lastSeen) > idle {
			delete(rl.visitors, key)
		}
	}
}

func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString("clientID")
		if clientID == "" {
			clientID = c.ClientIP()
		}

		r := rl.getLimiter(c.FullPath(), clientID).Reserve()
		if delay := r.Delay(); delay > 0 {
			r.Cancel()
			retry := int(math.Ceil(delay.Seconds()))
			if delay == rate.InfDuration {
				retry = 60
			}
			log.Warn().
				Str("component", "admin_api").
				Str("client_id", clientID).
				Str("path", c.FullPath()).
				Msg("rate limit exceeded")
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.", retry)
			return
		}

		c.Next()
	}
}

// JWTAuth accepts HS256 bearer tokens signed with secret that carry a
// client_id claim.
func JWTAuth(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		claims, err := validateAndExtractClaims(c, key)
		if err != nil {
			return
		}

		for k, value := range claims {
			c.Set(k, value)
		}
		c.Set("claims", claims)
		if clientID, ok := claims["client_id"].(string); ok {
			c.Set("clientID", clientID)
		}

		c.Next()
	}
}

func validateAndExtractClaims(c *gin.Context, key []byte) (jwt.MapClaims, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		response.Unauthorized(c, "Authorization header required")
		return nil, fmt.Errorf("authorization header required")
	}

	bearerToken := strings.Split(authHeader, " ")
	if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
		response.Unauthorized(c, "Invalid authorization header format")
		return nil, fmt.Errorf("invalid authorization header format")
	}

	token, err := jwt.Parse(bearerToken[1], func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		response.Unauthorized(c, "Invalid token")
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		response.Unauthorized(c, "Invalid token claims")
		return nil, fmt.Errorf("invalid token claims")
	}

	for _, claim := range []string{"client_id", "exp"} {
		if _, exists := claims[claim]; !exists {
			response.Unauthorized(c, fmt.Sprintf("Missing required claim: %s", claim))
			return nil, fmt.Errorf("missing claim %s", claim)
		}
	}
	return claims, nil
}

// Logger writes one structured line per request.
func Logger() gin.HandlerFunc {
	logger := log.With().Str("component", "admin_api").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		evt := logger.Info()
		if c.Writer.Status() >= 500 {
			evt = logger.Error()
		}
		evt.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_id", c.GetString("clientID")).
			Msg("request")
	}
}
