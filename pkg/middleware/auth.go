package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/domain"
)

const actorKey = "actor"

// Claims is the session token issued by the dashboard's auth provider.
type Claims struct {
	Name     string      `json:"name"`
	Role     domain.Role `json:"role"`
	TenantID string      `json:"tenant_id"`
	jwt.RegisteredClaims
}

// Auth attaches the actor of a valid bearer token. Requests without a token continue
// anonymously and are rejected by the services; malformed or invalid tokens stop here.
func Auth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Next()
			return
		}

		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization format"})
			return
		}

		actor, err := ParseToken(secret, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		c.Set(actorKey, actor)
		c.Next()
	}
}

func ParseToken(secret []byte, tokenString string) (domain.Actor, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return domain.Actor{}, err
	}
	if !token.Valid {
		return domain.Actor{}, errors.New("invalid token")
	}

	actor := domain.Actor{
		ID:       claims.Subject,
		Name:     claims.Name,
		TenantID: claims.TenantID,
		Role:     claims.Role,
	}
	if !actor.Authenticated() {
		return domain.Actor{}, errors.New("token carries no subject or tenant")
	}
	return actor, nil
}

// IssueToken signs a session token for actor. Used by tooling and tests; production
// tokens come from the auth provider.
func IssueToken(secret []byte, actor domain.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name:     actor.Name,
		Role:     actor.Role,
		TenantID: actor.TenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ActorFrom returns the authenticated actor, or the zero Actor for anonymous requests.
func ActorFrom(c *gin.Context) domain.Actor {
	if v, ok := c.Get(actorKey); ok {
		if actor, ok := v.(domain.Actor); ok {
			return actor
		}
	}
	return domain.Actor{}
}
