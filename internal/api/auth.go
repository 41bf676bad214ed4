package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// operatorSubject is the fixed JWT subject for the single engine-operator
// bearer token; the outward interface has no concept of per-user accounts.
const operatorSubject = "operator"

// operatorTokenTTL is long-lived: the token is minted once per process
// start and meant to be copied into the dashboard's config, not rotated
// per request.
const operatorTokenTTL = 30 * 24 * time.Hour

type operatorClaims struct {
	jwt.RegisteredClaims
}

// IssueOperatorToken mints the one bearer token this process will accept
// on its mutating endpoints, signed with secret (pkg/config's JWTSecret).
func IssueOperatorToken(secret string) (string, error) {
	claims := operatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operatorSubject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(operatorTokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func parseOperatorToken(tokenStr, secret string) error {
	token, err := jwt.ParseWithClaims(tokenStr, &operatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return err
	}
	claims, ok := token.Claims.(*operatorClaims)
	if !ok || !token.Valid || claims.Subject != operatorSubject {
		return errors.New("invalid operator token")
	}
	return nil
}

// AuthMiddleware enforces the operator bearer token on mutating routes.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "MISSING_TOKEN",
				"error": "missing Authorization header",
			})
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "INVALID_AUTH_HEADER",
				"error": "invalid Authorization header",
			})
			return
		}
		if err := parseOperatorToken(parts[1], secret); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "INVALID_TOKEN",
				"error": "invalid or expired token",
			})
			return
		}
		c.Next()
	}
}
