package middleware

import (
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/d60-Lab/approval-gate/pkg/response"
)

const ContextOperatorKey = "operator"

var ErrJWTSecretMissing = errors.New("jwt secret is not configured")

// Claims 运维 token 载荷
type Claims struct {
	jwt.RegisteredClaims
}

// IssueToken 签发 HS256 token
func IssueToken(secret, issuer, subject string, ttl time.Duration, now time.Time) (string, time.Time, error) {
	if secret == "" {
		return "", time.Time{}, ErrJWTSecretMissing
	}
	expiresAt := now.Add(ttl)
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ParseToken 校验签名、算法与有效期
func ParseToken(secret, issuer, tokenString string) (*Claims, error) {
	if secret == "" {
		return nil, ErrJWTSecretMissing
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// JWTAuth Authorization: Bearer <token>
func JWTAuth(secret, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			response.ServiceUnavailable(c, "operator api disabled")
			return
		}
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			response.Unauthorized(c, "missing bearer token")
			return
		}
		claims, err := ParseToken(secret, issuer, token)
		if err != nil {
			response.Unauthorized(c, "invalid token")
			return
		}
		c.Set(ContextOperatorKey, claims.Subject)
		c.Next()
	}
}

// Operator 当前请求的运维身份
func Operator(c *gin.Context) string {
	return c.GetString(ContextOperatorKey)
}
