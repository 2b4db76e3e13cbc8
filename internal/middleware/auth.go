package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/zhejian/url-shortener/internal/model"
)

const principalKey = "principal"

// Principal extracts the caller identity from a bearer token issued by the
// auth service. The token subject is stored as an opaque principal id.
// Requests without a valid token continue anonymously; use RequirePrincipal
// on routes that need an owner.
func Principal(secret []byte, issuer string) gin.HandlerFunc {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(c *gin.Context) {
		raw, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok || len(secret) == 0 {
			c.Next()
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return secret, nil
		})
		if err == nil && token.Valid && claims.Subject != "" {
			c.Set(principalKey, claims.Subject)
		}
		c.Next()
	}
}

// RequirePrincipal rejects requests that carry no verified principal.
func RequirePrincipal() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := PrincipalFrom(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, model.ErrorResponse{
				Error:   http.StatusText(http.StatusUnauthorized),
				Message: "Authentication required",
			})
			return
		}
		c.Next()
	}
}

// PrincipalFrom returns the principal id set by Principal, if any.
func PrincipalFrom(c *gin.Context) (string, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
