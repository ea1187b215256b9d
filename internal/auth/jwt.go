package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWT verifies HS256 bearer tokens whose subject is the user id.
type JWT struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWT builds a JWT authenticator. The secret must be non-empty.
func NewJWT(secret []byte) (*JWT, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("jwt auth requires a secret")
	}
	return &JWT{
		secret: secret,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()),
	}, nil
}

// Authenticate validates the bearer token. When ownid is also supplied it must
// match the token subject.
func (j *JWT) Authenticate(_ context.Context, creds Credentials) (string, error) {
	raw := strings.TrimSpace(creds.Bearer)
	if raw == "" {
		return "", ErrUnauthorized
	}
	claims := &jwt.RegisteredClaims{}
	token, err := j.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return j.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrUnauthorized
	}
	if claims.Subject == "" {
		return "", ErrUnauthorized
	}
	if own := strings.TrimSpace(creds.OwnID); own != "" && own != claims.Subject {
		return "", ErrUnauthorized
	}
	return claims.Subject, nil
}
