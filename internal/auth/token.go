// Package auth issues and verifies HS256 bearer tokens that carry the actor
// behind a request.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"auditdesk/api/internal/util"
)

const issuer = "auditdesk"

type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name"`
	Role string `json:"role"`
}

// Actor is the verified identity of a caller.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// IssueToken signs a token for actor valid for ttl.
func IssueToken(secret []byte, actor Actor, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("token secret is empty")
	}
	if strings.TrimSpace(actor.ID) == "" || strings.TrimSpace(actor.Name) == "" {
		return "", fmt.Errorf("token actor needs an id and a name")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   actor.ID,
			ID:        util.NewID("jti"),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name: actor.Name,
		Role: actor.Role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies signature, issuer and expiry and returns the actor.
func ParseToken(secret []byte, token string) (Actor, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return Actor{}, ErrExpiredToken
	}
	if err != nil || !parsed.Valid {
		return Actor{}, ErrInvalidToken
	}
	if claims.Subject == "" || claims.Name == "" {
		return Actor{}, ErrInvalidToken
	}
	return Actor{ID: claims.Subject, Name: claims.Name, Role: claims.Role}, nil
}
