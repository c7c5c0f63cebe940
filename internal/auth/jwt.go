// Package auth derives a user identity for a sync connection from a JWT
// bearer credential. A missing or invalid credential downgrades to an
// anonymous identity instead of refusing the connection; mutation rights are
// decided later by the permission registry, not here.
package auth

import (
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims are the JWT claims carried by an access token.
type TokenClaims struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Color  string `json:"color,omitempty"`
	jwt.RegisteredClaims
}

// Errors for token validation
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrShortSecret  = errors.New("JWT secret must be at least 32 characters")
)

// VerifyToken verifies and decodes an access token.
func VerifyToken(tokenString, secret string) (*TokenClaims, error) {
	if len(secret) < 32 {
		return nil, ErrShortSecret
	}

	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*TokenClaims); ok && token.Valid {
		if claims.UserID == "" {
			return nil, ErrInvalidToken
		}
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// GenerateAccessToken signs an access token for a user.
func GenerateAccessToken(userID, name, email, secret string, expiresIn time.Duration) (string, error) {
	if len(secret) < 32 {
		return "", ErrShortSecret
	}

	now := time.Now()
	claims := &TokenClaims{
		UserID: userID,
		Name:   name,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Identity is the resolved actor behind a connection.
type Identity struct {
	UserID    string
	Name      string
	Email     string
	Color     string
	Anonymous bool
}

// Display colors handed to anonymous identities.
var anonColors = []string{
	"#e06c75", "#61afef", "#98c379", "#c678dd",
	"#d19a66", "#56b6c2", "#e5c07b", "#be5046",
}

// AnonymousIdentity synthesises an anon-<number> identity with a random
// display color.
func AnonymousIdentity() Identity {
	n := rand.Intn(1_000_000)
	return Identity{
		UserID:    fmt.Sprintf("anon-%d", n),
		Name:      fmt.Sprintf("Anonymous %d", n),
		Color:     anonColors[rand.Intn(len(anonColors))],
		Anonymous: true,
	}
}

// TokenFromRequest extracts the bearer credential from the `token` query
// parameter or the Authorization header. Empty string when absent.
func TokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

// IdentityFromRequest resolves the identity for an incoming connection. Any
// failure falls back to an anonymous identity rather than an error;
// mutation rights are checked per update by the permission registry.
func IdentityFromRequest(r *http.Request, secret string) Identity {
	token := TokenFromRequest(r)
	if token == "" {
		return AnonymousIdentity()
	}
	claims, err := VerifyToken(token, secret)
	if err != nil {
		return AnonymousIdentity()
	}

	identity := Identity{
		UserID: claims.UserID,
		Name:   claims.Name,
		Email:  claims.Email,
		Color:  claims.Color,
	}
	if identity.Color == "" {
		identity.Color = anonColors[rand.Intn(len(anonColors))]
	}
	return identity
}
