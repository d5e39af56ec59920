package server

import (
	"crypto"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// SessionTokenClaims are the claims carried by a bearer session token.
type SessionTokenClaims struct {
	Identity string `json:"identity"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// GenerateSessionToken issues an HMAC-SHA256 signed session token for an
// identity.
func GenerateSessionToken(config *SessionConfig, identity, username string) (string, error) {
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &SessionTokenClaims{
		Identity: identity,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(config.GetTokenExpiry())),
		},
	})
	signed, err := token.SignedString([]byte(config.EncryptionKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// VerifySessionToken resolves the identity behind a bearer token. Invoked
// once per new connection.
func VerifySessionToken(config *SessionConfig, tokenString string) (identity, username string, err error) {
	if tokenString == "" {
		return "", "", ErrMissingAuthToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &SessionTokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if s, ok := token.Method.(*jwt.SigningMethodHMAC); !ok || s.Hash != crypto.SHA256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(config.EncryptionKey), nil
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidAuthToken, err)
	}

	claims, ok := token.Claims.(*SessionTokenClaims)
	if !ok || !token.Valid || claims.Identity == "" {
		return "", "", ErrInvalidAuthToken
	}
	return claims.Identity, claims.Username, nil
}
