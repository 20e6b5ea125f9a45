// Copyright 2025 Tillworks
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tillworks/possync/internal/auth"
)

// JWTAuth handles JWT authentication for both the sync gateway and the
// realtime relay handshake.
type JWTAuth struct {
	secret []byte
}

// NewJWTAuth creates a new JWT authenticator
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{
		secret: []byte(secret),
	}
}

// JWTClaims represents JWT claims for a provisioned POS terminal
type JWTClaims struct {
	TerminalID string `json:"tid"` // Terminal ID
	jwt.RegisteredClaims
}

// GenerateToken generates a JWT token for a terminal belonging to a store
func (j *JWTAuth) GenerateToken(storeID, terminalID string, expiration time.Duration) (string, error) {
	claims := &JWTClaims{
		TerminalID: terminalID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "possync",
			Subject:   storeID, // Store ID goes in standard 'sub' claim
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken validates a JWT token and returns the claims
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		if claims.TerminalID == "" {
			return nil, fmt.Errorf("missing tid (terminal ID) in token")
		}
		if claims.Subject == "" {
			return nil, fmt.Errorf("missing sub (store ID) in token")
		}
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}

// AuthenticateToken validates a raw token and returns the store and terminal
// it was issued for. The realtime relay uses this for its handshake.
func (j *JWTAuth) AuthenticateToken(tokenString string) (storeID, terminalID string, err error) {
	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		return "", "", err
	}
	return claims.Subject, claims.TerminalID, nil
}

// GetStoreID returns the request's store identity. When Middleware already
// ran, the identity comes from the request context; otherwise the bearer
// token is validated directly.
func (j *JWTAuth) GetStoreID(r *http.Request) (string, error) {
	if storeID, ok := auth.GetStoreID(r.Context()); ok {
		return storeID, nil
	}
	claims, err := j.requestClaims(r)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// GetTerminalID returns the request's terminal identity, from the context
// when Middleware already ran or from the bearer token otherwise.
func (j *JWTAuth) GetTerminalID(r *http.Request) (string, error) {
	if terminalID, ok := auth.GetTerminalID(r.Context()); ok {
		return terminalID, nil
	}
	claims, err := j.requestClaims(r)
	if err != nil {
		return "", err
	}
	return claims.TerminalID, nil
}

func (j *JWTAuth) requestClaims(r *http.Request) (*JWTClaims, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, fmt.Errorf("authorization header required")
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader {
		return nil, fmt.Errorf("bearer token required")
	}

	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return claims, nil
}

// Middleware returns an HTTP middleware for JWT authentication
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		bearerToken := strings.Split(authHeader, " ")
		if len(bearerToken) != 2 || bearerToken[0] != "Bearer" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		claims, err := j.ValidateToken(bearerToken[1])
		if err != nil {
			tokenPrefix := bearerToken[1]
			if len(tokenPrefix) > 20 {
				tokenPrefix = tokenPrefix[:20]
			}
			slog.Error("JWT validation failed", "error", err, "token_prefix", tokenPrefix)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := auth.SetAuthContext(r.Context(), claims.Subject, claims.TerminalID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
