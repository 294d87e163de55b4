// Copyright 2026 flaura42
// SPDX-License-Identifier: Apache-2.0

// Package auth issues and checks the bearer tokens the client presents to
// the reviews API.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is the iss claim of every token.
const Issuer = "restaurant-reviews"

// JWTAuth handles JWT authentication
type JWTAuth struct {
	secret []byte
}

// NewJWTAuth creates a new JWT authenticator
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{
		secret: []byte(secret),
	}
}

// Claims identifies the user and the device a review was written on.
type Claims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// GenerateToken generates a signed token for one user on one device
func (j *JWTAuth) GenerateToken(userID, deviceID string, expiration time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    Issuer,
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken validates a token and returns its claims
func (j *JWTAuth) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		if claims.DeviceID == "" {
			return nil, fmt.Errorf("missing did (device ID) in token")
		}
		if claims.Subject == "" {
			return nil, fmt.Errorf("missing sub (user ID) in token")
		}
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}

// TokenSource mints tokens for one user and device and reuses each token
// until it is close to expiry. Token matches the remote client's Token hook.
type TokenSource struct {
	auth     *JWTAuth
	userID   string
	deviceID string
	ttl      time.Duration
	now      func() time.Time

	mu     sync.Mutex
	token  string
	minted int
}

// NewTokenSource returns a source minting tokens valid for ttl.
func NewTokenSource(auth *JWTAuth, userID, deviceID string, ttl time.Duration) *TokenSource {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenSource{auth: auth, userID: userID, deviceID: deviceID, ttl: ttl, now: time.Now}
}

// Token returns a valid token. The cached token is checked against its own
// claims before reuse; a new one is minted when it no longer validates,
// names another identity or has less than a tenth of its lifetime left.
func (s *TokenSource) Token(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.reusable(s.token) {
		return s.token, nil
	}
	token, err := s.auth.GenerateToken(s.userID, s.deviceID, s.ttl)
	if err != nil {
		return "", fmt.Errorf("failed to mint token: %w", err)
	}
	s.token = token
	s.minted++
	return token, nil
}

func (s *TokenSource) reusable(token string) bool {
	claims, err := s.auth.ValidateToken(token)
	if err != nil {
		return false
	}
	if claims.Subject != s.userID || claims.DeviceID != s.deviceID || claims.ExpiresAt == nil {
		return false
	}
	return s.now().Add(s.ttl / 10).Before(claims.ExpiresAt.Time)
}
