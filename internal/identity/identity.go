package identity

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Provider supplies the stable id of the local user.
type Provider interface {
	UserID() string
}

// Static is a Provider with a fixed id.
type Static string

// UserID implements Provider.
func (s Static) UserID() string { return string(s) }

// Claims are the token claims the backend puts the user id in.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// FromToken extracts the user id from a bearer token without verifying its
// signature. The backend verifies the token on every request.
func FromToken(token string) (Static, error) {
	if token == "" {
		return "", errors.New("empty token")
	}
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if claims.UserID != "" {
		return Static(claims.UserID), nil
	}
	if claims.Subject != "" {
		return Static(claims.Subject), nil
	}
	return "", errors.New("token carries no user id")
}

// Resolve prefers an explicit user id and falls back to the token claims.
func Resolve(userID, token string) (Provider, error) {
	if userID != "" {
		return Static(userID), nil
	}
	return FromToken(token)
}
