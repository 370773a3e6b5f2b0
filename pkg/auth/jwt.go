package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidJWT      = errors.New("invalid JWT token")
	ErrExpiredJWT      = errors.New("JWT token expired")
	ErrUnauthenticated = errors.New("authentication required")
)

// Claims represents JWT claims with workspace context
type Claims struct {
	UserID       string   `json:"user_id"`
	APIKeyID     string   `json:"api_key_id,omitempty"`
	WorkspaceIDs []string `json:"workspace_ids,omitempty"`
	Role         string   `json:"role"`
	jwt.RegisteredClaims
}

// GenerateJWT creates a new JWT token for client sessions
func GenerateJWT(userID string, workspaceIDs []string, role string, secret []byte) (string, error) {
	claims := &Claims{
		UserID:       userID,
		WorkspaceIDs: workspaceIDs,
		Role:         role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(15 * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateJWT validates a JWT token and returns its claims
func ValidateJWT(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Verify the signing method to prevent algorithm confusion attacks
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredJWT
		}
		return nil, ErrInvalidJWT
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidJWT
}

// ContextFromClaims derives the identity context used by authorization.
func ContextFromClaims(claims *Claims) Context {
	return Context{
		UserID:       claims.UserID,
		APIKeyID:     claims.APIKeyID,
		WorkspaceIDs: claims.WorkspaceIDs,
		IsAdmin:      claims.Role == "admin",
	}
}
