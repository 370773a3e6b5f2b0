package testutil

import (
	"time"

	"agentworks/pkg/auth"

	"github.com/golang-jwt/jwt/v5"
)

// JWTTestHelper provides utilities for JWT testing
type JWTTestHelper struct {
	Secret []byte
}

// NewJWTTestHelper creates a new JWT test helper with a default test secret
func NewJWTTestHelper() *JWTTestHelper {
	return &JWTTestHelper{
		Secret: []byte("test-secret-for-unit-tests"),
	}
}

// NewJWTTestHelperWithSecret creates a new JWT test helper with a custom secret
func NewJWTTestHelperWithSecret(secret []byte) *JWTTestHelper {
	return &JWTTestHelper{
		Secret: secret,
	}
}

// GenerateValidJWT generates a valid JWT token for testing
func (h *JWTTestHelper) GenerateValidJWT(userID string, workspaceIDs []string, role string) (string, error) {
	return auth.GenerateJWT(userID, workspaceIDs, role, h.Secret)
}

// GenerateExpiredJWT generates an expired JWT token for testing
func (h *JWTTestHelper) GenerateExpiredJWT(userID string, workspaceIDs []string, role string) (string, error) {
	claims := &auth.Claims{
		UserID:       userID,
		WorkspaceIDs: workspaceIDs,
		Role:         role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-1 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.Secret)
}

// GenerateMalformedJWT generates a malformed JWT for testing error scenarios
func (h *JWTTestHelper) GenerateMalformedJWT() string {
	return "invalid.jwt.token.format"
}

// GenerateJWTWithWrongSecret generates a JWT with wrong secret for testing
func (h *JWTTestHelper) GenerateJWTWithWrongSecret(userID string, workspaceIDs []string, role string) (string, error) {
	return auth.GenerateJWT(userID, workspaceIDs, role, []byte("wrong-secret"))
}

// ValidateJWT validates a JWT using the test helper's secret
func (h *JWTTestHelper) ValidateJWT(tokenString string) (*auth.Claims, error) {
	return auth.ValidateJWT(tokenString, h.Secret)
}

// TestUser represents a test user for JWT generation
type TestUser struct {
	UserID       string
	WorkspaceIDs []string
	Role         string
}

// DefaultTestUser returns a default test user
func DefaultTestUser() TestUser {
	return TestUser{
		UserID:       "test-user-123",
		WorkspaceIDs: []string{"test-workspace-456"},
		Role:         "user",
	}
}

// AdminTestUser returns an admin test user
func AdminTestUser() TestUser {
	return TestUser{
		UserID: "admin-user-999",
		Role:   "admin",
	}
}

// GenerateJWT generates a JWT for the test user
func (u TestUser) GenerateJWT(helper *JWTTestHelper) (string, error) {
	return helper.GenerateValidJWT(u.UserID, u.WorkspaceIDs, u.Role)
}
