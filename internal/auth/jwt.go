// Package auth issues and verifies tenant bearer tokens.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	// ErrInvalidToken covers bad signatures, wrong algorithms and expired tokens
	ErrInvalidToken = errors.New("invalid token")
	// ErrMissingTenant is returned for a valid token without a tenant_id claim
	ErrMissingTenant = errors.New("token has no tenant_id claim")
)

// TenantClaims identifies the tenant a caller may route requests for
type TenantClaims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// GenerateTenantJWT signs an HS256 token for tenantID valid for ttl
func GenerateTenantJWT(tenantID string, secret []byte, ttl time.Duration) (string, int64, error) {
	if tenantID == "" {
		return "", 0, ErrMissingTenant
	}
	now := time.Now()
	expiresAt := now.Add(ttl)
	claims := TenantClaims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tenantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString(secret)
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt.Unix(), nil
}

// ValidateTenantJWT verifies the signature and expiry and returns the claims
func ValidateTenantJWT(tokenString string, secret []byte) (*TenantClaims, error) {
	claims := &TenantClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TenantID == "" {
		return nil, ErrMissingTenant
	}
	return claims, nil
}
