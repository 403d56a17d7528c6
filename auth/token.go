package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims represents the JWT claims carried by collabd access tokens.
type Claims struct {
	PrincipalID string   `json:"principal_id"`
	DisplayName string   `json:"display_name"`
	Role        Role     `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// TokenService issues and verifies JWT access tokens. It is purely
// functional relative to its secret and the clock.
type TokenService struct {
	secret     []byte
	expiration time.Duration
	issuer     string
}

// NewTokenService creates a new token service.
func NewTokenService(secret string, expiration time.Duration, issuer string) *TokenService {
	return &TokenService{
		secret:     []byte(secret),
		expiration: expiration,
		issuer:     issuer,
	}
}

// Secret exposes the signing key for HTTP middleware that shares it.
func (s *TokenService) Secret() []byte {
	return s.secret
}

// Issue generates a signed access token for a principal.
func (s *TokenService) Issue(p Principal) (string, error) {
	if !p.Role.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, p.Role)
	}

	now := time.Now()
	claims := Claims{
		PrincipalID: p.ID,
		DisplayName: p.DisplayName,
		Role:        p.Role,
		Permissions: p.Permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			Subject:   p.ID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify validates a token and returns the principal it names. Expired
// tokens fail with ErrExpiredToken; everything else with ErrInvalidToken.
func (s *TokenService) Verify(tokenString string) (*Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.PrincipalID == "" || !claims.Role.Valid() {
		return nil, ErrInvalidToken
	}

	return &Principal{
		ID:          claims.PrincipalID,
		DisplayName: claims.DisplayName,
		Role:        claims.Role,
		Permissions: claims.Permissions,
	}, nil
}
