package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/robot-link/robot-link-server/internal/config"
)

// Common errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrEmptyToken   = errors.New("empty token")
)

// Principal is the identity a bearer token resolves to.
type Principal struct {
	PrincipalID int64  `json:"principalId"`
	Role        string `json:"role"`
	// RobotID is set when the token is bound to one device.
	RobotID string `json:"robotId,omitempty"`
}

// Verifier resolves bearer tokens to principals. Implementations must
// honor ctx cancellation so callers can bound verification time.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Principal, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, token string) (*Principal, error)

// Verify calls f(ctx, token).
func (f VerifierFunc) Verify(ctx context.Context, token string) (*Principal, error) {
	return f(ctx, token)
}

// JWTManager verifies HS256 tokens and mints them for tooling and tests
type JWTManager struct {
	config *config.JWTConfig
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(cfg *config.JWTConfig) *JWTManager {
	return &JWTManager{
		config: cfg,
	}
}

// Claims represents JWT claims
type Claims struct {
	jwt.RegisteredClaims
	PrincipalID int64  `json:"principal_id"`
	Role        string `json:"role"`
	RobotID     string `json:"robot_id,omitempty"`
}

// GenerateToken signs a token for the given principal
func (m *JWTManager) GenerateToken(p Principal) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(p.PrincipalID, 10),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.AccessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    m.config.Issuer,
			ID:        uuid.New().String(),
		},
		PrincipalID: p.PrincipalID,
		Role:        p.Role,
		RobotID:     p.RobotID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.config.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken validates a token
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if m.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.config.Issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.Secret), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// Verify implements Verifier
func (m *JWTManager) Verify(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrEmptyToken
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	claims, err := m.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	return &Principal{
		PrincipalID: claims.PrincipalID,
		Role:        claims.Role,
		RobotID:     claims.RobotID,
	}, nil
}
