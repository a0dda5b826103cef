package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/robot-link/robot-link-server/internal/config"
	"github.com/robot-link/robot-link-server/pkg/crypto"
)

// StaticVerifier checks tokens against a table of bcrypt hashes from the
// configuration file. It suits small fleets with pre-provisioned tokens.
type StaticVerifier struct {
	entries []config.StaticTokenConfig
}

// NewStaticVerifier creates a verifier from the configured token table.
func NewStaticVerifier(entries []config.StaticTokenConfig) (*StaticVerifier, error) {
	if len(entries) == 0 {
		return nil, errors.New("static auth requires at least one token")
	}
	for i, e := range entries {
		if e.TokenHash == "" {
			return nil, fmt.Errorf("token %d (%s): empty token_hash", i, e.Name)
		}
	}
	return &StaticVerifier{entries: entries}, nil
}

// Verify implements Verifier
func (v *StaticVerifier) Verify(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrEmptyToken
	}
	for _, e := range v.entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if crypto.VerifyToken(token, e.TokenHash) {
			return &Principal{PrincipalID: e.PrincipalID, Role: e.Role, RobotID: e.RobotID}, nil
		}
	}
	return nil, ErrInvalidToken
}

// NewVerifier builds the verifier selected by auth.mode.
func NewVerifier(cfg *config.Config) (Verifier, error) {
	switch cfg.Auth.Mode {
	case "static":
		return NewStaticVerifier(cfg.Auth.Tokens)
	case "jwt":
		if cfg.JWT.Secret == "" {
			return nil, errors.New("jwt auth requires jwt.secret")
		}
		return NewJWTManager(&cfg.JWT), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Auth.Mode)
	}
}
