// Package auth validates agent credentials presented during the identify
// handshake.
package auth

import (
	"crypto/subtle"

	"go.uber.org/zap"

	"github.com/agentcom/agentcom/internal/common/config"
	apperrors "github.com/agentcom/agentcom/internal/common/errors"
	"github.com/agentcom/agentcom/internal/common/logger"
)

// TokenValidator checks an agent's shared secret. Implementations must be
// safe for concurrent use.
type TokenValidator interface {
	Validate(agentID, token string) error
}

// StaticValidator validates against the token map from configuration.
type StaticValidator struct {
	tokens         map[string]string
	allowAnonymous bool
	logger         *logger.Logger
}

var _ TokenValidator = (*StaticValidator)(nil)

// NewStaticValidator builds a validator from the auth configuration.
func NewStaticValidator(cfg config.AuthConfig, log *logger.Logger) *StaticValidator {
	return &StaticValidator{
		tokens:         cfg.Tokens,
		allowAnonymous: cfg.AllowAnonymous,
		logger:         log.WithFields(zap.String("component", "auth")),
	}
}

// Validate checks the agent's token in constant time.
func (v *StaticValidator) Validate(agentID, token string) error {
	if agentID == "" {
		return apperrors.InvalidArgs("agent_id", "must not be empty")
	}
	if v.allowAnonymous {
		return nil
	}

	expected, ok := v.tokens[agentID]
	if !ok {
		v.logger.Warn("Unknown agent attempted identify", zap.String("agent_id", agentID))
		return apperrors.Unauthorized("unknown agent")
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(token)) != 1 {
		v.logger.Warn("Invalid token presented", zap.String("agent_id", agentID))
		return apperrors.Unauthorized("invalid token")
	}
	return nil
}
