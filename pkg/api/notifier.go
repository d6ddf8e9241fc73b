package api

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/denizumutdereli/gatekeep/pkg/users"
)

// Notifier delivers one-time tokens to account owners.
type Notifier interface {
	SendVerification(ctx context.Context, u users.PublicUser, token string) error
	SendPasswordReset(ctx context.Context, u users.PublicUser, token string) error
}

// LogNotifier writes tokens to the log instead of mailing them. It is the
// only delivery channel gatekeep ships with.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier returns a notifier logging through logger.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notifier").Logger()}
}

func (n *LogNotifier) SendVerification(_ context.Context, u users.PublicUser, token string) error {
	n.logger.Info().Str("user_id", u.ID).Str("email", u.Email).Str("verify_token", token).Msg("verification token issued")
	return nil
}

func (n *LogNotifier) SendPasswordReset(_ context.Context, u users.PublicUser, token string) error {
	n.logger.Info().Str("user_id", u.ID).Str("email", u.Email).Str("reset_token", token).Msg("password reset token issued")
	return nil
}
