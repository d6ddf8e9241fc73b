package core

import "errors"

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailTaken         = errors.New("email already registered")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenInvalid       = errors.New("token invalid or expired")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionExpired     = errors.New("session expired")
	ErrCaptchaRejected    = errors.New("captcha verification failed")
	ErrCaptchaReplayed    = errors.New("captcha token already used")
	ErrPersistenceFailed  = errors.New("failed to persist users")
)
