package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/denizumutdereli/gatekeep/pkg/api/apierr"
	"github.com/denizumutdereli/gatekeep/pkg/api/middleware"
	"github.com/denizumutdereli/gatekeep/pkg/captcha"
	"github.com/denizumutdereli/gatekeep/pkg/core"
	"github.com/denizumutdereli/gatekeep/pkg/users"
)

type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
	Captcha  string `json:"captcha"`
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	Captcha  string `json:"captcha"`
}

type tokenRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
	Captcha  string `json:"captcha"`
}

type forgotRequest struct {
	Email   string `json:"email"`
	Captcha string `json:"captcha"`
}

type loginResponse struct {
	Token     string           `json:"token"`
	ExpiresAt time.Time        `json:"expiresAt"`
	User      users.PublicUser `json:"user"`
}

// POST /v1/auth/register
func (s *Server) handleRegister(c *middleware.Context) error {
	var req registerRequest
	if err := c.DecodeJSON(&req); err != nil {
		return err
	}

	v := &apierr.ValidationError{}
	users.CheckEmail(v, "email", req.Email)
	users.CheckUsername(v, "username", req.Username)
	users.CheckPassword(v, "password", req.Password)
	if err := v.Err(); err != nil {
		return err
	}
	if err := s.requireCaptcha(c, req.Captcha, captcha.ActionRegister); err != nil {
		return err
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return err
	}
	u, err := s.users.Create(req.Email, req.Username, hash)
	if err != nil {
		return domainError(err)
	}

	if err := s.notifier.SendVerification(c.Request.Context(), u.Public(), u.VerifyToken); err != nil {
		s.logger.Warn().Err(err).Str("user_id", u.ID).Msg("verification delivery failed")
	}
	return c.JSON(http.StatusCreated, userEnvelope{User: u.Public()})
}

// POST /v1/auth/login
func (s *Server) handleLogin(c *middleware.Context) error {
	var req loginRequest
	if err := c.DecodeJSON(&req); err != nil {
		return err
	}

	v := &apierr.ValidationError{}
	users.CheckRequired(v, "login", req.Login, "Email or username is required")
	users.CheckRequired(v, "password", req.Password, "Password is required")
	if err := v.Err(); err != nil {
		return err
	}
	if err := s.requireCaptcha(c, req.Captcha, captcha.ActionLogin); err != nil {
		return err
	}

	u, err := s.users.FindByLogin(req.Login)
	if errors.Is(err, core.ErrUserNotFound) {
		return domainError(core.ErrInvalidCredentials)
	}
	if err != nil {
		return err
	}
	if err := s.hasher.Check(u.PasswordHash, req.Password); err != nil {
		return domainError(err)
	}

	sess := s.sessions.Create(u.ID)
	_, expiry := s.sessions.Thresholds()
	return c.JSON(http.StatusOK, loginResponse{
		Token:     sess.Token,
		ExpiresAt: sess.ExpiresAt(expiry),
		User:      u.Public(),
	})
}

// POST /v1/auth/logout
func (s *Server) handleLogout(c *middleware.Context) error {
	sess, _, err := s.authenticate(c)
	if err != nil {
		return err
	}
	s.sessions.Revoke(sess.Token)
	c.NoContent()
	return nil
}

// POST /v1/auth/verify
func (s *Server) handleVerify(c *middleware.Context) error {
	var req tokenRequest
	if err := c.DecodeJSON(&req); err != nil {
		return err
	}

	v := &apierr.ValidationError{}
	users.CheckRequired(v, "token", req.Token, "Verification token is required")
	if err := v.Err(); err != nil {
		return err
	}
	if err := s.requireCaptcha(c, req.Captcha, captcha.ActionVerify); err != nil {
		return err
	}

	u, err := s.users.FindByVerifyToken(req.Token)
	if err != nil {
		return domainError(core.ErrTokenInvalid)
	}
	u, err = s.users.Update(u.ID, func(u *users.User) error {
		u.Verified = true
		u.VerifyToken = ""
		return nil
	})
	if err != nil {
		return domainError(err)
	}
	return c.JSON(http.StatusOK, userEnvelope{User: u.Public()})
}

// POST /v1/auth/forgot-password answers 202 whether or not the address
// belongs to an account.
func (s *Server) handleForgotPassword(c *middleware.Context) error {
	var req forgotRequest
	if err := c.DecodeJSON(&req); err != nil {
		return err
	}

	v := &apierr.ValidationError{}
	users.CheckEmail(v, "email", req.Email)
	if err := v.Err(); err != nil {
		return err
	}
	if err := s.requireCaptcha(c, req.Captcha, captcha.ActionForgotPassword); err != nil {
		return err
	}

	c.Response.Status = http.StatusAccepted

	u, err := s.users.FindByLogin(req.Email)
	if err != nil {
		return nil
	}
	token := uuid.NewString()
	u, err = s.users.Update(u.ID, func(u *users.User) error {
		u.ResetDigest = users.Digest(token)
		u.ResetExpires = time.Now().Add(s.config.Session.ResetTokenTTL)
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("storing password reset token failed")
		return nil
	}
	if err := s.notifier.SendPasswordReset(c.Request.Context(), u.Public(), token); err != nil {
		s.logger.Warn().Err(err).Str("user_id", u.ID).Msg("password reset delivery failed")
	}
	return nil
}

// POST /v1/auth/reset-password
func (s *Server) handleResetPassword(c *middleware.Context) error {
	var req tokenRequest
	if err := c.DecodeJSON(&req); err != nil {
		return err
	}

	v := &apierr.ValidationError{}
	users.CheckRequired(v, "token", req.Token, "Reset token is required")
	users.CheckPassword(v, "password", req.Password)
	if err := v.Err(); err != nil {
		return err
	}
	if err := s.requireCaptcha(c, req.Captcha, captcha.ActionResetPassword); err != nil {
		return err
	}

	u, err := s.users.FindByResetDigest(users.Digest(req.Token))
	if err != nil {
		return domainError(core.ErrTokenInvalid)
	}
	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return err
	}
	if _, err := s.users.Update(u.ID, func(u *users.User) error {
		u.PasswordHash = hash
		u.ResetDigest = ""
		u.ResetExpires = time.Time{}
		return nil
	}); err != nil {
		return domainError(err)
	}

	s.sessions.RevokeUser(u.ID)
	c.NoContent()
	return nil
}
