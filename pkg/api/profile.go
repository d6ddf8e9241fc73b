package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/denizumutdereli/gatekeep/pkg/api/apierr"
	"github.com/denizumutdereli/gatekeep/pkg/api/middleware"
	"github.com/denizumutdereli/gatekeep/pkg/captcha"
	"github.com/denizumutdereli/gatekeep/pkg/core"
	"github.com/denizumutdereli/gatekeep/pkg/users"
)

type profileRequest struct {
	Email       string `json:"email"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Bio         string `json:"bio"`
	Captcha     string `json:"captcha"`
}

type fieldsRequest struct {
	Email           *string `json:"email"`
	Username        *string `json:"username"`
	DisplayName     *string `json:"displayName"`
	Bio             *string `json:"bio"`
	Password        *string `json:"password"`
	CurrentPassword *string `json:"currentPassword"`
	Captcha         string  `json:"captcha"`
}

type deleteRequest struct {
	Password string `json:"password"`
	Captcha  string `json:"captcha"`
}

// GET /v1/users/me
func (s *Server) handleMe(c *middleware.Context) error {
	_, u, err := s.authenticate(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, userEnvelope{User: u.Public()})
}

// PUT /v1/users/{id} replaces the editable profile.
func (s *Server) handleUpdateProfile(c *middleware.Context) error {
	_, current, err := s.authorizeSelf(c)
	if err != nil {
		return err
	}

	var req profileRequest
	if err := c.DecodeJSON(&req); err != nil {
		return err
	}

	v := &apierr.ValidationError{}
	users.CheckEmail(v, "email", req.Email)
	users.CheckUsername(v, "username", req.Username)
	users.CheckText(v, "displayName", req.DisplayName, users.MaxDisplayNameLen)
	users.CheckText(v, "bio", req.Bio, users.MaxBioLen)
	if err := v.Err(); err != nil {
		return err
	}
	if err := s.requireCaptcha(c, req.Captcha, captcha.ActionUpdateProfile); err != nil {
		return err
	}

	return s.applyUpdate(c, current, func(u *users.User) error {
		u.Email = req.Email
		u.Username = req.Username
		u.DisplayName = strings.TrimSpace(req.DisplayName)
		u.Bio = strings.TrimSpace(req.Bio)
		return nil
	})
}

// PATCH /v1/users/{id} changes only the fields present in the body.
func (s *Server) handleUpdateFields(c *middleware.Context) error {
	_, current, err := s.authorizeSelf(c)
	if err != nil {
		return err
	}

	var req fieldsRequest
	if err := c.DecodeJSON(&req); err != nil {
		return err
	}

	v := &apierr.ValidationError{}
	if req.Email != nil {
		users.CheckEmail(v, "email", *req.Email)
	}
	if req.Username != nil {
		users.CheckUsername(v, "username", *req.Username)
	}
	if req.DisplayName != nil {
		users.CheckText(v, "displayName", *req.DisplayName, users.MaxDisplayNameLen)
	}
	if req.Bio != nil {
		users.CheckText(v, "bio", *req.Bio, users.MaxBioLen)
	}
	if req.Password != nil {
		users.CheckPassword(v, "password", *req.Password)
		if req.CurrentPassword == nil || *req.CurrentPassword == "" {
			v.Add(users.CodeRequired, "Current password is required to change the password", "currentPassword")
		}
	}
	if err := v.Err(); err != nil {
		return err
	}
	if err := s.requireCaptcha(c, req.Captcha, captcha.ActionUpdateFields); err != nil {
		return err
	}

	var newHash []byte
	if req.Password != nil {
		if err := s.hasher.Check(current.PasswordHash, *req.CurrentPassword); err != nil {
			return incorrectPassword("currentPassword", err)
		}
		if newHash, err = s.hasher.Hash(*req.Password); err != nil {
			return err
		}
	}

	return s.applyUpdate(c, current, func(u *users.User) error {
		if req.Email != nil {
			u.Email = *req.Email
		}
		if req.Username != nil {
			u.Username = *req.Username
		}
		if req.DisplayName != nil {
			u.DisplayName = strings.TrimSpace(*req.DisplayName)
		}
		if req.Bio != nil {
			u.Bio = strings.TrimSpace(*req.Bio)
		}
		if newHash != nil {
			u.PasswordHash = newHash
		}
		return nil
	})
}

// DELETE /v1/users/{id} requires the account password.
func (s *Server) handleDeleteAccount(c *middleware.Context) error {
	_, current, err := s.authorizeSelf(c)
	if err != nil {
		return err
	}

	var req deleteRequest
	if err := c.DecodeJSON(&req); err != nil {
		return err
	}

	v := &apierr.ValidationError{}
	users.CheckRequired(v, "password", req.Password, "Password is required")
	if err := v.Err(); err != nil {
		return err
	}
	if err := s.requireCaptcha(c, req.Captcha, captcha.ActionDeleteAccount); err != nil {
		return err
	}
	if err := s.hasher.Check(current.PasswordHash, req.Password); err != nil {
		return incorrectPassword("password", err)
	}

	if err := s.users.Delete(current.ID); err != nil {
		return domainError(err)
	}
	s.sessions.RevokeUser(current.ID)
	c.NoContent()
	return nil
}

// applyUpdate commits mutate and, when the email changed, resets
// verification and sends a new token.
func (s *Server) applyUpdate(c *middleware.Context, current *users.User, mutate func(u *users.User) error) error {
	var emailChanged bool
	updated, err := s.users.Update(current.ID, func(u *users.User) error {
		if err := mutate(u); err != nil {
			return err
		}
		if !strings.EqualFold(strings.TrimSpace(u.Email), current.Email) {
			emailChanged = true
			u.Verified = false
			u.VerifyToken = uuid.NewString()
		}
		return nil
	})
	if err != nil {
		return domainError(err)
	}

	if emailChanged {
		if err := s.notifier.SendVerification(c.Request.Context(), updated.Public(), updated.VerifyToken); err != nil {
			s.logger.Warn().Err(err).Str("user_id", updated.ID).Msg("verification delivery failed")
		}
	}
	return c.JSON(http.StatusOK, userEnvelope{User: updated.Public()})
}

// incorrectPassword reports a failed password confirmation as a field
// violation so the session is not mistaken for invalid.
func incorrectPassword(field string, err error) error {
	if !errors.Is(err, core.ErrInvalidCredentials) {
		return err
	}
	v := &apierr.ValidationError{}
	v.Add(users.CodeInvalidString, "Password is incorrect", field)
	return v
}
