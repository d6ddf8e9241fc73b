package users

import (
	"net/mail"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/denizumutdereli/gatekeep/pkg/api/apierr"
)

// Field limits.
const (
	MinUsernameLen    = 3
	MaxUsernameLen    = 32
	MinPasswordLen    = 8
	MaxPasswordLen    = 72 // bcrypt ignores anything longer
	MaxDisplayNameLen = 64
	MaxBioLen         = 500
	MaxEmailLen       = 254
)

// Violation codes.
const (
	CodeRequired      = "required"
	CodeInvalidString = "invalid_string"
	CodeTooSmall      = "too_small"
	CodeTooBig        = "too_big"
	CodeWeak          = "weak_password"
)

// CheckEmail records problems with an email address.
func CheckEmail(v *apierr.ValidationError, field, email string) {
	email = strings.TrimSpace(email)
	switch {
	case email == "":
		v.Add(CodeRequired, "Email is required", field)
	case len(email) > MaxEmailLen:
		v.Add(CodeTooBig, "Email is too long", field)
	default:
		addr, err := mail.ParseAddress(email)
		if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@")+1:], ".") {
			v.Add(CodeInvalidString, "Invalid email", field)
		}
	}
}

// CheckUsername records problems with a username: 3-32 letters, digits,
// '_', '-' or '.', starting with a letter or digit.
func CheckUsername(v *apierr.ValidationError, field, username string) {
	username = strings.TrimSpace(username)
	n := utf8.RuneCountInString(username)
	switch {
	case n == 0:
		v.Add(CodeRequired, "Username is required", field)
		return
	case n < MinUsernameLen:
		v.Add(CodeTooSmall, "Username must be at least 3 characters", field)
		return
	case n > MaxUsernameLen:
		v.Add(CodeTooBig, "Username must be at most 32 characters", field)
		return
	}
	for i, r := range username {
		ok := unicode.IsLetter(r) || unicode.IsDigit(r)
		if i > 0 {
			ok = ok || r == '_' || r == '-' || r == '.'
		}
		if !ok {
			v.Add(CodeInvalidString, "Username may only contain letters, digits, '_', '-' and '.'", field)
			return
		}
	}
}

// CheckPassword records problems with a new password. A strong password
// has at least three of: lowercase, uppercase, digit, symbol.
func CheckPassword(v *apierr.ValidationError, field, password string) {
	n := len(password)
	switch {
	case n == 0:
		v.Add(CodeRequired, "Password is required", field)
		return
	case n < MinPasswordLen:
		v.Add(CodeTooSmall, "Password must be at least 8 characters", field)
		return
	case n > MaxPasswordLen:
		v.Add(CodeTooBig, "Password must be at most 72 bytes", field)
		return
	}

	var lower, upper, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}
	}
	classes := 0
	for _, b := range []bool{lower, upper, digit, symbol} {
		if b {
			classes++
		}
	}
	if classes < 3 {
		v.Add(CodeWeak, "Password must mix at least three of lowercase, uppercase, digits and symbols", field)
	}
}

// CheckText records a length violation for free-text profile fields.
func CheckText(v *apierr.ValidationError, field, value string, max int) {
	if utf8.RuneCountInString(value) > max {
		v.Add(CodeTooBig, "Too long", field)
	}
}

// CheckRequired records a missing value.
func CheckRequired(v *apierr.ValidationError, field, value, message string) {
	if strings.TrimSpace(value) == "" {
		v.Add(CodeRequired, message, field)
	}
}
