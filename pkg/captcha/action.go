// Package captcha covers both ends of gatekeep's human-verification step.
//
// Clients arm a Gate, which asks an Oracle for a fresh single-use token and
// hands it to the mutation that needs it. Servers check that token with a
// Verifier, wrapped in a Ledger so no token is accepted twice.
package captcha

import (
	"fmt"
	"strings"
)

// Action identifies the sensitive operation a token was issued for, so the
// provider can score each kind of request separately.
type Action string

const (
	ActionLogin          Action = "login"
	ActionRegister       Action = "register"
	ActionForgotPassword Action = "forgot_password"
	ActionResetPassword  Action = "reset_password"
	ActionVerify         Action = "verify"
	ActionUpdateProfile  Action = "update_profile"
	ActionUpdateFields   Action = "update_fields"
	ActionDeleteAccount  Action = "delete_account"
)

var allActions = []Action{
	ActionLogin,
	ActionRegister,
	ActionForgotPassword,
	ActionResetPassword,
	ActionVerify,
	ActionUpdateProfile,
	ActionUpdateFields,
	ActionDeleteAccount,
}

// Actions lists every known action.
func Actions() []Action {
	return append([]Action(nil), allActions...)
}

// ParseAction validates a wire value.
func ParseAction(raw string) (Action, error) {
	a := Action(strings.TrimSpace(raw))
	if !a.Valid() {
		return "", fmt.Errorf("unknown captcha action %q", raw)
	}
	return a, nil
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	for _, known := range allActions {
		if a == known {
			return true
		}
	}
	return false
}

func (a Action) String() string { return string(a) }
