package core

import (
	"fmt"
	"strings"
)

// Environment selects development or production behaviour for the
// components that are constructed with it (error exposure, diagnostic
// logging, access logs). It is always passed explicitly; nothing reads it
// from process-wide state.
type Environment string

const (
	EnvDevelopment Environment = "dev"
	EnvProduction  Environment = "prod"
)

// ParseEnvironment accepts the common spellings of both modes.
func ParseEnvironment(raw string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "dev", "development", "local":
		return EnvDevelopment, nil
	case "prod", "production":
		return EnvProduction, nil
	}
	return "", fmt.Errorf("unknown environment %q (want dev|prod)", raw)
}

// IsDevelopment reports whether internal error details may be exposed.
func (e Environment) IsDevelopment() bool {
	return e == EnvDevelopment
}

func (e Environment) String() string {
	return string(e)
}
