package core

import (
	"fmt"
	"net/url"
	"strings"
)

// ---------------------------------------------------------------------------
// Connection String Parser
// ---------------------------------------------------------------------------
//
// gatekeep connection strings are URI-style:
//
//   gatekeep://[session@]host1[:port1][,host2[:port2]...]
//
// Examples:
//   gatekeep://localhost:8080
//   gatekeep://9f1c…@localhost:8080
//   gatekeep+tls://api.example.com
//
// The user-info part, when present, is the bearer session token returned
// by a login. The first host is used; the rest are kept for callers that
// want to fail over.

// DefaultPort is appended to hosts given without one.
const DefaultPort = "8080"

// ConnInfo holds parsed connection string components.
type ConnInfo struct {
	// Scheme is the protocol scheme ("gatekeep" or "gatekeep+tls").
	Scheme string

	// Session is the bearer session token (empty if not provided).
	Session string

	// Hosts is a list of host:port pairs. At least one is always present.
	Hosts []string

	// TLS is true when the scheme is "gatekeep+tls".
	TLS bool
}

// ParseConnString parses a gatekeep connection string.
func ParseConnString(raw string) (*ConnInfo, error) {
	if raw == "" {
		return nil, fmt.Errorf("connection string must not be empty")
	}

	info := &ConnInfo{}
	switch {
	case strings.HasPrefix(raw, "gatekeep+tls://"):
		info.Scheme = "gatekeep+tls"
		info.TLS = true
	case strings.HasPrefix(raw, "gatekeep://"):
		info.Scheme = "gatekeep"
	default:
		return nil, fmt.Errorf("connection string must start with gatekeep:// or gatekeep+tls://, got: %s", raw)
	}

	// Replace scheme with http:// so net/url can parse it
	normalized := strings.Replace(raw, info.Scheme+"://", "http://", 1)
	parsed, err := url.Parse(normalized)
	if err != nil {
		return nil, fmt.Errorf("invalid connection string: %w", err)
	}

	if parsed.User != nil {
		info.Session = parsed.User.Username()
	}

	hostPart := parsed.Host
	if hostPart == "" {
		return nil, fmt.Errorf("connection string must contain at least one host")
	}
	for _, h := range strings.Split(hostPart, ",") {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if !strings.Contains(h, ":") {
			h += ":" + DefaultPort
		}
		info.Hosts = append(info.Hosts, h)
	}
	if len(info.Hosts) == 0 {
		return nil, fmt.Errorf("connection string must contain at least one host")
	}

	return info, nil
}

// String reconstructs the connection string (session masked).
func (c *ConnInfo) String() string {
	var sb strings.Builder
	sb.WriteString(c.Scheme)
	sb.WriteString("://")
	if c.Session != "" {
		sb.WriteString("***@")
	}
	sb.WriteString(strings.Join(c.Hosts, ","))
	return sb.String()
}

// PrimaryHost returns the first host in the list.
func (c *ConnInfo) PrimaryHost() string {
	if len(c.Hosts) == 0 {
		return ""
	}
	return c.Hosts[0]
}

// BaseURL returns the HTTP(S) base URL for the primary host.
func (c *ConnInfo) BaseURL() string {
	scheme := "http"
	if c.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, c.PrimaryHost())
}
