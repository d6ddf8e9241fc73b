// Package mcp exposes read-only gatekeep administration tools over the
// Model Context Protocol (streamable HTTP transport).
package mcp

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/denizumutdereli/gatekeep/pkg/api/middleware"
)

const (
	toolUserLookup   = "gatekeep_user_lookup"
	toolErrorLogTail = "gatekeep_error_log_tail"

	defaultTail = 20
	maxTail     = 500
)

// Config controls MCP route behavior.
type Config struct {
	APIKey    string
	Stateless bool

	// Limiter throttles each client address. Nil disables rate limiting.
	Limiter *middleware.RateLimiter

	// TrustProxyHeaders keys the limiter by X-Forwarded-For / X-Real-IP.
	TrustProxyHeaders bool

	AllowedTools []string
}

// Backend is the minimal capability contract exposed to MCP tools.
type Backend interface {
	// LookupUser resolves an account by id, email or username and returns
	// its public view.
	LookupUser(ctx context.Context, key string) (map[string]any, error)

	// TailErrors returns up to n of the most recent error log records.
	TailErrors(ctx context.Context, n int) ([]map[string]any, error)
}

// NewHandler builds an MCP streamable HTTP handler with optional API-key auth
// and endpoint-local rate limiting.
func NewHandler(cfg Config, backend Backend) (http.Handler, error) {
	s, err := newServer(cfg, backend)
	if err != nil {
		return nil, err
	}

	streamable := mcpserver.NewStreamableHTTPServer(s, mcpserver.WithStateLess(cfg.Stateless))
	var h http.Handler = http.HandlerFunc(streamable.ServeHTTP)

	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		h = apiKeyMiddleware(key, h)
	}
	if cfg.Limiter != nil {
		h = rateLimitMiddleware(cfg.Limiter, cfg.TrustProxyHeaders, h)
	}

	return h, nil
}

func newServer(cfg Config, backend Backend) (*mcpserver.MCPServer, error) {
	if backend == nil {
		return nil, fmt.Errorf("mcp backend is required")
	}

	s := mcpserver.NewMCPServer(
		"gatekeep-mcp",
		"1.0.0",
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
	)
	registerTools(s, backend, cfg.AllowedTools)
	return s, nil
}

func registerTools(s *mcpserver.MCPServer, backend Backend, allowed []string) {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, name := range allowed {
		name = strings.TrimSpace(name)
		if name != "" {
			allowedSet[name] = struct{}{}
		}
	}
	isAllowed := func(name string) bool {
		if len(allowedSet) == 0 {
			return true
		}
		_, ok := allowedSet[name]
		return ok
	}

	if isAllowed(toolUserLookup) {
		s.AddTool(mcpproto.NewTool(toolUserLookup,
			mcpproto.WithDescription("Look up a gatekeep account by id, email or username. Credentials are never returned."),
			mcpproto.WithString("key", mcpproto.Required(), mcpproto.Description("User id, email address or username.")),
		), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			key := strings.TrimSpace(getString(req.GetArguments(), "key", ""))
			if key == "" {
				return errResult("key is required"), nil
			}
			result, err := backend.LookupUser(ctx, key)
			if err != nil {
				return errResult(err.Error()), nil
			}
			return structuredResult("user found", result)
		})
	}

	if isAllowed(toolErrorLogTail) {
		s.AddTool(mcpproto.NewTool(toolErrorLogTail,
			mcpproto.WithDescription("Return the most recent server error records (status, url, error)."),
			mcpproto.WithNumber("n", mcpproto.Description("Number of records (optional, default 20, max 500).")),
		), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			n := getInt(req.GetArguments(), "n", defaultTail)
			if n <= 0 {
				n = defaultTail
			}
			if n > maxTail {
				n = maxTail
			}
			records, err := backend.TailErrors(ctx, n)
			if err != nil {
				return errResult(err.Error()), nil
			}
			return structuredResult(fmt.Sprintf("%d error records", len(records)), map[string]any{
				"records": records,
				"count":   len(records),
			})
		})
	}
}

func errResult(msg string) *mcpproto.CallToolResult {
	return &mcpproto.CallToolResult{
		Content: []mcpproto.Content{
			mcpproto.TextContent{Type: "text", Text: "Error: " + msg},
		},
		IsError: true,
	}
}

func structuredResult(summary string, data any) (*mcpproto.CallToolResult, error) {
	blob, err := json.Marshal(data)
	if err != nil {
		return errResult(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return &mcpproto.CallToolResult{
		Content: []mcpproto.Content{
			mcpproto.TextContent{Type: "text", Text: summary},
			mcpproto.TextContent{Type: "text", Text: string(blob)},
		},
	}, nil
}

func getString(args map[string]any, key string, def string) string {
	if args == nil {
		return def
	}
	if v, ok := args[key].(string); ok {
		return v
	}
	return def
}

func getInt(args map[string]any, key string, def int) int {
	if args == nil {
		return def
	}
	v, ok := args[key].(float64)
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return def
	}
	return int(v)
}

func apiKeyMiddleware(expected string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		provided := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if provided == "" {
			auth := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				provided = strings.TrimSpace(auth[7:])
			}
		}

		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rateLimitMiddleware(rl *middleware.RateLimiter, trustProxy bool, next http.Handler) http.Handler {
	retryAfter := strconv.Itoa(rl.RetryAfter())
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(middleware.ClientIP(r, trustProxy)) {
			w.Header().Set("Retry-After", retryAfter)
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
