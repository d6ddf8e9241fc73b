package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/denizumutdereli/gatekeep/pkg/api/apierr"
	"github.com/denizumutdereli/gatekeep/pkg/api/middleware"
	"github.com/denizumutdereli/gatekeep/pkg/captcha"
	"github.com/denizumutdereli/gatekeep/pkg/core"
	"github.com/denizumutdereli/gatekeep/pkg/daemon"
	"github.com/denizumutdereli/gatekeep/pkg/errlog"
	mcpapi "github.com/denizumutdereli/gatekeep/pkg/mcp"
	"github.com/denizumutdereli/gatekeep/pkg/session"
	"github.com/denizumutdereli/gatekeep/pkg/users"
)

// Deps are the components a Server routes requests to.
type Deps struct {
	Users    *users.Store
	Sessions *session.Manager

	// Verifier checks captcha tokens. It should already be wrapped in a
	// captcha.Ledger.
	Verifier captcha.Verifier

	// Issuer backs GET /v1/captcha/challenge. Nil disables the route.
	Issuer *captcha.DevIssuer

	Hasher   users.Hasher
	Notifier Notifier

	// ErrorLog receives production 5xx records. Nil discards them.
	ErrorLog *errlog.File

	Logger zerolog.Logger
}

// Server is the HTTP/REST API server.
type Server struct {
	config   *core.Config
	users    *users.Store
	sessions *session.Manager
	verifier captcha.Verifier
	issuer   *captcha.DevIssuer
	hasher   users.Hasher
	notifier Notifier
	errorLog *errlog.File
	limiter  *middleware.RateLimiter
	mcpLimit *middleware.RateLimiter
	logger   zerolog.Logger
	daemons  *daemon.DaemonManager

	handler    http.Handler
	mcp        http.Handler
	mcpPath    string
	httpServer *http.Server
}

// NewServer creates a new API server
func NewServer(cfg *core.Config, deps Deps) (*Server, error) {
	if deps.Users == nil || deps.Sessions == nil || deps.Verifier == nil {
		return nil, errors.New("api: users, sessions and verifier are required")
	}

	s := &Server{
		config:   cfg,
		users:    deps.Users,
		sessions: deps.Sessions,
		verifier: deps.Verifier,
		issuer:   deps.Issuer,
		hasher:   deps.Hasher,
		notifier: deps.Notifier,
		errorLog: deps.ErrorLog,
		limiter:  middleware.NewRateLimiter(cfg.Security.RateLimitRequests, cfg.Security.RateLimitWindow),
		logger:   deps.Logger,
	}
	if s.notifier == nil {
		s.notifier = NewLogNotifier(deps.Logger)
	}

	var sink errlog.Sink
	if deps.ErrorLog != nil {
		sink = deps.ErrorLog
	}

	env := cfg.Server.Env
	chain := middleware.NewChain(
		middleware.Timing(env, s.logger),
		middleware.Errors(env, s.logger, sink),
		middleware.CORS(cfg.Security.AllowedOrigins),
		s.limiter.Middleware(cfg.Security.TrustProxyHeaders),
		middleware.BodyLimit(cfg.Security.MaxRequestBody),
	)
	s.handler = chain.Then(middleware.Mount(s.routes()))

	if cfg.MCP.Enabled {
		path := cfg.MCP.Path
		if strings.TrimSpace(path) == "" {
			path = "/mcp"
		}
		if len(path) > 1 {
			path = strings.TrimRight(path, "/")
		}

		mcpCfg := mcpapi.Config{
			APIKey:            cfg.MCP.APIKey,
			Stateless:         cfg.MCP.Stateless,
			TrustProxyHeaders: cfg.Security.TrustProxyHeaders,
			AllowedTools:      cfg.MCP.AllowedTools,
		}
		if cfg.MCP.RateLimitRPS > 0 && cfg.MCP.RateLimitBurst > 0 {
			mcpCfg.Limiter = middleware.NewTokenBucket(cfg.MCP.RateLimitRPS, cfg.MCP.RateLimitBurst)
		}
		mcpHandler, err := mcpapi.NewHandler(mcpCfg, newMCPBackend(s))
		if err != nil {
			s.logger.Warn().Err(err).Msg("MCP endpoint disabled")
		} else {
			s.mcp = mcpHandler
			s.mcpPath = path
			s.mcpLimit = mcpCfg.Limiter
			s.logger.Info().Str("path", path).Bool("stateless", cfg.MCP.Stateless).Msg("MCP endpoint enabled")
		}
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      s,
		ReadTimeout:  cfg.Security.ReadTimeout,
		WriteTimeout: cfg.Security.WriteTimeout,
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.NotFound(middleware.Endpoint(func(*middleware.Context) error { return apierr.ErrNotFound }).ServeHTTP)
	r.MethodNotAllowed(middleware.Endpoint(func(*middleware.Context) error {
		return apierr.Expose(http.StatusMethodNotAllowed, "method not allowed")
	}).ServeHTTP)

	r.Method(http.MethodGet, "/health", middleware.Endpoint(s.handleHealth))

	r.Route("/v1", func(r chi.Router) {
		r.Method(http.MethodGet, "/captcha/challenge", middleware.Endpoint(s.handleChallenge))

		r.Route("/auth", func(r chi.Router) {
			r.Method(http.MethodPost, "/register", middleware.Endpoint(s.handleRegister))
			r.Method(http.MethodPost, "/login", middleware.Endpoint(s.handleLogin))
			r.Method(http.MethodPost, "/logout", middleware.Endpoint(s.handleLogout))
			r.Method(http.MethodPost, "/verify", middleware.Endpoint(s.handleVerify))
			r.Method(http.MethodPost, "/forgot-password", middleware.Endpoint(s.handleForgotPassword))
			r.Method(http.MethodPost, "/reset-password", middleware.Endpoint(s.handleResetPassword))
		})

		r.Route("/users", func(r chi.Router) {
			r.Method(http.MethodGet, "/me", middleware.Endpoint(s.handleMe))
			r.Method(http.MethodPut, "/{id}", middleware.Endpoint(s.handleUpdateProfile))
			r.Method(http.MethodPatch, "/{id}", middleware.Endpoint(s.handleUpdateFields))
			r.Method(http.MethodDelete, "/{id}", middleware.Endpoint(s.handleDeleteAccount))
		})
	})
	return r
}

// ServeHTTP routes MCP traffic around the buffered chain (the streamable
// transport needs a live ResponseWriter) and everything else through it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.isMCPPath(r.URL.Path) {
		start := time.Now()
		s.mcp.ServeHTTP(w, r)
		s.logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("took", time.Since(start)).Msg("mcp request")
		return
	}
	s.handler.ServeHTTP(w, r)
}

func (s *Server) isMCPPath(path string) bool {
	if s.mcpPath == "" {
		return false
	}
	if path == s.mcpPath {
		return true
	}
	return strings.HasPrefix(path, s.mcpPath+"/")
}

// SetDaemonManager binds the daemon manager so /health can report it.
func (s *Server) SetDaemonManager(dm *daemon.DaemonManager) {
	s.daemons = dm
}

// Limiter exposes the request rate limiter.
func (s *Server) Limiter() *middleware.RateLimiter {
	return s.limiter
}

// Limiters returns every per-client rate limiter the server feeds, for the
// daemon to prune idle clients from.
func (s *Server) Limiters() []daemon.LimiterPruner {
	out := []daemon.LimiterPruner{s.limiter}
	if s.mcpLimit != nil {
		out = append(out, s.mcpLimit)
	}
	return out
}

// Start starts the server. Uses TLS if configured.
func (s *Server) Start() error {
	if s.config.Security.TLSCert != "" && s.config.Security.TLSKey != "" {
		s.logger.Info().Str("addr", s.config.Server.HTTPAddr).Msg("gatekeep API server starting (TLS)")
		return s.httpServer.ListenAndServeTLS(s.config.Security.TLSCert, s.config.Security.TLSKey)
	}
	s.logger.Info().Str("addr", s.config.Server.HTTPAddr).Msg("gatekeep API server starting")
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ---------------------------------------------------------------------------
// Shared handler plumbing
// ---------------------------------------------------------------------------

// requireCaptcha checks the token submitted with a mutation. Rejections are
// exposed as 403; a provider that cannot be reached is a hidden 503.
func (s *Server) requireCaptcha(c *middleware.Context, token string, action captcha.Action) error {
	err := captcha.Require(c.Request.Context(), s.verifier, token, action, middleware.ClientIP(c.Request, s.config.Security.TrustProxyHeaders))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrCaptchaRejected):
		return &apierr.HTTPError{Status: http.StatusForbidden, Message: apierr.ErrCaptcha.Message, Expose: true, Err: err}
	default:
		return apierr.Hide(http.StatusServiceUnavailable, err)
	}
}

// authenticate resolves the bearer session and its account.
func (s *Server) authenticate(c *middleware.Context) (session.Session, *users.User, error) {
	token := bearerToken(c.Request)
	if token == "" {
		return session.Session{}, nil, apierr.ErrUnauthorized
	}
	sess, err := s.sessions.Resolve(token)
	if err != nil {
		return session.Session{}, nil, &apierr.HTTPError{Status: http.StatusUnauthorized, Message: "unauthorized", Expose: true, Err: err}
	}
	u, err := s.users.Get(sess.UserID)
	if err != nil {
		s.sessions.Revoke(token)
		return session.Session{}, nil, &apierr.HTTPError{Status: http.StatusUnauthorized, Message: "unauthorized", Expose: true, Err: err}
	}
	return sess, u, nil
}

// authorizeSelf authenticates and checks that {id} is the caller's own
// account.
func (s *Server) authorizeSelf(c *middleware.Context) (session.Session, *users.User, error) {
	sess, u, err := s.authenticate(c)
	if err != nil {
		return sess, nil, err
	}
	if chi.URLParam(c.Request, "id") != u.ID {
		return sess, nil, apierr.ErrForbidden
	}
	return sess, u, nil
}

func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// domainError maps store and credential sentinels to exposed client errors.
// Anything unrecognised is returned unchanged and classifies as a 500.
func domainError(err error) error {
	expose := func(status int, message string) error {
		return &apierr.HTTPError{Status: status, Message: message, Expose: true, Err: err}
	}
	switch {
	case errors.Is(err, core.ErrEmailTaken):
		return expose(http.StatusConflict, core.ErrEmailTaken.Error())
	case errors.Is(err, core.ErrUsernameTaken):
		return expose(http.StatusConflict, core.ErrUsernameTaken.Error())
	case errors.Is(err, core.ErrInvalidCredentials):
		return expose(http.StatusUnauthorized, core.ErrInvalidCredentials.Error())
	case errors.Is(err, core.ErrUserNotFound):
		return expose(http.StatusNotFound, core.ErrUserNotFound.Error())
	case errors.Is(err, core.ErrTokenInvalid):
		return expose(http.StatusBadRequest, core.ErrTokenInvalid.Error())
	}
	return err
}

type userEnvelope struct {
	User users.PublicUser `json:"user"`
}

func (s *Server) handleHealth(c *middleware.Context) error {
	body := map[string]any{
		"status":   "healthy",
		"env":      s.config.Server.Env.String(),
		"users":    s.users.Count(),
		"sessions": s.sessions.Count(),
	}
	if s.daemons != nil {
		body["daemons"] = s.daemons.Stats()
	}
	return c.JSON(http.StatusOK, body)
}

func (s *Server) handleChallenge(c *middleware.Context) error {
	if s.issuer == nil {
		return apierr.ErrNotFound
	}
	action, err := captcha.ParseAction(c.Request.URL.Query().Get("action"))
	if err != nil {
		v := &apierr.ValidationError{}
		v.Add(users.CodeInvalidString, fmt.Sprintf("Unknown action %q", c.Request.URL.Query().Get("action")), "action")
		return v
	}
	token, err := s.issuer.Issue(action)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"token": token, "action": string(action)})
}
