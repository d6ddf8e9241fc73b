package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/denizumutdereli/gatekeep/pkg/api/apierr"
	"github.com/denizumutdereli/gatekeep/pkg/captcha"
)

// CaptchaField is the JSON body field carrying the captcha token.
const CaptchaField = "captcha"

// API builds Calls for the gatekeep HTTP API.
type API struct {
	baseURL    string
	httpClient *http.Client

	mu      sync.RWMutex
	session string
}

// NewAPI targets baseURL (e.g. http://localhost:8080). A nil client gets a
// 30s timeout.
func NewAPI(baseURL string, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &API{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// SetSession sets the bearer token sent with every call. Empty clears it.
func (a *API) SetSession(token string) {
	a.mu.Lock()
	a.session = token
	a.mu.Unlock()
}

// Session returns the current bearer token.
func (a *API) Session() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.session
}

// ---------------------------------------------------------------------------
// Payloads
// ---------------------------------------------------------------------------

// RegisterRequest creates an account.
type RegisterRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginRequest authenticates by email or username.
type LoginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// ProfileRequest replaces the editable profile.
type ProfileRequest struct {
	Email       string `json:"email"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Bio         string `json:"bio"`
}

// FieldsRequest updates only the fields that are set. Changing the
// password requires CurrentPassword.
type FieldsRequest struct {
	Email           *string `json:"email,omitempty"`
	Username        *string `json:"username,omitempty"`
	DisplayName     *string `json:"displayName,omitempty"`
	Bio             *string `json:"bio,omitempty"`
	Password        *string `json:"password,omitempty"`
	CurrentPassword *string `json:"currentPassword,omitempty"`
}

// User is the public account view returned by the server.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName"`
	Bio         string    `json:"bio"`
	Verified    bool      `json:"verified"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// LoginResponse is the body of a successful login.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	User      User      `json:"user"`
}

// ---------------------------------------------------------------------------
// Captcha-gated builders - pass these to NewMutation.
// ---------------------------------------------------------------------------

func (a *API) Register(in RegisterRequest) func(token string) Call {
	return a.gated(http.MethodPost, "/v1/auth/register", in)
}

func (a *API) Login(in LoginRequest) func(token string) Call {
	return a.gated(http.MethodPost, "/v1/auth/login", in)
}

func (a *API) VerifyEmail(verifyToken string) func(token string) Call {
	return a.gated(http.MethodPost, "/v1/auth/verify", map[string]string{"token": verifyToken})
}

func (a *API) ForgotPassword(email string) func(token string) Call {
	return a.gated(http.MethodPost, "/v1/auth/forgot-password", map[string]string{"email": email})
}

func (a *API) ResetPassword(resetToken, password string) func(token string) Call {
	return a.gated(http.MethodPost, "/v1/auth/reset-password", map[string]string{"token": resetToken, "password": password})
}

func (a *API) UpdateProfile(userID string, in ProfileRequest) func(token string) Call {
	return a.gated(http.MethodPut, "/v1/users/"+url.PathEscape(userID), in)
}

func (a *API) UpdateFields(userID string, in FieldsRequest) func(token string) Call {
	return a.gated(http.MethodPatch, "/v1/users/"+url.PathEscape(userID), in)
}

func (a *API) DeleteAccount(userID, password string) func(token string) Call {
	return a.gated(http.MethodDelete, "/v1/users/"+url.PathEscape(userID), map[string]string{"password": password})
}

// ---------------------------------------------------------------------------
// Plain calls
// ---------------------------------------------------------------------------

func (a *API) Me() Call {
	return a.call(http.MethodGet, "/v1/users/me", nil)
}

func (a *API) Logout() Call {
	return a.call(http.MethodPost, "/v1/auth/logout", nil)
}

func (a *API) Health() Call {
	return a.call(http.MethodGet, "/health", nil)
}

// gated returns a builder that embeds the captcha token into payload.
func (a *API) gated(method, path string, payload any) func(token string) Call {
	return func(token string) Call {
		return func(ctx context.Context) (*http.Response, error) {
			body, err := withCaptcha(payload, token)
			if err != nil {
				return nil, err
			}
			return a.do(ctx, method, path, body)
		}
	}
}

func (a *API) call(method, path string, payload any) Call {
	return func(ctx context.Context) (*http.Response, error) {
		var body []byte
		if payload != nil {
			var err error
			if body, err = json.Marshal(payload); err != nil {
				return nil, fmt.Errorf("encoding request: %w", err)
			}
		}
		return a.do(ctx, method, path, body)
	}
}

func (a *API) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if s := a.Session(); s != "" {
		req.Header.Set("Authorization", "Bearer "+s)
	}
	return a.httpClient.Do(req)
}

func withCaptcha(payload any, token string) ([]byte, error) {
	fields := map[string]any{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("request payload must be a JSON object: %w", err)
		}
	}
	fields[CaptchaField] = token
	return json.Marshal(fields)
}

// ---------------------------------------------------------------------------
// Oracle
// ---------------------------------------------------------------------------

// Oracle returns a captcha oracle that asks the server's development
// challenge endpoint for tokens. Production clients plug in their
// provider's SDK instead.
func (a *API) Oracle() captcha.Oracle {
	return captcha.OracleFunc(func(ctx context.Context, action captcha.Action) (string, error) {
		resp, err := a.do(ctx, http.MethodGet, "/v1/captcha/challenge?action="+url.QueryEscape(string(action)), nil)
		if err != nil {
			return "", fmt.Errorf("captcha challenge: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if err != nil {
			return "", fmt.Errorf("captcha challenge: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("captcha challenge: %w", apierr.Decode(body, resp.StatusCode))
		}

		var out struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(body, &out); err != nil || out.Token == "" {
			return "", fmt.Errorf("captcha challenge: malformed response")
		}
		return out.Token, nil
	})
}
