package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/denizumutdereli/gatekeep/pkg/api"
	"github.com/denizumutdereli/gatekeep/pkg/api/apierr"
	"github.com/denizumutdereli/gatekeep/pkg/captcha"
	"github.com/denizumutdereli/gatekeep/pkg/client"
	"github.com/denizumutdereli/gatekeep/pkg/core"
	"github.com/denizumutdereli/gatekeep/pkg/session"
	"github.com/denizumutdereli/gatekeep/pkg/users"
)

func newTestCLI(t *testing.T) (*cli, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()

	cfg := core.DefaultConfig()
	cfg.Server.Env = core.EnvDevelopment
	cfg.Storage.DataPath = t.TempDir()
	cfg.Captcha.Provider = "dev"

	store, err := users.NewStore(cfg.Storage.DataPath, false)
	if err != nil {
		t.Fatal(err)
	}
	issuer := captcha.NewDevIssuer()
	srv, err := api.NewServer(cfg, api.Deps{
		Users:    store,
		Sessions: session.NewManager(cfg.Session.IdleThreshold, cfg.Session.ExpiryThreshold),
		Verifier: captcha.NewLedger(issuer),
		Issuer:   issuer,
		Hasher:   users.NewHasher(4),
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	conn, err := core.ParseConnString("gatekeep://" + strings.TrimPrefix(ts.URL, "http://"))
	if err != nil {
		t.Fatal(err)
	}
	var out, errOut bytes.Buffer
	c := &cli{
		conn:       conn,
		httpClient: ts.Client(),
		out:        &out,
		errOut:     &errOut,
	}
	c.api = client.NewAPI(conn.BaseURL(), c.httpClient)
	return c, &out, &errOut
}

func TestCLI_RegisterAndLogin(t *testing.T) {
	c, out, _ := newTestCLI(t)
	ctx := context.Background()

	err := c.mutate(ctx, captcha.ActionRegister, c.api.Register(client.RegisterRequest{
		Email: "ana@example.com", Username: "ana", Password: "Str0ngPass!",
	}))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !strings.Contains(out.String(), `"username": "ana"`) {
		t.Errorf("expected pretty-printed user, got %s", out.String())
	}

	out.Reset()
	if err := c.mutate(ctx, captcha.ActionLogin, c.api.Login(client.LoginRequest{Login: "ana", Password: "Str0ngPass!"})); err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := c.printSessionHint(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "--connect gatekeep://") {
		t.Errorf("expected a session connection string, got %s", out.String())
	}
}

func TestCLI_ValidationFailurePrintsFields(t *testing.T) {
	c, _, errOut := newTestCLI(t)

	err := c.mutate(context.Background(), captcha.ActionRegister, c.api.Register(client.RegisterRequest{
		Email: "not-an-email", Username: "ana", Password: "Str0ngPass!",
	}))
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("expected a 400 failure, got %v", err)
	}
	if !strings.Contains(errOut.String(), "email:") {
		t.Errorf("expected the email violation, got %q", errOut.String())
	}
}

func TestCLI_FixedCaptchaToken(t *testing.T) {
	c, _, errOut := newTestCLI(t)
	c.captchaToken = "not-issued"

	err := c.mutate(context.Background(), captcha.ActionRegister, c.api.Register(client.RegisterRequest{
		Email: "ana@example.com", Username: "ana", Password: "Str0ngPass!",
	}))
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("expected 403 for an unknown token, got %v", err)
	}
	if !strings.Contains(errOut.String(), "captcha verification failed") {
		t.Errorf("unexpected stderr %q", errOut.String())
	}
}

func TestCLI_PlainCalls(t *testing.T) {
	c, out, _ := newTestCLI(t)

	if err := c.plain(context.Background(), c.api.Health()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if !strings.Contains(out.String(), "healthy") {
		t.Errorf("unexpected output %s", out.String())
	}
	if err := c.plain(context.Background(), c.api.Me()); err == nil {
		t.Error("me without a session should fail")
	}
}

func TestPrintFailure(t *testing.T) {
	var buf bytes.Buffer
	printFailure(&buf, apierr.NormalizedError{Status: http.StatusConflict, Message: "email already registered"})
	if got := buf.String(); got != "Error 409: email already registered\n" {
		t.Errorf("unexpected output %q", got)
	}

	buf.Reset()
	printFailure(&buf, apierr.NormalizedError{Status: http.StatusBadRequest, Message: []any{
		map[string]any{"path": []any{"email"}, "code": "invalid_string", "message": "Invalid email"},
	}})
	if !strings.Contains(buf.String(), "  email: Invalid email") {
		t.Errorf("unexpected output %q", buf.String())
	}
}
