package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/denizumutdereli/gatekeep/pkg/api/apierr"
	"github.com/denizumutdereli/gatekeep/pkg/captcha"
	"github.com/denizumutdereli/gatekeep/pkg/client"
	"github.com/denizumutdereli/gatekeep/pkg/core"
)

// cli holds the shared state for all subcommands.
type cli struct {
	conn         *core.ConnInfo
	api          *client.API
	httpClient   *http.Client
	captchaToken string

	out    io.Writer
	errOut io.Writer

	// last successful body; login reads the session token from it
	last json.RawMessage
}

func (c *cli) stdout() io.Writer {
	if c.out != nil {
		return c.out
	}
	return os.Stdout
}

func (c *cli) stderr() io.Writer {
	if c.errOut != nil {
		return c.errOut
	}
	return os.Stderr
}

// oracle returns the token source for gated calls: a fixed provider token
// when one was passed, else the server's development challenge endpoint.
func (c *cli) oracle() captcha.Oracle {
	if c.captchaToken != "" {
		token := c.captchaToken
		return captcha.OracleFunc(func(context.Context, captcha.Action) (string, error) {
			return token, nil
		})
	}
	return c.api.Oracle()
}

func (c *cli) lifecycle() client.Lifecycle {
	return client.Lifecycle{
		OnData: func(data json.RawMessage) {
			c.last = data
			printJSON(c.stdout(), data)
		},
		OnNoData: func() {
			c.last = nil
			fmt.Fprintln(c.stdout(), "OK")
		},
		OnError: func(ne apierr.NormalizedError) {
			printFailure(c.stderr(), ne)
		},
	}
}

// mutate runs one captcha-gated call and waits for it to settle.
func (c *cli) mutate(ctx context.Context, action captcha.Action, build func(token string) client.Call) error {
	ctrl := client.NewController(c.lifecycle())
	m := client.NewMutation(c.oracle(), action, ctrl, build)
	if !m.Submit(ctx) {
		return fmt.Errorf("%s: could not start", action)
	}
	m.Wait()

	if err := m.ChallengeErr(); err != nil {
		m.Reset()
		return fmt.Errorf("%s did not run: %w", action, err)
	}
	if ne, failed := ctrl.Failure(); failed {
		return fmt.Errorf("request failed with status %d", ne.Status)
	}
	return nil
}

// plain runs an ungated call.
func (c *cli) plain(ctx context.Context, call client.Call) error {
	ctrl := client.NewController(c.lifecycle())
	if err := ctrl.MakeRequest(ctx, call); err != nil {
		return err
	}
	if ne, failed := ctrl.Failure(); failed {
		return fmt.Errorf("request failed with status %d", ne.Status)
	}
	return nil
}

// printSessionHint prints a connection string carrying the new session.
func (c *cli) printSessionHint() error {
	var resp client.LoginResponse
	if err := json.Unmarshal(c.last, &resp); err != nil || resp.Token == "" {
		return fmt.Errorf("login response carried no session token")
	}
	fmt.Fprintf(c.stdout(), "\nUse this session with:\n  --connect %s://%s@%s\n",
		c.conn.Scheme, resp.Token, strings.Join(c.conn.Hosts, ","))
	return nil
}

// printJSON pretty-prints a response body, falling back to raw text.
func printJSON(w io.Writer, data []byte) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		fmt.Fprintln(w, string(data))
		return
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(out))
}

// printFailure renders an error envelope; validation failures get one
// line per field.
func printFailure(w io.Writer, ne apierr.NormalizedError) {
	list, ok := ne.Message.([]any)
	if !ok {
		fmt.Fprintf(w, "Error %d: %s\n", ne.Status, ne.Text())
		return
	}
	fmt.Fprintf(w, "Error %d: validation failed\n", ne.Status)
	for _, item := range list {
		v, _ := item.(map[string]any)
		var path []string
		if raw, ok := v["path"].([]any); ok {
			for _, p := range raw {
				path = append(path, fmt.Sprint(p))
			}
		}
		fmt.Fprintf(w, "  %s: %v\n", strings.Join(path, "."), v["message"])
	}
}
