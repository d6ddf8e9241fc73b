// Package client is gatekeep's Go client: a request controller that turns
// every call into exactly one lifecycle callback, the captcha-gated
// mutation protocol built on it, and typed builders for the HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/denizumutdereli/gatekeep/pkg/api/apierr"
)

// maxResponseBody bounds how much of a response the controller buffers.
const maxResponseBody = 8 << 20

var (
	// ErrRequestInFlight is returned by MakeRequest while a previous call on
	// the same controller has not settled.
	ErrRequestInFlight = errors.New("client: request already in flight")

	// ErrTransport marks failures where no HTTP response was obtained.
	ErrTransport = errors.New("client: transport failure")
)

// NetworkError is reported to OnError when the call never produced a
// response.
var NetworkError = apierr.NormalizedError{Status: http.StatusServiceUnavailable, Message: "network error"}

// Outcome is the controller's request state.
type Outcome int

const (
	Idle Outcome = iota
	Loading
	Success
	Empty
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Success:
		return "success"
	case Empty:
		return "empty"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Call performs one HTTP exchange.
type Call func(ctx context.Context) (*http.Response, error)

// Lifecycle holds the callbacks; any of them may be nil.
type Lifecycle struct {
	OnData   func(data json.RawMessage)
	OnNoData func()
	OnError  func(err apierr.NormalizedError)
}

// Controller runs one call at a time and reports each settled call through
// exactly one Lifecycle callback. State is updated before the callback
// runs, so callbacks observe the settled outcome and IsLoading is false.
type Controller struct {
	lc Lifecycle

	mu      sync.Mutex
	outcome Outcome
	data    json.RawMessage
	failure apierr.NormalizedError
	err     error
	closed  bool
}

// NewController returns an idle controller.
func NewController(lc Lifecycle) *Controller {
	return &Controller{lc: lc}
}

// MakeRequest runs call and blocks until it settles. The only error it
// returns is ErrRequestInFlight; every other failure goes to OnError.
func (c *Controller) MakeRequest(ctx context.Context, call Call) error {
	c.mu.Lock()
	if c.outcome == Loading {
		c.mu.Unlock()
		return ErrRequestInFlight
	}
	c.outcome = Loading
	c.data = nil
	c.failure = apierr.NormalizedError{}
	c.err = nil
	c.mu.Unlock()

	outcome, data, failure, err := settle(ctx, call)

	c.mu.Lock()
	c.outcome = outcome
	c.data = data
	c.failure = failure
	c.err = err
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return nil
	}
	switch outcome {
	case Success:
		if c.lc.OnData != nil {
			c.lc.OnData(data)
		}
	case Empty:
		if c.lc.OnNoData != nil {
			c.lc.OnNoData()
		}
	case Failed:
		if c.lc.OnError != nil {
			c.lc.OnError(failure)
		}
	}
	return nil
}

func settle(ctx context.Context, call Call) (Outcome, json.RawMessage, apierr.NormalizedError, error) {
	resp, err := call(ctx)
	if err != nil {
		return Failed, nil, NetworkError, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Failed, nil, NetworkError, fmt.Errorf("%w: reading response: %v", ErrTransport, err)
	}

	if resp.StatusCode >= 400 {
		ne := apierr.Decode(body, resp.StatusCode)
		return Failed, nil, ne, ne
	}

	trimmed := bytes.TrimSpace(body)
	if resp.StatusCode == http.StatusNoContent || len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Empty, nil, apierr.NormalizedError{}, nil
	}
	return Success, json.RawMessage(trimmed), apierr.NormalizedError{}, nil
}

// IsLoading reports whether a call is in flight.
func (c *Controller) IsLoading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome == Loading
}

// Outcome returns the current state.
func (c *Controller) Outcome() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome
}

// Data returns the body of the last successful call.
func (c *Controller) Data() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data
}

// Failure returns the envelope of the last failed call.
func (c *Controller) Failure() (apierr.NormalizedError, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure, c.outcome == Failed
}

// Err returns the last call's error: an apierr.NormalizedError for server
// failures or an error wrapping ErrTransport.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close detaches the callbacks. Calls still in flight settle silently.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
