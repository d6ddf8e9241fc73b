// Package middleware implements gatekeep's request pipeline: an ordered
// list of middlewares around a terminal handler, where failures travel back
// up the chain as returned errors until the Errors middleware turns them
// into the JSON envelope.
//
// The response is buffered on the Context and written to the client once,
// after every middleware has returned, so outer middlewares (Timing) can
// still set headers on responses produced by inner ones.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"

	"github.com/denizumutdereli/gatekeep/pkg/api/apierr"
	"github.com/denizumutdereli/gatekeep/pkg/core"
)

// ErrNextCalledTwice is returned by a continuation invoked more than once.
var ErrNextCalledTwice = errors.New("middleware: next called more than once")

// Next runs the rest of the chain. It may be called at most once.
type Next func() error

// Middleware observes or modifies a request and decides whether to call next.
type Middleware func(c *Context, next Next) error

// Handler is the terminal step of a chain.
type Handler func(c *Context) error

// ---------------------------------------------------------------------------
// Context
// ---------------------------------------------------------------------------

type contextKey struct{}

// Response is the buffered reply for one request.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Context carries one request through the chain.
type Context struct {
	Request  *http.Request
	Response *Response

	routeErr error
}

func newContext(r *http.Request) *Context {
	c := &Context{Response: &Response{Header: make(http.Header)}}
	c.Request = r.WithContext(context.WithValue(r.Context(), contextKey{}, c))
	return c
}

// FromRequest returns the chain Context attached to r, if any.
func FromRequest(r *http.Request) (*Context, bool) {
	c, ok := r.Context().Value(contextKey{}).(*Context)
	return c, ok
}

// URL returns the absolute request URL (scheme, host, path and query).
func (c *Context) URL() string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host + c.Request.URL.RequestURI()
}

// JSON buffers v as the response body.
func (c *Context) JSON(status int, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	c.Response.Status = status
	c.Response.Header.Set("Content-Type", "application/json")
	c.Response.Body = body
	return nil
}

// NoContent answers 204 with an empty body.
func (c *Context) NoContent() {
	c.Response.Status = http.StatusNoContent
	c.Response.Body = nil
}

// DecodeJSON reads the request body into dst. Oversized bodies surface the
// *http.MaxBytesError so they classify as 413.
func (c *Context) DecodeJSON(dst any) error {
	if c.Request.Body == nil {
		return apierr.ErrInvalidJSON
	}
	if err := json.NewDecoder(c.Request.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return maxErr
		}
		if errors.Is(err, io.EOF) {
			return apierr.Expose(http.StatusBadRequest, "request body required")
		}
		return apierr.ErrInvalidJSON
	}
	return nil
}

// Fail replaces status and body with the error envelope. Other headers are
// kept.
func (r *Response) Fail(ne apierr.NormalizedError) {
	r.Status = ne.Status
	r.Header.Set("Content-Type", "application/json")
	r.Body = apierr.Marshal(ne)
}

func (r *Response) writeTo(w http.ResponseWriter) {
	dst := w.Header()
	for k, v := range r.Header {
		dst[k] = v
	}
	status := r.Status
	if status == 0 {
		status = http.StatusOK
		if len(r.Body) == 0 {
			status = http.StatusNoContent
		}
	}
	w.WriteHeader(status)
	if len(r.Body) > 0 && status != http.StatusNoContent && status != http.StatusNotModified {
		w.Write(r.Body)
	}
}

// ---------------------------------------------------------------------------
// Chain
// ---------------------------------------------------------------------------

// Chain is an immutable, ordered list of middlewares. The first middleware
// is the outermost.
type Chain struct {
	middlewares []Middleware
}

// NewChain builds a chain from outermost to innermost.
func NewChain(mw ...Middleware) Chain {
	return Chain{middlewares: append([]Middleware(nil), mw...)}
}

// Append returns a new chain with mw added innermost.
func (ch Chain) Append(mw ...Middleware) Chain {
	out := make([]Middleware, 0, len(ch.middlewares)+len(mw))
	out = append(out, ch.middlewares...)
	return Chain{middlewares: append(out, mw...)}
}

// Then terminates the chain with h. An error escaping every middleware is
// answered as a production 500; its text never reaches the client.
func (ch Chain) Then(h Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := newContext(r)
		if err := ch.run(c, h); err != nil {
			c.Response.Fail(apierr.Classify(err, core.EnvProduction))
		}
		c.Response.writeTo(w)
	})
}

func (ch Chain) run(c *Context, h Handler) error {
	var step func(i int) error
	step = func(i int) error {
		if i == len(ch.middlewares) {
			return h(c)
		}
		called := false
		next := func() error {
			if called {
				return ErrNextCalledTwice
			}
			called = true
			return guard(func() error { return step(i + 1) })
		}
		return ch.middlewares[i](c, next)
	}
	return guard(func() error { return step(0) })
}

// PanicError is a recovered panic converted into an error.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// guard runs fn and converts a panic into a *PanicError. http.ErrAbortHandler
// keeps propagating so net/http can abort the connection.
func guard(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			err = &PanicError{Value: rec, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// ---------------------------------------------------------------------------
// Router bridge
// ---------------------------------------------------------------------------

// Mount terminates a chain with a plain http.Handler (typically a router).
// Writes go to the buffered Response; an error returned by an Endpoint
// beneath it is handed back to the chain.
func Mount(h http.Handler) Handler {
	return func(c *Context) error {
		h.ServeHTTP(&responseBuffer{resp: c.Response}, c.Request)
		err := c.routeErr
		c.routeErr = nil
		return err
	}
}

// Endpoint adapts a Handler for registration on a router mounted with
// Mount. Outside a chain it runs h in a chain of its own.
func Endpoint(h Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, ok := FromRequest(r)
		if !ok {
			NewChain().Then(h).ServeHTTP(w, r)
			return
		}
		c.Request = r
		if err := h(c); err != nil {
			c.routeErr = err
		}
	})
}

// responseBuffer records a plain handler's output into a Response.
type responseBuffer struct {
	resp        *Response
	wroteHeader bool
}

func (b *responseBuffer) Header() http.Header { return b.resp.Header }

func (b *responseBuffer) WriteHeader(status int) {
	if b.wroteHeader {
		return
	}
	b.wroteHeader = true
	b.resp.Status = status
}

func (b *responseBuffer) Write(p []byte) (int, error) {
	if !b.wroteHeader {
		b.WriteHeader(http.StatusOK)
	}
	b.resp.Body = append(b.resp.Body, p...)
	return len(p), nil
}
