package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/denizumutdereli/gatekeep/pkg/api/apierr"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func respond(status int, body string) Call {
	return func(context.Context) (*http.Response, error) {
		return &http.Response{
			StatusCode: status,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(strings.NewReader(body)),
		}, nil
	}
}

func failTransport(err error) Call {
	return func(context.Context) (*http.Response, error) { return nil, err }
}

// callbackLog records which lifecycle callbacks fired and what the
// controller looked like at that moment.
type callbackLog struct {
	mu        sync.Mutex
	events    []string
	data      []json.RawMessage
	errs      []apierr.NormalizedError
	loadingAt []bool
}

func (l *callbackLog) lifecycle(ctrl **Controller) Lifecycle {
	note := func(ev string) {
		l.events = append(l.events, ev)
		l.loadingAt = append(l.loadingAt, (*ctrl).IsLoading())
	}
	return Lifecycle{
		OnData: func(d json.RawMessage) {
			l.mu.Lock()
			defer l.mu.Unlock()
			note("data")
			l.data = append(l.data, d)
		},
		OnNoData: func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			note("nodata")
		},
		OnError: func(e apierr.NormalizedError) {
			l.mu.Lock()
			defer l.mu.Unlock()
			note("error")
			l.errs = append(l.errs, e)
		},
	}
}

func newLoggedController() (*Controller, *callbackLog) {
	log := &callbackLog{}
	var ctrl *Controller
	ctrl = NewController(log.lifecycle(&ctrl))
	return ctrl, log
}

// ---------------------------------------------------------------------------
// Settling
// ---------------------------------------------------------------------------

func TestMakeRequest_ExactlyOneCallback(t *testing.T) {
	tests := []struct {
		name    string
		call    Call
		event   string
		outcome Outcome
	}{
		{"json body", respond(200, `{"id":"u1"}`), "data", Success},
		{"created", respond(201, `{"user":{}}`), "data", Success},
		{"no content", respond(204, ""), "nodata", Empty},
		{"empty 200", respond(200, "  "), "nodata", Empty},
		{"null body", respond(200, "null"), "nodata", Empty},
		{"client error", respond(409, `{"status":409,"message":"email already registered"}`), "error", Failed},
		{"server error", respond(500, `{"status":500,"message":"Internal Server Error"}`), "error", Failed},
		{"non-envelope error", respond(502, "<html>"), "error", Failed},
		{"transport", failTransport(errors.New("connection refused")), "error", Failed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl, log := newLoggedController()
			if err := ctrl.MakeRequest(context.Background(), tt.call); err != nil {
				t.Fatalf("MakeRequest: %v", err)
			}
			if len(log.events) != 1 || log.events[0] != tt.event {
				t.Fatalf("expected exactly one %q callback, got %v", tt.event, log.events)
			}
			if log.loadingAt[0] {
				t.Error("IsLoading should be false when the callback runs")
			}
			if ctrl.IsLoading() {
				t.Error("IsLoading should be false after settling")
			}
			if ctrl.Outcome() != tt.outcome {
				t.Errorf("expected outcome %v, got %v", tt.outcome, ctrl.Outcome())
			}
		})
	}
}

func TestMakeRequest_ServerErrorDecoded(t *testing.T) {
	ctrl, log := newLoggedController()
	ctrl.MakeRequest(context.Background(), respond(403, `{"status":403,"message":"captcha verification failed"}`))

	if log.errs[0].Status != 403 || log.errs[0].Text() != "captcha verification failed" {
		t.Errorf("unexpected error %+v", log.errs[0])
	}
	var ne apierr.NormalizedError
	if !errors.As(ctrl.Err(), &ne) || ne.Status != 403 {
		t.Errorf("Err should be the decoded envelope, got %v", ctrl.Err())
	}
	if f, ok := ctrl.Failure(); !ok || f.Status != 403 {
		t.Errorf("Failure should report the envelope, got %+v %v", f, ok)
	}
}

func TestMakeRequest_ValidationMessageIsStructured(t *testing.T) {
	ctrl, log := newLoggedController()
	body := `{"status":400,"message":[{"path":["email"],"code":"invalid_string","message":"Invalid email"}]}`
	ctrl.MakeRequest(context.Background(), respond(400, body))

	list, ok := log.errs[0].Message.([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("expected structured violations, got %#v", log.errs[0].Message)
	}
}

func TestMakeRequest_TransportError(t *testing.T) {
	ctrl, log := newLoggedController()
	ctrl.MakeRequest(context.Background(), failTransport(errors.New("dial tcp: refused")))

	if log.errs[0] != NetworkError {
		t.Errorf("expected NetworkError, got %+v", log.errs[0])
	}
	if !errors.Is(ctrl.Err(), ErrTransport) {
		t.Errorf("expected Err to wrap ErrTransport, got %v", ctrl.Err())
	}
}

// Two sequential successful calls each get their own OnData with their own
// payload.
func TestMakeRequest_SequentialSuccesses(t *testing.T) {
	ctrl, log := newLoggedController()

	ctrl.MakeRequest(context.Background(), respond(200, `{"n":1}`))
	ctrl.MakeRequest(context.Background(), respond(200, `{"n":2}`))

	if len(log.data) != 2 {
		t.Fatalf("expected 2 OnData calls, got %d (%v)", len(log.data), log.events)
	}
	if string(log.data[0]) != `{"n":1}` || string(log.data[1]) != `{"n":2}` {
		t.Errorf("unexpected payloads %s, %s", log.data[0], log.data[1])
	}
	if string(ctrl.Data()) != `{"n":2}` {
		t.Errorf("Data should hold the latest payload, got %s", ctrl.Data())
	}
}

func TestMakeRequest_StateResetsBetweenCalls(t *testing.T) {
	ctrl, _ := newLoggedController()
	ctrl.MakeRequest(context.Background(), respond(500, `{"status":500,"message":"x"}`))
	ctrl.MakeRequest(context.Background(), respond(200, `{"ok":true}`))

	if ctrl.Err() != nil {
		t.Errorf("error should clear on a new call, got %v", ctrl.Err())
	}
	if _, failed := ctrl.Failure(); failed {
		t.Error("Failure should be cleared")
	}
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestMakeRequest_RejectsWhileInFlight(t *testing.T) {
	ctrl, log := newLoggedController()
	release := make(chan struct{})
	started := make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- ctrl.MakeRequest(context.Background(), func(ctx context.Context) (*http.Response, error) {
			close(started)
			<-release
			return respond(200, `{"first":true}`)(ctx)
		})
	}()
	<-started

	if !ctrl.IsLoading() || ctrl.Outcome() != Loading {
		t.Error("controller should be loading")
	}
	if err := ctrl.MakeRequest(context.Background(), respond(200, `{}`)); !errors.Is(err, ErrRequestInFlight) {
		t.Errorf("expected ErrRequestInFlight, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first call: %v", err)
	}
	if len(log.events) != 1 {
		t.Errorf("rejected call must not fire callbacks, got %v", log.events)
	}
}

func TestClose_DropsLateCallbacks(t *testing.T) {
	ctrl, log := newLoggedController()
	release := make(chan struct{})
	started := make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctrl.MakeRequest(context.Background(), func(ctx context.Context) (*http.Response, error) {
			close(started)
			<-release
			return respond(200, `{"late":true}`)(ctx)
		})
	}()
	<-started
	ctrl.Close()
	close(release)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("call did not settle")
	}
	if len(log.events) != 0 {
		t.Errorf("closed controller fired %v", log.events)
	}
	if ctrl.Outcome() != Success {
		t.Errorf("state should still settle, got %v", ctrl.Outcome())
	}
}

func TestNilCallbacksAreSkipped(t *testing.T) {
	ctrl := NewController(Lifecycle{})
	for _, call := range []Call{respond(200, `{}`), respond(204, ""), respond(500, "")} {
		if err := ctrl.MakeRequest(context.Background(), call); err != nil {
			t.Fatalf("MakeRequest: %v", err)
		}
	}
}

func TestOutcomeString(t *testing.T) {
	if Loading.String() != "loading" || Failed.String() != "failed" || Outcome(42).String() != "outcome(42)" {
		t.Error("unexpected Outcome strings")
	}
}
