package captcha

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/denizumutdereli/gatekeep/pkg/core"
)

// Error codes reported in Result.ErrorCodes. The first three match the
// siteverify vocabulary.
const (
	CodeMissingResponse    = "missing-input-response"
	CodeInvalidResponse    = "invalid-input-response"
	CodeTimeoutOrDuplicate = "timeout-or-duplicate"
	CodeActionMismatch     = "action-mismatch"
	CodeScoreTooLow        = "score-too-low"
)

// Result is the outcome of one server-side token check.
type Result struct {
	Success    bool
	Action     string
	Score      *float64
	ErrorCodes []string
}

// Verifier checks a client token for an action. A non-nil error means the
// check could not be performed; a rejected token is a Result with
// Success false.
type Verifier interface {
	Verify(ctx context.Context, token string, action Action, remoteIP string) (Result, error)
}

// Pruner forgets state older than maxAge and reports how much it dropped.
type Pruner interface {
	Prune(maxAge time.Duration) int
}

// Require verifies token and turns a rejection into core.ErrCaptchaRejected.
// A replayed token additionally matches core.ErrCaptchaReplayed.
func Require(ctx context.Context, v Verifier, token string, action Action, remoteIP string) error {
	res, err := v.Verify(ctx, token, action, remoteIP)
	if err != nil {
		return fmt.Errorf("captcha verify: %w", err)
	}
	if !res.Success {
		codes := strings.Join(res.ErrorCodes, ",")
		for _, code := range res.ErrorCodes {
			if code == CodeTimeoutOrDuplicate {
				return fmt.Errorf("%w: %w (%s)", core.ErrCaptchaRejected, core.ErrCaptchaReplayed, codes)
			}
		}
		return fmt.Errorf("%w (%s)", core.ErrCaptchaRejected, codes)
	}
	return nil
}

func rejected(codes ...string) Result {
	return Result{Success: false, ErrorCodes: codes}
}

// ---------------------------------------------------------------------------
// SiteVerifier - reCAPTCHA v3 style siteverify endpoint.
// ---------------------------------------------------------------------------

// SiteVerifier posts tokens to a siteverify endpoint and applies the action
// and minimum-score policy to the answer.
type SiteVerifier struct {
	secret   string
	endpoint string
	minScore float64
	client   *http.Client
}

// NewSiteVerifier builds a verifier. A nil client gets a 10s timeout.
func NewSiteVerifier(secret, endpoint string, minScore float64, client *http.Client) *SiteVerifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SiteVerifier{secret: secret, endpoint: endpoint, minScore: minScore, client: client}
}

type siteverifyResponse struct {
	Success     bool     `json:"success"`
	Score       *float64 `json:"score,omitempty"`
	Action      string   `json:"action,omitempty"`
	ChallengeTS string   `json:"challenge_ts,omitempty"`
	Hostname    string   `json:"hostname,omitempty"`
	ErrorCodes  []string `json:"error-codes,omitempty"`
}

func (v *SiteVerifier) Verify(ctx context.Context, token string, action Action, remoteIP string) (Result, error) {
	if strings.TrimSpace(token) == "" {
		return rejected(CodeMissingResponse), nil
	}

	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Result{}, fmt.Errorf("building siteverify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("siteverify: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("siteverify: unexpected status %d", resp.StatusCode)
	}

	var sv siteverifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&sv); err != nil {
		return Result{}, fmt.Errorf("siteverify: decoding response: %w", err)
	}

	res := Result{Success: sv.Success, Action: sv.Action, Score: sv.Score, ErrorCodes: sv.ErrorCodes}
	if !res.Success {
		return res, nil
	}
	if res.Action != "" && res.Action != string(action) {
		res.Success = false
		res.ErrorCodes = append(res.ErrorCodes, CodeActionMismatch)
	} else if res.Score != nil && *res.Score < v.minScore {
		res.Success = false
		res.ErrorCodes = append(res.ErrorCodes, CodeScoreTooLow)
	}
	return res, nil
}

// ---------------------------------------------------------------------------
// DevIssuer - local provider for development.
// ---------------------------------------------------------------------------

type issuedToken struct {
	action Action
	at     time.Time
}

// DevIssuer mints tokens itself and accepts each one once, for the action
// it was minted for. It stands in for a real provider in development and
// tests.
type DevIssuer struct {
	mu     sync.Mutex
	tokens map[string]issuedToken
	now    func() time.Time
}

// NewDevIssuer returns an empty issuer.
func NewDevIssuer() *DevIssuer {
	return &DevIssuer{tokens: make(map[string]issuedToken), now: time.Now}
}

// Issue mints a token for action.
func (d *DevIssuer) Issue(action Action) (string, error) {
	if !action.Valid() {
		return "", fmt.Errorf("unknown captcha action %q", action)
	}
	token := "dev." + uuid.NewString()

	d.mu.Lock()
	d.tokens[token] = issuedToken{action: action, at: d.now()}
	d.mu.Unlock()
	return token, nil
}

func (d *DevIssuer) Verify(_ context.Context, token string, action Action, _ string) (Result, error) {
	if token == "" {
		return rejected(CodeMissingResponse), nil
	}

	d.mu.Lock()
	issued, ok := d.tokens[token]
	delete(d.tokens, token)
	d.mu.Unlock()

	if !ok {
		return rejected(CodeInvalidResponse), nil
	}
	if issued.action != action {
		res := rejected(CodeActionMismatch)
		res.Action = string(issued.action)
		return res, nil
	}
	score := 1.0
	return Result{Success: true, Action: string(issued.action), Score: &score}, nil
}

// Prune drops unredeemed tokens older than maxAge.
func (d *DevIssuer) Prune(maxAge time.Duration) int {
	cutoff := d.now().Add(-maxAge)
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for token, issued := range d.tokens {
		if issued.at.Before(cutoff) {
			delete(d.tokens, token)
			removed++
		}
	}
	return removed
}

// Outstanding returns the number of unredeemed tokens.
func (d *DevIssuer) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

// ---------------------------------------------------------------------------
// Ledger - single-use enforcement.
// ---------------------------------------------------------------------------

// Ledger wraps a Verifier and rejects any token it has seen before, whether
// or not the first attempt succeeded. Tokens are remembered by digest
// until pruned.
type Ledger struct {
	next Verifier
	now  func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewLedger wraps next.
func NewLedger(next Verifier) *Ledger {
	return &Ledger{next: next, now: time.Now, seen: make(map[string]time.Time)}
}

func (l *Ledger) Verify(ctx context.Context, token string, action Action, remoteIP string) (Result, error) {
	if token == "" {
		return rejected(CodeMissingResponse), nil
	}

	sum := sha256.Sum256([]byte(token))
	key := hex.EncodeToString(sum[:])

	l.mu.Lock()
	if _, dup := l.seen[key]; dup {
		l.mu.Unlock()
		return rejected(CodeTimeoutOrDuplicate), nil
	}
	l.seen[key] = l.now()
	l.mu.Unlock()

	return l.next.Verify(ctx, token, action, remoteIP)
}

// Prune forgets tokens recorded more than maxAge ago. When the wrapped
// verifier is itself a Pruner it is pruned too.
func (l *Ledger) Prune(maxAge time.Duration) int {
	cutoff := l.now().Add(-maxAge)
	l.mu.Lock()
	removed := 0
	for key, at := range l.seen {
		if at.Before(cutoff) {
			delete(l.seen, key)
			removed++
		}
	}
	l.mu.Unlock()

	if p, ok := l.next.(Pruner); ok {
		removed += p.Prune(maxAge)
	}
	return removed
}

// Len returns the number of remembered tokens.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, token string, action Action, remoteIP string) (Result, error)

func (f VerifierFunc) Verify(ctx context.Context, token string, action Action, remoteIP string) (Result, error) {
	return f(ctx, token, action, remoteIP)
}
