package resiliency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/arbiterhq/arbiter/pkg/contracts"
	"github.com/arbiterhq/arbiter/pkg/retry"
)

// ErrTransient marks an error as retryable. Collaborators wrap timeouts,
// connection resets, and 5xx responses with it.
var ErrTransient = errors.New("transient collaborator failure")

// StatusError carries an HTTP status from a collaborator response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("collaborator returned status %d", e.Code)
}

// IsTransient classifies an error as retryable: explicit ErrTransient
// wrapping, network timeouts, and 5xx-class statuses. Policy denials and
// invariant violations never take this path; they are returned as data,
// not errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrCircuitOpen) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Collaborator performs the underlying action once a decision allows it.
// Implementations live at the system boundary; the governance core only
// sees this interface.
type Collaborator interface {
	Execute(ctx context.Context, req contracts.ActionRequest) (map[string]any, error)
}

// Client wraps a Collaborator with a circuit breaker and deterministic
// retry. One Client exists per downstream; distinct downstreams degrade
// independently.
type Client struct {
	name    string
	collab  Collaborator
	breaker *CircuitBreaker
	policy  retry.BackoffPolicy
}

// ClientOption mutates a Client at construction.
type ClientOption func(*Client)

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p retry.BackoffPolicy) ClientOption {
	return func(c *Client) { c.policy = p }
}

// WithBreaker substitutes a pre-configured breaker.
func WithBreaker(b *CircuitBreaker) ClientOption {
	return func(c *Client) { c.breaker = b }
}

// NewClient creates a resilient client around a collaborator.
func NewClient(name string, collab Collaborator, opts ...ClientOption) *Client {
	c := &Client{
		name:    name,
		collab:  collab,
		breaker: NewCircuitBreaker(name, 5, 10*time.Second),
		policy: retry.BackoffPolicy{
			BaseMs:      100,
			MaxMs:       2000,
			MaxJitterMs: 50,
			MaxAttempts: 3,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the collaborator name.
func (c *Client) Name() string { return c.name }

// Breaker exposes the circuit breaker for metrics wiring.
func (c *Client) Breaker() *CircuitBreaker { return c.breaker }

// Execute runs the action against the collaborator with retry on transient
// failures. The breaker is consulted per attempt; when open, the call fails
// fast without touching the downstream.
func (c *Client) Execute(ctx context.Context, correlationID string, req contracts.ActionRequest) (map[string]any, error) {
	var result map[string]any
	err := retry.Do(ctx, c.policy, retry.Params{
		CorrelationID: correlationID,
		OperationID:   c.name + ":" + req.Action,
	}, func(ctx context.Context) error {
		if !c.breaker.Allow() {
			return fmt.Errorf("%s: %w", c.name, ErrCircuitOpen)
		}
		out, err := c.collab.Execute(ctx, req)
		if err != nil {
			c.breaker.Failure()
			return err
		}
		c.breaker.Success()
		result = out
		return nil
	}, IsTransient)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// HTTPCollaborator posts action requests to an external service. It is the
// default boundary adapter: the action's scope and verb become the URL path.
type HTTPCollaborator struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPCollaborator creates a collaborator with a 30s client timeout.
func NewHTTPCollaborator(baseURL string) *HTTPCollaborator {
	return &HTTPCollaborator{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (h *HTTPCollaborator) Execute(ctx context.Context, req contracts.ActionRequest) (map[string]any, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode action: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s", h.BaseURL, req.Scope(), req.Verb())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(httpReq)
	if err != nil {
		// Connection errors and timeouts are transient by definition.
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}
	if resp.StatusCode >= 400 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	out := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	return out, nil
}

// NoopCollaborator acknowledges every action without side effects. Used for
// steps whose only observable effect is the ledger record, and in tests.
type NoopCollaborator struct{}

func (NoopCollaborator) Execute(_ context.Context, req contracts.ActionRequest) (map[string]any, error) {
	return map[string]any{"action": req.Action, "acknowledged": true}, nil
}
