package payments

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// ErrCircuitOpen is returned while the breaker is rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

// retryingClient wraps http.Client with exponential backoff, jitter, a
// circuit breaker and trace-context propagation. Only transport errors and
// 5xx responses are retried; the request body must be replayable (GetBody).
type retryingClient struct {
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
	breaker    *circuitBreaker
}

func newRetryingClient(name string, client *http.Client) *retryingClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &retryingClient{
		client:     client,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		breaker:    newCircuitBreaker(name, 5, 10*time.Second),
	}
}

func (c *retryingClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	if !c.breaker.Allow() {
		return nil, fmt.Errorf("%w for %s", ErrCircuitOpen, c.breaker.name)
	}

	var (
		resp *http.Response
		err  error
	)
	for i := 0; i <= c.maxRetries; i++ {
		attempt := req
		if i > 0 && req.GetBody != nil {
			body, gerr := req.GetBody()
			if gerr != nil {
				return nil, fmt.Errorf("replay request body: %w", gerr)
			}
			attempt = req.Clone(ctx)
			attempt.Body = body
		}

		resp, err = c.client.Do(attempt)
		if err == nil && resp.StatusCode < 500 {
			c.breaker.Success()
			return resp, nil
		}
		if i == c.maxRetries {
			break
		}
		if resp != nil {
			_ = resp.Body.Close()
		}

		// base * 2^i + up to 50ms jitter
		backoff := c.baseDelay << i
		if n, rerr := rand.Int(rand.Reader, big.NewInt(50)); rerr == nil {
			backoff += time.Duration(n.Int64()) * time.Millisecond
		}
		select {
		case <-ctx.Done():
			c.breaker.Failure()
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}

	c.breaker.Failure()
	return resp, err
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// circuitBreaker opens after threshold consecutive failures and lets one
// probe through once resetTimeout has passed.
type circuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        breakerState
}

func newCircuitBreaker(name string, threshold int, timeout time.Duration) *circuitBreaker {
	return &circuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: timeout,
	}
}

func (cb *circuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == breakerOpen {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = breakerHalfOpen
			return true
		}
		return false
	}
	return true
}

func (cb *circuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = breakerClosed
	cb.failureCount = 0
}

func (cb *circuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.state == breakerHalfOpen || cb.failureCount >= cb.threshold {
		cb.state = breakerOpen
	}
}
