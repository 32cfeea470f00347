package llm

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/rendis/flowgraph/internal/nodes"
	"github.com/rendis/flowgraph/pkg/schema"
)

// Options tunes a Client. Zero fields take defaults.
type Options struct {
	HTTPClient *http.Client
	// Timeout bounds each provider attempt. Retries get a fresh budget. Default 300s.
	Timeout time.Duration
	// RequestsPerSecond limits calls per endpoint. <= 0 disables limiting.
	RequestsPerSecond float64
	Burst             int
	// MaxRetries is how often a RATE_LIMITED call is retried. Default 3, negative disables.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Breaker        BreakerConfig
	Logger         *slog.Logger
}

// Client calls LLM providers with client-side rate limiting, 429 retry and
// per-endpoint circuit breaking.
type Client struct {
	http     *http.Client
	timeout  time.Duration
	rps      float64
	burst    int
	retries  uint64
	initial  time.Duration
	max      time.Duration
	breakers *Breakers
	logger   *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient creates a Client.
func NewClient(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 300 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		http:     opts.HTTPClient,
		timeout:  opts.Timeout,
		rps:      opts.RequestsPerSecond,
		burst:    opts.Burst,
		retries:  uint64(opts.MaxRetries),
		initial:  opts.InitialBackoff,
		max:      opts.MaxBackoff,
		breakers: NewBreakers(opts.Breaker),
		logger:   opts.Logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Breakers exposes the per-endpoint circuit state.
func (c *Client) Breakers() *Breakers {
	return c.breakers
}

// Complete sends req to the provider described by cfg.
func (c *Client) Complete(ctx context.Context, cfg nodes.LLMConfig, req Request) (string, error) {
	provider, err := NewProvider(cfg, c.http)
	if err != nil {
		return "", err
	}
	endpoint := provider.Endpoint()
	if err := c.breakers.Allow(endpoint); err != nil {
		return "", err
	}

	limiter := c.limiter(endpoint)
	policy := &hintedBackOff{next: backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.initial),
		backoff.WithMaxInterval(c.max),
		backoff.WithMaxElapsedTime(0),
	)}
	bo := backoff.WithContext(backoff.WithMaxRetries(policy, c.retries), ctx)

	op := func() (string, error) {
		if err := limiter.Wait(ctx); err != nil {
			return "", backoff.Permanent(err)
		}
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		out, err := provider.Complete(attemptCtx, req)
		if err == nil {
			return out, nil
		}
		if schema.CodeOf(err) == schema.ErrCodeRateLimited {
			if wait, ok := retryAfterOf(err); ok {
				policy.hint(wait)
			}
			return "", err
		}
		return "", backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("llm call rate limited, retrying",
			slog.String("provider", provider.Name()),
			slog.String("model", req.Model),
			slog.Duration("wait", wait),
		)
	}

	out, err := backoff.RetryNotifyWithData(op, bo, notify)
	if err != nil {
		err = classify(provider.Name(), err)
		if schema.CodeOf(err) != schema.ErrCodeCancelled {
			if c.breakers.Failure(endpoint) == CircuitOpen {
				c.logger.Error("llm circuit opened", slog.String("endpoint", endpoint))
			}
		}
		return "", err
	}
	c.breakers.Success(endpoint)
	return out, nil
}

func (c *Client) limiter(endpoint string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[endpoint]
	if !ok {
		limit := rate.Inf
		if c.rps > 0 {
			limit = rate.Limit(c.rps)
		}
		l = rate.NewLimiter(limit, c.burst)
		c.limiters[endpoint] = l
	}
	return l
}

// classify maps context errors to flow errors.
func classify(provider string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return schema.NewErrorf(schema.ErrCodeCancelled, "%s call cancelled", provider).WithCause(err)
	case errors.Is(err, context.DeadlineExceeded):
		return schema.NewErrorf(schema.ErrCodeProviderHTTP, "%s call timed out", provider).WithCause(err)
	}
	if _, ok := schema.AsFlowError(err); ok {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeProviderHTTP, "%s call failed: %v", provider, err).WithCause(err)
}

// hintedBackOff prefers an upstream Retry-After over the exponential interval.
type hintedBackOff struct {
	next    backoff.BackOff
	mu      sync.Mutex
	pending time.Duration
	hinted  bool
}

func (b *hintedBackOff) hint(d time.Duration) {
	b.mu.Lock()
	b.pending, b.hinted = d, true
	b.mu.Unlock()
}

func (b *hintedBackOff) NextBackOff() time.Duration {
	interval := b.next.NextBackOff()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hinted {
		b.hinted = false
		return b.pending
	}
	return interval
}

func (b *hintedBackOff) Reset() {
	b.next.Reset()
	b.mu.Lock()
	b.hinted = false
	b.mu.Unlock()
}
