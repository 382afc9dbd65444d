package ember

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// RetryPolicy bounds per-provider retry behavior inside the client.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	Factor     float64
	Cap        time.Duration
	// Jitter is the symmetric fraction applied to each delay (0.25 = ±25%).
	Jitter float64
	// AttemptTimeout bounds a single LLM attempt. Zero disables it.
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy returns the standard policy: 3 attempts, exponential
// backoff from 1s doubling to a 60s cap with ±25% jitter, 120s per attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		Base:           time.Second,
		Factor:         2.0,
		Cap:            60 * time.Second,
		Jitter:         0.25,
		AttemptTimeout: 120 * time.Second,
	}
}

// delay computes the backoff before retry attempt i (0-indexed), using the
// server's Retry-After value (if present on err) as a floor.
func (p RetryPolicy) delay(i int, err error) time.Duration {
	d := float64(p.Base)
	for range i {
		d *= p.Factor
	}
	if cap := float64(p.Cap); d > cap {
		d = cap
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (2*rand.Float64() - 1)
	}
	backoff := time.Duration(d)
	var pe *ProviderError
	if errors.As(err, &pe) && pe.RetryAfter > backoff {
		return pe.RetryAfter
	}
	return backoff
}

// Client orchestrates an ordered list of adapters with per-provider retry and
// health-gated failover. Only an AllProvidersError surfaces once every
// adapter is exhausted.
type Client struct {
	adapters []Adapter // priority order, primary first
	health   *HealthMonitor
	policy   RetryPolicy
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// ClientRetryPolicy overrides the default retry policy.
func ClientRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) { c.policy = p }
}

// ClientLogger sets the structured logger for retry and failover events.
func ClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// clientSleep overrides the backoff sleeper. Test hook.
func clientSleep(fn func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(c *Client) { c.sleep = fn }
}

// NewClient creates a client over adapters in priority order. health gates
// adapter selection and receives every attempt outcome.
func NewClient(adapters []Adapter, health *HealthMonitor, opts ...ClientOption) *Client {
	c := &Client{
		adapters: adapters,
		health:   health,
		policy:   DefaultRetryPolicy(),
		logger:   nopLogger,
		sleep:    sleepCtx,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Primary returns the first adapter, or nil when none are configured.
// Used by status reporting.
func (c *Client) Primary() Adapter {
	if len(c.adapters) == 0 {
		return nil
	}
	return c.adapters[0]
}

// Capabilities reports the capabilities of the first available adapter,
// falling back to the primary when all are cooling down.
func (c *Client) Capabilities() Capabilities {
	for _, a := range c.adapters {
		if c.health.IsAvailable(a.Name()) {
			return a.Capabilities()
		}
	}
	if p := c.Primary(); p != nil {
		return p.Capabilities()
	}
	return Capabilities{}
}

// Chat routes the request to the highest-priority available adapter, retrying
// transient failures per the policy before falling through to the next.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	perProvider := make(map[string]error)
	for _, a := range c.adapters {
		if !c.health.IsAvailable(a.Name()) {
			c.logger.Debug("provider skipped (cooldown)", "provider", a.Name())
			continue
		}
		resp, err := c.tryAdapter(ctx, a, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return ChatResponse{}, &CoreError{Kind: ErrCancelled, Message: "chat", Err: ctx.Err()}
		}
		perProvider[a.Name()] = err
		// Overflow and invalid-request failures are request-shaped, not
		// provider-shaped: another provider would reject them the same way.
		var pe *ProviderError
		if errors.As(err, &pe) && (pe.Kind == ErrLLMContextOverflow || pe.Kind == ErrLLMInvalidRequest) {
			return ChatResponse{}, err
		}
		c.logger.Warn("provider exhausted, failing over", "provider", a.Name(), "error", err)
	}
	if len(perProvider) == 0 {
		return ChatResponse{}, &CoreError{Kind: ErrLLMAllProvidersFailed, Message: "no providers available"}
	}
	return ChatResponse{}, &CoreError{
		Kind:    ErrLLMAllProvidersFailed,
		Message: "all providers exhausted",
		Err:     &AllProvidersError{Errors: perProvider},
	}
}

// tryAdapter runs the retry loop against a single adapter. Every attempt
// outcome feeds the health monitor, so a full retry budget of failures can
// push a provider through its failure threshold in one call.
func (c *Client) tryAdapter(ctx context.Context, a Adapter, req ChatRequest) (ChatResponse, error) {
	var last error
	for attempt := 0; attempt < c.policy.MaxRetries; attempt++ {
		start := time.Now()
		resp, err := c.attempt(ctx, a, req)
		if err == nil {
			c.health.RecordSuccess(a.Name(), time.Since(start))
			return resp, nil
		}
		last = err
		// A cancelled turn says nothing about provider health.
		if ctx.Err() != nil {
			break
		}
		c.health.RecordFailure(a.Name(), err)
		if !retryable(err) {
			break
		}
		c.logger.Warn("retrying transient error",
			"provider", a.Name(),
			"attempt", attempt+1,
			"max_retries", c.policy.MaxRetries,
			"error", err)
		if attempt < c.policy.MaxRetries-1 {
			if serr := c.sleep(ctx, c.policy.delay(attempt, err)); serr != nil {
				last = serr
				break
			}
		}
	}
	return ChatResponse{}, last
}

func (c *Client) attempt(ctx context.Context, a Adapter, req ChatRequest) (ChatResponse, error) {
	if c.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.policy.AttemptTimeout)
		defer cancel()
	}
	return a.Chat(ctx, req)
}

func retryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}

// ChatStream streams the response through ch. Failover and retry are
// permitted only before the first chunk has been forwarded downstream; once
// any chunk is out, a failure is terminal. ch is closed before returning.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest, ch chan<- Chunk) (ChatResponse, error) {
	defer close(ch)
	perProvider := make(map[string]error)
	for _, a := range c.adapters {
		if !c.health.IsAvailable(a.Name()) {
			continue
		}
		var last error
		for attempt := 0; attempt < c.policy.MaxRetries; attempt++ {
			resp, forwarded, err := c.streamAttempt(ctx, a, req, ch)
			if err == nil {
				return resp, nil
			}
			last = err
			if ctx.Err() != nil {
				break
			}
			c.health.RecordFailure(a.Name(), err)
			if forwarded {
				// Downstream has seen content; do not duplicate it through a
				// retry or another provider.
				return ChatResponse{}, err
			}
			if !retryable(err) {
				break
			}
			if attempt < c.policy.MaxRetries-1 {
				if serr := c.sleep(ctx, c.policy.delay(attempt, err)); serr != nil {
					last = serr
					break
				}
			}
		}
		if ctx.Err() != nil {
			return ChatResponse{}, &CoreError{Kind: ErrCancelled, Message: "chat stream", Err: ctx.Err()}
		}
		perProvider[a.Name()] = last
		var pe *ProviderError
		if errors.As(last, &pe) && (pe.Kind == ErrLLMContextOverflow || pe.Kind == ErrLLMInvalidRequest) {
			return ChatResponse{}, last
		}
	}
	if len(perProvider) == 0 {
		return ChatResponse{}, &CoreError{Kind: ErrLLMAllProvidersFailed, Message: "no providers available"}
	}
	return ChatResponse{}, &CoreError{
		Kind:    ErrLLMAllProvidersFailed,
		Message: "all providers exhausted",
		Err:     &AllProvidersError{Errors: perProvider},
	}
}

// streamAttempt runs one streaming attempt through a mid channel so the
// client can tell whether anything reached the caller before a failure.
func (c *Client) streamAttempt(ctx context.Context, a Adapter, req ChatRequest, ch chan<- Chunk) (ChatResponse, bool, error) {
	if c.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.policy.AttemptTimeout)
		defer cancel()
	}
	mid := make(chan Chunk, 64)
	var (
		resp ChatResponse
		err  error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err = a.ChatStream(ctx, req, mid)
	}()

	start := time.Now()
	forwarded := false
	for chunk := range mid {
		forwarded = true
		ch <- chunk
	}
	<-done

	if err == nil {
		c.health.RecordSuccess(a.Name(), time.Since(start))
	}
	return resp, forwarded, err
}
