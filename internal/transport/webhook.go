package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/agenthub/errs"
	"github.com/coachpo/agenthub/internal/clock"
	"github.com/coachpo/agenthub/internal/schema"
)

const (
	opWebhook             = "transport/webhook"
	defaultAttemptTimeout = 10 * time.Second
	maxRetryInterval      = time.Hour
)

// WebhookConfig tunes the webhook sender.
type WebhookConfig struct {
	Client         *http.Client
	Clock          clock.Clock
	AttemptTimeout time.Duration
	RateLimit      rate.Limit
	RateBurst      int
}

func (c *WebhookConfig) normalize() {
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	if c.Clock == nil {
		c.Clock = clock.SystemClock{}
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = defaultAttemptTimeout
	}
	if c.RateLimit <= 0 {
		c.RateLimit = rate.Inf
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
}

type deliveryKey struct {
	subscription schema.SubscriptionID
	event        string
}

// WebhookSender posts events to subscriber endpoints with exponential retry.
// At most one delivery per subscription and event runs at a time.
type WebhookSender struct {
	client  *http.Client
	clock   clock.Clock
	limiter *rate.Limiter
	timeout time.Duration

	mu       sync.Mutex
	inflight map[deliveryKey]struct{}
}

// NewWebhookSender constructs a sender from the config.
func NewWebhookSender(cfg WebhookConfig) *WebhookSender {
	cfg.normalize()
	sender := new(WebhookSender)
	sender.client = cfg.Client
	sender.clock = cfg.Clock
	sender.limiter = rate.NewLimiter(cfg.RateLimit, cfg.RateBurst)
	sender.timeout = cfg.AttemptTimeout
	sender.inflight = make(map[deliveryKey]struct{})
	return sender
}

// Deliver posts the event to the subscription's endpoint. A retryable event is
// attempted up to MaxRetries+1 times with the wait before attempt n doubling
// from the configured backoff; a non-retryable event gets a single attempt.
func (s *WebhookSender) Deliver(ctx context.Context, subID schema.SubscriptionID, hook schema.WebhookTransport, evt *schema.Event) error {
	key := deliveryKey{subscription: subID, event: evt.ID}
	if !s.begin(key) {
		return errs.New(opWebhook, errs.CodeExists, errs.WithMessage("delivery already in flight"))
	}
	defer s.finish(key)

	payload, err := json.Marshal(evt)
	if err != nil {
		return errs.New(opWebhook, errs.CodeInternal, errs.WithMessage("encode event"), errs.WithCause(err))
	}

	attempts := 1
	if evt.Retryable() {
		attempts = hook.Retry.MaxRetries + 1
	}

	var policy *backoff.ExponentialBackOff
	if attempts > 1 {
		policy = backoff.NewExponentialBackOff()
		policy.InitialInterval = hook.Retry.Backoff()
		policy.RandomizationFactor = 0
		policy.Multiplier = 2
		policy.MaxInterval = maxRetryInterval
		policy.Reset()
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			wait := policy.NextBackOff()
			if wait == backoff.Stop {
				wait = maxRetryInterval
			}
			select {
			case <-ctx.Done():
				return errs.New(opWebhook, errs.CodeUnavailable, errs.WithMessage("delivery aborted"), errs.WithCause(ctx.Err()))
			case <-s.clock.After(wait):
			}
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return errs.New(opWebhook, errs.CodeUnavailable, errs.WithMessage("rate limit wait"), errs.WithCause(err))
		}
		if lastErr = s.post(ctx, hook, evt, payload); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

// Inflight returns the number of deliveries currently running.
func (s *WebhookSender) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

func (s *WebhookSender) begin(key deliveryKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.inflight[key]; dup {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *WebhookSender) finish(key deliveryKey) {
	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()
}

func (s *WebhookSender) post(ctx context.Context, hook schema.WebhookTransport, evt *schema.Event, payload []byte) error {
	attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, hook.URL, bytes.NewReader(payload))
	if err != nil {
		return errs.New(opWebhook, errs.CodeInvalid, errs.WithMessage("build request"), errs.WithCause(err))
	}
	for key, value := range hook.Headers {
		req.Header.Set(key, value)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", evt.ID)
	req.Header.Set("X-Event-Type", string(evt.Type))
	req.Header.Set("X-Event-Source", evt.Source)
	resp, err := s.client.Do(req)
	if err != nil {
		return errs.New(opWebhook, errs.CodeNetwork, errs.WithMessage("post event"), errs.WithCause(err))
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errs.New(opWebhook, errs.CodeDelivery, errs.WithMessage(fmt.Sprintf("endpoint returned %d", resp.StatusCode)))
	}
	return nil
}
