package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/agenthub/errs"
	"github.com/coachpo/agenthub/internal/clock"
	"github.com/coachpo/agenthub/internal/schema"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// runDelivery drives fn to completion while advancing the manual clock so
// backoff waits resolve without real sleeps.
func runDelivery(t *testing.T, clk *clock.ManualClock, fn func() error) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- fn() }()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case err := <-done:
			return err
		case <-deadline:
			t.Fatal("delivery did not finish")
			return nil
		default:
			clk.Advance(20 * time.Millisecond)
			time.Sleep(2 * time.Millisecond)
		}
	}
}

func TestDeliverPostsJSONWithHeaders(t *testing.T) {
	type capture struct {
		header http.Header
		body   []byte
	}
	got := make(chan capture, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- capture{header: r.Header.Clone(), body: body}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	evt := sampleEvent("evt-1")
	hook := schema.WebhookTransport{
		URL: srv.URL,
		Headers: map[string]string{
			"Authorization": "Bearer token-1",
			"X-Event-ID":    "spoofed",
		},
	}
	sender := NewWebhookSender(WebhookConfig{Client: srv.Client()})

	if err := sender.Deliver(context.Background(), "sub-1", hook, evt); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	var req capture
	select {
	case req = <-got:
	case <-time.After(time.Second):
		t.Fatal("endpoint never saw the request")
	}
	if ct := req.header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if id := req.header.Get("X-Event-ID"); id != "evt-1" {
		t.Fatalf("expected event id header to win over custom header, got %q", id)
	}
	if typ := req.header.Get("X-Event-Type"); typ != "task.created" {
		t.Fatalf("unexpected X-Event-Type %q", typ)
	}
	if src := req.header.Get("X-Event-Source"); src != "scheduler" {
		t.Fatalf("unexpected X-Event-Source %q", src)
	}
	if auth := req.header.Get("Authorization"); auth != "Bearer token-1" {
		t.Fatalf("custom header not forwarded, got %q", auth)
	}
	var decoded schema.Event
	if err := json.Unmarshal(req.body, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.ID != "evt-1" || decoded.Source != "scheduler" {
		t.Fatalf("unexpected payload: %+v", decoded)
	}
	if sender.Inflight() != 0 {
		t.Fatalf("expected no inflight deliveries, got %d", sender.Inflight())
	}
}

func TestRetryStopsAfterBudget(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	clk := clock.NewManualClock(time.Unix(1000, 0))
	sender := NewWebhookSender(WebhookConfig{Client: srv.Client(), Clock: clk})
	hook := schema.WebhookTransport{
		URL:   srv.URL,
		Retry: schema.RetryPolicy{MaxRetries: 3, BackoffMillis: 100},
	}

	err := runDelivery(t, clk, func() error {
		return sender.Deliver(context.Background(), "sub-1", hook, sampleEvent("evt-1"))
	})
	if !errs.IsCode(err, errs.CodeDelivery) {
		t.Fatalf("expected delivery_failure, got %v", err)
	}
	if n := attempts.Load(); n != 4 {
		t.Fatalf("expected exactly 4 attempts, got %d", n)
	}
}

func TestBackoffDoublesBetweenAttempts(t *testing.T) {
	var (
		mu   sync.Mutex
		hits []time.Time
	)
	clk := clock.NewManualClock(time.Unix(1000, 0))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		hits = append(hits, clk.Now())
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sender := NewWebhookSender(WebhookConfig{Client: srv.Client(), Clock: clk})
	hook := schema.WebhookTransport{
		URL:   srv.URL,
		Retry: schema.RetryPolicy{MaxRetries: 3, BackoffMillis: 100},
	}

	err := runDelivery(t, clk, func() error {
		return sender.Deliver(context.Background(), "sub-1", hook, sampleEvent("evt-1"))
	})
	if !errs.IsCode(err, errs.CodeDelivery) {
		t.Fatalf("expected delivery_failure, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(hits) != 4 {
		t.Fatalf("expected 4 attempts, got %d", len(hits))
	}
	wants := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	for i, want := range wants {
		delta := hits[i+1].Sub(hits[i])
		if delta < want || delta >= 2*want {
			t.Fatalf("attempt %d fired after %v, want at least %v and under %v", i+2, delta, want, 2*want)
		}
	}
}

func TestNonRetryableEventPostsOnce(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	retryable := false
	evt := sampleEvent("evt-1")
	evt.Metadata = &schema.Metadata{Retryable: &retryable}
	hook := schema.WebhookTransport{
		URL:   srv.URL,
		Retry: schema.RetryPolicy{MaxRetries: 5, BackoffMillis: 100},
	}
	sender := NewWebhookSender(WebhookConfig{Client: srv.Client()})

	err := sender.Deliver(context.Background(), "sub-1", hook, evt)
	if !errs.IsCode(err, errs.CodeDelivery) {
		t.Fatalf("expected delivery_failure, got %v", err)
	}
	if n := attempts.Load(); n != 1 {
		t.Fatalf("expected a single attempt, got %d", n)
	}
}

func TestUnreachableEndpointIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	sender := NewWebhookSender(WebhookConfig{})
	hook := schema.WebhookTransport{URL: url}

	err := sender.Deliver(context.Background(), "sub-1", hook, sampleEvent("evt-1"))
	if !errs.IsCode(err, errs.CodeNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
}

func TestDuplicateInflightDeliveryRejected(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		started <- struct{}{}
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewWebhookSender(WebhookConfig{Client: srv.Client()})
	hook := schema.WebhookTransport{URL: srv.URL}
	evt := sampleEvent("evt-1")

	first := make(chan error, 1)
	go func() { first <- sender.Deliver(context.Background(), "sub-1", hook, evt) }()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first delivery never reached the endpoint")
	}

	if err := sender.Deliver(context.Background(), "sub-1", hook, evt); !errs.IsCode(err, errs.CodeExists) {
		t.Fatalf("expected already_exists for duplicate inflight delivery, got %v", err)
	}

	close(release)
	select {
	case err := <-first:
		if err != nil {
			t.Fatalf("first delivery failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first delivery never finished")
	}

	// The key is released once the first delivery completes.
	if err := sender.Deliver(context.Background(), "sub-1", hook, evt); err != nil {
		t.Fatalf("redelivery after completion failed: %v", err)
	}
}

func TestCancelDuringBackoffWaitAborts(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	clk := clock.NewManualClock(time.Unix(1000, 0))
	sender := NewWebhookSender(WebhookConfig{Client: srv.Client(), Clock: clk})
	hook := schema.WebhookTransport{
		URL:   srv.URL,
		Retry: schema.RetryPolicy{MaxRetries: 5, BackoffMillis: 3_600_000},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sender.Deliver(ctx, "sub-1", hook, sampleEvent("evt-1")) }()

	waitFor(t, 2*time.Second, func() bool { return attempts.Load() == 1 })
	cancel()

	select {
	case err := <-done:
		if !errs.IsCode(err, errs.CodeUnavailable) {
			t.Fatalf("expected connection_unavailable on abort, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("delivery did not stop after cancel")
	}
	if n := attempts.Load(); n != 1 {
		t.Fatalf("expected no further attempts after cancel, got %d", n)
	}
}
