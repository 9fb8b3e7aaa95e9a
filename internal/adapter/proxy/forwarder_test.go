package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arbiterhq/arbiter/internal/adapter/agentpool"
	"github.com/arbiterhq/arbiter/internal/adapter/balancer"
	"github.com/arbiterhq/arbiter/internal/adapter/breaker"
	"github.com/arbiterhq/arbiter/internal/adapter/classifier"
	"github.com/arbiterhq/arbiter/internal/adapter/rectifier"
	"github.com/arbiterhq/arbiter/internal/core/constants"
	"github.com/arbiterhq/arbiter/internal/core/domain"
	"github.com/arbiterhq/arbiter/internal/logger"
)

type fakeDirectory struct {
	providers []*domain.Provider
	endpoints []*domain.Endpoint
}

func (d *fakeDirectory) Providers() []*domain.Provider { return d.providers }
func (d *fakeDirectory) Endpoints() []*domain.Endpoint { return d.endpoints }
func (d *fakeDirectory) ProviderByID(id string) *domain.Provider {
	for _, p := range d.providers {
		if p.ID == id {
			return p
		}
	}
	return nil
}

type rig struct {
	fwd              *Forwarder
	providerBreakers *breaker.Registry
	endpointBreakers *breaker.Registry
	vendorBreaker    *breaker.VendorTypeBreaker
	sleeps           []time.Duration
}

func newRig(t *testing.T, dir *fakeDirectory, cfg Config) *rig {
	t.Helper()
	log := logger.NewPlainStyledLogger(slog.Default())
	pb := breaker.NewRegistry("provider", breaker.Settings{}, nil)
	eb := breaker.NewRegistry("endpoint", breaker.Settings{}, nil)
	vb := breaker.NewVendorTypeBreaker(0)
	pool := agentpool.New(log, false)
	t.Cleanup(pool.Close)

	fwd := NewForwarder(
		dir,
		balancer.NewResolver(1),
		classifier.New(classifier.NewMemoryRuleSource(), log),
		rectifier.New(log),
		pool,
		pb, eb, vb,
		NewDegradedFeatures(0),
		nil,
		log,
		cfg,
	)
	r := &rig{fwd: fwd, providerBreakers: pb, endpointBreakers: eb, vendorBreaker: vb}
	fwd.sleep = func(d time.Duration) { r.sleeps = append(r.sleeps, d) }
	return r
}

func anthropicProvider(id, vendorID string, priority int) *domain.Provider {
	return &domain.Provider{
		ID:       id,
		VendorID: vendorID,
		Type:     domain.ProviderTypeAnthropic,
		APIKey:   "sk-" + id,
		Priority: priority,
		Weight:   1,
	}
}

func serverEndpoint(t *testing.T, id, vendorID, rawURL string) *domain.Endpoint {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	return &domain.Endpoint{
		ID:       id,
		VendorID: vendorID,
		Type:     domain.ProviderTypeAnthropic,
		URL:      u,
		Enabled:  true,
	}
}

func messagesSession() *domain.Session {
	sess := domain.NewSession("req-1")
	sess.Method = http.MethodPost
	sess.Path = constants.PathMessages
	sess.Format = domain.FormatAnthropic
	sess.Header = http.Header{}
	sess.Model = "claude-sonnet-4"
	sess.Body = map[string]any{
		"model":    "claude-sonnet-4",
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	}
	return sess
}

func goodMessage() string {
	return `{"id":"msg_1","type":"message","content":[{"type":"text","text":"hello"}]}`
}

func TestFirstAttemptSuccess(t *testing.T) {
	var gotAuth, gotAPIKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAPIKey = r.Header.Get("x-api-key")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, goodMessage())
	}))
	defer srv.Close()

	dir := &fakeDirectory{
		providers: []*domain.Provider{anthropicProvider("p1", "v1", 1)},
		endpoints: []*domain.Endpoint{serverEndpoint(t, "e1", "v1", srv.URL)},
	}
	r := newRig(t, dir, Config{})

	sess := messagesSession()
	res, err := r.fwd.Execute(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != 200 || res.Streaming {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !strings.Contains(string(res.Body), "hello") {
		t.Fatalf("unexpected body: %s", res.Body)
	}
	if gotAuth != "Bearer sk-p1" || gotAPIKey != "sk-p1" {
		t.Fatalf("credentials not applied: auth=%q key=%q", gotAuth, gotAPIKey)
	}

	terminal := sess.Chain.Terminal()
	if terminal == nil || terminal.Reason != domain.ReasonRequestSuccess {
		t.Fatalf("expected request_success, got %+v", terminal)
	}
}

func TestRetrySameEndpointThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":{"message":"Overloaded","type":"overloaded_error"}}`)
			return
		}
		fmt.Fprint(w, goodMessage())
	}))
	defer srv.Close()

	dir := &fakeDirectory{
		providers: []*domain.Provider{anthropicProvider("p1", "v1", 1)},
		endpoints: []*domain.Endpoint{serverEndpoint(t, "e1", "v1", srv.URL)},
	}
	r := newRig(t, dir, Config{MaxRetryAttemptsDefault: 2})

	sess := messagesSession()
	res, err := r.fwd.Execute(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != 200 {
		t.Fatalf("expected recovery, got %d", res.Status)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 upstream calls, got %d", got)
	}
	if len(r.sleeps) != 1 || r.sleeps[0] != constants.RetryDelayMs*time.Millisecond {
		t.Fatalf("expected one %dms retry delay, got %v", constants.RetryDelayMs, r.sleeps)
	}

	terminal := sess.Chain.Terminal()
	if terminal == nil || terminal.Reason != domain.ReasonRetrySuccess {
		t.Fatalf("expected retry_success, got %+v", terminal)
	}
	entries := sess.Chain.Entries()
	if entries[0].Reason != domain.ReasonRetryFailed || entries[0].StatusCode != 500 {
		t.Fatalf("expected a retry_failed entry first, got %+v", entries[0])
	}
}

func TestFailoverToSecondProvider(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"message":"upstream down"}}`)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, goodMessage())
	}))
	defer good.Close()

	dir := &fakeDirectory{
		providers: []*domain.Provider{
			anthropicProvider("primary", "v1", 2),
			anthropicProvider("backup", "v2", 1),
		},
		endpoints: []*domain.Endpoint{
			serverEndpoint(t, "e1", "v1", bad.URL),
			serverEndpoint(t, "e2", "v2", good.URL),
		},
	}
	r := newRig(t, dir, Config{MaxRetryAttemptsDefault: 1})

	sess := messagesSession()
	res, err := r.fwd.Execute(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}
	if res.ProviderID != "backup" {
		t.Fatalf("expected the backup provider to serve, got %s", res.ProviderID)
	}

	entries := sess.Chain.Entries()
	if len(entries) < 2 {
		t.Fatalf("expected a failed and a success entry, got %d", len(entries))
	}
	if entries[0].ProviderID != "primary" || entries[0].Reason != domain.ReasonRetryFailed {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	terminal := sess.Chain.Terminal()
	if terminal.ProviderID != "backup" || terminal.Reason != domain.ReasonRetrySuccess {
		t.Fatalf("unexpected terminal entry: %+v", terminal)
	}
	// attempt numbering restarts on each provider
	if entries[0].Attempt != 1 || terminal.Attempt != 1 {
		t.Fatalf("attempt counters must be per provider, got %d and %d", entries[0].Attempt, terminal.Attempt)
	}
}

func TestNonRetryableClientErrorStopsFailover(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"prompt is too long: 210000 tokens > 200000 maximum","type":"invalid_request_error"}}`)
	}))
	defer bad.Close()

	var backupCalls atomic.Int32
	backup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupCalls.Add(1)
		fmt.Fprint(w, goodMessage())
	}))
	defer backup.Close()

	dir := &fakeDirectory{
		providers: []*domain.Provider{
			anthropicProvider("primary", "v1", 2),
			anthropicProvider("backup", "v2", 1),
		},
		endpoints: []*domain.Endpoint{
			serverEndpoint(t, "e1", "v1", bad.URL),
			serverEndpoint(t, "e2", "v2", backup.URL),
		},
	}
	r := newRig(t, dir, Config{})

	sess := messagesSession()
	_, err := r.fwd.Execute(context.Background(), sess)
	if err == nil {
		t.Fatal("expected terminal error")
	}
	if !strings.Contains(err.Error(), "prompt is too long") {
		t.Fatalf("upstream message must survive verbatim, got %v", err)
	}
	if backupCalls.Load() != 0 {
		t.Fatal("a non-retryable client error must not fail over")
	}
	terminal := sess.Chain.Terminal()
	if terminal == nil || terminal.Reason != domain.ReasonClientErrorNonRetryable {
		t.Fatalf("expected client_error_non_retryable, got %+v", terminal)
	}
}

func TestResourceNotFoundRetriesThenFailsOver(t *testing.T) {
	var primaryCalls atomic.Int32
	missing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryCalls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"message":"model not found"}}`)
	}))
	defer missing.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, goodMessage())
	}))
	defer good.Close()

	dir := &fakeDirectory{
		providers: []*domain.Provider{
			anthropicProvider("primary", "v1", 2),
			anthropicProvider("backup", "v2", 1),
		},
		endpoints: []*domain.Endpoint{
			serverEndpoint(t, "e1", "v1", missing.URL),
			serverEndpoint(t, "e2", "v2", good.URL),
		},
	}
	r := newRig(t, dir, Config{MaxRetryAttemptsDefault: 2})

	sess := messagesSession()
	res, err := r.fwd.Execute(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}
	if res.ProviderID != "backup" {
		t.Fatalf("a 404 provider must be exhausted and failed over, got %s", res.ProviderID)
	}
	if primaryCalls.Load() != 2 {
		t.Fatalf("404s are retried on the same provider until the budget runs out, got %d calls", primaryCalls.Load())
	}

	entries := sess.Chain.Entries()
	if entries[0].Reason != domain.ReasonResourceNotFound || entries[1].Reason != domain.ReasonResourceNotFound {
		t.Fatalf("expected two resource_not_found entries, got %+v", entries[:2])
	}
	if snap := r.providerBreakers.Snapshot("primary"); snap.Failures != 0 {
		t.Fatalf("404s never count against the breaker, got %d failures", snap.Failures)
	}
	if snap := r.endpointBreakers.Snapshot("e1"); snap.Failures != 0 {
		t.Fatalf("404s never count against the endpoint breaker, got %d failures", snap.Failures)
	}
}

func TestAllProvidersExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"boom"}}`)
	}))
	defer srv.Close()

	dir := &fakeDirectory{
		providers: []*domain.Provider{anthropicProvider("p1", "v1", 1)},
		endpoints: []*domain.Endpoint{serverEndpoint(t, "e1", "v1", srv.URL)},
	}
	r := newRig(t, dir, Config{MaxRetryAttemptsDefault: 2})

	sess := messagesSession()
	_, err := r.fwd.Execute(context.Background(), sess)

	if err == nil || !strings.Contains(err.Error(), "temporarily unavailable") {
		t.Fatalf("expected exhaustion error, got %v", err)
	}
	// an exhausted budget is one breaker failure, however many attempts it took
	if snap := r.providerBreakers.Snapshot("p1"); snap.Failures != 1 {
		t.Fatalf("expected 1 recorded failure, got %d", snap.Failures)
	}
	// plain 5xx responses never move the endpoint breaker
	if snap := r.endpointBreakers.Snapshot("e1"); snap.Failures != 0 {
		t.Fatalf("expected no endpoint failures, got %d", snap.Failures)
	}
	entries := sess.Chain.Entries()
	if len(entries) != 2 || entries[0].Attempt != 1 || entries[1].Attempt != 2 {
		t.Fatalf("expected attempts 1 and 2, got %+v", entries)
	}
}

func TestEmptyBodyPromotedToRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		// 200 with nothing in it
	}))
	defer srv.Close()

	dir := &fakeDirectory{
		providers: []*domain.Provider{anthropicProvider("p1", "v1", 1)},
		endpoints: []*domain.Endpoint{serverEndpoint(t, "e1", "v1", srv.URL)},
	}
	r := newRig(t, dir, Config{MaxRetryAttemptsDefault: 2})

	sess := messagesSession()
	_, err := r.fwd.Execute(context.Background(), sess)
	if err == nil {
		t.Fatal("expected failure")
	}
	if calls.Load() != 2 {
		t.Fatalf("empty responses must be retried, got %d calls", calls.Load())
	}
	entries := sess.Chain.Entries()
	if !strings.Contains(entries[0].ErrorMessage, "empty") {
		t.Fatalf("expected an empty-response entry, got %+v", entries[0])
	}
}

func TestStreamingHandoffAndFinalize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\"}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer srv.Close()

	dir := &fakeDirectory{
		providers: []*domain.Provider{anthropicProvider("p1", "v1", 1)},
		endpoints: []*domain.Endpoint{serverEndpoint(t, "e1", "v1", srv.URL)},
	}
	r := newRig(t, dir, Config{})

	sess := messagesSession()
	sess.Streaming = true
	res, err := r.fwd.Execute(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Streaming || res.Stream == nil {
		t.Fatalf("expected streaming result, got %+v", res)
	}

	// success is not settled until the stream is drained
	if sess.Chain.Terminal() != nil {
		t.Fatal("no terminal entry may exist before finalization")
	}

	payload, readErr := io.ReadAll(res.Stream)
	res.Stream.Close()
	if readErr != nil {
		t.Fatal(readErr)
	}
	if !strings.Contains(string(payload), "message_stop") {
		t.Fatalf("stream content lost: %s", payload)
	}

	r.fwd.Finalize(sess, nil)
	terminal := sess.Chain.Terminal()
	if terminal == nil || terminal.Reason != domain.ReasonRequestSuccess {
		t.Fatalf("expected request_success after finalize, got %+v", terminal)
	}

	// finalization is one-shot
	r.fwd.Finalize(sess, nil)
	if sess.Chain.Len() != 1 {
		t.Fatalf("second finalize must be a no-op, chain has %d entries", sess.Chain.Len())
	}
}

func TestStreamingOpeningErrorEventRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		if calls.Add(1) == 1 {
			fmt.Fprint(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
			return
		}
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\"}\n\n")
	}))
	defer srv.Close()

	dir := &fakeDirectory{
		providers: []*domain.Provider{anthropicProvider("p1", "v1", 1)},
		endpoints: []*domain.Endpoint{serverEndpoint(t, "e1", "v1", srv.URL)},
	}
	r := newRig(t, dir, Config{MaxRetryAttemptsDefault: 2})

	sess := messagesSession()
	sess.Streaming = true
	res, err := r.fwd.Execute(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Streaming {
		t.Fatal("expected a streaming result on retry")
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
	entries := sess.Chain.Entries()
	if entries[0].Reason != domain.ReasonRetryFailed || !strings.Contains(entries[0].ErrorMessage, "Overloaded") {
		t.Fatalf("opening error event must be recorded as a failed attempt: %+v", entries[0])
	}
}

func TestThinkingBudgetRaiseRetry(t *testing.T) {
	var budgets []float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		thinking, _ := body["thinking"].(map[string]any)
		budget, _ := thinking["budget_tokens"].(float64)
		budgets = append(budgets, budget)
		if budget < 1024 {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"message":"thinking.budget_tokens: Input should be at least 1024"}}`)
			return
		}
		fmt.Fprint(w, goodMessage())
	}))
	defer srv.Close()

	dir := &fakeDirectory{
		providers: []*domain.Provider{anthropicProvider("p1", "v1", 1)},
		endpoints: []*domain.Endpoint{serverEndpoint(t, "e1", "v1", srv.URL)},
	}
	r := newRig(t, dir, Config{MaxRetryAttemptsDefault: 1})

	sess := messagesSession()
	sess.Body["thinking"] = map[string]any{"type": "enabled", "budget_tokens": float64(100)}

	res, err := r.fwd.Execute(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != 200 {
		t.Fatalf("expected recovery after budget raise, got %d", res.Status)
	}
	if len(budgets) != 2 || budgets[0] != 100 || budgets[1] != 1024 {
		t.Fatalf("expected budget raised to 1024 on retry, got %v", budgets)
	}
}

func TestClientAbortDuringAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// drain the body so the server's background read can observe the
		// client abort and cancel the request context
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	dir := &fakeDirectory{
		providers: []*domain.Provider{anthropicProvider("p1", "v1", 1)},
		endpoints: []*domain.Endpoint{serverEndpoint(t, "e1", "v1", srv.URL)},
	}
	r := newRig(t, dir, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	sess := messagesSession()
	_, err := r.fwd.Execute(ctx, sess)

	if err == nil || !strings.Contains(err.Error(), "aborted") {
		t.Fatalf("expected client abort, got %v", err)
	}
	if snap := r.providerBreakers.Snapshot("p1"); snap.Failures != 0 {
		t.Fatal("client aborts must not count against the breaker")
	}
	terminal := sess.Chain.Terminal()
	if terminal == nil || terminal.Reason != domain.ReasonSystemError || terminal.ErrorMessage != "Client aborted" {
		t.Fatalf("aborts are chained as system_error / Client aborted, got %+v", terminal)
	}
	if terminal.StatusCode != constants.StatusClientAbort {
		t.Fatalf("expected 499, got %d", terminal.StatusCode)
	}
}

func TestFirstByteTimeoutTripsVendorBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	provider := anthropicProvider("p1", "v1", 1)
	provider.Timeouts.FirstByteStreaming = 30 * time.Millisecond
	dir := &fakeDirectory{
		providers: []*domain.Provider{provider},
		endpoints: []*domain.Endpoint{serverEndpoint(t, "e1", "v1", srv.URL)},
	}
	r := newRig(t, dir, Config{MaxRetryAttemptsDefault: 1})

	sess := messagesSession()
	sess.Streaming = true
	_, err := r.fwd.Execute(context.Background(), sess)
	if err == nil {
		t.Fatal("expected exhaustion")
	}

	entries := sess.Chain.Entries()
	if entries[0].StatusCode != constants.StatusUpstreamTimeout {
		t.Fatalf("timeout must surface as %d, got %+v", constants.StatusUpstreamTimeout, entries[0])
	}
	if !r.vendorBreaker.IsOpen(provider.VendorTypeKey()) {
		t.Fatal("all endpoints timing out must trip the vendor-type breaker")
	}
}

func TestVendorBreakerSkipsProvider(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, goodMessage())
	}))
	defer srv.Close()

	provider := anthropicProvider("p1", "v1", 1)
	dir := &fakeDirectory{
		providers: []*domain.Provider{provider},
		endpoints: []*domain.Endpoint{serverEndpoint(t, "e1", "v1", srv.URL)},
	}
	r := newRig(t, dir, Config{})
	r.vendorBreaker.Trip(provider.VendorTypeKey())

	sess := messagesSession()
	_, err := r.fwd.Execute(context.Background(), sess)
	if err == nil || !strings.Contains(err.Error(), "temporarily unavailable") {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatal("a tripped vendor-type pair must not receive traffic")
	}
}

func TestStrictAgentBlockFallsBackToLegacy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, goodMessage())
	}))
	defer srv.Close()

	provider := anthropicProvider("p1", "v1", 1)
	provider.AllowedAgents = []string{"approved-cli*"}
	dir := &fakeDirectory{
		providers: []*domain.Provider{provider},
		endpoints: []*domain.Endpoint{serverEndpoint(t, "e1", "v1", srv.URL)},
	}
	r := newRig(t, dir, Config{})

	sess := messagesSession()
	sess.ClientAgent = "other-tool/2.0"
	res, err := r.fwd.Execute(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}
	if res.ProviderID != "p1" {
		t.Fatalf("legacy fallback must still serve, got %s", res.ProviderID)
	}

	var sawFallback bool
	for _, e := range sess.Chain.Entries() {
		if e.Reason == domain.ReasonStrictBlocked {
			sawFallback = true
		}
	}
	if !sawFallback {
		t.Fatal("legacy fallback must be recorded in the chain")
	}
}

func TestProbeDoesNotMutateBreakers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"boom"}}`)
	}))
	defer srv.Close()

	dir := &fakeDirectory{
		providers: []*domain.Provider{anthropicProvider("p1", "v1", 1)},
		endpoints: []*domain.Endpoint{serverEndpoint(t, "e1", "v1", srv.URL)},
	}
	r := newRig(t, dir, Config{})

	sess := messagesSession()
	sess.Probe = true
	r.fwd.Execute(context.Background(), sess)

	if snap := r.providerBreakers.Snapshot("p1"); snap.Failures != 0 {
		t.Fatalf("probe traffic must not record failures, got %d", snap.Failures)
	}
}

func TestStreamingStallAfterHeadersIsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		// headers are on the wire, the first event never comes
		<-r.Context().Done()
	}))
	defer srv.Close()

	provider := anthropicProvider("p1", "v1", 1)
	provider.Timeouts.FirstByteStreaming = 30 * time.Millisecond
	dir := &fakeDirectory{
		providers: []*domain.Provider{provider},
		endpoints: []*domain.Endpoint{serverEndpoint(t, "e1", "v1", srv.URL)},
	}
	r := newRig(t, dir, Config{MaxRetryAttemptsDefault: 1})

	sess := messagesSession()
	sess.Streaming = true
	_, err := r.fwd.Execute(context.Background(), sess)
	if err == nil {
		t.Fatal("expected exhaustion")
	}

	entries := sess.Chain.Entries()
	if len(entries) == 0 || entries[0].StatusCode != constants.StatusUpstreamTimeout {
		t.Fatalf("a stream that sends headers and nothing else must time out as %d, got %+v",
			constants.StatusUpstreamTimeout, entries)
	}
	if snap := r.endpointBreakers.Snapshot("e1"); snap.Failures != 1 {
		t.Fatalf("timeouts move the endpoint breaker, got %d failures", snap.Failures)
	}
}

func TestThinkingSignatureRetryFailureStopsFailover(t *testing.T) {
	var primaryCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryCalls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"Invalid signature in thinking block","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	var backupCalls atomic.Int32
	backup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupCalls.Add(1)
		fmt.Fprint(w, goodMessage())
	}))
	defer backup.Close()

	dir := &fakeDirectory{
		providers: []*domain.Provider{
			anthropicProvider("primary", "v1", 2),
			anthropicProvider("backup", "v2", 1),
		},
		endpoints: []*domain.Endpoint{
			serverEndpoint(t, "e1", "v1", srv.URL),
			serverEndpoint(t, "e2", "v2", backup.URL),
		},
	}
	r := newRig(t, dir, Config{MaxRetryAttemptsDefault: 1})

	sess := messagesSession()
	sess.Body["messages"] = []any{map[string]any{
		"role": "assistant",
		"content": []any{
			map[string]any{"type": "thinking", "thinking": "…", "signature": "sig"},
			map[string]any{"type": "text", "text": "partial"},
		},
	}}

	_, err := r.fwd.Execute(context.Background(), sess)
	if err == nil {
		t.Fatal("expected terminal error")
	}
	if primaryCalls.Load() != 2 {
		t.Fatalf("the strip earns exactly one retry, got %d calls", primaryCalls.Load())
	}
	if backupCalls.Load() != 0 {
		t.Fatal("a failed post-strip retry must not fail over")
	}
	terminal := sess.Chain.Terminal()
	if terminal == nil || terminal.Reason != domain.ReasonClientErrorNonRetryable {
		t.Fatalf("a failed post-strip retry is the client's problem, got %+v", terminal)
	}
	if snap := r.providerBreakers.Snapshot("primary"); snap.Failures != 0 {
		t.Fatalf("client faults never count against the breaker, got %d", snap.Failures)
	}
}

func TestCountTokensFailureReturnsImmediately(t *testing.T) {
	var primaryCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryCalls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"boom"}}`)
	}))
	defer srv.Close()

	var backupCalls atomic.Int32
	backup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupCalls.Add(1)
		fmt.Fprint(w, `{"input_tokens":42}`)
	}))
	defer backup.Close()

	dir := &fakeDirectory{
		providers: []*domain.Provider{
			anthropicProvider("primary", "v1", 2),
			anthropicProvider("backup", "v2", 1),
		},
		endpoints: []*domain.Endpoint{
			serverEndpoint(t, "e1", "v1", srv.URL),
			serverEndpoint(t, "e2", "v2", backup.URL),
		},
	}
	r := newRig(t, dir, Config{MaxRetryAttemptsDefault: 3})

	sess := messagesSession()
	sess.Path = constants.PathCountTokens
	sess.CountTokens = true
	_, err := r.fwd.Execute(context.Background(), sess)
	if err == nil {
		t.Fatal("expected the upstream failure verbatim")
	}
	if primaryCalls.Load() != 1 || backupCalls.Load() != 0 {
		t.Fatalf("count_tokens gets no retries and no failover, got %d/%d calls",
			primaryCalls.Load(), backupCalls.Load())
	}
	if snap := r.providerBreakers.Snapshot("primary"); snap.Failures != 0 {
		t.Fatalf("count_tokens failures must not move the breaker, got %d", snap.Failures)
	}
	if snap := r.endpointBreakers.Snapshot("e1"); snap.Failures != 0 {
		t.Fatalf("count_tokens failures must not move the endpoint breaker, got %d", snap.Failures)
	}
}

func TestPassthroughExemptFromVendorBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, goodMessage())
	}))
	defer srv.Close()

	provider := anthropicProvider("p1", "v1", 1)
	dir := &fakeDirectory{
		providers: []*domain.Provider{provider},
		endpoints: []*domain.Endpoint{serverEndpoint(t, "e1", "v1", srv.URL)},
	}
	r := newRig(t, dir, Config{})
	r.vendorBreaker.Trip(provider.VendorTypeKey())

	sess := domain.NewSession("req-1")
	sess.Method = http.MethodPost
	sess.Path = "/v1beta/models"
	sess.Format = domain.FormatPassthrough
	sess.Passthrough = true
	sess.Header = http.Header{}
	sess.RawBody = []byte(`{"contents":[]}`)

	res, err := r.fwd.Execute(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != 200 || calls.Load() != 1 {
		t.Fatalf("passthrough traffic must ignore the vendor-type breaker, got %d calls", calls.Load())
	}
}

func TestSystemErrorsStickToLastEndpoint(t *testing.T) {
	dead := func() string {
		srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		u := srv.URL
		srv.Close()
		return u
	}

	dir := &fakeDirectory{
		providers: []*domain.Provider{anthropicProvider("p1", "v1", 1)},
		endpoints: []*domain.Endpoint{
			serverEndpoint(t, "e1", "v1", dead()),
			serverEndpoint(t, "e2", "v1", dead()),
		},
	}
	r := newRig(t, dir, Config{MaxRetryAttemptsDefault: 3})

	sess := messagesSession()
	_, err := r.fwd.Execute(context.Background(), sess)
	if err == nil {
		t.Fatal("expected exhaustion")
	}

	// the index advances once per fault and parks on the last endpoint
	// instead of wrapping around
	if snap := r.endpointBreakers.Snapshot("e1"); snap.Failures != 1 {
		t.Fatalf("expected 1 failure on the first endpoint, got %d", snap.Failures)
	}
	if snap := r.endpointBreakers.Snapshot("e2"); snap.Failures != 2 {
		t.Fatalf("expected the last endpoint to absorb the rest, got %d", snap.Failures)
	}
}

func TestRetireAgentEvictsPooledTransport(t *testing.T) {
	dir := &fakeDirectory{
		providers: []*domain.Provider{anthropicProvider("p1", "v1", 1)},
		endpoints: []*domain.Endpoint{serverEndpoint(t, "e1", "v1", "https://api.example.com")},
	}
	r := newRig(t, dir, Config{})
	provider := dir.providers[0]
	ep := dir.endpoints[0]

	origin := endpointOrigin(provider, ep)
	if origin != "https://api.example.com" {
		t.Fatalf("unexpected origin: %q", origin)
	}
	if _, err := r.fwd.pool.Transport(provider, origin, false); err != nil {
		t.Fatal(err)
	}
	if r.fwd.pool.Len() != 1 {
		t.Fatalf("expected one pooled agent, got %d", r.fwd.pool.Len())
	}

	r.fwd.retireAgent(provider, ep)
	if r.fwd.pool.Len() != 0 {
		t.Fatal("a connection-level fault must evict the origin's agents")
	}
}
