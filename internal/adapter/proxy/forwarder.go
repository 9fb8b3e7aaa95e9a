// Package proxy implements the request-forwarding engine: provider
// selection, the retry and failover state machine, breaker bookkeeping,
// streaming handoff, and the decision-chain audit.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/arbiterhq/arbiter/internal/adapter/agentpool"
	"github.com/arbiterhq/arbiter/internal/adapter/balancer"
	"github.com/arbiterhq/arbiter/internal/adapter/breaker"
	"github.com/arbiterhq/arbiter/internal/adapter/classifier"
	"github.com/arbiterhq/arbiter/internal/adapter/rectifier"
	"github.com/arbiterhq/arbiter/internal/core/constants"
	"github.com/arbiterhq/arbiter/internal/core/domain"
	"github.com/arbiterhq/arbiter/internal/core/ports"
	"github.com/arbiterhq/arbiter/internal/logger"
	"github.com/arbiterhq/arbiter/internal/util"
)

// Directory is the forwarder's view of the configured fleet
type Directory interface {
	Providers() []*domain.Provider
	Endpoints() []*domain.Endpoint
	ProviderByID(id string) *domain.Provider
}

// Config tunes the forwarding engine; zero values take the defaults below
type Config struct {
	MaxRetryAttemptsDefault int
	BreakerOnNetworkErrors  bool
	FetchHeadersTimeout     time.Duration
	FetchBodyTimeout        time.Duration
}

const (
	defaultFetchHeadersTimeout = 30 * time.Second
	defaultFetchBodyTimeout    = 5 * time.Minute
	defaultStreamingIdle       = 90 * time.Second
)

func (c Config) withDefaults() Config {
	if c.MaxRetryAttemptsDefault <= 0 {
		c.MaxRetryAttemptsDefault = constants.DefaultRetryAttempts
	}
	if c.FetchHeadersTimeout <= 0 {
		c.FetchHeadersTimeout = defaultFetchHeadersTimeout
	}
	if c.FetchBodyTimeout <= 0 {
		c.FetchBodyTimeout = defaultFetchBodyTimeout
	}
	return c
}

// Result is a settled upstream response ready to relay. For streaming
// responses the body has not been consumed; the handler copies Stream to
// the client and then calls Finalize.
type Result struct {
	Status     int
	Header     http.Header
	Body       []byte
	Stream     io.ReadCloser
	Streaming  bool
	ProviderID string
	EndpointID string
}

type Forwarder struct {
	directory  Directory
	resolver   *balancer.Resolver
	classifier *classifier.Classifier
	rectifier  *rectifier.Rectifier
	pool       *agentpool.Pool

	providerBreakers *breaker.Registry
	endpointBreakers *breaker.Registry
	vendorBreaker    *breaker.VendorTypeBreaker
	degraded         *DegradedFeatures

	stats ports.StatsCollector
	log   logger.StyledLogger
	cfg   Config
	sleep func(time.Duration)
}

func NewForwarder(
	directory Directory,
	resolver *balancer.Resolver,
	cls *classifier.Classifier,
	rect *rectifier.Rectifier,
	pool *agentpool.Pool,
	providerBreakers, endpointBreakers *breaker.Registry,
	vendorBreaker *breaker.VendorTypeBreaker,
	degraded *DegradedFeatures,
	stats ports.StatsCollector,
	log logger.StyledLogger,
	cfg Config,
) *Forwarder {
	return &Forwarder{
		directory:        directory,
		resolver:         resolver,
		classifier:       cls,
		rectifier:        rect,
		pool:             pool,
		providerBreakers: providerBreakers,
		endpointBreakers: endpointBreakers,
		vendorBreaker:    vendorBreaker,
		degraded:         degraded,
		stats:            stats,
		log:              log,
		cfg:              cfg.withDefaults(),
		sleep:            time.Sleep,
	}
}

// verdict is the inner loop's outcome for one provider
type verdict int

const (
	verdictDone verdict = iota
	verdictNextProvider
	verdictTerminal
)

// Execute drives the full forwarding flow for one session: pick a
// provider, run its attempt budget, fail over until success, a terminal
// error, or exhaustion.
func (f *Forwarder) Execute(ctx context.Context, sess *domain.Session) (*Result, error) {
	exclude := make(map[string]bool)
	switches := 0

	for switches < constants.MaxProviderSwitches {
		provider := f.pickProvider(sess, exclude)
		if provider == nil {
			break
		}

		// passthrough traffic is vendor-native and exempt from the coarse
		// vendor-type breaker
		if !sess.Passthrough && f.vendorBreaker.IsOpen(provider.VendorTypeKey()) {
			sess.Chain.Append(domain.DecisionEntry{
				ProviderID:   provider.ID,
				Reason:       domain.ReasonRetryFailed,
				Attempt:      0,
				ErrorMessage: (&domain.VendorBreakerOpenError{VendorTypeKey: provider.VendorTypeKey()}).Error(),
				CircuitState: "open",
				Details:      map[string]any{"vendor_breaker": provider.VendorTypeKey()},
			})
			exclude[provider.ID] = true
			continue
		}

		res, v, err := f.runProvider(ctx, sess, provider)
		switch v {
		case verdictDone:
			return res, nil
		case verdictTerminal:
			return nil, err
		}

		exclude[provider.ID] = true
		switches++
		if f.stats != nil {
			f.stats.RecordProviderSwitch()
		}
		f.log.WarnWithProvider("provider exhausted, failing over", provider.ID,
			"switches", switches, "error", errString(err))
	}

	return nil, &domain.AllProvidersUnavailableError{}
}

// pickProvider selects the next candidate. When strict agent filtering
// leaves the pool empty it retries once ignoring agent rules, recording the
// legacy fallback in the chain.
func (f *Forwarder) pickProvider(sess *domain.Session, exclude map[string]bool) *domain.Provider {
	providers := f.directory.Providers()
	opts := balancer.PickOptions{AllowOpenBreaker: sess.Probe}

	p := f.resolver.PickProvider(sess, providers, exclude, f.providerBreakers.IsOpen, opts)
	if p != nil {
		return p
	}

	if sess.ClientAgent == "" {
		return nil
	}
	relaxed := *sess
	relaxed.ClientAgent = ""
	p = f.resolver.PickProvider(&relaxed, providers, exclude, f.providerBreakers.IsOpen, opts)
	if p == nil {
		return nil
	}
	sess.Chain.Append(domain.DecisionEntry{
		ProviderID: p.ID,
		Reason:     domain.ReasonStrictBlocked,
		Details:    map[string]any{"client_agent": sess.ClientAgent},
	})
	return p
}

// runProvider runs one provider's attempt budget against its endpoint list
func (f *Forwarder) runProvider(ctx context.Context, sess *domain.Session, provider *domain.Provider) (*Result, verdict, error) {
	sess.Provider = provider

	maxAttempts := util.ClampInt(provider.MaxRetryAttempts, constants.MinRetryAttempts, constants.MaxRetryAttempts)
	if provider.MaxRetryAttempts <= 0 {
		maxAttempts = util.ClampInt(f.cfg.MaxRetryAttemptsDefault, constants.MinRetryAttempts, constants.MaxRetryAttempts)
	}
	if sess.Probe || sess.CountTokens {
		maxAttempts = 1
	}

	endpoints := f.providerEndpoints(sess, provider, maxAttempts)
	if len(endpoints) == 0 {
		sess.Chain.Append(domain.DecisionEntry{
			ProviderID:   provider.ID,
			Reason:       domain.ReasonSystemError,
			ErrorMessage: "no live endpoints for provider",
		})
		return nil, verdictNextProvider, &domain.AllProvidersUnavailableError{}
	}

	if sess.Probe {
		f.providerBreakers.ProbeAccess(provider.BreakerKey())
	}

	var (
		epIdx            int
		forceHTTP1       bool
		http2Fallback    bool
		thinkingStripped bool
		budgetRaised     bool
		extraBudget      int
		attemptNo        int
		lastCategory     = classifier.Category(-1)
		timedOut         = make(map[string]bool)
		lastErr          error
	)

	for attempt := 0; attempt < maxAttempts+extraBudget; attempt++ {
		if epIdx > len(endpoints)-1 {
			epIdx = len(endpoints) - 1
		}
		ep := endpoints[epIdx]
		attemptNo++
		sess.Sequence++
		if attempt > 0 && !sess.Probe {
			f.sleep(constants.RetryDelayMs * time.Millisecond)
		}
		if sess.Probe {
			f.endpointBreakers.ProbeAccess(ep.ID)
		}

		start := time.Now()
		res, err := f.attempt(ctx, sess, provider, ep, attemptNo, forceHTTP1)
		if err == nil {
			f.recordAttemptStats(provider.ID, "success", start)
			if !res.Streaming {
				f.settleSuccess(sess, provider, ep, attemptNo, res.Status)
			}
			return res, verdictDone, nil
		}
		lastErr = err
		f.recordAttemptStats(provider.ID, "failure", start)

		// one free HTTP/1.1 retry for h2 frame-level failures; the pooled
		// agent is torn down so the retry dials fresh
		if agentpool.IsHTTP2ProtocolError(err) && !http2Fallback {
			http2Fallback = true
			forceHTTP1 = true
			attempt--
			f.retireAgent(provider, ep)
			sess.Chain.Append(domain.DecisionEntry{
				ProviderID:   provider.ID,
				EndpointID:   ep.ID,
				Reason:       domain.ReasonHTTP2Fallback,
				Attempt:      attemptNo,
				ErrorMessage: err.Error(),
			})
			continue
		}

		category := f.classifier.Classify(ctx, err)

		// count_tokens calls surface upstream failures verbatim: no retries,
		// no failover, no breaker movement
		if sess.CountTokens {
			sess.Chain.Append(terminalEntry(provider, ep, attemptNo, category, err))
			return nil, verdictTerminal, err
		}

		// some upstream complaints are fixable by rewriting the request;
		// each interjection grants one extra attempt, once per request
		msg := errMessage(err)
		if feat := degradedFeatureFromMessage(msg); feat != "" && !f.degraded.IsDisabled(provider.ID, feat) {
			f.degraded.Disable(provider.ID, feat)
			extraBudget++
			continue
		}
		if m := f.classifier.Detect(ctx, msg); m.Matched {
			if m.Category == classifier.RuleCategoryThinkingSignature {
				if !thinkingStripped && rectifier.StripThinkingBlocks(sess) {
					thinkingStripped = true
					extraBudget++
					continue
				}
				if thinkingStripped {
					// the post-strip retry failed the same way: the request
					// itself is at fault
					sess.Chain.Append(terminalEntry(provider, ep, attemptNo, classifier.CategoryNonRetryableClient, err))
					return nil, verdictTerminal, err
				}
			}
			if m.Category == classifier.RuleCategoryThinkingBudget && !budgetRaised {
				if rectifier.RaiseThinkingBudget(sess, constants.MinThinkingBudgetTokens) {
					budgetRaised = true
					extraBudget++
					continue
				}
			}
		}

		switch category {
		case classifier.CategoryClientAbort, classifier.CategoryNonRetryableClient:
			sess.Chain.Append(terminalEntry(provider, ep, attemptNo, category, err))
			return nil, verdictTerminal, err

		case classifier.CategoryResourceNotFound:
			// retried on the same endpoint until the budget runs out, then
			// the provider is excluded; never counted against any breaker
			sess.Chain.Append(domain.DecisionEntry{
				ProviderID:   provider.ID,
				EndpointID:   ep.ID,
				Reason:       domain.ReasonResourceNotFound,
				Attempt:      attemptNo,
				StatusCode:   statusOf(err),
				ErrorMessage: errMessage(err),
			})

		case classifier.CategoryProviderError:
			var timeoutErr *domain.TimeoutError
			if errors.As(err, &timeoutErr) {
				timedOut[ep.ID] = true
				// the endpoint breaker moves on timeouts, not on plain 5xx
				if !sess.Probe {
					f.endpointBreakers.RecordFailure(ep.ID, breakerSettings(provider))
				}
			}
			sess.Chain.Append(domain.DecisionEntry{
				ProviderID:   provider.ID,
				EndpointID:   ep.ID,
				Reason:       domain.ReasonRetryFailed,
				Attempt:      attemptNo,
				StatusCode:   statusOf(err),
				ErrorMessage: errMessage(err),
				CircuitState: f.providerBreakers.Snapshot(provider.BreakerKey()).State.String(),
			})
			// endpoint stickiness: provider-level faults stay on the same
			// endpoint

		default: // system error
			if agentpool.IsTLSFault(err) {
				f.retireAgent(provider, ep)
			}
			if !sess.Probe {
				f.endpointBreakers.RecordFailure(ep.ID, breakerSettings(provider))
			}
			sess.Chain.Append(domain.DecisionEntry{
				ProviderID:   provider.ID,
				EndpointID:   ep.ID,
				Reason:       domain.ReasonSystemError,
				Attempt:      attemptNo,
				ErrorMessage: errMessage(err),
			})
			// only a transport-level fault moves to the next endpoint; the
			// last one absorbs the remaining attempts
			epIdx++
		}
		lastCategory = category
	}

	// exhausting the budget costs the provider breaker one failure, not one
	// per attempt
	if !sess.Probe {
		switch lastCategory {
		case classifier.CategoryProviderError:
			f.providerBreakers.RecordFailure(provider.BreakerKey(), breakerSettings(provider))
		case classifier.CategorySystemError:
			if f.cfg.BreakerOnNetworkErrors {
				f.providerBreakers.RecordFailure(provider.BreakerKey(), breakerSettings(provider))
			}
		}
	}

	if len(timedOut) == len(endpoints) && len(endpoints) > 0 {
		f.vendorBreaker.Trip(provider.VendorTypeKey())
		f.log.WarnWithProvider("all endpoints timed out, tripping vendor-type breaker", provider.ID,
			"vendor_type", provider.VendorTypeKey())
	}

	return nil, verdictNextProvider, lastErr
}

// providerEndpoints resolves the ordered endpoint list; a provider with a
// BaseURL but no registered endpoints gets a synthetic one
func (f *Forwarder) providerEndpoints(sess *domain.Session, provider *domain.Provider, maxAttempts int) []*domain.Endpoint {
	isOpen := f.endpointBreakers.IsOpen
	if sess.Probe {
		isOpen = nil
	}
	endpoints := balancer.PickEndpoints(f.directory.Endpoints(), provider.VendorID, provider.Type, maxAttempts, isOpen)
	if len(endpoints) == 0 && provider.BaseURL != "" {
		endpoints = []*domain.Endpoint{{
			ID:        provider.ID,
			VendorID:  provider.VendorID,
			Type:      provider.Type,
			URLString: provider.BaseURL,
			Enabled:   true,
		}}
	}
	return endpoints
}

// attempt performs a single upstream round trip
func (f *Forwarder) attempt(ctx context.Context, sess *domain.Session, provider *domain.Provider, ep *domain.Endpoint, attemptNo int, forceHTTP1 bool) (*Result, error) {
	body, err := f.rectifier.Prepare(sess, provider)
	if err != nil {
		return nil, err
	}

	// features this upstream has recently rejected are withheld until the
	// degraded window expires
	if f.degraded.IsDisabled(provider.ID, FeatureContext1M) {
		rectifier.DropBetaFlag(sess, constants.BetaContext1M)
	}
	if f.degraded.IsDisabled(provider.ID, FeatureCacheTTL1h) {
		rectifier.DropBetaFlag(sess, constants.BetaExtendedCacheTTL)
	}

	base := ep.GetURLString()
	if provider.BaseURL != "" {
		base = provider.BaseURL
	}
	targetURL, err := url.Parse(util.ResolveURLPath(util.NormaliseBaseURL(base), sess.Path))
	if err != nil {
		return nil, err
	}

	transport, err := f.pool.Transport(provider, targetURL.Scheme+"://"+targetURL.Host, forceHTTP1)
	if err != nil {
		return nil, err
	}

	attemptCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(attemptCtx, sess.Method, targetURL.String(), bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header = rectifier.PrepareHeaders(sess, provider, targetURL)
	req.Host = targetURL.Host

	// first-byte budget: cancel if headers do not arrive in time
	headerBudget := provider.Timeouts.FirstByteStreaming
	if !sess.Streaming {
		headerBudget = provider.Timeouts.TotalNonStreaming
		if headerBudget <= 0 {
			headerBudget = f.cfg.FetchBodyTimeout
		}
	} else if headerBudget <= 0 {
		headerBudget = f.cfg.FetchHeadersTimeout
	}

	var timedOut atomic.Bool
	headerTimer := time.AfterFunc(headerBudget, func() {
		timedOut.Store(true)
		cancel()
	})

	resp, err := transport.RoundTrip(req)
	if err != nil {
		headerTimer.Stop()
		cancel()
		return nil, f.mapTransportError(ctx, err, timedOut.Load(), sess, provider, ep)
	}

	if isEventStream(resp) && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// the header budget stays armed across the opening read: a stream
		// that sends headers and then nothing is still a first-byte timeout
		res, handErr := f.handoffStream(sess, provider, ep, attemptNo, resp, cancel)
		headerTimer.Stop()
		if handErr != nil {
			return nil, f.mapTransportError(ctx, handErr, timedOut.Load(), sess, provider, ep)
		}
		return res, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer cancel()
		defer resp.Body.Close()
		headerTimer.Stop()
		return nil, extractUpstreamError(resp, provider.ID, ep.ID)
	}

	// non-streaming success path: the header timer keeps running as the
	// total budget while the body is read
	payload, readErr := io.ReadAll(decodeBody(resp))
	headerTimer.Stop()
	resp.Body.Close()
	cancel()
	if readErr != nil {
		return nil, f.mapTransportError(ctx, readErr, timedOut.Load(), sess, provider, ep)
	}
	if emptyErr := checkEmptyResponse(sess, resp.StatusCode, payload); emptyErr != nil {
		emptyErr.ProviderID = provider.ID
		return nil, emptyErr
	}

	header := resp.Header.Clone()
	header.Del("Content-Encoding")
	header.Del("Content-Length")
	return &Result{
		Status:     resp.StatusCode,
		Header:     header,
		Body:       payload,
		ProviderID: provider.ID,
		EndpointID: ep.ID,
	}, nil
}

// handoffStream scans for an opening error event, arms the idle watchdog
// and parks the deferred settlement record on the session
func (f *Forwarder) handoffStream(sess *domain.Session, provider *domain.Provider, ep *domain.Endpoint, attemptNo int, resp *http.Response, cancel context.CancelFunc) (*Result, error) {
	stream, upstreamErr, err := scanStreamError(decodeBody(resp))
	if err != nil {
		resp.Body.Close()
		cancel()
		return nil, err
	}
	if upstreamErr != nil {
		stream.Close()
		cancel()
		upstreamErr.ProviderID = provider.ID
		upstreamErr.EndpointID = ep.ID
		return nil, upstreamErr
	}

	idle := provider.Timeouts.StreamingIdle
	if idle <= 0 {
		idle = defaultStreamingIdle
	}

	sess.StoreFinalization(&domain.DeferredFinalization{
		ProviderID:     provider.ID,
		EndpointID:     ep.ID,
		Attempt:        attemptNo,
		UpstreamStatus: resp.StatusCode,
	})

	return &Result{
		Status:     resp.StatusCode,
		Header:     resp.Header.Clone(),
		Stream:     newIdleWatchdogBody(stream, idle, cancel, provider.ID, ep.ID),
		Streaming:  true,
		ProviderID: provider.ID,
		EndpointID: ep.ID,
	}, nil
}

// Finalize settles a deferred streaming attempt once the stream has been
// fully relayed (or died). One-shot: later calls are no-ops.
func (f *Forwarder) Finalize(sess *domain.Session, streamErr error) {
	fin := sess.TakeFinalization()
	if fin == nil {
		return
	}
	provider := f.directory.ProviderByID(fin.ProviderID)
	if provider == nil {
		return
	}

	if streamErr == nil {
		f.settleSuccess(sess, provider, &domain.Endpoint{ID: fin.EndpointID}, fin.Attempt, fin.UpstreamStatus)
		return
	}

	var abortErr *domain.ClientAbortError
	if errors.As(streamErr, &abortErr) {
		// mid-stream disconnects are the client's doing; the provider keeps
		// its standing
		sess.Chain.Append(domain.DecisionEntry{
			ProviderID:   fin.ProviderID,
			EndpointID:   fin.EndpointID,
			Reason:       domain.ReasonSystemError,
			Attempt:      fin.Attempt,
			StatusCode:   constants.StatusClientAbort,
			ErrorMessage: "Client aborted",
		})
		return
	}

	var timeoutErr *domain.TimeoutError
	isTimeout := errors.As(streamErr, &timeoutErr)
	if isTimeout || f.cfg.BreakerOnNetworkErrors {
		if !sess.Probe {
			set := breakerSettings(provider)
			f.providerBreakers.RecordFailure(provider.BreakerKey(), set)
			f.endpointBreakers.RecordFailure(fin.EndpointID, set)
		}
	}
	sess.Chain.Append(domain.DecisionEntry{
		ProviderID:   fin.ProviderID,
		EndpointID:   fin.EndpointID,
		Reason:       domain.ReasonRetryFailed,
		Attempt:      fin.Attempt,
		StatusCode:   statusOf(streamErr),
		ErrorMessage: streamErr.Error(),
	})
}

func (f *Forwarder) settleSuccess(sess *domain.Session, provider *domain.Provider, ep *domain.Endpoint, attempt, status int) {
	// the attempt number is per provider; whether this counts as a plain
	// success or a recovered one depends on the whole request's history
	reason := domain.ReasonRetrySuccess
	if sess.Sequence <= 1 {
		reason = domain.ReasonRequestSuccess
	}
	sess.Chain.Append(domain.DecisionEntry{
		ProviderID: provider.ID,
		EndpointID: ep.ID,
		Reason:     reason,
		Attempt:    attempt,
		StatusCode: status,
	})
	if !sess.Probe {
		set := breakerSettings(provider)
		f.providerBreakers.RecordSuccess(provider.BreakerKey(), set)
		f.endpointBreakers.RecordSuccess(ep.ID, set)
	}
}

// retireAgent evicts the pooled transports for the endpoint's origin after
// a connection-level fault (TLS handshake, h2 frame errors)
func (f *Forwarder) retireAgent(provider *domain.Provider, ep *domain.Endpoint) {
	if origin := endpointOrigin(provider, ep); origin != "" {
		f.pool.MarkUnhealthy(origin)
	}
}

func endpointOrigin(provider *domain.Provider, ep *domain.Endpoint) string {
	base := ep.GetURLString()
	if provider.BaseURL != "" {
		base = provider.BaseURL
	}
	u, err := url.Parse(util.NormaliseBaseURL(base))
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// terminalEntry builds the chain entry for an error that ends the request
// on the spot
func terminalEntry(provider *domain.Provider, ep *domain.Endpoint, attempt int, category classifier.Category, err error) domain.DecisionEntry {
	e := domain.DecisionEntry{
		ProviderID:   provider.ID,
		EndpointID:   ep.ID,
		Attempt:      attempt,
		StatusCode:   statusOf(err),
		ErrorMessage: errMessage(err),
	}
	switch category {
	case classifier.CategoryClientAbort:
		e.Reason = domain.ReasonSystemError
		e.StatusCode = constants.StatusClientAbort
		e.ErrorMessage = "Client aborted"
	case classifier.CategoryNonRetryableClient:
		e.Reason = domain.ReasonClientErrorNonRetryable
	case classifier.CategoryResourceNotFound:
		e.Reason = domain.ReasonResourceNotFound
	case classifier.CategoryProviderError:
		e.Reason = domain.ReasonRetryFailed
	default:
		e.Reason = domain.ReasonSystemError
	}
	return e
}

func (f *Forwarder) recordAttemptStats(providerID, outcome string, start time.Time) {
	if f.stats != nil {
		f.stats.RecordAttempt(providerID, outcome, time.Since(start))
	}
}

// mapTransportError turns a round-trip failure into the right domain error:
// client cancellation wins, then our own timeout, then the raw fault
func (f *Forwarder) mapTransportError(clientCtx context.Context, err error, timedOut bool, sess *domain.Session, provider *domain.Provider, ep *domain.Endpoint) error {
	if clientCtx.Err() != nil {
		return &domain.ClientAbortError{Cause: clientCtx.Err()}
	}
	if timedOut {
		phase := domain.TimeoutPhaseTotal
		if sess.Streaming {
			phase = domain.TimeoutPhaseFirstByte
		}
		return &domain.TimeoutError{
			Phase:      phase,
			Elapsed:    time.Since(sess.StartTime),
			ProviderID: provider.ID,
			EndpointID: ep.ID,
		}
	}
	return err
}

func breakerSettings(p *domain.Provider) breaker.Settings {
	return breaker.Settings{
		FailureThreshold: p.Breaker.FailureThreshold,
		OpenDuration:     p.Breaker.OpenDuration,
		HalfOpenQuota:    p.Breaker.HalfOpenQuota,
	}
}

// degradedFeatureFromMessage maps an upstream rejection message to the
// optional feature that provoked it, if any
func degradedFeatureFromMessage(msg string) string {
	switch {
	case strings.Contains(msg, constants.BetaContext1M), strings.Contains(msg, "context-1m"):
		return FeatureContext1M
	case strings.Contains(msg, constants.BetaExtendedCacheTTL), strings.Contains(msg, "extended-cache-ttl"):
		return FeatureCacheTTL1h
	}
	return ""
}

func statusOf(err error) int {
	var httpErr *domain.UpstreamHTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	var inputErr *domain.ClientInputError
	if errors.As(err, &inputErr) {
		return inputErr.StatusCode
	}
	var timeoutErr *domain.TimeoutError
	if errors.As(err, &timeoutErr) {
		return timeoutErr.StatusCode()
	}
	return 0
}

func errMessage(err error) string {
	var httpErr *domain.UpstreamHTTPError
	if errors.As(err, &httpErr) && httpErr.Message != "" {
		return httpErr.Message
	}
	return err.Error()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
