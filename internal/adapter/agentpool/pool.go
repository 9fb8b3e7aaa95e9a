package agentpool

import (
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/arbiterhq/arbiter/internal/core/domain"
	"github.com/arbiterhq/arbiter/internal/logger"
)

// agentKey identifies one pooled transport. Two providers pointing at the
// same origin through the same proxy with the same protocol preference share
// a transport and its connection pool.
type agentKey struct {
	origin string
	proxy  string
	http2  bool
}

type agent struct {
	transport *http.Transport
	createdAt time.Time
}

// Pool hands out HTTP transports keyed by upstream origin. Transports are
// created lazily and reused until marked unhealthy.
type Pool struct {
	mu     sync.RWMutex
	agents map[agentKey]*agent
	log    logger.StyledLogger

	// EnableHTTP2 is the process-wide default; per-provider DisableHTTP2
	// still wins
	EnableHTTP2 bool

	DialTimeout     time.Duration
	KeepAlive       time.Duration
	IdleConnTimeout time.Duration
	MaxIdlePerHost  int
}

func New(log logger.StyledLogger, enableHTTP2 bool) *Pool {
	return &Pool{
		agents:          make(map[agentKey]*agent),
		log:             log,
		EnableHTTP2:     enableHTTP2,
		DialTimeout:     10 * time.Second,
		KeepAlive:       30 * time.Second,
		IdleConnTimeout: 90 * time.Second,
		MaxIdlePerHost:  32,
	}
}

// Transport returns the pooled transport for a provider/origin pair,
// creating one on first use. forceHTTP1 overrides both the pool default and
// the provider preference; the forwarder sets it when retrying after an
// HTTP/2 protocol error.
func (p *Pool) Transport(provider *domain.Provider, origin string, forceHTTP1 bool) (http.RoundTripper, error) {
	useHTTP2 := p.EnableHTTP2 && !provider.DisableHTTP2 && !forceHTTP1
	key := agentKey{origin: origin, proxy: provider.ProxyURL, http2: useHTTP2}

	p.mu.RLock()
	a, ok := p.agents[key]
	p.mu.RUnlock()
	if ok {
		return a.transport, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.agents[key]; ok {
		return a.transport, nil
	}

	t, err := p.buildTransport(provider.ProxyURL, useHTTP2)
	if err != nil {
		return nil, err
	}
	p.agents[key] = &agent{transport: t, createdAt: time.Now()}
	p.log.Debug("created upstream agent",
		"origin", origin, "proxy", provider.ProxyURL != "", "http2", useHTTP2)
	return t, nil
}

func (p *Pool) buildTransport(proxyURL string, useHTTP2 bool) (*http.Transport, error) {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   p.DialTimeout,
			KeepAlive: p.KeepAlive,
		}).DialContext,
		MaxIdleConns:          p.MaxIdlePerHost * 4,
		MaxIdleConnsPerHost:   p.MaxIdlePerHost,
		IdleConnTimeout:       p.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     useHTTP2,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, err
		}
		t.Proxy = http.ProxyURL(u)
	}

	if useHTTP2 {
		if err := http2.ConfigureTransport(t); err != nil {
			return nil, err
		}
	} else {
		// non-nil empty map disables the h2 upgrade path entirely
		t.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}
	return t, nil
}

// MarkUnhealthy tears down every pooled transport for the origin, forcing
// fresh connections on the next attempt
func (p *Pool) MarkUnhealthy(origin string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, a := range p.agents {
		if key.origin != origin {
			continue
		}
		a.transport.CloseIdleConnections()
		delete(p.agents, key)
	}
	p.log.Debug("evicted upstream agents", "origin", origin)
}

// Close releases all pooled connections
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, a := range p.agents {
		a.transport.CloseIdleConnections()
		delete(p.agents, key)
	}
}

// Len reports the number of live agents, for the status surface
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.agents)
}

// IsHTTP2ProtocolError reports whether err looks like an h2-layer failure
// that a plain HTTP/1.1 retry could survive. Frame-level errors surface as
// http2.StreamError/GoAwayError; some proxies produce them only as text.
func IsHTTP2ProtocolError(err error) bool {
	if err == nil {
		return false
	}
	var streamErr http2.StreamError
	if errors.As(err, &streamErr) {
		return true
	}
	var goAway *http2.GoAwayError
	if errors.As(err, &goAway) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "http2: ") ||
		strings.Contains(msg, "PROTOCOL_ERROR") ||
		strings.Contains(msg, "INTERNAL_ERROR; received from peer")
}

// IsTLSFault reports whether err is a TLS-layer failure. These poison the
// pooled connection state, so callers evict the origin's agents before
// retrying.
func IsTLSFault(err error) bool {
	if err == nil {
		return false
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "tls:") || strings.Contains(msg, "x509:")
}
