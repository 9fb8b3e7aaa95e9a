package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arbiterhq/arbiter/internal/adapter/proxy"
	"github.com/arbiterhq/arbiter/internal/core/constants"
	"github.com/arbiterhq/arbiter/internal/core/domain"
	"github.com/arbiterhq/arbiter/internal/core/ports"
	"github.com/arbiterhq/arbiter/internal/util/pattern"
	"github.com/arbiterhq/arbiter/pkg/pool"
)

// streamBuffers backs the client copy loop for event streams
var streamBuffers = pool.NewBytes(32 * 1024)

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(constants.PathMessages, a.handleForward)
	mux.HandleFunc(constants.PathCountTokens, a.handleForward)
	mux.HandleFunc(constants.PathResponses, a.handleForward)
	mux.HandleFunc(constants.PathChatCompletions, a.handleForward)
	mux.HandleFunc(constants.PathModels, a.handleForward)

	mux.HandleFunc("/internal/health", a.handleHealth)
	mux.HandleFunc("/internal/status", a.handleStatus)
	mux.HandleFunc("/internal/status/providers", a.handleStatus)
	mux.HandleFunc("/internal/breakers/reset", a.handleBreakerReset)
	if a.cfg.Metrics.Enabled {
		mux.Handle("/internal/metrics", promhttp.Handler())
	}

	// anything else is vendor-native passthrough
	mux.HandleFunc("/", a.handleForward)

	return a.withMiddleware(mux)
}

// formatForPath maps the inbound route to the request dialect
func formatForPath(path string) domain.RequestFormat {
	switch path {
	case constants.PathMessages, constants.PathCountTokens:
		return domain.FormatAnthropic
	case constants.PathResponses:
		return domain.FormatResponses
	case constants.PathChatCompletions:
		return domain.FormatOpenAI
	default:
		return domain.FormatPassthrough
	}
}

func (a *App) handleForward(w http.ResponseWriter, r *http.Request) {
	sess, key, user, ok := a.openSession(w, r)
	if !ok {
		return
	}

	release, err := a.guard.Admit(r.Context(), sess, key, user)
	if err != nil {
		a.renderer.Render(w, sess, err)
		a.finishRequest(sess, statusForError(err), nil, err)
		return
	}
	// release must run even when the client went away
	defer release(context.WithoutCancel(r.Context()))

	// session affinity: prefer the provider that served this conversation
	// last, best effort
	if pid, err := a.audit.LastProvider(r.Context(), sess.SessionID); err == nil {
		sess.PreferredProviderID = pid
	}

	res, err := a.forwarder.Execute(r.Context(), sess)
	if err != nil {
		a.renderer.Render(w, sess, err)
		a.finishRequest(sess, statusForError(err), nil, err)
		return
	}

	if res.Streaming {
		a.relayStream(w, r, sess, res)
		return
	}

	copyHeaders(w.Header(), res.Header)
	w.Header().Set(constants.HeaderRequestIDEcho, sess.RequestID)
	w.WriteHeader(res.Status)
	w.Write(res.Body)
	a.finishRequest(sess, res.Status, res.Header, nil)
}

// relayStream copies the upstream event stream to the client, flushing per
// chunk, then settles the deferred finalization. The provider only earns a
// success once the copy finishes cleanly.
func (a *App) relayStream(w http.ResponseWriter, r *http.Request, sess *domain.Session, res *proxy.Result) {
	defer res.Stream.Close()

	copyHeaders(w.Header(), res.Header)
	w.Header().Set(constants.HeaderRequestIDEcho, sess.RequestID)
	w.WriteHeader(res.Status)

	flusher, _ := w.(http.Flusher)
	buf := streamBuffers.Get()
	defer streamBuffers.Put(buf)

	var copyErr error
	for {
		n, readErr := res.Stream.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				copyErr = &domain.ClientAbortError{Cause: writeErr}
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				copyErr = readErr
			}
			break
		}
	}

	if copyErr == nil && r.Context().Err() != nil {
		copyErr = &domain.ClientAbortError{Cause: r.Context().Err()}
	}
	a.forwarder.Finalize(sess, copyErr)

	status := res.Status
	if copyErr != nil {
		status = statusForError(copyErr)
	}
	a.finishRequest(sess, status, res.Header, copyErr)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// openSession authenticates the caller and builds the per-request session.
// A false return means the response has already been written.
func (a *App) openSession(w http.ResponseWriter, r *http.Request) (*domain.Session, *domain.Key, *domain.User, bool) {
	agent := r.Header.Get("User-Agent")
	if len(a.cfg.Security.BlockedAgents) > 0 && pattern.MatchesAny(agent, a.cfg.Security.BlockedAgents) {
		http.Error(w, `{"error":{"message":"client not permitted"}}`, http.StatusForbidden)
		return nil, nil, nil, false
	}

	key, user, ok := a.registry.AuthenticateKey(bearerSecret(r))
	if !ok {
		w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
		http.Error(w, `{"error":{"message":"invalid or missing API key"}}`, http.StatusUnauthorized)
		return nil, nil, nil, false
	}
	if !keyAgentPermitted(key, agent) {
		http.Error(w, `{"error":{"message":"client not permitted for this key"}}`, http.StatusForbidden)
		return nil, nil, nil, false
	}

	requestID := r.Header.Get(constants.HeaderXRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	sess := domain.NewSession(requestID)
	sess.Method = r.Method
	sess.Path = r.URL.Path
	sess.Header = r.Header.Clone()
	sess.Format = formatForPath(r.URL.Path)
	sess.Passthrough = sess.Format == domain.FormatPassthrough
	sess.CountTokens = r.URL.Path == constants.PathCountTokens
	sess.Probe = r.Header.Get("X-Arbiter-Probe") == "1"
	sess.ClientAgent = agent
	sess.KeyID = key.ID
	sess.UserID = user.ID
	sess.CacheTTL = key.CacheTTL

	if r.Body != nil && r.Method != http.MethodGet {
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.cfg.Security.MaxBodyBytes))
		if err != nil {
			status := http.StatusBadRequest
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
			http.Error(w, `{"error":{"message":"unreadable request body"}}`, status)
			return nil, nil, nil, false
		}
		sess.RawBody = raw
		if !sess.Passthrough && len(raw) > 0 {
			var body map[string]any
			if err := json.Unmarshal(raw, &body); err != nil {
				w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
				http.Error(w, `{"error":{"message":"request body is not valid JSON"}}`, http.StatusBadRequest)
				return nil, nil, nil, false
			}
			sess.Body = body
			sess.Model, _ = body["model"].(string)
			sess.Streaming, _ = body["stream"].(bool)
		}
	}

	sess.SessionID = deriveSessionID(r, key)
	return sess, key, user, true
}

// keyAgentPermitted evaluates the per-key client-agent patterns: an
// explicit blocklist wins, then a non-empty allowlist must match
func keyAgentPermitted(key *domain.Key, agent string) bool {
	if len(key.BlockedAgents) > 0 && pattern.MatchesAny(agent, key.BlockedAgents) {
		return false
	}
	if len(key.AllowedAgents) > 0 {
		return pattern.MatchesAny(agent, key.AllowedAgents)
	}
	return true
}

// bearerSecret pulls the credential from Authorization or x-api-key
func bearerSecret(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("x-api-key")
}

// deriveSessionID resolves the stable conversation identity: an explicit
// header wins, otherwise the key and client agent pin one synthetic session
func deriveSessionID(r *http.Request, key *domain.Key) string {
	if sid := r.Header.Get("X-Session-ID"); sid != "" {
		return sid
	}
	sum := sha256.Sum256([]byte(key.ID + "|" + r.Header.Get("User-Agent")))
	return hex.EncodeToString(sum[:8])
}

// finishRequest records stats and persists the request audit
func (a *App) finishRequest(sess *domain.Session, status int, upstreamHeader http.Header, finalErr error) {
	duration := time.Since(sess.StartTime)
	a.stats.RecordRequest(status, duration)

	rec := &ports.MessageRequestRecord{
		RequestID:       sess.RequestID,
		SessionID:       sess.SessionID,
		KeyID:           sess.KeyID,
		UserID:          sess.UserID,
		Model:           sess.Model,
		StatusCode:      status,
		DurationMs:      duration.Milliseconds(),
		ProviderChain:   sess.Chain.Entries(),
		SpecialSettings: sess.SpecialSettings,
		RequestHeaders:  snapshotRequestHeaders(sess.Header),
		ResponseHeaders: flattenHeaders(upstreamHeader),
		CreatedAt:       sess.StartTime.UTC(),
	}
	if finalErr != nil {
		rec.ErrorMessage = finalErr.Error()
	}
	if terminal := sess.Chain.Terminal(); terminal != nil {
		rec.UpstreamStatus = terminal.StatusCode
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.audit.SaveMessageRequest(ctx, rec); err != nil {
		a.log.Warn("audit write failed", "request_id", sess.RequestID, "error", err)
	}

	if sess.Provider != nil && status < 400 {
		if err := a.audit.SaveSessionAudit(ctx, &ports.SessionAuditRecord{
			SessionID:  sess.SessionID,
			ProviderID: sess.Provider.ID,
			KeyID:      sess.KeyID,
		}); err != nil {
			a.log.Warn("session audit write failed", "session_id", sess.SessionID, "error", err)
		}
	}
}

// flattenHeaders folds multi-valued headers into one comma-joined string
// per name for persistence
func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, vs := range h {
		out[k] = strings.Join(vs, ", ")
	}
	return out
}

// snapshotRequestHeaders flattens the inbound headers with the tenant
// credentials scrubbed; the audit trail never stores secrets
func snapshotRequestHeaders(h http.Header) map[string]string {
	out := flattenHeaders(h)
	for _, name := range []string{"Authorization", "X-Api-Key"} {
		if _, ok := out[name]; ok {
			out[name] = "[redacted]"
		}
	}
	return out
}

func statusForError(err error) int {
	var rateErr *domain.RateLimitError
	if errors.As(err, &rateErr) {
		return http.StatusTooManyRequests
	}
	var abortErr *domain.ClientAbortError
	if errors.As(err, &abortErr) {
		return constants.StatusClientAbort
	}
	var httpErr *domain.UpstreamHTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	var timeoutErr *domain.TimeoutError
	if errors.As(err, &timeoutErr) {
		return timeoutErr.StatusCode()
	}
	var inputErr *domain.ClientInputError
	if errors.As(err, &inputErr) {
		if inputErr.StatusCode != 0 {
			return inputErr.StatusCode
		}
		return http.StatusBadRequest
	}
	var emptyErr *domain.EmptyResponseError
	if errors.As(err, &emptyErr) {
		return http.StatusBadGateway
	}
	var downErr *domain.AllProvidersUnavailableError
	if errors.As(err, &downErr) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
