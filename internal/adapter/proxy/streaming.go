package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/internal/core/constants"
	"github.com/arbiterhq/arbiter/internal/core/domain"
)

// isEventStream reports whether the upstream response is SSE
func isEventStream(resp *http.Response) bool {
	ct := resp.Header.Get(constants.HeaderContentType)
	return strings.HasPrefix(strings.ToLower(ct), constants.ContentTypeEventStream)
}

// peekWindow bounds how far into a stream the terminal-error scan reads
const peekWindow = 8 * 1024

// scanStreamError inspects the first chunk of an event stream and reports
// whether the upstream opened with a terminal error event instead of
// content. Only the bytes already on the wire are read, so a healthy live
// stream is never stalled; the returned reader replays what was consumed.
// A read failure before any byte arrives is surfaced as the third return so
// the attempt can settle it (first-byte timeouts land here).
func scanStreamError(body io.ReadCloser) (io.ReadCloser, *domain.UpstreamHTTPError, error) {
	buf := make([]byte, 0, peekWindow)
	tmp := make([]byte, 1024)
	n, err := body.Read(tmp)
	buf = append(buf, tmp[:n]...)
	if n == 0 && err != nil && err != io.EOF {
		return nil, nil, err
	}

	// only an error event at the very start counts; errors mid-stream are
	// the client's to observe
	trimmed := bytes.TrimLeft(buf, "\r\n")
	if bytes.HasPrefix(trimmed, []byte("event: error")) || bytes.HasPrefix(trimmed, []byte("event:error")) {
		// an opening error event is terminal and the upstream closes right
		// after it, so draining the rest cannot stall anything
		for err == nil && len(buf) < peekWindow && !bytes.Contains(buf, []byte("\n\n")) {
			n, err = body.Read(tmp)
			buf = append(buf, tmp[:n]...)
		}
		if msg, typ, ok := parseErrorEvent(bytes.TrimLeft(buf, "\r\n")); ok {
			return body, &domain.UpstreamHTTPError{
				StatusCode: http.StatusBadGateway,
				Message:    msg,
				Type:       typ,
				RawBody:    append([]byte(nil), buf...),
			}, nil
		}
	}

	return &replayBody{r: io.MultiReader(bytes.NewReader(buf), body), c: body}, nil, nil
}

// parseErrorEvent pulls the message out of an SSE error event's data line
func parseErrorEvent(head []byte) (message, errType string, ok bool) {
	for _, line := range bytes.Split(head, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(line[len("data:"):])
		var parsed struct {
			Type  string `json:"type"`
			Error struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(payload, &parsed); err != nil {
			continue
		}
		if parsed.Error.Message != "" {
			return parsed.Error.Message, parsed.Error.Type, true
		}
	}
	return "", "", false
}

type replayBody struct {
	r io.Reader
	c io.Closer
}

func (b *replayBody) Read(p []byte) (int, error) { return b.r.Read(p) }
func (b *replayBody) Close() error               { return b.c.Close() }

// idleWatchdogBody aborts a stream whose upstream stops producing bytes.
// Each successful read re-arms the timer; when it fires, the attempt's
// context is cancelled, which surfaces here as a TimeoutError.
type idleWatchdogBody struct {
	body    io.ReadCloser
	timeout time.Duration
	cancel  context.CancelFunc

	mu    sync.Mutex
	timer *time.Timer
	fired bool
	start time.Time

	providerID string
	endpointID string
}

func newIdleWatchdogBody(body io.ReadCloser, timeout time.Duration, cancel context.CancelFunc, providerID, endpointID string) *idleWatchdogBody {
	w := &idleWatchdogBody{
		body:       body,
		timeout:    timeout,
		cancel:     cancel,
		start:      time.Now(),
		providerID: providerID,
		endpointID: endpointID,
	}
	w.timer = time.AfterFunc(timeout, w.fire)
	return w
}

func (w *idleWatchdogBody) fire() {
	w.mu.Lock()
	w.fired = true
	w.mu.Unlock()
	w.cancel()
}

func (w *idleWatchdogBody) Read(p []byte) (int, error) {
	n, err := w.body.Read(p)
	w.mu.Lock()
	fired := w.fired
	if !fired && err == nil {
		w.timer.Reset(w.timeout)
	}
	w.mu.Unlock()

	if err != nil && fired {
		return n, &domain.TimeoutError{
			Phase:      domain.TimeoutPhaseStreamingIdle,
			Elapsed:    time.Since(w.start),
			ProviderID: w.providerID,
			EndpointID: w.endpointID,
		}
	}
	return n, err
}

func (w *idleWatchdogBody) Close() error {
	w.mu.Lock()
	w.timer.Stop()
	w.mu.Unlock()
	err := w.body.Close()
	w.cancel()
	return err
}
