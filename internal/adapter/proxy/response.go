package proxy

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/arbiterhq/arbiter/internal/core/constants"
	"github.com/arbiterhq/arbiter/internal/core/domain"
)

// maxErrorBodyBytes bounds how much of an upstream error body is read
const maxErrorBodyBytes = 64 * 1024

// decodeBody wraps the response body with a gzip decoder when the upstream
// compressed anyway. Some providers truncate gzip streams on error paths;
// the decoder swallows the resulting unexpected EOF so callers still see
// the readable prefix.
func decodeBody(resp *http.Response) io.ReadCloser {
	if !strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		return resp.Body
	}
	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		return resp.Body
	}
	return &tolerantGzipBody{gz: gz, raw: resp.Body}
}

type tolerantGzipBody struct {
	gz  *gzip.Reader
	raw io.ReadCloser
}

func (b *tolerantGzipBody) Read(p []byte) (int, error) {
	n, err := b.gz.Read(p)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

func (b *tolerantGzipBody) Close() error {
	b.gz.Close()
	return b.raw.Close()
}

// checkEmptyResponse promotes a 2xx with no usable payload to a retryable
// provider error. A success status with nothing in it is an upstream fault,
// not something to hand the client.
func checkEmptyResponse(sess *domain.Session, status int, body []byte) *domain.EmptyResponseError {
	if status < 200 || status >= 300 {
		return nil
	}
	if len(body) == 0 {
		return &domain.EmptyResponseError{Reason: "empty_body"}
	}

	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil // non-JSON success bodies pass through untouched
	}

	switch sess.Format {
	case domain.FormatAnthropic:
		if content, ok := parsed["content"].([]any); ok && len(content) == 0 {
			return &domain.EmptyResponseError{Reason: "missing_content"}
		}
	case domain.FormatOpenAI, domain.FormatResponses:
		if choices, ok := parsed["choices"].([]any); ok && len(choices) == 0 {
			return &domain.EmptyResponseError{Reason: "missing_content"}
		}
	}
	return nil
}

// extractUpstreamError reads a non-2xx response into an UpstreamHTTPError,
// pulling the human message out of whichever error shape the vendor uses
func extractUpstreamError(resp *http.Response, providerID, endpointID string) *domain.UpstreamHTTPError {
	body, _ := io.ReadAll(io.LimitReader(decodeBody(resp), maxErrorBodyBytes))
	msg, typ := parseErrorBody(body)
	return &domain.UpstreamHTTPError{
		StatusCode: resp.StatusCode,
		Message:    msg,
		Type:       typ,
		RawBody:    body,
		ProviderID: providerID,
		EndpointID: endpointID,
	}
}

// parseErrorBody understands the error shapes seen across vendors:
//
//	{"error": {"message": "...", "type": "..."}}
//	{"error": {"message": "..."}}
//	{"error": "..."}
//	{"message": "..."}
//	{"detail": [{"msg": "..."}]}
//
// Anything else falls back to the truncated raw text.
func parseErrorBody(body []byte) (message, errType string) {
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err == nil {
		switch e := parsed["error"].(type) {
		case map[string]any:
			if msg, ok := e["message"].(string); ok && msg != "" {
				typ, _ := e["type"].(string)
				return msg, typ
			}
		case string:
			if e != "" {
				return e, ""
			}
		}
		if msg, ok := parsed["message"].(string); ok && msg != "" {
			return msg, ""
		}
		if details, ok := parsed["detail"].([]any); ok && len(details) > 0 {
			if d, ok := details[0].(map[string]any); ok {
				if msg, ok := d["msg"].(string); ok && msg != "" {
					return msg, ""
				}
			}
		}
	}
	return truncateText(body, constants.ErrorBodyTruncateBytes), ""
}

// truncateText clips to max bytes without splitting a UTF-8 rune
func truncateText(b []byte, max int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= max {
		return s
	}
	s = s[:max]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s + "..."
}
