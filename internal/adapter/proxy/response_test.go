package proxy

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/arbiterhq/arbiter/internal/core/domain"
)

func TestParseErrorBodyShapes(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantMsg  string
		wantType string
	}{
		{
			name:     "anthropic shape",
			body:     `{"error":{"message":"Overloaded","type":"overloaded_error"}}`,
			wantMsg:  "Overloaded",
			wantType: "overloaded_error",
		},
		{
			name:    "error object without type",
			body:    `{"error":{"message":"rate limited"}}`,
			wantMsg: "rate limited",
		},
		{
			name:    "error as string",
			body:    `{"error":"something broke"}`,
			wantMsg: "something broke",
		},
		{
			name:    "bare message",
			body:    `{"message":"bad gateway"}`,
			wantMsg: "bad gateway",
		},
		{
			name:    "fastapi detail list",
			body:    `{"detail":[{"msg":"field required","loc":["body","model"]}]}`,
			wantMsg: "field required",
		},
		{
			name:    "plain text fallback",
			body:    `<html>502 Bad Gateway</html>`,
			wantMsg: "<html>502 Bad Gateway</html>",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, typ := parseErrorBody([]byte(tt.body))
			if msg != tt.wantMsg {
				t.Fatalf("message = %q, want %q", msg, tt.wantMsg)
			}
			if typ != tt.wantType {
				t.Fatalf("type = %q, want %q", typ, tt.wantType)
			}
		})
	}
}

func TestParseErrorBodyTruncatesLongText(t *testing.T) {
	long := strings.Repeat("x", 2000)
	msg, _ := parseErrorBody([]byte(long))
	if len(msg) > 510 {
		t.Fatalf("expected truncation around 500 bytes, got %d", len(msg))
	}
	if !strings.HasSuffix(msg, "...") {
		t.Fatal("truncated text must carry an ellipsis")
	}
}

func TestCheckEmptyResponse(t *testing.T) {
	sess := &domain.Session{Format: domain.FormatAnthropic}

	if err := checkEmptyResponse(sess, 200, nil); err == nil || err.Reason != "empty_body" {
		t.Fatalf("empty body must be promoted, got %v", err)
	}
	if err := checkEmptyResponse(sess, 200, []byte(`{"content":[]}`)); err == nil || err.Reason != "missing_content" {
		t.Fatalf("empty content must be promoted, got %v", err)
	}
	if err := checkEmptyResponse(sess, 200, []byte(`{"content":[{"type":"text"}]}`)); err != nil {
		t.Fatalf("populated content must pass, got %v", err)
	}
	if err := checkEmptyResponse(sess, 500, nil); err != nil {
		t.Fatal("non-2xx responses are not the empty check's business")
	}

	openai := &domain.Session{Format: domain.FormatOpenAI}
	if err := checkEmptyResponse(openai, 200, []byte(`{"choices":[]}`)); err == nil {
		t.Fatal("empty choices must be promoted")
	}
}

func TestDecodeBodyToleratesTruncatedGzip(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write([]byte(`{"error":{"message":"partial"}}`))
	gz.Flush() // deliberately no Close: stream is truncated

	resp := &http.Response{
		Header: http.Header{"Content-Encoding": []string{"gzip"}},
		Body:   io.NopCloser(&buf),
	}
	got, err := io.ReadAll(decodeBody(resp))
	if err != nil {
		t.Fatalf("truncated gzip must read cleanly, got %v", err)
	}
	if !strings.Contains(string(got), "partial") {
		t.Fatalf("payload lost: %q", got)
	}
}

func TestExtractUpstreamError(t *testing.T) {
	resp := &http.Response{
		StatusCode: 429,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(`{"error":{"message":"Number of requests has exceeded your rate limit","type":"rate_limit_error"}}`)),
	}
	got := extractUpstreamError(resp, "p1", "e1")
	if got.StatusCode != 429 || got.ProviderID != "p1" || got.EndpointID != "e1" {
		t.Fatalf("identity lost: %+v", got)
	}
	if got.Type != "rate_limit_error" || !strings.Contains(got.Message, "rate limit") {
		t.Fatalf("message lost: %+v", got)
	}
}
