package rectifier

import (
	"net/http"
	"net/url"

	"github.com/arbiterhq/arbiter/internal/core/domain"
)

// hopHeaders are stripped from the client request before forwarding
var hopHeaders = []string{
	"Content-Length",
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"Upgrade",
}

// PrepareHeaders builds the outbound header set from the client's headers
// and the provider credential. The proxy handles content decoding itself,
// so upstream compression negotiation is pinned to identity... except gzip,
// which the response path decodes manually.
func PrepareHeaders(sess *domain.Session, provider *domain.Provider, target *url.URL) http.Header {
	out := make(http.Header, len(sess.Header)+4)
	for k, vs := range sess.Header {
		out[k] = append([]string(nil), vs...)
	}

	for _, h := range hopHeaders {
		out.Del(h)
	}

	out.Set("Accept-Encoding", "identity")
	out.Set("Authorization", "Bearer "+provider.APIKey)
	if provider.Type == domain.ProviderTypeAnthropic {
		out.Set("x-api-key", provider.APIKey)
	} else {
		out.Del("x-api-key")
	}
	out.Set("Host", target.Host)

	// user-agent is retained from the client unless the provider overrides
	if out.Get("User-Agent") == "" {
		out.Set("User-Agent", sess.ClientAgent)
	}

	return out
}
