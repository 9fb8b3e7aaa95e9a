package domain

import (
	"net/url"
	"time"
)

// ProbeResult is the last observed health probe outcome for an endpoint.
// Probes are recorded by the admin plane; the selector only reads them.
type ProbeResult struct {
	Ok        bool
	LatencyMs int64
	CheckedAt time.Time
}

// Endpoint is a distinct URL belonging to one vendor for one provider-type
type Endpoint struct {
	ID        string
	VendorID  string
	Type      ProviderType
	URL       *url.URL
	URLString string
	Label     string
	SortHint  int
	Enabled   bool
	LastProbe ProbeResult
}

func (e *Endpoint) GetURLString() string {
	if e.URLString != "" {
		return e.URLString
	}
	if e.URL != nil {
		return e.URL.String()
	}
	return ""
}

// Origin returns scheme://host for agent pool keying
func (e *Endpoint) Origin() string {
	if e.URL == nil {
		return ""
	}
	return e.URL.Scheme + "://" + e.URL.Host
}

// Probed reports whether the endpoint has a recorded probe outcome
func (e *Endpoint) Probed() bool {
	return !e.LastProbe.CheckedAt.IsZero()
}
