package app

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/arbiterhq/arbiter/internal/adapter/breaker"
	"github.com/arbiterhq/arbiter/internal/core/constants"
)

type breakerStatus struct {
	State    string `json:"state"`
	Failures int    `json:"failures"`
	Manual   bool   `json:"manual_open,omitempty"`
}

type statusResponse struct {
	Uptime           string                   `json:"uptime"`
	Providers        int                      `json:"providers"`
	Agents           int                      `json:"agents"`
	ProviderBreakers map[string]breakerStatus `json:"provider_breakers"`
	EndpointBreakers map[string]breakerStatus `json:"endpoint_breakers"`
	DegradedFeatures []string                 `json:"degraded_features"`
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
	w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Uptime:           time.Since(a.startTime).Round(time.Second).String(),
		Providers:        len(a.registry.Providers()),
		Agents:           a.pool.Len(),
		ProviderBreakers: breakerStatuses(a.providerBreakers),
		EndpointBreakers: breakerStatuses(a.endpointBreakers),
		DegradedFeatures: a.degraded.Active(),
	}
	w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
	json.NewEncoder(w).Encode(resp)
}

func breakerStatuses(reg *breaker.Registry) map[string]breakerStatus {
	out := make(map[string]breakerStatus)
	for _, id := range reg.Keys() {
		snap := reg.Snapshot(id)
		out[id] = breakerStatus{
			State:    snap.State.String(),
			Failures: snap.Failures,
			Manual:   snap.ManualOpen,
		}
	}
	return out
}

// handleBreakerReset force-closes (or force-opens) a breaker by id:
// POST /internal/breakers/reset?scope=provider&id=p1&open=false
func (a *App) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	open := r.URL.Query().Get("open") == "true"

	switch r.URL.Query().Get("scope") {
	case "endpoint":
		a.endpointBreakers.SetManualOpen(id, open)
	case "vendor":
		a.vendorBreaker.Reset(id)
	default:
		a.providerBreakers.SetManualOpen(id, open)
	}
	a.log.Info("breaker override applied", "id", id, "open", open)
	w.WriteHeader(http.StatusNoContent)
}
