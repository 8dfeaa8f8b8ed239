package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/ris-dicom-connector/internal/adapters"
	"github.com/otcheredev/ris-dicom-connector/internal/config"
	"github.com/otcheredev/ris-dicom-connector/internal/models"
)

// ManagementHandler exposes the configured AETs and their live status
// (§6 External Interfaces, §13 supplemented health-check feature). AET
// configuration itself is read-only at runtime, sourced entirely from the
// YAML file internal/config loads at startup.
type ManagementHandler struct {
	cfg      *config.Config
	adapters *adapters.Factory
}

func NewManagementHandler(cfg *config.Config, factory *adapters.Factory) *ManagementHandler {
	return &ManagementHandler{cfg: cfg, adapters: factory}
}

// ListAETs handles GET /aets.
func (h *ManagementHandler) ListAETs(w http.ResponseWriter, r *http.Request) {
	summaries := make([]models.AETSummary, 0, len(h.cfg.AETs))
	for _, aet := range h.cfg.AETs {
		summaries = append(summaries, models.AETSummary{
			AET:     aet.AET,
			Host:    aet.Host,
			Port:    aet.Port,
			Backend: string(aet.Backend),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summaries)
}

// GetAETStatus handles GET /aets/{aet}, performing a live C-ECHO health
// check against the backend.
func (h *ManagementHandler) GetAETStatus(w http.ResponseWriter, r *http.Request) {
	aet := chi.URLParam(r, "aet")
	if _, ok := h.cfg.ByAET(aet); !ok {
		http.Error(w, "unknown AET", http.StatusNotFound)
		return
	}

	adapter, err := h.adapters.Get(aet)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	status, err := adapter.Echo(r.Context())
	if err != nil {
		log.Warn().Err(err).Str("aet", aet).Msg("AET health check failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

// GetPoolStats handles GET /aets/{aet}/pool-stats, backing gateway-ctl
// pool-stats (§13 supplemented feature).
func (h *ManagementHandler) GetPoolStats(w http.ResponseWriter, r *http.Request) {
	aet := chi.URLParam(r, "aet")
	if _, ok := h.cfg.ByAET(aet); !ok {
		http.Error(w, "unknown AET", http.StatusNotFound)
		return
	}

	adapter, err := h.adapters.Get(aet)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	stats, ok := adapter.PoolStats()
	if !ok {
		http.Error(w, fmt.Sprintf("AET %q backend has no association pool", aet), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}
