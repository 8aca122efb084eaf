package governance

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-kms-handoff/interfaces"
)

// CommitteeResponse is returned by the committee endpoint.
type CommitteeResponse struct {
	HandoffID interfaces.HandoffID `json:"handoff"`
	Committee interfaces.Committee `json:"committee"`
}

// Handler exposes the operator surface of a Governance over HTTP: epoch
// announcements, abandonment and committee lookup. Node submissions stay
// in-process.
type Handler struct {
	gov *Governance
	log *slog.Logger
}

// NewHandler creates a handler for gov.
func NewHandler(gov *Governance, log *slog.Logger) *Handler {
	return &Handler{gov: gov, log: log}
}

// RegisterRoutes mounts the governance endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/governance/epoch", h.HandleEpoch)
	r.Post("/api/governance/abandon", h.HandleAbandon)
	r.Get("/api/governance/committee/{runtime}/{scheme}", h.HandleCommittee)
}

// HandleEpoch announces an epoch.
//
// URL format: POST /api/governance/epoch
// Request body: JSON EpochEvent
// Response: JSON CommitteeResponse
func (h *Handler) HandleEpoch(w http.ResponseWriter, r *http.Request) {
	var ev interfaces.EpochEvent
	if err := decode(r.Body, &ev); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.gov.AnnounceEpoch(ev); err != nil {
		h.writeError(w, fmt.Errorf("could not announce epoch: %w", err))
		return
	}
	writeJSON(w, CommitteeResponse{HandoffID: ev.HandoffID(), Committee: ev.Committee})
}

// HandleAbandon abandons the current handoff.
//
// URL format: POST /api/governance/abandon
// Request body: JSON AbandonEvent
func (h *Handler) HandleAbandon(w http.ResponseWriter, r *http.Request) {
	var ev interfaces.AbandonEvent
	if err := decode(r.Body, &ev); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.gov.Abandon(ev.HandoffID, ev.Reason); err != nil {
		h.writeError(w, fmt.Errorf("could not abandon handoff: %w", err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HandleCommittee returns the latest announced committee of a runtime+scheme.
//
// URL format: GET /api/governance/committee/{runtime}/{scheme}
func (h *Handler) HandleCommittee(w http.ResponseWriter, r *http.Request) {
	runtime, err := interfaces.NewRuntimeIDFromHex(r.PathValue("runtime"))
	if err != nil {
		http.Error(w, fmt.Errorf("invalid runtime id: %w", err).Error(), http.StatusBadRequest)
		return
	}
	scheme, err := strconv.ParseUint(r.PathValue("scheme"), 10, 8)
	if err != nil {
		http.Error(w, fmt.Errorf("invalid scheme: %w", err).Error(), http.StatusBadRequest)
		return
	}

	id, committee, ok := h.gov.Committee(interfaces.SchemeKey{Runtime: runtime, Scheme: uint8(scheme)})
	if !ok {
		http.Error(w, "no epoch announced", http.StatusNotFound)
		return
	}
	writeJSON(w, CommitteeResponse{HandoffID: id, Committee: committee})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, interfaces.ErrStaleHandoff):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		h.log.Debug("rejected governance request", "err", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func decode(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, 1<<20))
	if err != nil {
		return fmt.Errorf("could not read request body: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
