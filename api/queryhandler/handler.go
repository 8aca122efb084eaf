package queryhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/ruteri/tee-kms-handoff/cryptoutils"
	"github.com/ruteri/tee-kms-handoff/handoff"
	"github.com/ruteri/tee-kms-handoff/interfaces"
	"github.com/ruteri/tee-kms-handoff/metrics"
)

// maxBodySize bounds request bodies; all requests are small JSON documents.
const maxBodySize = 1 << 16

// maxQueryAge is how far a signed query's timestamp may be from local time.
const maxQueryAge = time.Minute

// Handoffs is what the handler needs from the coordinator.
type Handoffs interface {
	// Lookup returns the committee of id if it is the active handoff of its
	// runtime+scheme.
	Lookup(id interfaces.HandoffID) (interfaces.Committee, bool)
	FetchNow(ctx context.Context, req interfaces.FetchRequest) (interfaces.FetchResponse, error)
	Status(key interfaces.SchemeKey) (handoff.Status, bool)
}

// Shares is the read-only view of the share store the handler serves from.
type Shares interface {
	Metadata(id interfaces.HandoffID) interfaces.ShareMetadata
	GetDealt(id interfaces.HandoffID) *interfaces.EncodedSecretShare
}

// Handler serves the peer-facing handoff endpoints of a node.
//
// Every request is scoped by a HandoffID; requests for a handoff that is not
// the active one of its runtime+scheme are refused with 410 Gone before any
// state is read.
type Handler struct {
	handoffs Handoffs
	shares   Shares
	dealer   interfaces.Dealer
	identity *cryptoutils.Identity
	clock    clock.Clock
	log      *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithClock replaces the wall clock used to check query timestamps.
func WithClock(clk clock.Clock) HandlerOption {
	return func(h *Handler) {
		h.clock = clk
	}
}

// NewHandler creates a handler serving shares dealt by the node with identity.
func NewHandler(handoffs Handoffs, shares Shares, dealer interfaces.Dealer, identity *cryptoutils.Identity, log *slog.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		handoffs: handoffs,
		shares:   shares,
		dealer:   dealer,
		identity: identity,
		clock:    clock.New(),
		log:      log,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes mounts the peer-facing endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/handoff/query", h.HandleQuery)
	r.Post("/api/handoff/fragment", h.HandleFragment)
}

// OperatorRoutes mounts the endpoints that inspect the node or make it act
// under its own identity. They must be served on a listener peers cannot
// reach.
type OperatorRoutes struct {
	h *Handler
}

// Operator returns the operator endpoints of h.
func (h *Handler) Operator() *OperatorRoutes {
	return &OperatorRoutes{h: h}
}

// RegisterRoutes mounts the operator endpoints.
func (o *OperatorRoutes) RegisterRoutes(r chi.Router) {
	r.Post("/api/handoff/fetch", o.h.HandleFetch)
	r.Get("/api/handoff/status/{runtime}/{scheme}", o.h.HandleStatus)
}

// Query answers a metadata query. A query naming a node must be signed by
// that node within maxQueryAge; otherwise nothing beyond "not ready" is
// disclosed.
func (h *Handler) Query(req interfaces.QueryRequest) (*interfaces.QueryResponse, error) {
	if _, active := h.handoffs.Lookup(req.HandoffID); !active {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrStaleHandoff, req.HandoffID)
	}

	if req.NodeID != nil {
		if _, err := cryptoutils.VerifySigner(req.SigningBytes(), req.Signature, *req.NodeID); err != nil {
			h.log.Debug("unauthenticated query", "handoff", req.HandoffID, "node", req.NodeID, "err", err)
			return &interfaces.QueryResponse{}, nil
		}
		age := h.clock.Now().Sub(time.Unix(req.Timestamp, 0))
		if age > maxQueryAge || age < -maxQueryAge {
			h.log.Debug("expired query", "handoff", req.HandoffID, "node", req.NodeID, "age", age)
			return &interfaces.QueryResponse{}, nil
		}
	}

	md := h.shares.Metadata(req.HandoffID)
	if !md.Dealt && !md.Live {
		return &interfaces.QueryResponse{}, nil
	}
	return &interfaces.QueryResponse{
		Ready:    true,
		Dealt:    md.Dealt,
		Live:     md.Live,
		Checksum: md.Checksum,
	}, nil
}

// ServeFragment returns the fragment this node serves to the signer of req,
// sealed to the signer's key.
func (h *Handler) ServeFragment(req interfaces.FragmentRequest) (*interfaces.FragmentResponse, error) {
	committee, active := h.handoffs.Lookup(req.HandoffID)
	if !active {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrStaleHandoff, req.HandoffID)
	}

	pub, err := cryptoutils.VerifySigner(req.SigningBytes(), req.Signature, req.NodeID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrUnauthorized, err)
	}

	target := committee.IndexOf(req.NodeID)
	if target == 0 {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNotMember, req.NodeID)
	}
	source := committee.IndexOf(h.identity.NodeID())
	if source == 0 {
		return nil, fmt.Errorf("%w: serving node is not in the committee", interfaces.ErrNotReady)
	}

	dealt := h.shares.GetDealt(req.HandoffID)
	if dealt == nil {
		return nil, fmt.Errorf("%w: %s not dealt", interfaces.ErrNotReady, req.HandoffID)
	}
	defer cryptoutils.Zeroize(dealt.Polynomial)

	fragment, err := h.dealer.Fragment(dealt, target)
	if err != nil {
		return nil, fmt.Errorf("failed to derive fragment: %w", err)
	}
	defer cryptoutils.Zeroize(fragment)

	sealed, err := cryptoutils.SealFragment(pub, fragment)
	if err != nil {
		return nil, fmt.Errorf("failed to seal fragment: %w", err)
	}

	return &interfaces.FragmentResponse{
		HandoffID:          req.HandoffID,
		Source:             h.identity.NodeID(),
		Index:              interfaces.FragmentIndex{Source: source, Target: target},
		SealedFragment:     sealed,
		VerificationMatrix: dealt.VerificationMatrix,
	}, nil
}

// HandleQuery serves share metadata.
//
// URL format: POST /api/handoff/query
// Request body: JSON QueryRequest
// Response: JSON QueryResponse
func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	var req interfaces.QueryRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, "query", err)
		return
	}

	resp, err := h.Query(req)
	if err != nil {
		h.writeError(w, "query", err)
		return
	}
	h.writeJSON(w, "query", resp)
}

// HandleFragment serves a sealed fragment to a committee member.
//
// URL format: POST /api/handoff/fragment
// Request body: JSON FragmentRequest signed by the requesting member
// Response: JSON FragmentResponse
func (h *Handler) HandleFragment(w http.ResponseWriter, r *http.Request) {
	var req interfaces.FragmentRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, "fragment", err)
		return
	}

	resp, err := h.ServeFragment(req)
	if err != nil {
		h.log.Debug("refused fragment request", "handoff", req.HandoffID, "node", req.NodeID, "err", err)
		h.writeError(w, "fragment", err)
		return
	}
	h.writeJSON(w, "fragment", resp)
}

// HandleFetch makes the node fetch fragments for an active handoff.
//
// URL format: POST /api/handoff/fetch
// Request body: JSON FetchRequest; an empty node list means the whole committee
// Response: JSON FetchResponse
func (h *Handler) HandleFetch(w http.ResponseWriter, r *http.Request) {
	var req interfaces.FetchRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, "fetch", err)
		return
	}

	resp, err := h.handoffs.FetchNow(r.Context(), req)
	if err != nil {
		h.writeError(w, "fetch", err)
		return
	}
	h.writeJSON(w, "fetch", resp)
}

// HandleStatus reports the current handoff of a runtime+scheme.
//
// URL format: GET /api/handoff/status/{runtime}/{scheme}
// The runtime is the hex-encoded 32-byte runtime id.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	runtime, err := interfaces.NewRuntimeIDFromHex(r.PathValue("runtime"))
	if err != nil {
		http.Error(w, fmt.Errorf("invalid runtime id: %w", err).Error(), http.StatusBadRequest)
		metrics.QueryRequests.WithLabelValues("status", strconv.Itoa(http.StatusBadRequest)).Inc()
		return
	}
	scheme, err := strconv.ParseUint(r.PathValue("scheme"), 10, 8)
	if err != nil {
		http.Error(w, fmt.Errorf("invalid scheme: %w", err).Error(), http.StatusBadRequest)
		metrics.QueryRequests.WithLabelValues("status", strconv.Itoa(http.StatusBadRequest)).Inc()
		return
	}

	status, ok := h.handoffs.Status(interfaces.SchemeKey{Runtime: runtime, Scheme: uint8(scheme)})
	if !ok {
		http.Error(w, "no handoff tracked", http.StatusNotFound)
		metrics.QueryRequests.WithLabelValues("status", strconv.Itoa(http.StatusNotFound)).Inc()
		return
	}
	h.writeJSON(w, "status", status)
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("%w: could not read request body: %v", errBadRequest, err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

var errBadRequest = errors.New("bad request")

// statusFor maps protocol errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, interfaces.ErrStaleHandoff):
		return http.StatusGone
	case errors.Is(err, interfaces.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, interfaces.ErrUnauthorized), errors.Is(err, interfaces.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, interfaces.ErrNotMember):
		return http.StatusForbidden
	case errors.Is(err, interfaces.ErrAborted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, endpoint string, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.log.Error("request failed", "endpoint", endpoint, "err", err)
	}
	metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
	http.Error(w, err.Error(), code)
}

func (h *Handler) writeJSON(w http.ResponseWriter, endpoint string, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("could not encode response", "endpoint", endpoint, "err", err)
		return
	}
	metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(http.StatusOK)).Inc()
}
