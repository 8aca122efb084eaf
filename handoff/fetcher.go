package handoff

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/tee-kms-handoff/cryptoutils"
	"github.com/ruteri/tee-kms-handoff/interfaces"
	"github.com/ruteri/tee-kms-handoff/metrics"
	"golang.org/x/sync/errgroup"
)

// FetchStatus is the state of one node under fetch.
type FetchStatus int

const (
	FetchPending FetchStatus = iota
	FetchSucceeded
	FetchFailed
)

func (s FetchStatus) String() string {
	switch s {
	case FetchPending:
		return "pending"
	case FetchSucceeded:
		return "succeeded"
	case FetchFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s FetchStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *FetchStatus) UnmarshalText(text []byte) error {
	for candidate := FetchPending; candidate <= FetchFailed; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown fetch status %q", text)
}

// Outcome classifies a fetch result.
type Outcome int

const (
	// OutcomeCompleted means the threshold was reached.
	OutcomeCompleted Outcome = iota
	// OutcomeRetry means the threshold was missed but enough targets remain
	// that are not known to be faulty.
	OutcomeRetry
	// OutcomeImpossible means too many targets are known faulty for the
	// threshold to ever be reached with this committee.
	OutcomeImpossible
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeRetry:
		return "retry"
	case OutcomeImpossible:
		return "impossible"
	default:
		return "unknown"
	}
}

// FetchResult reports the outcome of one Fetch call. Targets whose attempt was
// cancelled after completion appear in neither Succeeded nor Failed.
type FetchResult struct {
	Completed bool
	Succeeded []interfaces.NodeID
	Failed    []interfaces.NodeID
	Outcome   Outcome

	// Byzantine lists the failed targets that served provably bad material
	// during this call.
	Byzantine []interfaces.NodeID
}

// Response converts the result to its wire form.
func (r FetchResult) Response() interfaces.FetchResponse {
	return interfaces.FetchResponse{
		Completed: r.Completed,
		Succeeded: nonNil(r.Succeeded),
		Failed:    nonNil(r.Failed),
	}
}

// FetcherConfig bounds fetch resource usage.
type FetcherConfig struct {
	// FanOut bounds the number of concurrent attempts.
	FanOut int

	// AttemptTimeout bounds each retrieval attempt.
	AttemptTimeout time.Duration
}

// DefaultFetcherConfig returns conservative defaults.
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		FanOut:         8,
		AttemptTimeout: 5 * time.Second,
	}
}

// Fetcher retrieves and verifies fragments from committee members.
type Fetcher struct {
	cfg      FetcherConfig
	source   interfaces.FragmentSource
	dealer   interfaces.Dealer
	identity *cryptoutils.Identity
	verifier cryptoutils.ChecksumVerifier
	log      *slog.Logger
}

// NewFetcher creates a fetcher that retrieves fragments through source and
// opens them with identity.
func NewFetcher(cfg FetcherConfig, source interfaces.FragmentSource, dealer interfaces.Dealer, identity *cryptoutils.Identity, log *slog.Logger) *Fetcher {
	if cfg.FanOut < 1 {
		cfg.FanOut = 1
	}
	return &Fetcher{
		cfg:      cfg,
		source:   source,
		dealer:   dealer,
		identity: identity,
		log:      log,
	}
}

// Session carries fetch state across Fetch calls for one handoff: verified
// fragments are reused, and byzantine sources stay excluded.
type Session struct {
	id        interfaces.HandoffID
	committee interfaces.Committee
	agreed    interfaces.Checksum
	self      int

	// busy serializes Fetch calls on the session.
	busy sync.Mutex

	mu        sync.Mutex
	matrix    interfaces.VerificationMatrix
	fragments map[interfaces.NodeID]interfaces.Fragment
	states    map[interfaces.NodeID]FetchStatus
	byzantine map[interfaces.NodeID]error
	closed    bool
}

// NewSession starts fetch bookkeeping for a handoff whose applications agreed
// on checksum agreed.
func (f *Fetcher) NewSession(id interfaces.HandoffID, committee interfaces.Committee, agreed interfaces.Checksum) *Session {
	return &Session{
		id:        id,
		committee: committee,
		agreed:    agreed,
		self:      committee.IndexOf(f.identity.NodeID()),
		fragments: make(map[interfaces.NodeID]interfaces.Fragment),
		states:    make(map[interfaces.NodeID]FetchStatus),
		byzantine: make(map[interfaces.NodeID]error),
	}
}

// ID returns the handoff the session belongs to.
func (s *Session) ID() interfaces.HandoffID {
	return s.id
}

// Matrix returns the verified matrix, or nil before the first fragment.
func (s *Session) Matrix() interfaces.VerificationMatrix {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matrix
}

// Fragments returns the verified fragments in committee order.
func (s *Session) Fragments() []interfaces.Fragment {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]interfaces.Fragment, 0, len(s.fragments))
	for _, member := range s.committee.Members {
		if frag, ok := s.fragments[member]; ok {
			out = append(out, frag)
		}
	}
	return out
}

// States returns a copy of the per-node fetch states.
func (s *Session) States() map[interfaces.NodeID]FetchStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[interfaces.NodeID]FetchStatus, len(s.states))
	for node, state := range s.states {
		out[node] = state
	}
	return out
}

// Excluded reports whether node was excluded as byzantine.
func (s *Session) Excluded(node interfaces.NodeID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byzantine[node]
	return ok
}

// Exclude marks node as byzantine and drops its fragment. Excluded nodes are
// never retried within the session.
func (s *Session) Exclude(node interfaces.NodeID, reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if frag, ok := s.fragments[node]; ok {
		cryptoutils.Zeroize(frag.Data)
		delete(s.fragments, node)
	}
	s.byzantine[node] = reason
	s.states[node] = FetchFailed
}

// Reset drops every verified fragment so the next Fetch retrieves them again.
// Exclusions are kept.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for node, frag := range s.fragments {
		cryptoutils.Zeroize(frag.Data)
		delete(s.fragments, node)
		s.states[node] = FetchPending
	}
}

// Close zeroizes all fragments. A closed session rejects further fetches.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for node, frag := range s.fragments {
		cryptoutils.Zeroize(frag.Data)
		delete(s.fragments, node)
	}
	s.closed = true
}

// attemptResult is what one retrieval attempt reports back.
type attemptResult struct {
	node     interfaces.NodeID
	fragment interfaces.Fragment
	matrix   interfaces.VerificationMatrix
	err      error
}

func (r attemptResult) discard() {
	cryptoutils.Zeroize(r.fragment.Data)
}

// Fetch retrieves fragments from targets until threshold fragments are
// verified or every target was tried once. Fragments verified by earlier
// calls on the same session are reused and count as succeeded.
//
// Once the threshold is reached outstanding attempts are cancelled and their
// late results discarded.
func (f *Fetcher) Fetch(ctx context.Context, s *Session, targets []interfaces.NodeID, threshold int) (FetchResult, error) {
	s.busy.Lock()
	defer s.busy.Unlock()

	start := time.Now()
	defer func() {
		metrics.FetchDuration.Observe(time.Since(start).Seconds())
	}()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return FetchResult{}, fmt.Errorf("%w: fetch session for %s is closed", interfaces.ErrAborted, s.id)
	}

	var result FetchResult
	var pending []interfaces.NodeID
	permanent := 0

	targets = dedup(targets)
	for _, node := range targets {
		switch {
		case s.byzantine[node] != nil:
			result.Failed = append(result.Failed, node)
			permanent++
		case !s.committee.Contains(node):
			s.states[node] = FetchFailed
			result.Failed = append(result.Failed, node)
			permanent++
		case s.hasFragment(node):
			result.Succeeded = append(result.Succeeded, node)
		default:
			s.states[node] = FetchPending
			pending = append(pending, node)
		}
	}
	s.mu.Unlock()

	if ThresholdMet(len(result.Succeeded), threshold) {
		result.Completed = true
		result.Outcome = OutcomeCompleted
		return result, nil
	}

	log := f.log.With("handoff", s.id)
	log.Debug("fetching fragments", "pending", len(pending), "reused", len(result.Succeeded), "threshold", threshold)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan attemptResult, len(pending))
	go func() {
		g := new(errgroup.Group)
		g.SetLimit(f.cfg.FanOut)
		for _, node := range pending {
			if runCtx.Err() != nil {
				break
			}
			g.Go(func() error {
				results <- f.attempt(runCtx, s, node)
				return nil
			})
		}
		_ = g.Wait()
		close(results)
	}()

	for r := range results {
		if r.err != nil {
			result.Failed = append(result.Failed, r.node)
			if f.recordFailure(log, s, r) {
				result.Byzantine = append(result.Byzantine, r.node)
				permanent++
			}
			continue
		}

		if !s.accept(r) {
			// The session was closed underneath us.
			r.discard()
			continue
		}
		metrics.FetchAttempts.WithLabelValues("succeeded").Inc()
		result.Succeeded = append(result.Succeeded, r.node)

		if ThresholdMet(len(result.Succeeded), threshold) {
			result.Completed = true
			cancel()
			break
		}
	}

	if result.Completed {
		// Drain late results so their fragments are wiped rather than left
		// in the channel buffer.
		go func() {
			for r := range results {
				r.discard()
			}
		}()
		result.Outcome = OutcomeCompleted
		log.Debug("fetch completed", "succeeded", len(result.Succeeded), "failed", len(result.Failed))
		return result, nil
	}

	if err := ctx.Err(); err != nil {
		return result, err
	}

	if ThresholdReachable(len(targets), permanent, threshold) {
		result.Outcome = OutcomeRetry
	} else {
		result.Outcome = OutcomeImpossible
	}
	log.Info("fetch exhausted targets",
		"succeeded", len(result.Succeeded),
		"failed", len(result.Failed),
		"byzantine", permanent,
		"outcome", result.Outcome)
	return result, nil
}

// attempt retrieves, opens and verifies the fragment served by node.
func (f *Fetcher) attempt(ctx context.Context, s *Session, node interfaces.NodeID) attemptResult {
	res := attemptResult{node: node}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.AttemptTimeout)
	defer cancel()

	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		res.err = err
		return res
	}

	req, err := f.identity.SignFragmentRequest(interfaces.FragmentRequest{
		HandoffID: s.id,
		Nonce:     binary.BigEndian.Uint64(nonce[:]),
	})
	if err != nil {
		res.err = err
		return res
	}

	resp, err := f.source.FetchFragment(ctx, node, req)
	if err != nil {
		res.err = err
		return res
	}

	// Responses for another handoff are stale, not malicious.
	if resp.HandoffID != s.id {
		res.err = fmt.Errorf("%w: response for %s", interfaces.ErrStaleHandoff, resp.HandoffID)
		return res
	}

	expected := interfaces.FragmentIndex{Source: s.committee.IndexOf(node), Target: s.self}
	if resp.Source != node || resp.Index != expected {
		res.err = fmt.Errorf("%w: fragment index %+v from %s, expected %+v", interfaces.ErrVerification, resp.Index, resp.Source, expected)
		return res
	}

	if !f.verifier.Matches(resp.VerificationMatrix, s.agreed) {
		res.err = fmt.Errorf("%w: matrix served by %s", interfaces.ErrChecksumMismatch, node.Short())
		return res
	}

	data, err := f.identity.OpenFragment(resp.SealedFragment)
	if err != nil {
		res.err = fmt.Errorf("%w: %v", interfaces.ErrVerification, err)
		return res
	}

	if !f.dealer.VerifyFragment(data, resp.VerificationMatrix, expected) {
		cryptoutils.Zeroize(data)
		res.err = fmt.Errorf("%w: fragment from %s", interfaces.ErrVerification, node.Short())
		return res
	}

	res.fragment = interfaces.Fragment{Source: node, Index: expected, Data: data}
	res.matrix = resp.VerificationMatrix
	return res
}

// recordFailure updates the session for a failed attempt and reports whether
// the failure was byzantine.
func (f *Fetcher) recordFailure(log *slog.Logger, s *Session, r attemptResult) bool {
	if interfaces.IsByzantine(r.err) {
		metrics.FetchAttempts.WithLabelValues("byzantine").Inc()
		log.Warn("byzantine fragment source", "node", r.node, "fault", "verification", "err", r.err)
		s.Exclude(r.node, r.err)
		return true
	}

	metrics.FetchAttempts.WithLabelValues("failed").Inc()
	log.Debug("fragment attempt failed", "node", r.node, "err", r.err)

	s.mu.Lock()
	s.states[r.node] = FetchFailed
	s.mu.Unlock()
	return false
}

// accept stores a verified fragment. Returns false if the session was closed.
func (s *Session) accept(r attemptResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if s.matrix == nil {
		s.matrix = r.matrix
	}
	s.fragments[r.node] = r.fragment
	s.states[r.node] = FetchSucceeded
	return true
}

func (s *Session) hasFragment(node interfaces.NodeID) bool {
	_, ok := s.fragments[node]
	return ok
}

func dedup(nodes []interfaces.NodeID) []interfaces.NodeID {
	seen := make(map[interfaces.NodeID]struct{}, len(nodes))
	out := make([]interfaces.NodeID, 0, len(nodes))
	for _, n := range nodes {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func nonNil(nodes []interfaces.NodeID) []interfaces.NodeID {
	if nodes == nil {
		return []interfaces.NodeID{}
	}
	return nodes
}
