package handoff

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ruteri/tee-kms-handoff/interfaces"
)

// Phase is the state of a handoff record.
type Phase int

const (
	// PhaseIdle is a record for a committee the node is not a member of.
	PhaseIdle Phase = iota

	// PhaseDealing means the node is producing its dealt material.
	PhaseDealing

	// PhaseAwaitingApplications means the node applied and waits for a quorum
	// of applications to agree on a checksum.
	PhaseAwaitingApplications

	// PhaseFetching means fragments are being retrieved from the committee.
	PhaseFetching

	// PhaseVerifying means fragments are being combined and checked.
	PhaseVerifying

	// PhaseConfirmed means the reconstructed share is live and confirmed.
	PhaseConfirmed

	// PhaseSuperseded means a later epoch took over after confirmation.
	PhaseSuperseded

	// PhaseAborted means the handoff was given up and its material discarded.
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDealing:
		return "dealing"
	case PhaseAwaitingApplications:
		return "awaiting_application_agreement"
	case PhaseFetching:
		return "fetching"
	case PhaseVerifying:
		return "verifying"
	case PhaseConfirmed:
		return "confirmed"
	case PhaseSuperseded:
		return "superseded"
	case PhaseAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Phase) UnmarshalText(text []byte) error {
	for candidate := PhaseIdle; candidate <= PhaseAborted; candidate++ {
		if candidate.String() == string(text) {
			*p = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", text)
}

// Active reports whether messages for a record in this phase are accepted.
func (p Phase) Active() bool {
	return p >= PhaseDealing && p <= PhaseConfirmed
}

// InFlight reports whether the record still works towards a confirmation.
func (p Phase) InFlight() bool {
	return p >= PhaseDealing && p <= PhaseVerifying
}

// FaultKind classifies attributable faults.
type FaultKind string

const (
	// FaultDisagreement is an application or confirmation citing a checksum
	// other than the agreed one.
	FaultDisagreement FaultKind = "disagreement"

	// FaultEquivocation is a second, different application by the same signer.
	FaultEquivocation FaultKind = "equivocation"

	// FaultVerification is a source that served material failing verification.
	FaultVerification FaultKind = "verification"
)

// Fault attributes misbehaviour to a committee member.
type Fault struct {
	Node   interfaces.NodeID `json:"node"`
	Kind   FaultKind         `json:"kind"`
	Detail string            `json:"detail,omitempty"`
	At     time.Time         `json:"at"`
}

// record is the coordinator's state for one handoff. All fields are guarded
// by mu; transitions for one handoff never run concurrently.
type record struct {
	mu sync.Mutex

	id        interfaces.HandoffID
	phase     Phase
	committee interfaces.Committee
	selfIndex int

	own          interfaces.Checksum
	applications Votes
	agreed       interfaces.Checksum
	agreedSet    bool

	confirmations Votes
	finalized     bool

	// Own submissions the agreement layer has not accepted yet.
	pendingApp     *interfaces.SignedApplication
	pendingConf    *interfaces.SignedConfirmation
	submitAttempts int
	submitting     bool

	faults    []Fault
	session   *Session
	attempts  int
	lastFetch *FetchResult

	appDeadline     time.Time
	handoffDeadline time.Time

	cancel      context.CancelFunc
	abortReason string
}

func newRecord(id interfaces.HandoffID, committee interfaces.Committee, selfIndex int) *record {
	return &record{
		id:            id,
		committee:     committee,
		selfIndex:     selfIndex,
		applications:  make(Votes),
		confirmations: make(Votes),
	}
}

func (r *record) addFault(node interfaces.NodeID, kind FaultKind, detail string, at time.Time) {
	r.faults = append(r.faults, Fault{Node: node, Kind: kind, Detail: detail, At: at})
}

// faultyMembers counts distinct members with at least one fault.
func (r *record) faultyMembers() int {
	seen := make(map[interfaces.NodeID]struct{}, len(r.faults))
	for _, f := range r.faults {
		seen[f.Node] = struct{}{}
	}
	return len(seen)
}

// Status is an operator snapshot of a handoff record.
type Status struct {
	HandoffID       interfaces.HandoffID              `json:"handoff"`
	Phase           Phase                             `json:"phase"`
	Committee       interfaces.Committee              `json:"committee"`
	Member          bool                              `json:"member"`
	Checksum        *interfaces.Checksum              `json:"checksum,omitempty"`
	Agreed          *interfaces.Checksum              `json:"agreed,omitempty"`
	Applications    int                               `json:"applications"`
	Confirmations   int                               `json:"confirmations"`
	Finalized       bool                              `json:"finalized"`
	Attempts        int                               `json:"attempts"`
	Unsubmitted     []string                          `json:"unsubmitted,omitempty"`
	Fetch           map[interfaces.NodeID]FetchStatus `json:"fetch,omitempty"`
	LastFetch       *interfaces.FetchResponse         `json:"last_fetch,omitempty"`
	Faults          []Fault                           `json:"faults"`
	AbortReason     string                            `json:"abort_reason,omitempty"`
	AppDeadline     time.Time                         `json:"application_deadline"`
	HandoffDeadline time.Time                         `json:"handoff_deadline"`
}

func (r *record) status() Status {
	st := Status{
		HandoffID:       r.id,
		Phase:           r.phase,
		Committee:       r.committee,
		Member:          r.selfIndex != 0,
		Applications:    len(r.applications),
		Confirmations:   len(r.confirmations),
		Finalized:       r.finalized,
		Attempts:        r.attempts,
		Faults:          append([]Fault{}, r.faults...),
		AbortReason:     r.abortReason,
		AppDeadline:     r.appDeadline,
		HandoffDeadline: r.handoffDeadline,
	}
	if !r.own.IsZero() {
		own := r.own
		st.Checksum = &own
	}
	if r.agreedSet {
		agreed := r.agreed
		st.Agreed = &agreed
	}
	if r.pendingApp != nil {
		st.Unsubmitted = append(st.Unsubmitted, "application")
	}
	if r.pendingConf != nil {
		st.Unsubmitted = append(st.Unsubmitted, "confirmation")
	}
	if r.session != nil {
		st.Fetch = r.session.States()
	}
	if r.lastFetch != nil {
		resp := r.lastFetch.Response()
		st.LastFetch = &resp
	}
	return st
}

// table holds the one current record per runtime+scheme. Installing a record
// for a newer epoch replaces the previous one; older epochs are refused.
type table struct {
	mu      sync.Mutex
	records map[interfaces.SchemeKey]*record
}

func newTable() *table {
	return &table{records: make(map[interfaces.SchemeKey]*record)}
}

// install makes rec the current record for its runtime+scheme and returns the
// record it replaced, if any.
func (t *table) install(rec *record) (*record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := rec.id.Key()
	prev := t.records[key]
	if prev != nil && rec.id.Epoch <= prev.id.Epoch {
		return nil, fmt.Errorf("%w: epoch %d not newer than %d for %s", interfaces.ErrStaleHandoff, rec.id.Epoch, prev.id.Epoch, key)
	}
	t.records[key] = rec
	return prev, nil
}

// lookup returns the current record if it belongs to exactly id.
func (t *table) lookup(id interfaces.HandoffID) (*record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.records[id.Key()]
	if rec == nil || rec.id != id {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrStaleHandoff, id)
	}
	return rec, nil
}

func (t *table) get(key interfaces.SchemeKey) *record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.records[key]
}

func (t *table) all() []*record {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, rec)
	}
	return out
}
