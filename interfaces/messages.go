package interfaces

import (
	"encoding/binary"
	"time"
)

// Signing domains keep signatures over one message type from being replayed
// as another.
const (
	ApplicationDomain  = "handoff/application"
	ConfirmationDomain = "handoff/confirmation"
	FragmentDomain     = "handoff/fragment"
	QueryDomain        = "handoff/query"
)

// Application is a node's public commitment to having dealt a matrix with the
// given checksum for a handoff.
type Application struct {
	HandoffID
	Checksum Checksum `json:"checksum"`
}

// SigningBytes returns the canonical payload covered by the signature.
func (a Application) SigningBytes() []byte {
	return checksumPayload(ApplicationDomain, a.HandoffID, a.Checksum)
}

// SignedApplication is an application signed with the node's identity key.
type SignedApplication struct {
	Application Application `json:"application"`
	Signature   []byte      `json:"signature"`
}

// Confirmation asserts that the node reconstructed and verified its share.
type Confirmation struct {
	HandoffID
	Checksum Checksum `json:"checksum"`
}

// SigningBytes returns the canonical payload covered by the signature.
func (c Confirmation) SigningBytes() []byte {
	return checksumPayload(ConfirmationDomain, c.HandoffID, c.Checksum)
}

// SignedConfirmation is a confirmation signed with the node's identity key.
type SignedConfirmation struct {
	Confirmation Confirmation `json:"confirmation"`
	Signature    []byte       `json:"signature"`
}

func checksumPayload(domain string, id HandoffID, checksum Checksum) []byte {
	buf := make([]byte, 0, len(domain)+41+ChecksumSize)
	buf = append(buf, domain...)
	buf = append(buf, id.Bytes()...)
	buf = append(buf, checksum[:]...)
	return buf
}

// QueryRequest asks a peer for its share metadata of a handoff.
type QueryRequest struct {
	HandoffID

	// NodeID is the identity of the querying node. When set, the request must
	// carry a signature by that node for the responder to disclose anything.
	NodeID *NodeID `json:"node_id,omitempty"`

	// Timestamp is the signing time in unix seconds. Responders only accept
	// signatures made within a short window, which bounds replays.
	Timestamp int64 `json:"timestamp,omitempty"`

	Signature []byte `json:"signature,omitempty"`
}

// SigningBytes returns the canonical payload covered by the signature.
func (q QueryRequest) SigningBytes() []byte {
	buf := append([]byte(QueryDomain), q.HandoffID.Bytes()...)
	if q.NodeID != nil {
		buf = append(buf, q.NodeID[:]...)
	}
	return binary.BigEndian.AppendUint64(buf, uint64(q.Timestamp))
}

// QueryResponse carries share metadata. A response with Ready=false discloses
// nothing else.
type QueryResponse struct {
	Ready    bool     `json:"ready"`
	Dealt    bool     `json:"dealt,omitempty"`
	Live     bool     `json:"live,omitempty"`
	Checksum Checksum `json:"checksum,omitempty"`
}

// ShareMetadata is what the share store exposes about a handoff.
type ShareMetadata struct {
	Dealt    bool
	Live     bool
	Checksum Checksum
}

// FetchRequest asks the node to fetch handoff data from the given nodes.
type FetchRequest struct {
	HandoffID
	NodeIDs []NodeID `json:"node_ids"`
}

// FetchResponse reports the outcome of a fetch.
type FetchResponse struct {
	Completed bool     `json:"completed"`
	Succeeded []NodeID `json:"succeeded"`
	Failed    []NodeID `json:"failed"`
}

// FragmentIndex locates a fragment: served by the member at Source to the
// member at Target (both 1-based committee indices).
type FragmentIndex struct {
	Source int `json:"source"`
	Target int `json:"target"`
}

// FragmentRequest is sent by a node to a source to retrieve its fragment.
type FragmentRequest struct {
	HandoffID
	NodeID    NodeID `json:"node_id"`
	Nonce     uint64 `json:"nonce"`
	Signature []byte `json:"signature"`
}

// SigningBytes returns the canonical payload covered by the signature.
func (f FragmentRequest) SigningBytes() []byte {
	buf := append([]byte(FragmentDomain), f.HandoffID.Bytes()...)
	buf = append(buf, f.NodeID[:]...)
	return binary.BigEndian.AppendUint64(buf, f.Nonce)
}

// FragmentResponse carries a fragment sealed to the requesting node together
// with the matrix the source dealt against.
type FragmentResponse struct {
	HandoffID
	Source             NodeID             `json:"source"`
	Index              FragmentIndex      `json:"index"`
	SealedFragment     []byte             `json:"sealed_fragment"`
	VerificationMatrix VerificationMatrix `json:"verification_matrix"`
}

// Fragment is an opened, verified fragment held by a fetcher.
type Fragment struct {
	Source NodeID
	Index  FragmentIndex
	Data   []byte
}

// EpochEvent announces committee selection for the next epoch.
type EpochEvent struct {
	Runtime   RuntimeID `json:"runtime_id"`
	Scheme    uint8     `json:"id"`
	Epoch     EpochTime `json:"epoch"`
	Committee Committee `json:"committee"`

	// Optional absolute deadlines; zero values fall back to configured
	// epoch-relative timeouts.
	ApplicationDeadline time.Time `json:"application_deadline"`
	HandoffDeadline     time.Time `json:"handoff_deadline"`
}

// HandoffID returns the identifier of the announced handoff.
func (e EpochEvent) HandoffID() HandoffID {
	return HandoffID{Runtime: e.Runtime, Scheme: e.Scheme, Epoch: e.Epoch}
}

// ApplicationEvent is a finalized application with its authenticated signer.
type ApplicationEvent struct {
	Signer      NodeID
	Application SignedApplication
}

// ConfirmationEvent is a finalized confirmation with its authenticated signer.
type ConfirmationEvent struct {
	Signer       NodeID
	Confirmation SignedConfirmation
}

// AbandonEvent reports that the agreement layer gave up on a handoff.
type AbandonEvent struct {
	HandoffID HandoffID `json:"handoff"`
	Reason    string    `json:"reason"`
}

// AgreementEvent is one fact delivered by the agreement layer. Exactly one of
// the fields is set.
type AgreementEvent struct {
	Epoch        *EpochEvent
	Application  *ApplicationEvent
	Confirmation *ConfirmationEvent
	Abandon      *AbandonEvent
}
