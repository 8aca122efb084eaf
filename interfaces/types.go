// Package interfaces defines the core interfaces and types for the key manager
// handoff protocol. It provides the contract between different components without
// implementation details.
package interfaces

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// RuntimeID identifies a key manager runtime (a 32-byte namespace).
type RuntimeID [32]byte

// NewRuntimeIDFromHex parses a runtime identifier from a hex string.
func NewRuntimeIDFromHex(s string) (RuntimeID, error) {
	clean := strings.TrimPrefix(s, "0x")
	if len(clean) != 64 {
		return RuntimeID{}, errors.New("invalid runtime id length: hex string must be 64 characters")
	}

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return RuntimeID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var id RuntimeID
	copy(id[:], raw)
	return id, nil
}

// String returns the hex string representation of the runtime identifier.
func (r RuntimeID) String() string {
	return hex.EncodeToString(r[:])
}

// MarshalText implements encoding.TextMarshaler.
func (r RuntimeID) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RuntimeID) UnmarshalText(text []byte) error {
	id, err := NewRuntimeIDFromHex(string(text))
	if err != nil {
		return err
	}
	*r = id
	return nil
}

// EpochTime is an epoch number as published by the agreement layer.
type EpochTime uint64

// SchemeKey scopes generations within a runtime: one runtime may run
// several independent schemes, each with its own chain of handoffs.
type SchemeKey struct {
	Runtime RuntimeID
	Scheme  uint8
}

// String returns a log-friendly representation.
func (k SchemeKey) String() string {
	return fmt.Sprintf("%s/%d", k.Runtime, k.Scheme)
}

// HandoffID uniquely identifies one handoff instance. All protocol messages
// carry it so that replays and cross-talk between handoffs can be rejected.
type HandoffID struct {
	Runtime RuntimeID `json:"runtime_id"`
	Scheme  uint8     `json:"id"`
	Epoch   EpochTime `json:"epoch"`
}

// Key returns the runtime+scheme part of the identifier.
func (h HandoffID) Key() SchemeKey {
	return SchemeKey{Runtime: h.Runtime, Scheme: h.Scheme}
}

// String returns a log-friendly representation.
func (h HandoffID) String() string {
	return fmt.Sprintf("%s/%d@%d", h.Runtime, h.Scheme, h.Epoch)
}

// Bytes returns the canonical 41-byte encoding used in signed payloads.
func (h HandoffID) Bytes() []byte {
	buf := make([]byte, 0, 41)
	buf = append(buf, h.Runtime[:]...)
	buf = append(buf, h.Scheme)
	buf = binary.BigEndian.AppendUint64(buf, uint64(h.Epoch))
	return buf
}

// NodeID is the 20-byte address derived from a node's identity key.
type NodeID [20]byte

// NewNodeIDFromHex parses a node identifier from a hex string.
func NewNodeIDFromHex(s string) (NodeID, error) {
	clean := strings.TrimPrefix(s, "0x")
	if len(clean) != 40 {
		return NodeID{}, errors.New("invalid node id length: hex string must be 40 characters")
	}

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return NodeID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var id NodeID
	copy(id[:], raw)
	return id, nil
}

// String returns the hex string representation of the node identifier.
func (n NodeID) String() string {
	return hex.EncodeToString(n[:])
}

// Short returns an abbreviated identifier for logs.
func (n NodeID) Short() string {
	return hex.EncodeToString(n[:4])
}

// MarshalText implements encoding.TextMarshaler.
func (n NodeID) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *NodeID) UnmarshalText(text []byte) error {
	id, err := NewNodeIDFromHex(string(text))
	if err != nil {
		return err
	}
	*n = id
	return nil
}

// ChecksumSize is the size of a verification matrix checksum.
const ChecksumSize = 32

// Checksum is the fixed-size digest of a VerificationMatrix.
type Checksum [ChecksumSize]byte

// String returns hex representation.
func (c Checksum) String() string {
	return hex.EncodeToString(c[:])
}

// IsZero reports whether the checksum is unset.
func (c Checksum) IsZero() bool {
	return c == Checksum{}
}

// MarshalText implements encoding.TextMarshaler.
func (c Checksum) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Checksum) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(strings.TrimPrefix(string(text), "0x"))
	if err != nil {
		return fmt.Errorf("invalid hex format: %w", err)
	}
	if len(raw) != ChecksumSize {
		return errors.New("invalid checksum length")
	}
	copy(c[:], raw)
	return nil
}

// VerificationMatrix is the opaque commitment to a sharing polynomial produced
// by the dealing primitive. It is immutable once produced for a HandoffID.
type VerificationMatrix []byte

// Equal compares two matrices byte by byte.
func (m VerificationMatrix) Equal(other VerificationMatrix) bool {
	return bytes.Equal(m, other)
}

// EncodedSecretShare is a node's private share material: an encoded
// polynomial fragment plus the matrix it was dealt against.
type EncodedSecretShare struct {
	Polynomial         []byte             `json:"polynomial"`
	VerificationMatrix VerificationMatrix `json:"verification_matrix"`
}

// Clone returns a deep copy of the share.
func (s *EncodedSecretShare) Clone() *EncodedSecretShare {
	if s == nil {
		return nil
	}
	return &EncodedSecretShare{
		Polynomial:         bytes.Clone(s.Polynomial),
		VerificationMatrix: bytes.Clone(s.VerificationMatrix),
	}
}

// Committee describes the set of nodes authorized to hold a share for an epoch,
// as published by the agreement layer.
type Committee struct {
	// Members in canonical order. A member's index is its 1-based position.
	Members []NodeID `json:"members"`

	// Threshold is the number of verified fragments required to reconstruct a share.
	Threshold int `json:"threshold"`

	// Quorum is the number of agreeing applications (and confirmations)
	// required, supplied by committee-size policy.
	Quorum int `json:"quorum"`
}

// IndexOf returns the 1-based index of a member, or 0 if it is not a member.
func (c Committee) IndexOf(node NodeID) int {
	for i, m := range c.Members {
		if m == node {
			return i + 1
		}
	}
	return 0
}

// Contains reports whether node is a committee member.
func (c Committee) Contains(node NodeID) bool {
	return c.IndexOf(node) != 0
}

// Size returns the number of members.
func (c Committee) Size() int {
	return len(c.Members)
}

// Validate checks that threshold and quorum are attainable.
func (c Committee) Validate() error {
	if len(c.Members) == 0 {
		return errors.New("committee has no members")
	}
	if c.Threshold < 1 || c.Threshold > len(c.Members) {
		return fmt.Errorf("threshold %d out of range for committee of %d", c.Threshold, len(c.Members))
	}
	if c.Quorum < 1 || c.Quorum > len(c.Members) {
		return fmt.Errorf("quorum %d out of range for committee of %d", c.Quorum, len(c.Members))
	}
	seen := make(map[NodeID]struct{}, len(c.Members))
	for _, m := range c.Members {
		if _, ok := seen[m]; ok {
			return fmt.Errorf("duplicate committee member %s", m)
		}
		seen[m] = struct{}{}
	}
	return nil
}
