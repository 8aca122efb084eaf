package kms

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/tee-kms-handoff/cryptoutils"
	"github.com/ruteri/tee-kms-handoff/interfaces"
	"github.com/zeebo/blake3"
)

const (
	pieceDomain = "handoff/dealer/piece"
	shareDomain = "handoff/dealer/share"

	// dealingsPerScheme bounds how many dealings are remembered per
	// runtime+scheme. Two cover a handoff overlapping with the next one.
	dealingsPerScheme = 2
)

// ShamirDealer is a dealing primitive for development committees that run in
// one process. It re-shares a master secret for every handoff: each member k
// gets a fresh Shamir share s_k of the master secret, and s_k is itself split
// into one piece per member. The piece of s_k held by member j is the
// fragment j serves to k.
//
// The verification matrix commits to every piece and every s_k by blake3
// digest, so fragments and combined shares are verifiable without revealing
// them.
//
// Dealings are memoized per HandoffID, which is what makes all members agree
// on the matrix. A real deployment replaces this type with a distributed
// dealing protocol behind interfaces.Dealer.
type ShamirDealer struct {
	mu       sync.Mutex
	secret   []byte
	dealings map[interfaces.HandoffID]*dealing
}

// dealing is the full piece table of one handoff.
type dealing struct {
	threshold int
	size      int

	// pieces[k][j] is the piece of member k+1's share held by member j+1.
	pieces [][][]byte
	matrix interfaces.VerificationMatrix
}

// shamirMatrix is the encoded verification matrix.
type shamirMatrix struct {
	Threshold int `json:"threshold"`
	Size      int `json:"size"`

	// Pieces[k][j] commits to the piece of member k+1's share held by j+1.
	Pieces [][][]byte `json:"pieces"`

	// Shares[k] commits to member k+1's share.
	Shares [][]byte `json:"shares"`
}

// dealtMaterial is the encoded polynomial of a dealt share.
type dealtMaterial struct {
	Index  int      `json:"index"`
	Pieces [][]byte `json:"pieces"`
}

// NewShamirDealer creates a dealer re-sharing secret. A random 32-byte secret
// is generated when secret is nil.
func NewShamirDealer(secret []byte) (*ShamirDealer, error) {
	if secret == nil {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate master secret: %w", err)
		}
	}
	if len(secret) < 32 {
		return nil, errors.New("master secret must be at least 32 bytes")
	}

	return &ShamirDealer{
		secret:   secret,
		dealings: make(map[interfaces.HandoffID]*dealing),
	}, nil
}

// Deal returns the dealt material of the member at index.
func (d *ShamirDealer) Deal(id interfaces.HandoffID, threshold, size, index int) (*interfaces.EncodedSecretShare, error) {
	if index < 1 || index > size {
		return nil, fmt.Errorf("member index %d out of range for committee of %d", index, size)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	dl, ok := d.dealings[id]
	if !ok {
		var err error
		dl, err = d.newDealing(threshold, size)
		if err != nil {
			return nil, err
		}
		d.dealings[id] = dl
		d.evict(id)
	}
	if dl.threshold != threshold || dl.size != size {
		return nil, fmt.Errorf("handoff %s was dealt with threshold %d of %d", id, dl.threshold, dl.size)
	}

	material := dealtMaterial{Index: index, Pieces: make([][]byte, size)}
	for k := 0; k < size; k++ {
		material.Pieces[k] = dl.pieces[k][index-1]
	}

	polynomial, err := json.Marshal(material)
	if err != nil {
		return nil, fmt.Errorf("failed to encode dealt material: %w", err)
	}

	return &interfaces.EncodedSecretShare{
		Polynomial:         polynomial,
		VerificationMatrix: append(interfaces.VerificationMatrix(nil), dl.matrix...),
	}, nil
}

// Fragment returns the piece the holder of dealt serves to target.
func (d *ShamirDealer) Fragment(dealt *interfaces.EncodedSecretShare, target int) ([]byte, error) {
	var material dealtMaterial
	if err := json.Unmarshal(dealt.Polynomial, &material); err != nil {
		return nil, fmt.Errorf("failed to decode dealt material: %w", err)
	}
	defer func() {
		for _, p := range material.Pieces {
			cryptoutils.Zeroize(p)
		}
	}()

	if target < 1 || target > len(material.Pieces) {
		return nil, fmt.Errorf("target index %d out of range", target)
	}
	return append([]byte(nil), material.Pieces[target-1]...), nil
}

// VerifyFragment checks fragment against its commitment in matrix.
func (d *ShamirDealer) VerifyFragment(fragment []byte, matrix interfaces.VerificationMatrix, index interfaces.FragmentIndex) bool {
	m, err := decodeMatrix(matrix)
	if err != nil {
		return false
	}
	if index.Source < 1 || index.Source > m.Size || index.Target < 1 || index.Target > m.Size {
		return false
	}

	expected := m.Pieces[index.Target-1][index.Source-1]
	actual := pieceCommitment(index, fragment)
	return subtle.ConstantTimeCompare(expected, actual) == 1
}

// Combine reconstructs the share of target from the fragments and checks it
// against the share commitment.
func (d *ShamirDealer) Combine(fragments []interfaces.Fragment, threshold int, matrix interfaces.VerificationMatrix, target int) (*interfaces.EncodedSecretShare, error) {
	m, err := decodeMatrix(matrix)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrVerification, err)
	}
	if threshold != m.Threshold {
		return nil, fmt.Errorf("threshold %d does not match dealt threshold %d", threshold, m.Threshold)
	}
	if target < 1 || target > m.Size {
		return nil, fmt.Errorf("target index %d out of range", target)
	}
	if len(fragments) < threshold {
		return nil, fmt.Errorf("need %d fragments, got %d", threshold, len(fragments))
	}

	parts := make([][]byte, 0, threshold)
	for _, f := range fragments[:threshold] {
		parts = append(parts, f.Data)
	}

	share, err := combine(parts, threshold)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrVerification, err)
	}

	if subtle.ConstantTimeCompare(shareCommitment(target, share), m.Shares[target-1]) != 1 {
		cryptoutils.Zeroize(share)
		return nil, fmt.Errorf("%w: combined share does not match its commitment", interfaces.ErrVerification)
	}

	return &interfaces.EncodedSecretShare{
		Polynomial:         share,
		VerificationMatrix: append(interfaces.VerificationMatrix(nil), matrix...),
	}, nil
}

// Reconstruct recovers the master secret from live shares of at least
// threshold members. It exists to check proactivization in tests and
// development tooling. Identical shares come from a threshold of one and are
// the secret itself.
func Reconstruct(shares []*interfaces.EncodedSecretShare) ([]byte, error) {
	if len(shares) == 0 {
		return nil, errors.New("no shares to reconstruct from")
	}
	parts := make([][]byte, 0, len(shares))
	replicated := true
	for _, s := range shares {
		parts = append(parts, s.Polynomial)
		replicated = replicated && bytes.Equal(s.Polynomial, shares[0].Polynomial)
	}
	if replicated {
		return combine(parts[:1], 1)
	}
	return shamir.Combine(parts)
}

// split shares secret among parts holders. A threshold of one needs no
// polynomial: every holder gets a copy.
func split(secret []byte, parts, threshold int) ([][]byte, error) {
	if threshold != 1 {
		return shamir.Split(secret, parts, threshold)
	}
	if parts < 1 || parts > 255 {
		return nil, fmt.Errorf("cannot split into %d parts", parts)
	}
	if len(secret) == 0 {
		return nil, errors.New("cannot split an empty secret")
	}
	out := make([][]byte, parts)
	for i := range out {
		out[i] = append([]byte(nil), secret...)
	}
	return out, nil
}

// combine is the inverse of split.
func combine(parts [][]byte, threshold int) ([]byte, error) {
	if threshold != 1 {
		return shamir.Combine(parts)
	}
	if len(parts) == 0 || len(parts[0]) == 0 {
		return nil, errors.New("no part to combine")
	}
	return append([]byte(nil), parts[0]...), nil
}

func (d *ShamirDealer) newDealing(threshold, size int) (*dealing, error) {
	shares, err := split(d.secret, size, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split master secret: %w", err)
	}

	dl := &dealing{
		threshold: threshold,
		size:      size,
		pieces:    make([][][]byte, size),
	}
	m := shamirMatrix{
		Threshold: threshold,
		Size:      size,
		Pieces:    make([][][]byte, size),
		Shares:    make([][]byte, size),
	}

	for k, share := range shares {
		target := k + 1
		pieces, err := split(share, size, threshold)
		if err != nil {
			return nil, fmt.Errorf("failed to split share %d: %w", target, err)
		}

		dl.pieces[k] = pieces
		m.Shares[k] = shareCommitment(target, share)
		m.Pieces[k] = make([][]byte, size)
		for j, piece := range pieces {
			m.Pieces[k][j] = pieceCommitment(interfaces.FragmentIndex{Source: j + 1, Target: target}, piece)
		}
		cryptoutils.Zeroize(share)
	}

	dl.matrix, err = json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode verification matrix: %w", err)
	}
	return dl, nil
}

// evict forgets dealings of the same runtime+scheme beyond the newest few.
func (d *ShamirDealer) evict(latest interfaces.HandoffID) {
	var epochs []interfaces.HandoffID
	for id := range d.dealings {
		if id.Key() == latest.Key() {
			epochs = append(epochs, id)
		}
	}
	for len(epochs) > dealingsPerScheme {
		oldest := 0
		for i := range epochs {
			if epochs[i].Epoch < epochs[oldest].Epoch {
				oldest = i
			}
		}
		dl := d.dealings[epochs[oldest]]
		for _, row := range dl.pieces {
			for _, p := range row {
				cryptoutils.Zeroize(p)
			}
		}
		delete(d.dealings, epochs[oldest])
		epochs = append(epochs[:oldest], epochs[oldest+1:]...)
	}
}

func decodeMatrix(matrix interfaces.VerificationMatrix) (*shamirMatrix, error) {
	var m shamirMatrix
	if err := json.Unmarshal(matrix, &m); err != nil {
		return nil, fmt.Errorf("malformed verification matrix: %w", err)
	}
	if m.Size < 1 || len(m.Pieces) != m.Size || len(m.Shares) != m.Size {
		return nil, errors.New("malformed verification matrix: inconsistent size")
	}
	for _, row := range m.Pieces {
		if len(row) != m.Size {
			return nil, errors.New("malformed verification matrix: inconsistent row")
		}
	}
	return &m, nil
}

func pieceCommitment(index interfaces.FragmentIndex, piece []byte) []byte {
	h := blake3.New()
	h.Write([]byte(pieceDomain))
	h.Write(binary.BigEndian.AppendUint32(nil, uint32(index.Source)))
	h.Write(binary.BigEndian.AppendUint32(nil, uint32(index.Target)))
	h.Write(piece)
	return h.Sum(nil)
}

func shareCommitment(target int, share []byte) []byte {
	h := blake3.New()
	h.Write([]byte(shareDomain))
	h.Write(binary.BigEndian.AppendUint32(nil, uint32(target)))
	h.Write(share)
	return h.Sum(nil)
}
