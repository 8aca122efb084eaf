package handoff

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/ruteri/tee-kms-handoff/cryptoutils"
	"github.com/ruteri/tee-kms-handoff/interfaces"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testRuntime = interfaces.RuntimeID{0x42}

func testID(epoch interfaces.EpochTime) interfaces.HandoffID {
	return interfaces.HandoffID{Runtime: testRuntime, Scheme: 1, Epoch: epoch}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func identities(t *testing.T, n int) []*cryptoutils.Identity {
	t.Helper()
	out := make([]*cryptoutils.Identity, n)
	for i := range out {
		id, err := cryptoutils.GenerateIdentity()
		require.NoError(t, err)
		out[i] = id
	}
	return out
}

func committeeOf(ids []*cryptoutils.Identity, threshold, quorum int) interfaces.Committee {
	c := interfaces.Committee{Threshold: threshold, Quorum: quorum}
	for _, id := range ids {
		c.Members = append(c.Members, id.NodeID())
	}
	return c
}

// fakeDealer deals a fixed matrix. A fragment is the pair (source, target).
// Sources listed in lateFail verify once and fail every later verification,
// and make Combine fail, which models a corrupt fragment that slipped through.
type fakeDealer struct {
	mu       sync.Mutex
	matrix   interfaces.VerificationMatrix
	lateFail map[int]bool
	verified map[int]int
}

func newFakeDealer() *fakeDealer {
	return &fakeDealer{
		matrix:   interfaces.VerificationMatrix("agreed-matrix"),
		lateFail: make(map[int]bool),
		verified: make(map[int]int),
	}
}

func (d *fakeDealer) checksum() interfaces.Checksum {
	return cryptoutils.ComputeChecksum(d.matrix)
}

func (d *fakeDealer) Deal(_ interfaces.HandoffID, threshold, size, index int) (*interfaces.EncodedSecretShare, error) {
	if index < 1 || index > size || threshold > size {
		return nil, errors.New("bad dealing parameters")
	}
	return &interfaces.EncodedSecretShare{
		Polynomial:         []byte{byte(index)},
		VerificationMatrix: bytes.Clone(d.matrix),
	}, nil
}

func (d *fakeDealer) Fragment(dealt *interfaces.EncodedSecretShare, target int) ([]byte, error) {
	return []byte{dealt.Polynomial[0], byte(target)}, nil
}

func (d *fakeDealer) VerifyFragment(fragment []byte, matrix interfaces.VerificationMatrix, index interfaces.FragmentIndex) bool {
	if !bytes.Equal(matrix, d.matrix) || len(fragment) != 2 {
		return false
	}
	if int(fragment[0]) != index.Source || int(fragment[1]) != index.Target {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.verified[index.Source]++
	return !(d.lateFail[index.Source] && d.verified[index.Source] > 1)
}

func (d *fakeDealer) Combine(fragments []interfaces.Fragment, threshold int, matrix interfaces.VerificationMatrix, target int) (*interfaces.EncodedSecretShare, error) {
	if len(fragments) < threshold {
		return nil, fmt.Errorf("need %d fragments, have %d", threshold, len(fragments))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	poly := []byte{byte(target)}
	for _, f := range fragments {
		if d.lateFail[f.Index.Source] {
			return nil, fmt.Errorf("%w: combined share", interfaces.ErrVerification)
		}
		poly = append(poly, f.Data[0])
	}
	return &interfaces.EncodedSecretShare{Polynomial: poly, VerificationMatrix: bytes.Clone(matrix)}, nil
}

// behaviour decides the outcome of the call-th request to a node. A nil
// error lets the request be served.
type behaviour func(ctx context.Context, call int) error

// fakeSource serves fragments of a fakeDealer sealed to the requester, as
// the HTTP fragment endpoint does.
type fakeSource struct {
	mu        sync.Mutex
	committee interfaces.Committee
	dealer    *fakeDealer
	behaviour map[interfaces.NodeID]behaviour
	calls     map[interfaces.NodeID]int

	// Per-node tampering.
	matrices  map[interfaces.NodeID]interfaces.VerificationMatrix
	corrupt   map[interfaces.NodeID]bool
	handoffID map[interfaces.NodeID]interfaces.HandoffID
}

func newFakeSource(committee interfaces.Committee, dealer *fakeDealer) *fakeSource {
	return &fakeSource{
		committee: committee,
		dealer:    dealer,
		behaviour: make(map[interfaces.NodeID]behaviour),
		calls:     make(map[interfaces.NodeID]int),
		matrices:  make(map[interfaces.NodeID]interfaces.VerificationMatrix),
		corrupt:   make(map[interfaces.NodeID]bool),
		handoffID: make(map[interfaces.NodeID]interfaces.HandoffID),
	}
}

func (s *fakeSource) FetchFragment(ctx context.Context, node interfaces.NodeID, req interfaces.FragmentRequest) (*interfaces.FragmentResponse, error) {
	s.mu.Lock()
	s.calls[node]++
	call := s.calls[node]
	b := s.behaviour[node]
	matrix, tampered := s.matrices[node]
	corrupt := s.corrupt[node]
	hid, rewritten := s.handoffID[node]
	s.mu.Unlock()

	if b != nil {
		if err := b(ctx, call); err != nil {
			return nil, err
		}
	}

	requester, pub, err := cryptoutils.RecoverSigner(req.SigningBytes(), req.Signature)
	if err != nil {
		return nil, err
	}
	if requester != req.NodeID {
		return nil, interfaces.ErrUnauthorized
	}

	source := s.committee.IndexOf(node)
	target := s.committee.IndexOf(requester)
	fragment := []byte{byte(source), byte(target)}
	if corrupt {
		fragment[0] ^= 0xff
	}
	sealed, err := cryptoutils.SealFragment(pub, fragment)
	if err != nil {
		return nil, err
	}

	if !tampered {
		matrix = s.dealer.matrix
	}
	if !rewritten {
		hid = req.HandoffID
	}
	return &interfaces.FragmentResponse{
		HandoffID:          hid,
		Source:             node,
		Index:              interfaces.FragmentIndex{Source: source, Target: target},
		SealedFragment:     sealed,
		VerificationMatrix: matrix,
	}, nil
}

func (s *fakeSource) set(node interfaces.NodeID, b behaviour) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.behaviour[node] = b
}

func (s *fakeSource) callCount(node interfaces.NodeID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[node]
}

// failFirst fails the first n calls with err.
func failFirst(n int, err error) behaviour {
	return func(_ context.Context, call int) error {
		if call <= n {
			return err
		}
		return nil
	}
}

// blockFirst makes the first call hang until its context is done.
func blockFirst() behaviour {
	return func(ctx context.Context, call int) error {
		if call == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}
}

type mockAgreement struct {
	mock.Mock
}

func (m *mockAgreement) SubmitApplication(ctx context.Context, app interfaces.SignedApplication) error {
	args := m.Called(ctx, app)
	return args.Error(0)
}

func (m *mockAgreement) SubmitConfirmation(ctx context.Context, conf interfaces.SignedConfirmation) error {
	args := m.Called(ctx, conf)
	return args.Error(0)
}

func newMockAgreement() *mockAgreement {
	m := &mockAgreement{}
	m.On("SubmitApplication", mock.Anything, mock.Anything).Return(nil)
	m.On("SubmitConfirmation", mock.Anything, mock.Anything).Return(nil)
	return m
}

// failFirst makes the first failures calls of method return err; failures
// below one fails every call. Call it before the coordinator runs.
func (m *mockAgreement) failFirst(method string, failures int, err error) {
	m.ExpectedCalls = nil
	call := m.On(method, mock.Anything, mock.Anything).Return(err)
	if failures > 0 {
		call.Times(failures)
		m.On(method, mock.Anything, mock.Anything).Return(nil)
	}
	for _, other := range []string{"SubmitApplication", "SubmitConfirmation"} {
		if other != method {
			m.On(other, mock.Anything, mock.Anything).Return(nil)
		}
	}
}

func applicationEvent(t *testing.T, signer *cryptoutils.Identity, id interfaces.HandoffID, checksum interfaces.Checksum) interfaces.ApplicationEvent {
	t.Helper()
	signed, err := signer.SignApplication(interfaces.Application{HandoffID: id, Checksum: checksum})
	require.NoError(t, err)
	return interfaces.ApplicationEvent{Signer: signer.NodeID(), Application: signed}
}

func confirmationEvent(t *testing.T, signer *cryptoutils.Identity, id interfaces.HandoffID, checksum interfaces.Checksum) interfaces.ConfirmationEvent {
	t.Helper()
	signed, err := signer.SignConfirmation(interfaces.Confirmation{HandoffID: id, Checksum: checksum})
	require.NoError(t, err)
	return interfaces.ConfirmationEvent{Signer: signer.NodeID(), Confirmation: signed}
}
