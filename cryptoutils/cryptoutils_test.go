package cryptoutils

import (
	"bytes"
	"testing"

	"github.com/ruteri/tee-kms-handoff/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumVerifier(t *testing.T) {
	v := ChecksumVerifier{}

	matrix := interfaces.VerificationMatrix("matrix-a")
	checksum := v.Compute(matrix)

	assert.False(t, checksum.IsZero())
	assert.Equal(t, checksum, v.Compute(interfaces.VerificationMatrix("matrix-a")), "checksum must be deterministic")
	assert.NotEqual(t, checksum, v.Compute(interfaces.VerificationMatrix("matrix-b")))

	assert.True(t, v.Matches(matrix, checksum))
	assert.False(t, v.Matches(interfaces.VerificationMatrix("matrix-b"), checksum))
	assert.False(t, v.Matches(matrix, interfaces.Checksum{}))
}

func TestZeroize(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	Zeroize(data)
	assert.Equal(t, []byte{0, 0, 0, 0}, data)

	// Nil and empty inputs are no-ops.
	Zeroize(nil)
	Zeroize([]byte{})
}

func TestIdentitySignAndRecover(t *testing.T) {
	alice, err := GenerateIdentity()
	require.NoError(t, err)
	bob, err := GenerateIdentity()
	require.NoError(t, err)

	app := interfaces.Application{
		HandoffID: interfaces.HandoffID{Scheme: 1, Epoch: 7},
		Checksum:  ComputeChecksum(interfaces.VerificationMatrix("m")),
	}

	signed, err := alice.SignApplication(app)
	require.NoError(t, err)

	signer, err := VerifyApplication(signed)
	require.NoError(t, err)
	assert.Equal(t, alice.NodeID(), signer)

	_, err = VerifySigner(app.SigningBytes(), signed.Signature, bob.NodeID())
	assert.ErrorIs(t, err, interfaces.ErrInvalidSignature)

	// A confirmation signature must not verify as the application it mirrors.
	conf, err := alice.SignConfirmation(interfaces.Confirmation(app))
	require.NoError(t, err)
	replayed := interfaces.SignedApplication{Application: app, Signature: conf.Signature}
	signer, err = VerifyApplication(replayed)
	if err == nil {
		assert.NotEqual(t, alice.NodeID(), signer)
	}

	_, _, err = RecoverSigner(app.SigningBytes(), []byte("short"))
	assert.ErrorIs(t, err, interfaces.ErrInvalidSignature)
}

func TestLoadIdentity(t *testing.T) {
	const key = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

	id, err := LoadIdentity(key)
	require.NoError(t, err)

	again, err := LoadIdentity(key[2:])
	require.NoError(t, err)
	assert.Equal(t, id.NodeID(), again.NodeID())

	_, err = LoadIdentity("not-a-key")
	assert.Error(t, err)
}

func TestSignedRequests(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	req, err := id.SignFragmentRequest(interfaces.FragmentRequest{
		HandoffID: interfaces.HandoffID{Scheme: 2, Epoch: 3},
		Nonce:     42,
	})
	require.NoError(t, err)
	assert.Equal(t, id.NodeID(), req.NodeID)

	pub, err := VerifySigner(req.SigningBytes(), req.Signature, req.NodeID)
	require.NoError(t, err)
	assert.Equal(t, id.NodeID(), NodeIDFromPubkey(pub))

	// Tampering with the nonce invalidates the signature.
	req.Nonce++
	_, err = VerifySigner(req.SigningBytes(), req.Signature, req.NodeID)
	assert.ErrorIs(t, err, interfaces.ErrInvalidSignature)

	q, err := id.SignQueryRequest(interfaces.QueryRequest{HandoffID: interfaces.HandoffID{Epoch: 1}})
	require.NoError(t, err)
	require.NotNil(t, q.NodeID)
	_, err = VerifySigner(q.SigningBytes(), q.Signature, *q.NodeID)
	assert.NoError(t, err)
}

func TestFragmentSealing(t *testing.T) {
	recipient, err := GenerateIdentity()
	require.NoError(t, err)
	other, err := GenerateIdentity()
	require.NoError(t, err)

	fragment := []byte("fragment material")
	sealed, err := SealFragment(recipient.PublicKey(), fragment)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(sealed, fragment))

	opened, err := recipient.OpenFragment(sealed)
	require.NoError(t, err)
	assert.Equal(t, fragment, opened)

	_, err = other.OpenFragment(sealed)
	assert.Error(t, err, "only the recipient can open a sealed fragment")
}

func TestSealer(t *testing.T) {
	sealer, err := NewSealer([]byte("operator secret"), "shares")
	require.NoError(t, err)

	aad := []byte("runtime/1/epoch/live")
	sealed, err := sealer.Seal([]byte("share"), aad)
	require.NoError(t, err)

	opened, err := sealer.Open(sealed, aad)
	require.NoError(t, err)
	assert.Equal(t, []byte("share"), opened)

	_, err = sealer.Open(sealed, []byte("other/key"))
	assert.Error(t, err, "sealed data must be bound to its key")

	otherLabel, err := NewSealer([]byte("operator secret"), "other")
	require.NoError(t, err)
	_, err = otherLabel.Open(sealed, aad)
	assert.Error(t, err)

	_, err = sealer.Open([]byte("x"), aad)
	assert.Error(t, err)

	_, err = NewSealer(nil, "shares")
	assert.Error(t, err)
}
