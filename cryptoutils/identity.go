package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	"github.com/ruteri/tee-kms-handoff/interfaces"
)

// Identity is a node's secp256k1 identity key. It signs the node's
// assertions and opens fragments sealed to it.
type Identity struct {
	key *ecdsa.PrivateKey
	id  interfaces.NodeID
}

// NewIdentity wraps an existing private key.
func NewIdentity(key *ecdsa.PrivateKey) *Identity {
	return &Identity{
		key: key,
		id:  NodeIDFromPubkey(&key.PublicKey),
	}
}

// GenerateIdentity creates a fresh random identity.
func GenerateIdentity() (*Identity, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}
	return NewIdentity(key), nil
}

// LoadIdentity parses a hex-encoded secp256k1 private key.
func LoadIdentity(hexKey string) (*Identity, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid identity key: %w", err)
	}
	return NewIdentity(key), nil
}

// Hex returns the hex-encoded private key, the inverse of LoadIdentity.
func (i *Identity) Hex() string {
	return hex.EncodeToString(crypto.FromECDSA(i.key))
}

// NodeID returns the node identifier derived from the public key.
func (i *Identity) NodeID() interfaces.NodeID {
	return i.id
}

// PublicKey returns the identity public key.
func (i *Identity) PublicKey() *ecdsa.PublicKey {
	return &i.key.PublicKey
}

// Sign signs the Keccak256 digest of payload.
func (i *Identity) Sign(payload []byte) ([]byte, error) {
	return crypto.Sign(crypto.Keccak256(payload), i.key)
}

// SignApplication produces a signed application.
func (i *Identity) SignApplication(app interfaces.Application) (interfaces.SignedApplication, error) {
	sig, err := i.Sign(app.SigningBytes())
	if err != nil {
		return interfaces.SignedApplication{}, fmt.Errorf("could not sign application: %w", err)
	}
	return interfaces.SignedApplication{Application: app, Signature: sig}, nil
}

// SignConfirmation produces a signed confirmation.
func (i *Identity) SignConfirmation(conf interfaces.Confirmation) (interfaces.SignedConfirmation, error) {
	sig, err := i.Sign(conf.SigningBytes())
	if err != nil {
		return interfaces.SignedConfirmation{}, fmt.Errorf("could not sign confirmation: %w", err)
	}
	return interfaces.SignedConfirmation{Confirmation: conf, Signature: sig}, nil
}

// SignFragmentRequest fills in NodeID and Signature of req.
func (i *Identity) SignFragmentRequest(req interfaces.FragmentRequest) (interfaces.FragmentRequest, error) {
	req.NodeID = i.id
	sig, err := i.Sign(req.SigningBytes())
	if err != nil {
		return req, fmt.Errorf("could not sign fragment request: %w", err)
	}
	req.Signature = sig
	return req, nil
}

// SignQueryRequest fills in NodeID and Signature of req, and Timestamp
// unless already set.
func (i *Identity) SignQueryRequest(req interfaces.QueryRequest) (interfaces.QueryRequest, error) {
	id := i.id
	req.NodeID = &id
	if req.Timestamp == 0 {
		req.Timestamp = time.Now().Unix()
	}
	sig, err := i.Sign(req.SigningBytes())
	if err != nil {
		return req, fmt.Errorf("could not sign query request: %w", err)
	}
	req.Signature = sig
	return req, nil
}

// OpenFragment decrypts a fragment sealed to this identity with SealFragment.
func (i *Identity) OpenFragment(sealed []byte) ([]byte, error) {
	plain, err := ecies.ImportECDSA(i.key).Decrypt(sealed, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("could not open fragment: %w", err)
	}
	return plain, nil
}

// SealFragment encrypts a fragment to the holder of pub.
func SealFragment(pub *ecdsa.PublicKey, fragment []byte) ([]byte, error) {
	sealed, err := ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(pub), fragment, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("could not seal fragment: %w", err)
	}
	return sealed, nil
}

// NodeIDFromPubkey derives a node identifier from a public key.
func NodeIDFromPubkey(pub *ecdsa.PublicKey) interfaces.NodeID {
	return interfaces.NodeID(crypto.PubkeyToAddress(*pub))
}

// RecoverSigner recovers the public key and node identifier that signed payload.
func RecoverSigner(payload, signature []byte) (interfaces.NodeID, *ecdsa.PublicKey, error) {
	if len(signature) != crypto.SignatureLength {
		return interfaces.NodeID{}, nil, fmt.Errorf("%w: bad length %d", interfaces.ErrInvalidSignature, len(signature))
	}

	pub, err := crypto.SigToPub(crypto.Keccak256(payload), signature)
	if err != nil {
		return interfaces.NodeID{}, nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidSignature, err)
	}
	return NodeIDFromPubkey(pub), pub, nil
}

// VerifySigner checks that signature over payload was produced by expected.
func VerifySigner(payload, signature []byte, expected interfaces.NodeID) (*ecdsa.PublicKey, error) {
	signer, pub, err := RecoverSigner(payload, signature)
	if err != nil {
		return nil, err
	}
	if signer != expected {
		return nil, fmt.Errorf("%w: signed by %s, expected %s", interfaces.ErrInvalidSignature, signer, expected)
	}
	return pub, nil
}

// VerifyApplication returns the signer of a signed application.
func VerifyApplication(app interfaces.SignedApplication) (interfaces.NodeID, error) {
	signer, _, err := RecoverSigner(app.Application.SigningBytes(), app.Signature)
	return signer, err
}

// VerifyConfirmation returns the signer of a signed confirmation.
func VerifyConfirmation(conf interfaces.SignedConfirmation) (interfaces.NodeID, error) {
	signer, _, err := RecoverSigner(conf.Confirmation.SigningBytes(), conf.Signature)
	return signer, err
}

var errEmptySecret = errors.New("sealing secret must not be empty")
