// Package cryptoutils provides the cryptographic plumbing of the handoff
// protocol. The secret-sharing mathematics itself lives behind
// interfaces.Dealer; this package only covers what surrounds it.
//
// # Checksums
//
// ChecksumVerifier computes the blake3 digest of a verification matrix
// (domain separated) and compares digests in constant time. Two nodes holding
// the same checksum hold the same matrix.
//
// # Identities
//
// Identity wraps a secp256k1 key. NodeIDs are Ethereum-style addresses of the
// public key. Signatures are recoverable ECDSA over the Keccak256 digest of a
// message's SigningBytes, so verifiers recover the signer instead of looking up
// keys.
//
// # Fragment Sealing
//
// Fragments travel sealed to the requester with ECIES over secp256k1. The
// requester's public key is recovered from the signature on its request, so
// no key distribution is needed.
//
// # At-Rest Sealing
//
// Sealer encrypts persisted share generations with XChaCha20-Poly1305. The
// key is derived with HKDF-SHA256 from an operator secret, and the storage
// key is bound as additional data so sealed blobs cannot be swapped.
//
// # Erasure
//
// Zeroize overwrites buffers in place. Retired share generations are always
// zeroized before their references are dropped.
package cryptoutils
