package cryptoutils

import (
	"crypto/subtle"

	"github.com/ruteri/tee-kms-handoff/interfaces"
	"github.com/zeebo/blake3"
)

const checksumDomain = "handoff/verification-matrix"

// ChecksumVerifier computes and compares verification matrix checksums.
// It holds no state and is safe for concurrent use.
type ChecksumVerifier struct{}

// Compute returns the checksum of a verification matrix.
func (ChecksumVerifier) Compute(matrix interfaces.VerificationMatrix) interfaces.Checksum {
	h := blake3.New()
	h.Write([]byte(checksumDomain))
	h.Write(matrix)

	var checksum interfaces.Checksum
	copy(checksum[:], h.Sum(nil))
	return checksum
}

// Matches recomputes the checksum of matrix and compares it with expected.
func (v ChecksumVerifier) Matches(matrix interfaces.VerificationMatrix, expected interfaces.Checksum) bool {
	actual := v.Compute(matrix)
	return subtle.ConstantTimeCompare(actual[:], expected[:]) == 1
}

// ComputeChecksum is a shorthand for ChecksumVerifier{}.Compute.
func ComputeChecksum(matrix interfaces.VerificationMatrix) interfaces.Checksum {
	return ChecksumVerifier{}.Compute(matrix)
}
