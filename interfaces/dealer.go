package interfaces

// Dealer exposes the algebraic primitives of secret sharing as opaque
// operations. Implementations must be safe for concurrent use.
type Dealer interface {
	// Deal generates the dealt material for the member at index (1-based)
	// of a committee of the given size. All members dealing for the same
	// handoff obtain the same verification matrix.
	Deal(id HandoffID, threshold, size, index int) (*EncodedSecretShare, error)

	// Fragment derives the fragment the holder of dealt serves to the member
	// at target.
	Fragment(dealt *EncodedSecretShare, target int) ([]byte, error)

	// VerifyFragment checks a fragment against the matrix it was dealt under.
	VerifyFragment(fragment []byte, matrix VerificationMatrix, index FragmentIndex) bool

	// Combine reconstructs the share of the member at target from at least
	// threshold fragments.
	Combine(fragments []Fragment, threshold int, matrix VerificationMatrix, target int) (*EncodedSecretShare, error)
}
