package interfaces

import "errors"

var (
	// ErrStaleHandoff is returned for messages referencing a handoff the
	// receiver does not track as active. No state is mutated.
	ErrStaleHandoff = errors.New("handoff is not active")

	// ErrStaleWrite is returned when a share is written for an epoch older
	// than the current live (or dealt) generation.
	ErrStaleWrite = errors.New("stale share generation")

	// ErrNotReady is returned by a peer whose share generation for the
	// requested epoch has not been dealt yet.
	ErrNotReady = errors.New("share not ready")

	// ErrUnauthorized is returned when the caller's identity cannot be
	// established or is not allowed to receive the requested material.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrVerification marks a fragment or combined share that failed
	// verification. It is a potential byzantine fault, never retried
	// against the same source.
	ErrVerification = errors.New("verification failed")

	// ErrChecksumMismatch marks a matrix whose checksum differs from the
	// agreed one.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrAborted is returned for operations on a handoff that was aborted.
	ErrAborted = errors.New("handoff aborted")

	// ErrNotMember is returned when a node outside the committee takes part
	// in a handoff.
	ErrNotMember = errors.New("not a committee member")

	// ErrInvalidSignature is returned when a signature does not recover to
	// the claimed signer.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrShareNotFound is returned by share backends for missing generations.
	ErrShareNotFound = errors.New("share not found")

	// ErrContentNotFound is returned when requested content cannot be found in the archive.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when a storage backend is not accessible.
	// This could be due to network issues, authentication failures, or service outages.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is malformed or unsupported.
	// URIs must follow the format: [scheme]://[auth@]host[:port][/path][?params]
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// IsByzantine reports whether err signals a potential byzantine fault rather
// than a transient failure.
func IsByzantine(err error) bool {
	return errors.Is(err, ErrVerification) || errors.Is(err, ErrChecksumMismatch) || errors.Is(err, ErrInvalidSignature)
}
