// Package kms holds the node's share material.
//
// # ShareStore
//
// ShareStore keeps two kinds of generations per runtime+scheme:
//
//   - dealt: the material a node dealt for a handoff and serves fragments
//     from. One per epoch, so a node keeps serving an in-flight handoff while
//     dealing for the next.
//   - live: the reconstructed share whose matrix checksum matched the agreed
//     one. Exactly one per runtime+scheme.
//
// Writes for epochs older than the current generation are rejected with
// interfaces.ErrStaleWrite. Retired generations are zeroized before they are
// unlinked, and erased from the persistence backend when one is configured:
//
//	store := kms.NewShareStore(log, kms.WithPersistence(backend, sealer))
//	if _, err := store.Restore(ctx); err != nil {
//		return err
//	}
//
// # ShamirDealer
//
// ShamirDealer implements interfaces.Dealer on hashicorp/vault/shamir for
// committees running in one process. It re-shares a master secret on every
// handoff and commits to every piece in the verification matrix. It is meant
// for development and integration testing only.
package kms
