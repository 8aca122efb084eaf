// Package interfaces defines core interfaces and types for the key manager
// handoff protocol, separating interface definitions from implementations.
//
// # Identifiers
//
//   - HandoffID: (runtime, scheme, epoch), carried by every protocol message
//   - NodeID: 20-byte address derived from a node's secp256k1 identity key
//   - Checksum: 32-byte digest of a VerificationMatrix
//
// # Protocol Messages
//
// Application and Confirmation are the node's assertions submitted to the
// agreement layer. QueryRequest, FragmentRequest and FetchRequest are the
// peer-facing and operator-facing requests.
//
// # Collaborators
//
//   - Dealer: opaque dealing, fragment derivation, verification and combination
//   - Agreement / AgreementFeed: submission to, and events from, the agreement layer
//   - FragmentSource: peer transport used by the fetcher
//   - ShareBackend: persistence of sealed share generations
//   - MatrixArchive: checksum-addressed storage of published matrices
//
// # Errors
//
// Sentinel errors in errors.go classify failures; IsByzantine separates
// potential byzantine faults from transient ones.
package interfaces
