// Package governance provides an in-process agreement layer for development
// committees and integration tests.
//
// Governance plays the role the consensus layer plays in production: it
// announces committees, accepts signed applications and confirmations from
// members, and delivers the accepted facts to every node in one total order.
// Submissions are authenticated by recovering the signer from the signature;
// submissions for a handoff that is not the latest announced one are
// rejected with interfaces.ErrStaleHandoff.
//
//	gov := governance.New(log)
//	events, _ := gov.Subscribe(ctx)
//	_ = gov.AnnounceEpoch(interfaces.EpochEvent{Runtime: runtime, Scheme: 1, Epoch: 1, Committee: committee})
package governance
