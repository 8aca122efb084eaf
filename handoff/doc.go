// Package handoff runs the committee handoff protocol of a key manager node.
//
// A handoff moves share material from one epoch's committee to the next in
// three rounds, each with its own predicate (see Predicates):
//
//  1. every member deals and applies with the checksum of its verification
//     matrix; a quorum of applications must agree on one checksum
//  2. every member fetches fragments from the committee until the
//     reconstruction threshold of verified fragments is reached
//  3. the combined share is checked against the agreed checksum, stored as
//     the live generation and confirmed
//
// The Coordinator owns one record per runtime+scheme and drives it through
// the phases:
//
//	Idle -> Dealing -> AwaitingApplications -> Fetching -> Verifying -> Confirmed -> Superseded
//
// Any in-flight phase may end in Aborted: on deadline expiry, an exhausted
// retry budget, unreachable agreement, or when the agreement layer abandons
// the handoff. Aborting discards all dealt and fetched material.
//
// The Fetcher retrieves fragments with bounded parallelism. Its Session keeps
// verified fragments across calls, so a retry only asks the members that have
// not yet served a valid fragment, and sources caught serving bad material are
// never asked again within the handoff.
//
// Example wiring:
//
//	fetcher := handoff.NewFetcher(handoff.DefaultFetcherConfig(), source, dealer, identity, log)
//	coord := handoff.NewCoordinator(handoff.DefaultConfig(), identity, store, dealer, fetcher, agreement, log)
//	defer coord.Close()
//
//	events, err := feed.Subscribe(ctx)
//	if err != nil {
//		return err
//	}
//	return coord.Run(ctx, events)
package handoff
