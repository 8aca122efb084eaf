package interfaces

import "context"

// Agreement is the agreement layer as seen by a node: it accepts the node's
// own assertions for ordering and finalization.
type Agreement interface {
	// SubmitApplication submits the node's signed application.
	SubmitApplication(ctx context.Context, app SignedApplication) error

	// SubmitConfirmation submits the node's signed confirmation.
	SubmitConfirmation(ctx context.Context, conf SignedConfirmation) error
}

// AgreementFeed delivers finalized facts from the agreement layer in order.
type AgreementFeed interface {
	// Subscribe returns a channel of events. The channel is closed when ctx
	// is done.
	Subscribe(ctx context.Context) (<-chan AgreementEvent, error)
}

// FragmentSource retrieves fragments from peers.
type FragmentSource interface {
	// FetchFragment asks node for the fragment it serves to the local node.
	// Returns ErrNotReady, ErrUnauthorized or ErrStaleHandoff (wrapped) for
	// explicit peer refusals.
	FetchFragment(ctx context.Context, node NodeID, req FragmentRequest) (*FragmentResponse, error)
}
