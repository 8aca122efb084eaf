// Package queryhandler implements the peer-facing HTTP endpoints of a key
// manager node during committee handoffs, and a client for them.
//
// Peer endpoints (Handler.RegisterRoutes):
//   - POST /api/handoff/query: share metadata for a handoff
//   - POST /api/handoff/fragment: the fragment this node serves to a member,
//     sealed to the member's identity key
//
// Operator endpoints (Handler.Operator), served on a separate listener:
//   - POST /api/handoff/fetch: make the node fetch fragments now
//   - GET /api/handoff/status/{runtime}/{scheme}: current handoff status
//
// Protocol errors travel as HTTP status codes and are mapped back by the
// client:
//
//	410 Gone                 interfaces.ErrStaleHandoff
//	503 Service Unavailable  interfaces.ErrNotReady
//	401 Unauthorized         interfaces.ErrUnauthorized
//	403 Forbidden            interfaces.ErrNotMember
//	409 Conflict             interfaces.ErrAborted
//
// Client implements interfaces.FragmentSource, so a handoff.Fetcher can
// retrieve fragments from peers over HTTP.
package queryhandler
