// Command kmsnode runs development key manager committees and drives their
// handoffs.
//
// Subcommands:
//   - devnet: start N in-process nodes, each with its own share store, peer
//     endpoints on --base-port+i and operator endpoints on
//     --operator-base-port+i, sharing an in-process agreement layer whose
//     operator API is served on --governance-addr
//   - announce: announce an epoch to a devnet's agreement layer
//   - status: print the handoff status a node tracks
//   - fetch: make a node fetch fragments for its active handoff now
//   - fetch-matrix: fetch an archived verification matrix and verify its checksum
//
// Example:
//
//	kmsnode devnet --nodes 4 --epoch-interval 1m --archive file:///tmp/matrices
//	kmsnode status --node-url http://127.0.0.1:8200
//	kmsnode announce --peers-file peers.json --epoch 10
package main
