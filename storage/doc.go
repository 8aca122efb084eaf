// Package storage provides persistence backends for share generations and
// archives for published verification matrices.
//
// Share backends (interfaces.ShareBackend) hold sealed share generations on
// behalf of kms.ShareStore:
//
//   - PebbleShareBackend: embedded Pebble database
//   - FileShareBackend: one sealed file per generation
//   - VaultShareBackend: HashiCorp Vault KV v2 mount
//
// Erasure overwrites before releasing wherever the engine allows it: files
// are zero-filled and synced before removal, Pebble keys are set to a
// zero value and deleted in one synced batch, and Vault secrets are removed
// together with every version by deleting their metadata.
//
// Matrix archives (interfaces.MatrixArchive) are checksum-addressed and
// verify every matrix they return:
//
//   - FileArchive: local directory
//   - S3Archive: Amazon S3 or compatible object storage
//   - IPFSArchive: IPFS node, linked by checksum in the node's file system
//   - MultiArchive: fallback across several archives
//
// # Storage URI Format
//
// Backends are specified using URI format:
//
//	[scheme]://[auth@]host[:port][/path][?params]
//
// Examples:
//
//   - pebble:///var/lib/kms/shares
//   - file:///var/lib/kms/
//   - vault://s.token@vault.example.com:8200/secret/kms-handoff
//   - s3://bucket-name/matrices/?region=us-west-2
//   - ipfs://127.0.0.1:5001/kms-handoff/matrices?timeout=30s
//
// BackendFactory turns URIs into backends:
//
//	factory := storage.NewBackendFactory(log)
//	backend, err := factory.ShareBackendFor("pebble:///var/lib/kms/shares")
//	archive, err := factory.CreateMultiArchive([]string{"file:///var/lib/kms", "s3://bucket/matrices"})
package storage
