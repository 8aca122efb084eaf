// Package common holds process-wide helpers shared by the commands.
package common

// PackageName is used as the metrics namespace.
const PackageName = "tee_kms_handoff"

// Version is set at build time with
// -ldflags "-X github.com/ruteri/tee-kms-handoff/common.Version=..."
var Version = "dev"
