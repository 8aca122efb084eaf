package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/tee-kms-handoff/cryptoutils"
	"github.com/ruteri/tee-kms-handoff/interfaces"
)

// IPFSArchive publishes verification matrices to an IPFS node. Matrices are
// added to the node and linked into its mutable file system under their
// checksum, so peers sharing the node can look them up by checksum.
type IPFSArchive struct {
	shell       *shell.Shell
	host        string
	port        string
	dir         string
	timeout     time.Duration
	log         *slog.Logger
	locationURI string
}

// NewIPFSArchive creates a new IPFS archive connected to host:port.
func NewIPFSArchive(host, port, dir string, timeout time.Duration, log *slog.Logger) (*IPFSArchive, error) {
	apiURL := fmt.Sprintf("%s:%s", host, port)
	if dir == "" {
		dir = "/kms-handoff/matrices"
	}

	sh := shell.NewShell(apiURL)
	sh.SetTimeout(timeout)

	return &IPFSArchive{
		shell:       sh,
		host:        host,
		port:        port,
		dir:         "/" + strings.Trim(dir, "/"),
		timeout:     timeout,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s%s?timeout=%s", apiURL, dir, timeout),
	}, nil
}

// Fetch retrieves a matrix by checksum and verifies it.
// Returns ErrContentNotFound if the matrix is not linked or
// ErrBackendUnavailable if the IPFS node is not accessible.
func (b *IPFSArchive) Fetch(ctx context.Context, checksum interfaces.Checksum) (interfaces.VerificationMatrix, error) {
	start := time.Now()
	path := b.matrixPath(checksum)

	if !b.shell.IsUp() {
		b.log.Warn("IPFS node unavailable",
			slog.String("host", b.host),
			slog.String("port", b.port))
		return nil, interfaces.ErrBackendUnavailable
	}

	reader, err := b.shell.FilesRead(ctx, path)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") || strings.Contains(err.Error(), "no link named") {
			b.log.Debug("Matrix not found in IPFS",
				slog.String("path", path),
				slog.Duration("duration", time.Since(start)))
			return nil, interfaces.ErrContentNotFound
		}
		return nil, fmt.Errorf("failed to fetch data from IPFS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data from IPFS: %w", err)
	}

	if !(cryptoutils.ChecksumVerifier{}).Matches(data, checksum) {
		return nil, fmt.Errorf("%w: archived matrix %s", interfaces.ErrChecksumMismatch, checksum)
	}

	b.log.Debug("Fetched matrix from IPFS",
		slog.String("path", path),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return data, nil
}

// Store adds a matrix to IPFS, links it under its checksum and returns the
// checksum.
func (b *IPFSArchive) Store(ctx context.Context, matrix interfaces.VerificationMatrix) (interfaces.Checksum, error) {
	checksum := cryptoutils.ComputeChecksum(matrix)

	if !b.shell.IsUp() {
		return checksum, interfaces.ErrBackendUnavailable
	}

	cid, err := b.shell.Add(bytes.NewReader(matrix), shell.Pin(true))
	if err != nil {
		return checksum, fmt.Errorf("failed to add data to IPFS: %w", err)
	}

	err = b.shell.FilesWrite(ctx, b.matrixPath(checksum), bytes.NewReader(matrix),
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Parents(true),
		shell.FilesWrite.Truncate(true))
	if err != nil {
		return checksum, fmt.Errorf("failed to link matrix in IPFS: %w", err)
	}

	b.log.Debug("Stored matrix in IPFS",
		slog.String("ipfsCID", cid),
		slog.String("checksum", checksum.String()))

	return checksum, nil
}

// Available checks if the IPFS node is accessible.
func (b *IPFSArchive) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

// Name returns a unique identifier for this archive.
func (b *IPFSArchive) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", b.host, b.port)
}

// LocationURI returns the URI that identifies this archive.
func (b *IPFSArchive) LocationURI() string {
	return b.locationURI
}

func (b *IPFSArchive) matrixPath(checksum interfaces.Checksum) string {
	return b.dir + "/" + checksum.String()
}
