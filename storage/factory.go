package storage

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ruteri/tee-kms-handoff/interfaces"
)

// BackendFactory creates share backends and matrix archives from URI strings.
type BackendFactory struct {
	log *slog.Logger
}

// NewBackendFactory creates a new factory instance.
func NewBackendFactory(logger *slog.Logger) *BackendFactory {
	return &BackendFactory{log: logger}
}

// ShareBackendFor creates a share backend from a location URI.
//
// Supported schemes:
//   - pebble:///path/to/db - Pebble database
//   - file:///path/to/dir - sealed files on the local filesystem
//   - vault://[token@]host:port/mount/path?tls=false - Vault KV v2
func (f *BackendFactory) ShareBackendFor(uri string) (interfaces.ShareBackend, error) {
	loc, err := interfaces.NewStorageBackendLocation(uri)
	if err != nil {
		return nil, err
	}

	switch loc.Scheme {
	case "pebble":
		path, err := localPath(loc)
		if err != nil {
			return nil, err
		}
		f.log.Debug("Creating pebble share backend", slog.String("path", path))
		return NewPebbleShareBackend(path, f.log)
	case "file":
		path, err := localPath(loc)
		if err != nil {
			return nil, err
		}
		f.log.Debug("Creating file share backend", slog.String("path", path))
		return NewFileShareBackend(path, f.log)
	case "vault":
		return f.createVaultBackend(loc)
	default:
		return nil, fmt.Errorf("%w: %s cannot hold shares", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// ArchiveFor creates a matrix archive from a location URI.
//
// Supported schemes:
//   - file:///path/to/dir - local filesystem
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-west-2&endpoint=custom.s3.com
//   - ipfs://host:port/mfs/dir?timeout=30s
func (f *BackendFactory) ArchiveFor(uri string) (interfaces.MatrixArchive, error) {
	loc, err := interfaces.NewStorageBackendLocation(uri)
	if err != nil {
		return nil, err
	}

	switch loc.Scheme {
	case "file":
		path, err := localPath(loc)
		if err != nil {
			return nil, err
		}
		f.log.Debug("Creating file archive", slog.String("path", path))
		return NewFileArchive(path, f.log)
	case "s3":
		return f.createS3Archive(loc)
	case "ipfs":
		return f.createIPFSArchive(loc)
	default:
		return nil, fmt.Errorf("%w: %s cannot archive matrices", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// CreateMultiArchive creates a multi-archive from a list of location URIs.
// Invalid URIs are logged and skipped. Returns an error if no archive could
// be created.
func (f *BackendFactory) CreateMultiArchive(uris []string) (interfaces.MatrixArchive, error) {
	archives := make([]interfaces.MatrixArchive, 0, len(uris))

	for _, uri := range uris {
		archive, err := f.ArchiveFor(uri)
		if err != nil {
			f.log.Warn("Failed to create matrix archive",
				"err", err,
				slog.String("locationURI", uri))
			continue
		}
		archives = append(archives, archive)
	}

	if len(archives) == 0 {
		return nil, fmt.Errorf("no valid matrix archives created")
	}

	return NewMultiArchive(archives, f.log), nil
}

// createS3Archive parses s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=...&endpoint=...
func (f *BackendFactory) createS3Archive(loc interfaces.StorageBackendLocation) (interfaces.MatrixArchive, error) {
	f.log.Debug("Creating S3 archive", slog.String("uri", loc.String()))

	region := loc.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if loc.Auth != "" {
		accessKey, secretKey, _ = strings.Cut(loc.Auth, ":")
	} else {
		accessKey = os.Getenv("AWS_ACCESS_KEY_ID")
		secretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}

	return NewS3Archive(loc.Host, strings.TrimPrefix(loc.Path, "/"), region, loc.GetParam("endpoint"), accessKey, secretKey, f.log)
}

// createIPFSArchive parses ipfs://host:port/mfs/dir?timeout=30s
func (f *BackendFactory) createIPFSArchive(loc interfaces.StorageBackendLocation) (interfaces.MatrixArchive, error) {
	f.log.Debug("Creating IPFS archive", slog.String("uri", loc.String()))

	host, port, found := strings.Cut(loc.Host, ":")
	if !found || port == "" {
		port = "5001"
	}

	timeout := 30 * time.Second
	if raw := loc.GetParam("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid timeout %q", interfaces.ErrInvalidLocationURI, raw)
		}
		timeout = parsed
	}

	return NewIPFSArchive(host, port, loc.Path, timeout, f.log)
}

// createVaultBackend parses vault://[token@]host:port/mount/path?tls=false
func (f *BackendFactory) createVaultBackend(loc interfaces.StorageBackendLocation) (interfaces.ShareBackend, error) {
	f.log.Debug("Creating Vault share backend", slog.String("host", loc.Host))

	mount, dataPath, _ := strings.Cut(strings.TrimPrefix(loc.Path, "/"), "/")
	if mount == "" {
		mount = "secret"
	}
	if dataPath == "" {
		dataPath = "kms-handoff"
	}

	scheme := "https"
	if loc.GetParam("tls") == "false" {
		scheme = "http"
	}

	token := loc.Auth
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}

	return NewVaultShareBackend(fmt.Sprintf("%s://%s", scheme, loc.Host), token, mount, dataPath, f.log)
}

// localPath extracts a filesystem path from file:// and pebble:// URIs.
// Both file:///abs/path and file://./relative/path are accepted.
func localPath(loc interfaces.StorageBackendLocation) (string, error) {
	path := loc.Path
	if loc.Host != "" {
		path = loc.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return "", fmt.Errorf("%w: empty path in %s", interfaces.ErrInvalidLocationURI, loc.String())
	}
	return path, nil
}
