package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ruteri/tee-kms-handoff/cryptoutils"
	"github.com/ruteri/tee-kms-handoff/interfaces"
)

// FileArchive stores verification matrices on the local file system, one
// file per checksum.
type FileArchive struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileArchive creates a file archive rooted at baseDir.
func NewFileArchive(baseDir string, log *slog.Logger) (*FileArchive, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, "matrices"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create matrices directory: %w", err)
	}

	return &FileArchive{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Fetch retrieves a matrix by its checksum. The content is verified against
// the checksum before it is returned.
func (b *FileArchive) Fetch(ctx context.Context, checksum interfaces.Checksum) (interfaces.VerificationMatrix, error) {
	filePath := b.matrixPath(checksum)

	data, err := os.ReadFile(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	if !(cryptoutils.ChecksumVerifier{}).Matches(data, checksum) {
		return nil, fmt.Errorf("%w: archived matrix %s", interfaces.ErrChecksumMismatch, checksum)
	}

	b.log.Debug("Fetched matrix from file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return data, nil
}

// Store saves a matrix and returns its checksum.
func (b *FileArchive) Store(ctx context.Context, matrix interfaces.VerificationMatrix) (interfaces.Checksum, error) {
	checksum := cryptoutils.ComputeChecksum(matrix)
	filePath := b.matrixPath(checksum)

	if err := os.WriteFile(filePath, matrix, 0644); err != nil {
		return checksum, fmt.Errorf("failed to write file: %w", err)
	}

	b.log.Debug("Stored matrix in file",
		slog.String("path", filePath),
		slog.String("checksum", checksum.String()))

	return checksum, nil
}

// Available checks if the base directory exists.
func (b *FileArchive) Available(ctx context.Context) bool {
	_, err := os.Stat(b.baseDir)
	if err != nil {
		b.log.Debug("File archive unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this archive.
func (b *FileArchive) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI that identifies this archive.
func (b *FileArchive) LocationURI() string {
	return b.locationURI
}

func (b *FileArchive) matrixPath(checksum interfaces.Checksum) string {
	return filepath.Join(b.baseDir, "matrices", checksum.String())
}

// FileShareBackend persists sealed share generations as files. Erase
// overwrites the file with zeros and syncs it before removing it.
type FileShareBackend struct {
	baseDir string
	log     *slog.Logger
}

// NewFileShareBackend creates a share backend rooted at baseDir.
func NewFileShareBackend(baseDir string, log *slog.Logger) (*FileShareBackend, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, "shares"), 0700); err != nil {
		return nil, fmt.Errorf("failed to create shares directory: %w", err)
	}
	return &FileShareBackend{baseDir: baseDir, log: log}, nil
}

// Save writes sealed data atomically via a temporary file.
func (b *FileShareBackend) Save(ctx context.Context, key interfaces.ShareKey, sealed []byte) error {
	filePath := b.sharePath(key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// Load reads sealed data for key.
func (b *FileShareBackend) Load(ctx context.Context, key interfaces.ShareKey) ([]byte, error) {
	data, err := os.ReadFile(b.sharePath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, interfaces.ErrShareNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// Erase overwrites the file with zeros, syncs and removes it.
func (b *FileShareBackend) Erase(ctx context.Context, key interfaces.ShareKey) error {
	filePath := b.sharePath(key)

	f, err := os.OpenFile(filePath, os.O_WRONLY, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open file for erasure: %w", err)
	}

	info, err := f.Stat()
	if err == nil {
		_, err = f.WriteAt(make([]byte, info.Size()), 0)
	}
	if err == nil {
		err = f.Sync()
	}
	f.Close()
	if err != nil {
		return fmt.Errorf("failed to overwrite file: %w", err)
	}

	if err := os.Remove(filePath); err != nil {
		return fmt.Errorf("failed to remove file: %w", err)
	}

	b.log.Debug("Erased share file", slog.String("path", filePath))
	return nil
}

// List walks the shares directory and returns all stored keys.
func (b *FileShareBackend) List(ctx context.Context) ([]interfaces.ShareKey, error) {
	root := filepath.Join(b.baseDir, "shares")

	var keys []interfaces.ShareKey
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key, err := interfaces.ParseShareKey(filepath.ToSlash(rel))
		if err != nil {
			b.log.Warn("Skipping unrecognized file", slog.String("path", path), "err", err)
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list shares: %w", err)
	}
	return keys, nil
}

// Name returns identifier for logging.
func (b *FileShareBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

func (b *FileShareBackend) sharePath(key interfaces.ShareKey) string {
	return filepath.Join(b.baseDir, "shares", filepath.FromSlash(key.Path()))
}
