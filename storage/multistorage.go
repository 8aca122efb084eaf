package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/tee-kms-handoff/interfaces"
)

// MultiArchive implements interfaces.MatrixArchive over several archives
// with fallback: stores go to every available archive, fetches return the
// first hit.
type MultiArchive struct {
	archives []interfaces.MatrixArchive
	log      *slog.Logger
}

// NewMultiArchive creates a new multi-archive with fallback.
func NewMultiArchive(archives []interfaces.MatrixArchive, logger *slog.Logger) *MultiArchive {
	if logger == nil {
		logger = slog.Default()
	}

	return &MultiArchive{
		archives: archives,
		log:      logger,
	}
}

// Fetch returns the matrix from the first archive that has it. A checksum
// mismatch from one archive does not stop the search.
func (m *MultiArchive) Fetch(ctx context.Context, checksum interfaces.Checksum) (interfaces.VerificationMatrix, error) {
	start := time.Now()
	var errs []error

	for _, archive := range m.archives {
		if !archive.Available(ctx) {
			m.log.Debug("Archive unavailable",
				slog.String("backend_name", archive.Name()),
				slog.String("checksum", checksum.String()))
			continue
		}

		matrix, err := archive.Fetch(ctx, checksum)
		if err == nil {
			m.log.Info("Successfully fetched matrix",
				slog.String("backend_name", archive.Name()),
				slog.String("checksum", checksum.String()),
				slog.Duration("duration", time.Since(start)))
			return matrix, nil
		}

		errs = append(errs, fmt.Errorf("%s: %w", archive.Name(), err))
		m.log.Debug("Failed to fetch from archive",
			slog.String("backend_name", archive.Name()),
			slog.String("checksum", checksum.String()),
			"err", err)
	}

	m.log.Error("All archives failed to fetch matrix",
		slog.String("checksum", checksum.String()),
		slog.Int("failed_backends", len(errs)),
		slog.Duration("duration", time.Since(start)))

	if len(errs) == 0 {
		return nil, interfaces.ErrBackendUnavailable
	}
	return nil, fmt.Errorf("all archives failed to fetch %s: %w", checksum, errors.Join(errs...))
}

// Store saves the matrix to all available archives.
func (m *MultiArchive) Store(ctx context.Context, matrix interfaces.VerificationMatrix) (interfaces.Checksum, error) {
	start := time.Now()
	var result interfaces.Checksum
	var success bool
	var errs []error

	for _, archive := range m.archives {
		if !archive.Available(ctx) {
			m.log.Debug("Archive unavailable", slog.String("backend_name", archive.Name()))
			continue
		}

		checksum, err := archive.Store(ctx, matrix)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", archive.Name(), err))
			m.log.Debug("Failed to store to archive",
				slog.String("backend_name", archive.Name()),
				"err", err)
			continue
		}

		if !success {
			result = checksum
			success = true
			m.log.Info("Successfully stored matrix",
				slog.String("backend_name", archive.Name()),
				slog.String("checksum", checksum.String()),
				slog.Duration("duration", time.Since(start)))
		} else if result != checksum {
			m.log.Warn("Inconsistent checksums from archives",
				slog.String("backend_name", archive.Name()),
				slog.String("expected", result.String()),
				slog.String("actual", checksum.String()))
		}
	}

	if !success {
		m.log.Error("All archives failed to store matrix",
			slog.Int("failed_backends", len(errs)),
			slog.Duration("duration", time.Since(start)))
		return result, fmt.Errorf("all archives failed to store matrix: %w", errors.Join(errs...))
	}

	return result, nil
}

// Available checks if any archive is available.
func (m *MultiArchive) Available(ctx context.Context) bool {
	for _, archive := range m.archives {
		if archive.Available(ctx) {
			return true
		}
	}
	return false
}

// Name returns the name of this archive.
func (m *MultiArchive) Name() string {
	return "multi-archive"
}

// LocationURI returns a combined URI of all archives.
func (m *MultiArchive) LocationURI() string {
	var locations []string
	for _, archive := range m.archives {
		locations = append(locations, archive.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}
