package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/pebble"
	"github.com/ruteri/tee-kms-handoff/interfaces"
)

// sharePrefix namespaces share generations within the database.
var sharePrefix = []byte("share/")

// PebbleShareBackend persists sealed share generations in a Pebble database.
// Every write is synced since a lost generation cannot be re-derived.
type PebbleShareBackend struct {
	db   *pebble.DB
	path string
	log  *slog.Logger
}

// NewPebbleShareBackend opens (or creates) the database at path.
func NewPebbleShareBackend(path string, log *slog.Logger) (*PebbleShareBackend, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(8 << 20),
		MemTableSize: 4 << 20,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}

	return &PebbleShareBackend{db: db, path: path, log: log}, nil
}

// Save stores sealed data under key.
func (b *PebbleShareBackend) Save(ctx context.Context, key interfaces.ShareKey, sealed []byte) error {
	if err := b.db.Set(dbKey(key), sealed, pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

// Load retrieves sealed data for key.
func (b *PebbleShareBackend) Load(ctx context.Context, key interfaces.ShareKey) ([]byte, error) {
	value, closer, err := b.db.Get(dbKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, interfaces.ErrShareNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	defer closer.Close()

	// Copy the value since it's invalid after closer.Close()
	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

// Erase overwrites the stored value with zeros and deletes it in one batch.
func (b *PebbleShareBackend) Erase(ctx context.Context, key interfaces.ShareKey) error {
	k := dbKey(key)

	value, closer, err := b.db.Get(k)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	size := len(value)
	closer.Close()

	batch := b.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(k, make([]byte, size), nil); err != nil {
		return err
	}
	if err := batch.Delete(k, nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("erased share from pebble", "key", key.Path())
	return nil
}

// List returns all stored keys.
func (b *PebbleShareBackend) List(ctx context.Context) ([]interfaces.ShareKey, error) {
	iter, err := b.db.NewIter(&pebble.IterOptions{
		LowerBound: sharePrefix,
		UpperBound: prefixUpperBound(sharePrefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var keys []interfaces.ShareKey
	for iter.First(); iter.Valid(); iter.Next() {
		key, err := interfaces.ParseShareKey(string(iter.Key()[len(sharePrefix):]))
		if err != nil {
			b.log.Warn("skipping unrecognized key", "key", string(iter.Key()), "err", err)
			continue
		}
		keys = append(keys, key)
	}
	return keys, iter.Error()
}

// Name returns identifier for logging.
func (b *PebbleShareBackend) Name() string {
	return fmt.Sprintf("pebble-%s", b.path)
}

// Close flushes and closes the database.
func (b *PebbleShareBackend) Close() error {
	return b.db.Close()
}

func dbKey(key interfaces.ShareKey) []byte {
	return append(append([]byte(nil), sharePrefix...), key.Path()...)
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}
