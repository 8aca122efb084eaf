package kms

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/ruteri/tee-kms-handoff/cryptoutils"
	"github.com/ruteri/tee-kms-handoff/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRuntime = interfaces.RuntimeID{0xaa}

func handoffID(epoch interfaces.EpochTime) interfaces.HandoffID {
	return interfaces.HandoffID{Runtime: testRuntime, Scheme: 1, Epoch: epoch}
}

func testShare(tag byte) *interfaces.EncodedSecretShare {
	return &interfaces.EncodedSecretShare{
		Polynomial:         []byte{tag, tag, tag, tag},
		VerificationMatrix: interfaces.VerificationMatrix{0xee, tag},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memoryBackend is an in-memory ShareBackend for tests.
type memoryBackend struct {
	mu     sync.Mutex
	blobs  map[string][]byte
	erased []interfaces.ShareKey
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{blobs: make(map[string][]byte)}
}

func (b *memoryBackend) Save(_ context.Context, key interfaces.ShareKey, sealed []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[key.Path()] = append([]byte(nil), sealed...)
	return nil
}

func (b *memoryBackend) Load(_ context.Context, key interfaces.ShareKey) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[key.Path()]
	if !ok {
		return nil, interfaces.ErrShareNotFound
	}
	return data, nil
}

func (b *memoryBackend) Erase(_ context.Context, key interfaces.ShareKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, key.Path())
	b.erased = append(b.erased, key)
	return nil
}

func (b *memoryBackend) List(_ context.Context) ([]interfaces.ShareKey, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []interfaces.ShareKey
	for path := range b.blobs {
		key, err := interfaces.ParseShareKey(path)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (b *memoryBackend) Name() string { return "memory" }

func TestShareStore_PutGet(t *testing.T) {
	ctx := context.Background()
	store := NewShareStore(quietLogger())

	assert.Nil(t, store.Get(handoffID(1)))

	share := testShare(1)
	require.NoError(t, store.Put(ctx, handoffID(1), share))

	got := store.Get(handoffID(1))
	require.NotNil(t, got)
	assert.Equal(t, share.Polynomial, got.Polynomial)

	// The store keeps its own copy.
	share.Polynomial[0] = 0x99
	assert.Equal(t, byte(1), store.Get(handoffID(1)).Polynomial[0])

	// Reads for other epochs or schemes never return the wrong generation.
	assert.Nil(t, store.Get(handoffID(2)))
	other := handoffID(1)
	other.Scheme = 2
	assert.Nil(t, store.Get(other))

	assert.Error(t, store.Put(ctx, handoffID(3), &interfaces.EncodedSecretShare{}))
}

func TestShareStore_SingleLiveGeneration(t *testing.T) {
	ctx := context.Background()
	store := NewShareStore(quietLogger())

	old := testShare(1)
	require.NoError(t, store.Put(ctx, handoffID(1), old))
	require.NoError(t, store.Put(ctx, handoffID(2), testShare(2)))

	assert.Nil(t, store.Get(handoffID(1)), "previous live generation must be retired")
	assert.NotNil(t, store.Get(handoffID(2)))
	assert.Equal(t, 1, store.Generations())

	// Stale writes are rejected and do not disturb the live generation.
	err := store.Put(ctx, handoffID(1), testShare(3))
	assert.ErrorIs(t, err, interfaces.ErrStaleWrite)
	assert.Equal(t, []byte{2, 2, 2, 2}, store.Get(handoffID(2)).Polynomial)

	// Re-putting the current epoch replaces it.
	require.NoError(t, store.Put(ctx, handoffID(2), testShare(4)))
	assert.Equal(t, []byte{4, 4, 4, 4}, store.Get(handoffID(2)).Polynomial)
}

func TestShareStore_RetiredGenerationIsZeroized(t *testing.T) {
	ctx := context.Background()
	store := NewShareStore(quietLogger())

	require.NoError(t, store.Put(ctx, handoffID(1), testShare(1)))

	store.mu.RLock()
	retained := store.schemes[handoffID(1).Key()].live.share.Polynomial
	store.mu.RUnlock()

	require.NoError(t, store.Put(ctx, handoffID(2), testShare(2)))
	assert.Equal(t, []byte{0, 0, 0, 0}, retained, "retired secret bytes must be overwritten")
}

func TestShareStore_DealtGenerations(t *testing.T) {
	ctx := context.Background()
	store := NewShareStore(quietLogger())

	dealt := testShare(7)
	require.NoError(t, store.PutDealt(ctx, handoffID(4), dealt))
	require.NoError(t, store.PutDealt(ctx, handoffID(5), testShare(8)))

	// Dealt generations overlap across epochs.
	assert.NotNil(t, store.GetDealt(handoffID(4)))
	assert.NotNil(t, store.GetDealt(handoffID(5)))
	assert.Nil(t, store.Get(handoffID(4)))

	assert.ErrorIs(t, store.PutDealt(ctx, handoffID(3), testShare(9)), interfaces.ErrStaleWrite)

	md := store.Metadata(handoffID(4))
	assert.True(t, md.Dealt)
	assert.False(t, md.Live)
	assert.Equal(t, cryptoutils.ComputeChecksum(dealt.VerificationMatrix), md.Checksum)

	assert.Equal(t, interfaces.ShareMetadata{}, store.Metadata(handoffID(6)))

	// Nothing older than a live generation may be dealt.
	require.NoError(t, store.Put(ctx, handoffID(6), testShare(10)))
	assert.ErrorIs(t, store.PutDealt(ctx, handoffID(5), testShare(11)), interfaces.ErrStaleWrite)

	md = store.Metadata(handoffID(6))
	assert.True(t, md.Live)
	assert.Equal(t, cryptoutils.ComputeChecksum(testShare(10).VerificationMatrix), md.Checksum)
}

func TestShareStore_RetireBefore(t *testing.T) {
	ctx := context.Background()
	store := NewShareStore(quietLogger())

	require.NoError(t, store.PutDealt(ctx, handoffID(3), testShare(3)))
	require.NoError(t, store.PutDealt(ctx, handoffID(4), testShare(4)))
	require.NoError(t, store.Put(ctx, handoffID(4), testShare(44)))
	require.NoError(t, store.PutDealt(ctx, handoffID(5), testShare(5)))

	retired := store.RetireBefore(ctx, handoffID(5).Key(), 5)
	assert.Equal(t, 3, retired)

	assert.Nil(t, store.GetDealt(handoffID(3)))
	assert.Nil(t, store.GetDealt(handoffID(4)))
	assert.Nil(t, store.Get(handoffID(4)))
	assert.NotNil(t, store.GetDealt(handoffID(5)), "generation at the boundary epoch must remain")

	assert.Equal(t, 0, store.RetireBefore(ctx, handoffID(5).Key(), 5))
}

func TestShareStore_Persistence(t *testing.T) {
	ctx := context.Background()
	backend := newMemoryBackend()
	sealer, err := cryptoutils.NewSealer([]byte("secret"), "test")
	require.NoError(t, err)

	store := NewShareStore(quietLogger(), WithPersistence(backend, sealer))
	require.NoError(t, store.PutDealt(ctx, handoffID(1), testShare(1)))
	require.NoError(t, store.Put(ctx, handoffID(1), testShare(2)))
	require.NoError(t, store.Put(ctx, handoffID(2), testShare(3)))

	// The retired live generation was erased from the backend.
	assert.Len(t, backend.blobs, 2)
	assert.Contains(t, backend.erased, interfaces.ShareKey{ID: handoffID(1), Kind: interfaces.LiveShare})

	for _, blob := range backend.blobs {
		assert.NotContains(t, string(blob), string([]byte{3, 3, 3, 3}), "blobs must be sealed")
	}

	restored := NewShareStore(quietLogger(), WithPersistence(backend, sealer))
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []byte{3, 3, 3, 3}, restored.Get(handoffID(2)).Polynomial)
	assert.Equal(t, []byte{1, 1, 1, 1}, restored.GetDealt(handoffID(1)).Polynomial)

	// A different sealing secret cannot restore.
	wrong, err := cryptoutils.NewSealer([]byte("other"), "test")
	require.NoError(t, err)
	_, err = NewShareStore(quietLogger(), WithPersistence(backend, wrong)).Restore(ctx)
	assert.Error(t, err)
}

func TestShareStore_ConcurrentReaders(t *testing.T) {
	ctx := context.Background()
	store := NewShareStore(quietLogger())
	require.NoError(t, store.Put(ctx, handoffID(1), testShare(1)))

	var wg sync.WaitGroup
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				// A read either misses or returns the intact share of the requested epoch.
				for e := interfaces.EpochTime(1); e <= 20; e++ {
					if got := store.Get(handoffID(e)); got != nil {
						assert.Equal(t, []byte{byte(e), byte(e), byte(e), byte(e)}, got.Polynomial)
					}
				}
			}
		}()
	}

	for e := interfaces.EpochTime(2); e <= 20; e++ {
		require.NoError(t, store.Put(ctx, handoffID(e), testShare(byte(e))))
	}
	close(done)
	wg.Wait()

	assert.NotNil(t, store.Get(handoffID(20)))
}

func TestShareStore_DiscardDealt(t *testing.T) {
	ctx := context.Background()
	backend := newMemoryBackend()
	sealer, err := cryptoutils.NewSealer([]byte("secret"), "test")
	require.NoError(t, err)
	store := NewShareStore(quietLogger(), WithPersistence(backend, sealer))

	require.NoError(t, store.Put(ctx, handoffID(1), testShare(1)))
	require.NoError(t, store.PutDealt(ctx, handoffID(2), testShare(2)))

	assert.True(t, store.DiscardDealt(ctx, handoffID(2)))
	assert.False(t, store.DiscardDealt(ctx, handoffID(2)))

	assert.Nil(t, store.GetDealt(handoffID(2)))
	assert.NotNil(t, store.Get(handoffID(1)), "live generation is untouched")
	assert.Contains(t, backend.erased, interfaces.ShareKey{ID: handoffID(2), Kind: interfaces.DealtShare})
}
