package kms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ruteri/tee-kms-handoff/cryptoutils"
	"github.com/ruteri/tee-kms-handoff/interfaces"
	"github.com/ruteri/tee-kms-handoff/metrics"
)

// generation is one stored share together with the checksum of its matrix.
type generation struct {
	id       interfaces.HandoffID
	share    *interfaces.EncodedSecretShare
	checksum interfaces.Checksum
}

func (g *generation) key(kind interfaces.ShareKind) interfaces.ShareKey {
	return interfaces.ShareKey{ID: g.id, Kind: kind}
}

// zeroize overwrites the secret polynomial and drops the references.
func (g *generation) zeroize() {
	if g == nil || g.share == nil {
		return
	}
	cryptoutils.Zeroize(g.share.Polynomial)
	g.share.Polynomial = nil
	g.share.VerificationMatrix = nil
	g.share = nil
}

// schemeGenerations holds everything stored for one runtime+scheme.
type schemeGenerations struct {
	// live is the single reconstructed, confirmed generation.
	live *generation

	// dealt keeps one generation per epoch so that a node can keep serving
	// fragments for a handoff while dealing for the next one.
	dealt map[interfaces.EpochTime]*generation
}

func (s *schemeGenerations) newestDealt() interfaces.EpochTime {
	var newest interfaces.EpochTime
	for epoch := range s.dealt {
		if epoch > newest {
			newest = epoch
		}
	}
	return newest
}

func (s *schemeGenerations) empty() bool {
	return s.live == nil && len(s.dealt) == 0
}

// ShareStore holds a node's share generations per runtime+scheme.
//
// Exactly one live generation exists per runtime+scheme. Putting a newer live
// share retires the previous one; every retired generation is zeroized
// before its reference is dropped. Writes older than the current generation
// are rejected with interfaces.ErrStaleWrite.
//
// Readers never observe a torn state: the new generation is installed and
// the old one unlinked under the same write lock.
type ShareStore struct {
	// writeMu serializes writers so that backend I/O happens outside mu.
	writeMu sync.Mutex

	mu      sync.RWMutex
	schemes map[interfaces.SchemeKey]*schemeGenerations

	verifier cryptoutils.ChecksumVerifier
	backend  interfaces.ShareBackend
	sealer   *cryptoutils.Sealer
	log      *slog.Logger
}

// ShareStoreOption configures a ShareStore.
type ShareStoreOption func(*ShareStore)

// WithPersistence enables write-through of every generation to backend,
// sealed with sealer.
func WithPersistence(backend interfaces.ShareBackend, sealer *cryptoutils.Sealer) ShareStoreOption {
	return func(s *ShareStore) {
		s.backend = backend
		s.sealer = sealer
	}
}

// NewShareStore creates an empty share store.
func NewShareStore(log *slog.Logger, opts ...ShareStoreOption) *ShareStore {
	s := &ShareStore{
		schemes: make(map[interfaces.SchemeKey]*schemeGenerations),
		log:     log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put stores share as the live generation for id, retiring the previous live
// generation of the same runtime+scheme.
func (s *ShareStore) Put(ctx context.Context, id interfaces.HandoffID, share *interfaces.EncodedSecretShare) error {
	return s.put(ctx, id, interfaces.LiveShare, share, true)
}

// PutDealt stores the material this node dealt for id. Dealt generations of
// older epochs are kept until RetireBefore.
func (s *ShareStore) PutDealt(ctx context.Context, id interfaces.HandoffID, share *interfaces.EncodedSecretShare) error {
	return s.put(ctx, id, interfaces.DealtShare, share, true)
}

// Get returns a copy of the live share for exactly id, or nil.
func (s *ShareStore) Get(id interfaces.HandoffID) *interfaces.EncodedSecretShare {
	s.mu.RLock()
	defer s.mu.RUnlock()

	gens, ok := s.schemes[id.Key()]
	if !ok || gens.live == nil || gens.live.id != id {
		return nil
	}
	return gens.live.share.Clone()
}

// GetDealt returns a copy of the dealt share for exactly id, or nil.
func (s *ShareStore) GetDealt(id interfaces.HandoffID) *interfaces.EncodedSecretShare {
	s.mu.RLock()
	defer s.mu.RUnlock()

	gens, ok := s.schemes[id.Key()]
	if !ok {
		return nil
	}
	gen, ok := gens.dealt[id.Epoch]
	if !ok {
		return nil
	}
	return gen.share.Clone()
}

// Metadata reports what is stored for id. The checksum is that of the dealt
// matrix, or of the live one when nothing was dealt.
func (s *ShareStore) Metadata(id interfaces.HandoffID) interfaces.ShareMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var md interfaces.ShareMetadata
	gens, ok := s.schemes[id.Key()]
	if !ok {
		return md
	}
	if gen, ok := gens.dealt[id.Epoch]; ok {
		md.Dealt = true
		md.Checksum = gen.checksum
	}
	if gens.live != nil && gens.live.id == id {
		md.Live = true
		if !md.Dealt {
			md.Checksum = gens.live.checksum
		}
	}
	return md
}

// RetireBefore erases all generations of runtime+scheme strictly older than
// epoch.
func (s *ShareStore) RetireBefore(ctx context.Context, key interfaces.SchemeKey, epoch interfaces.EpochTime) int {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var retired []retiredGeneration

	s.mu.Lock()
	if gens, ok := s.schemes[key]; ok {
		if gens.live != nil && gens.live.id.Epoch < epoch {
			retired = append(retired, retiredGeneration{gens.live, interfaces.LiveShare})
			gens.live = nil
		}
		for e, gen := range gens.dealt {
			if e < epoch {
				retired = append(retired, retiredGeneration{gen, interfaces.DealtShare})
				delete(gens.dealt, e)
			}
		}
		if gens.empty() {
			delete(s.schemes, key)
		}
	}
	s.mu.Unlock()

	s.dispose(ctx, retired)
	if len(retired) > 0 {
		s.log.Info("retired share generations", "scheme", key, "before", epoch, "count", len(retired))
	}
	return len(retired)
}

// DiscardDealt erases the dealt generation of exactly id, if any. It is used
// when a handoff is abandoned and its dealing can never be served.
func (s *ShareStore) DiscardDealt(ctx context.Context, id interfaces.HandoffID) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var retired []retiredGeneration

	s.mu.Lock()
	if gens, ok := s.schemes[id.Key()]; ok {
		if gen, ok := gens.dealt[id.Epoch]; ok {
			retired = append(retired, retiredGeneration{gen, interfaces.DealtShare})
			delete(gens.dealt, id.Epoch)
		}
		if gens.empty() {
			delete(s.schemes, id.Key())
		}
	}
	s.mu.Unlock()

	s.dispose(ctx, retired)
	return len(retired) > 0
}

// Generations returns the number of generations currently held.
func (s *ShareStore) Generations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, gens := range s.schemes {
		if gens.live != nil {
			n++
		}
		n += len(gens.dealt)
	}
	return n
}

// Restore reloads persisted generations. Generations rejected by the
// stale-write rules are erased from the backend.
func (s *ShareStore) Restore(ctx context.Context) (int, error) {
	if s.backend == nil {
		return 0, nil
	}

	keys, err := s.backend.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list persisted shares: %w", err)
	}

	sort.Slice(keys, func(i, j int) bool {
		return keys[i].ID.Epoch < keys[j].ID.Epoch
	})

	restored := 0
	for _, key := range keys {
		share, err := s.load(ctx, key)
		if err != nil {
			return restored, err
		}

		err = s.put(ctx, key.ID, key.Kind, share, false)
		cryptoutils.Zeroize(share.Polynomial)
		if errors.Is(err, interfaces.ErrStaleWrite) {
			s.log.Warn("dropping stale persisted share", "handoff", key.ID, "kind", key.Kind)
			if err := s.backend.Erase(ctx, key); err != nil {
				s.log.Error("failed to erase stale persisted share", "handoff", key.ID, "err", err)
			}
			continue
		}
		if err != nil {
			return restored, err
		}
		restored++
	}

	s.log.Info("restored share generations", "backend", s.backend.Name(), "count", restored)
	return restored, nil
}

type retiredGeneration struct {
	gen  *generation
	kind interfaces.ShareKind
}

func (s *ShareStore) put(ctx context.Context, id interfaces.HandoffID, kind interfaces.ShareKind, share *interfaces.EncodedSecretShare, persist bool) error {
	if share == nil || len(share.Polynomial) == 0 {
		return errors.New("share must not be empty")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.checkStale(id, kind); err != nil {
		return err
	}

	gen := &generation{
		id:       id,
		share:    share.Clone(),
		checksum: s.verifier.Compute(share.VerificationMatrix),
	}

	if persist && s.backend != nil {
		if err := s.save(ctx, gen, kind); err != nil {
			gen.zeroize()
			return err
		}
	}

	var retired []retiredGeneration

	s.mu.Lock()
	gens, ok := s.schemes[id.Key()]
	if !ok {
		gens = &schemeGenerations{dealt: make(map[interfaces.EpochTime]*generation)}
		s.schemes[id.Key()] = gens
	}
	switch kind {
	case interfaces.LiveShare:
		if gens.live != nil {
			retired = append(retired, retiredGeneration{gens.live, interfaces.LiveShare})
		}
		gens.live = gen
	case interfaces.DealtShare:
		if prev, ok := gens.dealt[id.Epoch]; ok {
			retired = append(retired, retiredGeneration{prev, interfaces.DealtShare})
		}
		gens.dealt[id.Epoch] = gen
	}
	s.mu.Unlock()

	// Re-putting the same epoch must not erase the freshly saved blob.
	persisted := retired[:0]
	for _, r := range retired {
		if r.gen.id == id {
			r.gen.zeroize()
			continue
		}
		persisted = append(persisted, r)
	}
	s.dispose(ctx, persisted)

	metrics.StoreGenerations.WithLabelValues(kind.String()).Set(float64(s.countKind(kind)))
	s.log.Debug("stored share generation", "handoff", id, "kind", kind, "checksum", gen.checksum)
	return nil
}

func (s *ShareStore) checkStale(id interfaces.HandoffID, kind interfaces.ShareKind) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	gens, ok := s.schemes[id.Key()]
	if !ok {
		return nil
	}
	if gens.live != nil && id.Epoch < gens.live.id.Epoch {
		return fmt.Errorf("%w: %s %s is older than live epoch %d", interfaces.ErrStaleWrite, kind, id, gens.live.id.Epoch)
	}
	if kind == interfaces.DealtShare && len(gens.dealt) > 0 && id.Epoch < gens.newestDealt() {
		return fmt.Errorf("%w: dealt %s is older than dealt epoch %d", interfaces.ErrStaleWrite, id, gens.newestDealt())
	}
	return nil
}

func (s *ShareStore) countKind(kind interfaces.ShareKind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, gens := range s.schemes {
		switch kind {
		case interfaces.LiveShare:
			if gens.live != nil {
				n++
			}
		case interfaces.DealtShare:
			n += len(gens.dealt)
		}
	}
	return n
}

// dispose zeroizes retired generations and erases them from the backend.
func (s *ShareStore) dispose(ctx context.Context, retired []retiredGeneration) {
	for _, r := range retired {
		key := r.gen.key(r.kind)
		r.gen.zeroize()

		if s.backend == nil {
			continue
		}
		if err := s.backend.Erase(ctx, key); err != nil {
			s.log.Error("failed to erase retired share", "handoff", key.ID, "kind", key.Kind, "backend", s.backend.Name(), "err", err)
		}
	}
	for _, kind := range []interfaces.ShareKind{interfaces.DealtShare, interfaces.LiveShare} {
		metrics.StoreGenerations.WithLabelValues(kind.String()).Set(float64(s.countKind(kind)))
	}
}

func (s *ShareStore) save(ctx context.Context, gen *generation, kind interfaces.ShareKind) error {
	key := gen.key(kind)

	plain, err := json.Marshal(gen.share)
	if err != nil {
		return fmt.Errorf("failed to encode share: %w", err)
	}
	defer cryptoutils.Zeroize(plain)

	sealed, err := s.sealer.Seal(plain, []byte(key.Path()))
	if err != nil {
		return err
	}

	if err := s.backend.Save(ctx, key, sealed); err != nil {
		return fmt.Errorf("failed to persist share to %s: %w", s.backend.Name(), err)
	}
	return nil
}

func (s *ShareStore) load(ctx context.Context, key interfaces.ShareKey) (*interfaces.EncodedSecretShare, error) {
	sealed, err := s.backend.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load persisted share %s: %w", key.Path(), err)
	}

	plain, err := s.sealer.Open(sealed, []byte(key.Path()))
	if err != nil {
		return nil, fmt.Errorf("failed to unseal persisted share %s: %w", key.Path(), err)
	}
	defer cryptoutils.Zeroize(plain)

	var share interfaces.EncodedSecretShare
	if err := json.Unmarshal(plain, &share); err != nil {
		return nil, fmt.Errorf("failed to decode persisted share %s: %w", key.Path(), err)
	}
	return &share, nil
}
