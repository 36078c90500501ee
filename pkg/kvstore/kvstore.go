// Copyright 2025 Aura Protocol
//
// Storage/SecureStorage backed by CometBFT's embeddable dbm.DB, adapted
// from the validator's pkg/kvdb.KVAdapter (which wrapped dbm.DB behind a
// single-method ledger.KV interface). Generalized here to the richer
// store/retrieve/remove/list/exists contract the coordination core's
// effect surface requires.

package kvstore

import (
	"context"
	"fmt"
	"sync"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/aura-fabric/coord-core/pkg/effects"
)

// Store adapts a dbm.DB to effects.Storage.
type Store struct {
	db dbm.DB
}

// NewStore wraps an already-open dbm.DB (e.g. dbm.NewGoLevelDB or
// dbm.NewMemDB) as an effects.Storage.
func NewStore(db dbm.DB) *Store { return &Store{db: db} }

func (s *Store) Store(_ context.Context, key string, value []byte) error {
	if err := s.db.SetSync([]byte(key), value); err != nil {
		return effects.Wrap(effects.KindStorageFailure, "set "+key, err)
	}
	return nil
}

func (s *Store) Retrieve(_ context.Context, key string) ([]byte, bool, error) {
	v, err := s.db.Get([]byte(key))
	if err != nil {
		return nil, false, effects.Wrap(effects.KindStorageFailure, "get "+key, err)
	}
	if v == nil {
		return nil, false, nil
	}
	return v, true, nil
}

func (s *Store) Remove(_ context.Context, key string) (bool, error) {
	existed, err := s.db.Has([]byte(key))
	if err != nil {
		return false, effects.Wrap(effects.KindStorageFailure, "has "+key, err)
	}
	if err := s.db.Delete([]byte(key)); err != nil {
		return false, effects.Wrap(effects.KindStorageFailure, "delete "+key, err)
	}
	return existed, nil
}

func (s *Store) ListKeys(_ context.Context, prefix string) ([]string, error) {
	iter, err := s.db.Iterator([]byte(prefix), dbm.PrefixEndBytes([]byte(prefix)))
	if err != nil {
		return nil, effects.Wrap(effects.KindStorageFailure, "iterator "+prefix, err)
	}
	defer iter.Close()

	var out []string
	for ; iter.Valid(); iter.Next() {
		out = append(out, string(iter.Key()))
	}
	if err := iter.Error(); err != nil {
		return nil, effects.Wrap(effects.KindStorageFailure, "iterate "+prefix, err)
	}
	return out, nil
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	ok, err := s.db.Has([]byte(key))
	if err != nil {
		return false, effects.Wrap(effects.KindStorageFailure, "has "+key, err)
	}
	return ok, nil
}

func (s *Store) StoreBatch(_ context.Context, items map[string][]byte) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	for k, v := range items {
		if err := batch.Set([]byte(k), v); err != nil {
			return effects.Wrap(effects.KindStorageFailure, "batch set "+k, err)
		}
	}
	if err := batch.WriteSync(); err != nil {
		return effects.Wrap(effects.KindStorageFailure, "batch write", err)
	}
	return nil
}

// SecureStore layers the {Read,Write} capability contract required for
// secret material on top of a dbm.DB-backed Store. The
// capability set granted at SecureStore time is kept in-process (the
// underlying DB has no ACL concept), matching the narrow trust boundary
// of a single authority's own devices.
type SecureStore struct {
	store *Store
	mu    sync.RWMutex
	caps  map[string]map[effects.SecureStorageCapability]bool
}

// NewSecureStore wraps a dbm.DB-backed Store with capability gating.
func NewSecureStore(db dbm.DB) *SecureStore {
	return &SecureStore{store: NewStore(db), caps: make(map[string]map[effects.SecureStorageCapability]bool)}
}

func (s *SecureStore) SecureStore(ctx context.Context, loc effects.SecureStorageLocation, value []byte, caps []effects.SecureStorageCapability) error {
	s.mu.Lock()
	capSet := make(map[effects.SecureStorageCapability]bool, len(caps))
	for _, c := range caps {
		capSet[c] = true
	}
	s.caps[loc.Key()] = capSet
	s.mu.Unlock()
	return s.store.Store(ctx, loc.Key(), value)
}

func (s *SecureStore) SecureRetrieve(ctx context.Context, loc effects.SecureStorageLocation, caps []effects.SecureStorageCapability) ([]byte, error) {
	s.mu.RLock()
	granted, ok := s.caps[loc.Key()]
	s.mu.RUnlock()
	if !ok {
		return nil, effects.New(effects.KindNotFound, "secure location "+loc.Key()+" not found")
	}
	for _, c := range caps {
		if !granted[c] {
			return nil, effects.New(effects.KindValidationFailed, fmt.Sprintf("capability %s denied for %s", c, loc.Key()))
		}
	}
	v, found, err := s.store.Retrieve(ctx, loc.Key())
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, effects.New(effects.KindNotFound, "secure location "+loc.Key()+" not found")
	}
	return v, nil
}

func (s *SecureStore) SecureRemove(ctx context.Context, loc effects.SecureStorageLocation, caps []effects.SecureStorageCapability) error {
	s.mu.Lock()
	granted, ok := s.caps[loc.Key()]
	if ok {
		for _, c := range caps {
			if !granted[c] {
				s.mu.Unlock()
				return effects.New(effects.KindValidationFailed, fmt.Sprintf("capability %s denied for %s", c, loc.Key()))
			}
		}
		delete(s.caps, loc.Key())
	}
	s.mu.Unlock()
	_, err := s.store.Remove(ctx, loc.Key())
	return err
}
