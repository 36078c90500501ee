// Copyright 2025 Aura Protocol
//
// In-memory, deterministic implementations of the C1 effect surface.
// Grounded on the validator's main.go MemoryKV: a mutex-guarded map behind
// the narrow interface the rest of the system consumes. These are the test
// seam for every other package in this module and a viable single-process
// deployment for a lone authority.

package memeffects

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/aura-fabric/coord-core/pkg/effects"
	"github.com/aura-fabric/coord-core/pkg/ids"
)

// Clock is a settable PhysicalTime for deterministic tests.
type Clock struct {
	mu    sync.Mutex
	nowMs uint64
}

// NewClock returns a Clock starting at the given ms value.
func NewClock(startMs uint64) *Clock { return &Clock{nowMs: startMs} }

func (c *Clock) NowMs() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowMs
}

// Advance moves the clock forward by deltaMs, as tests step through a scenario.
func (c *Clock) Advance(deltaMs uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nowMs += deltaMs
}

// Set pins the clock to an absolute ms value.
func (c *Clock) Set(nowMs uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nowMs = nowMs
}

// CSPRNG wraps crypto/rand behind the Random interface.
type CSPRNG struct{}

func (CSPRNG) Bytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

func (CSPRNG) Bytes32() [32]byte {
	var b [32]byte
	_, _ = rand.Read(b[:])
	return b
}

func (CSPRNG) Uint64() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

// SHA256Hasher implements effects.Hasher over crypto/sha256.
type SHA256Hasher struct{}

func (SHA256Hasher) Hash(data []byte) ids.Hash32 {
	return ids.Hash32(sha256.Sum256(data))
}

func (SHA256Hasher) NewStream() effects.StreamHasher {
	return &streamHasher{h: sha256.New()}
}

type streamHasher struct{ h interface {
	Write([]byte) (int, error)
	Sum([]byte) []byte
} }

func (s *streamHasher) Write(p []byte) { _, _ = s.h.Write(p) }

func (s *streamHasher) Sum() ids.Hash32 {
	var out ids.Hash32
	copy(out[:], s.h.Sum(nil))
	return out
}

// Store is an in-memory Storage implementation.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewStore returns an empty in-memory store.
func NewStore() *Store { return &Store{data: make(map[string][]byte)} }

func (s *Store) Store(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[key] = cp
	return nil
}

func (s *Store) Retrieve(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (s *Store) Remove(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	delete(s.data, key)
	return ok, nil
}

func (s *Store) ListKeys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok, nil
}

func (s *Store) StoreBatch(_ context.Context, items map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range items {
		cp := make([]byte, len(v))
		copy(cp, v)
		s.data[k] = cp
	}
	return nil
}

// SecureStore layers capability checks over a Store, matching the
// {Read,Write} gating required for secret material.
type SecureStore struct {
	mu    sync.RWMutex
	slots map[string]secureSlot
}

type secureSlot struct {
	value []byte
	caps  map[effects.SecureStorageCapability]bool
}

// NewSecureStore returns an empty in-memory secure store.
func NewSecureStore() *SecureStore { return &SecureStore{slots: make(map[string]secureSlot)} }

func (s *SecureStore) SecureStore(_ context.Context, loc effects.SecureStorageLocation, value []byte, caps []effects.SecureStorageCapability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	capSet := make(map[effects.SecureStorageCapability]bool, len(caps))
	for _, c := range caps {
		capSet[c] = true
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.slots[loc.Key()] = secureSlot{value: cp, caps: capSet}
	return nil
}

func (s *SecureStore) SecureRetrieve(_ context.Context, loc effects.SecureStorageLocation, caps []effects.SecureStorageCapability) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.slots[loc.Key()]
	if !ok {
		return nil, effects.New(effects.KindNotFound, fmt.Sprintf("secure location %s not found", loc.Key()))
	}
	for _, c := range caps {
		if !slot.caps[c] {
			return nil, effects.New(effects.KindValidationFailed, fmt.Sprintf("capability %s denied for %s", c, loc.Key()))
		}
	}
	cp := make([]byte, len(slot.value))
	copy(cp, slot.value)
	return cp, nil
}

func (s *SecureStore) SecureRemove(_ context.Context, loc effects.SecureStorageLocation, caps []effects.SecureStorageCapability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[loc.Key()]
	if !ok {
		return nil
	}
	for _, c := range caps {
		if !slot.caps[c] {
			return effects.New(effects.KindValidationFailed, fmt.Sprintf("capability %s denied for %s", c, loc.Key()))
		}
	}
	delete(s.slots, loc.Key())
	return nil
}

// Transport is an in-memory, per-destination-authority envelope queue.
// Sends from any authority become available to ReceiveFor calls
// scoped to the destination, modeling a shared in-process mesh useful for
// tests that exercise multi-device ceremonies without a real network.
type Transport struct {
	mu     sync.Mutex
	queues map[ids.AuthorityId][]effects.Envelope
}

// NewTransport returns an empty in-memory transport.
func NewTransport() *Transport {
	return &Transport{queues: make(map[ids.AuthorityId][]effects.Envelope)}
}

func (t *Transport) SendEnvelope(_ context.Context, env effects.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queues[env.Destination] = append(t.queues[env.Destination], env)
	return nil
}

// ReceiveFor drains the next envelope addressed to destination. Real
// Transport.ReceiveEnvelope has no destination parameter because each
// authority owns its own transport instance; tests share one Transport
// across simulated authorities, so ReceiveFor takes the destination
// explicitly while ReceiveEnvelope below defaults to an empty queue (use
// ReceiveFor in multi-authority test harnesses).
func (t *Transport) ReceiveFor(_ context.Context, destination ids.AuthorityId) (effects.Envelope, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.queues[destination]
	if len(q) == 0 {
		return effects.Envelope{}, false, nil
	}
	env := q[0]
	t.queues[destination] = q[1:]
	return env, true, nil
}

func (t *Transport) ReceiveEnvelope(ctx context.Context) (effects.Envelope, bool, error) {
	return effects.Envelope{}, false, nil
}

func (t *Transport) IsChannelEstablished(_ context.Context, _ ids.ContextId, _ ids.AuthorityId) bool {
	return true
}
