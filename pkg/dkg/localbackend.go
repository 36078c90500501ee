// Copyright 2025 Aura Protocol

package dkg

import (
	"context"
	"sync"

	"github.com/aura-fabric/coord-core/pkg/ids"
)

type dedupKey struct {
	prestateHash  ids.Hash32
	operationHash ids.Hash32
}

// LocalBackend is the default ConsensusBackend: an in-process,
// mutex-guarded dedup log keyed by (prestate_hash, operation_hash), one
// entry per bundle — the same shape as pkg/consensus/abci_validator.go's
// validatorBlocks map keyed by bundle_id, minus the surrounding CometBFT
// lifecycle (CheckTx/FinalizeBlock/Commit), since a single authority's
// own devices are not an adversarial validator set. It is correct for a
// single process; a multi-process authority deployment
// needs CometBackend (see cometbackend.go) or an equivalent shared store.
type LocalBackend struct {
	mu      sync.Mutex
	entries map[dedupKey]ids.Hash32 // first-committed transcript hash
}

func NewLocalBackend() *LocalBackend {
	return &LocalBackend{entries: make(map[dedupKey]ids.Hash32)}
}

// ProposeAndCommit admits transcriptHash as the committed transcript for
// (prestateHash, operationHash) if none has been committed yet. A repeat
// proposal with the SAME transcriptHash is treated as the already-committed
// winner re-announcing (idempotent, returns true). A DIFFERENT
// transcriptHash for an already-decided key loses (returns false, nil) —
// the losing dealer must mint a fresh operation hash and retry: exactly
// one winning transcript is admitted per operation bundle.
func (b *LocalBackend) ProposeAndCommit(_ context.Context, prestateHash, operationHash, transcriptHash ids.Hash32) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := dedupKey{prestateHash: prestateHash, operationHash: operationHash}
	existing, decided := b.entries[key]
	if !decided {
		b.entries[key] = transcriptHash
		return true, nil
	}
	return existing == transcriptHash, nil
}
