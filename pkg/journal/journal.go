// Copyright 2025 Aura Protocol
//
// Journal (C2): a CRDT-style, causally-ordered log of facts. Grounded on
// the validator's mutex-guarded store pattern (pkg/ledger/store.go's
// single-writer LedgerStore) generalized from a single append log to a
// set-union-mergeable fact DAG.

package journal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aura-fabric/coord-core/pkg/cryptoutil"
	"github.com/aura-fabric/coord-core/pkg/effects"
	"github.com/aura-fabric/coord-core/pkg/ids"
)

// ErrCycle is returned by Linearize/Reduce when the dependency graph over
// a fact set is not a DAG — a fatal logic bug.
var ErrCycle = errors.New("fact dependency graph contains a cycle")

// FactSink is the narrow write contract both the in-memory Journal and
// pkg/pgjournal's durable mirror implement, so callers can swap storage
// backends without touching C2-C8 logic.
type FactSink interface {
	InsertFact(ctx context.Context, f Fact) (inserted bool, err error)
}

// Store is FactSink plus the read-side queries pkg/ceremony needs for its
// transcript-commit gate (pkg/amp only writes, through a FactSink).
// *Journal satisfies it directly; cmd/aura-authority wraps
// it with a dual-write sink when a durable pkg/pgjournal mirror is
// configured, so every fact insert lands in both places without either
// package depending on the concrete mirror type.
type Store interface {
	FactSink
	FetchContextJournal(ctx ids.ContextId) *Journal
	AllFacts() []Fact
}

// Journal holds a set of facts and reduces them deterministically.
type Journal struct {
	mu    sync.RWMutex
	facts map[ids.Hash32]Fact
}

// New returns an empty journal.
func New() *Journal {
	return &Journal{facts: make(map[ids.Hash32]Fact)}
}

// InsertFact is idempotent in f.ID: a duplicate insert is a no-op and
// returns (false, nil). A fact whose ID doesn't match its own content is
// rejected as ValidationFailed (catches corruption/tampering in transit).
func (j *Journal) InsertFact(_ context.Context, f Fact) (bool, error) {
	if !f.Verify() {
		return false, effects.New(effects.KindValidationFailed, "fact id does not match content")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, exists := j.facts[f.ID]; exists {
		return false, nil
	}
	j.facts[f.ID] = f
	return true, nil
}

// Options controls the batched-commit behavior of CommitFactsWithOptions.
type Options struct {
	AllowDuplicates  bool
	RequireUniqueKeys bool
	Batched          bool
}

// CommitFactsWithOptions inserts a batch of facts. When Batched, all facts
// are validated before any are made visible: either all are inserted or
// none are.
func (j *Journal) CommitFactsWithOptions(_ context.Context, facts []Fact, opts Options) (int, error) {
	if opts.RequireUniqueKeys {
		seen := make(map[ids.Hash32]bool, len(facts))
		for _, f := range facts {
			if seen[f.ID] {
				return 0, effects.New(effects.KindValidationFailed, fmt.Sprintf("duplicate fact id %s in batch", f.ID))
			}
			seen[f.ID] = true
		}
	}
	for _, f := range facts {
		if !f.Verify() {
			return 0, effects.New(effects.KindValidationFailed, "fact id does not match content")
		}
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if !opts.Batched {
		inserted := 0
		for _, f := range facts {
			if _, exists := j.facts[f.ID]; exists {
				if !opts.AllowDuplicates {
					continue
				}
			}
			if _, exists := j.facts[f.ID]; !exists {
				j.facts[f.ID] = f
				inserted++
			}
		}
		return inserted, nil
	}

	// Batched: stage then commit all-or-nothing.
	staged := make(map[ids.Hash32]Fact, len(facts))
	inserted := 0
	for _, f := range facts {
		if _, exists := j.facts[f.ID]; exists {
			continue
		}
		staged[f.ID] = f
		inserted++
	}
	for id, f := range staged {
		j.facts[id] = f
	}
	return inserted, nil
}

// Merge performs a set union of other's facts into j. Merge is
// commutative, associative, and idempotent because it is exactly set
// union keyed by content-addressed fact id.
func (j *Journal) Merge(other *Journal) {
	other.mu.RLock()
	incoming := make([]Fact, 0, len(other.facts))
	for _, f := range other.facts {
		incoming = append(incoming, f)
	}
	other.mu.RUnlock()

	j.mu.Lock()
	defer j.mu.Unlock()
	for _, f := range incoming {
		if _, exists := j.facts[f.ID]; !exists {
			j.facts[f.ID] = f
		}
	}
}

// AllFacts returns every fact, sorted by (timestamp, id) for determinism.
func (j *Journal) AllFacts() []Fact {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]Fact, 0, len(j.facts))
	for _, f := range j.facts {
		out = append(out, f)
	}
	sortByTimestampThenID(out)
	return out
}

// Len reports the number of facts in the journal.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.facts)
}

// FetchContextJournal returns a new Journal containing only facts whose
// content is scoped to ctx.
func (j *Journal) FetchContextJournal(ctx ids.ContextId) *Journal {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := New()
	for _, f := range j.facts {
		if f.Content.Context() == ctx {
			out.facts[f.ID] = f
		}
	}
	return out
}

// ContextCommitment computes Hash("RELATIONAL_CONTEXT_FACTS" || ctx ||
// canonical_serialize(f) for f in sort(ctx_facts)).
func (j *Journal) ContextCommitment(ctx ids.ContextId) (ids.Hash32, error) {
	scoped := j.FetchContextJournal(ctx)
	facts := scoped.AllFacts()

	parts := [][]byte{[]byte("RELATIONAL_CONTEXT_FACTS"), ctx[:]}
	for _, f := range facts {
		canon, err := cryptoutil.CanonicalJSON(f)
		if err != nil {
			return ids.Hash32{}, fmt.Errorf("canonicalize fact %s: %w", f.ID, err)
		}
		parts = append(parts, canon)
	}
	return cryptoutil.Hash(parts...), nil
}

// Linearize returns facts ordered by Kahn's algorithm over Dependencies,
// tie-broken on (timestamp, id). Returns ErrCycle if the dependency graph
// over the given fact set is not a DAG.
func Linearize(facts []Fact) ([]Fact, error) {
	byID := make(map[ids.Hash32]Fact, len(facts))
	inDegree := make(map[ids.Hash32]int, len(facts))
	dependents := make(map[ids.Hash32][]ids.Hash32)

	for _, f := range facts {
		byID[f.ID] = f
		if _, ok := inDegree[f.ID]; !ok {
			inDegree[f.ID] = 0
		}
	}
	for _, f := range facts {
		for _, dep := range f.Dependencies {
			if _, present := byID[dep]; !present {
				continue // dependency outside this fact set is already satisfied
			}
			inDegree[f.ID]++
			dependents[dep] = append(dependents[dep], f.ID)
		}
	}

	ready := make([]ids.Hash32, 0, len(facts))
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	var order []Fact
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			a, b := byID[ready[i]], byID[ready[j]]
			if a.TimestampMs != b.TimestampMs {
				return a.TimestampMs < b.TimestampMs
			}
			return lessHash(a.ID, b.ID)
		})
		next := ready[0]
		ready = ready[1:]
		order = append(order, byID[next])

		for _, dependent := range dependents[next] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(facts) {
		return nil, ErrCycle
	}
	return order, nil
}

// Reduce folds a deterministic linearization of facts into a state value.
// Two fact sets that are set-equal reduce to byte-identical state because
// Linearize is itself deterministic and step is a pure function.
func Reduce[S any](facts []Fact, initial S, step func(S, Fact) S) (S, error) {
	order, err := Linearize(facts)
	if err != nil {
		var zero S
		return zero, err
	}
	state := initial
	for _, f := range order {
		state = step(state, f)
	}
	return state, nil
}

func sortByTimestampThenID(facts []Fact) {
	sort.Slice(facts, func(i, j int) bool {
		if facts[i].TimestampMs != facts[j].TimestampMs {
			return facts[i].TimestampMs < facts[j].TimestampMs
		}
		return lessHash(facts[i].ID, facts[j].ID)
	})
}
