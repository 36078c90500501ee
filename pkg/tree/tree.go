// Copyright 2025 Aura Protocol
//
// Commitment tree (C3): an append-only, cryptographically attested
// structure binding devices, guardians, and policies to monotonically
// increasing epochs. Grounded on pkg/commitment/commitment.go's canonical
// serialize-then-hash pattern (root_commitment = Hash(canonical_serialize(
// leaves, epoch))) and pkg/ledger/store.go's single-writer-per-resource
// mutex discipline, generalized from a single append log to a mutable
// leaf map evolved only through attested operations.

package tree

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/aura-fabric/coord-core/pkg/cryptoutil"
	"github.com/aura-fabric/coord-core/pkg/effects"
	"github.com/aura-fabric/coord-core/pkg/ids"
	"github.com/aura-fabric/coord-core/pkg/merkletree"
)

// LeafId identifies a node in the commitment tree.
type LeafId ids.Hash32

func (l LeafId) String() string { return ids.Hash32(l).String() }

// MarshalText/UnmarshalText let LeafId serve as a JSON map key (required
// by encoding/json for any non-string/integer key type).
func (l LeafId) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *LeafId) UnmarshalText(text []byte) error {
	decoded, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("decode leaf id hex: %w", err)
	}
	if len(decoded) != 32 {
		return fmt.Errorf("leaf id must be 32 bytes, got %d", len(decoded))
	}
	copy(l[:], decoded)
	return nil
}

// Leaf is a device, guardian, or policy node.
type Leaf struct {
	ID         LeafId                `json:"id"`
	Role       effects.TreeLeafRole  `json:"role"`
	DeviceId   *ids.DeviceId         `json:"device_id,omitempty"`
	GuardianId *ids.GuardianId       `json:"guardian_id,omitempty"`
	Policy     string                `json:"policy,omitempty"`
	Metadata   map[string]string     `json:"metadata,omitempty"`
}

// PolicyRank gives each recognized policy string a strictness rank;
// ChangePolicy requires NewPolicy to rank strictly higher than the prior
// value: monotonically stricter than the policy it replaces.
var PolicyRank = map[string]int{
	"open":    0,
	"quorum":  1,
	"strict":  2,
}

// OpHeader carries the parent-binding fields common to every TreeOpKind.
type OpHeader struct {
	ParentEpoch      ids.Epoch  `json:"parent_epoch"`
	ParentCommitment ids.Hash32 `json:"parent_commitment"`
}

// TreeOp is implemented by every TreeOpKind variant.
type TreeOp interface {
	Kind() string
	Header() OpHeader
}

type AddLeaf struct {
	OpHeader
	Leaf  Leaf   `json:"leaf"`
	Under LeafId `json:"under"` // zero value means "under the authority root"
}

func (op AddLeaf) Kind() string     { return "add_leaf" }
func (op AddLeaf) Header() OpHeader { return op.OpHeader }

type RemoveLeaf struct {
	OpHeader
	Leaf   LeafId `json:"leaf"`
	Reason string `json:"reason"`
}

func (op RemoveLeaf) Kind() string     { return "remove_leaf" }
func (op RemoveLeaf) Header() OpHeader { return op.OpHeader }

type ChangePolicy struct {
	OpHeader
	Node      LeafId `json:"node"`
	NewPolicy string `json:"new_policy"`
}

func (op ChangePolicy) Kind() string     { return "change_policy" }
func (op ChangePolicy) Header() OpHeader { return op.OpHeader }

type RotateEpoch struct {
	OpHeader
	Affected []LeafId `json:"affected"`
}

func (op RotateEpoch) Kind() string     { return "rotate_epoch" }
func (op RotateEpoch) Header() OpHeader { return op.OpHeader }

// AttestedOp is a TreeOp plus the threshold signature authorizing it.
type AttestedOp struct {
	Op          TreeOp `json:"-"`
	AggSig      []byte `json:"agg_sig"`
	SignerCount uint16 `json:"signer_count"`
}

// State is the tree's current, persisted value for one authority.
type State struct {
	Authority      ids.AuthorityId    `json:"authority"`
	Epoch          ids.Epoch          `json:"epoch"`
	RootCommitment ids.Hash32         `json:"root_commitment"`
	Leaves         map[LeafId]Leaf    `json:"leaves"`
}

// NewState bootstraps a tree with a single genesis leaf at epoch 1.
func NewState(authority ids.AuthorityId, genesis Leaf) (State, error) {
	leaves := map[LeafId]Leaf{genesis.ID: genesis}
	root, err := computeRootCommitment(leaves, 1)
	if err != nil {
		return State{}, err
	}
	return State{Authority: authority, Epoch: 1, RootCommitment: root, Leaves: leaves}, nil
}

func computeRootCommitment(leaves map[LeafId]Leaf, epoch ids.Epoch) (ids.Hash32, error) {
	ordered := make([]Leaf, 0, len(leaves))
	for _, l := range leaves {
		ordered = append(ordered, l)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID.String() < ordered[j].ID.String() })
	return cryptoutil.HashCanonical(struct {
		Leaves []Leaf    `json:"leaves"`
		Epoch  ids.Epoch `json:"epoch"`
	}{Leaves: ordered, Epoch: epoch})
}

// Verify reports whether s.RootCommitment matches a fresh computation
// over s.Leaves and s.Epoch.
func (s State) Verify() (bool, error) {
	root, err := computeRootCommitment(s.Leaves, s.Epoch)
	if err != nil {
		return false, err
	}
	return root == s.RootCommitment, nil
}

// orderedLeafHashes returns s.Leaves' per-leaf content hashes in the same
// sorted-by-id order computeRootCommitment uses, so the returned index is
// stable across calls for an unchanged State.
func (s State) orderedLeafHashes() ([]Leaf, []ids.Hash32, error) {
	ordered := make([]Leaf, 0, len(s.Leaves))
	for _, l := range s.Leaves {
		ordered = append(ordered, l)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID.String() < ordered[j].ID.String() })

	hashes := make([]ids.Hash32, len(ordered))
	for i, l := range ordered {
		h, err := cryptoutil.HashCanonical(l)
		if err != nil {
			return nil, nil, err
		}
		hashes[i] = h
	}
	return ordered, hashes, nil
}

// InclusionProof builds a Merkle inclusion proof that leaf is a current
// member of s's leaf set. This is additive to root-commitment
// verification: it lets a client prove "device D is a current leaf of
// authority A's tree" without fetching and replaying the whole leaf set.
func (s State) InclusionProof(leaf LeafId) (*merkletree.InclusionProof, error) {
	ordered, hashes, err := s.orderedLeafHashes()
	if err != nil {
		return nil, err
	}
	leafIndex := -1
	for i, l := range ordered {
		if l.ID == leaf {
			leafIndex = i
			break
		}
	}
	if leafIndex == -1 {
		return nil, merkletree.ErrLeafNotFound
	}
	t, err := merkletree.BuildTree(hashes)
	if err != nil {
		return nil, err
	}
	return t.GenerateProof(leafIndex)
}

// Apply validates and applies an AttestedOp against the current state,
// returning the successor state. The threshold signer verifies the
// aggregate signature over the canonical-serialized op.
func Apply(ctx context.Context, state State, attested AttestedOp, verifier effects.ThresholdSigning, epochForVerify ids.Epoch) (State, error) {
	header := attested.Op.Header()
	if header.ParentEpoch != state.Epoch || header.ParentCommitment != state.RootCommitment {
		return State{}, effects.New(effects.KindPreconditionMismatch, "parent epoch/commitment mismatch")
	}

	message, err := cryptoutil.CanonicalJSON(attested.Op)
	if err != nil {
		return State{}, fmt.Errorf("canonicalize tree op: %w", err)
	}
	ok, err := verifier.VerifyAggregate(ctx, state.Authority, epochForVerify, message, attested.AggSig, attested.SignerCount)
	if err != nil {
		return State{}, err
	}
	if !ok {
		return State{}, effects.New(effects.KindValidationFailed, "invalid aggregate signature on tree op")
	}

	leaves := make(map[LeafId]Leaf, len(state.Leaves)+1)
	for id, l := range state.Leaves {
		leaves[id] = l
	}

	switch op := attested.Op.(type) {
	case AddLeaf:
		if op.Under != (LeafId{}) {
			if _, exists := leaves[op.Under]; !exists {
				return State{}, effects.New(effects.KindNotFound, "parent leaf not found")
			}
		}
		if _, exists := leaves[op.Leaf.ID]; exists {
			return State{}, effects.New(effects.KindValidationFailed, "leaf id already present")
		}
		leaves[op.Leaf.ID] = op.Leaf

	case RemoveLeaf:
		if _, exists := leaves[op.Leaf]; !exists {
			return State{}, effects.New(effects.KindNotFound, "leaf not found")
		}
		delete(leaves, op.Leaf)

	case ChangePolicy:
		node, exists := leaves[op.Node]
		if !exists {
			return State{}, effects.New(effects.KindNotFound, "policy node not found")
		}
		oldRank, oldOK := PolicyRank[node.Policy]
		newRank, newOK := PolicyRank[op.NewPolicy]
		if !newOK {
			return State{}, effects.New(effects.KindValidationFailed, "unrecognized policy "+op.NewPolicy)
		}
		if oldOK && newRank <= oldRank {
			return State{}, effects.New(effects.KindValidationFailed, "new policy must be stricter than prior")
		}
		node.Policy = op.NewPolicy
		leaves[op.Node] = node

	case RotateEpoch:
		for _, id := range op.Affected {
			if _, exists := leaves[id]; !exists {
				return State{}, effects.New(effects.KindNotFound, "rotate target not found")
			}
		}

	default:
		return State{}, effects.New(effects.KindInternal, fmt.Sprintf("unknown tree op kind %T", attested.Op))
	}

	newEpoch := state.Epoch + 1
	root, err := computeRootCommitment(leaves, newEpoch)
	if err != nil {
		return State{}, err
	}
	return State{Authority: state.Authority, Epoch: newEpoch, RootCommitment: root, Leaves: leaves}, nil
}

// Store persists/retrieves tree states at "tree:{authority}" and
// linearizes apply calls per authority: exactly one op may be in flight
// for a given authority at a time.
type Store struct {
	storage  effects.Storage
	verifier effects.ThresholdSigning

	mu    sync.Mutex
	locks map[ids.AuthorityId]*sync.Mutex
}

func NewStore(storage effects.Storage, verifier effects.ThresholdSigning) *Store {
	return &Store{storage: storage, verifier: verifier, locks: make(map[ids.AuthorityId]*sync.Mutex)}
}

func (s *Store) lockFor(authority ids.AuthorityId) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[authority]
	if !ok {
		l = &sync.Mutex{}
		s.locks[authority] = l
	}
	return l
}

func stateKey(authority ids.AuthorityId) string { return "tree:" + authority.String() }

func (s *Store) GetCurrentState(ctx context.Context, authority ids.AuthorityId) (State, bool, error) {
	raw, found, err := s.storage.Retrieve(ctx, stateKey(authority))
	if err != nil || !found {
		return State{}, found, err
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, false, effects.Wrap(effects.KindInternal, "unmarshal tree state", err)
	}
	return st, true, nil
}

func (s *Store) Bootstrap(ctx context.Context, authority ids.AuthorityId, genesis Leaf) (State, error) {
	lock := s.lockFor(authority)
	lock.Lock()
	defer lock.Unlock()

	if _, exists, err := s.GetCurrentState(ctx, authority); err != nil {
		return State{}, err
	} else if exists {
		return State{}, effects.New(effects.KindPreconditionMismatch, "tree already bootstrapped")
	}
	st, err := NewState(authority, genesis)
	if err != nil {
		return State{}, err
	}
	if err := s.persist(ctx, st); err != nil {
		return State{}, err
	}
	return st, nil
}

// ApplyAttestedOp loads the current state, applies attested, and persists
// the successor — the authority's entire critical section for this call.
func (s *Store) ApplyAttestedOp(ctx context.Context, authority ids.AuthorityId, attested AttestedOp, epochForVerify ids.Epoch) (State, error) {
	lock := s.lockFor(authority)
	lock.Lock()
	defer lock.Unlock()

	current, exists, err := s.GetCurrentState(ctx, authority)
	if err != nil {
		return State{}, err
	}
	if !exists {
		return State{}, effects.New(effects.KindNotFound, "tree not bootstrapped")
	}
	next, err := Apply(ctx, current, attested, s.verifier, epochForVerify)
	if err != nil {
		return State{}, err
	}
	if err := s.persist(ctx, next); err != nil {
		return State{}, err
	}
	return next, nil
}

// InclusionProof loads authority's current tree state and builds an
// inclusion proof for leaf against it.
func (s *Store) InclusionProof(ctx context.Context, authority ids.AuthorityId, leaf LeafId) (*merkletree.InclusionProof, error) {
	current, exists, err := s.GetCurrentState(ctx, authority)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, effects.New(effects.KindNotFound, "tree not bootstrapped")
	}
	return current.InclusionProof(leaf)
}

func (s *Store) persist(ctx context.Context, st State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return effects.Wrap(effects.KindInternal, "marshal tree state", err)
	}
	return s.storage.Store(ctx, stateKey(st.Authority), raw)
}
