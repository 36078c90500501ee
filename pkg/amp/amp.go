// Copyright 2025 Aura Protocol
//
// AMP channel engine (C7): per-(context, channel) bootstrap entitlement and
// strictly-monotonic epoch bumping. Grounded on pkg/tree.Store's
// per-resource mutex-guarded load/apply/persist pattern, generalized from
// "per authority" to "per (context, channel)", and on pkg/effects.Random
// for the bootstrap key's 32 random bytes (the C1 capability built
// exactly for this purpose, rather than reaching into pkg/threshold's
// private BLS key generator for unrelated symmetric key material).

package amp

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/aura-fabric/coord-core/pkg/cryptoutil"
	"github.com/aura-fabric/coord-core/pkg/effects"
	"github.com/aura-fabric/coord-core/pkg/ids"
	"github.com/aura-fabric/coord-core/pkg/journal"
)

// Bootstrap is the single-use entitlement record for a channel: late
// joiners are not allowed to steal bootstrap entitlements.
type Bootstrap struct {
	BootstrapId ids.Hash32        `json:"bootstrap_id"`
	Dealer      ids.AuthorityId   `json:"dealer"`
	Recipients  []ids.AuthorityId `json:"recipients"`
}

// ProposedBump is an uncommitted epoch bump awaiting consensus/attestation.
type ProposedBump struct {
	ParentEpoch ids.Epoch  `json:"parent_epoch"`
	NewEpoch    ids.Epoch  `json:"new_epoch"`
	BumpId      ids.Hash32 `json:"bump_id"`
	Reason      string     `json:"reason"`
}

// State is one (context, channel)'s persisted record.
type State struct {
	ChanEpoch    ids.Epoch                 `json:"chan_epoch"`
	Bootstrap    *Bootstrap                `json:"bootstrap,omitempty"`
	PendingBumps map[string]ProposedBump   `json:"pending_bumps,omitempty"` // keyed by BumpId.String()
}

var (
	ErrRecipientsNotSubset = effects.New(effects.KindValidationFailed, "requested recipients are not a subset of the existing bootstrap's recipients")
	ErrBumpNotFound        = effects.New(effects.KindNotFound, "no pending bump with that id")
	ErrEpochRace           = effects.New(effects.KindPreconditionMismatch, "bump's parent epoch no longer matches channel's current epoch")
)

// Engine manages every AMP channel's state across every (context, channel).
type Engine struct {
	storage effects.Storage
	secure  effects.SecureStorage
	random  effects.Random
	journal journal.FactSink

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewEngine(storage effects.Storage, secure effects.SecureStorage, random effects.Random, j journal.FactSink) *Engine {
	return &Engine{storage: storage, secure: secure, random: random, journal: j, locks: make(map[string]*sync.Mutex)}
}

func channelKey(relCtx ids.ContextId, chanId ids.ChannelId) string {
	return relCtx.String() + ":" + chanId.String()
}

func stateStorageKey(relCtx ids.ContextId, chanId ids.ChannelId) string {
	return "amp_channel:" + channelKey(relCtx, chanId)
}

func bootstrapKeyLocation(relCtx ids.ContextId, chanId ids.ChannelId, bootstrapId ids.Hash32) effects.SecureStorageLocation {
	return effects.NewLocation("amp_bootstrap_key", relCtx.String(), chanId.String(), bootstrapId.String())
}

func (e *Engine) lockFor(relCtx ids.ContextId, chanId ids.ChannelId) *sync.Mutex {
	key := channelKey(relCtx, chanId)
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	return l
}

func (e *Engine) loadState(ctx context.Context, relCtx ids.ContextId, chanId ids.ChannelId) (State, error) {
	raw, found, err := e.storage.Retrieve(ctx, stateStorageKey(relCtx, chanId))
	if err != nil {
		return State{}, err
	}
	if !found {
		return State{PendingBumps: make(map[string]ProposedBump)}, nil
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, effects.Wrap(effects.KindInternal, "unmarshal amp channel state", err)
	}
	if st.PendingBumps == nil {
		st.PendingBumps = make(map[string]ProposedBump)
	}
	return st, nil
}

func (e *Engine) persistState(ctx context.Context, relCtx ids.ContextId, chanId ids.ChannelId, st State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return effects.Wrap(effects.KindInternal, "marshal amp channel state", err)
	}
	return e.storage.Store(ctx, stateStorageKey(relCtx, chanId), raw)
}

// CreateChannelBootstrap creates a channel's bootstrap entitlement. A
// fresh bootstrap is created only if none exists; otherwise
// recipients must already be a subset of the existing bootstrap's
// recipients and the existing bootstrap is returned unchanged.
func (e *Engine) CreateChannelBootstrap(ctx context.Context, relCtx ids.ContextId, chanId ids.ChannelId, dealer ids.AuthorityId, recipients []ids.AuthorityId, timestampMs uint64) (Bootstrap, error) {
	lock := e.lockFor(relCtx, chanId)
	lock.Lock()
	defer lock.Unlock()

	st, err := e.loadState(ctx, relCtx, chanId)
	if err != nil {
		return Bootstrap{}, err
	}

	if st.Bootstrap != nil {
		if !isSubset(recipients, st.Bootstrap.Recipients) {
			return Bootstrap{}, ErrRecipientsNotSubset
		}
		return *st.Bootstrap, nil
	}

	key := e.random.Bytes32()
	bootstrapId := cryptoutil.Hash(key[:])
	if err := e.secure.SecureStore(ctx, bootstrapKeyLocation(relCtx, chanId, bootstrapId), key[:], []effects.SecureStorageCapability{effects.CapRead, effects.CapWrite}); err != nil {
		return Bootstrap{}, err
	}

	bootstrap := Bootstrap{BootstrapId: bootstrapId, Dealer: dealer, Recipients: recipients}
	st.Bootstrap = &bootstrap
	if err := e.persistState(ctx, relCtx, chanId, st); err != nil {
		return Bootstrap{}, err
	}

	fact, err := journal.NewFact(dealer, timestampMs, nil, journal.AmpChannelBootstrap{
		Ctx: relCtx, Channel: chanId, BootstrapId: bootstrapId, Dealer: dealer, Recipients: recipients,
	})
	if err != nil {
		return Bootstrap{}, err
	}
	if _, err := e.journal.InsertFact(ctx, fact); err != nil {
		return Bootstrap{}, err
	}
	return bootstrap, nil
}

// BumpChannelEpoch registers a proposal against the channel's current
// epoch without
// advancing it; advancement only happens in CommitBumpWithConsensus.
func (e *Engine) BumpChannelEpoch(ctx context.Context, relCtx ids.ContextId, chanId ids.ChannelId, author ids.AuthorityId, reason string, timestampMs uint64) (ProposedBump, error) {
	lock := e.lockFor(relCtx, chanId)
	lock.Lock()
	defer lock.Unlock()

	st, err := e.loadState(ctx, relCtx, chanId)
	if err != nil {
		return ProposedBump{}, err
	}

	randomBytes := e.random.Bytes32()
	bumpId := cryptoutil.Hash(randomBytes[:])
	bump := ProposedBump{ParentEpoch: st.ChanEpoch, NewEpoch: st.ChanEpoch + 1, BumpId: bumpId, Reason: reason}
	st.PendingBumps[bumpId.String()] = bump
	if err := e.persistState(ctx, relCtx, chanId, st); err != nil {
		return ProposedBump{}, err
	}

	fact, err := journal.NewFact(author, timestampMs, nil, journal.ProposedChannelEpochBump{
		Ctx: relCtx, Channel: chanId, ParentEpoch: bump.ParentEpoch, NewEpoch: bump.NewEpoch, BumpId: bumpId, Reason: reason,
	})
	if err != nil {
		return ProposedBump{}, err
	}
	if _, err := e.journal.InsertFact(ctx, fact); err != nil {
		return ProposedBump{}, err
	}
	return bump, nil
}

// CommitBumpWithConsensus atomically advances chan_epoch and inserts the
// CommittedChannelEpochBump fact referencing the consensus transcript. If
// the channel's current epoch has moved on since the bump was proposed
// (a concurrent bump won the race), this returns ErrEpochRace and the
// caller must re-propose against the new parent epoch.
func (e *Engine) CommitBumpWithConsensus(ctx context.Context, relCtx ids.ContextId, chanId ids.ChannelId, author ids.AuthorityId, bumpId ids.Hash32, transcriptHash ids.Hash32, timestampMs uint64) (ids.Epoch, error) {
	lock := e.lockFor(relCtx, chanId)
	lock.Lock()
	defer lock.Unlock()

	st, err := e.loadState(ctx, relCtx, chanId)
	if err != nil {
		return 0, err
	}
	bump, ok := st.PendingBumps[bumpId.String()]
	if !ok {
		return 0, ErrBumpNotFound
	}
	if bump.ParentEpoch != st.ChanEpoch {
		delete(st.PendingBumps, bumpId.String())
		_ = e.persistState(ctx, relCtx, chanId, st)
		return 0, ErrEpochRace
	}

	st.ChanEpoch = bump.NewEpoch
	delete(st.PendingBumps, bumpId.String())
	if err := e.persistState(ctx, relCtx, chanId, st); err != nil {
		return 0, err
	}

	fact, err := journal.NewFact(author, timestampMs, nil, journal.CommittedChannelEpochBump{
		Ctx: relCtx, Channel: chanId, ParentEpoch: bump.ParentEpoch, NewEpoch: bump.NewEpoch, BumpId: bumpId, TranscriptHash: transcriptHash,
	})
	if err != nil {
		return 0, err
	}
	if _, err := e.journal.InsertFact(ctx, fact); err != nil {
		return 0, err
	}
	return bump.NewEpoch, nil
}

// GetCurrentState returns the channel's current persisted state.
func (e *Engine) GetCurrentState(ctx context.Context, relCtx ids.ContextId, chanId ids.ChannelId) (State, error) {
	return e.loadState(ctx, relCtx, chanId)
}

func isSubset(requested, existing []ids.AuthorityId) bool {
	allowed := make(map[ids.AuthorityId]bool, len(existing))
	for _, a := range existing {
		allowed[a] = true
	}
	for _, r := range requested {
		if !allowed[r] {
			return false
		}
	}
	return true
}
