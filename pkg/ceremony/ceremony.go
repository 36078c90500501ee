// Copyright 2025 Aura Protocol
//
// Ceremony engine (C6): the multi-device/multi-guardian agreement state
// machine that drives device enrollment/removal/rotation, guardian
// rotation, AMP epoch bumps, and account recovery. Grounded on
// original_source/crates/aura-agent/src/runtime_bridge.rs's
// initiate_*_ceremony flows (ceremony-id derivation, metadata-tagged
// key-package distribution, register/mark_accepted/mark_committed
// lifecycle) collapsed into one explicit Go state machine rather than the
// original's tracker-plus-runner split, and on pkg/attestation/service.go's
// AttestationStatus (RequiredCount/CollectedCount/IsSufficient) for the
// acceptance-accumulation shape.

package ceremony

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/aura-fabric/coord-core/pkg/cryptoutil"
	"github.com/aura-fabric/coord-core/pkg/effects"
	"github.com/aura-fabric/coord-core/pkg/ids"
	"github.com/aura-fabric/coord-core/pkg/journal"
	"github.com/aura-fabric/coord-core/pkg/tree"
)

// Kind names a ceremony's purpose.
type Kind string

const (
	KindDeviceEnrollment Kind = "device_enrollment"
	KindDeviceRemoval    Kind = "device_removal"
	KindDeviceRotation   Kind = "device_rotation"
	KindGuardianRotation Kind = "guardian_rotation"
	KindAmpEpochBump     Kind = "amp_epoch_bump"
	KindAccountRecovery  Kind = "account_recovery"
)

// KeygenPolicy names which C4/C5 path a ceremony's commit must satisfy.
type KeygenPolicy string

const (
	K1SelfSigned    KeygenPolicy = "k1_self_signed"
	K2DealerBased   KeygenPolicy = "k2_dealer_based"
	K3ConsensusDkg  KeygenPolicy = "k3_consensus_dkg"
)

// AgreementMode names how strongly a ceremony's commit was witnessed.
type AgreementMode string

const (
	LocalOnly         AgreementMode = "local_only"
	QuorumAttested    AgreementMode = "quorum_attested"
	ConsensusFinalized AgreementMode = "consensus_finalized"
)

// Flow binds a Kind to the keygen policy and the agreement modes it
// permits: each kind is bound to a Flow which selects a policy.
type Flow struct {
	Kind         Kind
	Keygen       KeygenPolicy
	AllowedModes []AgreementMode
}

// DefaultFlow returns the reference policy_for(flow) table for each
// kind. totalN selects DeviceRemoval's conditional keygen:
// K3ConsensusDkg when the authority has more than one signer,
// K1SelfSigned when it is trivially single-signer (nothing to agree
// with). Callers may override Keygen/AllowedModes per deployment via
// pkg/config.
func DefaultFlow(kind Kind, totalN int) Flow {
	switch kind {
	case KindGuardianRotation:
		return Flow{Kind: kind, Keygen: K3ConsensusDkg, AllowedModes: []AgreementMode{QuorumAttested, ConsensusFinalized}}
	case KindDeviceEnrollment:
		return Flow{Kind: kind, Keygen: K2DealerBased, AllowedModes: []AgreementMode{QuorumAttested}}
	case KindDeviceRotation:
		return Flow{Kind: kind, Keygen: K3ConsensusDkg, AllowedModes: []AgreementMode{QuorumAttested, ConsensusFinalized}}
	case KindDeviceRemoval:
		keygen := K3ConsensusDkg
		if totalN <= 1 {
			keygen = K1SelfSigned
		}
		return Flow{Kind: kind, Keygen: keygen, AllowedModes: []AgreementMode{QuorumAttested, ConsensusFinalized, LocalOnly}}
	case KindAmpEpochBump:
		return Flow{Kind: kind, Keygen: K1SelfSigned, AllowedModes: []AgreementMode{QuorumAttested, ConsensusFinalized}}
	case KindAccountRecovery:
		return Flow{Kind: kind, Keygen: K3ConsensusDkg, AllowedModes: []AgreementMode{ConsensusFinalized}}
	default:
		return Flow{Kind: kind, Keygen: K1SelfSigned, AllowedModes: []AgreementMode{LocalOnly}}
	}
}

// Status is the ceremony's lifecycle stage.
type Status string

const (
	StatusPending     Status = "pending"
	StatusInProgress  Status = "in_progress"
	StatusCommitted   Status = "committed"
	StatusAborted     Status = "aborted"
	StatusSuperseded  Status = "superseded"
)

func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusAborted || s == StatusSuperseded
}

// Errors a ceremony operation can fail with.
var (
	ErrTerminal                = effects.New(effects.KindPreconditionMismatch, "ceremony already terminal")
	ErrSuperseded              = effects.New(effects.KindSuperseded, "ceremony superseded by a newer request")
	ErrInsufficientAcceptances = effects.New(effects.KindInsufficientAcceptances, "accepted count below threshold_k")
	ErrTranscriptMissing       = effects.New(effects.KindTranscriptMissing, "no matching dkg transcript commit fact")
	ErrNoPendingEpoch          = effects.New(effects.KindPreconditionMismatch, "threshold signer has no matching pending epoch")
	ErrNotFound                = effects.New(effects.KindNotFound, "ceremony not found")
)

// State is one ceremony's mutable record. Field mutation goes through its
// own mutex (a second, finer-grained sync.Mutex), independent of the
// Engine-level registry lock.
type State struct {
	mu sync.Mutex

	CeremonyId    ids.CeremonyId
	Kind          Kind
	Flow          Flow
	Initiator     ids.AuthorityId
	Authority     ids.AuthorityId
	RelContext    ids.ContextId
	PrestateHash  ids.Hash32
	OperationHash ids.Hash32

	ThresholdK   uint16
	TotalN       uint16
	Participants []effects.ParticipantIdentity
	accepted     map[string]bool

	NewEpoch   ids.Epoch
	NewLeaf    *tree.Leaf // set for DeviceEnrollment's AddLeaf
	TargetLeaf *tree.LeafId // set for DeviceRemoval's RemoveLeaf
	Guardians  []ids.GuardianId // GuardianRotation's per-guardian binding emission

	NicknameSuggestion string

	Status        Status
	AgreementMode AgreementMode
	DeadlineMs    uint64
	CreatedAtMs   uint64
	CommittedAtMs uint64
	ConsensusId   *ids.Hash32
	SupersededBy  *ids.CeremonyId
	AbortReason   string
}

// AcceptedCount reports how many distinct participants have responded.
func (s *State) AcceptedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accepted)
}

// IsCommitEligible reports whether enough participants have accepted.
func (s *State) IsCommitEligible() bool {
	return s.AcceptedCount() >= int(s.ThresholdK)
}

// IsTimedOut reports whether the ceremony is past its deadline and
// still non-terminal.
func (s *State) IsTimedOut(nowMs uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return nowMs > s.DeadlineMs && !s.Status.Terminal()
}

// ReversionRisk flags a ceremony committed without ConsensusFinalized: a
// later consensus-backed rotation may overwrite it.
func (s *State) ReversionRisk() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Status == StatusCommitted && s.AgreementMode != ConsensusFinalized
}

// Snapshot is a read-only projection safe to hand to callers (bridge,
// polling clients) without exposing the mutex.
type Snapshot struct {
	CeremonyId    ids.CeremonyId
	Kind          Kind
	Status        Status
	AgreementMode AgreementMode
	AcceptedCount int
	ThresholdK    uint16
	TotalN        uint16
	NewEpoch      ids.Epoch
	CommittedAtMs uint64
	ReversionRisk bool
	SupersededBy  *ids.CeremonyId
	AbortReason   string
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		CeremonyId:    s.CeremonyId,
		Kind:          s.Kind,
		Status:        s.Status,
		AgreementMode: s.AgreementMode,
		AcceptedCount: len(s.accepted),
		ThresholdK:    s.ThresholdK,
		TotalN:        s.TotalN,
		NewEpoch:      s.NewEpoch,
		CommittedAtMs: s.CommittedAtMs,
		ReversionRisk: s.Status == StatusCommitted && s.AgreementMode != ConsensusFinalized,
		SupersededBy:  s.SupersededBy,
		AbortReason:   s.AbortReason,
	}
}

// RecoveryStatus is the supplemented AccountRecovery read-model (from
// original_source, not excluded by any Non-goal): a UI-less caller can
// poll structured recovery progress the same way AttestationStatus lets a
// caller poll attestation progress.
type RecoveryStatus string

const (
	RecoveryInitiated        RecoveryStatus = "recovery_initiated"
	RecoveryGuardianApproved RecoveryStatus = "recovery_guardian_approved"
	RecoveryCommitted        RecoveryStatus = "recovery_committed"
	RecoveryAborted          RecoveryStatus = "recovery_aborted"
)

// RecoveryProjection summarizes an AccountRecovery ceremony's progress.
type RecoveryProjection struct {
	CeremonyId        ids.CeremonyId
	Status            RecoveryStatus
	ApprovedGuardians int
	ThresholdK        uint16
}

// RecoverySnapshot returns the recovery projection, or ok=false if s is
// not an AccountRecovery ceremony.
func (s *State) RecoverySnapshot() (RecoveryProjection, bool) {
	if s.Kind != KindAccountRecovery {
		return RecoveryProjection{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	status := RecoveryInitiated
	switch {
	case s.Status == StatusCommitted:
		status = RecoveryCommitted
	case s.Status == StatusAborted:
		status = RecoveryAborted
	case len(s.accepted) > 0:
		status = RecoveryGuardianApproved
	}
	return RecoveryProjection{
		CeremonyId:        s.CeremonyId,
		Status:            status,
		ApprovedGuardians: len(s.accepted),
		ThresholdK:        s.ThresholdK,
	}, true
}

// recordResponse accumulates one participant's acceptance (idempotent on
// participant). Returns whether this call newly transitioned Pending to
// InProgress.
func (s *State) recordResponse(participant effects.ParticipantIdentity) (wasFirstResponse bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status.Terminal() {
		return false, ErrTerminal
	}
	wasFirstResponse = len(s.accepted) == 0 && s.Status == StatusPending
	s.accepted[participant.Key()] = true
	if s.Status == StatusPending {
		s.Status = StatusInProgress
	}
	return wasFirstResponse, nil
}

// registryKey is how the engine finds the current non-terminal ceremony
// for a given (kind, prestate_hash), the unit of supersession.
type registryKey struct {
	kind         Kind
	prestateHash ids.Hash32
}

// StartParams is every field Start needs to mint a ceremony, including
// per-kind specifics.
type StartParams struct {
	Kind               Kind
	Flow               Flow // zero value means DefaultFlow(Kind)
	Initiator          ids.AuthorityId
	Authority          ids.AuthorityId
	RelContext         ids.ContextId
	PrestateHash       ids.Hash32
	OperationHash      ids.Hash32
	ThresholdK         uint16
	TotalN             uint16
	Participants       []effects.ParticipantIdentity
	NewEpoch           ids.Epoch
	NewLeaf            *tree.Leaf
	TargetLeaf         *tree.LeafId
	Guardians          []ids.GuardianId
	NicknameSuggestion string
	DeadlineMs         uint64
	NowMs              uint64
}

// Engine owns every ceremony for every authority it's wired to. A single
// Engine is expected per process; per-authority locking happens one
// layer up, in pkg/bridge.Orchestrator.
type Engine struct {
	threshold effects.ThresholdSigning
	journal   journal.Store
	trees     *tree.Store

	nonce int64

	mu        sync.Mutex
	states    map[ids.CeremonyId]*State
	registry  map[registryKey]ids.CeremonyId
}

func NewEngine(threshold effects.ThresholdSigning, j journal.Store, trees *tree.Store) *Engine {
	return &Engine{
		threshold: threshold,
		journal:   j,
		trees:     trees,
		states:    make(map[ids.CeremonyId]*State),
		registry:  make(map[registryKey]ids.CeremonyId),
	}
}

// deriveCeremonyId computes Hash(prestate_hash || operation_hash || nonce).
func deriveCeremonyId(prestateHash, operationHash ids.Hash32, nonce int64) ids.CeremonyId {
	nonceBytes := []byte(fmt.Sprintf("%d", nonce))
	return ids.CeremonyId(cryptoutil.Hash(prestateHash[:], operationHash[:], nonceBytes))
}

// DefaultContext derives a stable per-authority relational context id, used
// by commit's K3ConsensusDkg precondition check
// (authority, default_context(authority), new_epoch).
func DefaultContext(authority ids.AuthorityId) ids.ContextId {
	authorityBytes := uuid.UUID(authority)
	h := cryptoutil.Hash([]byte("AURA_DEFAULT_CONTEXT"), authorityBytes[:])
	var u uuid.UUID
	copy(u[:], h[:16])
	return ids.ContextId(u)
}

// Start mints a new ceremony, superseding any existing non-terminal
// ceremony for the same (kind, prestate_hash). Re-starting a
// (kind, prestate_hash) whose only prior ceremony is
// already terminal is not supersession — it simply creates another entry
// in the registry slot.
func (e *Engine) Start(_ context.Context, p StartParams) (*State, error) {
	flow := p.Flow
	if flow.Kind == "" {
		flow = DefaultFlow(p.Kind, p.TotalN)
	}

	nonce := atomic.AddInt64(&e.nonce, 1)
	ceremonyId := deriveCeremonyId(p.PrestateHash, p.OperationHash, nonce)

	st := &State{
		CeremonyId:         ceremonyId,
		Kind:                p.Kind,
		Flow:                flow,
		Initiator:           p.Initiator,
		Authority:           p.Authority,
		RelContext:          p.RelContext,
		PrestateHash:        p.PrestateHash,
		OperationHash:       p.OperationHash,
		ThresholdK:          p.ThresholdK,
		TotalN:              p.TotalN,
		Participants:        p.Participants,
		accepted:            make(map[string]bool),
		NewEpoch:            p.NewEpoch,
		NewLeaf:             p.NewLeaf,
		TargetLeaf:          p.TargetLeaf,
		Guardians:           p.Guardians,
		NicknameSuggestion:  p.NicknameSuggestion,
		Status:              StatusPending,
		AgreementMode:       LocalOnly,
		DeadlineMs:          p.DeadlineMs,
		CreatedAtMs:         p.NowMs,
	}

	key := registryKey{kind: p.Kind, prestateHash: p.PrestateHash}

	e.mu.Lock()
	defer e.mu.Unlock()

	if existingId, ok := e.registry[key]; ok {
		if existing, ok := e.states[existingId]; ok {
			existing.mu.Lock()
			if !existing.Status.Terminal() {
				existing.Status = StatusSuperseded
				newId := ceremonyId
				existing.SupersededBy = &newId
			}
			existing.mu.Unlock()
		}
	}
	e.registry[key] = ceremonyId
	e.states[ceremonyId] = st
	return st, nil
}

// Get looks up a ceremony by id.
func (e *Engine) Get(id ids.CeremonyId) (*State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[id]
	if !ok {
		return nil, ErrNotFound
	}
	return st, nil
}

// RecordResponse accumulates participant's acceptance on ceremony id. A
// response addressed to a superseded ceremony is silently dropped.
func (e *Engine) RecordResponse(_ context.Context, id ids.CeremonyId, participant effects.ParticipantIdentity) (*State, error) {
	st, err := e.Get(id)
	if err != nil {
		return nil, err
	}
	if _, err := st.recordResponse(participant); err != nil {
		if err == ErrTerminal && st.Status == StatusSuperseded {
			return st, nil // dropped, not an error to the caller
		}
		return nil, err
	}
	return st, nil
}

// Abort is always safe and idempotent: rolls back any pending epoch and
// marks the ceremony Aborted.
func (e *Engine) Abort(ctx context.Context, id ids.CeremonyId, reason string) error {
	st, err := e.Get(id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	alreadyTerminal := st.Status.Terminal()
	authority := st.Authority
	newEpoch := st.NewEpoch
	if !alreadyTerminal {
		st.Status = StatusAborted
		st.AbortReason = reason
	}
	st.mu.Unlock()
	if alreadyTerminal {
		return nil
	}
	if newEpoch != 0 {
		if err := e.threshold.RollbackKeyRotation(ctx, authority, newEpoch); err != nil {
			if rerr, ok := err.(*effects.Error); !ok || rerr.Kind != effects.KindPreconditionMismatch {
				return err
			}
		}
	}
	return nil
}

// CommitMeta carries caller-observed evidence (e.g. the consensus id from
// C5) that commit's preconditions have been satisfied out-of-band.
type CommitMeta struct {
	AgreementMode AgreementMode
	ConsensusId   *ids.Hash32
	NowMs         uint64
}

// Commit checks every required precondition, then applies the ceremony's
// tree op and promotes the pending epoch last. The
// engine never auto-commits: callers must already have gathered sufficient
// evidence (consensus artifact, attestation) before calling Commit.
func (e *Engine) Commit(ctx context.Context, id ids.CeremonyId, meta CommitMeta) (*State, error) {
	st, err := e.Get(id)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	if st.Status.Terminal() {
		st.mu.Unlock()
		return nil, ErrSuperseded
	}
	if st.Status != StatusInProgress {
		st.mu.Unlock()
		return nil, effects.New(effects.KindPreconditionMismatch, "ceremony not in progress")
	}
	if len(st.accepted) < int(st.ThresholdK) {
		st.mu.Unlock()
		return nil, ErrInsufficientAcceptances
	}
	authority := st.Authority
	newEpoch := st.NewEpoch
	kind := st.Kind
	keygen := st.Flow.Keygen
	thresholdK, totalN := st.ThresholdK, st.TotalN
	relContext := st.RelContext
	newLeaf := st.NewLeaf
	targetLeaf := st.TargetLeaf
	guardians := st.Guardians
	st.mu.Unlock()

	if keygen == K3ConsensusDkg && (thresholdK > 1 || totalN > 1) {
		ctxForCheck := relContext
		if ctxForCheck == (ids.ContextId{}) {
			ctxForCheck = DefaultContext(authority)
		}
		if !e.transcriptCommitExists(authority, ctxForCheck, newEpoch) {
			return nil, ErrTranscriptMissing
		}
	}

	if newEpoch != 0 {
		pending, found, err := e.threshold.PendingEpoch(ctx, authority)
		if err != nil {
			return nil, err
		}
		if !found || pending != newEpoch {
			return nil, ErrNoPendingEpoch
		}
	}

	if e.trees != nil && (newLeaf != nil || targetLeaf != nil) {
		if err := e.applyTreeOp(ctx, authority, newEpoch, newLeaf, targetLeaf); err != nil {
			return nil, err
		}
	}

	if kind == KindGuardianRotation {
		for _, g := range guardians {
			fact, err := journal.NewFact(authority, meta.NowMs, nil, journal.GuardianBinding{
				Authority: authority,
				Ctx:       relContext,
				Guardian:  g,
				Epoch:     newEpoch,
				Status:    "bound",
			})
			if err != nil {
				return nil, err
			}
			if _, err := e.journal.InsertFact(ctx, fact); err != nil {
				return nil, err
			}
		}
	}

	// Live-epoch promotion is the last write: by this point the pending
	// epoch's key material has already signed the tree op (Sign accepts
	// either the live or the pending epoch) and every fact this commit
	// produces is already durable, so a crash before this line leaves the
	// pending epoch uncommitted and safely retryable rather than
	// committed-but-orphaned against an un-mutated tree.
	if newEpoch != 0 {
		if err := e.threshold.CommitKeyRotation(ctx, authority, newEpoch); err != nil {
			return nil, err
		}
	}

	st.mu.Lock()
	st.Status = StatusCommitted
	st.AgreementMode = meta.AgreementMode
	st.ConsensusId = meta.ConsensusId
	st.CommittedAtMs = meta.NowMs
	st.mu.Unlock()
	return st, nil
}

func (e *Engine) transcriptCommitExists(authority ids.AuthorityId, relContext ids.ContextId, epoch ids.Epoch) bool {
	facts := e.journal.FetchContextJournal(relContext).AllFacts()
	for _, f := range facts {
		commit, ok := f.Content.(journal.DkgTranscriptCommit)
		if ok && commit.Authority == authority && commit.Epoch == epoch {
			return true
		}
	}
	return false
}

func (e *Engine) applyTreeOp(ctx context.Context, authority ids.AuthorityId, newEpoch ids.Epoch, newLeaf *tree.Leaf, targetLeaf *tree.LeafId) error {
	current, exists, err := e.trees.GetCurrentState(ctx, authority)
	if err != nil {
		return err
	}
	if !exists {
		return effects.New(effects.KindNotFound, "tree not bootstrapped for authority")
	}

	header := tree.OpHeader{ParentEpoch: current.Epoch, ParentCommitment: current.RootCommitment}
	var op tree.TreeOp
	if newLeaf != nil {
		op = tree.AddLeaf{OpHeader: header, Leaf: *newLeaf}
	} else {
		op = tree.RemoveLeaf{OpHeader: header, Leaf: *targetLeaf, Reason: "ceremony_commit"}
	}

	message, err := cryptoutil.CanonicalJSON(op)
	if err != nil {
		return fmt.Errorf("canonicalize tree op: %w", err)
	}
	sig, count, err := e.threshold.Sign(ctx, effects.SigningContext{Authority: authority, Epoch: newEpoch, Message: message})
	if err != nil {
		return err
	}
	_, err = e.trees.ApplyAttestedOp(ctx, authority, tree.AttestedOp{Op: op, AggSig: sig, SignerCount: count}, newEpoch)
	return err
}
