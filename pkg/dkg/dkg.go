// Copyright 2025 Aura Protocol
//
// Consensus DKG (C5): binds a prestate, a DKG config, and one dealer
// package per participant into a transcript hash, then requires a
// consensus backend to admit at most one committed transcript per
// (prestate_hash, operation_hash). Grounded on
// pkg/consensus/abci_validator.go's single-writer commit lifecycle
// (CheckTx -> FinalizeBlock -> Commit, mutex-guarded, one winner per
// bundle id) — generalized here from a CometBFT ABCI application to a
// narrow ConsensusBackend interface so the default implementation need
// not stand up a validator network (the fault model here is "honest
// majority of an authority's own devices", not adversarial BFT).

package dkg

import (
	"context"
	"fmt"
	"sort"

	"github.com/aura-fabric/coord-core/pkg/cryptoutil"
	"github.com/aura-fabric/coord-core/pkg/effects"
	"github.com/aura-fabric/coord-core/pkg/ids"
)

// Prestate is the snapshot a transcript is bound to.
type Prestate struct {
	AuthorityRoots     []AuthorityRoot `json:"authority_roots"`
	ContextCommitment  ids.Hash32      `json:"context_commitment"`
}

type AuthorityRoot struct {
	Authority ids.AuthorityId `json:"authority"`
	Root      ids.Hash32      `json:"root"`
}

// Hash returns the prestate's content hash.
func (p Prestate) Hash() (ids.Hash32, error) { return cryptoutil.HashCanonical(p) }

// Config names the key-generation parameters a transcript is bound to.
type Config struct {
	Epoch       ids.Epoch `json:"epoch"`
	Threshold   uint16    `json:"threshold"`
	MaxSigners  uint16    `json:"max_signers"`
	MembershipHash ids.Hash32 `json:"membership_hash"`
	Cutoff      uint64    `json:"cutoff_ms"`
}

// DealerPackage is one participant's contribution to the transcript.
type DealerPackage struct {
	Participant effects.ParticipantIdentity `json:"participant"`
	PublicShare []byte                      `json:"public_share"`
}

// Transcript is the agreement artifact. It is uniquely identified by its
// first seven fields.
type Transcript struct {
	Epoch                ids.Epoch       `json:"epoch"`
	Threshold            uint16          `json:"threshold"`
	MaxSigners           uint16          `json:"max_signers"`
	MembershipHash       ids.Hash32      `json:"membership_hash"`
	Cutoff               uint64          `json:"cutoff_ms"`
	PrestateHash         ids.Hash32      `json:"prestate_hash"`
	OperationHash        ids.Hash32      `json:"operation_hash"`
	Participants         []effects.ParticipantIdentity `json:"participants"`
	DealerPackages       []DealerPackage `json:"dealer_packages"`
	AggregatedCommitment ids.Hash32      `json:"aggregated_commitment"`
	BlobRef              string          `json:"blob_ref,omitempty"`
}

// MembershipHash computes Hash(sorted(participants)).
func MembershipHash(participants []effects.ParticipantIdentity) ids.Hash32 {
	keys := make([]string, 0, len(participants))
	for _, p := range participants {
		keys = append(keys, p.Key())
	}
	sort.Strings(keys)
	h, _ := cryptoutil.HashCanonical(keys)
	return h
}

// TranscriptHash computes Hash(canonical_serialize(prestate_hash, config,
// sorted(dealer_packages))).
func TranscriptHash(prestateHash ids.Hash32, cfg Config, dealerPackages []DealerPackage) (ids.Hash32, error) {
	sorted := append([]DealerPackage(nil), dealerPackages...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Participant.Key() < sorted[j].Participant.Key()
	})
	return cryptoutil.HashCanonical(struct {
		PrestateHash   ids.Hash32      `json:"prestate_hash"`
		Config         Config          `json:"config"`
		DealerPackages []DealerPackage `json:"dealer_packages"`
	}{PrestateHash: prestateHash, Config: cfg, DealerPackages: sorted})
}

// ConsensusBackend guarantees at most one committed transcript per
// (prestateHash, operationHash). A default in-process implementation is
// provided by localbackend.go; a real CometBFT-backed variant would
// satisfy this same interface (see cometbackend.go).
type ConsensusBackend interface {
	ProposeAndCommit(ctx context.Context, prestateHash, operationHash, transcriptHash ids.Hash32) (committed bool, err error)
}

// Failure modes a DKG run can end in.
var (
	ErrInsufficientDealers = effects.New(effects.KindValidationFailed, "insufficient_dealers")
	ErrPrestateMismatch    = effects.New(effects.KindPreconditionMismatch, "prestate_mismatch")
	ErrBackendUnavailable  = effects.New(effects.KindServiceUnavailable, "backend_unavailable")
)

// Run hashes the transcript, asks the consensus backend to admit it, and
// returns the
// finalized Transcript on success. Any dkg attempt failure is fatal to
// the current ceremony; the caller must mint a fresh CeremonyId to retry.
func Run(ctx context.Context, backend ConsensusBackend, prestate Prestate, operationHash ids.Hash32, cfg Config, participants []effects.ParticipantIdentity, dealerPackages []DealerPackage) (Transcript, error) {
	if len(dealerPackages) < int(cfg.Threshold) {
		return Transcript{}, ErrInsufficientDealers
	}

	prestateHash, err := prestate.Hash()
	if err != nil {
		return Transcript{}, fmt.Errorf("hash prestate: %w", err)
	}

	computedMembership := MembershipHash(participants)
	if cfg.MembershipHash != (ids.Hash32{}) && cfg.MembershipHash != computedMembership {
		return Transcript{}, ErrPrestateMismatch
	}
	cfg.MembershipHash = computedMembership

	transcriptHash, err := TranscriptHash(prestateHash, cfg, dealerPackages)
	if err != nil {
		return Transcript{}, fmt.Errorf("hash transcript: %w", err)
	}

	committed, err := backend.ProposeAndCommit(ctx, prestateHash, operationHash, transcriptHash)
	if err != nil {
		return Transcript{}, effects.Wrap(effects.KindServiceUnavailable, "consensus backend", err)
	}
	if !committed {
		return Transcript{}, ErrBackendUnavailable
	}

	aggregated, err := cryptoutil.HashCanonical(struct {
		TranscriptHash ids.Hash32 `json:"transcript_hash"`
		DealerCount    int        `json:"dealer_count"`
	}{TranscriptHash: transcriptHash, DealerCount: len(dealerPackages)})
	if err != nil {
		return Transcript{}, fmt.Errorf("hash aggregated commitment: %w", err)
	}

	sortedDealers := append([]DealerPackage(nil), dealerPackages...)
	sort.Slice(sortedDealers, func(i, j int) bool {
		return sortedDealers[i].Participant.Key() < sortedDealers[j].Participant.Key()
	})

	return Transcript{
		Epoch:                cfg.Epoch,
		Threshold:            cfg.Threshold,
		MaxSigners:           cfg.MaxSigners,
		MembershipHash:        cfg.MembershipHash,
		Cutoff:               cfg.Cutoff,
		PrestateHash:         prestateHash,
		OperationHash:        operationHash,
		Participants:         participants,
		DealerPackages:       sortedDealers,
		AggregatedCommitment: aggregated,
		BlobRef:              transcriptHash.String(),
	}, nil
}
