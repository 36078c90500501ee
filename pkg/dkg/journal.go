// Copyright 2025 Aura Protocol

package dkg

import (
	"context"

	"github.com/aura-fabric/coord-core/pkg/ids"
	"github.com/aura-fabric/coord-core/pkg/journal"
)

// RecordCommit builds and inserts the two facts a successful Run produces:
// a DkgTranscriptCommit scoped to authority, and a ConsensusCommit binding
// prestate/operation/transcript hashes for
// anyone auditing the consensus decision independent of the transcript
// blob. Both facts share timestampMs; the ConsensusCommit depends on the
// DkgTranscriptCommit's fact id so Linearize orders it second.
func RecordCommit(ctx context.Context, sink journal.FactSink, authority ids.AuthorityId, relCtx ids.ContextId, transcript Transcript, timestampMs uint64) error {
	transcriptCommit, err := journal.NewFact(authority, timestampMs, nil, journal.DkgTranscriptCommit{
		Authority:      authority,
		Ctx:            relCtx,
		Epoch:          transcript.Epoch,
		TranscriptHash: ids.Hash32(transcriptHash(transcript)),
		BlobRef:        transcript.BlobRef,
	})
	if err != nil {
		return err
	}
	if _, err := sink.InsertFact(ctx, transcriptCommit); err != nil {
		return err
	}

	consensusCommit, err := journal.NewFact(authority, timestampMs, []ids.Hash32{transcriptCommit.ID}, journal.ConsensusCommit{
		Ctx:            relCtx,
		PrestateHash:   transcript.PrestateHash,
		OperationHash:  transcript.OperationHash,
		TranscriptHash: ids.Hash32(transcriptHash(transcript)),
	})
	if err != nil {
		return err
	}
	_, err = sink.InsertFact(ctx, consensusCommit)
	return err
}

func transcriptHash(t Transcript) ids.Hash32 {
	h, err := TranscriptHash(t.PrestateHash, Config{
		Epoch:          t.Epoch,
		Threshold:      t.Threshold,
		MaxSigners:     t.MaxSigners,
		MembershipHash: t.MembershipHash,
		Cutoff:         t.Cutoff,
	}, t.DealerPackages)
	if err != nil {
		return ids.Hash32{}
	}
	return h
}
