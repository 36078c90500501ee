package dkg_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aura-fabric/coord-core/pkg/dkg"
	"github.com/aura-fabric/coord-core/pkg/effects"
	"github.com/aura-fabric/coord-core/pkg/ids"
	"github.com/aura-fabric/coord-core/pkg/journal"
)

func samplePrestate() dkg.Prestate {
	authority := ids.NewAuthorityId()
	root, _ := ids.RandomHash32()
	return dkg.Prestate{
		AuthorityRoots:    []dkg.AuthorityRoot{{Authority: authority, Root: root}},
		ContextCommitment: root,
	}
}

func sampleParticipants(n int) []effects.ParticipantIdentity {
	out := make([]effects.ParticipantIdentity, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, effects.DeviceParticipant(ids.NewDeviceId()))
	}
	return out
}

func dealerPackagesFor(participants []effects.ParticipantIdentity) []dkg.DealerPackage {
	out := make([]dkg.DealerPackage, 0, len(participants))
	for _, p := range participants {
		out = append(out, dkg.DealerPackage{Participant: p, PublicShare: []byte(p.Key())})
	}
	return out
}

func TestRunRejectsInsufficientDealers(t *testing.T) {
	participants := sampleParticipants(3)
	cfg := dkg.Config{Threshold: 2, MaxSigners: 3}
	backend := dkg.NewLocalBackend()

	opHash, _ := ids.RandomHash32()
	_, err := dkg.Run(context.Background(), backend, samplePrestate(), opHash, cfg, participants, dealerPackagesFor(participants[:1]))
	require.ErrorIs(t, err, dkg.ErrInsufficientDealers)
}

func TestRunCommitsOnceAndRecordsFacts(t *testing.T) {
	ctx := context.Background()
	participants := sampleParticipants(3)
	cfg := dkg.Config{Threshold: 2, MaxSigners: 3}
	backend := dkg.NewLocalBackend()
	prestate := samplePrestate()
	opHash, _ := ids.RandomHash32()

	transcript, err := dkg.Run(ctx, backend, prestate, opHash, cfg, participants, dealerPackagesFor(participants))
	require.NoError(t, err)
	require.Equal(t, uint16(2), transcript.Threshold)

	j := journal.New()
	authority := prestate.AuthorityRoots[0].Authority
	relCtx := ids.NewContextId()
	require.NoError(t, dkg.RecordCommit(ctx, j, authority, relCtx, transcript, 1000))
	require.Equal(t, 2, j.Len())

	facts := j.FetchContextJournal(relCtx).AllFacts()
	require.Len(t, facts, 2)
}

func TestRunSecondDistinctProposalLosesRace(t *testing.T) {
	ctx := context.Background()
	participants := sampleParticipants(3)
	cfg := dkg.Config{Threshold: 2, MaxSigners: 3}
	backend := dkg.NewLocalBackend()
	prestate := samplePrestate()
	opHash, _ := ids.RandomHash32()

	_, err := dkg.Run(ctx, backend, prestate, opHash, cfg, participants, dealerPackagesFor(participants))
	require.NoError(t, err)

	// A second, distinct dealer package set for the SAME (prestate, operation)
	// key produces a different transcript hash and must lose.
	otherParticipants := sampleParticipants(3)
	_, err = dkg.Run(ctx, backend, prestate, opHash, cfg, otherParticipants, dealerPackagesFor(otherParticipants))
	require.ErrorIs(t, err, dkg.ErrBackendUnavailable)
}
