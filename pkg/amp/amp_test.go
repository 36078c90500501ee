package amp_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aura-fabric/coord-core/pkg/amp"
	"github.com/aura-fabric/coord-core/pkg/ids"
	"github.com/aura-fabric/coord-core/pkg/journal"
	"github.com/aura-fabric/coord-core/pkg/memeffects"
)

func newEngine() (*amp.Engine, *journal.Journal) {
	j := journal.New()
	e := amp.NewEngine(memeffects.NewStore(), memeffects.NewSecureStore(), memeffects.CSPRNG{}, j)
	return e, j
}

func TestCreateChannelBootstrapIsIdempotentForSameRecipients(t *testing.T) {
	e, _ := newEngine()
	ctx := context.Background()
	relCtx := ids.NewContextId()
	chanId := ids.NewChannelId()
	dealer := ids.NewAuthorityId()
	r1, r2 := ids.NewAuthorityId(), ids.NewAuthorityId()
	recipients := []ids.AuthorityId{r1, r2}

	first, err := e.CreateChannelBootstrap(ctx, relCtx, chanId, dealer, recipients, 1)
	require.NoError(t, err)
	require.NotEqual(t, ids.Hash32{}, first.BootstrapId)

	second, err := e.CreateChannelBootstrap(ctx, relCtx, chanId, dealer, recipients, 2)
	require.NoError(t, err)
	require.Equal(t, first.BootstrapId, second.BootstrapId)
}

func TestCreateChannelBootstrapRejectsRecipientsOutsideExistingSet(t *testing.T) {
	e, _ := newEngine()
	ctx := context.Background()
	relCtx := ids.NewContextId()
	chanId := ids.NewChannelId()
	dealer := ids.NewAuthorityId()
	r1 := ids.NewAuthorityId()

	_, err := e.CreateChannelBootstrap(ctx, relCtx, chanId, dealer, []ids.AuthorityId{r1}, 1)
	require.NoError(t, err)

	stranger := ids.NewAuthorityId()
	_, err = e.CreateChannelBootstrap(ctx, relCtx, chanId, dealer, []ids.AuthorityId{r1, stranger}, 2)
	require.ErrorIs(t, err, amp.ErrRecipientsNotSubset)
}

func TestCreateChannelBootstrapAllowsSubsetOfExistingRecipients(t *testing.T) {
	e, _ := newEngine()
	ctx := context.Background()
	relCtx := ids.NewContextId()
	chanId := ids.NewChannelId()
	dealer := ids.NewAuthorityId()
	r1, r2 := ids.NewAuthorityId(), ids.NewAuthorityId()

	first, err := e.CreateChannelBootstrap(ctx, relCtx, chanId, dealer, []ids.AuthorityId{r1, r2}, 1)
	require.NoError(t, err)

	second, err := e.CreateChannelBootstrap(ctx, relCtx, chanId, dealer, []ids.AuthorityId{r1}, 2)
	require.NoError(t, err)
	require.Equal(t, first.BootstrapId, second.BootstrapId)
}

func TestBumpChannelEpochThenCommitAdvancesEpoch(t *testing.T) {
	e, j := newEngine()
	ctx := context.Background()
	relCtx := ids.NewContextId()
	chanId := ids.NewChannelId()
	author := ids.NewAuthorityId()

	bump, err := e.BumpChannelEpoch(ctx, relCtx, chanId, author, "initial membership", 1)
	require.NoError(t, err)
	require.Equal(t, ids.Epoch(0), bump.ParentEpoch)
	require.Equal(t, ids.Epoch(1), bump.NewEpoch)

	transcriptHash, _ := ids.RandomHash32()
	newEpoch, err := e.CommitBumpWithConsensus(ctx, relCtx, chanId, author, bump.BumpId, transcriptHash, 2)
	require.NoError(t, err)
	require.Equal(t, ids.Epoch(1), newEpoch)

	st, err := e.GetCurrentState(ctx, relCtx, chanId)
	require.NoError(t, err)
	require.Equal(t, ids.Epoch(1), st.ChanEpoch)
	require.Empty(t, st.PendingBumps)

	require.Len(t, j.FetchContextJournal(relCtx).AllFacts(), 2)
}

func TestCommitBumpWithConsensusLosesRaceAgainstEarlierCommit(t *testing.T) {
	e, _ := newEngine()
	ctx := context.Background()
	relCtx := ids.NewContextId()
	chanId := ids.NewChannelId()
	author := ids.NewAuthorityId()

	bumpA, err := e.BumpChannelEpoch(ctx, relCtx, chanId, author, "proposal A", 1)
	require.NoError(t, err)
	bumpB, err := e.BumpChannelEpoch(ctx, relCtx, chanId, author, "proposal B", 2)
	require.NoError(t, err)
	require.Equal(t, bumpA.ParentEpoch, bumpB.ParentEpoch)

	transcriptHash, _ := ids.RandomHash32()
	_, err = e.CommitBumpWithConsensus(ctx, relCtx, chanId, author, bumpA.BumpId, transcriptHash, 3)
	require.NoError(t, err)

	_, err = e.CommitBumpWithConsensus(ctx, relCtx, chanId, author, bumpB.BumpId, transcriptHash, 4)
	require.ErrorIs(t, err, amp.ErrEpochRace)

	st, err := e.GetCurrentState(ctx, relCtx, chanId)
	require.NoError(t, err)
	require.Equal(t, ids.Epoch(1), st.ChanEpoch)
}

func TestCommitBumpWithConsensusRejectsUnknownBumpId(t *testing.T) {
	e, _ := newEngine()
	ctx := context.Background()
	relCtx := ids.NewContextId()
	chanId := ids.NewChannelId()
	author := ids.NewAuthorityId()
	unknown, _ := ids.RandomHash32()
	transcriptHash, _ := ids.RandomHash32()

	_, err := e.CommitBumpWithConsensus(ctx, relCtx, chanId, author, unknown, transcriptHash, 1)
	require.ErrorIs(t, err, amp.ErrBumpNotFound)
}
