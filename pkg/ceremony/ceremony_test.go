package ceremony_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aura-fabric/coord-core/pkg/ceremony"
	"github.com/aura-fabric/coord-core/pkg/effects"
	"github.com/aura-fabric/coord-core/pkg/ids"
	"github.com/aura-fabric/coord-core/pkg/journal"
	"github.com/aura-fabric/coord-core/pkg/memeffects"
	"github.com/aura-fabric/coord-core/pkg/threshold"
	"github.com/aura-fabric/coord-core/pkg/tree"
)

type fixture struct {
	engine    *ceremony.Engine
	thresholdMgr *threshold.Manager
	trees     *tree.Store
	journal   *journal.Journal
	authority ids.AuthorityId
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	secure := memeffects.NewSecureStore()
	plain := memeffects.NewStore()
	mgr := threshold.NewManager(secure, plain)

	authority := ids.NewAuthorityId()
	_, err := mgr.BootstrapAuthority(ctx, authority)
	require.NoError(t, err)

	treeStore := tree.NewStore(memeffects.NewStore(), mgr)
	genesisDevice := ids.NewDeviceId()
	genesisHash, _ := ids.RandomHash32()
	_, err = treeStore.Bootstrap(ctx, authority, tree.Leaf{ID: tree.LeafId(genesisHash), Role: effects.TreeLeafDevice, DeviceId: &genesisDevice})
	require.NoError(t, err)

	j := journal.New()
	engine := ceremony.NewEngine(mgr, j, treeStore)
	return fixture{engine: engine, thresholdMgr: mgr, trees: treeStore, journal: j, authority: authority}
}

func TestStartSupersedesOlderNonTerminalCeremony(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	prestateHash, _ := ids.RandomHash32()

	old, err := fx.engine.Start(ctx, ceremony.StartParams{
		Kind: ceremony.KindDeviceEnrollment, Authority: fx.authority, PrestateHash: prestateHash,
		ThresholdK: 1, TotalN: 1,
	})
	require.NoError(t, err)

	newer, err := fx.engine.Start(ctx, ceremony.StartParams{
		Kind: ceremony.KindDeviceEnrollment, Authority: fx.authority, PrestateHash: prestateHash,
		ThresholdK: 1, TotalN: 1,
	})
	require.NoError(t, err)

	require.Equal(t, ceremony.StatusSuperseded, old.Snapshot().Status)
	require.Equal(t, newer.CeremonyId, *old.SupersededBy)
}

func TestRecordResponseTransitionsToInProgressAndIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	prestateHash, _ := ids.RandomHash32()
	participant := effects.DeviceParticipant(ids.NewDeviceId())

	st, err := fx.engine.Start(ctx, ceremony.StartParams{
		Kind: ceremony.KindDeviceRotation, Authority: fx.authority, PrestateHash: prestateHash,
		ThresholdK: 1, TotalN: 1, Participants: []effects.ParticipantIdentity{participant},
	})
	require.NoError(t, err)
	require.Equal(t, ceremony.StatusPending, st.Snapshot().Status)

	_, err = fx.engine.RecordResponse(ctx, st.CeremonyId, participant)
	require.NoError(t, err)
	require.Equal(t, ceremony.StatusInProgress, st.Snapshot().Status)
	require.Equal(t, 1, st.AcceptedCount())

	_, err = fx.engine.RecordResponse(ctx, st.CeremonyId, participant)
	require.NoError(t, err)
	require.Equal(t, 1, st.AcceptedCount())
	require.True(t, st.IsCommitEligible())
}

func TestCommitRejectsBelowThreshold(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	prestateHash, _ := ids.RandomHash32()

	st, err := fx.engine.Start(ctx, ceremony.StartParams{
		Kind: ceremony.KindDeviceRotation, Authority: fx.authority, PrestateHash: prestateHash,
		ThresholdK: 2, TotalN: 2,
	})
	require.NoError(t, err)
	participant := effects.DeviceParticipant(ids.NewDeviceId())
	_, err = fx.engine.RecordResponse(ctx, st.CeremonyId, participant)
	require.NoError(t, err)

	_, err = fx.engine.Commit(ctx, st.CeremonyId, ceremony.CommitMeta{AgreementMode: ceremony.QuorumAttested, NowMs: 1})
	require.ErrorIs(t, err, ceremony.ErrInsufficientAcceptances)
}

func TestCommitDeviceEnrollmentAppliesAddLeafAndPromotesEpoch(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	newDevice := ids.NewDeviceId()
	newLeafHash, _ := ids.RandomHash32()
	newLeaf := tree.Leaf{ID: tree.LeafId(newLeafHash), Role: effects.TreeLeafDevice, DeviceId: &newDevice}

	newEpoch, _, _, err := fx.thresholdMgr.RotateKeys(ctx, fx.authority, 1, 1, []effects.ParticipantIdentity{effects.DeviceParticipant(newDevice)})
	require.NoError(t, err)

	prestateHash, _ := ids.RandomHash32()
	participant := effects.DeviceParticipant(newDevice)
	st, err := fx.engine.Start(ctx, ceremony.StartParams{
		Kind: ceremony.KindDeviceEnrollment, Authority: fx.authority, PrestateHash: prestateHash,
		ThresholdK: 1, TotalN: 1, Participants: []effects.ParticipantIdentity{participant},
		NewEpoch: newEpoch, NewLeaf: &newLeaf,
	})
	require.NoError(t, err)

	_, err = fx.engine.RecordResponse(ctx, st.CeremonyId, participant)
	require.NoError(t, err)
	require.True(t, st.IsCommitEligible())

	committed, err := fx.engine.Commit(ctx, st.CeremonyId, ceremony.CommitMeta{AgreementMode: ceremony.QuorumAttested, NowMs: 42})
	require.NoError(t, err)
	require.Equal(t, ceremony.StatusCommitted, committed.Snapshot().Status)
	require.True(t, committed.ReversionRisk())

	next, exists, err := fx.trees.GetCurrentState(ctx, fx.authority)
	require.NoError(t, err)
	require.True(t, exists)
	require.Len(t, next.Leaves, 2)

	_, pendingFound, err := fx.thresholdMgr.PendingEpoch(ctx, fx.authority)
	require.NoError(t, err)
	require.False(t, pendingFound)
}

func TestCommitRequiresTranscriptForConsensusDkgMultiparty(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	other := ids.NewDeviceId()
	newEpoch, _, _, err := fx.thresholdMgr.RotateKeys(ctx, fx.authority, 2, 2, []effects.ParticipantIdentity{
		effects.DeviceParticipant(ids.NewDeviceId()), effects.DeviceParticipant(other),
	})
	require.NoError(t, err)

	prestateHash, _ := ids.RandomHash32()
	st, err := fx.engine.Start(ctx, ceremony.StartParams{
		Kind: ceremony.KindGuardianRotation, Authority: fx.authority, PrestateHash: prestateHash,
		Flow: ceremony.Flow{Kind: ceremony.KindGuardianRotation, Keygen: ceremony.K3ConsensusDkg, AllowedModes: []ceremony.AgreementMode{ceremony.ConsensusFinalized}},
		ThresholdK: 1, TotalN: 2, NewEpoch: newEpoch,
		RelContext: ceremony.DefaultContext(fx.authority),
	})
	require.NoError(t, err)

	participant := effects.DeviceParticipant(other)
	_, err = fx.engine.RecordResponse(ctx, st.CeremonyId, participant)
	require.NoError(t, err)

	_, err = fx.engine.Commit(ctx, st.CeremonyId, ceremony.CommitMeta{AgreementMode: ceremony.ConsensusFinalized, NowMs: 1})
	require.ErrorIs(t, err, ceremony.ErrTranscriptMissing)
}

func TestAbortRollsBackPendingEpochAndIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	newEpoch, _, _, err := fx.thresholdMgr.RotateKeys(ctx, fx.authority, 1, 1, []effects.ParticipantIdentity{effects.DeviceParticipant(ids.NewDeviceId())})
	require.NoError(t, err)

	prestateHash, _ := ids.RandomHash32()
	st, err := fx.engine.Start(ctx, ceremony.StartParams{
		Kind: ceremony.KindDeviceRotation, Authority: fx.authority, PrestateHash: prestateHash,
		ThresholdK: 1, TotalN: 1, NewEpoch: newEpoch,
	})
	require.NoError(t, err)

	require.NoError(t, fx.engine.Abort(ctx, st.CeremonyId, "operator cancelled"))
	require.Equal(t, ceremony.StatusAborted, st.Snapshot().Status)

	_, pendingFound, err := fx.thresholdMgr.PendingEpoch(ctx, fx.authority)
	require.NoError(t, err)
	require.False(t, pendingFound)

	require.NoError(t, fx.engine.Abort(ctx, st.CeremonyId, "second call"))
}

func TestAccountRecoverySnapshotProgression(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	prestateHash, _ := ids.RandomHash32()

	st, err := fx.engine.Start(ctx, ceremony.StartParams{
		Kind: ceremony.KindAccountRecovery, Authority: fx.authority, PrestateHash: prestateHash,
		ThresholdK: 2, TotalN: 3,
	})
	require.NoError(t, err)

	proj, ok := st.RecoverySnapshot()
	require.True(t, ok)
	require.Equal(t, ceremony.RecoveryInitiated, proj.Status)

	guardian := effects.GuardianParticipant(ids.NewGuardianId())
	_, err = fx.engine.RecordResponse(ctx, st.CeremonyId, guardian)
	require.NoError(t, err)

	proj, ok = st.RecoverySnapshot()
	require.True(t, ok)
	require.Equal(t, ceremony.RecoveryGuardianApproved, proj.Status)
	require.Equal(t, 1, proj.ApprovedGuardians)
}
