package bridge_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/aura-fabric/coord-core/pkg/bridge"
	"github.com/aura-fabric/coord-core/pkg/ceremony"
	"github.com/aura-fabric/coord-core/pkg/dkg"
	"github.com/aura-fabric/coord-core/pkg/effects"
	"github.com/aura-fabric/coord-core/pkg/ids"
	"github.com/aura-fabric/coord-core/pkg/journal"
	"github.com/aura-fabric/coord-core/pkg/memeffects"
	"github.com/aura-fabric/coord-core/pkg/threshold"
	"github.com/aura-fabric/coord-core/pkg/tree"
)

// scopedTransport adapts the shared in-memory memeffects.Transport (which
// requires a destination for ReceiveFor) to the single-authority
// effects.Transport shape every real deployment has one instance of.
type scopedTransport struct {
	*memeffects.Transport
	authority ids.AuthorityId
}

func (s scopedTransport) ReceiveEnvelope(ctx context.Context) (effects.Envelope, bool, error) {
	return s.ReceiveFor(ctx, s.authority)
}

func TestPolicyForMatchesReferenceTable(t *testing.T) {
	g := bridge.PolicyFor(ceremony.KindGuardianRotation, 3)
	require.Equal(t, ceremony.K3ConsensusDkg, g.Keygen)
	require.ElementsMatch(t, []ceremony.AgreementMode{ceremony.QuorumAttested, ceremony.ConsensusFinalized}, g.AllowedModes)

	removalSingle := bridge.PolicyFor(ceremony.KindDeviceRemoval, 1)
	require.Equal(t, ceremony.K1SelfSigned, removalSingle.Keygen)

	removalMulti := bridge.PolicyFor(ceremony.KindDeviceRemoval, 2)
	require.Equal(t, ceremony.K3ConsensusDkg, removalMulti.Keygen)

	recovery := bridge.PolicyFor(ceremony.KindAccountRecovery, 3)
	require.Equal(t, []ceremony.AgreementMode{ceremony.ConsensusFinalized}, recovery.AllowedModes)
}

func TestOrchestratorProcessCeremonyAcceptancesRecordsResponse(t *testing.T) {
	ctx := context.Background()
	secure := memeffects.NewSecureStore()
	plain := memeffects.NewStore()
	mgr := threshold.NewManager(secure, plain)
	treeStore := tree.NewStore(memeffects.NewStore(), mgr)
	j := journal.New()

	authority := ids.NewAuthorityId()
	_, err := mgr.BootstrapAuthority(ctx, authority)
	require.NoError(t, err)

	engine := ceremony.NewEngine(mgr, j, treeStore)
	transportBus := memeffects.NewTransport()
	metrics := bridge.NewMetrics(prometheus.NewRegistry())
	orch := bridge.NewOrchestrator(scopedTransport{Transport: transportBus, authority: authority}, engine, metrics, dkg.NewLocalBackend(), j)

	participant := ids.NewDeviceId()
	prestateHash, _ := ids.RandomHash32()
	st, err := orch.Start(ctx, ceremony.StartParams{
		Kind: ceremony.KindDeviceRotation, Authority: authority, PrestateHash: prestateHash,
		ThresholdK: 1, TotalN: 1, Participants: []effects.ParticipantIdentity{effects.DeviceParticipant(participant)},
	})
	require.NoError(t, err)

	err = transportBus.SendEnvelope(ctx, effects.Envelope{
		Source: authority, Destination: authority,
		Metadata: map[string]string{
			"content-type":           bridge.ContentTypeDeviceThresholdKeyPackage,
			"ceremony-id":            st.CeremonyId.String(),
			"participant-device-id":  participant.String(),
		},
	})
	require.NoError(t, err)

	processed, err := orch.ProcessCeremonyAcceptances(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, processed)
	require.Equal(t, 1, st.AcceptedCount())
	require.True(t, st.IsCommitEligible())
}

func TestOrchestratorIgnoresUnrecognizedContentType(t *testing.T) {
	ctx := context.Background()
	secure := memeffects.NewSecureStore()
	plain := memeffects.NewStore()
	mgr := threshold.NewManager(secure, plain)
	treeStore := tree.NewStore(memeffects.NewStore(), mgr)
	j := journal.New()

	authority := ids.NewAuthorityId()
	_, err := mgr.BootstrapAuthority(ctx, authority)
	require.NoError(t, err)

	engine := ceremony.NewEngine(mgr, j, treeStore)
	transportBus := memeffects.NewTransport()
	metrics := bridge.NewMetrics(prometheus.NewRegistry())
	orch := bridge.NewOrchestrator(scopedTransport{Transport: transportBus, authority: authority}, engine, metrics, dkg.NewLocalBackend(), j)

	err = transportBus.SendEnvelope(ctx, effects.Envelope{
		Source: authority, Destination: authority,
		Metadata: map[string]string{"content-type": "application/aura-chat"},
	})
	require.NoError(t, err)

	processed, err := orch.ProcessCeremonyAcceptances(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, processed)
}
