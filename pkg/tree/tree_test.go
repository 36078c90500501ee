package tree_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aura-fabric/coord-core/pkg/cryptoutil"
	"github.com/aura-fabric/coord-core/pkg/effects"
	"github.com/aura-fabric/coord-core/pkg/ids"
	"github.com/aura-fabric/coord-core/pkg/memeffects"
	"github.com/aura-fabric/coord-core/pkg/threshold"
	"github.com/aura-fabric/coord-core/pkg/tree"
)

func genesisLeaf() (tree.Leaf, ids.DeviceId) {
	device := ids.NewDeviceId()
	hash, _ := ids.RandomHash32()
	return tree.Leaf{ID: tree.LeafId(hash), Role: effects.TreeLeafDevice, DeviceId: &device}, device
}

func TestNewStateCommitmentIntegrity(t *testing.T) {
	authority := ids.NewAuthorityId()
	genesis, _ := genesisLeaf()

	st, err := tree.NewState(authority, genesis)
	require.NoError(t, err)
	ok, err := st.Verify()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ids.Epoch(1), st.Epoch)
}

func TestApplyRejectsParentMismatch(t *testing.T) {
	ctx := context.Background()
	authority := ids.NewAuthorityId()
	genesis, _ := genesisLeaf()
	st, err := tree.NewState(authority, genesis)
	require.NoError(t, err)

	mgr := threshold.NewManager(memeffects.NewSecureStore(), memeffects.NewStore())
	_, err = mgr.BootstrapAuthority(ctx, authority)
	require.NoError(t, err)

	newDevice := ids.NewDeviceId()
	newLeafHash, _ := ids.RandomHash32()
	op := tree.AddLeaf{
		OpHeader: tree.OpHeader{ParentEpoch: 999, ParentCommitment: st.RootCommitment},
		Leaf:     tree.Leaf{ID: tree.LeafId(newLeafHash), Role: effects.TreeLeafDevice, DeviceId: &newDevice},
	}
	_, err = tree.Apply(ctx, st, tree.AttestedOp{Op: op}, mgr, 0)
	require.Error(t, err)
	require.ErrorIs(t, err, effects.New(effects.KindPreconditionMismatch, ""))
}

func TestApplyAddLeafAdvancesEpochAndCommitment(t *testing.T) {
	ctx := context.Background()
	authority := ids.NewAuthorityId()
	genesis, _ := genesisLeaf()
	st, err := tree.NewState(authority, genesis)
	require.NoError(t, err)

	mgr := threshold.NewManager(memeffects.NewSecureStore(), memeffects.NewStore())
	_, err = mgr.BootstrapAuthority(ctx, authority)
	require.NoError(t, err)

	newDevice := ids.NewDeviceId()
	newLeafHash, _ := ids.RandomHash32()
	op := tree.AddLeaf{
		OpHeader: tree.OpHeader{ParentEpoch: st.Epoch, ParentCommitment: st.RootCommitment},
		Leaf:     tree.Leaf{ID: tree.LeafId(newLeafHash), Role: effects.TreeLeafDevice, DeviceId: &newDevice},
	}
	message, err := messageFor(op)
	require.NoError(t, err)
	sig, count, err := mgr.Sign(ctx, effects.SigningContext{Authority: authority, Epoch: 1, Message: message})
	require.NoError(t, err)

	next, err := tree.Apply(ctx, st, tree.AttestedOp{Op: op, AggSig: sig, SignerCount: count}, mgr, 1)
	require.NoError(t, err)
	require.Equal(t, ids.Epoch(2), next.Epoch)
	require.Len(t, next.Leaves, 2)

	ok, err := next.Verify()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestApplyAddLeafRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	authority := ids.NewAuthorityId()
	genesis, _ := genesisLeaf()
	st, err := tree.NewState(authority, genesis)
	require.NoError(t, err)

	mgr := threshold.NewManager(memeffects.NewSecureStore(), memeffects.NewStore())
	_, err = mgr.BootstrapAuthority(ctx, authority)
	require.NoError(t, err)

	op := tree.AddLeaf{
		OpHeader: tree.OpHeader{ParentEpoch: st.Epoch, ParentCommitment: st.RootCommitment},
		Leaf:     genesis, // same id as genesis
	}
	message, err := messageFor(op)
	require.NoError(t, err)
	sig, count, err := mgr.Sign(ctx, effects.SigningContext{Authority: authority, Epoch: 1, Message: message})
	require.NoError(t, err)

	_, err = tree.Apply(ctx, st, tree.AttestedOp{Op: op, AggSig: sig, SignerCount: count}, mgr, 1)
	require.Error(t, err)
	require.ErrorIs(t, err, effects.New(effects.KindValidationFailed, ""))
}

func messageFor(op tree.TreeOp) ([]byte, error) {
	return cryptoutil.CanonicalJSON(op)
}
