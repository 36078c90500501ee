package merkletree_test

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aura-fabric/coord-core/pkg/ids"
	"github.com/aura-fabric/coord-core/pkg/merkletree"
)

func leaf(label string) ids.Hash32 {
	return ids.Hash32(sha256.Sum256([]byte(label)))
}

func TestBuildTreeRejectsEmptyLeafSet(t *testing.T) {
	_, err := merkletree.BuildTree(nil)
	require.ErrorIs(t, err, merkletree.ErrEmptyTree)
}

func TestGenerateAndVerifyProofForEveryLeaf(t *testing.T) {
	leaves := []ids.Hash32{leaf("device-1"), leaf("device-2"), leaf("device-3"), leaf("guardian-1"), leaf("policy-1")}
	tree, err := merkletree.BuildTree(leaves)
	require.NoError(t, err)
	require.Equal(t, 5, tree.LeafCount())

	root := tree.Root()
	for i, l := range leaves {
		proof, err := tree.GenerateProof(i)
		require.NoError(t, err)
		require.Equal(t, l, proof.LeafHash)
		require.True(t, merkletree.VerifyProof(l, proof, root))
	}
}

func TestVerifyProofRejectsTamperedLeaf(t *testing.T) {
	leaves := []ids.Hash32{leaf("device-1"), leaf("device-2"), leaf("device-3")}
	tree, err := merkletree.BuildTree(leaves)
	require.NoError(t, err)

	proof, err := tree.GenerateProofByHash(leaves[1])
	require.NoError(t, err)
	require.False(t, merkletree.VerifyProof(leaf("imposter-device"), proof, tree.Root()))
}

func TestGenerateProofByHashMissingLeaf(t *testing.T) {
	tree, err := merkletree.BuildTree([]ids.Hash32{leaf("only-leaf")})
	require.NoError(t, err)

	_, err = tree.GenerateProofByHash(leaf("absent"))
	require.ErrorIs(t, err, merkletree.ErrLeafNotFound)
}

func TestSingleLeafTreeRootEqualsLeaf(t *testing.T) {
	l := leaf("solo")
	tree, err := merkletree.BuildTree([]ids.Hash32{l})
	require.NoError(t, err)
	require.Equal(t, l, tree.Root())

	proof, err := tree.GenerateProof(0)
	require.NoError(t, err)
	require.Empty(t, proof.Path)
	require.True(t, merkletree.VerifyProof(l, proof, tree.Root()))
}
