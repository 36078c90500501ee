package journal_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aura-fabric/coord-core/pkg/ids"
	"github.com/aura-fabric/coord-core/pkg/journal"
)

func mustFact(t *testing.T, author ids.AuthorityId, ts uint64, deps []ids.Hash32, content journal.DomainFact) journal.Fact {
	t.Helper()
	f, err := journal.NewFact(author, ts, deps, content)
	require.NoError(t, err)
	return f
}

func TestFactIdempotence(t *testing.T) {
	ctx := context.Background()
	authority := ids.NewAuthorityId()
	f := mustFact(t, authority, 100, nil, journal.ChatFact{Ctx: ids.NewContextId(), Body: "hello"})

	j := journal.New()
	inserted, err := j.InsertFact(ctx, f)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = j.InsertFact(ctx, f)
	require.NoError(t, err)
	require.False(t, inserted)
	require.Equal(t, 1, j.Len())
}

func TestInsertFactRejectsTamperedID(t *testing.T) {
	ctx := context.Background()
	f := mustFact(t, ids.NewAuthorityId(), 1, nil, journal.ChatFact{Ctx: ids.NewContextId(), Body: "x"})
	f.TimestampMs = 999 // mutate without recomputing id

	j := journal.New()
	_, err := j.InsertFact(ctx, f)
	require.Error(t, err)
}

func TestMergeConvergence(t *testing.T) {
	ctxID := ids.NewContextId()
	authority := ids.NewAuthorityId()
	f1 := mustFact(t, authority, 1, nil, journal.ChatFact{Ctx: ctxID, Body: "a"})
	f2 := mustFact(t, authority, 2, nil, journal.ChatFact{Ctx: ctxID, Body: "b"})
	f3 := mustFact(t, authority, 3, nil, journal.ChatFact{Ctx: ctxID, Body: "c"})

	j1 := journal.New()
	_, _ = j1.InsertFact(context.Background(), f1)
	_, _ = j1.InsertFact(context.Background(), f2)

	j2 := journal.New()
	_, _ = j2.InsertFact(context.Background(), f2)
	_, _ = j2.InsertFact(context.Background(), f3)

	mergedA := journal.New()
	mergedA.Merge(j1)
	mergedA.Merge(j2)

	mergedB := journal.New()
	mergedB.Merge(j2)
	mergedB.Merge(j1)

	require.Equal(t, mergedA.Len(), mergedB.Len())
	require.Equal(t, 3, mergedA.Len())

	stateA, err := journal.Reduce(mergedA.AllFacts(), "", func(acc string, f journal.Fact) string {
		return acc + f.Content.(journal.ChatFact).Body
	})
	require.NoError(t, err)
	stateB, err := journal.Reduce(mergedB.AllFacts(), "", func(acc string, f journal.Fact) string {
		return acc + f.Content.(journal.ChatFact).Body
	})
	require.NoError(t, err)
	require.Equal(t, stateA, stateB)
	require.Equal(t, "abc", stateA)
}

func TestLinearizeRespectsDependencies(t *testing.T) {
	authority := ids.NewAuthorityId()
	ctxID := ids.NewContextId()
	root := mustFact(t, authority, 10, nil, journal.ChatFact{Ctx: ctxID, Body: "root"})
	child := mustFact(t, authority, 5, []ids.Hash32{root.ID}, journal.ChatFact{Ctx: ctxID, Body: "child"})

	order, err := journal.Linearize([]journal.Fact{child, root})
	require.NoError(t, err)
	require.Equal(t, root.ID, order[0].ID)
	require.Equal(t, child.ID, order[1].ID)
}

func TestLinearizeDetectsCycle(t *testing.T) {
	authority := ids.NewAuthorityId()
	ctxID := ids.NewContextId()
	a, err := journal.NewFact(authority, 1, nil, journal.ChatFact{Ctx: ctxID, Body: "a"})
	require.NoError(t, err)
	b, err := journal.NewFact(authority, 2, []ids.Hash32{a.ID}, journal.ChatFact{Ctx: ctxID, Body: "b"})
	require.NoError(t, err)

	// Force a cycle by hand: a now (falsely) depends on b too.
	a.Dependencies = append(a.Dependencies, b.ID)

	_, err = journal.Linearize([]journal.Fact{a, b})
	require.ErrorIs(t, err, journal.ErrCycle)
}

func TestContextCommitmentScopesToContext(t *testing.T) {
	ctx := context.Background()
	authority := ids.NewAuthorityId()
	ctxA := ids.NewContextId()
	ctxB := ids.NewContextId()

	j := journal.New()
	fa := mustFact(t, authority, 1, nil, journal.ChatFact{Ctx: ctxA, Body: "in-a"})
	fb := mustFact(t, authority, 2, nil, journal.ChatFact{Ctx: ctxB, Body: "in-b"})
	_, _ = j.InsertFact(ctx, fa)
	_, _ = j.InsertFact(ctx, fb)

	scoped := j.FetchContextJournal(ctxA)
	require.Equal(t, 1, scoped.Len())

	commitA1, err := j.ContextCommitment(ctxA)
	require.NoError(t, err)
	commitA2, err := j.ContextCommitment(ctxA)
	require.NoError(t, err)
	require.Equal(t, commitA1, commitA2)

	commitB, err := j.ContextCommitment(ctxB)
	require.NoError(t, err)
	require.NotEqual(t, commitA1, commitB)
}

func TestCommitFactsWithOptionsBatchedIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	authority := ids.NewAuthorityId()
	ctxID := ids.NewContextId()
	f1 := mustFact(t, authority, 1, nil, journal.ChatFact{Ctx: ctxID, Body: "1"})
	f2 := mustFact(t, authority, 2, nil, journal.ChatFact{Ctx: ctxID, Body: "2"})

	j := journal.New()
	n, err := j.CommitFactsWithOptions(ctx, []journal.Fact{f1, f2}, journal.Options{Batched: true, RequireUniqueKeys: true})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 2, j.Len())

	f3 := mustFact(t, authority, 3, nil, journal.ChatFact{Ctx: ctxID, Body: "3"})
	_, err = j.CommitFactsWithOptions(ctx, []journal.Fact{f3, f1, f1}, journal.Options{Batched: true, RequireUniqueKeys: true})
	require.Error(t, err)
	require.Equal(t, 2, j.Len())
}
