package pgjournal_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aura-fabric/coord-core/pkg/ids"
	"github.com/aura-fabric/coord-core/pkg/journal"
	"github.com/aura-fabric/coord-core/pkg/pgjournal"
)

// These tests exercise a real Postgres connection and are skipped unless
// AURA_TEST_POSTGRES_URL is set, following the common Go convention for
// database-backed integration tests rather than faking the driver.
func newTestStore(t *testing.T) *pgjournal.Store {
	t.Helper()
	dsn := os.Getenv("AURA_TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("AURA_TEST_POSTGRES_URL not set, skipping pgjournal integration test")
	}

	store, err := pgjournal.NewStore(dsn, 5, 2, 5*time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.MigrateUp(context.Background()))
	return store
}

func TestInsertFactIsIdempotentOnConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	author := ids.NewAuthorityId()
	relCtx := ids.NewContextId()
	f, err := journal.NewFact(author, 1000, nil, journal.ChatFact{
		Ctx:    relCtx,
		Sender: ids.NewDeviceId(),
		Body:   "hello",
	})
	require.NoError(t, err)

	inserted, err := store.InsertFact(ctx, f)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = store.InsertFact(ctx, f)
	require.NoError(t, err)
	require.False(t, inserted)
}

func TestInsertFactRejectsTamperedFact(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	author := ids.NewAuthorityId()
	relCtx := ids.NewContextId()
	f, err := journal.NewFact(author, 1000, nil, journal.ChatFact{
		Ctx:    relCtx,
		Sender: ids.NewDeviceId(),
		Body:   "hello",
	})
	require.NoError(t, err)

	f.TimestampMs = 2000 // invalidates the content-addressed id

	_, err = store.InsertFact(ctx, f)
	require.Error(t, err)
}

func TestFetchContextJournalReturnsOnlyMatchingContext(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	author := ids.NewAuthorityId()
	ctxA := ids.NewContextId()
	ctxB := ids.NewContextId()

	factA, err := journal.NewFact(author, 1000, nil, journal.ChatFact{Ctx: ctxA, Sender: ids.NewDeviceId(), Body: "a"})
	require.NoError(t, err)
	factB, err := journal.NewFact(author, 1000, nil, journal.ChatFact{Ctx: ctxB, Sender: ids.NewDeviceId(), Body: "b"})
	require.NoError(t, err)

	_, err = store.InsertFact(ctx, factA)
	require.NoError(t, err)
	_, err = store.InsertFact(ctx, factB)
	require.NoError(t, err)

	loaded, err := store.FetchContextJournal(ctx, ctxA)
	require.NoError(t, err)
	facts := loaded.AllFacts()
	require.Len(t, facts, 1)
	require.Equal(t, factA.ID, facts[0].ID)
}
