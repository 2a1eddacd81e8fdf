package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailterm/internal/model"
	"github.com/nhle/mailterm/internal/store"
	"github.com/nhle/mailterm/tests/testutil"
)

func pendingRec(id string, createdAt time.Time) store.PendingRecord {
	return store.PendingRecord{
		ID:         id,
		AccountID:  "acc1",
		Folder:     "INBOX",
		StableID:   "<a@x>",
		Kind:       model.KindStarred,
		Value:      true,
		PriorFlags: model.FlagSeen,
		CreatedAt:  createdAt.UTC().Truncate(time.Second),
		Deadline:   createdAt.Add(30 * time.Second).UTC().Truncate(time.Second),
	}
}

func TestPendingMutationsRoundTrip(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.SavePending(ctx, pendingRec("m2", base.Add(time.Second))))
	require.NoError(t, s.SavePending(ctx, pendingRec("m1", base)))

	recs, err := s.PendingMutations(ctx, "acc1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	// Oldest first, regardless of insertion order.
	assert.Equal(t, "m1", recs[0].ID)
	assert.Equal(t, "m2", recs[1].ID)

	got := recs[0]
	assert.Equal(t, model.KindStarred, got.Kind)
	assert.True(t, got.Value)
	assert.Equal(t, model.FlagSeen, got.PriorFlags)
	assert.Equal(t, base, got.CreatedAt)
}

func TestDeletePending(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SavePending(ctx, pendingRec("m1", time.Now())))
	require.NoError(t, s.DeletePending(ctx, "m1"))

	recs, err := s.PendingMutations(ctx, "acc1")
	require.NoError(t, err)
	assert.Empty(t, recs)

	// Deleting an already-settled record is a no-op.
	assert.NoError(t, s.DeletePending(ctx, "m1"))
}

func TestPendingMutationsScopedToAccount(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	rec := pendingRec("m1", time.Now())
	require.NoError(t, s.SavePending(ctx, rec))

	other := pendingRec("m2", time.Now())
	other.AccountID = "acc2"
	require.NoError(t, s.SavePending(ctx, other))

	recs, err := s.PendingMutations(ctx, "acc1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "m1", recs[0].ID)
}
