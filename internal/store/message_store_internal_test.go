package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailterm/internal/model"
)

// A failure on the cursor write, the last statement of the delta
// transaction, must roll back the upserts that already executed:
// neither the rows nor the cursor may land without the other.
func TestApplyDeltaFailureLeavesNothingApplied(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()

	_, err = s.db.Exec(`
		CREATE TRIGGER fail_cursor_write BEFORE INSERT ON sync_state
		WHEN NEW.folder = 'Doomed'
		BEGIN SELECT RAISE(ABORT, 'injected failure'); END`)
	require.NoError(t, err)

	d := Delta{Upserts: []model.Message{{
		StableID:  "<a@x>",
		UID:       1,
		AccountID: "acc1",
		Folder:    "Doomed",
		Subject:   "subject",
		From:      "sender@example.com",
		Date:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}}}
	cur := SyncCursor{
		AccountID:   "acc1",
		Folder:      "Doomed",
		UIDValidity: 1,
		UIDNext:     2,
		LastSync:    time.Now(),
	}

	err = s.ApplyDelta(ctx, "acc1", "Doomed", d, cur)
	require.Error(t, err)
	assert.True(t, IsStorageError(err))

	msgs, err := s.Messages(ctx, "acc1", "Doomed")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	got, err := s.Cursor(ctx, "acc1", "Doomed")
	require.NoError(t, err)
	assert.Nil(t, got)
}
