package prefetch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailterm/internal/imap"
	"github.com/nhle/mailterm/internal/model"
	"github.com/nhle/mailterm/internal/store"
	"github.com/nhle/mailterm/tests/testutil"
)

// dispatchRecorder captures dispatched prefetch ops in order.
type dispatchRecorder struct {
	mu     sync.Mutex
	ops    []imap.FetchBodyOp
	reject bool
}

func (r *dispatchRecorder) dispatch(accountID string, op imap.FetchBodyOp) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject {
		return false
	}
	r.ops = append(r.ops, op)
	return true
}

func (r *dispatchRecorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.ops))
	for _, op := range r.ops {
		ids = append(ids, op.StableID)
	}
	return ids
}

// seedListing inserts n messages so the listing reads <m0@x> (newest)
// through <m(n-1)@x> (oldest).
func seedListing(t *testing.T, st *store.SQLiteStore, n int) {
	t.Helper()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		err := st.UpsertMessage(context.Background(), model.Message{
			StableID:  fmt.Sprintf("<m%d@x>", i),
			UID:       uint32(i + 1),
			AccountID: "acc1",
			Folder:    "INBOX",
			Subject:   "msg",
			From:      "alice@example.com",
			Date:      base.Add(-time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}
}

func focusOn(id string) Focus {
	return Focus{AccountID: "acc1", Folder: "INBOX", StableID: id}
}

func TestScheduleWalksOutwardNearestFirst(t *testing.T) {
	st := testutil.NewTestStore(t)
	seedListing(t, st, 8)

	rec := &dispatchRecorder{}
	s := New(st, DefaultDebounce, 2, rec.dispatch, zerolog.Nop())

	s.schedule(context.Background(), focusOn("<m3@x>"))

	assert.Equal(t, []string{"<m4@x>", "<m2@x>", "<m5@x>", "<m1@x>"}, rec.ids())
}

func TestScheduleClampsAtListingEdges(t *testing.T) {
	st := testutil.NewTestStore(t)
	seedListing(t, st, 3)

	rec := &dispatchRecorder{}
	s := New(st, DefaultDebounce, 5, rec.dispatch, zerolog.Nop())

	s.schedule(context.Background(), focusOn("<m0@x>"))

	assert.Equal(t, []string{"<m1@x>", "<m2@x>"}, rec.ids())
}

func TestScheduleSkipsCachedBodies(t *testing.T) {
	st := testutil.NewTestStore(t)
	ctx := context.Background()
	seedListing(t, st, 5)
	require.NoError(t, st.SaveBody(ctx, "acc1", "INBOX", "<m1@x>", model.Body{Text: "x"}))
	require.NoError(t, st.SaveBody(ctx, "acc1", "INBOX", "<m3@x>", model.Body{Text: "x"}))

	rec := &dispatchRecorder{}
	s := New(st, DefaultDebounce, 2, rec.dispatch, zerolog.Nop())

	s.schedule(ctx, focusOn("<m2@x>"))

	assert.Equal(t, []string{"<m4@x>", "<m0@x>"}, rec.ids())
}

func TestScheduleSkipsInflight(t *testing.T) {
	st := testutil.NewTestStore(t)
	ctx := context.Background()
	seedListing(t, st, 5)

	rec := &dispatchRecorder{}
	s := New(st, DefaultDebounce, 1, rec.dispatch, zerolog.Nop())

	s.schedule(ctx, focusOn("<m2@x>"))
	require.Equal(t, []string{"<m3@x>", "<m1@x>"}, rec.ids())

	// Still in flight, nothing new to dispatch.
	s.schedule(ctx, focusOn("<m2@x>"))
	assert.Len(t, rec.ids(), 2)

	// Completion releases the slot.
	s.MarkDone("<m3@x>")
	s.schedule(ctx, focusOn("<m2@x>"))
	assert.Equal(t, []string{"<m3@x>", "<m1@x>", "<m3@x>"}, rec.ids())
}

func TestScheduleRejectedDispatchReleasesInflight(t *testing.T) {
	st := testutil.NewTestStore(t)
	ctx := context.Background()
	seedListing(t, st, 3)

	rec := &dispatchRecorder{reject: true}
	s := New(st, DefaultDebounce, 1, rec.dispatch, zerolog.Nop())

	s.schedule(ctx, focusOn("<m1@x>"))
	assert.Empty(t, rec.ids())

	rec.mu.Lock()
	rec.reject = false
	rec.mu.Unlock()

	s.schedule(ctx, focusOn("<m1@x>"))
	assert.Equal(t, []string{"<m2@x>", "<m0@x>"}, rec.ids())
}

func TestScheduleUnknownFocusIsNoop(t *testing.T) {
	st := testutil.NewTestStore(t)
	seedListing(t, st, 3)

	rec := &dispatchRecorder{}
	s := New(st, DefaultDebounce, 2, rec.dispatch, zerolog.Nop())

	s.schedule(context.Background(), focusOn("<never@x>"))
	assert.Empty(t, rec.ids())
}

func TestRunDebounceCoalesces(t *testing.T) {
	st := testutil.NewTestStore(t)
	seedListing(t, st, 10)

	rec := &dispatchRecorder{}
	s := New(st, 50*time.Millisecond, 1, rec.dispatch, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	// Rapid cursor movement: only the position the user rests on gets
	// its neighborhood scheduled.
	for i := 0; i < 5; i++ {
		s.Focus(focusOn(fmt.Sprintf("<m%d@x>", i)))
		time.Sleep(10 * time.Millisecond)
	}

	assert.Eventually(t, func() bool {
		ids := rec.ids()
		return len(ids) == 2 && ids[0] == "<m5@x>" && ids[1] == "<m3@x>"
	}, 2*time.Second, 20*time.Millisecond)

	// And no further dispatches arrive afterwards.
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, rec.ids(), 2)

	cancel()
	<-done
}

func TestFocusMoveWithdrawsDispatchedBatch(t *testing.T) {
	st := testutil.NewTestStore(t)
	seedListing(t, st, 5)

	rec := &dispatchRecorder{}
	s := New(st, DefaultDebounce, 1, rec.dispatch, zerolog.Nop())

	s.schedule(context.Background(), focusOn("<m2@x>"))

	rec.mu.Lock()
	require.Len(t, rec.ops, 2)
	first := rec.ops[0]
	rec.mu.Unlock()

	require.NotNil(t, first.Ctx)
	assert.NoError(t, first.Ctx.Err())

	// Moving the focus cancels everything dispatched for the old
	// position, even while queued at the actor.
	s.Focus(focusOn("<m4@x>"))
	assert.ErrorIs(t, first.Ctx.Err(), context.Canceled)
}

func TestDefaultsApplied(t *testing.T) {
	st := testutil.NewTestStore(t)
	s := New(st, 0, 0, func(string, imap.FetchBodyOp) bool { return true }, zerolog.Nop())
	assert.Equal(t, DefaultDebounce, s.debounce)
	assert.Equal(t, DefaultRadius, s.radius)
}
