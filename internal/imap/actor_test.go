package imap

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailterm/internal/model"
	"github.com/nhle/mailterm/internal/store"
	"github.com/nhle/mailterm/tests/testutil"
)

type storeFlagsCall struct {
	uid  uint32
	flag goimap.Flag
	add  bool
}

type moveCall struct {
	uid  uint32
	dest string
}

// fakeSession is a scriptable Session for driving the actor without a
// server.
type fakeSession struct {
	mu sync.Mutex

	selected string
	status   map[string]MailboxStatus
	headers  map[string][]model.Message
	flags    map[string][]FlagEntry
	bodies   map[uint32]*model.Body
	folders  []string
	updates  chan struct{}

	storeErr  error
	moveErr   error
	deleteErr error

	storeCalls []storeFlagsCall
	moves      []moveCall
	deletes    []uint32
	closed     bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		status:  make(map[string]MailboxStatus),
		headers: make(map[string][]model.Message),
		flags:   make(map[string][]FlagEntry),
		bodies:  make(map[uint32]*model.Body),
		updates: make(chan struct{}, 1),
	}
}

func (f *fakeSession) SelectFolder(folder string) (MailboxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.status[folder]
	if !ok {
		return MailboxStatus{}, &NotFoundError{StableID: folder}
	}
	f.selected = folder
	return st, nil
}

func (f *fakeSession) Selected() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.selected
}

func (f *fakeSession) ListFolders() ([]string, error) {
	return f.folders, nil
}

func (f *fakeSession) FetchHeaders(fromUID uint32) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Message
	for _, m := range f.headers[f.selected] {
		if m.UID >= fromUID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeSession) FetchUIDFlags() ([]FlagEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags[f.selected], nil
}

func (f *fakeSession) FetchBody(uid uint32) (*model.Body, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.bodies[uid]
	if !ok {
		return nil, &NotFoundError{StableID: "uid"}
	}
	return body, nil
}

func (f *fakeSession) StoreFlags(uid uint32, flags []goimap.Flag, add bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return f.storeErr
	}
	for _, fl := range flags {
		f.storeCalls = append(f.storeCalls, storeFlagsCall{uid: uid, flag: fl, add: add})
	}
	return nil
}

func (f *fakeSession) Move(uid uint32, dest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.moveErr != nil {
		return f.moveErr
	}
	f.moves = append(f.moves, moveCall{uid: uid, dest: dest})
	return nil
}

func (f *fakeSession) Delete(uid uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deletes = append(f.deletes, uid)
	return nil
}

type fakeIdle struct{ done chan struct{} }

func (i *fakeIdle) Close() error {
	select {
	case <-i.done:
	default:
		close(i.done)
	}
	return nil
}

func (i *fakeIdle) Wait() error {
	<-i.done
	return nil
}

func (f *fakeSession) Idle() (IdleHandle, error) {
	return &fakeIdle{done: make(chan struct{})}, nil
}

func (f *fakeSession) Updates() <-chan struct{} { return f.updates }

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeDialer struct {
	mu       sync.Mutex
	sessions []Session
	errs     []error
	calls    int
}

func (d *fakeDialer) Dial(account model.Account) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls
	d.calls++
	if i < len(d.errs) && d.errs[i] != nil {
		return nil, d.errs[i]
	}
	if len(d.sessions) == 0 {
		return nil, &NetworkError{Op: "dial", Err: errors.New("no session scripted")}
	}
	if i >= len(d.sessions) {
		i = len(d.sessions) - 1
	}
	return d.sessions[i], nil
}

func testAccount() model.Account {
	return model.Account{Email: "alice@example.com", Name: "Alice"}
}

func newTestActor(t *testing.T) (*Actor, *store.SQLiteStore, chan Event) {
	t.Helper()
	st := testutil.NewTestStore(t)
	events := make(chan Event, 64)
	a := NewActor(testAccount(), &fakeDialer{}, st, events, zerolog.Nop())
	return a, st, events
}

func drainEvents(events chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func headerMsg(folder, stableID string, uid uint32, flags model.Flags) model.Message {
	return model.Message{
		StableID:  stableID,
		UID:       uid,
		AccountID: "alice@example.com",
		Folder:    folder,
		Subject:   "subject",
		From:      "bob@example.com",
		Date:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC).Add(time.Duration(uid) * time.Minute),
		Flags:     flags,
	}
}

func TestSyncFolderInitialFull(t *testing.T) {
	a, st, events := newTestActor(t)
	ctx := context.Background()

	sess := newFakeSession()
	sess.status["INBOX"] = MailboxStatus{UIDValidity: 1, UIDNext: 3, NumMessages: 2}
	sess.headers["INBOX"] = []model.Message{
		headerMsg("INBOX", "<a@x>", 1, 0),
		headerMsg("INBOX", "<b@x>", 2, model.FlagSeen),
	}

	require.NoError(t, a.syncFolder(ctx, sess, "INBOX", false))

	msgs, err := st.Messages(ctx, "alice@example.com", "INBOX")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	cur, err := st.Cursor(ctx, "alice@example.com", "INBOX")
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, uint32(1), cur.UIDValidity)
	assert.Equal(t, uint32(3), cur.UIDNext)

	var synced *FolderSynced
	for _, ev := range drainEvents(events) {
		if fs, ok := ev.(FolderSynced); ok {
			synced = &fs
		}
	}
	require.NotNil(t, synced)
	assert.True(t, synced.FullSync)
	assert.Equal(t, 2, synced.Fetched)
	assert.NoError(t, synced.Err)
}

func TestSyncFolderIncremental(t *testing.T) {
	a, st, events := newTestActor(t)
	ctx := context.Background()

	// Cached state from an earlier sync: uids 1 and 2.
	seed := store.Delta{Upserts: []model.Message{
		headerMsg("INBOX", "<a@x>", 1, 0),
		headerMsg("INBOX", "<b@x>", 2, 0),
	}}
	require.NoError(t, st.ApplyDelta(ctx, "alice@example.com", "INBOX", seed, store.SyncCursor{
		AccountID: "alice@example.com", Folder: "INBOX",
		UIDValidity: 1, UIDNext: 3, LastSync: time.Now(),
	}))

	// Live state: uid 1 read, uid 2 expunged, uid 3 new.
	sess := newFakeSession()
	sess.status["INBOX"] = MailboxStatus{UIDValidity: 1, UIDNext: 4, NumMessages: 2}
	sess.flags["INBOX"] = []FlagEntry{
		{UID: 1, Flags: model.FlagSeen},
		{UID: 3, Flags: 0},
	}
	sess.headers["INBOX"] = []model.Message{
		headerMsg("INBOX", "<a@x>", 1, model.FlagSeen),
		headerMsg("INBOX", "<c@x>", 3, 0),
	}

	require.NoError(t, a.syncFolder(ctx, sess, "INBOX", false))

	msgs, err := st.Messages(ctx, "alice@example.com", "INBOX")
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	byID := map[string]model.Message{}
	for _, m := range msgs {
		byID[m.StableID] = m
	}
	assert.True(t, byID["<a@x>"].Flags.Has(model.FlagSeen))
	assert.Contains(t, byID, "<c@x>")
	assert.NotContains(t, byID, "<b@x>")

	var synced *FolderSynced
	for _, ev := range drainEvents(events) {
		if fs, ok := ev.(FolderSynced); ok {
			synced = &fs
		}
	}
	require.NotNil(t, synced)
	assert.False(t, synced.FullSync)
}

func TestSyncFolderUIDValidityChange(t *testing.T) {
	a, st, _ := newTestActor(t)
	ctx := context.Background()

	seed := store.Delta{Upserts: []model.Message{
		headerMsg("INBOX", "<stale@x>", 1, 0),
	}}
	require.NoError(t, st.ApplyDelta(ctx, "alice@example.com", "INBOX", seed, store.SyncCursor{
		AccountID: "alice@example.com", Folder: "INBOX",
		UIDValidity: 1, UIDNext: 2, LastSync: time.Now(),
	}))

	// The server renumbered the mailbox: everything refetches.
	sess := newFakeSession()
	sess.status["INBOX"] = MailboxStatus{UIDValidity: 2, UIDNext: 2, NumMessages: 1}
	sess.headers["INBOX"] = []model.Message{
		headerMsg("INBOX", "<fresh@x>", 1, 0),
	}

	require.NoError(t, a.syncFolder(ctx, sess, "INBOX", false))

	msgs, err := st.Messages(ctx, "alice@example.com", "INBOX")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "<fresh@x>", msgs[0].StableID)

	cur, err := st.Cursor(ctx, "alice@example.com", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), cur.UIDValidity)
}

func TestIncrementalKeepsOptimisticFlags(t *testing.T) {
	a, st, _ := newTestActor(t)
	ctx := context.Background()

	// Cached as starred by an optimistic mutation still pending.
	seed := store.Delta{Upserts: []model.Message{
		headerMsg("INBOX", "<a@x>", 1, model.FlagStarred),
	}}
	require.NoError(t, st.ApplyDelta(ctx, "alice@example.com", "INBOX", seed, store.SyncCursor{
		AccountID: "alice@example.com", Folder: "INBOX",
		UIDValidity: 1, UIDNext: 2, LastSync: time.Now(),
	}))
	require.NoError(t, st.SavePending(ctx, store.PendingRecord{
		ID: "m1", AccountID: "alice@example.com", Folder: "INBOX",
		StableID: "<a@x>", Kind: model.KindStarred, Value: true,
		CreatedAt: time.Now(), Deadline: time.Now().Add(time.Minute),
	}))

	// The server has not applied the star yet.
	sess := newFakeSession()
	sess.status["INBOX"] = MailboxStatus{UIDValidity: 1, UIDNext: 2, NumMessages: 1}
	sess.flags["INBOX"] = []FlagEntry{{UID: 1, Flags: 0}}

	require.NoError(t, a.syncFolder(ctx, sess, "INBOX", false))

	m, err := st.GetMessage(ctx, "alice@example.com", "INBOX", "<a@x>")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.True(t, m.Flags.Has(model.FlagStarred))
}

func TestIncrementalServerDeletionWinsOverPending(t *testing.T) {
	a, st, _ := newTestActor(t)
	ctx := context.Background()

	seed := store.Delta{Upserts: []model.Message{
		headerMsg("INBOX", "<a@x>", 1, 0),
	}}
	require.NoError(t, st.ApplyDelta(ctx, "alice@example.com", "INBOX", seed, store.SyncCursor{
		AccountID: "alice@example.com", Folder: "INBOX",
		UIDValidity: 1, UIDNext: 2, LastSync: time.Now(),
	}))
	require.NoError(t, st.SavePending(ctx, store.PendingRecord{
		ID: "m1", AccountID: "alice@example.com", Folder: "INBOX",
		StableID: "<a@x>", Kind: model.KindStarred, Value: true,
		CreatedAt: time.Now(), Deadline: time.Now().Add(time.Minute),
	}))

	// Expunged server-side.
	sess := newFakeSession()
	sess.status["INBOX"] = MailboxStatus{UIDValidity: 1, UIDNext: 2, NumMessages: 0}

	require.NoError(t, a.syncFolder(ctx, sess, "INBOX", false))

	m, err := st.GetMessage(ctx, "alice@example.com", "INBOX", "<a@x>")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestMutateStoreFlags(t *testing.T) {
	a, st, events := newTestActor(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertMessage(ctx, headerMsg("INBOX", "<a@x>", 7, 0)))

	sess := newFakeSession()
	sess.status["INBOX"] = MailboxStatus{UIDValidity: 1, UIDNext: 8}

	rec := store.PendingRecord{
		ID: "m1", AccountID: "alice@example.com", Folder: "INBOX",
		StableID: "<a@x>", Kind: model.KindStarred, Value: true,
	}
	require.NoError(t, a.mutate(ctx, sess, rec))

	require.Len(t, sess.storeCalls, 1)
	assert.Equal(t, storeFlagsCall{uid: 7, flag: goimap.FlagFlagged, add: true}, sess.storeCalls[0])

	evs := drainEvents(events)
	require.Len(t, evs, 1)
	done, ok := evs[0].(MutationDone)
	require.True(t, ok)
	assert.Equal(t, "m1", done.MutationID)
	assert.NoError(t, done.Err)
}

func TestMutateRejectionSettles(t *testing.T) {
	a, st, events := newTestActor(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertMessage(ctx, headerMsg("INBOX", "<a@x>", 7, 0)))

	sess := newFakeSession()
	sess.status["INBOX"] = MailboxStatus{UIDValidity: 1, UIDNext: 8}
	sess.storeErr = &PermissionError{Op: "store", Reason: "read-only"}

	rec := store.PendingRecord{
		ID: "m1", AccountID: "alice@example.com", Folder: "INBOX",
		StableID: "<a@x>", Kind: model.KindStarred, Value: true,
	}
	require.NoError(t, a.mutate(ctx, sess, rec))

	evs := drainEvents(events)
	require.Len(t, evs, 1)
	done := evs[0].(MutationDone)
	assert.Error(t, done.Err)
	assert.True(t, IsRejection(done.Err))
}

func TestMutateNetworkErrorPropagates(t *testing.T) {
	a, st, events := newTestActor(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertMessage(ctx, headerMsg("INBOX", "<a@x>", 7, 0)))

	sess := newFakeSession()
	sess.status["INBOX"] = MailboxStatus{UIDValidity: 1, UIDNext: 8}
	sess.storeErr = &NetworkError{Op: "store", Err: errors.New("connection reset")}

	rec := store.PendingRecord{
		ID: "m1", AccountID: "alice@example.com", Folder: "INBOX",
		StableID: "<a@x>", Kind: model.KindStarred, Value: true,
	}
	err := a.mutate(ctx, sess, rec)
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))

	// No settle event: the mutation stays pending for the reconnect.
	assert.Empty(t, drainEvents(events))
}

func TestMutateMoveFindsRelocatedRow(t *testing.T) {
	a, st, events := newTestActor(t)
	ctx := context.Background()

	// The optimistic move already relocated the cached row.
	require.NoError(t, st.UpsertMessage(ctx, headerMsg("Archive", "<a@x>", 7, 0)))

	sess := newFakeSession()
	sess.status["INBOX"] = MailboxStatus{UIDValidity: 1, UIDNext: 8}

	rec := store.PendingRecord{
		ID: "m1", AccountID: "alice@example.com", Folder: "INBOX",
		StableID: "<a@x>", Dest: "Archive",
	}
	require.NoError(t, a.mutate(ctx, sess, rec))

	require.Len(t, sess.moves, 1)
	assert.Equal(t, moveCall{uid: 7, dest: "Archive"}, sess.moves[0])
	assert.Equal(t, "INBOX", sess.Selected())

	done := drainEvents(events)[0].(MutationDone)
	assert.NoError(t, done.Err)
}

func TestMutateDelete(t *testing.T) {
	a, st, events := newTestActor(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertMessage(ctx, headerMsg("INBOX", "<a@x>", 7, model.FlagDeleted)))

	sess := newFakeSession()
	sess.status["INBOX"] = MailboxStatus{UIDValidity: 1, UIDNext: 8}

	rec := store.PendingRecord{
		ID: "m1", AccountID: "alice@example.com", Folder: "INBOX",
		StableID: "<a@x>", Kind: model.KindDeleted, Value: true,
	}
	require.NoError(t, a.mutate(ctx, sess, rec))

	assert.Equal(t, []uint32{7}, sess.deletes)
	done := drainEvents(events)[0].(MutationDone)
	assert.NoError(t, done.Err)
}

func TestMutateMissingMessageSettlesNotFound(t *testing.T) {
	a, _, events := newTestActor(t)

	sess := newFakeSession()
	rec := store.PendingRecord{
		ID: "m1", AccountID: "alice@example.com", Folder: "INBOX",
		StableID: "<gone@x>", Kind: model.KindStarred, Value: true,
	}
	require.NoError(t, a.mutate(context.Background(), sess, rec))

	done := drainEvents(events)[0].(MutationDone)
	var nf *NotFoundError
	assert.ErrorAs(t, done.Err, &nf)
}

func TestFetchBodyCachesAndPreviews(t *testing.T) {
	a, st, events := newTestActor(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertMessage(ctx, headerMsg("INBOX", "<a@x>", 3, 0)))

	sess := newFakeSession()
	sess.status["INBOX"] = MailboxStatus{UIDValidity: 1, UIDNext: 4}
	sess.bodies[3] = &model.Body{Text: "line one\nline two"}

	op := FetchBodyOp{Folder: "INBOX", StableID: "<a@x>", UID: 3}
	require.NoError(t, a.fetchBody(ctx, sess, op, false))

	body, err := st.GetBody(ctx, "alice@example.com", "INBOX", "<a@x>")
	require.NoError(t, err)
	require.NotNil(t, body)
	assert.Equal(t, "line one\nline two", body.Text)

	m, err := st.GetMessage(ctx, "alice@example.com", "INBOX", "<a@x>")
	require.NoError(t, err)
	assert.True(t, m.BodyCached)
	assert.Equal(t, "line one line two", m.Preview)

	evs := drainEvents(events)
	require.Len(t, evs, 1)
	ready := evs[0].(BodyReady)
	assert.Equal(t, "<a@x>", ready.StableID)
	assert.False(t, ready.Prefetch)
	assert.NoError(t, ready.Err)
}

func TestFetchBodyPrefetchFailureIsQuiet(t *testing.T) {
	a, _, events := newTestActor(t)

	sess := newFakeSession()
	sess.status["INBOX"] = MailboxStatus{UIDValidity: 1, UIDNext: 4}

	op := FetchBodyOp{Folder: "INBOX", StableID: "<a@x>", UID: 99}
	require.NoError(t, a.fetchBody(context.Background(), sess, op, true))

	evs := drainEvents(events)
	require.Len(t, evs, 1)
	ready := evs[0].(BodyReady)
	assert.True(t, ready.Prefetch)
	assert.Error(t, ready.Err)
}

func TestFetchBodySkipsWithdrawnOp(t *testing.T) {
	a, st, events := newTestActor(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertMessage(ctx, headerMsg("INBOX", "<a@x>", 3, 0)))

	sess := newFakeSession()
	sess.status["INBOX"] = MailboxStatus{UIDValidity: 1, UIDNext: 4}
	sess.bodies[3] = &model.Body{Text: "never fetched"}

	// The focus moved on while the op sat in the queue.
	opCtx, cancel := context.WithCancel(ctx)
	cancel()

	op := FetchBodyOp{Folder: "INBOX", StableID: "<a@x>", UID: 3, Ctx: opCtx}
	require.NoError(t, a.fetchBody(ctx, sess, op, true))

	body, err := st.GetBody(ctx, "alice@example.com", "INBOX", "<a@x>")
	require.NoError(t, err)
	assert.Nil(t, body)

	evs := drainEvents(events)
	require.Len(t, evs, 1)
	ready := evs[0].(BodyReady)
	assert.True(t, ready.Prefetch)
	assert.ErrorIs(t, ready.Err, context.Canceled)
}

func TestMutateOutcomeSurvivesFullEventChannel(t *testing.T) {
	st := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertMessage(ctx, headerMsg("INBOX", "<a@x>", 7, 0)))

	// A sink with no free slot: the outcome must wait, not vanish.
	events := make(chan Event, 1)
	events <- StateChanged{AccountID: "alice@example.com", State: model.StateSyncing}
	a := NewActor(testAccount(), &fakeDialer{}, st, events, zerolog.Nop())

	sess := newFakeSession()
	sess.status["INBOX"] = MailboxStatus{UIDValidity: 1, UIDNext: 8}

	rec := store.PendingRecord{
		ID: "m1", AccountID: "alice@example.com", Folder: "INBOX",
		StableID: "<a@x>", Kind: model.KindStarred, Value: true,
	}

	done := make(chan error, 1)
	go func() { done <- a.mutate(ctx, sess, rec) }()

	<-events
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("mutate did not finish after the sink drained")
	}

	mdone, ok := (<-events).(MutationDone)
	require.True(t, ok)
	assert.Equal(t, "m1", mdone.MutationID)
	assert.NoError(t, mdone.Err)
}

func TestRunStopsOnAuthFailure(t *testing.T) {
	st := testutil.NewTestStore(t)
	events := make(chan Event, 64)
	dialer := &fakeDialer{errs: []error{
		&AuthError{Account: "alice@example.com", Message: "bad credentials"},
	}}
	a := NewActor(testAccount(), dialer, st, events, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		a.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("actor kept running after auth failure")
	}

	var sawErr bool
	for _, ev := range drainEvents(events) {
		if sc, ok := ev.(StateChanged); ok && sc.Err != nil {
			sawErr = true
			assert.True(t, IsAuthError(sc.Err))
		}
	}
	assert.True(t, sawErr)
}

func TestRunReconnectsAndResyncs(t *testing.T) {
	st := testutil.NewTestStore(t)
	events := make(chan Event, 64)

	sess := newFakeSession()
	sess.status["INBOX"] = MailboxStatus{UIDValidity: 1, UIDNext: 2, NumMessages: 1}
	sess.headers["INBOX"] = []model.Message{headerMsg("INBOX", "<a@x>", 1, 0)}

	// First dial fails with network trouble, second succeeds.
	dialer := &fakeDialer{
		errs:     []error{&NetworkError{Op: "dial", Err: errors.New("refused")}},
		sessions: []Session{nil, sess},
	}
	a := NewActor(testAccount(), dialer, st, events, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		msgs, err := st.Messages(context.Background(), "alice@example.com", "INBOX")
		return err == nil && len(msgs) == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("actor did not stop on cancel")
	}
}

func TestEnqueuePrefetchDropsWhenFull(t *testing.T) {
	a, _, _ := newTestActor(t)

	op := FetchBodyOp{Folder: "INBOX", StableID: "<a@x>", UID: 1}
	for i := 0; i < cap(a.prefetchCh); i++ {
		require.True(t, a.EnqueuePrefetch(op))
	}
	assert.False(t, a.EnqueuePrefetch(op))
}
