package imap

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/nhle/mailterm/internal/credential"
	"github.com/nhle/mailterm/internal/model"
	"github.com/nhle/mailterm/internal/store"
)

// idleRefresh bounds how long a single IDLE session runs before the
// actor re-syncs the watched folder. Many servers drop connections
// idling past 29 minutes; refreshing well below that also catches
// pushes the server never sent.
const idleRefresh = 5 * time.Minute

// defaultFolder is watched until an OpenFolder command retargets the
// actor.
const defaultFolder = "INBOX"

// Session is the protocol surface the actor drives. *Client implements
// it; tests substitute a fake.
type Session interface {
	SelectFolder(folder string) (MailboxStatus, error)
	Selected() string
	ListFolders() ([]string, error)
	FetchHeaders(fromUID uint32) ([]model.Message, error)
	FetchUIDFlags() ([]FlagEntry, error)
	FetchBody(uid uint32) (*model.Body, error)
	StoreFlags(uid uint32, flags []imap.Flag, add bool) error
	Move(uid uint32, dest string) error
	Delete(uid uint32) error
	Idle() (IdleHandle, error)
	Updates() <-chan struct{}
	Close() error
}

// Dialer produces authenticated sessions. The production dialer
// acquires credentials and connects; tests return fakes.
type Dialer interface {
	Dial(account model.Account) (Session, error)
}

// Op is a unit of work dispatched to an actor.
type Op interface {
	isOp()
}

// SyncFolderOp retargets the watched folder and syncs it.
type SyncFolderOp struct {
	Folder string
}

// FetchBodyOp fetches and caches one message body. A non-nil Ctx lets
// the requester withdraw the op while it is still queued; prefetches
// carry one that is cancelled when the focus moves away.
type FetchBodyOp struct {
	Folder   string
	StableID string
	UID      uint32
	Ctx      context.Context
}

// MutateOp replays one pending mutation against the server.
type MutateOp struct {
	Rec store.PendingRecord
}

// ListFoldersOp requests the account's mailbox list.
type ListFoldersOp struct{}

func (SyncFolderOp) isOp()  {}
func (FetchBodyOp) isOp()   {}
func (MutateOp) isOp()      {}
func (ListFoldersOp) isOp() {}

// Actor owns one account's protocol session. All server interaction
// for the account flows through its single goroutine: commands arrive
// on a channel, results leave as events, and between commands the
// actor idles on the watched folder. The connection is retried with
// capped jittered backoff; an authentication failure stops the actor.
type Actor struct {
	account model.Account
	dialer  Dialer
	store   store.Store
	events  chan<- Event
	log     zerolog.Logger

	cmdCh      chan Op
	prefetchCh chan FetchBodyOp

	watched string
}

// NewActor creates an actor for the account. Run must be called to
// start it.
func NewActor(
	account model.Account,
	dialer Dialer,
	st store.Store,
	events chan<- Event,
	log zerolog.Logger,
) *Actor {
	return &Actor{
		account:    account,
		dialer:     dialer,
		store:      st,
		events:     events,
		log:        log.With().Str("account", account.Email).Logger(),
		cmdCh:      make(chan Op, 16),
		prefetchCh: make(chan FetchBodyOp, 32),
		watched:    defaultFolder,
	}
}

// Enqueue submits a foreground operation. It blocks until the actor
// accepts it or ctx is done.
func (a *Actor) Enqueue(ctx context.Context, op Op) error {
	select {
	case a.cmdCh <- op:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueuePrefetch submits a speculative body fetch. Prefetches are
// droppable: when the queue is full the request is discarded rather
// than delaying foreground work.
func (a *Actor) EnqueuePrefetch(op FetchBodyOp) bool {
	select {
	case a.prefetchCh <- op:
		return true
	default:
		return false
	}
}

// Run drives the actor until ctx is cancelled or authentication fails.
// Intended to be called in its own goroutine.
func (a *Actor) Run(ctx context.Context) {
	for {
		sess, err := a.connect(ctx)
		if err != nil {
			// Cancelled, or auth failure already reported.
			return
		}

		err = a.serve(ctx, sess)
		_ = sess.Close()

		if ctx.Err() != nil {
			a.emit(StateChanged{AccountID: a.account.Email, State: model.StateDisconnected})
			return
		}

		a.log.Warn().Err(err).Msg("session lost, reconnecting")
		a.emit(StateChanged{
			AccountID: a.account.Email,
			State:     model.StateDisconnected,
			Err:       err,
		})
	}
}

// connect dials with capped jittered backoff until a session is
// established. Auth failures are terminal: the user has to intervene,
// so retrying would only lock the account.
func (a *Actor) connect(ctx context.Context) (Session, error) {
	b := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    30 * time.Second,
		Jitter: true,
	}

	for {
		a.emit(StateChanged{AccountID: a.account.Email, State: model.StateAuthenticating})

		sess, err := a.dialer.Dial(a.account)
		if err == nil {
			a.log.Info().Msg("connected")
			return sess, nil
		}

		if IsAuthError(err) {
			a.log.Error().Err(err).Msg("authentication failed")
			a.emit(StateChanged{
				AccountID: a.account.Email,
				State:     model.StateDisconnected,
				Err:       err,
			})
			return nil, err
		}

		d := b.Duration()
		a.log.Warn().Err(err).Dur("retry_in", d).Msg("connect failed")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
	}
}

// serve runs the command/idle loop over one live session. It returns
// nil when ctx ends and the transport error otherwise.
func (a *Actor) serve(ctx context.Context, sess Session) error {
	// Catch up every folder that has a cursor before idling: changes
	// made while disconnected are reconciled first.
	if err := a.resyncAll(ctx, sess); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		// Foreground commands preempt everything, including prefetch
		// requests already queued.
		select {
		case op := <-a.cmdCh:
			if err := a.handle(ctx, sess, op); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case op := <-a.cmdCh:
			if err := a.handle(ctx, sess, op); err != nil {
				return err
			}
			continue
		case op := <-a.prefetchCh:
			a.fetchBody(ctx, sess, op, true)
			continue
		default:
		}

		if err := a.idle(ctx, sess); err != nil {
			return err
		}
	}
}

// idle parks the session in IDLE on the watched folder and waits for a
// server push, a command, a prefetch, or the refresh deadline.
func (a *Actor) idle(ctx context.Context, sess Session) error {
	if sess.Selected() != a.watched {
		if err := a.syncFolder(ctx, sess, a.watched, false); err != nil {
			return err
		}
	}

	a.emit(StateChanged{AccountID: a.account.Email, State: model.StateIdle})

	idleCmd, err := sess.Idle()
	if err != nil {
		return err
	}

	idleDone := make(chan error, 1)
	go func() { idleDone <- idleCmd.Wait() }()

	stop := func() {
		_ = idleCmd.Close()
		<-idleDone
	}

	refresh := time.NewTimer(idleRefresh)
	defer refresh.Stop()

	select {
	case <-ctx.Done():
		stop()
		return nil

	case <-sess.Updates():
		stop()
		return a.syncFolder(ctx, sess, a.watched, false)

	case <-refresh.C:
		stop()
		return a.syncFolder(ctx, sess, a.watched, false)

	case op := <-a.cmdCh:
		stop()
		return a.handle(ctx, sess, op)

	case op := <-a.prefetchCh:
		stop()
		a.fetchBody(ctx, sess, op, true)
		return nil

	case err := <-idleDone:
		if err != nil {
			return classifyOpErr("idle", err)
		}
		return nil
	}
}

// handle executes one foreground operation. Transport errors propagate
// so serve can reconnect; rejections are reported as events and do not
// end the session.
func (a *Actor) handle(ctx context.Context, sess Session, op Op) error {
	switch op := op.(type) {
	case SyncFolderOp:
		a.watched = op.Folder
		return a.syncFolder(ctx, sess, op.Folder, false)

	case FetchBodyOp:
		return a.fetchBody(ctx, sess, op, false)

	case MutateOp:
		return a.mutate(ctx, sess, op.Rec)

	case ListFoldersOp:
		folders, err := sess.ListFolders()
		if err != nil && IsNetworkError(err) {
			return err
		}
		a.emit(FoldersListed{AccountID: a.account.Email, Folders: folders, Err: err})
		return nil

	default:
		return nil
	}
}

// resyncAll re-syncs every cursored folder plus the watched one,
// watched last so it ends up selected.
func (a *Actor) resyncAll(ctx context.Context, sess Session) error {
	cursors, err := a.store.Cursors(ctx, a.account.Email)
	if err != nil {
		a.log.Error().Err(err).Msg("loading cursors")
		cursors = nil
	}

	for _, cur := range cursors {
		if cur.Folder == a.watched {
			continue
		}
		if err := a.syncFolder(ctx, sess, cur.Folder, false); err != nil {
			return err
		}
	}
	return a.syncFolder(ctx, sess, a.watched, false)
}

// syncFolder performs one incremental (or, on cursor invalidation,
// full) sync pass of a folder and persists the delta atomically with
// the advanced cursor.
func (a *Actor) syncFolder(ctx context.Context, sess Session, folder string, forceFull bool) error {
	a.emit(StateChanged{AccountID: a.account.Email, State: model.StateSyncing})

	status, err := sess.SelectFolder(folder)
	if err != nil {
		return err
	}

	cur, err := a.store.Cursor(ctx, a.account.Email, folder)
	if err != nil {
		a.log.Error().Err(err).Str("folder", folder).Msg("loading cursor")
		cur = nil
	}

	full := forceFull || cur == nil || cur.UIDValidity != status.UIDValidity

	var delta store.Delta
	if full {
		if cur != nil && cur.UIDValidity != status.UIDValidity {
			a.log.Warn().
				Str("folder", folder).
				Uint32("old", cur.UIDValidity).
				Uint32("new", status.UIDValidity).
				Msg("uidvalidity changed, full resync")
		}

		msgs, err := sess.FetchHeaders(1)
		if err != nil {
			return err
		}
		delta = store.Delta{Upserts: msgs, FullSync: true}
	} else {
		delta, err = a.incrementalDelta(ctx, sess, folder, cur, status)
		if err != nil {
			return err
		}
	}

	next := store.SyncCursor{
		AccountID:   a.account.Email,
		Folder:      folder,
		UIDValidity: status.UIDValidity,
		UIDNext:     status.UIDNext,
		LastSync:    time.Now(),
	}

	err = a.store.ApplyDelta(ctx, a.account.Email, folder, delta, next)
	if store.IsStorageError(err) {
		a.log.Warn().Err(err).Str("folder", folder).Msg("delta apply failed, retrying")
		err = a.store.ApplyDelta(ctx, a.account.Email, folder, delta, next)
	}

	a.emit(FolderSynced{
		AccountID: a.account.Email,
		Folder:    folder,
		FullSync:  full,
		Fetched:   len(delta.Upserts),
		Err:       err,
	})
	return nil
}

// incrementalDelta reconciles cached flags against the live mailbox,
// detects server-side deletions, and fetches messages newer than the
// cursor. Messages with a pending optimistic mutation keep their
// optimistic flags until the ledger settles them.
func (a *Actor) incrementalDelta(
	ctx context.Context,
	sess Session,
	folder string,
	cur *store.SyncCursor,
	status MailboxStatus,
) (store.Delta, error) {
	delta := store.Delta{FlagUpdates: make(map[string]model.Flags)}

	index, err := a.store.UIDIndex(ctx, a.account.Email, folder)
	if err != nil {
		return delta, err
	}

	entries, err := sess.FetchUIDFlags()
	if err != nil {
		return delta, err
	}

	live := make(map[uint32]model.Flags, len(entries))
	for _, e := range entries {
		live[e.UID] = e.Flags
	}

	pending, err := a.pendingIDs(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("loading pending mutations")
		pending = nil
	}

	for _, cached := range index {
		flags, alive := live[cached.UID]
		if !alive {
			delta.Deletes = append(delta.Deletes, cached.StableID)
			continue
		}
		if flags != cached.Flags && !pending[cached.StableID] {
			delta.FlagUpdates[cached.StableID] = flags
		}
	}

	if status.UIDNext > cur.UIDNext {
		msgs, err := sess.FetchHeaders(cur.UIDNext)
		if err != nil {
			return delta, err
		}
		delta.Upserts = msgs
	}

	return delta, nil
}

// pendingIDs returns the stable ids with an unsettled optimistic
// mutation.
func (a *Actor) pendingIDs(ctx context.Context) (map[string]bool, error) {
	recs, err := a.store.PendingMutations(ctx, a.account.Email)
	if err != nil {
		return nil, err
	}

	ids := make(map[string]bool, len(recs))
	for _, rec := range recs {
		ids[rec.StableID] = true
	}
	return ids, nil
}

// fetchBody fetches one body from the server and caches it. Failures
// of speculative fetches are logged, not surfaced.
func (a *Actor) fetchBody(ctx context.Context, sess Session, op FetchBodyOp, prefetch bool) error {
	if op.Ctx != nil && op.Ctx.Err() != nil {
		a.emit(BodyReady{
			AccountID: a.account.Email,
			Folder:    op.Folder,
			StableID:  op.StableID,
			Prefetch:  prefetch,
			Err:       op.Ctx.Err(),
		})
		return nil
	}

	if sess.Selected() != op.Folder {
		if _, err := sess.SelectFolder(op.Folder); err != nil {
			if prefetch {
				a.log.Debug().Err(err).Str("stable_id", op.StableID).Msg("prefetch select failed")
				return nil
			}
			return err
		}
	}

	body, err := sess.FetchBody(op.UID)
	if err != nil {
		if IsNetworkError(err) && !prefetch {
			return err
		}
		a.emit(BodyReady{
			AccountID: a.account.Email,
			Folder:    op.Folder,
			StableID:  op.StableID,
			Prefetch:  prefetch,
			Err:       err,
		})
		return nil
	}

	err = a.store.SaveBody(ctx, a.account.Email, op.Folder, op.StableID, *body)
	if store.IsStorageError(err) {
		err = a.store.SaveBody(ctx, a.account.Email, op.Folder, op.StableID, *body)
	}
	if err == nil {
		a.updatePreview(ctx, op, body)
	}

	a.emit(BodyReady{
		AccountID: a.account.Email,
		Folder:    op.Folder,
		StableID:  op.StableID,
		Prefetch:  prefetch,
		Err:       err,
	})
	return nil
}

// previewLen bounds the listing snippet stored with the header row.
const previewLen = 120

func (a *Actor) updatePreview(ctx context.Context, op FetchBodyOp, body *model.Body) {
	msg, err := a.store.GetMessage(ctx, a.account.Email, op.Folder, op.StableID)
	if err != nil || msg == nil {
		return
	}

	msg.Preview = makePreview(body.Text)
	msg.BodyCached = true
	if err := a.store.UpsertMessage(ctx, *msg); err != nil {
		a.log.Error().Err(err).Str("stable_id", op.StableID).Msg("updating preview")
	}
}

// makePreview collapses body text into a single short line.
func makePreview(text string) string {
	out := make([]rune, 0, previewLen)
	space := false
	for _, r := range text {
		if r == '\n' || r == '\r' || r == '\t' || r == ' ' {
			space = true
			continue
		}
		if space && len(out) > 0 {
			out = append(out, ' ')
		}
		space = false
		out = append(out, r)
		if len(out) >= previewLen {
			break
		}
	}
	return string(out)
}

// mutate replays one pending mutation on the server and reports the
// outcome. Rejections settle the mutation (reverted by the ledger);
// transport errors propagate so the mutation is retried after
// reconnect.
func (a *Actor) mutate(ctx context.Context, sess Session, rec store.PendingRecord) error {
	result := func(err error) {
		a.emitBlocking(ctx, MutationDone{
			AccountID:  a.account.Email,
			MutationID: rec.ID,
			Err:        err,
		})
	}

	// A move was already applied to the cache, so its row lives in the
	// destination folder; the server-side UID still belongs to the
	// source folder.
	lookup := rec.Folder
	if rec.Dest != "" {
		lookup = rec.Dest
	}
	msg, err := a.store.GetMessage(ctx, a.account.Email, lookup, rec.StableID)
	if err != nil {
		result(err)
		return nil
	}
	if msg == nil {
		result(&NotFoundError{StableID: rec.StableID})
		return nil
	}

	if sess.Selected() != rec.Folder {
		if _, err := sess.SelectFolder(rec.Folder); err != nil {
			return err
		}
	}

	switch {
	case rec.Dest != "":
		err = sess.Move(msg.UID, rec.Dest)
	case rec.Kind == model.KindDeleted:
		err = sess.Delete(msg.UID)
	default:
		err = sess.StoreFlags(msg.UID, []imap.Flag{serverFlag(rec.Kind)}, rec.Value)
	}

	if err != nil && IsNetworkError(err) {
		return err
	}
	result(err)
	return nil
}

// serverFlag maps a mutation kind to its protocol flag.
func serverFlag(kind model.FlagKind) imap.Flag {
	switch kind {
	case model.KindSeen:
		return imap.FlagSeen
	case model.KindStarred:
		return imap.FlagFlagged
	default:
		return imap.FlagDeleted
	}
}

func (a *Actor) emit(ev Event) {
	select {
	case a.events <- ev:
	default:
		a.log.Debug().Str("event", fmt.Sprintf("%T", ev)).Msg("event channel full, dropped")
	}
}

// emitBlocking waits for the sink to accept the event. Mutation
// outcomes use it: dropping one would turn a server-confirmed mutation
// into a timeout revert.
func (a *Actor) emitBlocking(ctx context.Context, ev Event) {
	select {
	case a.events <- ev:
	case <-ctx.Done():
	}
}

// KeyringDialer is the production dialer: it acquires credentials from
// the system keyring and opens a TLS connection.
type KeyringDialer struct{}

func (KeyringDialer) Dial(account model.Account) (Session, error) {
	handle, err := credential.SessionFor(account)
	if err != nil {
		return nil, &AuthError{Account: account.Email, Message: err.Error()}
	}
	return Dial(account, handle)
}
