package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nhle/mailterm/internal/model"
	"github.com/nhle/mailterm/internal/store"
)

// DefaultTimeout is how long a mutation may stay pending before the
// sweeper reverts it. Generous on purpose: a slow reconnect should not
// undo the user's action, only a mutation the server never answered.
const DefaultTimeout = 30 * time.Second

// sweepInterval is how often the sweeper scans for expired mutations.
const sweepInterval = 5 * time.Second

// SettleFunc is called whenever a pending mutation leaves the ledger:
// err is nil on confirmation and carries the cause on a revert.
type SettleFunc func(rec store.PendingRecord, err error)

// target identifies what a mutation changes. At most one pending
// mutation exists per target; a newer one supersedes the older.
type target struct {
	AccountID string
	Folder    string
	StableID  string
	Kind      model.FlagKind
	Move      bool
}

func recTarget(rec store.PendingRecord) target {
	return target{
		AccountID: rec.AccountID,
		Folder:    rec.Folder,
		StableID:  rec.StableID,
		Kind:      rec.Kind,
		Move:      rec.Dest != "",
	}
}

// Ledger tracks optimistic mutations. Each user action is applied to
// the cache immediately, recorded as pending, and settled when the
// server confirms or rejects it. A rejection or timeout restores the
// state the cache held before the first mutation of that target.
type Ledger struct {
	store    store.Store
	log      zerolog.Logger
	timeout  time.Duration
	onSettle SettleFunc

	mu       sync.Mutex
	pending  map[string]store.PendingRecord
	byTarget map[target]string
}

// New creates a ledger over the store. onSettle may be nil.
func New(st store.Store, log zerolog.Logger, onSettle SettleFunc) *Ledger {
	return &Ledger{
		store:    st,
		log:      log.With().Str("component", "ledger").Logger(),
		timeout:  DefaultTimeout,
		onSettle: onSettle,
		pending:  make(map[string]store.PendingRecord),
		byTarget: make(map[target]string),
	}
}

// Restore loads persisted pending mutations after a restart. The
// caller re-dispatches the returned records to their session actors.
func (l *Ledger) Restore(ctx context.Context, accountID string) ([]store.PendingRecord, error) {
	recs, err := l.store.PendingMutations(ctx, accountID)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range recs {
		l.pending[rec.ID] = rec
		l.byTarget[recTarget(rec)] = rec.ID
	}
	return recs, nil
}

// ToggleFlag applies a flag change optimistically and records it. The
// returned record is dispatched to the account's session actor.
func (l *Ledger) ToggleFlag(ctx context.Context, cmd model.ToggleFlag) (store.PendingRecord, error) {
	msg, err := l.store.GetMessage(ctx, cmd.AccountID, cmd.Folder, cmd.StableID)
	if err != nil {
		return store.PendingRecord{}, err
	}
	if msg == nil {
		return store.PendingRecord{}, fmt.Errorf("message %s not cached", cmd.StableID)
	}

	rec := store.PendingRecord{
		ID:         uuid.NewString(),
		AccountID:  cmd.AccountID,
		Folder:     cmd.Folder,
		StableID:   cmd.StableID,
		Kind:       cmd.Kind,
		Value:      cmd.Value,
		PriorFlags: msg.Flags,
		CreatedAt:  time.Now(),
		Deadline:   time.Now().Add(l.timeout),
	}

	next := msg.Flags.Set(model.Flags(cmd.Kind), cmd.Value)
	if err := l.store.SetFlags(ctx, cmd.AccountID, cmd.Folder, cmd.StableID, next); err != nil {
		return store.PendingRecord{}, err
	}

	return rec, l.record(ctx, rec)
}

// Move applies a cross-folder move optimistically and records it.
func (l *Ledger) Move(ctx context.Context, cmd model.MoveMessage) (store.PendingRecord, error) {
	msg, err := l.store.GetMessage(ctx, cmd.AccountID, cmd.Folder, cmd.StableID)
	if err != nil {
		return store.PendingRecord{}, err
	}
	if msg == nil {
		return store.PendingRecord{}, fmt.Errorf("message %s not cached", cmd.StableID)
	}

	rec := store.PendingRecord{
		ID:         uuid.NewString(),
		AccountID:  cmd.AccountID,
		Folder:     cmd.Folder,
		StableID:   cmd.StableID,
		Dest:       cmd.Dest,
		PriorFlags: msg.Flags,
		CreatedAt:  time.Now(),
		Deadline:   time.Now().Add(l.timeout),
	}

	if err := l.store.MoveMessage(ctx, cmd.AccountID, cmd.Folder, cmd.StableID, cmd.Dest); err != nil {
		return store.PendingRecord{}, err
	}

	return rec, l.record(ctx, rec)
}

// Delete hides a message optimistically and records the deletion. The
// cached row is only removed once the server confirms; until then the
// deleted flag keeps it out of listings and a revert is a flag clear.
func (l *Ledger) Delete(ctx context.Context, cmd model.DeleteMessage) (store.PendingRecord, error) {
	return l.ToggleFlag(ctx, model.ToggleFlag{
		AccountID: cmd.AccountID,
		Folder:    cmd.Folder,
		StableID:  cmd.StableID,
		Kind:      model.KindDeleted,
		Value:     true,
	})
}

// record persists the pending record, superseding any older pending
// mutation of the same target. The superseded record's original prior
// state carries forward so a later revert lands on the state before
// the user's first touch, not an intermediate optimistic one.
func (l *Ledger) record(ctx context.Context, rec store.PendingRecord) error {
	l.mu.Lock()
	key := recTarget(rec)
	if oldID, ok := l.byTarget[key]; ok {
		if old, ok := l.pending[oldID]; ok {
			rec.PriorFlags = old.PriorFlags
			delete(l.pending, oldID)
			if err := l.store.DeletePending(ctx, oldID); err != nil {
				l.log.Error().Err(err).Str("mutation", oldID).Msg("dropping superseded record")
			}
		}
	}
	l.pending[rec.ID] = rec
	l.byTarget[key] = rec.ID
	l.mu.Unlock()

	return l.store.SavePending(ctx, rec)
}

// Settle resolves a mutation with the server's verdict: confirm when
// err is nil, revert otherwise. Unknown ids are ignored; they belong
// to superseded or already swept mutations.
func (l *Ledger) Settle(ctx context.Context, mutationID string, verdict error) {
	l.mu.Lock()
	rec, ok := l.pending[mutationID]
	if ok {
		delete(l.pending, mutationID)
		key := recTarget(rec)
		if l.byTarget[key] == mutationID {
			delete(l.byTarget, key)
		}
	}
	l.mu.Unlock()

	if !ok {
		return
	}

	if err := l.store.DeletePending(ctx, mutationID); err != nil {
		l.log.Error().Err(err).Str("mutation", mutationID).Msg("removing settled record")
	}

	if verdict == nil {
		l.confirm(ctx, rec)
	} else {
		l.revert(ctx, rec, verdict)
	}

	if l.onSettle != nil {
		l.onSettle(rec, verdict)
	}
}

// confirm finalizes cache state for a confirmed mutation. Flags and
// moves were already applied optimistically; a confirmed deletion now
// drops the row for real.
func (l *Ledger) confirm(ctx context.Context, rec store.PendingRecord) {
	if rec.Dest == "" && rec.Kind == model.KindDeleted && rec.Value {
		if err := l.store.DeleteMessage(ctx, rec.AccountID, rec.Folder, rec.StableID); err != nil {
			l.log.Error().Err(err).Str("stable_id", rec.StableID).Msg("removing confirmed deletion")
		}
	}
	l.log.Debug().Str("mutation", rec.ID).Msg("confirmed")
}

// revert restores the pre-mutation cache state.
func (l *Ledger) revert(ctx context.Context, rec store.PendingRecord, cause error) {
	l.log.Warn().Err(cause).Str("mutation", rec.ID).Str("stable_id", rec.StableID).Msg("reverting")

	var err error
	if rec.Dest != "" {
		err = l.store.MoveMessage(ctx, rec.AccountID, rec.Dest, rec.StableID, rec.Folder)
	} else {
		err = l.store.SetFlags(ctx, rec.AccountID, rec.Folder, rec.StableID, rec.PriorFlags)
	}
	if err != nil {
		l.log.Error().Err(err).Str("mutation", rec.ID).Msg("revert failed")
	}
}

// Pending returns a snapshot of the unsettled mutations.
func (l *Ledger) Pending() []store.PendingRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	recs := make([]store.PendingRecord, 0, len(l.pending))
	for _, rec := range l.pending {
		recs = append(recs, rec)
	}
	return recs
}

// RunSweeper periodically reverts mutations past their deadline. It
// blocks until ctx is done.
func (l *Ledger) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep(ctx)
		}
	}
}

func (l *Ledger) sweep(ctx context.Context) {
	now := time.Now()

	l.mu.Lock()
	var expired []string
	for id, rec := range l.pending {
		if now.After(rec.Deadline) {
			expired = append(expired, id)
		}
	}
	l.mu.Unlock()

	for _, id := range expired {
		l.Settle(ctx, id, fmt.Errorf("no server response within %s", l.timeout))
	}
}
