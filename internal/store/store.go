package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/mailterm/internal/model"
)

// StorageError wraps a cache write or read failure. Sync operations
// treat it as fatal for the affected operation: retried once by the
// session actor, then surfaced as degraded account status.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error in %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err (or any error in its chain) is a
// StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// SyncCursor marks the last known server state for one folder of one
// account. It is persisted alongside each applied delta so a restart
// resumes incrementally.
type SyncCursor struct {
	AccountID   string
	Folder      string
	UIDValidity uint32
	UIDNext     uint32
	LastSync    time.Time
}

// Delta is the result of one sync operation against the server: the
// messages to upsert, flag changes for already-cached messages, and
// server-side deletions. A delta and its advanced cursor commit in one
// transaction or not at all.
type Delta struct {
	Upserts     []model.Message
	FlagUpdates map[string]model.Flags
	Deletes     []string

	// FullSync marks a cursor-invalidated resync: after the upserts,
	// every cached row of the folder not present in Upserts is removed.
	FullSync bool
}

// PageCursor is a position in the (date DESC, stable_id ASC) listing
// order. Pagination is keyset-based so concurrent inserts never shift
// already-displayed pages.
type PageCursor struct {
	Date     time.Time
	StableID string
}

// SearchResult is one ranked full-text match.
type SearchResult struct {
	AccountID string
	Folder    string
	StableID  string
	Subject   string
	From      string
	Rank      float64
}

// UIDEntry maps a cached message's protocol UID to its stable id and
// flags, used for flag reconciliation and deletion detection.
type UIDEntry struct {
	UID      uint32
	StableID string
	Flags    model.Flags
}

// PendingRecord is the persisted form of an optimistic mutation, kept
// until the server confirms or the ledger reverts it.
type PendingRecord struct {
	ID         string
	AccountID  string
	Folder     string
	StableID   string
	Kind       model.FlagKind
	Value      bool
	Dest       string
	PriorFlags model.Flags
	CreatedAt  time.Time
	Deadline   time.Time
}

// Store defines the persistence contract for the message cache, sync
// cursors, bodies, and pending mutations.
type Store interface {
	// === Sync ===

	// ApplyDelta applies one sync delta and advances the folder cursor
	// in a single transaction. Upserts are idempotent, keyed on the
	// stable message identifier: re-applying the same delta after a
	// crash-and-retry neither duplicates nor corrupts rows.
	ApplyDelta(ctx context.Context, accountID, folder string, d Delta, cur SyncCursor) error
	Cursor(ctx context.Context, accountID, folder string) (*SyncCursor, error)
	Cursors(ctx context.Context, accountID string) ([]SyncCursor, error)

	// === Messages ===

	Messages(ctx context.Context, accountID, folder string) ([]model.Message, error)
	GetMessage(ctx context.Context, accountID, folder, stableID string) (*model.Message, error)
	ListPage(ctx context.Context, accountID, folder string, pageSize int, after *PageCursor) ([]model.Message, *PageCursor, error)
	UIDIndex(ctx context.Context, accountID, folder string) ([]UIDEntry, error)
	SetFlags(ctx context.Context, accountID, folder, stableID string, flags model.Flags) error
	MoveMessage(ctx context.Context, accountID, folder, stableID, dest string) error
	DeleteMessage(ctx context.Context, accountID, folder, stableID string) error
	UpsertMessage(ctx context.Context, m model.Message) error
	Folders(ctx context.Context, accountID string) ([]model.Folder, error)

	// === Bodies ===

	SaveBody(ctx context.Context, accountID, folder, stableID string, body model.Body) error
	GetBody(ctx context.Context, accountID, folder, stableID string) (*model.Body, error)
	CachedBodyIDs(ctx context.Context, accountID, folder string, ids []string) (map[string]bool, error)

	// === Search ===

	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)

	// === Pending mutations ===

	SavePending(ctx context.Context, rec PendingRecord) error
	DeletePending(ctx context.Context, id string) error
	PendingMutations(ctx context.Context, accountID string) ([]PendingRecord, error)

	Close() error
}
