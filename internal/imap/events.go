package imap

import "github.com/nhle/mailterm/internal/model"

// Event is an asynchronous notification from a session actor. The
// account coordinator fans events from all actors into one stream.
type Event interface {
	isEvent()
}

// StateChanged reports a connection lifecycle transition. Err is set
// when the transition was caused by a failure; an auth failure is
// terminal for the actor.
type StateChanged struct {
	AccountID string
	State     model.ConnState
	Err       error
}

// FolderSynced reports one completed sync pass over a folder. Err is
// set when the delta could not be persisted.
type FolderSynced struct {
	AccountID string
	Folder    string
	FullSync  bool
	Fetched   int
	Err       error
}

// MutationDone reports the server-side outcome of one optimistic
// mutation. A nil Err confirms it; a rejection or network failure
// reverts it through the ledger.
type MutationDone struct {
	AccountID  string
	MutationID string
	Err        error
}

// BodyReady reports a fetched (and cached) message body. Prefetch
// marks speculative fetches so the presentation layer can ignore them.
type BodyReady struct {
	AccountID string
	Folder    string
	StableID  string
	Prefetch  bool
	Err       error
}

// FoldersListed carries the account's mailbox names.
type FoldersListed struct {
	AccountID string
	Folders   []string
	Err       error
}

func (StateChanged) isEvent()  {}
func (FolderSynced) isEvent()  {}
func (MutationDone) isEvent()  {}
func (BodyReady) isEvent()     {}
func (FoldersListed) isEvent() {}
