package model

// Command is an inbound instruction from the presentation layer. The
// account coordinator routes each command to the named account's
// session actor, or applies it optimistically through the mutation
// ledger before dispatch.
type Command interface {
	// Account returns the id of the account the command targets.
	// Cross-account commands (search) return "".
	Account() string
}

// OpenFolder switches the watched folder for an account and triggers
// an incremental sync of it.
type OpenFolder struct {
	AccountID string
	Folder    string
}

func (c OpenFolder) Account() string { return c.AccountID }

// SelectMessage requests the body of a message for display. The fetch
// is a foreground operation; prefetch uses a separate path.
type SelectMessage struct {
	AccountID string
	Folder    string
	StableID  string
	UID       uint32
}

func (c SelectMessage) Account() string { return c.AccountID }

// ToggleFlag flips one flag on a message. Applied optimistically.
type ToggleFlag struct {
	AccountID string
	Folder    string
	StableID  string
	Kind      FlagKind
	Value     bool
}

func (c ToggleFlag) Account() string { return c.AccountID }

// MoveMessage moves a message to another folder. Applied optimistically.
type MoveMessage struct {
	AccountID string
	Folder    string
	StableID  string
	Dest      string
}

func (c MoveMessage) Account() string { return c.AccountID }

// DeleteMessage deletes a message. Applied optimistically.
type DeleteMessage struct {
	AccountID string
	Folder    string
	StableID  string
}

func (c DeleteMessage) Account() string { return c.AccountID }

// SearchQuery runs a ranked full-text search across all cached
// accounts.
type SearchQuery struct {
	Query string
	Limit int
}

func (c SearchQuery) Account() string { return "" }

// RequestPage asks for a further page of the current folder's listing.
type RequestPage struct {
	AccountID string
	Folder    string
}

func (c RequestPage) Account() string { return c.AccountID }

// SendMessage submits a composed message to the outbound client.
type SendMessage struct {
	AccountID string
	Message   ComposedMessage
}

func (c SendMessage) Account() string { return c.AccountID }
