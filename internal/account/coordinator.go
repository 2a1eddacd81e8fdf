package account

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailterm/internal/imap"
	"github.com/nhle/mailterm/internal/ledger"
	"github.com/nhle/mailterm/internal/model"
	"github.com/nhle/mailterm/internal/prefetch"
	"github.com/nhle/mailterm/internal/smtp"
	"github.com/nhle/mailterm/internal/store"
)

// Status is the presentation-facing state of one account.
type Status struct {
	AccountID string
	State     model.ConnState
	LastSync  time.Time
	Err       error
}

// SendResultMsg is a tea.Msg sent when an outbound submission settles.
type SendResultMsg struct {
	AccountID string
	Err       error
}

// SearchResultMsg is a tea.Msg carrying ranked search hits.
type SearchResultMsg struct {
	Query   string
	Results []store.SearchResult
	Err     error
}

// entry is one managed account: its actor, sender, and teardown.
type entry struct {
	account model.Account
	actor   *imap.Actor
	sender  *smtp.Sender
	cancel  context.CancelFunc
}

// Coordinator owns the per-account session actors and everything that
// spans them: the mutation ledger, the prefetch scheduler, the event
// stream. Commands from the presentation layer enter here and are
// routed to the right actor; events from all actors leave as one
// tagged stream.
type Coordinator struct {
	store     store.Store
	dialer    imap.Dialer
	ledger    *ledger.Ledger
	scheduler *prefetch.Scheduler
	cfg       model.CacheConfig
	log       zerolog.Logger

	// actorEvents is the shared sink all actors emit into; msgCh is
	// the outward stream after ledger and scheduler bookkeeping.
	actorEvents chan imap.Event
	msgCh       chan tea.Msg

	ctx   context.Context
	group *errgroup.Group

	mu       gosync.Mutex
	accounts map[string]*entry
	statuses map[string]*Status
	pages    map[string]*store.PageCursor
}

// PageMsg is a tea.Msg carrying one further page of a folder listing.
// Done reports that the listing is exhausted.
type PageMsg struct {
	AccountID string
	Folder    string
	Messages  []model.Message
	Done      bool
	Err       error
}

// New creates a coordinator over the store. Accounts are added with
// AddAccount after Start.
func New(st store.Store, dialer imap.Dialer, cfg model.CacheConfig, log zerolog.Logger) *Coordinator {
	c := &Coordinator{
		store:       st,
		dialer:      dialer,
		cfg:         cfg,
		log:         log.With().Str("component", "coordinator").Logger(),
		actorEvents: make(chan imap.Event, 64),
		msgCh:       make(chan tea.Msg, 64),
		accounts:    make(map[string]*entry),
		statuses:    make(map[string]*Status),
		pages:       make(map[string]*store.PageCursor),
	}

	c.ledger = ledger.New(st, log, func(rec store.PendingRecord, err error) {
		c.send(imap.MutationDone{
			AccountID:  rec.AccountID,
			MutationID: rec.ID,
			Err:        err,
		})
	})

	c.scheduler = prefetch.New(
		st,
		time.Duration(cfg.PrefetchDebounceMs)*time.Millisecond,
		cfg.PrefetchRadius,
		c.dispatchPrefetch,
		log,
	)

	return c
}

// Start launches the coordinator's background loops and returns.
// They stop when ctx is cancelled; Wait blocks until they have.
func (c *Coordinator) Start(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)

	c.mu.Lock()
	c.ctx = gctx
	c.group = g
	c.mu.Unlock()

	g.Go(func() error {
		c.pump(gctx)
		return nil
	})
	g.Go(func() error {
		c.ledger.RunSweeper(gctx)
		return nil
	})
	g.Go(func() error {
		c.scheduler.Run(gctx)
		return nil
	})
}

// Wait blocks until the background loops have stopped.
func (c *Coordinator) Wait() error {
	c.mu.Lock()
	g := c.group
	c.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// AddAccount spawns a session actor for the account and re-dispatches
// any mutations left pending by a previous run.
func (c *Coordinator) AddAccount(account model.Account) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.accounts[account.Email]; exists {
		return fmt.Errorf("account %s already registered", account.Email)
	}
	if c.ctx == nil {
		return fmt.Errorf("coordinator not started")
	}

	actorCtx, cancel := context.WithCancel(c.ctx)
	actor := imap.NewActor(account, c.dialer, c.store, c.actorEvents, c.log)

	c.accounts[account.Email] = &entry{
		account: account,
		actor:   actor,
		sender:  smtp.NewSender(account),
		cancel:  cancel,
	}
	c.statuses[account.Email] = &Status{
		AccountID: account.Email,
		State:     model.StateDisconnected,
	}

	go actor.Run(actorCtx)
	go c.redispatchPending(actorCtx, actor, account.Email)

	c.log.Info().Str("account", account.Email).Msg("account added")
	return nil
}

// RemoveAccount tears down the account's actor. Cached data stays.
func (c *Coordinator) RemoveAccount(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.accounts[accountID]
	if !ok {
		return
	}
	e.cancel()
	delete(c.accounts, accountID)
	delete(c.statuses, accountID)

	c.log.Info().Str("account", accountID).Msg("account removed")
}

// redispatchPending reloads mutations persisted before a restart and
// hands them back to the actor: the user's actions survive the
// process, not just the connection.
func (c *Coordinator) redispatchPending(ctx context.Context, actor *imap.Actor, accountID string) {
	recs, err := c.ledger.Restore(ctx, accountID)
	if err != nil {
		c.log.Error().Err(err).Str("account", accountID).Msg("restoring pending mutations")
		return
	}

	for _, rec := range recs {
		if err := actor.Enqueue(ctx, imap.MutateOp{Rec: rec}); err != nil {
			return
		}
	}
}

// Dispatch routes one command. Mutating commands pass through the
// ledger first so the cache reflects them before the server answers.
func (c *Coordinator) Dispatch(ctx context.Context, cmd model.Command) error {
	switch cmd := cmd.(type) {
	case model.OpenFolder:
		c.mu.Lock()
		delete(c.pages, cmd.AccountID+"/"+cmd.Folder)
		c.mu.Unlock()
		return c.enqueue(ctx, cmd.AccountID, imap.SyncFolderOp{Folder: cmd.Folder})

	case model.RequestPage:
		go c.loadPage(ctx, cmd)
		return nil

	case model.SelectMessage:
		c.scheduler.Focus(prefetch.Focus{
			AccountID: cmd.AccountID,
			Folder:    cmd.Folder,
			StableID:  cmd.StableID,
		})
		return c.enqueue(ctx, cmd.AccountID, imap.FetchBodyOp{
			Folder:   cmd.Folder,
			StableID: cmd.StableID,
			UID:      cmd.UID,
		})

	case model.ToggleFlag:
		rec, err := c.ledger.ToggleFlag(ctx, cmd)
		if err != nil {
			return err
		}
		return c.enqueue(ctx, cmd.AccountID, imap.MutateOp{Rec: rec})

	case model.MoveMessage:
		rec, err := c.ledger.Move(ctx, cmd)
		if err != nil {
			return err
		}
		return c.enqueue(ctx, cmd.AccountID, imap.MutateOp{Rec: rec})

	case model.DeleteMessage:
		rec, err := c.ledger.Delete(ctx, cmd)
		if err != nil {
			return err
		}
		return c.enqueue(ctx, cmd.AccountID, imap.MutateOp{Rec: rec})

	case model.SearchQuery:
		go c.search(ctx, cmd)
		return nil

	case model.SendMessage:
		return c.submit(cmd)

	default:
		return fmt.Errorf("unhandled command %T", cmd)
	}
}

func (c *Coordinator) enqueue(ctx context.Context, accountID string, op imap.Op) error {
	c.mu.Lock()
	e, ok := c.accounts[accountID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown account %s", accountID)
	}
	return e.actor.Enqueue(ctx, op)
}

// dispatchPrefetch is the scheduler's path into the actors. Prefetch
// never blocks: a busy actor just drops the request.
func (c *Coordinator) dispatchPrefetch(accountID string, op imap.FetchBodyOp) bool {
	c.mu.Lock()
	e, ok := c.accounts[accountID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return e.actor.EnqueuePrefetch(op)
}

// ListFolders asks the account's server for its mailboxes; the answer
// arrives as a FoldersListed event.
func (c *Coordinator) ListFolders(ctx context.Context, accountID string) error {
	return c.enqueue(ctx, accountID, imap.ListFoldersOp{})
}

// loadPage reads the next page of a folder listing from the cache. A
// keyset cursor per folder keeps pages stable while sync inserts rows
// above them.
func (c *Coordinator) loadPage(ctx context.Context, cmd model.RequestPage) {
	key := cmd.AccountID + "/" + cmd.Folder
	c.mu.Lock()
	cur := c.pages[key]
	c.mu.Unlock()

	msgs, next, err := c.store.ListPage(ctx, cmd.AccountID, cmd.Folder, c.cfg.PageSize, cur)
	if err == nil {
		c.mu.Lock()
		c.pages[key] = next
		c.mu.Unlock()
	}
	c.send(PageMsg{
		AccountID: cmd.AccountID,
		Folder:    cmd.Folder,
		Messages:  msgs,
		Done:      err == nil && next == nil,
		Err:       err,
	})
}

// search runs the ranked full-text query over the cache and delivers
// the hits as a message.
func (c *Coordinator) search(ctx context.Context, cmd model.SearchQuery) {
	results, err := c.store.Search(ctx, cmd.Query, cmd.Limit)
	c.send(SearchResultMsg{Query: cmd.Query, Results: results, Err: err})
}

// submit sends a composed message in the background. Submission is
// independent of the sync session, so a wedged IMAP connection never
// blocks outbound mail.
func (c *Coordinator) submit(cmd model.SendMessage) error {
	c.mu.Lock()
	e, ok := c.accounts[cmd.AccountID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown account %s", cmd.AccountID)
	}

	go func() {
		err := e.sender.Send(cmd.Message)
		if err != nil && smtp.IsTransient(err) {
			c.log.Warn().Err(err).Str("account", cmd.AccountID).Msg("send failed, retrying once")
			err = e.sender.Send(cmd.Message)
		}
		c.send(SendResultMsg{AccountID: cmd.AccountID, Err: err})
	}()
	return nil
}

// pump routes actor events: mutation outcomes settle through the
// ledger, body completions release prefetch slots, state changes
// update the status table, and everything is forwarded outward.
func (c *Coordinator) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.actorEvents:
			c.handleEvent(ctx, ev)
		}
	}
}

func (c *Coordinator) handleEvent(ctx context.Context, ev imap.Event) {
	switch ev := ev.(type) {
	case imap.StateChanged:
		c.setStatus(ev.AccountID, func(s *Status) {
			s.State = ev.State
			s.Err = ev.Err
		})
		c.send(ev)

	case imap.FolderSynced:
		c.setStatus(ev.AccountID, func(s *Status) {
			if ev.Err == nil {
				s.LastSync = time.Now()
			}
			s.Err = ev.Err
		})
		c.send(ev)

	case imap.MutationDone:
		// Settle notifies onSettle, which forwards the event outward.
		c.ledger.Settle(ctx, ev.MutationID, ev.Err)

	case imap.BodyReady:
		c.scheduler.MarkDone(ev.StableID)
		c.send(ev)

	default:
		c.send(ev)
	}
}

func (c *Coordinator) setStatus(accountID string, update func(*Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.statuses[accountID]; ok {
		update(s)
	}
}

// Focus forwards a listing cursor position to the prefetch scheduler.
func (c *Coordinator) Focus(f prefetch.Focus) {
	c.scheduler.Focus(f)
}

// Pending returns the unsettled optimistic mutations across accounts.
func (c *Coordinator) Pending() []store.PendingRecord {
	return c.ledger.Pending()
}

// Statuses returns the current state of every account.
func (c *Coordinator) Statuses() []Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Status, 0, len(c.statuses))
	for _, s := range c.statuses {
		out = append(out, *s)
	}
	return out
}

// send forwards a message outward without blocking the pump.
func (c *Coordinator) send(msg tea.Msg) {
	select {
	case c.msgCh <- msg:
	default:
		c.log.Debug().Msg("message channel full, dropped")
	}
}

// WaitForEvent returns a tea.Cmd that delivers the next coordinator
// message. Re-issue it after each received message to keep listening.
func (c *Coordinator) WaitForEvent() tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-c.msgCh
		if !ok {
			return nil
		}
		return msg
	}
}
