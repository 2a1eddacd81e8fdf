package prefetch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailterm/internal/imap"
	"github.com/nhle/mailterm/internal/store"
)

const (
	// DefaultDebounce is how long the focus must rest on one message
	// before its neighborhood is scheduled. Rapid cursor movement
	// through a listing then costs zero fetches.
	DefaultDebounce = 150 * time.Millisecond

	// DefaultRadius is how many messages on each side of the focused
	// one are prefetched.
	DefaultRadius = 5

	// inflightTTL bounds how long a dispatched prefetch suppresses
	// re-dispatch when no completion ever arrives.
	inflightTTL = time.Minute
)

// Focus is one cursor position in a folder listing.
type Focus struct {
	AccountID string
	Folder    string
	StableID  string
}

// DispatchFunc hands a speculative body fetch to the account's session
// actor. It returns false when the request was dropped.
type DispatchFunc func(accountID string, op imap.FetchBodyOp) bool

// Scheduler turns focus movement into speculative body fetches. Focus
// signals are debounced; only a position the user rests on schedules
// its neighborhood, nearest first, skipping bodies already cached or
// already in flight.
type Scheduler struct {
	store    store.Store
	dispatch DispatchFunc
	log      zerolog.Logger

	debounce time.Duration
	radius   int

	focusCh chan Focus

	mu          sync.Mutex
	inflight    map[string]time.Time
	cancelBatch context.CancelFunc
}

// New creates a scheduler. Zero debounce or radius selects the
// defaults.
func New(st store.Store, debounce time.Duration, radius int, dispatch DispatchFunc, log zerolog.Logger) *Scheduler {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if radius <= 0 {
		radius = DefaultRadius
	}
	return &Scheduler{
		store:    st,
		dispatch: dispatch,
		log:      log.With().Str("component", "prefetch").Logger(),
		debounce: debounce,
		radius:   radius,
		focusCh:  make(chan Focus, 1),
		inflight: make(map[string]time.Time),
	}
}

// Focus records a cursor move. Latest wins: an unprocessed earlier
// focus is discarded, and requests already dispatched for the previous
// position are withdrawn through their batch context.
func (s *Scheduler) Focus(f Focus) {
	s.mu.Lock()
	if s.cancelBatch != nil {
		s.cancelBatch()
		s.cancelBatch = nil
	}
	s.mu.Unlock()

	for {
		select {
		case s.focusCh <- f:
			return
		default:
			select {
			case <-s.focusCh:
			default:
			}
		}
	}
}

// MarkDone clears the in-flight marker once a body fetch completed,
// whatever its outcome.
func (s *Scheduler) MarkDone(stableID string) {
	s.mu.Lock()
	delete(s.inflight, stableID)
	s.mu.Unlock()
}

// Run drives the debounce loop until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(s.debounce)
	if !timer.Stop() {
		<-timer.C
	}

	var pending Focus
	armed := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return

		case f := <-s.focusCh:
			pending = f
			if armed && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(s.debounce)
			armed = true

		case <-timer.C:
			armed = false
			s.schedule(ctx, pending)
		}
	}
}

// schedule computes the focused message's neighborhood in listing
// order and dispatches fetches for the uncached bodies, nearest first.
func (s *Scheduler) schedule(ctx context.Context, f Focus) {
	msgs, err := s.store.Messages(ctx, f.AccountID, f.Folder)
	if err != nil {
		s.log.Error().Err(err).Str("folder", f.Folder).Msg("loading listing")
		return
	}

	center := -1
	for i := range msgs {
		if msgs[i].StableID == f.StableID {
			center = i
			break
		}
	}
	if center < 0 {
		return
	}

	// Walk outward so the messages the user is most likely to open
	// next are requested first.
	var candidates []int
	for d := 1; d <= s.radius; d++ {
		if i := center + d; i < len(msgs) {
			candidates = append(candidates, i)
		}
		if i := center - d; i >= 0 {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return
	}

	ids := make([]string, 0, len(candidates))
	for _, i := range candidates {
		if !msgs[i].BodyCached {
			ids = append(ids, msgs[i].StableID)
		}
	}
	if len(ids) == 0 {
		return
	}

	cached, err := s.store.CachedBodyIDs(ctx, f.AccountID, f.Folder, ids)
	if err != nil {
		s.log.Error().Err(err).Msg("checking cached bodies")
		cached = nil
	}

	// Every dispatch of this pass shares one context so the next focus
	// move withdraws them all at once.
	batchCtx, cancel := context.WithCancel(ctx)

	now := time.Now()
	s.mu.Lock()
	if s.cancelBatch != nil {
		s.cancelBatch()
	}
	s.cancelBatch = cancel
	for id, at := range s.inflight {
		if now.Sub(at) > inflightTTL {
			delete(s.inflight, id)
		}
	}
	s.mu.Unlock()

	for _, i := range candidates {
		m := msgs[i]
		if m.BodyCached || cached[m.StableID] {
			continue
		}

		s.mu.Lock()
		if _, busy := s.inflight[m.StableID]; busy {
			s.mu.Unlock()
			continue
		}
		s.inflight[m.StableID] = now
		s.mu.Unlock()

		ok := s.dispatch(f.AccountID, imap.FetchBodyOp{
			Folder:   f.Folder,
			StableID: m.StableID,
			UID:      m.UID,
			Ctx:      batchCtx,
		})
		if !ok {
			s.MarkDone(m.StableID)
		}
	}
}
