// Package sync reconciles registered message stores with the index.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

// Index is the part of the message index the engine reads and mutates.
type Index interface {
	Lookup(ctx context.Context, messageID string) (*model.Entry, error)
	LookupLocator(ctx context.Context, storeID int64, locator string) (*model.Entry, error)
	Put(ctx context.Context, e model.Entry) error
	Delete(ctx context.Context, messageID string) error
	EntriesForStore(ctx context.Context, storeID int64) ([]model.Entry, error)
}

// Persister writes a store's cursor through to durable storage.
type Persister func(ctx context.Context, storeID int64, cursor string) error

// Notifier receives the aggregated report of a poll.
type Notifier interface {
	Notify(ctx context.Context, report Report)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, report Report)

func (f NotifierFunc) Notify(ctx context.Context, report Report) { f(ctx, report) }

// Registration pairs a store record with the source that reads it.
type Registration struct {
	Record model.StoreRecord
	Source source.Source
}

// StoreState is the health of a store as seen by the engine.
type StoreState int

const (
	StateOK StoreState = iota
	// StateBroken stores failed fatally and are not polled until cleared.
	StateBroken
	// StateDesynced stores no longer match the index and need a rebuild.
	StateDesynced
)

func (s StoreState) String() string {
	switch s {
	case StateBroken:
		return "broken"
	case StateDesynced:
		return "out of sync"
	default:
		return "ok"
	}
}

// Options configures an Engine.
type Options struct {
	Persister   Persister
	Notifier    Notifier
	Concurrency int
	Logger      zerolog.Logger
	Now         func() time.Time
}

// storeSlot is the engine's bookkeeping for one registered store. busy
// guarantees at most one poll or rebuild per store at a time.
type storeSlot struct {
	reg  Registration
	busy gosync.Mutex

	mu       gosync.Mutex
	state    StoreState
	err      error
	lastPoll time.Time
}

// Engine polls stores and records what they hold in the index. Stores
// are independent: a failing store never stops others from being polled.
type Engine struct {
	slots []*storeSlot
	byID  map[int64]*storeSlot
	index Index
	opts  Options
	log   zerolog.Logger
}

// NewEngine creates an engine over regs, which it owns from then on.
// Cursors stored in the records are restored into their sources.
func NewEngine(regs []Registration, index Index, opts Options) (*Engine, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Persister == nil {
		opts.Persister = func(context.Context, int64, string) error { return nil }
	}

	e := &Engine{
		byID:  make(map[int64]*storeSlot, len(regs)),
		index: index,
		opts:  opts,
		log:   opts.Logger,
	}
	for _, reg := range regs {
		if reg.Source == nil {
			return nil, fmt.Errorf("store %d has no source", reg.Record.ID)
		}
		if _, dup := e.byID[reg.Record.ID]; dup {
			return nil, fmt.Errorf("store %d registered twice", reg.Record.ID)
		}
		slot := &storeSlot{reg: reg}
		if err := reg.Source.SetCursor(reg.Record.Cursor); err != nil {
			slot.state = StateDesynced
			slot.err = err
		}
		e.slots = append(e.slots, slot)
		e.byID[reg.Record.ID] = slot
	}
	return e, nil
}

// Close closes every source.
func (e *Engine) Close() error {
	var errs []error
	for _, slot := range e.slots {
		if err := slot.reg.Source.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StoreStatus describes one store for display.
type StoreStatus struct {
	Record   model.StoreRecord
	State    StoreState
	Err      error
	LastPoll time.Time
}

// Statuses returns the status of every store in registration order.
func (e *Engine) Statuses() []StoreStatus {
	out := make([]StoreStatus, 0, len(e.slots))
	for _, slot := range e.slots {
		slot.mu.Lock()
		out = append(out, StoreStatus{
			Record:   slot.reg.Record,
			State:    slot.state,
			Err:      slot.err,
			LastPoll: slot.lastPoll,
		})
		slot.mu.Unlock()
	}
	return out
}

// Clear marks a broken or desynced store healthy again so it is polled.
func (e *Engine) Clear(id int64) error {
	slot, ok := e.byID[id]
	if !ok {
		return fmt.Errorf("unknown store %d", id)
	}
	slot.mu.Lock()
	slot.state = StateOK
	slot.err = nil
	slot.mu.Unlock()
	return nil
}

func (e *Engine) setState(slot *storeSlot, state StoreState, err error) {
	slot.mu.Lock()
	slot.state = state
	slot.err = err
	slot.mu.Unlock()
}

func (e *Engine) state(slot *storeSlot) (StoreState, error) {
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.state, slot.err
}

// PollAll polls every usual store concurrently and sends one aggregated
// report to the notifier.
func (e *Engine) PollAll(ctx context.Context) Report {
	var ids []int64
	for _, slot := range e.slots {
		if slot.reg.Record.Usual {
			ids = append(ids, slot.reg.Record.ID)
		}
	}
	return e.PollStores(ctx, ids)
}

// PollStores polls the given stores concurrently, at most
// Options.Concurrency at once, and notifies once with the outcome.
func (e *Engine) PollStores(ctx context.Context, ids []int64) Report {
	report := Report{Started: e.opts.Now(), Results: make([]StoreResult, len(ids))}

	var g errgroup.Group
	g.SetLimit(e.opts.Concurrency)
	for i, id := range ids {
		g.Go(func() error {
			report.Results[i] = e.PollStore(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	report.Finished = e.opts.Now()
	if e.opts.Notifier != nil {
		e.opts.Notifier.Notify(ctx, report)
	}
	return report
}

// PollStore runs one poll cycle of a store: it reads messages after the
// cursor, records each new one in the index and persists the cursor after
// every message.
func (e *Engine) PollStore(ctx context.Context, id int64) StoreResult {
	slot, ok := e.byID[id]
	if !ok {
		return StoreResult{StoreID: id, Outcome: OutcomeFailed, Err: fmt.Errorf("unknown store %d", id)}
	}
	res := StoreResult{StoreID: id, URI: slot.reg.Record.URI}

	if !slot.busy.TryLock() {
		res.Outcome = OutcomeSkipped
		return res
	}
	defer slot.busy.Unlock()

	if state, err := e.state(slot); state != StateOK {
		return e.unhealthy(res, state, err)
	}

	log := e.log.With().Int64("store", id).Str("uri", res.URI).Logger()
	src := slot.reg.Source
	start := e.opts.Now()

	for {
		if err := ctx.Err(); err != nil {
			res.Outcome = OutcomeCancelled
			res.Err = err
			break
		}

		prev := src.Cursor()
		loc, labels, err := src.Next(ctx)
		if errors.Is(err, source.ErrEndOfStore) {
			if err := e.persist(ctx, slot, src.Cursor()); err != nil {
				res.Outcome = OutcomeFailed
				res.Err = err
			}
			break
		}
		if err == nil {
			var added, updated bool
			added, updated, err = e.reconcile(ctx, slot, loc, labels, log)
			if err == nil {
				err = e.persist(ctx, slot, src.Cursor())
			}
			if err == nil {
				if added {
					res.Added++
				}
				if updated {
					res.Updated++
				}
				continue
			}
		}

		// the message was not fully recorded; the next cycle reads it again
		if cerr := src.SetCursor(prev); cerr != nil {
			log.Warn().Err(cerr).Msg("restoring cursor")
		}
		res = e.fail(slot, res, err, log)
		break
	}

	slot.mu.Lock()
	slot.lastPoll = start
	slot.mu.Unlock()

	if res.Outcome == OutcomeOK {
		log.Info().Int("added", res.Added).Int("updated", res.Updated).Dur("took", e.opts.Now().Sub(start)).Msg("store polled")
	}
	return res
}

// reconcile records the message at loc unless the store already has an
// entry there.
func (e *Engine) reconcile(
	ctx context.Context, slot *storeSlot, loc source.Locator, labels []string, log zerolog.Logger,
) (added, updated bool, err error) {
	storeID := slot.reg.Record.ID

	known, err := e.index.LookupLocator(ctx, storeID, string(loc))
	if err != nil {
		return false, false, indexError{err}
	}
	if known != nil {
		return false, false, nil
	}

	hdr, err := slot.reg.Source.LoadHeader(ctx, loc)
	if err != nil {
		return false, false, err
	}
	return e.record(ctx, slot, loc, labels, hdr, log)
}

// record writes the entry for hdr found at loc. The first store to record
// a message id owns it; a known id in the same store at a new locator is
// a moved message.
func (e *Engine) record(
	ctx context.Context, slot *storeSlot, loc source.Locator, labels []string, hdr *source.Header, log zerolog.Logger,
) (added, updated bool, err error) {
	storeID := slot.reg.Record.ID

	existing, err := e.index.Lookup(ctx, hdr.MessageID)
	if err != nil {
		return false, false, indexError{err}
	}

	switch {
	case existing == nil:
		entry := model.Entry{
			MessageID: hdr.MessageID,
			StoreID:   storeID,
			Locator:   string(loc),
			Labels:    labels,
			Subject:   hdr.Subject,
			From:      hdr.From,
			Date:      hdr.Date,
			IndexedAt: e.opts.Now(),
		}
		if err := e.index.Put(ctx, entry); err != nil {
			return false, false, indexError{err}
		}
		log.Debug().Str("message_id", hdr.MessageID).Str("locator", string(loc)).Msg("message added")
		return true, false, nil

	case existing.StoreID == storeID:
		if existing.Locator == string(loc) {
			return false, false, nil
		}
		moved := *existing
		moved.Locator = string(loc)
		moved.IndexedAt = e.opts.Now()
		if err := e.index.Put(ctx, moved); err != nil {
			return false, false, indexError{err}
		}
		log.Debug().Str("message_id", hdr.MessageID).Str("from", existing.Locator).Str("to", string(loc)).Msg("message moved")
		return false, true, nil

	default:
		log.Warn().
			Str("message_id", hdr.MessageID).
			Int64("owner", existing.StoreID).
			Str("locator", string(loc)).
			Msg("duplicate message id; keeping the first store's copy")
		return false, false, nil
	}
}

func (e *Engine) persist(ctx context.Context, slot *storeSlot, cursor string) error {
	if err := e.opts.Persister(ctx, slot.reg.Record.ID, cursor); err != nil {
		return indexError{fmt.Errorf("persisting cursor: %w", err)}
	}
	slot.mu.Lock()
	slot.reg.Record.Cursor = cursor
	slot.mu.Unlock()
	return nil
}

// indexError marks failures on the index side, which say nothing about
// the store's health.
type indexError struct{ err error }

func (e indexError) Error() string { return e.err.Error() }
func (e indexError) Unwrap() error { return e.err }

// fail classifies err and updates the store's state.
func (e *Engine) fail(slot *storeSlot, res StoreResult, err error, log zerolog.Logger) StoreResult {
	var ierr indexError
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		res.Outcome = OutcomeCancelled
		res.Err = err
	case errors.As(err, &ierr):
		log.Error().Err(ierr.err).Msg("index update failed")
		res.Outcome = OutcomeFailed
		res.Err = ierr.err
		res.NewProblem = true
	case source.IsOutOfSync(err):
		log.Warn().Err(err).Msg("store out of sync")
		e.setState(slot, StateDesynced, err)
		res = e.unhealthy(res, StateDesynced, err)
		res.NewProblem = true
	default:
		serr := source.Classify(slot.reg.Record.URI, err)
		log.Error().Err(serr).Msg("store unreadable")
		e.setState(slot, StateBroken, serr)
		res = e.unhealthy(res, StateBroken, serr)
		res.NewProblem = true
	}
	return res
}

func (e *Engine) unhealthy(res StoreResult, state StoreState, err error) StoreResult {
	res.Err = err
	if state == StateDesynced {
		res.Outcome = OutcomeDesynced
	} else {
		res.Outcome = OutcomeBroken
	}
	var serr *source.Error
	if errors.As(err, &serr) {
		res.Fix = serr.Fix
	}
	return res
}

// Rebuild re-derives every locator of a store from scratch: it rewinds
// the source, records each message it finds, drops entries of the store
// that were not found, and clears the store's error state.
func (e *Engine) Rebuild(ctx context.Context, id int64) StoreResult {
	slot, ok := e.byID[id]
	if !ok {
		return StoreResult{StoreID: id, Outcome: OutcomeFailed, Err: fmt.Errorf("unknown store %d", id)}
	}
	res := StoreResult{StoreID: id, URI: slot.reg.Record.URI}

	if !slot.busy.TryLock() {
		res.Outcome = OutcomeSkipped
		return res
	}
	defer slot.busy.Unlock()

	log := e.log.With().Int64("store", id).Str("uri", res.URI).Logger()
	src := slot.reg.Source
	src.Reset()
	log.Info().Msg("rebuilding store")

	seen := make(map[string]bool)
	for {
		if err := ctx.Err(); err != nil {
			return e.fail(slot, res, err, log)
		}
		loc, labels, err := src.Next(ctx)
		if errors.Is(err, source.ErrEndOfStore) {
			break
		}
		if err != nil {
			return e.fail(slot, res, err, log)
		}
		hdr, err := src.LoadHeader(ctx, loc)
		if err != nil {
			return e.fail(slot, res, err, log)
		}
		seen[hdr.MessageID] = true
		added, updated, err := e.record(ctx, slot, loc, labels, hdr, log)
		if err != nil {
			return e.fail(slot, res, err, log)
		}
		if added {
			res.Added++
		}
		if updated {
			res.Updated++
		}
	}

	entries, err := e.index.EntriesForStore(ctx, id)
	if err != nil {
		return e.fail(slot, res, indexError{err}, log)
	}
	for _, entry := range entries {
		if seen[entry.MessageID] {
			continue
		}
		if err := e.index.Delete(ctx, entry.MessageID); err != nil {
			return e.fail(slot, res, indexError{err}, log)
		}
		res.Removed++
	}

	if err := e.persist(ctx, slot, src.Cursor()); err != nil {
		return e.fail(slot, res, err, log)
	}
	e.setState(slot, StateOK, nil)
	log.Info().Int("added", res.Added).Int("updated", res.Updated).Int("removed", res.Removed).Msg("store rebuilt")
	return res
}
