package sync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	gosync "sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/source"
)

// PollState represents whether a poll cycle is in progress.
type PollState int

const (
	PollIdle PollState = iota
	PollRunning
)

// PollResultMsg is a tea.Msg sent when a poll cycle completes.
type PollResultMsg struct {
	Report Report
}

// PollStartedMsg is a tea.Msg sent when a poll cycle begins.
type PollStartedMsg struct {
	StoreIDs []int64
}

// DefaultInterval is the poll interval used when none is configured.
const DefaultInterval = 5 * time.Minute

// settleDelay is how long file events are collected before polling.
const settleDelay = 500 * time.Millisecond

// watchTarget maps a watched directory back to a store. An empty name
// matches every file in the directory.
type watchTarget struct {
	storeID int64
	name    string
}

// Poller drives the engine: on a timer, on request, and when files
// under a local store change.
type Poller struct {
	engine    *Engine
	interval  time.Duration
	log       zerolog.Logger
	resultCh  chan tea.Msg
	triggerCh chan []int64
	stopCh    chan struct{}
	mu        gosync.Mutex
	running   bool
	state     PollState
	lastPoll  time.Time
	targets   map[string][]watchTarget
	onReport  func(Report)
}

// NewPoller creates a Poller for engine. A zero interval uses
// DefaultInterval.
func NewPoller(engine *Engine, interval time.Duration, log zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	p := &Poller{
		engine:    engine,
		interval:  interval,
		log:       log,
		resultCh:  make(chan tea.Msg, 16),
		triggerCh: make(chan []int64, 16),
		stopCh:    make(chan struct{}),
		targets:   make(map[string][]watchTarget),
	}
	for _, slot := range engine.slots {
		w, ok := slot.reg.Source.(source.Watchable)
		if !ok || !slot.reg.Record.Usual {
			continue
		}
		for _, path := range w.WatchPaths() {
			p.addTarget(slot.reg.Record.ID, path)
		}
	}
	return p
}

// OnReport registers fn to be called with every completed report.
func (p *Poller) OnReport(fn func(Report)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onReport = fn
}

// addTarget watches a maildir subdirectory as a whole and an mbox file
// through its parent, so replacing the file is noticed.
func (p *Poller) addTarget(id int64, path string) {
	dir, name := path, ""
	if !isDir(path) {
		dir, name = filepath.Dir(path), filepath.Base(path)
	}
	p.targets[dir] = append(p.targets[dir], watchTarget{storeID: id, name: name})
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// Start returns a tea.Cmd that starts the polling goroutine and
// subscribes to its messages.
func (p *Poller) Start() tea.Cmd {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-p.stopCh
		cancel()
	}()
	go func() {
		if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.log.Error().Err(err).Msg("poller stopped")
		}
	}()

	return p.waitForResult()
}

// Stop halts polling; an in-flight cycle is cancelled.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}

	close(p.stopCh)
	p.running = false
}

// RefreshAll triggers an immediate poll of all usual stores.
func (p *Poller) RefreshAll() tea.Cmd {
	p.trigger(nil)
	return nil
}

// RefreshStore triggers an immediate poll of one store.
func (p *Poller) RefreshStore(id int64) tea.Cmd {
	p.trigger([]int64{id})
	return nil
}

func (p *Poller) trigger(ids []int64) {
	select {
	case p.triggerCh <- ids:
	default:
		// a poll is already queued
	}
}

// State returns whether a cycle is running and when the last one started.
func (p *Poller) State() (PollState, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.lastPoll
}

// Run polls until ctx is done. It polls once immediately.
func (p *Poller) Run(ctx context.Context) error {
	watcher, err := p.watch()
	if err != nil {
		// polling on the timer still works without file events
		p.log.Warn().Err(err).Msg("file watching disabled")
	}
	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if watcher != nil {
		defer watcher.Close()
		events, watchErrs = watcher.Events, watcher.Errors
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	settle := time.NewTimer(settleDelay)
	settle.Stop()
	changed := make(map[int64]bool)

	p.poll(ctx, nil)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.poll(ctx, nil)
		case ids := <-p.triggerCh:
			p.poll(ctx, ids)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			for _, id := range p.storesFor(ev) {
				changed[id] = true
			}
			if len(changed) > 0 {
				settle.Reset(settleDelay)
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			p.log.Warn().Err(err).Msg("file watch error")
		case <-settle.C:
			ids := make([]int64, 0, len(changed))
			for id := range changed {
				ids = append(ids, id)
			}
			clear(changed)
			p.poll(ctx, ids)
		}
	}
}

func (p *Poller) watch() (*fsnotify.Watcher, error) {
	if len(p.targets) == 0 {
		return nil, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for dir := range p.targets {
		if err := watcher.Add(dir); err != nil {
			p.log.Warn().Err(err).Str("path", dir).Msg("cannot watch store path")
		}
	}
	return watcher, nil
}

func (p *Poller) storesFor(ev fsnotify.Event) []int64 {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
		return nil
	}
	dir, name := filepath.Dir(ev.Name), filepath.Base(ev.Name)
	var ids []int64
	for _, t := range p.targets[dir] {
		if t.name == "" || t.name == name {
			ids = append(ids, t.storeID)
		}
	}
	return ids
}

// poll runs one cycle over ids, or over all usual stores when ids is nil.
func (p *Poller) poll(ctx context.Context, ids []int64) {
	p.mu.Lock()
	p.state = PollRunning
	p.lastPoll = time.Now()
	onReport := p.onReport
	p.mu.Unlock()

	p.send(PollStartedMsg{StoreIDs: ids})

	var report Report
	if ids == nil {
		report = p.engine.PollAll(ctx)
	} else {
		report = p.engine.PollStores(ctx, ids)
	}

	p.mu.Lock()
	p.state = PollIdle
	p.mu.Unlock()

	if onReport != nil {
		onReport(report)
	}
	p.send(PollResultMsg{Report: report})
}

// send queues msg for the UI without blocking the poller.
func (p *Poller) send(msg tea.Msg) {
	select {
	case p.resultCh <- msg:
	default:
		// Drop if channel is full to avoid blocking the poller
	}
}

// waitForResult returns a tea.Cmd that waits for the next message from
// the poller.
func (p *Poller) waitForResult() tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-p.resultCh
		if !ok {
			return nil
		}
		return msg
	}
}

// WaitForNextResult returns a tea.Cmd that waits for the next poller
// message. Call it after handling each PollResultMsg or PollStartedMsg.
func (p *Poller) WaitForNextResult() tea.Cmd {
	return p.waitForResult()
}
