// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package bus fans run events out to any number of observers.
//
// Each run has its own entry holding a bounded history and the set of live
// subscriptions. Publish never blocks: every subscription owns an unbounded
// queue that a pump goroutine drains into its channel, so a slow observer
// only delays itself.
package bus

import (
	"sync"
	"time"

	"github.com/noldarim/launchpad/internal/logger"
	"github.com/noldarim/launchpad/internal/protocol"
	"github.com/rs/zerolog"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetBusLogger()
		log = &l
	})
	return log
}

// Bus is a registry of per-run event streams.
type Bus struct {
	mu           sync.Mutex
	runs         map[uint]*entry
	historyLimit int
	now          func() time.Time
}

type entry struct {
	seq     uint64
	history []protocol.Event
	subs    map[*Subscription]struct{}
	closed  bool
}

// New creates a Bus keeping at most historyLimit events per run.
// A limit of 0 keeps everything.
func New(historyLimit int) *Bus {
	return &Bus{
		runs:         make(map[uint]*entry),
		historyLimit: historyLimit,
		now:          time.Now,
	}
}

// must be called with b.mu held
func (b *Bus) entryFor(runID uint) *entry {
	e, ok := b.runs[runID]
	if !ok {
		e = &entry{subs: make(map[*Subscription]struct{})}
		b.runs[runID] = e
	}
	return e
}

// Publish stamps ev with the run's next sequence number and delivers it to
// every current subscriber. Events published after Close are dropped.
func (b *Bus) Publish(runID uint, ev protocol.Event) protocol.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entryFor(runID)
	if e.closed {
		getLog().Warn().Uint("run_id", runID).Str("type", string(ev.EventType())).Msg("Dropping event published after close")
		return ev
	}

	e.seq++
	ev = protocol.WithMetadata(ev, protocol.Metadata{
		RunID:   runID,
		Seq:     e.seq,
		Time:    b.now(),
		Version: protocol.CurrentProtocolVersion,
	})

	e.history = append(e.history, ev)
	if b.historyLimit > 0 && len(e.history) > b.historyLimit {
		drop := len(e.history) - b.historyLimit
		e.history = append(e.history[:0:0], e.history[drop:]...)
	}

	for s := range e.subs {
		s.push(ev)
	}
	return ev
}

// Subscribe returns a subscription to events published from now on.
func (b *Bus) Subscribe(runID uint) *Subscription {
	_, s := b.subscribe(runID, false)
	return s
}

// SubscribeWithHistory returns the events published so far together with a
// subscription to everything after them. The two are taken under one lock,
// so their concatenation is the run's sequence without gaps or duplicates.
func (b *Bus) SubscribeWithHistory(runID uint) ([]protocol.Event, *Subscription) {
	return b.subscribe(runID, true)
}

func (b *Bus) subscribe(runID uint, withHistory bool) ([]protocol.Event, *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entryFor(runID)
	var hist []protocol.Event
	if withHistory {
		hist = append([]protocol.Event(nil), e.history...)
	}

	s := newSubscription(b, runID)
	if e.closed {
		// Nothing more will arrive for this run.
		s.finish()
		return hist, s
	}
	e.subs[s] = struct{}{}
	return hist, s
}

// History returns a copy of the retained events of a run.
func (b *Bus) History(runID uint) []protocol.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.runs[runID]
	if !ok {
		return nil
	}
	return append([]protocol.Event(nil), e.history...)
}

// Close marks a run as finished. Every subscription delivers what is still
// queued and then closes its channel. The entry is kept while subscribers
// remain so late history lookups still succeed, and reclaimed once the last
// one unsubscribes.
func (b *Bus) Close(runID uint) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.runs[runID]
	if !ok || e.closed {
		return
	}
	e.closed = true
	for s := range e.subs {
		s.finish()
	}
	e.subs = make(map[*Subscription]struct{})
	getLog().Debug().Uint("run_id", runID).Int("history", len(e.history)).Msg("Run stream closed")
}

// Forget drops the entry of a closed run together with its history.
func (b *Bus) Forget(runID uint) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.runs[runID]; ok && e.closed && len(e.subs) == 0 {
		delete(b.runs, runID)
	}
}

// Active reports whether the bus holds an entry for runID.
func (b *Bus) Active(runID uint) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.runs[runID]
	return ok
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.runs[s.runID]
	if !ok {
		return
	}
	delete(e.subs, s)
	if len(e.subs) == 0 && len(e.history) == 0 && !e.closed {
		// Subscribed to a run that never published anything.
		delete(b.runs, s.runID)
	}
}

// Subscription is one observer of a run.
type Subscription struct {
	bus   *Bus
	runID uint
	out   chan protocol.Event

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []protocol.Event
	finished bool // no more pushes; pump exits after draining
	stopped  bool // unsubscribed; pump exits immediately

	once sync.Once
	done chan struct{}
}

func newSubscription(b *Bus, runID uint) *Subscription {
	s := &Subscription{
		bus:   b,
		runID: runID,
		out:   make(chan protocol.Event),
		done:  make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

// C returns the channel events are delivered on. It is closed after the run
// finished and everything queued was received, or after Unsubscribe.
func (s *Subscription) C() <-chan protocol.Event {
	return s.out
}

// Unsubscribe stops delivery. Queued events are discarded.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
		s.mu.Lock()
		s.stopped = true
		s.queue = nil
		s.cond.Broadcast()
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Subscription) push(ev protocol.Event) {
	s.mu.Lock()
	if !s.finished && !s.stopped {
		s.queue = append(s.queue, ev)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *Subscription) finish() {
	s.mu.Lock()
	s.finished = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.finished && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped || len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
