// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the REST, SSE and WebSocket API. Handlers call the
// services directly for mutations and read run events from the bus.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/noldarim/launchpad/internal/bus"
	"github.com/noldarim/launchpad/internal/logger"
	"github.com/noldarim/launchpad/internal/orchestrator/models"
	"github.com/noldarim/launchpad/internal/protocol"

	"github.com/rs/zerolog"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetAPILogger()
		log = &l
	})
	return log
}

// RunStreamer replays a run's events to an observer and follows it live.
type RunStreamer struct {
	bus *bus.Bus
}

// NewRunStreamer creates a streamer over b.
func NewRunStreamer(b *bus.Bus) *RunStreamer {
	return &RunStreamer{bus: b}
}

// Stream calls emit with every event of run in order, history first, and
// returns after the terminal event. run must have been loaded before the
// call. A finished run whose events are no longer held in memory yields a
// single terminal event built from its persisted status.
func (s *RunStreamer) Stream(ctx context.Context, run *models.Run, emit func(protocol.Event) error) error {
	history, sub := s.bus.SubscribeWithHistory(run.ID)
	defer sub.Unsubscribe()

	for _, ev := range history {
		if err := emit(ev); err != nil {
			return err
		}
		if protocol.IsTerminal(ev) {
			return nil
		}
	}

	// The terminal status is persisted before the terminal event is
	// published, so an empty history here means the events are gone.
	if len(history) == 0 && run.Status.IsTerminal() {
		return emit(PersistedTerminal(run))
	}

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := emit(ev); err != nil {
				return err
			}
			if protocol.IsTerminal(ev) {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// History returns the retained events of run, or its persisted terminal
// event when nothing is retained.
func (s *RunStreamer) History(run *models.Run) []protocol.Event {
	events := s.bus.History(run.ID)
	if len(events) == 0 && run.Status.IsTerminal() {
		return []protocol.Event{PersistedTerminal(run)}
	}
	if events == nil {
		events = []protocol.Event{}
	}
	return events
}

// PersistedTerminal builds the terminal event of a finished run from its row.
// It carries no sequence number.
func PersistedTerminal(run *models.Run) protocol.Event {
	meta := protocol.Metadata{RunID: run.ID, Version: protocol.CurrentProtocolVersion, Time: time.Now().UTC()}
	if run.FinishedAt != nil {
		meta.Time = *run.FinishedAt
	}
	if run.Status == models.StatusSuccess {
		return protocol.RunSuccess{Metadata: meta}
	}
	return protocol.RunFailed{Metadata: meta, Message: run.Message}
}
