// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package testutil

import (
	"time"

	"github.com/noldarim/launchpad/internal/protocol"
)

// SuccessfulRun returns the events of a run that passed every step, one
// second apart starting at start, with metadata already stamped.
func SuccessfulRun(runID uint, start time.Time) []protocol.Event {
	events := []protocol.Event{protocol.RunStart{}}
	for _, step := range protocol.Steps {
		events = append(events,
			protocol.StepStart{Step: step},
			protocol.Log{Step: step, Message: string(step) + " ok"},
			protocol.StepSuccess{Step: step},
		)
	}
	events = append(events, protocol.RunSuccess{})
	return stamp(runID, start, events)
}

// FailedRun returns the events of a run that got through every step before
// failedAt, failed there with message and was rolled back.
func FailedRun(runID uint, start time.Time, failedAt protocol.Step, message string) []protocol.Event {
	events := []protocol.Event{protocol.RunStart{}}
	for _, step := range protocol.Steps {
		events = append(events, protocol.StepStart{Step: step})
		if step == failedAt {
			events = append(events, protocol.Log{Step: step, Message: message})
			break
		}
		events = append(events, protocol.StepSuccess{Step: step})
	}
	events = append(events,
		protocol.StepStart{Step: protocol.StepRollback},
		protocol.StepSuccess{Step: protocol.StepRollback},
		protocol.RunFailed{Message: message},
	)
	return stamp(runID, start, events)
}

func stamp(runID uint, start time.Time, events []protocol.Event) []protocol.Event {
	out := make([]protocol.Event, len(events))
	for i, ev := range events {
		out[i] = protocol.WithMetadata(ev, protocol.Metadata{
			RunID:   runID,
			Seq:     uint64(i + 1),
			Time:    start.Add(time.Duration(i) * time.Second),
			Version: protocol.CurrentProtocolVersion,
		})
	}
	return out
}
