// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package protocol defines the events a run publishes to its observers.
//
// The set is closed: Event can only be implemented inside this package, so a
// type switch over the six concrete types is exhaustive. On the wire every
// event is a flat JSON object with a "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Type is the wire discriminator of an event.
type Type string

const (
	TypeRunStart    Type = "run_start"
	TypeStepStart   Type = "step_start"
	TypeLog         Type = "log"
	TypeStepSuccess Type = "step_success"
	TypeRunFailed   Type = "run_failed"
	TypeRunSuccess  Type = "run_success"
)

// Step names one stage of the deploy sequence.
type Step string

const (
	StepCheckout    Step = "checkout"
	StepBuildTest   Step = "build_test"
	StepPackage     Step = "package"
	StepCleanup     Step = "cleanup"
	StepTransfer    Step = "transfer"
	StepDeploy      Step = "deploy"
	StepHealthCheck Step = "healthcheck"
	StepRollback    Step = "rollback"
)

// Steps lists the forward sequence in execution order. Rollback is not part of it.
var Steps = []Step{
	StepCheckout,
	StepBuildTest,
	StepPackage,
	StepCleanup,
	StepTransfer,
	StepDeploy,
	StepHealthCheck,
}

// Event is one entry in a run's ordered event sequence.
type Event interface {
	GetMetadata() Metadata
	EventType() Type
	sealed()
}

// RunStart opens the sequence.
type RunStart struct {
	Metadata
}

// StepStart announces that a step began.
type StepStart struct {
	Metadata
	Step Step
}

// Log carries one line of step output.
type Log struct {
	Metadata
	Step    Step
	Message string
}

// StepSuccess closes a step that completed.
type StepSuccess struct {
	Metadata
	Step Step
}

// RunFailed is terminal.
type RunFailed struct {
	Metadata
	Message string
}

// RunSuccess is terminal.
type RunSuccess struct {
	Metadata
}

func (e RunStart) GetMetadata() Metadata    { return e.Metadata }
func (e StepStart) GetMetadata() Metadata   { return e.Metadata }
func (e Log) GetMetadata() Metadata         { return e.Metadata }
func (e StepSuccess) GetMetadata() Metadata { return e.Metadata }
func (e RunFailed) GetMetadata() Metadata   { return e.Metadata }
func (e RunSuccess) GetMetadata() Metadata  { return e.Metadata }

func (RunStart) EventType() Type    { return TypeRunStart }
func (StepStart) EventType() Type   { return TypeStepStart }
func (Log) EventType() Type         { return TypeLog }
func (StepSuccess) EventType() Type { return TypeStepSuccess }
func (RunFailed) EventType() Type   { return TypeRunFailed }
func (RunSuccess) EventType() Type  { return TypeRunSuccess }

func (RunStart) sealed()    {}
func (StepStart) sealed()   {}
func (Log) sealed()         {}
func (StepSuccess) sealed() {}
func (RunFailed) sealed()   {}
func (RunSuccess) sealed()  {}

// IsTerminal reports whether e ends its run's sequence.
func IsTerminal(e Event) bool {
	switch e.(type) {
	case RunFailed, RunSuccess:
		return true
	default:
		return false
	}
}

// StepOf returns the step an event belongs to, or "" for run-level events.
func StepOf(e Event) Step {
	switch ev := e.(type) {
	case StepStart:
		return ev.Step
	case Log:
		return ev.Step
	case StepSuccess:
		return ev.Step
	default:
		return ""
	}
}

// WithMetadata returns a copy of e carrying m.
func WithMetadata(e Event, m Metadata) Event {
	switch ev := e.(type) {
	case RunStart:
		ev.Metadata = m
		return ev
	case StepStart:
		ev.Metadata = m
		return ev
	case Log:
		ev.Metadata = m
		return ev
	case StepSuccess:
		ev.Metadata = m
		return ev
	case RunFailed:
		ev.Metadata = m
		return ev
	case RunSuccess:
		ev.Metadata = m
		return ev
	default:
		panic(fmt.Sprintf("protocol: unknown event %T", e))
	}
}

// envelope is the flat wire form shared by all event types.
type envelope struct {
	Type Type `json:"type"`
	Metadata
	Step    Step   `json:"step,omitempty"`
	Message string `json:"message,omitempty"`
}

func toEnvelope(e Event) envelope {
	env := envelope{Type: e.EventType(), Metadata: e.GetMetadata()}
	switch ev := e.(type) {
	case StepStart:
		env.Step = ev.Step
	case Log:
		env.Step = ev.Step
		env.Message = ev.Message
	case StepSuccess:
		env.Step = ev.Step
	case RunFailed:
		env.Message = ev.Message
	}
	return env
}

func (e RunStart) MarshalJSON() ([]byte, error)    { return json.Marshal(toEnvelope(e)) }
func (e StepStart) MarshalJSON() ([]byte, error)   { return json.Marshal(toEnvelope(e)) }
func (e Log) MarshalJSON() ([]byte, error)         { return json.Marshal(toEnvelope(e)) }
func (e StepSuccess) MarshalJSON() ([]byte, error) { return json.Marshal(toEnvelope(e)) }
func (e RunFailed) MarshalJSON() ([]byte, error)   { return json.Marshal(toEnvelope(e)) }
func (e RunSuccess) MarshalJSON() ([]byte, error)  { return json.Marshal(toEnvelope(e)) }

// Marshal encodes e in its wire form.
func Marshal(e Event) ([]byte, error) {
	return json.Marshal(toEnvelope(e))
}

// Unmarshal decodes a wire event. Unknown types are rejected.
func Unmarshal(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	switch env.Type {
	case TypeRunStart:
		return RunStart{Metadata: env.Metadata}, nil
	case TypeStepStart:
		return StepStart{Metadata: env.Metadata, Step: env.Step}, nil
	case TypeLog:
		return Log{Metadata: env.Metadata, Step: env.Step, Message: env.Message}, nil
	case TypeStepSuccess:
		return StepSuccess{Metadata: env.Metadata, Step: env.Step}, nil
	case TypeRunFailed:
		return RunFailed{Metadata: env.Metadata, Message: env.Message}, nil
	case TypeRunSuccess:
		return RunSuccess{Metadata: env.Metadata}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}
