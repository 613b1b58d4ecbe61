// Copyright 2025 go-tradenet
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fsm

import (
	"context"
	"fmt"

	"github.com/go-tradenet/tradecore/logging"
	"github.com/google/uuid"
)

// Aggregate is the entity an engine drives. The engine is the only code path
// that calls CommitState; everything else treats the state as read-only.
type Aggregate interface {
	ID() uuid.UUID
	ProtocolName() string
	CurrentState() State
	CommitState(State)
}

// Persister makes a committed transition durable before observers hear about
// it. Implementations save the whole aggregate, typically releasing the
// per-aggregate write lock in the same call.
type Persister interface {
	Persist(ctx context.Context, agg Aggregate) error
}

// Engine applies events to aggregates according to their protocol variant's
// transition table. It holds every variant it may encounter; aggregates name
// the variant that currently governs them.
type Engine struct {
	protocols map[string]*Protocol
	persister Persister
	observers *ObserverRegistry
}

// NewEngine returns an engine holding the given protocol variants. Duplicate
// variant names are a configuration error.
func NewEngine(p Persister, observers *ObserverRegistry, protocols ...*Protocol) (*Engine, error) {
	e := &Engine{
		protocols: make(map[string]*Protocol, len(protocols)),
		persister: p,
		observers: observers,
	}
	for _, proto := range protocols {
		if _, ok := e.protocols[proto.Name()]; ok {
			return nil, configErr(proto.Name(), "variant registered twice")
		}
		e.protocols[proto.Name()] = proto
	}
	return e, nil
}

// Protocol returns the registered variant with the given name.
func (e *Engine) Protocol(name string) (*Protocol, bool) {
	p, ok := e.protocols[name]
	return p, ok
}

// Apply looks up the transition for the aggregate's current state and the
// event's kind, and runs it.
//
// A missing transition is not an error: duplicate, late and irrelevant
// events must never abort a trade, so they come back as OutcomeIgnored.
// That covers event kinds the variant never declares at all; a peer whose
// aggregate runs a richer variant may legitimately send those. A
// rejected guard or a failed action leaves the aggregate untouched; since
// callers work on a freshly loaded copy under the aggregate's write lock,
// discarding the copy without persisting is the rollback.
//
// On success the target state is committed and persisted before Apply
// returns; observers are notified only after the persist succeeded.
func (e *Engine) Apply(ctx context.Context, agg Aggregate, ev Event) (Result, error) {
	ctx, logger := logging.InjectLabels(ctx,
		"aggregate_id", agg.ID().String(),
		"protocol", agg.ProtocolName(),
		"state", agg.CurrentState().Name(),
		"event", ev.Kind.String(),
	)

	p, ok := e.protocols[agg.ProtocolName()]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownProtocol, agg.ProtocolName())
	}
	from := agg.CurrentState()
	if !p.HasState(from) {
		return Result{}, configErr(p.Name(), "aggregate %s is in undeclared state %s", agg.ID(), from)
	}
	if !p.HasEvent(ev.Kind) {
		logger.Debug("Event kind not declared in this variant, ignoring")
		return Result{Outcome: OutcomeIgnored, From: from, To: from}, nil
	}

	t, ok := p.lookup(from, ev.Kind)
	if !ok {
		logger.Debug("No transition declared, ignoring event")
		return Result{Outcome: OutcomeIgnored, From: from, To: from}, nil
	}

	if t.Guard != nil {
		if err := t.Guard(ctx, agg, ev); err != nil {
			logger.Info("Guard rejected event", "reason", err)
			return Result{Outcome: OutcomeGuardRejected, From: from, To: from, Reason: err.Error()}, nil
		}
	}

	for i, action := range t.Actions {
		if err := action(ctx, agg, ev); err != nil {
			logger.Error("Action failed, transition aborted", "action_index", i, "err", err)
			return Result{Outcome: OutcomeActionFailed, From: from, To: from, ActionIndex: i, Cause: err}, nil
		}
	}

	agg.CommitState(t.To)
	if err := e.persister.Persist(ctx, agg); err != nil {
		return Result{}, fmt.Errorf("persisting transition %s -> %s: %w", from, t.To, err)
	}
	logger.Info("Transition committed", "new_state", t.To.Name())
	e.observers.notifyStateChanged(agg.ID(), from, t.To)
	return Result{Outcome: OutcomeApplied, From: from, To: t.To}, nil
}
