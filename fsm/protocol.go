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
)

// Guard is a pure predicate over the aggregate's current data, gating a
// transition. A nil return passes, a non-nil return rejects the event with
// the error as the reason.
type Guard func(ctx context.Context, agg Aggregate, ev Event) error

// Action is a side effect executed during a transition, in declared order.
// An action failing mid-sequence aborts the transition; the new state is
// never committed.
type Action func(ctx context.Context, agg Aggregate, ev Event) error

// Transition maps a (source state, event kind) pair to a target state, with
// an optional guard and an ordered list of actions.
type Transition struct {
	From    State
	Event   EventKind
	To      State
	Guard   Guard
	Actions []Action
}

type transitionKey struct {
	state string
	event EventKind
}

// Protocol is an immutable protocol variant: its state set and transition
// table. Build one with a Builder; a built protocol is safe for concurrent
// use.
type Protocol struct {
	name        string
	states      map[string]State
	kinds       map[EventKind]struct{}
	initial     State
	transitions map[transitionKey]Transition
}

func (p *Protocol) Name() string        { return p.name }
func (p *Protocol) InitialState() State { return p.initial }

// StateNamed returns the declared state with the given name.
func (p *Protocol) StateNamed(name string) (State, bool) {
	s, ok := p.states[name]
	return s, ok
}

// HasState reports whether the state is part of this protocol's state set.
func (p *Protocol) HasState(s State) bool {
	declared, ok := p.states[s.Name()]
	return ok && declared == s
}

// HasEvent reports whether the event kind is declared in any transition of
// this protocol.
func (p *Protocol) HasEvent(kind EventKind) bool {
	_, ok := p.kinds[kind]
	return ok
}

func (p *Protocol) lookup(s State, kind EventKind) (Transition, bool) {
	t, ok := p.transitions[transitionKey{state: s.Name(), event: kind}]
	return t, ok
}

// Builder collects state and transition declarations for a protocol variant.
// All declaration errors are deferred to Build, so a protocol definition
// reads as one uninterrupted block.
type Builder struct {
	name        string
	states      []State
	transitions []Transition
}

// NewBuilder returns a builder for a protocol variant with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

// AddStates declares the given states.
func (b *Builder) AddStates(states ...State) *Builder {
	b.states = append(b.states, states...)
	return b
}

// AddTransition declares a transition.
func (b *Builder) AddTransition(t Transition) *Builder {
	b.transitions = append(b.transitions, t)
	return b
}

// Build validates the declarations and returns the immutable protocol.
// Duplicate (state, event) pairs, undeclared states, a missing or duplicated
// initial state, a missing terminal state, and unreachable states are all
// configuration errors: they fail here, at startup, never at runtime.
func (b *Builder) Build() (*Protocol, error) {
	p := &Protocol{
		name:        b.name,
		states:      make(map[string]State, len(b.states)),
		kinds:       make(map[EventKind]struct{}),
		transitions: make(map[transitionKey]Transition, len(b.transitions)),
	}
	for _, s := range b.states {
		if s.IsZero() {
			return nil, configErr(b.name, "state with empty name declared")
		}
		if _, ok := p.states[s.Name()]; ok {
			return nil, configErr(b.name, "state %s declared twice", s.Name())
		}
		p.states[s.Name()] = s
		if s.Initial() {
			if !p.initial.IsZero() {
				return nil, configErr(b.name, "more than one initial state: %s and %s", p.initial, s)
			}
			p.initial = s
		}
	}
	if p.initial.IsZero() {
		return nil, configErr(b.name, "no initial state declared")
	}
	terminals := 0
	for _, s := range p.states {
		if s.Terminal() {
			terminals++
		}
	}
	if terminals == 0 {
		return nil, configErr(b.name, "no terminal state declared")
	}

	for _, t := range b.transitions {
		if !p.HasState(t.From) {
			return nil, configErr(b.name, "transition on %s from undeclared state %s", t.Event, t.From)
		}
		if !p.HasState(t.To) {
			return nil, configErr(b.name, "transition on %s to undeclared state %s", t.Event, t.To)
		}
		if t.Event == "" {
			return nil, configErr(b.name, "transition from %s with empty event kind", t.From)
		}
		key := transitionKey{state: t.From.Name(), event: t.Event}
		if _, ok := p.transitions[key]; ok {
			return nil, configErr(b.name, "duplicate transition for (%s, %s)", t.From, t.Event)
		}
		p.transitions[key] = t
		p.kinds[t.Event] = struct{}{}
	}

	if err := b.checkReachability(p); err != nil {
		return nil, err
	}
	return p, nil
}

// checkReachability walks the transition table from the initial state and
// errors on any state that can never be entered.
func (b *Builder) checkReachability(p *Protocol) error {
	reached := map[string]struct{}{p.initial.Name(): {}}
	frontier := []State{p.initial}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		for key, t := range p.transitions {
			if key.state != cur.Name() {
				continue
			}
			if _, ok := reached[t.To.Name()]; ok {
				continue
			}
			reached[t.To.Name()] = struct{}{}
			frontier = append(frontier, t.To)
		}
	}
	for name := range p.states {
		if _, ok := reached[name]; !ok {
			return configErr(b.name, "state %s is unreachable from %s", name, p.initial)
		}
	}
	return nil
}

func configErr(protocol, format string, args ...any) error {
	return &ConfigurationError{
		Protocol: protocol,
		Reason:   fmt.Sprintf(format, args...),
	}
}
