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

// Package fsm contains the generic finite state machine engine that drives
// every trade through its protocol. Protocols are declared as data: a closed
// set of states, a closed set of event kinds, and a transition table keyed by
// (state, event kind) pairs. The engine itself knows nothing about trades.
package fsm

// State is a named protocol state. Exactly one state of a protocol is marked
// initial, one or more are marked terminal. A State carries no payload, only
// identity and the two flags.
type State struct {
	name     string
	initial  bool
	terminal bool
}

// StateOption configures a state at declaration time.
type StateOption func(*State)

// Initial marks the state as the protocol's entry state.
func Initial() StateOption {
	return func(s *State) {
		s.initial = true
	}
}

// Terminal marks the state as an end state of the protocol.
func Terminal() StateOption {
	return func(s *State) {
		s.terminal = true
	}
}

// NewState declares a state with the given name.
func NewState(name string, opts ...StateOption) State {
	s := State{name: name}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func (s State) Name() string   { return s.name }
func (s State) Initial() bool  { return s.initial }
func (s State) Terminal() bool { return s.terminal }
func (s State) String() string { return s.name }

// IsZero reports whether the state is the zero value, i.e. not a declared
// protocol state.
func (s State) IsZero() bool { return s.name == "" }
