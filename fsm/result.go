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

// Outcome classifies what applying an event did to an aggregate.
type Outcome int

const (
	// OutcomeApplied means the transition ran to completion and the new
	// state was committed and persisted.
	OutcomeApplied Outcome = iota
	// OutcomeIgnored means no transition is declared for the (state, event)
	// pair. This is expected for duplicate, late or irrelevant events and is
	// not an error.
	OutcomeIgnored
	// OutcomeGuardRejected means the transition's guard predicate rejected
	// the event. State is unchanged.
	OutcomeGuardRejected
	// OutcomeActionFailed means an action errored mid-sequence. State is
	// unchanged, the operation is retryable.
	OutcomeActionFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeGuardRejected:
		return "guard_rejected"
	case OutcomeActionFailed:
		return "action_failed"
	default:
		return "unknown"
	}
}

// Result reports the outcome of applying an event.
type Result struct {
	Outcome Outcome
	From    State
	To      State

	// Reason is set for OutcomeGuardRejected.
	Reason string
	// ActionIndex and Cause are set for OutcomeActionFailed.
	ActionIndex int
	Cause       error
}

// Applied reports whether the event caused a committed transition.
func (r Result) Applied() bool { return r.Outcome == OutcomeApplied }

// Ignored reports whether the event was a no-op.
func (r Result) Ignored() bool { return r.Outcome == OutcomeIgnored }
