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

// EventKind identifies a kind of event that can be applied to an aggregate:
// a locally originated user action, an inbound peer message, or an internal
// status notification such as a delivery acknowledgment.
type EventKind string

func (k EventKind) String() string { return string(k) }

// Event is a single occurrence of an EventKind, together with the payload
// relevant to the transition (message contents, error reason, etc.).
type Event struct {
	Kind    EventKind
	Payload any
}

// NewEvent returns an event of the given kind carrying the given payload.
func NewEvent(kind EventKind, payload any) Event {
	return Event{Kind: kind, Payload: payload}
}
