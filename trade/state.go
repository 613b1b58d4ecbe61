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

// Package trade holds the trade aggregate and the protocol variants that
// drive it: the happy-path flow from offer acceptance to account-data
// exchange, and the mediation extension for disputed trades.
package trade

import (
	"fmt"

	"github.com/go-tradenet/tradecore/fsm"
)

// States shared by the protocol variants. The happy path runs top to bottom;
// the table stays open past BUYER_ACCOUNT_DATA_RECEIVED so a settlement
// extension can pick up from there.
var (
	StateInit                     = fsm.NewState("INIT", fsm.Initial())
	StateTakeOfferRequestSent     = fsm.NewState("TAKER_TAKE_OFFER_REQUEST_SENT")
	StateTakeOfferRequestAccepted = fsm.NewState("MAKER_TAKE_OFFER_REQUEST_ACCEPTED")
	StateAccountDataSent          = fsm.NewState("SELLER_ACCOUNT_DATA_SENT")
	StateAccountDataReceived      = fsm.NewState("BUYER_ACCOUNT_DATA_RECEIVED", fsm.Terminal())

	StateMediationRequested      = fsm.NewState("MEDIATION_REQUESTED")
	StateMediationResolvedBuyer  = fsm.NewState("MEDIATION_RESOLVED_BUYER")
	StateMediationResolvedSeller = fsm.NewState("MEDIATION_RESOLVED_SELLER")
	StateMediationClosed         = fsm.NewState("MEDIATION_CLOSED", fsm.Terminal())
)

const stateTagPrefix = "trade:"

var statesByName = map[string]fsm.State{
	StateInit.Name():                     StateInit,
	StateTakeOfferRequestSent.Name():     StateTakeOfferRequestSent,
	StateTakeOfferRequestAccepted.Name(): StateTakeOfferRequestAccepted,
	StateAccountDataSent.Name():          StateAccountDataSent,
	StateAccountDataReceived.Name():      StateAccountDataReceived,
	StateMediationRequested.Name():       StateMediationRequested,
	StateMediationResolvedBuyer.Name():   StateMediationResolvedBuyer,
	StateMediationResolvedSeller.Name():  StateMediationResolvedSeller,
	StateMediationClosed.Name():          StateMediationClosed,
}

// StateTag returns the namespaced wire tag for a trade state.
func StateTag(s fsm.State) string { return stateTagPrefix + s.Name() }

// ParseStateTag maps a wire tag back to a state. An unknown tag is a
// DecodeError; callers must never coerce it to a default state.
func ParseStateTag(tag string) (fsm.State, error) {
	if len(tag) > len(stateTagPrefix) && tag[:len(stateTagPrefix)] == stateTagPrefix {
		if s, ok := statesByName[tag[len(stateTagPrefix):]]; ok {
			return s, nil
		}
	}
	return fsm.State{}, &DecodeError{Field: "state", Tag: tag}
}

// closedStates are the states escalation is no longer allowed from.
var closedStates = map[string]struct{}{
	StateMediationResolvedBuyer.Name():  {},
	StateMediationResolvedSeller.Name(): {},
	StateMediationClosed.Name():         {},
}

// Closed reports whether the state is resolved or closed, i.e. past the
// point where a mediator could still be brought in.
func Closed(s fsm.State) bool {
	_, ok := closedStates[s.Name()]
	return ok
}

func init() {
	// Sanity: every state must round-trip through its tag.
	for name, s := range statesByName {
		if got, err := ParseStateTag(StateTag(s)); err != nil || got.Name() != name {
			panic(fmt.Sprintf("state %s does not round-trip", name))
		}
	}
}
