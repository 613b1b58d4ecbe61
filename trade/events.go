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

package trade

import (
	"github.com/go-tradenet/tradecore/fsm"
	"github.com/go-tradenet/tradecore/transport"
	"github.com/google/uuid"
)

// Event kinds of the trade protocol. Local user actions, inbound peer
// messages and delivery status notifications all arrive through the same
// engine; the kind says which transition applies, the payload carries the
// rest.
const (
	// EventTakeOffer is the taker's local action that starts the trade.
	EventTakeOffer fsm.EventKind = "take_offer"
	// EventOfferTaken is the inbound take-offer request, on the maker side.
	EventOfferTaken fsm.EventKind = "offer_taken"
	// EventOfferAccepted is the inbound maker acceptance, on the taker side.
	EventOfferAccepted fsm.EventKind = "offer_accepted"
	// EventSendAccountData is the seller's local action handing over payment
	// account details. It queues the send; the state only advances once the
	// buyer acknowledged delivery.
	EventSendAccountData fsm.EventKind = "send_account_data"
	// EventAccountDataReceived is the inbound account data, on the buyer side.
	EventAccountDataReceived fsm.EventKind = "account_data_received"
	// EventEscalate is the local request to bring in a mediator.
	EventEscalate fsm.EventKind = "escalate"
	// EventResolveBuyer and EventResolveSeller are the mediator's resolution
	// messages; only the mediator identity passes their guard.
	EventResolveBuyer  fsm.EventKind = "resolve_buyer"
	EventResolveSeller fsm.EventKind = "resolve_seller"
	// EventCloseMediation closes a resolved mediation.
	EventCloseMediation fsm.EventKind = "close_mediation"
)

// Inbound is the payload of an event synthesized from a peer message. The
// sender identity is the authenticated network identity the transport layer
// verified, not anything the message body claims.
type Inbound[T any] struct {
	Sender    transport.Identity
	MessageID uuid.UUID
	Msg       T
}

// AccountDataIntent is the payload of a local EventSendAccountData.
type AccountDataIntent struct {
	PaymentAccount []byte
}

// EscalateIntent is the payload of a local EventEscalate.
type EscalateIntent struct {
	Reason string
}
