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
	"github.com/go-playground/validator/v10"
	"github.com/go-tradenet/tradecore/transport"
)

// Envelope kinds for the protocol messages exchanged between peers.
const (
	KindTakeOfferRequest = "take_offer_request"
	KindOfferAccepted    = "offer_accepted"
	KindAccountData      = "account_data"
	KindMediationRequest = "mediation_request"
	KindMediationOutcome = "mediation_outcome"
	KindMediationClose   = "mediation_close"
)

func init() {
	transport.MustRegisterValidation("direction_tag", func(fl validator.FieldLevel) bool {
		_, err := ParseDirectionTag(fl.Field().String())
		return err == nil
	})
}

// Sides a mediator can resolve in favor of.
const (
	WinnerBuyer  = "buyer"
	WinnerSeller = "seller"
)

// TakeOfferRequest asks the maker to enter the trade. The taker attaches its
// signed contract data; the direction tag states the maker's side so both
// peers derive buyer and seller identically.
type TakeOfferRequest struct {
	Taker             transport.Identity `json:"taker" validate:"required"`
	Direction         string             `json:"direction" validate:"required,direction_tag"`
	ContractSignature []byte             `json:"contractSignature,omitempty"`
}

// OfferAccepted is the maker's acceptance of a take-offer request.
type OfferAccepted struct {
	Maker             transport.Identity `json:"maker" validate:"required"`
	ContractSignature []byte             `json:"contractSignature,omitempty"`
}

// AccountData carries the seller's payment account details to the buyer. The
// blob is opaque to the core.
type AccountData struct {
	PaymentAccount []byte `json:"paymentAccount" validate:"required"`
}

// MediationRequest asks the mediator to take on a disputed trade. It carries
// the full trade context because the mediator has no aggregate of its own
// before the dispute reaches it.
type MediationRequest struct {
	Maker     transport.Identity `json:"maker" validate:"required"`
	Taker     transport.Identity `json:"taker" validate:"required"`
	Direction string             `json:"direction" validate:"required,direction_tag"`
	Reason    string             `json:"reason,omitempty"`
}

// MediationOutcome is the mediator's resolution of a disputed trade.
type MediationOutcome struct {
	Winner string `json:"winner" validate:"required,oneof=buyer seller"`
	Note   string `json:"note,omitempty"`
}

// MediationClose closes a resolved mediation.
type MediationClose struct {
	Note string `json:"note,omitempty"`
}
