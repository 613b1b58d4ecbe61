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
	"fmt"

	"github.com/google/uuid"
)

// DecodeError is returned when a stored or wire value carries a tag this
// version does not know. The trade it belongs to needs a mediator, not a
// guessed default.
type DecodeError struct {
	Field string
	Tag   string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("unknown %s tag: %s", e.Field, e.Tag)
}

// EscalationError is returned when a trade can no longer be escalated to
// mediation.
type EscalationError struct {
	TradeID uuid.UUID
	State   string
	Reason  string
}

func (e *EscalationError) Error() string {
	return fmt.Sprintf("can't escalate trade %s in state %s: %s", e.TradeID, e.State, e.Reason)
}
