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

	"github.com/go-tradenet/tradecore/transport"
)

// Role is what a party does in the trade. Maker and taker are structurally
// identical; the role is a property, not a type, so mediation can add a
// third party to the same collection.
type Role int8

const (
	RoleMaker Role = iota
	RoleTaker
	RoleMediator
)

const roleTagPrefix = "role:"

var roleNames = map[Role]string{
	RoleMaker:    "MAKER",
	RoleTaker:    "TAKER",
	RoleMediator: "MEDIATOR",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", r)
}

// Tag returns the namespaced wire tag for the role.
func (r Role) Tag() string { return roleTagPrefix + r.String() }

// ParseRoleTag maps a wire tag back to a role. Unknown tags are a
// DecodeError.
func ParseRoleTag(tag string) (Role, error) {
	for role, name := range roleNames {
		if tag == roleTagPrefix+name {
			return role, nil
		}
	}
	return RoleMaker, &DecodeError{Field: "role", Tag: tag}
}

// Direction is the maker's side of the offer: a BUY offer means the maker
// buys and the taker sells. Buyer and seller are derived from it, never
// stored per party.
type Direction int8

const (
	DirectionBuy Direction = iota
	DirectionSell
)

const directionTagPrefix = "direction:"

var directionNames = map[Direction]string{
	DirectionBuy:  "BUY",
	DirectionSell: "SELL",
}

func (d Direction) String() string {
	if name, ok := directionNames[d]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", d)
}

// Tag returns the namespaced wire tag for the direction.
func (d Direction) Tag() string { return directionTagPrefix + d.String() }

// ParseDirectionTag maps a wire tag back to a direction. Unknown tags are a
// DecodeError.
func ParseDirectionTag(tag string) (Direction, error) {
	for dir, name := range directionNames {
		if tag == directionTagPrefix+name {
			return dir, nil
		}
	}
	return DirectionBuy, &DecodeError{Field: "direction", Tag: tag}
}

// Party is one participant of a trade. It is owned by the trade that
// references it and has no lifecycle of its own. The contract signature and
// payment account blobs are opaque to the core; their absence means not
// exchanged yet, which is a normal mid-protocol condition.
type Party struct {
	Identity          transport.Identity
	Role              Role
	ContractSignature []byte
	PaymentAccount    []byte
}
