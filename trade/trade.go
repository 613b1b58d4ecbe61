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
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/go-tradenet/tradecore/fsm"
	"github.com/go-tradenet/tradecore/logging"
	"github.com/go-tradenet/tradecore/transport"
	"github.com/google/uuid"
)

// LogDirection says which way a logged protocol message went.
type LogDirection int8

const (
	LogSent LogDirection = iota
	LogReceived
)

// LogEntry is one entry of the trade's ordered protocol message log, kept
// for resume and audit.
type LogEntry struct {
	MessageID uuid.UUID
	Kind      string
	Direction LogDirection
	At        time.Time
}

// Trade is the aggregate root of one trade. Its state only ever changes
// through the FSM engine; everything else treats it as read-only data plus
// the bookkeeping setters below.
type Trade struct {
	id        uuid.UUID
	variant   string
	state     fsm.State
	direction Direction
	localRole Role
	parties   map[Role]*Party
	log       []LogEntry
	createdAt time.Time

	initial  bool
	ro       bool
	modified bool
}

// New creates a trade in the easy variant's initial state. The local role
// says which of the two trading parties this node is.
func New(ctx context.Context, id uuid.UUID, direction Direction, localRole Role, maker, taker Party) *Trade {
	maker.Role = RoleMaker
	taker.Role = RoleTaker
	t := &Trade{
		id:        id,
		variant:   VariantEasy,
		state:     StateInit,
		direction: direction,
		localRole: localRole,
		parties: map[Role]*Party{
			RoleMaker: &maker,
			RoleTaker: &taker,
		},
		createdAt: time.Now(),
		initial:   true,
		modified:  true,
	}
	logging.Extract(ctx).Info("Creating new trade", t.LogFields()...)
	return t
}

// GenerateStorageKey generates the storage key for a trade.
func GenerateStorageKey(id uuid.UUID) []byte {
	return []byte("trade-" + id.String())
}

// Trade getters.
func (t *Trade) GetDirection() Direction { return t.direction }
func (t *Trade) GetLocalRole() Role      { return t.localRole }
func (t *Trade) GetCreatedAt() time.Time { return t.createdAt }
func (t *Trade) GetLog() []LogEntry      { return t.log }

// Party returns the party with the given role.
func (t *Trade) Party(role Role) (*Party, bool) {
	p, ok := t.parties[role]
	return p, ok
}

// Parties returns all parties of the trade.
func (t *Trade) Parties() []*Party {
	return slices.Collect(maps.Values(t.parties))
}

// Peer returns the trading counterparty of the local node. Panics on a
// mediator-local trade, which has no single counterparty.
func (t *Trade) Peer() *Party {
	switch t.localRole {
	case RoleMaker:
		return t.parties[RoleTaker]
	case RoleTaker:
		return t.parties[RoleMaker]
	default:
		panic("a mediator has no trading counterparty")
	}
}

// Buyer and seller are derived from the offer direction, never stored: a BUY
// offer means the maker buys.
func (t *Trade) Buyer() *Party {
	if t.direction == DirectionBuy {
		return t.parties[RoleMaker]
	}
	return t.parties[RoleTaker]
}

func (t *Trade) Seller() *Party {
	if t.direction == DirectionBuy {
		return t.parties[RoleTaker]
	}
	return t.parties[RoleMaker]
}

// LocalIsSeller reports whether the local node is the selling side.
func (t *Trade) LocalIsSeller() bool {
	return t.Seller().Role == t.localRole
}

// LogFields returns relevant log fields for the trade.
func (t *Trade) LogFields() []any {
	return []any{
		"trade_id", t.id.String(),
		"variant", t.variant,
		"state", t.state.Name(),
		"direction", t.direction.String(),
		"local_role", t.localRole.String(),
	}
}

// fsm.Aggregate implementation.
func (t *Trade) ID() uuid.UUID           { return t.id }
func (t *Trade) ProtocolName() string    { return t.variant }
func (t *Trade) CurrentState() fsm.State { return t.state }

// CommitState is called by the FSM engine after a transition's actions
// succeeded. Nothing else may call it.
func (t *Trade) CommitState(s fsm.State) {
	t.panicRO()
	t.state = s
	t.modify()
}

// Trade setters, these will panic when the trade is RO.

// AddParty adds a party to the trade. Adding a role twice is an error.
func (t *Trade) AddParty(p Party) error {
	t.panicRO()
	if _, ok := t.parties[p.Role]; ok {
		return fmt.Errorf("trade %s already has a %s party", t.id, p.Role)
	}
	t.parties[p.Role] = &p
	t.modify()
	return nil
}

// BeginMediation adds the mediator party and swaps the governing protocol
// variant for the mediation one. Idempotent if the same mediator is already
// part of the trade.
func (t *Trade) BeginMediation(mediator Party) error {
	t.panicRO()
	mediator.Role = RoleMediator
	if existing, ok := t.parties[RoleMediator]; ok {
		if !existing.Identity.Equal(mediator.Identity) {
			return fmt.Errorf("trade %s already has a different mediator", t.id)
		}
		return nil
	}
	t.parties[RoleMediator] = &mediator
	t.variant = VariantMediation
	t.modify()
	return nil
}

// SetContractSignature attaches the signed contract blob to the party with
// the given role.
func (t *Trade) SetContractSignature(role Role, sig []byte) error {
	t.panicRO()
	p, ok := t.parties[role]
	if !ok {
		return fmt.Errorf("trade %s has no %s party", t.id, role)
	}
	p.ContractSignature = sig
	t.modify()
	return nil
}

// SetPaymentAccount attaches the payment account blob to the party with the
// given role.
func (t *Trade) SetPaymentAccount(role Role, data []byte) error {
	t.panicRO()
	p, ok := t.parties[role]
	if !ok {
		return fmt.Errorf("trade %s has no %s party", t.id, role)
	}
	p.PaymentAccount = data
	t.modify()
	return nil
}

// RecordSent appends an outbound message to the protocol log.
func (t *Trade) RecordSent(messageID uuid.UUID, kind string) {
	t.panicRO()
	t.log = append(t.log, LogEntry{MessageID: messageID, Kind: kind, Direction: LogSent, At: time.Now()})
	t.modify()
}

// RecordReceived appends an inbound message to the protocol log.
func (t *Trade) RecordReceived(messageID uuid.UUID, kind string) {
	t.panicRO()
	t.log = append(t.log, LogEntry{MessageID: messageID, Kind: kind, Direction: LogReceived, At: time.Now()})
	t.modify()
}

// Properties that decisions are based on.
func (t *Trade) ReadOnly() bool { return t.ro }
func (t *Trade) Initial() bool  { return t.initial }
func (t *Trade) Modified() bool { return t.modified }
func (t *Trade) StorageKey() []byte {
	return GenerateStorageKey(t.id)
}

// Property setters.
func (t *Trade) SetReadOnly()  { t.ro = true }
func (t *Trade) SetInitial()   { t.initial = true }
func (t *Trade) UnsetInitial() { t.initial = false }

func (t *Trade) panicRO() {
	if t.ro {
		panic("Trying to write to a read-only trade, this is certainly a bug.")
	}
}

func (t *Trade) modify() {
	t.modified = true
}

type partyGob struct {
	Identity          transport.Identity
	Role              string
	ContractSignature []byte
	PaymentAccount    []byte
}

type tradeGob struct {
	ID        uuid.UUID
	Variant   string
	State     string
	Direction string
	LocalRole string
	Parties   []partyGob
	Log       []LogEntry
	CreatedAt time.Time
}

// ToBytes serialises the trade for storage. Enumerated values go out as
// their namespaced tags so a newer version can detect what it doesn't know.
func (t *Trade) ToBytes() ([]byte, error) {
	tg := tradeGob{
		ID:        t.id,
		Variant:   t.variant,
		State:     StateTag(t.state),
		Direction: t.direction.Tag(),
		LocalRole: t.localRole.Tag(),
		Log:       t.log,
		CreatedAt: t.createdAt,
	}
	for _, p := range t.parties {
		tg.Parties = append(tg.Parties, partyGob{
			Identity:          p.Identity,
			Role:              p.Role.Tag(),
			ContractSignature: p.ContractSignature,
			PaymentAccount:    p.PaymentAccount,
		})
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(tg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FromBytes deserialises a stored trade. An unknown state tag returns the
// trade forced into MEDIATION_REQUESTED under the mediation variant,
// together with the DecodeError; callers must surface the error, never
// continue as if the state were known.
func FromBytes(b []byte) (*Trade, error) {
	var tg tradeGob
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&tg); err != nil {
		return nil, err
	}
	direction, err := ParseDirectionTag(tg.Direction)
	if err != nil {
		return nil, err
	}
	localRole, err := ParseRoleTag(tg.LocalRole)
	if err != nil {
		return nil, err
	}
	parties := make(map[Role]*Party, len(tg.Parties))
	for _, pg := range tg.Parties {
		role, err := ParseRoleTag(pg.Role)
		if err != nil {
			return nil, err
		}
		parties[role] = &Party{
			Identity:          pg.Identity,
			Role:              role,
			ContractSignature: pg.ContractSignature,
			PaymentAccount:    pg.PaymentAccount,
		}
	}
	t := &Trade{
		id:        tg.ID,
		variant:   tg.Variant,
		direction: direction,
		localRole: localRole,
		parties:   parties,
		log:       tg.Log,
		createdAt: tg.CreatedAt,
	}
	state, err := ParseStateTag(tg.State)
	if err != nil {
		var derr *DecodeError
		if errors.As(err, &derr) {
			t.state = StateMediationRequested
			t.variant = VariantMediation
			t.modified = true
			return t, err
		}
		return nil, err
	}
	t.state = state
	return t, nil
}
